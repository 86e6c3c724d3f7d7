package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"shelfd/internal/api"
	"shelfd/internal/control"
)

type ctlOptions struct {
	root *rootOptions
	addr string
}

func (o *ctlOptions) client() (*control.Client, error) {
	if o.addr != "" {
		return control.NewClient(o.addr), nil
	}
	loader, err := o.root.load()
	if err != nil {
		return nil, err
	}
	return control.NewClient(loader.Current().Control.Addr), nil
}

func newCtlCmd(root *rootOptions) *cobra.Command {
	opts := &ctlOptions{root: root}
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Control a running daemon",
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "control API address (default from config)")

	var port int
	start := &cobra.Command{
		Use:   "start",
		Short: "Start sharing the library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var p *int
			if cmd.Flags().Changed("port") {
				p = &port
			}
			st, err := c.Start(contextOr(cmd.Context()), p)
			return report(cmd.OutOrStdout(), st, err)
		},
	}
	start.Flags().IntVar(&port, "port", 0, "base port for this activation (push server uses port+1)")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop sharing the library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			st, err := c.Stop(contextOr(cmd.Context()))
			return report(cmd.OutOrStdout(), st, err)
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether the library is being shared",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			st, err := c.Status(contextOr(cmd.Context()))
			return report(cmd.OutOrStdout(), st, err)
		},
	}

	rescan := &cobra.Command{
		Use:   "rescan",
		Short: "Rescan the book directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.Rescan(contextOr(cmd.Context()))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d books (%d added, %d removed)\n", res.Total, res.Added, res.Removed)
			return nil
		},
	}

	cmd.AddCommand(start, stop, status, rescan)
	return cmd
}

// report prints a web service status. A failed start still prints the
// state the daemon settled in before returning the error.
func report(w io.Writer, st api.WebServiceStatus, err error) error {
	var reqErr *control.RequestError
	if errors.As(err, &reqErr) && reqErr.Status != nil {
		st = *reqErr.Status
	} else if err != nil {
		return err
	}
	fmt.Fprintln(w, st.Status)
	if st.URL != "" {
		fmt.Fprintf(w, "  library: %s/api/v1/books\n", st.URL)
		fmt.Fprintf(w, "  push:    ws://%s:%d/\n", st.Address, st.PushPort)
		fmt.Fprintln(w, "  stop with: shelfd ctl stop")
	}
	if st.LastFailure != nil {
		fmt.Fprintf(w, "  last failure (%s): %s\n", st.LastFailure.Kind, st.LastFailure.Message)
	}
	return err
}
