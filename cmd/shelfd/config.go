package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader, err := root.load()
			if err != nil {
				return err
			}
			out, err := loader.Current().YAML()
			if err != nil {
				return err
			}
			if f := loader.File(); f != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", f)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}
