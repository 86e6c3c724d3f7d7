package main

import (
	"github.com/spf13/cobra"

	"shelfd/internal/config"
)

type rootOptions struct {
	configFile string
}

func (o *rootOptions) load() (*config.Loader, error) {
	return config.Load(o.configFile)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "shelfd",
		Short: "Share an e-book library on the local network",
		Long: `shelfd serves a directory of e-books to reading devices on the LAN.

It runs a request server for the library API and a push server for live
reading progress on the next port, advertises both over mDNS and can be
started and stopped at any time through a loopback control API.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default: search $SHELFD_CONFIG_DIR, /etc/shelfd, .)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newCtlCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	return cmd
}
