package main

import (
	"github.com/spf13/cobra"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay broker with per-language synthesis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			r, err := newRelay(cfg, log)
			if err != nil {
				return err
			}
			log.Info().
				Str("provider", cfg.Synthesis.Provider).
				Strs("targets", cfg.Languages.Targets).
				Msg("relay starting")
			return r.server.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
