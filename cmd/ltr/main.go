package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tiger/live-translation-relay/internal/config"
	"github.com/tiger/live-translation-relay/internal/observability/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ltr: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) error {
	root := newRootCmd(&globalOptions{})
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	// lookup replaces the process environment in tests.
	lookup func(string) (string, bool)
}

func newRootCmd(opts *globalOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ltr",
		Short:         "Live translation relay",
		Long:          "ltr relays live speech translations from publishers to per-language listeners over websocket, with synthesized audio per language.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "override log.format (console|json)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newListenCmd(opts),
		newPublishCmd(opts),
		newConfigCmd(opts),
	)
	return rootCmd
}

// load builds the effective config and the root logger writing to stderr.
func (o *globalOptions) load(stderr io.Writer) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(o.configPath, o.lookup)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}, stderr)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, log, nil
}
