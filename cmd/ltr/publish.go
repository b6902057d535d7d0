package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tiger/live-translation-relay/internal/observability/logging"
	"github.com/tiger/live-translation-relay/internal/runtime/recognition"
)

func newPublishCmd(opts *globalOptions) *cobra.Command {
	var (
		serviceID string
		script    string
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Broadcast a scripted utterance stream for one service",
		Long:  "publish reads JSON lines ({\"original\",\"translations\",\"final\",\"delayMs\"}) from a script file or stdin and broadcasts the gated utterances to the relay.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			var input io.Reader = cmd.InOrStdin()
			if script != "" && script != "-" {
				f, err := os.Open(script)
				if err != nil {
					return fmt.Errorf("open script: %w", err)
				}
				defer f.Close()
				input = f
			}

			sup := newSupervisor(cfg.Client, log)
			defer sup.Close()
			if err := sup.Connect(cmd.Context()); err != nil {
				return err
			}

			gate := recognition.NewGate(recognition.GateConfig{
				EndMarkers:      cfg.Gate.EndMarkers,
				MinWordCount:    cfg.Gate.MinWordCount,
				IdleFlush:       cfg.Gate.IdleFlush.Std(),
				TargetLanguages: cfg.Languages.Targets,
			})
			pub := recognition.NewPublisher(serviceID, sup, gate, logging.Component(log, "publisher"))
			stats, err := pub.Publish(cmd.Context(), recognition.NewLineRecognizer(logging.Component(log, "recognizer")), input)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "received=%d sent=%d gated=%d dropped=%d\n",
				stats.Received, stats.Sent, stats.Gated, stats.Dropped)
			return err
		},
	}
	cmd.Flags().StringVar(&serviceID, "service", "", "service id to broadcast for")
	cmd.Flags().StringVar(&script, "script", "-", "JSON-lines script file, - for stdin")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}
