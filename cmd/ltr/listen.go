package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tiger/live-translation-relay/api/wire"
	"github.com/tiger/live-translation-relay/internal/client/playback"
	"github.com/tiger/live-translation-relay/internal/client/reducer"
	"github.com/tiger/live-translation-relay/internal/config"
	"github.com/tiger/live-translation-relay/internal/observability/logging"
	"github.com/tiger/live-translation-relay/internal/runtime/connection"
	"github.com/tiger/live-translation-relay/internal/runtime/subscription"
)

type listenOptions struct {
	serviceID string
	language  string
	sessionID string
	duration  time.Duration
	clipDir   string
}

func newListenCmd(opts *globalOptions) *cobra.Command {
	lo := listenOptions{}
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Subscribe to one service and language and play the translations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if lo.clipDir != "" {
				cfg.Playback.Dir = lo.clipDir
			}
			if lo.sessionID == "" {
				lo.sessionID = uuid.NewString()
			}
			ctx := cmd.Context()
			if lo.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, lo.duration)
				defer cancel()
			}
			return runListen(ctx, cfg, lo, cmd.OutOrStdout(), log)
		},
	}
	cmd.Flags().StringVar(&lo.serviceID, "service", "", "service id to follow")
	cmd.Flags().StringVar(&lo.language, "language", "", "language code or name, for example es or Spanish")
	cmd.Flags().StringVar(&lo.sessionID, "session", "", "listener session id (random when empty)")
	cmd.Flags().DurationVar(&lo.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().StringVar(&lo.clipDir, "clip-dir", "", "write each played clip to this directory")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("language")
	return cmd
}

func runListen(ctx context.Context, cfg config.Config, lo listenOptions, stdout io.Writer, log zerolog.Logger) error {
	key := wire.Key{ServiceID: lo.serviceID, Language: lo.language, SessionID: lo.sessionID}
	if err := key.Validate(); err != nil {
		return err
	}

	ctxs := playback.NewContextManager(
		playback.NewSinkFactory(playback.SinkConfig{Dir: cfg.Playback.Dir}, logging.Component(log, "sink")),
		logging.Component(log, "audio-context"),
	)
	player := playback.NewController(ctxs, logging.Component(log, "playback"))
	defer player.Close()
	player.SetVolume(cfg.Playback.Volume)

	red := reducer.New(reducer.Config{
		DedupWindow:         cfg.Reducer.DedupWindow.Std(),
		HistoryLimit:        cfg.Reducer.HistoryLimit,
		HealthCheckInterval: cfg.Reducer.HealthCheckInterval.Std(),
		StaleAfter:          cfg.Reducer.StaleAfter.Std(),
		ActivityLimit:       cfg.Reducer.ActivityLimit,
		Autoplay:            cfg.Reducer.Autoplay,
	}, key, player, logging.Component(log, "reducer"))
	printer := &transcript{out: stdout}
	red.OnChange(printer.update)
	red.OnStale(func(s reducer.StaleConnection) {
		printer.line("stale: no heartbeat for %s", s.Since.Round(time.Second))
	})

	sup := newSupervisor(cfg.Client, log)
	defer sup.Close()
	router := subscription.New(subscription.Config{HeartbeatInterval: cfg.Client.HeartbeatInterval.Std()}, sup, logging.Component(log, "router"))
	defer router.Close()
	sup.Observe(router)
	sup.Observe(connection.ObserverFuncs{State: red.ObserveConnection})

	red.Start()
	defer red.Close()

	if err := sup.Connect(ctx); err != nil {
		return err
	}
	unsubscribe, err := router.Subscribe(key, red)
	if err != nil {
		return err
	}
	defer unsubscribe()
	log.Info().Str("key", key.String()).Msg("listening")

	<-ctx.Done()
	return nil
}

// transcript prints each new translation and error once.
type transcript struct {
	mu      sync.Mutex
	out     io.Writer
	last    reducer.Record
	printed bool
	lastErr string
}

func (t *transcript) update(s reducer.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.LastError != "" && s.LastError != t.lastErr {
		t.lastErr = s.LastError
		fmt.Fprintf(t.out, "error: %s\n", s.LastError)
	}
	if len(s.History) == 0 {
		return
	}
	rec := s.History[len(s.History)-1]
	if t.printed && sameRecord(rec, t.last) {
		return
	}
	t.last = rec
	t.printed = true
	marker := "~"
	if rec.Final {
		marker = "="
	}
	fmt.Fprintf(t.out, "%s %s | %s\n", marker, rec.Original, rec.Translated)
}

func (t *transcript) line(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format+"\n", args...)
}

func sameRecord(a, b reducer.Record) bool {
	return a.Original == b.Original && a.Translated == b.Translated && a.Timestamp.Equal(b.Timestamp)
}
