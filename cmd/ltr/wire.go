package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/tiger/live-translation-relay/api/speech"
	"github.com/tiger/live-translation-relay/internal/broker"
	"github.com/tiger/live-translation-relay/internal/config"
	"github.com/tiger/live-translation-relay/internal/observability/logging"
	"github.com/tiger/live-translation-relay/internal/observability/metrics"
	"github.com/tiger/live-translation-relay/internal/runtime/connection"
	"github.com/tiger/live-translation-relay/internal/runtime/fanout"
	"github.com/tiger/live-translation-relay/providers/tts/elevenlabs"
	"github.com/tiger/live-translation-relay/providers/tts/google"
	"github.com/tiger/live-translation-relay/providers/tts/polly"
	"github.com/tiger/live-translation-relay/providers/tts/static"
	"github.com/tiger/live-translation-relay/transports/websocket"
)

func newSynthesizer(cfg config.Synthesis, log zerolog.Logger) (speech.Synthesizer, error) {
	log = logging.Component(log, "synthesis")
	switch cfg.Provider {
	case config.ProviderStatic:
		return static.New(static.Config{Fail: cfg.Static.FailLanguages}), nil
	case config.ProviderPolly:
		return polly.New(polly.Config{
			Region:          cfg.Polly.Region,
			Engine:          cfg.Polly.Engine,
			Timeout:         cfg.Timeout.Std(),
			Voices:          cfg.Polly.Voices,
			AccessKeyID:     cfg.Polly.AccessKeyID,
			SecretAccessKey: cfg.Polly.SecretAccessKey,
			SessionToken:    cfg.Polly.SessionToken,
		}, log), nil
	case config.ProviderGoogle:
		var voices map[string]google.Voice
		if len(cfg.Google.Voices) > 0 {
			voices = make(map[string]google.Voice, len(cfg.Google.Voices))
			for lang, v := range cfg.Google.Voices {
				voices[lang] = google.Voice{Name: v.Name, LanguageCode: v.LanguageCode}
			}
		}
		return google.New(google.Config{
			APIKey:        cfg.Google.APIKey,
			Endpoint:      cfg.Google.Endpoint,
			AudioEncoding: cfg.Google.AudioEncoding,
			Timeout:       cfg.Timeout.Std(),
			Voices:        voices,
		}, log)
	case config.ProviderElevenLabs:
		return elevenlabs.New(elevenlabs.Config{
			APIKey:   cfg.ElevenLabs.APIKey,
			Endpoint: cfg.ElevenLabs.Endpoint,
			VoiceID:  cfg.ElevenLabs.VoiceID,
			ModelID:  cfg.ElevenLabs.ModelID,
			Voices:   cfg.ElevenLabs.Voices,
			Timeout:  cfg.Timeout.Std(),
		}, log)
	default:
		return nil, fmt.Errorf("unsupported synthesis provider %q", cfg.Provider)
	}
}

// relay is the server-side object graph behind `ltr serve`.
type relay struct {
	registry *prometheus.Registry
	hub      *broker.Hub
	fanout   *fanout.Fanout
	server   *broker.Server
}

func newRelay(cfg config.Config, log zerolog.Logger) (*relay, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.NewRelay(registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	synth, err := newSynthesizer(cfg.Synthesis, log)
	if err != nil {
		return nil, err
	}

	hub := broker.NewHub(broker.HubConfig{HeartbeatInterval: cfg.Server.HeartbeatInterval.Std()}, m, logging.Component(log, "hub"))
	fo := fanout.New(fanout.Config{
		Aliases:          cfg.Languages.Aliases,
		SynthesisRate:    cfg.Synthesis.Rate,
		SynthesisBurst:   cfg.Synthesis.Burst,
		SynthesisTimeout: cfg.Synthesis.Timeout.Std(),
	}, hub, synth, m, logging.Component(log, "fanout"))
	hub.SetBroadcaster(fo)

	server := broker.NewServer(broker.ServerConfig{
		Addr:      cfg.Server.Addr,
		QueueSize: cfg.Server.QueueSize,
		Transport: websocket.Config{WriteTimeout: cfg.Server.WriteTimeout.Std()},
	}, hub, registry, logging.Component(log, "server"))

	return &relay{registry: registry, hub: hub, fanout: fo, server: server}, nil
}

func newSupervisor(cfg config.Client, log zerolog.Logger) *connection.Supervisor {
	dialer := websocket.NewDialer(websocket.Config{HandshakeTimeout: cfg.HandshakeTimeout.Std()})
	return connection.New(connection.Config{
		URL:                  cfg.URL,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectInterval:    cfg.ReconnectInterval.Std(),
	}, dialer, logging.Component(log, "connection"))
}
