package elevenlabs

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiger/live-translation-relay/api/speech"
	"github.com/tiger/live-translation-relay/providers/common/httpadapter"
)

const ProviderID = "tts-elevenlabs"

type Config struct {
	APIKey   string
	Endpoint string
	// VoiceID is used for every language without an entry in Voices.
	VoiceID string
	ModelID string
	Voices  map[string]string
	Timeout time.Duration
}

// Synthesizer renders translations with one multilingual ElevenLabs model.
type Synthesizer struct {
	cfg    Config
	client *httpadapter.Client
	log    zerolog.Logger
}

var _ speech.Synthesizer = (*Synthesizer)(nil)

func New(cfg Config, log zerolog.Logger) (*Synthesizer, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		cfg.Endpoint = "https://api.elevenlabs.io/v1/text-to-speech"
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		cfg.VoiceID = "EXAVITQu4vr4xnSDxMaL"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_multilingual_v2"
	}
	client, err := httpadapter.New(httpadapter.Config{
		ProviderID:    ProviderID,
		Endpoint:      cfg.Endpoint,
		APIKey:        cfg.APIKey,
		APIKeyHeader:  "xi-api-key",
		StaticHeaders: map[string]string{"Accept": "audio/mpeg"},
		Timeout:       cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return &Synthesizer{cfg: cfg, client: client, log: log}, nil
}

func (s *Synthesizer) voiceFor(language string) string {
	if v := strings.TrimSpace(s.cfg.Voices[language]); v != "" {
		return v
	}
	return s.cfg.VoiceID
}

func (s *Synthesizer) Synthesize(ctx context.Context, text string, language string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &speech.SynthesisError{Language: language, Reason: "empty_text"}
	}
	voice := s.voiceFor(language)
	started := time.Now()
	audio, err := s.client.PostJSON(ctx, language, voice, map[string]any{
		"model_id":      s.cfg.ModelID,
		"text":          text,
		"language_code": language,
	})
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, &speech.SynthesisError{Language: language, Reason: "provider_empty_audio", Retryable: true}
	}
	s.log.Debug().
		Str("provider", ProviderID).
		Str("language", language).
		Str("voice", voice).
		Int("bytes", len(audio)).
		Dur("took", time.Since(started)).
		Msg("speech synthesized")
	return audio, nil
}
