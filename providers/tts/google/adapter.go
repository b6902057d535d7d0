package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiger/live-translation-relay/api/speech"
	"github.com/tiger/live-translation-relay/providers/common/httpadapter"
)

const ProviderID = "tts-google"

// Voice selects a Cloud Text-to-Speech voice.
type Voice struct {
	Name         string
	LanguageCode string
}

type Config struct {
	APIKey        string
	Endpoint      string
	AudioEncoding string
	Timeout       time.Duration
	// Voices maps a relay language code to a voice.
	Voices map[string]Voice
}

// DefaultVoices covers the default target languages.
func DefaultVoices() map[string]Voice {
	return map[string]Voice{
		"es": {Name: "es-ES-Standard-A", LanguageCode: "es-ES"},
		"fr": {Name: "fr-FR-Standard-A", LanguageCode: "fr-FR"},
		"ko": {Name: "ko-KR-Standard-A", LanguageCode: "ko-KR"},
		"ru": {Name: "ru-RU-Standard-A", LanguageCode: "ru-RU"},
	}
}

// Synthesizer renders translations with the Cloud Text-to-Speech REST API.
type Synthesizer struct {
	cfg    Config
	client *httpadapter.Client
	log    zerolog.Logger
}

var _ speech.Synthesizer = (*Synthesizer)(nil)

func New(cfg Config, log zerolog.Logger) (*Synthesizer, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		cfg.Endpoint = "https://texttospeech.googleapis.com/v1/text:synthesize"
	}
	if strings.TrimSpace(cfg.AudioEncoding) == "" {
		cfg.AudioEncoding = "MP3"
	}
	if len(cfg.Voices) == 0 {
		cfg.Voices = DefaultVoices()
	}
	client, err := httpadapter.New(httpadapter.Config{
		ProviderID:       ProviderID,
		Endpoint:         cfg.Endpoint,
		APIKey:           cfg.APIKey,
		QueryAPIKeyParam: "key",
		StaticHeaders:    map[string]string{"Accept": "application/json"},
		Timeout:          cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return &Synthesizer{cfg: cfg, client: client, log: log}, nil
}

func (s *Synthesizer) Synthesize(ctx context.Context, text string, language string) ([]byte, error) {
	voice, ok := s.cfg.Voices[language]
	if !ok || strings.TrimSpace(voice.LanguageCode) == "" {
		return nil, &speech.SynthesisError{Language: language, Reason: "no_voice_for_language"}
	}
	if strings.TrimSpace(text) == "" {
		return nil, &speech.SynthesisError{Language: language, Reason: "empty_text"}
	}

	voiceReq := map[string]any{"languageCode": voice.LanguageCode}
	if voice.Name != "" {
		voiceReq["name"] = voice.Name
	}
	started := time.Now()
	payload, err := s.client.PostJSON(ctx, language, "", map[string]any{
		"input":       map[string]any{"text": text},
		"voice":       voiceReq,
		"audioConfig": map[string]any{"audioEncoding": s.cfg.AudioEncoding},
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		AudioContent string `json:"audioContent"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, &speech.SynthesisError{Language: language, Reason: "provider_response_parse_error", Retryable: true, Err: err}
	}
	audio, err := base64.StdEncoding.DecodeString(parsed.AudioContent)
	if err != nil {
		return nil, &speech.SynthesisError{Language: language, Reason: "provider_audio_decode_error", Retryable: true, Err: err}
	}
	if len(audio) == 0 {
		return nil, &speech.SynthesisError{Language: language, Reason: "provider_empty_audio", Retryable: true}
	}
	s.log.Debug().
		Str("provider", ProviderID).
		Str("language", language).
		Str("voice", voice.Name).
		Int("bytes", len(audio)).
		Dur("took", time.Since(started)).
		Msg("speech synthesized")
	return audio, nil
}
