package polly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/tiger/live-translation-relay/api/speech"
)

const ProviderID = "tts-amazon-polly"

// maxAudioBytes bounds one synthesized clip.
const maxAudioBytes = 16 << 20

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

type Config struct {
	Region  string
	Engine  string
	Timeout time.Duration
	// Voices maps a language code to a Polly voice id.
	Voices map[string]string
	// Static credentials, already resolved. Empty uses the default AWS chain.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// DefaultVoices covers the default target languages with standard voices.
func DefaultVoices() map[string]string {
	return map[string]string{
		"es": "Lucia",
		"fr": "Lea",
		"ko": "Seoyeon",
		"ru": "Tatyana",
	}
}

// Synthesizer renders translations with Amazon Polly.
type Synthesizer struct {
	mu     sync.Mutex
	client synthClient
	cfg    Config
	log    zerolog.Logger
}

var _ speech.Synthesizer = (*Synthesizer)(nil)

func New(cfg Config, log zerolog.Logger) *Synthesizer {
	return NewWithClient(cfg, nil, log)
}

func NewWithClient(cfg Config, client synthClient, log zerolog.Logger) *Synthesizer {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = "standard"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if len(cfg.Voices) == 0 {
		cfg.Voices = DefaultVoices()
	}
	return &Synthesizer{client: client, cfg: cfg, log: log}
}

// Synthesize returns MP3 audio for text in language.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, language string) ([]byte, error) {
	voice, ok := s.cfg.Voices[language]
	if !ok || strings.TrimSpace(voice) == "" {
		return nil, &speech.SynthesisError{Language: language, Reason: "no_voice_for_language"}
	}
	if strings.TrimSpace(text) == "" {
		return nil, &speech.SynthesisError{Language: language, Reason: "empty_text"}
	}
	client, err := s.resolveClient(ctx)
	if err != nil {
		return nil, &speech.SynthesisError{Language: language, Reason: "provider_config", Err: err}
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(s.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	started := time.Now()
	output, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         aws.String(text),
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(voice),
	})
	if err != nil {
		return nil, normalizePollyError(language, err)
	}
	if output == nil || output.AudioStream == nil {
		return nil, &speech.SynthesisError{Language: language, Reason: "provider_empty_audio", Retryable: true}
	}
	defer output.AudioStream.Close()

	audio, err := io.ReadAll(io.LimitReader(output.AudioStream, maxAudioBytes))
	if err != nil {
		return nil, &speech.SynthesisError{Language: language, Reason: "provider_stream_error", Retryable: true, Err: err}
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

func normalizePollyError(language string, err error) *speech.SynthesisError {
	if errors.Is(err, context.Canceled) {
		return &speech.SynthesisError{Language: language, Reason: "provider_cancelled", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &speech.SynthesisError{Language: language, Reason: "provider_timeout", Retryable: true, Err: err}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "ThrottlingException":
			return &speech.SynthesisError{Language: language, Reason: "provider_overload", Retryable: true, Err: err}
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException", "MarksNotSupportedForFormatException", "InvalidSampleRateException", "EngineNotSupportedException", "LanguageNotSupportedException":
			return &speech.SynthesisError{Language: language, Reason: "provider_client_error", Err: err}
		default:
			return &speech.SynthesisError{Language: language, Reason: "provider_server_error", Retryable: true, Err: err}
		}
	}

	return &speech.SynthesisError{Language: language, Reason: "provider_transport_error", Retryable: true, Err: err}
}

func (s *Synthesizer) resolveClient(ctx context.Context) (synthClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s.cfg.Region)}
	if s.cfg.AccessKeyID != "" || s.cfg.SecretAccessKey != "" {
		if s.cfg.AccessKeyID == "" || s.cfg.SecretAccessKey == "" {
			return nil, fmt.Errorf("polly credentials need both access key id and secret access key")
		}
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.cfg.AccessKeyID, s.cfg.SecretAccessKey, s.cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s.client = polly.NewFromConfig(awsCfg)
	return s.client, nil
}
