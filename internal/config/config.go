// Package config loads relay configuration: defaults, then a YAML file, then
// LTR_* environment overrides, then secret references.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const EnvPrefix = "LTR_"

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func parseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must be >= 0", raw)
	}
	return d, nil
}

type Config struct {
	Log       Log       `yaml:"log"`
	Server    Server    `yaml:"server"`
	Client    Client    `yaml:"client"`
	Reducer   Reducer   `yaml:"reducer"`
	Languages Languages `yaml:"languages"`
	Gate      Gate      `yaml:"gate"`
	Synthesis Synthesis `yaml:"synthesis"`
	Playback  Playback  `yaml:"playback"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Server struct {
	Addr              string   `yaml:"addr"`
	QueueSize         int      `yaml:"queue_size"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	WriteTimeout      Duration `yaml:"write_timeout"`
}

type Client struct {
	URL                  string   `yaml:"url"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts"`
	ReconnectInterval    Duration `yaml:"reconnect_interval"`
	HeartbeatInterval    Duration `yaml:"heartbeat_interval"`
	HandshakeTimeout     Duration `yaml:"handshake_timeout"`
}

type Reducer struct {
	DedupWindow         Duration `yaml:"dedup_window"`
	HistoryLimit        int      `yaml:"history_limit"`
	HealthCheckInterval Duration `yaml:"health_check_interval"`
	StaleAfter          Duration `yaml:"stale_after"`
	ActivityLimit       int      `yaml:"activity_limit"`
	Autoplay            bool     `yaml:"autoplay"`
}

type Languages struct {
	Targets []string          `yaml:"targets"`
	Aliases map[string]string `yaml:"aliases"`
}

type Gate struct {
	EndMarkers   []string `yaml:"end_markers"`
	MinWordCount int      `yaml:"min_word_count"`
	IdleFlush    Duration `yaml:"idle_flush"`
}

const (
	ProviderStatic     = "static"
	ProviderPolly      = "polly"
	ProviderGoogle     = "google"
	ProviderElevenLabs = "elevenlabs"
)

type Synthesis struct {
	Provider   string     `yaml:"provider"`
	Rate       float64    `yaml:"rate"`
	Burst      int        `yaml:"burst"`
	Timeout    Duration   `yaml:"timeout"`
	Static     Static     `yaml:"static"`
	Polly      Polly      `yaml:"polly"`
	Google     Google     `yaml:"google"`
	ElevenLabs ElevenLabs `yaml:"elevenlabs"`
}

type Static struct {
	FailLanguages []string `yaml:"fail_languages"`
}

type Polly struct {
	Region             string            `yaml:"region"`
	Engine             string            `yaml:"engine"`
	Voices             map[string]string `yaml:"voices"`
	AccessKeyIDRef     string            `yaml:"access_key_id_ref"`
	SecretAccessKeyRef string            `yaml:"secret_access_key_ref"`
	SessionTokenRef    string            `yaml:"session_token_ref"`

	AccessKeyID     string `yaml:"-"`
	SecretAccessKey string `yaml:"-"`
	SessionToken    string `yaml:"-"`
}

type GoogleVoice struct {
	Name         string `yaml:"name"`
	LanguageCode string `yaml:"language_code"`
}

type Google struct {
	Endpoint      string                 `yaml:"endpoint"`
	AudioEncoding string                 `yaml:"audio_encoding"`
	Voices        map[string]GoogleVoice `yaml:"voices"`
	APIKeyRef     string                 `yaml:"api_key_ref"`

	APIKey string `yaml:"-"`
}

type ElevenLabs struct {
	Endpoint  string            `yaml:"endpoint"`
	VoiceID   string            `yaml:"voice_id"`
	ModelID   string            `yaml:"model_id"`
	Voices    map[string]string `yaml:"voices"`
	APIKeyRef string            `yaml:"api_key_ref"`

	APIKey string `yaml:"-"`
}

type Playback struct {
	Dir    string  `yaml:"dir"`
	Volume float64 `yaml:"volume"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		Log: Log{Level: "info", Format: "console"},
		Server: Server{
			Addr:              ":8080",
			QueueSize:         256,
			HeartbeatInterval: Duration(5 * time.Second),
			WriteTimeout:      Duration(10 * time.Second),
		},
		Client: Client{
			URL:                  "ws://localhost:8080/ws",
			MaxReconnectAttempts: 5,
			ReconnectInterval:    Duration(2 * time.Second),
			HeartbeatInterval:    Duration(5 * time.Second),
			HandshakeTimeout:     Duration(10 * time.Second),
		},
		Reducer: Reducer{
			DedupWindow:         Duration(5 * time.Second),
			HistoryLimit:        10,
			HealthCheckInterval: Duration(5 * time.Second),
			StaleAfter:          Duration(15 * time.Second),
			ActivityLimit:       20,
			Autoplay:            true,
		},
		Languages: Languages{
			Targets: []string{"es", "fr", "ko", "ru"},
			Aliases: map[string]string{
				"english": "en",
				"spanish": "es",
				"french":  "fr",
				"korean":  "ko",
				"russian": "ru",
			},
		},
		Gate: Gate{
			EndMarkers:   []string{".", "!", "?", ";"},
			MinWordCount: 3,
			IdleFlush:    Duration(2 * time.Second),
		},
		Synthesis: Synthesis{
			Provider: ProviderStatic,
			Timeout:  Duration(15 * time.Second),
			Polly:    Polly{Region: "us-east-1", Engine: "standard"},
		},
		Playback: Playback{Volume: 1},
	}
}

// Load reads path (optional), applies environment overrides and resolves
// secret references through lookup. A nil lookup uses the process environment.
func Load(path string, lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.resolveSecrets(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over cfg. Unknown keys are rejected.
func Parse(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *Duration) {
		if v, ok := get(name); ok {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = Duration(d)
		}
	}

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("SERVER_ADDR", &cfg.Server.Addr)
	dur("SERVER_HEARTBEAT_INTERVAL", &cfg.Server.HeartbeatInterval)
	str("CLIENT_URL", &cfg.Client.URL)
	num("CLIENT_MAX_RECONNECT_ATTEMPTS", &cfg.Client.MaxReconnectAttempts)
	dur("CLIENT_RECONNECT_INTERVAL", &cfg.Client.ReconnectInterval)
	dur("CLIENT_HEARTBEAT_INTERVAL", &cfg.Client.HeartbeatInterval)
	dur("REDUCER_STALE_AFTER", &cfg.Reducer.StaleAfter)
	dur("REDUCER_DEDUP_WINDOW", &cfg.Reducer.DedupWindow)
	str("SYNTHESIS_PROVIDER", &cfg.Synthesis.Provider)
	str("PLAYBACK_DIR", &cfg.Playback.Dir)
	if v, ok := get("TARGET_LANGUAGES"); ok {
		cfg.Languages.Targets = splitList(v)
	}
	return errors.Join(errs...)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) resolveSecrets(lookup func(string) (string, bool)) error {
	p := &c.Synthesis.Polly
	g := &c.Synthesis.Google
	e := &c.Synthesis.ElevenLabs
	return errors.Join(
		resolveOptional("synthesis.polly.access_key_id_ref", p.AccessKeyIDRef, &p.AccessKeyID, lookup),
		resolveOptional("synthesis.polly.secret_access_key_ref", p.SecretAccessKeyRef, &p.SecretAccessKey, lookup),
		resolveOptional("synthesis.polly.session_token_ref", p.SessionTokenRef, &p.SessionToken, lookup),
		resolveOptional("synthesis.google.api_key_ref", g.APIKeyRef, &g.APIKey, lookup),
		resolveOptional("synthesis.elevenlabs.api_key_ref", e.APIKeyRef, &e.APIKey, lookup),
	)
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	var errs []error
	positive := func(field string, d Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", field))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	if c.Server.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("server.queue_size must be >= 1"))
	}
	positive("server.heartbeat_interval", c.Server.HeartbeatInterval)
	if c.Client.MaxReconnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("client.max_reconnect_attempts must be >= 1"))
	}
	positive("client.reconnect_interval", c.Client.ReconnectInterval)
	positive("client.heartbeat_interval", c.Client.HeartbeatInterval)
	positive("reducer.dedup_window", c.Reducer.DedupWindow)
	positive("reducer.health_check_interval", c.Reducer.HealthCheckInterval)
	positive("reducer.stale_after", c.Reducer.StaleAfter)
	if c.Reducer.HistoryLimit < 1 {
		errs = append(errs, fmt.Errorf("reducer.history_limit must be >= 1"))
	}
	if c.Reducer.ActivityLimit < 1 {
		errs = append(errs, fmt.Errorf("reducer.activity_limit must be >= 1"))
	}
	if c.Gate.MinWordCount < 0 {
		errs = append(errs, fmt.Errorf("gate.min_word_count must be >= 0"))
	}
	if c.Synthesis.Rate < 0 || c.Synthesis.Burst < 0 {
		errs = append(errs, fmt.Errorf("synthesis.rate and synthesis.burst must be >= 0"))
	}
	switch c.Synthesis.Provider {
	case ProviderStatic, ProviderPolly, ProviderGoogle, ProviderElevenLabs:
	default:
		errs = append(errs, fmt.Errorf("synthesis.provider %q is not supported", c.Synthesis.Provider))
	}
	if math.IsNaN(c.Playback.Volume) || c.Playback.Volume < 0 || c.Playback.Volume > 1 {
		errs = append(errs, fmt.Errorf("playback.volume must be within [0,1]"))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	c.Synthesis.Polly.AccessKeyID = RedactSecret(c.Synthesis.Polly.AccessKeyID)
	c.Synthesis.Polly.SecretAccessKey = RedactSecret(c.Synthesis.Polly.SecretAccessKey)
	c.Synthesis.Polly.SessionToken = RedactSecret(c.Synthesis.Polly.SessionToken)
	c.Synthesis.Google.APIKey = RedactSecret(c.Synthesis.Google.APIKey)
	c.Synthesis.ElevenLabs.APIKey = RedactSecret(c.Synthesis.ElevenLabs.APIKey)
	return c
}
