package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Utterance is one recognized span of speech. It is immutable after creation;
// Translation is the only accessor for per-language text.
type Utterance struct {
	original     string
	translations map[string]string
	timestamp    time.Time
	final        bool
}

// NewUtterance copies translations so later mutation by the caller cannot leak in.
func NewUtterance(original string, translations map[string]string, timestamp time.Time, final bool) Utterance {
	cp := make(map[string]string, len(translations))
	for lang, text := range translations {
		cp[lang] = text
	}
	return Utterance{original: original, translations: cp, timestamp: timestamp, final: final}
}

func (u Utterance) Original() string     { return u.original }
func (u Utterance) Timestamp() time.Time { return u.timestamp }
func (u Utterance) IsFinal() bool        { return u.final }

// Translation returns the translated text for a language code. Missing and
// blank translations both report ok=false.
func (u Utterance) Translation(language string) (string, bool) {
	text, ok := u.translations[language]
	if !ok || strings.TrimSpace(text) == "" {
		return "", false
	}
	return text, true
}

// Translations returns a copy of the per-language map.
func (u Utterance) Translations() map[string]string {
	cp := make(map[string]string, len(u.translations))
	for lang, text := range u.translations {
		cp[lang] = text
	}
	return cp
}

// HasTranslations reports whether at least one language carries non-blank text.
func (u Utterance) HasTranslations() bool {
	for _, text := range u.translations {
		if strings.TrimSpace(text) != "" {
			return true
		}
	}
	return false
}

// Validate enforces utterance invariants.
func (u Utterance) Validate() error {
	if strings.TrimSpace(u.original) == "" {
		return fmt.Errorf("utterance original text is required")
	}
	if u.timestamp.IsZero() {
		return fmt.Errorf("utterance timestamp is required")
	}
	return nil
}

// Recognizer turns a live audio byte stream into an ordered utterance stream.
// Partials (IsFinal=false) may repeat or extend; a final closes the sentence.
// The returned channel is closed when the audio ends or ctx is cancelled.
type Recognizer interface {
	Recognize(ctx context.Context, audio io.Reader) (<-chan Utterance, error)
}

// Synthesizer renders translated text as audio for one language. Calls for
// different languages are independent.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, language string) ([]byte, error)
}

// SynthesizerFunc adapts a function to Synthesizer.
type SynthesizerFunc func(ctx context.Context, text string, language string) ([]byte, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, text string, language string) ([]byte, error) {
	return f(ctx, text, language)
}

// SynthesisError reports a per-language synthesis failure.
type SynthesisError struct {
	Language  string
	Reason    string
	Retryable bool
	Err       error
}

func (e *SynthesisError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("synthesis failed for %s: %s: %v", e.Language, e.Reason, e.Err)
	}
	return fmt.Sprintf("synthesis failed for %s: %s", e.Language, e.Reason)
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}

// AsSynthesisError normalizes any synthesis failure into a SynthesisError.
func AsSynthesisError(language string, err error) *SynthesisError {
	if err == nil {
		return nil
	}
	var synthErr *SynthesisError
	if errors.As(err, &synthErr) {
		return synthErr
	}
	return &SynthesisError{Language: language, Reason: "synthesis_error", Err: err}
}
