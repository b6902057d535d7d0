// Package static is an offline synthesizer that renders a short tone per
// word as 16-bit mono WAV. It backs local runs and tests.
package static

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/tiger/live-translation-relay/api/speech"
)

const ProviderID = "tts-static"

type Config struct {
	SampleRate int
	PerWord    time.Duration
	// Fail lists languages that always fail, to exercise per-language isolation.
	Fail []string
}

type Synthesizer struct {
	cfg  Config
	fail map[string]struct{}
}

var _ speech.Synthesizer = (*Synthesizer)(nil)

func New(cfg Config) *Synthesizer {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 8000
	}
	if cfg.PerWord <= 0 {
		cfg.PerWord = 150 * time.Millisecond
	}
	fail := make(map[string]struct{}, len(cfg.Fail))
	for _, lang := range cfg.Fail {
		fail[strings.ToLower(strings.TrimSpace(lang))] = struct{}{}
	}
	return &Synthesizer{cfg: cfg, fail: fail}
}

// Synthesize is deterministic for a given text and language.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, language string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &speech.SynthesisError{Language: language, Reason: "provider_cancelled", Err: err}
	}
	if _, ok := s.fail[strings.ToLower(language)]; ok {
		return nil, &speech.SynthesisError{Language: language, Reason: "provider_unavailable", Retryable: true}
	}
	words := len(strings.Fields(text))
	if words == 0 {
		return nil, &speech.SynthesisError{Language: language, Reason: "empty_text"}
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(language))
	freq := 220 + float64(h.Sum32()%440)

	samples := int(float64(s.cfg.SampleRate) * (s.cfg.PerWord * time.Duration(words)).Seconds())
	pcm := make([]int16, samples)
	for i := range pcm {
		pcm[i] = int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(s.cfg.SampleRate)))
	}
	return encodeWAV(s.cfg.SampleRate, pcm), nil
}

func encodeWAV(rate int, pcm []int16) []byte {
	dataLen := uint32(len(pcm) * 2)
	var buf bytes.Buffer
	buf.Grow(44 + int(dataLen))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	_ = binary.Write(&buf, binary.LittleEndian, uint32(rate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(rate*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataLen)
	_ = binary.Write(&buf, binary.LittleEndian, pcm)
	return buf.Bytes()
}
