package recognition

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiger/live-translation-relay/api/speech"
)

// LineRecognizer is a scripted recognizer. Each input line is a JSON object
// describing one utterance:
//
//	{"original":"hello there","translations":{"es":"hola"},"final":false,"delayMs":300}
//
// delayMs is waited before the utterance is emitted. Malformed lines are
// logged and skipped.
type LineRecognizer struct {
	log zerolog.Logger
	now func() time.Time
}

type scriptedUtterance struct {
	Original     string            `json:"original"`
	Translations map[string]string `json:"translations"`
	Final        bool              `json:"final"`
	DelayMS      int64             `json:"delayMs"`
}

var _ speech.Recognizer = (*LineRecognizer)(nil)

// NewLineRecognizer builds a scripted recognizer.
func NewLineRecognizer(log zerolog.Logger) *LineRecognizer {
	return &LineRecognizer{log: log, now: time.Now}
}

func (r *LineRecognizer) Recognize(ctx context.Context, audio io.Reader) (<-chan speech.Utterance, error) {
	out := make(chan speech.Utterance)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(audio)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		line := 0
		for scanner.Scan() {
			line++
			text := strings.TrimSpace(scanner.Text())
			if text == "" || strings.HasPrefix(text, "#") {
				continue
			}
			var item scriptedUtterance
			if err := json.Unmarshal([]byte(text), &item); err != nil {
				r.log.Warn().Err(err).Int("line", line).Msg("skipping malformed script line")
				continue
			}
			if item.DelayMS > 0 {
				timer := time.NewTimer(time.Duration(item.DelayMS) * time.Millisecond)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			u := speech.NewUtterance(item.Original, item.Translations, r.now(), item.Final)
			if err := u.Validate(); err != nil {
				r.log.Warn().Err(err).Int("line", line).Msg("skipping invalid utterance")
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- u:
			}
		}
		if err := scanner.Err(); err != nil {
			r.log.Error().Err(err).Msg("script read failed")
		}
	}()
	return out, nil
}
