// Package recognition turns a recognizer's utterance stream into broadcast
// messages for one service.
package recognition

import (
	"strings"
	"time"

	"github.com/tiger/live-translation-relay/api/speech"
)

// GateConfig decides which partial utterances are worth broadcasting.
type GateConfig struct {
	EndMarkers   []string
	MinWordCount int
	IdleFlush    time.Duration
	// TargetLanguages restricts forwarded translations. Empty keeps all.
	TargetLanguages []string
}

// DefaultGateConfig mirrors the production recognizer settings.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		EndMarkers:   []string{".", "!", "?", ";"},
		MinWordCount: 3,
		IdleFlush:    2 * time.Second,
	}
}

// Gate filters partial utterances so listeners are not flooded with every
// intermediate hypothesis. Finals always pass. A Gate is used from a single
// goroutine.
type Gate struct {
	cfg     GateConfig
	targets map[string]struct{}
	now     func() time.Time

	current string
	last    time.Time
}

// NewGate builds a gate from cfg.
func NewGate(cfg GateConfig) *Gate {
	g := &Gate{cfg: cfg, now: time.Now}
	if len(cfg.TargetLanguages) > 0 {
		g.targets = make(map[string]struct{}, len(cfg.TargetLanguages))
		for _, lang := range cfg.TargetLanguages {
			g.targets[lang] = struct{}{}
		}
	}
	return g
}

// Admit returns the utterance to broadcast, restricted to the target
// languages, and whether it should be sent at all. A nil gate admits every
// utterance that carries a translation.
func (g *Gate) Admit(u speech.Utterance) (speech.Utterance, bool) {
	if g == nil {
		return u, u.HasTranslations()
	}
	u = g.restrict(u)
	if !u.HasTranslations() {
		return u, false
	}

	now := g.now()
	if u.IsFinal() {
		g.current = ""
		g.last = now
		return u, true
	}

	text := u.Original()
	hasEnd := false
	for _, marker := range g.cfg.EndMarkers {
		if strings.Contains(text, marker) {
			hasEnd = true
			break
		}
	}
	idle := now.Sub(g.last) > g.cfg.IdleFlush
	longEnough := len(strings.Fields(text)) >= g.cfg.MinWordCount
	fresh := text != g.current

	if !(hasEnd || idle) || !longEnough || !fresh {
		return u, false
	}
	g.current = text
	g.last = now
	return u, true
}

func (g *Gate) restrict(u speech.Utterance) speech.Utterance {
	if g.targets == nil {
		return u
	}
	all := u.Translations()
	kept := make(map[string]string, len(g.targets))
	for lang, text := range all {
		if _, ok := g.targets[lang]; ok {
			kept[lang] = text
		}
	}
	if len(kept) == len(all) {
		return u
	}
	return speech.NewUtterance(u.Original(), kept, u.Timestamp(), u.IsFinal())
}
