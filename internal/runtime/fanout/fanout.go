// Package fanout turns one recognized utterance into per-language
// translation deliveries for every listener of a service.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tiger/live-translation-relay/api/speech"
	"github.com/tiger/live-translation-relay/api/wire"
	"github.com/tiger/live-translation-relay/internal/observability/metrics"
)

// Sink accepts messages for one listener. Implementations must keep per-sink
// order.
type Sink interface {
	Deliver(wire.Message) error
}

// Listener is one active subscription as seen by the fan-out.
type Listener struct {
	Key  wire.Key
	Sink Sink
}

// Directory lists the active listeners of a service.
type Directory interface {
	Listeners(serviceID string) []Listener
}

// Config controls language resolution and synthesis pacing.
type Config struct {
	// Aliases maps listener language names (for example "Spanish") to codes.
	Aliases map[string]string
	// SynthesisRate caps synthesis calls per second across languages. Zero
	// disables the limit.
	SynthesisRate  float64
	SynthesisBurst int
	// SynthesisTimeout bounds one synthesis call. Zero means no bound.
	SynthesisTimeout time.Duration
}

// Report summarizes one Broadcast call.
type Report struct {
	Listeners int
	Delivered int
	Skipped   int
	Failed    int
}

// Fanout delivers utterances to listeners.
type Fanout struct {
	dir     Directory
	synth   speech.Synthesizer
	metrics *metrics.Relay
	log     zerolog.Logger

	aliases map[string]string
	limiter *rate.Limiter
	timeout time.Duration
	now     func() time.Time
}

// New builds a fan-out. metrics may be nil.
func New(cfg Config, dir Directory, synth speech.Synthesizer, m *metrics.Relay, log zerolog.Logger) *Fanout {
	aliases := make(map[string]string, len(cfg.Aliases))
	for name, code := range cfg.Aliases {
		aliases[strings.ToLower(name)] = code
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.SynthesisRate > 0 {
		burst := cfg.SynthesisBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SynthesisRate), burst)
	}
	return &Fanout{
		dir:     dir,
		synth:   synth,
		metrics: m,
		log:     log,
		aliases: aliases,
		limiter: limiter,
		timeout: cfg.SynthesisTimeout,
		now:     time.Now,
	}
}

// ResolveLanguage maps a listener language to the code used for translation
// lookup and synthesis.
func (f *Fanout) ResolveLanguage(language string) string {
	if code, ok := f.aliases[strings.ToLower(language)]; ok {
		return code
	}
	return language
}

type synthesis struct {
	audio []byte
	err   *speech.SynthesisError
}

// Broadcast delivers u to every listener of serviceID. Listeners whose
// language has no translation are skipped. Synthesis runs once per distinct
// language and a failure only produces an error message for the listeners of
// that language. A failing or panicking sink never stops delivery to the
// others. Calls for one service must not overlap if per-listener order
// matters.
func (f *Fanout) Broadcast(ctx context.Context, serviceID string, u speech.Utterance) Report {
	f.metrics.ObserveBroadcast(u.IsFinal())
	listeners := f.dir.Listeners(serviceID)
	report := Report{Listeners: len(listeners)}
	if len(listeners) == 0 {
		f.log.Info().Str("service_id", serviceID).Msg("no active listeners for service")
		return report
	}

	texts := map[string]string{}
	for _, l := range listeners {
		code := f.ResolveLanguage(l.Key.Language)
		if _, seen := texts[code]; seen {
			continue
		}
		text, _ := u.Translation(code)
		texts[code] = text
	}

	results := f.synthesizeAll(ctx, texts)
	now := f.now()
	for _, l := range listeners {
		code := f.ResolveLanguage(l.Key.Language)
		text := texts[code]
		if text == "" {
			report.Skipped++
			f.metrics.ObserveDelivery(code, metrics.OutcomeSkipped)
			continue
		}

		res := results[code]
		var msg wire.Message
		outcome := metrics.OutcomeDelivered
		if res.err != nil {
			msg = wire.Failure(l.Key, "translation audio unavailable: "+res.err.Reason, now)
			outcome = metrics.OutcomeSynthesisFail
			report.Failed++
		} else {
			msg = wire.Translation(l.Key, u.Original(), text, u.IsFinal(), res.audio, now)
		}

		if err := f.deliver(l, msg); err != nil {
			f.log.Warn().Err(err).Str("key", l.Key.String()).Msg("delivery failed")
			f.metrics.ObserveDelivery(code, metrics.OutcomeSendFail)
			continue
		}
		if res.err == nil {
			report.Delivered++
		}
		f.metrics.ObserveDelivery(code, outcome)
	}

	f.log.Debug().
		Str("service_id", serviceID).
		Bool("final", u.IsFinal()).
		Int("delivered", report.Delivered).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("broadcast fanned out")
	return report
}

func (f *Fanout) synthesizeAll(ctx context.Context, texts map[string]string) map[string]synthesis {
	results := make(map[string]synthesis, len(texts))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for code, text := range texts {
		if text == "" {
			continue
		}
		wg.Add(1)
		go func(code, text string) {
			defer wg.Done()
			res := f.synthesize(ctx, code, text)
			mu.Lock()
			results[code] = res
			mu.Unlock()
		}(code, text)
	}
	wg.Wait()
	return results
}

func (f *Fanout) synthesize(ctx context.Context, code, text string) (res synthesis) {
	started := f.now()
	defer func() {
		if r := recover(); r != nil {
			res = synthesis{err: &speech.SynthesisError{Language: code, Reason: "synthesizer_panic", Err: fmt.Errorf("%v", r)}}
		}
		failed := res.err != nil
		f.metrics.ObserveSynthesis(code, time.Since(started).Seconds(), failed)
		if failed {
			f.log.Warn().Err(res.err).Str("language", code).Msg("synthesis failed")
		}
	}()

	if err := f.limiter.Wait(ctx); err != nil {
		return synthesis{err: &speech.SynthesisError{Language: code, Reason: "throttled", Retryable: true, Err: err}}
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	audio, err := f.synth.Synthesize(ctx, text, code)
	if err != nil {
		return synthesis{err: speech.AsSynthesisError(code, err)}
	}
	if len(audio) == 0 {
		return synthesis{err: &speech.SynthesisError{Language: code, Reason: "empty_audio"}}
	}
	return synthesis{audio: audio}
}

var errSinkPanic = errors.New("sink panicked")

func (f *Fanout) deliver(l Listener, msg wire.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errSinkPanic, r)
		}
	}()
	if l.Sink == nil {
		return errors.New("listener has no sink")
	}
	return l.Sink.Deliver(msg)
}
