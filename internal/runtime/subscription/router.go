// Package subscription keeps the client-side registry of (service, language,
// session) subscriptions on top of a supervised transport.
package subscription

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiger/live-translation-relay/api/wire"
	"github.com/tiger/live-translation-relay/internal/runtime/connection"
)

// ErrRouterClosed is returned by Subscribe after Close.
var ErrRouterClosed = errors.New("subscription router closed")

const defaultHeartbeatInterval = 5 * time.Second

// Sender writes one wire message. connection.Supervisor satisfies it.
type Sender interface {
	Send(wire.Message) error
}

// Subscriber receives translation and error messages for its key.
type Subscriber interface {
	Deliver(wire.Message)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(wire.Message)

func (f SubscriberFunc) Deliver(m wire.Message) { f(m) }

// LivenessObserver is optionally implemented by a Subscriber that wants the
// heartbeat and status messages for its key. They never reach Deliver.
type LivenessObserver interface {
	OnHeartbeat(wire.Message)
	OnStatus(wire.Message)
}

// Config controls the router.
type Config struct {
	HeartbeatInterval time.Duration
}

type entry struct {
	key  wire.Key
	sub  Subscriber
	gen  uint64
	stop chan struct{}
	once sync.Once
}

func (e *entry) halt() {
	e.once.Do(func() { close(e.stop) })
}

// Router maps subscription keys to subscribers, emits per-subscription
// heartbeats and replays the registry after a reconnect. The registry is
// only mutated through Router methods.
type Router struct {
	sender   Sender
	log      zerolog.Logger
	interval time.Duration

	mu      sync.Mutex
	entries map[wire.Key]*entry
	gen     uint64
	closed  bool
}

var _ connection.Observer = (*Router)(nil)

// New builds a router sending through sender.
func New(cfg Config, sender Sender, log zerolog.Logger) *Router {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &Router{
		sender:   sender,
		log:      log,
		interval: cfg.HeartbeatInterval,
		entries:  map[wire.Key]*entry{},
	}
}

// Subscribe registers sub under key, sends a subscribe message and starts the
// heartbeat emitter. Subscribing again with the same key replaces the previous
// subscriber and heartbeat. The returned function unsubscribes; it is safe to
// call more than once and sends at most one unsubscribe message.
//
// A failed subscribe send is logged, not returned: the entry stays registered
// and is replayed once the transport reconnects.
func (r *Router) Subscribe(key wire.Key, sub Subscriber) (func(), error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if sub == nil {
		return nil, errors.New("subscribe: subscriber is required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRouterClosed
	}
	r.gen++
	e := &entry{key: key, sub: sub, gen: r.gen, stop: make(chan struct{})}
	prev := r.entries[key]
	r.entries[key] = e
	r.mu.Unlock()

	if prev != nil {
		prev.halt()
		r.log.Debug().Str("key", key.String()).Msg("subscription replaced")
	}
	if err := r.sender.Send(wire.Subscribe(key, time.Now())); err != nil {
		r.log.Warn().Err(err).Str("key", key.String()).Msg("subscribe not sent, will replay on reconnect")
	} else {
		r.log.Info().Str("key", key.String()).Msg("subscribed")
	}
	go r.heartbeat(e)

	var once sync.Once
	return func() { once.Do(func() { r.unsubscribe(e) }) }, nil
}

func (r *Router) unsubscribe(e *entry) {
	r.mu.Lock()
	current, ok := r.entries[e.key]
	owned := ok && current.gen == e.gen
	if owned {
		delete(r.entries, e.key)
	}
	r.mu.Unlock()

	e.halt()
	if !owned {
		// Replaced by a newer subscription with the same key.
		return
	}
	if err := r.sender.Send(wire.Unsubscribe(e.key, time.Now())); err != nil {
		r.log.Warn().Err(err).Str("key", e.key.String()).Msg("unsubscribe not sent")
		return
	}
	r.log.Info().Str("key", e.key.String()).Msg("unsubscribed")
}

func (r *Router) heartbeat(e *entry) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case now := <-ticker.C:
			if err := r.sender.Send(wire.Heartbeat(e.key, now)); err != nil {
				r.log.Debug().Err(err).Str("key", e.key.String()).Msg("heartbeat not sent")
			}
		}
	}
}

// Replay re-sends subscribe for every registered key and returns how many
// were sent. A failure for one key is logged and the rest continue.
func (r *Router) Replay() int {
	r.mu.Lock()
	keys := make([]wire.Key, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	sent := 0
	for _, key := range keys {
		if err := r.sender.Send(wire.Subscribe(key, time.Now())); err != nil {
			r.log.Warn().Err(err).Str("key", key.String()).Msg("replay failed")
			continue
		}
		sent++
	}
	r.log.Info().Int("replayed", sent).Int("registered", len(keys)).Msg("subscriptions replayed")
	return sent
}

// Keys returns the registered keys in no particular order.
func (r *Router) Keys() []wire.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]wire.Key, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	return keys
}

// Route dispatches one decoded inbound message.
func (r *Router) Route(m wire.Message) {
	key := m.Key()
	r.mu.Lock()
	e := r.entries[key]
	r.mu.Unlock()
	if e == nil {
		r.log.Debug().Str("type", string(m.Type)).Str("key", key.String()).Msg("no subscription for message")
		return
	}

	switch m.Type {
	case wire.TypeTranslation, wire.TypeError:
		e.sub.Deliver(m)
	case wire.TypeHeartbeat:
		if lo, ok := e.sub.(LivenessObserver); ok {
			lo.OnHeartbeat(m)
		}
	case wire.TypeStatus:
		if lo, ok := e.sub.(LivenessObserver); ok {
			lo.OnStatus(m)
		}
	default:
		r.log.Debug().Str("type", string(m.Type)).Msg("ignoring message type on client")
	}
}

// OnMessage decodes and routes a raw inbound frame.
func (r *Router) OnMessage(raw []byte) {
	m, err := wire.Decode(raw)
	if err != nil {
		r.log.Warn().Err(err).Msg("dropping malformed message")
		return
	}
	r.Route(m)
}

// OnReconnected replays the registry.
func (r *Router) OnReconnected() {
	r.Replay()
}

func (r *Router) OnStateChange(connection.State, error) {}

// Close stops every heartbeat, sends a best-effort unsubscribe per entry and
// empties the registry. It is idempotent.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := r.entries
	r.entries = map[wire.Key]*entry{}
	r.mu.Unlock()

	for key, e := range entries {
		e.halt()
		if err := r.sender.Send(wire.Unsubscribe(key, time.Now())); err != nil {
			r.log.Debug().Err(err).Str("key", key.String()).Msg("unsubscribe on close not sent")
		}
	}
}
