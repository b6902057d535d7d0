// Package broker is the server side of the relay protocol: it accepts
// subscriptions from listeners and broadcasts from publishers.
package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiger/live-translation-relay/api/speech"
	"github.com/tiger/live-translation-relay/api/wire"
	"github.com/tiger/live-translation-relay/internal/observability/metrics"
	"github.com/tiger/live-translation-relay/internal/runtime/fanout"
)

// Broadcaster fans an utterance out to a service's listeners.
type Broadcaster interface {
	Broadcast(ctx context.Context, serviceID string, u speech.Utterance) fanout.Report
}

// HubConfig controls server-side heartbeats.
type HubConfig struct {
	HeartbeatInterval time.Duration
}

type subscription struct {
	key  wire.Key
	peer *Peer
	stop chan struct{}
	once sync.Once
}

func (s *subscription) halt() {
	s.once.Do(func() { close(s.stop) })
}

// Hub is the subscription directory of the broker.
type Hub struct {
	interval time.Duration
	metrics  *metrics.Relay
	log      zerolog.Logger

	mu       sync.RWMutex
	services map[string]map[wire.Key]*subscription
	peers    map[*Peer]struct{}

	broadcastMu sync.Mutex
	serviceMu   map[string]*sync.Mutex

	broadcaster Broadcaster
}

var _ fanout.Directory = (*Hub)(nil)

// NewHub creates an empty hub. metrics may be nil.
func NewHub(cfg HubConfig, m *metrics.Relay, log zerolog.Logger) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	return &Hub{
		interval:  cfg.HeartbeatInterval,
		metrics:   m,
		log:       log,
		services:  map[string]map[wire.Key]*subscription{},
		peers:     map[*Peer]struct{}{},
		serviceMu: map[string]*sync.Mutex{},
	}
}

// SetBroadcaster wires the fan-out used for broadcast messages.
func (h *Hub) SetBroadcaster(b Broadcaster) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcaster = b
}

// AddPeer records an attached peer.
func (h *Hub) AddPeer(p *Peer) {
	h.mu.Lock()
	h.peers[p] = struct{}{}
	n := len(h.peers)
	h.mu.Unlock()
	h.metrics.SetPeers(n)
	h.log.Info().Str("peer", p.ID()).Msg("peer attached")
}

// RemovePeer drops the peer and every subscription it owns.
func (h *Hub) RemovePeer(p *Peer) {
	h.mu.Lock()
	delete(h.peers, p)
	var removed []*subscription
	for serviceID, subs := range h.services {
		for key, sub := range subs {
			if sub.peer == p {
				delete(subs, key)
				removed = append(removed, sub)
			}
		}
		if len(subs) == 0 {
			delete(h.services, serviceID)
		}
	}
	peers, active := len(h.peers), h.countLocked()
	h.mu.Unlock()

	for _, sub := range removed {
		sub.halt()
	}
	h.metrics.SetPeers(peers)
	h.metrics.SetActiveSubscriptions(active)
	h.log.Info().Str("peer", p.ID()).Int("subscriptions_removed", len(removed)).Msg("peer detached")
}

// Handle processes one message received from p.
func (h *Hub) Handle(ctx context.Context, p *Peer, m wire.Message) error {
	switch m.Type {
	case wire.TypeSubscribe:
		h.subscribe(p, m.Key())
	case wire.TypeUnsubscribe:
		h.unsubscribe(p, m.Key())
	case wire.TypeHeartbeat:
		h.log.Trace().Str("peer", p.ID()).Str("key", m.Key().String()).Msg("client heartbeat")
	case wire.TypeBroadcast:
		return h.broadcast(ctx, m)
	default:
		return fmt.Errorf("unexpected %s message from peer", m.Type)
	}
	return nil
}

func (h *Hub) subscribe(p *Peer, key wire.Key) {
	sub := &subscription{key: key, peer: p, stop: make(chan struct{})}

	h.mu.Lock()
	subs, ok := h.services[key.ServiceID]
	if !ok {
		subs = map[wire.Key]*subscription{}
		h.services[key.ServiceID] = subs
	}
	prev := subs[key]
	subs[key] = sub
	active := h.countLocked()
	h.mu.Unlock()

	if prev != nil {
		prev.halt()
	}
	h.metrics.SetActiveSubscriptions(active)
	h.log.Info().Str("peer", p.ID()).Str("key", key.String()).Bool("replaced", prev != nil).Msg("subscription registered")

	if err := p.Deliver(wire.StatusUpdate(key, wire.StatusConnected, "subscribed", time.Now())); err != nil {
		h.log.Warn().Err(err).Str("key", key.String()).Msg("status reply not queued")
	}
	go h.heartbeat(sub)
}

func (h *Hub) unsubscribe(p *Peer, key wire.Key) {
	h.mu.Lock()
	subs := h.services[key.ServiceID]
	sub, ok := subs[key]
	if ok && sub.peer == p {
		delete(subs, key)
		if len(subs) == 0 {
			delete(h.services, key.ServiceID)
		}
	} else {
		ok = false
	}
	active := h.countLocked()
	h.mu.Unlock()

	if !ok {
		h.log.Debug().Str("peer", p.ID()).Str("key", key.String()).Msg("unsubscribe for unknown subscription")
		return
	}
	sub.halt()
	h.metrics.SetActiveSubscriptions(active)
	h.log.Info().Str("peer", p.ID()).Str("key", key.String()).Msg("subscription removed")
}

func (h *Hub) heartbeat(sub *subscription) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-sub.stop:
			return
		case <-sub.peer.Done():
			return
		case now := <-ticker.C:
			if err := sub.peer.Deliver(wire.Heartbeat(sub.key, now)); err != nil {
				h.log.Debug().Err(err).Str("key", sub.key.String()).Msg("heartbeat not queued")
			}
		}
	}
}

func (h *Hub) broadcast(ctx context.Context, m wire.Message) error {
	ts, err := m.Time()
	if err != nil {
		return err
	}
	h.mu.RLock()
	b := h.broadcaster
	h.mu.RUnlock()
	if b == nil {
		return fmt.Errorf("broadcast for %s: no broadcaster configured", m.ServiceID)
	}

	lock := h.serviceLock(m.ServiceID)
	lock.Lock()
	defer lock.Unlock()
	b.Broadcast(ctx, m.ServiceID, speech.NewUtterance(m.Original, m.Translations, ts, m.Final))
	return nil
}

// serviceLock serializes broadcasts per service so listeners see them in
// arrival order.
func (h *Hub) serviceLock(serviceID string) *sync.Mutex {
	h.broadcastMu.Lock()
	defer h.broadcastMu.Unlock()
	lock, ok := h.serviceMu[serviceID]
	if !ok {
		lock = &sync.Mutex{}
		h.serviceMu[serviceID] = lock
	}
	return lock
}

// Listeners returns the service's subscriptions ordered by key.
func (h *Hub) Listeners(serviceID string) []fanout.Listener {
	h.mu.RLock()
	subs := h.services[serviceID]
	out := make([]fanout.Listener, 0, len(subs))
	for key, sub := range subs {
		out = append(out, fanout.Listener{Key: key, Sink: sub.peer})
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// IsServiceActive reports whether anyone listens to serviceID.
func (h *Hub) IsServiceActive(serviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.services[serviceID]) > 0
}

// ActiveLanguages returns the distinct listener languages of serviceID, sorted.
func (h *Hub) ActiveLanguages(serviceID string) []string {
	h.mu.RLock()
	seen := map[string]struct{}{}
	for key := range h.services[serviceID] {
		seen[key.Language] = struct{}{}
	}
	h.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for lang := range seen {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// Subscriptions returns the total number of registered subscriptions.
func (h *Hub) Subscriptions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

func (h *Hub) countLocked() int {
	n := 0
	for _, subs := range h.services {
		n += len(subs)
	}
	return n
}

// Close stops every heartbeat and detaches every peer.
func (h *Hub) Close() {
	h.mu.Lock()
	peers := make([]*Peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		h.RemovePeer(p)
		p.Close()
	}
}
