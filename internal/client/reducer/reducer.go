// Package reducer folds inbound relay messages for one subscription into a
// bounded translation history and a connection status.
package reducer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiger/live-translation-relay/api/wire"
	"github.com/tiger/live-translation-relay/internal/client/playback"
	"github.com/tiger/live-translation-relay/internal/runtime/connection"
	"github.com/tiger/live-translation-relay/internal/runtime/subscription"
)

// Config holds the reducer thresholds.
type Config struct {
	DedupWindow         time.Duration
	HistoryLimit        int
	HealthCheckInterval time.Duration
	StaleAfter          time.Duration
	ActivityLimit       int
	// Autoplay plays the audio of every new record.
	Autoplay bool
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		DedupWindow:         5 * time.Second,
		HistoryLimit:        10,
		HealthCheckInterval: 5 * time.Second,
		StaleAfter:          15 * time.Second,
		ActivityLimit:       20,
		Autoplay:            true,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.ActivityLimit <= 0 {
		c.ActivityLimit = d.ActivityLimit
	}
	return c
}

// Record is one received translation.
type Record struct {
	Original   string
	Translated string
	Timestamp  time.Time
	Final      bool
	Audio      []byte
}

// StaleConnection is the degraded signal raised when heartbeats stop.
type StaleConnection struct {
	Key   wire.Key
	Since time.Duration
}

func (e StaleConnection) Error() string {
	return fmt.Sprintf("connection stale: no heartbeat for %s on %s", e.Since.Round(time.Millisecond), e.Key)
}

// Snapshot is a copy of the reducer state.
type Snapshot struct {
	Key           wire.Key
	Status        wire.Status
	History       []Record
	LastUpdate    time.Time
	LastHeartbeat time.Time
	Stale         bool
	LastError     string
	Activity      []string
}

// Player plays a clip. playback.Controller satisfies it.
type Player interface {
	Play(ctx context.Context, audio []byte, opts playback.Options) error
}

// Reducer is the receiving side of one subscription. It is a
// subscription.Subscriber and LivenessObserver.
type Reducer struct {
	cfg    Config
	key    wire.Key
	player Player
	log    zerolog.Logger
	now    func() time.Time

	lifetime context.Context
	cancel   context.CancelFunc
	queue    chan []byte
	startMu  sync.Mutex
	started  bool
	wg       sync.WaitGroup

	mu            sync.Mutex
	status        wire.Status
	history       []Record
	lastUpdate    time.Time
	lastHeartbeat time.Time
	stale         bool
	lastErr       string
	activity      []string
	onChange      []func(Snapshot)
	onStale       []func(StaleConnection)
}

var (
	_ subscription.Subscriber       = (*Reducer)(nil)
	_ subscription.LivenessObserver = (*Reducer)(nil)
)

// New builds a reducer for key. player may be nil to disable audio.
func New(cfg Config, key wire.Key, player Player, log zerolog.Logger) *Reducer {
	lifetime, cancel := context.WithCancel(context.Background())
	return &Reducer{
		cfg:      cfg.normalized(),
		key:      key,
		player:   player,
		log:      log,
		now:      time.Now,
		lifetime: lifetime,
		cancel:   cancel,
		queue:    make(chan []byte, 8),
	}
}

// OnChange registers fn to receive a snapshot after every state change.
func (r *Reducer) OnChange(fn func(Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// OnStale registers fn for the degraded signal.
func (r *Reducer) OnStale(fn func(StaleConnection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStale = append(r.onStale, fn)
}

// Start launches the health check and the playback queue. The heartbeat
// clock starts now.
func (r *Reducer) Start() {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.started {
		return
	}
	r.started = true

	r.mu.Lock()
	if r.lastHeartbeat.IsZero() {
		r.lastHeartbeat = r.now()
	}
	r.mu.Unlock()
	r.note(fmt.Sprintf("Connecting to service %s for %s", r.key.ServiceID, r.key.Language))

	r.wg.Add(2)
	go r.healthLoop()
	go r.playLoop()
}

// Close stops the timers and the playback queue. It is idempotent.
func (r *Reducer) Close() {
	r.cancel()
	r.wg.Wait()
}

// Deliver handles translation and error messages.
func (r *Reducer) Deliver(m wire.Message) {
	switch m.Type {
	case wire.TypeTranslation:
		r.translation(m)
	case wire.TypeError:
		text := m.Error
		if text == "" {
			text = m.Message
		}
		r.mu.Lock()
		r.lastErr = text
		r.mu.Unlock()
		r.log.Warn().Str("key", r.key.String()).Str("error", text).Msg("relay reported error")
		r.note("Error: " + text)
	default:
		r.log.Debug().Str("type", string(m.Type)).Msg("unexpected delivery")
	}
}

func (r *Reducer) translation(m wire.Message) {
	ts, err := m.Time()
	if err != nil {
		r.log.Warn().Err(err).Msg("translation without usable timestamp")
		return
	}
	audio, err := m.Audio()
	if err != nil {
		r.log.Warn().Err(err).Msg("skipping translation with undecodable audio")
		r.note("Audio decode error: " + err.Error())
		return
	}
	rec := Record{Original: m.Original, Translated: m.Translation, Timestamp: ts, Final: m.Final, Audio: audio}

	r.mu.Lock()
	if r.duplicateLocked(rec) {
		r.mu.Unlock()
		r.log.Debug().Str("translation", rec.Translated).Msg("duplicate translation discarded")
		return
	}
	r.history = append(r.history, rec)
	if over := len(r.history) - r.cfg.HistoryLimit; over > 0 {
		r.history = append([]Record(nil), r.history[over:]...)
	}
	r.lastUpdate = r.now()
	r.mu.Unlock()

	r.note("New translation: " + rec.Translated)
	if r.cfg.Autoplay && len(audio) > 0 {
		r.enqueue(audio)
	}
}

func (r *Reducer) duplicateLocked(rec Record) bool {
	for _, prev := range r.history {
		if prev.Original != rec.Original || prev.Translated != rec.Translated {
			continue
		}
		delta := prev.Timestamp.Sub(rec.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta < r.cfg.DedupWindow {
			return true
		}
	}
	return false
}

// OnHeartbeat refreshes liveness and clears a stale signal.
func (r *Reducer) OnHeartbeat(wire.Message) {
	r.mu.Lock()
	r.lastHeartbeat = r.now()
	recovered := r.stale
	r.stale = false
	r.mu.Unlock()
	if recovered {
		r.log.Info().Str("key", r.key.String()).Msg("heartbeat resumed")
		r.note("Heartbeat resumed")
	}
}

// OnStatus applies a status reported by the relay.
func (r *Reducer) OnStatus(m wire.Message) {
	r.setStatus(m.Status)
	if m.Message != "" {
		r.note(m.Message)
	}
}

// ObserveConnection derives the status from the transport state. Raw
// transport errors are logged, never surfaced.
func (r *Reducer) ObserveConnection(state connection.State, err error) {
	var status wire.Status
	switch state {
	case connection.StateConnecting:
		status = wire.StatusConnecting
	case connection.StateConnected:
		status = wire.StatusConnected
	case connection.StateError:
		status = wire.StatusError
	default:
		status = wire.StatusNone
	}
	if err != nil {
		r.log.Debug().Err(err).Str("state", string(state)).Msg("transport state change")
	}
	r.setStatus(status)
	r.note("Connection " + describe(status))
}

func describe(s wire.Status) string {
	if s == wire.StatusNone {
		return "closed"
	}
	return string(s)
}

func (r *Reducer) setStatus(s wire.Status) {
	r.mu.Lock()
	changed := r.status != s
	r.status = s
	r.mu.Unlock()
	if changed {
		r.changed()
	}
}

// ReplayAudio plays rec's audio again.
func (r *Reducer) ReplayAudio(ctx context.Context, rec Record) error {
	if r.player == nil {
		return fmt.Errorf("replay: no player configured")
	}
	if len(rec.Audio) == 0 {
		return playback.ErrEmptyAudio
	}
	return r.player.Play(ctx, rec.Audio, r.playOptions())
}

// Snapshot copies the current state.
func (r *Reducer) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reducer) snapshotLocked() Snapshot {
	return Snapshot{
		Key:           r.key,
		Status:        r.status,
		History:       append([]Record(nil), r.history...),
		LastUpdate:    r.lastUpdate,
		LastHeartbeat: r.lastHeartbeat,
		Stale:         r.stale,
		LastError:     r.lastErr,
		Activity:      append([]string(nil), r.activity...),
	}
}

// note appends to the bounded activity log and notifies listeners.
func (r *Reducer) note(line string) {
	r.mu.Lock()
	r.activity = append(r.activity, r.now().Format("15:04:05")+" - "+line)
	if over := len(r.activity) - r.cfg.ActivityLimit; over > 0 {
		r.activity = append([]string(nil), r.activity[over:]...)
	}
	r.mu.Unlock()
	r.changed()
}

func (r *Reducer) changed() {
	r.mu.Lock()
	fns := append(([]func(Snapshot))(nil), r.onChange...)
	var snap Snapshot
	if len(fns) > 0 {
		snap = r.snapshotLocked()
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// CheckHealth runs one staleness check.
func (r *Reducer) CheckHealth() {
	r.mu.Lock()
	since := r.now().Sub(r.lastHeartbeat)
	if r.lastHeartbeat.IsZero() || since <= r.cfg.StaleAfter || r.stale {
		r.mu.Unlock()
		return
	}
	r.stale = true
	fns := append(([]func(StaleConnection))(nil), r.onStale...)
	r.mu.Unlock()

	signal := StaleConnection{Key: r.key, Since: since}
	r.log.Warn().Err(signal).Msg("no heartbeat received")
	r.note("Connection stale - no heartbeat received")
	for _, fn := range fns {
		fn(signal)
	}
}

func (r *Reducer) healthLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.lifetime.Done():
			return
		case <-ticker.C:
			r.CheckHealth()
		}
	}
}

func (r *Reducer) enqueue(audio []byte) {
	select {
	case r.queue <- audio:
	default:
		r.log.Warn().Msg("playback queue full, clip dropped")
	}
}

func (r *Reducer) playLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.lifetime.Done():
			return
		case audio := <-r.queue:
			if r.player == nil {
				continue
			}
			// Errors reach the activity log through OnError.
			_ = r.player.Play(r.lifetime, audio, r.playOptions())
		}
	}
}

func (r *Reducer) playOptions() playback.Options {
	return playback.Options{
		OnStart: func() { r.note("Playing audio translation") },
		OnEnd:   func() { r.note("Audio playback completed") },
		OnError: func(err error) { r.note("Audio playback error: " + err.Error()) },
	}
}
