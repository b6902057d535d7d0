package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiger/live-translation-relay/api/wire"
)

var (
	// ErrNotConnected is returned by Send while the transport is not open.
	ErrNotConnected = errors.New("transport not connected")
	// ErrClosed is returned after an intentional Close.
	ErrClosed = errors.New("connection closed")
	// ErrReconnectExhausted is reported once every reconnect attempt failed.
	ErrReconnectExhausted = errors.New("max reconnect attempts reached")
)

// TransportError wraps a dial, read or write failure of the underlying transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Conn is one open bidirectional message transport.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage([]byte) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Config controls reconnect behavior.
type Config struct {
	URL                  string
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
}

// Snapshot is a point-in-time view of the supervisor.
type Snapshot struct {
	State     State
	Attempts  int
	LastError string
}

// Supervisor owns one physical transport and reconnects it after an
// unintentional loss.
type Supervisor struct {
	cfg    Config
	dialer Dialer
	log    zerolog.Logger

	lifetime context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	state    State
	conn     Conn
	closed   bool
	attempts int
	lastErr  error

	writeMu sync.Mutex

	// notifyMu orders state notifications. A notification whose state was
	// superseded before it could be delivered is dropped.
	notifyMu  sync.Mutex
	observers observerSet
}

// New creates a disconnected supervisor.
func New(cfg Config, dialer Dialer, log zerolog.Logger) *Supervisor {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 2 * time.Second
	}
	lifetime, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:      cfg,
		dialer:   dialer,
		log:      log,
		lifetime: lifetime,
		cancel:   cancel,
		state:    StateDisconnected,
	}
}

// Observe registers o for state, message and reconnect notifications. The
// returned function removes it and may be called more than once.
func (s *Supervisor) Observe(o Observer) func() {
	return s.observers.add(o)
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns state plus reconnect progress.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{State: s.state, Attempts: s.attempts}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

// Connect dials the transport and returns once it is open. Calling Connect
// on an open supervisor is a no-op.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	if err := s.transitionLocked(triggerConnect); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("connect: %w", err)
	}
	s.mu.Unlock()
	s.publish(StateConnecting, nil, false)

	s.log.Info().Str("url", s.cfg.URL).Msg("connecting")
	conn, err := s.dialer.Dial(ctx, s.cfg.URL)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		terr := &TransportError{Op: "dial", Err: err}
		s.lastErr = terr
		_ = s.transitionLocked(triggerDialFailed)
		s.mu.Unlock()
		s.log.Error().Err(err).Msg("connect failed")
		s.publish(StateError, terr, false)
		return terr
	}
	s.conn = conn
	s.lastErr = nil
	_ = s.transitionLocked(triggerDialed)
	s.mu.Unlock()

	s.log.Info().Msg("connected")
	s.publish(StateConnected, nil, false)
	go s.readLoop(conn)
	return nil
}

// Send encodes and writes msg. While the transport is not connected the
// message is dropped, the failure logged and ErrNotConnected returned.
func (s *Supervisor) Send(msg wire.Message) error {
	raw, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if state != StateConnected || conn == nil {
		s.log.Warn().Str("type", string(msg.Type)).Str("state", string(state)).Msg("transport not connected, message dropped")
		return ErrNotConnected
	}

	s.writeMu.Lock()
	err = conn.WriteMessage(raw)
	s.writeMu.Unlock()
	if err != nil {
		s.log.Warn().Err(err).Str("type", string(msg.Type)).Msg("write failed")
		// Closing makes the read loop observe the loss and start reconnecting.
		_ = conn.Close()
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Close shuts the transport down intentionally and permanently disables
// reconnection for this supervisor. It is idempotent.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	prev := s.state
	conn := s.conn
	s.conn = nil
	_ = s.transitionLocked(triggerClose)
	s.mu.Unlock()

	s.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.log.Info().Msg("closed")
	if prev != StateDisconnected {
		s.publish(StateDisconnected, nil, false)
	}
	return err
}

// publish delivers st to observers, followed by OnReconnected when
// reconnected is set, unless the supervisor has already left st.
// Observers must not call Connect or Close from their callbacks.
func (s *Supervisor) publish(st State, err error, reconnected bool) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if s.State() != st {
		s.log.Debug().Str("state", string(st)).Msg("superseded state notification dropped")
		return false
	}
	s.observers.state(st, err)
	if reconnected {
		s.observers.reconnected()
	}
	return true
}

func (s *Supervisor) transitionLocked(t trigger) error {
	to, err := next(s.state, t)
	if err != nil {
		return err
	}
	s.state = to
	return nil
}

func (s *Supervisor) readLoop(conn Conn) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			s.transportLost(conn, err)
			return
		}
		s.observers.message(raw)
	}
}

// transportLost starts at most one reconnect sequence per lost transport.
func (s *Supervisor) transportLost(conn Conn, cause error) {
	s.mu.Lock()
	if s.closed || s.conn != conn {
		s.mu.Unlock()
		return
	}
	if err := s.transitionLocked(triggerTransportLost); err != nil {
		s.mu.Unlock()
		s.log.Debug().Err(err).Msg("reconnect already in flight")
		return
	}
	s.conn = nil
	s.attempts = 0
	terr := &TransportError{Op: "read", Err: cause}
	s.lastErr = terr
	s.mu.Unlock()

	_ = conn.Close()
	s.log.Warn().Err(cause).Msg("transport lost, reconnecting")
	s.publish(StateConnecting, terr, false)
	go s.reconnect()
}

func (s *Supervisor) reconnect() {
	timer := time.NewTimer(s.cfg.ReconnectInterval)
	defer timer.Stop()

	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		if attempt > 1 {
			timer.Reset(s.cfg.ReconnectInterval)
		}
		select {
		case <-s.lifetime.Done():
			return
		case <-timer.C:
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.attempts = attempt
		s.mu.Unlock()

		s.log.Info().Int("attempt", attempt).Int("max", s.cfg.MaxReconnectAttempts).Msg("reconnect attempt")
		conn, err := s.dialer.Dial(s.lifetime, s.cfg.URL)
		if err != nil {
			s.mu.Lock()
			s.lastErr = &TransportError{Op: "dial", Err: err}
			s.mu.Unlock()
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conn = conn
		s.lastErr = nil
		_ = s.transitionLocked(triggerDialed)
		s.mu.Unlock()

		s.log.Info().Int("attempt", attempt).Msg("reconnected")
		s.publish(StateConnected, nil, true)
		go s.readLoop(conn)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	err := fmt.Errorf("%w (%d)", ErrReconnectExhausted, s.cfg.MaxReconnectAttempts)
	if s.lastErr != nil {
		err = fmt.Errorf("%w: last error: %v", err, s.lastErr)
	}
	s.lastErr = err
	_ = s.transitionLocked(triggerExhausted)
	s.mu.Unlock()

	s.log.Error().Err(err).Msg("giving up on reconnect")
	s.publish(StateError, err, false)
}
