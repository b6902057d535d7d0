package broker

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tiger/live-translation-relay/api/wire"
	"github.com/tiger/live-translation-relay/internal/runtime/connection"
	"github.com/tiger/live-translation-relay/internal/runtime/fanout"
)

var (
	// ErrPeerClosed is returned when delivering to a detached peer.
	ErrPeerClosed = errors.New("peer closed")
	// ErrPeerBackpressure is returned when a peer's outbound queue is full.
	ErrPeerBackpressure = errors.New("peer outbound queue full")
)

const defaultQueueSize = 256

// Peer is one attached transport. Outbound messages go through a single
// ordered queue drained by WritePump.
type Peer struct {
	id   string
	conn connection.Conn
	log  zerolog.Logger

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

var _ fanout.Sink = (*Peer)(nil)

// NewPeer wraps conn. queueSize <= 0 uses the default.
func NewPeer(id string, conn connection.Conn, queueSize int, log zerolog.Logger) *Peer {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Peer{
		id:   id,
		conn: conn,
		log:  log.With().Str("peer", id).Logger(),
		out:  make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

// ID identifies the peer in logs and subscriptions.
func (p *Peer) ID() string { return p.id }

// Deliver queues m without blocking.
func (p *Peer) Deliver(m wire.Message) error {
	raw, err := wire.Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}
	select {
	case p.out <- raw:
		return nil
	case <-p.done:
		return ErrPeerClosed
	default:
		return ErrPeerBackpressure
	}
}

// WritePump drains the queue until the peer closes or a write fails.
func (p *Peer) WritePump() {
	for {
		select {
		case <-p.done:
			return
		case raw := <-p.out:
			if err := p.conn.WriteMessage(raw); err != nil {
				p.log.Warn().Err(err).Msg("write failed, closing peer")
				p.Close()
				return
			}
		}
	}
}

// Close detaches the peer. It is idempotent.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// Done is closed once the peer is closed.
func (p *Peer) Done() <-chan struct{} { return p.done }
