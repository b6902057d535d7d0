// Package conntest provides in-memory transports for tests.
package conntest

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/tiger/live-translation-relay/api/wire"
	"github.com/tiger/live-translation-relay/internal/runtime/connection"
)

var errClosed = errors.New("fake conn closed")

// Conn is an in-memory connection.Conn.
type Conn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes [][]byte
}

// NewConn returns an open connection.
func NewConn() *Conn {
	return &Conn{inbound: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case raw := <-c.inbound:
		return raw, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *Conn) WriteMessage(raw []byte) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), raw...))
	return nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Push queues an inbound message.
func (c *Conn) Push(m wire.Message) error {
	raw, err := wire.Encode(m)
	if err != nil {
		return err
	}
	c.inbound <- raw
	return nil
}

// Drop simulates the remote side going away.
func (c *Conn) Drop() {
	_ = c.Close()
}

// Closed reports whether Close or Drop ran.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Written decodes every message written so far.
func (c *Conn) Written() []wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Message, 0, len(c.writes))
	for _, raw := range c.writes {
		m, err := wire.Decode(raw)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

// WrittenOfType filters Written by type.
func (c *Conn) WrittenOfType(t wire.MessageType) []wire.Message {
	var out []wire.Message
	for _, m := range c.Written() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// Dialer hands out Conns and can be told to fail.
type Dialer struct {
	mu       sync.Mutex
	failNext int
	failAll  bool
	err      error
	times    []time.Time
	conns    []*Conn
}

var _ connection.Dialer = (*Dialer)(nil)

// FailNext makes the next n dials fail with err.
func (d *Dialer) FailNext(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
	d.err = err
}

// FailAll makes every dial fail until cleared with FailAll(false, nil).
func (d *Dialer) FailAll(fail bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAll = fail
	d.err = err
}

func (d *Dialer) Dial(ctx context.Context, _ string) (connection.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.times = append(d.times, time.Now())
	if d.failAll || d.failNext > 0 {
		if d.failNext > 0 {
			d.failNext--
		}
		if d.err != nil {
			return nil, d.err
		}
		return nil, errors.New("dial refused")
	}
	c := NewConn()
	d.conns = append(d.conns, c)
	return c, nil
}

// Dials returns the number of dial attempts.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.times)
}

// DialTimes returns when each dial happened.
func (d *Dialer) DialTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.times...)
}

// Conns returns every successfully dialed connection in order.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Last returns the most recent successful connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}
