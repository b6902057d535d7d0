// Package websocket carries wire messages over gorilla/websocket text frames.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/tiger/live-translation-relay/internal/runtime/connection"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultReadLimit        = 8 << 20
)

// Config tunes both the dialing and the accepting side.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadLimit bounds a single inbound frame. Broadcast messages carry
	// base64 audio, so the default is generous.
	ReadLimit int64
	Header    http.Header
	// CheckOrigin is passed to the upgrader. Nil accepts every origin.
	CheckOrigin func(*http.Request) bool
}

func (c Config) normalized() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	return c
}

// Dialer opens client connections for connection.Supervisor.
type Dialer struct {
	cfg    Config
	dialer *gws.Dialer
}

var _ connection.Dialer = (*Dialer)(nil)

// NewDialer builds a dialer from cfg.
func NewDialer(cfg Config) *Dialer {
	cfg = cfg.normalized()
	return &Dialer{
		cfg: cfg,
		dialer: &gws.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Dial connects to url.
func (d *Dialer) Dial(ctx context.Context, url string) (connection.Conn, error) {
	raw, resp, err := d.dialer.DialContext(ctx, url, d.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return wrap(raw, d.cfg), nil
}

// Acceptor upgrades inbound HTTP requests.
type Acceptor struct {
	cfg      Config
	upgrader gws.Upgrader
}

// NewAcceptor builds an acceptor from cfg.
func NewAcceptor(cfg Config) *Acceptor {
	cfg = cfg.normalized()
	check := cfg.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	return &Acceptor{
		cfg: cfg,
		upgrader: gws.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      check,
		},
	}
}

// Accept upgrades the request. On failure the upgrader has already written
// an HTTP error response.
func (a *Acceptor) Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	raw, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	return wrap(raw, a.cfg), nil
}

// Conn adapts a gorilla connection to connection.Conn. Reads must come from a
// single goroutine; writes are serialized internally.
type Conn struct {
	raw          *gws.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var _ connection.Conn = (*Conn)(nil)

func wrap(raw *gws.Conn, cfg Config) *Conn {
	raw.SetReadLimit(cfg.ReadLimit)
	return &Conn{raw: raw, writeTimeout: cfg.WriteTimeout}
}

// ReadMessage returns the next text or binary frame payload.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.raw.ReadMessage()
	if err != nil {
		if gws.IsCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway) {
			return nil, fmt.Errorf("%w: %v", ErrPeerClosed, err)
		}
		return nil, err
	}
	return data, nil
}

// WriteMessage sends data as one text frame.
func (c *Conn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.raw.WriteMessage(gws.TextMessage, data)
}

// Close sends a best-effort close frame and releases the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.raw.WriteControl(
			gws.CloseMessage,
			gws.FormatCloseMessage(gws.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

// RemoteAddr is used for peer logging.
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// ErrPeerClosed marks an orderly close by the remote side.
var ErrPeerClosed = errors.New("peer closed connection")
