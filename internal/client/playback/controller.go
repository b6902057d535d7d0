package playback

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Options are per-clip callbacks and volume. Callbacks run outside the
// controller lock and may call back into the controller.
type Options struct {
	OnStart func()
	OnEnd   func()
	OnError func(error)
	// Volume in [0,1]; nil uses the controller volume.
	Volume *float64
}

// Volume is a helper for Options.Volume.
func Volume(v float64) *float64 { return &v }

type session struct {
	id     uint64
	source Source
	gain   Gain
	opts   Options
}

func (s *session) release() {
	_ = s.source.Stop()
	s.source.Disconnect()
	s.gain.Disconnect()
}

// Controller is single-flight: at most one clip plays at a time and a new
// Play fully releases the previous clip before building the next one.
type Controller struct {
	ctxs *ContextManager
	log  zerolog.Logger

	mu      sync.Mutex
	seq     uint64
	current *session
	volume  float64
}

// NewController plays through ctxs.
func NewController(ctxs *ContextManager, log zerolog.Logger) *Controller {
	return &Controller{ctxs: ctxs, log: log, volume: 1}
}

// Play replaces whatever is playing with audio. It returns once playback
// started or failed; completion is reported through OnEnd. audio is copied
// before decoding and must not be reused by the caller.
func (c *Controller) Play(ctx context.Context, audio []byte, opts Options) error {
	if len(audio) == 0 {
		return c.fail(opts, ErrEmptyAudio)
	}
	dev, err := c.ctxs.Acquire(ctx)
	if err != nil {
		return c.fail(opts, err)
	}

	c.mu.Lock()
	sess, err := c.startLocked(ctx, dev, audio, opts)
	c.mu.Unlock()
	if err != nil {
		return c.fail(opts, err)
	}

	c.log.Debug().Uint64("session", sess.id).Msg("playback started")
	if opts.OnStart != nil {
		opts.OnStart()
	}
	return nil
}

func (c *Controller) startLocked(ctx context.Context, dev Device, audio []byte, opts Options) (*session, error) {
	c.stopLocked()

	buf, err := dev.Decode(ctx, bytes.Clone(audio))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	volume := c.volume
	if opts.Volume != nil {
		volume = clampVolume(*opts.Volume)
	}
	gain, err := dev.NewGain(volume)
	if err != nil {
		return nil, fmt.Errorf("create gain: %w", err)
	}
	src, err := dev.NewSource(buf)
	if err != nil {
		gain.Disconnect()
		return nil, fmt.Errorf("create source: %w", err)
	}
	if err := src.Connect(gain); err != nil {
		src.Disconnect()
		gain.Disconnect()
		return nil, fmt.Errorf("connect source: %w", err)
	}

	c.seq++
	sess := &session{id: c.seq, source: src, gain: gain, opts: opts}
	if err := src.Start(func() { go c.finished(sess) }); err != nil {
		sess.release()
		return nil, fmt.Errorf("start source: %w", err)
	}
	c.current = sess
	return sess, nil
}

// finished handles natural completion. A session that was stopped or
// replaced in the meantime is ignored.
func (c *Controller) finished(sess *session) {
	c.mu.Lock()
	if c.current != sess {
		c.mu.Unlock()
		return
	}
	c.current = nil
	sess.source.Disconnect()
	sess.gain.Disconnect()
	c.mu.Unlock()

	c.log.Debug().Uint64("session", sess.id).Msg("playback ended")
	if sess.opts.OnEnd != nil {
		sess.opts.OnEnd()
	}
}

func (c *Controller) fail(opts Options, err error) error {
	c.log.Warn().Err(err).Msg("playback failed")
	if opts.OnError != nil {
		opts.OnError(err)
	}
	return err
}

func (c *Controller) stopLocked() {
	if c.current == nil {
		return
	}
	c.current.release()
	c.log.Debug().Uint64("session", c.current.id).Msg("playback stopped")
	c.current = nil
}

// Playing reports whether a clip is currently playing.
func (c *Controller) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// SetVolume changes the controller volume, clamped to [0,1], and applies it
// to the current clip.
func (c *Controller) SetVolume(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.volume = clampVolume(v)
	if c.current != nil {
		c.current.gain.SetVolume(c.volume)
	}
}

// Stop halts the current clip. It is a no-op when nothing plays.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// Close stops playback and closes the output context. A later Play recreates
// the context.
func (c *Controller) Close() error {
	c.Stop()
	return c.ctxs.Close()
}
