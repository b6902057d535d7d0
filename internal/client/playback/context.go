package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ContextManager owns the single output context of a process. The context is
// created lazily, resumed on demand and may be recreated after Close.
type ContextManager struct {
	factory DeviceFactory
	log     zerolog.Logger

	mu      sync.Mutex
	device  Device
	gesture chan struct{}
	pending int
}

// NewContextManager builds a manager around factory.
func NewContextManager(factory DeviceFactory, log zerolog.Logger) *ContextManager {
	return &ContextManager{factory: factory, log: log, gesture: make(chan struct{})}
}

// Acquire returns a running device. A suspended device that needs a user
// gesture makes Acquire wait for NotifyUserGesture or ctx.
func (m *ContextManager) Acquire(ctx context.Context) (Device, error) {
	for {
		m.mu.Lock()
		if m.device == nil || m.device.State() == DeviceClosed {
			dev, err := m.factory(ctx)
			if err != nil {
				m.mu.Unlock()
				return nil, fmt.Errorf("create output context: %w", err)
			}
			m.device = dev
			m.log.Debug().Str("state", string(dev.State())).Msg("output context created")
		}
		dev := m.device
		if dev.State() == DeviceRunning {
			m.mu.Unlock()
			return dev, nil
		}
		gesture := m.gesture
		m.mu.Unlock()

		err := dev.Resume(ctx)
		if err == nil {
			return dev, nil
		}
		if !errors.Is(err, ErrGestureRequired) {
			return nil, fmt.Errorf("resume output context: %w", err)
		}

		m.mu.Lock()
		m.pending++
		m.mu.Unlock()
		m.log.Info().Msg("output suspended, waiting for user gesture")
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.pending--
			m.mu.Unlock()
			return nil, ctx.Err()
		case <-gesture:
		}
	}
}

// NotifyUserGesture releases every Acquire waiting on a suspended device.
func (m *ContextManager) NotifyUserGesture() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending > 0 {
		m.log.Debug().Int("waiters", m.pending).Msg("user gesture, resuming output")
	}
	m.pending = 0
	close(m.gesture)
	m.gesture = make(chan struct{})
}

// Pending reports how many callers wait for a gesture.
func (m *ContextManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// Close tears down the current device. A later Acquire creates a new one.
func (m *ContextManager) Close() error {
	m.mu.Lock()
	dev := m.device
	m.device = nil
	m.mu.Unlock()
	if dev == nil {
		return nil
	}
	m.log.Debug().Msg("output context closed")
	return dev.Close()
}
