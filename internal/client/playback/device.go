// Package playback plays translated audio clips one at a time on an output
// device.
package playback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// DeviceState mirrors the lifecycle of an output context.
type DeviceState string

const (
	DeviceRunning   DeviceState = "running"
	DeviceSuspended DeviceState = "suspended"
	DeviceClosed    DeviceState = "closed"
)

var (
	// ErrEmptyAudio is reported for a clip with no bytes.
	ErrEmptyAudio = errors.New("empty audio")
	// ErrGestureRequired is returned by Device.Resume while the platform
	// refuses to start output until the user interacts.
	ErrGestureRequired = errors.New("user gesture required to resume output")
)

// DecodeError reports audio that could not be turned into a playable buffer.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode audio: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Buffer is decoded, playable audio.
type Buffer interface {
	Duration() time.Duration
}

// Gain scales the output of a source.
type Gain interface {
	SetVolume(v float64)
	Disconnect()
}

// Source plays one buffer once.
type Source interface {
	Connect(g Gain) error
	// Start begins playback. onEnded is called once when the buffer played
	// to completion; it is not called after Stop.
	Start(onEnded func()) error
	Stop() error
	Disconnect()
}

// Device is an output context: it decodes audio and builds the output graph.
type Device interface {
	State() DeviceState
	Resume(ctx context.Context) error
	// Decode may consume data; callers pass a private copy.
	Decode(ctx context.Context, data []byte) (Buffer, error)
	NewSource(b Buffer) (Source, error)
	NewGain(volume float64) (Gain, error)
	Close() error
}

// DeviceFactory creates a fresh output context.
type DeviceFactory func(ctx context.Context) (Device, error)

// clampVolume bounds v to [0,1]. NaN falls back to full volume.
func clampVolume(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 1
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
