package playback

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Nominal bitrates used to estimate compressed clip length.
const (
	mp3NominalBitrate = 48_000
	oggNominalBitrate = 64_000
)

// SinkConfig configures a SinkDevice.
type SinkConfig struct {
	// Dir receives one file per played clip. Empty disables writing.
	Dir string
	// Suspended starts the device suspended until a gesture resumes it.
	Suspended bool
}

// SinkDevice is an output device without a sound card: it validates the
// container, optionally writes each clip to disk and reports completion after
// the clip's nominal duration.
type SinkDevice struct {
	cfg SinkConfig
	log zerolog.Logger
	seq atomic.Uint64

	mu    sync.Mutex
	state DeviceState
}

var _ Device = (*SinkDevice)(nil)

// NewSinkFactory returns a factory creating sink devices.
func NewSinkFactory(cfg SinkConfig, log zerolog.Logger) DeviceFactory {
	return func(context.Context) (Device, error) {
		if cfg.Dir != "" {
			if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
				return nil, fmt.Errorf("create clip dir: %w", err)
			}
		}
		state := DeviceRunning
		if cfg.Suspended {
			state = DeviceSuspended
		}
		return &SinkDevice{cfg: cfg, log: log, state: state}, nil
	}
}

func (d *SinkDevice) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Resume succeeds once; the first call on a suspended sink requires a gesture.
func (d *SinkDevice) Resume(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case DeviceClosed:
		return errors.New("output context closed")
	case DeviceSuspended:
		if d.cfg.Suspended {
			d.cfg.Suspended = false
			return ErrGestureRequired
		}
		d.state = DeviceRunning
	}
	return nil
}

type clip struct {
	format   string
	data     []byte
	duration time.Duration
}

func (c *clip) Duration() time.Duration { return c.duration }

func (d *SinkDevice) Decode(_ context.Context, data []byte) (Buffer, error) {
	format, err := sniff(data)
	if err != nil {
		return nil, err
	}
	c := &clip{format: format, data: data}
	switch format {
	case "wav":
		c.duration, err = wavDuration(data)
		if err != nil {
			return nil, err
		}
	case "mp3":
		c.duration = nominal(len(data), mp3NominalBitrate)
	case "ogg":
		c.duration = nominal(len(data), oggNominalBitrate)
	}
	return c, nil
}

func (d *SinkDevice) NewGain(volume float64) (Gain, error) {
	return &sinkGain{volume: clampVolume(volume)}, nil
}

func (d *SinkDevice) NewSource(b Buffer) (Source, error) {
	c, ok := b.(*clip)
	if !ok {
		return nil, fmt.Errorf("foreign buffer %T", b)
	}
	return &sinkSource{device: d, clip: c}, nil
}

func (d *SinkDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = DeviceClosed
	return nil
}

func (d *SinkDevice) write(c *clip) {
	if d.cfg.Dir == "" {
		return
	}
	name := filepath.Join(d.cfg.Dir, fmt.Sprintf("clip-%04d.%s", d.seq.Add(1), c.format))
	if err := os.WriteFile(name, c.data, 0o644); err != nil {
		d.log.Warn().Err(err).Str("file", name).Msg("clip not written")
		return
	}
	d.log.Debug().Str("file", name).Dur("duration", c.duration).Msg("clip written")
}

type sinkGain struct {
	mu     sync.Mutex
	volume float64
}

func (g *sinkGain) SetVolume(v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.volume = clampVolume(v)
}

func (g *sinkGain) Disconnect() {}

type sinkSource struct {
	device *SinkDevice
	clip   *clip

	mu    sync.Mutex
	gain  Gain
	timer *time.Timer
}

func (s *sinkSource) Connect(g Gain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gain = g
	return nil
}

func (s *sinkSource) Start(onEnded func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gain == nil {
		return errors.New("source not connected")
	}
	if s.timer != nil {
		return errors.New("source already started")
	}
	s.device.write(s.clip)
	s.timer = time.AfterFunc(s.clip.duration, onEnded)
	return nil
}

func (s *sinkSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	return nil
}

func (s *sinkSource) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gain = nil
}

func sniff(data []byte) (string, error) {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return "wav", nil
	case len(data) >= 4 && bytes.Equal(data[0:4], []byte("OggS")):
		return "ogg", nil
	case len(data) >= 3 && bytes.Equal(data[0:3], []byte("ID3")):
		return "mp3", nil
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return "mp3", nil
	default:
		return "", errors.New("unrecognized audio container")
	}
}

// wavDuration walks the RIFF chunks for fmt and data.
func wavDuration(data []byte) (time.Duration, error) {
	var byteRate uint32
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		switch id {
		case "fmt ":
			if body+12 > len(data) {
				return 0, errors.New("truncated wav fmt chunk")
			}
			byteRate = binary.LittleEndian.Uint32(data[body+8 : body+12])
		case "data":
			if byteRate == 0 {
				return 0, errors.New("wav data before fmt chunk")
			}
			if body+size > len(data) {
				size = len(data) - body
			}
			return time.Duration(float64(size) / float64(byteRate) * float64(time.Second)), nil
		}
		off = body + size + size%2
	}
	return 0, errors.New("wav without data chunk")
}

func nominal(n, bitsPerSecond int) time.Duration {
	return time.Duration(float64(n*8) / float64(bitsPerSecond) * float64(time.Second))
}
