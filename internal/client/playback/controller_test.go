package playback

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice records the output graph so tests can assert teardown.
type fakeDevice struct {
	mu          sync.Mutex
	state       DeviceState
	needGesture bool
	decodeErr   error
	startErr    error
	sources     []*fakeSource
	gains       []*fakeGain
	decoded     [][]byte
	closed      int
}

func (d *fakeDevice) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeDevice) Resume(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.needGesture {
		d.needGesture = false
		return ErrGestureRequired
	}
	d.state = DeviceRunning
	return nil
}

func (d *fakeDevice) Decode(_ context.Context, data []byte) (Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.decodeErr != nil {
		return nil, d.decodeErr
	}
	d.decoded = append(d.decoded, data)
	return fakeBuffer{}, nil
}

func (d *fakeDevice) NewSource(Buffer) (Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &fakeSource{device: d, startErr: d.startErr}
	d.sources = append(d.sources, s)
	return s, nil
}

func (d *fakeDevice) NewGain(volume float64) (Gain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g := &fakeGain{volume: volume}
	d.gains = append(d.gains, g)
	return g, nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = DeviceClosed
	d.closed++
	return nil
}

// playing counts sources started and not yet stopped or ended.
func (d *fakeDevice) playing() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.sources {
		if s.isPlaying() {
			n++
		}
	}
	return n
}

type fakeBuffer struct{}

func (fakeBuffer) Duration() time.Duration { return time.Second }

type fakeGain struct {
	mu           sync.Mutex
	volume       float64
	disconnected bool
}

func (g *fakeGain) SetVolume(v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.volume = v
}

func (g *fakeGain) Disconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disconnected = true
}

func (g *fakeGain) snapshot() (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.volume, g.disconnected
}

type fakeSource struct {
	device   *fakeDevice
	startErr error

	mu           sync.Mutex
	started      bool
	stopped      bool
	disconnected bool
	onEnded      func()
}

func (s *fakeSource) Connect(Gain) error { return nil }

func (s *fakeSource) Start(onEnded func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	// Single-flight means no other source may be playing at this moment.
	s.device.mu.Lock()
	others := append([]*fakeSource(nil), s.device.sources...)
	s.device.mu.Unlock()
	for _, other := range others {
		if other != s && other.isPlaying() {
			panic("two sources playing at once")
		}
	}
	s.started = true
	s.onEnded = onEnded
	return nil
}

func (s *fakeSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *fakeSource) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
}

func (s *fakeSource) isPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped && !s.disconnected
}

func (s *fakeSource) end() {
	s.mu.Lock()
	cb := s.onEnded
	s.mu.Unlock()
	cb()
}

func newFakeController(dev *fakeDevice) (*Controller, *int) {
	created := 0
	factory := func(context.Context) (Device, error) {
		created++
		dev.mu.Lock()
		if dev.state == DeviceClosed || dev.state == "" {
			if !dev.needGesture {
				dev.state = DeviceRunning
			} else {
				dev.state = DeviceSuspended
			}
		}
		dev.mu.Unlock()
		return dev, nil
	}
	return NewController(NewContextManager(factory, zerolog.Nop()), zerolog.Nop()), &created
}

func TestPlayTwiceReleasesFirstSession(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{}
	ctrl, _ := newFakeController(dev)

	var ends int
	require.NoError(t, ctrl.Play(context.Background(), []byte{1, 2, 3}, Options{OnEnd: func() { ends++ }}))
	require.NoError(t, ctrl.Play(context.Background(), []byte{4, 5, 6}, Options{}))

	require.Len(t, dev.sources, 2)
	first := dev.sources[0]
	assert.True(t, first.stopped)
	assert.True(t, first.disconnected)
	_, gainGone := dev.gains[0].snapshot()
	assert.True(t, gainGone)
	assert.Equal(t, 1, dev.playing())

	// A late completion of the replaced clip is ignored.
	first.end()
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, ends)
	assert.True(t, ctrl.Playing())
}

func TestPlayClonesInput(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{}
	ctrl, _ := newFakeController(dev)

	audio := []byte{9, 9, 9}
	require.NoError(t, ctrl.Play(context.Background(), audio, Options{}))
	audio[0] = 0
	assert.Equal(t, []byte{9, 9, 9}, dev.decoded[0])
}

func TestNaturalCompletionCallsOnEnd(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{}
	ctrl, _ := newFakeController(dev)

	ended := make(chan struct{})
	var started bool
	require.NoError(t, ctrl.Play(context.Background(), []byte{1}, Options{
		OnStart: func() { started = true },
		OnEnd:   func() { close(ended) },
	}))
	assert.True(t, started)

	dev.sources[0].end()
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatalf("OnEnd not called")
	}
	assert.False(t, ctrl.Playing())
	_, gainGone := dev.gains[0].snapshot()
	assert.True(t, gainGone)
}

func TestDecodeFailureReportsDecodeError(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{decodeErr: errors.New("bad frame")}
	ctrl, _ := newFakeController(dev)

	var got error
	err := ctrl.Play(context.Background(), []byte{1}, Options{OnError: func(err error) { got = err }})
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, err, got)
	assert.Empty(t, dev.sources)
	assert.False(t, ctrl.Playing())
}

func TestStartFailureReleasesNodes(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{startErr: errors.New("device busy")}
	ctrl, _ := newFakeController(dev)

	err := ctrl.Play(context.Background(), []byte{1}, Options{})
	require.Error(t, err)
	require.Len(t, dev.sources, 1)
	assert.True(t, dev.sources[0].disconnected)
	_, gainGone := dev.gains[0].snapshot()
	assert.True(t, gainGone)
	assert.False(t, ctrl.Playing())
}

func TestEmptyAudio(t *testing.T) {
	t.Parallel()

	ctrl, created := newFakeController(&fakeDevice{})
	var got error
	err := ctrl.Play(context.Background(), nil, Options{OnError: func(err error) { got = err }})
	assert.ErrorIs(t, err, ErrEmptyAudio)
	assert.ErrorIs(t, got, ErrEmptyAudio)
	assert.Zero(t, *created)
}

func TestVolumeIsClamped(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{}
	ctrl, _ := newFakeController(dev)

	require.NoError(t, ctrl.Play(context.Background(), []byte{1}, Options{Volume: Volume(1.7)}))
	v, _ := dev.gains[0].snapshot()
	assert.Equal(t, 1.0, v)

	ctrl.SetVolume(-3)
	v, _ = dev.gains[0].snapshot()
	assert.Equal(t, 0.0, v)

	require.NoError(t, ctrl.Play(context.Background(), []byte{1}, Options{}))
	v, _ = dev.gains[1].snapshot()
	assert.Equal(t, 0.0, v, "controller volume applies when the clip sets none")

	require.NoError(t, ctrl.Play(context.Background(), []byte{1}, Options{Volume: Volume(math.NaN())}))
	v, _ = dev.gains[2].snapshot()
	assert.Equal(t, 1.0, v, "NaN falls back to full volume")

	ctrl.SetVolume(math.NaN())
	v, _ = dev.gains[2].snapshot()
	assert.Equal(t, 1.0, v)
	require.NoError(t, ctrl.Play(context.Background(), []byte{1}, Options{}))
	v, _ = dev.gains[3].snapshot()
	assert.Equal(t, 1.0, v)
}

func TestStopAndCloseAreIdempotent(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{}
	ctrl, created := newFakeController(dev)

	ctrl.Stop()
	require.NoError(t, ctrl.Close())

	require.NoError(t, ctrl.Play(context.Background(), []byte{1}, Options{}))
	ctrl.Stop()
	ctrl.Stop()
	assert.Zero(t, dev.playing())

	require.NoError(t, ctrl.Close())
	require.NoError(t, ctrl.Close())
	assert.Equal(t, 1, dev.closed)

	require.NoError(t, ctrl.Play(context.Background(), []byte{1}, Options{}))
	assert.Equal(t, 2, *created, "context recreated lazily after close")
}

func TestSuspendedOutputWaitsForGesture(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{needGesture: true}
	ctrl, _ := newFakeController(dev)

	done := make(chan error, 1)
	go func() { done <- ctrl.Play(context.Background(), []byte{1}, Options{}) }()

	require.Eventually(t, func() bool { return ctrl.ctxs.Pending() == 1 }, time.Second, time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("play returned before gesture: %v", err)
	default:
	}

	ctrl.ctxs.NotifyUserGesture()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("play did not resume after gesture")
	}
	assert.True(t, ctrl.Playing())
}

func TestSuspendedOutputHonorsCancel(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{needGesture: true}
	ctrl, _ := newFakeController(dev)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ctrl.Play(ctx, []byte{1}, Options{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, ctrl.ctxs.Pending())
}

func wavClip(seconds float64) []byte {
	const byteRate = 16000
	dataLen := int(seconds * byteRate)
	buf := make([]byte, 44+dataLen)
	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], uint32(36+dataLen))
	copy(buf[8:], "WAVE")
	copy(buf[12:], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1)
	binary.LittleEndian.PutUint16(buf[22:], 1)
	binary.LittleEndian.PutUint32(buf[24:], 8000)
	binary.LittleEndian.PutUint32(buf[28:], byteRate)
	binary.LittleEndian.PutUint16(buf[32:], 2)
	binary.LittleEndian.PutUint16(buf[34:], 16)
	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], uint32(dataLen))
	return buf
}

func TestSinkDevicePlaysAndWritesClips(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctrl := NewController(NewContextManager(NewSinkFactory(SinkConfig{Dir: dir}, zerolog.Nop()), zerolog.Nop()), zerolog.Nop())
	defer ctrl.Close()

	ended := make(chan struct{})
	require.NoError(t, ctrl.Play(context.Background(), wavClip(0.05), Options{OnEnd: func() { close(ended) }}))
	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatalf("sink clip never ended")
	}

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, ".wav", filepath.Ext(files[0].Name()))
}

func TestSinkDeviceRejectsUnknownContainer(t *testing.T) {
	t.Parallel()

	ctrl := NewController(NewContextManager(NewSinkFactory(SinkConfig{}, zerolog.Nop()), zerolog.Nop()), zerolog.Nop())
	defer ctrl.Close()

	err := ctrl.Play(context.Background(), []byte("plain text"), Options{})
	var decodeErr *DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestSinkDurations(t *testing.T) {
	t.Parallel()

	dev, err := NewSinkFactory(SinkConfig{}, zerolog.Nop())(context.Background())
	require.NoError(t, err)

	buf, err := dev.Decode(context.Background(), wavClip(1.5))
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, buf.Duration())

	mp3 := append([]byte("ID3"), make([]byte, 6000-3)...)
	buf, err = dev.Decode(context.Background(), mp3)
	require.NoError(t, err)
	assert.Equal(t, time.Second, buf.Duration())
}
