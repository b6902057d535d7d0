package reducer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiger/live-translation-relay/api/wire"
	"github.com/tiger/live-translation-relay/internal/client/playback"
	"github.com/tiger/live-translation-relay/internal/runtime/connection"
)

var testKey = wire.Key{ServiceID: "svc", Language: "es", SessionID: "listener-1"}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakePlayer struct {
	mu    sync.Mutex
	clips [][]byte
	err   error
}

func (p *fakePlayer) Play(_ context.Context, audio []byte, opts playback.Options) error {
	p.mu.Lock()
	p.clips = append(p.clips, audio)
	err := p.err
	p.mu.Unlock()
	if err != nil {
		if opts.OnError != nil {
			opts.OnError(err)
		}
		return err
	}
	if opts.OnStart != nil {
		opts.OnStart()
	}
	return nil
}

func (p *fakePlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clips)
}

func newTestReducer(cfg Config, player Player) (*Reducer, *clock) {
	c := &clock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	r := New(cfg, testKey, player, zerolog.Nop())
	r.now = c.now
	return r, c
}

func translation(original, translated string, ts time.Time, audio []byte) wire.Message {
	return wire.Translation(testKey, original, translated, false, audio, ts)
}

func TestDuplicateWithinWindowIsDiscarded(t *testing.T) {
	t.Parallel()

	player := &fakePlayer{}
	r, _ := newTestReducer(Config{Autoplay: true}, player)
	r.Start()
	defer r.Close()

	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	r.Deliver(translation("hello", "hola", base, []byte{1}))
	r.Deliver(translation("hello", "hola", base.Add(4999*time.Millisecond), []byte{1}))
	r.Deliver(translation("hello", "hola", base.Add(-2*time.Second), []byte{1}))

	snap := r.Snapshot()
	require.Len(t, snap.History, 1)
	require.Eventually(t, func() bool { return player.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, player.count(), "duplicates are not played")
}

func TestSameTextOutsideWindowIsKept(t *testing.T) {
	t.Parallel()

	r, _ := newTestReducer(Config{}, nil)
	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	r.Deliver(translation("hello", "hola", base, nil))
	r.Deliver(translation("hello", "hola", base.Add(5*time.Second), nil))
	r.Deliver(translation("hello", "buenas", base.Add(time.Second), nil))

	assert.Len(t, r.Snapshot().History, 3)
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()

	r, c := newTestReducer(Config{}, nil)
	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 11; i++ {
		r.Deliver(translation(fmt.Sprintf("line %d", i), fmt.Sprintf("línea %d", i), base.Add(time.Duration(i)*time.Second), nil))
	}

	snap := r.Snapshot()
	require.Len(t, snap.History, 10)
	assert.Equal(t, "line 1", snap.History[0].Original)
	assert.Equal(t, "line 10", snap.History[9].Original)
	assert.Equal(t, c.now(), snap.LastUpdate)
}

func TestUndecodableAudioSkipsRecord(t *testing.T) {
	t.Parallel()

	r, _ := newTestReducer(Config{}, nil)
	msg := translation("hello", "hola", time.Now(), nil)
	msg.AudioData = "%%%not-base64"
	r.Deliver(msg)

	snap := r.Snapshot()
	assert.Empty(t, snap.History)
	require.NotEmpty(t, snap.Activity)
	assert.Contains(t, snap.Activity[len(snap.Activity)-1], "Audio decode error")
}

func TestErrorMessageIsRecordedWithoutStatusChange(t *testing.T) {
	t.Parallel()

	r, _ := newTestReducer(Config{}, nil)
	r.OnStatus(wire.StatusUpdate(testKey, wire.StatusConnected, "subscribed", time.Now()))
	r.Deliver(wire.Failure(testKey, "translation audio unavailable", time.Now()))

	snap := r.Snapshot()
	assert.Equal(t, wire.StatusConnected, snap.Status)
	assert.Equal(t, "translation audio unavailable", snap.LastError)
}

func TestStatusFollowsConnection(t *testing.T) {
	t.Parallel()

	r, _ := newTestReducer(Config{}, nil)
	var statuses []wire.Status
	r.OnChange(func(s Snapshot) { statuses = append(statuses, s.Status) })

	r.ObserveConnection(connection.StateConnecting, nil)
	r.ObserveConnection(connection.StateConnected, nil)
	r.ObserveConnection(connection.StateError, errors.New("dial tcp: connection refused"))
	r.ObserveConnection(connection.StateDisconnected, nil)

	assert.Equal(t, wire.StatusNone, r.Snapshot().Status)
	assert.Contains(t, statuses, wire.StatusError)
	for _, line := range r.Snapshot().Activity {
		assert.NotContains(t, line, "connection refused", "raw transport errors stay out of the visible log")
	}
}

func TestStaleSignalAndRecovery(t *testing.T) {
	t.Parallel()

	r, c := newTestReducer(Config{StaleAfter: 15 * time.Second, HealthCheckInterval: time.Hour}, nil)
	r.Start()
	defer r.Close()
	r.OnStatus(wire.StatusUpdate(testKey, wire.StatusConnected, "", c.now()))

	var signals []StaleConnection
	r.OnStale(func(s StaleConnection) { signals = append(signals, s) })

	c.advance(10 * time.Second)
	r.CheckHealth()
	assert.False(t, r.Snapshot().Stale)

	c.advance(6 * time.Second)
	r.CheckHealth()
	r.CheckHealth()
	snap := r.Snapshot()
	assert.True(t, snap.Stale)
	assert.Equal(t, wire.StatusConnected, snap.Status, "stale is degraded, not an error")
	require.Len(t, signals, 1, "raised once per stale period")
	assert.Equal(t, 16*time.Second, signals[0].Since)

	r.OnHeartbeat(wire.Heartbeat(testKey, c.now()))
	assert.False(t, r.Snapshot().Stale)
}

func TestActivityLogIsBounded(t *testing.T) {
	t.Parallel()

	r, _ := newTestReducer(Config{ActivityLimit: 20}, nil)
	base := time.Now()
	for i := 0; i < 30; i++ {
		r.Deliver(translation(fmt.Sprintf("o%d", i), fmt.Sprintf("t%d", i), base.Add(time.Duration(i)*time.Minute), nil))
	}
	activity := r.Snapshot().Activity
	require.Len(t, activity, 20)
	assert.Contains(t, activity[19], "t29")
}

func TestReplayAudio(t *testing.T) {
	t.Parallel()

	player := &fakePlayer{}
	r, _ := newTestReducer(Config{}, player)

	require.NoError(t, r.ReplayAudio(context.Background(), Record{Audio: []byte{7}}))
	assert.Equal(t, 1, player.count())
	assert.ErrorIs(t, r.ReplayAudio(context.Background(), Record{}), playback.ErrEmptyAudio)

	player.err = &playback.DecodeError{Err: errors.New("garbage")}
	err := r.ReplayAudio(context.Background(), Record{Audio: []byte{8}})
	var decodeErr *playback.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	activity := r.Snapshot().Activity
	assert.Contains(t, activity[len(activity)-1], "Audio playback error")
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	r, _ := newTestReducer(Config{HealthCheckInterval: 5 * time.Millisecond}, &fakePlayer{})
	r.Start()
	r.Close()
	r.Close()
}
