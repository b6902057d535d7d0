package broker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiger/live-translation-relay/api/speech"
	"github.com/tiger/live-translation-relay/api/wire"
	"github.com/tiger/live-translation-relay/internal/runtime/connection/conntest"
	"github.com/tiger/live-translation-relay/internal/runtime/fanout"
)

type recordedBroadcast struct {
	serviceID string
	utterance speech.Utterance
}

type broadcastRecorder struct {
	calls chan recordedBroadcast
}

func (b *broadcastRecorder) Broadcast(_ context.Context, serviceID string, u speech.Utterance) fanout.Report {
	b.calls <- recordedBroadcast{serviceID: serviceID, utterance: u}
	return fanout.Report{}
}

func attach(t *testing.T, hub *Hub, id string) (*Peer, *conntest.Conn) {
	t.Helper()
	conn := conntest.NewConn()
	peer := NewPeer(id, conn, 16, zerolog.Nop())
	hub.AddPeer(peer)
	go peer.WritePump()
	t.Cleanup(peer.Close)
	return peer, conn
}

func TestSubscribeRepliesConnectedAndHeartbeats(t *testing.T) {
	t.Parallel()

	hub := NewHub(HubConfig{HeartbeatInterval: 10 * time.Millisecond}, nil, zerolog.Nop())
	defer hub.Close()
	peer, conn := attach(t, hub, "p1")

	key := wire.Key{ServiceID: "svc", Language: "es", SessionID: "s1"}
	require.NoError(t, hub.Handle(context.Background(), peer, wire.Subscribe(key, time.Now())))

	require.Eventually(t, func() bool {
		return len(conn.WrittenOfType(wire.TypeStatus)) == 1 && len(conn.WrittenOfType(wire.TypeHeartbeat)) >= 2
	}, time.Second, 5*time.Millisecond)
	status := conn.WrittenOfType(wire.TypeStatus)[0]
	assert.Equal(t, wire.StatusConnected, status.Status)
	assert.Equal(t, key, status.Key())

	assert.True(t, hub.IsServiceActive("svc"))
	assert.Equal(t, []string{"es"}, hub.ActiveLanguages("svc"))
}

func TestResubscribeDoesNotDoubleHeartbeats(t *testing.T) {
	t.Parallel()

	hub := NewHub(HubConfig{HeartbeatInterval: time.Hour}, nil, zerolog.Nop())
	defer hub.Close()
	peer, _ := attach(t, hub, "p1")

	key := wire.Key{ServiceID: "svc", Language: "fr", SessionID: "s1"}
	require.NoError(t, hub.Handle(context.Background(), peer, wire.Subscribe(key, time.Now())))
	hub.mu.RLock()
	first := hub.services["svc"][key]
	hub.mu.RUnlock()
	require.NoError(t, hub.Handle(context.Background(), peer, wire.Subscribe(key, time.Now())))

	assert.Equal(t, 1, hub.Subscriptions())
	select {
	case <-first.stop:
	default:
		t.Fatalf("replaced subscription heartbeat still running")
	}
}

func TestUnsubscribeOnlyByOwner(t *testing.T) {
	t.Parallel()

	hub := NewHub(HubConfig{HeartbeatInterval: time.Hour}, nil, zerolog.Nop())
	defer hub.Close()
	owner, _ := attach(t, hub, "owner")
	other, _ := attach(t, hub, "other")

	key := wire.Key{ServiceID: "svc", Language: "ko", SessionID: "s1"}
	require.NoError(t, hub.Handle(context.Background(), owner, wire.Subscribe(key, time.Now())))
	require.NoError(t, hub.Handle(context.Background(), other, wire.Unsubscribe(key, time.Now())))
	assert.True(t, hub.IsServiceActive("svc"))

	require.NoError(t, hub.Handle(context.Background(), owner, wire.Unsubscribe(key, time.Now())))
	assert.False(t, hub.IsServiceActive("svc"))
	assert.Empty(t, hub.ActiveLanguages("svc"))
}

func TestRemovePeerDropsItsSubscriptions(t *testing.T) {
	t.Parallel()

	hub := NewHub(HubConfig{HeartbeatInterval: time.Hour}, nil, zerolog.Nop())
	defer hub.Close()
	a, _ := attach(t, hub, "a")
	b, _ := attach(t, hub, "b")

	now := time.Now()
	require.NoError(t, hub.Handle(context.Background(), a, wire.Subscribe(wire.Key{ServiceID: "svc", Language: "es", SessionID: "1"}, now)))
	require.NoError(t, hub.Handle(context.Background(), a, wire.Subscribe(wire.Key{ServiceID: "other", Language: "fr", SessionID: "2"}, now)))
	require.NoError(t, hub.Handle(context.Background(), b, wire.Subscribe(wire.Key{ServiceID: "svc", Language: "ru", SessionID: "3"}, now)))

	hub.RemovePeer(a)
	assert.Equal(t, 1, hub.Subscriptions())
	assert.False(t, hub.IsServiceActive("other"))
	assert.Equal(t, []string{"ru"}, hub.ActiveLanguages("svc"))

	listeners := hub.Listeners("svc")
	require.Len(t, listeners, 1)
	assert.Same(t, b, listeners[0].Sink)
}

func TestBroadcastIsPassedToBroadcaster(t *testing.T) {
	t.Parallel()

	hub := NewHub(HubConfig{}, nil, zerolog.Nop())
	defer hub.Close()
	rec := &broadcastRecorder{calls: make(chan recordedBroadcast, 1)}
	hub.SetBroadcaster(rec)
	publisher, _ := attach(t, hub, "pub")

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := wire.Broadcast("svc", "hello", map[string]string{"es": "hola"}, true, ts)
	require.NoError(t, hub.Handle(context.Background(), publisher, msg))

	got := <-rec.calls
	assert.Equal(t, "svc", got.serviceID)
	assert.Equal(t, "hello", got.utterance.Original())
	assert.True(t, got.utterance.IsFinal())
	assert.True(t, got.utterance.Timestamp().Equal(ts))
	text, ok := got.utterance.Translation("es")
	assert.True(t, ok)
	assert.Equal(t, "hola", text)
}

func TestBroadcastWithoutBroadcasterFails(t *testing.T) {
	t.Parallel()

	hub := NewHub(HubConfig{}, nil, zerolog.Nop())
	defer hub.Close()
	publisher, _ := attach(t, hub, "pub")

	err := hub.Handle(context.Background(), publisher, wire.Broadcast("svc", "hello", nil, false, time.Now()))
	assert.Error(t, err)
}

func TestClientOnlyTypesAreRejected(t *testing.T) {
	t.Parallel()

	hub := NewHub(HubConfig{}, nil, zerolog.Nop())
	defer hub.Close()
	peer, _ := attach(t, hub, "p")

	key := wire.Key{ServiceID: "svc", Language: "es", SessionID: "1"}
	assert.Error(t, hub.Handle(context.Background(), peer, wire.Translation(key, "a", "b", false, nil, time.Now())))
	assert.NoError(t, hub.Handle(context.Background(), peer, wire.Heartbeat(key, time.Now())))
}

func TestPeerDeliverAfterCloseFails(t *testing.T) {
	t.Parallel()

	peer := NewPeer("p", conntest.NewConn(), 1, zerolog.Nop())
	key := wire.Key{ServiceID: "svc", Language: "es", SessionID: "1"}

	require.NoError(t, peer.Deliver(wire.Heartbeat(key, time.Now())))
	assert.ErrorIs(t, peer.Deliver(wire.Heartbeat(key, time.Now())), ErrPeerBackpressure)

	peer.Close()
	peer.Close()
	assert.ErrorIs(t, peer.Deliver(wire.Heartbeat(key, time.Now())), ErrPeerClosed)
}
