package connection

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from    State
		trigger trigger
		want    State
		wantErr bool
	}{
		{from: StateDisconnected, trigger: triggerConnect, want: StateConnecting},
		{from: StateConnecting, trigger: triggerDialed, want: StateConnected},
		{from: StateConnecting, trigger: triggerDialFailed, want: StateError},
		{from: StateConnected, trigger: triggerTransportLost, want: StateConnecting},
		{from: StateConnecting, trigger: triggerExhausted, want: StateError},
		{from: StateError, trigger: triggerConnect, want: StateConnecting},
		{from: StateConnected, trigger: triggerClose, want: StateDisconnected},
		{from: StateConnecting, trigger: triggerTransportLost, wantErr: true},
		{from: StateConnecting, trigger: triggerConnect, wantErr: true},
		{from: StateDisconnected, trigger: triggerDialed, wantErr: true},
		{from: StateError, trigger: triggerTransportLost, wantErr: true},
	}
	for _, tc := range tests {
		got, err := next(tc.from, tc.trigger)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s --%s--> expected rejection, got %s", tc.from, tc.trigger, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%s --%s--> expected %s, got %s (err=%v)", tc.from, tc.trigger, tc.want, got, err)
		}
	}
}

type stubConn struct {
	closeOnce sync.Once
	closed    chan struct{}
}

func newStubConn() *stubConn { return &stubConn{closed: make(chan struct{})} }

func (c *stubConn) ReadMessage() ([]byte, error) {
	<-c.closed
	return nil, io.EOF
}
func (c *stubConn) WriteMessage([]byte) error { return nil }
func (c *stubConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type dialFunc func() (Conn, error)

func (f dialFunc) Dial(context.Context, string) (Conn, error) { return f() }

func TestSecondLossSignalDoesNotRestartReconnect(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	dials := 0
	dialer := dialFunc(func() (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return newStubConn(), nil
		}
		return nil, errors.New("refused")
	})
	sup := New(Config{MaxReconnectAttempts: 2, ReconnectInterval: 10 * time.Millisecond}, dialer, zerolog.Nop())
	defer sup.Close()

	if err := sup.Connect(t.Context()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sup.mu.Lock()
	conn := sup.conn
	sup.mu.Unlock()

	sup.transportLost(conn, io.EOF)
	sup.transportLost(conn, io.EOF)

	deadline := time.Now().Add(2 * time.Second)
	for sup.State() != StateError {
		if time.Now().After(deadline) {
			t.Fatalf("expected terminal error state, got %s", sup.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if dials != 3 {
		t.Fatalf("expected one initial dial and two reconnect attempts, got %d dials", dials)
	}
}

type droppedConn struct{}

func (droppedConn) ReadMessage() ([]byte, error) { return nil, io.ErrUnexpectedEOF }
func (droppedConn) WriteMessage([]byte) error    { return nil }
func (droppedConn) Close() error                 { return nil }

type slowStateObserver struct {
	mu     sync.Mutex
	states []State
}

func (o *slowStateObserver) OnStateChange(s State, _ error) {
	if s == StateConnected {
		time.Sleep(5 * time.Millisecond)
	}
	o.mu.Lock()
	o.states = append(o.states, s)
	o.mu.Unlock()
}
func (o *slowStateObserver) OnMessage([]byte) {}
func (o *slowStateObserver) OnReconnected()   {}

func (o *slowStateObserver) seen() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State(nil), o.states...)
}

func TestImmediateDropIsReportedAfterConnected(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	dials := 0
	dialer := dialFunc(func() (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return droppedConn{}, nil
		}
		return nil, errors.New("refused")
	})
	sup := New(Config{MaxReconnectAttempts: 1, ReconnectInterval: time.Second}, dialer, zerolog.Nop())
	defer sup.Close()
	obs := &slowStateObserver{}
	sup.Observe(obs)

	if err := sup.Connect(t.Context()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(obs.seen()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected three notifications, got %v", obs.seen())
		}
		time.Sleep(time.Millisecond)
	}
	want := []State{StateConnecting, StateConnected, StateConnecting}
	got := obs.seen()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if sup.State() != got[len(got)-1] {
		t.Fatalf("observer ended on %s while supervisor is %s", got[len(got)-1], sup.State())
	}
}

func TestSupersededNotificationIsDropped(t *testing.T) {
	t.Parallel()

	sup := New(Config{}, dialFunc(func() (Conn, error) { return newStubConn(), nil }), zerolog.Nop())
	var states []State
	reconnected := 0
	sup.Observe(ObserverFuncs{
		State:       func(s State, _ error) { states = append(states, s) },
		Reconnected: func() { reconnected++ },
	})

	if sup.publish(StateConnected, nil, true) {
		t.Fatal("expected a connected notification to be dropped while disconnected")
	}
	if len(states) != 0 || reconnected != 0 {
		t.Fatalf("expected no notifications, got states=%v reconnected=%d", states, reconnected)
	}

	if err := sup.Connect(t.Context()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := sup.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sup.publish(StateConnected, nil, true) {
		t.Fatal("expected a late connected notification after close to be dropped")
	}
	want := []State{StateConnecting, StateConnected, StateDisconnected}
	if len(states) != len(want) || states[0] != want[0] || states[1] != want[1] || states[2] != want[2] {
		t.Fatalf("expected %v, got %v", want, states)
	}
	if reconnected != 0 {
		t.Fatalf("expected no reconnected event, got %d", reconnected)
	}
}
