package connection

import "fmt"

// State is the supervisor's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

type trigger string

const (
	triggerConnect       trigger = "connect"
	triggerDialed        trigger = "dialed"
	triggerDialFailed    trigger = "dial_failed"
	triggerTransportLost trigger = "transport_lost"
	triggerExhausted     trigger = "reconnect_exhausted"
	triggerClose         trigger = "close"
)

// transitions is the complete state machine. transport_lost is only accepted
// from connected, so a reconnect sequence cannot be started while another is
// in flight.
var transitions = map[State]map[trigger]State{
	StateDisconnected: {
		triggerConnect: StateConnecting,
		triggerClose:   StateDisconnected,
	},
	StateConnecting: {
		triggerDialed:     StateConnected,
		triggerDialFailed: StateError,
		triggerExhausted:  StateError,
		triggerClose:      StateDisconnected,
	},
	StateConnected: {
		triggerTransportLost: StateConnecting,
		triggerClose:         StateDisconnected,
	},
	StateError: {
		triggerConnect: StateConnecting,
		triggerClose:   StateDisconnected,
	},
}

func next(from State, t trigger) (State, error) {
	to, ok := transitions[from][t]
	if !ok {
		return from, fmt.Errorf("transition %s not allowed in state %s", t, from)
	}
	return to, nil
}
