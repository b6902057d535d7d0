package connection

import "sync"

// Observer receives supervisor notifications. Messages are delivered from a
// single read goroutine per transport, in arrival order. State changes are
// delivered one at a time in transition order, and a state that was already
// left is not reported. Callbacks must not call Connect or Close.
type Observer interface {
	OnStateChange(state State, err error)
	OnMessage(raw []byte)
	OnReconnected()
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	State       func(State, error)
	Message     func([]byte)
	Reconnected func()
}

func (f ObserverFuncs) OnStateChange(state State, err error) {
	if f.State != nil {
		f.State(state, err)
	}
}

func (f ObserverFuncs) OnMessage(raw []byte) {
	if f.Message != nil {
		f.Message(raw)
	}
}

func (f ObserverFuncs) OnReconnected() {
	if f.Reconnected != nil {
		f.Reconnected()
	}
}

type observerSet struct {
	mu   sync.RWMutex
	seq  uint64
	subs map[uint64]Observer
}

func (o *observerSet) add(obs Observer) func() {
	if obs == nil {
		return func() {}
	}
	o.mu.Lock()
	if o.subs == nil {
		o.subs = map[uint64]Observer{}
	}
	o.seq++
	id := o.seq
	o.subs[id] = obs
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

func (o *observerSet) snapshot() []Observer {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Observer, 0, len(o.subs))
	for _, obs := range o.subs {
		out = append(out, obs)
	}
	return out
}

func (o *observerSet) state(s State, err error) {
	for _, obs := range o.snapshot() {
		obs.OnStateChange(s, err)
	}
}

func (o *observerSet) message(raw []byte) {
	for _, obs := range o.snapshot() {
		obs.OnMessage(raw)
	}
}

func (o *observerSet) reconnected() {
	for _, obs := range o.snapshot() {
		obs.OnReconnected()
	}
}
