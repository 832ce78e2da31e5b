// Package realtimetest provides an in-memory realtime.Channel for tests of
// components that sit on top of the connection manager.
package realtimetest

import (
	"encoding/json"
	"sync"

	"supportdesk/server/chat/domain"
	"supportdesk/server/console/realtime"
)

type Emitted struct {
	Event string
	Data  json.RawMessage
}

func (e Emitted) Decode(out any) error {
	return json.Unmarshal(e.Data, out)
}

// Channel dispatches injected events synchronously on the caller goroutine.
type Channel struct {
	mu       sync.Mutex
	seq      uint64
	handlers map[string]map[uint64]realtime.Handler
	emitted  []Emitted
	state    realtime.State
	emitErr  error
}

func NewChannel() *Channel {
	return &Channel{
		handlers: map[string]map[uint64]realtime.Handler{},
		state:    realtime.State{Status: realtime.StatusConnected},
	}
}

func (c *Channel) On(event string, fn realtime.Handler) *realtime.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := c.seq
	if c.handlers[event] == nil {
		c.handlers[event] = map[uint64]realtime.Handler{}
	}
	c.handlers[event][id] = fn
	return realtime.NewSubscription(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	})
}

func (c *Channel) Emit(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emitErr != nil {
		return c.emitErr
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.emitted = append(c.emitted, Emitted{Event: event, Data: raw})
	return nil
}

func (c *Channel) State() realtime.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) SetState(s realtime.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// FailEmits makes every following Emit return err; nil restores success.
func (c *Channel) FailEmits(err error) {
	c.mu.Lock()
	c.emitErr = err
	c.mu.Unlock()
}

// Inject delivers payload to every handler subscribed to event.
func (c *Channel) Inject(event string, payload any) {
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	fns := make([]realtime.Handler, 0, len(c.handlers[event]))
	for _, fn := range c.handlers[event] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

func (c *Channel) Emitted() []Emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Emitted(nil), c.emitted...)
}

// EmittedNamed filters Emitted by event name.
func (c *Channel) EmittedNamed(event string) []Emitted {
	var out []Emitted
	for _, e := range c.Emitted() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (c *Channel) Subscribers(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[event])
}
