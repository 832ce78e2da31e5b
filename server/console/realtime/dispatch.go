package realtime

import (
	"encoding/json"
	"sync"

	"supportdesk/server/chat/domain"
	commonlog "supportdesk/server/common/log"
)

type Handler func(env domain.Envelope)

type Subscriber interface {
	On(event string, fn Handler) *Subscription
}

// Channel is what the inbox, transcript and presence tracker need from the
// connection: subscribe, send, observe status.
type Channel interface {
	Subscriber
	Emit(event string, payload any) error
	State() State
}

// Subscription is returned by On and WatchState. Unsubscribe is idempotent.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

type handlerEntry struct {
	id uint64
	fn Handler
}

type registry struct {
	mu     sync.Mutex
	nextID uint64
	byName map[string][]handlerEntry
}

func newRegistry() *registry {
	return &registry{byName: map[string][]handlerEntry{}}
}

func (r *registry) add(event string, fn Handler) *Subscription {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.byName[event] = append(r.byName[event], handlerEntry{id: id, fn: fn})
	r.mu.Unlock()
	return NewSubscription(func() { r.remove(event, id) })
}

func (r *registry) remove(event string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.byName[event]
	for i, e := range entries {
		if e.id == id {
			r.byName[event] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(r.byName[event]) == 0 {
		delete(r.byName, event)
	}
}

func (r *registry) snapshot(event string) []Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.byName[event]
	out := make([]Handler, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.fn)
	}
	return out
}

func (r *registry) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName[event])
}

// queue runs callbacks one at a time in submission order on its own goroutine,
// so handlers never interleave and may safely call back into the manager.
type queue struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	closed  bool
}

func newQueue() *queue {
	q := &queue{wake: make(chan struct{}, 1), stop: make(chan struct{}), done: make(chan struct{})}
	go q.run()
	return q
}

func (q *queue) push(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()
		for _, fn := range batch {
			runSafely(fn)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-q.wake:
		case <-q.stop:
			q.mu.Lock()
			rest := q.pending
			q.pending = nil
			q.mu.Unlock()
			for _, fn := range rest {
				runSafely(fn)
			}
			return
		}
	}
}

func (q *queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.stop)
	<-q.done
}

func runSafely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			commonlog.Exceptionf("event=realtime_dispatch action=handle status=panic error=%v", r)
		}
	}()
	fn()
}

// Handle subscribes fn to event with the payload decoded into T. Payloads
// that do not decode are logged and skipped.
func Handle[T any](s Subscriber, event string, fn func(T)) *Subscription {
	return s.On(event, func(env domain.Envelope) {
		var payload T
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &payload); err != nil {
				commonlog.Warnf("event=realtime_dispatch action=decode status=failed name=%s error=%v", event, err)
				return
			}
		}
		fn(payload)
	})
}
