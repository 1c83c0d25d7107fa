package bus

import (
	"sync"
	"time"
)

// waiter is a one-shot rendezvous for a response envelope.
// The channel is buffered so a resolver never blocks on a departed waiter.
type waiter struct {
	ch       chan *Envelope
	deadline time.Time
	failed   chan error
}

// waiterTable tracks pending request waiters keyed by request message id.
//
// Concurrent Requests are independent: each gets its own waiter, and a
// response resolves exactly the waiter whose key equals its correlation id.
type waiterTable struct {
	mu sync.Mutex
	m  map[string]*waiter
}

func newWaiterTable() *waiterTable {
	return &waiterTable{m: make(map[string]*waiter)}
}

// add registers a waiter for the given message id.
func (t *waiterTable) add(messageID string, deadline time.Time) *waiter {
	w := &waiter{
		ch:       make(chan *Envelope, 1),
		deadline: deadline,
		failed:   make(chan error, 1),
	}
	t.mu.Lock()
	t.m[messageID] = w
	t.mu.Unlock()
	return w
}

// remove drops the waiter for a message id. Responses arriving after removal
// (late, cancelled, or duplicate) are discarded by resolve.
func (t *waiterTable) remove(messageID string) {
	t.mu.Lock()
	delete(t.m, messageID)
	t.mu.Unlock()
}

// resolve delivers a response to the waiter keyed by its correlation id.
// Returns false when no waiter exists, meaning the response is late and
// must be dropped.
func (t *waiterTable) resolve(correlationID string, env *Envelope) bool {
	t.mu.Lock()
	w, ok := t.m[correlationID]
	if ok {
		delete(t.m, correlationID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	w.ch <- env
	return true
}

// failExpired fails every waiter whose deadline has passed at now.
// Called on broker disconnect so stale waiters do not hang for their
// full timeout while the connection is down.
func (t *waiterTable) failExpired(now time.Time, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, w := range t.m {
		if now.After(w.deadline) {
			delete(t.m, id)
			w.failed <- err
		}
	}
}

// pending returns the number of outstanding waiters.
func (t *waiterTable) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
