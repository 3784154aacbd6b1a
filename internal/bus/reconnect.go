package bus

import (
	"sync"
	"time"

	"github.com/mdsproject/mds/internal/clientid"
)

// reconnectTracker implements spec.md §4.G's Reconnection behavior for
// the bus's accept-loop architecture. The original protocol library
// (original_source/src/mds-message.h's reconnect_to_display) reconnects
// outbound, as a client of the display; a Bus is the display, so there
// is nothing for it to dial back into. The architecturally honest
// reinterpretation kept here is a per-client grace period: losing a
// connection to ECONNRESET or malformed framing does not immediately
// purge that client's registrations, it starts a timer. A new
// connection presenting the same client ID before the timer fires is
// the resume; the registry never saw a gap. A timer that fires first
// means the client is gone for good, and the registry is purged then,
// not at the moment of the reset.
type reconnectTracker struct {
	mu      sync.Mutex
	pending map[clientid.ID]*time.Timer
}

func newReconnectTracker() *reconnectTracker {
	return &reconnectTracker{pending: make(map[clientid.ID]*time.Timer)}
}

// disconnect starts client's grace period. If client already has one
// running (a second reset before the first expired), the existing timer
// is left alone rather than restarted, so a flapping connection cannot
// extend its own grace period indefinitely.
func (t *reconnectTracker) disconnect(client clientid.ID, grace time.Duration, onExpire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[client]; ok {
		return
	}
	t.pending[client] = time.AfterFunc(grace, func() {
		t.mu.Lock()
		delete(t.pending, client)
		t.mu.Unlock()
		onExpire()
	})
}

// reconnect cancels client's grace period, if one is running, reporting
// whether a pending disconnect was actually cancelled (i.e. whether this
// is a genuine resume rather than a fresh connection).
func (t *reconnectTracker) reconnect(client clientid.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	timer, ok := t.pending[client]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.pending, client)
	return true
}

// forget cancels client's grace period without running onExpire, for
// the case where the client announces its own close explicitly (a
// "Client closed" header) rather than dropping the connection.
func (t *reconnectTracker) forget(client clientid.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.pending[client]; ok {
		timer.Stop()
		delete(t.pending, client)
	}
}

// isPending reports whether client currently has a grace period
// running.
func (t *reconnectTracker) isPending(client clientid.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[client]
	return ok
}
