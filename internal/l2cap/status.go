package l2cap

import (
	"sync"

	uuid "github.com/satori/go.uuid"
)

// StatusDelegate is notified of connection/disconnection outcomes for
// channels whose PSM it cares about (spec section 4.2's status delegate
// mechanism). PSM is consulted only for connection events; disconnection
// is reported to every registered delegate, since a torn-down connection
// doesn't carry its PSM forward.
type StatusDelegate interface {
	PSM() uint16
	OnChannelConnectionComplete(info ChannelConnectionInfo)
	OnChannelDisconnectionComplete(params DisconnectParams)
}

// statusTracker buffers the most recent connection/disconnection outcome
// and fans it out to registered delegates on demand, grounded on
// original_source's l2cap_status_tracker.cc.
type statusTracker struct {
	mu        sync.Mutex
	delegates map[uuid.UUID]StatusDelegate

	pendingConnection    *ChannelConnectionInfo
	pendingDisconnection *DisconnectParams
}

func newStatusTracker() *statusTracker {
	return &statusTracker{delegates: map[uuid.UUID]StatusDelegate{}}
}

func (t *statusTracker) register(d StatusDelegate) uuid.UUID {
	id := uuid.NewV4()
	t.mu.Lock()
	t.delegates[id] = d
	t.mu.Unlock()
	return id
}

func (t *statusTracker) unregister(id uuid.UUID) {
	t.mu.Lock()
	delete(t.delegates, id)
	t.mu.Unlock()
}

func (t *statusTracker) handleConnectionComplete(info ChannelConnectionInfo) {
	t.mu.Lock()
	t.pendingConnection = &info
	t.mu.Unlock()
}

func (t *statusTracker) handleDisconnectionComplete(params DisconnectParams) {
	t.mu.Lock()
	t.pendingDisconnection = &params
	t.mu.Unlock()
}

func (t *statusTracker) deliverPendingEvents() {
	t.mu.Lock()
	conn := t.pendingConnection
	disc := t.pendingDisconnection
	t.pendingConnection = nil
	t.pendingDisconnection = nil
	delegates := make([]StatusDelegate, 0, len(t.delegates))
	for _, d := range t.delegates {
		delegates = append(delegates, d)
	}
	t.mu.Unlock()

	for _, d := range delegates {
		if conn != nil && d.PSM() == conn.PSM {
			d.OnChannelConnectionComplete(*conn)
		}
		if disc != nil {
			d.OnChannelDisconnectionComplete(*disc)
		}
	}
}
