package acl

import "sync"

import "github.com/XC-/btproxy/bt"

// Connection is the per-handle record of spec section 3.1. It does not
// hold a reference to its signaling channel: that ownership lives one
// layer up, in the channel manager's registry, keyed by (handle,
// transport's fixed CID) like any other channel (see SPEC_FULL.md's
// open-question resolution #1).
type Connection struct {
	mu sync.Mutex

	Handle            uint16
	Transport         bt.Transport
	NumPendingPackets uint16

	recombiners [2]Recombiner // indexed by bt.Direction
}

func newConnection(handle uint16, transport bt.Transport) *Connection {
	return &Connection{Handle: handle, Transport: transport}
}

// Recombiner returns this connection's recombiner for the given
// direction. Callers must hold the connection's lock.
func (c *Connection) Recombiner(dir bt.Direction) *Recombiner {
	return &c.recombiners[dir]
}

func (c *Connection) Lock()   { c.mu.Lock() }
func (c *Connection) Unlock() { c.mu.Unlock() }
