package acl

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/XC-/btproxy/bt"
)

// Credits tracks the {proxy_max, proxy_pending} pair for one transport,
// per spec section 3.1. Reserve is one-shot: the proxy learns the
// controller's buffer size exactly once per transport, at startup.
type Credits struct {
	mu           sync.Mutex
	transport    bt.Transport
	proxyMax     uint16
	proxyPending uint16
	reserved     bool
	log          logrus.FieldLogger
}

func newCredits(t bt.Transport, log logrus.FieldLogger) *Credits {
	return &Credits{transport: t, log: log}
}

// Reserve records the controller's advertised buffer count and claims up
// to want credits for the proxy, returning how many remain visible to
// the host. Safe to call only once; a second call returns
// ErrFailedPrecondition.
func (c *Credits) Reserve(controllerMax, want uint16) (hostMax uint16, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reserved {
		return 0, errors.Wrap(bt.ErrFailedPrecondition, "credits already reserved")
	}
	c.reserved = true
	c.proxyMax = controllerMax
	if want < c.proxyMax {
		c.proxyMax = want
	}
	if c.proxyMax < want {
		c.log.WithFields(logrus.Fields{"transport": c.transport, "wanted": want, "got": c.proxyMax}).
			Error("controller offered fewer acl buffers than requested")
	}
	c.log.WithFields(logrus.Fields{"transport": c.transport, "proxy_max": c.proxyMax}).Info("reserved acl credits")
	return controllerMax - c.proxyMax, nil
}

// Available returns proxy_max - proxy_pending.
func (c *Credits) Available() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proxyMax - c.proxyPending
}

// MarkPending reserves n credits against proxy_max, failing with
// ErrResourceExhausted if fewer than n are available.
func (c *Credits) MarkPending(n uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.proxyMax-c.proxyPending {
		return errors.Wrap(bt.ErrResourceExhausted, "no acl send credit available")
	}
	c.proxyPending += n
	return nil
}

// MarkCompleted returns n credits to the pool. If n exceeds
// proxy_pending the source behavior is preserved: log and clamp to
// zero rather than underflow (spec section 9, "ambiguous/possibly-buggy
// source behavior").
func (c *Credits) MarkCompleted(n uint16) {
	if n == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.proxyPending {
		c.log.WithFields(logrus.Fields{"transport": c.transport, "reclaimed": n, "pending": c.proxyPending}).
			Error("reclaiming more credits than are pending; clamping to zero")
		c.proxyPending = 0
		return
	}
	c.proxyPending -= n
}

// Reset clears both counters and the reserved latch, so Reserve may be
// called again (used by DataChannel.Reset).
func (c *Credits) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proxyMax = 0
	c.proxyPending = 0
	c.reserved = false
}

// Credit is the move-only affordance of spec section 3.1: the caller
// must call MarkUsed on success or Release to refund it. Go has no
// destructors, so unlike the C++ original this contract is enforced by
// convention (typically via defer credit.Release()) rather than by the
// type system.
type Credit struct {
	transport bt.Transport
	credits   *Credits
	used      bool
}

// Transport reports which transport this credit was reserved against.
func (c *Credit) Transport() bt.Transport { return c.transport }

// MarkUsed consumes the credit: the caller is about to send, and the
// credit's deferred-return hook is nulled.
func (c *Credit) MarkUsed() { c.used = true }

// Release refunds the credit if it was not already used. Calling
// Release after MarkUsed, or twice, is a safe no-op.
func (c *Credit) Release() {
	if c.used || c.credits == nil {
		return
	}
	c.credits.MarkCompleted(1)
	c.credits = nil
}
