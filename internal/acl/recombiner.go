package acl

import (
	"github.com/pkg/errors"

	"github.com/XC-/btproxy/bt"
)

// Recombiner reassembles a fragmented ACL-borne L2CAP PDU, one per
// (connection, direction) pair per spec section 3.1. It owns a single
// contiguous buffer sized to the declared PDU length up front; this is
// the one recombination mechanism this port implements (see
// SPEC_FULL.md's open-question resolution #2 on
// StartRecombinationBuf/EndRecombinationBuf).
type Recombiner struct {
	active   bool
	localCID uint16
	buf      []byte
	offset   int
}

// IsActive reports whether a recombination is in progress.
func (r *Recombiner) IsActive() bool { return r.active }

// IsComplete reports whether the buffer has been filled exactly.
func (r *Recombiner) IsComplete() bool { return r.active && r.offset == len(r.buf) }

// LocalCID returns the channel CID this recombination targets.
func (r *Recombiner) LocalCID() uint16 { return r.localCID }

// Start begins a new recombination of the given total size. Fails with
// ErrFailedPrecondition if one is already active; callers are expected
// to End() a stale recombination first (spec.md: "discard it (log), and
// process this as a new first fragment").
func (r *Recombiner) Start(localCID uint16, size int) error {
	if r.active {
		return errors.Wrap(bt.ErrFailedPrecondition, "recombination already active")
	}
	r.active = true
	r.localCID = localCID
	r.buf = make([]byte, size)
	r.offset = 0
	return nil
}

// Append copies a fragment's bytes into the buffer. It fails if no
// recombination is active, or if the fragment would overflow the
// declared size, in which case the partial buffer is discarded (End is
// called) and the whole PDU must be dropped by the caller.
func (r *Recombiner) Append(fragment []byte) error {
	if !r.active {
		return errors.Wrap(bt.ErrFailedPrecondition, "no active recombination")
	}
	if r.offset+len(fragment) > len(r.buf) {
		r.End()
		return errors.Wrap(bt.ErrInvalidArgument, "fragment overflows declared pdu length")
	}
	copy(r.buf[r.offset:], fragment)
	r.offset += len(fragment)
	return nil
}

// TakeAndEnd returns the assembled buffer and resets the recombiner for
// reuse. Callers must only call this once IsComplete reports true.
func (r *Recombiner) TakeAndEnd() []byte {
	b := r.buf
	r.End()
	return b
}

// End discards any in-progress recombination (spec.md: "a receiving
// channel that is closed mid-recombination causes the partial buffer to
// be dropped, not delivered").
func (r *Recombiner) End() {
	r.active = false
	r.buf = nil
	r.offset = 0
	r.localCID = 0
}
