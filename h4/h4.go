// Package h4 implements the H4 UART transport framing and the fixed-size
// Tx buffer pool described in spec section 6. It is grounded on
// linux/internal/hci.PacketType in the teacher repo, generalized from a
// bare byte constant into the two packet variants the proxy core needs.
package h4

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/XC-/btproxy/bt"
)

// PacketType is the one-byte H4 framing prefix.
type PacketType uint8

const (
	TypeCommand PacketType = 0x01
	TypeACLData PacketType = 0x02
	TypeSCOData PacketType = 0x03
	TypeEvent   PacketType = 0x04
	TypeVendor  PacketType = 0xFF
)

func (t PacketType) String() string {
	switch t {
	case TypeCommand:
		return "command"
	case TypeACLData:
		return "acl"
	case TypeSCOData:
		return "sco"
	case TypeEvent:
		return "event"
	case TypeVendor:
		return "vendor"
	default:
		return "unknown"
	}
}

// Packet is either of the two variants spec section 2 names:
//   - Hci variant: a non-owning view over a caller-owned buffer (the
//     type byte has already been stripped and is carried out of band).
//   - H4 variant: an owned buffer, beginning with the type byte, whose
//     storage returns to a Pool when Release is called.
type Packet struct {
	Type    PacketType
	bytes   []byte
	release func()
}

// FromHCI wraps a non-owning HCI-payload reference (the Hci variant).
func FromHCI(t PacketType, hci []byte) Packet {
	return Packet{Type: t, bytes: hci}
}

// Bytes returns the packet payload. For the H4 variant this includes the
// leading type byte; for the Hci variant it does not.
func (p Packet) Bytes() []byte { return p.bytes }

// Release returns an H4-variant packet's buffer to its pool. It is a
// no-op on the Hci variant or on a zero Packet.
func (p Packet) Release() {
	if p.release != nil {
		p.release()
	}
}

// Pool is a fixed set of equally-sized Tx buffers with release callbacks,
// the "H4 Buffer Pool" of spec section 2. Reservation is O(N) but N is
// small (default 10), matching spec section 5.
type Pool struct {
	mu   sync.Mutex
	free []bool
	bufs [][]byte
	size int

	log       logrus.FieldLogger
	onRelease func()
}

// NewPool builds a pool of count buffers of the given size. onRelease,
// if non-nil, is invoked (outside the pool's lock) every time a buffer
// returns to the free list, so a drain can be retried.
func NewPool(count, size int, onRelease func(), log logrus.FieldLogger) *Pool {
	if log == nil {
		log = logrus.StandardLogger()
	}
	p := &Pool{
		free:      make([]bool, count),
		bufs:      make([][]byte, count),
		size:      size,
		log:       log,
		onRelease: onRelease,
	}
	for i := range p.bufs {
		p.bufs[i] = make([]byte, size)
		p.free[i] = true
	}
	return p
}

// BufferSize returns the fixed size of every buffer in the pool.
func (p *Pool) BufferSize() int { return p.size }

// Reserve hands out one buffer as an H4-variant Packet of the given type
// and total length (which must not exceed BufferSize). Returns
// ErrUnavailable if the pool is momentarily exhausted.
func (p *Pool) Reserve(t PacketType, length int) (Packet, error) {
	if length > p.size {
		return Packet{}, errors.Wrapf(bt.ErrInvalidArgument, "requested h4 buffer of %d bytes exceeds pool buffer size %d", length, p.size)
	}
	p.mu.Lock()
	idx := -1
	for i, free := range p.free {
		if free {
			idx = i
			p.free[i] = false
			break
		}
	}
	p.mu.Unlock()
	if idx == -1 {
		p.log.Warn("h4 buffer pool exhausted")
		return Packet{}, errors.Wrap(bt.ErrUnavailable, "h4 buffer pool exhausted")
	}
	buf := p.bufs[idx][:length]
	buf[0] = byte(t)
	released := false
	pkt := Packet{
		Type:  t,
		bytes: buf,
		release: func() {
			p.mu.Lock()
			if released {
				p.mu.Unlock()
				return
			}
			released = true
			p.free[idx] = true
			p.mu.Unlock()
			if p.onRelease != nil {
				p.onRelease()
			}
		},
	}
	return pkt, nil
}
