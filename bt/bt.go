// Package bt holds the small wire-level types and sentinel errors shared
// by the acl and l2cap packages, so neither has to import the other to
// agree on what a transport, a direction, or a protocol violation is.
package bt

import "github.com/pkg/errors"

// Direction identifies which side of the proxy a packet is travelling
// from: the controller (inbound, "Rx") or the host (outbound passthrough
// and client Writes, "Tx").
type Direction uint8

const (
	FromController Direction = iota
	FromHost
)

func (d Direction) String() string {
	if d == FromHost {
		return "from-host"
	}
	return "from-controller"
}

// Transport distinguishes BR/EDR (classic) from LE connections; each
// carries its own credit pool.
type Transport uint8

const (
	TransportBrEdr Transport = iota
	TransportLE
)

func (t Transport) String() string {
	if t == TransportLE {
		return "le"
	}
	return "br/edr"
}

// Fixed L2CAP signaling channel identifiers.
const (
	CIDSignalingBrEdr uint16 = 0x0001
	CIDSignalingLE    uint16 = 0x0005
)

// SignalingCID returns the fixed signaling CID for a transport.
func SignalingCID(t Transport) uint16 {
	if t == TransportLE {
		return CIDSignalingLE
	}
	return CIDSignalingBrEdr
}

// BoundaryFlag is the 2-bit packet boundary field of an ACL data header.
type BoundaryFlag uint8

const (
	BoundaryFirstNonFlushable  BoundaryFlag = 0b00
	BoundaryContinuingFragment BoundaryFlag = 0b01
	BoundaryFirstFlushable     BoundaryFlag = 0b10
)

// MaxValidConnectionHandle is the largest connection handle HCI allows
// (12 bits, with the top nibble reserved).
const MaxValidConnectionHandle = 0x0EFF

// Error taxonomy (spec section 7). Tested with errors.Is; wrapped with
// errors.Wrap at call sites that want to attach context.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrUnavailable        = errors.New("unavailable")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
)
