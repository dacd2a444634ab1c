// Package acl implements the ACL Data Channel of spec section 4.1:
// controller flow-control accounting, per-connection packet tracking,
// and the Rx fragment recombiner. It is grounded on
// linux/internal/l2cap.L2CAP in the teacher repo (the bufCnt semaphore
// is this package's Credits; the conns map keyed by handle is conns
// here) and on acl_data_channel.cc in original_source for the event
// handling and recombination semantics the teacher repo does not need.
package acl

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/XC-/btproxy/bt"
	"github.com/XC-/btproxy/hcievent"
	"github.com/XC-/btproxy/metrics"
)

// Manager is the narrow slice of the L2CAP Channel Manager's behavior
// the ACL Data Channel depends on. Defining it here (rather than
// importing the l2cap package) keeps acl free of the otherwise-circular
// acl<->l2cap reference the original C++ expresses with raw member
// pointers; l2cap.ChannelManager satisfies this interface structurally.
type Manager interface {
	// ChannelExists reports whether a channel is registered for the
	// direction-appropriate CID on handle.
	ChannelExists(handle uint16, dir bt.Direction, cid uint16) bool
	// DispatchPDU delivers a complete L2CAP PDU to the channel
	// registered for (handle, dir, cid). It returns whether the
	// channel accepted (handled) the PDU.
	DispatchPDU(handle uint16, dir bt.Direction, cid uint16, pdu []byte) (handled bool)
	// HandleAclDisconnectionComplete closes every channel registered
	// on handle.
	HandleAclDisconnectionComplete(handle uint16)
	// ForceDrainChannelQueues triggers an out-of-band Tx drain, used
	// after credits are reclaimed.
	ForceDrainChannelQueues()
}

// Options configures DataChannel sizing, corresponding to spec
// section 6's "Configuration surface".
type Options struct {
	// LECreditsToReserve / BrEdrCreditsToReserve are the proxy's
	// desired credit counts per transport.
	LECreditsToReserve    uint16
	BrEdrCreditsToReserve uint16
	// MaxConnections bounds the connection table (spec: "fixed-capacity
	// array... lookup is linear (small N)").
	MaxConnections int
}

// DefaultOptions mirrors the teacher's maxConn constructor parameter and
// the spec's stated defaults.
func DefaultOptions() Options {
	return Options{
		LECreditsToReserve:    1,
		BrEdrCreditsToReserve: 1,
		MaxConnections:        10,
	}
}

// DataChannel owns the per-transport credit pools and the connection
// table, and gates the Rx ACL recombination path.
type DataChannel struct {
	log        logrus.FieldLogger
	controller io.Writer
	opts       Options

	brEdrCredits *Credits
	leCredits    *Credits

	leACLDataPacketLenMu sync.Mutex
	leACLDataPacketLen   uint16

	connMu sync.Mutex
	conns  map[uint16]*Connection

	manager Manager
	metrics *metrics.Registry
}

// NewDataChannel constructs a DataChannel that writes outbound ACL
// frames to controller. SetManager must be called once the owning
// proxy's channel manager exists, mirroring the teacher's deferred
// l.hci = h wiring in linux/hci.NewHCI. m may be nil if metrics are not
// wired.
func NewDataChannel(controller io.Writer, opts Options, m *metrics.Registry, log logrus.FieldLogger) *DataChannel {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DataChannel{
		log:          log,
		controller:   controller,
		opts:         opts,
		brEdrCredits: newCredits(bt.TransportBrEdr, log),
		leCredits:    newCredits(bt.TransportLE, log),
		conns:        make(map[uint16]*Connection),
		metrics:      m,
	}
}

// SetManager wires the channel manager back-reference.
func (d *DataChannel) SetManager(m Manager) { d.manager = m }

// MaxConnections reports the configured connection table capacity, used
// by the signaling layer to size capacity that scales with it (e.g. the
// pending-configuration table).
func (d *DataChannel) MaxConnections() int { return d.opts.MaxConnections }

func (d *DataChannel) creditsFor(t bt.Transport) *Credits {
	if t == bt.TransportLE {
		return d.leCredits
	}
	return d.brEdrCredits
}

// ReserveSendCredit attempts to claim one credit for transport. The
// caller must MarkUsed the returned Credit on a successful send, or
// Release it otherwise.
func (d *DataChannel) ReserveSendCredit(transport bt.Transport) (*Credit, error) {
	c := d.creditsFor(transport)
	if err := c.MarkPending(1); err != nil {
		return nil, err
	}
	if d.metrics != nil {
		d.metrics.CreditsReserved.WithLabelValues(transport.String()).Inc()
	}
	return &Credit{transport: transport, credits: c}, nil
}

// GetNumFreeAclPackets reports the number of unused credits on transport.
func (d *DataChannel) GetNumFreeAclPackets(t bt.Transport) uint16 { return d.creditsFor(t).Available() }

// HasSendAclCapability reports whether any credit is currently free.
func (d *DataChannel) HasSendAclCapability(t bt.Transport) bool { return d.creditsFor(t).Available() > 0 }

// LEACLDataPacketLength returns the LE buffer size recorded from the
// LEReadBufferSize command complete, and whether it has arrived yet.
func (d *DataChannel) LEACLDataPacketLength() (uint16, bool) {
	d.leACLDataPacketLenMu.Lock()
	defer d.leACLDataPacketLenMu.Unlock()
	return d.leACLDataPacketLen, d.leACLDataPacketLen != 0
}

// SendAcl forwards an already-framed H4 ACL packet to the controller,
// per spec section 4.1.
func (d *DataChannel) SendAcl(frame []byte, credit *Credit) error {
	if len(frame) < 1+HeaderLen {
		return errors.Wrap(bt.ErrInvalidArgument, "short acl h4 packet")
	}
	hdr, err := ParseHeader(frame[1:])
	if err != nil {
		return errors.Wrap(bt.ErrInvalidArgument, "bad acl header")
	}
	d.connMu.Lock()
	conn, ok := d.conns[hdr.Handle]
	d.connMu.Unlock()
	if !ok {
		return errors.Wrap(bt.ErrNotFound, "unknown connection handle")
	}
	if credit.Transport() != conn.Transport {
		d.log.WithField("handle", hdr.Handle).Warn("credit transport does not match connection transport")
		return errors.Wrap(bt.ErrInvalidArgument, "credit transport mismatch")
	}
	credit.MarkUsed()
	conn.Lock()
	conn.NumPendingPackets++
	conn.Unlock()
	_, err = d.controller.Write(frame)
	return err
}

// Reset clears both credit pools and the connection table (spec section
// 4.1's Reset operation).
func (d *DataChannel) Reset() {
	d.brEdrCredits.Reset()
	d.leCredits.Reset()
	d.connMu.Lock()
	d.conns = make(map[uint16]*Connection)
	d.connMu.Unlock()
}

// HandleReadBufferSizeComplete processes a classic ReadBufferSize
// command-complete's return parameters in place, per spec section
// 4.1 item 1. The event is always forwarded by the caller.
func (d *DataChannel) HandleReadBufferSizeComplete(ret []byte) error {
	total, err := hcievent.TotalNumACLDataPackets(ret)
	if err != nil {
		return err
	}
	hostMax, err := d.brEdrCredits.Reserve(total, d.opts.BrEdrCreditsToReserve)
	if err != nil {
		return err
	}
	return hcievent.SetTotalNumACLDataPackets(ret, hostMax)
}

// HandleLEReadBufferSizeV1Complete processes a LEReadBufferSizeV1
// command-complete's return parameters in place, per spec section
// 4.1 item 2.
func (d *DataChannel) HandleLEReadBufferSizeV1Complete(ret []byte) error {
	dataLen, total, err := hcievent.LEReadBufferSizeV1Fields(ret)
	if err != nil {
		return err
	}
	hostMax, err := d.leCredits.Reserve(total, d.opts.LECreditsToReserve)
	if err != nil {
		return err
	}
	d.recordLEDataPacketLength(dataLen)
	return hcievent.SetLEReadBufferSizeV1TotalPackets(ret, hostMax)
}

// HandleLEReadBufferSizeV2Complete is the V2 analogue of
// HandleLEReadBufferSizeV1Complete; the ISO fields pass through
// untouched.
func (d *DataChannel) HandleLEReadBufferSizeV2Complete(ret []byte) error {
	dataLen, total, err := hcievent.LEReadBufferSizeV2Fields(ret)
	if err != nil {
		return err
	}
	hostMax, err := d.leCredits.Reserve(total, d.opts.LECreditsToReserve)
	if err != nil {
		return err
	}
	d.recordLEDataPacketLength(dataLen)
	return hcievent.SetLEReadBufferSizeV2TotalPackets(ret, hostMax)
}

func (d *DataChannel) recordLEDataPacketLength(v uint16) {
	d.leACLDataPacketLenMu.Lock()
	d.leACLDataPacketLen = v
	d.leACLDataPacketLenMu.Unlock()
	if v == 0 {
		d.log.Error("le_acl_data_packet_length is 0 (shared buffers); le channels will remain non-functional")
	}
}

// HandleNumberOfCompletedPackets rewrites each entry's count in place to
// the remainder the proxy did not reclaim, and reports whether the
// (possibly rewritten) event should still be forwarded to the host, per
// spec section 4.1 item 3.
func (d *DataChannel) HandleNumberOfCompletedPackets(params []byte) (forward bool, err error) {
	entries, err := hcievent.ParseNumberOfCompletedPackets(params)
	if err != nil {
		return true, err
	}
	reclaimedAny := false
	for i := range entries {
		e := &entries[i]
		d.connMu.Lock()
		conn, ok := d.conns[e.Handle]
		d.connMu.Unlock()
		if !ok {
			forward = true
			continue
		}
		conn.Lock()
		reclaim := e.NumCompletedPackets
		if reclaim > conn.NumPendingPackets {
			reclaim = conn.NumPendingPackets
		}
		conn.NumPendingPackets -= reclaim
		conn.Unlock()
		d.creditsFor(conn.Transport).MarkCompleted(reclaim)
		if reclaim > 0 {
			reclaimedAny = true
			if d.metrics != nil {
				d.metrics.CreditsReclaimed.WithLabelValues(conn.Transport.String()).Add(float64(reclaim))
			}
		}
		remainder := e.NumCompletedPackets - reclaim
		e.NumCompletedPackets = remainder
		if remainder > 0 {
			forward = true
		}
	}
	if err := hcievent.WriteNumberOfCompletedPackets(params, entries); err != nil {
		return forward, err
	}
	if reclaimedAny && d.manager != nil {
		d.manager.ForceDrainChannelQueues()
	}
	return forward, nil
}

// HandleConnectionComplete creates a new connection record on success,
// per spec section 4.1 item 4. The triggering event is always forwarded
// by the caller regardless of outcome.
func (d *DataChannel) HandleConnectionComplete(status uint8, handle uint16, transport bt.Transport) {
	if !hcievent.Success(status) {
		return
	}
	d.connMu.Lock()
	defer d.connMu.Unlock()
	if _, exists := d.conns[handle]; exists {
		d.log.WithField("handle", handle).Error("connection already exists for this handle")
		return
	}
	if len(d.conns) >= d.opts.MaxConnections {
		d.log.Error("acl connection table full")
		return
	}
	d.conns[handle] = newConnection(handle, transport)
}

// HandleDisconnectionComplete tears down the connection record on
// success, refunding any packets still in flight, per spec section
// 4.1 item 5.
func (d *DataChannel) HandleDisconnectionComplete(status uint8, handle uint16) {
	d.connMu.Lock()
	conn, ok := d.conns[handle]
	if !ok {
		d.connMu.Unlock()
		return
	}
	if !hcievent.Success(status) {
		d.connMu.Unlock()
		if conn.NumPendingPackets > 0 {
			d.log.WithField("handle", handle).Warn("disconnection failed with packets still pending; not refunding")
		}
		return
	}
	delete(d.conns, handle)
	d.connMu.Unlock()

	if conn.NumPendingPackets > 0 {
		d.log.WithField("handle", handle).Warn("disconnection complete with packets still pending; refunding credits")
		d.creditsFor(conn.Transport).MarkCompleted(conn.NumPendingPackets)
	}
	if d.manager != nil {
		d.manager.HandleAclDisconnectionComplete(handle)
	}
}

// HandleAclData implements the Rx ACL fragment recombiner of spec
// section 4.1. frame is the complete ACL data frame (4-byte header plus
// payload), without any H4 type prefix. It returns whether the frame
// was handled by the proxy (true) or should pass through untouched
// (false).
func (d *DataChannel) HandleAclData(dir bt.Direction, frame []byte) (handled bool, err error) {
	hdr, err := ParseHeader(frame)
	if err != nil {
		return false, err
	}
	payload := frame[HeaderLen:]

	d.connMu.Lock()
	conn, ok := d.conns[hdr.Handle]
	d.connMu.Unlock()
	if !ok {
		return false, nil
	}

	conn.Lock()
	pdu, isFragment, handledNoPDU := d.recombine(conn, dir, hdr, payload)
	conn.Unlock()
	if pdu == nil {
		return handledNoPDU, nil
	}
	if isFragment && d.metrics != nil {
		d.metrics.RxPDUsRecombined.Inc()
	}

	// Channel existence was already confirmed, before any fullLen
	// comparison, when the first fragment of this pdu arrived.
	cid := binary.LittleEndian.Uint16(pdu[2:4])
	accepted := d.manager.DispatchPDU(hdr.Handle, dir, cid, pdu)
	if !accepted && isFragment {
		d.log.WithField("handle", hdr.Handle).Error("dropping entire recombined pdu rejected by channel")
	}
	return true, nil
}

// recombine runs the boundary-flag state machine of spec section 4.1
// under the caller-held connection lock. It returns the complete PDU
// (nil if none is ready yet), whether it required recombination, and
// whether the caller should report the packet as "still waiting"
// (handled, no dispatch) rather than "unhandled" (pass through).
func (d *DataChannel) recombine(conn *Connection, dir bt.Direction, hdr Header, payload []byte) (pdu []byte, isFragment bool, waiting bool) {
	rec := conn.Recombiner(dir)
	switch hdr.Boundary {
	case bt.BoundaryContinuingFragment:
		if !rec.IsActive() {
			return nil, false, false
		}
		if err := rec.Append(payload); err != nil {
			d.log.WithField("handle", hdr.Handle).Error("continuing fragment overflowed declared pdu length; dropping pdu")
			if d.metrics != nil {
				d.metrics.RxPDUsDropped.Inc()
			}
			return nil, true, true
		}
		if !rec.IsComplete() {
			return nil, true, true
		}
		return rec.TakeAndEnd(), true, true

	case bt.BoundaryFirstNonFlushable, bt.BoundaryFirstFlushable:
		if rec.IsActive() {
			d.log.WithField("handle", hdr.Handle).Warn("discarding in-progress recombination for new first fragment")
			rec.End()
		}
		if len(payload) < 4 {
			return nil, false, false
		}
		// The channel lookup happens before any full_len comparison:
		// a PDU addressed to a CID this proxy hasn't claimed passes
		// through untouched regardless of whether it is malformed,
		// exact-length, or needs recombination.
		cid := binary.LittleEndian.Uint16(payload[2:4])
		if d.manager == nil || !d.manager.ChannelExists(hdr.Handle, dir, cid) {
			return nil, false, false
		}
		pduLength := binary.LittleEndian.Uint16(payload[0:2])
		fullLen := 4 + int(pduLength)
		switch {
		case fullLen < len(payload):
			d.log.WithField("handle", hdr.Handle).Error("l2cap pdu shorter than acl payload; malformed")
			return nil, false, true
		case fullLen == len(payload):
			return payload, false, true
		default:
			if err := rec.Start(cid, fullLen); err != nil {
				d.log.WithField("handle", hdr.Handle).Error("failed to start recombination")
				return nil, false, false
			}
			if err := rec.Append(payload); err != nil {
				return nil, true, true
			}
			return nil, true, true
		}

	default:
		d.log.WithField("handle", hdr.Handle).Error("unexpected acl boundary flag")
		return nil, false, false
	}
}
