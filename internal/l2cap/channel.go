// Package l2cap implements the L2CAP layer of spec section 4: the base
// channel state machine, its connection-oriented-channel variant, the
// signaling channel, and the channel manager that owns the fair-drain Tx
// loop and the (handle, CID) registry. It is grounded on
// linux/internal/l2cap.L2CAP in the teacher repo for the registry and
// dispatch shape, and on l2cap_channel.cc / l2cap_coc.cc /
// l2cap_signaling_channel.cc / l2cap_channel_manager.cc in
// original_source for the state machines themselves.
package l2cap

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/XC-/btproxy/bt"
	"github.com/XC-/btproxy/h4"
)

// State is a channel's lifecycle state (spec section 4.3). Go needs no
// "moved-from" state since channels are never relocated, only closed.
type State uint8

const (
	StateRunning State = iota
	StateStopped
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is reported to a channel's optional event callback (spec section
// 4.3's client notification list).
type Event uint8

const (
	EventWriteAvailable Event = iota
	EventRxWhileStopped
	EventRxInvalid
	EventRxOutOfMemory
	EventChannelClosedByOther
	EventReset
)

// channelImpl is the subtype-specific behavior a concrete channel
// (SignalingChannel, Coc) supplies. Channel holds one and dispatches to
// it, the idiomatic Go stand-in for the teacher's single-inheritance
// virtual dispatch: there is no runtime type switch anywhere in Channel
// itself.
type channelImpl interface {
	doHandlePduFromController(pdu []byte) bool
	doHandlePduFromHost(pdu []byte) bool
	doClose()
}

// RegisteredChannel is what the channel manager's registry and Tx drain
// loop operate on. *Channel satisfies it directly with the base
// (pass-through) behavior; *Coc overrides DequeuePacket by shadowing the
// promoted method, which Go resolves correctly through the interface.
type RegisteredChannel interface {
	ConnectionHandle() uint16
	Transport() bt.Transport
	LocalCID() uint16
	RemoteCID() uint16
	DequeuePacket() (h4.Packet, bool)
	HandlePduFromController(pdu []byte) bool
	HandlePduFromHost(pdu []byte) bool
	InternalClose(ev Event)
}

// creditReceiver is implemented by channel types that accept inbound
// FLOW_CONTROL_CREDIT_IND top-ups (only *Coc, currently).
type creditReceiver interface {
	AddTxCredits(n uint16)
}

// Channel is the base L2CAP channel of spec section 4.3: lifecycle
// state, a bounded Tx payload queue, and the write-available
// notification latch. SignalingChannel uses it unmodified for its own
// (rare, small) Tx traffic; Coc embeds it but overrides the Tx dequeue
// path for credit gating.
type Channel struct {
	mu    sync.Mutex
	state State

	connectionHandle uint16
	transport        bt.Transport
	localCID         uint16
	remoteCID        uint16

	queue           [][]byte
	queueCap        int
	notifyOnDequeue bool

	onEvent func(Event)
	manager *ChannelManager
	impl    channelImpl

	log logrus.FieldLogger
}

// ValidChannelParameters reports whether a (handle, localCID, remoteCID)
// triple is usable: the handle fits HCI's 12-bit range and neither CID is
// the null value 0x0000 (spec section 4.3's AreValidParameters,
// generalized to reject a zero CID for either side per
// SPEC_FULL.md's supplemented-features list).
func ValidChannelParameters(handle, localCID, remoteCID uint16) bool {
	if handle > bt.MaxValidConnectionHandle {
		return false
	}
	return localCID != 0 && remoteCID != 0
}

func newChannel(m *ChannelManager, handle uint16, transport bt.Transport, localCID, remoteCID uint16, queueCap int, onEvent func(Event), impl channelImpl, log logrus.FieldLogger) (*Channel, error) {
	if !ValidChannelParameters(handle, localCID, remoteCID) {
		return nil, errors.Wrap(bt.ErrInvalidArgument, "invalid channel parameters")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Channel{
		state:            StateRunning,
		connectionHandle: handle,
		transport:        transport,
		localCID:         localCID,
		remoteCID:        remoteCID,
		queueCap:         queueCap,
		onEvent:          onEvent,
		manager:          m,
		impl:             impl,
		log:              log,
	}
	m.registerChannel(c)
	return c, nil
}

func (c *Channel) ConnectionHandle() uint16 { return c.connectionHandle }
func (c *Channel) Transport() bt.Transport  { return c.transport }
func (c *Channel) LocalCID() uint16         { return c.localCID }
func (c *Channel) RemoteCID() uint16        { return c.remoteCID }

// State reports the channel's current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stop transitions a running channel to stopped: its Tx queue is
// dropped, further Writes fail, and inbound PDUs are rejected with
// EventRxWhileStopped rather than reaching the subtype's Rx handler. A
// no-op if the channel is already closed.
func (c *Channel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = StateStopped
	c.queue = nil
}

// Close deregisters the channel from its manager and runs InternalClose.
func (c *Channel) Close(ev Event) {
	c.manager.deregisterChannel(c)
	c.InternalClose(ev)
}

// InternalClose transitions to closed, drops the Tx queue, calls the
// subtype's cleanup hook, and reports ev. It does not deregister the
// channel; callers that still hold the registry's reference (the
// manager itself, tearing down a connection) call this directly.
func (c *Channel) InternalClose(ev Event) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.queue = nil
	c.mu.Unlock()
	c.impl.doClose()
	c.sendEvent(ev)
}

func (c *Channel) sendEvent(ev Event) {
	if ev == EventWriteAvailable {
		c.log.WithField("local_cid", c.localCID).Debug("write available")
	} else {
		c.log.WithFields(logrus.Fields{"local_cid": c.localCID, "event": ev}).Info("channel event")
	}
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

// HandlePduFromController delivers an inbound L2CAP PDU (4-byte basic
// header plus payload) to the subtype's Rx handler, after checking the
// channel is running.
func (c *Channel) HandlePduFromController(pdu []byte) bool {
	if c.State() != StateRunning {
		c.sendEvent(EventRxWhileStopped)
		return true
	}
	return c.impl.doHandlePduFromController(pdu)
}

// HandlePduFromHost is the host-to-controller analogue of
// HandlePduFromController.
func (c *Channel) HandlePduFromHost(pdu []byte) bool {
	if c.State() != StateRunning {
		c.sendEvent(EventRxWhileStopped)
		return true
	}
	return c.impl.doHandlePduFromHost(pdu)
}

// Write queues payload for transmission and always triggers a drain
// attempt, even on failure, so a later dequeue of space still gets a
// chance to run.
func (c *Channel) Write(payload []byte) error {
	err := c.writeLocked(payload)
	c.manager.ReportNewTxPacketsOrCredits()
	c.manager.DrainChannelQueuesIfNewTx()
	return err
}

func (c *Channel) writeLocked(payload []byte) error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return errors.Wrap(bt.ErrFailedPrecondition, "channel not running")
	}
	if len(c.queue) >= c.queueCap {
		c.notifyOnDequeue = true
		c.mu.Unlock()
		return errors.Wrap(bt.ErrUnavailable, "tx queue full")
	}
	c.notifyOnDequeue = false
	cp := append([]byte(nil), payload...)
	c.queue = append(c.queue, cp)
	c.mu.Unlock()
	return nil
}

// IsWriteAvailable reports whether Write would currently succeed,
// without actually queuing anything; like writeLocked, a full queue
// arms the write-available notification.
func (c *Channel) IsWriteAvailable() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return false, errors.Wrap(bt.ErrFailedPrecondition, "channel not running")
	}
	if len(c.queue) >= c.queueCap {
		c.notifyOnDequeue = true
		return false, nil
	}
	c.notifyOnDequeue = false
	return true, nil
}

// DequeuePacket pops the next queued payload, framed into a full H4 ACL
// packet by the manager's buffer pool. Coc shadows this method with its
// own credit-gated version; callers reach the right one through the
// RegisteredChannel interface, never through a concrete *Channel when a
// Coc is meant.
func (c *Channel) DequeuePacket() (h4.Packet, bool) {
	c.mu.Lock()
	pkt, ok := c.defaultGenerateNextTxPacket()
	shouldNotify := false
	if ok && c.notifyOnDequeue {
		shouldNotify = true
		c.notifyOnDequeue = false
	}
	c.mu.Unlock()
	if shouldNotify {
		c.sendEvent(EventWriteAvailable)
	}
	return pkt, ok
}

// defaultGenerateNextTxPacket must be called with c.mu held.
func (c *Channel) defaultGenerateNextTxPacket() (h4.Packet, bool) {
	if len(c.queue) == 0 {
		return h4.Packet{}, false
	}
	payload := c.queue[0]
	pkt, err := c.manager.buildTxPacket(c.connectionHandle, c.remoteCID, payload)
	if err != nil {
		c.log.WithError(err).Warn("failed to build tx packet")
		return h4.Packet{}, false
	}
	c.queue = c.queue[1:]
	return pkt, true
}
