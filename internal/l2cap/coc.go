package l2cap

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/XC-/btproxy/bt"
	"github.com/XC-/btproxy/h4"
)

const (
	minMPS    = 23
	maxMPS    = 65533
	maxCredit = 65535
)

// RxCallback delivers one reassembled SDU to a Coc's owner.
type RxCallback func(payload []byte)

// CocConfig is the negotiated connection-oriented-channel parameters of
// spec section 4.3: MTU/MPS in each direction plus the peer's initial Tx
// credit grant.
type CocConfig struct {
	RxMTU, RxMPS uint16
	TxMTU, TxMPS uint16
	TxCredits    uint16
}

// Coc is a credit-based L2CAP connection-oriented channel (spec section
// 4.3). It embeds Channel for lifecycle/registry plumbing but manages
// its own Tx queue of pre-built K-frame payloads (SPEC_FULL.md's
// open-question resolution #3) so dequeue can gate on tx_credits without
// touching the base payload queue's bookkeeping, and overrides Rx
// entirely since K-frame segmentation has no equivalent in a plain
// channel.
type Coc struct {
	*Channel

	mu        sync.Mutex
	signaling *SignalingChannel

	rxMTU, rxMPS uint16
	txMTU, txMPS uint16
	txCredits    uint16

	remainingSDUBytesToIgnore uint16

	rxCallback RxCallback

	txQueueCap      int
	txQueue         [][]byte
	notifyOnDequeue bool
}

// NewCoc constructs a CoC on handle, registering it under (localCID,
// remoteCID). signaling, if non-nil, is used by SendAdditionalRxCredits
// to originate FLOW_CONTROL_CREDIT_IND; it may be nil for a channel that
// will never refill its peer's credits.
func NewCoc(m *ChannelManager, signaling *SignalingChannel, handle uint16, localCID, remoteCID uint16, cfg CocConfig, rx RxCallback, onEvent func(Event), log logrus.FieldLogger) (*Coc, error) {
	if cfg.TxMPS < minMPS || cfg.TxMPS > maxMPS {
		return nil, errors.Wrapf(bt.ErrInvalidArgument, "tx_mps %d outside allowed range [%d, %d]", cfg.TxMPS, minMPS, maxMPS)
	}
	c := &Coc{
		signaling:  signaling,
		rxMTU:      cfg.RxMTU,
		rxMPS:      cfg.RxMPS,
		txMTU:      cfg.TxMTU,
		txMPS:      cfg.TxMPS,
		txCredits:  cfg.TxCredits,
		rxCallback: rx,
		txQueueCap: 5,
	}
	ch, err := newChannel(m, handle, bt.TransportLE, localCID, remoteCID, 5, onEvent, c, log)
	if err != nil {
		return nil, err
	}
	c.Channel = ch
	return c, nil
}

func (c *Coc) doClose() {
	c.mu.Lock()
	c.txQueue = nil
	c.mu.Unlock()
}

// doHandlePduFromHost: a CoC never intercepts host-to-controller traffic
// in this proxy; it is only ever an Rx (controller-to-host) interception
// point (spec section 4.3's "proxy terminates CoCs only in the
// controller-to-host direction").
func (c *Coc) doHandlePduFromHost(pdu []byte) bool { return false }

// doHandlePduFromController runs the K-frame reassembly state machine of
// spec section 4.3. A K-frame starting a new SDU carries a 2-byte SDU
// length prefix; this port does not support reassembling an SDU spread
// across multiple K-frames (DESIGN.md's note on SDU segmentation:
// such an SDU is dropped and its trailing K-frames silently consumed, the
// source's own documented behavior for this code path).
func (c *Coc) doHandlePduFromController(pdu []byte) bool {
	if len(pdu) < 4 {
		c.log.Error("l2cap pdu shorter than basic header")
		c.stopAndSendEvent(EventRxInvalid)
		return true
	}
	kframe := pdu[4:]

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.remainingSDUBytesToIgnore > 0 {
		payloadSize := uint16(len(kframe))
		if payloadSize > c.remainingSDUBytesToIgnore {
			c.log.Error("subsequent k-frame exceeds remaining declared sdu length")
			c.stopAndSendEvent(EventRxInvalid)
			return true
		}
		c.remainingSDUBytesToIgnore -= payloadSize
		return true
	}

	if len(kframe) < 2 {
		c.log.Error("first k-frame shorter than sdu length field")
		c.stopAndSendEvent(EventRxInvalid)
		return true
	}
	sduLength := binary.LittleEndian.Uint16(kframe[0:2])
	payload := kframe[2:]
	payloadSize := uint16(len(payload))

	if sduLength > c.rxMTU {
		c.log.Error("sdu length exceeds rx mtu")
		c.stopAndSendEvent(EventRxInvalid)
		return true
	}
	if sduLength > payloadSize {
		c.log.Warn("segmented sdu reassembly is not supported; dropping sdu")
		c.remainingSDUBytesToIgnore = sduLength - payloadSize
		return true
	}
	if payloadSize > c.rxMPS {
		c.log.Error("k-frame payload exceeds rx mps")
		c.stopAndSendEvent(EventRxInvalid)
		return true
	}
	if c.rxCallback != nil {
		c.rxCallback(payload)
	}
	return true
}

// stopAndSendEvent touches only Channel's own mutex, never c.mu, so it
// is always safe to call while c.mu is held.
func (c *Coc) stopAndSendEvent(ev Event) {
	c.Channel.Stop()
	c.Channel.sendEvent(ev)
}

// Write segments payload into a single K-frame (no SDU segmentation: a
// payload larger than tx_mps is rejected rather than split across
// multiple K-frames) and queues it for the manager's drain loop.
func (c *Coc) Write(payload []byte) error {
	if c.State() != StateRunning {
		return errors.Wrap(bt.ErrFailedPrecondition, "channel not running")
	}
	if uint16(len(payload)) > c.txMTU {
		c.log.Error("write payload exceeds tx mtu")
		return errors.Wrap(bt.ErrInvalidArgument, "payload exceeds tx mtu")
	}
	if uint16(len(payload)) > c.txMPS {
		c.log.Error("write payload exceeds tx mps; sdu segmentation across k-frames is not supported")
		return errors.Wrap(bt.ErrInvalidArgument, "payload exceeds tx mps")
	}
	kframe := make([]byte, 2+len(payload))
	binary.LittleEndian.PutUint16(kframe[0:2], uint16(len(payload)))
	copy(kframe[2:], payload)

	c.mu.Lock()
	if len(c.txQueue) >= c.txQueueCap {
		c.notifyOnDequeue = true
		c.mu.Unlock()
		return errors.Wrap(bt.ErrUnavailable, "tx queue full")
	}
	c.notifyOnDequeue = false
	c.txQueue = append(c.txQueue, kframe)
	c.mu.Unlock()

	c.manager.ReportNewTxPacketsOrCredits()
	c.manager.DrainChannelQueuesIfNewTx()
	return nil
}

// DequeuePacket shadows Channel.DequeuePacket: it only yields a packet
// when both a queued K-frame and an unspent tx_credit are available,
// consuming one of each.
func (c *Coc) DequeuePacket() (h4.Packet, bool) {
	if c.State() != StateRunning {
		return h4.Packet{}, false
	}
	c.mu.Lock()
	if c.txCredits == 0 || len(c.txQueue) == 0 {
		c.mu.Unlock()
		return h4.Packet{}, false
	}
	kframe := c.txQueue[0]
	pkt, err := c.manager.buildTxPacket(c.ConnectionHandle(), c.RemoteCID(), kframe)
	if err != nil {
		c.mu.Unlock()
		c.log.WithError(err).Warn("failed to build coc tx packet")
		return h4.Packet{}, false
	}
	c.txQueue = c.txQueue[1:]
	c.txCredits--
	shouldNotify := c.notifyOnDequeue
	c.notifyOnDequeue = false
	c.mu.Unlock()
	if shouldNotify {
		c.sendEvent(EventWriteAvailable)
	}
	return pkt, true
}

// AddTxCredits applies a FLOW_CONTROL_CREDIT_IND top-up, per spec
// section 4.3. A top-up that would overflow the 16-bit credit counter
// stops the channel rather than wrapping, per the protocol's own
// "treat as a fatal error" requirement.
func (c *Coc) AddTxCredits(credits uint16) {
	if c.State() != StateRunning {
		c.log.Warn("received credits on non-running coc; ignoring")
		return
	}
	c.mu.Lock()
	if credits > maxCredit-c.txCredits {
		c.mu.Unlock()
		c.log.Error("tx credit count would overflow maximum; stopping channel")
		c.stopAndSendEvent(EventRxInvalid)
		return
	}
	wasZero := c.txCredits == 0
	c.txCredits += credits
	c.mu.Unlock()
	if wasZero {
		c.manager.ForceDrainChannelQueues()
	}
}

// SendAdditionalRxCredits originates a FLOW_CONTROL_CREDIT_IND granting
// the peer additional credit to send on this channel's remote CID.
func (c *Coc) SendAdditionalRxCredits(additional uint16) error {
	if c.State() != StateRunning {
		return errors.Wrap(bt.ErrFailedPrecondition, "channel not running")
	}
	if c.signaling == nil {
		return errors.Wrap(bt.ErrFailedPrecondition, "no signaling channel bound to this coc")
	}
	return c.signaling.SendFlowControlCreditInd(c.RemoteCID(), additional)
}
