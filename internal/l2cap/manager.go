package l2cap

import (
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"
	uuid "github.com/satori/go.uuid"

	"github.com/XC-/btproxy/bt"
	"github.com/XC-/btproxy/h4"
	"github.com/XC-/btproxy/internal/acl"
	"github.com/XC-/btproxy/metrics"
)

type channelKey struct {
	handle uint16
	cid    uint16
}

// ChannelManager owns the registry of every live channel, the per-round
// Tx drain loop of spec section 4.2, and the status delegate fan-out.
// It implements acl.Manager, wired via acl.DataChannel.SetManager at
// construction, exactly mirroring the teacher's deferred l.hci = h
// back-reference.
type ChannelManager struct {
	log         logrus.FieldLogger
	pool        *h4.Pool
	dataChannel *acl.DataChannel
	metrics     *metrics.Registry

	channelsMu  sync.Mutex
	channels    []RegisteredChannel
	lrd         int
	terminus    int
	byLocalCID  map[channelKey]RegisteredChannel
	byRemoteCID map[channelKey]RegisteredChannel

	drainStatusMu sync.Mutex
	drainRunning  bool
	drainNeeded   bool

	status *statusTracker
}

// NewChannelManager constructs a manager around dataChannel and pool,
// and wires itself back into dataChannel as its acl.Manager. m may be
// nil if metrics are not wired.
func NewChannelManager(dataChannel *acl.DataChannel, pool *h4.Pool, m *metrics.Registry, log logrus.FieldLogger) *ChannelManager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	mgr := &ChannelManager{
		log:         log,
		pool:        pool,
		dataChannel: dataChannel,
		metrics:     m,
		byLocalCID:  map[channelKey]RegisteredChannel{},
		byRemoteCID: map[channelKey]RegisteredChannel{},
		status:      newStatusTracker(),
	}
	dataChannel.SetManager(mgr)
	return mgr
}

// registerChannel inserts c just before lrd in traversal order, so it is
// visited last in whatever round is currently in progress (spec section
// 4.2's fairness requirement for freshly-opened channels).
func (m *ChannelManager) registerChannel(c RegisteredChannel) {
	m.channelsMu.Lock()
	defer m.channelsMu.Unlock()
	m.byLocalCID[channelKey{c.ConnectionHandle(), c.LocalCID()}] = c
	m.byRemoteCID[channelKey{c.ConnectionHandle(), c.RemoteCID()}] = c

	if len(m.channels) == 0 {
		m.channels = []RegisteredChannel{c}
		m.lrd, m.terminus = 0, 0
		return
	}
	idx := m.lrd
	m.channels = append(m.channels, nil)
	copy(m.channels[idx+1:], m.channels[idx:len(m.channels)-1])
	m.channels[idx] = c
	m.lrd = idx + 1
	if m.lrd >= len(m.channels) {
		m.lrd = 0
	}
	if m.terminus >= idx {
		m.terminus++
		if m.terminus >= len(m.channels) {
			m.terminus = 0
		}
	}
}

func (m *ChannelManager) deregisterChannel(c RegisteredChannel) {
	m.channelsMu.Lock()
	defer m.channelsMu.Unlock()
	delete(m.byLocalCID, channelKey{c.ConnectionHandle(), c.LocalCID()})
	delete(m.byRemoteCID, channelKey{c.ConnectionHandle(), c.RemoteCID()})

	idx := -1
	for i, ch := range m.channels {
		if ch == c {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	m.channels = append(m.channels[:idx], m.channels[idx+1:]...)
	if len(m.channels) == 0 {
		m.lrd, m.terminus = 0, 0
		return
	}
	m.lrd = reseatIndex(m.lrd, idx, len(m.channels))
	m.terminus = reseatIndex(m.terminus, idx, len(m.channels))
}

// reseatIndex adjusts a tracked iterator index after the element at
// removed has been deleted from a slice now of the given length. An
// index pointing past the removed element shifts left by one; an index
// that pointed at the removed element itself now refers to whatever
// slid into that slot (or wraps to 0 if it was the last element).
func reseatIndex(idx, removed, length int) int {
	if idx > removed {
		idx--
	}
	if idx >= length {
		idx = 0
	}
	return idx
}

func (m *ChannelManager) advance(idx int) int {
	idx++
	if idx >= len(m.channels) {
		idx = 0
	}
	return idx
}

// ChannelExists implements acl.Manager.
func (m *ChannelManager) ChannelExists(handle uint16, dir bt.Direction, cid uint16) bool {
	m.channelsMu.Lock()
	defer m.channelsMu.Unlock()
	if dir == bt.FromController {
		_, ok := m.byLocalCID[channelKey{handle, cid}]
		return ok
	}
	_, ok := m.byRemoteCID[channelKey{handle, cid}]
	return ok
}

// DispatchPDU implements acl.Manager. The registry lock is released
// before the channel callback runs (spec section 5's stated lock
// ordering), both to honor that rule and because a signaling command's
// handler may need to deregister a channel of its own.
func (m *ChannelManager) DispatchPDU(handle uint16, dir bt.Direction, cid uint16, pdu []byte) bool {
	m.channelsMu.Lock()
	var ch RegisteredChannel
	var ok bool
	if dir == bt.FromController {
		ch, ok = m.byLocalCID[channelKey{handle, cid}]
	} else {
		ch, ok = m.byRemoteCID[channelKey{handle, cid}]
	}
	m.channelsMu.Unlock()
	if !ok {
		return false
	}
	if dir == bt.FromController {
		return ch.HandlePduFromController(pdu)
	}
	return ch.HandlePduFromHost(pdu)
}

// HandleAclDisconnectionComplete implements acl.Manager: every channel
// registered on handle is closed and reported as closed-by-other.
func (m *ChannelManager) HandleAclDisconnectionComplete(handle uint16) {
	for {
		m.channelsMu.Lock()
		var target RegisteredChannel
		for _, ch := range m.channels {
			if ch.ConnectionHandle() == handle {
				target = ch
				break
			}
		}
		m.channelsMu.Unlock()
		if target == nil {
			break
		}
		m.deregisterChannel(target)
		target.InternalClose(EventChannelClosedByOther)
	}
	m.status.handleDisconnectionComplete(DisconnectParams{ConnectionHandle: handle})
}

// FindChannelByRemoteCID looks up a channel by the CID its peer
// addresses it with, used to route an inbound FLOW_CONTROL_CREDIT_IND.
func (m *ChannelManager) FindChannelByRemoteCID(handle, cid uint16) RegisteredChannel {
	m.channelsMu.Lock()
	defer m.channelsMu.Unlock()
	return m.byRemoteCID[channelKey{handle, cid}]
}

// FindChannelByLocalCID looks up a channel by its own CID.
func (m *ChannelManager) FindChannelByLocalCID(handle, cid uint16) RegisteredChannel {
	m.channelsMu.Lock()
	defer m.channelsMu.Unlock()
	return m.byLocalCID[channelKey{handle, cid}]
}

// HandleConnectionComplete is called by a SignalingChannel once a
// CONNECTION_REQ/RSP exchange resolves successfully. The pending-
// connections gauge is adjusted by the signaling channel itself, at the
// point the pending entry is removed, since that happens for failed
// exchanges too (which never reach here).
func (m *ChannelManager) HandleConnectionComplete(info ChannelConnectionInfo) {
	m.status.handleConnectionComplete(info)
}

// HandleConfigurationChanged is called by a SignalingChannel once a
// CONFIGURATION_REQ/RSP exchange resolves successfully. It is a hook for
// channel types that finalize setup on configuration (none in this
// proxy: CoCs are created directly from LE Credit Based connection
// parameters, not through the classic configuration handshake), so it
// is currently a no-op.
func (m *ChannelManager) HandleConfigurationChanged(info ChannelConfigurationInfo) {}

// HandleDisconnectionComplete is called by a SignalingChannel once a
// DISCONNECTION_REQ/RSP exchange resolves; the matching channel (if
// still registered) is closed.
func (m *ChannelManager) HandleDisconnectionComplete(params DisconnectParams) {
	ch := m.FindChannelByLocalCID(params.ConnectionHandle, params.LocalCID)
	if ch != nil {
		m.deregisterChannel(ch)
		ch.InternalClose(EventChannelClosedByOther)
	}
	m.status.handleDisconnectionComplete(params)
}

// RegisterStatusDelegate subscribes d to connection/disconnection
// events, returning a handle for UnregisterStatusDelegate.
func (m *ChannelManager) RegisterStatusDelegate(d StatusDelegate) uuid.UUID {
	return m.status.register(d)
}

// UnregisterStatusDelegate removes a previously registered delegate.
func (m *ChannelManager) UnregisterStatusDelegate(id uuid.UUID) {
	m.status.unregister(id)
}

// DeliverPendingEvents flushes any connection/disconnection events
// accumulated since the last call to every registered delegate whose PSM
// matches (for connections) or unconditionally (for disconnections).
func (m *ChannelManager) DeliverPendingEvents() {
	m.status.deliverPendingEvents()
}

// buildTxPacket frames an L2CAP information payload (e.g. a signaling
// command or a K-frame, without the L2CAP basic header, which is written
// here) into a full H4 ACL packet drawn from the shared buffer pool.
func (m *ChannelManager) buildTxPacket(handle uint16, remoteCID uint16, l2capPayload []byte) (h4.Packet, error) {
	l2capFrameLen := 4 + len(l2capPayload)
	totalLen := 1 + acl.HeaderLen + l2capFrameLen
	pkt, err := m.pool.Reserve(h4.TypeACLData, totalLen)
	if err != nil {
		return h4.Packet{}, err
	}
	buf := pkt.Bytes()
	hdr := acl.Header{Handle: handle, Boundary: bt.BoundaryFirstNonFlushable, Broadcast: 0, DataTotalLength: uint16(l2capFrameLen)}
	hdr.Marshal(buf[1:])
	binary.LittleEndian.PutUint16(buf[1+acl.HeaderLen:], uint16(len(l2capPayload)))
	binary.LittleEndian.PutUint16(buf[1+acl.HeaderLen+2:], remoteCID)
	copy(buf[1+acl.HeaderLen+4:], l2capPayload)
	return pkt, nil
}

// Reset closes every registered channel (reported as EventReset) and
// resets the underlying ACL data channel.
func (m *ChannelManager) Reset() {
	m.channelsMu.Lock()
	channels := append([]RegisteredChannel(nil), m.channels...)
	m.channels = nil
	m.byLocalCID = map[channelKey]RegisteredChannel{}
	m.byRemoteCID = map[channelKey]RegisteredChannel{}
	m.lrd, m.terminus = 0, 0
	m.channelsMu.Unlock()

	for _, ch := range channels {
		ch.InternalClose(EventReset)
	}
	m.dataChannel.Reset()
}

// ReportNewTxPacketsOrCredits marks the drain loop dirty without
// necessarily running it; DrainChannelQueuesIfNewTx (or
// ForceDrainChannelQueues) still has to be called to actually make
// progress.
func (m *ChannelManager) ReportNewTxPacketsOrCredits() {
	m.drainStatusMu.Lock()
	m.drainNeeded = true
	m.drainStatusMu.Unlock()
}

// ForceDrainChannelQueues marks the loop dirty and runs it, used after
// credits are reclaimed from NumberOfCompletedPackets or a CoC receives
// its first credit top-up since going to zero.
func (m *ChannelManager) ForceDrainChannelQueues() {
	m.ReportNewTxPacketsOrCredits()
	m.DrainChannelQueuesIfNewTx()
}

// DrainChannelQueuesIfNewTx is the fair round-robin Tx loop of spec
// section 4.2. Only one instance ever runs at a time per manager; a
// concurrent caller just marks drainNeeded and returns, trusting the
// in-flight loop to notice. Credits are reserved ahead of taking
// channelsMu, so the credit mutex is never nested inside it, and any
// credit still held when the loop exits (no channel wanted it this
// round) is refunded.
func (m *ChannelManager) DrainChannelQueuesIfNewTx() {
	m.drainStatusMu.Lock()
	if m.drainRunning {
		m.drainStatusMu.Unlock()
		return
	}
	m.drainRunning = true
	m.drainNeeded = false
	m.drainStatusMu.Unlock()

	held := make(map[bt.Transport]*acl.Credit, 2)
	defer func() {
		for _, c := range held {
			if c != nil {
				c.Release()
			}
		}
	}()

	for {
		for _, t := range [...]bt.Transport{bt.TransportBrEdr, bt.TransportLE} {
			if held[t] == nil {
				if c, err := m.dataChannel.ReserveSendCredit(t); err == nil {
					held[t] = c
				}
			}
		}

		var packet h4.Packet
		var packetCredit *acl.Credit
		havePacket := false

		m.channelsMu.Lock()
		if len(m.channels) == 0 {
			m.channelsMu.Unlock()
			m.drainStatusMu.Lock()
			m.drainRunning = false
			m.drainStatusMu.Unlock()
			return
		}
		ch := m.channels[m.lrd]
		if c := held[ch.Transport()]; c != nil {
			if pkt, ok := ch.DequeuePacket(); ok {
				packet = pkt
				packetCredit = c
				held[ch.Transport()] = nil
				havePacket = true
				m.terminus = m.lrd
			}
		}
		m.lrd = m.advance(m.lrd)
		m.channelsMu.Unlock()

		if havePacket {
			if err := m.dataChannel.SendAcl(packet.Bytes(), packetCredit); err != nil {
				m.log.WithError(err).Warn("send acl failed")
			}
			packet.Release()
			if m.metrics != nil {
				m.metrics.TxPacketsDrained.Inc()
			}
			continue
		}

		m.channelsMu.Lock()
		m.drainStatusMu.Lock()
		if m.drainNeeded {
			m.drainNeeded = false
			m.terminus = m.lrd
			m.drainStatusMu.Unlock()
			m.channelsMu.Unlock()
			continue
		}
		if m.lrd != m.terminus {
			m.drainStatusMu.Unlock()
			m.channelsMu.Unlock()
			continue
		}
		m.drainRunning = false
		m.drainStatusMu.Unlock()
		m.channelsMu.Unlock()
		return
	}
}
