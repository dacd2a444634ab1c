package l2cap

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/XC-/btproxy/bt"
	"github.com/XC-/btproxy/metrics"
)

type signalingCode uint8

const (
	codeConnectionReq        signalingCode = 0x02
	codeConnectionRsp        signalingCode = 0x03
	codeConfigurationReq     signalingCode = 0x04
	codeConfigurationRsp     signalingCode = 0x05
	codeDisconnectionReq     signalingCode = 0x06
	codeDisconnectionRsp     signalingCode = 0x07
	codeFlowControlCreditInd signalingCode = 0x16
)

const (
	l2capResultSuccessful uint16 = 0x0000
	l2capResultPending    uint16 = 0x0001

	l2capOptionTypeMTU = 0x01
	mtuOptionLen       = 2
)

// mtuOption carries a configuration's negotiated MTU, if the C-frame
// included one; it is absent (set == false) for a bare CONFIGURATION_REQ
// that only names the peer CID.
type mtuOption struct {
	mtu uint16
	set bool
}

// ChannelConnectionInfo is what a completed CONNECTION_REQ/RSP handshake
// reports to the channel manager and, through it, to registered status
// delegates (spec section 4.2).
type ChannelConnectionInfo struct {
	Direction        bt.Direction
	PSM              uint16
	ConnectionHandle uint16
	RemoteCID        uint16
	LocalCID         uint16
}

// ChannelConfigurationInfo is what a completed CONFIGURATION_REQ/RSP
// exchange reports.
type ChannelConfigurationInfo struct {
	Direction        bt.Direction
	ConnectionHandle uint16
	RemoteCID        uint16
	LocalCID         uint16
	MTU              mtuOption
}

// DisconnectParams is what a completed DISCONNECTION_REQ/RSP exchange
// reports.
type DisconnectParams struct {
	ConnectionHandle uint16
	RemoteCID        uint16
	LocalCID         uint16
}

type pendingConnection struct {
	direction bt.Direction
	sourceCID uint16
	psm       uint16
}

type pendingConfiguration struct {
	identifier uint8
	info       ChannelConfigurationInfo
}

// SignalingChannel intercepts the fixed signaling CID of one connection
// and tracks in-flight CONNECTION_REQ/CONFIGURATION_REQ exchanges well
// enough to report their outcome, per spec section 4.2. It never
// terminates a signaling exchange itself: every command it sees is
// passed through to the host or controller unmodified (its handlers
// return false), except FLOW_CONTROL_CREDIT_IND, which it also consumes
// to route credits to the addressed Coc.
type SignalingChannel struct {
	*Channel

	metrics *metrics.Registry

	mu                       sync.Mutex
	pendingConnections       []pendingConnection
	pendingConfigurations    []pendingConfiguration
	maxPendingConnections    int
	maxPendingConfigurations int
	nextIdentifier           uint8
}

// NewSignalingChannel constructs the signaling channel for one ACL
// connection, bound to the transport's fixed CID on both sides. The
// pending-configuration table is sized at twice the data channel's
// configured connection capacity.
func NewSignalingChannel(m *ChannelManager, handle uint16, transport bt.Transport, log logrus.FieldLogger) (*SignalingChannel, error) {
	cid := bt.SignalingCID(transport)
	s := &SignalingChannel{
		metrics:                  m.metrics,
		maxPendingConnections:    10,
		maxPendingConfigurations: 2 * m.dataChannel.MaxConnections(),
		nextIdentifier:           1,
	}
	ch, err := newChannel(m, handle, transport, cid, cid, 5, nil, s, log)
	if err != nil {
		return nil, err
	}
	s.Channel = ch
	return s, nil
}

func (s *SignalingChannel) doClose() {}

func (s *SignalingChannel) doHandlePduFromController(pdu []byte) bool {
	return s.onCFrame(bt.FromController, pdu)
}

func (s *SignalingChannel) doHandlePduFromHost(pdu []byte) bool {
	return s.onCFrame(bt.FromHost, pdu)
}

// onCFrame strips the 4-byte L2CAP basic header and hands the remainder
// to handleCommand. Only a single signaling command per C-frame is
// supported, the common case and the one original_source's tests
// exercise; handleCommand passes a C-frame packing more than one command
// through unprocessed.
func (s *SignalingChannel) onCFrame(dir bt.Direction, pdu []byte) bool {
	if len(pdu) < 4 {
		s.log.Warn("c-frame shorter than l2cap header; forwarding without processing")
		return false
	}
	return s.handleCommand(dir, pdu[4:])
}

func (s *SignalingChannel) handleCommand(dir bt.Direction, cmd []byte) bool {
	if len(cmd) < 4 {
		s.log.Warn("signaling command shorter than command header; forwarding without processing")
		return false
	}
	code := cmd[0]
	id := cmd[1]
	dataLen := binary.LittleEndian.Uint16(cmd[2:4])
	if int(dataLen) > len(cmd)-4 {
		s.log.Warn("signaling command data_length exceeds available bytes; forwarding without processing")
		return false
	}
	if int(dataLen) < len(cmd)-4 {
		s.log.Warn("c-frame carries more than one signaling command; forwarding without processing")
		return false
	}
	data := cmd[4 : 4+dataLen]
	switch signalingCode(code) {
	case codeConnectionReq:
		s.handleConnectionReq(dir, data)
	case codeConnectionRsp:
		s.handleConnectionRsp(dir, data)
	case codeConfigurationReq:
		s.handleConfigurationReq(dir, id, data)
	case codeConfigurationRsp:
		s.handleConfigurationRsp(dir, id, data)
	case codeDisconnectionRsp:
		s.handleDisconnectionRsp(dir, data)
	case codeFlowControlCreditInd:
		return s.handleFlowControlCreditInd(data)
	}
	return false
}

func (s *SignalingChannel) handleConnectionReq(dir bt.Direction, data []byte) {
	if len(data) < 4 {
		return
	}
	psm := binary.LittleEndian.Uint16(data[0:2])
	sourceCID := binary.LittleEndian.Uint16(data[2:4])
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingConnections) >= s.maxPendingConnections {
		s.log.Error("reached max number of tracked pending l2cap connections")
		return
	}
	s.pendingConnections = append(s.pendingConnections, pendingConnection{direction: dir, sourceCID: sourceCID, psm: psm})
	if s.metrics != nil {
		s.metrics.PendingConnections.Inc()
	}
}

func (s *SignalingChannel) handleConnectionRsp(dir bt.Direction, data []byte) {
	if len(data) < 6 {
		return
	}
	destCID := binary.LittleEndian.Uint16(data[0:2])
	sourceCID := binary.LittleEndian.Uint16(data[2:4])
	result := binary.LittleEndian.Uint16(data[4:6])

	requestDir := bt.FromHost
	if dir == bt.FromHost {
		requestDir = bt.FromController
	}

	s.mu.Lock()
	idx := -1
	for i, p := range s.pendingConnections {
		if p.direction == requestDir && p.sourceCID == sourceCID {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		s.log.Warn("no match found for l2cap connection response")
		return
	}
	if result == l2capResultPending {
		s.mu.Unlock()
		return
	}
	pending := s.pendingConnections[idx]
	s.pendingConnections = append(s.pendingConnections[:idx], s.pendingConnections[idx+1:]...)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.PendingConnections.Dec()
	}
	if result != l2capResultSuccessful {
		return
	}

	var local, remote uint16
	if dir == bt.FromHost {
		local, remote = destCID, sourceCID
	} else {
		local, remote = sourceCID, destCID
	}
	s.manager.HandleConnectionComplete(ChannelConnectionInfo{
		Direction:        requestDir,
		PSM:              pending.psm,
		ConnectionHandle: s.ConnectionHandle(),
		RemoteCID:        remote,
		LocalCID:         local,
	})
}

// handleConfigurationReq walks the TLV options list looking for the MTU
// option (type 0x01); other option types are ignored, matching spec's
// scope ("the proxy cares only about the negotiated MTU").
func (s *SignalingChannel) handleConfigurationReq(dir bt.Direction, id uint8, data []byte) {
	if len(data) < 4 {
		return
	}
	destCID := binary.LittleEndian.Uint16(data[0:2])
	options := data[4:]
	var mtu mtuOption
	off := 0
	for off+2 <= len(options) {
		optType := options[off]
		optLen := int(options[off+1])
		off += 2
		if off+optLen > len(options) {
			break
		}
		if optType == l2capOptionTypeMTU {
			if optLen != mtuOptionLen {
				s.log.WithField("identifier", id).Warn("malformed mtu configuration option")
				return
			}
			mtu = mtuOption{mtu: binary.LittleEndian.Uint16(options[off : off+2]), set: true}
		}
		off += optLen
	}
	info := ChannelConfigurationInfo{Direction: dir, ConnectionHandle: s.ConnectionHandle(), MTU: mtu}
	if dir == bt.FromHost {
		info.RemoteCID = destCID
	} else {
		info.LocalCID = destCID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingConfigurations) >= s.maxPendingConfigurations {
		s.log.Error("reached max number of tracked pending l2cap configurations")
		return
	}
	s.pendingConfigurations = append(s.pendingConfigurations, pendingConfiguration{identifier: id, info: info})
	if s.metrics != nil {
		s.metrics.PendingConfigurations.Inc()
	}
}

func (s *SignalingChannel) handleConfigurationRsp(dir bt.Direction, id uint8, data []byte) {
	if len(data) < 6 {
		return
	}
	sourceCID := binary.LittleEndian.Uint16(data[0:2])
	result := binary.LittleEndian.Uint16(data[4:6])

	s.mu.Lock()
	idx := -1
	for i, p := range s.pendingConfigurations {
		if p.identifier == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		s.log.Warn("no match found for l2cap configuration response")
		return
	}
	info := s.pendingConfigurations[idx].info
	if dir == bt.FromHost {
		info.RemoteCID = sourceCID
	} else {
		info.LocalCID = sourceCID
	}
	if result == l2capResultPending {
		s.pendingConfigurations[idx].info = info
		s.mu.Unlock()
		return
	}
	s.pendingConfigurations = append(s.pendingConfigurations[:idx], s.pendingConfigurations[idx+1:]...)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.PendingConfigurations.Dec()
	}
	if result != l2capResultSuccessful {
		return
	}
	s.manager.HandleConfigurationChanged(info)
}

func (s *SignalingChannel) handleDisconnectionRsp(dir bt.Direction, data []byte) {
	if len(data) < 4 {
		return
	}
	destCID := binary.LittleEndian.Uint16(data[0:2])
	sourceCID := binary.LittleEndian.Uint16(data[2:4])
	var local, remote uint16
	if dir == bt.FromHost {
		local, remote = destCID, sourceCID
	} else {
		local, remote = sourceCID, destCID
	}
	s.manager.HandleDisconnectionComplete(DisconnectParams{
		ConnectionHandle: s.ConnectionHandle(),
		RemoteCID:        remote,
		LocalCID:         local,
	})
}

func (s *SignalingChannel) handleFlowControlCreditInd(data []byte) bool {
	if len(data) < 4 {
		s.log.Warn("malformed flow control credit indication; forwarding without processing")
		return false
	}
	cid := binary.LittleEndian.Uint16(data[0:2])
	credits := binary.LittleEndian.Uint16(data[2:4])
	found := s.manager.FindChannelByRemoteCID(s.ConnectionHandle(), cid)
	if found == nil {
		return false
	}
	cr, ok := found.(creditReceiver)
	if !ok {
		return false
	}
	cr.AddTxCredits(credits)
	return true
}

// SendFlowControlCreditInd originates a credit top-up for the CoC
// identified by cid on this connection, used to refill an endpoint's Rx
// credits (spec section 4.3's SendAdditionalRxCredits).
func (s *SignalingChannel) SendFlowControlCreditInd(cid uint16, credits uint16) error {
	if cid == 0 {
		return errors.Wrap(bt.ErrInvalidArgument, "invalid cid 0x0000")
	}
	cmd := make([]byte, 8)
	cmd[0] = byte(codeFlowControlCreditInd)
	cmd[1] = s.nextCommandID()
	binary.LittleEndian.PutUint16(cmd[2:4], 4)
	binary.LittleEndian.PutUint16(cmd[4:6], cid)
	binary.LittleEndian.PutUint16(cmd[6:8], credits)
	return s.Write(cmd)
}

func (s *SignalingChannel) nextCommandID() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextIdentifier == 0 {
		s.nextIdentifier = 1
	}
	id := s.nextIdentifier
	if s.nextIdentifier == 255 {
		s.nextIdentifier = 1
	} else {
		s.nextIdentifier++
	}
	return id
}
