package acl

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/XC-/btproxy/bt"
)

// fakeManager is a minimal acl.Manager stand-in recording every call the
// DataChannel under test makes into it.
type fakeManager struct {
	exists       bool
	dispatched   bool
	dispatchArgs []byte
	disconnected []uint16
	drained      int
}

func (m *fakeManager) ChannelExists(handle uint16, dir bt.Direction, cid uint16) bool { return m.exists }
func (m *fakeManager) DispatchPDU(handle uint16, dir bt.Direction, cid uint16, pdu []byte) bool {
	m.dispatched = true
	m.dispatchArgs = pdu
	return true
}
func (m *fakeManager) HandleAclDisconnectionComplete(handle uint16) {
	m.disconnected = append(m.disconnected, handle)
}
func (m *fakeManager) ForceDrainChannelQueues() { m.drained++ }

func readBufferSizeReturn(total uint16) []byte {
	ret := make([]byte, 8)
	ret[0] = 0 // status success
	binary.LittleEndian.PutUint16(ret[4:], total)
	return ret
}

func TestHandleReadBufferSizeComplete(t *testing.T) {
	d := NewDataChannel(&bytes.Buffer{}, Options{BrEdrCreditsToReserve: 2}, nil, discardLogger())
	ret := readBufferSizeReturn(10)
	if err := d.HandleReadBufferSizeComplete(ret); err != nil {
		t.Fatalf("HandleReadBufferSizeComplete: %v", err)
	}
	hostMax := binary.LittleEndian.Uint16(ret[4:])
	if hostMax != 8 {
		t.Errorf("rewritten total_num_acl_data_packets = %d, want 8", hostMax)
	}
	if avail := d.GetNumFreeAclPackets(bt.TransportBrEdr); avail != 2 {
		t.Errorf("GetNumFreeAclPackets = %d, want 2", avail)
	}
}

func leV1Return(dataLen, total uint16) []byte {
	ret := make([]byte, 4)
	ret[0] = 0
	binary.LittleEndian.PutUint16(ret[1:], dataLen)
	ret[3] = byte(total)
	return ret
}

func TestHandleLEReadBufferSizeV1Complete(t *testing.T) {
	d := NewDataChannel(&bytes.Buffer{}, Options{LECreditsToReserve: 1}, nil, discardLogger())
	ret := leV1Return(251, 5)
	if err := d.HandleLEReadBufferSizeV1Complete(ret); err != nil {
		t.Fatalf("HandleLEReadBufferSizeV1Complete: %v", err)
	}
	if ret[3] != 4 {
		t.Errorf("rewritten total_num_le_acl_data_packets = %d, want 4", ret[3])
	}
	dataLen, ok := d.LEACLDataPacketLength()
	if !ok || dataLen != 251 {
		t.Errorf("LEACLDataPacketLength = (%d, %v), want (251, true)", dataLen, ok)
	}
}

func TestReserveSendCreditAndSendAcl(t *testing.T) {
	var out bytes.Buffer
	d := NewDataChannel(&out, Options{LECreditsToReserve: 1}, nil, discardLogger())
	if err := d.HandleLEReadBufferSizeV1Complete(leV1Return(27, 5)); err != nil {
		t.Fatalf("setup: %v", err)
	}
	d.HandleConnectionComplete(0, 0x0042, bt.TransportLE)

	credit, err := d.ReserveSendCredit(bt.TransportLE)
	if err != nil {
		t.Fatalf("ReserveSendCredit: %v", err)
	}

	frame := make([]byte, 1+HeaderLen+2)
	frame[0] = 0x02 // h4 ACL type prefix, included in the frame SendAcl writes verbatim
	Header{Handle: 0x0042, Boundary: bt.BoundaryFirstNonFlushable, DataTotalLength: 2}.Marshal(frame[1:])

	if err := d.SendAcl(frame, credit); err != nil {
		t.Fatalf("SendAcl: %v", err)
	}
	if !bytes.Equal(out.Bytes(), frame) {
		t.Errorf("written frame = %v, want %v", out.Bytes(), frame)
	}
	if avail := d.GetNumFreeAclPackets(bt.TransportLE); avail != 0 {
		t.Errorf("GetNumFreeAclPackets after send = %d, want 0", avail)
	}
}

func TestReserveSendCreditExhausted(t *testing.T) {
	d := NewDataChannel(&bytes.Buffer{}, Options{LECreditsToReserve: 1}, nil, discardLogger())
	if err := d.HandleLEReadBufferSizeV1Complete(leV1Return(27, 5)); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := d.ReserveSendCredit(bt.TransportLE); err != nil {
		t.Fatalf("first ReserveSendCredit: %v", err)
	}
	if _, err := d.ReserveSendCredit(bt.TransportLE); err == nil {
		t.Fatal("second ReserveSendCredit: expected error, got nil")
	}
}

func TestHandleConnectionCompleteRejectsDuplicateHandle(t *testing.T) {
	d := NewDataChannel(&bytes.Buffer{}, DefaultOptions(), nil, discardLogger())
	d.HandleConnectionComplete(0, 0x0010, bt.TransportBrEdr)
	if _, ok := d.conns[0x0010]; !ok {
		t.Fatal("connection not recorded after first HandleConnectionComplete")
	}
	d.HandleConnectionComplete(0, 0x0010, bt.TransportBrEdr) // should log and no-op, not panic
}

func TestHandleConnectionCompleteIgnoresFailureStatus(t *testing.T) {
	d := NewDataChannel(&bytes.Buffer{}, DefaultOptions(), nil, discardLogger())
	d.HandleConnectionComplete(0x0E, 0x0010, bt.TransportBrEdr)
	if _, ok := d.conns[0x0010]; ok {
		t.Fatal("connection recorded despite failure status")
	}
}

func TestHandleDisconnectionCompleteRefundsAndClosesChannels(t *testing.T) {
	d := NewDataChannel(&bytes.Buffer{}, Options{LECreditsToReserve: 1}, nil, discardLogger())
	if err := d.HandleLEReadBufferSizeV1Complete(leV1Return(27, 5)); err != nil {
		t.Fatalf("setup: %v", err)
	}
	mgr := &fakeManager{}
	d.SetManager(mgr)
	d.HandleConnectionComplete(0, 0x0010, bt.TransportLE)

	credit, err := d.ReserveSendCredit(bt.TransportLE)
	if err != nil {
		t.Fatalf("ReserveSendCredit: %v", err)
	}
	frame := make([]byte, 1+HeaderLen)
	Header{Handle: 0x0010, Boundary: bt.BoundaryFirstNonFlushable}.Marshal(frame[1:])
	if err := d.SendAcl(frame, credit); err != nil {
		t.Fatalf("SendAcl: %v", err)
	}

	d.HandleDisconnectionComplete(0, 0x0010)

	if _, ok := d.conns[0x0010]; ok {
		t.Fatal("connection still present after HandleDisconnectionComplete")
	}
	if avail := d.GetNumFreeAclPackets(bt.TransportLE); avail != 1 {
		t.Errorf("GetNumFreeAclPackets after disconnect = %d, want 1 (refunded)", avail)
	}
	if len(mgr.disconnected) != 1 || mgr.disconnected[0] != 0x0010 {
		t.Errorf("manager.disconnected = %v, want [0x0010]", mgr.disconnected)
	}
}

func TestHandleNumberOfCompletedPacketsReclaimsAndRewrites(t *testing.T) {
	d := NewDataChannel(&bytes.Buffer{}, Options{LECreditsToReserve: 1}, nil, discardLogger())
	if err := d.HandleLEReadBufferSizeV1Complete(leV1Return(27, 5)); err != nil {
		t.Fatalf("setup: %v", err)
	}
	mgr := &fakeManager{}
	d.SetManager(mgr)
	d.HandleConnectionComplete(0, 0x0010, bt.TransportLE)

	credit, err := d.ReserveSendCredit(bt.TransportLE)
	if err != nil {
		t.Fatalf("ReserveSendCredit: %v", err)
	}
	frame := make([]byte, 1+HeaderLen)
	Header{Handle: 0x0010, Boundary: bt.BoundaryFirstNonFlushable}.Marshal(frame[1:])
	if err := d.SendAcl(frame, credit); err != nil {
		t.Fatalf("SendAcl: %v", err)
	}

	// num_handles:1 { handle:2 count:2 }: one completed packet on 0x0010.
	params := make([]byte, 5)
	params[0] = 1
	binary.LittleEndian.PutUint16(params[1:], 0x0010)
	binary.LittleEndian.PutUint16(params[3:], 1)

	forward, err := d.HandleNumberOfCompletedPackets(params)
	if err != nil {
		t.Fatalf("HandleNumberOfCompletedPackets: %v", err)
	}
	if forward {
		t.Error("forward = true, want false (fully reclaimed by the proxy)")
	}
	if got := binary.LittleEndian.Uint16(params[3:]); got != 0 {
		t.Errorf("rewritten count = %d, want 0", got)
	}
	if mgr.drained != 1 {
		t.Errorf("ForceDrainChannelQueues called %d times, want 1", mgr.drained)
	}
	if avail := d.GetNumFreeAclPackets(bt.TransportLE); avail != 1 {
		t.Errorf("GetNumFreeAclPackets after reclaim = %d, want 1", avail)
	}
}

func TestHandleAclDataPassthroughWhenNoConnection(t *testing.T) {
	d := NewDataChannel(&bytes.Buffer{}, DefaultOptions(), nil, discardLogger())
	frame := make([]byte, HeaderLen+4)
	Header{Handle: 0x0099, Boundary: bt.BoundaryFirstNonFlushable, DataTotalLength: 4}.Marshal(frame)
	handled, err := d.HandleAclData(bt.FromController, frame)
	if err != nil {
		t.Fatalf("HandleAclData: %v", err)
	}
	if handled {
		t.Error("handled = true, want false for an untracked connection handle")
	}
}

func TestHandleAclDataDispatchesUnfragmentedPDU(t *testing.T) {
	d := NewDataChannel(&bytes.Buffer{}, DefaultOptions(), nil, discardLogger())
	d.HandleConnectionComplete(0, 0x0010, bt.TransportLE)
	mgr := &fakeManager{exists: true}
	d.SetManager(mgr)

	l2capPDU := make([]byte, 4+2)
	binary.LittleEndian.PutUint16(l2capPDU[0:], 2)      // pdu_length
	binary.LittleEndian.PutUint16(l2capPDU[2:], 0x0040) // cid
	l2capPDU[4], l2capPDU[5] = 0xAA, 0xBB

	frame := make([]byte, HeaderLen+len(l2capPDU))
	Header{Handle: 0x0010, Boundary: bt.BoundaryFirstNonFlushable, DataTotalLength: uint16(len(l2capPDU))}.Marshal(frame)
	copy(frame[HeaderLen:], l2capPDU)

	handled, err := d.HandleAclData(bt.FromController, frame)
	if err != nil {
		t.Fatalf("HandleAclData: %v", err)
	}
	if !handled {
		t.Error("handled = false, want true")
	}
	if !mgr.dispatched {
		t.Error("DispatchPDU was not called")
	}
	if !bytes.Equal(mgr.dispatchArgs, l2capPDU) {
		t.Errorf("dispatched pdu = %v, want %v", mgr.dispatchArgs, l2capPDU)
	}
}

func TestHandleAclDataPassthroughWhenChannelUnclaimed(t *testing.T) {
	d := NewDataChannel(&bytes.Buffer{}, DefaultOptions(), nil, discardLogger())
	d.HandleConnectionComplete(0, 0x0010, bt.TransportLE)
	mgr := &fakeManager{exists: false}
	d.SetManager(mgr)

	// A single-fragment, exact-length PDU (e.g. ATT over CID 0x0004) is
	// the common case for traffic the proxy never registered a channel
	// for, and must pass through untouched rather than being dropped.
	l2capPDU := make([]byte, 4+2)
	binary.LittleEndian.PutUint16(l2capPDU[0:], 2)      // pdu_length
	binary.LittleEndian.PutUint16(l2capPDU[2:], 0x0004) // cid (ATT, unclaimed)
	l2capPDU[4], l2capPDU[5] = 0xAA, 0xBB

	frame := make([]byte, HeaderLen+len(l2capPDU))
	Header{Handle: 0x0010, Boundary: bt.BoundaryFirstNonFlushable, DataTotalLength: uint16(len(l2capPDU))}.Marshal(frame)
	copy(frame[HeaderLen:], l2capPDU)

	handled, err := d.HandleAclData(bt.FromController, frame)
	if err != nil {
		t.Fatalf("HandleAclData: %v", err)
	}
	if handled {
		t.Error("handled = true, want false for a CID the proxy hasn't claimed")
	}
	if mgr.dispatched {
		t.Error("DispatchPDU was called for an unclaimed channel")
	}
}

func TestHandleAclDataMalformedPduDroppedOnlyWhenChannelClaimed(t *testing.T) {
	d := NewDataChannel(&bytes.Buffer{}, DefaultOptions(), nil, discardLogger())
	d.HandleConnectionComplete(0, 0x0010, bt.TransportLE)

	// pdu_length claims 1 byte of payload but the ACL fragment carries 2:
	// the L2CAP PDU (5 bytes) is shorter than the ACL payload (6 bytes),
	// which is malformed regardless of channel ownership.
	payload := make([]byte, 6)
	binary.LittleEndian.PutUint16(payload[0:], 1)      // pdu_length
	binary.LittleEndian.PutUint16(payload[2:], 0x0040) // cid
	frame := make([]byte, HeaderLen+len(payload))
	Header{Handle: 0x0010, Boundary: bt.BoundaryFirstNonFlushable, DataTotalLength: uint16(len(payload))}.Marshal(frame)
	copy(frame[HeaderLen:], payload)

	mgr := &fakeManager{exists: false}
	d.SetManager(mgr)
	handled, err := d.HandleAclData(bt.FromController, frame)
	if err != nil {
		t.Fatalf("HandleAclData: %v", err)
	}
	if handled {
		t.Error("handled = true, want false: malformed pdu for an unclaimed channel must still pass through")
	}

	mgr.exists = true
	handled, err = d.HandleAclData(bt.FromController, frame)
	if err != nil {
		t.Fatalf("HandleAclData: %v", err)
	}
	if !handled {
		t.Error("handled = false, want true: malformed pdu for a claimed channel is dropped")
	}
}

func TestHandleAclDataReassemblesContinuingFragments(t *testing.T) {
	d := NewDataChannel(&bytes.Buffer{}, DefaultOptions(), nil, discardLogger())
	d.HandleConnectionComplete(0, 0x0010, bt.TransportLE)
	mgr := &fakeManager{exists: true}
	d.SetManager(mgr)

	// Declared L2CAP PDU is 6 bytes (4 header + 2 payload), but the first
	// ACL fragment only carries part of it.
	first := make([]byte, HeaderLen+4)
	binary.LittleEndian.PutUint16(first[HeaderLen:], 2)      // pdu_length
	binary.LittleEndian.PutUint16(first[HeaderLen+2:], 0x0040) // cid
	Header{Handle: 0x0010, Boundary: bt.BoundaryFirstNonFlushable, DataTotalLength: 4}.Marshal(first)

	handled, err := d.HandleAclData(bt.FromController, first)
	if err != nil {
		t.Fatalf("HandleAclData (first fragment): %v", err)
	}
	if !handled {
		t.Error("first fragment: handled = false, want true (recombination in progress)")
	}
	if mgr.dispatched {
		t.Error("DispatchPDU called before recombination completed")
	}

	cont := make([]byte, HeaderLen+2)
	cont[HeaderLen], cont[HeaderLen+1] = 0xAA, 0xBB
	Header{Handle: 0x0010, Boundary: bt.BoundaryContinuingFragment, DataTotalLength: 2}.Marshal(cont)

	handled, err = d.HandleAclData(bt.FromController, cont)
	if err != nil {
		t.Fatalf("HandleAclData (continuation): %v", err)
	}
	if !handled {
		t.Error("continuation: handled = false, want true")
	}
	if !mgr.dispatched {
		t.Fatal("DispatchPDU not called once recombination completed")
	}
	want := []byte{0x02, 0x00, 0x40, 0x00, 0xAA, 0xBB}
	if !bytes.Equal(mgr.dispatchArgs, want) {
		t.Errorf("recombined pdu = %v, want %v", mgr.dispatchArgs, want)
	}
}
