package hcievent

import (
	"encoding/binary"
	"testing"
)

func TestParseHeaderValidatesLength(t *testing.T) {
	b := []byte{byte(CodeCommandComplete), 2, 0xAA, 0xBB}
	hdr, params, err := ParseHeader(b)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.Code != CodeCommandComplete || hdr.Plen != 2 {
		t.Errorf("hdr = %+v", hdr)
	}
	if len(params) != 2 {
		t.Fatalf("params = %v, want 2 bytes", params)
	}

	if _, _, err := ParseHeader([]byte{byte(CodeCommandComplete), 5, 0x01}); err == nil {
		t.Fatal("mismatched plen: expected error, got nil")
	}
}

func TestParseCommandComplete(t *testing.T) {
	params := []byte{1, 0x05, 0x10, 0xFF, 0xEE}
	op, ret, err := ParseCommandComplete(params)
	if err != nil {
		t.Fatalf("ParseCommandComplete: %v", err)
	}
	if op != OpReadBufferSize {
		t.Errorf("op = %#x, want %#x", op, OpReadBufferSize)
	}
	if len(ret) != 2 || ret[0] != 0xFF || ret[1] != 0xEE {
		t.Errorf("ret = %v, want [0xFF 0xEE]", ret)
	}
}

func TestTotalNumACLDataPacketsRoundTrip(t *testing.T) {
	ret := make([]byte, 8)
	binary.LittleEndian.PutUint16(ret[4:], 20)
	total, err := TotalNumACLDataPackets(ret)
	if err != nil {
		t.Fatalf("TotalNumACLDataPackets: %v", err)
	}
	if total != 20 {
		t.Errorf("total = %d, want 20", total)
	}
	if err := SetTotalNumACLDataPackets(ret, 15); err != nil {
		t.Fatalf("SetTotalNumACLDataPackets: %v", err)
	}
	if got := binary.LittleEndian.Uint16(ret[4:]); got != 15 {
		t.Errorf("rewritten value = %d, want 15", got)
	}
}

func TestLEReadBufferSizeV1Fields(t *testing.T) {
	ret := []byte{0, 0xFB, 0x00, 10}
	dataLen, total, err := LEReadBufferSizeV1Fields(ret)
	if err != nil {
		t.Fatalf("LEReadBufferSizeV1Fields: %v", err)
	}
	if dataLen != 0xFB || total != 10 {
		t.Errorf("dataLen=%d total=%d, want 251, 10", dataLen, total)
	}
	if err := SetLEReadBufferSizeV1TotalPackets(ret, 7); err != nil {
		t.Fatalf("SetLEReadBufferSizeV1TotalPackets: %v", err)
	}
	if ret[3] != 7 {
		t.Errorf("ret[3] = %d, want 7", ret[3])
	}
}

func TestParseNumberOfCompletedPacketsRoundTrip(t *testing.T) {
	params := make([]byte, 1+2*4)
	params[0] = 2
	binary.LittleEndian.PutUint16(params[1:], 0x0010)
	binary.LittleEndian.PutUint16(params[3:], 3)
	binary.LittleEndian.PutUint16(params[5:], 0x0020)
	binary.LittleEndian.PutUint16(params[7:], 5)

	entries, err := ParseNumberOfCompletedPackets(params)
	if err != nil {
		t.Fatalf("ParseNumberOfCompletedPackets: %v", err)
	}
	if len(entries) != 2 || entries[0].Handle != 0x0010 || entries[0].NumCompletedPackets != 3 {
		t.Fatalf("entries = %+v", entries)
	}

	entries[0].NumCompletedPackets = 1
	if err := WriteNumberOfCompletedPackets(params, entries); err != nil {
		t.Fatalf("WriteNumberOfCompletedPackets: %v", err)
	}
	if got := binary.LittleEndian.Uint16(params[3:]); got != 1 {
		t.Errorf("rewritten count = %d, want 1", got)
	}
}

func TestParseConnectionCompleteMasksHandle(t *testing.T) {
	params := []byte{0, 0xFF, 0xFF, 0, 0, 0}
	status, handle, err := ParseConnectionComplete(params)
	if err != nil {
		t.Fatalf("ParseConnectionComplete: %v", err)
	}
	if status != 0 {
		t.Errorf("status = %d, want 0", status)
	}
	if handle != 0x0FFF {
		t.Errorf("handle = %#x, want 0x0FFF (top nibble masked)", handle)
	}
}

func TestParseDisconnectionComplete(t *testing.T) {
	params := []byte{0x0E, 0x10, 0x00, 0x13}
	status, handle, reason, err := ParseDisconnectionComplete(params)
	if err != nil {
		t.Fatalf("ParseDisconnectionComplete: %v", err)
	}
	if status != 0x0E || handle != 0x0010 || reason != 0x13 {
		t.Errorf("status=%#x handle=%#x reason=%#x", status, handle, reason)
	}
}

func TestParseLEMetaAndConnectionCompleteLike(t *testing.T) {
	data := []byte{0, 0x20, 0x00}
	params := append([]byte{byte(LESubeventConnectionComplete)}, data...)
	subevent, rest, err := ParseLEMeta(params)
	if err != nil {
		t.Fatalf("ParseLEMeta: %v", err)
	}
	if subevent != LESubeventConnectionComplete {
		t.Errorf("subevent = %#x, want %#x", subevent, LESubeventConnectionComplete)
	}
	status, handle, err := ParseLEConnectionCompleteLike(rest)
	if err != nil {
		t.Fatalf("ParseLEConnectionCompleteLike: %v", err)
	}
	if status != 0 || handle != 0x0020 {
		t.Errorf("status=%d handle=%#x, want 0, 0x20", status, handle)
	}
}

func TestSuccess(t *testing.T) {
	if !Success(0x00) {
		t.Error("Success(0x00) = false, want true")
	}
	if Success(0x0E) {
		t.Error("Success(0x0E) = true, want false")
	}
}
