// Package hcievent parses and, where spec.md requires rewriting, mutates
// in place the handful of HCI event parameter blocks the proxy core
// consumes. It is the Go-idiomatic stand-in for the structured codec
// ("Emboss") spec section 1 names as an external dependency: plain
// byte-offset parsing via encoding/binary, following the
// Unmarshal([]byte) error convention the teacher's
// linux/internal/event package uses for every *EP parameter struct.
package hcievent

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/XC-/btproxy/bt"
)

// Code identifies an HCI event packet (the byte following the H4 type
// prefix and preceding the 1-byte parameter length).
type Code uint8

const (
	CodeConnectionComplete       Code = 0x03
	CodeDisconnectionComplete    Code = 0x05
	CodeCommandComplete          Code = 0x0E
	CodeCommandStatus            Code = 0x0F
	CodeNumberOfCompletedPackets Code = 0x13
	CodeLEMeta                   Code = 0x3E
)

// LESubevent identifies the subevent code carried by an LE Meta event.
type LESubevent uint8

const (
	LESubeventConnectionComplete            LESubevent = 0x01
	LESubeventEnhancedConnectionCompleteV1  LESubevent = 0x0A
	LESubeventEnhancedConnectionCompleteV2  LESubevent = 0x29
)

// Opcode identifies the command a CommandComplete event answers.
type Opcode uint16

const (
	OpReadBufferSize     Opcode = 0x1005
	OpLEReadBufferSizeV1 Opcode = 0x2002
	OpLEReadBufferSizeV2 Opcode = 0x2060
)

const hciStatusSuccess = 0x00

// Success reports whether an HCI status byte indicates success.
func Success(status uint8) bool { return status == hciStatusSuccess }

// Header is the 2-byte event header: {code, parameter length}.
type Header struct {
	Code Code
	Plen uint8
}

// ParseHeader reads the 2-byte event header and validates that b carries
// exactly Plen bytes of parameters after it.
func ParseHeader(b []byte) (Header, []byte, error) {
	if len(b) < 2 {
		return Header{}, nil, errors.Wrap(bt.ErrInvalidArgument, "short event header")
	}
	h := Header{Code: Code(b[0]), Plen: b[1]}
	params := b[2:]
	if len(params) != int(h.Plen) {
		return Header{}, nil, errors.Wrap(bt.ErrInvalidArgument, "event length mismatch")
	}
	return h, params, nil
}

// ParseCommandComplete splits a CommandComplete event's parameters into
// the opcode it answers and the command-specific return parameters that
// follow num_hci_command_packets and opcode.
func ParseCommandComplete(params []byte) (Opcode, []byte, error) {
	if len(params) < 3 {
		return 0, nil, errors.Wrap(bt.ErrInvalidArgument, "short command complete")
	}
	op := Opcode(binary.LittleEndian.Uint16(params[1:3]))
	return op, params[3:], nil
}

// Layout of (classic) ReadBufferSize return parameters:
// status:1 acl_data_packet_length:2 sco_or_iso_data_packet_length:1
// total_num_acl_data_packets:2 total_num_sco_data_packets:2
const (
	bufferSizeStatusOffset                  = 0
	bufferSizeTotalNumACLDataPacketsOffset  = 4
	bufferSizeMinLen                        = 8
)

// TotalNumACLDataPackets reads total_num_acl_data_packets from a
// ReadBufferSize (classic) command-complete's return parameters; the LE
// variants use LEReadBufferSizeV1Fields / LEReadBufferSizeV2Fields.
func TotalNumACLDataPackets(ret []byte) (uint16, error) {
	if len(ret) < bufferSizeMinLen {
		return 0, errors.Wrap(bt.ErrInvalidArgument, "short read buffer size return params")
	}
	return binary.LittleEndian.Uint16(ret[bufferSizeTotalNumACLDataPacketsOffset:]), nil
}

// SetTotalNumACLDataPackets rewrites total_num_acl_data_packets in place.
func SetTotalNumACLDataPackets(ret []byte, v uint16) error {
	if len(ret) < bufferSizeMinLen {
		return errors.Wrap(bt.ErrInvalidArgument, "short read buffer size return params")
	}
	binary.LittleEndian.PutUint16(ret[bufferSizeTotalNumACLDataPacketsOffset:], v)
	return nil
}

// LEReadBufferSizeV1 return parameters:
// status:1 le_acl_data_packet_length:2 total_num_le_acl_data_packets:1
const (
	leV1DataPacketLengthOffset = 1
	leV1TotalPacketsOffset     = 3
	leV1MinLen                 = 4
)

// LEReadBufferSizeV1Fields reads le_acl_data_packet_length and the
// (1-byte, unlike the classic event's 2-byte) total_num_le_acl_data_packets.
func LEReadBufferSizeV1Fields(ret []byte) (dataPacketLength uint16, totalPackets uint16, err error) {
	if len(ret) < leV1MinLen {
		return 0, 0, errors.Wrap(bt.ErrInvalidArgument, "short le read buffer size v1 return params")
	}
	dataPacketLength = binary.LittleEndian.Uint16(ret[leV1DataPacketLengthOffset:])
	totalPackets = uint16(ret[leV1TotalPacketsOffset])
	return dataPacketLength, totalPackets, nil
}

// SetLEReadBufferSizeV1TotalPackets rewrites the 1-byte
// total_num_le_acl_data_packets field in place.
func SetLEReadBufferSizeV1TotalPackets(ret []byte, v uint16) error {
	if len(ret) < leV1MinLen {
		return errors.Wrap(bt.ErrInvalidArgument, "short le read buffer size v1 return params")
	}
	ret[leV1TotalPacketsOffset] = byte(v)
	return nil
}

// LEReadBufferSizeV2 return parameters (Core 5.2+):
// status:1 le_acl_data_packet_length:2 total_num_le_acl_data_packets:1
// iso_data_packet_length:2 total_num_iso_data_packets:1
const (
	leV2DataPacketLengthOffset = 1
	leV2TotalPacketsOffset     = 3
	leV2MinLen                 = 7
)

// LEReadBufferSizeV2Fields reads the ACL-relevant fields of a
// LEReadBufferSizeV2 command complete; the ISO fields are untouched and
// forwarded as-is.
func LEReadBufferSizeV2Fields(ret []byte) (dataPacketLength uint16, totalPackets uint16, err error) {
	if len(ret) < leV2MinLen {
		return 0, 0, errors.Wrap(bt.ErrInvalidArgument, "short le read buffer size v2 return params")
	}
	dataPacketLength = binary.LittleEndian.Uint16(ret[leV2DataPacketLengthOffset:])
	totalPackets = uint16(ret[leV2TotalPacketsOffset])
	return dataPacketLength, totalPackets, nil
}

// SetLEReadBufferSizeV2TotalPackets rewrites the 1-byte
// total_num_le_acl_data_packets field in place.
func SetLEReadBufferSizeV2TotalPackets(ret []byte, v uint16) error {
	if len(ret) < leV2MinLen {
		return errors.Wrap(bt.ErrInvalidArgument, "short le read buffer size v2 return params")
	}
	ret[leV2TotalPacketsOffset] = byte(v)
	return nil
}

// CompletedPacketsEntry is one (handle, count) pair within a
// NumberOfCompletedPackets event.
type CompletedPacketsEntry struct {
	Handle              uint16
	NumCompletedPackets uint16
}

// ParseNumberOfCompletedPackets parses the variable-length
// NumberOfCompletedPackets event parameters:
// num_handles:1 { handle:2, num_completed_packets:2 } * num_handles
func ParseNumberOfCompletedPackets(params []byte) ([]CompletedPacketsEntry, error) {
	if len(params) < 1 {
		return nil, errors.Wrap(bt.ErrInvalidArgument, "short number of completed packets event")
	}
	n := int(params[0])
	want := 1 + n*4
	if len(params) != want {
		return nil, errors.Wrap(bt.ErrInvalidArgument, "number of completed packets length mismatch")
	}
	entries := make([]CompletedPacketsEntry, n)
	off := 1
	for i := 0; i < n; i++ {
		entries[i] = CompletedPacketsEntry{
			Handle:              binary.LittleEndian.Uint16(params[off:]) & 0x0FFF,
			NumCompletedPackets: binary.LittleEndian.Uint16(params[off+2:]),
		}
		off += 4
	}
	return entries, nil
}

// WriteNumberOfCompletedPackets rewrites the counts in place; the number
// and order of entries must match what ParseNumberOfCompletedPackets
// returned for the same buffer.
func WriteNumberOfCompletedPackets(params []byte, entries []CompletedPacketsEntry) error {
	n := int(params[0])
	if n != len(entries) {
		return errors.Wrap(bt.ErrInvalidArgument, "entry count changed")
	}
	off := 1
	for _, e := range entries {
		binary.LittleEndian.PutUint16(params[off:], e.Handle)
		binary.LittleEndian.PutUint16(params[off+2:], e.NumCompletedPackets)
		off += 4
	}
	return nil
}

// ParseConnectionComplete reads status and connection handle from a
// classic ConnectionComplete event; remaining fields (bdaddr, link type,
// encryption) are outside the proxy's concern and left untouched.
func ParseConnectionComplete(params []byte) (status uint8, handle uint16, err error) {
	if len(params) < 3 {
		return 0, 0, errors.Wrap(bt.ErrInvalidArgument, "short connection complete event")
	}
	return params[0], binary.LittleEndian.Uint16(params[1:]) & 0x0FFF, nil
}

// ParseDisconnectionComplete reads status, handle and reason from a
// DisconnectionComplete event.
func ParseDisconnectionComplete(params []byte) (status uint8, handle uint16, reason uint8, err error) {
	if len(params) < 4 {
		return 0, 0, 0, errors.Wrap(bt.ErrInvalidArgument, "short disconnection complete event")
	}
	return params[0], binary.LittleEndian.Uint16(params[1:]) & 0x0FFF, params[3], nil
}

// ParseLEMeta splits an LE Meta event into its subevent code and the
// subevent-specific bytes that follow it.
func ParseLEMeta(params []byte) (LESubevent, []byte, error) {
	if len(params) < 1 {
		return 0, nil, errors.Wrap(bt.ErrInvalidArgument, "short le meta event")
	}
	return LESubevent(params[0]), params[1:], nil
}

// ParseLEConnectionCompleteLike reads status and handle from the
// leading bytes shared by LEConnectionComplete, LEEnhancedConnectionComplete
// V1 and V2 subevent data: status:1 handle:2 ... (fields diverge after
// the handle, which the proxy does not need).
func ParseLEConnectionCompleteLike(data []byte) (status uint8, handle uint16, err error) {
	if len(data) < 3 {
		return 0, 0, errors.Wrap(bt.ErrInvalidArgument, "short le connection complete subevent")
	}
	return data[0], binary.LittleEndian.Uint16(data[1:]) & 0x0FFF, nil
}
