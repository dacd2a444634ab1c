package acl

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/XC-/btproxy/bt"
)

// HeaderLen is the size in bytes of an ACL data packet header.
const HeaderLen = 4

// Header is the ACL data header of spec section 6: a 12-bit connection
// handle plus packet boundary / broadcast flags packed into the top
// nibble, followed by a 16-bit total length. Grounded on
// linux/internal/l2cap.aclData.Unmarshal in the teacher, which parses
// the identical layout by hand rather than via a struct tag codec.
type Header struct {
	Handle          uint16
	Boundary        bt.BoundaryFlag
	Broadcast       uint8
	DataTotalLength uint16
}

// ParseHeader reads the 4-byte ACL header from the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, errors.Wrap(bt.ErrInvalidArgument, "short acl header")
	}
	hf := binary.LittleEndian.Uint16(b[0:2])
	return Header{
		Handle:          hf & 0x0FFF,
		Boundary:        bt.BoundaryFlag((hf >> 12) & 0x3),
		Broadcast:       uint8((hf >> 14) & 0x3),
		DataTotalLength: binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}

// Marshal writes the header into the first HeaderLen bytes of buf.
func (h Header) Marshal(buf []byte) {
	hf := (h.Handle & 0x0FFF) | (uint16(h.Boundary)&0x3)<<12 | (uint16(h.Broadcast)&0x3)<<14
	binary.LittleEndian.PutUint16(buf[0:2], hf)
	binary.LittleEndian.PutUint16(buf[2:4], h.DataTotalLength)
}
