package protocol

import (
	"encoding/binary"
	"fmt"
)

// Fixed header layout (48 bytes) read before the body so relays can make
// release decisions without decoding it. All integers are little-endian.
//
//	0  ..1   Magic      'R''A' (0x5241)
//	2        Version    u8
//	3        Type       u8
//	4  ..7   Flags      u32
//	8  ..9   Network    u16
//	10       Format     u8
//	11       Reserved   u8
//	12 ..19  ID         u64
//	20 ..27  DelayUntil u64 (ms since epoch)
//	28 ..35  MinDelay   u64 (ms)
//	36 ..43  MaxDelay   u64 (ms)
//	44 ..47  BodyLen    u32
const (
	HeaderSize = 48
	magicWord  = uint16(0x5241)
	// Version is the current frame version.
	Version uint8 = 1
)

// Header is the fixed-size prefix of every packet frame.
type Header struct {
	Version    uint8
	Type       PacketType
	Flags      uint32
	Network    NetworkID
	Format     Format
	ID         uint64
	DelayUntil uint64
	MinDelay   uint64
	MaxDelay   uint64
	BodyLen    uint32
}

// Has reports whether all bits of flag are set.
func (h *Header) Has(flag uint32) bool { return h.Flags&flag == flag }

// MarshalBinary encodes the header into a new 48-byte buffer.
func (h *Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	h.put(buf)
	return buf, nil
}

func (h *Header) put(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], magicWord)
	buf[2] = h.Version
	buf[3] = byte(h.Type)
	binary.LittleEndian.PutUint32(buf[4:8], h.Flags)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(h.Network))
	buf[10] = byte(h.Format)
	buf[11] = 0
	binary.LittleEndian.PutUint64(buf[12:20], h.ID)
	binary.LittleEndian.PutUint64(buf[20:28], h.DelayUntil)
	binary.LittleEndian.PutUint64(buf[28:36], h.MinDelay)
	binary.LittleEndian.PutUint64(buf[36:44], h.MaxDelay)
	binary.LittleEndian.PutUint32(buf[44:48], h.BodyLen)
}

// UnmarshalBinary decodes the header from the first 48 bytes of buf.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrShortFrame, len(buf))
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != magicWord {
		return ErrBadMagic
	}
	h.Version = buf[2]
	h.Type = PacketType(buf[3])
	h.Flags = binary.LittleEndian.Uint32(buf[4:8])
	h.Network = NetworkID(binary.LittleEndian.Uint16(buf[8:10]))
	h.Format = Format(buf[10])
	h.ID = binary.LittleEndian.Uint64(buf[12:20])
	h.DelayUntil = binary.LittleEndian.Uint64(buf[20:28])
	h.MinDelay = binary.LittleEndian.Uint64(buf[28:36])
	h.MaxDelay = binary.LittleEndian.Uint64(buf[36:44])
	h.BodyLen = binary.LittleEndian.Uint32(buf[44:48])
	return nil
}

// PeekHeader decodes only the header of a frame.
func PeekHeader(frame []byte) (Header, error) {
	var h Header
	err := h.UnmarshalBinary(frame)
	return h, err
}
