package protocol

import (
	"errors"
	"testing"
)

func TestHeaderRoundtrip(t *testing.T) {
	h := Header{
		Version:    Version,
		Type:       PacketAck,
		Flags:      FlagCompressed | FlagEnvelope,
		Network:    NetworkI2P,
		Format:     FormatMsgPack,
		ID:         0x1122334455667788,
		DelayUntil: 1_700_000_000_000,
		MinDelay:   10,
		MaxDelay:   250,
		BodyLen:    1234,
	}
	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(b) != HeaderSize {
		t.Fatalf("want %d bytes, got %d", HeaderSize, len(b))
	}
	if b[0] != 0x41 || b[1] != 0x52 {
		t.Fatalf("magic not little-endian 0x5241: %x %x", b[0], b[1])
	}
	var d Header
	if err := d.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d != h {
		t.Fatalf("roundtrip mismatch:\n%+v\n%+v", d, h)
	}
}

func TestHeaderErrors(t *testing.T) {
	var h Header
	if err := h.UnmarshalBinary(make([]byte, 10)); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("want ErrShortFrame, got %v", err)
	}
	if err := h.UnmarshalBinary(make([]byte, HeaderSize)); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("want ErrBadMagic, got %v", err)
	}
}
