package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func testEnvelope(t *testing.T, payload []byte) *Envelope {
	t.Helper()
	e, err := NewEnvelope(
		WithRoutes(NewRoute("inbox", "deliver"), NewRoute("relay", "forward").To(Addr{Network: NetworkTOR, Address: "abc.onion:80"})),
		WithBytes(payload),
		WithHeader(HeaderContentType, ContentUnknown),
	)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	e.DelayUntil = 1_700_000_000_123
	e.MinDelay, e.MaxDelay = 5, 50
	e.Slip.Start()
	return e
}

func TestFramerRoundtripFormats(t *testing.T) {
	for _, f := range []Format{FormatJSON, FormatCBOR, FormatProto, FormatMsgPack} {
		fr, err := NewFramer(WithFormat(f))
		if err != nil {
			t.Fatalf("%v framer: %v", f, err)
		}
		e := testEnvelope(t, []byte("hello"))
		p := NewDataPacket(NetworkTOR, "did:ra:a", "did:ra:b", e)
		p.Sig = []byte{1, 2, 3}
		b, err := fr.Encode(p)
		if err != nil {
			t.Fatalf("%v encode: %v", f, err)
		}
		h, _ := PeekHeader(b)
		if h.ID != e.ID || h.Format != f || !h.Has(FlagEnvelope|FlagSigned) {
			t.Fatalf("%v header mismatch: %+v", f, h)
		}
		d, err := fr.Decode(b)
		if err != nil {
			t.Fatalf("%v decode: %v", f, err)
		}
		if d.Type != PacketData || d.From != "did:ra:a" || d.To != "did:ra:b" || !bytes.Equal(d.Sig, p.Sig) {
			t.Fatalf("%v packet mismatch: %+v", f, d)
		}
		de := d.Envelope
		if de == nil || de.ID != e.ID || !bytes.Equal(de.Payload.Bytes, []byte("hello")) {
			t.Fatalf("%v envelope mismatch: %+v", f, de)
		}
		if de.DelayUntil != e.DelayUntil || de.MinDelay != 5 || de.MaxDelay != 50 || !de.Slip.InProgress() {
			t.Fatalf("%v delay/progress mismatch: %+v", f, de)
		}
		top, _ := de.Slip.CurrentRoute()
		if top.Service != "relay" || top.Destination == nil || top.Destination.Network != NetworkTOR {
			t.Fatalf("%v route mismatch: %+v", f, top)
		}
		_ = fr.Close()
	}
}

func TestFramerCompression(t *testing.T) {
	fr, err := NewFramer(WithCompressAbove(64))
	if err != nil {
		t.Fatalf("framer: %v", err)
	}
	defer fr.Close()
	payload := []byte(strings.Repeat("mix", 2000))
	b, err := fr.Encode(NewDataPacket(NetworkIP, "a", "b", testEnvelope(t, payload)))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	h, _ := PeekHeader(b)
	if !h.Has(FlagCompressed) {
		t.Fatalf("expected compressed body")
	}
	if len(b) >= len(payload) {
		t.Fatalf("frame not smaller than payload: %d", len(b))
	}
	d, err := fr.Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(d.Envelope.Payload.Bytes, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestFramerStream(t *testing.T) {
	fr, _ := NewFramer()
	defer fr.Close()
	var buf bytes.Buffer
	if err := fr.WriteTo(&buf, NewControlPacket(PacketSyn, NetworkIP, "did:ra:a", []byte("hello"))); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := fr.WriteTo(&buf, NewControlPacket(PacketFin, NetworkIP, "did:ra:a", nil)); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := fr.ReadFrom(&buf)
	if err != nil || p.Type != PacketSyn || string(p.Payload) != "hello" || p.Envelope != nil {
		t.Fatalf("first frame: %+v %v", p, err)
	}
	p, err = fr.ReadFrom(&buf)
	if err != nil || p.Type != PacketFin {
		t.Fatalf("second frame: %+v %v", p, err)
	}
}

func TestFramerRejects(t *testing.T) {
	fr, _ := NewFramer(WithMaxBody(32), WithCompressAbove(-1))
	defer fr.Close()
	if _, err := fr.Encode(NewDataPacket(NetworkIP, "a", "b", testEnvelope(t, make([]byte, 64)))); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("want ErrFrameTooLarge, got %v", err)
	}
	big, _ := NewFramer()
	defer big.Close()
	b, _ := big.Encode(NewControlPacket(PacketAck, NetworkIP, "a", nil))
	if _, err := big.Decode(b[:len(b)-1]); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("want ErrShortFrame, got %v", err)
	}
}
