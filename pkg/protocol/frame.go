package protocol

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/resolvingarchitecture/ra-common/pkg/protocol/codec"
)

const (
	// DefaultMaxBody bounds a single frame body.
	DefaultMaxBody = 16 << 20
	// DefaultCompressAbove is the body size from which zstd is applied.
	DefaultCompressAbove = 1024
)

// Framer turns Packets into wire frames and back. A Framer is safe for
// concurrent use.
type Framer struct {
	reg           *codec.Registry
	format        Format
	compressAbove int
	maxBody       uint32

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// FramerOption configures a Framer.
type FramerOption func(*Framer)

// WithFormat selects the body codec used for outgoing frames.
func WithFormat(f Format) FramerOption { return func(fr *Framer) { fr.format = f } }

// WithRegistry overrides the codec registry.
func WithRegistry(r *codec.Registry) FramerOption { return func(fr *Framer) { fr.reg = r } }

// WithCompressAbove sets the compression threshold; negative disables it.
func WithCompressAbove(n int) FramerOption { return func(fr *Framer) { fr.compressAbove = n } }

// WithMaxBody sets the largest accepted body.
func WithMaxBody(n uint32) FramerOption { return func(fr *Framer) { fr.maxBody = n } }

// NewFramer builds a framer; CBOR bodies and zstd above 1 KiB by default.
func NewFramer(opts ...FramerOption) (*Framer, error) {
	fr := &Framer{
		format:        FormatCBOR,
		compressAbove: DefaultCompressAbove,
		maxBody:       DefaultMaxBody,
	}
	for _, o := range opts {
		o(fr)
	}
	if fr.reg == nil {
		fr.reg = codec.NewRegistry()
	}
	if _, err := CodecFor(fr.reg, fr.format); err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(fr.maxBody)))
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	fr.enc, fr.dec = enc, dec
	return fr, nil
}

// Format returns the outgoing body format.
func (fr *Framer) Format() Format { return fr.format }

// Close releases compressor resources.
func (fr *Framer) Close() error {
	fr.dec.Close()
	return fr.enc.Close()
}

// Encode serializes p into a single frame.
func (fr *Framer) Encode(p *Packet) ([]byte, error) {
	h := p.header()
	h.Format = fr.format
	body := packetBody{From: p.From, To: p.To, Sig: p.Sig, Payload: p.Payload}
	if p.Envelope != nil {
		body.Envelope = p.Envelope.toWire()
	}
	b, err := marshalWith(fr.reg, fr.format, &body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", p.Type, err)
	}
	if fr.compressAbove >= 0 && len(b) >= fr.compressAbove {
		b = fr.enc.EncodeAll(b, make([]byte, 0, len(b)/2))
		h.Flags |= FlagCompressed
	} else {
		h.Flags &^= FlagCompressed
	}
	if uint64(len(b)) > uint64(fr.maxBody) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(b))
	}
	h.BodyLen = uint32(len(b))
	out := make([]byte, HeaderSize+len(b))
	h.put(out)
	copy(out[HeaderSize:], b)
	return out, nil
}

// Decode parses a complete frame.
func (fr *Framer) Decode(frame []byte) (*Packet, error) {
	var h Header
	if err := h.UnmarshalBinary(frame); err != nil {
		return nil, err
	}
	if h.BodyLen > fr.maxBody {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.BodyLen)
	}
	if len(frame) < HeaderSize+int(h.BodyLen) {
		return nil, fmt.Errorf("%w: body %d of %d bytes", ErrShortFrame, len(frame)-HeaderSize, h.BodyLen)
	}
	return fr.decodeBody(h, frame[HeaderSize:HeaderSize+int(h.BodyLen)])
}

func (fr *Framer) decodeBody(h Header, b []byte) (*Packet, error) {
	if h.Version != Version {
		return nil, fmt.Errorf("unsupported frame version %d", h.Version)
	}
	if h.Has(FlagCompressed) {
		raw, err := fr.dec.DecodeAll(b, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress body: %w", err)
		}
		b = raw
	}
	var body packetBody
	if err := unmarshalWith(fr.reg, h.Format, b, &body); err != nil {
		return nil, fmt.Errorf("decode %s body: %w", h.Type, err)
	}
	p := &Packet{
		Type:    h.Type,
		Network: h.Network,
		Flags:   h.Flags &^ (FlagCompressed | FlagEnvelope | FlagSigned),
		From:    body.From,
		To:      body.To,
		Sig:     body.Sig,
		Payload: body.Payload,
	}
	if h.Has(FlagEnvelope) {
		if body.Envelope == nil {
			return nil, fmt.Errorf("%w: envelope flag without envelope", ErrShortFrame)
		}
		e := body.Envelope.toEnvelope()
		e.ID = h.ID
		e.DelayUntil, e.MinDelay, e.MaxDelay = h.DelayUntil, h.MinDelay, h.MaxDelay
		if err := e.ValidateDelay(); err != nil {
			return nil, err
		}
		p.Envelope = e
	}
	return p, nil
}

// WriteTo writes one frame of p to w.
func (fr *Framer) WriteTo(w io.Writer, p *Packet) error {
	b, err := fr.Encode(p)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadFrom reads exactly one frame from r.
func (fr *Framer) ReadFrom(r io.Reader) (*Packet, error) {
	var hb [HeaderSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return nil, err
	}
	var h Header
	if err := h.UnmarshalBinary(hb[:]); err != nil {
		return nil, err
	}
	if h.BodyLen > fr.maxBody {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.BodyLen)
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return fr.decodeBody(h, body)
}
