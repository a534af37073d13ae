package protocol

import (
	"github.com/resolvingarchitecture/ra-common/pkg/protocol/codec"
)

// envelopeWire is the serialized shape of an Envelope. The slip travels as
// its pending routes, bottom to top; popped history stays on the node that
// executed it.
type envelopeWire struct {
	ID         uint64            `json:"id,string" cbor:"1,keyasint" msgpack:"id"`
	Sig        string            `json:"sig,omitempty" cbor:"2,keyasint,omitempty" msgpack:"sig,omitempty"`
	Routes     []Route           `json:"routes" cbor:"3,keyasint" msgpack:"routes"`
	InProgress bool              `json:"in_progress,omitempty" cbor:"4,keyasint,omitempty" msgpack:"in_progress,omitempty"`
	Headers    map[string]string `json:"headers,omitempty" cbor:"5,keyasint,omitempty" msgpack:"headers,omitempty"`
	Payload    Payload           `json:"payload" cbor:"6,keyasint" msgpack:"payload"`
	DelayUntil uint64            `json:"delay_until,omitempty" cbor:"7,keyasint,omitempty" msgpack:"delay_until,omitempty"`
	MinDelay   uint64            `json:"min_delay,omitempty" cbor:"8,keyasint,omitempty" msgpack:"min_delay,omitempty"`
	MaxDelay   uint64            `json:"max_delay,omitempty" cbor:"9,keyasint,omitempty" msgpack:"max_delay,omitempty"`
	ReplyTo    []Route           `json:"reply_to,omitempty" cbor:"10,keyasint,omitempty" msgpack:"reply_to,omitempty"`
}

func (e *Envelope) toWire() *envelopeWire {
	w := &envelopeWire{
		ID:         e.ID,
		Sig:        e.Sig,
		Headers:    e.Headers,
		Payload:    e.Payload,
		DelayUntil: e.DelayUntil,
		MinDelay:   e.MinDelay,
		MaxDelay:   e.MaxDelay,
		ReplyTo:    e.ReplyTo,
	}
	if e.Slip != nil {
		w.Routes = e.Slip.Routes()
		w.InProgress = e.Slip.InProgress()
	}
	return w
}

func (w *envelopeWire) toEnvelope() *Envelope {
	e := &Envelope{
		ID:         w.ID,
		Sig:        w.Sig,
		Slip:       restoreSlip(w.Routes, w.InProgress),
		Headers:    w.Headers,
		Payload:    w.Payload,
		DelayUntil: w.DelayUntil,
		MinDelay:   w.MinDelay,
		MaxDelay:   w.MaxDelay,
		ReplyTo:    w.ReplyTo,
	}
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	return e
}

// packetBody is everything of a Packet that is not in the fixed header.
type packetBody struct {
	From     string        `json:"from,omitempty" cbor:"1,keyasint,omitempty" msgpack:"from,omitempty"`
	To       string        `json:"to,omitempty" cbor:"2,keyasint,omitempty" msgpack:"to,omitempty"`
	Sig      []byte        `json:"sig,omitempty" cbor:"3,keyasint,omitempty" msgpack:"sig,omitempty"`
	Envelope *envelopeWire `json:"envelope,omitempty" cbor:"4,keyasint,omitempty" msgpack:"envelope,omitempty"`
	Payload  []byte        `json:"payload,omitempty" cbor:"5,keyasint,omitempty" msgpack:"payload,omitempty"`
}

// EncodeEnvelope serializes a standalone envelope with a leading format byte.
func EncodeEnvelope(r *codec.Registry, f Format, e *Envelope) ([]byte, error) {
	return EncodeBody(r, f, e.toWire())
}

// DecodeEnvelope parses a blob produced by EncodeEnvelope.
func DecodeEnvelope(r *codec.Registry, b []byte) (*Envelope, Format, error) {
	var w envelopeWire
	f, err := DecodeBody(r, b, &w)
	if err != nil {
		return nil, f, err
	}
	e := w.toEnvelope()
	if err := e.ValidateDelay(); err != nil {
		return nil, f, err
	}
	return e, f, nil
}
