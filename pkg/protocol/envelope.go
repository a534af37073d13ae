package protocol

import (
	"fmt"
	"time"

	"github.com/resolvingarchitecture/ra-common/pkg/entropy"
)

// Payload is the opaque content of an envelope: raw bytes, a string map, or
// both.
type Payload struct {
	Bytes  []byte            `json:"bytes,omitempty" cbor:"1,keyasint,omitempty" msgpack:"bytes,omitempty"`
	Fields map[string]string `json:"fields,omitempty" cbor:"2,keyasint,omitempty" msgpack:"fields,omitempty"`
}

// Len is a rough size used for queue accounting.
func (p Payload) Len() int {
	n := len(p.Bytes)
	for k, v := range p.Fields {
		n += len(k) + len(v)
	}
	return n
}

// Envelope is the unit routed through the overlay: a routing slip, headers,
// payload and mix-delay parameters. An envelope has exactly one owner at a
// time; ownership moves with the pointer.
type Envelope struct {
	ID uint64
	// Sig is the originator's signature, carried opaquely.
	Sig     string
	Slip    *Slip
	Headers map[string]string
	Payload Payload
	// DelayUntil is an absolute release time in ms since epoch; 0 = now.
	DelayUntil uint64
	// MinDelay/MaxDelay bound the uniform jitter added per hop, in ms.
	MinDelay uint64
	MaxDelay uint64
	// ReplyTo is the return path, built hop by hop. The last element is
	// executed first when a reply is created.
	ReplyTo []Route
}

// Option configures an envelope at construction.
type Option func(*Envelope)

// WithRoutes pushes routes in the given order, so the last one runs first.
func WithRoutes(rs ...Route) Option {
	return func(e *Envelope) {
		for _, r := range rs {
			e.Slip.AddRoute(r)
		}
	}
}

// WithDelay sets the per-hop jitter window.
func WithDelay(min, max time.Duration) Option {
	return func(e *Envelope) {
		e.MinDelay = uint64(min / time.Millisecond)
		e.MaxDelay = uint64(max / time.Millisecond)
	}
}

// WithDelayUntil sets the absolute earliest release time.
func WithDelayUntil(t time.Time) Option {
	return func(e *Envelope) {
		if t.IsZero() {
			e.DelayUntil = 0
			return
		}
		e.DelayUntil = uint64(t.UnixMilli())
	}
}

// WithHeader sets a header.
func WithHeader(k, v string) Option {
	return func(e *Envelope) { e.Headers[k] = v }
}

// WithBytes sets an opaque payload.
func WithBytes(b []byte) Option {
	return func(e *Envelope) { e.Payload.Bytes = append([]byte(nil), b...) }
}

// WithFields sets a map payload.
func WithFields(m map[string]string) Option {
	return func(e *Envelope) {
		if e.Payload.Fields == nil {
			e.Payload.Fields = make(map[string]string, len(m))
		}
		for k, v := range m {
			e.Payload.Fields[k] = v
		}
	}
}

// WithID overrides the generated identifier.
func WithID(id uint64) Option {
	return func(e *Envelope) { e.ID = id }
}

// WithSource draws the identifier from src instead of the process source.
func WithSource(src entropy.Source) Option {
	return func(e *Envelope) { e.ID = src.Uint64() }
}

// NewEnvelope builds an envelope with a random id. It rejects an invalid
// delay window; an empty slip is accepted here and rejected at dispatch.
func NewEnvelope(opts ...Option) (*Envelope, error) {
	e := &Envelope{
		ID:      entropy.Default().Uint64(),
		Slip:    NewSlip(2),
		Headers: make(map[string]string),
	}
	for _, o := range opts {
		o(e)
	}
	if err := e.ValidateDelay(); err != nil {
		return nil, err
	}
	return e, nil
}

// ValidateDelay enforces min_delay <= max_delay.
func (e *Envelope) ValidateDelay() error {
	if e.MinDelay > e.MaxDelay {
		return fmt.Errorf("%w: min=%dms max=%dms", ErrInvalidDelay, e.MinDelay, e.MaxDelay)
	}
	return nil
}

// Validate performs the admission checks applied before an envelope enters
// the router: a valid delay window, at least one route, and well-formed hops.
func (e *Envelope) Validate() error {
	if err := e.ValidateDelay(); err != nil {
		return err
	}
	if e.Slip == nil || e.Slip.Remaining() == 0 {
		return ErrEmptySlip
	}
	for _, r := range e.Slip.Routes() {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// PushReply appends a hop to the return path.
func (e *Envelope) PushReply(r Route) {
	e.ReplyTo = append(e.ReplyTo, r.clone())
}

// Reply builds a new envelope whose slip is the return path of e. Headers
// are not copied; the delay window is.
func (e *Envelope) Reply(opts ...Option) (*Envelope, error) {
	base := []Option{func(r *Envelope) {
		r.MinDelay, r.MaxDelay = e.MinDelay, e.MaxDelay
		for _, rt := range e.ReplyTo {
			r.Slip.AddRoute(rt)
		}
	}}
	return NewEnvelope(append(base, opts...)...)
}

// Header returns a header value.
func (e *Envelope) Header(k string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[k]
}

// SetHeader sets a header value.
func (e *Envelope) SetHeader(k, v string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[k] = v
}

// Size estimates the envelope size for queue accounting.
func (e *Envelope) Size() int {
	n := 64 + e.Payload.Len()
	for k, v := range e.Headers {
		n += len(k) + len(v)
	}
	if e.Slip != nil {
		n += 32 * e.Slip.Remaining()
	}
	return n
}
