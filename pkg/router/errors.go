package router

import (
	"errors"
	"fmt"

	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
)

var (
	// ErrMalformed is returned synchronously for envelopes that must never
	// enter the router: empty slip before dispatch or an invalid delay window.
	ErrMalformed = errors.New("malformed envelope")
	// ErrNotCancellable is returned once the final route has been popped.
	ErrNotCancellable = errors.New("envelope past final hop")
	// ErrUnknownEnvelope is returned when cancelling an id that is not in flight.
	ErrUnknownEnvelope = errors.New("unknown envelope")
	// ErrClosed is returned by a closed dispatcher or inbox.
	ErrClosed = errors.New("router closed")
	// ErrDuplicate is returned by the inbox for an id it already delivered.
	ErrDuplicate = errors.New("duplicate envelope")
)

// Reason classifies a delivery failure.
type Reason uint8

const (
	// ReasonTransientCeiling: the target stayed inadmissible past the retry ceiling.
	ReasonTransientCeiling Reason = iota + 1
	// ReasonTerminal: the target is in Error, Blocked or a shutdown state.
	ReasonTerminal
	// ReasonNoEndpoint: nothing resolves the current route.
	ReasonNoEndpoint
	// ReasonShutdown: the dispatcher closed before the envelope completed.
	ReasonShutdown
)

var (
	ErrTransientCeiling = errors.New("retry ceiling reached")
	ErrTerminal         = errors.New("target terminally inadmissible")
	ErrNoEndpoint       = errors.New("no endpoint for route")
	ErrShutdown         = errors.New("dispatcher shut down")
)

func (r Reason) String() string {
	switch r {
	case ReasonTransientCeiling:
		return "transient_ceiling"
	case ReasonTerminal:
		return "terminal"
	case ReasonNoEndpoint:
		return "no_endpoint"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

func (r Reason) sentinel() error {
	switch r {
	case ReasonTransientCeiling:
		return ErrTransientCeiling
	case ReasonTerminal:
		return ErrTerminal
	case ReasonNoEndpoint:
		return ErrNoEndpoint
	default:
		return ErrShutdown
	}
}

// DeliveryError is the only failure surfaced to producers once an envelope
// has entered the router. It never carries raw endpoint errors.
type DeliveryError struct {
	EnvelopeID uint64
	Route      protocol.Route
	// Status is the target's status when the envelope was failed, if known.
	Status string
	Reason Reason
}

func (e *DeliveryError) Error() string {
	msg := fmt.Sprintf("envelope %d: delivery failed at %s: %s", e.EnvelopeID, e.Route, e.Reason.sentinel())
	if e.Status != "" {
		msg += " (status " + e.Status + ")"
	}
	return msg
}

func (e *DeliveryError) Unwrap() error { return e.Reason.sentinel() }

func malformed(err error) error {
	return fmt.Errorf("%w: %w", ErrMalformed, err)
}
