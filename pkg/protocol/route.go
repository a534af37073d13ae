package protocol

import "fmt"

// Addr identifies an endpoint on a specific overlay network.
type Addr struct {
	Network NetworkID `json:"network" cbor:"1,keyasint" msgpack:"network"`
	Address string    `json:"address" cbor:"2,keyasint" msgpack:"address"`
}

func (a Addr) String() string { return a.Network.String() + "://" + a.Address }

// IsZero reports whether the address is unset.
func (a Addr) IsZero() bool { return a.Network == NetworkUnknown && a.Address == "" }

// Route is a single hop of a routing slip: the service and operation to
// invoke plus optional addressing for hops that leave the local node.
type Route struct {
	Service     string `json:"service" cbor:"1,keyasint" msgpack:"service"`
	Operation   string `json:"operation" cbor:"2,keyasint" msgpack:"operation"`
	Origin      *Addr  `json:"origin,omitempty" cbor:"3,keyasint,omitempty" msgpack:"origin,omitempty"`
	Destination *Addr  `json:"destination,omitempty" cbor:"4,keyasint,omitempty" msgpack:"destination,omitempty"`
	RelayFrom   *Addr  `json:"relay_from,omitempty" cbor:"5,keyasint,omitempty" msgpack:"relay_from,omitempty"`
	RelayTo     *Addr  `json:"relay_to,omitempty" cbor:"6,keyasint,omitempty" msgpack:"relay_to,omitempty"`
	Routed      bool   `json:"routed,omitempty" cbor:"7,keyasint,omitempty" msgpack:"routed,omitempty"`
}

// NewRoute builds a local hop.
func NewRoute(service, operation string) Route {
	return Route{Service: service, Operation: operation}
}

// To returns a copy of r addressed to dst.
func (r Route) To(dst Addr) Route {
	r.Destination = &dst
	return r
}

// Via returns a copy of r relayed through relay.
func (r Route) Via(relay Addr) Route {
	r.RelayTo = &relay
	return r
}

// NextAddr is the address the hop must be carried to: the relay when one is
// set, otherwise the destination. It returns nil for purely local hops.
func (r *Route) NextAddr() *Addr {
	if r.RelayTo != nil && !r.RelayTo.IsZero() {
		return r.RelayTo
	}
	if r.Destination != nil && !r.Destination.IsZero() {
		return r.Destination
	}
	return nil
}

// NextLeg is the form of r that travels to NextAddr. A relayed hop loses its
// relay and records from as RelayFrom; a direct hop loses its destination,
// so the receiving node executes Service locally.
func (r Route) NextLeg(from Addr) Route {
	out := r.clone()
	out.Routed = false
	if out.Origin == nil {
		out.Origin = &from
	}
	if r.RelayTo != nil && !r.RelayTo.IsZero() {
		out.RelayTo = nil
		out.RelayFrom = &from
		return out
	}
	out.Destination = nil
	return out
}

func (r Route) String() string {
	s := r.Service + "/" + r.Operation
	if a := r.NextAddr(); a != nil {
		s += "@" + a.String()
	}
	return s
}

func (r Route) clone() Route {
	out := r
	out.Origin = cloneAddr(r.Origin)
	out.Destination = cloneAddr(r.Destination)
	out.RelayFrom = cloneAddr(r.RelayFrom)
	out.RelayTo = cloneAddr(r.RelayTo)
	return out
}

func cloneAddr(a *Addr) *Addr {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// Validate checks that the hop names a service and operation.
func (r Route) Validate() error {
	if r.Service == "" || r.Operation == "" {
		return fmt.Errorf("%w: route needs service and operation, got %q", ErrInvalidRoute, r.Service+"/"+r.Operation)
	}
	return nil
}
