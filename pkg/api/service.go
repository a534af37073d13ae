package api

import "context"

// Producer hands envelopes to the router.
type Producer interface {
	// Send enqueues env for routing. It fails synchronously when the slip is
	// empty or the delay window is invalid.
	Send(ctx context.Context, env *Envelope) error
}

// Consumer receives envelopes whose slip has completed at this endpoint.
type Consumer interface {
	// Receive blocks until an envelope is available or ctx is done.
	Receive(ctx context.Context) (*Envelope, error)
}

// Service is a locally hosted endpoint. The router invokes Handle when the
// current route names this service. Handle may push routes onto the slip;
// the router re-reads it after every hop.
type Service interface {
	Plugin
	Handle(ctx context.Context, operation string, env *Envelope) error
}

// ServiceFunc adapts a function to Service.
type ServiceFunc struct {
	ServiceName string
	Fn          func(ctx context.Context, operation string, env *Envelope) error
}

func (s ServiceFunc) Name() string { return s.ServiceName }

func (s ServiceFunc) Handle(ctx context.Context, operation string, env *Envelope) error {
	return s.Fn(ctx, operation, env)
}

// LifeCycle is the set of verbs an endpoint controller exposes. Each verb is
// a fixed walk through the endpoint's status machine.
type LifeCycle interface {
	Start(ctx context.Context) error
	Restart(ctx context.Context) error
	Pause(ctx context.Context) error
	Unpause(ctx context.Context) error
	Stop(ctx context.Context) error
	GracefulStop(ctx context.Context) error
}
