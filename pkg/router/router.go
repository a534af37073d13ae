package router

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/resolvingarchitecture/ra-common/pkg/delay"
	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
	"github.com/resolvingarchitecture/ra-common/pkg/status"
)

// Endpoint is a routable target: a local service or a network adapter. The
// router only reads its status; it never changes it.
type Endpoint interface {
	status.View
	// Accept takes over the envelope for the popped route.
	Accept(ctx context.Context, r protocol.Route, env *protocol.Envelope) error
}

// Carrier is implemented by endpoints that move the envelope off this
// node. Once Accept succeeds on a carrier the local flight is over.
type Carrier interface {
	Carries() bool
}

// Resolver maps a route to the endpoint that executes it.
type Resolver interface {
	Resolve(r protocol.Route) (Endpoint, bool)
}

// Action is the outcome of one routing step.
type Action uint8

const (
	// Deliver: the slip is complete; hand the payload to the consumer.
	Deliver Action = iota + 1
	// Forward: the route was popped and the endpoint took the envelope.
	Forward
	// Hold: re-evaluate at RetryAt without popping.
	Hold
	// Fail: the envelope is dropped; Err is a *DeliveryError.
	Fail
)

func (a Action) String() string {
	switch a {
	case Deliver:
		return "deliver"
	case Forward:
		return "forward"
	case Hold:
		return "hold"
	case Fail:
		return "fail"
	default:
		return "none"
	}
}

// Decision is what the router did with an envelope.
type Decision struct {
	Action Action
	// Route is the popped route for Forward, the current route otherwise.
	Route    protocol.Route
	Endpoint string
	// Handoff is set on Forward when the endpoint carried the envelope away.
	Handoff bool
	RetryAt time.Time
	Err      *DeliveryError
}

// Flight is the per-envelope routing state. The router serializes steps of
// one flight; different flights are independent.
type Flight struct {
	mu  sync.Mutex
	Env *protocol.Envelope

	notBefore time.Time
	holds     int
	refusals  int
}

// NewFlight wraps e for routing.
func NewFlight(e *protocol.Envelope) *Flight { return &Flight{Env: e} }

// Attempts returns how many holds the current hop has taken.
func (f *Flight) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.holds + f.refusals
}

func (f *Flight) resetHop() {
	f.notBefore = time.Time{}
	f.holds = 0
	f.refusals = 0
}

// Router makes one routing decision per call. It keeps no per-envelope
// state of its own and re-reads the slip on every step, so routes pushed by
// a relay mid-flight are honored.
type Router struct {
	resolver Resolver
	sched    *delay.Scheduler
	clock    clock.Clock
	policy   Policy
}

// Option configures a Router.
type Option func(*Router)

func WithPolicy(p Policy) Option { return func(r *Router) { r.policy = p } }

func WithScheduler(s *delay.Scheduler) Option { return func(r *Router) { r.sched = s } }

// New builds a router over res.
func New(res Resolver, opts ...Option) *Router {
	r := &Router{resolver: res, policy: DefaultPolicy()}
	for _, o := range opts {
		o(r)
	}
	if r.sched == nil {
		r.sched = delay.NewScheduler(nil, nil)
	}
	r.clock = r.sched.Clock()
	return r
}

// Clock returns the router's time source.
func (r *Router) Clock() clock.Clock { return r.clock }

// Policy returns the backoff policy in use.
func (r *Router) Policy() Policy { return r.policy }

// Route performs one step for f:
//
//  1. no current route: Deliver (or ErrMalformed if never started)
//  2. resolve the current route and read the target's admission
//  3. admissible and due: pop, hand to the endpoint, Forward
//  4. temporarily inadmissible or not yet due: Hold with backoff
//  5. terminally inadmissible or past the ceiling: Fail
func (r *Router) Route(ctx context.Context, f *Flight) (Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	env := f.Env

	cur, ok := env.Slip.CurrentRoute()
	if !ok {
		if !env.Slip.InProgress() {
			return Decision{}, malformed(protocol.ErrEmptySlip)
		}
		return Decision{Action: Deliver}, nil
	}

	ep, ok := r.resolver.Resolve(cur)
	if !ok {
		return r.fail(env, cur, "", "", ReasonNoEndpoint), nil
	}
	now := r.clock.Now()
	d := Decision{Route: cur, Endpoint: ep.Name()}

	switch ep.Admission() {
	case status.Refuse:
		f.refusals++
		if f.refusals > r.policy.TerminalRetries {
			return r.fail(env, cur, ep.Name(), ep.StatusString(), ReasonTerminal), nil
		}
		return r.hold(d, now, f.refusals), nil
	case status.Hold:
		f.holds++
		if r.policy.MaxAttempts > 0 && f.holds > r.policy.MaxAttempts {
			return r.fail(env, cur, ep.Name(), ep.StatusString(), ReasonTransientCeiling), nil
		}
		return r.hold(d, now, f.holds), nil
	}

	if f.notBefore.IsZero() {
		f.notBefore = r.sched.Release(env)
	}
	if now.Before(f.notBefore) {
		d.Action = Hold
		d.RetryAt = f.notBefore
		return d, nil
	}

	env.Slip.Start()
	popped, ok := env.Slip.EndRoute()
	if !ok {
		// slip drained between peek and pop; nothing left to do here
		return Decision{Action: Deliver}, nil
	}
	if err := ep.Accept(ctx, popped, env); err != nil {
		env.Slip.RestoreRoute(popped)
		f.holds++
		zap.L().Warn("endpoint rejected envelope",
			zap.Uint64("envelope", env.ID),
			zap.String("endpoint", ep.Name()),
			zap.Stringer("route", popped),
			zap.Error(err))
		if r.policy.MaxAttempts > 0 && f.holds > r.policy.MaxAttempts {
			return r.fail(env, cur, ep.Name(), ep.StatusString(), ReasonTransientCeiling), nil
		}
		return r.hold(d, now, f.holds), nil
	}
	f.resetHop()
	d.Action = Forward
	d.Route = popped
	if c, ok := ep.(Carrier); ok && c.Carries() {
		d.Handoff = true
	}
	return d, nil
}

func (r *Router) hold(d Decision, now time.Time, attempt int) Decision {
	d.Action = Hold
	d.RetryAt = now.Add(r.policy.Backoff(attempt))
	return d
}

func (r *Router) fail(env *protocol.Envelope, cur protocol.Route, ep, st string, reason Reason) Decision {
	err := &DeliveryError{EnvelopeID: env.ID, Route: cur, Status: st, Reason: reason}
	return Decision{Action: Fail, Route: cur, Endpoint: ep, Err: err}
}
