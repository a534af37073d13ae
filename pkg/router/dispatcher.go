package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/resolvingarchitecture/ra-common/pkg/delay"
	"github.com/resolvingarchitecture/ra-common/pkg/core/priocq"
	"github.com/resolvingarchitecture/ra-common/pkg/observability"
	"github.com/resolvingarchitecture/ra-common/pkg/pipeline"
	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
)

// Sink takes envelopes whose slip completed on this node.
type Sink interface {
	Deliver(ctx context.Context, env *protocol.Envelope) error
}

// FailureHandler is told about every envelope the router gives up on.
type FailureHandler func(env *protocol.Envelope, err *DeliveryError)

// Dispatcher is the Producer side of the router. It owns in-flight
// envelopes from Send until delivery, handoff or failure; holds wait on a
// timer queue and ready envelopes are stepped by a shaped worker pool.
type Dispatcher struct {
	router  *Router
	sink    Sink
	onFail  FailureHandler
	metrics *observability.Metrics
	log     *zap.Logger

	pipe  *pipeline.Pipeline
	holds *delay.Queue

	mu      sync.Mutex
	flights map[uint64]*Flight
	closing bool
	idle    chan struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*dispatcherOptions)

type dispatcherOptions struct {
	pipe    pipeline.Config
	onFail  FailureHandler
	metrics *observability.Metrics
}

// WithPipeline sets worker count and per-destination shaping.
func WithPipeline(c pipeline.Config) DispatcherOption {
	return func(o *dispatcherOptions) { o.pipe = c }
}

// WithFailureHandler registers the producer-facing failure callback.
func WithFailureHandler(h FailureHandler) DispatcherOption {
	return func(o *dispatcherOptions) { o.onFail = h }
}

// WithMetrics records decisions into m.
func WithMetrics(m *observability.Metrics) DispatcherOption {
	return func(o *dispatcherOptions) { o.metrics = m }
}

// NewDispatcher starts the worker pool and the hold timer.
func NewDispatcher(r *Router, sink Sink, opts ...DispatcherOption) *Dispatcher {
	o := dispatcherOptions{pipe: pipeline.Config{Workers: 4}}
	for _, opt := range opts {
		opt(&o)
	}
	d := &Dispatcher{
		router:  r,
		sink:    sink,
		onFail:  o.onFail,
		metrics: o.metrics,
		log:     zap.L().Named("dispatcher"),
		holds:   delay.NewQueue(r.Clock()),
		flights: make(map[uint64]*Flight),
	}
	d.pipe = pipeline.New(d.step, o.pipe)
	return d
}

// Send implements api.Producer.
func (d *Dispatcher) Send(ctx context.Context, env *protocol.Envelope) error {
	if err := admit(env); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f := NewFlight(env)
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return ErrClosed
	}
	if _, dup := d.flights[env.ID]; dup {
		d.mu.Unlock()
		return fmt.Errorf("envelope %d: %w", env.ID, ErrDuplicate)
	}
	d.flights[env.ID] = f
	n := len(d.flights)
	d.mu.Unlock()
	d.metrics.SetInFlight(n)
	d.enqueue(f)
	return nil
}

// admit rejects envelopes that must never enter the router.
func admit(env *protocol.Envelope) error {
	if env == nil || env.Slip == nil {
		return malformed(protocol.ErrEmptySlip)
	}
	if err := env.ValidateDelay(); err != nil {
		return malformed(err)
	}
	if env.Slip.InProgress() {
		// arrived mid-flight from a peer; an empty slip means deliver here
		return nil
	}
	if err := env.Validate(); err != nil {
		return malformed(err)
	}
	return nil
}

// Cancel retracts an envelope that has not yet popped its final route.
func (d *Dispatcher) Cancel(id uint64) error {
	d.mu.Lock()
	f, ok := d.flights[id]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("envelope %d: %w", id, ErrUnknownEnvelope)
	}
	// wait out a step in progress so the slip is stable
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Env.Slip.InProgress() && f.Env.Slip.Remaining() == 0 {
		return fmt.Errorf("envelope %d: %w", id, ErrNotCancellable)
	}
	d.holds.Cancel(id)
	if !d.forget(id, f) {
		return fmt.Errorf("envelope %d: %w", id, ErrUnknownEnvelope)
	}
	d.log.Debug("envelope cancelled", zap.Uint64("envelope", id))
	return nil
}

// InFlight returns the number of envelopes owned by the dispatcher.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.flights)
}

func (d *Dispatcher) enqueue(f *Flight) {
	dest := "deliver"
	if r, ok := f.Env.Slip.CurrentRoute(); ok {
		dest = r.Service
		if a := r.NextAddr(); a != nil {
			dest = a.String()
		}
	}
	d.pipe.Enqueue(dest, f.Env)
}

func (d *Dispatcher) lookup(id uint64) (*Flight, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.flights[id]
	return f, ok
}

// forget removes f if it is still the registered flight for id.
func (d *Dispatcher) forget(id uint64, f *Flight) bool {
	d.mu.Lock()
	cur, ok := d.flights[id]
	if !ok || cur != f {
		d.mu.Unlock()
		return false
	}
	delete(d.flights, id)
	n := len(d.flights)
	if d.closing && n == 0 && d.idle != nil {
		close(d.idle)
		d.idle = nil
	}
	d.mu.Unlock()
	d.metrics.SetInFlight(n)
	return true
}

func (d *Dispatcher) step(ctx context.Context, it priocq.Item) {
	f, ok := d.lookup(it.Env.ID)
	if !ok || f.Env != it.Env {
		return // cancelled or dropped
	}
	dec, err := d.router.Route(ctx, f)
	if err != nil {
		d.log.Error("envelope rejected mid-flight", zap.Uint64("envelope", f.Env.ID), zap.Error(err))
		d.forget(f.Env.ID, f)
		return
	}
	d.metrics.ObserveDecision(dec.Action.String())
	switch dec.Action {
	case Deliver:
		err := d.sink.Deliver(ctx, f.Env)
		owned := d.forget(f.Env.ID, f)
		if errors.Is(err, ErrDuplicate) {
			d.log.Debug("duplicate envelope dropped", zap.Uint64("envelope", f.Env.ID))
			return
		}
		if err != nil {
			// the consumer is gone or the workers were cancelled by Close;
			// an aborted dispatcher has already dropped the flight
			d.log.Warn("delivery to consumer failed", zap.Uint64("envelope", f.Env.ID), zap.Error(err))
			if owned {
				d.failed(f.Env, &DeliveryError{EnvelopeID: f.Env.ID, Reason: ReasonShutdown})
			}
			return
		}
		d.metrics.ObserveDelivered()
	case Forward:
		d.log.Debug("hop forwarded",
			zap.Uint64("envelope", f.Env.ID),
			zap.Stringer("route", dec.Route),
			zap.String("endpoint", dec.Endpoint),
			zap.Bool("handoff", dec.Handoff))
		if dec.Handoff {
			d.forget(f.Env.ID, f)
			return
		}
		d.enqueue(f)
	case Hold:
		id := f.Env.ID
		err := d.holds.Schedule(id, dec.RetryAt, func() {
			if f2, ok := d.lookup(id); ok && f2 == f {
				d.enqueue(f)
			}
		})
		if err != nil {
			// queue closed under us; Close reports what is left
			return
		}
	case Fail:
		if !d.forget(f.Env.ID, f) {
			return
		}
		d.failed(f.Env, dec.Err)
	}
}

func (d *Dispatcher) failed(env *protocol.Envelope, err *DeliveryError) {
	d.metrics.ObserveFailure(err.Reason.String())
	d.log.Info("envelope failed",
		zap.Uint64("envelope", env.ID),
		zap.Stringer("route", err.Route),
		zap.String("reason", err.Reason.String()),
		zap.String("status", err.Status))
	if d.onFail != nil {
		d.onFail(env, err)
	}
}

// Close shuts down gracefully: Send is refused, in-flight envelopes keep
// routing until they complete or ctx ends. Whatever is left then is failed
// with ReasonShutdown, so every envelope gets an outcome.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closing = true
	var idle chan struct{}
	if len(d.flights) > 0 {
		idle = make(chan struct{})
		d.idle = idle
	}
	d.mu.Unlock()

	var err error
	if idle != nil {
		select {
		case <-idle:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	d.holds.Close()
	d.pipe.Close()

	d.mu.Lock()
	left := d.flights
	d.flights = make(map[uint64]*Flight)
	d.idle = nil
	d.mu.Unlock()
	d.metrics.SetInFlight(0)
	for _, f := range left {
		r, _ := f.Env.Slip.CurrentRoute()
		d.failed(f.Env, &DeliveryError{EnvelopeID: f.Env.ID, Route: r, Reason: ReasonShutdown})
	}
	return err
}

// Abort is the forceful shutdown: workers stop and in-flight envelopes are
// dropped without notice.
func (d *Dispatcher) Abort() {
	d.mu.Lock()
	if d.closing && d.flights == nil {
		d.mu.Unlock()
		return
	}
	d.closing = true
	n := len(d.flights)
	d.flights = nil
	if d.idle != nil {
		close(d.idle)
		d.idle = nil
	}
	d.mu.Unlock()
	d.holds.Close()
	d.pipe.Close()
	d.metrics.SetInFlight(0)
	if n > 0 {
		d.log.Warn("dispatcher aborted; in-flight envelopes lost", zap.Int("lost", n))
	}
}
