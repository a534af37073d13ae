package registry

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/resolvingarchitecture/ra-common/pkg/api"
	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
	"github.com/resolvingarchitecture/ra-common/pkg/router"
	"github.com/resolvingarchitecture/ra-common/pkg/status"
)

// Optional hooks a Service may implement. They run inside the matching
// lifecycle verb, between the transitional and the settled state.
type (
	Starter interface{ Start(ctx context.Context) error }
	Stopper interface{ Stop(ctx context.Context) error }
	Pauser  interface {
		Pause(ctx context.Context) error
		Unpause(ctx context.Context) error
	}
)

// Handle owns one hosted service and its status machine. It is the
// service's router endpoint and its lifecycle controller.
type Handle struct {
	svc  api.Service
	m    *status.Machine[status.ServiceStatus]
	deps []string
	reg  *Registry

	// verbs are serialized; Accept is not.
	life sync.Mutex

	mu     sync.Mutex
	active int
	idle   chan struct{}
}

var (
	_ router.Endpoint = (*Handle)(nil)
	_ api.LifeCycle   = (*Handle)(nil)
)

func (h *Handle) Name() string                                   { return h.svc.Name() }
func (h *Handle) Admission() status.Admission                    { return h.m.Admission() }
func (h *Handle) StatusString() string                           { return h.m.StatusString() }
func (h *Handle) Status() status.ServiceStatus                   { return h.m.Current() }
func (h *Handle) Machine() *status.Machine[status.ServiceStatus] { return h.m }

// Accept runs the service for the popped route. The first successful call
// while Running confirms the service as Verified. Admission is read again
// once the call is counted, so a stop that has already drained never sees
// the handler run.
func (h *Handle) Accept(ctx context.Context, r protocol.Route, env *protocol.Envelope) error {
	h.enter()
	defer h.leave()
	if h.m.Admission() != status.Admit {
		return fmt.Errorf("%s: %w (status %s)", h.Name(), ErrNotAdmitting, h.m.StatusString())
	}

	err := h.svc.Handle(ctx, r.Operation, env)
	h.reg.dir.edit(h.Name(), func(info *Info) {
		if err != nil {
			info.Failed++
		} else {
			info.Handled++
		}
	})
	if err != nil {
		return fmt.Errorf("%s/%s: %w", h.Name(), r.Operation, err)
	}
	if h.m.Current() == status.Running {
		if cerr := h.m.Confirm(); cerr == nil {
			h.reg.observe(h, status.Running, status.Verified)
		}
	}
	return nil
}

func (h *Handle) enter() {
	h.mu.Lock()
	h.active++
	h.mu.Unlock()
}

func (h *Handle) leave() {
	h.mu.Lock()
	h.active--
	if h.active == 0 && h.idle != nil {
		close(h.idle)
		h.idle = nil
	}
	h.mu.Unlock()
}

// drained returns a channel closed once no Accept is running.
func (h *Handle) drained() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if h.idle == nil {
		h.idle = make(chan struct{})
	}
	return h.idle
}

// walk moves through steps, recording each transition.
func (h *Handle) walk(steps ...status.ServiceStatus) error {
	for _, next := range steps {
		from := h.m.Current()
		if from == next {
			continue
		}
		if err := h.m.To(next); err != nil {
			return err
		}
		h.reg.observe(h, from, next)
	}
	return nil
}

// fail parks the machine in Unavailable, or Error when that is not legal.
func (h *Handle) fail(cause error) error {
	if err := h.walk(status.Unavailable); err != nil {
		_ = h.walk(status.Error)
	}
	return cause
}

// Mark moves a running service to a health state such as DegradedRunning,
// PartiallyRunning, Unstable or Blocked, or back to Running.
func (h *Handle) Mark(next status.ServiceStatus) error {
	h.life.Lock()
	defer h.life.Unlock()
	return h.walk(next)
}

// Start brings the service up. Dependencies that are not yet admitting put
// it in Waiting until they are or ctx ends.
func (h *Handle) Start(ctx context.Context) error {
	h.life.Lock()
	defer h.life.Unlock()
	return h.start(ctx)
}

func (h *Handle) start(ctx context.Context) error {
	switch h.m.Current() {
	case status.Shutdown, status.GracefullyShutdown, status.Error:
		if err := h.walk(status.Restarting); err != nil {
			return err
		}
	}
	if err := h.walk(status.Initializing); err != nil {
		return err
	}
	if !h.reg.ready(h.deps) {
		if err := h.walk(status.Waiting); err != nil {
			return err
		}
		if err := h.reg.waitReady(ctx, h.deps); err != nil {
			return h.fail(err)
		}
	}
	if err := h.walk(status.Starting); err != nil {
		return err
	}
	if s, ok := h.svc.(Starter); ok {
		if err := s.Start(ctx); err != nil {
			return h.fail(fmt.Errorf("start %s: %w", h.Name(), err))
		}
	}
	return h.walk(status.Running)
}

// Restart cycles the service through Restarting and starts it again.
func (h *Handle) Restart(ctx context.Context) error {
	h.life.Lock()
	defer h.life.Unlock()
	if h.m.Current() != status.Restarting {
		if err := h.walk(status.Restarting); err != nil {
			return err
		}
	}
	return h.start(ctx)
}

func (h *Handle) Pause(ctx context.Context) error {
	h.life.Lock()
	defer h.life.Unlock()
	if err := h.walk(status.Pausing); err != nil {
		return err
	}
	if p, ok := h.svc.(Pauser); ok {
		if err := p.Pause(ctx); err != nil {
			zap.L().Warn("service pause hook", zap.String("service", h.Name()), zap.Error(err))
		}
	}
	return h.walk(status.Paused)
}

func (h *Handle) Unpause(ctx context.Context) error {
	h.life.Lock()
	defer h.life.Unlock()
	if err := h.walk(status.Unpausing); err != nil {
		return err
	}
	if p, ok := h.svc.(Pauser); ok {
		if err := p.Unpause(ctx); err != nil {
			return h.fail(fmt.Errorf("unpause %s: %w", h.Name(), err))
		}
	}
	return h.walk(status.Running)
}

// Stop shuts the service down without waiting for running handlers.
func (h *Handle) Stop(ctx context.Context) error {
	h.life.Lock()
	defer h.life.Unlock()
	if err := h.walk(status.ShuttingDown); err != nil {
		return err
	}
	var hookErr error
	if s, ok := h.svc.(Stopper); ok {
		hookErr = s.Stop(ctx)
	}
	return multierr.Append(hookErr, h.walk(status.Shutdown))
}

// GracefulStop refuses new work, waits for running handlers to return and
// then shuts the service down. If ctx ends first the service is left in
// GracefullyShuttingDown.
func (h *Handle) GracefulStop(ctx context.Context) error {
	h.life.Lock()
	defer h.life.Unlock()
	if err := h.walk(status.GracefullyShuttingDown); err != nil {
		return err
	}
	select {
	case <-h.drained():
	case <-ctx.Done():
		return ctx.Err()
	}
	var hookErr error
	if s, ok := h.svc.(Stopper); ok {
		hookErr = s.Stop(ctx)
	}
	return multierr.Append(hookErr, h.walk(status.GracefullyShutdown))
}
