// Package registry hosts the node's local services. Each service gets a
// Handle that owns its ServiceStatus machine, serves as its router endpoint
// and exposes the lifecycle verbs. Records are mirrored into memkv.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/resolvingarchitecture/ra-common/pkg/api"
	"github.com/resolvingarchitecture/ra-common/pkg/memkv"
	"github.com/resolvingarchitecture/ra-common/pkg/observability"
	"github.com/resolvingarchitecture/ra-common/pkg/router"
	"github.com/resolvingarchitecture/ra-common/pkg/status"
)

var (
	ErrDuplicate         = errors.New("service already registered")
	ErrUnknownService    = errors.New("unknown service")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrBusy              = errors.New("service is not stopped")
	ErrNotAdmitting      = errors.New("service is not admitting envelopes")
)

// Registry is the set of locally hosted services.
type Registry struct {
	dir       directory
	clock     clock.Clock
	metrics   *observability.Metrics
	endpoints *router.Endpoints

	mu      sync.RWMutex
	handles map[string]*Handle
	order   []string
}

type Option func(*Registry)

func WithClock(c clock.Clock) Option { return func(r *Registry) { r.clock = c } }

func WithMetrics(m *observability.Metrics) Option { return func(r *Registry) { r.metrics = m } }

// WithEndpoints makes the registry publish every handle into t.
func WithEndpoints(t *router.Endpoints) Option { return func(r *Registry) { r.endpoints = t } }

// New returns an empty registry that keeps its directory in kv.
func New(kv *memkv.Store, opts ...Option) *Registry {
	r := &Registry{
		dir:     directory{kv: kv},
		clock:   clock.New(),
		handles: make(map[string]*Handle),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Add registers svc. dependsOn names services that must be admitting
// before svc leaves Waiting; they must already be registered.
func (r *Registry) Add(svc api.Service, dependsOn ...string) (*Handle, error) {
	name := svc.Name()
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrUnknownService)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	for _, d := range dependsOn {
		if _, ok := r.handles[d]; !ok {
			return nil, fmt.Errorf("%s: %w %q", name, ErrUnknownDependency, d)
		}
	}
	h := &Handle{
		svc:  svc,
		m:    status.NewServiceMachine(name, status.WithClock(r.clock)),
		deps: slices.Clone(dependsOn),
		reg:  r,
	}
	r.handles[name] = h
	r.order = append(r.order, name)
	r.dir.put(Info{Name: name, Status: h.m.Current(), Since: h.m.Since(), DependsOn: h.deps})
	if r.endpoints != nil {
		r.endpoints.AddService(h)
	}
	zap.L().Info("service registered", zap.String("service", name), zap.Strings("depends_on", dependsOn))
	return h, nil
}

// Remove forgets a service that is not running.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	switch h.m.Current() {
	case status.NotInitialized, status.Shutdown, status.GracefullyShutdown, status.Error:
	default:
		return fmt.Errorf("%s in %s: %w", name, h.m.Current(), ErrBusy)
	}
	delete(r.handles, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	r.dir.drop(name)
	if r.endpoints != nil {
		r.endpoints.RemoveService(name)
	}
	return nil
}

func (r *Registry) Get(name string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[name]
	return h, ok
}

// Info returns the directory record of name.
func (r *Registry) Info(name string) (Info, bool) { return r.dir.get(name) }

// List returns every directory record sorted by name.
func (r *Registry) List() []Info { return r.dir.list() }

func (r *Registry) snapshot() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.handles[n])
	}
	return out
}

// StartAll starts every registered service concurrently. Dependents wait
// for their dependencies inside Start.
func (r *Registry) StartAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, h := range r.snapshot() {
		if h.m.Current() != status.NotInitialized {
			continue
		}
		g.Go(func() error { return h.Start(ctx) })
	}
	return g.Wait()
}

// StopAll gracefully stops every service in reverse registration order.
func (r *Registry) StopAll(ctx context.Context) error {
	hs := r.snapshot()
	var err error
	for i := len(hs) - 1; i >= 0; i-- {
		h := hs[i]
		switch h.m.Current() {
		case status.NotInitialized, status.Shutdown, status.GracefullyShutdown:
			continue
		}
		err = multierr.Append(err, h.GracefulStop(ctx))
	}
	return err
}

func (r *Registry) observe(h *Handle, from, to status.ServiceStatus) {
	since := h.m.Since()
	r.dir.edit(h.Name(), func(info *Info) {
		info.Status = to
		info.Since = since
	})
	r.metrics.ObserveTransition(h.Name(), to.String())
	zap.L().Info("service status",
		zap.String("service", h.Name()),
		zap.Stringer("from", from),
		zap.Stringer("to", to))
}

func (r *Registry) ready(deps []string) bool {
	for _, d := range deps {
		h, ok := r.Get(d)
		if !ok || h.Admission() != status.Admit {
			return false
		}
	}
	return true
}

// waitReady blocks until every dependency admits traffic.
func (r *Registry) waitReady(ctx context.Context, deps []string) error {
	wake := make(chan struct{}, 1)
	for _, d := range deps {
		h, ok := r.Get(d)
		if !ok {
			return fmt.Errorf("%w %q", ErrUnknownDependency, d)
		}
		ch, cancel := h.m.Subscribe(4)
		defer cancel()
		go func() {
			for range ch {
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}()
	}
	for !r.ready(deps) {
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
