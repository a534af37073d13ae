package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resolvingarchitecture/ra-common/pkg/delay"
	"github.com/resolvingarchitecture/ra-common/pkg/entropy"
	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
	"github.com/resolvingarchitecture/ra-common/pkg/status"
)

type fakeEndpoint struct {
	*status.Machine[status.ServiceStatus]

	mu      sync.Mutex
	got     []protocol.Route
	err     error
	onApply func(env *protocol.Envelope)
	carries bool
}

func newEndpoint(t *testing.T, name string, st ...status.ServiceStatus) *fakeEndpoint {
	t.Helper()
	m := status.NewServiceMachine(name)
	require.NoError(t, m.Walk(st...))
	return &fakeEndpoint{Machine: m}
}

func running(t *testing.T, name string) *fakeEndpoint {
	return newEndpoint(t, name, status.Initializing, status.Starting, status.Running)
}

func (f *fakeEndpoint) Accept(ctx context.Context, r protocol.Route, env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, r)
	if f.onApply != nil {
		f.onApply(env)
	}
	return nil
}

func (f *fakeEndpoint) Carries() bool { return f.carries }

func (f *fakeEndpoint) routes() []protocol.Route {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Route(nil), f.got...)
}

func newRouter(mock *clock.Mock, eps *Endpoints, p Policy) *Router {
	return New(eps, WithPolicy(p), WithScheduler(delay.NewScheduler(mock, entropy.NewSeeded(1))))
}

func envelope(t *testing.T, opts ...protocol.Option) *protocol.Envelope {
	t.Helper()
	e, err := protocol.NewEnvelope(opts...)
	require.NoError(t, err)
	return e
}

func TestTwoHopOrderThenDeliver(t *testing.T) {
	mock := clock.NewMock()
	a, b := running(t, "a"), running(t, "b")
	eps := NewEndpoints(nil)
	eps.AddService(a)
	eps.AddService(b)
	r := newRouter(mock, eps, DefaultPolicy())

	routeA, routeB := protocol.NewRoute("a", "first-pushed"), protocol.NewRoute("b", "last-pushed")
	f := NewFlight(envelope(t, protocol.WithRoutes(routeA, routeB)))

	var order []string
	for i := 0; i < 2; i++ {
		d, err := r.Route(context.Background(), f)
		require.NoError(t, err)
		require.Equal(t, Forward, d.Action)
		assert.True(t, d.Route.Routed)
		order = append(order, d.Route.Service)
	}
	assert.Equal(t, []string{"b", "a"}, order)

	d, err := r.Route(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, Deliver, d.Action)
	assert.Len(t, f.Env.Slip.History(), 2)
}

func TestPausedTargetHoldsUntilRunning(t *testing.T) {
	mock := clock.NewMock()
	svc := newEndpoint(t, "svc", status.Initializing, status.Starting, status.Running, status.Pausing, status.Paused)
	eps := NewEndpoints(nil)
	eps.AddService(svc)
	r := newRouter(mock, eps, Policy{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond})

	f := NewFlight(envelope(t, protocol.WithRoutes(protocol.NewRoute("svc", "op"))))
	for i := 0; i < 5; i++ {
		d, err := r.Route(context.Background(), f)
		require.NoError(t, err)
		require.Equal(t, Hold, d.Action)
		assert.False(t, d.RetryAt.Before(mock.Now()))
		assert.Equal(t, 1, f.Env.Slip.Remaining())
		assert.Empty(t, svc.routes())
	}

	require.NoError(t, svc.To(status.Unpausing))
	d, _ := r.Route(context.Background(), f)
	require.Equal(t, Hold, d.Action)

	require.NoError(t, svc.To(status.Running))
	d, err := r.Route(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, Forward, d.Action)
	assert.Len(t, svc.routes(), 1)
}

func TestEmptySlipIsMalformed(t *testing.T) {
	r := newRouter(clock.NewMock(), NewEndpoints(nil), DefaultPolicy())
	_, err := r.Route(context.Background(), NewFlight(envelope(t)))
	require.ErrorIs(t, err, ErrMalformed)
	require.ErrorIs(t, err, protocol.ErrEmptySlip)
}

func TestMinimumDelayBeforeFirstHop(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_700_000_000_000))
	svc := running(t, "svc")
	eps := NewEndpoints(nil)
	eps.AddService(svc)
	r := newRouter(mock, eps, DefaultPolicy())

	T := mock.Now()
	f := NewFlight(envelope(t,
		protocol.WithRoutes(protocol.NewRoute("svc", "op")),
		protocol.WithDelay(500*time.Millisecond, 500*time.Millisecond)))

	d, _ := r.Route(context.Background(), f)
	require.Equal(t, Hold, d.Action)
	assert.Equal(t, T.Add(500*time.Millisecond), d.RetryAt)

	mock.Add(499 * time.Millisecond)
	d, _ = r.Route(context.Background(), f)
	require.Equal(t, Hold, d.Action)
	assert.Equal(t, 0, f.Attempts(), "delay holds are not backoff attempts")

	mock.Add(time.Millisecond)
	d, _ = r.Route(context.Background(), f)
	assert.Equal(t, Forward, d.Action)
}

func TestTerminalTargetFails(t *testing.T) {
	svc := running(t, "svc")
	require.NoError(t, svc.To(status.Error))
	eps := NewEndpoints(nil)
	eps.AddService(svc)

	r := newRouter(clock.NewMock(), eps, DefaultPolicy())
	f := NewFlight(envelope(t, protocol.WithRoutes(protocol.NewRoute("svc", "op"))))
	d, err := r.Route(context.Background(), f)
	require.NoError(t, err)
	require.Equal(t, Fail, d.Action)
	assert.Equal(t, ReasonTerminal, d.Err.Reason)
	assert.Equal(t, "Error", d.Err.Status)
	assert.True(t, errors.Is(d.Err, ErrTerminal))
	assert.Empty(t, svc.routes())

	r = newRouter(clock.NewMock(), eps, Policy{Initial: time.Millisecond, TerminalRetries: 2})
	f = NewFlight(envelope(t, protocol.WithRoutes(protocol.NewRoute("svc", "op"))))
	for i := 0; i < 2; i++ {
		d, _ = r.Route(context.Background(), f)
		require.Equal(t, Hold, d.Action)
	}
	d, _ = r.Route(context.Background(), f)
	assert.Equal(t, Fail, d.Action)
}

func TestTransientCeiling(t *testing.T) {
	svc := newEndpoint(t, "svc", status.Initializing, status.Starting)
	eps := NewEndpoints(nil)
	eps.AddService(svc)
	r := newRouter(clock.NewMock(), eps, Policy{Initial: time.Millisecond, MaxAttempts: 2})

	f := NewFlight(envelope(t, protocol.WithRoutes(protocol.NewRoute("svc", "op"))))
	for i := 0; i < 2; i++ {
		d, _ := r.Route(context.Background(), f)
		require.Equal(t, Hold, d.Action)
	}
	d, _ := r.Route(context.Background(), f)
	require.Equal(t, Fail, d.Action)
	assert.ErrorIs(t, d.Err, ErrTransientCeiling)
}

func TestNoEndpoint(t *testing.T) {
	r := newRouter(clock.NewMock(), NewEndpoints(nil), DefaultPolicy())
	f := NewFlight(envelope(t, protocol.WithRoutes(protocol.NewRoute("ghost", "op"))))
	d, err := r.Route(context.Background(), f)
	require.NoError(t, err)
	require.Equal(t, Fail, d.Action)
	assert.Equal(t, ReasonNoEndpoint, d.Err.Reason)
}

func TestRelayExtendsSlipMidFlight(t *testing.T) {
	relay, extra, final := running(t, "relay"), running(t, "extra"), running(t, "final")
	relay.onApply = func(env *protocol.Envelope) {
		env.Slip.AddRoute(protocol.NewRoute("extra", "detour"))
	}
	eps := NewEndpoints(nil)
	for _, ep := range []*fakeEndpoint{relay, extra, final} {
		eps.AddService(ep)
	}
	r := newRouter(clock.NewMock(), eps, DefaultPolicy())
	f := NewFlight(envelope(t, protocol.WithRoutes(protocol.NewRoute("final", "deliver"), protocol.NewRoute("relay", "hop"))))

	var order []string
	for {
		d, err := r.Route(context.Background(), f)
		require.NoError(t, err)
		if d.Action == Deliver {
			break
		}
		require.Equal(t, Forward, d.Action)
		order = append(order, d.Route.Service)
	}
	assert.Equal(t, []string{"relay", "extra", "final"}, order)
}

func TestAcceptFailureRestoresRoute(t *testing.T) {
	svc := running(t, "svc")
	svc.err = errors.New("queue full")
	eps := NewEndpoints(nil)
	eps.AddService(svc)
	r := newRouter(clock.NewMock(), eps, DefaultPolicy())

	f := NewFlight(envelope(t, protocol.WithRoutes(protocol.NewRoute("svc", "op"))))
	d, err := r.Route(context.Background(), f)
	require.NoError(t, err)
	require.Equal(t, Hold, d.Action)
	cur, ok := f.Env.Slip.CurrentRoute()
	require.True(t, ok)
	assert.False(t, cur.Routed)
	assert.Empty(t, f.Env.Slip.History())
}

func TestRemoteRoutesResolveToNetwork(t *testing.T) {
	local := protocol.Addr{Network: protocol.NetworkIP, Address: "10.0.0.1:7000"}
	tor := running(t, "tor")
	tor.carries = true
	svc := running(t, "svc")
	eps := NewEndpoints(func(a protocol.Addr) bool { return a == local })
	eps.AddService(svc)
	eps.AddNetwork(protocol.NetworkTOR, tor)

	ep, ok := eps.Resolve(protocol.NewRoute("svc", "op").To(protocol.Addr{Network: protocol.NetworkTOR, Address: "x.onion"}))
	require.True(t, ok)
	assert.Equal(t, "tor", ep.Name())

	ep, ok = eps.Resolve(protocol.NewRoute("svc", "op").To(local))
	require.True(t, ok)
	assert.Equal(t, "svc", ep.Name())

	_, ok = eps.Resolve(protocol.NewRoute("svc", "op").To(protocol.Addr{Network: protocol.NetworkI2P, Address: "y.i2p"}))
	assert.False(t, ok)

	r := newRouter(clock.NewMock(), eps, DefaultPolicy())
	f := NewFlight(envelope(t, protocol.WithRoutes(protocol.NewRoute("svc", "op").To(protocol.Addr{Network: protocol.NetworkTOR, Address: "x.onion"}))))
	d, err := r.Route(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, Forward, d.Action)
	assert.True(t, d.Handoff)
}

func TestBackoff(t *testing.T) {
	p := Policy{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 20*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 40*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 50*time.Millisecond, p.Backoff(4))
	assert.Equal(t, 50*time.Millisecond, p.Backoff(60))
}
