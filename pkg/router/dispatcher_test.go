package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resolvingarchitecture/ra-common/pkg/observability"
	"github.com/resolvingarchitecture/ra-common/pkg/pipeline"
	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
	"github.com/resolvingarchitecture/ra-common/pkg/status"
)

type failures struct {
	mu   sync.Mutex
	errs []*DeliveryError
}

func (f *failures) handle(_ *protocol.Envelope, err *DeliveryError) {
	f.mu.Lock()
	f.errs = append(f.errs, err)
	f.mu.Unlock()
}

func (f *failures) list() []*DeliveryError {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*DeliveryError(nil), f.errs...)
}

func newDispatcher(t *testing.T, eps *Endpoints, fl *failures) (*Dispatcher, *Inbox) {
	t.Helper()
	in, err := NewInbox(16, 64)
	require.NoError(t, err)
	r := New(eps, WithPolicy(Policy{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond}))
	opts := []DispatcherOption{WithPipeline(pipeline.Config{Workers: 2}), WithMetrics(observability.NewMetrics("test"))}
	if fl != nil {
		opts = append(opts, WithFailureHandler(fl.handle))
	}
	d := NewDispatcher(r, in, opts...)
	t.Cleanup(d.Abort)
	return d, in
}

func receive(t *testing.T, in *Inbox) *protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := in.Receive(ctx)
	require.NoError(t, err)
	return env
}

func TestDispatcherDeliversAfterAllHops(t *testing.T) {
	a, b := running(t, "a"), running(t, "b")
	eps := NewEndpoints(nil)
	eps.AddService(a)
	eps.AddService(b)
	d, in := newDispatcher(t, eps, nil)

	env := envelope(t, protocol.WithRoutes(protocol.NewRoute("a", "2"), protocol.NewRoute("b", "1")))
	require.NoError(t, d.Send(context.Background(), env))

	got := receive(t, in)
	assert.Equal(t, env.ID, got.ID)
	assert.Len(t, a.routes(), 1)
	assert.Len(t, b.routes(), 1)
	assert.Eventually(t, func() bool { return d.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDispatcherRejectsMalformed(t *testing.T) {
	d, _ := newDispatcher(t, NewEndpoints(nil), nil)
	require.ErrorIs(t, d.Send(context.Background(), envelope(t)), ErrMalformed)

	bad := envelope(t, protocol.WithRoutes(protocol.NewRoute("a", "b")))
	bad.MinDelay, bad.MaxDelay = 10, 1
	require.ErrorIs(t, d.Send(context.Background(), bad), protocol.ErrInvalidDelay)
	assert.Equal(t, 0, d.InFlight())
}

func TestDispatcherDeliversArrivedEnvelope(t *testing.T) {
	d, in := newDispatcher(t, NewEndpoints(nil), nil)
	env := envelope(t)
	env.Slip.Start()
	require.NoError(t, d.Send(context.Background(), env))
	assert.Equal(t, env.ID, receive(t, in).ID)
}

func TestDispatcherHoldsPausedTarget(t *testing.T) {
	svc := newEndpoint(t, "svc", status.Initializing, status.Starting, status.Running, status.Pausing, status.Paused)
	eps := NewEndpoints(nil)
	eps.AddService(svc)
	fl := &failures{}
	d, in := newDispatcher(t, eps, fl)

	env := envelope(t, protocol.WithRoutes(protocol.NewRoute("svc", "op")))
	require.NoError(t, d.Send(context.Background(), env))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, in.Len())
	assert.Equal(t, 1, d.InFlight())
	assert.Empty(t, fl.list())

	require.NoError(t, svc.Walk(status.Unpausing, status.Running))
	assert.Equal(t, env.ID, receive(t, in).ID)
}

func TestDispatcherReportsTerminalFailure(t *testing.T) {
	svc := running(t, "svc")
	require.NoError(t, svc.Walk(status.ShuttingDown, status.Shutdown))
	eps := NewEndpoints(nil)
	eps.AddService(svc)
	fl := &failures{}
	d, _ := newDispatcher(t, eps, fl)

	env := envelope(t, protocol.WithRoutes(protocol.NewRoute("svc", "op")))
	require.NoError(t, d.Send(context.Background(), env))
	require.Eventually(t, func() bool { return len(fl.list()) == 1 }, 2*time.Second, 5*time.Millisecond)
	e := fl.list()[0]
	assert.Equal(t, env.ID, e.EnvelopeID)
	assert.ErrorIs(t, e, ErrTerminal)
	assert.Equal(t, 0, d.InFlight())
}

func TestDispatcherCancel(t *testing.T) {
	svc := newEndpoint(t, "svc", status.Initializing, status.Starting)
	eps := NewEndpoints(nil)
	eps.AddService(svc)
	d, _ := newDispatcher(t, eps, nil)

	env := envelope(t, protocol.WithRoutes(protocol.NewRoute("svc", "op")))
	require.NoError(t, d.Send(context.Background(), env))
	require.NoError(t, d.Cancel(env.ID))
	assert.Equal(t, 0, d.InFlight())
	assert.ErrorIs(t, d.Cancel(env.ID), ErrUnknownEnvelope)

	require.NoError(t, svc.To(status.Running))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, svc.routes())
}

func TestDispatcherCancelAfterFinalHop(t *testing.T) {
	accepted := make(chan struct{})
	release := make(chan struct{})
	svc := running(t, "svc")
	svc.onApply = func(*protocol.Envelope) {
		close(accepted)
		<-release
	}
	eps := NewEndpoints(nil)
	eps.AddService(svc)
	d, in := newDispatcher(t, eps, nil)

	env := envelope(t, protocol.WithRoutes(protocol.NewRoute("svc", "last")))
	require.NoError(t, d.Send(context.Background(), env))
	<-accepted

	res := make(chan error, 1)
	go func() { res <- d.Cancel(env.ID) }()
	time.Sleep(10 * time.Millisecond)
	close(release)

	select {
	case err := <-res:
		assert.ErrorIs(t, err, ErrNotCancellable)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not return")
	}
	assert.Equal(t, env.ID, receive(t, in).ID)
}

func TestDispatcherGracefulCloseReportsLeftovers(t *testing.T) {
	svc := newEndpoint(t, "svc", status.Initializing, status.Waiting)
	eps := NewEndpoints(nil)
	eps.AddService(svc)
	fl := &failures{}
	d, _ := newDispatcher(t, eps, fl)

	env := envelope(t, protocol.WithRoutes(protocol.NewRoute("svc", "op")))
	require.NoError(t, d.Send(context.Background(), env))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
	errs := fl.list()
	require.Len(t, errs, 1)
	assert.Equal(t, ReasonShutdown, errs[0].Reason)
	assert.ErrorIs(t, d.Send(context.Background(), envelope(t, protocol.WithRoutes(protocol.NewRoute("svc", "op")))), ErrClosed)
}

func TestDispatcherGracefulCloseDrains(t *testing.T) {
	svc := running(t, "svc")
	eps := NewEndpoints(nil)
	eps.AddService(svc)
	fl := &failures{}
	d, in := newDispatcher(t, eps, fl)

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Send(context.Background(), envelope(t,
			protocol.WithRoutes(protocol.NewRoute("svc", "op")),
			protocol.WithDelay(10*time.Millisecond, 30*time.Millisecond))))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	assert.Empty(t, fl.list())
	assert.Equal(t, 5, in.Len())
}

func TestDispatcherCloseReportsEnvelopeBlockedOnFullInbox(t *testing.T) {
	svc := running(t, "svc")
	eps := NewEndpoints(nil)
	eps.AddService(svc)
	fl := &failures{}
	in, err := NewInbox(1, 64)
	require.NoError(t, err)
	d := NewDispatcher(New(eps), in,
		WithPipeline(pipeline.Config{Workers: 2}),
		WithFailureHandler(fl.handle),
		WithMetrics(observability.NewMetrics("test")))
	t.Cleanup(d.Abort)

	first := envelope(t, protocol.WithRoutes(protocol.NewRoute("svc", "op")))
	second := envelope(t, protocol.WithRoutes(protocol.NewRoute("svc", "op")))
	require.NoError(t, d.Send(context.Background(), first))
	require.NoError(t, d.Send(context.Background(), second))
	require.Eventually(t, func() bool { return in.Len() == 1 && len(svc.routes()) == 2 },
		time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)

	errs := fl.list()
	require.Len(t, errs, 1, "the undelivered envelope must be reported")
	assert.Equal(t, ReasonShutdown, errs[0].Reason)
	got := receive(t, in)
	assert.Contains(t, []uint64{first.ID, second.ID}, got.ID)
	assert.NotEqual(t, got.ID, errs[0].EnvelopeID)
	assert.Equal(t, 0, d.InFlight())
}

func TestDispatcherReportsDeliveryToClosedInbox(t *testing.T) {
	svc := running(t, "svc")
	eps := NewEndpoints(nil)
	eps.AddService(svc)
	fl := &failures{}
	d, in := newDispatcher(t, eps, fl)
	in.Close()

	env := envelope(t, protocol.WithRoutes(protocol.NewRoute("svc", "op")))
	require.NoError(t, d.Send(context.Background(), env))
	require.Eventually(t, func() bool { return len(fl.list()) == 1 }, time.Second, 5*time.Millisecond)
	errs := fl.list()
	assert.Equal(t, env.ID, errs[0].EnvelopeID)
	assert.ErrorIs(t, errs[0], ErrShutdown)
	assert.Equal(t, 0, d.InFlight())
}

func TestDispatcherAbortDropsSilently(t *testing.T) {
	svc := newEndpoint(t, "svc", status.Initializing)
	eps := NewEndpoints(nil)
	eps.AddService(svc)
	fl := &failures{}
	d, _ := newDispatcher(t, eps, fl)
	require.NoError(t, d.Send(context.Background(), envelope(t, protocol.WithRoutes(protocol.NewRoute("svc", "op")))))
	d.Abort()
	assert.Empty(t, fl.list())
	assert.Equal(t, 0, d.InFlight())
}

func TestInboxDedupAndClose(t *testing.T) {
	in, err := NewInbox(4, 8)
	require.NoError(t, err)
	env := envelope(t)
	require.NoError(t, in.Deliver(context.Background(), env))
	assert.ErrorIs(t, in.Deliver(context.Background(), env), ErrDuplicate)

	in.Close()
	assert.ErrorIs(t, in.Deliver(context.Background(), envelope(t)), ErrClosed)
	got, err := in.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	_, err = in.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
