package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resolvingarchitecture/ra-common/pkg/identity"
	"github.com/resolvingarchitecture/ra-common/pkg/memkv"
	"github.com/resolvingarchitecture/ra-common/pkg/peers"
	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
	"github.com/resolvingarchitecture/ra-common/pkg/status"
	"github.com/resolvingarchitecture/ra-common/pkg/transport"
	"github.com/resolvingarchitecture/ra-common/pkg/transport/mem"
)

// chanSink collects envelopes handed back by a network.
type chanSink chan *protocol.Envelope

func (c chanSink) Send(ctx context.Context, env *protocol.Envelope) error {
	select {
	case c <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type node struct {
	n     *Network
	sink  chanSink
	id    *identity.Identity
	peers *peers.Store
}

func newNode(t *testing.T, hub *mem.Hub, addr string, listen []string, dial []Dial) node {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	kv := memkv.New(memkv.Options{})
	t.Cleanup(kv.Close)
	ps := peers.NewStore(kv, nil, 0)
	sink := make(chanSink, 16)
	n, err := New(Config{
		ID:        protocol.NetworkIP,
		Address:   addr,
		Identity:  id,
		Transport: mem.NewOn(hub),
		Listen:    listen,
		Dial:      dial,
		Backoff:   Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond},
	}, sink, WithPeers(ps), WithGrace(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Stop(context.Background()) })
	return node{n: n, sink: sink, id: id, peers: ps}
}

func waitStatus(t *testing.T, n *Network, want status.NetworkStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return n.Status() == want }, 2*time.Second, 5*time.Millisecond,
		"%s stuck in %s, want %s", n.Name(), n.Status(), want)
}

// pair starts bob listening and alice dialing him, and waits until both
// sides have confirmed the link.
func pair(t *testing.T) (alice, bob node) {
	t.Helper()
	hub := mem.NewHub()
	bob = newNode(t, hub, "bob", []string{"ip-bob"}, nil)
	alice = newNode(t, hub, "alice", nil, []Dial{{Address: "ip-bob", Peer: "bob"}})
	ctx := context.Background()
	require.NoError(t, bob.n.Start(ctx))
	require.Equal(t, status.NetworkConnecting, bob.n.Status())
	require.NoError(t, alice.n.Start(ctx))
	waitStatus(t, alice.n, status.NetworkVerified)
	waitStatus(t, bob.n, status.NetworkVerified)
	return alice, bob
}

func TestNewRequiresTransportAndIdentity(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	_, err = New(Config{ID: protocol.NetworkIP, Address: "a", Identity: id}, nil)
	assert.Error(t, err)
	_, err = New(Config{ID: protocol.NetworkIP, Address: "a", Transport: mem.New()}, nil)
	assert.Error(t, err)
	_, err = New(Config{ID: protocol.NetworkIP, Identity: id, Transport: mem.New()}, nil)
	assert.Error(t, err)
}

func TestLinkUpConfirmsBothSides(t *testing.T) {
	alice, bob := pair(t)

	assert.Equal(t, []string{"bob"}, alice.n.Peers())
	assert.Equal(t, []string{"alice"}, bob.n.Peers())
	assert.Equal(t, status.Admit, alice.n.Admission())

	p, ok := bob.peers.Get(protocol.Addr{Network: protocol.NetworkIP, Address: "alice"})
	require.True(t, ok)
	assert.Equal(t, alice.id.DID, p.DID)
	assert.True(t, p.Verified)
	assert.NotEmpty(t, p.Link)
}

func TestAcceptCarriesEnvelope(t *testing.T) {
	alice, bob := pair(t)
	dst := protocol.Addr{Network: protocol.NetworkIP, Address: "bob"}

	env, err := protocol.NewEnvelope(
		protocol.WithRoutes(protocol.NewRoute("inbox", "store").To(dst)),
		protocol.WithBytes([]byte("hello bob")),
	)
	require.NoError(t, err)
	env.Slip.Start()
	r, ok := env.Slip.EndRoute()
	require.True(t, ok)

	require.NoError(t, alice.n.Accept(context.Background(), r, env))

	select {
	case got := <-bob.sink:
		assert.Equal(t, env.ID, got.ID)
		assert.Equal(t, []byte("hello bob"), got.Payload.Bytes)
		assert.Equal(t, string(alice.id.DID), got.Header(protocol.HeaderFromDID))
		assert.True(t, got.Slip.InProgress())
		next, ok := got.Slip.CurrentRoute()
		require.True(t, ok)
		assert.Equal(t, "inbox", next.Service)
		assert.Nil(t, next.NextAddr(), "the leg must execute locally at bob")
		require.NotNil(t, next.Origin)
		assert.Equal(t, "alice", next.Origin.Address)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered")
	}

	p, ok := alice.peers.Get(dst)
	require.True(t, ok)
	assert.EqualValues(t, 1, p.MsgsOut)
}

func TestAcceptRejectsWithoutChangingSlip(t *testing.T) {
	alice, _ := pair(t)
	ctx := context.Background()

	env, err := protocol.NewEnvelope(protocol.WithRoutes(protocol.NewRoute("svc", "op")))
	require.NoError(t, err)
	before := env.Slip.Remaining()

	err = alice.n.Accept(ctx, protocol.NewRoute("svc", "op"), env)
	assert.ErrorIs(t, err, ErrNotRemote)

	err = alice.n.Accept(ctx, protocol.NewRoute("svc", "op").To(protocol.Addr{Network: protocol.NetworkTOR, Address: "bob"}), env)
	assert.ErrorIs(t, err, ErrWrongNetwork)

	err = alice.n.Accept(ctx, protocol.NewRoute("svc", "op").To(protocol.Addr{Network: protocol.NetworkIP, Address: "carol"}), env)
	assert.ErrorIs(t, err, ErrNoLink)

	assert.Equal(t, before, env.Slip.Remaining())
}

func TestPauseHoldsAdmission(t *testing.T) {
	alice, _ := pair(t)
	ctx := context.Background()

	require.NoError(t, alice.n.Pause(ctx))
	assert.Equal(t, status.NetworkPaused, alice.n.Status())
	assert.Equal(t, status.Hold, alice.n.Admission())

	require.NoError(t, alice.n.Unpause(ctx))
	assert.Equal(t, status.NetworkConnected, alice.n.Status())
	assert.Equal(t, status.Admit, alice.n.Admission())
}

func TestAcceptWhilePausedSendsNothing(t *testing.T) {
	alice, bob := pair(t)
	ctx := context.Background()
	dst := protocol.Addr{Network: protocol.NetworkIP, Address: "bob"}

	env, err := protocol.NewEnvelope(protocol.WithRoutes(protocol.NewRoute("inbox", "store").To(dst)))
	require.NoError(t, err)
	env.Slip.Start()
	r, ok := env.Slip.EndRoute()
	require.True(t, ok)
	before := env.Slip.Remaining()

	require.NoError(t, alice.n.Pause(ctx))
	err = alice.n.Accept(ctx, r, env)
	require.ErrorIs(t, err, ErrNotAdmitting)
	assert.Equal(t, before, env.Slip.Remaining())

	select {
	case got := <-bob.sink:
		t.Fatalf("envelope %d crossed a paused network", got.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopSendsFin(t *testing.T) {
	alice, bob := pair(t)

	require.NoError(t, alice.n.Stop(context.Background()))
	assert.Equal(t, status.NetworkShutdown, alice.n.Status())
	assert.Equal(t, status.Refuse, alice.n.Admission())

	waitStatus(t, bob.n, status.NetworkConnecting)
	assert.Empty(t, bob.n.Peers())
	assert.Equal(t, status.Hold, bob.n.Admission())
}

func TestRestartRelinks(t *testing.T) {
	alice, bob := pair(t)
	ctx := context.Background()

	require.NoError(t, alice.n.Stop(ctx))
	require.NoError(t, alice.n.Start(ctx))
	waitStatus(t, alice.n, status.NetworkVerified)

	require.NoError(t, bob.n.Restart(ctx))
	waitStatus(t, bob.n, status.NetworkVerified)
	waitStatus(t, alice.n, status.NetworkVerified)
}

func TestGracefulStop(t *testing.T) {
	alice, _ := pair(t)
	require.NoError(t, alice.n.GracefulStop(context.Background()))
	assert.Equal(t, status.NetworkGracefullyShutdown, alice.n.Status())
}

func TestListenConflict(t *testing.T) {
	hub := mem.NewHub()
	a := newNode(t, hub, "a", []string{"same"}, nil)
	b := newNode(t, hub, "b", []string{"same"}, nil)
	require.NoError(t, a.n.Start(context.Background()))
	err := b.n.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, status.NetworkPortConflict, b.n.Status())
	assert.Equal(t, status.Refuse, b.n.Admission())
}

// links returns two ends of a fresh mem session.
func links(t *testing.T, fr *protocol.Framer) (dialed, accepted *transport.Link) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tr := mem.NewOn(mem.NewHub())
	l, err := tr.Listen(ctx, "x")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	type res struct {
		s   transport.Session
		err error
	}
	acc := make(chan res, 1)
	go func() {
		s, err := l.Accept(ctx)
		acc <- res{s, err}
	}()
	cs, err := tr.Dial(ctx, "x")
	require.NoError(t, err)
	r := <-acc
	require.NoError(t, r.err)

	cst, err := cs.OpenStream(ctx)
	require.NoError(t, err)
	sst, err := r.s.AcceptStream(ctx)
	require.NoError(t, err)
	dialed = transport.NewLink(cs, cst, fr, false, "")
	accepted = transport.NewLink(r.s, sst, fr, true, "")
	t.Cleanup(func() { _ = dialed.Close(); _ = accepted.Close() })
	return dialed, accepted
}

func TestHelloRejectsUnexpectedPeer(t *testing.T) {
	hub := mem.NewHub()
	alice := newNode(t, hub, "alice", nil, nil)
	bob := newNode(t, hub, "bob", nil, nil)
	dl, al := links(t, alice.n.fr)
	ctx := context.Background()

	go func() { _ = bob.n.sendHello(ctx, al) }()
	_, err := alice.n.awaitHello(ctx, dl, "carol")
	assert.ErrorIs(t, err, errWrongPeer)
}

func TestHelloRejectsSelf(t *testing.T) {
	hub := mem.NewHub()
	alice := newNode(t, hub, "alice", nil, nil)
	dl, al := links(t, alice.n.fr)
	ctx := context.Background()

	go func() { _ = alice.n.sendHello(ctx, al) }()
	_, err := alice.n.awaitHello(ctx, dl, "")
	assert.ErrorIs(t, err, errSelf)
}

func TestHelloRequiresSyn(t *testing.T) {
	hub := mem.NewHub()
	alice := newNode(t, hub, "alice", nil, nil)
	dl, al := links(t, alice.n.fr)
	ctx := context.Background()

	go func() {
		_ = al.Send(ctx, protocol.NewControlPacket(protocol.PacketAck, protocol.NetworkIP, "mallory", nil))
	}()
	_, err := alice.n.awaitHello(ctx, dl, "")
	assert.ErrorIs(t, err, errExpectedSyn)
}

func TestInboundDropsBadSignature(t *testing.T) {
	hub := mem.NewHub()
	bob := newNode(t, hub, "bob", nil, nil)
	mallory, err := identity.Generate()
	require.NoError(t, err)

	env, err := protocol.NewEnvelope(protocol.WithRoutes(protocol.NewRoute("svc", "op")))
	require.NoError(t, err)
	p := protocol.NewDataPacket(protocol.NetworkIP, "alice", "bob", env)
	p.Sig = mallory.Sign([]byte("not the transcript"))

	alice, err := identity.Generate()
	require.NoError(t, err)
	rm := remote{addr: protocol.Addr{Network: protocol.NetworkIP, Address: "alice"}, did: string(alice.DID), pub: alice.Pub}
	bob.n.inbound(context.Background(), p, rm)

	select {
	case <-bob.sink:
		t.Fatal("forged packet delivered")
	default:
	}
}
