// Package network is the router endpoint for one overlay network. A Network
// owns the carrier listeners and dialers for its NetworkID, keeps one
// canonical link per remote overlay address and hands inbound envelopes
// back to the local dispatcher. Its NetworkStatus tracks link events.
package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/resolvingarchitecture/ra-common/pkg/api"
	"github.com/resolvingarchitecture/ra-common/pkg/crypto/sign"
	"github.com/resolvingarchitecture/ra-common/pkg/entropy"
	"github.com/resolvingarchitecture/ra-common/pkg/identity"
	"github.com/resolvingarchitecture/ra-common/pkg/observability"
	"github.com/resolvingarchitecture/ra-common/pkg/peers"
	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
	"github.com/resolvingarchitecture/ra-common/pkg/router"
	"github.com/resolvingarchitecture/ra-common/pkg/status"
	"github.com/resolvingarchitecture/ra-common/pkg/transport"
)

var (
	// ErrNoLink is returned by Accept when the next hop has no open link.
	ErrNoLink = errors.New("network: no link to peer")
	// ErrWrongNetwork is returned by Accept for a route addressed elsewhere.
	ErrWrongNetwork = errors.New("network: route not addressed to this network")
	// ErrNotRemote is returned by Accept for a route with no next address.
	ErrNotRemote = errors.New("network: route has no next address")
	// ErrNotAdmitting is returned by Accept once the network stopped admitting.
	ErrNotAdmitting = errors.New("network: not admitting envelopes")
)

// Backoff spaces redials of a lost peer.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  time.Duration
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = 500 * time.Millisecond
	}
	if b.Max < b.Initial {
		b.Max = 30 * time.Second
	}
	return b
}

// Dial is a carrier address to keep a link open to.
type Dial struct {
	Address string
	// Peer is the overlay address expected behind Address; empty accepts
	// whoever answers.
	Peer string
}

// Config describes one network.
type Config struct {
	ID protocol.NetworkID
	// Address is this node's overlay address on the network.
	Address string
	// Identity signs the hello and every data packet.
	Identity  *identity.Identity
	Transport transport.Transport
	Listen    []string
	Dial      []Dial
	Backoff   Backoff

	// BytesPerSec and Burst shape egress per peer; zero disables.
	BytesPerSec int
	Burst       int
}

// Option configures a Network.
type Option func(*Network)

func WithClock(c clock.Clock) Option { return func(n *Network) { n.clock = c } }

func WithMetrics(m *observability.Metrics) Option { return func(n *Network) { n.metrics = m } }

func WithPeers(ps *peers.Store) Option { return func(n *Network) { n.peers = ps } }

func WithEntropy(src entropy.Source) Option { return func(n *Network) { n.src = src } }

// WithFramer sets the wire codec. The default is CBOR.
func WithFramer(fr *protocol.Framer) Option { return func(n *Network) { n.fr = fr } }

// WithGrace keeps a superseded link open this long before closing it.
func WithGrace(d time.Duration) Option { return func(n *Network) { n.grace = d } }

// WithHelloTimeout bounds how long a new link may stay silent.
func WithHelloTimeout(d time.Duration) Option { return func(n *Network) { n.helloTimeout = d } }

// Network is a router.Endpoint and a lifecycle controller.
type Network struct {
	cfg  Config
	name string
	m    *status.Machine[status.NetworkStatus]
	mgr  *transport.Manager
	sink api.Producer

	clock        clock.Clock
	metrics      *observability.Metrics
	peers        *peers.Store
	src          entropy.Source
	ident        *identity.Identity
	fr           *protocol.Framer
	grace        time.Duration
	helloTimeout time.Duration
	log          *zap.Logger

	// verbs are serialized; Accept is not.
	life   sync.Mutex
	cancel context.CancelFunc
	loops  sync.WaitGroup

	mu     sync.Mutex
	active int
	idle   chan struct{}
	shaper map[string]*rate.Limiter
}

var (
	_ router.Endpoint = (*Network)(nil)
	_ router.Carrier  = (*Network)(nil)
	_ api.LifeCycle   = (*Network)(nil)
)

// New builds a network in Unregistered. sink receives envelopes that
// arrive from peers; it is normally the node's dispatcher.
func New(cfg Config, sink api.Producer, opts ...Option) (*Network, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("network %s: no transport", cfg.ID)
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("network %s: no overlay address", cfg.ID)
	}
	if cfg.Identity == nil {
		return nil, fmt.Errorf("network %s: no identity", cfg.ID)
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	if cfg.BytesPerSec > 0 && cfg.Burst < cfg.BytesPerSec {
		cfg.Burst = cfg.BytesPerSec
	}
	n := &Network{
		cfg:          cfg,
		name:         "network/" + cfg.ID.String(),
		sink:         sink,
		ident:        cfg.Identity,
		grace:        2 * time.Second,
		helloTimeout: 10 * time.Second,
		shaper:       make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(n)
	}
	if n.clock == nil {
		n.clock = clock.New()
	}
	if n.src == nil {
		n.src = entropy.Default()
	}
	if n.fr == nil {
		fr, err := protocol.NewFramer()
		if err != nil {
			return nil, err
		}
		n.fr = fr
	}
	n.m = status.NewNetworkMachine(n.name, status.WithClock(n.clock))
	n.mgr = transport.NewManager(n.grace)
	n.log = zap.L().Named("network").With(zap.Stringer("network", cfg.ID), zap.String("address", cfg.Address))
	return n, nil
}

func (n *Network) Name() string                                   { return n.name }
func (n *Network) ID() protocol.NetworkID                         { return n.cfg.ID }
func (n *Network) Admission() status.Admission                    { return n.m.Admission() }
func (n *Network) StatusString() string                           { return n.m.StatusString() }
func (n *Network) Status() status.NetworkStatus                   { return n.m.Current() }
func (n *Network) Machine() *status.Machine[status.NetworkStatus] { return n.m }

// Carries implements router.Carrier: an accepted envelope has left the node.
func (n *Network) Carries() bool { return true }

// Addr is this node's address on the network.
func (n *Network) Addr() protocol.Addr {
	return protocol.Addr{Network: n.cfg.ID, Address: n.cfg.Address}
}

// IsLocal reports whether a names this node on this network.
func (n *Network) IsLocal(a protocol.Addr) bool {
	return a.Network == n.cfg.ID && a.Address == n.cfg.Address
}

// Peers returns the overlay addresses with an open link.
func (n *Network) Peers() []string { return n.mgr.Peers() }

// Accept carries env to the next address of r. The route goes back on the
// slip in its next-leg form so the receiving node continues the hop.
func (n *Network) Accept(ctx context.Context, r protocol.Route, env *protocol.Envelope) error {
	next := r.NextAddr()
	if next == nil {
		return ErrNotRemote
	}
	if next.Network != n.cfg.ID {
		return fmt.Errorf("%w: %s", ErrWrongNetwork, next)
	}
	l, ok := n.mgr.Get(next.Address)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoLink, next)
	}
	n.enter()
	defer n.leave()
	if n.m.Admission() != status.Admit {
		return fmt.Errorf("%w: %s", ErrNotAdmitting, n.m.StatusString())
	}

	size := env.Size()
	if err := n.shape(ctx, next.Address, size); err != nil {
		return err
	}
	env.Slip.AddRoute(r.NextLeg(n.Addr()))
	p := protocol.NewDataPacket(n.cfg.ID, n.cfg.Address, next.Address, env)
	p.Sig = n.ident.Sign(sign.EnvelopeTranscript(env.ID, n.cfg.ID.String(), n.cfg.Address, next.Address))
	if err := l.Send(ctx, p); err != nil {
		env.Slip.DropRoute()
		return fmt.Errorf("send to %s: %w", next, err)
	}
	n.metrics.ObservePacket(n.cfg.ID.String(), "out", p.Type.String())
	if n.peers != nil {
		n.peers.RecordExchange(*next, 0, uint64(size), 0, 1)
	}
	return nil
}

// shape waits for the per-peer token bucket.
func (n *Network) shape(ctx context.Context, peer string, size int) error {
	if n.cfg.BytesPerSec <= 0 {
		return nil
	}
	n.mu.Lock()
	lim := n.shaper[peer]
	if lim == nil {
		lim = rate.NewLimiter(rate.Limit(n.cfg.BytesPerSec), n.cfg.Burst)
		n.shaper[peer] = lim
	}
	n.mu.Unlock()
	if size > n.cfg.Burst {
		size = n.cfg.Burst
	}
	return lim.WaitN(ctx, size)
}

func (n *Network) enter() {
	n.mu.Lock()
	n.active++
	n.mu.Unlock()
}

func (n *Network) leave() {
	n.mu.Lock()
	n.active--
	if n.active == 0 && n.idle != nil {
		close(n.idle)
		n.idle = nil
	}
	n.mu.Unlock()
}

// drained returns a channel closed once no Accept is running.
func (n *Network) drained() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active == 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if n.idle == nil {
		n.idle = make(chan struct{})
	}
	return n.idle
}
