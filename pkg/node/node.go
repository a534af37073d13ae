// Package node assembles a routing node from configuration: identity,
// hosted services, network adapters, the dispatcher and the local inbox.
package node

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/resolvingarchitecture/ra-common/pkg/admin"
	"github.com/resolvingarchitecture/ra-common/pkg/api"
	"github.com/resolvingarchitecture/ra-common/pkg/config"
	"github.com/resolvingarchitecture/ra-common/pkg/delay"
	"github.com/resolvingarchitecture/ra-common/pkg/entropy"
	"github.com/resolvingarchitecture/ra-common/pkg/identity"
	"github.com/resolvingarchitecture/ra-common/pkg/memkv"
	"github.com/resolvingarchitecture/ra-common/pkg/network"
	"github.com/resolvingarchitecture/ra-common/pkg/observability"
	"github.com/resolvingarchitecture/ra-common/pkg/peers"
	"github.com/resolvingarchitecture/ra-common/pkg/pipeline"
	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
	"github.com/resolvingarchitecture/ra-common/pkg/registry"
	"github.com/resolvingarchitecture/ra-common/pkg/router"
	"github.com/resolvingarchitecture/ra-common/pkg/status"
	"github.com/resolvingarchitecture/ra-common/pkg/transport"
	"github.com/resolvingarchitecture/ra-common/pkg/transports"
)

// TransportFactory builds a carrier from its config name.
type TransportFactory func(kind string) (transport.Transport, error)

type options struct {
	clock      clock.Clock
	src        entropy.Source
	metrics    *observability.Metrics
	ident      *identity.Identity
	transports TransportFactory
	onFail     router.FailureHandler
}

type Option func(*options)

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

func WithEntropy(src entropy.Source) Option { return func(o *options) { o.src = src } }

func WithMetrics(m *observability.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithIdentity skips loading the key from configuration.
func WithIdentity(id *identity.Identity) Option { return func(o *options) { o.ident = id } }

// WithTransports replaces the carrier factory, e.g. with in-process hubs.
func WithTransports(f TransportFactory) Option { return func(o *options) { o.transports = f } }

// WithFailureHandler is told about every envelope the node gives up on.
func WithFailureHandler(h router.FailureHandler) Option { return func(o *options) { o.onFail = h } }

// Node is a Producer and a Consumer: envelopes sent into it are routed
// through local services and networks; envelopes whose slip completes here
// come out of Receive.
type Node struct {
	cfg     *config.Config
	clock   clock.Clock
	src     entropy.Source
	ident   *identity.Identity
	metrics *observability.Metrics
	log     *zap.Logger
	onFail  router.FailureHandler

	kv         *memkv.Store
	peers      *peers.Store
	endpoints  *router.Endpoints
	router     *router.Router
	dispatcher *router.Dispatcher
	inbox      *router.Inbox
	registry   *registry.Registry
	networks   []*network.Network
}

var (
	_ api.Producer   = (*Node)(nil)
	_ api.Consumer   = (*Node)(nil)
	_ admin.Reporter = (*Node)(nil)
)

// New builds a node from cfg. Nothing is started.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	o := options{transports: transports.New}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.src == nil {
		o.src = entropy.Default()
	}
	if o.metrics == nil {
		o.metrics = observability.NewMetrics("ra")
	}
	if o.ident == nil {
		id, err := identity.LoadOrGenerate(cfg.Identity)
		if err != nil {
			return nil, fmt.Errorf("identity: %w", err)
		}
		o.ident = id
	}

	n := &Node{
		cfg:     cfg,
		clock:   o.clock,
		src:     o.src,
		ident:   o.ident,
		metrics: o.metrics,
		log:     zap.L().Named("node").With(zap.String("node", cfg.NodeID)),
		onFail:  o.onFail,
	}
	n.kv = memkv.New(memkv.Options{Clock: o.clock})
	n.peers = peers.NewStore(n.kv, o.clock, 0)
	n.endpoints = router.NewEndpoints(n.isLocal)

	rc := cfg.Router
	n.router = router.New(n.endpoints,
		router.WithScheduler(delay.NewScheduler(o.clock, o.src)),
		router.WithPolicy(router.Policy{
			Initial:         time.Duration(rc.BackoffInitialMS) * time.Millisecond,
			Max:             time.Duration(rc.BackoffMaxMS) * time.Millisecond,
			MaxAttempts:     rc.MaxAttempts,
			TerminalRetries: rc.TerminalRetries,
		}))
	inbox, err := router.NewInbox(rc.InboxSize, rc.DedupSize)
	if err != nil {
		n.kv.Close()
		return nil, err
	}
	n.inbox = inbox
	n.dispatcher = router.NewDispatcher(n.router, inbox,
		router.WithPipeline(pipeline.Config{
			Workers:     rc.Workers,
			BytesPerSec: rc.BytesPerSec,
			Burst:       rc.Burst,
		}),
		router.WithFailureHandler(n.failed),
		router.WithMetrics(o.metrics))
	n.registry = registry.New(n.kv,
		registry.WithClock(o.clock),
		registry.WithMetrics(o.metrics),
		registry.WithEndpoints(n.endpoints))

	fr, err := framer(cfg.Wire)
	if err != nil {
		n.Abort()
		return nil, err
	}
	for _, nc := range cfg.Networks {
		nw, err := n.buildNetwork(nc, fr, o.transports)
		if err != nil {
			n.Abort()
			return nil, fmt.Errorf("network %s: %w", nc.ID, err)
		}
		n.networks = append(n.networks, nw)
		n.endpoints.AddNetwork(nw.ID(), nw)
	}
	return n, nil
}

func framer(w config.WireConfig) (*protocol.Framer, error) {
	f, err := protocol.ParseFormat(w.Format)
	if err != nil {
		return nil, err
	}
	opts := []protocol.FramerOption{protocol.WithFormat(f)}
	if w.CompressAbove > 0 {
		opts = append(opts, protocol.WithCompressAbove(w.CompressAbove))
	}
	if w.MaxBodyBytes > 0 {
		opts = append(opts, protocol.WithMaxBody(uint32(w.MaxBodyBytes)))
	}
	return protocol.NewFramer(opts...)
}

func (n *Node) buildNetwork(nc config.NetworkConfig, fr *protocol.Framer, build TransportFactory) (*network.Network, error) {
	id, err := protocol.ParseNetworkID(nc.ID)
	if err != nil {
		return nil, err
	}
	for _, existing := range n.networks {
		if existing.ID() == id {
			return nil, fmt.Errorf("network %s configured twice", id)
		}
	}
	tr, err := build(nc.Transport)
	if err != nil {
		return nil, err
	}
	dials := make([]network.Dial, 0, len(nc.Dial))
	for _, d := range nc.Dial {
		dials = append(dials, network.Dial{Address: d.Address, Peer: d.Peer})
	}
	return network.New(network.Config{
		ID:        id,
		Address:   nc.Address,
		Identity:  n.ident,
		Transport: tr,
		Listen:    nc.Listen,
		Dial:      dials,
		Backoff: network.Backoff{
			Initial: time.Duration(nc.DialBackoffInitialMS) * time.Millisecond,
			Max:     time.Duration(nc.DialBackoffMaxMS) * time.Millisecond,
			Jitter:  time.Duration(nc.DialBackoffJitterMS) * time.Millisecond,
		},
		BytesPerSec: nc.BytesPerSec,
		Burst:       nc.Burst,
	}, n.dispatcher,
		network.WithClock(n.clock),
		network.WithMetrics(n.metrics),
		network.WithPeers(n.peers),
		network.WithEntropy(n.src),
		network.WithFramer(fr))
}

// isLocal reports whether a is one of this node's own addresses.
func (n *Node) isLocal(a protocol.Addr) bool {
	for _, nw := range n.networks {
		if nw.IsLocal(a) {
			return true
		}
	}
	return false
}

func (n *Node) failed(env *protocol.Envelope, err *router.DeliveryError) {
	if n.onFail != nil {
		n.onFail(env, err)
	}
}

func (n *Node) Identity() *identity.Identity    { return n.ident }
func (n *Node) Registry() *registry.Registry    { return n.registry }
func (n *Node) Peers() *peers.Store             { return n.peers }
func (n *Node) Metrics() *observability.Metrics { return n.metrics }
func (n *Node) Networks() []*network.Network    { return n.networks }

// Network returns the adapter for id.
func (n *Node) Network(id protocol.NetworkID) (*network.Network, bool) {
	for _, nw := range n.networks {
		if nw.ID() == id {
			return nw, true
		}
	}
	return nil, false
}

// Addr returns this node's address on network id.
func (n *Node) Addr(id protocol.NetworkID) (protocol.Addr, bool) {
	nw, ok := n.Network(id)
	if !ok {
		return protocol.Addr{}, false
	}
	return nw.Addr(), true
}

// LocalPeers maps every network to the peers it has an open link to.
func (n *Node) LocalPeers() map[protocol.NetworkID][]string {
	out := make(map[protocol.NetworkID][]string, len(n.networks))
	for _, nw := range n.networks {
		out[nw.ID()] = nw.Peers()
	}
	return out
}

// Register hosts svc on this node.
func (n *Node) Register(svc api.Service, dependsOn ...string) (*registry.Handle, error) {
	return n.registry.Add(svc, dependsOn...)
}

// Send implements api.Producer. Envelopes without a delay window get the
// configured default.
func (n *Node) Send(ctx context.Context, env *protocol.Envelope) error {
	if env != nil && env.Slip != nil && env.MinDelay == 0 && env.MaxDelay == 0 && !env.Slip.InProgress() {
		env.MinDelay, env.MaxDelay = n.cfg.Delay.MinMS, n.cfg.Delay.MaxMS
	}
	return n.dispatcher.Send(ctx, env)
}

// Receive implements api.Consumer.
func (n *Node) Receive(ctx context.Context) (*protocol.Envelope, error) {
	return n.inbox.Receive(ctx)
}

// Cancel retracts an envelope that has not popped its final route.
func (n *Node) Cancel(id uint64) error { return n.dispatcher.Cancel(id) }

// Start brings every network and service up concurrently.
func (n *Node) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, nw := range n.networks {
		g.Go(func() error { return nw.Start(gctx) })
	}
	g.Go(func() error { return n.registry.StartAll(gctx) })
	if err := g.Wait(); err != nil {
		return err
	}
	n.log.Info("node started",
		zap.String("did", n.ident.DID.String()),
		zap.Int("networks", len(n.networks)),
		zap.Int("services", len(n.registry.List())))
	return nil
}

// Run starts the node and the admin listener and blocks until ctx ends,
// then shuts down gracefully within grace.
func (n *Node) Run(ctx context.Context, grace time.Duration) error {
	if err := n.Start(ctx); err != nil {
		return multierr.Append(err, n.shutdownWithin(grace))
	}
	g, gctx := errgroup.WithContext(ctx)
	if addr := n.cfg.Admin.Listen; addr != "" {
		srv := admin.New(n, n.metrics)
		g.Go(func() error { return srv.Serve(gctx, addr) })
	}
	<-gctx.Done()
	err := g.Wait()
	return multierr.Append(err, n.shutdownWithin(grace))
}

func (n *Node) shutdownWithin(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return n.Shutdown(ctx)
}

// Shutdown drains the dispatcher, then stops services and networks. Every
// envelope still in flight when ctx ends is failed with ReasonShutdown.
func (n *Node) Shutdown(ctx context.Context) error {
	err := n.dispatcher.Close(ctx)
	err = multierr.Append(err, n.registry.StopAll(ctx))
	for i := len(n.networks) - 1; i >= 0; i-- {
		nw := n.networks[i]
		if st := nw.Status(); st == status.NetworkUnregistered || st.Terminal() {
			continue
		}
		if gerr := nw.GracefulStop(ctx); gerr != nil {
			err = multierr.Append(err, multierr.Append(gerr, nw.Stop(context.Background())))
		}
	}
	n.inbox.Close()
	n.kv.Close()
	n.log.Info("node stopped", zap.Error(err))
	return err
}

// Abort drops in-flight envelopes and closes every link at once.
func (n *Node) Abort() {
	n.dispatcher.Abort()
	for _, nw := range n.networks {
		_ = nw.Stop(context.Background())
	}
	n.inbox.Close()
	n.kv.Close()
}

// Service implements admin.Reporter.
func (n *Node) Service(name string) (registry.Info, bool) { return n.registry.Info(name) }

// Snapshot implements admin.Reporter.
func (n *Node) Snapshot() admin.Snapshot {
	s := admin.Snapshot{
		Node:     n.cfg.NodeID,
		DID:      n.ident.DID.String(),
		InFlight: n.dispatcher.InFlight(),
		Services: n.registry.List(),
	}
	for _, nw := range n.networks {
		s.Networks = append(s.Networks, admin.Network{
			ID:      nw.ID().String(),
			Address: nw.Addr().Address,
			Status:  nw.StatusString(),
			Since:   nw.Machine().Since(),
			Links:   nw.Peers(),
			Peers:   n.peers.List(nw.ID()),
		})
	}
	sort.Slice(s.Networks, func(i, j int) bool { return s.Networks[i].ID < s.Networks[j].ID })
	return s
}
