package network

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
	"github.com/resolvingarchitecture/ra-common/pkg/status"
	"github.com/resolvingarchitecture/ra-common/pkg/transport"
)

// walk moves through steps, recording each transition.
func (n *Network) walk(steps ...status.NetworkStatus) error {
	for _, next := range steps {
		from := n.m.Current()
		if from == next {
			continue
		}
		if err := n.m.To(next); err != nil {
			return err
		}
		n.observe(from, next)
	}
	return nil
}

func (n *Network) observe(from, to status.NetworkStatus) {
	n.metrics.ObserveTransition(n.name, to.String())
	n.log.Info("network status", zap.Stringer("from", from), zap.Stringer("to", to))
}

// Start opens the listeners, starts the dialers and leaves the network in
// Connecting until the first peer completes its hello. A listener that
// cannot bind parks the network in NetworkPortConflict.
func (n *Network) Start(ctx context.Context) error {
	n.life.Lock()
	defer n.life.Unlock()
	return n.start(ctx)
}

func (n *Network) start(ctx context.Context) error {
	switch n.m.Current() {
	case status.NetworkUnregistered:
		if err := n.walk(status.NetworkNotInitialized); err != nil {
			return err
		}
	case status.NetworkShutdown, status.NetworkGracefullyShutdown, status.NetworkFailed:
		if err := n.walk(status.NetworkRestarting); err != nil {
			return err
		}
	}
	if err := n.walk(status.NetworkInitializing, status.NetworkStarting); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	var listeners []transport.Listener
	for _, addr := range n.cfg.Listen {
		l, err := n.cfg.Transport.Listen(runCtx, addr)
		if err != nil {
			cancel()
			for _, l := range listeners {
				_ = l.Close()
			}
			_ = n.walk(status.NetworkPortConflict)
			return fmt.Errorf("%s: listen %s: %w", n.name, addr, err)
		}
		n.log.Info("listening", zap.Stringer("kind", n.cfg.Transport.Kind()), zap.String("addr", l.Addr().String()))
		listeners = append(listeners, l)
	}
	if err := n.walk(status.NetworkConnecting); err != nil {
		cancel()
		return err
	}
	n.cancel = cancel
	for _, l := range listeners {
		n.loops.Add(1)
		go func() {
			defer n.loops.Done()
			defer l.Close()
			n.acceptLoop(runCtx, l)
		}()
	}
	for _, d := range n.cfg.Dial {
		n.loops.Add(1)
		go func() {
			defer n.loops.Done()
			n.dialLoop(runCtx, d)
		}()
	}
	return nil
}

// halt stops the loops and closes every link, saying Fin first.
func (n *Network) halt(ctx context.Context) {
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	fin := protocol.NewControlPacket(protocol.PacketFin, n.cfg.ID, n.cfg.Address, nil)
	for _, addr := range n.mgr.Peers() {
		if l, ok := n.mgr.Get(addr); ok {
			if err := l.Send(ctx, fin); err == nil {
				n.metrics.ObservePacket(n.cfg.ID.String(), "out", fin.Type.String())
			}
		}
	}
	closed := n.mgr.CloseAll()
	n.metrics.AddLinks(n.cfg.ID.String(), -len(closed))
	for _, l := range closed {
		if n.peers != nil {
			n.peers.Unlink(l.ID())
		}
	}
	n.loops.Wait()
}

// Restart tears the links down and starts over.
func (n *Network) Restart(ctx context.Context) error {
	n.life.Lock()
	defer n.life.Unlock()
	if n.m.Current() != status.NetworkRestarting {
		if err := n.walk(status.NetworkRestarting); err != nil {
			return err
		}
	}
	n.halt(ctx)
	return n.start(ctx)
}

// Pause keeps the links open but stops the router from handing over
// envelopes.
func (n *Network) Pause(ctx context.Context) error {
	n.life.Lock()
	defer n.life.Unlock()
	return n.walk(status.NetworkPausing, status.NetworkPaused)
}

func (n *Network) Unpause(ctx context.Context) error {
	n.life.Lock()
	defer n.life.Unlock()
	if err := n.walk(status.NetworkUnpausing); err != nil {
		return err
	}
	if n.mgr.Len() > 0 {
		return n.walk(status.NetworkConnected)
	}
	return n.walk(status.NetworkConnecting)
}

// Mark moves the network to an operator-reported state such as
// NetworkBlocked or NetworkUnavailable, or back to NetworkConnecting.
func (n *Network) Mark(next status.NetworkStatus) error {
	n.life.Lock()
	defer n.life.Unlock()
	return n.walk(next)
}

// Stop closes every link without waiting for sends in progress.
func (n *Network) Stop(ctx context.Context) error {
	n.life.Lock()
	defer n.life.Unlock()
	if err := n.walk(status.NetworkShuttingDown); err != nil {
		return err
	}
	n.halt(ctx)
	return n.walk(status.NetworkShutdown)
}

// GracefulStop refuses new envelopes, waits for sends in progress and then
// closes the links. If ctx ends first the network is left in
// GracefullyShuttingDown with its links open.
func (n *Network) GracefulStop(ctx context.Context) error {
	n.life.Lock()
	defer n.life.Unlock()
	if err := n.walk(status.NetworkGracefullyShuttingDown); err != nil {
		return err
	}
	select {
	case <-n.drained():
	case <-ctx.Done():
		return ctx.Err()
	}
	n.halt(ctx)
	return n.walk(status.NetworkGracefullyShutdown)
}

// Link events run on link goroutines, which verbs wait for while holding
// life, so they must not take it. The machine rejects a move the verb has
// already made illegal.

// linked is called when a link becomes canonical for a peer.
func (n *Network) linked() {
	if n.m.Current() == status.NetworkConnecting {
		_ = n.walk(status.NetworkConnected)
	}
}

// unlinked is called when a canonical link goes away.
func (n *Network) unlinked() {
	if n.mgr.Len() > 0 {
		return
	}
	switch n.m.Current() {
	case status.NetworkConnected, status.NetworkVerified:
		_ = n.walk(status.NetworkConnecting)
	}
}

// confirm records proof that a peer is actually exchanging traffic.
func (n *Network) confirm() {
	if n.m.Current() != status.NetworkConnected {
		return
	}
	if err := n.m.Confirm(); err == nil {
		n.observe(status.NetworkConnected, status.NetworkVerified)
	}
}
