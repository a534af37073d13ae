package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/resolvingarchitecture/ra-common/pkg/crypto/sign"
	"github.com/resolvingarchitecture/ra-common/pkg/handshake"
	"github.com/resolvingarchitecture/ra-common/pkg/identity"
	"github.com/resolvingarchitecture/ra-common/pkg/peers"
	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
	"github.com/resolvingarchitecture/ra-common/pkg/transport"
)

var (
	errExpectedSyn  = errors.New("expected syn")
	errWrongPeer    = errors.New("unexpected peer address")
	errSelf         = errors.New("link to self")
	errUnsignedData = errors.New("data packet signature invalid")
)

// remote is what a verified hello told us about the far end.
type remote struct {
	addr protocol.Addr
	did  string
	pub  ed25519.PublicKey
}

// serve runs a new link to completion: hello exchange, election, then the
// packet loop. If the link lost the election to another link for the same
// peer, that link is returned.
func (n *Network) serve(ctx context.Context, l *transport.Link, expect string) (winner *transport.Link, ok bool) {
	defer l.Close()
	if err := n.sendHello(ctx, l); err != nil {
		n.log.Warn("send hello", zap.String("remote", l.Remote()), zap.Error(err))
		return nil, false
	}
	rm, err := n.awaitHello(ctx, l, expect)
	if err != nil {
		n.log.Warn("hello rejected", zap.String("remote", l.Remote()), zap.Error(err))
		n.reset(ctx, l, err)
		return nil, false
	}
	l.SetPeer(transport.PeerInfo{Addr: rm.addr.Address, DID: rm.did, Verified: true})
	if err := l.Send(ctx, protocol.NewControlPacket(protocol.PacketAck, n.cfg.ID, n.cfg.Address, nil)); err != nil {
		return nil, false
	}
	n.metrics.ObservePacket(n.cfg.ID.String(), "out", protocol.PacketAck.String())

	accepted, old := n.mgr.Add(l)
	if accepted {
		if old == nil {
			n.metrics.AddLinks(n.cfg.ID.String(), 1)
		}
		if n.peers != nil {
			n.peers.Upsert(peers.Peer{Addr: rm.addr, DID: identity.DID(rm.did), Link: l.ID(), Remote: l.Remote(), Verified: true})
		}
		n.log.Info("link up",
			zap.String("peer", rm.addr.Address),
			zap.String("did", rm.did),
			zap.String("link", l.ID()),
			zap.Bool("inbound", l.Inbound()))
		n.linked()
	} else {
		winner, _ = n.mgr.Get(rm.addr.Address)
	}

	// a losing link still drains whatever the peer sent before it settled
	n.packets(ctx, l, rm)

	if n.mgr.Remove(l) {
		n.metrics.AddLinks(n.cfg.ID.String(), -1)
		if n.peers != nil {
			n.peers.Unlink(l.ID())
		}
		n.log.Info("link down", zap.String("peer", rm.addr.Address), zap.String("link", l.ID()), zap.Error(l.Err()))
		n.unlinked()
	}
	return winner, true
}

func (n *Network) sendHello(ctx context.Context, l *transport.Link) error {
	syn, err := handshake.Syn(n.ident, n.cfg.ID, n.cfg.Address, n.clock.Now())
	if err != nil {
		return err
	}
	if err := l.Send(ctx, syn); err != nil {
		return err
	}
	n.metrics.ObservePacket(n.cfg.ID.String(), "out", syn.Type.String())
	return nil
}

func (n *Network) awaitHello(ctx context.Context, l *transport.Link, expect string) (remote, error) {
	hctx, cancel := context.WithTimeout(ctx, n.helloTimeout)
	defer cancel()
	p, err := l.Receive(hctx)
	if err != nil {
		return remote{}, err
	}
	n.metrics.ObservePacket(n.cfg.ID.String(), "in", p.Type.String())
	if p.Type != protocol.PacketSyn {
		return remote{}, fmt.Errorf("%w, got %s", errExpectedSyn, p.Type)
	}
	h, err := handshake.Unmarshal(p.Payload)
	if err != nil {
		return remote{}, err
	}
	did, err := handshake.Verify(h, n.clock.Now(), handshake.DefaultSkew)
	if err != nil {
		return remote{}, err
	}
	switch {
	case h.Network != n.cfg.ID:
		return remote{}, fmt.Errorf("%w: hello for network %s", ErrWrongNetwork, h.Network)
	case h.Address == "":
		return remote{}, fmt.Errorf("%w: empty address", errWrongPeer)
	case h.Address == n.cfg.Address:
		return remote{}, errSelf
	case expect != "" && h.Address != expect:
		return remote{}, fmt.Errorf("%w: want %q, got %q", errWrongPeer, expect, h.Address)
	}
	return remote{
		addr: protocol.Addr{Network: n.cfg.ID, Address: h.Address},
		did:  did.String(),
		pub:  ed25519.PublicKey(h.PubKey),
	}, nil
}

// reset tells the far end why the link is being dropped.
func (n *Network) reset(ctx context.Context, l *transport.Link, cause error) {
	p := protocol.NewControlPacket(protocol.PacketReset, n.cfg.ID, n.cfg.Address, []byte(cause.Error()))
	if err := l.Send(ctx, p); err == nil {
		n.metrics.ObservePacket(n.cfg.ID.String(), "out", p.Type.String())
	}
}

// packets reads until the link ends, the peer says Fin or Reset, or ctx
// is done.
func (n *Network) packets(ctx context.Context, l *transport.Link, rm remote) {
	nid := n.cfg.ID.String()
	for {
		p, err := l.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || l.Err() != nil {
				return
			}
			// undecodable frame on a live link
			n.log.Debug("bad frame", zap.String("peer", rm.addr.Address), zap.Error(err))
			continue
		}
		n.metrics.ObservePacket(nid, "in", p.Type.String())
		switch p.Type {
		case protocol.PacketData:
			n.inbound(ctx, p, rm)
		case protocol.PacketAck:
			n.confirm()
		case protocol.PacketSyn:
			n.log.Debug("repeated syn ignored", zap.String("peer", rm.addr.Address))
		case protocol.PacketFin:
			n.log.Debug("peer closed link", zap.String("peer", rm.addr.Address))
			return
		case protocol.PacketReset:
			n.log.Warn("peer reset link", zap.String("peer", rm.addr.Address), zap.ByteString("reason", p.Payload))
			return
		}
	}
}

// inbound hands a received envelope to the local dispatcher.
func (n *Network) inbound(ctx context.Context, p *protocol.Packet, rm remote) {
	env := p.Envelope
	if env == nil {
		return
	}
	if p.To != "" && p.To != n.cfg.Address {
		n.log.Warn("data for another address dropped", zap.Uint64("envelope", env.ID), zap.String("to", p.To))
		return
	}
	tr := sign.EnvelopeTranscript(env.ID, n.cfg.ID.String(), rm.addr.Address, n.cfg.Address)
	if !sign.VerifyEd25519(rm.pub, tr, p.Sig) {
		n.log.Warn("data dropped", zap.Uint64("envelope", env.ID), zap.String("peer", rm.addr.Address), zap.Error(errUnsignedData))
		return
	}
	n.confirm()
	env.SetHeader(protocol.HeaderFromDID, rm.did)
	if n.peers != nil {
		n.peers.RecordExchange(rm.addr, uint64(env.Size()), 0, 1, 0)
		n.peers.Touch(rm.addr)
	}
	if err := n.sink.Send(ctx, env); err != nil {
		n.log.Warn("inbound envelope rejected", zap.Uint64("envelope", env.ID), zap.Error(err))
	}
}
