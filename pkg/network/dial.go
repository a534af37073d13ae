package network

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/resolvingarchitecture/ra-common/pkg/transport"
)

// dialLoop keeps a link to d open until ctx ends, redialing with
// exponential backoff and jitter. While another link to the same peer is
// canonical it waits for that link instead of redialing.
func (n *Network) dialLoop(ctx context.Context, d Dial) {
	kind := n.cfg.Transport.Kind().String()
	backoff := n.cfg.Backoff.Initial
	for ctx.Err() == nil {
		s, err := n.cfg.Transport.Dial(ctx, d.Address)
		if err != nil {
			n.log.Warn("dial failed", zap.String("kind", kind), zap.String("addr", d.Address), zap.Error(err))
			if !n.sleep(ctx, n.jitter(backoff)) {
				return
			}
			backoff = n.grow(backoff)
			continue
		}
		st, err := s.OpenStream(ctx)
		if err != nil {
			_ = s.Close()
			n.log.Warn("open stream", zap.String("addr", d.Address), zap.Error(err))
			if !n.sleep(ctx, n.jitter(backoff)) {
				return
			}
			backoff = n.grow(backoff)
			continue
		}
		n.log.Debug("dialed", zap.String("kind", kind), zap.String("addr", d.Address))
		winner, ok := n.serve(ctx, transport.NewLink(s, st, n.fr, false, n.cfg.Address), d.Peer)
		if ok {
			backoff = n.cfg.Backoff.Initial
		} else {
			backoff = n.grow(backoff)
		}
		if winner != nil {
			select {
			case <-winner.Done():
			case <-ctx.Done():
				return
			}
		}
		if !n.sleep(ctx, n.jitter(backoff)) {
			return
		}
	}
}

func (n *Network) grow(d time.Duration) time.Duration {
	d *= 2
	if d > n.cfg.Backoff.Max {
		d = n.cfg.Backoff.Max
	}
	return d
}

// jitter adds a uniform delay in [0, Backoff.Jitter).
func (n *Network) jitter(d time.Duration) time.Duration {
	if j := n.cfg.Backoff.Jitter; j > 0 {
		d += time.Duration(n.src.Int64N(int64(j)))
	}
	return d
}

func (n *Network) sleep(ctx context.Context, d time.Duration) bool {
	t := n.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
