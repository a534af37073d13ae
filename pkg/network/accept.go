package network

import (
	"context"

	"go.uber.org/zap"

	"github.com/resolvingarchitecture/ra-common/pkg/transport"
)

func (n *Network) acceptLoop(ctx context.Context, l transport.Listener) {
	for {
		s, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				n.log.Warn("accept failed", zap.String("addr", l.Addr().String()), zap.Error(err))
			}
			return
		}
		n.log.Debug("inbound session", zap.Stringer("kind", s.Kind()), zap.String("raddr", addrString(s.RemoteAddr())))
		n.loops.Add(1)
		go func() {
			defer n.loops.Done()
			st, err := s.AcceptStream(ctx)
			if err != nil {
				n.log.Warn("accept stream", zap.Error(err))
				_ = s.Close()
				return
			}
			n.serve(ctx, transport.NewLink(s, st, n.fr, true, n.cfg.Address), "")
		}()
	}
}

func addrString(a interface{ String() string }) string {
	if a == nil {
		return ""
	}
	return a.String()
}
