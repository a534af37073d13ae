// Package tcp carries packets over TCP with yamux stream multiplexing.
package tcp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"go.uber.org/zap"

	"github.com/resolvingarchitecture/ra-common/pkg/transport"
)

// Transport implements the TCP carrier. Every connection runs a yamux
// session; the dialer opens the packet stream and the acceptor waits for it.
type Transport struct {
	mux *yamux.Config
}

func New() *Transport {
	cfg := yamux.DefaultConfig()
	cfg.KeepAliveInterval = 15 * time.Second
	cfg.LogOutput = nil
	cfg.Logger = zap.NewStdLog(zap.L().Named("yamux"))
	return &Transport{mux: cfg}
}

func (t *Transport) Kind() transport.Kind { return transport.KindTCP }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	tl := &listener{l: l, mux: t.mux, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
	go tl.acceptLoop()
	context.AfterFunc(ctx, func() { _ = tl.Close() })
	return tl, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.Session, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	mux, err := yamux.Client(c, t.mux)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return &session{mux: mux}, nil
}

type listener struct {
	l       net.Listener
	mux     *yamux.Config
	newCh   chan *session
	closeCh chan struct{}
	once    sync.Once
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, transport.ErrClosed
	case s := <-l.newCh:
		return s, nil
	}
}

func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closeCh)
		err = l.l.Close()
	})
	return err
}

func (l *listener) acceptLoop() {
	for {
		c, err := l.l.Accept()
		if err != nil {
			return
		}
		mux, err := yamux.Server(c, l.mux)
		if err != nil {
			zap.L().Warn("tcp: yamux server", zap.String("remote", c.RemoteAddr().String()), zap.Error(err))
			_ = c.Close()
			continue
		}
		s := &session{mux: mux}
		select {
		case l.newCh <- s:
		case <-l.closeCh:
			_ = s.Close()
			return
		}
	}
}

type session struct {
	mux *yamux.Session
}

func (s *session) Kind() transport.Kind { return transport.KindTCP }
func (s *session) LocalAddr() net.Addr  { return s.mux.LocalAddr() }
func (s *session) RemoteAddr() net.Addr { return s.mux.RemoteAddr() }

func (s *session) OpenStream(context.Context) (transport.Stream, error) {
	st, err := s.mux.OpenStream()
	if err != nil {
		return nil, err
	}
	return transport.NewConnStream(st), nil
}

func (s *session) AcceptStream(ctx context.Context) (transport.Stream, error) {
	st, err := s.mux.AcceptStreamWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return transport.NewConnStream(st), nil
}

func (s *session) Close() error { return s.mux.Close() }
