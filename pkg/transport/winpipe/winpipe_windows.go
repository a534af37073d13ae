//go:build windows

// Package winpipe carries packets over Windows named pipes between
// processes on one host.
package winpipe

import (
	"context"
	"net"
	"sync"

	"github.com/Microsoft/go-winio"

	"github.com/resolvingarchitecture/ra-common/pkg/transport"
)

type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindWinPipe }

// Listen serves pipeName, e.g. `\\.\pipe\ra-node`.
func (t *Transport) Listen(ctx context.Context, pipeName string) (transport.Listener, error) {
	l, err := winio.ListenPipe(pipeName, &winio.PipeConfig{MessageMode: false})
	if err != nil {
		return nil, err
	}
	wl := &listener{l: l, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
	go wl.acceptLoop()
	context.AfterFunc(ctx, func() { _ = wl.Close() })
	return wl, nil
}

func (t *Transport) Dial(ctx context.Context, pipeName string) (transport.Session, error) {
	c, err := winio.DialPipeContext(ctx, pipeName)
	if err != nil {
		return nil, err
	}
	return newSession(c), nil
}

type listener struct {
	l       net.Listener
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
		s := newSession(c)
		select {
		case l.newCh <- s:
		case <-l.closeCh:
			_ = s.Close()
			return
		}
	}
}

// session is a single-stream pipe connection.
type session struct {
	c  net.Conn
	st *transport.ConnStream
}

func newSession(c net.Conn) *session { return &session{c: c, st: transport.NewConnStream(c)} }

func (s *session) Kind() transport.Kind { return transport.KindWinPipe }
func (s *session) LocalAddr() net.Addr  { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr { return s.c.RemoteAddr() }

func (s *session) OpenStream(context.Context) (transport.Stream, error)   { return s.st, nil }
func (s *session) AcceptStream(context.Context) (transport.Stream, error) { return s.st, nil }

func (s *session) Close() error { return s.st.Close() }
