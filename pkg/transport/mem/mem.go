// Package mem is an in-process carrier over net.Pipe. Nodes that share a
// Hub can reach each other; New uses the process-wide hub.
package mem

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/resolvingarchitecture/ra-common/pkg/transport"
)

var ErrNoListener = errors.New("mem: no such listener")

// Hub is a namespace of in-process listeners.
type Hub struct {
	mu        sync.Mutex
	listeners map[string]*listener
}

func NewHub() *Hub { return &Hub{listeners: make(map[string]*listener)} }

var defaultHub = NewHub()

// Transport is an in-process transport bound to one Hub.
type Transport struct{ hub *Hub }

// New returns a transport on the process-wide hub.
func New() *Transport { return &Transport{hub: defaultHub} }

// NewOn returns a transport on h.
func NewOn(h *Hub) *Transport { return &Transport{hub: h} }

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

func (t *Transport) Listen(ctx context.Context, name string) (transport.Listener, error) {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[name]; ok {
		return nil, errors.New("mem: listener already exists")
	}
	l := &listener{hub: h, name: name, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
	h.listeners[name] = l
	context.AfterFunc(ctx, func() { _ = l.Close() })
	return l, nil
}

func (t *Transport) Dial(ctx context.Context, name string) (transport.Session, error) {
	t.hub.mu.Lock()
	l := t.hub.listeners[name]
	t.hub.mu.Unlock()
	if l == nil {
		return nil, ErrNoListener
	}
	c1, c2 := net.Pipe()
	srv := newSession(c1, addr(name+"#accept"), addr(name))
	cli := newSession(c2, addr(name), addr(name+"#dial"))
	select {
	case l.newCh <- srv:
		return cli, nil
	case <-l.closeCh:
	case <-ctx.Done():
	}
	_ = c1.Close()
	_ = c2.Close()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNoListener
}

type listener struct {
	hub     *Hub
	name    string
	newCh   chan *session
	closeCh chan struct{}
	once    sync.Once
}

func (l *listener) Addr() net.Addr { return addr(l.name) }

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
	l.once.Do(func() {
		close(l.closeCh)
		l.hub.mu.Lock()
		if l.hub.listeners[l.name] == l {
			delete(l.hub.listeners, l.name)
		}
		l.hub.mu.Unlock()
	})
	return nil
}

type addr string

func (a addr) Network() string { return "mem" }
func (a addr) String() string  { return string(a) }

type session struct {
	c      net.Conn
	st     *transport.ConnStream
	remote net.Addr
	local  net.Addr
}

func newSession(c net.Conn, remote, local net.Addr) *session {
	return &session{c: c, st: transport.NewConnStream(c), remote: remote, local: local}
}

func (s *session) Kind() transport.Kind { return transport.KindMem }
func (s *session) LocalAddr() net.Addr  { return s.local }
func (s *session) RemoteAddr() net.Addr { return s.remote }

func (s *session) OpenStream(context.Context) (transport.Stream, error)   { return s.st, nil }
func (s *session) AcceptStream(context.Context) (transport.Stream, error) { return s.st, nil }
func (s *session) Close() error                                           { return s.c.Close() }
