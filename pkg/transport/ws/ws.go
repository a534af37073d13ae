// Package ws carries packets over WebSocket binary messages. It backs the
// HTTPS network, where a plain HTTP(S) path is all a middlebox lets through.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/resolvingarchitecture/ra-common/pkg/transport"
)

// Path is where the listener upgrades connections.
const Path = "/ra/link"

type Transport struct {
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader
}

func New() *Transport {
	return &Transport{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			// links are authenticated by the hello, not by origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (t *Transport) Kind() transport.Kind { return transport.KindWS }

// url accepts host:port or a full ws:// / wss:// URL.
func url(address string) string {
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		return address
	}
	return "ws://" + address + Path
}

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	l := &listener{ln: ln, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc(Path, func(w http.ResponseWriter, r *http.Request) {
		c, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			zap.L().Debug("ws: upgrade", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		s := newSession(c)
		select {
		case l.newCh <- s:
		case <-l.closeCh:
			_ = s.Close()
		}
	})
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Warn("ws: serve", zap.Error(err))
		}
	}()
	context.AfterFunc(ctx, func() { _ = l.Close() })
	return l, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.Session, error) {
	c, resp, err := t.dialer.DialContext(ctx, url(address), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newSession(c), nil
}

type listener struct {
	ln      net.Listener
	srv     *http.Server
	newCh   chan *session
	closeCh chan struct{}
	once    sync.Once
}

func (l *listener) Addr() net.Addr { return l.ln.Addr() }

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
		err = l.srv.Close()
	})
	return err
}

type session struct {
	c   *websocket.Conn
	wmu sync.Mutex
}

func newSession(c *websocket.Conn) *session {
	c.SetReadLimit(transport.MaxFrame)
	return &session{c: c}
}

func (s *session) Kind() transport.Kind { return transport.KindWS }
func (s *session) LocalAddr() net.Addr  { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr { return s.c.RemoteAddr() }

func (s *session) OpenStream(context.Context) (transport.Stream, error)   { return s, nil }
func (s *session) AcceptStream(context.Context) (transport.Stream, error) { return s, nil }

func (s *session) SendBytes(b []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.c.WriteMessage(websocket.BinaryMessage, b)
}

// RecvBytes returns the next binary message; text messages are ignored.
func (s *session) RecvBytes() ([]byte, error) {
	for {
		mt, b, err := s.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return b, nil
		}
	}
}

func (s *session) Close() error {
	s.wmu.Lock()
	_ = s.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.wmu.Unlock()
	return s.c.Close()
}
