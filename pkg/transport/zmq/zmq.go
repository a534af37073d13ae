// Package zmq carries packets over ZeroMQ. A listener binds a ROUTER socket
// and treats every DEALER identity it hears from as a session; a dialer
// connects its own DEALER.
package zmq

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/resolvingarchitecture/ra-common/pkg/transport"
)

type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindZMQ }

// endpoint accepts host:port and full zmq endpoints.
func endpoint(address string) string {
	if strings.Contains(address, "://") {
		return address
	}
	return "tcp://" + address
}

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	sctx, cancel := context.WithCancel(context.Background())
	router := zmq4.NewRouter(sctx, zmq4.WithID(zmq4.SocketIdentity("ra-"+uuid.NewString())))
	if err := router.Listen(endpoint(address)); err != nil {
		cancel()
		_ = router.Close()
		return nil, err
	}
	l := &listener{
		router:   router,
		cancel:   cancel,
		sessions: make(map[string]*inbound),
		newCh:    make(chan *inbound, 8),
		closeCh:  make(chan struct{}),
	}
	go l.readLoop()
	context.AfterFunc(ctx, func() { _ = l.Close() })
	return l, nil
}

func (t *Transport) Dial(_ context.Context, address string) (transport.Session, error) {
	sctx, cancel := context.WithCancel(context.Background())
	dealer := zmq4.NewDealer(sctx, zmq4.WithID(zmq4.SocketIdentity(uuid.NewString())))
	if err := dealer.Dial(endpoint(address)); err != nil {
		cancel()
		_ = dealer.Close()
		return nil, err
	}
	return &outbound{sock: dealer, cancel: cancel, remote: addr(address)}, nil
}

type addr string

func (a addr) Network() string { return "zmq" }
func (a addr) String() string  { return string(a) }

type listener struct {
	router zmq4.Socket
	cancel context.CancelFunc
	wmu    sync.Mutex

	mu       sync.Mutex
	sessions map[string]*inbound
	newCh    chan *inbound
	closeCh  chan struct{}
	once     sync.Once
}

func (l *listener) Addr() net.Addr { return l.router.Addr() }

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
		err = l.router.Close()
		l.cancel()
	})
	return err
}

func (l *listener) readLoop() {
	for {
		msg, err := l.router.Recv()
		if err != nil {
			select {
			case <-l.closeCh:
			default:
				zap.L().Debug("zmq: router recv", zap.Error(err))
				_ = l.Close()
			}
			return
		}
		if len(msg.Frames) < 2 {
			continue
		}
		id := string(msg.Frames[0])
		l.mu.Lock()
		s, ok := l.sessions[id]
		if !ok || s.isClosed() {
			s = &inbound{l: l, id: id, rx: make(chan []byte, 64), closed: make(chan struct{})}
			l.sessions[id] = s
			select {
			case l.newCh <- s:
			default:
				delete(l.sessions, id)
				l.mu.Unlock()
				continue
			}
		}
		l.mu.Unlock()
		select {
		case s.rx <- msg.Frames[len(msg.Frames)-1]:
		case <-s.closed:
		default:
			zap.L().Debug("zmq: session lagging, frame dropped", zap.String("peer", id))
		}
	}
}

func (l *listener) send(id string, b []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return l.router.Send(zmq4.NewMsgFrom([]byte(id), b))
}

// inbound is one DEALER peer seen by the ROUTER.
type inbound struct {
	l      *listener
	id     string
	rx     chan []byte
	closed chan struct{}
	once   sync.Once
}

func (s *inbound) Kind() transport.Kind { return transport.KindZMQ }
func (s *inbound) LocalAddr() net.Addr  { return s.l.router.Addr() }
func (s *inbound) RemoteAddr() net.Addr { return addr("zmq-id:" + s.id) }

func (s *inbound) OpenStream(context.Context) (transport.Stream, error)   { return s, nil }
func (s *inbound) AcceptStream(context.Context) (transport.Stream, error) { return s, nil }

func (s *inbound) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *inbound) SendBytes(b []byte) error {
	if s.isClosed() {
		return transport.ErrClosed
	}
	return s.l.send(s.id, b)
}

func (s *inbound) RecvBytes() ([]byte, error) {
	select {
	case b := <-s.rx:
		return b, nil
	case <-s.closed:
		return nil, transport.ErrClosed
	case <-s.l.closeCh:
		return nil, transport.ErrClosed
	}
}

func (s *inbound) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// outbound owns a DEALER socket.
type outbound struct {
	sock   zmq4.Socket
	cancel context.CancelFunc
	remote net.Addr
	wmu    sync.Mutex
	once   sync.Once
}

func (s *outbound) Kind() transport.Kind { return transport.KindZMQ }
func (s *outbound) LocalAddr() net.Addr  { return s.sock.Addr() }
func (s *outbound) RemoteAddr() net.Addr { return s.remote }

func (s *outbound) OpenStream(context.Context) (transport.Stream, error)   { return s, nil }
func (s *outbound) AcceptStream(context.Context) (transport.Stream, error) { return s, nil }

func (s *outbound) SendBytes(b []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.sock.Send(zmq4.NewMsg(b))
}

func (s *outbound) RecvBytes() ([]byte, error) {
	msg, err := s.sock.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Bytes(), nil
}

func (s *outbound) Close() error {
	var err error
	s.once.Do(func() {
		err = s.sock.Close()
		s.cancel()
	})
	return err
}
