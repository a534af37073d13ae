// Package udp is a datagram carrier: one frame per datagram, no ordering or
// retransmission. Frames larger than a datagram are refused.
package udp

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/resolvingarchitecture/ra-common/pkg/transport"
)

// MaxDatagram is the largest frame the carrier sends.
const MaxDatagram = 64*1024 - 8 - 20

type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindUDP }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	ul := &listener{
		conn:     c,
		sessions: make(map[string]*session),
		newCh:    make(chan *session, 8),
		closeCh:  make(chan struct{}),
	}
	go ul.readLoop()
	context.AfterFunc(ctx, func() { _ = ul.Close() })
	return ul, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.Session, error) {
	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	c, err := d.DialContext(ctx, "udp", raddr.String())
	if err != nil {
		return nil, err
	}
	s := newSession(c.(*net.UDPConn), raddr, true)
	go s.recvLoop()
	return s, nil
}

// listener demultiplexes one socket into a session per remote address.
type listener struct {
	conn     *net.UDPConn
	mu       sync.Mutex
	sessions map[string]*session
	newCh    chan *session
	closeCh  chan struct{}
	once     sync.Once
}

func (l *listener) Addr() net.Addr { return l.conn.LocalAddr() }

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
		err = l.conn.Close()
		l.mu.Lock()
		for _, s := range l.sessions {
			_ = s.Close()
		}
		l.mu.Unlock()
	})
	return err
}

func (l *listener) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, raddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		key := raddr.String()
		l.mu.Lock()
		s, ok := l.sessions[key]
		if !ok || s.isClosed() {
			s = newSession(l.conn, raddr, false)
			l.sessions[key] = s
			select {
			case l.newCh <- s:
			default:
				// accept backlog full; the datagram is dropped
				delete(l.sessions, key)
				l.mu.Unlock()
				continue
			}
		}
		l.mu.Unlock()
		s.push(append([]byte(nil), buf[:n]...))
	}
}

type session struct {
	conn     *net.UDPConn
	raddr    *net.UDPAddr
	outbound bool
	rx       chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newSession(c *net.UDPConn, raddr *net.UDPAddr, outbound bool) *session {
	return &session{conn: c, raddr: raddr, outbound: outbound, rx: make(chan []byte, 64), closed: make(chan struct{})}
}

func (s *session) Kind() transport.Kind { return transport.KindUDP }
func (s *session) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *session) RemoteAddr() net.Addr { return s.raddr }

func (s *session) OpenStream(context.Context) (transport.Stream, error)   { return s, nil }
func (s *session) AcceptStream(context.Context) (transport.Stream, error) { return s, nil }

func (s *session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// push queues an inbound datagram, dropping it when the reader lags.
func (s *session) push(pkt []byte) {
	select {
	case s.rx <- pkt:
	case <-s.closed:
	default:
	}
}

func (s *session) recvLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			_ = s.Close()
			return
		}
		s.push(append([]byte(nil), buf[:n]...))
	}
}

func (s *session) SendBytes(b []byte) error {
	if len(b) > MaxDatagram {
		return fmt.Errorf("%w: %d bytes exceeds a datagram", transport.ErrFrameSize, len(b))
	}
	if s.isClosed() {
		return transport.ErrClosed
	}
	var err error
	if s.outbound {
		_, err = s.conn.Write(b)
	} else {
		_, err = s.conn.WriteToUDP(b, s.raddr)
	}
	return err
}

func (s *session) RecvBytes() ([]byte, error) {
	select {
	case pkt := <-s.rx:
		return pkt, nil
	case <-s.closed:
		return nil, transport.ErrClosed
	}
}

// Close ends the session. Inbound sessions share the listener socket and
// leave it open.
func (s *session) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		if s.outbound {
			err = s.conn.Close()
		}
	})
	return err
}
