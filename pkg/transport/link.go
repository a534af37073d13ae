package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/resolvingarchitecture/ra-common/pkg/api"
	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
)

// PeerInfo is what a link knows about its far end.
type PeerInfo struct {
	// Addr is the remote overlay address; empty until the hello arrives.
	Addr     string
	DID      string
	Verified bool
}

type recvResult struct {
	p   *protocol.Packet
	err error
}

// Link moves Packets over one Stream. A reader goroutine decodes frames as
// they arrive; malformed frames surface from Receive without ending the
// link, transport errors end it.
type Link struct {
	id       uuid.UUID
	sess     Session
	st       Stream
	fr       *protocol.Framer
	inbound  bool
	local    string
	openedAt time.Time

	mu   sync.RWMutex
	peer PeerInfo

	wmu  sync.Mutex
	rx   chan recvResult
	done chan struct{}
	once sync.Once
	err  error
}

var _ api.Driver = (*Link)(nil)

// NewLink wraps st. local is this node's overlay address on the network.
func NewLink(sess Session, st Stream, fr *protocol.Framer, inbound bool, local string) *Link {
	l := &Link{
		id:       uuid.New(),
		sess:     sess,
		st:       st,
		fr:       fr,
		inbound:  inbound,
		local:    local,
		openedAt: time.Now(),
		rx:       make(chan recvResult, 16),
		done:     make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *Link) ID() string            { return l.id.String() }
func (l *Link) Kind() Kind            { return l.sess.Kind() }
func (l *Link) Inbound() bool         { return l.inbound }
func (l *Link) Local() string         { return l.local }
func (l *Link) OpenedAt() time.Time   { return l.openedAt }
func (l *Link) Done() <-chan struct{} { return l.done }

// Remote is the carrier address of the far end.
func (l *Link) Remote() string {
	if a := l.sess.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (l *Link) Peer() PeerInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.peer
}

func (l *Link) SetPeer(p PeerInfo) {
	l.mu.Lock()
	l.peer = p
	l.mu.Unlock()
}

// Dialer returns the overlay address of the side that opened the link.
func (l *Link) Dialer() string {
	if l.inbound {
		return l.Peer().Addr
	}
	return l.local
}

// Send encodes p and writes it. ctx is checked before the write only;
// carriers do not support cancelling a write in flight.
func (l *Link) Send(ctx context.Context, p *protocol.Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-l.done:
		return l.closedErr()
	default:
	}
	b, err := l.fr.Encode(p)
	if err != nil {
		return err
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if err := l.st.SendBytes(b); err != nil {
		l.shutdown(err)
		return err
	}
	return nil
}

// Receive returns the next packet.
func (l *Link) Receive(ctx context.Context) (*protocol.Packet, error) {
	select {
	case r, ok := <-l.rx:
		if !ok {
			return nil, l.closedErr()
		}
		return r.p, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Link) readLoop() {
	defer close(l.rx)
	for {
		b, err := l.st.RecvBytes()
		if err != nil {
			l.shutdown(err)
			return
		}
		p, err := l.fr.Decode(b)
		if err != nil {
			zap.L().Debug("link: bad frame", zap.String("link", l.ID()), zap.Error(err))
		}
		select {
		case l.rx <- recvResult{p: p, err: err}:
		case <-l.done:
			return
		}
	}
}

func (l *Link) shutdown(cause error) {
	l.once.Do(func() {
		if cause == nil || errors.Is(cause, io.EOF) {
			cause = ErrClosed
		}
		l.mu.Lock()
		l.err = cause
		l.mu.Unlock()
		close(l.done)
		_ = l.st.Close()
		_ = l.sess.Close()
	})
}

func (l *Link) closedErr() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.err == nil {
		return ErrClosed
	}
	return l.err
}

// Err returns why the link ended, or nil while it is open.
func (l *Link) Err() error {
	select {
	case <-l.done:
		return l.closedErr()
	default:
		return nil
	}
}

// Close ends the link and its session.
func (l *Link) Close() error {
	l.shutdown(ErrClosed)
	return nil
}
