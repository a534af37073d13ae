package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// Kind identifies a carrier.
type Kind int

const (
	KindUnknown Kind = iota
	KindMem
	KindTCP
	KindUDP
	KindQUIC
	KindZMQ
	KindWS
	KindWinPipe
)

var kindNames = map[Kind]string{
	KindMem:     "mem",
	KindTCP:     "tcp",
	KindUDP:     "udp",
	KindQUIC:    "quic",
	KindZMQ:     "zmq",
	KindWS:      "ws",
	KindWinPipe: "winpipe",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseKind maps a config name to a Kind.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown transport kind %q", s)
}

// Stream is a bidirectional frame stream. Exactly one reader and one writer
// goroutine are expected.
type Stream interface {
	// SendBytes sends one frame.
	SendBytes([]byte) error
	// RecvBytes blocks for the next frame.
	RecvBytes() ([]byte, error)
	Close() error
}

// Session is a connection to one remote carrier address.
type Session interface {
	Kind() Kind
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// OpenStream opens the session's packet stream. Carriers without
	// multiplexing return the single shared stream.
	OpenStream(ctx context.Context) (Stream, error)
	// AcceptStream waits for the stream opened by the other side.
	AcceptStream(ctx context.Context) (Stream, error)

	Close() error
}

// Listener accepts inbound sessions.
type Listener interface {
	// Accept blocks until an inbound session is available or ctx is done.
	Accept(ctx context.Context) (Session, error)
	Addr() net.Addr
	// Close stops the listener and unblocks Accept.
	Close() error
}

// Transport dials and listens for one carrier kind. Sessions outlive the
// context passed to Dial; it only bounds connection setup.
type Transport interface {
	Kind() Kind
	Listen(ctx context.Context, address string) (Listener, error)
	Dial(ctx context.Context, address string) (Session, error)
}

// StreamOf returns the packet stream of s: dialers open it, acceptors wait
// for it.
func StreamOf(ctx context.Context, s Session, inbound bool) (Stream, error) {
	if inbound {
		return s.AcceptStream(ctx)
	}
	return s.OpenStream(ctx)
}
