// Package quic carries packets over a QUIC bidirectional stream. Peers are
// authenticated by the signed hello, not by TLS; the certificate is an
// ephemeral self-signed one.
package quic

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/resolvingarchitecture/ra-common/pkg/transport"
)

const alpn = "ra-link/1"

type Transport struct {
	server *tls.Config
	client *tls.Config
	conf   *quicgo.Config
}

// New builds a transport with a fresh self-signed certificate.
func New() (*Transport, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	return &Transport{
		server: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpn},
			MinVersion:   tls.VersionTLS13,
		},
		client: &tls.Config{
			// identity is checked by the link hello
			InsecureSkipVerify: true,
			NextProtos:         []string{alpn},
			MinVersion:         tls.VersionTLS13,
		},
		conf: &quicgo.Config{
			KeepAlivePeriod: 15 * time.Second,
			MaxIdleTimeout:  time.Minute,
		},
	}, nil
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	l, err := quicgo.ListenAddr(address, t.server, t.conf)
	if err != nil {
		return nil, err
	}
	ql := &listener{l: l, closeCh: make(chan struct{})}
	context.AfterFunc(ctx, func() { _ = ql.Close() })
	return ql, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.Session, error) {
	c, err := quicgo.DialAddr(ctx, address, t.client, t.conf)
	if err != nil {
		return nil, err
	}
	return &session{c: c}, nil
}

type listener struct {
	l       *quicgo.Listener
	closeCh chan struct{}
	once    sync.Once
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
	c, err := l.l.Accept(ctx)
	if err != nil {
		select {
		case <-l.closeCh:
			return nil, transport.ErrClosed
		default:
			return nil, err
		}
	}
	return &session{c: c}, nil
}

func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closeCh)
		err = l.l.Close()
	})
	return err
}

type session struct {
	c quicgo.Connection
}

func (s *session) Kind() transport.Kind { return transport.KindQUIC }
func (s *session) LocalAddr() net.Addr  { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr { return s.c.RemoteAddr() }

// OpenStream opens the packet stream. QUIC announces a stream with its first
// frame, so the acceptor sees it once the dialer sends its Syn.
func (s *session) OpenStream(ctx context.Context) (transport.Stream, error) {
	st, err := s.c.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return transport.NewConnStream(st), nil
}

func (s *session) AcceptStream(ctx context.Context) (transport.Stream, error) {
	st, err := s.c.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return transport.NewConnStream(st), nil
}

func (s *session) Close() error { return s.c.CloseWithError(0, "") }

// selfSignedCert generates a short-lived ed25519 certificate for the listener.
func selfSignedCert() (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(7 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, pub, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
