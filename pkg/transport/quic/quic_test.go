package quic

import (
	"context"
	"crypto/x509"
	"testing"
	"time"
)

func TestSelfSignedCert(t *testing.T) {
	cert, err := selfSignedCert()
	if err != nil {
		t.Fatal(err)
	}
	c, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if !c.NotAfter.After(time.Now()) || c.NotBefore.After(time.Now()) {
		t.Fatalf("certificate not valid now: %v to %v", c.NotBefore, c.NotAfter)
	}
}

func TestLoopback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, err := New()
	if err != nil {
		t.Fatal(err)
	}
	l, err := tr.Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	cs, err := tr.Dial(ctx, l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Close()
	ss, err := l.Accept(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer ss.Close()

	// the stream reaches the acceptor with its first frame
	cst, err := cs.OpenStream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := cst.SendBytes([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	sst, err := ss.AcceptStream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	b, err := sst.RecvBytes()
	if err != nil || string(b) != "ping" {
		t.Fatalf("got %q %v", b, err)
	}
	if err := sst.SendBytes([]byte("pong")); err != nil {
		t.Fatal(err)
	}
	b, err = cst.RecvBytes()
	if err != nil || string(b) != "pong" {
		t.Fatalf("got %q %v", b, err)
	}
}
