package stream

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
)

func TestConnSendRecv(t *testing.T) {
	fr, err := protocol.NewFramer()
	if err != nil {
		t.Fatal(err)
	}
	defer fr.Close()
	var buf bytes.Buffer
	c := New(&buf, fr)

	env, err := protocol.NewEnvelope(protocol.WithID(7), protocol.WithRoutes(protocol.NewRoute("echo", "ping")))
	if err != nil {
		t.Fatal(err)
	}
	sent := []*protocol.Packet{
		protocol.NewControlPacket(protocol.PacketSyn, protocol.NetworkIP, "alice", []byte("hi")),
		protocol.NewDataPacket(protocol.NetworkIP, "alice", "bob", env),
	}
	for _, p := range sent {
		if err := c.Send(p); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	for i, want := range sent {
		got, err := c.Recv()
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if got.Type != want.Type || got.From != want.From || got.ID() != want.ID() {
			t.Fatalf("packet %d mismatch: %+v", i, got)
		}
	}
	if _, err := c.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("want EOF after last frame, got %v", err)
	}
}
