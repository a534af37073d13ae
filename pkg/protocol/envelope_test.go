package protocol

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/resolvingarchitecture/ra-common/pkg/entropy"
)

func TestSlipStackOrder(t *testing.T) {
	s := NewSlip(0)
	s.AddRoute(NewRoute("a", "1"))
	s.AddRoute(NewRoute("b", "2"))
	s.AddRoute(NewRoute("c", "3"))

	var got []string
	for {
		r, ok := s.EndRoute()
		if !ok {
			break
		}
		if !r.Routed {
			t.Fatalf("popped route not marked routed")
		}
		got = append(got, r.Service)
	}
	if len(got) != 3 || got[0] != "c" || got[1] != "b" || got[2] != "a" {
		t.Fatalf("unexpected order %v", got)
	}
	if h := s.History(); len(h) != 3 || h[0].Service != "c" {
		t.Fatalf("history %v", h)
	}
}

func TestSlipPushWhileInFlight(t *testing.T) {
	s := NewSlip(2)
	s.AddRoute(NewRoute("final", "deliver"))
	s.AddRoute(NewRoute("first", "hop"))
	s.Start()

	if r, _ := s.EndRoute(); r.Service != "first" {
		t.Fatalf("want first, got %s", r.Service)
	}
	s.AddRoute(NewRoute("detour", "hop"))
	if r, _ := s.CurrentRoute(); r.Service != "detour" {
		t.Fatalf("pushed route must run next, got %s", r.Service)
	}
	if !s.InProgress() {
		t.Fatalf("in progress lost")
	}
}

func TestSlipEmpty(t *testing.T) {
	s := NewSlip(0)
	if _, ok := s.CurrentRoute(); ok {
		t.Fatalf("empty slip returned a route")
	}
	if _, ok := s.EndRoute(); ok {
		t.Fatalf("empty slip popped a route")
	}
}

func TestSlipRestoreRoute(t *testing.T) {
	s := NewSlip(0)
	s.AddRoute(NewRoute("a", "1"))
	r, _ := s.EndRoute()
	s.RestoreRoute(r)
	if s.Remaining() != 1 || len(s.History()) != 0 {
		t.Fatalf("restore did not undo pop")
	}
	top, _ := s.CurrentRoute()
	if top.Routed {
		t.Fatalf("restored route still marked routed")
	}
}

func TestSlipConcurrentPush(t *testing.T) {
	s := NewSlip(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.AddRoute(NewRoute("svc", "op"))
		}()
	}
	wg.Wait()
	if s.Remaining() != 50 {
		t.Fatalf("want 50, got %d", s.Remaining())
	}
}

func TestNewEnvelopeDelayWindow(t *testing.T) {
	if _, err := NewEnvelope(WithDelay(50*time.Millisecond, 10*time.Millisecond)); !errors.Is(err, ErrInvalidDelay) {
		t.Fatalf("want ErrInvalidDelay, got %v", err)
	}
	e, err := NewEnvelope(WithDelay(10*time.Millisecond, 10*time.Millisecond))
	if err != nil {
		t.Fatalf("equal bounds rejected: %v", err)
	}
	if e.MinDelay != 10 || e.MaxDelay != 10 {
		t.Fatalf("delay not in ms: %d %d", e.MinDelay, e.MaxDelay)
	}
}

func TestEnvelopeValidate(t *testing.T) {
	e, _ := NewEnvelope()
	if err := e.Validate(); !errors.Is(err, ErrEmptySlip) {
		t.Fatalf("want ErrEmptySlip, got %v", err)
	}
	e.Slip.AddRoute(NewRoute("", "op"))
	if err := e.Validate(); !errors.Is(err, ErrInvalidRoute) {
		t.Fatalf("want ErrInvalidRoute, got %v", err)
	}
}

func TestEnvelopeIDsFromSource(t *testing.T) {
	a, _ := NewEnvelope(WithSource(entropy.NewSeeded(7)))
	b, _ := NewEnvelope(WithSource(entropy.NewSeeded(7)))
	if a.ID != b.ID {
		t.Fatalf("same seed produced different ids")
	}
	c, _ := NewEnvelope()
	d, _ := NewEnvelope()
	if c.ID == d.ID {
		t.Fatalf("default source repeated an id")
	}
}

func TestEnvelopeReply(t *testing.T) {
	e, _ := NewEnvelope(WithDelay(0, 20*time.Millisecond), WithHeader("k", "v"))
	e.PushReply(NewRoute("origin", "receive"))
	e.PushReply(NewRoute("relay", "back"))

	r, err := e.Reply(WithBytes([]byte("pong")))
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if r.ID == e.ID {
		t.Fatalf("reply reused id")
	}
	if top, _ := r.Slip.CurrentRoute(); top.Service != "relay" {
		t.Fatalf("reply should start at last pushed hop, got %s", top.Service)
	}
	if r.Header("k") != "" || r.MaxDelay != 20 {
		t.Fatalf("reply headers/delay wrong: %v %d", r.Headers, r.MaxDelay)
	}
}
