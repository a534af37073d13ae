package priocq

import (
	"context"
	"testing"
	"time"

	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
)

func item(dest string, class Class, size int, id uint64) Item {
	return Item{Env: &protocol.Envelope{ID: id}, Dest: dest, Class: class, Size: size}
}

func TestStrictPriority(t *testing.T) {
	q := New()
	q.Enqueue(item("a", L2Bulk, 10, 1))
	q.Enqueue(item("a", L1Realtime, 10, 2))
	q.Enqueue(item("a", L0Control, 10, 3))

	for _, want := range []uint64{3, 2, 1} {
		it, ok := q.TryDequeue()
		if !ok || it.Env.ID != want {
			t.Fatalf("want %d, got %+v %v", want, it, ok)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue not empty: %d", q.Len())
	}
}

func TestRoundRobinAcrossFlows(t *testing.T) {
	q := New()
	for i := uint64(0); i < 3; i++ {
		q.Enqueue(item("a", L1Realtime, 100, 10+i))
		q.Enqueue(item("b", L1Realtime, 100, 20+i))
	}
	seenA, seenB := 0, 0
	for i := 0; i < 4; i++ {
		it, ok := q.TryDequeue()
		if !ok {
			t.Fatalf("queue drained early")
		}
		if it.Dest == "a" {
			seenA++
		} else {
			seenB++
		}
	}
	if seenA == 0 || seenB == 0 {
		t.Fatalf("one flow starved: a=%d b=%d", seenA, seenB)
	}
}

func TestOversizedItemIsServed(t *testing.T) {
	q := New()
	q.Enqueue(item("big", L0Control, 1<<20, 1))
	if _, ok := q.TryDequeue(); !ok {
		t.Fatalf("oversized item never dequeued")
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New()
	got := make(chan uint64, 1)
	go func() {
		it, ok := q.Dequeue(context.Background())
		if ok {
			got <- it.Env.ID
		}
	}()
	time.Sleep(10 * time.Millisecond)
	q.Enqueue(item("x", L1Realtime, 1, 42))
	select {
	case id := <-got:
		if id != 42 {
			t.Fatalf("got %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dequeue did not wake")
	}
}

func TestDequeueCancelled(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue(ctx)
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Fatalf("cancelled dequeue returned an item")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dequeue ignored cancellation")
	}
}
