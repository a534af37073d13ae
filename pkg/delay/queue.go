package delay

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrClosed is returned when scheduling on a closed queue.
var ErrClosed = errors.New("delay queue closed")

// Queue runs callbacks at or after their due time on a single timer
// goroutine. Callbacks run on that goroutine and must not block; hand work
// off to a channel or worker pool.
type Queue struct {
	clock clock.Clock

	mu     sync.Mutex
	items  itemHeap
	byID   map[uint64]*item
	seq    uint64
	closed bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

type item struct {
	id    uint64
	at    time.Time
	seq   uint64
	fn    func()
	index int
}

// NewQueue starts the timer goroutine.
func NewQueue(c clock.Clock) *Queue {
	if c == nil {
		c = clock.New()
	}
	q := &Queue{
		clock: c,
		byID:  make(map[uint64]*item),
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

// Schedule runs fn at or after at. Scheduling an id that is already pending
// replaces the earlier entry.
func (q *Queue) Schedule(id uint64, at time.Time, fn func()) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if old, ok := q.byID[id]; ok {
		heap.Remove(&q.items, old.index)
	}
	q.seq++
	it := &item{id: id, at: at, seq: q.seq, fn: fn}
	heap.Push(&q.items, it)
	q.byID[id] = it
	q.mu.Unlock()
	q.poke()
	return nil
}

// Cancel removes a pending entry. It reports whether one was removed.
func (q *Queue) Cancel(id uint64) bool {
	q.mu.Lock()
	it, ok := q.byID[id]
	if ok {
		heap.Remove(&q.items, it.index)
		delete(q.byID, id)
	}
	q.mu.Unlock()
	if ok {
		q.poke()
	}
	return ok
}

// Pending reports whether id is waiting.
func (q *Queue) Pending(id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[id]
	return ok
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the timer goroutine and returns the ids that never fired.
func (q *Queue) Close() []uint64 {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return nil
	}
	q.closed = true
	ids := make([]uint64, 0, len(q.items))
	for _, it := range q.items {
		ids = append(ids, it.id)
	}
	q.items = nil
	q.byID = make(map[uint64]*item)
	q.mu.Unlock()
	close(q.quit)
	<-q.done
	return ids
}

func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		now := q.clock.Now()
		var due []*item
		for len(q.items) > 0 && !q.items[0].at.After(now) {
			it := heap.Pop(&q.items).(*item)
			delete(q.byID, it.id)
			due = append(due, it)
		}
		wait := time.Duration(-1)
		if len(q.items) > 0 {
			wait = q.items[0].at.Sub(now)
		}
		q.mu.Unlock()

		for _, it := range due {
			it.fn()
		}
		if len(due) > 0 {
			continue
		}

		var (
			t  *clock.Timer
			tc <-chan time.Time
		)
		if wait >= 0 {
			t = q.clock.Timer(wait)
			tc = t.C
		}
		select {
		case <-tc:
		case <-q.wake:
		case <-q.quit:
			if t != nil {
				t.Stop()
			}
			return
		}
		if t != nil {
			t.Stop()
		}
	}
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
