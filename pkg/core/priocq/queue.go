package priocq

import (
	"context"
	"sync"
	"time"

	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
)

// Class is a priority class: L0 control > L1 realtime > L2 bulk
type Class int

const (
	L0Control Class = iota
	L1Realtime
	L2Bulk
	numClasses
)

func (c Class) String() string {
	switch c {
	case L0Control:
		return "control"
	case L1Realtime:
		return "realtime"
	case L2Bulk:
		return "bulk"
	default:
		return "unknown"
	}
}

// Item is an envelope that is ready to be stepped by the router.
type Item struct {
	Env     *protocol.Envelope
	Dest    string // flow key, usually the target service or network
	Size    int
	Class   Class
	Arrived time.Time
}

// flow implements a DRR queue per destination
type flow struct {
	key     string
	q       []Item
	deficit int
	quantum int
}

type level struct {
	mu    sync.Mutex
	flows map[string]*flow // key -> flow
	order []string         // round robin order
	idx   int
	n     int // queued items
}

// MultiLevelQueue: strict priority between levels, DRR within level.
type MultiLevelQueue struct {
	lvls [numClasses]*level
	// cond to signal availability
	mu   sync.Mutex
	cond *sync.Cond
}

func New() *MultiLevelQueue {
	mlq := &MultiLevelQueue{}
	mlq.cond = sync.NewCond(&mlq.mu)
	for i := 0; i < int(numClasses); i++ {
		mlq.lvls[i] = &level{flows: make(map[string]*flow), order: make([]string, 0, 8)}
	}
	return mlq
}

// Enqueue appends an item to the appropriate class/flow.
func (q *MultiLevelQueue) Enqueue(it Item) {
	if it.Class < 0 || it.Class >= numClasses {
		it.Class = L1Realtime
	}
	if it.Size <= 0 {
		it.Size = 1
	}
	lvl := q.lvls[it.Class]
	lvl.mu.Lock()
	f := lvl.flows[it.Dest]
	if f == nil {
		f = &flow{key: it.Dest, quantum: chooseQuantum(it.Class)}
		lvl.flows[it.Dest] = f
		lvl.order = append(lvl.order, it.Dest)
	}
	f.q = append(f.q, it)
	lvl.n++
	lvl.mu.Unlock()
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

func chooseQuantum(c Class) int {
	switch c {
	case L0Control:
		return 2048 // small packets, quick turn
	case L1Realtime:
		return 8192
	case L2Bulk:
		return 65536
	default:
		return 4096
	}
}

// Len returns the number of queued items across all levels.
func (q *MultiLevelQueue) Len() int {
	n := 0
	for _, lvl := range q.lvls {
		lvl.mu.Lock()
		n += lvl.n
		lvl.mu.Unlock()
	}
	return n
}

// Dequeue selects the next item using strict priority and DRR within a level.
// Blocks until an item is available or ctx is done.
func (q *MultiLevelQueue) Dequeue(ctx context.Context) (Item, bool) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if it, ok := q.tryPop(); ok {
			return it, true
		}
		if ctx.Err() != nil {
			return Item{}, false
		}
		q.cond.Wait()
	}
}

// TryDequeue pops without blocking.
func (q *MultiLevelQueue) TryDequeue() (Item, bool) {
	return q.tryPop()
}

func (q *MultiLevelQueue) tryPop() (Item, bool) {
	for li := 0; li < int(numClasses); li++ {
		lvl := q.lvls[li]
		lvl.mu.Lock()
		if lvl.n == 0 {
			lvl.mu.Unlock()
			continue
		}
		// Each pass over the ring grows every waiting flow's deficit, so a
		// non-empty level always yields an item.
		for {
			n := len(lvl.order)
			j := lvl.idx % n
			f := lvl.flows[lvl.order[j]]
			if len(f.q) == 0 {
				lvl.drop(j)
				continue
			}
			sz := f.q[0].Size
			if sz > f.deficit {
				f.deficit += f.quantum
				lvl.idx = (j + 1) % n
				continue
			}
			it := f.q[0]
			f.q[0] = Item{}
			f.q = f.q[1:]
			f.deficit -= sz
			lvl.n--
			if len(f.q) == 0 {
				lvl.drop(j)
			} else {
				lvl.idx = (j + 1) % n
			}
			lvl.mu.Unlock()
			return it, true
		}
	}
	return Item{}, false
}

// drop forgets the empty flow at ring position j.
func (l *level) drop(j int) {
	delete(l.flows, l.order[j])
	l.order = append(l.order[:j], l.order[j+1:]...)
	if len(l.order) == 0 {
		l.idx = 0
		return
	}
	l.idx = j % len(l.order)
}
