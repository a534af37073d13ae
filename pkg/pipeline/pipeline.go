package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/resolvingarchitecture/ra-common/pkg/core/priocq"
	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
)

// Handler processes one ready item. It runs on a pipeline worker.
type Handler func(ctx context.Context, it priocq.Item)

// Config tunes the worker pool and per-destination shaping.
type Config struct {
	Workers int
	// BytesPerSec and Burst shape each destination; zero disables shaping.
	BytesPerSec int
	Burst       int
}

// Pipeline wires ready envelopes → multi-level queue → shaped workers.
type Pipeline struct {
	q       *priocq.MultiLevelQueue
	handler Handler
	cfg     Config

	mu     sync.Mutex
	shaper map[string]*rate.Limiter // per-dest shapers

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(h Handler, cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BytesPerSec > 0 && cfg.Burst < cfg.BytesPerSec {
		cfg.Burst = cfg.BytesPerSec
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		q:       priocq.New(),
		handler: h,
		cfg:     cfg,
		shaper:  make(map[string]*rate.Limiter),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Close stops the workers and waits for the running handlers.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

// Len returns the number of queued items.
func (p *Pipeline) Len() int { return p.q.Len() }

// Enqueue classifies e and queues it for the destination flow dest.
func (p *Pipeline) Enqueue(dest string, e *protocol.Envelope) {
	sz := e.Size()
	p.q.Enqueue(priocq.Item{Env: e, Dest: dest, Size: sz, Class: classify(e, sz), Arrived: time.Now()})
}

// HeaderClass lets a producer pin an envelope to a priority class.
const HeaderClass = "X-Class"

func classify(e *protocol.Envelope, size int) priocq.Class {
	switch e.Header(HeaderClass) {
	case "control":
		return priocq.L0Control
	case "bulk":
		return priocq.L2Bulk
	case "realtime":
		return priocq.L1Realtime
	}
	if size > 64*1024 {
		return priocq.L2Bulk
	}
	return priocq.L1Realtime
}

func (p *Pipeline) limiter(dest string) *rate.Limiter {
	if p.cfg.BytesPerSec <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.shaper[dest]
	if l == nil {
		l = rate.NewLimiter(rate.Limit(p.cfg.BytesPerSec), p.cfg.Burst)
		p.shaper[dest] = l
	}
	return l
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		it, ok := p.q.Dequeue(p.ctx)
		if !ok {
			return
		}
		if l := p.limiter(it.Dest); l != nil {
			n := it.Size
			if n > l.Burst() {
				n = l.Burst()
			}
			if err := l.WaitN(p.ctx, n); err != nil {
				zap.L().Debug("pipeline shaping aborted", zap.String("dest", it.Dest), zap.Error(err))
				return
			}
		}
		p.handler(p.ctx, it)
	}
}
