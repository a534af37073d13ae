package router

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
)

// Inbox is the Consumer end of the node: envelopes whose slip completed
// here, deduplicated by id since delivery past the final hop is
// at-least-once.
type Inbox struct {
	ch   chan *protocol.Envelope
	seen *lru.Cache[uint64, struct{}]

	closeOnce sync.Once
	done      chan struct{}
}

// NewInbox buffers size envelopes and remembers the last dedup ids.
func NewInbox(size, dedup int) (*Inbox, error) {
	if size <= 0 {
		size = 256
	}
	if dedup <= 0 {
		dedup = 4096
	}
	seen, err := lru.New[uint64, struct{}](dedup)
	if err != nil {
		return nil, err
	}
	return &Inbox{
		ch:   make(chan *protocol.Envelope, size),
		seen: seen,
		done: make(chan struct{}),
	}, nil
}

// Deliver implements Sink. It blocks while the buffer is full.
func (in *Inbox) Deliver(ctx context.Context, env *protocol.Envelope) error {
	select {
	case <-in.done:
		return ErrClosed
	default:
	}
	if found, _ := in.seen.ContainsOrAdd(env.ID, struct{}{}); found {
		return ErrDuplicate
	}
	select {
	case in.ch <- env:
		return nil
	default:
	}
	select {
	case in.ch <- env:
		return nil
	case <-in.done:
		in.seen.Remove(env.ID)
		return ErrClosed
	case <-ctx.Done():
		in.seen.Remove(env.ID)
		return ctx.Err()
	}
}

// Receive implements api.Consumer.
func (in *Inbox) Receive(ctx context.Context) (*protocol.Envelope, error) {
	select {
	case env := <-in.ch:
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-in.done:
		// drain what was accepted before close
		select {
		case env := <-in.ch:
			return env, nil
		default:
			return nil, ErrClosed
		}
	}
}

// Len returns the number of buffered envelopes.
func (in *Inbox) Len() int { return len(in.ch) }

// Close stops accepting envelopes. Buffered ones can still be received.
func (in *Inbox) Close() {
	in.closeOnce.Do(func() { close(in.done) })
}
