package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Task is one deferred unit of gated work. The closure captures all per-job
// state; ownership transfers to the gate on enqueue.
type Task func(ctx context.Context) error

// Ticket is the gate's completion signal for one enqueued task. Callers
// await the ticket, never a side channel around the gate.
type Ticket struct {
	ctx  context.Context
	task Task
	done chan struct{}
	err  error
}

// Wait blocks until the gate has executed the entry, racing ctx against the
// completion signal. It returns the entry's own error once executed.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Ticket) complete(err error) {
	t.err = err
	close(t.done)
}

// Gate is the admission controller for the shared backend: an unbounded
// FIFO queue of deferred jobs executed by a dispatcher loop with a fixed
// concurrency ceiling. Entries start strictly in arrival order.
type Gate struct {
	limit   int64
	sem     *semaphore.Weighted
	logger  zerolog.Logger
	running atomic.Int64

	mu      sync.Mutex
	pending []*Ticket
	wake    chan struct{}
}

func NewGate(limit int, logger zerolog.Logger) *Gate {
	if limit < 1 {
		limit = 1
	}
	return &Gate{
		limit:  int64(limit),
		sem:    semaphore.NewWeighted(int64(limit)),
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue appends a task to the queue and returns its ticket. Never blocks;
// the queue is unbounded. ctx is the context the task will run under.
func (g *Gate) Enqueue(ctx context.Context, task Task) *Ticket {
	t := &Ticket{ctx: ctx, task: task, done: make(chan struct{})}
	g.mu.Lock()
	g.pending = append(g.pending, t)
	depth := len(g.pending)
	g.mu.Unlock()
	select {
	case g.wake <- struct{}{}:
	default:
	}
	g.logger.Debug().Int("depth", depth).Msg("queue: task enqueued")
	return t
}

// Run is the dispatcher loop. It dequeues entries in arrival order, holding
// the next entry until a slot under the ceiling frees up, and executes each
// in its own goroutine. Returns when ctx is done; entries still queued at
// that point are completed with the ctx error so their waiters unblock.
func (g *Gate) Run(ctx context.Context) error {
	for {
		t := g.next(ctx)
		if t == nil {
			g.drain(ctx.Err())
			return ctx.Err()
		}
		if err := g.sem.Acquire(ctx, 1); err != nil {
			t.complete(err)
			g.drain(err)
			return err
		}
		if t.ctx.Err() != nil {
			// expired while queued, do not burn a slot on it
			g.sem.Release(1)
			t.complete(t.ctx.Err())
			continue
		}
		g.running.Add(1)
		go func(t *Ticket) {
			defer func() {
				g.running.Add(-1)
				g.sem.Release(1)
			}()
			t.complete(t.task(t.ctx))
		}(t)
	}
}

// drain completes every still-queued entry with err.
func (g *Gate) drain(err error) {
	g.mu.Lock()
	pending := g.pending
	g.pending = nil
	g.mu.Unlock()
	for _, t := range pending {
		t.complete(err)
	}
}

func (g *Gate) next(ctx context.Context) *Ticket {
	for {
		g.mu.Lock()
		if len(g.pending) > 0 {
			t := g.pending[0]
			g.pending = g.pending[1:]
			g.mu.Unlock()
			return t
		}
		g.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil
		case <-g.wake:
		}
	}
}

// Len is the number of queued entries not yet dispatched.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Running is the number of entries currently executing.
func (g *Gate) Running() int {
	return int(g.running.Load())
}

// Limit is the concurrency ceiling.
func (g *Gate) Limit() int {
	return int(g.limit)
}
