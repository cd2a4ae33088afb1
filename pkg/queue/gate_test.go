package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// With ceiling 2, five simultaneous jobs run at most two at a time and all
// complete.
func TestGateCeiling(t *testing.T) {
	g := NewGate(2, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	var running, peak int32
	tickets := make([]*Ticket, 5)
	for i := 0; i < 5; i++ {
		tickets[i] = g.Enqueue(ctx, func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		})
	}

	for _, ticket := range tickets {
		require.NoError(t, ticket.Wait(context.Background()))
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Equal(t, 0, g.Len())
	assert.Equal(t, 0, g.Running())
}

// Entries dequeue strictly in arrival order.
func TestGateFIFO(t *testing.T) {
	g := NewGate(1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	startorder := []int{}
	tickets := make([]*Ticket, 5)
	for i := 0; i < 5; i++ {
		i := i
		tickets[i] = g.Enqueue(ctx, func(ctx context.Context) error {
			mu.Lock()
			startorder = append(startorder, i)
			mu.Unlock()
			return nil
		})
	}
	go g.Run(ctx)

	for _, ticket := range tickets {
		require.NoError(t, ticket.Wait(context.Background()))
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, startorder)
}

func TestGateTaskError(t *testing.T) {
	g := NewGate(1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	boom := errors.New("boom")
	ticket := g.Enqueue(ctx, func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, ticket.Wait(context.Background()), boom)

	// the gate keeps dispatching after a failed entry
	ticket = g.Enqueue(ctx, func(ctx context.Context) error { return nil })
	assert.NoError(t, ticket.Wait(context.Background()))
}

// An entry whose own context expired while queued completes with that error
// without occupying a slot.
func TestGateExpiredWhileQueued(t *testing.T) {
	g := NewGate(1, zerolog.Nop())
	runctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	blocker := g.Enqueue(runctx, func(ctx context.Context) error {
		<-release
		return nil
	})
	jobctx, jobcancel := context.WithCancel(context.Background())
	expired := g.Enqueue(jobctx, func(ctx context.Context) error {
		t.Error("expired entry must not execute")
		return nil
	})
	after := g.Enqueue(runctx, func(ctx context.Context) error { return nil })

	jobcancel()
	go g.Run(runctx)
	close(release)

	require.NoError(t, blocker.Wait(context.Background()))
	assert.ErrorIs(t, expired.Wait(context.Background()), context.Canceled)
	assert.NoError(t, after.Wait(context.Background()))
}

func TestTicketWaitRacesContext(t *testing.T) {
	g := NewGate(1, zerolog.Nop())
	// dispatcher not running: the entry never executes
	ticket := g.Enqueue(context.Background(), func(ctx context.Context) error { return nil })

	waitctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ticket.Wait(waitctx), context.DeadlineExceeded)
}

// Stopping the dispatcher completes every still-queued entry, so waiters
// unblock immediately instead of riding out their own job deadline.
func TestGateCancelDrainsQueue(t *testing.T) {
	g := NewGate(1, zerolog.Nop())
	runctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(runctx) }()

	release := make(chan struct{})
	blocker := g.Enqueue(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})
	queued := []*Ticket{
		g.Enqueue(context.Background(), func(ctx context.Context) error { return nil }),
		g.Enqueue(context.Background(), func(ctx context.Context) error { return nil }),
	}
	require.Eventually(t, func() bool { return g.Running() == 1 }, time.Second, time.Millisecond)

	cancel()
	for _, ticket := range queued {
		waitctx, waitcancel := context.WithTimeout(context.Background(), time.Second)
		assert.ErrorIs(t, ticket.Wait(waitctx), context.Canceled)
		waitcancel()
	}
	assert.Equal(t, 0, g.Len())

	close(release)
	require.NoError(t, blocker.Wait(context.Background()))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestGateRunStopsOnContext(t *testing.T) {
	g := NewGate(2, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
