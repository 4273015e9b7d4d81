package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPoolExecutesSubmittedTasks(t *testing.T) {
	p := New(4, 16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	var n int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			atomic.AddInt64(&n, 1)
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tasks")
	}

	if got := atomic.LoadInt64(&n); got != 50 {
		t.Fatalf("got %d completed tasks, want 50", got)
	}
}

func TestPoolRecoversPanickingTask(t *testing.T) {
	p := New(2, 4, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	var ran int32
	p.Submit(func() { panic("boom") })
	p.Submit(func() { atomic.StoreInt32(&ran, 1) })

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&ran) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("pool did not continue processing after a panicking task")
}

func TestPoolDropsWhenQueueFull(t *testing.T) {
	p := New(1, 1, zerolog.Nop())
	block := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer func() {
		close(block)
		p.Stop()
	}()

	p.Submit(func() { <-block }) // occupies the single worker
	time.Sleep(20 * time.Millisecond)

	p.Submit(func() {}) // fills the depth-1 queue
	p.Submit(func() {}) // should be dropped

	if p.Dropped() == 0 {
		t.Fatal("expected at least one dropped task")
	}
}
