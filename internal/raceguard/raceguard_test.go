package raceguard

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestGuardSerializesSameCommandID(t *testing.T) {
	g := New()
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := g.Lock(42)
			defer unlock()
			n := atomic.AddInt32(&active, 1)
			if n > atomic.LoadInt32(&maxActive) {
				atomic.StoreInt32(&maxActive, n)
			}
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected at most one goroutine holding command 42 at a time, saw %d concurrently", maxActive)
	}
}

func TestGuardAllowsDifferentCommandIDsConcurrently(t *testing.T) {
	g := New()
	unlockA := g.Lock(1)
	done := make(chan struct{})
	go func() {
		unlockB := g.Lock(2)
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
}
