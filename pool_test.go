package crystfel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func TestPoolRunRangeVisitsEverySlotExactlyOnce(t *testing.T) {
	pool := NewPool(context.Background(), 4)
	defer pool.Close()

	const total = 50
	var hits [total]int32
	pool.RunRange(total, func(slot int, _ any) {
		atomic.AddInt32(&hits[slot], 1)
	}, nil, nil)

	for i, h := range hits {
		if h != 1 {
			t.Errorf("slot %d visited %d times, want 1", i, h)
		}
	}
}

func TestPoolRunRangeProgressMonotoneAndComplete(t *testing.T) {
	pool := NewPool(context.Background(), 3)
	defer pool.Close()

	const total = 30
	var mu sync.Mutex
	var seen []int
	pool.RunRange(total, func(slot int, _ any) {}, nil, func(done, tot int) {
		mu.Lock()
		seen = append(seen, done)
		mu.Unlock()
		if tot != total {
			t.Errorf("onProgress total = %d, want %d", tot, total)
		}
	})

	if len(seen) != total {
		t.Fatalf("onProgress called %d times, want %d", len(seen), total)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Errorf("progress not monotone increasing at index %d: %v then %v", i, seen[i-1], seen[i])
		}
	}
	if seen[len(seen)-1] != total {
		t.Errorf("final progress = %d, want %d", seen[len(seen)-1], total)
	}
}

func TestPoolRunRangeExcessWorkersReducedToT(t *testing.T) {
	pool := NewPool(context.Background(), 100)
	defer pool.Close()

	var n int32
	pool.RunRange(5, func(slot int, _ any) {
		atomic.AddInt32(&n, 1)
	}, nil, nil)
	if n != 5 {
		t.Errorf("work ran %d times, want exactly 5 (one per slot, N silently reduced to T)", n)
	}
}

func TestPoolRunRangeZeroTasksIsNoop(t *testing.T) {
	pool := NewPool(context.Background(), 2)
	defer pool.Close()

	called := false
	pool.RunRange(0, func(slot int, _ any) { called = true }, nil, nil)
	if called {
		t.Error("work should never run for T<=0")
	}
}

func TestPoolStopHaltsRemainingWork(t *testing.T) {
	pool := NewPool(context.Background(), 2)
	defer pool.Close()

	var n int32
	pool.RunRange(1000, func(slot int, _ any) {
		if atomic.AddInt32(&n, 1) == 5 {
			pool.Stop()
		}
	}, nil, nil)

	if n >= 1000 {
		t.Error("Stop() should have prevented every slot from running")
	}
	if !pool.Stopped() {
		t.Error("Stopped() should report true after Stop()")
	}
}
