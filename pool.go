package crystfel

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/alitto/pond"
)

// SlotState is the state of one range-mode task slot.
type SlotState int

const (
	SlotReady SlotState = iota
	SlotRunning
	SlotFinished
)

// Pool wraps a fixed-size pond.Pool and adds the two scheduling modes
// named in spec.md §4.F: pond.New(n, 0, pond.MinWorkers(n),
// pond.Context(ctx)) with a fixed min/max worker count.
type Pool struct {
	n    int
	pond *pond.WorkerPool
	ctx  context.Context
	stop atomic.Bool
}

// NewPool creates a pool of n workers bound to ctx; cancelling ctx
// (e.g. via signal.NotifyContext) stops in-flight dispatch.
func NewPool(ctx context.Context, n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := pond.New(n, 0, pond.MinWorkers(n), pond.Context(ctx))
	return &Pool{n: n, pond: p, ctx: ctx}
}

// Stop sets the cooperative stop flag observed by RunRange/RunStream
// work functions between frames (spec.md §5: "Workers check it between
// frames").
func (p *Pool) Stop() { p.stop.Store(true) }

// Stopped reports whether Stop has been called.
func (p *Pool) Stopped() bool { return p.stop.Load() }

// Close waits for all submitted tasks to finish and releases the
// underlying pond pool.
func (p *Pool) Close() { p.pond.StopAndWait() }

// RunRange implements range mode (spec.md §4.F): a fixed task count T,
// a work function invoked once per slot index, and an optional
// progress callback. The pool maintains T slots {READY, RUNNING,
// FINISHED}; each idle worker claims the smallest-index READY slot
// under the shared lock, runs the work function outside the lock, then
// re-acquires the lock to mark FINISHED and advance progress.
//
// Per the REDESIGN FLAG in spec.md §9 (the original holds its mutex
// across the progress callback, serialising completion reporting),
// this implementation releases the shared lock before invoking
// onProgress. Progress calls are serialised by a separate reporting
// mutex that also owns the reported count, so successive calls see
// strictly increasing values ending at T even when workers finish
// out of order.
func (p *Pool) RunRange(T int, work func(slot int, ctx any), workCtx any, onProgress func(done, total int)) {
	if T <= 0 {
		return
	}
	n := p.n
	if n > T {
		n = T // "If N > T... the pool silently reduces N to T"
	}

	var mu sync.Mutex
	states := make([]SlotState, T)
	next := 0
	done := 0
	var progMu sync.Mutex
	reported := 0

	var wg sync.WaitGroup
	worker := func() {
		defer wg.Done()
		for {
			if p.Stopped() {
				return
			}
			mu.Lock()
			slot := -1
			for i := next; i < T; i++ {
				if states[i] == SlotReady {
					slot = i
					next = i + 1
					states[i] = SlotRunning
					break
				}
			}
			mu.Unlock()
			if slot < 0 {
				return
			}

			work(slot, workCtx)

			mu.Lock()
			states[slot] = SlotFinished
			done++
			mu.Unlock()

			if onProgress != nil {
				progMu.Lock()
				reported++
				onProgress(reported, T)
				progMu.Unlock()
			}
		}
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		p.pond.Submit(worker)
	}
	wg.Wait()
}

// StreamTask is an opaque handle returned by a GetTask factory in
// streaming mode; nil signals "no more tasks" (the sentinel "none" of
// spec.md §4.F).
type StreamTask any

// RunStream implements streaming mode (spec.md §4.F): getTask is
// called under the shared lock and must return (task, true) or
// (nil, false) for the "none" sentinel; work executes outside the
// lock; done runs under the lock afterwards. Streaming stops when
// getTask signals none, max tasks have started, or Stop() was called.
func (p *Pool) RunStream(getTask func() (StreamTask, bool), work func(StreamTask), done func(StreamTask), max int) {
	var mu sync.Mutex
	started := 0

	var wg sync.WaitGroup
	worker := func() {
		defer wg.Done()
		for {
			if p.Stopped() {
				return
			}
			mu.Lock()
			if max > 0 && started >= max {
				mu.Unlock()
				return
			}
			task, ok := getTask()
			if !ok {
				mu.Unlock()
				return
			}
			started++
			mu.Unlock()

			work(task)

			mu.Lock()
			if done != nil {
				done(task)
			}
			mu.Unlock()
		}
	}

	for i := 0; i < p.n; i++ {
		wg.Add(1)
		p.pond.Submit(worker)
	}
	wg.Wait()
}
