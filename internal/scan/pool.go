package scan

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ProcessFunc turns one task into its result. It runs on a pool worker.
type ProcessFunc func(FileTask) FileResult

// Pool runs a fixed number of workers over a task channel. Each task is
// processed by exactly one worker and yields exactly one result.
type Pool struct {
	workers int
	process ProcessFunc
	deliver OutcomeReporter
}

// NewPool creates a Pool. deliver is called from worker goroutines and must be
// safe for concurrent use.
func NewPool(workers int, process ProcessFunc, deliver OutcomeReporter) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{workers: workers, process: process, deliver: deliver}
}

// Run spawns the workers and blocks until in is closed and drained. Once ctx
// is done, tasks still waiting in the channel are delivered as cancelled
// instead of processed; a task already being processed always finishes.
func (p *Pool) Run(ctx context.Context, in <-chan FileTask) {
	var wg sync.WaitGroup
	wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go func() {
			defer wg.Done()
			for task := range in {
				if ctx.Err() != nil {
					p.deliver(cancelledResult(task))
					continue
				}
				p.deliver(p.safeProcess(task))
			}
		}()
	}
	wg.Wait()
}

// safeProcess isolates a panicking task so the worker keeps serving the queue.
func (p *Pool) safeProcess(task FileTask) (res FileResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panic", "path", task.Entry.Path, "panic", r, "stack", string(debug.Stack()))
			res = failureResult(task, KindPanic, fmt.Errorf("panic: %v", r))
		}
	}()
	return p.process(task)
}
