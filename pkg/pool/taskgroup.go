package pool

import (
	"context"
	"sync"
	"sync/atomic"
)

// Task represents a unit of work
type Task func(ctx context.Context) error

// TaskGroup runs tasks with bounded concurrency and collects every error
// without one failure cancelling siblings. Go blocks while the group is at
// capacity, so the caller's dispatch loop is the natural place to apply
// backpressure between submissions.
type TaskGroup struct {
	ctx         context.Context
	sem         chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	errs        []error
	totalTasks  atomic.Int64
	failedTasks atomic.Int64
	activeCount atomic.Int32
}

// NewTaskGroup creates a task group with the given concurrency bound
func NewTaskGroup(ctx context.Context, maxConcurrent int) *TaskGroup {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &TaskGroup{
		ctx: ctx,
		sem: make(chan struct{}, maxConcurrent),
	}
}

// Go submits a task, blocking until a slot is free. Returns false if the
// context was cancelled before the task could start.
func (g *TaskGroup) Go(task Task) bool {
	select {
	case g.sem <- struct{}{}:
	case <-g.ctx.Done():
		return false
	}

	g.wg.Add(1)
	g.totalTasks.Add(1)
	g.activeCount.Add(1)

	go func() {
		defer func() {
			g.activeCount.Add(-1)
			<-g.sem
			g.wg.Done()
		}()

		if err := task(g.ctx); err != nil {
			g.failedTasks.Add(1)
			g.mu.Lock()
			g.errs = append(g.errs, err)
			g.mu.Unlock()
		}
	}()

	return true
}

// Wait blocks until all submitted tasks settle and returns their errors
func (g *TaskGroup) Wait() []error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.errs
}

// ActiveTasks returns the number of currently running tasks
func (g *TaskGroup) ActiveTasks() int32 {
	return g.activeCount.Load()
}

// Stats contains task group statistics
type Stats struct {
	TotalTasks  int64
	FailedTasks int64
	SuccessRate float64
}

// Stats returns group statistics
func (g *TaskGroup) Stats() Stats {
	total := g.totalTasks.Load()
	failed := g.failedTasks.Load()

	successRate := 0.0
	if total > 0 {
		successRate = float64(total-failed) / float64(total) * 100
	}

	return Stats{
		TotalTasks:  total,
		FailedTasks: failed,
		SuccessRate: successRate,
	}
}
