package testutil

import (
	"sync"
	"time"

	"github.com/roach88/livedoc/internal/model"
)

// ScheduledTask is a delayed task held by a ManualExecutor.
type ScheduledTask struct {
	Key   model.Key
	Name  string
	Delay time.Duration

	fn        func()
	cancelled bool
}

// ManualExecutor is an executor.Executor that runs nothing until the test
// says so. Queued tasks run on the calling goroutine in RunAll; delayed tasks
// wait for Fire.
//
// Thread-safety: Execute and Schedule may be called from any goroutine.
type ManualExecutor struct {
	mu        sync.Mutex
	queue     []func()
	scheduled []*ScheduledTask
	closed    bool
}

// NewManualExecutor creates an empty executor.
func NewManualExecutor() *ManualExecutor {
	return &ManualExecutor{}
}

// Execute implements executor.Executor.
func (e *ManualExecutor) Execute(name string, fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.queue = append(e.queue, fn)
	return true
}

// Schedule implements executor.Executor.
func (e *ManualExecutor) Schedule(key model.Key, name string, fn func(), delay time.Duration) func() {
	task := &ScheduledTask{Key: key, Name: name, Delay: delay, fn: fn}
	e.mu.Lock()
	e.scheduled = append(e.scheduled, task)
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		task.cancelled = true
	}
}

// CancelKey implements executor.KeyCanceller.
func (e *ManualExecutor) CancelKey(key model.Key) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.scheduled {
		if t.Key == key && !t.cancelled {
			t.cancelled = true
			n++
		}
	}
	return n
}

// RunAll runs queued tasks, including ones they queue, until the queue is
// empty. Returns the number run.
func (e *ManualExecutor) RunAll() int {
	n := 0
	for e.RunNext() {
		n++
	}
	return n
}

// RunNext runs the oldest queued task, reporting whether there was one.
func (e *ManualExecutor) RunNext() bool {
	e.mu.Lock()
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return false
	}
	fn := e.queue[0]
	e.queue = e.queue[1:]
	e.mu.Unlock()
	fn()
	return true
}

// Queued returns the number of tasks waiting to run.
func (e *ManualExecutor) Queued() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Scheduled returns the delayed tasks that are neither fired nor cancelled.
func (e *ManualExecutor) Scheduled() []ScheduledTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []ScheduledTask
	for _, t := range e.scheduled {
		if !t.cancelled {
			out = append(out, *t)
		}
	}
	return out
}

// ScheduledNamed counts live delayed tasks called name.
func (e *ManualExecutor) ScheduledNamed(name string) int {
	n := 0
	for _, t := range e.Scheduled() {
		if t.Name == name {
			n++
		}
	}
	return n
}

// Fire moves every live delayed task called name onto the queue, as if its
// timer expired. An empty name fires everything. Returns the number fired.
func (e *ManualExecutor) Fire(name string) int {
	e.mu.Lock()
	var keep []*ScheduledTask
	fired := 0
	for _, t := range e.scheduled {
		if t.cancelled {
			continue
		}
		if name != "" && t.Name != name {
			keep = append(keep, t)
			continue
		}
		if !e.closed {
			e.queue = append(e.queue, t.fn)
		}
		fired++
	}
	e.scheduled = keep
	e.mu.Unlock()
	return fired
}

// Shutdown makes Execute refuse new tasks. Nothing runs in the background, so
// the returned channel is already closed.
func (e *ManualExecutor) Shutdown() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	done := make(chan struct{})
	close(done)
	return done
}
