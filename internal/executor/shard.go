package executor

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/livedoc/internal/model"
)

// Executor is the scheduling contract the engine and managed layers depend on.
type Executor interface {
	// Execute queues fn to run on the executor. Returns false once the
	// executor is shut down; fn is then never run.
	Execute(name string, fn func()) bool

	// Schedule queues fn after delay. The returned function cancels it; a
	// cancelled or already-run task makes cancel a no-op.
	Schedule(key model.Key, name string, fn func(), delay time.Duration) (cancel func())
}

// KeyCanceller is an Executor that can drop every delayed task of a key at
// once.
type KeyCanceller interface {
	CancelKey(key model.Key) int
}

var _ KeyCanceller = (*Shard)(nil)

// PanicHandler is told about a task that panicked.
type PanicHandler func(shard int, name string, recovered any)

// Shard is a single goroutine draining a FIFO of tasks.
//
// Thread-safety model:
//   - Execute, Schedule, CancelKey, Shutdown: safe from any goroutine
//   - task bodies: always run on the shard goroutine, one at a time
type Shard struct {
	id      int
	queue   *taskQueue
	done    chan struct{}
	onPanic PanicHandler

	mu     sync.Mutex
	timers map[model.Key]map[*delayed]struct{}

}

// ShardOption configures a shard.
type ShardOption func(*Shard)

// WithPanicHandler reports task panics to h in addition to logging them.
func WithPanicHandler(h PanicHandler) ShardOption {
	return func(s *Shard) {
		s.onPanic = h
	}
}

type delayed struct {
	timer     *time.Timer
	cancelled atomic.Bool
}

// NewShard starts a shard goroutine.
func NewShard(id int, opts ...ShardOption) *Shard {
	s := &Shard{
		id:     id,
		queue:  newTaskQueue(),
		done:   make(chan struct{}),
		timers: make(map[model.Key]map[*delayed]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

// ID returns the shard index.
func (s *Shard) ID() int {
	return s.id
}

// Execute implements Executor.
func (s *Shard) Execute(name string, fn func()) bool {
	return s.queue.Enqueue(task{name: name, fn: fn})
}

// Schedule implements Executor.
func (s *Shard) Schedule(key model.Key, name string, fn func(), delay time.Duration) func() {
	d := &delayed{}
	s.mu.Lock()
	set, ok := s.timers[key]
	if !ok {
		set = make(map[*delayed]struct{})
		s.timers[key] = set
	}
	set[d] = struct{}{}
	d.timer = time.AfterFunc(delay, func() {
		s.forget(key, d)
		if d.cancelled.Load() {
			return
		}
		s.Execute(name, func() {
			if !d.cancelled.Load() {
				fn()
			}
		})
	})
	s.mu.Unlock()

	return func() {
		d.cancelled.Store(true)
		d.timer.Stop()
		s.forget(key, d)
	}
}

// CancelKey cancels every pending delayed task associated with key.
func (s *Shard) CancelKey(key model.Key) int {
	s.mu.Lock()
	set := s.timers[key]
	delete(s.timers, key)
	s.mu.Unlock()

	for d := range set {
		d.cancelled.Store(true)
		d.timer.Stop()
	}
	return len(set)
}

func (s *Shard) pending(key model.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers[key])
}

func (s *Shard) forget(key model.Key, d *delayed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.timers[key]; ok {
		delete(set, d)
		if len(set) == 0 {
			delete(s.timers, key)
		}
	}
}

// Shutdown stops accepting tasks, cancels delayed tasks, and lets the shard
// drain what is already queued. The returned channel closes when the shard
// goroutine has exited.
func (s *Shard) Shutdown() <-chan struct{} {
	s.mu.Lock()
	timers := s.timers
	s.timers = make(map[model.Key]map[*delayed]struct{})
	s.mu.Unlock()
	for _, set := range timers {
		for d := range set {
			d.cancelled.Store(true)
			d.timer.Stop()
		}
	}
	s.queue.Close()
	return s.done
}

// Done closes when the shard goroutine has exited.
func (s *Shard) Done() <-chan struct{} {
	return s.done
}

func (s *Shard) run() {
	defer close(s.done)
	for {
		if t, ok := s.queue.TryDequeue(); ok {
			s.runTask(t)
			continue
		}
		if s.queue.IsClosed() {
			return
		}
		<-s.queue.Wait()
	}
}

func (s *Shard) runTask(t task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("shard task panicked",
				"shard", s.id,
				"task", t.name,
				"panic", fmt.Sprint(r),
			)
			if s.onPanic != nil {
				s.onPanic(s.id, t.name, r)
			}
		}
	}()
	t.fn()
}
