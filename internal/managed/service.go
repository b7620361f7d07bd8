package managed

import (
	"context"
	"sync"

	"github.com/roach88/livedoc/internal/data"
	"github.com/roach88/livedoc/internal/executor"
	"github.com/roach88/livedoc/internal/model"
)

// Service is a data.Service whose reads and writes pass through the
// location Machine of their key.
type Service struct {
	base   *Base
	cancel context.CancelFunc

	stopOnce sync.Once
	stopped  chan struct{}
}

var _ data.Service = (*Service)(nil)

// Status is a snapshot of one Machine.
type Status struct {
	State            string
	PendingWrites    int
	ArchiveScheduled bool
	Closed           bool
}

// NewService wraps base. Collaborator calls made on behalf of machines use a
// context that Shutdown cancels.
func NewService(base *Base) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	base.ctx = ctx
	if base.machines == nil {
		base.machines = make(map[model.Key]*Machine)
	}
	return &Service{base: base, cancel: cancel, stopped: make(chan struct{})}
}

// Base returns the shared machine state.
func (s *Service) Base() *Base {
	return s.base
}

// Shutdown cancels outstanding collaborator calls and fails waiting callers.
func (s *Service) Shutdown() {
	s.stopOnce.Do(func() {
		s.cancel()
		close(s.stopped)
	})
}

func (s *Service) shutdownError() error {
	return model.NewCodedError(model.ErrServiceShutdown, "managed storage is shut down")
}

// submit runs fn with the key's machine on the executor and waits for it to
// report through done.
func (s *Service) submit(ctx context.Context, name string, key model.Key, done chan error, fn func(m *Machine)) error {
	if !s.base.Executor.Execute(name, func() { fn(s.base.On(key)) }) {
		return s.shutdownError()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return s.shutdownError()
	}
}

// gated wraps call as an Action whose outcome lands in done.
func gated(ctx context.Context, name string, done chan error, call func(context.Context) error) Action {
	return Action{
		Name: name,
		Run: func() {
			go func() { done <- call(ctx) }()
		},
		Fail: func(err error) { done <- err },
	}
}

// Get implements data.Service.
func (s *Service) Get(ctx context.Context, key model.Key) (*data.LocalDocumentChange, error) {
	var change *data.LocalDocumentChange
	done := make(chan error, 1)
	err := s.submit(ctx, "managed-get", key, done, func(m *Machine) {
		m.Read(gated(ctx, "get", done, func(ctx context.Context) error {
			var err error
			change, err = s.base.Data.Get(ctx, key)
			return err
		}))
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

// Initialize implements data.Service. The key is bound to this machine first,
// then created in the local store; the machine starts out on_machine.
func (s *Service) Initialize(ctx context.Context, key model.Key, update data.RemoteDocumentUpdate) error {
	base := s.base
	done := make(chan error, 1)
	return s.submit(ctx, "managed-initialize", key, done, func(m *Machine) {
		if m.Closed() {
			done <- model.KeyError(model.ErrWriteClosed, key, nil)
			return
		}
		executor.Await(base.Executor, "managed-initialized", func() (struct{}, error) {
			if err := base.Finder.Bind(ctx, key, base.Region, base.Machine); err != nil {
				return struct{}{}, model.DetectOrWrap(model.ErrBindFailed, err)
			}
			return struct{}{}, base.Data.Initialize(ctx, key, update)
		}, func(_ struct{}, err error) {
			if err == nil {
				base.On(key).Claim()
			}
			done <- err
		})
	})
}

// Patch implements data.Service.
func (s *Service) Patch(ctx context.Context, key model.Key, updates ...data.RemoteDocumentUpdate) (int64, error) {
	var seq int64
	done := make(chan error, 1)
	err := s.submit(ctx, "managed-patch", key, done, func(m *Machine) {
		m.Write(gated(ctx, "patch", done, func(ctx context.Context) error {
			var err error
			seq, err = s.base.Data.Patch(ctx, key, updates...)
			return err
		}))
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Delete implements data.Service. The directory row goes first so no other
// machine can restore the document while its bytes are removed.
func (s *Service) Delete(ctx context.Context, key model.Key) error {
	base := s.base
	done := make(chan error, 1)
	return s.submit(ctx, "managed-delete", key, done, func(m *Machine) {
		m.Write(Action{
			Name: "delete",
			Run: func() {
				executor.Await(base.Executor, "managed-deleted", func() (struct{}, error) {
					if err := base.Finder.Delete(ctx, key, base.Machine); err != nil {
						return struct{}{}, err
					}
					return struct{}{}, base.Data.Delete(ctx, key)
				}, func(_ struct{}, err error) {
					if err == nil {
						base.forget(key)
					}
					done <- err
				})
			},
			Fail: func(err error) { done <- err },
		})
	})
}

// ScanActive implements data.Service. Only documents bound to this machine
// are reported.
func (s *Service) ScanActive(ctx context.Context) ([]data.ActiveKey, error) {
	active, err := s.base.Data.ScanActive(ctx)
	if err != nil {
		return nil, err
	}
	owned, err := s.base.Finder.List(ctx, s.base.Machine)
	if err != nil {
		return nil, model.DetectOrWrap(model.ErrFindFailed, err)
	}
	mine := make(map[model.Key]struct{}, len(owned))
	for _, k := range owned {
		mine[k] = struct{}{}
	}
	out := []data.ActiveKey{}
	for _, a := range active {
		if _, ok := mine[a.Key]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// Open lets reads and writes of key through again.
func (s *Service) Open(ctx context.Context, key model.Key) error {
	done := make(chan error, 1)
	return s.submit(ctx, "managed-open", key, done, func(m *Machine) {
		m.Open()
		done <- nil
	})
}

// Close refuses new reads and writes of key.
func (s *Service) Close(ctx context.Context, key model.Key) error {
	done := make(chan error, 1)
	return s.submit(ctx, "managed-close", key, done, func(m *Machine) {
		m.Close()
		done <- nil
	})
}

// Release hands the document back to the directory: the machine is closed,
// a final archive is taken and recorded, and the live binding is freed so any
// machine may restore it. Returns the final archive token.
func (s *Service) Release(ctx context.Context, key model.Key) (string, error) {
	base := s.base
	var token string
	done := make(chan error, 1)
	err := s.submit(ctx, "managed-release", key, done, func(m *Machine) {
		m.Close()
		m.cancelArchiveTimer()
		executor.Await(base.Executor, "managed-released", func() (string, error) {
			t, err := base.archiveTo(ctx, key)
			if err != nil {
				return "", err
			}
			if err := base.Finder.Free(ctx, key, base.Machine); err != nil {
				return "", err
			}
			return t, nil
		}, func(t string, err error) {
			if err != nil {
				// Keep serving; the binding is still ours.
				m := base.On(key)
				m.Open()
				if m.PendingWrites() > 0 {
					m.scheduleArchive()
				}
				done <- err
				return
			}
			token = t
			base.forget(key)
			done <- nil
		})
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Status reports the machine state for key.
func (s *Service) Status(ctx context.Context, key model.Key) (Status, error) {
	var st Status
	done := make(chan error, 1)
	err := s.submit(ctx, "managed-status", key, done, func(m *Machine) {
		st = Status{
			State:            m.State(),
			PendingWrites:    m.PendingWrites(),
			ArchiveScheduled: m.ArchiveScheduled(),
			Closed:           m.Closed(),
		}
		done <- nil
	})
	return st, err
}
