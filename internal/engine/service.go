package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/livedoc/internal/data"
	"github.com/roach88/livedoc/internal/executor"
	"github.com/roach88/livedoc/internal/metrics"
	"github.com/roach88/livedoc/internal/model"
)

// DefaultShutdownTimeout bounds how long Shutdown waits for each shard.
const DefaultShutdownTimeout = time.Second

type options struct {
	metrics         *metrics.Metrics
	clock           model.TimeSource
	cleanupDelay    time.Duration
	reconcileDelay  time.Duration
	shutdownTimeout time.Duration
	executors       func(id int) executor.Executor
}

// Option configures a Service.
type Option func(*options)

// WithMetrics reports into m instead of an unregistered set.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithClock stamps command envelopes from clock.
func WithClock(clock model.TimeSource) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithCleanupDelay sets the initial idle eviction delay of every shard.
func WithCleanupDelay(d time.Duration) Option {
	return func(o *options) {
		o.cleanupDelay = d
	}
}

// WithReconcileDelay sets the initial post-load reconcile delay of every shard.
func WithReconcileDelay(d time.Duration) Option {
	return func(o *options) {
		o.reconcileDelay = d
	}
}

// WithShutdownTimeout bounds the per-shard drain in Shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		o.shutdownTimeout = d
	}
}

// WithExecutors replaces the shard goroutines, mostly for tests.
func WithExecutors(factory func(id int) executor.Executor) Option {
	return func(o *options) {
		o.executors = factory
	}
}

// shutdowner is an executor that can drain.
type shutdowner interface {
	Shutdown() <-chan struct{}
}

// Service routes documents to shards and owns the factory resolver.
//
// Every public method is safe from any goroutine. Results arrive through
// callbacks, which run on the document's shard.
type Service struct {
	resolver FactoryResolver
	data     data.Service
	metrics  *metrics.Metrics
	monitor  DocumentMonitor
	bases    []*Base
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	alive  atomic.Bool
}

// New starts threads shards over store.
func New(resolver FactoryResolver, store data.Service, threads int, opts ...Option) *Service {
	if threads < 1 {
		threads = 1
	}
	o := &options{
		clock:           model.SystemTime{},
		cleanupDelay:    DefaultCleanupDelay,
		reconcileDelay:  DefaultReconcileDelay,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New(nil)
	}
	if o.executors == nil {
		m := o.metrics
		o.executors = func(id int) executor.Executor {
			return executor.NewShard(id, executor.WithPanicHandler(func(_ int, name string, _ any) {
				m.ObservePanic(name)
			}))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		resolver: resolver,
		data:     store,
		metrics:  o.metrics,
		monitor:  transactionMonitor{o.metrics},
		bases:    make([]*Base, threads),
		timeout:  o.shutdownTimeout,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.alive.Store(true)
	for i := range s.bases {
		s.bases[i] = newBase(ctx, i, o.executors(i), store, o, &s.alive)
	}
	return s
}

// transactionMonitor counts document transactions by command.
type transactionMonitor struct {
	m *metrics.Metrics
}

func (t transactionMonitor) ObserveTransaction(command string) {
	t.m.ObserveTransaction(command)
}

// Shards returns the number of shards.
func (s *Service) Shards() int {
	return len(s.bases)
}

func (s *Service) baseFor(key model.Key) *Base {
	return s.bases[key.Shard(len(s.bases))]
}

func errShutdown() error {
	return model.NewCodedError(model.ErrServiceShutdown, "service is shut down")
}

// execute runs fn on base, or reports fail if the service is gone.
func (s *Service) execute(base *Base, name string, fn func(), fail func(error)) {
	if !s.alive.Load() || !base.Executor.Execute(name, fn) {
		fail(errShutdown())
	}
}

// CreateAsync constructs a new document. The callback reports
// ErrDocumentAlreadyCreated if the key is resident or already stored.
func (s *Service) CreateAsync(who model.Principal, key model.Key, arg []byte, entropy string, callback model.Callback[struct{}]) {
	if err := key.Validate(); err != nil {
		callback(struct{}{}, err)
		return
	}
	base := s.baseFor(key)
	fail := func(err error) { callback(struct{}{}, err) }
	s.execute(base, "core-create", func() {
		if _, ok := base.lookup(key); ok {
			fail(model.KeyError(model.ErrDocumentAlreadyCreated, key, nil))
			return
		}
		executor.Await(base.Executor, "core-fetch-factory", func() (Factory, error) {
			return s.resolver.Fetch(s.ctx, key)
		}, func(factory Factory, err error) {
			if err != nil {
				fail(model.DetectOrWrap(model.ErrFactoryFetchFailed, err))
				return
			}
			freshDurable(key, factory, who, arg, entropy, base, s.monitor, func(d *Durable, err error) {
				if err != nil {
					fail(err)
					return
				}
				if base.register(d) != d {
					fail(model.KeyError(model.ErrDocumentAlreadyCreated, key, nil))
					return
				}
				s.metrics.DocumentsCreated.Inc()
				slog.Debug("document created", "key", key.String(), "who", who.String())
				d.Invalidate(model.DontCare[int64]())
				base.scheduleCleanup(d)
				callback(struct{}{}, nil)
			})
		})
	}, fail)
}

// load returns the resident document for key, reading it from the store if
// needed. Concurrent loads of one key share a single read.
func (s *Service) load(base *Base, key model.Key, callback model.Callback[*Durable]) {
	if d, ok := base.lookup(key); ok {
		callback(d, nil)
		return
	}
	if waiters, ok := base.loading[key]; ok {
		base.loading[key] = append(waiters, callback)
		return
	}
	base.loading[key] = []model.Callback[*Durable]{callback}

	finish := func(d *Durable, err error) {
		waiters := base.loading[key]
		delete(base.loading, key)
		for _, w := range waiters {
			w(d, err)
		}
	}
	executor.Await(base.Executor, "core-fetch-factory", func() (Factory, error) {
		return s.resolver.Fetch(s.ctx, key)
	}, func(factory Factory, err error) {
		if err != nil {
			finish(nil, model.DetectOrWrap(model.ErrFactoryFetchFailed, err))
			return
		}
		loadDurable(key, factory, base, s.monitor, func(d *Durable, err error) {
			if err != nil {
				finish(nil, err)
				return
			}
			winner := base.register(d)
			if winner == d {
				s.metrics.DocumentsLoaded.Inc()
				base.scheduleReconcile(d)
			}
			finish(winner, nil)
		})
	})
}

// ConnectAsync joins who to the document and attaches stream as a viewer.
// Joining twice is fine: the second call only adds a view.
func (s *Service) ConnectAsync(who model.Principal, key model.Key, stream Streamback) {
	if err := key.Validate(); err != nil {
		stream.Failure(err)
		return
	}
	base := s.baseFor(key)
	s.execute(base, "core-connect", func() {
		s.load(base, key, func(d *Durable, err error) {
			if err != nil {
				stream.Failure(err)
				return
			}
			if d.IsConnected(who) {
				s.attach(d, who, stream)
				return
			}
			d.Connect(who, func(_ int64, err error) {
				if err != nil {
					stream.Failure(err)
					return
				}
				s.attach(d, who, stream)
			})
		})
	}, stream.Failure)
}

// attach gives the viewer its stream and a full snapshot.
func (s *Service) attach(d *Durable, who model.Principal, stream Streamback) {
	view, err := d.CreatePrivateView(who, perspective{stream: stream})
	if err != nil {
		stream.Failure(err)
		return
	}
	stream.OnSetupComplete(&CoreStream{who: who, document: d, view: view})
	stream.Status(StatusConnected)
	d.Invalidate(model.DontCare[int64]())
}

// Deploy moves every resident document whose factory changed onto the new
// one. Factories are compared with ==, so they must be comparable values.
// Outcomes go to monitor from shard goroutines; it must be safe for
// concurrent use.
func (s *Service) Deploy(monitor DeploymentMonitor) {
	for _, base := range s.bases {
		base := base
		s.execute(base, "core-deploy", func() {
			for _, d := range base.snapshot() {
				s.deployOne(base, d, monitor)
			}
		}, monitor.WitnessError)
	}
}

func (s *Service) deployOne(base *Base, d *Durable, monitor DeploymentMonitor) {
	executor.Await(base.Executor, "core-deploy-fetch", func() (Factory, error) {
		return s.resolver.Fetch(s.ctx, d.key)
	}, func(factory Factory, err error) {
		if err != nil {
			s.metrics.ObserveDeploy(metrics.DeployFailed)
			monitor.WitnessError(model.DetectOrWrap(model.ErrFactoryFetchFailed, err))
			return
		}
		if !d.Alive() {
			return
		}
		if factory == d.factory {
			s.metrics.ObserveDeploy(metrics.DeployUnchanged)
			monitor.BumpDocument(false)
			return
		}
		if err := d.Deploy(factory, s.monitor); err != nil {
			slog.Warn("deploy failed", "key", d.key.String(), "error", err)
			s.metrics.ObserveDeploy(metrics.DeployFailed)
			monitor.WitnessError(err)
			return
		}
		s.metrics.ObserveDeploy(metrics.DeployChanged)
		monitor.BumpDocument(true)
	})
}

// DeleteAsync evicts the document and removes it from the store.
func (s *Service) DeleteAsync(key model.Key, callback model.Callback[struct{}]) {
	if err := key.Validate(); err != nil {
		callback(struct{}{}, err)
		return
	}
	base := s.baseFor(key)
	fail := func(err error) { callback(struct{}{}, err) }
	s.execute(base, "core-delete", func() {
		if d, ok := base.lookup(key); ok {
			base.evict(d)
			d.cancelTimers()
			d.document.NukeViews()
		}
		executor.Await(base.Executor, "core-delete-data", func() (struct{}, error) {
			return struct{}{}, s.data.Delete(s.ctx, key)
		}, func(_ struct{}, err error) {
			if err != nil {
				fail(model.DetectOrWrap(model.ErrDataDeleteFailed, err))
				return
			}
			callback(struct{}{}, nil)
		})
	}, fail)
}

// Recover schedules every document with a pending invalidation to be loaded
// and invalidated once its deadline passes. Returns how many were scheduled.
func (s *Service) Recover(ctx context.Context) (int, error) {
	active, err := s.data.ScanActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("scan active documents: %w", err)
	}
	for _, a := range active {
		key := a.Key
		base := s.baseFor(key)
		base.schedule(key, "core-recover", func() {
			s.load(base, key, func(d *Durable, err error) {
				if err != nil {
					slog.Warn("recovery load failed", "key", key.String(), "error", err)
					return
				}
				d.Invalidate(model.DontCare[int64]())
			})
		}, a.After)
	}
	slog.Info("recovery scheduled", "documents", len(active))
	return len(active), nil
}

// Tune runs fn on every shard, on that shard's goroutine.
func (s *Service) Tune(fn func(*Base)) {
	for _, base := range s.bases {
		base := base
		s.execute(base, "core-tune", func() { fn(base) }, func(error) {})
	}
}

// Inspection is a point-in-time view of one document.
type Inspection struct {
	Key      model.Key
	JSON     []byte
	CodeCost int64
	Factory  Factory
}

// InspectAsync loads the document and reports its state.
func (s *Service) InspectAsync(key model.Key, callback model.Callback[Inspection]) {
	if err := key.Validate(); err != nil {
		callback(Inspection{}, err)
		return
	}
	base := s.baseFor(key)
	fail := func(err error) { callback(Inspection{}, err) }
	s.execute(base, "core-inspect", func() {
		s.load(base, key, func(d *Durable, err error) {
			if err != nil {
				fail(err)
				return
			}
			doc, err := d.JSON()
			if err != nil {
				fail(err)
				return
			}
			callback(Inspection{Key: key, JSON: doc, CodeCost: d.CodeCost(), Factory: d.factory}, nil)
		})
	}, fail)
}

// Shutdown stops new work and drains every shard, waiting at most the
// shutdown timeout for each.
func (s *Service) Shutdown() error {
	if !s.alive.CompareAndSwap(true, false) {
		return nil
	}
	defer s.cancel()

	var g errgroup.Group
	for _, base := range s.bases {
		base := base
		g.Go(func() error {
			sd, ok := base.Executor.(shutdowner)
			if !ok {
				return nil
			}
			timer := time.NewTimer(s.timeout)
			defer timer.Stop()
			select {
			case <-sd.Shutdown():
				return nil
			case <-timer.C:
				return fmt.Errorf("shard %d did not drain within %s", base.ID, s.timeout)
			}
		})
	}
	err := g.Wait()
	slog.Info("core shut down", "shards", len(s.bases), "error", err)
	return err
}

// Wait starts an async operation and blocks until its callback fires or ctx
// ends. Only the first callback counts.
func Wait[T any](ctx context.Context, start func(model.Callback[T])) (T, error) {
	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	var once sync.Once
	start(func(value T, err error) {
		once.Do(func() { ch <- result{value, err} })
	})
	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
