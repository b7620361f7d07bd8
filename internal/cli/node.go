package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/livedoc/internal/config"
	"github.com/roach88/livedoc/internal/data"
	"github.com/roach88/livedoc/internal/engine"
	"github.com/roach88/livedoc/internal/executor"
	"github.com/roach88/livedoc/internal/jsondoc"
	"github.com/roach88/livedoc/internal/managed"
	"github.com/roach88/livedoc/internal/metrics"
	"github.com/roach88/livedoc/internal/store"
)

// node is one running core with its collaborators.
type node struct {
	cfg      *config.Config
	metrics  *metrics.Metrics
	store    *store.Store
	finder   *store.Finder // nil in single-machine mode
	managed  *managed.Service
	locator  *executor.Shard // runs the location machines
	resolver *jsondoc.Resolver
	core     *engine.Service
}

// openNode wires the core from cfg. reg may be nil for one-shot commands.
func openNode(cfg *config.Config, reg prometheus.Registerer) (*node, error) {
	m := metrics.New(reg)
	n := &node{cfg: cfg, metrics: m, resolver: jsondoc.NewResolver(cfg.SpacesDir)}

	storeOpts := []store.Option{store.WithMetrics(m)}
	if cfg.ArchiveDatabase != "" {
		storeOpts = append(storeOpts, store.WithArchive(cfg.ArchiveDatabase))
	}
	slog.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database, storeOpts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	n.store = st

	var durable data.Service = st
	if cfg.Managed() {
		finder, err := store.OpenFinder(cfg.FinderDatabase, cfg.Region, store.WithMetrics(m))
		if err != nil {
			_ = st.Close()
			return nil, WrapExitError(ExitCommandError, "failed to open finder database", err)
		}
		n.finder = finder
		n.locator = executor.NewShard(cfg.Threads, executor.WithPanicHandler(func(_ int, name string, recovered any) {
			slog.Error("location task panicked", "task", name, "panic", recovered)
			m.ObservePanic(name)
		}))
		base := managed.NewBase(finder, st, cfg.Region, cfg.Machine, n.locator)
		base.ArchiveDelay = cfg.ArchiveDelay
		base.ArchiveRetry = cfg.ArchiveRetry
		base.Metrics = m
		n.managed = managed.NewService(base)
		durable = n.managed
		slog.Debug("managed storage enabled", "region", cfg.Region, "machine", cfg.Machine)
	}

	n.core = engine.New(n.resolver, durable, cfg.Threads,
		engine.WithMetrics(m),
		engine.WithCleanupDelay(cfg.CleanupDelay),
		engine.WithReconcileDelay(cfg.ReconcileDelay),
		engine.WithShutdownTimeout(cfg.ShutdownTimeout),
	)
	return n, nil
}

// Close shuts the core down before its storage.
func (n *node) Close() error {
	var errs []error
	if err := n.core.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if n.managed != nil {
		n.managed.Shutdown()
		select {
		case <-n.locator.Shutdown():
		case <-time.After(n.cfg.ShutdownTimeout):
			errs = append(errs, fmt.Errorf("location shard did not drain within %s", n.cfg.ShutdownTimeout))
		}
	}
	if n.finder != nil {
		if err := n.finder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close finder: %w", err))
		}
	}
	if err := n.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}

// closeNode logs a failed Close; commands have already reported their result.
func closeNode(n *node) {
	if err := n.Close(); err != nil {
		slog.Error("error closing node", "error", err)
	}
}
