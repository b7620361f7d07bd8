package managed

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/livedoc/internal/data"
	"github.com/roach88/livedoc/internal/executor"
	"github.com/roach88/livedoc/internal/metrics"
	"github.com/roach88/livedoc/internal/model"
)

const (
	// DefaultArchiveDelay is how long after a write the document is archived.
	DefaultArchiveDelay = 5 * time.Minute

	// DefaultArchiveRetry is the first delay after a failed archive.
	DefaultArchiveRetry = 10 * time.Second
)

// Action is one read or write gated by a Machine. Exactly one of Run or Fail
// is called, on the executor.
type Action struct {
	Name string
	Run  func()
	Fail func(error)
}

// Base is the state shared by every Machine of one managed service.
//
// All fields are read on the executor; machines is only touched there.
type Base struct {
	Finder   data.Finder
	Data     data.Archiver
	Region   string
	Machine  string
	Executor executor.Executor

	// ArchiveDelay separates a write from the archive that covers it.
	ArchiveDelay time.Duration

	// ArchiveRetry is the first delay after a failed archive; later
	// failures back off exponentially up to ArchiveDelay.
	ArchiveRetry time.Duration

	Metrics *metrics.Metrics

	ctx      context.Context
	machines map[model.Key]*Machine
}

// NewBase creates a Base with default delays.
func NewBase(finder data.Finder, store data.Archiver, region, machine string, ex executor.Executor) *Base {
	return &Base{
		Finder:       finder,
		Data:         store,
		Region:       region,
		Machine:      machine,
		Executor:     ex,
		ArchiveDelay: DefaultArchiveDelay,
		ArchiveRetry: DefaultArchiveRetry,
		Metrics:      metrics.New(nil),
		ctx:          context.Background(),
		machines:     make(map[model.Key]*Machine),
	}
}

// On returns the Machine for key, creating it on first use. Must run on the
// executor.
func (b *Base) On(key model.Key) *Machine {
	m, ok := b.machines[key]
	if !ok {
		m = newMachine(key, b)
		b.machines[key] = m
	}
	return m
}

// forget drops the Machine for key. Must run on the executor.
func (b *Base) forget(key model.Key) {
	if m, ok := b.machines[key]; ok {
		m.cancelArchiveTimer()
		delete(b.machines, key)
	}
}

// archiveTo snapshots key, records the token in the directory and then drops
// archives the directory no longer points at. Runs off the executor.
func (b *Base) archiveTo(ctx context.Context, key model.Key) (string, error) {
	token, err := b.Data.Backup(ctx, key)
	if err != nil {
		return "", model.DetectOrWrap(model.ErrArchiveFailed, err)
	}
	if err := b.Finder.Backup(ctx, key, token, b.Machine); err != nil {
		return "", err
	}
	if err := b.Data.Prune(ctx, key, token); err != nil {
		slog.Warn("archive prune failed", "key", key.String(), "error", err)
	}
	return token, nil
}

func (b *Base) metrics() *metrics.Metrics {
	if b.Metrics == nil {
		b.Metrics = metrics.New(nil)
	}
	return b.Metrics
}
