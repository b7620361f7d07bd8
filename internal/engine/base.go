package engine

import (
	"context"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/roach88/livedoc/internal/data"
	"github.com/roach88/livedoc/internal/executor"
	"github.com/roach88/livedoc/internal/metrics"
	"github.com/roach88/livedoc/internal/model"
)

const (
	// DefaultCleanupDelay separates "may be evicted" from the eviction check.
	DefaultCleanupDelay = 2500 * time.Millisecond

	// DefaultReconcileDelay separates a load from the stale viewer sweep.
	DefaultReconcileDelay = 2500 * time.Millisecond
)

// Base is one shard: its executor and the documents it owns.
//
// documents and loading are only touched on Executor.
type Base struct {
	ID       int
	Executor executor.Executor
	Data     data.Service
	Metrics  *metrics.Metrics
	Clock    model.TimeSource

	CleanupDelay   time.Duration
	ReconcileDelay time.Duration

	ctx       context.Context
	alive     *atomic.Bool
	documents map[model.Key]*Durable
	loading   map[model.Key][]model.Callback[*Durable]
}

func newBase(ctx context.Context, id int, ex executor.Executor, store data.Service, o *options, alive *atomic.Bool) *Base {
	return &Base{
		ID:             id,
		Executor:       ex,
		Data:           store,
		Metrics:        o.metrics,
		Clock:          o.clock,
		CleanupDelay:   o.cleanupDelay,
		ReconcileDelay: o.reconcileDelay,
		ctx:            ctx,
		alive:          alive,
		documents:      make(map[model.Key]*Durable),
		loading:        make(map[model.Key][]model.Callback[*Durable]),
	}
}

// now is the timestamp stamped on command envelopes.
func (b *Base) now() int64 {
	return b.Clock.NowMilliseconds()
}

// schedule runs fn after delay unless the service has shut down by then.
func (b *Base) schedule(key model.Key, name string, fn func(), delay time.Duration) func() {
	return b.Executor.Schedule(key, name, func() {
		if b.alive.Load() {
			fn()
		}
	}, delay)
}

// lookup returns the resident document for key.
func (b *Base) lookup(key model.Key) (*Durable, bool) {
	d, ok := b.documents[key]
	return d, ok
}

// register inserts d unless a document for its key is already resident, in
// which case the resident one wins and is returned.
func (b *Base) register(d *Durable) *Durable {
	if existing, ok := b.documents[d.key]; ok {
		return existing
	}
	b.documents[d.key] = d
	b.observeResident()
	return d
}

// evict removes d if it is still the resident document for its key, along
// with every timer still scheduled for the key.
func (b *Base) evict(d *Durable) bool {
	if existing, ok := b.documents[d.key]; !ok || existing != d {
		return false
	}
	delete(b.documents, d.key)
	if c, ok := b.Executor.(executor.KeyCanceller); ok {
		c.CancelKey(d.key)
	}
	b.Metrics.DocumentsEvicted.Inc()
	b.observeResident()
	return true
}

func (b *Base) observeResident() {
	b.Metrics.ResidentDocuments.WithLabelValues(strconv.Itoa(b.ID)).Set(float64(len(b.documents)))
}

// snapshot returns the resident documents in key order.
func (b *Base) snapshot() []*Durable {
	out := make([]*Durable, 0, len(b.documents))
	for _, d := range b.documents {
		out = append(out, d)
	}
	slices.SortFunc(out, func(x, y *Durable) int { return x.key.Compare(y.key) })
	return out
}

// Resident returns the number of documents in memory. Must run on Executor.
func (b *Base) Resident() int {
	return len(b.documents)
}

// scheduleCleanup arms the idle eviction probe for d. The probe re-checks
// everything when it fires, so a reconnect in between keeps d resident.
func (b *Base) scheduleCleanup(d *Durable) {
	b.schedule(d.key, "document-cleanup", func() {
		if !d.idle() {
			return
		}
		if b.evict(d) {
			d.cancelTimers()
		}
	}, b.CleanupDelay)
}

// scheduleReconcile arms the stale viewer sweep for a freshly loaded d.
func (b *Base) scheduleReconcile(d *Durable) {
	b.schedule(d.key, "document-reconcile", func() {
		if d.live == nil {
			return
		}
		for _, who := range d.document.ReconcileClientsToForceDisconnect() {
			d.Disconnect(who, model.DontCare[int64]())
		}
	}, b.ReconcileDelay)
}
