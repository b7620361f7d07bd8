package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/livedoc/internal/data"
	"github.com/roach88/livedoc/internal/executor"
	"github.com/roach88/livedoc/internal/model"
)

// ingestion is one request waiting for, or holding, the write slot.
type ingestion struct {
	command  string
	request  []byte
	callback model.Callback[int64]
}

// liveState is the mutable state of a Durable that has not failed.
type liveState struct {
	queue    []*ingestion
	inflight bool
}

// Durable is the in-memory owner of one document.
//
// INVARIANTS:
//   - at most one transaction per document waits on the store
//   - queued requests run in arrival order
//   - live becomes nil only in catastrophicFailure, and never comes back
type Durable struct {
	key      model.Key
	base     *Base
	factory  Factory
	document LivingDocument

	live *liveState // nil once dead

	invalidateAfter  *time.Duration
	cancelInvalidate func()
}

func newDurable(key model.Key, base *Base, factory Factory, document LivingDocument) *Durable {
	return &Durable{
		key:      key,
		base:     base,
		factory:  factory,
		document: document,
		live:     &liveState{},
	}
}

// Key returns the document key.
func (d *Durable) Key() model.Key {
	return d.key
}

// Factory returns the code version driving the document.
func (d *Durable) Factory() Factory {
	return d.factory
}

// Alive reports whether the document is still usable.
func (d *Durable) Alive() bool {
	return d.live != nil
}

// freshDurable constructs a new document and initializes it in the store. The
// callback receives the Durable on the shard; it is not registered yet.
func freshDurable(key model.Key, factory Factory, who model.Principal, arg []byte, entropy string,
	base *Base, monitor DocumentMonitor, callback model.Callback[*Durable]) {
	document, err := factory.Create(monitor)
	if err != nil {
		callback(nil, model.DetectOrWrap(model.ErrConstructFailed, err))
		return
	}
	d := newDurable(key, base, factory, document)

	if len(arg) == 0 {
		arg = []byte("{}")
	}
	env := model.Forge(model.CommandConstruct, base.now(), &who).SetJSON("arg", arg)
	if entropy != "" {
		env.Set("entropy", entropy)
	}
	request, err := env.Bytes()
	if err != nil {
		callback(nil, err)
		return
	}
	change, err := d.transact(request)
	if err != nil {
		callback(nil, model.DetectOrWrap(model.ErrConstructFailed, err))
		return
	}

	executor.Await(base.Executor, "document-initialize", func() (struct{}, error) {
		return struct{}{}, base.Data.Initialize(base.ctx, key, change.Update)
	}, func(_ struct{}, err error) {
		if err != nil {
			callback(nil, model.DetectOrWrap(model.ErrDataInitializeFailed, err))
			return
		}
		change.Complete()
		callback(d, nil)
	})
}

// loadDurable rebuilds a document from the store. The callback receives the Durable
// on the shard; it is not registered yet.
func loadDurable(key model.Key, factory Factory, base *Base, monitor DocumentMonitor, callback model.Callback[*Durable]) {
	executor.Await(base.Executor, "document-load", func() (*data.LocalDocumentChange, error) {
		return base.Data.Get(base.ctx, key)
	}, func(change *data.LocalDocumentChange, err error) {
		if err != nil {
			callback(nil, model.DetectOrWrap(model.ErrLoadFailed, err))
			return
		}
		document, err := factory.Create(monitor)
		if err != nil {
			callback(nil, model.DetectOrWrap(model.ErrLoadFailed, err))
			return
		}
		if err := document.RestoreAll(change.Patch); err != nil {
			callback(nil, model.KeyError(model.ErrLoadFailed, key, err))
			return
		}
		callback(newDurable(key, base, factory, document), nil)
	})
}

// transact runs the document, turning a panic into an error.
func (d *Durable) transact(request []byte) (change *Change, err error) {
	defer func() {
		if r := recover(); r != nil {
			change = nil
			err = model.KeyError(model.ErrTransactFailed, d.key, fmt.Errorf("document panicked: %v", r))
		}
	}()
	return d.document.Transact(request)
}

// ingest queues or runs one request.
func (d *Durable) ingest(command string, request []byte, callback model.Callback[int64]) {
	if d.live == nil {
		callback(0, model.KeyError(model.ErrCatastrophicDocumentFailure, d.key, nil))
		return
	}
	ing := &ingestion{command: command, request: request, callback: callback}
	if d.live.inflight {
		d.live.queue = append(d.live.queue, ing)
		d.base.Metrics.QueuedRequests.Inc()
		return
	}
	d.executeNow(ing)
}

func (d *Durable) dequeue() (*ingestion, bool) {
	if len(d.live.queue) == 0 {
		return nil, false
	}
	next := d.live.queue[0]
	d.live.queue[0] = nil
	d.live.queue = d.live.queue[1:]
	d.base.Metrics.QueuedRequests.Dec()
	return next, true
}

// executeNow transacts ing and hands the change to the store. Requests the
// document rejects fail on their own and the next queued one runs.
func (d *Durable) executeNow(ing *ingestion) {
	var change *Change
	for {
		var err error
		change, err = d.transact(ing.request)
		if err == nil {
			break
		}
		ing.callback(0, err)
		next, ok := d.dequeue()
		if !ok {
			return
		}
		ing = next
	}

	d.live.inflight = true
	d.base.Metrics.InflightWrites.Inc()
	started := time.Now()
	base := d.base
	executor.Await(base.Executor, "document-patch", func() (int64, error) {
		return base.Data.Patch(base.ctx, d.key, change.Update)
	}, func(seq int64, err error) {
		base.Metrics.InflightWrites.Dec()
		if err != nil {
			d.catastrophicFailure(err, ing)
			return
		}
		base.Metrics.ObserveCommit(time.Since(started))
		d.finishSuccess(ing, change, seq)
	})
}

func (d *Durable) finishSuccess(ing *ingestion, change *Change, seq int64) {
	d.live.inflight = false
	if change.Update.RequiresFutureInvalidation {
		after := change.Update.WhenToInvalidate
		d.invalidateAfter = &after
	}
	change.Complete()
	ing.callback(seq, nil)

	if d.live == nil {
		return
	}
	if next, ok := d.dequeue(); ok {
		d.executeNow(next)
		return
	}
	d.checkInvalidate()
}

// checkInvalidate acts on a deferred invalidation requested by the document.
func (d *Durable) checkInvalidate() {
	if d.invalidateAfter == nil {
		return
	}
	after := *d.invalidateAfter
	d.invalidateAfter = nil
	if after <= 0 {
		d.Invalidate(model.DontCare[int64]())
		return
	}
	if d.cancelInvalidate != nil {
		d.cancelInvalidate()
	}
	d.cancelInvalidate = d.base.schedule(d.key, "document-invalidate", func() {
		d.cancelInvalidate = nil
		if d.live != nil {
			d.Invalidate(model.DontCare[int64]())
		}
	}, after)
}

// catastrophicFailure kills the document after a failed durable write. The
// document changed in memory and the store did not, so nothing about it can
// be trusted.
func (d *Durable) catastrophicFailure(cause error, ing *ingestion) {
	slog.Error("catastrophic document failure", "key", d.key.String(), "error", cause)
	d.base.Metrics.CatastrophicFailures.Inc()

	queue := d.live.queue
	d.live = nil
	d.base.Metrics.QueuedRequests.Sub(float64(len(queue)))

	d.cancelTimers()
	d.document.NukeViews()
	d.base.evict(d)

	failure := model.KeyError(model.ErrCatastrophicDocumentFailure, d.key, cause)
	ing.callback(0, failure)
	for _, q := range queue {
		q.callback(0, failure)
	}
}

func (d *Durable) cancelTimers() {
	if d.cancelInvalidate != nil {
		d.cancelInvalidate()
		d.cancelInvalidate = nil
	}
}

// idle reports whether the document may leave memory now.
func (d *Durable) idle() bool {
	return d.live != nil && !d.live.inflight && len(d.live.queue) == 0 && d.document.CanRemoveFromMemory()
}

func (d *Durable) submit(env *model.Envelope, command string, callback model.Callback[int64]) {
	request, err := env.Bytes()
	if err != nil {
		callback(0, err)
		return
	}
	d.ingest(command, request, callback)
}

// Invalidate lets time-dependent document state advance.
func (d *Durable) Invalidate(callback model.Callback[int64]) {
	d.submit(model.Forge(model.CommandInvalidate, d.base.now(), nil), model.CommandInvalidate, callback)
}

// Bill asks the document to account for its resource usage.
func (d *Durable) Bill(callback model.Callback[int64]) {
	d.submit(model.Forge(model.CommandBill, d.base.now(), nil), model.CommandBill, callback)
}

// Expire drops history older than limit.
func (d *Durable) Expire(limit time.Duration, callback model.Callback[int64]) {
	env := model.Forge(model.CommandExpire, d.base.now(), nil).Set("limit", limit.Milliseconds())
	d.submit(env, model.CommandExpire, callback)
}

// Connect joins who to the document.
func (d *Durable) Connect(who model.Principal, callback model.Callback[int64]) {
	d.submit(model.Forge(model.CommandConnect, d.base.now(), &who), model.CommandConnect, callback)
}

// Disconnect removes who from the document. If that leaves the document
// evictable, an idle cleanup probe is scheduled.
func (d *Durable) Disconnect(who model.Principal, callback model.Callback[int64]) {
	d.submit(model.Forge(model.CommandDisconnect, d.base.now(), &who), model.CommandDisconnect,
		func(seq int64, err error) {
			if err == nil && d.live != nil && d.document.CanRemoveFromMemory() {
				d.base.scheduleCleanup(d)
			}
			callback(seq, err)
		})
}

// Send delivers a message from who on a channel.
func (d *Durable) Send(who model.Principal, marker, channel string, message []byte, callback model.Callback[int64]) {
	env := model.Forge(model.CommandSend, d.base.now(), &who).
		Set("channel", channel).
		SetJSON("message", message)
	if marker != "" {
		env.Set("marker", marker)
	}
	d.submit(env, model.CommandSend, callback)
}

// Apply merges a patch from who into the document.
func (d *Durable) Apply(who model.Principal, patch []byte, callback model.Callback[int64]) {
	env := model.Forge(model.CommandApply, d.base.now(), &who).SetJSON("patch", patch)
	d.submit(env, model.CommandApply, callback)
}

// Attach records an asset uploaded by who.
func (d *Durable) Attach(who model.Principal, asset model.Asset, callback model.Callback[int64]) {
	env := model.Forge(model.CommandAttach, d.base.now(), &who).Set("asset", asset)
	d.submit(env, model.CommandAttach, callback)
}

// CanAttach reports whether who may attach assets.
func (d *Durable) CanAttach(who model.Principal) bool {
	return d.live != nil && d.document.CanAttach(who)
}

// IsConnected reports whether who has joined.
func (d *Durable) IsConnected(who model.Principal) bool {
	return d.live != nil && d.document.IsConnected(who)
}

// CreatePrivateView attaches a viewer for who.
func (d *Durable) CreatePrivateView(who model.Principal, p Perspective) (View, error) {
	if d.live == nil {
		return nil, model.KeyError(model.ErrCatastrophicDocumentFailure, d.key, nil)
	}
	return d.document.CreateView(who, p)
}

// GarbageCollectViews drops dead views of who and returns how many remain.
func (d *Durable) GarbageCollectViews(who model.Principal) int {
	return d.document.GarbageCollectViews(who)
}

// Deploy moves the document onto a new code version: the state is carried
// over, views follow, and the document is invalidated under the new code.
func (d *Durable) Deploy(factory Factory, monitor DocumentMonitor) error {
	if d.live == nil {
		return model.KeyError(model.ErrCatastrophicDocumentFailure, d.key, nil)
	}
	snapshot, err := d.document.SerializeAll()
	if err != nil {
		return model.KeyError(model.ErrDeployFailed, d.key, err)
	}
	next, err := factory.Create(monitor)
	if err != nil {
		return model.KeyError(model.ErrDeployFailed, d.key, err)
	}
	if err := next.RestoreAll(snapshot); err != nil {
		return model.KeyError(model.ErrDeployFailed, d.key, err)
	}
	d.document.Usurp(next)
	d.document = next
	d.factory = factory
	d.Invalidate(model.DontCare[int64]())
	return nil
}

// JSON returns the full document state.
func (d *Durable) JSON() ([]byte, error) {
	return d.document.SerializeAll()
}

// CodeCost returns the document's accumulated execution cost.
func (d *Durable) CodeCost() int64 {
	return d.document.CodeCost()
}
