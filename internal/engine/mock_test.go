package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livedoc/internal/data"
	"github.com/roach88/livedoc/internal/executor"
	"github.com/roach88/livedoc/internal/metrics"
	"github.com/roach88/livedoc/internal/model"
	tu "github.com/roach88/livedoc/internal/testutil"
)

// mockFactory builds mockDocs. version only exists to make factories differ.
type mockFactory struct {
	version int
	fail    error
	created atomic.Int32
}

func (f *mockFactory) Create(monitor DocumentMonitor) (LivingDocument, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.created.Add(1)
	return &mockDoc{factory: f, monitor: monitor, state: map[string]any{}}, nil
}

// mockDoc keeps its state as decoded JSON and emits merge patches.
//
// apply understands three flags in the patch: "reject" fails the
// transaction, "panic" panics, and "wake_in_ms" asks for a future
// invalidation.
type mockDoc struct {
	factory   *mockFactory
	monitor   DocumentMonitor
	state     map[string]any
	views     []*mockView
	commands  []string
	completed int
}

type mockView struct {
	who  model.Principal
	p    Perspective
	dead bool
}

func (v *mockView) Kill() {
	v.dead = true
}

func clone(v map[string]any) map[string]any {
	raw, err := model.MarshalCanonical(v)
	if err != nil {
		panic(err)
	}
	decoded, err := model.DecodeJSON(raw)
	if err != nil {
		panic(err)
	}
	return decoded.(map[string]any)
}

func (d *mockDoc) clients() map[string]any {
	c, _ := d.state["clients"].(map[string]any)
	return c
}

func (d *mockDoc) Transact(request []byte) (*Change, error) {
	req, err := model.ParseRequest(request)
	if err != nil {
		return nil, err
	}
	before := clone(d.state)
	var wake time.Duration

	switch req.Command {
	case model.CommandConstruct:
		raw, _ := req.Raw("arg")
		arg, err := model.DecodeJSON(raw)
		if err != nil {
			return nil, err
		}
		d.state["arg"] = arg
	case model.CommandConnect:
		c := d.clients()
		if c == nil {
			c = map[string]any{}
			d.state["clients"] = c
		}
		c[req.Who.String()] = true
	case model.CommandDisconnect:
		delete(d.clients(), req.Who.String())
		if len(d.clients()) == 0 {
			delete(d.state, "clients")
		}
	case model.CommandApply:
		raw, _ := req.Raw("patch")
		var flags struct {
			Reject   bool  `json:"reject"`
			Panic    bool  `json:"panic"`
			WakeInMs int64 `json:"wake_in_ms"`
		}
		if err := json.Unmarshal(raw, &flags); err != nil {
			return nil, err
		}
		if flags.Panic {
			panic("document exploded")
		}
		if flags.Reject {
			return nil, errors.New("patch rejected")
		}
		patch, err := model.DecodeJSON(raw)
		if err != nil {
			return nil, err
		}
		merged, err := data.Merge(d.state, patch)
		if err != nil {
			return nil, err
		}
		d.state = merged.(map[string]any)
		wake = time.Duration(flags.WakeInMs) * time.Millisecond
	case model.CommandInvalidate:
		snapshot, _ := model.MarshalCanonical(d.state)
		for _, v := range d.views {
			if !v.dead {
				v.p.Data(snapshot)
			}
		}
	}
	d.state = clone(d.state)
	d.commands = append(d.commands, req.Command)
	d.monitor.ObserveTransaction(req.Command)

	beforeJSON, err := model.MarshalCanonical(before)
	if err != nil {
		return nil, err
	}
	afterJSON, err := model.MarshalCanonical(d.state)
	if err != nil {
		return nil, err
	}
	redo, err := data.DiffJSON(beforeJSON, afterJSON)
	if err != nil {
		return nil, err
	}
	undo, err := data.DiffJSON(afterJSON, beforeJSON)
	if err != nil {
		return nil, err
	}
	return &Change{
		Update: data.RemoteDocumentUpdate{
			Who:                        req.Who,
			Request:                    request,
			Redo:                       redo,
			Undo:                       undo,
			RequiresFutureInvalidation: wake > 0,
			WhenToInvalidate:           wake,
		},
		Complete: func() { d.completed++ },
	}, nil
}

func (d *mockDoc) SerializeAll() ([]byte, error) {
	return model.MarshalCanonical(d.state)
}

func (d *mockDoc) RestoreAll(snapshot []byte) error {
	decoded, err := model.DecodeJSON(snapshot)
	if err != nil {
		return err
	}
	state, ok := decoded.(map[string]any)
	if !ok {
		return errors.New("snapshot is not an object")
	}
	d.state = state
	return nil
}

func (d *mockDoc) Usurp(next LivingDocument) {
	n := next.(*mockDoc)
	n.views = d.views
	d.views = nil
}

func (d *mockDoc) CanRemoveFromMemory() bool {
	return len(d.clients()) == 0
}

func (d *mockDoc) IsConnected(who model.Principal) bool {
	return d.clients()[who.String()] == true
}

func (d *mockDoc) CreateView(who model.Principal, p Perspective) (View, error) {
	v := &mockView{who: who, p: p}
	d.views = append(d.views, v)
	return v, nil
}

func (d *mockDoc) GarbageCollectViews(who model.Principal) int {
	var keep []*mockView
	remaining := 0
	for _, v := range d.views {
		if v.dead {
			continue
		}
		keep = append(keep, v)
		if v.who == who {
			remaining++
		}
	}
	d.views = keep
	return remaining
}

func (d *mockDoc) NukeViews() {
	for _, v := range d.views {
		v.p.Disconnect()
	}
	d.views = nil
}

func (d *mockDoc) ReconcileClientsToForceDisconnect() []model.Principal {
	var out []model.Principal
	for client := range d.clients() {
		viewing := false
		for _, v := range d.views {
			if !v.dead && v.who.String() == client {
				viewing = true
			}
		}
		if !viewing {
			at := strings.LastIndex(client, "@")
			out = append(out, model.NewPrincipal(client[:at], client[at+1:]))
		}
	}
	return out
}

func (d *mockDoc) CanAttach(who model.Principal) bool {
	return who.Agent != "guest"
}

func (d *mockDoc) CodeCost() int64 {
	return int64(len(d.commands))
}

func (d *mockDoc) count(command string) int {
	n := 0
	for _, c := range d.commands {
		if c == command {
			n++
		}
	}
	return n
}

type mockResolver struct {
	mu      sync.Mutex
	factory Factory
	err     error
}

func (r *mockResolver) Fetch(ctx context.Context, key model.Key) (Factory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.factory, r.err
}

func (r *mockResolver) set(f Factory, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factory = f
	r.err = err
}

// recordingStream keeps everything a viewer is told.
type recordingStream struct {
	mu     sync.Mutex
	events []string
	frames [][]byte
	core   *CoreStream
	err    error
}

func (r *recordingStream) OnSetupComplete(stream *CoreStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.core = stream
	r.events = append(r.events, "setup")
}

func (r *recordingStream) Status(status StreamStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, status.String())
}

func (r *recordingStream) Next(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *recordingStream) Failure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
	r.events = append(r.events, "failure")
}

func (r *recordingStream) index(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.events {
		if e == event {
			return i
		}
	}
	return -1
}

func (r *recordingStream) has(event string) bool {
	return r.index(event) >= 0
}

func (r *recordingStream) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recordingStream) lastFrame() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return ""
	}
	return string(r.frames[len(r.frames)-1])
}

func (r *recordingStream) stream() *CoreStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.core
}

// result captures one callback.
type result[T any] struct {
	mu    sync.Mutex
	done  bool
	value T
	err   error
}

func (r *result[T]) cb(value T, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done, r.value, r.err = true, value, err
}

func (r *result[T]) finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *result[T]) get() (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value, r.err
}

type countingMonitor struct {
	changed   atomic.Int32
	unchanged atomic.Int32
	errors    atomic.Int32
}

func (m *countingMonitor) BumpDocument(changed bool) {
	if changed {
		m.changed.Add(1)
	} else {
		m.unchanged.Add(1)
	}
}

func (m *countingMonitor) WitnessError(error) {
	m.errors.Add(1)
}

var (
	alice = model.NewPrincipal("alice", "dev")
	bob   = model.NewPrincipal("bob", "dev")
	key   = model.NewKey("space", "doc")
)

type harness struct {
	t        *testing.T
	ex       *tu.ManualExecutor
	data     *tu.MemoryData
	resolver *mockResolver
	factory  *mockFactory
	metrics  *metrics.Metrics
	svc      *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ex := tu.NewManualExecutor()
	store := tu.NewMemoryData()
	factory := &mockFactory{version: 1}
	resolver := &mockResolver{factory: factory}
	m := metrics.New(prometheus.NewRegistry())
	svc := New(resolver, store, 1,
		WithExecutors(func(int) executor.Executor { return ex }),
		WithMetrics(m),
		WithClock(tu.NewManualClock(1_000)),
	)
	t.Cleanup(func() { _ = svc.Shutdown() })
	return &harness{t: t, ex: ex, data: store, resolver: resolver, factory: factory, metrics: m, svc: svc}
}

func (h *harness) base() *Base {
	return h.svc.bases[0]
}

// settle drives the executor until cond holds.
func (h *harness) settle(cond func() bool) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		h.ex.RunAll()
		return cond()
	}, 2*time.Second, time.Millisecond)
}

// quiet waits until no resident document has a write in flight.
func (h *harness) quiet() {
	h.t.Helper()
	h.settle(func() bool {
		for _, d := range h.base().documents {
			if d.live != nil && (d.live.inflight || len(d.live.queue) > 0) {
				return false
			}
		}
		return h.ex.Queued() == 0
	})
}

func (h *harness) document() *mockDoc {
	d, ok := h.base().lookup(key)
	require.True(h.t, ok, "document should be resident")
	return d.document.(*mockDoc)
}

func (h *harness) create(arg string) {
	h.t.Helper()
	var r result[struct{}]
	h.svc.CreateAsync(alice, key, []byte(arg), "", r.cb)
	h.settle(r.finished)
	_, err := r.get()
	require.NoError(h.t, err)
	h.quiet()
}

func (h *harness) connect(who model.Principal) *recordingStream {
	h.t.Helper()
	stream := &recordingStream{}
	h.svc.ConnectAsync(who, key, stream)
	h.settle(func() bool { return stream.has("connected") || stream.has("failure") })
	require.NoError(h.t, stream.err)
	h.quiet()
	return stream
}

func (h *harness) apply(stream *recordingStream, patch string) *result[int64] {
	r := &result[int64]{}
	stream.stream().Apply([]byte(patch), r.cb)
	return r
}
