package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livedoc/internal/data"
	"github.com/roach88/livedoc/internal/executor"
	"github.com/roach88/livedoc/internal/model"
	tu "github.com/roach88/livedoc/internal/testutil"
)

func TestService_CreateThenConnectIsConnectedBeforeDisconnected(t *testing.T) {
	h := newHarness(t)
	h.create(`{}`)
	stream := h.connect(alice)
	assert.Less(t, stream.index("setup"), stream.index("connected"))
	assert.Positive(t, stream.frameCount(), "attach sends a snapshot")

	var deleted result[struct{}]
	h.svc.DeleteAsync(key, deleted.cb)
	h.settle(deleted.finished)
	_, err := deleted.get()
	require.NoError(t, err)

	require.True(t, stream.has("disconnected"))
	assert.Less(t, stream.index("connected"), stream.index("disconnected"))
	assert.False(t, h.data.Has(key))
	_, resident := h.base().lookup(key)
	assert.False(t, resident)
}

func TestService_CreateTwiceFails(t *testing.T) {
	h := newHarness(t)
	h.create(`{}`)

	var again result[struct{}]
	h.svc.CreateAsync(bob, key, nil, "", again.cb)
	h.settle(again.finished)
	_, err := again.get()
	assert.True(t, model.IsCode(err, model.ErrDocumentAlreadyCreated))
}

func TestService_CreateOverStoredDocumentFails(t *testing.T) {
	h := newHarness(t)
	h.data.Seed(key, `{"n":1}`)

	var r result[struct{}]
	h.svc.CreateAsync(alice, key, nil, "", r.cb)
	h.settle(r.finished)
	_, err := r.get()
	assert.True(t, model.IsCode(err, model.ErrDocumentAlreadyCreated))
	_, resident := h.base().lookup(key)
	assert.False(t, resident)
}

func TestService_CreateFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		key   model.Key
		code  model.ErrorCode
	}{
		{
			name:  "fetch",
			setup: func(h *harness) { h.resolver.set(nil, errors.New("registry down")) },
			key:   key,
			code:  model.ErrFactoryFetchFailed,
		},
		{
			name:  "construct",
			setup: func(h *harness) { h.resolver.set(&mockFactory{fail: errors.New("bad build")}, nil) },
			key:   key,
			code:  model.ErrConstructFailed,
		},
		{
			name:  "initialize",
			setup: func(h *harness) { h.data.Fail(tu.OpInitialize, errors.New("disk full")) },
			key:   key,
			code:  model.ErrDataInitializeFailed,
		},
		{
			name:  "invalid key",
			setup: func(*harness) {},
			key:   model.NewKey("", "doc"),
			code:  model.ErrInvalidKey,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			var r result[struct{}]
			h.svc.CreateAsync(alice, tt.key, []byte(`{}`), "", r.cb)
			h.settle(r.finished)
			_, err := r.get()
			assert.True(t, model.IsCode(err, tt.code), "got %v", err)
			_, resident := h.base().lookup(tt.key)
			assert.False(t, resident)
		})
	}
}

func TestService_ConnectTwiceJoinsOnce(t *testing.T) {
	h := newHarness(t)
	h.create(`{}`)
	first := h.connect(alice)
	second := h.connect(alice)

	assert.True(t, first.has("connected"))
	assert.True(t, second.has("connected"))
	assert.Equal(t, 1, h.document().count(model.CommandConnect))
	assert.Len(t, h.document().views, 2)

	first.stream().Disconnect()
	h.quiet()
	assert.True(t, h.document().IsConnected(alice), "second view keeps alice joined")
	assert.Zero(t, h.document().count(model.CommandDisconnect))

	second.stream().Disconnect()
	h.quiet()
	assert.False(t, h.document().IsConnected(alice))
	assert.Equal(t, 1, h.document().count(model.CommandDisconnect))
}

func TestService_IdleDocumentIsEvicted(t *testing.T) {
	h := newHarness(t)
	h.create(`{}`)
	stream := h.connect(alice)
	stream.stream().Disconnect()
	h.quiet()

	require.Positive(t, h.ex.ScheduledNamed("document-cleanup"))
	h.ex.Fire("document-cleanup")
	h.ex.RunAll()

	_, resident := h.base().lookup(key)
	assert.False(t, resident)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DocumentsEvicted))
	assert.True(t, h.data.Has(key))
}

func TestService_EvictionCancelsTimersForKey(t *testing.T) {
	h := newHarness(t)
	h.data.Seed(key, `{}`)
	stream := h.connect(alice)
	require.Equal(t, 1, h.ex.ScheduledNamed("document-reconcile"))
	stream.stream().Disconnect()
	h.quiet()

	require.Positive(t, h.ex.Fire("document-cleanup"))
	h.ex.RunAll()
	_, resident := h.base().lookup(key)
	require.False(t, resident)

	assert.Zero(t, h.ex.ScheduledNamed("document-reconcile"), "timers go with the document")
	for _, task := range h.ex.Scheduled() {
		assert.NotEqual(t, key, task.Key, "task %s still armed", task.Name)
	}
}

func TestService_ReconnectBeforeCleanupKeepsDocument(t *testing.T) {
	h := newHarness(t)
	h.create(`{}`)
	stream := h.connect(alice)
	stream.stream().Disconnect()
	h.quiet()
	h.connect(alice)

	h.ex.Fire("document-cleanup")
	h.ex.RunAll()

	_, resident := h.base().lookup(key)
	assert.True(t, resident)
}

func TestService_ConcurrentLoadsShareOneRead(t *testing.T) {
	h := newHarness(t)
	h.data.Seed(key, `{"n":1}`)

	release := h.data.Hold(tu.OpGet)
	a, b := &recordingStream{}, &recordingStream{}
	h.svc.ConnectAsync(alice, key, a)
	h.svc.ConnectAsync(bob, key, b)
	h.settle(func() bool { return h.data.Calls(tu.OpGet) == 1 })
	h.ex.RunAll()
	release()
	h.settle(func() bool { return a.has("connected") && b.has("connected") })

	assert.Equal(t, 1, h.data.Calls(tu.OpGet))
	assert.Equal(t, int32(1), h.factory.created.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DocumentsLoaded))
	assert.Equal(t, 1, h.ex.ScheduledNamed("document-reconcile"))
}

func TestService_ConnectToMissingDocumentFails(t *testing.T) {
	h := newHarness(t)
	stream := &recordingStream{}
	h.svc.ConnectAsync(alice, key, stream)
	h.settle(func() bool { return stream.has("failure") })
	assert.True(t, model.IsCode(stream.err, model.ErrDocumentNotFound))
	assert.Empty(t, h.base().loading)
}

func TestService_ReconcileDisconnectsStaleClients(t *testing.T) {
	h := newHarness(t)
	ghost := model.NewPrincipal("ghost", "dev")
	h.data.Seed(key, `{"clients":{"ghost@dev":true}}`)
	h.connect(alice)
	require.True(t, h.document().IsConnected(ghost))

	require.Equal(t, 1, h.ex.Fire("document-reconcile"))
	h.quiet()

	assert.False(t, h.document().IsConnected(ghost))
	assert.True(t, h.document().IsConnected(alice))
}

func TestService_DeployMovesDocumentsToNewCode(t *testing.T) {
	h := newHarness(t)
	h.create(`{"title":"x"}`)
	stream := h.connect(alice)
	h.apply(stream, `{"a":1}`)
	h.quiet()

	before, err := h.document().SerializeAll()
	require.NoError(t, err)
	frames := stream.frameCount()

	v2 := &mockFactory{version: 2}
	h.resolver.set(v2, nil)
	monitor := &countingMonitor{}
	h.svc.Deploy(monitor)
	h.settle(func() bool { return monitor.changed.Load() == 1 })
	h.quiet()

	d, ok := h.base().lookup(key)
	require.True(t, ok)
	assert.Same(t, v2, d.Factory())
	after, err := d.JSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
	assert.Greater(t, stream.frameCount(), frames, "views follow the new code")
	assert.False(t, stream.has("disconnected"))

	h.svc.Deploy(monitor)
	h.settle(func() bool { return monitor.unchanged.Load() == 1 })

	h.resolver.set(&mockFactory{version: 3, fail: errors.New("bad build")}, nil)
	h.svc.Deploy(monitor)
	h.settle(func() bool { return monitor.errors.Load() == 1 })
	assert.Same(t, v2, d.Factory())

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Deployments.WithLabelValues("changed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Deployments.WithLabelValues("unchanged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Deployments.WithLabelValues("failed")))
}

func TestService_RecoverInvalidatesActiveDocuments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.data.Seed(key, `{"n":1}`)
	_, err := h.data.Patch(ctx, key, data.RemoteDocumentUpdate{
		Redo:                       []byte(`{"n":2}`),
		Undo:                       []byte(`{"n":1}`),
		RequiresFutureInvalidation: true,
		WhenToInvalidate:           5 * time.Second,
	})
	require.NoError(t, err)

	n, err := h.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []time.Duration{5 * time.Second}, scheduledDelays(h.ex, "core-recover"))

	h.ex.Fire("core-recover")
	h.settle(func() bool {
		_, ok := h.base().lookup(key)
		return ok
	})
	h.quiet()
	assert.Equal(t, 1, h.document().count(model.CommandInvalidate))
}

func TestService_Tune(t *testing.T) {
	h := newHarness(t)
	h.svc.Tune(func(b *Base) { b.CleanupDelay = time.Minute })
	h.ex.RunAll()
	assert.Equal(t, time.Minute, h.base().CleanupDelay)
}

func TestService_Inspect(t *testing.T) {
	h := newHarness(t)
	h.create(`{"title":"x"}`)

	var r result[Inspection]
	h.svc.InspectAsync(key, r.cb)
	h.settle(r.finished)
	got, err := r.get()
	require.NoError(t, err)
	assert.JSONEq(t, `{"arg":{"title":"x"}}`, string(got.JSON))
	assert.Equal(t, int64(2), got.CodeCost)
	assert.Same(t, h.factory, got.Factory)
}

// plainExecutor hides Shutdown so shards keep accepting work after the
// service stops.
type plainExecutor struct {
	executor.Executor
}

func TestService_ScheduledWorkIsSkippedAfterShutdown(t *testing.T) {
	ex := tu.NewManualExecutor()
	store := tu.NewMemoryData()
	svc := New(&mockResolver{factory: &mockFactory{}}, store, 1,
		WithExecutors(func(int) executor.Executor { return plainExecutor{ex} }))

	var r result[struct{}]
	svc.CreateAsync(alice, key, nil, "", r.cb)
	require.Eventually(t, func() bool { ex.RunAll(); return r.finished() }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { ex.RunAll(); return store.Calls(tu.OpPatch) == 1 }, 2*time.Second, time.Millisecond)
	ex.RunAll()

	require.NoError(t, svc.Shutdown())
	require.Equal(t, 1, ex.Fire("document-cleanup"))
	ex.RunAll()
	_, resident := svc.bases[0].lookup(key)
	assert.True(t, resident, "cleanup must not run once the service is down")

	var late result[struct{}]
	svc.CreateAsync(alice, model.NewKey("space", "other"), nil, "", late.cb)
	require.True(t, late.finished())
	_, err := late.get()
	assert.True(t, model.IsCode(err, model.ErrServiceShutdown))
	require.NoError(t, svc.Shutdown())
}

func TestService_StreamAfterShutdownFails(t *testing.T) {
	h := newHarness(t)
	h.create(`{}`)
	stream := h.connect(alice)
	require.NoError(t, h.svc.Shutdown())

	r := h.apply(stream, `{"a":1}`)
	require.True(t, r.finished())
	_, err := r.get()
	assert.True(t, model.IsCode(err, model.ErrServiceShutdown))
}

// stuckExecutor never finishes draining.
type stuckExecutor struct {
	*tu.ManualExecutor
}

func (stuckExecutor) Shutdown() <-chan struct{} {
	return make(chan struct{})
}

func TestService_ShutdownTimesOut(t *testing.T) {
	svc := New(&mockResolver{}, tu.NewMemoryData(), 2,
		WithExecutors(func(int) executor.Executor { return stuckExecutor{tu.NewManualExecutor()} }),
		WithShutdownTimeout(10*time.Millisecond))
	err := svc.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not drain")
}

func TestService_RealShards(t *testing.T) {
	store := tu.NewMemoryData()
	svc := New(&mockResolver{factory: &mockFactory{version: 1}}, store, 4,
		WithCleanupDelay(time.Minute))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 8; i++ {
		k := model.NewKey("space", fmt.Sprintf("doc-%d", i))
		_, err := Wait(ctx, func(cb model.Callback[struct{}]) {
			svc.CreateAsync(alice, k, []byte(fmt.Sprintf(`{"i":%d}`, i)), "seed", cb)
		})
		require.NoError(t, err)

		got, err := Wait(ctx, func(cb model.Callback[Inspection]) { svc.InspectAsync(k, cb) })
		require.NoError(t, err)
		assert.JSONEq(t, fmt.Sprintf(`{"arg":{"i":%d}}`, i), string(got.JSON))

		req, err := model.ParseRequest(store.Updates(k)[0].Request)
		require.NoError(t, err)
		var entropy string
		require.NoError(t, req.Field("entropy", &entropy))
		assert.Equal(t, "seed", entropy)
	}
	assert.Equal(t, 4, svc.Shards())
	require.NoError(t, svc.Shutdown())
}

func TestWait_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Wait(ctx, func(model.Callback[int]) {})
	assert.ErrorIs(t, err, context.Canceled)
}
