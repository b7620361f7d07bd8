package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/livedoc/internal/data"
	"github.com/roach88/livedoc/internal/model"
)

// Operation names accepted by Fail and Hold.
const (
	OpGet        = "get"
	OpInitialize = "initialize"
	OpPatch      = "patch"
	OpDelete     = "delete"
	OpBackup     = "backup"
	OpRestore    = "restore"
	OpPrune      = "prune"
	OpFind       = "find"
	OpBind       = "bind"
	OpFree       = "free"
)

// faults holds injected failures and gates shared by the doubles.
type faults struct {
	mu    sync.Mutex
	fail  map[string][]error
	holds map[string]chan struct{}
	calls map[string]int
}

func newFaults() *faults {
	return &faults{
		fail:  map[string][]error{},
		holds: map[string]chan struct{}{},
		calls: map[string]int{},
	}
}

// enter counts the call, waits on a held gate, then returns any injected error.
func (f *faults) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	gate := f.holds[op]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.fail[op]; len(errs) > 0 {
		f.fail[op] = errs[1:]
		return errs[0]
	}
	return nil
}

// Fail makes the next len(errs) calls to op return those errors in order.
func (f *faults) Fail(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = append(f.fail[op], errs...)
}

// Hold blocks calls to op until the returned release function runs.
func (f *faults) Hold(op string) (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.holds[op] = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.holds, op)
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns how often op was invoked.
func (f *faults) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

type memoryDocument struct {
	snapshot []byte
	seq      int64
	reads    int
	active   *data.ActiveKey
}

// MemoryData is an in-memory data.Archiver with fault injection.
type MemoryData struct {
	*faults

	mu       sync.Mutex
	docs     map[model.Key]*memoryDocument
	archives map[string]memoryDocument
	patches  map[model.Key][]data.RemoteDocumentUpdate
	tokens   int
}

var _ data.Archiver = (*MemoryData)(nil)

// NewMemoryData creates an empty store.
func NewMemoryData() *MemoryData {
	return &MemoryData{
		faults:   newFaults(),
		docs:     map[model.Key]*memoryDocument{},
		archives: map[string]memoryDocument{},
		patches:  map[model.Key][]data.RemoteDocumentUpdate{},
	}
}

// Get implements data.Service.
func (m *MemoryData) Get(ctx context.Context, key model.Key) (*data.LocalDocumentChange, error) {
	if err := m.enter(ctx, OpGet); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	if !ok {
		return nil, model.KeyError(model.ErrDocumentNotFound, key, nil)
	}
	return &data.LocalDocumentChange{Patch: append([]byte(nil), doc.snapshot...), Seq: doc.seq, Reads: doc.reads}, nil
}

// Initialize implements data.Service.
func (m *MemoryData) Initialize(ctx context.Context, key model.Key, update data.RemoteDocumentUpdate) error {
	if err := m.enter(ctx, OpInitialize); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[key]; ok {
		return model.KeyError(model.ErrDocumentAlreadyCreated, key, nil)
	}
	snapshot, err := data.MergeJSON(nil, update.Redo)
	if err != nil {
		return model.WrapError(model.ErrDataInitializeFailed, "initialize", err)
	}
	m.docs[key] = &memoryDocument{snapshot: snapshot, seq: 1, reads: 1, active: activeFor(key, update)}
	m.patches[key] = append(m.patches[key], update)
	return nil
}

// Patch implements data.Service.
func (m *MemoryData) Patch(ctx context.Context, key model.Key, updates ...data.RemoteDocumentUpdate) (int64, error) {
	if err := m.enter(ctx, OpPatch); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	if !ok {
		return 0, model.KeyError(model.ErrDocumentNotFound, key, nil)
	}
	for _, update := range updates {
		merged, err := data.MergeJSON(doc.snapshot, update.Redo)
		if err != nil {
			return 0, model.WrapError(model.ErrDataPatchFailed, "patch", err)
		}
		doc.snapshot = merged
		doc.seq++
		doc.reads++
		doc.active = activeFor(key, update)
		m.patches[key] = append(m.patches[key], update)
	}
	return doc.seq, nil
}

// Delete implements data.Service.
func (m *MemoryData) Delete(ctx context.Context, key model.Key) error {
	if err := m.enter(ctx, OpDelete); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, key)
	delete(m.patches, key)
	return nil
}

// ScanActive implements data.Service.
func (m *MemoryData) ScanActive(ctx context.Context) ([]data.ActiveKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []data.ActiveKey
	for _, doc := range m.docs {
		if doc.active != nil {
			out = append(out, *doc.active)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Compare(out[j].Key) < 0 })
	return out, nil
}

// Backup implements data.Archiver.
func (m *MemoryData) Backup(ctx context.Context, key model.Key) (string, error) {
	if err := m.enter(ctx, OpBackup); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	if !ok {
		return "", model.KeyError(model.ErrDocumentNotFound, key, nil)
	}
	m.tokens++
	token := fmt.Sprintf("%s#%d", key, m.tokens)
	m.archives[token] = memoryDocument{snapshot: append([]byte(nil), doc.snapshot...), seq: doc.seq}
	return token, nil
}

// Prune implements data.Archiver by dropping every other archive of key.
func (m *MemoryData) Prune(ctx context.Context, key model.Key, keep string) error {
	if err := m.enter(ctx, OpPrune); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := key.String() + "#"
	for token := range m.archives {
		if token != keep && strings.HasPrefix(token, prefix) {
			delete(m.archives, token)
		}
	}
	return nil
}

// HasArchive reports whether token can still be restored.
func (m *MemoryData) HasArchive(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.archives[token]
	return ok
}

// Restore implements data.Archiver.
func (m *MemoryData) Restore(ctx context.Context, key model.Key, archiveKey string) error {
	if err := m.enter(ctx, OpRestore); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	archived, ok := m.archives[archiveKey]
	if !ok {
		return model.KeyError(model.ErrRestoreFailed, key, fmt.Errorf("archive %q not found", archiveKey))
	}
	m.docs[key] = &memoryDocument{snapshot: append([]byte(nil), archived.snapshot...), seq: archived.seq}
	return nil
}

// Seed stores a document directly, bypassing faults.
func (m *MemoryData) Seed(key model.Key, snapshot string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key] = &memoryDocument{snapshot: []byte(snapshot), seq: 1, reads: 1}
}

// SeedArchive stores an archive directly and returns its token.
func (m *MemoryData) SeedArchive(key model.Key, snapshot string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens++
	token := fmt.Sprintf("%s#%d", key, m.tokens)
	m.archives[token] = memoryDocument{snapshot: []byte(snapshot), seq: 1}
	return token
}

// Has reports whether key is stored locally.
func (m *MemoryData) Has(key model.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.docs[key]
	return ok
}

// Snapshot returns the materialized document, or "" when absent.
func (m *MemoryData) Snapshot(key model.Key) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.docs[key]; ok {
		return string(doc.snapshot)
	}
	return ""
}

// Updates returns every update written for key in write order.
func (m *MemoryData) Updates(key model.Key) []data.RemoteDocumentUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]data.RemoteDocumentUpdate(nil), m.patches[key]...)
}

func activeFor(key model.Key, update data.RemoteDocumentUpdate) *data.ActiveKey {
	if !update.RequiresFutureInvalidation {
		return nil
	}
	return &data.ActiveKey{Key: key, After: update.WhenToInvalidate}
}

// MemoryFinder is an in-memory data.Finder with the same compare-and-swap
// binding rules as the SQLite directory.
type MemoryFinder struct {
	*faults

	mu      sync.Mutex
	records map[model.Key]data.FinderResult
}

var _ data.Finder = (*MemoryFinder)(nil)

// NewMemoryFinder creates an empty directory.
func NewMemoryFinder() *MemoryFinder {
	return &MemoryFinder{faults: newFaults(), records: map[model.Key]data.FinderResult{}}
}

// Find implements data.Finder.
func (f *MemoryFinder) Find(ctx context.Context, key model.Key) (*data.FinderResult, error) {
	if err := f.enter(ctx, OpFind); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[key]
	if !ok {
		return nil, model.KeyError(model.ErrDocumentNotFound, key, nil)
	}
	return &r, nil
}

// Bind implements data.Finder.
func (f *MemoryFinder) Bind(ctx context.Context, key model.Key, region, machine string) error {
	if err := f.enter(ctx, OpBind); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[key]
	if ok && r.Location == data.LocationMachine && !r.OnMachine(region, machine) {
		return model.KeyError(model.ErrBindFailed, key, nil)
	}
	r.Location = data.LocationMachine
	r.Region = region
	r.Machine = machine
	f.records[key] = r
	return nil
}

// Backup implements data.Finder.
func (f *MemoryFinder) Backup(ctx context.Context, key model.Key, archiveKey, machine string) error {
	if err := f.enter(ctx, OpBackup); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[key]
	if !ok || r.Location != data.LocationMachine || r.Machine != machine {
		return model.KeyError(model.ErrWrongMachine, key, nil)
	}
	r.Archive = archiveKey
	f.records[key] = r
	return nil
}

// Free implements data.Finder.
func (f *MemoryFinder) Free(ctx context.Context, key model.Key, machine string) error {
	if err := f.enter(ctx, OpFree); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[key]
	if !ok || r.Location != data.LocationMachine || r.Machine != machine {
		return model.KeyError(model.ErrWrongMachine, key, nil)
	}
	r.Location = data.LocationArchive
	r.Region = ""
	r.Machine = ""
	f.records[key] = r
	return nil
}

// Delete implements data.Finder.
func (f *MemoryFinder) Delete(ctx context.Context, key model.Key, machine string) error {
	if err := f.enter(ctx, OpDelete); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[key]
	if !ok {
		return nil
	}
	if r.Location == data.LocationMachine && r.Machine != machine {
		return model.KeyError(model.ErrWrongMachine, key, nil)
	}
	delete(f.records, key)
	return nil
}

// List implements data.Finder.
func (f *MemoryFinder) List(ctx context.Context, machine string) ([]model.Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := []model.Key{}
	for k, r := range f.records {
		if r.Location == data.LocationMachine && r.Machine == machine {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys, nil
}

// Put writes a record directly, bypassing faults and binding rules.
func (f *MemoryFinder) Put(key model.Key, r data.FinderResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[key] = r
}

// Record returns the stored record for key.
func (f *MemoryFinder) Record(key model.Key) (data.FinderResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[key]
	return r, ok
}
