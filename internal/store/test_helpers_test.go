package store

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roach88/livedoc/internal/data"
	"github.com/roach88/livedoc/internal/model"
)

// testClock is a settable millisecond clock.
type testClock struct {
	ms atomic.Int64
}

func newTestClock(ms int64) *testClock {
	c := &testClock{}
	c.ms.Store(ms)
	return c
}

func (c *testClock) NowMilliseconds() int64 {
	return c.ms.Load()
}

func (c *testClock) Advance(d time.Duration) {
	c.ms.Add(d.Milliseconds())
}

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestFinder creates a new finder in a temp directory.
func createTestFinder(t *testing.T, region string) *Finder {
	t.Helper()
	path := filepath.Join(t.TempDir(), "finder.db")
	f, err := OpenFinder(path, region)
	if err != nil {
		t.Fatalf("OpenFinder() failed: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func update(redo, undo string) data.RemoteDocumentUpdate {
	who := model.NewPrincipal("alice", "local")
	return data.RemoteDocumentUpdate{
		Who:     &who,
		Request: []byte(`{"command":"test"}`),
		Redo:    []byte(redo),
		Undo:    []byte(undo),
	}
}
