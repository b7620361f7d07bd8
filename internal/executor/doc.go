// Package executor provides the single-goroutine shards that own document
// state.
//
// A Shard runs submitted tasks one at a time, in submission order, on its own
// goroutine. Everything that touches a shard's documents runs as a task on
// that shard, so document state needs no locks.
//
// Blocking work (storage, directory lookups, factory fetches) never runs on a
// shard. Await runs it on a separate goroutine and hands the outcome back to
// the shard as a new task:
//
//	executor.Await(shard, "document-load", func() (*data.LocalDocumentChange, error) {
//	    return store.Get(ctx, key)
//	}, func(change *data.LocalDocumentChange, err error) {
//	    // back on the shard goroutine
//	})
//
// Delayed tasks are associated with a key so they can be cancelled per key.
// A delayed task that fires after Shutdown is dropped.
package executor
