package data

import (
	"context"
	"time"

	"github.com/roach88/livedoc/internal/model"
)

// RemoteDocumentUpdate is one transaction's effect on a document, ready to be
// made durable.
type RemoteDocumentUpdate struct {
	// Who issued the request, when known.
	Who *model.Principal

	// Request is the canonical command envelope that produced the update.
	Request []byte

	// Redo turns the previous document into the new one.
	Redo []byte

	// Undo turns the new document back into the previous one.
	Undo []byte

	// RequiresFutureInvalidation asks the core to invalidate the document
	// again after WhenToInvalidate.
	RequiresFutureInvalidation bool
	WhenToInvalidate           time.Duration
}

// LocalDocumentChange is the materialized state of a document as read back
// from storage.
type LocalDocumentChange struct {
	// Patch is the full document as a JSON object.
	Patch []byte

	// Reads is the number of patch records folded into Patch.
	Reads int

	// Seq is the sequence number of the last applied patch.
	Seq int64
}

// ActiveKey is a document with a pending invalidation.
type ActiveKey struct {
	Key   model.Key
	After time.Duration
}

// Service is the durability store used by the core.
//
// Every method blocks; callers run them off the shard goroutine.
type Service interface {
	// Get returns the materialized document. ErrDocumentNotFound if absent.
	Get(ctx context.Context, key model.Key) (*LocalDocumentChange, error)

	// Initialize creates the document from its construction update.
	// ErrDocumentAlreadyCreated if it exists.
	Initialize(ctx context.Context, key model.Key, update RemoteDocumentUpdate) error

	// Patch appends updates in order and returns the new head sequence.
	// Transient failures are retried internally before an error surfaces.
	Patch(ctx context.Context, key model.Key, updates ...RemoteDocumentUpdate) (int64, error)

	// Delete removes the document and its history.
	Delete(ctx context.Context, key model.Key) error

	// ScanActive lists documents whose last update asked for a future
	// invalidation, with the time remaining until it is due.
	ScanActive(ctx context.Context) ([]ActiveKey, error)
}

// Archiver is a Service that can move a document to and from cold storage.
type Archiver interface {
	Service

	// Backup snapshots the document and returns an archive token.
	Backup(ctx context.Context, key model.Key) (string, error)

	// Prune drops archives the directory no longer needs. The archive keep
	// must survive.
	Prune(ctx context.Context, key model.Key, keep string) error

	// Restore replaces the local copy with the archived snapshot. It is safe
	// to call repeatedly with the same token.
	Restore(ctx context.Context, key model.Key, archiveKey string) error
}
