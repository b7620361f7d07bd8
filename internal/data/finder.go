package data

import (
	"context"

	"github.com/roach88/livedoc/internal/model"
)

// LocationKind says where a document lives.
type LocationKind int

const (
	// LocationMachine means a machine holds the live binding.
	LocationMachine LocationKind = 1

	// LocationArchive means no machine holds it; it lives in cold storage.
	LocationArchive LocationKind = 2
)

func (k LocationKind) String() string {
	switch k {
	case LocationMachine:
		return "machine"
	case LocationArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// FinderResult is a directory record.
type FinderResult struct {
	Location LocationKind
	Region   string
	Machine  string
	Archive  string
}

// OnMachine reports whether the record binds the document to region/machine.
func (r *FinderResult) OnMachine(region, machine string) bool {
	return r.Location == LocationMachine && r.Region == region && r.Machine == machine
}

// Finder is the directory mapping documents to their live machine or archive.
type Finder interface {
	// Find returns the record for key. ErrDocumentNotFound if there is none.
	Find(ctx context.Context, key model.Key) (*FinderResult, error)

	// Bind makes region/machine the live owner. It succeeds when the document
	// is unbound, archived, or already owned by the same region/machine;
	// otherwise ErrBindFailed.
	Bind(ctx context.Context, key model.Key, region, machine string) error

	// Backup records a new archive token for a document owned by machine.
	Backup(ctx context.Context, key model.Key, archiveKey, machine string) error

	// Free releases machine's live binding, leaving the archive pointer.
	Free(ctx context.Context, key model.Key, machine string) error

	// Delete removes the record if machine owns it.
	Delete(ctx context.Context, key model.Key, machine string) error

	// List returns the documents bound to machine.
	List(ctx context.Context, machine string) ([]model.Key, error)
}
