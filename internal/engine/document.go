package engine

import (
	"context"

	"github.com/roach88/livedoc/internal/data"
	"github.com/roach88/livedoc/internal/model"
)

// LivingDocument is the business logic behind one key.
//
// Implementations are not safe for concurrent use; the engine only calls
// them from the key's shard.
type LivingDocument interface {
	// Transact applies a command envelope and returns its durable effect.
	// An error means the document did not change.
	Transact(request []byte) (*Change, error)

	// SerializeAll returns the full document state.
	SerializeAll() ([]byte, error)

	// RestoreAll replaces the document state with a serialized one.
	RestoreAll(snapshot []byte) error

	// Usurp moves live views into next, which takes over this document.
	Usurp(next LivingDocument)

	// CanRemoveFromMemory reports whether the document is idle enough to
	// evict.
	CanRemoveFromMemory() bool

	// IsConnected reports whether who has joined.
	IsConnected(who model.Principal) bool

	// CreateView attaches a live viewer for who.
	CreateView(who model.Principal, p Perspective) (View, error)

	// GarbageCollectViews drops dead views of who and returns how many
	// remain.
	GarbageCollectViews(who model.Principal) int

	// NukeViews disconnects every viewer.
	NukeViews()

	// ReconcileClientsToForceDisconnect returns clients the document thinks
	// are connected but that have no view.
	ReconcileClientsToForceDisconnect() []model.Principal

	// CanAttach reports whether who may attach assets.
	CanAttach(who model.Principal) bool

	// CodeCost is the accumulated execution cost.
	CodeCost() int64
}

// Change is the result of one transaction.
type Change struct {
	Update data.RemoteDocumentUpdate

	// Complete runs once Update is durable; it publishes the change to
	// views.
	Complete func()
}

// Factory creates documents of one code version.
type Factory interface {
	Create(monitor DocumentMonitor) (LivingDocument, error)
}

// FactoryResolver finds the current code version for a key.
type FactoryResolver interface {
	Fetch(ctx context.Context, key model.Key) (Factory, error)
}

// DocumentMonitor receives per-document telemetry.
type DocumentMonitor interface {
	ObserveTransaction(command string)
}

// DeploymentMonitor receives the outcome of a deployment sweep per document.
type DeploymentMonitor interface {
	BumpDocument(changed bool)
	WitnessError(err error)
}

// Perspective receives what a viewer sees.
type Perspective interface {
	Data(json []byte)
	Disconnect()
}

// View is a live viewer attached to a document.
type View interface {
	Kill()
}
