// Package docstore defines the abstract contract the credential store
// consumes from its remote, encrypted document store. Adapters (memory, edv,
// dynamo) implement the same six operations with the same error discipline so
// the graph engines above can branch on domain error codes alone.
package docstore

//go:generate mockgen -source=docstore.go -destination=mocks/mocks.go -package=mocks Store

import (
	"context"

	"vcvault/internal/credstore/models"
	dErrors "vcvault/pkg/domain-errors"
)

// Sentinel store errors. Adapters return these (optionally wrapped) so the
// service layer translates storage failures into retry/surface decisions
// exactly once, via errors.Is / dErrors.HasCode.
var (
	// ErrNotFound signals the target document is absent.
	ErrNotFound = dErrors.New(dErrors.CodeNotFound, "document not found")

	// ErrDuplicate signals a unique-constrained attribute collided on insert.
	ErrDuplicate = dErrors.New(dErrors.CodeConflict, "duplicate document")

	// ErrInvalidState signals a stale write: the document's sequence no longer
	// matches the stored version, or the record vanished under an update.
	ErrInvalidState = dErrors.New(dErrors.CodeConflict, "stale document sequence")
)

// Attribute paths understood by all adapters. "id" addresses the store
// handle directly; the rest address indexed document attributes. Equality
// against a set-valued attribute (meta.bundledBy) matches any element.
const (
	AttrID          = "id"
	AttrContentID   = "content.id"
	AttrContentType = "content.type"
	AttrIssuer      = "meta.issuer"
	AttrBundledBy   = "meta.bundledBy"
	AttrDisplayable = "meta.displayable"
)

// IndexSpec declares an attribute that subsequent Find calls may filter on.
// Unique additionally enforces at most one document per attribute value.
type IndexSpec struct {
	Attribute string
	Unique    bool
}

// Clause is a conjunction of attribute-equality constraints.
type Clause map[string]string

// Query is a disjunction of clauses: a document matches when any clause's
// constraints all hold. Limit of 0 means no limit.
type Query struct {
	Equals []Clause
	Limit  int
}

// Store is the document store consumed by the credential store. All methods
// are safe for concurrent use. Implementations enforce uniqueness and
// sequence checks server-side; the core never locks.
type Store interface {
	// EnsureIndex idempotently declares an index. Failures are fatal at
	// construction time of the consuming service.
	EnsureIndex(ctx context.Context, spec IndexSpec) error

	// Find returns the documents matching the query.
	Find(ctx context.Context, q Query) ([]models.Document, error)

	// Insert stores a new document, failing with ErrDuplicate when a
	// unique-constrained attribute collides.
	Insert(ctx context.Context, doc models.Document) (models.Document, error)

	// Update overwrites the document iff doc.Sequence matches the stored
	// version, failing with ErrInvalidState on a stale sequence or a missing
	// record. The returned document carries the advanced sequence.
	Update(ctx context.Context, doc models.Document) (models.Document, error)

	// Delete removes the document, failing with ErrNotFound when absent and
	// ErrInvalidState when doc.Sequence is stale.
	Delete(ctx context.Context, doc models.Document) error

	// GenerateID returns a fresh opaque store handle.
	GenerateID(ctx context.Context) (string, error)
}
