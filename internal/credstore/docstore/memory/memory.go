// Package memory provides an in-memory docstore.Store for tests or local use.
// It enforces the same uniqueness and sequence discipline as the remote
// adapters, which is what the upsert and delete retry loops depend on.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"vcvault/internal/credstore/docstore"
	"vcvault/internal/credstore/models"
	dErrors "vcvault/pkg/domain-errors"
)

// Store is an in-memory implementation of docstore.Store. It is safe for
// concurrent access but does not persist across process restarts.
type Store struct {
	mu      sync.RWMutex
	docs    map[string]models.Document
	indexes map[string]docstore.IndexSpec
}

// New constructs an empty in-memory document store.
func New() *Store {
	return &Store{
		docs:    make(map[string]models.Document),
		indexes: make(map[string]docstore.IndexSpec),
	}
}

var _ docstore.Store = (*Store)(nil)

// EnsureIndex records the index declaration. Redeclaring an attribute with a
// different uniqueness is rejected, mirroring remote stores.
func (s *Store) EnsureIndex(_ context.Context, spec docstore.IndexSpec) error {
	if spec.Attribute == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "index attribute required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.indexes[spec.Attribute]; ok && existing.Unique != spec.Unique {
		return dErrors.New(dErrors.CodeInvalidInput,
			fmt.Sprintf("index %q already declared with different uniqueness", spec.Attribute))
	}
	s.indexes[spec.Attribute] = spec
	return nil
}

// Find returns copies of all documents matching any clause of the query.
func (s *Store) Find(_ context.Context, q docstore.Query) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, clause := range q.Equals {
		for path := range clause {
			if path == docstore.AttrID {
				continue
			}
			if _, ok := s.indexes[path]; !ok {
				return nil, dErrors.New(dErrors.CodeInvalidInput,
					fmt.Sprintf("attribute %q is not indexed", path))
			}
		}
	}

	var out []models.Document
	for _, doc := range s.docs {
		if matchesAny(doc, q.Equals) {
			out = append(out, doc.Clone())
			if q.Limit > 0 && len(out) >= q.Limit {
				break
			}
		}
	}
	return out, nil
}

// Insert stores a new document with the sequence the caller supplied.
func (s *Store) Insert(_ context.Context, doc models.Document) (models.Document, error) {
	if doc.ID == "" {
		return models.Document{}, dErrors.New(dErrors.CodeInvalidInput, "document id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[doc.ID]; exists {
		return models.Document{}, dErrors.Wrap(docstore.ErrDuplicate, dErrors.CodeConflict,
			fmt.Sprintf("document %s already exists", doc.ID))
	}
	if err := s.checkUnique(doc); err != nil {
		return models.Document{}, err
	}
	s.docs[doc.ID] = doc.Clone()
	return doc.Clone(), nil
}

// Update overwrites the stored document when the sequence matches, then
// advances it.
func (s *Store) Update(_ context.Context, doc models.Document) (models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.docs[doc.ID]
	if !exists {
		return models.Document{}, dErrors.Wrap(docstore.ErrInvalidState, dErrors.CodeConflict,
			fmt.Sprintf("document %s does not exist", doc.ID))
	}
	if stored.Sequence != doc.Sequence {
		return models.Document{}, dErrors.Wrap(docstore.ErrInvalidState, dErrors.CodeConflict,
			fmt.Sprintf("document %s sequence is stale", doc.ID))
	}
	if err := s.checkUnique(doc); err != nil {
		return models.Document{}, err
	}
	next := doc.Clone()
	next.Sequence++
	s.docs[doc.ID] = next
	return next.Clone(), nil
}

// Delete removes the document when present and the sequence matches.
func (s *Store) Delete(_ context.Context, doc models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.docs[doc.ID]
	if !exists {
		return dErrors.Wrap(docstore.ErrNotFound, dErrors.CodeNotFound,
			fmt.Sprintf("document %s does not exist", doc.ID))
	}
	if stored.Sequence != doc.Sequence {
		return dErrors.Wrap(docstore.ErrInvalidState, dErrors.CodeConflict,
			fmt.Sprintf("document %s sequence is stale", doc.ID))
	}
	delete(s.docs, doc.ID)
	return nil
}

// GenerateID returns a fresh opaque handle.
func (s *Store) GenerateID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}

// Len reports the number of stored documents. Test helper.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// checkUnique enforces unique indexes against all other stored documents.
// Caller holds the write lock.
func (s *Store) checkUnique(doc models.Document) error {
	for attr, spec := range s.indexes {
		if !spec.Unique {
			continue
		}
		values := docstore.AttributeValues(doc, attr)
		if len(values) == 0 {
			continue
		}
		for id, other := range s.docs {
			if id == doc.ID {
				continue
			}
			for _, v := range values {
				if contains(docstore.AttributeValues(other, attr), v) {
					return dErrors.Wrap(docstore.ErrDuplicate, dErrors.CodeConflict,
						fmt.Sprintf("duplicate value for unique attribute %q", attr))
				}
			}
		}
	}
	return nil
}

func matchesAny(doc models.Document, clauses []docstore.Clause) bool {
	for _, clause := range clauses {
		if matches(doc, clause) {
			return true
		}
	}
	return false
}

func matches(doc models.Document, clause docstore.Clause) bool {
	for path, want := range clause {
		if !contains(docstore.AttributeValues(doc, path), want) {
			return false
		}
	}
	return true
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
