package service

import (
	"context"

	"vcvault/internal/credstore/docstore"
	"vcvault/internal/credstore/models"
	"vcvault/internal/credstore/tracer"
	dErrors "vcvault/pkg/domain-errors"
)

// BundleEntry is one nested bundle-content declaration: a credential to
// upsert as content of its parent, with optional metadata, an optional
// dependence override, and optionally its own sub-bundle.
type BundleEntry struct {
	Credential     models.Credential
	Meta           *models.Meta
	Dependent      *bool
	BundleContents []BundleEntry
}

// BundleResult is the materialized closure of a bundle root: the tree of
// bundle nodes plus the flat list of every document reached during traversal.
// Bundle is nil when the target document is not a bundle.
type BundleResult struct {
	Bundle          *models.Bundle
	AllSubDocuments []models.Document
}

// validateBundleEntries enforces the structural rules for bundle contents:
// each entry carries a credential object, and an entry that declares its own
// sub-bundle must have an application id, because its children link back to
// it through bundledBy.
func validateBundleEntries(entries []BundleEntry) error {
	for _, entry := range entries {
		if entry.Credential == nil {
			return dErrors.New(dErrors.CodeInvalidInput, "bundle content credential required")
		}
		if len(entry.BundleContents) > 0 {
			if _, ok := entry.Credential.ID(); !ok {
				return dErrors.New(dErrors.CodeInvalidInput,
					"a bundle content with its own bundle contents must have a content id")
			}
			if err := validateBundleEntries(entry.BundleContents); err != nil {
				return err
			}
		}
	}
	return nil
}

// upsertBundleContents writes the children of one bundling credential with a
// bounded fan-out, first error aborting the remaining work. Each child gets
// the parent's id unioned into bundledBy and a dependence default of true;
// children that are bundles themselves recurse with their own contents.
func (s *Service) upsertBundleContents(ctx context.Context, parentID string, entries []BundleEntry) error {
	tasks := make([]func(context.Context) error, 0, len(entries))
	for _, entry := range entries {
		entry := entry
		tasks = append(tasks, func(ctx context.Context) error {
			return s.upsertBundleEntry(ctx, parentID, entry)
		})
	}
	return s.runOps(ctx, tasks, true)
}

func (s *Service) upsertBundleEntry(ctx context.Context, parentID string, entry BundleEntry) error {
	var m models.Meta
	if entry.Meta != nil {
		m = entry.Meta.Clone()
	}
	m.AddBundledBy(parentID)
	dependent := entry.Dependent == nil || *entry.Dependent
	m.Dependent = models.Bool(dependent)

	childID, hasID := entry.Credential.ID()
	if !hasID {
		// No logical key to converge on; link metadata rides along on a
		// direct insert.
		_, err := s.insertNew(ctx, entry.Credential, &m)
		return err
	}
	if _, err := s.upsert(ctx, entry.Credential, &m, nil, false, len(entry.BundleContents) > 0); err != nil {
		return err
	}
	if len(entry.BundleContents) > 0 {
		return s.upsertBundleContents(ctx, childID, entry.BundleContents)
	}
	return nil
}

// GetBundle loads the bundle closure rooted at the given application id.
// The closure is a best-effort snapshot: it is assembled from independent
// queries against a concurrently-mutated store, so a mutation racing the
// traversal can yield a transiently inconsistent tree. Callers rely on the
// idempotent, convergent mutation operations rather than on a consistent
// read.
func (s *Service) GetBundle(ctx context.Context, id string) (BundleResult, error) {
	ctx, span := s.tracer.Start(ctx, tracer.SpanGetBundle, tracer.String(tracer.AttrCredentialID, id))
	var err error
	defer func() { span.End(err) }()

	if id == "" {
		err = dErrors.New(dErrors.CodeInvalidInput, "credential id required")
		return BundleResult{}, err
	}
	doc, err := s.getByAppID(ctx, id)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			err = nil
			return BundleResult{}, nil
		}
		return BundleResult{}, err
	}
	var res BundleResult
	res, err = s.loadBundle(ctx, doc)
	return res, err
}

// loadBundle runs the breadth-first traversal for a document already in
// hand. Children are found by querying bundledBy for every id in the current
// frontier in one disjunctive query per round; bundle-rooted children open a
// new arena node and join the next frontier.
func (s *Service) loadBundle(ctx context.Context, doc models.Document) (BundleResult, error) {
	rootID, ok := doc.Content.ID()
	if !doc.Meta.Bundle || !ok {
		return BundleResult{}, nil
	}

	// Arena of bundle nodes keyed by application id. Children may be shared
	// between parents, so items reference nodes instead of owning them.
	arena := map[string]*models.Bundle{rootID: {ID: rootID}}
	seen := map[string]models.Document{}
	frontier := []string{rootID}

	for len(frontier) > 0 {
		clauses := make([]docstore.Clause, 0, len(frontier))
		for _, id := range frontier {
			clauses = append(clauses, docstore.Clause{docstore.AttrBundledBy: id})
		}
		docs, err := s.store.Find(ctx, docstore.Query{Equals: clauses})
		if err != nil {
			return BundleResult{}, err
		}

		frontier = frontier[:0]
		for _, child := range docs {
			if _, dup := seen[child.ID]; dup {
				continue
			}
			seen[child.ID] = child
			childID, hasID := child.Content.ID()
			if child.Meta.Bundle && hasID {
				if _, open := arena[childID]; !open {
					arena[childID] = &models.Bundle{ID: childID}
					frontier = append(frontier, childID)
				}
			}
		}
	}

	// Attach every retrieved document under every bundle node its bundledBy
	// set names. A document can legitimately appear under several parents.
	res := BundleResult{Bundle: arena[rootID]}
	for _, child := range seen {
		childID, hasID := child.Content.ID()
		var nested *models.Bundle
		if child.Meta.Bundle && hasID {
			nested = arena[childID]
		}
		for _, parentID := range child.Meta.BundledBy {
			parent, inClosure := arena[parentID]
			if !inClosure {
				continue
			}
			parent.Contents = append(parent.Contents, &models.BundleItem{Doc: child, Bundle: nested})
		}
		res.AllSubDocuments = append(res.AllSubDocuments, child)
	}
	if s.metrics != nil {
		s.metrics.ObserveBundleSize(len(res.AllSubDocuments))
	}
	return res, nil
}
