package service

import (
	"context"
	"reflect"

	"vcvault/internal/credstore/models"
	"vcvault/internal/credstore/tracer"
	dErrors "vcvault/pkg/domain-errors"
)

// Mutator reconciles an incoming credential with the already-stored document
// during an upsert conflict. It receives copies and returns the document to
// write; the write still goes through the store's sequence check.
type Mutator func(existing models.Document, credential models.Credential, meta models.Meta) (models.Document, error)

// InsertRequest creates a credential document, optionally with nested bundle
// contents. A credential without a content id is written directly under a
// fresh store handle; with one, insertion is idempotent (delegates to the
// upsert engine).
type InsertRequest struct {
	Credential     models.Credential
	Meta           *models.Meta
	BundleContents []BundleEntry
}

// UpsertRequest creates or updates a credential document keyed by its
// application id. A nil Mutator selects the merging default; Overwrite
// selects full replacement of content and meta instead.
type UpsertRequest struct {
	Credential     models.Credential
	Meta           *models.Meta
	Mutator        Mutator
	Overwrite      bool
	BundleContents []BundleEntry
}

// Insert stores a credential and links any bundle contents beneath it.
func (s *Service) Insert(ctx context.Context, req InsertRequest) (models.Document, error) {
	ctx, span := s.tracer.Start(ctx, tracer.SpanInsert)
	var err error
	defer func() { span.End(err) }()

	if req.Credential == nil {
		err = dErrors.New(dErrors.CodeInvalidInput, "credential required")
		return models.Document{}, err
	}
	if err = validateBundleEntries(req.BundleContents); err != nil {
		return models.Document{}, err
	}

	appID, hasID := req.Credential.ID()
	if len(req.BundleContents) > 0 && !hasID {
		err = dErrors.New(dErrors.CodeInvalidInput,
			"a credential with bundle contents must have a content id")
		return models.Document{}, err
	}

	var doc models.Document
	if hasID {
		doc, err = s.upsert(ctx, req.Credential, req.Meta, nil, false, len(req.BundleContents) > 0)
	} else {
		doc, err = s.insertNew(ctx, req.Credential, req.Meta)
	}
	if err != nil {
		return models.Document{}, err
	}
	if len(req.BundleContents) > 0 {
		// The top document is already written, so a failure below leaves an
		// orphaned-but-deletable bundle root rather than unreachable children.
		if err = s.upsertBundleContents(ctx, appID, req.BundleContents); err != nil {
			return models.Document{}, err
		}
	}
	s.countOp("insert")
	return doc, nil
}

// Upsert creates or updates a credential document and links any bundle
// contents beneath it.
func (s *Service) Upsert(ctx context.Context, req UpsertRequest) (models.Document, error) {
	ctx, span := s.tracer.Start(ctx, tracer.SpanUpsert)
	var err error
	defer func() { span.End(err) }()

	if req.Credential == nil {
		err = dErrors.New(dErrors.CodeInvalidInput, "credential required")
		return models.Document{}, err
	}
	if req.Mutator != nil && req.Overwrite {
		err = dErrors.New(dErrors.CodeInvalidInput, "mutator and overwrite are mutually exclusive")
		return models.Document{}, err
	}
	if err = validateBundleEntries(req.BundleContents); err != nil {
		return models.Document{}, err
	}

	appID, hasID := req.Credential.ID()
	if !hasID {
		err = dErrors.New(dErrors.CodeInvalidInput, "credential content id required for upsert")
		return models.Document{}, err
	}

	doc, err := s.upsert(ctx, req.Credential, req.Meta, req.Mutator, req.Overwrite, len(req.BundleContents) > 0)
	if err != nil {
		return models.Document{}, err
	}
	if len(req.BundleContents) > 0 {
		if err = s.upsertBundleContents(ctx, appID, req.BundleContents); err != nil {
			return models.Document{}, err
		}
	}
	s.countOp("upsert")
	return doc, nil
}

// upsert is the optimistic new-first engine: assume the credential is new and
// create it at sequence 0; on a duplicate or stale conflict re-fetch by
// application id, mutate, and retry the update. A document deleted between
// the conflict and the re-fetch flips the loop back to creation.
func (s *Service) upsert(
	ctx context.Context,
	credential models.Credential,
	meta *models.Meta,
	mutator Mutator,
	overwrite bool,
	bundle bool,
) (models.Document, error) {
	appID, ok := credential.ID()
	if !ok {
		return models.Document{}, dErrors.New(dErrors.CodeInvalidInput,
			"credential content id required for upsert")
	}
	base, err := s.buildMeta(credential, meta, bundle)
	if err != nil {
		return models.Document{}, err
	}
	if mutator == nil {
		if overwrite {
			mutator = overwriteMutator
		} else {
			mutator = s.mergeMutator
		}
	}

	var existing *models.Document
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			s.countRetry("upsert")
		}
		if existing == nil {
			doc, insertErr := s.tryInsert(ctx, credential, base)
			if insertErr == nil {
				return doc, nil
			}
			if !dErrors.HasCode(insertErr, dErrors.CodeConflict) {
				return models.Document{}, insertErr
			}
		} else {
			mutated, mutErr := mutator(existing.Clone(), credential, base.Clone())
			if mutErr != nil {
				return models.Document{}, mutErr
			}
			mutated.Meta.Updated = s.now()
			updated, updateErr := s.store.Update(ctx, mutated)
			if updateErr == nil {
				return updated, nil
			}
			if !dErrors.HasCode(updateErr, dErrors.CodeConflict) {
				return models.Document{}, updateErr
			}
		}

		// Conflict: somebody else won the race. Re-fetch to decide whether
		// the next attempt creates or updates.
		doc, fetchErr := s.getByAppID(ctx, appID)
		switch {
		case fetchErr == nil:
			existing = &doc
		case dErrors.HasCode(fetchErr, dErrors.CodeNotFound):
			existing = nil
		default:
			return models.Document{}, fetchErr
		}
	}
	return models.Document{}, dErrors.New(dErrors.CodeRetryExhausted,
		"upsert retries exhausted for credential "+appID)
}

// insertNew writes a credential that has no application id. There is no
// logical key to converge on, so there is nothing to retry.
func (s *Service) insertNew(ctx context.Context, credential models.Credential, meta *models.Meta) (models.Document, error) {
	base, err := s.buildMeta(credential, meta, false)
	if err != nil {
		return models.Document{}, err
	}
	return s.tryInsert(ctx, credential, base)
}

func (s *Service) tryInsert(ctx context.Context, credential models.Credential, meta models.Meta) (models.Document, error) {
	id, err := s.store.GenerateID(ctx)
	if err != nil {
		return models.Document{}, err
	}
	m := meta.Clone()
	now := s.now()
	m.Created = now
	m.Updated = now
	return s.store.Insert(ctx, models.Document{
		ID:       id,
		Sequence: 0,
		Content:  credential.Clone(),
		Meta:     m,
	})
}

// buildMeta derives default metadata from the credential: the issuer is
// extracted from the payload when the caller did not supply one.
func (s *Service) buildMeta(credential models.Credential, meta *models.Meta, bundle bool) (models.Meta, error) {
	var m models.Meta
	if meta != nil {
		m = meta.Clone()
	}
	if m.Issuer == "" {
		issuer, err := credential.Issuer()
		if err != nil {
			return models.Meta{}, err
		}
		m.Issuer = issuer
	}
	if bundle {
		m.Bundle = true
	}
	return m, nil
}

// mergeMutator is the default conflict reconciliation: merge metadata into
// the stored document, union the bundledBy sets, keep an explicit
// dependent:false sticky, and preserve diverging content rather than
// overwrite it.
func (s *Service) mergeMutator(doc models.Document, credential models.Credential, meta models.Meta) (models.Document, error) {
	if !reflect.DeepEqual(doc.Content, credential) {
		appID, _ := credential.ID()
		s.log().Warn("credential content differs from stored copy; keeping stored content",
			"credential_id", appID,
			"doc_id", doc.ID,
		)
	}
	if meta.Issuer != "" {
		doc.Meta.Issuer = meta.Issuer
	}
	doc.Meta.Displayable = doc.Meta.Displayable || meta.Displayable
	doc.Meta.Bundle = doc.Meta.Bundle || meta.Bundle
	doc.Meta.AddBundledBy(meta.BundledBy...)
	if !doc.Meta.Independent() && meta.Dependent != nil {
		doc.Meta.Dependent = meta.Dependent
	}
	return doc, nil
}

// overwriteMutator replaces content and meta wholesale, keeping only the
// creation timestamp.
func overwriteMutator(doc models.Document, credential models.Credential, meta models.Meta) (models.Document, error) {
	created := doc.Meta.Created
	doc.Content = credential.Clone()
	doc.Meta = meta.Clone()
	doc.Meta.Created = created
	return doc, nil
}

func (s *Service) countOp(op string) {
	if s.metrics != nil {
		s.metrics.RecordOperation(op)
	}
}

func (s *Service) countRetry(op string) {
	if s.metrics != nil {
		s.metrics.RecordRetry(op)
	}
}
