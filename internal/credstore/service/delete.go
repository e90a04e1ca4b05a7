package service

import (
	"context"
	"sort"

	"vcvault/internal/credstore/models"
	"vcvault/internal/credstore/tracer"
	dErrors "vcvault/pkg/domain-errors"
)

// DeleteRequest targets a credential by application id or store handle.
// DeleteBundle (default true) cascades through the bundle closure; Force
// bypasses the bundle-graph safety constraints.
type DeleteRequest struct {
	ID           string
	DocID        string
	DeleteBundle *bool
	Force        bool
}

// DeleteResult reports whether the target was deleted, the document as last
// seen, and the (possibly mutated) bundle closure that was processed.
type DeleteResult struct {
	Deleted bool
	Doc     *models.Document
	Bundle  *models.Bundle
}

// Delete removes a credential and, when it is a bundle root, unlinks or
// cascade-deletes its contents first. The whole attempt is retried when a
// concurrent modification is detected mid-flight; each retry re-resolves the
// target and the closure from the store, so repeated invocations converge on
// the target-absent end state.
func (s *Service) Delete(ctx context.Context, req DeleteRequest) (DeleteResult, error) {
	ctx, span := s.tracer.Start(ctx, tracer.SpanDelete,
		tracer.String(tracer.AttrCredentialID, req.ID),
		tracer.Bool(tracer.AttrForce, req.Force),
	)
	var err error
	defer func() { span.End(err) }()

	if req.ID == "" && req.DocID == "" {
		err = dErrors.New(dErrors.CodeInvalidInput, "credential id or document id required")
		return DeleteResult{}, err
	}
	deleteBundle := req.DeleteBundle == nil || *req.DeleteBundle

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			s.countRetry("delete")
		}
		var res DeleteResult
		res, err = s.deleteOnce(ctx, req, deleteBundle)
		if err != nil && dErrors.HasCode(err, dErrors.CodeConflict) {
			continue
		}
		if err == nil {
			s.countOp("delete")
		}
		return res, err
	}
	err = dErrors.New(dErrors.CodeRetryExhausted, "delete retries exhausted")
	return DeleteResult{}, err
}

// deleteOnce is one pass of the deletion state machine:
// resolve, load closure, constraint-check, cascade, delete target. A
// NotFound anywhere collapses to the best currently-known result, because a
// missing target is the desired end state.
func (s *Service) deleteOnce(ctx context.Context, req DeleteRequest, deleteBundle bool) (DeleteResult, error) {
	doc, err := s.resolveTarget(ctx, req)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return DeleteResult{Deleted: false}, nil
		}
		return DeleteResult{}, err
	}

	// A credential still bundled by others cannot be deleted out from under
	// its parents.
	if len(doc.Meta.BundledBy) > 0 && !req.Force {
		return DeleteResult{}, dErrors.New(dErrors.CodeConstraintViolation,
			"credential is bundled by other credentials; delete the bundling credentials first")
	}

	closure, err := s.loadBundle(ctx, doc)
	if err != nil {
		return DeleteResult{}, err
	}

	cascaded := false
	if closure.Bundle != nil && len(closure.Bundle.Contents) > 0 {
		if !deleteBundle && !req.Force {
			return DeleteResult{}, dErrors.New(dErrors.CodeConstraintViolation,
				"other credentials are bundled by this credential")
		}
		if deleteBundle {
			if err := s.deleteBundledDocs(ctx, closure.Bundle); err != nil {
				return DeleteResult{}, err
			}
			cascaded = true
		}
	}

	if err := s.store.Delete(ctx, doc); err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			// Already gone; report whatever bundle work this call performed.
			return DeleteResult{Deleted: cascaded, Bundle: closure.Bundle}, nil
		}
		return DeleteResult{}, err
	}
	return DeleteResult{Deleted: true, Doc: &doc, Bundle: closure.Bundle}, nil
}

func (s *Service) resolveTarget(ctx context.Context, req DeleteRequest) (models.Document, error) {
	if req.ID != "" {
		return s.getByAppID(ctx, req.ID)
	}
	return s.GetByDocID(ctx, req.DocID)
}

// cascadeOp is the single scheduled operation for one document in the
// cascade. Operations are deduplicated per store handle; a document reached
// through several bundles accumulates every parent id to remove.
type cascadeOp struct {
	doc           models.Document
	removeParents map[string]struct{}
	del           bool
	isBundle      bool
	order         int
}

// deleteBundledDocs descends breadth-first through the closure tree, removing
// each processed bundle's id from its children's bundledBy sets. A child with
// remaining parents is merely updated; a parentless dependent child is
// deleted and, if it is a bundle itself, its own contents cascade; a
// parentless independent child is unlinked and preserved.
//
// Non-bundle operations run concurrently best-effort; failures that are all
// concurrency conflicts collapse to one conflict so the enclosing retry loop
// re-runs the whole delete, while any other failure aborts the cascade.
// Bundle documents are processed serially in traversal order so a bundle is
// never removed while a sibling cascade still unlinks through it.
func (s *Service) deleteBundledDocs(ctx context.Context, root *models.Bundle) error {
	ops := map[string]*cascadeOp{}
	processed := map[string]bool{root.ID: true}
	queue := []*models.Bundle{root}
	nextOrder := 0

	for len(queue) > 0 {
		bundle := queue[0]
		queue = queue[1:]
		for _, item := range bundle.Contents {
			op, ok := ops[item.Doc.ID]
			if !ok {
				op = &cascadeOp{
					doc:           item.Doc,
					removeParents: map[string]struct{}{},
					isBundle:      item.Bundle != nil,
					order:         nextOrder,
				}
				nextOrder++
				ops[item.Doc.ID] = op
			}
			op.removeParents[bundle.ID] = struct{}{}

			remaining := remainingParents(item.Doc.Meta.BundledBy, op.removeParents)
			if len(remaining) == 0 && !item.Doc.Meta.Independent() {
				op.del = true
				if item.Bundle != nil && !processed[item.Bundle.ID] {
					processed[item.Bundle.ID] = true
					queue = append(queue, item.Bundle)
				}
			}
		}
	}

	var plain, bundles []*cascadeOp
	for _, op := range ops {
		if op.isBundle {
			bundles = append(bundles, op)
		} else {
			plain = append(plain, op)
		}
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].order < bundles[j].order })

	tasks := make([]func(context.Context) error, 0, len(plain))
	for _, op := range plain {
		op := op
		tasks = append(tasks, func(ctx context.Context) error {
			return s.applyCascadeOp(ctx, op)
		})
	}
	if err := s.runOps(ctx, tasks, false); err != nil {
		if conflictsOnly(err) {
			return dErrors.Wrap(err, dErrors.CodeConflict,
				"bundle contents changed concurrently")
		}
		return err
	}

	for _, op := range bundles {
		if err := s.applyCascadeOp(ctx, op); err != nil {
			return err
		}
	}
	return nil
}

// applyCascadeOp executes one scheduled unlink/delete. NotFound is swallowed:
// the document being gone is exactly the state the cascade drives toward.
func (s *Service) applyCascadeOp(ctx context.Context, op *cascadeOp) error {
	if op.del {
		if err := s.store.Delete(ctx, op.doc); err != nil && !dErrors.HasCode(err, dErrors.CodeNotFound) {
			return err
		}
		s.countCascade("delete")
		return nil
	}
	doc := op.doc.Clone()
	parents := make([]string, 0, len(op.removeParents))
	for p := range op.removeParents {
		parents = append(parents, p)
	}
	doc.Meta.RemoveBundledBy(parents...)
	doc.Meta.Updated = s.now()
	if _, err := s.store.Update(ctx, doc); err != nil && !dErrors.HasCode(err, dErrors.CodeNotFound) {
		return err
	}
	s.countCascade("update")
	return nil
}

func remainingParents(bundledBy []string, removed map[string]struct{}) []string {
	var out []string
	for _, p := range bundledBy {
		if _, gone := removed[p]; !gone {
			out = append(out, p)
		}
	}
	return out
}

func (s *Service) countCascade(kind string) {
	if s.metrics != nil {
		s.metrics.RecordCascadeOp(kind)
	}
}
