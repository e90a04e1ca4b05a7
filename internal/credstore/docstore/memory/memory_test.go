package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"vcvault/internal/credstore/docstore"
	"vcvault/internal/credstore/models"
	dErrors "vcvault/pkg/domain-errors"
)

type MemoryStoreSuite struct {
	suite.Suite
	ctx   context.Context
	store *Store
}

func (s *MemoryStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = New()
	s.Require().NoError(s.store.EnsureIndex(s.ctx, docstore.IndexSpec{Attribute: docstore.AttrContentID, Unique: true}))
	s.Require().NoError(s.store.EnsureIndex(s.ctx, docstore.IndexSpec{Attribute: docstore.AttrBundledBy}))
}

func (s *MemoryStoreSuite) doc(id, appID string) models.Document {
	return models.Document{
		ID:      id,
		Content: models.Credential{"id": appID},
	}
}

func (s *MemoryStoreSuite) TestInsertAndFindRoundTrip() {
	_, err := s.store.Insert(s.ctx, s.doc("d1", "cred-1"))
	s.Require().NoError(err)

	docs, err := s.store.Find(s.ctx, docstore.Query{
		Equals: []docstore.Clause{{docstore.AttrContentID: "cred-1"}},
	})
	s.Require().NoError(err)
	s.Require().Len(docs, 1)
	s.Equal("d1", docs[0].ID)
	s.Equal(uint64(0), docs[0].Sequence)
}

func (s *MemoryStoreSuite) TestInsertDuplicateID() {
	_, err := s.store.Insert(s.ctx, s.doc("d1", "cred-1"))
	s.Require().NoError(err)

	_, err = s.store.Insert(s.ctx, s.doc("d1", "cred-2"))
	s.ErrorIs(err, docstore.ErrDuplicate)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *MemoryStoreSuite) TestInsertUniqueIndexViolation() {
	_, err := s.store.Insert(s.ctx, s.doc("d1", "cred-1"))
	s.Require().NoError(err)

	_, err = s.store.Insert(s.ctx, s.doc("d2", "cred-1"))
	s.ErrorIs(err, docstore.ErrDuplicate)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *MemoryStoreSuite) TestUpdateAdvancesSequence() {
	inserted, err := s.store.Insert(s.ctx, s.doc("d1", "cred-1"))
	s.Require().NoError(err)

	inserted.Content["extra"] = "x"
	updated, err := s.store.Update(s.ctx, inserted)
	s.Require().NoError(err)
	s.Equal(uint64(1), updated.Sequence)
}

func (s *MemoryStoreSuite) TestUpdateStaleSequence() {
	inserted, err := s.store.Insert(s.ctx, s.doc("d1", "cred-1"))
	s.Require().NoError(err)
	_, err = s.store.Update(s.ctx, inserted)
	s.Require().NoError(err)

	_, err = s.store.Update(s.ctx, inserted) // still sequence 0
	s.ErrorIs(err, docstore.ErrInvalidState)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *MemoryStoreSuite) TestUpdateMissingDocument() {
	_, err := s.store.Update(s.ctx, s.doc("ghost", "cred-1"))
	s.ErrorIs(err, docstore.ErrInvalidState)
}

func (s *MemoryStoreSuite) TestDelete() {
	inserted, err := s.store.Insert(s.ctx, s.doc("d1", "cred-1"))
	s.Require().NoError(err)

	s.Require().NoError(s.store.Delete(s.ctx, inserted))
	s.Equal(0, s.store.Len())

	err = s.store.Delete(s.ctx, inserted)
	s.ErrorIs(err, docstore.ErrNotFound)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *MemoryStoreSuite) TestDeleteStaleSequence() {
	inserted, err := s.store.Insert(s.ctx, s.doc("d1", "cred-1"))
	s.Require().NoError(err)
	_, err = s.store.Update(s.ctx, inserted)
	s.Require().NoError(err)

	err = s.store.Delete(s.ctx, inserted) // still sequence 0
	s.ErrorIs(err, docstore.ErrInvalidState)
}

func (s *MemoryStoreSuite) TestFindBundledByContainment() {
	doc := s.doc("d1", "cred-1")
	doc.Meta.BundledBy = []string{"parent-a", "parent-b"}
	_, err := s.store.Insert(s.ctx, doc)
	s.Require().NoError(err)

	for _, parent := range []string{"parent-a", "parent-b"} {
		docs, err := s.store.Find(s.ctx, docstore.Query{
			Equals: []docstore.Clause{{docstore.AttrBundledBy: parent}},
		})
		s.Require().NoError(err)
		s.Len(docs, 1)
	}
}

func (s *MemoryStoreSuite) TestFindDisjunctionDeduplicatesNothing() {
	doc := s.doc("d1", "cred-1")
	doc.Meta.BundledBy = []string{"parent-a"}
	_, err := s.store.Insert(s.ctx, doc)
	s.Require().NoError(err)

	docs, err := s.store.Find(s.ctx, docstore.Query{
		Equals: []docstore.Clause{
			{docstore.AttrBundledBy: "parent-a"},
			{docstore.AttrContentID: "cred-1"},
		},
	})
	s.Require().NoError(err)
	s.Len(docs, 1)
}

func (s *MemoryStoreSuite) TestFindUnindexedAttribute() {
	_, err := s.store.Find(s.ctx, docstore.Query{
		Equals: []docstore.Clause{{"content.someField": "x"}},
	})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func (s *MemoryStoreSuite) TestFindReturnsCopies() {
	_, err := s.store.Insert(s.ctx, s.doc("d1", "cred-1"))
	s.Require().NoError(err)

	docs, err := s.store.Find(s.ctx, docstore.Query{
		Equals: []docstore.Clause{{docstore.AttrContentID: "cred-1"}},
	})
	s.Require().NoError(err)
	docs[0].Content["id"] = "tampered"

	again, err := s.store.Find(s.ctx, docstore.Query{
		Equals: []docstore.Clause{{docstore.AttrContentID: "cred-1"}},
	})
	s.Require().NoError(err)
	s.Require().Len(again, 1)
}

func (s *MemoryStoreSuite) TestEnsureIndexUniquenessRedeclaration() {
	err := s.store.EnsureIndex(s.ctx, docstore.IndexSpec{Attribute: docstore.AttrContentID})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func (s *MemoryStoreSuite) TestGenerateIDIsUnique() {
	a, err := s.store.GenerateID(s.ctx)
	s.Require().NoError(err)
	b, err := s.store.GenerateID(s.ctx)
	s.Require().NoError(err)
	s.NotEqual(a, b)
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}
