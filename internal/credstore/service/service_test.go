package service

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/suite"

	"vcvault/internal/credstore/docstore/memory"
	"vcvault/internal/credstore/models"
	dErrors "vcvault/pkg/domain-errors"
)

type ServiceSuite struct {
	suite.Suite
	ctx     context.Context
	store   *memory.Store
	service *Service
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memory.New()
	svc, err := New(s.ctx, s.store,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.Require().NoError(err)
	s.service = svc
}

func cred(id string, extra ...any) models.Credential {
	c := models.Credential{
		"id":     id,
		"type":   []any{"VerifiableCredential"},
		"issuer": "did:example:issuer",
	}
	for i := 0; i+1 < len(extra); i += 2 {
		c[extra[i].(string)] = extra[i+1]
	}
	return c
}

func (s *ServiceSuite) TestInsertAndGetRoundTrip() {
	doc, err := s.service.Insert(s.ctx, InsertRequest{Credential: cred("cred-1")})
	s.Require().NoError(err)
	s.NotEmpty(doc.ID)
	s.Equal("did:example:issuer", doc.Meta.Issuer)
	s.False(doc.Meta.Created.IsZero())

	got, err := s.service.Get(s.ctx, "cred-1")
	s.Require().NoError(err)
	s.Equal(doc.ID, got.ID)
	s.Equal(doc.Content, got.Content)

	byHandle, err := s.service.GetByDocID(s.ctx, doc.ID)
	s.Require().NoError(err)
	s.Equal(got.Content, byHandle.Content)
}

func (s *ServiceSuite) TestInsertWithoutContentID() {
	doc, err := s.service.Insert(s.ctx, InsertRequest{
		Credential: models.Credential{"type": []any{"VerifiableCredential"}, "issuer": "did:example:issuer"},
	})
	s.Require().NoError(err)
	s.NotEmpty(doc.ID)

	again, err := s.service.Insert(s.ctx, InsertRequest{
		Credential: models.Credential{"type": []any{"VerifiableCredential"}, "issuer": "did:example:issuer"},
	})
	s.Require().NoError(err)
	s.NotEqual(doc.ID, again.ID, "credentials without a content id never converge")
}

func (s *ServiceSuite) TestInsertNilCredential() {
	_, err := s.service.Insert(s.ctx, InsertRequest{})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func (s *ServiceSuite) TestGetUnknown() {
	_, err := s.service.Get(s.ctx, "absent")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestUpsertIsIdempotent() {
	first, err := s.service.Upsert(s.ctx, UpsertRequest{Credential: cred("cred-1")})
	s.Require().NoError(err)

	second, err := s.service.Upsert(s.ctx, UpsertRequest{Credential: cred("cred-1")})
	s.Require().NoError(err)
	s.Equal(first.ID, second.ID)
	s.Equal(1, s.store.Len())
}

func (s *ServiceSuite) TestUpsertMergesMeta() {
	_, err := s.service.Upsert(s.ctx, UpsertRequest{
		Credential: cred("cred-1"),
		Meta:       &models.Meta{Displayable: true},
	})
	s.Require().NoError(err)

	doc, err := s.service.Upsert(s.ctx, UpsertRequest{
		Credential: cred("cred-1"),
		Meta:       &models.Meta{BundledBy: []string{"bundle-1"}},
	})
	s.Require().NoError(err)
	s.True(doc.Meta.Displayable, "displayable merges by or")
	s.Equal([]string{"bundle-1"}, doc.Meta.BundledBy)
}

func (s *ServiceSuite) TestUpsertKeepsStoredContentOnDivergence() {
	_, err := s.service.Upsert(s.ctx, UpsertRequest{Credential: cred("cred-1", "claim", "original")})
	s.Require().NoError(err)

	doc, err := s.service.Upsert(s.ctx, UpsertRequest{Credential: cred("cred-1", "claim", "changed")})
	s.Require().NoError(err)
	s.Equal("original", doc.Content["claim"])
}

func (s *ServiceSuite) TestUpsertOverwriteReplacesContent() {
	first, err := s.service.Upsert(s.ctx, UpsertRequest{Credential: cred("cred-1", "claim", "original")})
	s.Require().NoError(err)

	doc, err := s.service.Upsert(s.ctx, UpsertRequest{
		Credential: cred("cred-1", "claim", "changed"),
		Overwrite:  true,
	})
	s.Require().NoError(err)
	s.Equal("changed", doc.Content["claim"])
	s.Equal(first.Meta.Created, doc.Meta.Created, "overwrite preserves creation time")
}

func (s *ServiceSuite) TestUpsertMutatorAndOverwriteExclusive() {
	_, err := s.service.Upsert(s.ctx, UpsertRequest{
		Credential: cred("cred-1"),
		Overwrite:  true,
		Mutator: func(existing models.Document, _ models.Credential, _ models.Meta) (models.Document, error) {
			return existing, nil
		},
	})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func (s *ServiceSuite) TestUpsertRequiresContentID() {
	_, err := s.service.Upsert(s.ctx, UpsertRequest{
		Credential: models.Credential{"issuer": "did:example:issuer"},
	})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func (s *ServiceSuite) TestDependentFalseIsSticky() {
	_, err := s.service.Upsert(s.ctx, UpsertRequest{
		Credential: cred("cred-1"),
		Meta:       &models.Meta{Dependent: models.Bool(false)},
	})
	s.Require().NoError(err)

	doc, err := s.service.Upsert(s.ctx, UpsertRequest{
		Credential: cred("cred-1"),
		Meta:       &models.Meta{Dependent: models.Bool(true)},
	})
	s.Require().NoError(err)
	s.True(doc.Meta.Independent(), "an explicit dependent:false survives later merges")
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}
