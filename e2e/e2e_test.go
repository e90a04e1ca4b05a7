// Package e2e runs the credential store against the reference encrypted data
// vault over real HTTP: service logic, client-side encryption, blinded
// indexes, capability tokens, and the vault's concurrency control all in one
// stack.
package e2e

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/suite"

	"vcvault/internal/credstore/docstore/edv"
	"vcvault/internal/credstore/models"
	"vcvault/internal/credstore/service"
	"vcvault/internal/edvserver"
	dErrors "vcvault/pkg/domain-errors"
)

type StackSuite struct {
	suite.Suite
	ctx     context.Context
	server  *httptest.Server
	service *service.Service
}

func (s *StackSuite) SetupTest() {
	s.ctx = context.Background()
	capabilityKey := []byte("e2e-capability-key")
	vault := edvserver.New(capabilityKey)
	s.server = httptest.NewServer(vault.Router())

	client, err := edv.NewClient(edv.Config{
		BaseURL:       s.server.URL,
		Vault:         "wallet",
		MasterKey:     bytes.Repeat([]byte{0x07}, edv.KeySize),
		CapabilityKey: capabilityKey,
	})
	s.Require().NoError(err)

	svc, err := service.New(s.ctx, client,
		service.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.Require().NoError(err)
	s.service = svc
}

func (s *StackSuite) TearDownTest() {
	s.server.Close()
}

func credential(id, credType string) models.Credential {
	return models.Credential{
		"id":     id,
		"type":   []any{"VerifiableCredential", credType},
		"issuer": "did:example:university",
		"credentialSubject": map[string]any{
			"name": "Alice",
		},
	}
}

func (s *StackSuite) TestCredentialLifecycle() {
	doc, err := s.service.Insert(s.ctx, service.InsertRequest{
		Credential: credential("degree", "UniversityDegree"),
	})
	s.Require().NoError(err)
	s.Equal("did:example:university", doc.Meta.Issuer)

	got, err := s.service.Get(s.ctx, "degree")
	s.Require().NoError(err)
	s.Equal("Alice", got.Content["credentialSubject"].(map[string]any)["name"])

	res, err := s.service.Delete(s.ctx, service.DeleteRequest{ID: "degree"})
	s.Require().NoError(err)
	s.True(res.Deleted)

	_, err = s.service.Get(s.ctx, "degree")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *StackSuite) TestBundleLifecycle() {
	_, err := s.service.Insert(s.ctx, service.InsertRequest{
		Credential: credential("identity-bundle", "IdentityBundle"),
		BundleContents: []service.BundleEntry{
			{Credential: credential("passport", "Passport")},
			{Credential: credential("license", "DriverLicense"), Dependent: models.Bool(false)},
		},
	})
	s.Require().NoError(err)

	res, err := s.service.GetBundle(s.ctx, "identity-bundle")
	s.Require().NoError(err)
	s.Require().NotNil(res.Bundle)
	s.Len(res.AllSubDocuments, 2)
	s.NotNil(res.Bundle.Find("passport"))

	del, err := s.service.Delete(s.ctx, service.DeleteRequest{ID: "identity-bundle"})
	s.Require().NoError(err)
	s.True(del.Deleted)

	_, err = s.service.Get(s.ctx, "passport")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound), "dependent child cascades")

	license, err := s.service.Get(s.ctx, "license")
	s.Require().NoError(err, "independent child survives")
	s.Empty(license.Meta.BundledBy)
}

func (s *StackSuite) TestUpsertConvergesOverTheWire() {
	first, err := s.service.Upsert(s.ctx, service.UpsertRequest{
		Credential: credential("degree", "UniversityDegree"),
	})
	s.Require().NoError(err)

	second, err := s.service.Upsert(s.ctx, service.UpsertRequest{
		Credential: credential("degree", "UniversityDegree"),
		Meta:       &models.Meta{Displayable: true},
	})
	s.Require().NoError(err)
	s.Equal(first.ID, second.ID)
	s.True(second.Meta.Displayable)
}

func (s *StackSuite) TestPresentationRequestQuery() {
	_, err := s.service.Insert(s.ctx, service.InsertRequest{
		Credential: credential("degree", "UniversityDegree"),
	})
	s.Require().NoError(err)
	_, err = s.service.Insert(s.ctx, service.InsertRequest{
		Credential: credential("passport", "Passport"),
	})
	s.Require().NoError(err)

	queries, err := s.service.ConvertVPRQuery(service.VPRQuery{
		Type: service.VPRQueryByExample,
		CredentialQuery: []service.VPRCredentialQuery{{
			Example: service.VPRExample{
				Type:          service.TypeValue{"UniversityDegree"},
				TrustedIssuer: []service.TrustedIssuer{{ID: "did:example:university"}},
			},
		}},
	})
	s.Require().NoError(err)
	s.Require().Len(queries, 1)

	docs, err := s.service.Find(s.ctx, queries[0])
	s.Require().NoError(err)
	s.Require().Len(docs, 1)
	s.Equal("degree", docs[0].Content["id"])
}

func TestStackSuite(t *testing.T) {
	suite.Run(t, new(StackSuite))
}
