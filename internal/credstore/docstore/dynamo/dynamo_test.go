package dynamo

import (
	"context"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/suite"

	"vcvault/internal/credstore/docstore"
	"vcvault/internal/credstore/models"
	dErrors "vcvault/pkg/domain-errors"
)

// fakeDynamo implements API in memory with just enough condition-expression
// evaluation for the store's transactions: attribute_not_exists(pk) and
// attribute_exists(pk) AND seq = :expected.
type fakeDynamo struct {
	items map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func itemID(item map[string]types.AttributeValue) string {
	pk := item["pk"].(*types.AttributeValueMemberS).Value
	sk := item["sk"].(*types.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	item, ok := f.items[itemID(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	pk := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	var out []map[string]types.AttributeValue
	for id, item := range f.items {
		if strings.HasPrefix(id, pk+"|") {
			out = append(out, item)
		}
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, item := range in.TransactItems {
		var cond *string
		var key map[string]types.AttributeValue
		var values map[string]types.AttributeValue
		switch {
		case item.Put != nil:
			cond, key, values = item.Put.ConditionExpression, item.Put.Item, item.Put.ExpressionAttributeValues
		case item.Delete != nil:
			cond, key, values = item.Delete.ConditionExpression, item.Delete.Key, item.Delete.ExpressionAttributeValues
		}
		if cond != nil && !f.conditionHolds(*cond, key, values) {
			failed = true
			reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
		} else {
			reasons[i] = types.CancellationReason{Code: aws.String("None")}
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{CancellationReasons: reasons}
	}
	for _, item := range in.TransactItems {
		switch {
		case item.Put != nil:
			f.items[itemID(item.Put.Item)] = item.Put.Item
		case item.Delete != nil:
			delete(f.items, itemID(item.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeDynamo) conditionHolds(cond string, key, values map[string]types.AttributeValue) bool {
	existing, exists := f.items[itemID(key)]
	switch {
	case cond == "attribute_not_exists(pk)":
		return !exists
	case strings.Contains(cond, "attribute_exists(pk)"):
		if !exists {
			return false
		}
		if strings.Contains(cond, "seq = :expected") {
			want := values[":expected"].(*types.AttributeValueMemberN).Value
			have, ok := existing["seq"].(*types.AttributeValueMemberN)
			return ok && have.Value == want
		}
		return true
	default:
		return true
	}
}

type DynamoStoreSuite struct {
	suite.Suite
	ctx   context.Context
	fake  *fakeDynamo
	store *Store
}

func (s *DynamoStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.fake = newFakeDynamo()
	s.store = New(s.fake, "credentials")
	s.Require().NoError(s.store.EnsureIndex(s.ctx, docstore.IndexSpec{Attribute: docstore.AttrContentID, Unique: true}))
	s.Require().NoError(s.store.EnsureIndex(s.ctx, docstore.IndexSpec{Attribute: docstore.AttrBundledBy}))
}

func (s *DynamoStoreSuite) doc(id, appID string) models.Document {
	return models.Document{
		ID:      id,
		Content: models.Credential{"id": appID},
		Meta:    models.Meta{Issuer: "did:example:issuer"},
	}
}

func (s *DynamoStoreSuite) TestInsertWritesDocTermsAndConstraints() {
	doc := s.doc("d1", "cred-1")
	doc.Meta.BundledBy = []string{"root"}
	_, err := s.store.Insert(s.ctx, doc)
	s.Require().NoError(err)

	s.Contains(s.fake.items, "doc#d1|DOC")
	s.Contains(s.fake.items, "term#content.id#cred-1|d1")
	s.Contains(s.fake.items, "term#meta.bundledBy#root|d1")
	s.Contains(s.fake.items, "unique#content.id#cred-1|CONSTRAINT")
}

func (s *DynamoStoreSuite) TestInsertDuplicateHandle() {
	_, err := s.store.Insert(s.ctx, s.doc("d1", "cred-1"))
	s.Require().NoError(err)

	_, err = s.store.Insert(s.ctx, s.doc("d1", "cred-2"))
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *DynamoStoreSuite) TestInsertUniqueConstraintViolation() {
	_, err := s.store.Insert(s.ctx, s.doc("d1", "cred-1"))
	s.Require().NoError(err)

	_, err = s.store.Insert(s.ctx, s.doc("d2", "cred-1"))
	s.ErrorIs(err, docstore.ErrDuplicate)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *DynamoStoreSuite) TestFindByContentID() {
	_, err := s.store.Insert(s.ctx, s.doc("d1", "cred-1"))
	s.Require().NoError(err)

	docs, err := s.store.Find(s.ctx, docstore.Query{
		Equals: []docstore.Clause{{docstore.AttrContentID: "cred-1"}},
	})
	s.Require().NoError(err)
	s.Require().Len(docs, 1)
	s.Equal("d1", docs[0].ID)
	s.Equal("did:example:issuer", docs[0].Meta.Issuer)
}

func (s *DynamoStoreSuite) TestFindUnindexedAttribute() {
	_, err := s.store.Find(s.ctx, docstore.Query{
		Equals: []docstore.Clause{{"content.someField": "x"}},
	})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func (s *DynamoStoreSuite) TestUpdateReconcilesTerms() {
	inserted, err := s.store.Insert(s.ctx, s.doc("d1", "cred-1"))
	s.Require().NoError(err)

	inserted.Meta.BundledBy = []string{"root"}
	updated, err := s.store.Update(s.ctx, inserted)
	s.Require().NoError(err)
	s.Equal(uint64(1), updated.Sequence)
	s.Contains(s.fake.items, "term#meta.bundledBy#root|d1")

	updated.Meta.BundledBy = nil
	_, err = s.store.Update(s.ctx, updated)
	s.Require().NoError(err)
	s.NotContains(s.fake.items, "term#meta.bundledBy#root|d1", "stale terms are cleaned up")
}

func (s *DynamoStoreSuite) TestUpdateStaleSequence() {
	inserted, err := s.store.Insert(s.ctx, s.doc("d1", "cred-1"))
	s.Require().NoError(err)
	_, err = s.store.Update(s.ctx, inserted)
	s.Require().NoError(err)

	_, err = s.store.Update(s.ctx, inserted) // still sequence 0
	s.ErrorIs(err, docstore.ErrInvalidState)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *DynamoStoreSuite) TestUpdateMissingDocument() {
	_, err := s.store.Update(s.ctx, s.doc("ghost", "cred-1"))
	s.ErrorIs(err, docstore.ErrInvalidState)
}

func (s *DynamoStoreSuite) TestDeleteCleansUp() {
	inserted, err := s.store.Insert(s.ctx, s.doc("d1", "cred-1"))
	s.Require().NoError(err)

	s.Require().NoError(s.store.Delete(s.ctx, inserted))
	s.Empty(s.fake.items, "document, terms, and constraints all removed")

	err = s.store.Delete(s.ctx, inserted)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *DynamoStoreSuite) TestDeleteStaleSequence() {
	inserted, err := s.store.Insert(s.ctx, s.doc("d1", "cred-1"))
	s.Require().NoError(err)
	_, err = s.store.Update(s.ctx, inserted)
	s.Require().NoError(err)

	err = s.store.Delete(s.ctx, inserted) // stale sequence 0
	s.ErrorIs(err, docstore.ErrInvalidState)
}

func TestDynamoStoreSuite(t *testing.T) {
	suite.Run(t, new(DynamoStoreSuite))
}
