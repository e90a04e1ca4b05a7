// Package dynamo provides a DynamoDB-backed docstore.Store. Documents, index
// terms, and unique-constraint records live in one table keyed by pk/sk;
// every write is a single TransactWriteItems call so the sequence condition,
// term maintenance, and uniqueness checks commit atomically.
package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"vcvault/internal/credstore/docstore"
	"vcvault/internal/credstore/models"
	dErrors "vcvault/pkg/domain-errors"
)

const (
	skDocument   = "DOC"
	skConstraint = "CONSTRAINT"
)

// API is the DynamoDB surface the store uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store implements docstore.Store on one DynamoDB table.
type Store struct {
	client API
	table  string

	mu      sync.RWMutex
	indexes map[string]bool // attribute path -> unique
}

// New constructs a store writing to the named table.
func New(client API, table string) *Store {
	return &Store{
		client:  client,
		table:   table,
		indexes: make(map[string]bool),
	}
}

// NewDefault builds a store on the ambient AWS configuration (environment,
// shared config, instance role).
func NewDefault(ctx context.Context, table string) (*Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "loading aws configuration")
	}
	return New(dynamodb.NewFromConfig(cfg), table), nil
}

var _ docstore.Store = (*Store)(nil)

// EnsureIndex registers the attribute so subsequent writes maintain its term
// items. The table schema itself is static, so no remote call is needed.
func (s *Store) EnsureIndex(_ context.Context, spec docstore.IndexSpec) error {
	if spec.Attribute == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "index attribute required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if unique, ok := s.indexes[spec.Attribute]; ok && unique != spec.Unique {
		return dErrors.New(dErrors.CodeInvalidInput,
			fmt.Sprintf("index %q already declared with different uniqueness", spec.Attribute))
	}
	s.indexes[spec.Attribute] = spec.Unique
	return nil
}

// Find answers id clauses with direct reads; every other clause queries the
// term partition of its first attribute and filters the remaining terms on
// the fetched documents.
func (s *Store) Find(ctx context.Context, q docstore.Query) ([]models.Document, error) {
	var out []models.Document
	seen := make(map[string]struct{})

	appendDoc := func(doc models.Document) {
		if _, dup := seen[doc.ID]; dup {
			return
		}
		seen[doc.ID] = struct{}{}
		out = append(out, doc)
	}

	for _, clause := range q.Equals {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		if docID, ok := clause[docstore.AttrID]; ok && len(clause) == 1 {
			doc, err := s.getDoc(ctx, docID)
			if err != nil {
				if dErrors.HasCode(err, dErrors.CodeNotFound) {
					continue
				}
				return nil, err
			}
			appendDoc(doc)
			continue
		}
		docs, err := s.findByClause(ctx, clause)
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			appendDoc(doc)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Insert writes the document, its term items, and its unique-constraint
// records in one transaction. The document put is conditioned on the id not
// existing; constraint puts on the constraint not existing.
func (s *Store) Insert(ctx context.Context, doc models.Document) (models.Document, error) {
	if doc.ID == "" {
		return models.Document{}, dErrors.New(dErrors.CodeInvalidInput, "document id required")
	}
	docItem, err := s.docItem(doc)
	if err != nil {
		return models.Document{}, err
	}

	docPutIndex := 0
	items := []types.TransactWriteItem{{
		Put: &types.Put{
			TableName:           aws.String(s.table),
			Item:                docItem,
			ConditionExpression: aws.String("attribute_not_exists(pk)"),
		},
	}}
	items = append(items, s.termPuts(doc)...)
	items = append(items, s.constraintPuts(doc)...)

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err := mapWriteError(err, docPutIndex, docstore.ErrDuplicate); err != nil {
		return models.Document{}, err
	}
	return doc.Clone(), nil
}

// Update replaces the document conditioned on the stored sequence, advances
// it, and reconciles term and constraint items against the previous revision.
func (s *Store) Update(ctx context.Context, doc models.Document) (models.Document, error) {
	prev, err := s.getDoc(ctx, doc.ID)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return models.Document{}, dErrors.Wrap(docstore.ErrInvalidState, dErrors.CodeConflict,
				fmt.Sprintf("document %s does not exist", doc.ID))
		}
		return models.Document{}, err
	}

	next := doc.Clone()
	next.Sequence = doc.Sequence + 1
	docItem, err := s.docItem(next)
	if err != nil {
		return models.Document{}, err
	}

	docPutIndex := 0
	items := []types.TransactWriteItem{{
		Put: &types.Put{
			TableName:           aws.String(s.table),
			Item:                docItem,
			ConditionExpression: aws.String("attribute_exists(pk) AND seq = :expected"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":expected": &types.AttributeValueMemberN{Value: strconv.FormatUint(doc.Sequence, 10)},
			},
		},
	}}
	items = append(items, s.reconcileItems(prev, next)...)

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err := mapWriteError(err, docPutIndex, docstore.ErrInvalidState); err != nil {
		return models.Document{}, err
	}
	return next, nil
}

// Delete removes the document iff the sequence matches, cleaning up its term
// and constraint items in the same transaction.
func (s *Store) Delete(ctx context.Context, doc models.Document) error {
	prev, err := s.getDoc(ctx, doc.ID)
	if err != nil {
		return err
	}

	docDeleteIndex := 0
	items := []types.TransactWriteItem{{
		Delete: &types.Delete{
			TableName:           aws.String(s.table),
			Key:                 docKey(doc.ID),
			ConditionExpression: aws.String("attribute_exists(pk) AND seq = :expected"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":expected": &types.AttributeValueMemberN{Value: strconv.FormatUint(doc.Sequence, 10)},
			},
		},
	}}
	for _, pk := range s.termPKs(prev) {
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{TableName: aws.String(s.table), Key: itemKey(pk, prev.ID)},
		})
	}
	for _, pk := range s.constraintPKs(prev) {
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{TableName: aws.String(s.table), Key: itemKey(pk, skConstraint)},
		})
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	return mapWriteError(err, docDeleteIndex, docstore.ErrInvalidState)
}

// GenerateID returns a fresh opaque handle.
func (s *Store) GenerateID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}

func (s *Store) getDoc(ctx context.Context, docID string) (models.Document, error) {
	res, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            docKey(docID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return models.Document{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "reading document")
	}
	if res.Item == nil {
		return models.Document{}, dErrors.Wrap(docstore.ErrNotFound, dErrors.CodeNotFound,
			fmt.Sprintf("document %s does not exist", docID))
	}
	return unmarshalDoc(res.Item)
}

// findByClause queries the term partition of one attribute/value pair of the
// clause and filters the remaining pairs client-side.
func (s *Store) findByClause(ctx context.Context, clause docstore.Clause) ([]models.Document, error) {
	var path, value string
	for p, v := range clause {
		path, value = p, v
		break
	}
	s.mu.RLock()
	_, indexed := s.indexes[path]
	s.mu.RUnlock()
	if !indexed {
		return nil, dErrors.New(dErrors.CodeInvalidInput,
			fmt.Sprintf("attribute %q is not indexed", path))
	}

	res, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: termPK(path, value)},
		},
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "querying index terms")
	}

	var out []models.Document
	for _, item := range res.Items {
		var link linkRecord
		if err := attributevalue.UnmarshalMap(item, &link); err != nil || link.DocID == "" {
			continue
		}
		doc, err := s.getDoc(ctx, link.DocID)
		if err != nil {
			if dErrors.HasCode(err, dErrors.CodeNotFound) {
				// Term item outlived its document; skip the orphan.
				continue
			}
			return nil, err
		}
		if matchesClause(doc, clause) {
			out = append(out, doc)
		}
	}
	return out, nil
}

// docRecord is the stored document item. Body is the JSON-encoded content
// and meta; seq is the attribute the condition expressions run against.
type docRecord struct {
	PK   string `dynamodbav:"pk"`
	SK   string `dynamodbav:"sk"`
	ID   string `dynamodbav:"id"`
	Seq  uint64 `dynamodbav:"seq"`
	Body string `dynamodbav:"body"`
}

type docBody struct {
	Content models.Credential `json:"content"`
	Meta    models.Meta       `json:"meta"`
}

// linkRecord is a term or constraint item pointing back at its document.
type linkRecord struct {
	PK    string `dynamodbav:"pk"`
	SK    string `dynamodbav:"sk"`
	DocID string `dynamodbav:"doc_id"`
}

func (s *Store) docItem(doc models.Document) (map[string]types.AttributeValue, error) {
	body, err := json.Marshal(docBody{Content: doc.Content, Meta: doc.Meta})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "encoding document")
	}
	item, err := attributevalue.MarshalMap(docRecord{
		PK:   docPK(doc.ID),
		SK:   skDocument,
		ID:   doc.ID,
		Seq:  doc.Sequence,
		Body: string(body),
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "marshaling document item")
	}
	return item, nil
}

func linkItem(pk, sk, docID string) map[string]types.AttributeValue {
	item, _ := attributevalue.MarshalMap(linkRecord{PK: pk, SK: sk, DocID: docID})
	return item
}

func (s *Store) termPuts(doc models.Document) []types.TransactWriteItem {
	var items []types.TransactWriteItem
	for _, pk := range s.termPKs(doc) {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(s.table),
				Item:      linkItem(pk, doc.ID, doc.ID),
			},
		})
	}
	return items
}

func (s *Store) constraintPuts(doc models.Document) []types.TransactWriteItem {
	var items []types.TransactWriteItem
	for _, pk := range s.constraintPKs(doc) {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(s.table),
				Item:                linkItem(pk, skConstraint, doc.ID),
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			},
		})
	}
	return items
}

// reconcileItems diffs the previous and next revisions' term and constraint
// keys, deleting the stale ones and putting the new ones.
func (s *Store) reconcileItems(prev, next models.Document) []types.TransactWriteItem {
	var items []types.TransactWriteItem

	prevTerms := toSet(s.termPKs(prev))
	nextTerms := toSet(s.termPKs(next))
	for pk := range prevTerms {
		if _, keep := nextTerms[pk]; !keep {
			items = append(items, types.TransactWriteItem{
				Delete: &types.Delete{TableName: aws.String(s.table), Key: itemKey(pk, prev.ID)},
			})
		}
	}
	for pk := range nextTerms {
		if _, had := prevTerms[pk]; !had {
			items = append(items, types.TransactWriteItem{
				Put: &types.Put{
					TableName: aws.String(s.table),
					Item:      linkItem(pk, next.ID, next.ID),
				},
			})
		}
	}

	prevConstraints := toSet(s.constraintPKs(prev))
	nextConstraints := toSet(s.constraintPKs(next))
	for pk := range prevConstraints {
		if _, keep := nextConstraints[pk]; !keep {
			items = append(items, types.TransactWriteItem{
				Delete: &types.Delete{TableName: aws.String(s.table), Key: itemKey(pk, skConstraint)},
			})
		}
	}
	for pk := range nextConstraints {
		if _, had := prevConstraints[pk]; !had {
			items = append(items, types.TransactWriteItem{
				Put: &types.Put{
					TableName:           aws.String(s.table),
					Item:                linkItem(pk, skConstraint, next.ID),
					ConditionExpression: aws.String("attribute_not_exists(pk)"),
				},
			})
		}
	}
	return items
}

func (s *Store) termPKs(doc models.Document) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pks []string
	for path := range s.indexes {
		for _, v := range docstore.AttributeValues(doc, path) {
			pks = append(pks, termPK(path, v))
		}
	}
	return pks
}

func (s *Store) constraintPKs(doc models.Document) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pks []string
	for path, unique := range s.indexes {
		if !unique {
			continue
		}
		for _, v := range docstore.AttributeValues(doc, path) {
			pks = append(pks, constraintPK(path, v))
		}
	}
	return pks
}

func unmarshalDoc(item map[string]types.AttributeValue) (models.Document, error) {
	var rec docRecord
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return models.Document{}, dErrors.Wrap(err, dErrors.CodeInternal, "unmarshaling document item")
	}
	if rec.ID == "" || rec.Body == "" {
		return models.Document{}, dErrors.New(dErrors.CodeInternal, "malformed document item")
	}
	var body docBody
	if err := json.Unmarshal([]byte(rec.Body), &body); err != nil {
		return models.Document{}, dErrors.Wrap(err, dErrors.CodeInternal, "decoding document")
	}
	return models.Document{ID: rec.ID, Sequence: rec.Seq, Content: body.Content, Meta: body.Meta}, nil
}

// mapWriteError translates transaction cancellations: a conditional failure
// on the document item wraps docErr, any other conditional failure is a
// unique-constraint collision.
func mapWriteError(err error, docIndex int, docErr error) error {
	if err == nil {
		return nil
	}
	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				if i == docIndex {
					return dErrors.Wrap(docErr, dErrors.CodeConflict, "document write condition failed")
				}
				return dErrors.Wrap(docstore.ErrDuplicate, dErrors.CodeConflict,
					"duplicate value for unique attribute")
			}
		}
	}
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return dErrors.Wrap(docErr, dErrors.CodeConflict, "document write condition failed")
	}
	return dErrors.Wrap(err, dErrors.CodeUnavailable, "dynamodb write failed")
}

func matchesClause(doc models.Document, clause docstore.Clause) bool {
	for path, want := range clause {
		found := false
		for _, v := range docstore.AttributeValues(doc, path) {
			if v == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func toSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

func docPK(id string) string { return "doc#" + id }

func termPK(path, value string) string { return "term#" + path + "#" + value }

func constraintPK(path, value string) string { return "unique#" + path + "#" + value }

func docKey(id string) map[string]types.AttributeValue {
	return itemKey(docPK(id), skDocument)
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}
