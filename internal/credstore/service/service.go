// Package service implements the credential store facade and its engines:
// optimistic upsert, bundle graph maintenance, bundle-aware deletion, and
// presentation-request query translation, all layered over an abstract
// document store with no multi-document transactions.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"vcvault/internal/credstore/docstore"
	"vcvault/internal/credstore/metrics"
	"vcvault/internal/credstore/models"
	"vcvault/internal/credstore/tracer"
	dErrors "vcvault/pkg/domain-errors"
)

const (
	defaultMaxRetries  = 10
	defaultConcurrency = 10
)

// indexSpecs are ensured at construction. content.id is the logical key for
// upserts; the rest serve queries and bundle traversal.
var indexSpecs = []docstore.IndexSpec{
	{Attribute: docstore.AttrContentID, Unique: true},
	{Attribute: docstore.AttrContentType},
	{Attribute: docstore.AttrIssuer},
	{Attribute: docstore.AttrBundledBy},
	{Attribute: docstore.AttrDisplayable},
}

// Service is the credential store facade. It validates inputs, derives
// default metadata, and wires the upsert, bundle, and batch engines together
// over a docstore.Store.
type Service struct {
	store       docstore.Store
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      tracer.Tracer
	maxRetries  int
	concurrency int
}

// Option configures the service.
type Option func(*Service)

// WithLogger configures a logger for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics configures Prometheus metrics for the service.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer configures a tracer for the service.
func WithTracer(t tracer.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithMaxRetries bounds the optimistic-concurrency retry loops.
func WithMaxRetries(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithConcurrency bounds the fan-out of concurrent child document operations.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// New creates the credential store over the given document store and ensures
// the indexes the store's queries rely on. Index failures are fatal here
// rather than surfacing later as unqueryable attributes.
func New(ctx context.Context, store docstore.Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "document store required")
	}
	s := &Service{
		store:       store,
		tracer:      tracer.NewNoop(),
		maxRetries:  defaultMaxRetries,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, spec := range indexSpecs {
		if err := store.EnsureIndex(ctx, spec); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable,
				fmt.Sprintf("ensuring index %q", spec.Attribute))
		}
	}
	return s, nil
}

// Get returns the credential document with the given application id.
func (s *Service) Get(ctx context.Context, id string) (models.Document, error) {
	if id == "" {
		return models.Document{}, dErrors.New(dErrors.CodeInvalidInput, "credential id required")
	}
	return s.getByAppID(ctx, id)
}

// GetByDocID returns the credential document with the given store handle.
func (s *Service) GetByDocID(ctx context.Context, docID string) (models.Document, error) {
	if docID == "" {
		return models.Document{}, dErrors.New(dErrors.CodeInvalidInput, "document id required")
	}
	return s.findOne(ctx, docstore.Clause{docstore.AttrID: docID})
}

// Find returns all documents matching the query. Queries are passed through
// unchanged; use ConvertVPRQuery to build them from presentation requests.
func (s *Service) Find(ctx context.Context, q docstore.Query) ([]models.Document, error) {
	return s.store.Find(ctx, q)
}

func (s *Service) getByAppID(ctx context.Context, id string) (models.Document, error) {
	return s.findOne(ctx, docstore.Clause{docstore.AttrContentID: id})
}

func (s *Service) findOne(ctx context.Context, clause docstore.Clause) (models.Document, error) {
	docs, err := s.store.Find(ctx, docstore.Query{Equals: []docstore.Clause{clause}, Limit: 1})
	if err != nil {
		return models.Document{}, err
	}
	if len(docs) == 0 {
		return models.Document{}, dErrors.Wrap(docstore.ErrNotFound, dErrors.CodeNotFound,
			"credential not found")
	}
	return docs[0], nil
}

func (s *Service) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func (s *Service) now() time.Time {
	return time.Now().UTC()
}
