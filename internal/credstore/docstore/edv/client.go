// Package edv is a docstore.Store adapter speaking to an encrypted data
// vault over HTTP. Documents are sealed client-side; the vault only ever
// stores ciphertext, blinded index terms, and the sequence counter it
// enforces. Requests carry short-lived capability invocation JWTs.
package edv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	edvwire "vcvault/contracts/edv"
	"vcvault/internal/credstore/docstore"
	"vcvault/internal/credstore/models"
	dErrors "vcvault/pkg/domain-errors"
)

// Config configures the vault client.
type Config struct {
	// BaseURL is the vault server root, e.g. https://vault.example.com.
	BaseURL string
	// Vault is the vault (EDV) identifier to operate on.
	Vault string
	// MasterKey is the 32-byte client master key; all content and index
	// blinding keys derive from it.
	MasterKey []byte
	// CapabilityKey signs per-request capability invocation tokens.
	CapabilityKey []byte
	// HTTPClient optionally overrides the default client.
	HTTPClient *http.Client
}

// Client implements docstore.Store over a remote encrypted data vault.
type Client struct {
	http    *http.Client
	baseURL string
	vault   string
	keys    *keyring
	caps    *capabilitySigner

	mu      sync.RWMutex
	indexes map[string]bool // attribute path -> unique
}

// NewClient constructs a vault client from the config.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.Vault == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "vault base URL and id required")
	}
	if len(cfg.CapabilityKey) == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "capability key required")
	}
	keys, err := newKeyring(cfg.MasterKey)
	if err != nil {
		return nil, err
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		http:    httpClient,
		baseURL: cfg.BaseURL,
		vault:   cfg.Vault,
		keys:    keys,
		caps:    &capabilitySigner{key: cfg.CapabilityKey, vault: cfg.Vault},
		indexes: make(map[string]bool),
	}, nil
}

var _ docstore.Store = (*Client)(nil)

// EnsureIndex registers the attribute locally (so writes blind it) and
// declares the blinded attribute to the vault.
func (c *Client) EnsureIndex(ctx context.Context, spec docstore.IndexSpec) error {
	if spec.Attribute == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "index attribute required")
	}
	c.mu.Lock()
	c.indexes[spec.Attribute] = spec.Unique
	c.mu.Unlock()

	body := edvwire.IndexSpec{Attr: c.keys.blindAttr(spec.Attribute), Unique: spec.Unique}
	return c.do(ctx, http.MethodPost, c.vaultPath("indexes"), edvwire.OpIndex, body, nil)
}

// Find answers id-clauses with direct reads and everything else with one
// blinded query, decrypting the envelopes as they come back.
func (c *Client) Find(ctx context.Context, q docstore.Query) ([]models.Document, error) {
	var out []models.Document
	var blinded [][]edvwire.Term

	for _, clause := range q.Equals {
		if docID, ok := clause[docstore.AttrID]; ok && len(clause) == 1 {
			doc, err := c.read(ctx, docID)
			if err != nil {
				if dErrors.HasCode(err, dErrors.CodeNotFound) {
					continue
				}
				return nil, err
			}
			out = append(out, doc)
			continue
		}
		terms := make([]edvwire.Term, 0, len(clause))
		for path, value := range clause {
			terms = append(terms, edvwire.Term{
				Attr:  c.keys.blindAttr(path),
				Value: c.keys.blindValue(path, value),
			})
		}
		blinded = append(blinded, terms)
	}

	if len(blinded) > 0 {
		var res edvwire.QueryResult
		query := edvwire.Query{Equals: blinded, Limit: q.Limit}
		if err := c.do(ctx, http.MethodPost, c.vaultPath("query"), edvwire.OpQuery, query, &res); err != nil {
			return nil, err
		}
		for _, env := range res.Documents {
			doc, err := c.decrypt(env)
			if err != nil {
				return nil, err
			}
			out = append(out, doc)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Insert seals and stores a new document.
func (c *Client) Insert(ctx context.Context, doc models.Document) (models.Document, error) {
	env, err := c.encrypt(doc)
	if err != nil {
		return models.Document{}, err
	}
	if err := c.do(ctx, http.MethodPost, c.vaultPath("documents"), edvwire.OpWrite, env, nil); err != nil {
		return models.Document{}, err
	}
	return doc.Clone(), nil
}

// Update seals and conditionally overwrites the document; the vault rejects
// stale sequences.
func (c *Client) Update(ctx context.Context, doc models.Document) (models.Document, error) {
	env, err := c.encrypt(doc)
	if err != nil {
		return models.Document{}, err
	}
	var updated edvwire.Document
	if err := c.do(ctx, http.MethodPost, c.vaultPath("documents", doc.ID), edvwire.OpWrite, env, &updated); err != nil {
		return models.Document{}, err
	}
	next := doc.Clone()
	next.Sequence = updated.Sequence
	return next, nil
}

// Delete removes the document iff the sequence still matches.
func (c *Client) Delete(ctx context.Context, doc models.Document) error {
	path := c.vaultPath("documents", doc.ID) + "?sequence=" + strconv.FormatUint(doc.Sequence, 10)
	return c.do(ctx, http.MethodDelete, path, edvwire.OpWrite, nil, nil)
}

// GenerateID returns a fresh client-generated document handle.
func (c *Client) GenerateID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}

func (c *Client) read(ctx context.Context, docID string) (models.Document, error) {
	var env edvwire.Document
	if err := c.do(ctx, http.MethodGet, c.vaultPath("documents", docID), edvwire.OpRead, nil, &env); err != nil {
		return models.Document{}, err
	}
	return c.decrypt(env)
}

// encrypt builds the wire envelope: sealed payload plus blinded terms for
// every ensured index.
func (c *Client) encrypt(doc models.Document) (edvwire.Document, error) {
	jwe, err := c.keys.seal(doc.ID, payload{Content: doc.Content, Meta: doc.Meta})
	if err != nil {
		return edvwire.Document{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var indexed []edvwire.IndexedAttr
	for path := range c.indexes {
		values := docstore.AttributeValues(doc, path)
		if len(values) == 0 {
			continue
		}
		blinded := make([]string, 0, len(values))
		for _, v := range values {
			blinded = append(blinded, c.keys.blindValue(path, v))
		}
		indexed = append(indexed, edvwire.IndexedAttr{Attr: c.keys.blindAttr(path), Values: blinded})
	}
	return edvwire.Document{ID: doc.ID, Sequence: doc.Sequence, JWE: jwe, Indexed: indexed}, nil
}

func (c *Client) decrypt(env edvwire.Document) (models.Document, error) {
	p, err := c.keys.open(env.ID, env.JWE)
	if err != nil {
		return models.Document{}, err
	}
	return models.Document{
		ID:       env.ID,
		Sequence: env.Sequence,
		Content:  p.Content,
		Meta:     p.Meta,
	}, nil
}

func (c *Client) vaultPath(parts ...string) string {
	path := c.baseURL + "/edvs/" + c.vault
	for _, p := range parts {
		path += "/" + p
	}
	return path
}

// do performs one signed request and maps error responses onto the docstore
// error discipline.
func (c *Client) do(ctx context.Context, method, url, op string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "encoding request")
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "building request")
	}
	token, err := c.caps.token(op)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "vault unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "decoding response")
		}
		return nil
	}

	var errResp edvwire.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&errResp)
	switch {
	case resp.StatusCode == http.StatusNotFound || errResp.Error == edvwire.ErrorNotFound:
		return dErrors.Wrap(docstore.ErrNotFound, dErrors.CodeNotFound, errResp.Description)
	case errResp.Error == edvwire.ErrorDuplicate:
		return dErrors.Wrap(docstore.ErrDuplicate, dErrors.CodeConflict, errResp.Description)
	case errResp.Error == edvwire.ErrorInvalidState || resp.StatusCode == http.StatusConflict:
		return dErrors.Wrap(docstore.ErrInvalidState, dErrors.CodeConflict, errResp.Description)
	case resp.StatusCode == http.StatusUnauthorized:
		return dErrors.New(dErrors.CodeUnauthorized, "vault rejected capability invocation")
	default:
		return dErrors.New(dErrors.CodeUnavailable,
			fmt.Sprintf("vault returned status %d", resp.StatusCode))
	}
}
