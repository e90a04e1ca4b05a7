// Package edvserver is a reference encrypted-data-vault server. It stores
// opaque document envelopes per vault, enforces sequence-based optimistic
// concurrency and blinded unique indexes, and authorizes every request with a
// capability invocation token. It never sees plaintext credentials.
package edvserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	edvwire "vcvault/contracts/edv"
)

// Server holds all vaults and the shared capability verification key.
type Server struct {
	log           *slog.Logger
	capabilityKey []byte

	mu     sync.RWMutex
	vaults map[string]*vault
}

// vault is one tenant's document space. Vaults are created on first use.
type vault struct {
	docs   map[string]edvwire.Document
	unique map[string]bool // blinded attr -> declared unique
}

// Option customizes the server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New constructs a vault server verifying capabilities with key.
func New(capabilityKey []byte, opts ...Option) *Server {
	s := &Server{
		capabilityKey: capabilityKey,
		vaults:        make(map[string]*vault),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Router wires the vault endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Route("/edvs/{edvID}", func(r chi.Router) {
		r.Post("/indexes", s.authorized(edvwire.OpIndex, s.handleEnsureIndex))
		r.Post("/documents", s.authorized(edvwire.OpWrite, s.handleInsert))
		r.Get("/documents/{docID}", s.authorized(edvwire.OpRead, s.handleRead))
		r.Post("/documents/{docID}", s.authorized(edvwire.OpWrite, s.handleUpdate))
		r.Delete("/documents/{docID}", s.authorized(edvwire.OpWrite, s.handleDelete))
		r.Post("/query", s.authorized(edvwire.OpQuery, s.handleQuery))
	})
	return r
}

// authorized verifies the Bearer capability token against the operation the
// route performs and the vault it targets.
func (s *Server) authorized(op string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vaultID := chi.URLParam(r, "edvID")
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, edvwire.ErrorUnauthorized, "missing capability invocation")
			return
		}
		if err := edvwire.VerifyCapability(token, s.capabilityKey, op, vaultID); err != nil {
			s.log.Warn("capability rejected", "vault", vaultID, "op", op, "error", err)
			writeError(w, http.StatusUnauthorized, edvwire.ErrorUnauthorized, err.Error())
			return
		}
		next(w, r)
	}
}

func (s *Server) handleEnsureIndex(w http.ResponseWriter, r *http.Request) {
	var spec edvwire.IndexSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil || spec.Attr == "" {
		writeError(w, http.StatusBadRequest, edvwire.ErrorBadRequest, "invalid index spec")
		return
	}
	v := s.vault(chi.URLParam(r, "edvID"))

	s.mu.Lock()
	defer s.mu.Unlock()
	// Uniqueness can be declared once; flipping it after documents exist
	// would leave the constraint unverifiable.
	if declared, ok := v.unique[spec.Attr]; ok && declared != spec.Unique {
		writeError(w, http.StatusConflict, edvwire.ErrorInvalidState, "index already declared with different uniqueness")
		return
	}
	v.unique[spec.Attr] = spec.Unique
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var env edvwire.Document
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil || env.ID == "" {
		writeError(w, http.StatusBadRequest, edvwire.ErrorBadRequest, "invalid document envelope")
		return
	}
	v := s.vault(chi.URLParam(r, "edvID"))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := v.docs[env.ID]; exists {
		writeError(w, http.StatusConflict, edvwire.ErrorDuplicate, "document already exists")
		return
	}
	if attr := v.uniqueViolation(env); attr != "" {
		writeError(w, http.StatusConflict, edvwire.ErrorDuplicate, "unique index violation")
		return
	}
	v.docs[env.ID] = env
	s.log.Debug("document stored", "doc_id", env.ID)
	writeJSON(w, http.StatusCreated, env)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	v := s.vault(chi.URLParam(r, "edvID"))

	s.mu.RLock()
	env, exists := v.docs[chi.URLParam(r, "docID")]
	s.mu.RUnlock()
	if !exists {
		writeError(w, http.StatusNotFound, edvwire.ErrorNotFound, "document does not exist")
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	var env edvwire.Document
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil || env.ID != docID {
		writeError(w, http.StatusBadRequest, edvwire.ErrorBadRequest, "invalid document envelope")
		return
	}
	v := s.vault(chi.URLParam(r, "edvID"))

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, exists := v.docs[docID]
	if !exists {
		writeError(w, http.StatusConflict, edvwire.ErrorInvalidState, "document does not exist")
		return
	}
	if stored.Sequence != env.Sequence {
		writeError(w, http.StatusConflict, edvwire.ErrorInvalidState, "sequence is stale")
		return
	}
	if attr := v.uniqueViolation(env); attr != "" {
		writeError(w, http.StatusConflict, edvwire.ErrorDuplicate, "unique index violation")
		return
	}
	env.Sequence++
	v.docs[docID] = env
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	seq, err := strconv.ParseUint(r.URL.Query().Get("sequence"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, edvwire.ErrorBadRequest, "invalid sequence")
		return
	}
	v := s.vault(chi.URLParam(r, "edvID"))

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, exists := v.docs[docID]
	if !exists {
		writeError(w, http.StatusNotFound, edvwire.ErrorNotFound, "document does not exist")
		return
	}
	if stored.Sequence != seq {
		writeError(w, http.StatusConflict, edvwire.ErrorInvalidState, "sequence is stale")
		return
	}
	delete(v.docs, docID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var q edvwire.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, edvwire.ErrorBadRequest, "invalid query")
		return
	}
	v := s.vault(chi.URLParam(r, "edvID"))

	s.mu.RLock()
	defer s.mu.RUnlock()
	var res edvwire.QueryResult
	seen := make(map[string]struct{})
	for _, env := range v.docs {
		if _, dup := seen[env.ID]; dup {
			continue
		}
		if matchesAnyClause(env, q.Equals) {
			seen[env.ID] = struct{}{}
			res.Documents = append(res.Documents, env)
			if q.Limit > 0 && len(res.Documents) >= q.Limit {
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, res)
}

// vault returns the named vault, creating it on first use.
func (s *Server) vault(id string) *vault {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vaults[id]
	if !ok {
		v = &vault{docs: make(map[string]edvwire.Document), unique: make(map[string]bool)}
		s.vaults[id] = v
	}
	return v
}

// uniqueViolation reports the first unique blinded attribute for which another
// document already carries one of the candidate's values. Caller holds the
// write lock.
func (v *vault) uniqueViolation(candidate edvwire.Document) string {
	for _, indexed := range candidate.Indexed {
		if !v.unique[indexed.Attr] {
			continue
		}
		for id, other := range v.docs {
			if id == candidate.ID {
				continue
			}
			if overlaps(attrValues(other, indexed.Attr), indexed.Values) {
				return indexed.Attr
			}
		}
	}
	return ""
}

func matchesAnyClause(env edvwire.Document, clauses [][]edvwire.Term) bool {
	for _, clause := range clauses {
		if matchesClause(env, clause) {
			return true
		}
	}
	return false
}

func matchesClause(env edvwire.Document, clause []edvwire.Term) bool {
	if len(clause) == 0 {
		return false
	}
	for _, term := range clause {
		if !overlaps(attrValues(env, term.Attr), []string{term.Value}) {
			return false
		}
	}
	return true
}

func attrValues(env edvwire.Document, attr string) []string {
	for _, indexed := range env.Indexed {
		if indexed.Attr == attr {
			return indexed.Values
		}
	}
	return nil
}

func overlaps(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, response any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, edvwire.ErrorResponse{Error: code, Description: description})
}
