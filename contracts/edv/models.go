// Package edv hosts the wire DTOs shared between the encrypted-data-vault
// client adapter and the reference vault server. The server only ever sees
// ciphertext and blinded index terms; these shapes are deliberately free of
// plaintext credential fields.
package edv

// ContractVersion identifies the wire schema version for compatibility checks.
const ContractVersion = "v0.1.0"

// Document is the encrypted document envelope. Sequence is the server-owned
// optimistic-concurrency counter; JWE carries the sealed payload; Indexed
// carries the HMAC-blinded equality tags the server may filter on.
type Document struct {
	ID       string        `json:"id"`
	Sequence uint64        `json:"sequence"`
	JWE      string        `json:"jwe"`
	Indexed  []IndexedAttr `json:"indexed,omitempty"`
}

// IndexedAttr is one blinded attribute with its blinded values. Attr and
// Values are opaque to the server; equality is the only supported predicate.
type IndexedAttr struct {
	Attr   string   `json:"attr"`
	Values []string `json:"values"`
}

// IndexSpec declares a blinded attribute, optionally unique across the vault.
type IndexSpec struct {
	Attr   string `json:"attr"`
	Unique bool   `json:"unique,omitempty"`
}

// Query is a disjunction of clauses; each clause is a conjunction of blinded
// attribute/value equality terms.
type Query struct {
	Equals [][]Term `json:"equals"`
	Limit  int      `json:"limit,omitempty"`
}

// Term is one blinded equality constraint.
type Term struct {
	Attr  string `json:"attr"`
	Value string `json:"value"`
}

// QueryResult is the server's answer to a query.
type QueryResult struct {
	Documents []Document `json:"documents"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// Error discriminators carried in ErrorResponse.Error.
const (
	ErrorNotFound     = "not_found"
	ErrorDuplicate    = "duplicate"
	ErrorInvalidState = "invalid_state"
	ErrorUnauthorized = "unauthorized"
	ErrorBadRequest   = "bad_request"
)
