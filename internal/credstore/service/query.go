package service

import (
	"encoding/json"

	"vcvault/internal/credstore/docstore"
	dErrors "vcvault/pkg/domain-errors"
)

// VPRQueryByExample is the single presentation-request type the translator
// supports.
const VPRQueryByExample = "QueryByExample"

// VPRQuery is a verifiable presentation request to translate into local
// document queries.
type VPRQuery struct {
	Type            string               `json:"type"`
	CredentialQuery []VPRCredentialQuery `json:"credentialQuery"`
}

// VPRCredentialQuery is one query-by-example clause of a presentation request.
type VPRCredentialQuery struct {
	Reason  string     `json:"reason,omitempty"`
	Example VPRExample `json:"example"`
}

// VPRExample describes the credentials being requested: one or more types,
// optionally restricted to a set of trusted issuers.
type VPRExample struct {
	Context       TypeValue       `json:"@context,omitempty"`
	Type          TypeValue       `json:"type"`
	TrustedIssuer []TrustedIssuer `json:"trustedIssuer,omitempty"`
}

// TrustedIssuer restricts a query-by-example clause to a single issuer.
type TrustedIssuer struct {
	ID       string `json:"id,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// TypeValue is a JSON value that may be a single string or an array of
// strings, as JSON-LD allows for "type" and "@context".
type TypeValue []string

// UnmarshalJSON accepts either a bare string or an array of strings.
func (t *TypeValue) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = TypeValue{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*t = TypeValue(many)
	return nil
}

// ConvertVPRQuery translates a "QueryByExample" presentation request into
// local equality queries, one per credentialQuery clause. Each clause yields
// the cross-product of its types and trusted issuers; a clause without
// issuers matches on type alone. Anything the translator cannot express
// fails with not_supported rather than silently widening the query.
func (s *Service) ConvertVPRQuery(vpr VPRQuery) ([]docstore.Query, error) {
	if vpr.Type != VPRQueryByExample {
		return nil, dErrors.New(dErrors.CodeNotSupported,
			`vpr query type must be "QueryByExample"`)
	}
	queries := make([]docstore.Query, 0, len(vpr.CredentialQuery))
	for _, cq := range vpr.CredentialQuery {
		if len(cq.Example.Type) == 0 {
			return nil, dErrors.New(dErrors.CodeInvalidInput,
				"credential query example requires a type")
		}
		var clauses []docstore.Clause
		for _, credType := range cq.Example.Type {
			if len(cq.Example.TrustedIssuer) == 0 {
				clauses = append(clauses, docstore.Clause{docstore.AttrContentType: credType})
				continue
			}
			for _, issuer := range cq.Example.TrustedIssuer {
				if issuer.ID == "" {
					return nil, dErrors.New(dErrors.CodeNotSupported,
						"only trusted issuers identified by id are supported")
				}
				clauses = append(clauses, docstore.Clause{
					docstore.AttrContentType: credType,
					docstore.AttrIssuer:      issuer.ID,
				})
			}
		}
		queries = append(queries, docstore.Query{Equals: clauses})
	}
	return queries, nil
}
