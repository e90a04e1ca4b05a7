// Package models defines the credential document shapes stored by the
// credential store: the raw credential payload, its mutable metadata sidecar,
// and the bundle tree materialized by closure loads.
package models

import (
	"sort"
	"time"

	dErrors "vcvault/pkg/domain-errors"
)

// Credential is the raw credential payload as parsed JSON. The application
// identifier is the optional "id" member; "issuer" is either a string or an
// object carrying a string "id".
type Credential map[string]any

// ID returns the application identifier of the credential, if present.
func (c Credential) ID() (string, bool) {
	id, ok := c["id"].(string)
	return id, ok && id != ""
}

// Issuer extracts the issuer identifier from the payload. It accepts the two
// shapes allowed for verifiable credentials: a bare string or an object with
// a string "id" member.
func (c Credential) Issuer() (string, error) {
	switch v := c["issuer"].(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case map[string]any:
		if id, ok := v["id"].(string); ok && id != "" {
			return id, nil
		}
	}
	return "", dErrors.New(dErrors.CodeInvalidInput,
		`credential "issuer" must be a string or an object with an "id" string`)
}

// Clone returns a deep copy of the payload.
func (c Credential) Clone() Credential {
	if c == nil {
		return nil
	}
	return Credential(copyValue(map[string]any(c)).(map[string]any))
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = copyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

// Meta is the mutable sidecar owned by the credential store. BundledBy is the
// set of application ids of credentials that currently bundle this document;
// Dependent is tri-state so an explicit false ("keep me when unlinked")
// survives merges.
type Meta struct {
	Issuer      string    `json:"issuer,omitempty"`
	Displayable bool      `json:"displayable,omitempty"`
	Bundle      bool      `json:"bundle,omitempty"`
	BundledBy   []string  `json:"bundledBy,omitempty"`
	Dependent   *bool     `json:"dependent,omitempty"`
	Created     time.Time `json:"created,omitzero"`
	Updated     time.Time `json:"updated,omitzero"`
}

// Clone returns a copy that shares no mutable state with the receiver.
func (m Meta) Clone() Meta {
	out := m
	if m.BundledBy != nil {
		out.BundledBy = append([]string(nil), m.BundledBy...)
	}
	if m.Dependent != nil {
		d := *m.Dependent
		out.Dependent = &d
	}
	return out
}

// AddBundledBy inserts ids into the BundledBy set, keeping it sorted and
// duplicate-free.
func (m *Meta) AddBundledBy(ids ...string) {
	seen := make(map[string]struct{}, len(m.BundledBy)+len(ids))
	for _, id := range m.BundledBy {
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		seen[id] = struct{}{}
	}
	m.BundledBy = m.BundledBy[:0]
	for id := range seen {
		m.BundledBy = append(m.BundledBy, id)
	}
	sort.Strings(m.BundledBy)
	if len(m.BundledBy) == 0 {
		m.BundledBy = nil
	}
}

// RemoveBundledBy removes ids from the BundledBy set.
func (m *Meta) RemoveBundledBy(ids ...string) {
	if len(m.BundledBy) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := m.BundledBy[:0]
	for _, id := range m.BundledBy {
		if _, gone := drop[id]; !gone {
			kept = append(kept, id)
		}
	}
	m.BundledBy = kept
	if len(m.BundledBy) == 0 {
		m.BundledBy = nil
	}
}

// BundledByContains reports whether id is in the BundledBy set.
func (m Meta) BundledByContains(id string) bool {
	for _, b := range m.BundledBy {
		if b == id {
			return true
		}
	}
	return false
}

// Independent reports whether the document was explicitly marked dependent:false,
// meaning it must survive the deletion of its last bundling parent.
func (m Meta) Independent() bool {
	return m.Dependent != nil && !*m.Dependent
}

// Bool is a convenience for building tri-state Dependent values.
func Bool(v bool) *bool { return &v }

// Document is the unit of storage: a store-assigned handle, a monotonic
// sequence for optimistic concurrency, the credential payload, and its meta.
type Document struct {
	ID       string     `json:"id"`
	Sequence uint64     `json:"sequence"`
	Content  Credential `json:"content"`
	Meta     Meta       `json:"meta"`
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	out := d
	out.Content = d.Content.Clone()
	out.Meta = d.Meta.Clone()
	return out
}

// Bundle is a node in the materialized bundle closure: the bundling
// credential's application id plus references to its current contents.
// Bundles are never persisted; they are assembled on demand from BundledBy
// back-references.
type Bundle struct {
	ID       string
	Contents []*BundleItem
}

// BundleItem is a child reference inside a bundle: the child document and, if
// the child is itself a bundle root, its nested bundle node. Nested bundles
// are shared, not owned; a document bundled by several parents appears as an
// item under each of them, pointing at the same nested node.
type BundleItem struct {
	Doc    Document
	Bundle *Bundle
}

// Find returns the item for the given application id, searching the bundle
// tree depth-first. Used mostly by tests to assert closure shapes.
func (b *Bundle) Find(appID string) *BundleItem {
	if b == nil {
		return nil
	}
	for _, item := range b.Contents {
		if id, ok := item.Doc.Content.ID(); ok && id == appID {
			return item
		}
		if found := item.Bundle.Find(appID); found != nil {
			return found
		}
	}
	return nil
}
