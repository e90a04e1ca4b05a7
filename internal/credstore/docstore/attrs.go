package docstore

import (
	"fmt"
	"strconv"
	"strings"

	"vcvault/internal/credstore/models"
)

// AttributeValues resolves an attribute path against a document, yielding the
// string values adapters index and match on. Set-valued attributes
// (meta.bundledBy, array-valued content members) yield all elements, so
// equality means containment.
func AttributeValues(doc models.Document, path string) []string {
	switch path {
	case AttrID:
		return []string{doc.ID}
	case AttrIssuer:
		if doc.Meta.Issuer == "" {
			return nil
		}
		return []string{doc.Meta.Issuer}
	case AttrBundledBy:
		return doc.Meta.BundledBy
	case AttrDisplayable:
		return []string{strconv.FormatBool(doc.Meta.Displayable)}
	}
	if rest, ok := strings.CutPrefix(path, "content."); ok {
		return contentValues(map[string]any(doc.Content), strings.Split(rest, "."))
	}
	return nil
}

func contentValues(node any, segments []string) []string {
	if len(segments) == 0 {
		return stringValues(node)
	}
	m, ok := node.(map[string]any)
	if !ok {
		return nil
	}
	return contentValues(m[segments[0]], segments[1:])
}

func stringValues(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case bool:
		return []string{strconv.FormatBool(t)}
	case []any:
		var out []string
		for _, e := range t {
			out = append(out, stringValues(e)...)
		}
		return out
	case nil:
		return nil
	default:
		return []string{fmt.Sprintf("%v", t)}
	}
}
