package querycache

import (
	"fmt"
	"sort"
	"strings"
)

// Key identifies one cached result: a resource name plus its canonicalized
// query parameters. Two semantically identical requests always produce the
// same Key regardless of parameter order or zero-valued defaults.
type Key string

// NewKey builds a canonical key from a resource name and its effective
// parameters. Zero values (empty strings, 0, false, nil) are dropped so a
// request with defaults collapses onto the bare resource key.
func NewKey(resource string, params map[string]any) Key {
	if len(params) == 0 {
		return Key(resource)
	}

	parts := make([]string, 0, len(params))
	for name, value := range params {
		if isZero(value) {
			continue
		}
		parts = append(parts, name+"="+fmt.Sprintf("%v", value))
	}
	if len(parts) == 0 {
		return Key(resource)
	}
	sort.Strings(parts)
	return Key(resource + "?" + strings.Join(parts, "&"))
}

// Matches reports whether k falls under the given prefix. The match is
// boundary-aware: prefix "appointments" covers "appointments",
// "appointments?patient_id=1" and "appointments/a1", but not
// "appointments_archive". The empty prefix matches every key.
func (k Key) Matches(prefix Key) bool {
	if prefix == "" {
		return true
	}
	if k == prefix {
		return true
	}
	p := string(prefix)
	return strings.HasPrefix(string(k), p+"?") || strings.HasPrefix(string(k), p+"/")
}

// Resource returns the resource part of the key, without parameters.
func (k Key) Resource() string {
	if i := strings.IndexByte(string(k), '?'); i >= 0 {
		return string(k)[:i]
	}
	return string(k)
}

func isZero(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case int:
		return t == 0
	case int64:
		return t == 0
	case float64:
		return t == 0
	case bool:
		return !t
	default:
		return false
	}
}
