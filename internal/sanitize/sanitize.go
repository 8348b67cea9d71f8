// Package sanitize enforces the storage value contract from spec.md §4.2:
// every string nested anywhere inside a value has '<' and '>' stripped, and
// the whole value is rejected if its serialized form exceeds the configured
// byte cap.
package sanitize

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ErrTooLarge is returned when a sanitized value's serialized form exceeds
// the configured cap. Callers must discard the enclosing operation, per
// spec.md §4.1 step 1 and §7.
type ErrTooLarge struct {
	Bytes int
	Cap   int
}

func (e *ErrTooLarge) Error() string {
	return fmt.Sprintf("value serializes to %d bytes, exceeding the %d byte cap", e.Bytes, e.Cap)
}

// Walk recursively strips '<' and '>' from every string reachable inside v
// (through slices and maps; primitives pass through unchanged), then checks
// the serialized size of the result against maxBytes. It returns the
// sanitized value, or an error if the value is oversized.
//
// Cyclic structures are rejected as a side effect: json.Marshal fails on
// cycles, which this function surfaces as a size-check failure rather than
// a panic.
func Walk(v interface{}, maxBytes int) (interface{}, error) {
	if _, err := json.Marshal(v); err != nil {
		return nil, &ErrTooLarge{Bytes: -1, Cap: maxBytes}
	}
	clean := walk(v)

	data, err := json.Marshal(clean)
	if err != nil {
		return nil, &ErrTooLarge{Bytes: -1, Cap: maxBytes}
	}
	if len(data) > maxBytes {
		return nil, &ErrTooLarge{Bytes: len(data), Cap: maxBytes}
	}
	return clean, nil
}

func walk(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return stripAngleBrackets(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = walk(elem)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			out[k] = walk(elem)
		}
		return out
	default:
		return v
	}
}

func stripAngleBrackets(s string) string {
	if !strings.ContainsAny(s, "<>") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '<' || r == '>' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Size returns the serialized byte size of v, or -1 if it cannot be
// serialized (e.g. a cyclic structure).
func Size(v interface{}) int {
	data, err := json.Marshal(v)
	if err != nil {
		return -1
	}
	return len(data)
}
