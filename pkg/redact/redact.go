// Package redact summarizes caller input for audit logging without
// retaining any of its content. Only the type tag and shallow shape are
// recorded; nested values are never inspected.
package redact

import (
	"fmt"
	"sort"
)

// Metadata describes the shape of a decoded JSON input value.
func Metadata(input any) map[string]any {
	switch v := input.(type) {
	case string:
		return map[string]any{"type": "string", "length": len(v)}
	case []byte:
		return map[string]any{"type": "buffer", "size": len(v)}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return map[string]any{"type": "object", "keys": keys}
	case []any:
		return map[string]any{"type": "array", "length": len(v)}
	default:
		return map[string]any{"type": typeName(input)}
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}
