package output

import (
	"encoding/json"
	"fmt"
)

// NormalizeJSONValue makes a generically decoded CBOR value encodable as JSON: maps get
// string keys and byte strings holding JSON are inlined.
func NormalizeJSONValue(v any) any {
	switch x := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = NormalizeJSONValue(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = NormalizeJSONValue(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = NormalizeJSONValue(val)
		}
		return out
	case []byte:
		if json.Valid(x) {
			return json.RawMessage(x)
		}
		return map[string]any{"bytes": len(x)}
	default:
		return v
	}
}
