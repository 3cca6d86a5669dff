package rules

import (
	"encoding/json"
	"fmt"
)

func marshalForPath(m map[string]any) ([]byte, error) {
	return json.Marshal(m)
}

// unmarshalInto decodes data back into m in place, replacing its contents.
func unmarshalInto(data []byte, m map[string]any) {
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		return
	}
	for k := range m {
		delete(m, k)
	}
	for k, val := range v {
		m[k] = val
	}
}

func toStringFallback(v any) string {
	return fmt.Sprintf("%v", v)
}
