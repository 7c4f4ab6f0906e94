package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const maxJSONDepth = 16

// SafeUnmarshal parses JSON into v after rejecting keys that would poison a
// prototype chain downstream ("__proto__", "constructor", "prototype") at
// any nesting level, and structures deeper than maxJSONDepth.
func SafeUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return fmt.Errorf("wire: parse json: %w", err)
	}
	if err := checkSafe(generic, 0); err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func checkSafe(v any, depth int) error {
	if depth > maxJSONDepth {
		return fmt.Errorf("wire: json nested deeper than %d", maxJSONDepth)
	}
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			switch k {
			case "__proto__", "constructor", "prototype":
				return fmt.Errorf("wire: forbidden key %q", k)
			}
			if err := checkSafe(child, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range t {
			if err := checkSafe(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
