// Package specfile reads spec documents from YAML or JSON into the plain
// map/list/scalar tree the analyzer consumes.
package specfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads a document from path. "-" reads standard input.
func Load(path string) (any, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Parse decodes YAML (and therefore JSON) text. An empty document decodes
// to nil.
func Parse(data []byte) (any, error) {
	var raw any
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("invalid spec document: %w", err)
	}
	return Normalize(raw)
}

// DecodeJSON decodes stored JSON, keeping number spelling so integers stay
// integers.
func DecodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid spec document: %w", err)
	}
	return raw, nil
}

// Canonical encodes doc as compact JSON with sorted mapping keys.
func Canonical(doc any) ([]byte, error) {
	return json.Marshal(doc)
}

// Normalize rewrites YAML-specific values: mappings with non-string keys
// get their keys stringified and timestamps become RFC 3339 strings.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			n, err := Normalize(val)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			key, ok := scalarKey(k)
			if !ok {
				return nil, fmt.Errorf("unsupported mapping key %v (%T)", k, k)
			}
			n, err := Normalize(val)
			if err != nil {
				return nil, err
			}
			out[key] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			n, err := Normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case time.Time:
		return x.UTC().Format(time.RFC3339), nil
	}
	return v, nil
}

func scalarKey(k any) (string, bool) {
	switch x := k.(type) {
	case string:
		return x, true
	case int, int64, uint64, float64, bool:
		return fmt.Sprint(x), true
	case nil:
		return "null", true
	}
	return "", false
}
