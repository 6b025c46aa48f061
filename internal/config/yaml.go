package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes returns data as JSON so one strict decoder handles both
// formats. The second result names the source format for error messages.
// YAML files must hold a single document; an empty one decodes as {}.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, "json", nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc yaml.Node
	switch err := dec.Decode(&doc); {
	case errors.Is(err, io.EOF):
		return []byte("{}"), "yaml", nil
	case err != nil:
		return nil, "yaml", fmt.Errorf("yaml config: %w", err)
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, "yaml", errors.New("yaml config: multiple documents")
	}

	var tree any
	if err := doc.Decode(&tree); err != nil {
		return nil, "yaml", fmt.Errorf("yaml config: %w", err)
	}
	j, err := json.Marshal(jsonable(tree))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml config: %w", err)
	}
	return j, "yaml", nil
}

// jsonable rewrites non-string map keys (e.g. `1: x`) so json.Marshal accepts the tree.
func jsonable(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = jsonable(e)
		}
		return x
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[fmt.Sprint(k)] = jsonable(e)
		}
		return m
	case []any:
		for i, e := range x {
			x[i] = jsonable(e)
		}
		return x
	default:
		return v
	}
}
