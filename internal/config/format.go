package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes converts YAML or TOML config to JSON so one strict JSON
// decoder (DisallowUnknownFields) serves every format.
//
// Returns (jsonBytes, format, err) where format is "json", "yaml" or "toml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	var (
		v      any
		format string
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, format, fmt.Errorf("yaml unmarshal: %w", err)
		}
	case ".toml":
		format = "toml"
		var m map[string]any
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, format, fmt.Errorf("toml unmarshal: %w", err)
		}
		v = m
	default:
		return data, "json", nil
	}

	j, err := json.Marshal(normalize(v))
	if err != nil {
		return nil, format, fmt.Errorf("%s->json marshal: %w", format, err)
	}
	return j, format, nil
}

// normalize makes every map key a string so the value can be JSON-marshaled.
func normalize(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalize(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalize(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	default:
		return in
	}
}
