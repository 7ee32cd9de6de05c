package providers

import (
	"maps"
	"strings"

	"modelhub/internal/core"
)

// CommonParams are the generic parameter names every vendor understands
// under the same key. "model" and "stream" are handled separately.
var CommonParams = map[string]string{
	"temperature":       "temperature",
	"top_p":             "top_p",
	"top_k":             "top_k",
	"frequency_penalty": "frequency_penalty",
	"presence_penalty":  "presence_penalty",
	"max_tokens":        "max_tokens",
	"stop":              "stop",
	"user":              "user",
	"seed":              "seed",
	"response_format":   "response_format",
}

// ParamTable derives a vendor table from base. An override with an empty
// target removes the key; any other override adds or renames it.
func ParamTable(base map[string]string, overrides map[string]string) map[string]string {
	out := maps.Clone(base)
	for k, v := range overrides {
		if v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// MapParams copies known parameters into body under their vendor names.
// Unknown keys are dropped.
func MapParams(table map[string]string, params core.Params, body map[string]any) {
	for key, value := range params {
		target, ok := table[key]
		if !ok || value == nil {
			continue
		}
		body[target] = normalizeParam(key, value)
	}
}

func normalizeParam(key string, value any) any {
	switch key {
	case "stop":
		switch v := value.(type) {
		case string:
			return []string{v}
		case []any:
			out := make([]string, 0, len(v))
			for _, s := range v {
				if str, ok := s.(string); ok {
					out = append(out, str)
				}
			}
			return out
		}
	case "response_format":
		if s, ok := value.(string); ok {
			switch strings.ToLower(s) {
			case "json", "json_object":
				return map[string]any{"type": "json_object"}
			case "text":
				return map[string]any{"type": "text"}
			}
		}
	}
	return value
}
