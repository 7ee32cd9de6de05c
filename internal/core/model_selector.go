package core

import "strings"

// ModelSelector splits a logical model id of the form "vendor:model".
// Model is the upstream model name without the prefix.
type ModelSelector struct {
	Model  string
	Prefix string
}

// Qualified returns "prefix:model" when Prefix is set, or only the model otherwise.
func (s ModelSelector) Qualified() string {
	if s.Prefix == "" {
		return s.Model
	}
	return s.Prefix + ":" + s.Model
}

// ParseModelSelector strips everything up to and including the first ':'.
//
// Accepted forms:
//   - model only: "gpt-4o"
//   - prefixed: "openai:gpt-4o"
//   - nested: "ollama:llama3:8b" (prefix "ollama", model "llama3:8b")
func ParseModelSelector(id string) ModelSelector {
	id = strings.TrimSpace(id)
	prefix, rest, found := strings.Cut(id, ":")
	if !found {
		return ModelSelector{Model: id}
	}
	return ModelSelector{Model: strings.TrimSpace(rest), Prefix: strings.TrimSpace(prefix)}
}

// UpstreamModelName resolves the model name sent to the vendor: an explicit
// "model" parameter first, then the logical id, then fallback.
func UpstreamModelName(params Params, modelID, fallback string) string {
	name := params.String("model")
	if name == "" {
		name = modelID
	}
	if m := ParseModelSelector(name).Model; m != "" {
		return m
	}
	return fallback
}
