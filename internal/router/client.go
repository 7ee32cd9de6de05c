package router

import (
	"context"
	"slices"

	"modelhub/internal/core"
)

// Client is one routable backend.
type Client interface {
	Name() string
	// SupportedModels lists the logical model ids the client serves.
	SupportedModels() []string
	Status() core.ModelStatus
	Generate(ctx context.Context, prompt string, params core.Params) (*core.ModelResponse, error)
	Chat(ctx context.Context, messages []core.Message, params core.Params) (*core.ModelResponse, error)
	Close() error
}

// ModelClient adapts a core.Model to Client.
type ModelClient struct {
	name   string
	model  core.Model
	models []string
}

// NewModelClient wraps m. When models is empty the model's own id is
// advertised.
func NewModelClient(name string, m core.Model, models ...string) *ModelClient {
	if len(models) == 0 {
		models = []string{m.Info().ModelID}
	}
	return &ModelClient{name: name, model: m, models: slices.Clone(models)}
}

func (c *ModelClient) Name() string              { return c.name }
func (c *ModelClient) SupportedModels() []string { return slices.Clone(c.models) }
func (c *ModelClient) Status() core.ModelStatus  { return c.model.Status() }
func (c *ModelClient) Close() error              { return c.model.Close() }

// Model returns the wrapped model for stream calls.
func (c *ModelClient) Model() core.Model { return c.model }

func (c *ModelClient) Generate(ctx context.Context, prompt string, params core.Params) (*core.ModelResponse, error) {
	return c.model.Generate(ctx, prompt, params)
}

func (c *ModelClient) Chat(ctx context.Context, messages []core.Message, params core.Params) (*core.ModelResponse, error) {
	return c.model.Chat(ctx, messages, params)
}

// available reports whether a client may take traffic. BUSY counts: a
// model serves concurrent calls.
func available(c Client) bool {
	switch c.Status() {
	case core.StatusReady, core.StatusBusy:
		return true
	}
	return false
}

// live reports whether a client is still registered for service.
func live(c Client) bool {
	switch c.Status() {
	case core.StatusOffline, core.StatusClosing:
		return false
	}
	return true
}
