package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"modelhub/internal/core"
	"modelhub/internal/usage"
)

// Selection says which model should serve a request. Model may be a model
// id or an alias; Vendor is a routing preference.
type Selection struct {
	Model    string
	Vendor   string
	Fallback bool
}

// ModelView is one entry of GET /v1/models.
type ModelView struct {
	ModelID string      `json:"model_id"`
	Vendor  core.Vendor `json:"vendor"`
	// Status is empty until the model is first used.
	Status  string   `json:"status,omitempty"`
	Aliases []string `json:"aliases,omitempty"`
	Healthy *bool    `json:"healthy,omitempty"`
	// AvgLatencyMs comes from health probes.
	AvgLatencyMs int64 `json:"avg_latency_ms,omitempty"`
}

// Backend resolves the model for a request and lists what is configured.
type Backend interface {
	Resolve(ctx context.Context, sel Selection) (core.Model, error)
	Models() []ModelView
}

// Handler holds the HTTP handlers
type Handler struct {
	backend Backend
	usage   usage.Reader
}

// NewHandler creates a new handler. reader may be nil.
func NewHandler(backend Backend, reader usage.Reader) *Handler {
	return &Handler{backend: backend, usage: reader}
}

type callRequest struct {
	Model    string         `json:"model"`
	Vendor   string         `json:"vendor"`
	Fallback bool           `json:"fallback"`
	Prompt   string         `json:"prompt"`
	Messages []core.Message `json:"messages"`
	Params   core.Params    `json:"params"`
}

func (r *callRequest) selection() Selection {
	return Selection{Model: r.Model, Vendor: r.Vendor, Fallback: r.Fallback}
}

func (h *Handler) bind(c echo.Context, chat bool) (*callRequest, core.Model, error) {
	var req callRequest
	if err := c.Bind(&req); err != nil {
		return nil, nil, core.NewInvalidRequestError("invalid request body: "+err.Error(), err)
	}
	if chat && len(req.Messages) == 0 {
		return nil, nil, core.NewInvalidRequestError("messages are required", nil)
	}
	if !chat && req.Prompt == "" {
		return nil, nil, core.NewInvalidRequestError("prompt is required", nil)
	}
	m, err := h.backend.Resolve(c.Request().Context(), req.selection())
	if err != nil {
		return nil, nil, err
	}
	return &req, m, nil
}

// Generate handles POST /v1/generate
func (h *Handler) Generate(c echo.Context) error {
	req, m, err := h.bind(c, false)
	if err != nil {
		return handleError(c, err)
	}
	resp, err := m.Generate(c.Request().Context(), req.Prompt, req.Params)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Chat handles POST /v1/chat
func (h *Handler) Chat(c echo.Context) error {
	req, m, err := h.bind(c, true)
	if err != nil {
		return handleError(c, err)
	}
	resp, err := m.Chat(c.Request().Context(), req.Messages, req.Params)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// GenerateStream handles POST /v1/generate/stream
func (h *Handler) GenerateStream(c echo.Context) error {
	req, m, err := h.bind(c, false)
	if err != nil {
		return handleError(c, err)
	}
	s, err := m.GenerateStream(c.Request().Context(), req.Prompt, req.Params)
	if err != nil {
		return handleError(c, err)
	}
	return writeSSE(c, s)
}

// ChatStream handles POST /v1/chat/stream
func (h *Handler) ChatStream(c echo.Context) error {
	req, m, err := h.bind(c, true)
	if err != nil {
		return handleError(c, err)
	}
	s, err := m.ChatStream(c.Request().Context(), req.Messages, req.Params)
	if err != nil {
		return handleError(c, err)
	}
	return writeSSE(c, s)
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ListModels handles GET /v1/models
func (h *Handler) ListModels(c echo.Context) error {
	models := h.backend.Models()
	if models == nil {
		models = []ModelView{}
	}
	return c.JSON(http.StatusOK, map[string]any{"data": models})
}

// Usage handles GET /v1/usage?since=&until=&model=&group=model
func (h *Handler) Usage(c echo.Context) error {
	if h.usage == nil {
		return handleError(c, core.NewModelError(core.ErrorKindModelUnavailable, "", "usage tracking is disabled", nil))
	}
	q, err := usageQuery(c)
	if err != nil {
		return handleError(c, err)
	}
	ctx := c.Request().Context()
	if c.QueryParam("group") == "model" {
		rows, err := h.usage.ByModel(ctx, q)
		if err != nil {
			return handleError(c, err)
		}
		if rows == nil {
			rows = []usage.ModelUsage{}
		}
		return c.JSON(http.StatusOK, map[string]any{"data": rows})
	}
	sum, err := h.usage.Summary(ctx, q)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, sum)
}

func usageQuery(c echo.Context) (usage.Query, error) {
	q := usage.Query{ModelID: c.QueryParam("model")}
	for name, dst := range map[string]*time.Time{"since": &q.Since, "until": &q.Until} {
		raw := c.QueryParam(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, core.NewInvalidRequestError(name+" must be an RFC 3339 timestamp", err)
		}
		*dst = t
	}
	return q, nil
}

// handleError converts model errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	var modelErr *core.ModelError
	if errors.As(err, &modelErr) {
		return c.JSON(modelErr.HTTPStatusCode(), modelErr.ToJSON())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return handleError(c, core.NewTimeoutError("", "request timed out", err))
	}

	slog.Error("unexpected handler error", "error", err, "request_id", core.GetRequestID(c.Request().Context()))
	return c.JSON(http.StatusInternalServerError, map[string]any{
		"error": map[string]any{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
