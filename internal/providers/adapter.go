// Package providers translates vendor-neutral requests into vendor wire
// bodies and back. Each vendor package describes its API as a Dialect and
// registers it from init(); one generic Adapter drives every dialect.
package providers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"modelhub/internal/core"
	"modelhub/internal/pkg/llmclient"
)

// WireRequest is a converted request ready for the transport.
type WireRequest struct {
	Path    string
	Body    map[string]any
	Query   map[string]string
	Headers map[string]string
}

// Chunk is one decoded streaming event.
type Chunk struct {
	Text       string
	ToolCalls  []ToolCallDelta
	Usage      *core.TokenUsage
	ResponseID string
	// Done marks a vendor completion event.
	Done bool
}

// RequestContext is passed to dialect hooks while a request is built.
type RequestContext struct {
	Config  core.ModelConfig
	Request *core.ModelRequest
	// Model is the resolved upstream model name.
	Model string
	// Messages is the conversation after prompt wrapping and, for dialects
	// without native tools, catalogue injection.
	Messages []core.Message
	Body     map[string]any
	Query    map[string]string
	Headers  map[string]string
}

// Dialect describes one vendor API with pure functions and static facts.
// Nil hooks fall back to the OpenAI-compatible behaviour.
type Dialect struct {
	Vendor core.Vendor
	// BaseURL is used when a model config has no endpoint.
	BaseURL      string
	DefaultModel string
	// ChatPath is used when Path is nil.
	ChatPath string
	Framing  llmclient.Framing
	// NativeTools is false for vendors that need the prompt-injected catalogue.
	NativeTools bool
	// APIKeyHeader carries the raw key instead of "Authorization: Bearer".
	APIKeyHeader string
	// RequestIDHeader forwards the caller's request id when set.
	RequestIDHeader string

	// Params maps generic parameter names to vendor names.
	Params map[string]string

	// Messages writes the converted conversation into rc.Body.
	Messages func(rc *RequestContext) error
	// Tools writes tool definitions and the tool choice into rc.Body.
	Tools func(rc *RequestContext) error
	// Body applies final vendor-specific shaping.
	Body func(rc *RequestContext) error
	// Path resolves the endpoint path.
	Path func(rc *RequestContext) (string, error)
	// Headers returns static vendor headers for a model.
	Headers func(cfg core.ModelConfig) map[string]string

	// ContentPaths are extra root paths tried after the generic ones.
	ContentPaths []string
	// IDPaths locate the response id; "id" is used when empty.
	IDPaths []string
	// Decode adjusts the generic decoding of a full response.
	Decode func(doc gjson.Result, resp *core.ModelResponse)
	// Chunk decodes one streaming payload.
	Chunk func(line llmclient.Line) (Chunk, error)

	// ErrorInfo extracts code and message from an error payload.
	ErrorInfo func(doc gjson.Result) (ErrorInfo, bool)
	// ErrorCodes maps vendor codes (or error types) to kinds.
	ErrorCodes map[string]core.ErrorKind
	// ErrorKind classifies errors that are not table driven.
	ErrorKind func(status int, info ErrorInfo) (core.ErrorKind, bool)
}

// Adapter turns a Dialect into the conversion contract.
type Adapter struct {
	d   Dialect
	now func() time.Time
}

// NewAdapter wraps d.
func NewAdapter(d Dialect) *Adapter {
	return &Adapter{d: d, now: time.Now}
}

// Dialect returns the described vendor facts.
func (a *Adapter) Dialect() Dialect { return a.d }

// Vendor returns the vendor tag.
func (a *Adapter) Vendor() core.Vendor { return a.d.Vendor }

// ConvertRequest builds the vendor wire request.
func (a *Adapter) ConvertRequest(cfg core.ModelConfig, req *core.ModelRequest) (*WireRequest, error) {
	rc := &RequestContext{
		Config:  cfg,
		Request: req,
		Model:   core.UpstreamModelName(req.Params, cfg.ModelID, a.d.DefaultModel),
		Body:    map[string]any{},
		Query:   map[string]string{},
		Headers: map[string]string{},
	}
	rc.Body["model"] = rc.Model
	if req.Stream {
		rc.Body["stream"] = true
	}

	params := a.d.Params
	if params == nil {
		params = CommonParams
	}
	MapParams(params, req.Params, rc.Body)

	if req.IsChat() {
		rc.Messages = req.Messages
	} else {
		rc.Messages = []core.Message{core.UserMessage(req.Prompt)}
	}
	if req.HasTools() && !a.d.NativeTools {
		rc.Messages = InjectToolCatalogue(rc.Messages, req.Tools, req.ToolChoice)
	}

	messages := a.d.Messages
	if messages == nil {
		messages = OpenAIMessages(nil)
	}
	if err := messages(rc); err != nil {
		return nil, err
	}

	if req.HasTools() && a.d.NativeTools {
		tools := a.d.Tools
		if tools == nil {
			tools = OpenAIToolsHook
		}
		if err := tools(rc); err != nil {
			return nil, err
		}
	}

	if a.d.Body != nil {
		if err := a.d.Body(rc); err != nil {
			return nil, err
		}
	}

	path := a.d.ChatPath
	if a.d.Path != nil {
		p, err := a.d.Path(rc)
		if err != nil {
			return nil, err
		}
		path = p
	}

	if a.d.Headers != nil {
		for k, v := range a.d.Headers(cfg) {
			rc.Headers[k] = v
		}
	}

	return &WireRequest{Path: path, Body: rc.Body, Query: rc.Query, Headers: rc.Headers}, nil
}

// ConvertResponse decodes a full response body. req decides whether the
// fallback tool scan runs.
func (a *Adapter) ConvertResponse(req *core.ModelRequest, modelID string, body []byte) (*core.ModelResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, core.NewServerError(string(a.d.Vendor), http.StatusBadGateway, "vendor returned invalid JSON", nil)
	}
	doc := gjson.ParseBytes(body)

	// some vendors report failures inside a 200 body
	if _, ok := a.errorInfo(doc); ok {
		return nil, a.fromPayload(http.StatusOK, body, nil)
	}

	resp := &core.ModelResponse{ModelID: modelID}
	resp.Content, _ = ExtractContent(doc, a.d.ContentPaths...)
	resp.ToolCalls = ExtractToolCalls(doc)
	resp.Usage = ExtractUsage(doc)
	resp.CreatedAt = ExtractCreatedAt(doc, a.now)

	idPaths := a.d.IDPaths
	if len(idPaths) == 0 {
		idPaths = []string{"id"}
	}
	resp.ResponseID = FirstString(doc, idPaths...)

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err == nil {
		resp.Raw = raw
	}

	if a.d.Decode != nil {
		a.d.Decode(doc, resp)
	}

	if req != nil && req.HasTools() && len(resp.ToolCalls) == 0 && !a.d.NativeTools {
		resp.ToolCalls = RecoverToolCalls(resp.Content)
	}
	return resp, nil
}

// ConvertChunk decodes one streaming line.
func (a *Adapter) ConvertChunk(line llmclient.Line) (Chunk, error) {
	if a.d.Chunk != nil {
		return a.d.Chunk(line)
	}
	return a.OpenAIChunk(line)
}

// OpenAIChunk decodes an OpenAI-compatible "chat.completion.chunk".
func (a *Adapter) OpenAIChunk(line llmclient.Line) (Chunk, error) {
	if line.Done {
		return Chunk{Done: true}, nil
	}
	if !gjson.ValidBytes(line.Data) {
		return Chunk{}, core.NewServerError(string(a.d.Vendor), http.StatusBadGateway, "invalid stream chunk: "+string(line.Data), nil)
	}
	doc := gjson.ParseBytes(line.Data)
	if _, ok := a.errorInfo(doc); ok {
		return Chunk{}, a.fromPayload(http.StatusOK, line.Data, nil)
	}

	c := Chunk{ResponseID: doc.Get("id").String()}
	if delta := doc.Get("choices.0.delta"); delta.Exists() {
		if v := delta.Get("content"); v.Type == gjson.String {
			c.Text = v.Str
		}
	} else {
		c.Text, _ = ExtractContent(doc, a.d.ContentPaths...)
	}
	c.ToolCalls = parseToolCallDeltas(doc)
	if u := doc.Get("usage"); u.IsObject() {
		usage := ExtractUsage(doc)
		c.Usage = &usage
	}
	return c, nil
}
