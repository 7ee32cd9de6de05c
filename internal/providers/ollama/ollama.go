// Package ollama describes the Ollama local inference API.
package ollama

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"modelhub/internal/core"
	"modelhub/internal/pkg/llmclient"
	"modelhub/internal/providers"
)

const (
	// DefaultBaseURL is the local Ollama daemon.
	DefaultBaseURL = "http://localhost:11434"
	chatPath       = "/api/chat"
	generatePath   = "/api/generate"
)

// optionKeys are sent under "options" rather than at the top level.
var optionKeys = []string{
	"temperature", "top_p", "top_k", "num_predict", "stop", "seed",
	"frequency_penalty", "presence_penalty", "repeat_penalty",
	"mirostat", "mirostat_eta", "mirostat_tau", "tfs_z",
	"num_ctx", "num_gpu", "num_thread", "num_batch", "numa",
}

// Dialect is the Ollama API description. Ollama has no native tool
// calling contract here, so the catalogue is injected into the prompt.
var Dialect = providers.Dialect{
	Vendor:       core.VendorOllama,
	BaseURL:      DefaultBaseURL,
	DefaultModel: "llama2",
	Framing:      llmclient.FramingNDJSON,
	NativeTools:  false,
	Params: providers.ParamTable(providers.CommonParams, map[string]string{
		"max_tokens":      "num_predict",
		"user":            "",
		"response_format": "",
		"mirostat":        "mirostat",
		"mirostat_eta":    "mirostat_eta",
		"mirostat_tau":    "mirostat_tau",
		"num_ctx":         "num_ctx",
		"num_gpu":         "num_gpu",
		"num_thread":      "num_thread",
		"repeat_penalty":  "repeat_penalty",
		"tfs_z":           "tfs_z",
		"num_batch":       "num_batch",
		"numa":            "numa",
		"keep_alive":      "keep_alive",
	}),
	Messages: messages,
	Body:     nestOptions,
	Path: func(rc *providers.RequestContext) (string, error) {
		if _, ok := rc.Body["messages"]; ok {
			return chatPath, nil
		}
		return generatePath, nil
	},
	ContentPaths: []string{"response"},
	Decode:       decode,
	Chunk:        chunk,
	ErrorKind: func(_ int, info providers.ErrorInfo) (core.ErrorKind, bool) {
		return classify(info.Message)
	},
}

func init() {
	providers.Register(Dialect)
}

// useChat reports whether a message conversation goes to /api/chat.
func useChat(rc *providers.RequestContext) bool {
	if v, ok := rc.Request.Params.Bool("use_chat_api"); ok {
		return v
	}
	m := strings.ToLower(rc.Model)
	return strings.Contains(m, "chat") || strings.Contains(m, "instruct")
}

func messages(rc *providers.RequestContext) error {
	// a bare prompt goes to /api/generate untouched
	if !rc.Request.IsChat() && len(rc.Messages) == 1 {
		rc.Body["prompt"] = rc.Request.Prompt
		return nil
	}
	if rc.Request.IsChat() && useChat(rc) {
		rc.Body["messages"] = providers.FoldRoles(rc.Messages, map[core.Role]providers.FoldedMessage{
			core.RoleTool:     {Role: core.RoleAssistant, Prefix: "[工具调用结果] "},
			core.RoleFunction: {Role: core.RoleAssistant, Prefix: "[工具调用结果] "},
		})
		return nil
	}
	rc.Body["prompt"] = FoldPrompt(rc.Messages)
	return nil
}

var promptLabels = map[core.Role]string{
	core.RoleSystem:    "[系统]: ",
	core.RoleUser:      "[用户]: ",
	core.RoleAssistant: "[助手]: ",
	core.RoleTool:      "[工具调用结果]: ",
	core.RoleFunction:  "[工具调用结果]: ",
}

// FoldPrompt renders a conversation as one labelled prompt ending with the
// assistant label.
func FoldPrompt(msgs []core.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(promptLabels[m.Role.Normalize()])
		b.WriteString(m.Text())
		b.WriteString("\n\n")
	}
	b.WriteString(promptLabels[core.RoleAssistant])
	return b.String()
}

func nestOptions(rc *providers.RequestContext) error {
	opts := map[string]any{}
	for _, k := range optionKeys {
		if v, ok := rc.Body[k]; ok {
			opts[k] = v
			delete(rc.Body, k)
		}
	}
	if len(opts) > 0 {
		rc.Body["options"] = opts
	}
	if f, ok := rc.Request.Params["response_format"]; ok {
		switch v := f.(type) {
		case string:
			if strings.EqualFold(v, "json") || strings.EqualFold(v, "json_object") {
				rc.Body["format"] = "json"
			}
		case map[string]any:
			if v["type"] == "json_object" {
				rc.Body["format"] = "json"
			}
		}
	}
	// the generate API streams by default
	rc.Body["stream"] = rc.Request.Stream
	return nil
}

// decode fills what Ollama leaves out: a response id and a parsed
// RFC 3339 creation time.
func decode(doc gjson.Result, resp *core.ModelResponse) {
	if resp.ResponseID == "" {
		resp.ResponseID = uuid.NewString()
	}
	if ts := doc.Get("created_at"); ts.Type == gjson.String {
		if t, err := time.Parse(time.RFC3339Nano, ts.Str); err == nil {
			resp.CreatedAt = t.UnixMilli()
		}
	}
}

func chunk(line llmclient.Line) (providers.Chunk, error) {
	if line.Done {
		return providers.Chunk{Done: true}, nil
	}
	if !gjson.ValidBytes(line.Data) {
		return providers.Chunk{}, core.NewServerError(string(core.VendorOllama), http.StatusBadGateway, "invalid stream line", nil)
	}
	doc := gjson.ParseBytes(line.Data)
	if e := doc.Get("error"); e.Exists() {
		kind, ok := classify(e.String())
		if !ok {
			kind = core.ErrorKindUnknown
		}
		return providers.Chunk{}, core.NewModelError(kind, string(core.VendorOllama), e.String(), nil)
	}
	c := providers.Chunk{
		Text: providers.FirstString(doc, "response", "message.content"),
		Done: doc.Get("done").Bool(),
	}
	if c.Done && doc.Get("eval_count").Exists() {
		u := providers.ExtractUsage(doc)
		c.Usage = &u
	}
	return c, nil
}

// classify maps Ollama's free-text errors by keyword.
func classify(msg string) (core.ErrorKind, bool) {
	m := strings.ToLower(msg)
	has := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(m, w) {
				return true
			}
		}
		return false
	}
	switch {
	case m == "":
		return "", false
	case has("auth", "unauthorized", "token"):
		return core.ErrorKindAuthentication, true
	case has("rate", "limit"):
		return core.ErrorKindRateLimit, true
	case has("context", "length", "too large"):
		return core.ErrorKindContextLength, true
	case has("invalid", "parameter", "format"):
		return core.ErrorKindInvalidRequest, true
	case has("server", "internal"):
		return core.ErrorKindServer, true
	case has("not found", "model", "unavailable"):
		return core.ErrorKindModelUnavailable, true
	case has("content", "filter", "moderation"):
		return core.ErrorKindContentFilter, true
	}
	return "", false
}
