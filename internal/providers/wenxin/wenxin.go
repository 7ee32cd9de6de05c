// Package wenxin describes the Baidu Qianfan (ERNIE) chat API.
package wenxin

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"modelhub/internal/core"
	"modelhub/internal/pkg/llmclient"
	"modelhub/internal/providers"
)

const (
	// DefaultBaseURL is used when a model config has no endpoint.
	DefaultBaseURL = "https://aip.baidubce.com"
	chatPathPrefix = "/rpc/2.0/ai_custom/v1/wenxinworkshop/chat/"
	// fallbackSegment is the path segment used when no model name resolves.
	fallbackSegment = "ernie-bot"
)

var errorCodes = map[string]core.ErrorKind{
	"2":      core.ErrorKindInvalidRequest,
	"4":      core.ErrorKindAuthentication,
	"6":      core.ErrorKindAuthentication,
	"14":     core.ErrorKindAuthentication,
	"15":     core.ErrorKindAuthentication,
	"17":     core.ErrorKindAuthentication,
	"18":     core.ErrorKindAuthentication,
	"19":     core.ErrorKindRateLimit,
	"336100": core.ErrorKindRateLimit,
	"336101": core.ErrorKindContentFilter,
	"336102": core.ErrorKindContextLength,
	"336103": core.ErrorKindServer,
	"336104": core.ErrorKindServer,
}

// Dialect is the Qianfan API description. The access token is added to the
// query by the OAuth provider.
var Dialect = providers.Dialect{
	Vendor:       core.VendorWenxin,
	BaseURL:      DefaultBaseURL,
	DefaultModel: "ernie-4.0",
	Framing:      llmclient.FramingSSE,
	NativeTools:  true,
	Params: providers.ParamTable(providers.CommonParams, map[string]string{
		"max_tokens":        "max_output_tokens",
		"user":              "user_id",
		"top_k":             "",
		"frequency_penalty": "",
		"presence_penalty":  "",
		"seed":              "",
		"response_format":   "",
		"penalty_score":     "penalty_score",
		"disable_search":    "disable_search",
		"enable_citation":   "enable_citation",
	}),
	Messages: func(rc *providers.RequestContext) error {
		rc.Body["messages"] = providers.FoldRoles(rc.Messages, map[core.Role]providers.FoldedMessage{
			core.RoleSystem:   {Role: core.RoleUser, Prefix: "[系统指令] "},
			core.RoleTool:     {Role: core.RoleAssistant, Prefix: "工具调用结果: "},
			core.RoleFunction: {Role: core.RoleAssistant, Prefix: "工具调用结果: "},
		})
		return nil
	},
	Tools: tools,
	Body: func(rc *providers.RequestContext) error {
		// the model is addressed by path
		delete(rc.Body, "model")
		return nil
	},
	Path: func(rc *providers.RequestContext) (string, error) {
		segment := strings.ToLower(rc.Model)
		if segment == "" {
			segment = fallbackSegment
		}
		return chatPathPrefix + segment, nil
	},
	ContentPaths: []string{"result"},
	Chunk:        chunk,
	ErrorInfo:    errorInfo,
	ErrorCodes:   errorCodes,
}

func init() {
	providers.Register(Dialect)
}

// tools sends definitions as "functions"; a forced choice becomes
// "function_call".
func tools(rc *providers.RequestContext) error {
	fns := make([]map[string]any, 0, len(rc.Request.Tools))
	for _, t := range rc.Request.Tools {
		fn := map[string]any{"name": t.Function.Name, "description": t.Function.Description}
		if t.Function.Parameters != nil {
			fn["parameters"] = t.Function.Parameters
		}
		fns = append(fns, fn)
	}
	rc.Body["functions"] = fns
	if name, ok := core.ForcedFunctionName(rc.Request.ToolChoice); ok {
		rc.Body["function_call"] = map[string]any{"name": name}
	}
	return nil
}

// errorInfo reads {"error_code": 110, "error_msg": "..."}.
func errorInfo(doc gjson.Result) (providers.ErrorInfo, bool) {
	code := doc.Get("error_code")
	if !code.Exists() {
		return providers.OpenAIErrorInfo(doc)
	}
	info := providers.ErrorInfo{Message: doc.Get("error_msg").String()}
	if code.Type == gjson.Number {
		info.Code = strconv.FormatInt(code.Int(), 10)
	} else {
		info.Code = code.String()
	}
	return info, true
}

func chunk(line llmclient.Line) (providers.Chunk, error) {
	if line.Done {
		return providers.Chunk{Done: true}, nil
	}
	if !gjson.ValidBytes(line.Data) {
		return providers.Chunk{}, core.NewServerError(string(core.VendorWenxin), http.StatusBadGateway, "invalid stream chunk", nil)
	}
	doc := gjson.ParseBytes(line.Data)
	if info, ok := errorInfo(doc); ok {
		kind, found := errorCodes[info.Code]
		if !found {
			kind = core.ErrorKindUnknown
		}
		return providers.Chunk{}, &core.ModelError{Kind: kind, Message: info.Message, Vendor: string(core.VendorWenxin), Code: info.Code}
	}

	c := providers.Chunk{
		Text:       providers.FirstString(doc, "result", "delta"),
		ResponseID: doc.Get("id").String(),
		Done:       doc.Get("is_end").Bool(),
	}
	if doc.Get("usage").IsObject() {
		u := providers.ExtractUsage(doc)
		c.Usage = &u
	}
	return c, nil
}
