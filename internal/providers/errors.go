package providers

import (
	"context"
	"errors"
	"net/http"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"modelhub/internal/core"
	"modelhub/internal/pkg/llmclient"
)

// maxErrorMessage caps an unparsed error body used as a message.
const maxErrorMessage = 512

// truncateRunes cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// ErrorInfo is what a dialect extracts from an error payload.
type ErrorInfo struct {
	Code    string
	Message string
}

// OpenAIErrorInfo reads {"error": {"code", "type", "message"}}. The code is
// preferred over the type when both are present.
func OpenAIErrorInfo(doc gjson.Result) (ErrorInfo, bool) {
	e := doc.Get("error")
	if !e.Exists() {
		return ErrorInfo{}, false
	}
	if e.Type == gjson.String {
		return ErrorInfo{Message: e.Str}, true
	}
	info := ErrorInfo{
		Code:    FirstString(e, "code", "type"),
		Message: e.Get("message").String(),
	}
	return info, info.Code != "" || info.Message != ""
}

// lookupKind resolves a code against a table, also trying the error type
// field for OpenAI-shaped payloads.
func lookupKind(table map[string]core.ErrorKind, doc gjson.Result, info ErrorInfo) (core.ErrorKind, bool) {
	if k, ok := table[info.Code]; ok && info.Code != "" {
		return k, true
	}
	if t := doc.Get("error.type").String(); t != "" {
		if k, ok := table[t]; ok {
			return k, true
		}
	}
	return "", false
}

// HandleError maps any failure from the transport or the decoder to a typed
// error. Already typed errors pass through with the vendor filled in.
func (a *Adapter) HandleError(err error) *core.ModelError {
	if err == nil {
		return nil
	}
	vendor := string(a.d.Vendor)

	var me *core.ModelError
	if errors.As(err, &me) {
		if me.Vendor == "" {
			cp := *me
			cp.Vendor = vendor
			return &cp
		}
		return me
	}

	var se *llmclient.StatusError
	if errors.As(err, &se) {
		return a.fromPayload(se.StatusCode, se.Body, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewTimeoutError(vendor, "request timed out", err)
	}
	return core.NewModelError(core.ErrorKindUnknown, vendor, err.Error(), err)
}

// fromPayload classifies an error body. A vendor code found in the dialect
// table wins; otherwise the HTTP status decides; a 200 with an unmapped code
// is unknown.
func (a *Adapter) fromPayload(status int, body []byte, cause error) *core.ModelError {
	vendor := string(a.d.Vendor)
	doc := gjson.ParseBytes(body)

	info, found := a.errorInfo(doc)
	if !found {
		info.Message = truncateRunes(string(body), maxErrorMessage)
		if info.Message == "" {
			info.Message = http.StatusText(status)
		}
	}

	kind, ok := core.ErrorKind(""), false
	if a.d.ErrorKind != nil {
		kind, ok = a.d.ErrorKind(status, info)
	}
	if !ok {
		kind, ok = lookupKind(a.d.ErrorCodes, doc, info)
	}
	if !ok {
		if status >= 400 {
			kind = core.KindFromStatus(status)
		} else {
			kind = core.ErrorKindUnknown
		}
	}

	code := status
	if code < 400 {
		code = 0
	}
	return &core.ModelError{
		Kind:       kind,
		Message:    info.Message,
		StatusCode: code,
		Vendor:     vendor,
		Code:       info.Code,
		Err:        cause,
	}
}

func (a *Adapter) errorInfo(doc gjson.Result) (ErrorInfo, bool) {
	if a.d.ErrorInfo != nil {
		return a.d.ErrorInfo(doc)
	}
	return OpenAIErrorInfo(doc)
}
