package coze

import (
	"net/http"
	"testing"

	"modelhub/internal/core"
	"modelhub/internal/pkg/llmclient"
	"modelhub/internal/providers"
)

func TestConvertRequest(t *testing.T) {
	a := providers.NewAdapter(Dialect)
	req, err := core.NewRequest().Messages(
		core.UserMessage("q"),
		core.ToolMessage("c1", "r"),
	).Param("logit_bias", map[string]any{"50256": -100}).Param("seed", 1).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	wire, err := a.ConvertRequest(core.ModelConfig{ModelID: "coze:bot"}, req)
	if err != nil {
		t.Fatalf("ConvertRequest() error = %v", err)
	}
	msgs := wire.Body["messages"].([]map[string]any)
	if msgs[1]["role"] != "function" {
		t.Errorf("tool role = %v, want function", msgs[1]["role"])
	}
	if wire.Body["logit_bias"] == nil {
		t.Error("logit_bias should be forwarded")
	}
	if _, ok := wire.Body["seed"]; ok {
		t.Error("seed is not a Coze parameter")
	}
}

func TestHandleError(t *testing.T) {
	a := providers.NewAdapter(Dialect)
	tests := []struct {
		body string
		want core.ErrorKind
	}{
		{`{"error":{"code":"model_not_available","message":"x"}}`, core.ErrorKindModelUnavailable},
		{`{"error":{"code":"content_filtered","message":"x"}}`, core.ErrorKindContentFilter},
		{`{"error":{"type":"rate_limit_exceeded","message":"x"}}`, core.ErrorKindRateLimit},
	}
	for _, tt := range tests {
		err := &llmclient.StatusError{Vendor: "coze", StatusCode: http.StatusBadRequest, Body: []byte(tt.body)}
		if got := a.HandleError(err).Kind; got != tt.want {
			t.Errorf("HandleError(%s).Kind = %q, want %q", tt.body, got, tt.want)
		}
	}
}
