package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestModelError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ModelError
		expected string
	}{
		{
			name: "error with vendor",
			err: &ModelError{
				Kind:    ErrorKindServer,
				Message: "upstream error",
				Vendor:  "openai",
			},
			expected: "[openai] server_error: upstream error",
		},
		{
			name: "error without vendor",
			err: &ModelError{
				Kind:    ErrorKindInvalidRequest,
				Message: "bad request",
			},
			expected: "invalid_request_error: bad request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestModelError_Unwrap(t *testing.T) {
	originalErr := errors.New("original error")
	modelErr := NewServerError("claude", http.StatusBadGateway, "wrapped error", originalErr)

	if unwrapped := modelErr.Unwrap(); unwrapped != originalErr {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, originalErr)
	}
	if !errors.Is(fmt.Errorf("call: %w", modelErr), originalErr) {
		t.Error("errors.Is should see through the wrapped chain")
	}
}

func TestModelError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *ModelError
		expected int
	}{
		{"explicit status code", &ModelError{Kind: ErrorKindServer, StatusCode: http.StatusServiceUnavailable}, http.StatusServiceUnavailable},
		{"rate limit default", &ModelError{Kind: ErrorKindRateLimit}, http.StatusTooManyRequests},
		{"invalid request default", &ModelError{Kind: ErrorKindInvalidRequest}, http.StatusBadRequest},
		{"auth default", &ModelError{Kind: ErrorKindAuthentication}, http.StatusUnauthorized},
		{"model unavailable default", &ModelError{Kind: ErrorKindModelUnavailable}, http.StatusNotFound},
		{"timeout default", &ModelError{Kind: ErrorKindTimeout}, http.StatusGatewayTimeout},
		{"server default", &ModelError{Kind: ErrorKindServer}, http.StatusBadGateway},
		{"unknown default", &ModelError{Kind: ErrorKindUnknown}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestModelError_ToJSON(t *testing.T) {
	err := &ModelError{Kind: ErrorKindContentFilter, Message: "blocked", Code: "336101"}
	body, ok := err.ToJSON()["error"].(map[string]interface{})
	if !ok {
		t.Fatal("expected error object")
	}
	if body["type"] != ErrorKindContentFilter {
		t.Errorf("type = %v, want %v", body["type"], ErrorKindContentFilter)
	}
	if body["message"] != "blocked" {
		t.Errorf("message = %v, want blocked", body["message"])
	}
	if body["code"] != "336101" {
		t.Errorf("code = %v, want 336101", body["code"])
	}
}

func TestKindFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{401, ErrorKindAuthentication},
		{403, ErrorKindAuthentication},
		{429, ErrorKindRateLimit},
		{400, ErrorKindInvalidRequest},
		{404, ErrorKindInvalidRequest},
		{422, ErrorKindInvalidRequest},
		{408, ErrorKindTimeout},
		{504, ErrorKindTimeout},
		{500, ErrorKindServer},
		{502, ErrorKindServer},
		{503, ErrorKindServer},
		{200, ErrorKindUnknown},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			if got := KindFromStatus(tt.status); got != tt.want {
				t.Errorf("KindFromStatus(%d) = %s, want %s", tt.status, got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		if got := KindOf(nil); got != "" {
			t.Errorf("expected empty kind, got %q", got)
		}
	})
	t.Run("wrapped model error", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", NewRateLimitError("openai", "slow down"))
		if got := KindOf(err); got != ErrorKindRateLimit {
			t.Errorf("expected rate limit, got %s", got)
		}
	})
	t.Run("deadline", func(t *testing.T) {
		if got := KindOf(context.DeadlineExceeded); got != ErrorKindTimeout {
			t.Errorf("expected timeout, got %s", got)
		}
	})
	t.Run("plain error", func(t *testing.T) {
		if got := KindOf(errors.New("boom")); got != ErrorKindUnknown {
			t.Errorf("expected unknown, got %s", got)
		}
	})
}

func TestIsRetryable(t *testing.T) {
	set := DefaultRetryConfig().Retryable

	if !IsRetryable(NewServerError("x", 500, "down", nil), set) {
		t.Error("server errors should be retryable")
	}
	if !IsRetryable(NewTimeoutError("x", "slow", nil), set) {
		t.Error("timeouts should be retryable")
	}
	if IsRetryable(NewAuthenticationError("x", "bad key", nil), set) {
		t.Error("auth errors must not be retryable")
	}
	if IsRetryable(ErrModelOffline, set) {
		t.Error("offline errors must not be retryable")
	}
	if IsRetryable(context.Canceled, map[ErrorKind]bool{ErrorKindUnknown: true}) {
		t.Error("cancellation must never be retried")
	}
}

func TestParseErrorKind(t *testing.T) {
	for _, k := range AllErrorKinds {
		got, ok := ParseErrorKind(string(k))
		if !ok || got != k {
			t.Errorf("ParseErrorKind(%q) = %q, %v", k, got, ok)
		}
	}
	if got, ok := ParseErrorKind("rate_limit"); !ok || got != ErrorKindRateLimit {
		t.Errorf("short tag rate_limit: got %q, %v", got, ok)
	}
	if _, ok := ParseErrorKind("nonsense"); ok {
		t.Error("expected unknown tag to be rejected")
	}
}
