package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"modelhub/internal/core"
)

func TestClient_Do_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"hello"}`))
	}))
	defer server.Close()

	client := NewWithHTTPClient(nil,
		DefaultConfig("test", server.URL),
		func(req *http.Request) {
			req.Header.Set("X-Test", "value")
		},
	)

	var result struct {
		Message string `json:"message"`
	}
	err := client.DoJSON(context.Background(), Request{
		Method:   http.MethodGet,
		Endpoint: "/test",
	}, &result)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Message != "hello" {
		t.Errorf("expected message 'hello', got '%s'", result.Message)
	}
}

func TestClient_Do_BodyHeadersAndQuery(t *testing.T) {
	var receivedBody map[string]interface{}
	var receivedHeaders http.Header
	var receivedQuery string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header.Clone()
		receivedQuery = r.URL.Query().Get("access_token")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &receivedBody)
		if r.Method != http.MethodPost {
			t.Errorf("expected default method POST, got %s", r.Method)
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	client := NewWithHTTPClient(nil, DefaultConfig("test", server.URL), func(req *http.Request) {
		req.Header.Set("X-Static", "static")
	})

	resp, err := client.Do(context.Background(), Request{
		Endpoint: "/chat?existing=1",
		Query:    map[string]string{"access_token": "tok"},
		Body:     map[string]string{"input": "test"},
		Headers:  map[string]string{"X-Request": "dynamic"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if receivedBody["input"] != "test" {
		t.Errorf("expected input 'test', got '%v'", receivedBody["input"])
	}
	if receivedHeaders.Get("Content-Type") != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", receivedHeaders.Get("Content-Type"))
	}
	if receivedHeaders.Get("X-Static") != "static" || receivedHeaders.Get("X-Request") != "dynamic" {
		t.Errorf("expected static and request headers, got %v", receivedHeaders)
	}
	if receivedQuery != "tok" {
		t.Errorf("expected access_token query 'tok', got '%s'", receivedQuery)
	}
}

func TestClient_Do_StatusError(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
	}{
		{"rate limit", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`},
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`},
		{"server", http.StatusInternalServerError, `oops`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewWithHTTPClient(nil, DefaultConfig("test", server.URL), nil)
			_, err := client.Do(context.Background(), Request{Endpoint: "/x"})

			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("expected StatusError, got %T: %v", err, err)
			}
			if se.StatusCode != tt.statusCode {
				t.Errorf("expected status %d, got %d", tt.statusCode, se.StatusCode)
			}
			if string(se.Body) != tt.body {
				t.Errorf("expected body %q, got %q", tt.body, se.Body)
			}
		})
	}
}

func TestClient_Do_NoRetries(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewWithHTTPClient(nil, DefaultConfig("test", server.URL), nil)
	_, _ = client.Do(context.Background(), Request{Endpoint: "/x"})

	if attempts.Load() != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", attempts.Load())
	}
}

func TestClient_Do_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	client := NewWithHTTPClient(nil, DefaultConfig("test", server.URL), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Do(ctx, Request{Endpoint: "/slow"})
	if core.KindOf(err) != core.ErrorKindTimeout {
		t.Errorf("expected timeout kind, got %v", err)
	}
}

func TestClient_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	client := NewWithHTTPClient(nil, DefaultConfig("test", server.URL), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := client.Do(ctx, Request{Endpoint: "/hang"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestClient_Stream_SSE(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, ": keep-alive\n\n")
		_, _ = io.WriteString(w, "data: {\"n\":1}\n\n")
		_, _ = io.WriteString(w, "event: message\ndata: {\"n\":2}\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewWithHTTPClient(nil, DefaultConfig("test", server.URL), nil)
	body, err := client.Stream(context.Background(), Request{Endpoint: "/stream"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = body.Close() }()

	r := NewLineReader(body, FramingSSE)
	first, err := r.Next()
	if err != nil || string(first.Data) != `{"n":1}` {
		t.Fatalf("unexpected first line %+v, %v", first, err)
	}
	second, err := r.Next()
	if err != nil || string(second.Data) != `{"n":2}` || second.Event != "message" {
		t.Fatalf("unexpected second line %+v, %v", second, err)
	}
	done, err := r.Next()
	if err != nil || !done.Done {
		t.Fatalf("expected done marker, got %+v, %v", done, err)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestLineReader_NDJSON(t *testing.T) {
	input := "{\"response\":\"a\",\"done\":false}\n\n{\"response\":\"b\",\"done\":true}\n"
	r := NewLineReader(strings.NewReader(input), FramingNDJSON)

	var got []string
	for {
		line, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = append(got, string(line.Data))
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(got))
	}
}

func TestLineReader_LongLine(t *testing.T) {
	long := `{"x":"` + strings.Repeat("a", 200_000) + `"}`
	r := NewLineReader(strings.NewReader("data: "+long+"\n"), FramingSSE)
	line, err := r.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(line.Data) != len(long) {
		t.Errorf("expected %d bytes, got %d", len(long), len(line.Data))
	}
}

func TestClient_Stream_Error(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad"}}`))
	}))
	defer server.Close()

	client := NewWithHTTPClient(nil, DefaultConfig("test", server.URL), nil)
	_, err := client.Stream(context.Background(), Request{Endpoint: "/stream"})

	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 StatusError, got %v", err)
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	config := DefaultConfig("test", server.URL)
	config.CircuitBreaker = &CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	}
	client := NewWithHTTPClient(nil, config, nil)

	for range 2 {
		_, _ = client.Do(context.Background(), Request{Endpoint: "/x"})
	}
	if client.CircuitState() != "open" {
		t.Fatalf("expected open circuit, got %s", client.CircuitState())
	}

	_, err := client.Do(context.Background(), Request{Endpoint: "/x"})
	if core.KindOf(err) != core.ErrorKindServer {
		t.Errorf("expected server kind while open, got %v", err)
	}
	if attempts.Load() != 2 {
		t.Errorf("expected open circuit to block the third call, got %d attempts", attempts.Load())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := newCircuitBreaker(1, 2, time.Minute)
	now := time.Unix(0, 0)
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("expected circuit to reject while open")
	}

	now = now.Add(2 * time.Minute)
	if !cb.Allow() || cb.State() != "half-open" {
		t.Fatalf("expected half-open after timeout, got %s", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != "half-open" {
		t.Errorf("expected to stay half-open after one success, got %s", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != "closed" {
		t.Errorf("expected closed after two successes, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := newCircuitBreaker(1, 1, time.Minute)
	now := time.Unix(0, 0)
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	now = now.Add(2 * time.Minute)
	cb.Allow()
	cb.RecordFailure()
	if cb.State() != "open" {
		t.Errorf("expected open, got %s", cb.State())
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("openai", "https://api.openai.com")
	if config.Vendor != "openai" || config.BaseURL != "https://api.openai.com" {
		t.Errorf("unexpected config %+v", config)
	}
	if config.CircuitBreaker == nil || config.CircuitBreaker.FailureThreshold != 5 {
		t.Errorf("expected default circuit breaker, got %+v", config.CircuitBreaker)
	}
}
