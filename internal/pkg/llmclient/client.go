// Package llmclient is the HTTP transport shared by every vendor model:
// JSON request building, header and query injection, a single-shot Do, a
// streaming Stream with a line reader, and circuit breaking. Retries are not
// done here; the retry decorator owns them.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"modelhub/internal/core"
	"modelhub/internal/httpclient"
)

// Config holds configuration for the client.
type Config struct {
	// Vendor identifies the upstream for error messages
	Vendor string

	// BaseURL is prefixed to every request endpoint
	BaseURL string

	// MaxErrorBody caps how much of a non-2xx body is kept (default: 64 KiB)
	MaxErrorBody int64

	// Circuit breaker configuration; nil disables it
	CircuitBreaker *CircuitBreakerConfig
}

// CircuitBreakerConfig holds circuit breaker settings
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures before opening the circuit
	FailureThreshold int
	// SuccessThreshold is the number of successes needed to close an open circuit
	SuccessThreshold int
	// Timeout is how long to wait before attempting to close an open circuit
	Timeout time.Duration
}

// DefaultConfig returns default client configuration
func DefaultConfig(vendor, baseURL string) Config {
	return Config{
		Vendor:       vendor,
		BaseURL:      baseURL,
		MaxErrorBody: 64 << 10,
		CircuitBreaker: &CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		},
	}
}

// HeaderSetter sets static headers on every outgoing request.
type HeaderSetter func(req *http.Request)

// Client is the vendor HTTP client.
type Client struct {
	httpClient     *http.Client
	config         Config
	headerSetter   HeaderSetter
	circuitBreaker *circuitBreaker
}

// NewWithHTTPClient creates a client with a caller-provided *http.Client. A
// nil client uses the shared default transport.
func NewWithHTTPClient(httpClient *http.Client, config Config, headerSetter HeaderSetter) *Client {
	if httpClient == nil {
		httpClient = httpclient.NewDefaultHTTPClient()
	}
	if config.MaxErrorBody <= 0 {
		config.MaxErrorBody = 64 << 10
	}
	c := &Client{
		httpClient:   httpClient,
		config:       config,
		headerSetter: headerSetter,
	}

	if config.CircuitBreaker != nil {
		c.circuitBreaker = newCircuitBreaker(
			config.CircuitBreaker.FailureThreshold,
			config.CircuitBreaker.SuccessThreshold,
			config.CircuitBreaker.Timeout,
		)
	}

	return c
}

// BaseURL returns the configured base URL
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// CircuitState reports the breaker state ("closed", "open", "half-open", or
// "disabled").
func (c *Client) CircuitState() string {
	if c.circuitBreaker == nil {
		return "disabled"
	}
	return c.circuitBreaker.State()
}

// Request represents an HTTP request to be made
type Request struct {
	Method   string
	Endpoint string
	Query    map[string]string
	// Body is JSON-marshaled when not nil
	Body    any
	Headers map[string]string
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// StatusError is returned for non-2xx responses. Vendor adapters map it to
// the error taxonomy from the status and body.
type StatusError struct {
	Vendor     string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Vendor, e.StatusCode, truncate(e.Body, 512))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	for n > 0 && !utf8.RuneStart(b[n]) {
		n--
	}
	return string(b[:n]) + "..."
}

// Do executes a single request and reads the body.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if err := c.allow(); err != nil {
		return nil, err
	}

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return nil, c.transportError(ctx, "failed to send request", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.statusError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return nil, c.transportError(ctx, "failed to read response", err)
	}

	c.recordSuccess()
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// DoJSON executes a request and unmarshals the response into result.
func (c *Client) DoJSON(ctx context.Context, req Request, result any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if result != nil {
		if err := json.Unmarshal(resp.Body, result); err != nil {
			return core.NewServerError(c.config.Vendor, http.StatusBadGateway, "failed to unmarshal response: "+err.Error(), err)
		}
	}
	return nil
}

// Stream executes a streaming request and returns the open body. Streaming
// requests are never retried since partial data may have been delivered.
func (c *Client) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	if err := c.allow(); err != nil {
		return nil, err
	}

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return nil, c.transportError(ctx, "failed to send request", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() {
			_ = resp.Body.Close()
		}()
		return nil, c.statusError(resp)
	}

	c.recordSuccess()
	return resp.Body, nil
}

func (c *Client) statusError(resp *http.Response) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxErrorBody))
	if readErr != nil {
		body = []byte("failed to read error response")
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		c.recordFailure()
	}
	return &StatusError{Vendor: c.config.Vendor, StatusCode: resp.StatusCode, Body: body}
}

func (c *Client) transportError(ctx context.Context, msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return core.NewTimeoutError(c.config.Vendor, "request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.NewTimeoutError(c.config.Vendor, msg+": "+err.Error(), err)
	}
	return core.NewServerError(c.config.Vendor, http.StatusBadGateway, msg+": "+err.Error(), err)
}

// buildRequest creates an HTTP request from a Request
func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	target := c.config.BaseURL + req.Endpoint
	if len(req.Query) > 0 {
		u, err := url.Parse(target)
		if err != nil {
			return nil, core.NewInvalidRequestError("invalid endpoint url", err)
		}
		q := u.Query()
		for k, v := range req.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}

	var bodyReader io.Reader
	if req.Body != nil {
		bodyBytes, err := json.Marshal(req.Body)
		if err != nil {
			return nil, core.NewInvalidRequestError("failed to marshal request", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, core.NewInvalidRequestError("failed to create request", err)
	}

	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.headerSetter != nil {
		c.headerSetter(httpReq)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	return httpReq, nil
}

func (c *Client) allow() error {
	if c.circuitBreaker != nil && !c.circuitBreaker.Allow() {
		return core.NewServerError(c.config.Vendor, http.StatusServiceUnavailable,
			"circuit breaker is open - vendor temporarily unavailable", nil)
	}
	return nil
}

func (c *Client) recordFailure() {
	if c.circuitBreaker != nil {
		c.circuitBreaker.RecordFailure()
	}
}

func (c *Client) recordSuccess() {
	if c.circuitBreaker != nil {
		c.circuitBreaker.RecordSuccess()
	}
}
