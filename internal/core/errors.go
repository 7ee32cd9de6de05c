// Package core provides the vendor-neutral types and interfaces of the model hub.
package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies every failure that leaves a vendor boundary.
type ErrorKind string

const (
	// ErrorKindAuthentication indicates rejected or missing credentials
	ErrorKindAuthentication ErrorKind = "authentication_error"
	// ErrorKindRateLimit indicates the vendor throttled the call
	ErrorKindRateLimit ErrorKind = "rate_limit_error"
	// ErrorKindContextLength indicates the prompt exceeded the model context window
	ErrorKindContextLength ErrorKind = "context_length_error"
	// ErrorKindInvalidRequest indicates a caller error
	ErrorKindInvalidRequest ErrorKind = "invalid_request_error"
	// ErrorKindServer indicates an upstream failure (5xx)
	ErrorKindServer ErrorKind = "server_error"
	// ErrorKindModelUnavailable indicates the requested model does not exist or is not ready
	ErrorKindModelUnavailable ErrorKind = "model_unavailable_error"
	// ErrorKindContentFilter indicates the vendor refused the content
	ErrorKindContentFilter ErrorKind = "content_filter_error"
	// ErrorKindTimeout indicates the call exceeded its deadline
	ErrorKindTimeout ErrorKind = "timeout_error"
	// ErrorKindUnknown is used for anything not covered above
	ErrorKindUnknown ErrorKind = "unknown_error"
)

// AllErrorKinds lists the closed taxonomy in a stable order.
var AllErrorKinds = []ErrorKind{
	ErrorKindAuthentication,
	ErrorKindRateLimit,
	ErrorKindContextLength,
	ErrorKindInvalidRequest,
	ErrorKindServer,
	ErrorKindModelUnavailable,
	ErrorKindContentFilter,
	ErrorKindTimeout,
	ErrorKindUnknown,
}

// ParseErrorKind accepts both the canonical names and the short tags used in
// configuration files ("timeout", "rate_limit", "server", ...).
func ParseErrorKind(s string) (ErrorKind, bool) {
	for _, k := range AllErrorKinds {
		if string(k) == s {
			return k, true
		}
	}
	switch s {
	case "authentication", "auth":
		return ErrorKindAuthentication, true
	case "rate_limit", "rate_limit_exceeded":
		return ErrorKindRateLimit, true
	case "context_length":
		return ErrorKindContextLength, true
	case "invalid_request":
		return ErrorKindInvalidRequest, true
	case "server", "service_unavailable":
		return ErrorKindServer, true
	case "model_unavailable":
		return ErrorKindModelUnavailable, true
	case "content_filter":
		return ErrorKindContentFilter, true
	case "timeout":
		return ErrorKindTimeout, true
	case "unknown":
		return ErrorKindUnknown, true
	}
	return "", false
}

// ModelError is the single error type returned across the core boundary.
type ModelError struct {
	Kind       ErrorKind `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"`
	Vendor     string    `json:"vendor,omitempty"`
	// Code is the raw vendor error code, if any
	Code string `json:"code,omitempty"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *ModelError) Error() string {
	if e.Vendor != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Vendor, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *ModelError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *ModelError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Kind {
	case ErrorKindAuthentication:
		return http.StatusUnauthorized
	case ErrorKindRateLimit:
		return http.StatusTooManyRequests
	case ErrorKindContextLength, ErrorKindInvalidRequest, ErrorKindContentFilter:
		return http.StatusBadRequest
	case ErrorKindModelUnavailable:
		return http.StatusNotFound
	case ErrorKindTimeout:
		return http.StatusGatewayTimeout
	case ErrorKindServer:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map
func (e *ModelError) ToJSON() map[string]interface{} {
	body := map[string]interface{}{
		"type":    e.Kind,
		"message": e.Message,
	}
	if e.Code != "" {
		body["code"] = e.Code
	}
	return map[string]interface{}{"error": body}
}

// NewModelError creates an error of the given kind.
func NewModelError(kind ErrorKind, vendor, message string, err error) *ModelError {
	return &ModelError{
		Kind:    kind,
		Message: message,
		Vendor:  vendor,
		Err:     err,
	}
}

// NewAuthenticationError creates a new authentication error (401)
func NewAuthenticationError(vendor, message string, err error) *ModelError {
	return &ModelError{Kind: ErrorKindAuthentication, Message: message, StatusCode: http.StatusUnauthorized, Vendor: vendor, Err: err}
}

// NewRateLimitError creates a new rate limit error (429)
func NewRateLimitError(vendor, message string) *ModelError {
	return &ModelError{Kind: ErrorKindRateLimit, Message: message, StatusCode: http.StatusTooManyRequests, Vendor: vendor}
}

// NewInvalidRequestError creates a new invalid request error (400)
func NewInvalidRequestError(message string, err error) *ModelError {
	return &ModelError{Kind: ErrorKindInvalidRequest, Message: message, StatusCode: http.StatusBadRequest, Err: err}
}

// NewServerError creates a new upstream error (502)
func NewServerError(vendor string, statusCode int, message string, err error) *ModelError {
	return &ModelError{Kind: ErrorKindServer, Message: message, StatusCode: statusCode, Vendor: vendor, Err: err}
}

// NewTimeoutError creates a new timeout error (504)
func NewTimeoutError(vendor, message string, err error) *ModelError {
	return &ModelError{Kind: ErrorKindTimeout, Message: message, StatusCode: http.StatusGatewayTimeout, Vendor: vendor, Err: err}
}

// NewModelUnavailableError creates a new model unavailable error (404)
func NewModelUnavailableError(vendor, message string) *ModelError {
	return &ModelError{Kind: ErrorKindModelUnavailable, Message: message, StatusCode: http.StatusNotFound, Vendor: vendor}
}

// KindFromStatus maps a transport status code to an error kind.
func KindFromStatus(statusCode int) ErrorKind {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return ErrorKindAuthentication
	case statusCode == http.StatusTooManyRequests:
		return ErrorKindRateLimit
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return ErrorKindTimeout
	case statusCode >= 400 && statusCode < 500:
		return ErrorKindInvalidRequest
	case statusCode >= 500:
		return ErrorKindServer
	default:
		return ErrorKindUnknown
	}
}

// KindOf reports the kind of err. Context deadlines map to timeout; anything
// that is not a *ModelError is unknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var me *ModelError
	if errors.As(err, &me) {
		return me.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	return ErrorKindUnknown
}

// IsRetryable reports whether err belongs to one of the given kinds.
func IsRetryable(err error, retryable map[ErrorKind]bool) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return retryable[KindOf(err)]
}

// ErrModelOffline is returned by calls made after Close.
var ErrModelOffline = NewInvalidRequestError("model is offline", nil)
