package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Invocation error taxonomy
// ──────────────────────────────────────────────────────────────────────────────

// ErrorKind names an error class in audit records, metrics and logs.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindConfiguration ErrorKind = "configuration"
	KindConnection    ErrorKind = "connection"
	KindTimeout       ErrorKind = "timeout"
	KindProvider      ErrorKind = "provider"
	KindUnexpected    ErrorKind = "unexpected"
)

// ValidationError is malformed or missing caller input.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + " " + e.Reason
}

// Required builds the canonical missing-parameter error.
func Required(field string) *ValidationError {
	return &ValidationError{Field: field, Reason: "is required."}
}

// ConfigurationError is a missing or unusable credential field.
// It carries field names only, never values.
type ConfigurationError struct {
	Fields []string
	Reason string
}

func (e *ConfigurationError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "missing credential"
	}
	if len(e.Fields) == 0 {
		return reason
	}
	return fmt.Sprintf("%s: %s", reason, strings.Join(e.Fields, ", "))
}

// ConnectionFault is a transport failure before any response was received.
type ConnectionFault struct {
	Provider string
	Err      error
}

func (e *ConnectionFault) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Provider, e.Err)
}

func (e *ConnectionFault) Unwrap() error { return e.Err }

// TimeoutFault is a transport call that exceeded its deadline.
type TimeoutFault struct {
	Provider string
	Timeout  time.Duration
	Err      error
}

func (e *TimeoutFault) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("request to %s timed out after %s", e.Provider, e.Timeout)
	}
	return fmt.Sprintf("request to %s timed out", e.Provider)
}

func (e *TimeoutFault) Unwrap() error { return e.Err }

// ProviderError is a non-2xx status, or a 2xx whose body reports failure.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
	Embedded   bool
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
	} else {
		b.WriteString("provider")
	}
	if e.Embedded {
		b.WriteString(" reported an error")
	} else {
		fmt.Fprintf(&b, " returned HTTP %d", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Classify returns the taxonomy kind of err.
func Classify(err error) ErrorKind {
	var (
		ve *ValidationError
		ce *ConfigurationError
		cf *ConnectionFault
		tf *TimeoutFault
		pe *ProviderError
	)
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &ce):
		return KindConfiguration
	case errors.As(err, &tf):
		return KindTimeout
	case errors.As(err, &cf):
		return KindConnection
	case errors.As(err, &pe):
		return KindProvider
	default:
		return KindUnexpected
	}
}

// UserMessage renders err as the single Text shown to the host.
// Unclassified errors collapse to a generic sentence; their detail belongs in logs.
func UserMessage(err error) string {
	var (
		ve *ValidationError
		ce *ConfigurationError
		cf *ConnectionFault
		tf *TimeoutFault
		pe *ProviderError
	)
	switch {
	case errors.As(err, &ve):
		return ve.Error()
	case errors.As(err, &ce):
		return "Configuration error: " + ce.Error() + "."
	case errors.As(err, &tf):
		return "Network error: " + tf.Error() + "."
	case errors.As(err, &cf):
		return fmt.Sprintf("Network error: could not reach %s.", cf.Provider)
	case errors.As(err, &pe):
		return pe.Error()
	default:
		return "An unexpected error occurred while invoking the tool."
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// APIError: structured error returned by the HTTP host
// ──────────────────────────────────────────────────────────────────────────────

type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Details   any    `json:"details,omitempty"`
	HTTPCode  int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// WriteJSON writes the error as JSON to the response writer.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPCode)
	_ = json.NewEncoder(w).Encode(e)
}

func ErrBadRequest(msg string) *APIError {
	return &APIError{Code: "BAD_REQUEST", Message: msg, HTTPCode: http.StatusBadRequest}
}

func ErrUnauthorized(msg string) *APIError {
	return &APIError{Code: "UNAUTHORIZED", Message: msg, HTTPCode: http.StatusUnauthorized}
}

func ErrForbidden(msg string) *APIError {
	return &APIError{Code: "FORBIDDEN", Message: msg, HTTPCode: http.StatusForbidden}
}

func ErrNotFound(msg string) *APIError {
	return &APIError{Code: "NOT_FOUND", Message: msg, HTTPCode: http.StatusNotFound}
}

func ErrInternal(msg string) *APIError {
	return &APIError{Code: "INTERNAL_ERROR", Message: msg, Retryable: true, HTTPCode: http.StatusInternalServerError}
}

func ErrUpstream(provider, detail string) *APIError {
	return &APIError{Code: "UPSTREAM_ERROR", Message: fmt.Sprintf("%s: %s", provider, detail), HTTPCode: http.StatusBadGateway}
}
