// Package normalize maps raw provider responses into output messages: status
// and embedded-failure checks, reshaping helpers, and blob MIME inference.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/bturcanu/plugwire/pkg/transport"
	"github.com/bturcanu/plugwire/pkg/types"
)

// FailureRule inspects a decoded 2xx JSON object and reports a logical
// failure.
type FailureRule func(body map[string]any) (*types.ProviderError, bool)

// DefaultRules are always applied by Check. Adapters may add rules but cannot
// remove these.
var DefaultRules = []FailureRule{
	StatusFieldRule,
	FlagRule("ok"),
	FlagRule("success"),
	ErrorFieldRule,
	GraphQLErrorsRule,
}

// Check is the mandatory first step of normalization. A non-2xx status maps
// to a ProviderError with the provider's own message when one can be found;
// a 2xx JSON object that marks itself unsuccessful maps to an embedded
// ProviderError. Non-JSON bodies pass through.
func Check(provider string, resp *transport.Response, extra ...FailureRule) error {
	body := decodeObject(resp.Body)
	if !resp.OK() {
		pe := &types.ProviderError{Provider: provider, StatusCode: resp.StatusCode}
		if body != nil {
			pe.Code, pe.Message = Extract(body)
		} else if text := strings.TrimSpace(string(resp.Body)); text != "" && looksTextual(resp) {
			pe.Message = Truncate(text, 300)
		}
		return pe
	}
	if body == nil {
		return nil
	}
	rules := append(append([]FailureRule{}, DefaultRules...), extra...)
	for _, rule := range rules {
		if pe, failed := rule(body); failed {
			pe.Provider = provider
			pe.StatusCode = resp.StatusCode
			pe.Embedded = true
			return pe
		}
	}
	return nil
}

func decodeObject(b []byte) map[string]any {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil
	}
	return m
}

func looksTextual(resp *transport.Response) bool {
	ct := resp.ContentType()
	return ct == "" || strings.HasPrefix(ct, "text/") || strings.Contains(ct, "json") || strings.Contains(ct, "xml")
}

// StatusFieldRule flags {"status": "error"|"failed"|"failure"}.
func StatusFieldRule(body map[string]any) (*types.ProviderError, bool) {
	s, ok := body["status"].(string)
	if !ok {
		return nil, false
	}
	switch strings.ToLower(s) {
	case "error", "failed", "failure", "fail":
		code, msg := Extract(body)
		return &types.ProviderError{Code: code, Message: msg}, true
	}
	return nil, false
}

// FlagRule flags {"<field>": false}.
func FlagRule(field string) FailureRule {
	return func(body map[string]any) (*types.ProviderError, bool) {
		if v, ok := body[field].(bool); ok && !v {
			code, msg := Extract(body)
			return &types.ProviderError{Code: code, Message: msg}, true
		}
		return nil, false
	}
}

// ErrorFieldRule flags a non-empty top-level "error" string or object.
func ErrorFieldRule(body map[string]any) (*types.ProviderError, bool) {
	switch v := body["error"].(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, false
		}
	case map[string]any:
		if len(v) == 0 {
			return nil, false
		}
	default:
		return nil, false
	}
	code, msg := Extract(body)
	return &types.ProviderError{Code: code, Message: msg}, true
}

// GraphQLErrorsRule flags a non-empty "errors" array.
func GraphQLErrorsRule(body map[string]any) (*types.ProviderError, bool) {
	errs, ok := body["errors"].([]any)
	if !ok || len(errs) == 0 {
		return nil, false
	}
	code, msg := Extract(body)
	return &types.ProviderError{Code: code, Message: msg}, true
}

// Extract pulls a provider error code and message out of the shapes commonly
// seen across REST providers.
func Extract(body map[string]any) (code, message string) {
	code = firstString(body, "code", "error_code", "errorCode")
	message = firstString(body, "message", "error_description", "detail", "msg", "error_message")

	switch e := body["error"].(type) {
	case string:
		if message == "" && strings.Contains(e, " ") {
			message = e
		} else if code == "" {
			code = e
		}
	case map[string]any:
		if c := firstString(e, "code", "type", "status"); c != "" && code == "" {
			code = c
		}
		if m := firstString(e, "message", "detail", "description"); m != "" && message == "" {
			message = m
		}
	}

	if message == "" {
		message = firstListMessage(body["errors"])
	}
	if message == "" {
		message = firstListMessage(body["errorMessages"])
	}
	return code, Truncate(message, 300)
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return fmt.Sprintf("%g", v)
		}
	}
	return ""
}

func firstListMessage(v any) string {
	if fields, ok := v.(map[string]any); ok {
		// Field-keyed errors, e.g. Jira's {"errors": {"summary": "..."}}.
		keys := slices.Sorted(maps.Keys(fields))
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			if s, ok := fields[k].(string); ok {
				parts = append(parts, k+": "+s)
			}
		}
		return strings.Join(parts, "; ")
	}
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return ""
	}
	switch first := list[0].(type) {
	case string:
		return first
	case map[string]any:
		return firstString(first, "message", "detail", "msg")
	}
	return ""
}
