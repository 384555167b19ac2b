// Package upstream is the outbound client for remote tool providers. It owns
// retries, per-attempt timeouts, response caching, correlation IDs, per-provider
// rate limits and circuit breakers.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/workato-devs/dewy-resort-sub000/internal/schema"
)

// Methods understood by every transport.
const (
	MethodListTools = "tools/list"
	MethodCallTool  = "tools/call"
)

// Operation describes one logical upstream request.
type Operation struct {
	Method string
	Tool   string // tools/call only
	// Mutating calls are never served from or written to the response cache and
	// are not cancelled mid-flight by the caller.
	Mutating bool
	// NoCache bypasses the response cache for non-mutating calls.
	NoCache bool
	// IdempotencyKey is sent as the Idempotency-Key header on mutating calls.
	IdempotencyKey string
	// CorrelationID, when set, tags the first attempt; later attempts append
	// the attempt number. Empty means a fresh UUID per attempt.
	CorrelationID string
}

// Call is a single attempt handed to a Transport.
type Call struct {
	Method         string
	Tool           string
	Arguments      map[string]any
	CorrelationID  string
	IdempotencyKey string
}

// Transport performs one attempt against a provider. Implementations must not retry.
type Transport interface {
	Do(ctx context.Context, call *Call) (json.RawMessage, error)
}

// Result is the outcome of a successful Invoke.
type Result struct {
	Provider      string
	Method        string
	Tool          string
	CorrelationID string
	Attempts      int
	Cached        bool
	Body          json.RawMessage
}

// ListToolsResult is the body of a tools/list response.
type ListToolsResult struct {
	Tools []schema.ToolDefinition `json:"tools"`
}

// CallToolResult is the body of a tools/call response.
type CallToolResult struct {
	Content           []Content      `json:"content,omitempty"`
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
}

// Content is one content block of a tool result.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Tools decodes a tools/list body.
func (r *Result) Tools() ([]schema.ToolDefinition, error) {
	var out ListToolsResult
	if err := json.Unmarshal(r.Body, &out); err != nil {
		return nil, fmt.Errorf("Tools: %w", err)
	}
	return out.Tools, nil
}

// ToolResult decodes a tools/call body.
func (r *Result) ToolResult() (*CallToolResult, error) {
	var out CallToolResult
	if err := json.Unmarshal(r.Body, &out); err != nil {
		return nil, fmt.Errorf("ToolResult: %w", err)
	}
	return &out, nil
}

// ErrorText returns the first text block of an IsError result.
func (r *CallToolResult) ErrorText() string {
	for _, c := range r.Content {
		if c.Type == "text" && c.Text != "" {
			return c.Text
		}
	}
	return "tool execution error"
}

// StatusError is returned by transports when the provider answered with a
// non-success status. Code is HTTP-like; JSON-RPC errors are mapped onto it.
type StatusError struct {
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Message)
}

// ProtocolError reports a response that could not be decoded.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return "malformed upstream response: " + e.Err.Error() }
func (e *ProtocolError) Unwrap() error { return e.Err }
