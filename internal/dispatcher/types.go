package dispatcher

import (
	"context"
	"encoding/json"

	"github.com/workato-devs/dewy-resort-sub000/internal/config"
	"github.com/workato-devs/dewy-resort-sub000/internal/registry"
	"github.com/workato-devs/dewy-resort-sub000/internal/schema"
	"github.com/workato-devs/dewy-resort-sub000/internal/upstream"
)

// Route is how a caller-visible tool is executed.
type Route string

const (
	RouteLocal       Route = "local"
	RouteProxied     Route = "proxied"
	RoutePassThrough Route = "passthrough"
)

// ToolSource supplies upstream tool definitions per provider.
type ToolSource interface {
	ListTools(ctx context.Context, provider string) (*registry.CachedToolSet, error)
}

// Invoker calls upstream providers.
type Invoker interface {
	Invoke(ctx context.Context, provider string, op upstream.Operation, payload map[string]any) (*upstream.Result, error)
	IsReadOnly(provider, tool string) bool
}

// ToolList is the caller-visible tool list for a role.
type ToolList struct {
	Role     string                     `json:"role"`
	Version  string                     `json:"version,omitempty"`
	Tools    []schema.ExposedDefinition `json:"tools"`
	Warnings []Warning                  `json:"warnings,omitempty"`
}

// Warning reports a provider whose tools are missing from a partial listing.
type Warning struct {
	Provider      string `json:"provider"`
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// CallRequest is one call_tool invocation. Token is set on resubmission.
type CallRequest struct {
	Role      string         `json:"role,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Token     string         `json:"token,omitempty"`
}

// CallResponse is the call_tool result. Upstream failures are reported in-band
// with IsError set; caller errors are returned as errors instead.
type CallResponse struct {
	Result        json.RawMessage   `json:"result,omitempty"`
	Token         string            `json:"token,omitempty"`
	IsError       bool              `json:"isError"`
	ErrorMessage  string            `json:"errorMessage,omitempty"`
	ErrorKind     string            `json:"errorKind,omitempty"`
	ReferenceIDs  map[string]string `json:"referenceIds,omitempty"`
	State         string            `json:"state,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`

	attempts int // upstream attempts behind this response
	cached   bool
}

// ErrorKindInProgress marks a resubmission whose earlier attempt has not finished.
const ErrorKindInProgress = "operation_in_progress"

// tool is one entry of a role's merged list.
type tool struct {
	def      schema.ExposedDefinition
	route    Route
	provider string
	upstream schema.ToolDefinition // remote tools only
	rule     *config.ToolProxyRule // proxied only
	readOnly bool
}
