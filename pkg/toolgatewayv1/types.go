// Package toolgatewayv1 holds the wire types, JSON codec and service descriptor
// of palisade.tool_gateway.v1.ToolGatewayService.
package toolgatewayv1

import "encoding/json"

// ListToolsRequest asks for the tools visible to a role. An empty role means
// the role carried in the caller identity metadata.
type ListToolsRequest struct {
	Role string `json:"role,omitempty"`
}

// Tool is one caller-visible tool definition.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ProviderWarning reports a provider left out of a partial listing.
type ProviderWarning struct {
	Provider      string `json:"provider"`
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

type ListToolsResponse struct {
	Role     string            `json:"role"`
	Version  string            `json:"version,omitempty"`
	Tools    []Tool            `json:"tools"`
	Warnings []ProviderWarning `json:"warnings,omitempty"`
}

// CallToolRequest invokes a tool. Token resubmits an earlier gateway-managed call.
type CallToolRequest struct {
	Role      string         `json:"role,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Token     string         `json:"token,omitempty"`
}

type CallToolResponse struct {
	Result        json.RawMessage   `json:"result,omitempty"`
	Token         string            `json:"token,omitempty"`
	IsError       bool              `json:"isError"`
	ErrorMessage  string            `json:"errorMessage,omitempty"`
	ErrorKind     string            `json:"errorKind,omitempty"`
	ReferenceIDs  map[string]string `json:"referenceIds,omitempty"`
	State         string            `json:"state,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
}
