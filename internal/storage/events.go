// Package storage streams one audit event per call_tool invocation to ClickHouse,
// or to the process log when no ClickHouse DSN is configured.
package storage

import "time"

// EventWriter is the interface for writing tool call events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *ToolCallEvent)
	Close()
}

// ToolCallEvent is the audit record of one call_tool invocation. Argument values
// are never recorded, only their names.
type ToolCallEvent struct {
	CorrelationID string
	Timestamp     time.Time
	Role          string
	CallerID      string
	TenantID      string
	ToolName      string
	Route         string // "local", "proxied", "passthrough"
	Provider      string
	UpstreamTool  string
	Token         string
	State         string // ledger state after the call, proxied only
	Outcome       string // "ok", "tool_error", "error", "in_progress"
	ErrorKind     string
	Attempts      int32
	Cached        bool
	ArgumentNames []string
	ReferenceIDs  map[string]string
	LatencyMs     float32
}

// MaxArgumentNames bounds the argument names copied into an event.
const MaxArgumentNames = 64

// TruncateNames returns at most max names without modifying the input.
func TruncateNames(names []string, max int) []string {
	if len(names) <= max {
		return names
	}
	return names[:max]
}
