// Package api serves the gateway over HTTP JSON, alongside health, metrics and
// admin endpoints.
package api

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/workato-devs/dewy-resort-sub000/internal/dispatcher"
	"github.com/workato-devs/dewy-resort-sub000/internal/identity"
)

// Gateway is the part of the dispatcher the HTTP API needs.
type Gateway interface {
	ListTools(ctx context.Context, id *identity.Identity, role string) (*dispatcher.ToolList, error)
	CallTool(ctx context.Context, id *identity.Identity, req dispatcher.CallRequest) (*dispatcher.CallResponse, error)
}

// Invalidator expires a provider's cached tool list.
type Invalidator interface {
	Invalidate(provider string)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Gateway  Gateway
	Registry Invalidator
	// Reload re-reads configuration and swaps it in. nil disables POST /admin/reload.
	Reload func(ctx context.Context) error
	// HasProvider reports whether a provider is configured.
	HasProvider func(name string) bool
	Gatherer    prometheus.Gatherer // nil disables GET /metrics
	Logger      *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Tool invocation (caller identity required)
	mux.HandleFunc("POST /v1/tools/list", deps.identityMiddleware(deps.handleListTools))
	mux.HandleFunc("POST /v1/tools/call", deps.identityMiddleware(deps.handleCallTool))

	// Admin (bind the listener to a trusted network)
	mux.HandleFunc("POST /admin/reload", deps.handleReload)
	mux.HandleFunc("POST /admin/providers/{provider}/invalidate", deps.handleInvalidate)

	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return requestLogging(mux, deps.Logger)
}
