// Package dispatcher is the gateway entry point. It resolves the caller's role,
// merges the role's tools from every configured server, and routes each call to
// a local handler, the idempotent proxied path or a plain pass-through.
package dispatcher

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/workato-devs/dewy-resort-sub000/internal/config"
	"github.com/workato-devs/dewy-resort-sub000/internal/gatewayerr"
	"github.com/workato-devs/dewy-resort-sub000/internal/identity"
	"github.com/workato-devs/dewy-resort-sub000/internal/ledger"
	"github.com/workato-devs/dewy-resort-sub000/internal/metrics"
	"github.com/workato-devs/dewy-resort-sub000/internal/schema"
	"github.com/workato-devs/dewy-resort-sub000/internal/storage"
	"github.com/workato-devs/dewy-resort-sub000/internal/upstream"
)

// Options holds the Dispatcher's collaborators.
type Options struct {
	Ledger  ledger.Ledger
	Tools   ToolSource
	Events  storage.EventWriter // optional
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Getenv resolves env.<VAR> parameter sources. Defaults to os.Getenv.
	Getenv func(string) string
}

// Dispatcher serves list_tools and call_tool. Safe for concurrent use; Reload
// swaps the configuration atomically under in-flight calls.
type Dispatcher struct {
	table     atomic.Pointer[routeTable]
	ledger    ledger.Ledger
	tools     ToolSource
	events    storage.EventWriter
	validator *schema.Validator
	logger    *zap.Logger
	metrics   *metrics.Metrics
	getenv    func(string) string
	newID     func() string
}

// New creates a Dispatcher for cfg. cfg must already be normalized and validated.
func New(cfg *config.Config, invoker Invoker, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = storage.NewLogWriter(opts.Logger)
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	d := &Dispatcher{
		ledger:    opts.Ledger,
		tools:     opts.Tools,
		events:    opts.Events,
		validator: schema.NewValidator(schema.DefaultCompiledSchemas, opts.Logger),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		getenv:    opts.Getenv,
		newID:     uuid.NewString,
	}
	d.Reload(cfg, invoker)
	return d
}

// Reload replaces the configuration and upstream invoker used by new requests.
func (d *Dispatcher) Reload(cfg *config.Config, invoker Invoker) {
	d.table.Store(newRouteTable(cfg, invoker))
}

// Roles returns the configured role names in sorted order.
func (d *Dispatcher) Roles() []string {
	tbl := d.table.Load()
	names := make([]string, 0, len(tbl.roles))
	for name := range tbl.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) resolveRole(tbl *routeTable, id *identity.Identity, requested string) (config.RoleToolConfig, error) {
	name, err := id.ResolveRole(requested)
	if err != nil {
		return config.RoleToolConfig{}, gatewayerr.Wrap(gatewayerr.KindRoleDenied, err, "role %q", requested)
	}
	role, ok := tbl.roles[name]
	if !ok {
		return config.RoleToolConfig{}, gatewayerr.New(gatewayerr.KindRoleDenied, "unknown role %q", name)
	}
	return role, nil
}

// ListTools returns the tools visible to the caller's role. Providers that fail
// to list are reported as warnings; when every remote provider of the role fails
// the first failure is returned instead.
func (d *Dispatcher) ListTools(ctx context.Context, id *identity.Identity, requestedRole string) (*ToolList, error) {
	tbl := d.table.Load()
	role, err := d.resolveRole(tbl, id, requestedRole)
	if err != nil {
		d.metrics.ObserveDispatch("list", "error")
		return nil, err
	}

	v := d.view(ctx, tbl, role)
	if v.remote > 0 && len(v.failed) == v.remote {
		d.metrics.ObserveDispatch("list", "error")
		return nil, v.failures[v.failed[0]]
	}

	out := &ToolList{Role: role.Role, Version: role.Version}
	for _, name := range v.order {
		out.Tools = append(out.Tools, v.tools[name].def)
	}
	for _, provider := range v.failed {
		err := v.failures[provider]
		w := Warning{Provider: provider, Kind: string(gatewayerr.KindOf(err)), Message: gatewayerr.SafeMessage(err)}
		if ge, ok := gatewayerr.As(err); ok {
			w.CorrelationID = ge.CorrelationID
		}
		out.Warnings = append(out.Warnings, w)
		d.logger.Warn("listing tools without provider",
			zap.String("role", role.Role),
			zap.String("provider", provider),
			zap.Error(err),
		)
	}

	result := "ok"
	if len(out.Warnings) > 0 {
		result = "partial"
	}
	d.metrics.ObserveDispatch("list", result)
	return out, nil
}

// CallTool executes one tool call for the caller. Caller errors (unknown role or
// tool, invalid arguments or token) and internal ledger errors are returned as
// errors; upstream failures come back in-band with IsError set and, on the
// proxied path, the token to resubmit with.
func (d *Dispatcher) CallTool(ctx context.Context, id *identity.Identity, req CallRequest) (*CallResponse, error) {
	start := time.Now()
	tbl := d.table.Load()

	ev := &storage.ToolCallEvent{
		Timestamp:     start.UTC(),
		CallerID:      id.ID,
		TenantID:      id.Tenant,
		ToolName:      req.Name,
		Token:         req.Token,
		ArgumentNames: storage.TruncateNames(argumentNames(req.Arguments), storage.MaxArgumentNames),
	}

	resp, t, err := d.callTool(ctx, tbl, id, req, ev)
	if t != nil {
		ev.Route = string(t.route)
		ev.Provider = t.provider
		ev.UpstreamTool = t.upstream.Name
	}
	d.finish(ev, resp, err, start)
	return resp, err
}

func (d *Dispatcher) callTool(ctx context.Context, tbl *routeTable, id *identity.Identity, req CallRequest, ev *storage.ToolCallEvent) (*CallResponse, *tool, error) {
	role, err := d.resolveRole(tbl, id, req.Role)
	if err != nil {
		return nil, nil, err
	}
	ev.Role = role.Role

	v := d.view(ctx, tbl, role)
	t, ok := v.tools[req.Name]
	if !ok {
		return nil, nil, d.notFound(tbl, v, req.Name)
	}
	if req.Token != "" && t.route != RouteProxied {
		return nil, t, gatewayerr.New(gatewayerr.KindInvalidToken, "%s does not accept an idempotency token", req.Name)
	}

	var resp *CallResponse
	switch t.route {
	case RouteLocal:
		resp, err = d.callLocal(ctx, id, t, req.Arguments)
	case RouteProxied:
		resp, err = d.callProxied(ctx, tbl, id, t, req)
	default:
		resp, err = d.callPassThrough(ctx, tbl, t, req.Arguments)
	}
	return resp, t, err
}

// notFound reports a missing tool. When the provider that would own the name
// could not be listed, its error explains the absence better than ToolNotFound.
func (d *Dispatcher) notFound(tbl *routeTable, v *roleView, name string) error {
	if rule, ok := tbl.exposed[name]; ok {
		if err, failed := v.failures[rule.Provider]; failed {
			return err
		}
	} else if len(v.failed) > 0 {
		return v.failures[v.failed[0]]
	}
	return gatewayerr.New(gatewayerr.KindToolNotFound, "%s", name)
}

func (d *Dispatcher) callPassThrough(ctx context.Context, tbl *routeTable, t *tool, args map[string]any) (*CallResponse, error) {
	op := upstream.Operation{
		Method:        upstream.MethodCallTool,
		Tool:          t.upstream.Name,
		Mutating:      !t.readOnly,
		CorrelationID: d.newID(),
	}
	res, err := tbl.invoker.Invoke(ctx, t.provider, op, args)
	if err != nil {
		if inBand(err) {
			return errorResponse(err, "", ""), nil
		}
		return nil, err
	}

	resp := &CallResponse{Result: res.Body, CorrelationID: res.CorrelationID, attempts: res.Attempts, cached: res.Cached}
	if tr, err := res.ToolResult(); err == nil && tr.IsError {
		resp.IsError = true
		resp.ErrorKind = string(gatewayerr.KindUpstreamRejected)
		resp.ErrorMessage = tr.ErrorText()
	}
	return resp, nil
}

// inBand reports whether err is an upstream outcome reported inside a CallResponse.
func inBand(err error) bool {
	switch gatewayerr.KindOf(err) {
	case gatewayerr.KindTimeout, gatewayerr.KindTransport,
		gatewayerr.KindUpstreamUnavailable, gatewayerr.KindUpstreamRejected:
		return true
	}
	return false
}

func errorResponse(err error, token string, state ledger.State) *CallResponse {
	resp := &CallResponse{
		Token:        token,
		IsError:      true,
		ErrorKind:    string(gatewayerr.KindOf(err)),
		ErrorMessage: gatewayerr.SafeMessage(err),
		State:        string(state),
	}
	if ge, ok := gatewayerr.As(err); ok {
		resp.CorrelationID = ge.CorrelationID
		resp.attempts = ge.Attempts
	}
	return resp
}

func (d *Dispatcher) finish(ev *storage.ToolCallEvent, resp *CallResponse, err error, start time.Time) {
	ev.LatencyMs = float32(time.Since(start).Microseconds()) / 1000

	switch {
	case err != nil:
		ev.Outcome = "error"
		ev.ErrorKind = string(gatewayerr.KindOf(err))
		if ge, ok := gatewayerr.As(err); ok {
			ev.CorrelationID = ge.CorrelationID
			ev.Attempts = int32(ge.Attempts)
			if ge.Token != "" {
				ev.Token = ge.Token
			}
		}
		if gatewayerr.KindOf(err) == gatewayerr.KindLedgerInconsistency || gatewayerr.KindOf(err) == "" {
			d.logger.Error("tool call failed",
				zap.String("tool", ev.ToolName),
				zap.String("caller", ev.CallerID),
				zap.String("token", ev.Token),
				zap.Error(err),
			)
		}
	case resp.ErrorKind == ErrorKindInProgress:
		ev.Outcome = "in_progress"
	case resp.IsError:
		ev.Outcome = "tool_error"
		ev.ErrorKind = resp.ErrorKind
	default:
		ev.Outcome = "ok"
	}
	if resp != nil {
		if ev.CorrelationID == "" {
			ev.CorrelationID = resp.CorrelationID
		}
		if resp.Token != "" {
			ev.Token = resp.Token
		}
		ev.State = resp.State
		ev.ReferenceIDs = resp.ReferenceIDs
		ev.Attempts = int32(resp.attempts)
		ev.Cached = resp.cached
	}

	route := ev.Route
	if route == "" {
		route = "unrouted"
	}
	d.metrics.ObserveDispatch(route, ev.Outcome)
	d.events.Write(ev)
}

func argumentNames(args map[string]any) []string {
	names := make([]string, 0, len(args))
	for k := range args {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// isRaced reports whether err is a lost resubmission race.
func isRaced(err error) bool {
	return errors.Is(err, ledger.ErrResubmissionRaced)
}
