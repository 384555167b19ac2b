package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/workato-devs/dewy-resort-sub000/internal/gatewayerr"
	"github.com/workato-devs/dewy-resort-sub000/internal/identity"
	"github.com/workato-devs/dewy-resort-sub000/internal/ledger"
	"github.com/workato-devs/dewy-resort-sub000/internal/upstream"
)

// callProxied runs a gateway-managed mutating call. From Begin onwards every
// ledger write uses a context detached from the caller so the record always
// reaches a recorded state.
func (d *Dispatcher) callProxied(ctx context.Context, tbl *routeTable, id *identity.Identity, t *tool, req CallRequest) (*CallResponse, error) {
	if req.Token != "" {
		return d.resubmit(ctx, tbl, id, t, req)
	}

	payload, err := d.preparePayload(id, t, req.Arguments)
	if err != nil {
		return nil, err
	}

	lctx := context.WithoutCancel(ctx)
	token, err := d.ledger.Begin(lctx, t.def.Name, id.Key())
	if err != nil {
		return nil, err
	}

	requestID := d.newID()
	if err := d.ledger.MarkCalled(lctx, token, requestID); err != nil {
		return nil, gatewayerr.WithToken(err, token)
	}
	return d.execute(ctx, tbl, t, token, requestID, payload)
}

// resubmit handles a call that carries a token from an earlier response. The
// ledger is consulted first; only a failed record is sent upstream again, with
// the same token.
func (d *Dispatcher) resubmit(ctx context.Context, tbl *routeTable, id *identity.Identity, t *tool, req CallRequest) (*CallResponse, error) {
	rec, err := d.ledger.Lookup(ctx, req.Token)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, gatewayerr.New(gatewayerr.KindInvalidToken, "unknown token")
	}
	if err != nil {
		return nil, fmt.Errorf("resubmit: %w", err)
	}
	if rec.ToolName != t.def.Name || rec.CallerIdentity != id.Key() {
		d.logger.Warn("token resubmitted for another tool or caller",
			zap.String("token", req.Token),
			zap.String("tool", t.def.Name),
			zap.String("record_tool", rec.ToolName),
			zap.String("caller", id.Key()),
		)
		return nil, gatewayerr.New(gatewayerr.KindInvalidToken, "unknown token")
	}

	switch rec.State {
	case ledger.StateCompleted:
		return completedResponse(rec), nil
	case ledger.StatePending, ledger.StateUpstreamCalled:
		return inProgressResponse(rec), nil
	}

	payload, err := d.preparePayload(id, t, req.Arguments)
	if err != nil {
		return nil, gatewayerr.WithToken(err, rec.Token)
	}

	lctx := context.WithoutCancel(ctx)
	requestID := d.newID()
	if err := d.ledger.Reattempt(lctx, rec.Token, requestID); err != nil {
		if !isRaced(err) {
			return nil, gatewayerr.WithToken(err, rec.Token)
		}
		current, lookupErr := d.ledger.Lookup(lctx, rec.Token)
		if lookupErr != nil {
			return nil, fmt.Errorf("resubmit: %w", lookupErr)
		}
		if current.State == ledger.StateCompleted {
			return completedResponse(current), nil
		}
		return inProgressResponse(current), nil
	}

	d.logger.Info("resubmitting failed operation",
		zap.String("token", rec.Token),
		zap.String("tool", t.def.Name),
		zap.String("correlation_id", requestID),
		zap.Int("previous_attempts", rec.Attempts),
	)
	return d.execute(ctx, tbl, t, rec.Token, requestID, payload)
}

// execute calls the upstream with the token injected and records the outcome.
// The record is upstream_called on entry.
func (d *Dispatcher) execute(ctx context.Context, tbl *routeTable, t *tool, token, requestID string, payload map[string]any) (*CallResponse, error) {
	payload[t.rule.TokenParameter] = token
	op := upstream.Operation{
		Method:         upstream.MethodCallTool,
		Tool:           t.upstream.Name,
		Mutating:       true,
		IdempotencyKey: token,
		CorrelationID:  requestID,
	}
	res, err := tbl.invoker.Invoke(ctx, t.provider, op, payload)

	lctx := context.WithoutCancel(ctx)
	if err != nil {
		if failErr := d.ledger.Fail(lctx, token, gatewayerr.SafeMessage(err)); failErr != nil {
			return nil, gatewayerr.WithToken(failErr, token)
		}
		d.logger.Warn("proxied call failed",
			zap.String("tool", t.def.Name),
			zap.String("provider", t.provider),
			zap.String("token", token),
			zap.Error(err),
		)
		if !inBand(err) {
			return nil, gatewayerr.WithToken(err, token)
		}
		return errorResponse(err, token, ledger.StateFailed), nil
	}

	tr, decodeErr := res.ToolResult()
	if decodeErr != nil || tr.IsError {
		cause := "malformed upstream result"
		kind := gatewayerr.KindUpstreamUnavailable
		if decodeErr == nil {
			cause = tr.ErrorText()
			kind = gatewayerr.KindUpstreamRejected
		}
		if failErr := d.ledger.Fail(lctx, token, cause); failErr != nil {
			return nil, gatewayerr.WithToken(failErr, token)
		}
		resp := errorResponse(&gatewayerr.Error{Kind: kind, Message: cause, CorrelationID: res.CorrelationID, Attempts: res.Attempts}, token, ledger.StateFailed)
		if decodeErr == nil {
			resp.Result = res.Body
		}
		return resp, nil
	}

	refs, err := d.ledger.Complete(lctx, token, referenceIDs(t.rule.ReferenceFields, tr), res.Body)
	if err != nil {
		return nil, gatewayerr.WithToken(err, token)
	}
	return &CallResponse{
		Result:        res.Body,
		Token:         token,
		ReferenceIDs:  refs,
		State:         string(ledger.StateCompleted),
		CorrelationID: res.CorrelationID,
		attempts:      res.Attempts,
	}, nil
}

// preparePayload drops caller-supplied injected parameters, validates what is
// left against the exposed schema and fills the injected values. The token
// parameter is filled by execute.
func (d *Dispatcher) preparePayload(id *identity.Identity, t *tool, args map[string]any) (map[string]any, error) {
	rule := t.rule
	payload := make(map[string]any, len(args)+len(rule.InjectedParameters))
	for k, v := range args {
		payload[k] = v
	}
	for _, name := range rule.InjectedParameters {
		if _, spoofed := payload[name]; spoofed {
			d.logger.Warn("caller supplied a gateway-injected parameter, dropping it",
				zap.String("tool", t.def.Name),
				zap.String("parameter", name),
				zap.String("caller", id.Key()),
			)
			delete(payload, name)
		}
	}

	if err := d.validator.Validate(t.def.Name, t.def.InputSchema, payload); err != nil {
		return nil, err
	}

	required := requiredSet(t.upstream.InputSchema)
	for _, name := range rule.InjectedParameters {
		if name == rule.TokenParameter {
			continue
		}
		v, ok := d.resolveParameter(id, rule.ParameterSources, name)
		if ok {
			payload[name] = v
			continue
		}
		if _, req := required[name]; req {
			return nil, gatewayerr.New(gatewayerr.KindSchemaValidation,
				"%s: no value available for parameter %q", t.def.Name, name)
		}
	}
	return payload, nil
}

// resolveParameter reads an injected value from its configured source, or from
// attr.<name> when none is configured.
func (d *Dispatcher) resolveParameter(id *identity.Identity, sources map[string]string, name string) (string, bool) {
	src, ok := sources[name]
	if !ok {
		src = "attr." + name
	}
	if v, ok := strings.CutPrefix(src, "env."); ok {
		val := d.getenv(v)
		return val, val != ""
	}
	if v, ok := strings.CutPrefix(src, "literal."); ok {
		return v, true
	}
	return id.Value(src)
}

func requiredSet(s map[string]any) map[string]struct{} {
	out := make(map[string]struct{})
	switch req := s["required"].(type) {
	case []any:
		for _, v := range req {
			if name, ok := v.(string); ok {
				out[name] = struct{}{}
			}
		}
	case []string:
		for _, name := range req {
			out[name] = struct{}{}
		}
	}
	return out
}

func completedResponse(rec *ledger.Record) *CallResponse {
	return &CallResponse{
		Result:        rec.Result,
		Token:         rec.Token,
		ReferenceIDs:  rec.ReferenceIDs,
		State:         string(rec.State),
		CorrelationID: rec.CorrelationID,
	}
}

func inProgressResponse(rec *ledger.Record) *CallResponse {
	return &CallResponse{
		Token:         rec.Token,
		IsError:       true,
		ErrorKind:     ErrorKindInProgress,
		ErrorMessage:  "operation in progress",
		State:         string(rec.State),
		CorrelationID: rec.CorrelationID,
	}
}

// referenceIDs captures upstream identifiers from a successful result. Without
// configured fields, every top-level scalar field ending in _id is taken. Fields
// may use dots to reach into nested objects.
func referenceIDs(fields []string, tr *upstream.CallToolResult) map[string]string {
	content := tr.StructuredContent
	if content == nil {
		content = textObject(tr)
	}
	if content == nil {
		return nil
	}

	refs := make(map[string]string)
	if len(fields) == 0 {
		keys := make([]string, 0, len(content))
		for k := range content {
			if strings.HasSuffix(k, "_id") {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			if s, ok := scalarString(content[k]); ok {
				refs[k] = s
			}
		}
	} else {
		for _, f := range fields {
			if v, ok := lookupPath(content, f); ok {
				if s, ok := scalarString(v); ok {
					refs[f] = s
				}
			}
		}
	}
	if len(refs) == 0 {
		return nil
	}
	return refs
}

// textObject decodes the first text block as a JSON object, for providers that
// return structured data as text.
func textObject(tr *upstream.CallToolResult) map[string]any {
	for _, c := range tr.Content {
		if c.Type != "text" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(c.Text), &obj); err == nil {
			return obj
		}
		return nil
	}
	return nil
}

func lookupPath(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}
