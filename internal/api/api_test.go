package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/workato-devs/dewy-resort-sub000/internal/dispatcher"
	"github.com/workato-devs/dewy-resort-sub000/internal/gatewayerr"
	"github.com/workato-devs/dewy-resort-sub000/internal/identity"
	"github.com/workato-devs/dewy-resort-sub000/internal/metrics"
	"github.com/workato-devs/dewy-resort-sub000/internal/schema"
)

type stubGateway struct {
	lastID   *identity.Identity
	lastRole string
	lastCall dispatcher.CallRequest
	list     *dispatcher.ToolList
	resp     *dispatcher.CallResponse
	err      error
}

func (s *stubGateway) ListTools(_ context.Context, id *identity.Identity, role string) (*dispatcher.ToolList, error) {
	s.lastID, s.lastRole = id, role
	return s.list, s.err
}

func (s *stubGateway) CallTool(_ context.Context, id *identity.Identity, req dispatcher.CallRequest) (*dispatcher.CallResponse, error) {
	s.lastID, s.lastCall = id, req
	return s.resp, s.err
}

type stubRegistry struct{ invalidated []string }

func (s *stubRegistry) Invalidate(provider string) { s.invalidated = append(s.invalidated, provider) }

func newTestRouter(gw Gateway, reg *stubRegistry, reload func(context.Context) error) http.Handler {
	promReg := prometheus.NewRegistry()
	m := metrics.NewMetrics(promReg)
	m.ObserveDispatch("proxied", "ok")
	return NewRouter(&Dependencies{
		Gateway:     gw,
		Registry:    reg,
		Reload:      reload,
		HasProvider: func(name string) bool { return name == "orchestrator" },
		Gatherer:    promReg,
		Logger:      zap.NewNop(),
	})
}

func do(h http.Handler, method, path, body string, caller bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if caller {
		req.Header.Set("X-Caller-Id", "guest-42")
		req.Header.Set("X-Caller-Role", "guest")
		req.Header.Set("X-Caller-Attr-Email", "ada@example.com")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func TestListTools(t *testing.T) {
	gw := &stubGateway{list: &dispatcher.ToolList{
		Role:  "guest",
		Tools: []schema.ExposedDefinition{{Name: "create_booking_with_token", InputSchema: map[string]any{"type": "object"}}},
	}}
	h := newTestRouter(gw, &stubRegistry{}, nil)

	rec := do(h, http.MethodPost, "/v1/tools/list", `{"role":"guest"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	list := decode[dispatcher.ToolList](t, rec)
	if len(list.Tools) != 1 || list.Tools[0].Name != "create_booking_with_token" {
		t.Fatalf("unexpected tools: %+v", list.Tools)
	}
	if gw.lastID.ID != "guest-42" || gw.lastID.Attributes["email"] != "ada@example.com" || gw.lastRole != "guest" {
		t.Fatalf("identity not forwarded: %+v role=%q", gw.lastID, gw.lastRole)
	}
}

func TestListTools_EmptyBody(t *testing.T) {
	gw := &stubGateway{list: &dispatcher.ToolList{Role: "guest"}}
	h := newTestRouter(gw, &stubRegistry{}, nil)

	rec := do(h, http.MethodPost, "/v1/tools/list", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gw.lastRole != "" {
		t.Fatalf("expected identity role to be used, got requested %q", gw.lastRole)
	}
}

func TestMissingIdentity(t *testing.T) {
	h := newTestRouter(&stubGateway{}, &stubRegistry{}, nil)

	rec := do(h, http.MethodPost, "/v1/tools/call", `{"name":"x"}`, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCallTool(t *testing.T) {
	gw := &stubGateway{resp: &dispatcher.CallResponse{
		Result:       json.RawMessage(`{"content":[]}`),
		Token:        "tok-1",
		ReferenceIDs: map[string]string{"booking_id": "B-1"},
		State:        "completed",
	}}
	h := newTestRouter(gw, &stubRegistry{}, nil)

	rec := do(h, http.MethodPost, "/v1/tools/call",
		`{"name":"create_booking_with_token","arguments":{"room_number":"101"}}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[dispatcher.CallResponse](t, rec)
	if resp.Token != "tok-1" || resp.ReferenceIDs["booking_id"] != "B-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if gw.lastCall.Arguments["room_number"] != "101" {
		t.Fatalf("arguments not forwarded: %+v", gw.lastCall)
	}
}

func TestCallTool_InBandErrorIs200(t *testing.T) {
	gw := &stubGateway{resp: &dispatcher.CallResponse{Token: "tok-1", IsError: true, ErrorKind: "timeout", State: "failed"}}
	h := newTestRouter(gw, &stubRegistry{}, nil)

	rec := do(h, http.MethodPost, "/v1/tools/call", `{"name":"create_booking_with_token"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp := decode[dispatcher.CallResponse](t, rec); !resp.IsError || resp.Token != "tok-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCallTool_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantKind   string
		wantToken  string
	}{
		{"invalid json", `{`, nil, http.StatusBadRequest, "", ""},
		{"missing name", `{}`, nil, http.StatusBadRequest, "", ""},
		{"not found", `{"name":"nope"}`, gatewayerr.New(gatewayerr.KindToolNotFound, "nope"), http.StatusNotFound, "tool_not_found", ""},
		{"role denied", `{"name":"x","role":"manager"}`, gatewayerr.New(gatewayerr.KindRoleDenied, "role"), http.StatusForbidden, "role_denied", ""},
		{
			"invalid token", `{"name":"x","token":"t"}`,
			gatewayerr.WithToken(gatewayerr.New(gatewayerr.KindInvalidToken, "unknown token"), "t"),
			http.StatusBadRequest, "invalid_token", "t",
		},
		{"internal", `{"name":"x"}`, errors.New("disk full"), http.StatusInternalServerError, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(&stubGateway{err: tt.err}, &stubRegistry{}, nil)
			rec := do(h, http.MethodPost, "/v1/tools/call", tt.body, true)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			body := decode[ErrorResp](t, rec)
			if body.Kind != tt.wantKind || body.Token != tt.wantToken {
				t.Fatalf("unexpected error body: %+v", body)
			}
			if tt.wantStatus == http.StatusInternalServerError && body.Detail != "internal error" {
				t.Fatalf("internal details leaked: %q", body.Detail)
			}
		})
	}
}

func TestAdminReload(t *testing.T) {
	calls := 0
	reload := func(context.Context) error {
		calls++
		if calls > 1 {
			return gatewayerr.New(gatewayerr.KindConfiguration, "role guest: unknown provider")
		}
		return nil
	}
	h := newTestRouter(&stubGateway{}, &stubRegistry{}, reload)

	if rec := do(h, http.MethodPost, "/admin/reload", "", false); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec := do(h, http.MethodPost, "/admin/reload", "", false)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if body := decode[ErrorResp](t, rec); body.Kind != "configuration_error" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestAdminReload_Unavailable(t *testing.T) {
	h := newTestRouter(&stubGateway{}, &stubRegistry{}, nil)
	if rec := do(h, http.MethodPost, "/admin/reload", "", false); rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
}

func TestAdminInvalidate(t *testing.T) {
	reg := &stubRegistry{}
	h := newTestRouter(&stubGateway{}, reg, nil)

	if rec := do(h, http.MethodPost, "/admin/providers/orchestrator/invalidate", "", false); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(reg.invalidated) != 1 || reg.invalidated[0] != "orchestrator" {
		t.Fatalf("unexpected invalidations: %v", reg.invalidated)
	}
	if rec := do(h, http.MethodPost, "/admin/providers/ghost/invalidate", "", false); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if len(reg.invalidated) != 1 {
		t.Fatalf("unknown provider must not be invalidated: %v", reg.invalidated)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestRouter(&stubGateway{}, &stubRegistry{}, nil)

	if rec := do(h, http.MethodGet, "/healthz", "", false); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec := do(h, http.MethodGet, "/metrics", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tool_gateway_dispatched_calls_total") {
		t.Fatalf("dispatch counter missing from metrics output")
	}
}
