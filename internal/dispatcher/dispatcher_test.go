package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/workato-devs/dewy-resort-sub000/internal/gatewayerr"
	"github.com/workato-devs/dewy-resort-sub000/internal/identity"
	"github.com/workato-devs/dewy-resort-sub000/internal/ledger"
	"github.com/workato-devs/dewy-resort-sub000/internal/schema"
	"github.com/workato-devs/dewy-resort-sub000/internal/storage"
	"github.com/workato-devs/dewy-resort-sub000/internal/upstream"
)

func TestListTools_ExcludedToolNeverListed(t *testing.T) {
	h := newHarness(t)

	list, err := h.d.ListTools(context.Background(), guest(), "")
	require.NoError(t, err)
	require.Equal(t, "guest", list.Role)
	require.Equal(t, "3", list.Version)
	require.Empty(t, list.Warnings)
	require.Equal(t, []string{
		"Cancel_booking",
		"create_booking_with_token",
		"Search_rooms",
		ToolGetOperationStatus,
		ToolListMyOperations,
	}, toolNames(list))
	require.NotContains(t, toolNames(list), "Get_guest_profile")
	require.NotContains(t, toolNames(list), "Create_booking_orchestrator")
}

func TestListTools_ProxiedSchemaHidesInjectedParameters(t *testing.T) {
	h := newHarness(t)

	list, err := h.d.ListTools(context.Background(), guest(), "guest")
	require.NoError(t, err)

	var booking *schema.ExposedDefinition
	for i := range list.Tools {
		if list.Tools[i].Name == "create_booking_with_token" {
			booking = &list.Tools[i]
		}
	}
	require.NotNil(t, booking)
	require.Contains(t, booking.Description, schema.GatewayAnnotation)

	props := booking.InputSchema["properties"].(map[string]any)
	require.NotContains(t, props, "idempotency_token")
	require.NotContains(t, props, "guest_email")
	require.Contains(t, props, "room_number")
	require.ElementsMatch(t, []any{"room_number", "check_in"}, booking.InputSchema["required"])
}

func TestListTools_CachedAcrossCalls(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		_, err := h.d.ListTools(context.Background(), guest(), "")
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), h.upstream.listCalls.Load())
}

func TestListTools_ConcurrentColdListingSharesOneFetch(t *testing.T) {
	if testing.Short() {
		t.Skip("uses a 2s simulated fetch latency")
	}
	fake := newFakeOrchestrator()
	fake.listDelay = 2 * time.Second
	h := newHarnessWith(t, fake, testConfig())

	var wg sync.WaitGroup
	results := make([]*ToolList, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.d.ListTools(context.Background(), guest(), "")
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, int32(1), fake.listCalls.Load())
	require.Equal(t, results[0], results[1])
}

func TestListTools_RoleDenied(t *testing.T) {
	h := newHarness(t)

	_, err := h.d.ListTools(context.Background(), guest(), "manager")
	require.ErrorIs(t, err, gatewayerr.ErrRoleDenied)

	_, err = h.d.ListTools(context.Background(), &identity.Identity{ID: "x", Role: "auditor"}, "")
	require.ErrorIs(t, err, gatewayerr.ErrRoleDenied)
}

func TestListTools_UpstreamDownWithoutFallbackPropagates(t *testing.T) {
	fake := newFakeOrchestrator()
	fake.listFailing.Store(true)
	h := newHarnessWith(t, fake, testConfig())

	_, err := h.d.ListTools(context.Background(), guest(), "")
	require.ErrorIs(t, err, gatewayerr.ErrUpstreamUnavailable)
}

func TestCallTool_ProxiedBookingCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.d.CallTool(ctx, guest(), bookingRequest())
	require.NoError(t, err)
	require.False(t, resp.IsError)
	require.NotEmpty(t, resp.Token)
	require.Equal(t, string(ledger.StateCompleted), resp.State)
	require.Equal(t, map[string]string{"booking_id": "B-1001"}, resp.ReferenceIDs)
	require.NotEmpty(t, resp.CorrelationID)

	rec, err := h.ledger.Lookup(ctx, resp.Token)
	require.NoError(t, err)
	require.Equal(t, ledger.StateCompleted, rec.State)
	require.Equal(t, "create_booking_with_token", rec.ToolName)
	require.Equal(t, "guest-42", rec.CallerIdentity)
	require.Equal(t, map[string]string{"booking_id": "B-1001"}, rec.ReferenceIDs)
	require.Equal(t, resp.CorrelationID, rec.CorrelationID)

	calls := h.upstream.toolCalls("Create_booking_orchestrator")
	require.Len(t, calls, 1)
	require.Equal(t, resp.Token, calls[0].IdempotencyKey)
	require.Equal(t, resp.Token, calls[0].Arguments["idempotency_token"])
	require.Equal(t, "ada@example.com", calls[0].Arguments["guest_email"])
	require.Equal(t, "101", calls[0].Arguments["room_number"])

	ev := h.events.last()
	require.Equal(t, "proxied", ev.Route)
	require.Equal(t, "ok", ev.Outcome)
	require.Equal(t, resp.Token, ev.Token)
	require.Equal(t, "guest", ev.Role)
	require.Equal(t, int32(1), ev.Attempts)
	require.False(t, ev.Cached)
}

func TestCallTool_TimeoutThenResubmitCompletesOnce(t *testing.T) {
	fake := newFakeOrchestrator()
	fake.failCreates = 1
	h := newHarnessWith(t, fake, testConfig())
	ctx := context.Background()

	first, err := h.d.CallTool(ctx, guest(), bookingRequest())
	require.NoError(t, err)
	require.True(t, first.IsError)
	require.NotEmpty(t, first.Token)
	require.Equal(t, string(ledger.StateFailed), first.State)
	require.Equal(t, string(gatewayerr.KindUpstreamUnavailable), first.ErrorKind)
	require.Equal(t, "tool_error", h.events.last().Outcome)
	require.Equal(t, int32(1), h.events.last().Attempts)

	rec, err := h.ledger.Lookup(ctx, first.Token)
	require.NoError(t, err)
	require.Equal(t, ledger.StateFailed, rec.State)

	req := bookingRequest()
	req.Token = first.Token
	second, err := h.d.CallTool(ctx, guest(), req)
	require.NoError(t, err)
	require.False(t, second.IsError)
	require.Equal(t, first.Token, second.Token)
	require.Equal(t, string(ledger.StateCompleted), second.State)
	require.NotEmpty(t, second.ReferenceIDs)

	require.Equal(t, 1, fake.createsFor(first.Token))
	require.Equal(t, 1, fake.totalCreates())
	for _, c := range fake.toolCalls("Create_booking_orchestrator") {
		require.Equal(t, first.Token, c.IdempotencyKey)
	}

	rec, err = h.ledger.Lookup(ctx, first.Token)
	require.NoError(t, err)
	require.Equal(t, ledger.StateCompleted, rec.State)
	require.Equal(t, 2, rec.Attempts)
}

func TestCallTool_CompletedResubmissionNeverCallsUpstream(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.d.CallTool(ctx, guest(), bookingRequest())
	require.NoError(t, err)

	req := bookingRequest()
	req.Token = first.Token
	for i := 0; i < 2; i++ {
		again, err := h.d.CallTool(ctx, guest(), req)
		require.NoError(t, err)
		require.Equal(t, first.ReferenceIDs, again.ReferenceIDs)
		require.JSONEq(t, string(first.Result), string(again.Result))
		require.Equal(t, string(ledger.StateCompleted), again.State)
	}
	require.Len(t, h.upstream.toolCalls("Create_booking_orchestrator"), 1)
}

func TestCallTool_ConcurrentResubmissionOfFailedTokenCallsOnce(t *testing.T) {
	fake := newFakeOrchestrator()
	fake.failCreates = 1
	h := newHarnessWith(t, fake, testConfig())
	ctx := context.Background()

	first, err := h.d.CallTool(ctx, guest(), bookingRequest())
	require.NoError(t, err)
	require.Equal(t, string(ledger.StateFailed), first.State)

	req := bookingRequest()
	req.Token = first.Token

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.d.CallTool(ctx, guest(), req)
			if err != nil {
				t.Errorf("resubmission failed: %v", err)
				return
			}
			if resp.Token != first.Token {
				t.Errorf("expected token %s, got %s", first.Token, resp.Token)
			}
		}()
	}
	wg.Wait()

	require.Len(t, fake.toolCalls("Create_booking_orchestrator"), 2)
	require.Equal(t, 1, fake.totalCreates())
}

func TestCallTool_InProgressTokenIsNotCalledAgain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	token, err := h.ledger.Begin(ctx, "create_booking_with_token", "guest-42")
	require.NoError(t, err)
	require.NoError(t, h.ledger.MarkCalled(ctx, token, "corr-1"))

	req := bookingRequest()
	req.Token = token
	resp, err := h.d.CallTool(ctx, guest(), req)
	require.NoError(t, err)
	require.True(t, resp.IsError)
	require.Equal(t, ErrorKindInProgress, resp.ErrorKind)
	require.Equal(t, string(ledger.StateUpstreamCalled), resp.State)
	require.Empty(t, h.upstream.toolCalls("Create_booking_orchestrator"))
	require.Equal(t, "in_progress", h.events.last().Outcome)
}

func TestCallTool_InvalidTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := bookingRequest()
	req.Token = "00000000-0000-0000-0000-000000000000"
	_, err := h.d.CallTool(ctx, guest(), req)
	require.ErrorIs(t, err, gatewayerr.ErrInvalidToken)

	first, err := h.d.CallTool(ctx, guest(), bookingRequest())
	require.NoError(t, err)

	other := guest()
	other.ID = "guest-7"
	req.Token = first.Token
	_, err = h.d.CallTool(ctx, other, req)
	require.ErrorIs(t, err, gatewayerr.ErrInvalidToken)

	_, err = h.d.CallTool(ctx, guest(), CallRequest{Name: "Search_rooms", Token: first.Token})
	require.ErrorIs(t, err, gatewayerr.ErrInvalidToken)
}

func TestCallTool_SpoofedInjectedParametersAreReplaced(t *testing.T) {
	h := newHarness(t)

	req := bookingRequest()
	req.Arguments["idempotency_token"] = "attacker-token"
	req.Arguments["guest_email"] = "someone-else@example.com"
	resp, err := h.d.CallTool(context.Background(), guest(), req)
	require.NoError(t, err)

	calls := h.upstream.toolCalls("Create_booking_orchestrator")
	require.Len(t, calls, 1)
	require.Equal(t, resp.Token, calls[0].Arguments["idempotency_token"])
	require.Equal(t, "ada@example.com", calls[0].Arguments["guest_email"])
}

func TestCallTool_SchemaValidationIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.d.CallTool(ctx, guest(), CallRequest{
		Name:      "create_booking_with_token",
		Arguments: map[string]any{"check_in": "2026-11-01"},
	})
	require.ErrorIs(t, err, gatewayerr.ErrSchemaValidation)
	require.Empty(t, h.upstream.toolCalls("Create_booking_orchestrator"))

	recs, err := h.ledger.ListByCaller(ctx, "guest-42", 10)
	require.NoError(t, err)
	require.Empty(t, recs, "no ledger record is begun for an invalid call")
}

func TestCallTool_MissingInjectedValueIsRejected(t *testing.T) {
	h := newHarness(t)

	anon := &identity.Identity{ID: "guest-9", Role: "guest"}
	_, err := h.d.CallTool(context.Background(), anon, bookingRequest())
	require.ErrorIs(t, err, gatewayerr.ErrSchemaValidation)
	require.Empty(t, h.upstream.toolCalls("Create_booking_orchestrator"))
}

func TestCallTool_ToolNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, name := range []string{"Get_guest_profile", "Create_booking_orchestrator", "Teleport_guest"} {
		_, err := h.d.CallTool(ctx, guest(), CallRequest{Name: name})
		require.ErrorIs(t, err, gatewayerr.ErrToolNotFound, name)
	}
	require.Equal(t, "error", h.events.last().Outcome)
}

func TestCallTool_ListingFailureReturnsUpstreamError(t *testing.T) {
	fake := newFakeOrchestrator()
	fake.listFailing.Store(true)
	h := newHarnessWith(t, fake, testConfig())

	_, err := h.d.CallTool(context.Background(), guest(), bookingRequest())
	require.Error(t, err)
	require.False(t, errors.Is(err, gatewayerr.ErrToolNotFound))
	require.ErrorIs(t, err, gatewayerr.ErrUpstreamUnavailable)
}

func TestCallTool_PassThroughReadOnlyIsCached(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var events []*storage.ToolCallEvent
	for i := 0; i < 2; i++ {
		resp, err := h.d.CallTool(ctx, guest(), CallRequest{Name: "Search_rooms", Arguments: map[string]any{"date": "2026-11-01"}})
		require.NoError(t, err)
		require.False(t, resp.IsError)
		require.Empty(t, resp.Token)
		events = append(events, h.events.last())
	}
	require.Len(t, h.upstream.toolCalls("Search_rooms"), 1)
	require.Equal(t, "passthrough", events[1].Route)

	require.Equal(t, int32(1), events[0].Attempts)
	require.False(t, events[0].Cached)
	require.Equal(t, int32(0), events[1].Attempts)
	require.True(t, events[1].Cached)
}

func TestCallTool_PassThroughToolErrorIsInBand(t *testing.T) {
	h := newHarness(t)

	resp, err := h.d.CallTool(context.Background(), guest(), CallRequest{Name: "Cancel_booking", Arguments: map[string]any{"booking_id": "B-1"}})
	require.NoError(t, err)
	require.True(t, resp.IsError)
	require.Equal(t, string(gatewayerr.KindUpstreamRejected), resp.ErrorKind)
	require.Equal(t, "booking already checked in", resp.ErrorMessage)

	// Not read-only, so never cached.
	_, err = h.d.CallTool(context.Background(), guest(), CallRequest{Name: "Cancel_booking", Arguments: map[string]any{"booking_id": "B-1"}})
	require.NoError(t, err)
	require.Len(t, h.upstream.toolCalls("Cancel_booking"), 2)
}

func TestCallTool_LocalOperationLookups(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	booking, err := h.d.CallTool(ctx, guest(), bookingRequest())
	require.NoError(t, err)

	status, err := h.d.CallTool(ctx, guest(), CallRequest{
		Name:      ToolGetOperationStatus,
		Arguments: map[string]any{"token": booking.Token},
	})
	require.NoError(t, err)
	var res upstream.CallToolResult
	require.NoError(t, json.Unmarshal(status.Result, &res))
	op := res.StructuredContent["operation"].(map[string]any)
	require.Equal(t, "completed", op["state"])
	require.Equal(t, "B-1001", op["referenceIds"].(map[string]any)["booking_id"])

	mine, err := h.d.CallTool(ctx, guest(), CallRequest{Name: ToolListMyOperations, Arguments: map[string]any{"limit": 5}})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(mine.Result, &res))
	require.Len(t, res.StructuredContent["operations"].([]any), 1)

	other := guest()
	other.ID = "guest-7"
	_, err = h.d.CallTool(ctx, other, CallRequest{Name: ToolGetOperationStatus, Arguments: map[string]any{"token": booking.Token}})
	require.ErrorIs(t, err, gatewayerr.ErrInvalidToken)

	require.Equal(t, int32(1), h.upstream.listCalls.Load())
	require.Len(t, h.upstream.toolCalls("Create_booking_orchestrator"), 1)
}

func TestCallTool_LocalToolsNotVisibleWithoutLocalServer(t *testing.T) {
	h := newHarness(t)
	mgr := &identity.Identity{ID: "mgr-1", Role: "manager"}

	_, err := h.d.CallTool(context.Background(), mgr, CallRequest{Name: ToolListMyOperations})
	require.ErrorIs(t, err, gatewayerr.ErrToolNotFound)
}

func TestReload_SwapsRoleConfiguration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cfg := testConfig()
	cfg.Roles[0].Servers[0].ExcludeList = []string{"Get_guest_profile", "Search_rooms"}
	h.d.Reload(cfg, h.client)

	list, err := h.d.ListTools(ctx, guest(), "")
	require.NoError(t, err)
	require.NotContains(t, toolNames(list), "Search_rooms")

	_, err = h.d.CallTool(ctx, guest(), CallRequest{Name: "Search_rooms"})
	require.ErrorIs(t, err, gatewayerr.ErrToolNotFound)
}

func TestListTools_PassThroughCollisionIsDropped(t *testing.T) {
	cfg := testConfig()
	// The proxied tool claims the name of an unrelated upstream tool.
	cfg.ProxyRules[0].ExposedToolName = "Search_rooms"
	h := newHarnessWith(t, newFakeOrchestrator(), cfg)

	list, err := h.d.ListTools(context.Background(), guest(), "")
	require.NoError(t, err)

	count := 0
	for _, tl := range list.Tools {
		if tl.Name == "Search_rooms" {
			count++
			require.Contains(t, tl.Description, schema.GatewayAnnotation)
		}
	}
	require.Equal(t, 1, count)
}

func TestRoles(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, []string{"guest", "manager"}, h.d.Roles())
}

func TestReferenceIDs(t *testing.T) {
	tests := []struct {
		name   string
		fields []string
		result upstream.CallToolResult
		want   map[string]string
	}{
		{
			name:   "default _id fields",
			result: upstream.CallToolResult{StructuredContent: map[string]any{"booking_id": "B-1", "room_id": float64(101), "status": "ok"}},
			want:   map[string]string{"booking_id": "B-1", "room_id": "101"},
		},
		{
			name:   "configured nested path",
			fields: []string{"booking.id", "missing"},
			result: upstream.CallToolResult{StructuredContent: map[string]any{"booking": map[string]any{"id": "B-2"}}},
			want:   map[string]string{"booking.id": "B-2"},
		},
		{
			name:   "json text block",
			result: upstream.CallToolResult{Content: []upstream.Content{{Type: "text", Text: `{"case_id":"C-9"}`}}},
			want:   map[string]string{"case_id": "C-9"},
		},
		{
			name:   "plain text",
			result: upstream.CallToolResult{Content: []upstream.Content{{Type: "text", Text: "done"}}},
			want:   nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, referenceIDs(tt.fields, &tt.result))
		})
	}
}

func TestResolveParameter(t *testing.T) {
	d := &Dispatcher{getenv: func(k string) string {
		if k == "HOTEL_ID" {
			return "dewy-1"
		}
		return ""
	}}
	id := &identity.Identity{ID: "g", Role: "guest", Tenant: "t1", Attributes: map[string]string{"email": "a@b.c"}}
	sources := map[string]string{
		"hotel":  "env.HOTEL_ID",
		"source": "literal.agent",
		"tenant": "identity.tenant",
		"unset":  "env.NOPE",
	}

	cases := map[string]string{"hotel": "dewy-1", "source": "agent", "tenant": "t1", "email": "a@b.c"}
	for name, want := range cases {
		got, ok := d.resolveParameter(id, sources, name)
		require.True(t, ok, name)
		require.Equal(t, want, got, name)
	}
	_, ok := d.resolveParameter(id, sources, "unset")
	require.False(t, ok)
}

var _ Invoker = (*upstream.Client)(nil)
