package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/workato-devs/dewy-resort-sub000/internal/config"
	"github.com/workato-devs/dewy-resort-sub000/internal/identity"
	"github.com/workato-devs/dewy-resort-sub000/internal/ledger"
	"github.com/workato-devs/dewy-resort-sub000/internal/registry"
	"github.com/workato-devs/dewy-resort-sub000/internal/storage"
	"github.com/workato-devs/dewy-resort-sub000/internal/store"
	"github.com/workato-devs/dewy-resort-sub000/internal/upstream"
)

const orchestratorTools = `{"tools":[
	{"name":"Create_booking_orchestrator","description":"Create a room booking",
	 "inputSchema":{"type":"object",
	   "properties":{"room_number":{"type":"string"},"check_in":{"type":"string"},
	     "guest_email":{"type":"string"},"idempotency_token":{"type":"string"}},
	   "required":["room_number","check_in","guest_email","idempotency_token"]}},
	{"name":"Search_rooms","description":"Search available rooms",
	 "inputSchema":{"type":"object","properties":{"date":{"type":"string"}}},
	 "annotations":{"readOnlyHint":true}},
	{"name":"Cancel_booking","description":"Cancel a booking",
	 "inputSchema":{"type":"object","properties":{"booking_id":{"type":"string"}}}},
	{"name":"Get_guest_profile","description":"Read a guest profile",
	 "inputSchema":{"type":"object","properties":{"guest_id":{"type":"string"}}}}
]}`

// fakeOrchestrator is an upstream provider that executes each booking at most
// once per idempotency key, the way a real provider deduplicates.
type fakeOrchestrator struct {
	mu          sync.Mutex
	listCalls   atomic.Int32
	listDelay   time.Duration
	listFailing atomic.Bool
	calls       []*upstream.Call
	creates     map[string]int // idempotency key → bookings created
	failCreates int            // upcoming create calls that time out
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{creates: make(map[string]int)}
}

func (f *fakeOrchestrator) Do(ctx context.Context, call *upstream.Call) (json.RawMessage, error) {
	if call.Method == upstream.MethodListTools {
		f.listCalls.Add(1)
		if f.listDelay > 0 {
			select {
			case <-time.After(f.listDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if f.listFailing.Load() {
			return nil, &upstream.StatusError{Code: 503, Message: "maintenance"}
		}
		return json.RawMessage(orchestratorTools), nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)

	switch call.Tool {
	case "Create_booking_orchestrator":
		if f.failCreates > 0 {
			f.failCreates--
			return nil, context.DeadlineExceeded
		}
		f.creates[call.IdempotencyKey]++
		return json.RawMessage(fmt.Sprintf(
			`{"content":[{"type":"text","text":"Booking confirmed"}],"structuredContent":{"booking_id":"B-%d","status":"confirmed"}}`,
			1000+len(f.creates))), nil
	case "Search_rooms":
		return json.RawMessage(`{"content":[{"type":"text","text":"2 rooms available"}]}`), nil
	case "Cancel_booking":
		return json.RawMessage(`{"content":[{"type":"text","text":"booking already checked in"}],"isError":true}`), nil
	}
	return nil, &upstream.StatusError{Code: 404, Message: "no such tool"}
}

func (f *fakeOrchestrator) toolCalls(tool string) []*upstream.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*upstream.Call
	for _, c := range f.calls {
		if c.Tool == tool {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeOrchestrator) createsFor(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates[key]
}

func (f *fakeOrchestrator) totalCreates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.creates {
		n += c
	}
	return n
}

type recordingEvents struct {
	mu     sync.Mutex
	events []*storage.ToolCallEvent
}

func (r *recordingEvents) Write(e *storage.ToolCallEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEvents) Close() {}

func (r *recordingEvents) last() *storage.ToolCallEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Providers: []config.ProviderConfig{{Name: "orchestrator", Transport: "http", URL: "http://orchestrator.invalid"}},
		ProxyRules: []config.ToolProxyRule{{
			UpstreamToolName:   "Create_booking_orchestrator",
			ExposedToolName:    "create_booking_with_token",
			Provider:           "orchestrator",
			InjectedParameters: []string{"guest_email"},
			ParameterSources:   map[string]string{"guest_email": "attr.email"},
		}},
		Roles: []config.RoleToolConfig{
			{
				Role:    "guest",
				Version: "3",
				Servers: []config.ServerEntry{
					{Provider: "orchestrator", ExcludeList: []string{"Get_guest_profile"}},
					{Provider: config.LocalProvider},
				},
			},
			{
				Role:    "manager",
				Servers: []config.ServerEntry{{Provider: "orchestrator"}},
			},
		},
	}
	cfg.Normalize()
	return cfg
}

type harness struct {
	d        *Dispatcher
	upstream *fakeOrchestrator
	ledger   *ledger.SQLLedger
	registry *registry.Registry
	events   *recordingEvents
	client   *upstream.Client
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, newFakeOrchestrator(), testConfig())
}

func newHarnessWith(t *testing.T, fake *fakeOrchestrator, cfg *config.Config) *harness {
	t.Helper()
	db, err := store.OpenMigrated(context.Background(), config.DatabaseConfig{
		Driver:      store.DriverSQLite,
		DSN:         "file::memory:",
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	client := newClient(fake)
	reg := registry.New(registry.UpstreamFetcher{Invoker: client}, registry.Config{TTL: time.Minute, FetchTimeout: 5 * time.Second})
	l := ledger.NewSQLLedger(db, zap.NewNop(), nil)
	events := &recordingEvents{}

	d := New(cfg, client, Options{Ledger: l, Tools: reg, Events: events, Logger: zap.NewNop()})
	return &harness{d: d, upstream: fake, ledger: l, registry: reg, events: events, client: client}
}

func newClient(fake *fakeOrchestrator) *upstream.Client {
	return upstream.NewClient([]upstream.Provider{{
		Name:        "orchestrator",
		Transport:   fake,
		MaxAttempts: 1,
		CallTimeout: time.Second,
	}}, upstream.Options{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Cache:          upstream.NewMemoryCache(64, time.Minute),
		Logger:         zap.NewNop(),
	})
}

func guest() *identity.Identity {
	return &identity.Identity{ID: "guest-42", Role: "guest", Attributes: map[string]string{"email": "ada@example.com"}}
}

func bookingRequest() CallRequest {
	return CallRequest{
		Name:      "create_booking_with_token",
		Arguments: map[string]any{"room_number": "101", "check_in": "2026-11-01"},
	}
}

func toolNames(list *ToolList) []string {
	names := make([]string, 0, len(list.Tools))
	for _, tl := range list.Tools {
		names = append(names, tl.Name)
	}
	return names
}
