package schema

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/workato-devs/dewy-resort-sub000/internal/config"
	"github.com/workato-devs/dewy-resort-sub000/internal/gatewayerr"
)

func bookingDefinition() ToolDefinition {
	return ToolDefinition{
		Name:        "Create_booking_orchestrator",
		Description: "Create a room booking.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"room_number":       map[string]any{"type": "string"},
				"check_in":          map[string]any{"type": "string"},
				"guest_email":       map[string]any{"type": "string"},
				"idempotency_token": map[string]any{"type": "string"},
			},
			"required": []any{"room_number", "idempotency_token", "guest_email"},
		},
	}
}

func bookingRule() config.ToolProxyRule {
	return config.ToolProxyRule{
		UpstreamToolName:   "Create_booking_orchestrator",
		ExposedToolName:    "create_booking_with_token",
		Provider:           "orchestrator",
		InjectedParameters: []string{"idempotency_token", "guest_email"},
		TokenParameter:     "idempotency_token",
	}
}

func TestTransform_StripsInjectedParameters(t *testing.T) {
	got := Transform(bookingDefinition(), bookingRule())

	want := ExposedDefinition{
		Name:        "create_booking_with_token",
		Description: "Create a room booking.\n\n" + GatewayAnnotation,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"room_number": map[string]any{"type": "string"},
				"check_in":    map[string]any{"type": "string"},
			},
			"required": []any{"room_number"},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Transform mismatch (-want +got):\n%s", diff)
	}
}

func TestTransform_DoesNotMutateInput(t *testing.T) {
	def := bookingDefinition()
	before := bookingDefinition()

	_ = Transform(def, bookingRule())

	if diff := cmp.Diff(before, def); diff != "" {
		t.Fatalf("upstream definition mutated (-before +after):\n%s", diff)
	}
}

func TestTransform_Deterministic(t *testing.T) {
	a := Transform(bookingDefinition(), bookingRule())
	b := Transform(bookingDefinition(), bookingRule())
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("Transform not deterministic:\n%s", diff)
	}
}

func TestTransform_MissingInjectedParameterIsNotAnError(t *testing.T) {
	rule := bookingRule()
	rule.InjectedParameters = append(rule.InjectedParameters, "not_in_schema")

	got := Transform(bookingDefinition(), rule)
	props := got.InputSchema["properties"].(map[string]any)
	if len(props) != 2 {
		t.Fatalf("expected 2 remaining properties, got %v", props)
	}
}

func TestTransform_AllRequiredInjected(t *testing.T) {
	def := ToolDefinition{
		Name: "Checkout_guest_orchestrator",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"idempotency_token": map[string]any{"type": "string"}},
			"required":   []string{"idempotency_token"},
		},
	}
	got := Transform(def, config.ToolProxyRule{
		ExposedToolName:    "checkout_guest_with_token",
		InjectedParameters: []string{"idempotency_token"},
	})
	if _, ok := got.InputSchema["required"]; ok {
		t.Fatalf("expected empty required list to be dropped, got %v", got.InputSchema["required"])
	}
	if got.Description != GatewayAnnotation {
		t.Fatalf("expected bare annotation for empty description, got %q", got.Description)
	}
}

func TestTransform_NilSchema(t *testing.T) {
	got := Transform(ToolDefinition{Name: "x"}, config.ToolProxyRule{ExposedToolName: "y", InjectedParameters: []string{"idempotency_token"}})
	if got.InputSchema["type"] != "object" {
		t.Fatalf("expected an empty object schema, got %v", got.InputSchema)
	}
}

func TestExpose_CopiesSchema(t *testing.T) {
	def := bookingDefinition()
	got := Expose(def)
	got.InputSchema["properties"].(map[string]any)["extra"] = true

	if _, ok := def.InputSchema["properties"].(map[string]any)["extra"]; ok {
		t.Fatal("Expose must not share schema maps with the upstream definition")
	}
	if got.Name != def.Name || got.Description != def.Description {
		t.Fatalf("expected name and description unchanged, got %+v", got)
	}
}

func TestValidateArguments(t *testing.T) {
	exposed := Transform(bookingDefinition(), bookingRule())

	tests := []struct {
		name    string
		args    map[string]any
		wantErr bool
	}{
		{name: "valid", args: map[string]any{"room_number": "101", "check_in": "2026-01-02"}},
		{name: "missing required", args: map[string]any{"check_in": "2026-01-02"}, wantErr: true},
		{name: "wrong type", args: map[string]any{"room_number": 101}, wantErr: true},
		{name: "nil args and required field", args: nil, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewValidator(8, nil).Validate(exposed.Name, exposed.InputSchema, tt.args)
			if tt.wantErr {
				if !errors.Is(err, gatewayerr.ErrSchemaValidation) {
					t.Fatalf("expected SchemaValidationError, got %v", err)
				}
				if !strings.Contains(err.Error(), "create_booking_with_token") {
					t.Fatalf("expected tool name in error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected valid arguments, got %v", err)
			}
		})
	}
}

func TestValidateArguments_EmptySchemaAcceptsAnything(t *testing.T) {
	v := NewValidator(8, nil)
	if err := v.Validate("t", nil, map[string]any{"a": 1}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if v.Len() != 0 {
		t.Fatalf("expected nothing compiled for an empty schema, got %d", v.Len())
	}
}

func TestValidator_CompilesEachSchemaOnce(t *testing.T) {
	v := NewValidator(8, nil)
	exposed := Transform(bookingDefinition(), bookingRule())
	args := map[string]any{"room_number": "101"}

	for i := 0; i < 3; i++ {
		if err := v.Validate(exposed.Name, exposed.InputSchema, args); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	// An equal schema built separately shares the compiled entry.
	again := Transform(bookingDefinition(), bookingRule())
	if err := v.Validate(again.Name, again.InputSchema, args); err != nil {
		t.Fatal(err)
	}
	if v.Len() != 1 {
		t.Fatalf("expected one compiled schema, got %d", v.Len())
	}

	changed := Transform(bookingDefinition(), bookingRule())
	changed.InputSchema["required"] = []any{"room_number", "check_in"}
	err := v.Validate(changed.Name, changed.InputSchema, args)
	if !errors.Is(err, gatewayerr.ErrSchemaValidation) {
		t.Fatalf("expected the changed schema to be enforced, got %v", err)
	}
	if v.Len() != 2 {
		t.Fatalf("expected a second compiled schema, got %d", v.Len())
	}
}

func TestValidator_UncompilableSchemaIsLoggedOnce(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	v := NewValidator(8, zap.New(core))
	broken := map[string]any{"type": 5}

	for i := 0; i < 2; i++ {
		if err := v.Validate("broken_tool", broken, map[string]any{"a": 1}); err != nil {
			t.Fatalf("expected arguments to pass through unchecked, got %v", err)
		}
	}
	entries := logs.FilterMessage("input schema does not compile, skipping validation").All()
	if len(entries) != 1 {
		t.Fatalf("expected one debug line for the broken schema, got %d", len(entries))
	}
	if entries[0].ContextMap()["tool"] != "broken_tool" {
		t.Fatalf("expected tool name in log, got %v", entries[0].ContextMap())
	}
}

func TestToolDefinitionReadOnly(t *testing.T) {
	yes, no := true, false
	if (ToolDefinition{}).ReadOnly() {
		t.Fatal("expected no annotations to be treated as mutating")
	}
	if !(ToolDefinition{Annotations: &ToolAnnotations{ReadOnlyHint: &yes}}).ReadOnly() {
		t.Fatal("expected readOnlyHint=true to be read-only")
	}
	if (ToolDefinition{Annotations: &ToolAnnotations{ReadOnlyHint: &no}}).ReadOnly() {
		t.Fatal("expected readOnlyHint=false to be mutating")
	}
}
