package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/workato-devs/dewy-resort-sub000/internal/gatewayerr"
	"github.com/workato-devs/dewy-resort-sub000/internal/identity"
	"github.com/workato-devs/dewy-resort-sub000/internal/ledger"
	"github.com/workato-devs/dewy-resort-sub000/internal/schema"
	"github.com/workato-devs/dewy-resort-sub000/internal/upstream"
)

// Local tools answer from the ledger and never reach an upstream provider.
const (
	ToolGetOperationStatus = "get_operation_status"
	ToolListMyOperations   = "list_my_operations"

	defaultOperationsLimit = 20
	maxOperationsLimit     = 100
)

func localDefinitions() []schema.ExposedDefinition {
	return []schema.ExposedDefinition{
		{
			Name:        ToolGetOperationStatus,
			Description: "Returns the state of an operation started through a gateway-managed tool, identified by its idempotency token.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"token": map[string]any{"type": "string", "description": "Token returned by the original call."},
				},
				"required": []any{"token"},
			},
		},
		{
			Name:        ToolListMyOperations,
			Description: "Lists your most recent gateway-managed operations, newest first.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": maxOperationsLimit},
				},
			},
		},
	}
}

// operationView is the caller-facing projection of a ledger record.
type operationView struct {
	Token        string            `json:"token"`
	Tool         string            `json:"tool"`
	State        string            `json:"state"`
	Attempts     int               `json:"attempts"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	ReferenceIDs map[string]string `json:"referenceIds,omitempty"`
	LastError    string            `json:"lastError,omitempty"`
}

func viewOf(rec *ledger.Record) operationView {
	return operationView{
		Token:        rec.Token,
		Tool:         rec.ToolName,
		State:        string(rec.State),
		Attempts:     rec.Attempts,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
		ReferenceIDs: rec.ReferenceIDs,
		LastError:    rec.LastError,
	}
}

func (d *Dispatcher) callLocal(ctx context.Context, id *identity.Identity, t *tool, args map[string]any) (*CallResponse, error) {
	if err := d.validator.Validate(t.def.Name, t.def.InputSchema, args); err != nil {
		return nil, err
	}

	var structured map[string]any
	switch t.def.Name {
	case ToolGetOperationStatus:
		token, _ := args["token"].(string)
		rec, err := d.ledger.Lookup(ctx, token)
		if errors.Is(err, ledger.ErrNotFound) || (err == nil && rec.CallerIdentity != id.Key()) {
			return nil, gatewayerr.New(gatewayerr.KindInvalidToken, "unknown token")
		}
		if err != nil {
			return nil, fmt.Errorf("callLocal: %w", err)
		}
		structured = map[string]any{"operation": viewOf(rec)}

	case ToolListMyOperations:
		limit := defaultOperationsLimit
		if v, ok := args["limit"].(float64); ok {
			limit = int(v)
		}
		recs, err := d.ledger.ListByCaller(ctx, id.Key(), limit)
		if err != nil {
			return nil, fmt.Errorf("callLocal: %w", err)
		}
		ops := make([]operationView, 0, len(recs))
		for i := range recs {
			ops = append(ops, viewOf(&recs[i]))
		}
		structured = map[string]any{"operations": ops}

	default:
		return nil, gatewayerr.New(gatewayerr.KindToolNotFound, "%s", t.def.Name)
	}

	body, err := localResult(structured)
	if err != nil {
		return nil, fmt.Errorf("callLocal: %w", err)
	}
	return &CallResponse{Result: body}, nil
}

// localResult shapes a local answer like an upstream tools/call result: the
// structured value plus the same value as a text block.
func localResult(structured map[string]any) (json.RawMessage, error) {
	text, err := json.Marshal(structured)
	if err != nil {
		return nil, err
	}
	// Round-trip so StructuredContent holds plain JSON values.
	var plain map[string]any
	if err := json.Unmarshal(text, &plain); err != nil {
		return nil, err
	}
	return json.Marshal(upstream.CallToolResult{
		Content:           []upstream.Content{{Type: "text", Text: string(text)}},
		StructuredContent: plain,
	})
}
