package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/workato-devs/dewy-resort-sub000/internal/gatewayerr"
)

// DefaultCompiledSchemas bounds the compiled schema cache.
const DefaultCompiledSchemas = 512

// compiled is a cached compile outcome. A nil schema means the input schema
// could not be compiled and arguments are passed through unchecked.
type compiled struct {
	schema *jsonschema.Schema
}

// Validator checks call arguments against exposed input schemas. Each distinct
// schema is compiled once; entries are keyed by the hash of its JSON encoding,
// so a changed upstream schema gets a fresh entry. Safe for concurrent use.
type Validator struct {
	cache  *lru.Cache[uint64, compiled]
	logger *zap.Logger
}

// NewValidator creates a validator caching up to size compiled schemas.
func NewValidator(size int, logger *zap.Logger) *Validator {
	if size < 1 {
		size = DefaultCompiledSchemas
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, _ := lru.New[uint64, compiled](size) // only fails for size <= 0
	return &Validator{cache: cache, logger: logger}
}

// Validate checks args against an exposed input schema.
// A nil or empty schema accepts any object.
func (v *Validator) Validate(toolName string, inputSchema map[string]any, args map[string]any) error {
	if len(inputSchema) == 0 {
		return nil
	}

	sch := v.schemaFor(toolName, inputSchema)
	if sch == nil {
		// An unusable upstream schema is not the caller's fault; let the upstream judge.
		return nil
	}

	// Round-trip through JSON so numbers and nested values have the types the validator expects.
	raw, err := json.Marshal(argsOrEmpty(args))
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindSchemaValidation, err, "%s: arguments are not valid JSON", toolName)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindSchemaValidation, err, "%s: arguments are not valid JSON", toolName)
	}

	if err := sch.Validate(inst); err != nil {
		return gatewayerr.New(gatewayerr.KindSchemaValidation, "%s: schema validation failed: %v", toolName, err)
	}
	return nil
}

// Len reports how many compiled schemas are cached.
func (v *Validator) Len() int {
	return v.cache.Len()
}

func (v *Validator) schemaFor(toolName string, inputSchema map[string]any) *jsonschema.Schema {
	// encoding/json sorts map keys, so equal schemas encode identically.
	schemaBytes, err := json.Marshal(inputSchema)
	if err != nil {
		v.logger.Debug("input schema is not encodable, skipping validation",
			zap.String("tool", toolName), zap.Error(err))
		return nil
	}
	key := xxhash.Sum64(schemaBytes)
	if c, ok := v.cache.Get(key); ok {
		return c.schema
	}

	sch, err := compile(schemaBytes)
	if err != nil {
		v.logger.Debug("input schema does not compile, skipping validation",
			zap.String("tool", toolName), zap.Error(err))
	}
	v.cache.Add(key, compiled{schema: sch})
	return sch
}

func compile(schemaBytes []byte) (*jsonschema.Schema, error) {
	schemaObj, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaObj); err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	return c.Compile("schema.json")
}

func argsOrEmpty(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}
