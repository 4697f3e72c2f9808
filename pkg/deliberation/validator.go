package deliberation

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/conclavehq/conclave/pkg/contracts"
)

// PayloadValidator validates message-type-specific payloads against
// JSON Schemas before a task is created. Types without a registered
// schema pass through unvalidated.
type PayloadValidator struct {
	schemas map[contracts.MessageType]*jsonschema.Schema
}

// NewPayloadValidator compiles the given schemas, keyed by message type.
func NewPayloadValidator(schemaSources map[contracts.MessageType]string) (*PayloadValidator, error) {
	v := &PayloadValidator{schemas: make(map[contracts.MessageType]*jsonschema.Schema)}
	for msgType, source := range schemaSources {
		compiler := jsonschema.NewCompiler()
		name := fmt.Sprintf("conclave://%s.schema.json", strings.ToLower(string(msgType)))
		if err := compiler.AddResource(name, strings.NewReader(source)); err != nil {
			return nil, fmt.Errorf("schema resource %s: %w", msgType, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", msgType, err)
		}
		v.schemas[msgType] = schema
	}
	return v, nil
}

// Validate checks the message payload against the schema for its type.
func (v *PayloadValidator) Validate(msg *contracts.Message) error {
	schema, ok := v.schemas[msg.Type]
	if !ok {
		return nil
	}
	payload := msg.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if err := schema.Validate(toJSONValue(payload)); err != nil {
		return fmt.Errorf("payload for %s: %w", msg.Type, err)
	}
	return nil
}

// toJSONValue normalizes payload values to the types the schema
// validator expects (maps, slices, and JSON scalar kinds).
func toJSONValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toJSONValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toJSONValue(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}
