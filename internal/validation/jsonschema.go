package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/replaykit/pkg/schema"
)

const remoteContextSchemaURL = "https://replaykit.dev/schemas/remote-context.json"

// remoteContextSchemaJSON describes the state exchanged with out-of-process
// orchestrators. Embedded as a constant to avoid filesystem dependencies.
const remoteContextSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://replaykit.dev/schemas/remote-context.json",
  "type": "object",
  "required": ["instanceId", "history"],
  "properties": {
    "instanceId": { "type": "string", "minLength": 1 },
    "parentInstanceId": { "type": "string" },
    "isReplaying": { "type": "boolean" },
    "input": {},
    "history": {
      "type": "array",
      "items": { "$ref": "#/$defs/historyEvent" }
    },
    "actions": {
      "type": "array",
      "items": {
        "type": "array",
        "items": { "$ref": "#/$defs/action" }
      }
    },
    "customStatus": {},
    "isDone": { "type": "boolean" },
    "output": {},
    "error": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "historyEvent": {
      "type": "object",
      "required": ["sequence", "type", "timestamp"],
      "properties": {
        "sequence": { "type": "integer", "minimum": 0 },
        "instance_id": { "type": "string" },
        "type": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "task_id": { "type": "integer" },
        "step": { "type": "integer" },
        "payload": {},
        "error": { "type": "object" },
        "timestamp": { "type": "string", "format": "date-time" }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["actionType"],
      "properties": {
        "actionType": {
          "type": "string",
          "enum": [
            "callActivity", "callSubOrchestrator", "createTimer",
            "waitForExternalEvent", "callEntity", "signalEntity",
            "lockEntities", "releaseLocks", "startOrchestration",
            "callHttp", "continueAsNew"
          ]
        },
        "name": { "type": "string" },
        "instanceId": { "type": "string" },
        "input": {},
        "fireAt": { "type": "string", "format": "date-time" },
        "entity": { "type": "string" },
        "operation": { "type": "string" },
        "entities": { "type": "array", "items": { "type": "string" } },
        "retry": { "type": "object" },
        "httpRequest": { "type": "object" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator implements Validator using JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	remoteContextSchema *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the remote context schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(remoteContextSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal remote context schema: %w", err)
	}
	if err := c.AddResource(remoteContextSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add remote context schema resource: %w", err)
	}
	compiled, err := c.Compile(remoteContextSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile remote context schema: %w", err)
	}

	return &JSONSchemaValidator{
		remoteContextSchema: compiled,
		cache:               make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateRemoteContext validates a serialized remote context.
func (v *JSONSchemaValidator) ValidateRemoteContext(doc []byte) error {
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(doc)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "remote context is not valid JSON").WithCause(err)
	}
	if err := v.remoteContextSchema.Validate(inst); err != nil {
		return toDurableError(err)
	}
	return nil
}

// ValidateInput validates a serialized input against a JSON Schema provided as raw bytes.
// The schema is compiled and cached for subsequent calls with the same schema.
func (v *JSONSchemaValidator) ValidateInput(input json.RawMessage, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	raw := string(input)
	if strings.TrimSpace(raw) == "" {
		raw = "null"
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "input is not valid JSON").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toDurableError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL and a fresh compiler.
	url := fmt.Sprintf("replaykit://input-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toDurableError converts a jsonschema.ValidationError into a DurableError
// listing every violated location.
func toDurableError(err error) *schema.DurableError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
