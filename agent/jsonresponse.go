package agent

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidateJSON checks payload (a raw JSON document) against schema (a raw
// JSON Schema document), the same compile-then-validate sequence
// registry/service.go uses for payload validation. Every provider adapter
// in this package runs its collaborator's structured JSON response through
// this before unmarshaling it into a typed result, so a model that returns
// a malformed or incomplete object fails fast with a descriptive error
// instead of silently zero-valuing missing fields.
func ValidateJSON(payload, schema []byte) error {
	var schemaDoc any
	if err := json.Unmarshal(schema, &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}
	var payloadDoc any
	if err := json.Unmarshal(payload, &payloadDoc); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := compiled.Validate(payloadDoc); err != nil {
		return fmt.Errorf("validate collaborator response: %w", err)
	}
	return nil
}

// Schemas for each collaborator's expected JSON response shape, used by
// the Decode* functions to validate provider output.
var (
	BuildResponseSchema = []byte(`{
		"type": "object",
		"required": ["patch_kind"],
		"properties": {
			"patch_kind": {"type": "string", "enum": ["unified_diff", "structured_edits"]},
			"unified_diff": {"type": "string"},
			"structured_edits": {"type": "array"}
		}
	}`)

	AuditResponseSchema = []byte(`{
		"type": "object",
		"properties": {
			"issues": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["severity", "detail"],
					"properties": {
						"severity": {"type": "string"},
						"path": {"type": "string"},
						"detail": {"type": "string"}
					}
				}
			}
		}
	}`)

	DoctorResponseSchema = []byte(`{
		"type": "object",
		"required": ["action", "confidence"],
		"properties": {
			"action": {
				"type": "object",
				"required": ["kind"],
				"properties": {
					"kind": {"type": "string", "enum": ["retry_with_fix", "replan", "skip_phase", "fatal_error", "rollback_provider"]},
					"hint": {"type": "string"},
					"reason": {"type": "string"},
					"provider_id": {"type": "string"}
				}
			},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1}
		}
	}`)

	ReplanResponseSchema = []byte(`{
		"type": "object",
		"required": ["refused"],
		"properties": {
			"refused": {"type": "boolean"},
			"reason": {"type": "string"},
			"revised": {
				"type": "object",
				"properties": {
					"goal": {"type": "string"},
					"deliverables": {"type": "array", "items": {"type": "string"}},
					"acceptance_criteria": {"type": "array", "items": {"type": "string"}},
					"scope_paths": {"type": "array", "items": {"type": "string"}},
					"rationale": {"type": "string"}
				}
			}
		}
	}`)
)
