package queue

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Per-type payload schemas. Payloads are a tagged union keyed by job
// type; validation runs after lease and before handler dispatch so a
// malformed payload is an input error, not a crash.

const planGenerateSchema = `{
	"type": "object",
	"required": ["topic"],
	"properties": {
		"topic":              {"type": "string", "minLength": 1, "maxLength": 2000},
		"title":              {"type": "string", "maxLength": 300},
		"tier":               {"type": "string", "enum": ["free", "plus", "pro"]},
		"preferred_category": {"type": "boolean"},
		"weeks":              {"type": "integer", "minimum": 1, "maximum": 52}
	},
	"additionalProperties": false
}`

const planRegenerateSchema = `{
	"type": "object",
	"required": ["topic"],
	"properties": {
		"topic":    {"type": "string", "minLength": 1, "maxLength": 2000},
		"feedback": {"type": "string", "maxLength": 4000},
		"weeks":    {"type": "integer", "minimum": 1, "maximum": 52}
	},
	"additionalProperties": false
}`

var payloadSchemas = map[Type]*jsonschema.Schema{
	TypePlanGenerate:   jsonschema.MustCompileString("planforge://schemas/plan_generate.json", planGenerateSchema),
	TypePlanRegenerate: jsonschema.MustCompileString("planforge://schemas/plan_regenerate.json", planRegenerateSchema),
}

// GeneratePayload is the decoded payload shared by both plan job types.
type GeneratePayload struct {
	Topic             string `json:"topic"`
	Title             string `json:"title,omitempty"`
	Tier              string `json:"tier,omitempty"`
	PreferredCategory bool   `json:"preferred_category,omitempty"`
	Weeks             int    `json:"weeks,omitempty"`
	Feedback          string `json:"feedback,omitempty"`
}

// ValidatePayload checks a raw payload against its type's schema.
// Returns a PayloadError describing the first violation.
func ValidatePayload(t Type, payload json.RawMessage) error {
	schema, ok := payloadSchemas[t]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidJobType, t)
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return &PayloadError{Type: t, Reason: fmt.Sprintf("not valid JSON: %v", err)}
	}
	if err := schema.Validate(doc); err != nil {
		return &PayloadError{Type: t, Reason: err.Error()}
	}
	return nil
}

// DecodePayload validates and decodes a payload in one step.
func DecodePayload(t Type, payload json.RawMessage) (*GeneratePayload, error) {
	if err := ValidatePayload(t, payload); err != nil {
		return nil, err
	}
	var p GeneratePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, &PayloadError{Type: t, Reason: err.Error()}
	}
	return &p, nil
}
