package feedback

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nordiq/reportflow/pkg/schema"
)

// feedbackSchemaJSON is the JSON Schema for review feedback payloads,
// embedded as a constant to avoid filesystem dependencies.
const feedbackSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://reportflow.dev/schemas/feedback.json",
  "type": "object",
  "required": ["changes"],
  "properties": {
    "summary": { "type": "string" },
    "changes": {
      "type": "array",
      "items": { "$ref": "#/$defs/change" }
    }
  },
  "additionalProperties": true,
  "$defs": {
    "change": {
      "type": "object",
      "required": ["description"],
      "properties": {
        "id": { "type": "string" },
        "section": { "type": "string" },
        "description": {
          "type": "string",
          "minLength": 1
        },
        "original": { "type": "string" },
        "suggested": { "type": "string" },
        "severity": {
          "type": "string",
          "enum": ["low", "medium", "high"]
        },
        "accepted": { "type": "boolean" }
      },
      "additionalProperties": true
    }
  }
}`

// Validator checks parsed feedback against the payload schema.
// Safe for concurrent use; the schema is compiled once.
type Validator struct {
	compiled *jsonschema.Schema
}

// NewValidator compiles the feedback payload schema.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(feedbackSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal feedback schema: %w", err)
	}
	if err := c.AddResource("https://reportflow.dev/schemas/feedback.json", doc); err != nil {
		return nil, fmt.Errorf("add feedback schema resource: %w", err)
	}
	compiled, err := c.Compile("https://reportflow.dev/schemas/feedback.json")
	if err != nil {
		return nil, fmt.Errorf("compile feedback schema: %w", err)
	}

	return &Validator{compiled: compiled}, nil
}

// Validate checks a parsed payload against the schema.
func (v *Validator) Validate(payload *schema.FeedbackPayload) error {
	if payload == nil {
		return schema.NewError(schema.ErrCodeValidation, "feedback payload is nil")
	}

	doc, err := toJSONValue(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize feedback payload").WithCause(err)
	}

	if err := v.compiled.Validate(doc); err != nil {
		return toPipelineError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding so that numbers
// become json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toPipelineError converts a jsonschema.ValidationError into a PipelineError
// with leaf violation messages collected for readable reporting.
func toPipelineError(err error) *schema.PipelineError {
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
	return schema.NewErrorf(schema.ErrCodeValidation,
		"feedback validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
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
