package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Arpeggio-Labs/chorus/pkg/canonical"
)

// ValidationError represents a specific structural validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// ValidationResult contains the outcome of event validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
	Hash   string            `json:"hash,omitempty"`
}

func (r *ValidationResult) addError(field, code, message string) {
	r.Valid = false
	r.Errors = append(r.Errors, ValidationError{Field: field, Code: code, Message: message})
}

// Err folds the error list into a single error, nil when valid.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("event validation failed: %s", strings.Join(msgs, "; "))
}

const eventSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["v", "type", "author_pubkey", "created_at", "body"],
	"properties": {
		"v":             {"type": "integer", "minimum": 1},
		"type":          {"type": ["string", "integer"]},
		"author_pubkey": {"type": "string", "minLength": 1},
		"created_at":    {"type": "integer", "minimum": 1},
		"parents":       {"type": "array"},
		"body":          {"type": "object"},
		"proofs":        {"type": "object"},
		"sig":           {"type": "string"}
	}
}`

var eventSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://chorus.schemas.local/event.schema.json"
	if err := c.AddResource(url, strings.NewReader(eventSchemaJSON)); err != nil {
		panic(fmt.Sprintf("event schema load failed: %v", err))
	}
	return c.MustCompile(url)
}()

// Validate checks an event for structural correctness against the compiled
// schema. This is fail-closed: any structural issue results in a validation
// failure. On success the result carries the event's content hash.
func Validate(evt Event) *ValidationResult {
	result := &ValidationResult{Valid: true}
	if evt == nil {
		result.addError("", "REQUIRED", "event is empty")
		return result
	}

	normalized, err := normalizeForSchema(evt)
	if err != nil {
		result.addError("", "MALFORMED", err.Error())
		return result
	}

	if err := eventSchema.Validate(normalized); err != nil {
		collectSchemaErrors(result, err)
		return result
	}

	hash, err := canonical.EventHash(evt)
	if err != nil {
		result.addError("", "UNHASHABLE", err.Error())
		return result
	}
	result.Hash = hash
	return result
}

// normalizeForSchema re-rounds the event through JSON so values built in
// process (ints, typed slices) validate the same as wire-decoded ones.
func normalizeForSchema(evt Event) (any, error) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("not JSON-representable: %w", err)
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func collectSchemaErrors(result *ValidationResult, err error) {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.addError("", "SCHEMA", err.Error())
		return
	}
	for _, leaf := range leafCauses(ve) {
		field := strings.TrimPrefix(leaf.InstanceLocation, "/")
		if field == "" {
			field = "event"
		}
		result.addError(field, "SCHEMA", leaf.Message)
	}
}

func leafCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var leaves []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		leaves = append(leaves, leafCauses(c)...)
	}
	return leaves
}
