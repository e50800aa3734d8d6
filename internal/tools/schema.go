package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/abhi9avx/cognigraph-ai/pkg/contracts"
	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"
)

var schemaSeq atomic.Int64

// Schema is a compiled JSON Schema.
type Schema struct {
	raw      json.RawMessage
	compiled *validator.Schema
}

// CompileSchema compiles a raw JSON Schema document.
func CompileSchema(raw json.RawMessage) (*Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	url := fmt.Sprintf("mem://schema/%d.json", schemaSeq.Add(1))
	c := validator.NewCompiler()
	c.Draft = validator.Draft2020
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{raw: raw, compiled: compiled}, nil
}

// Raw returns the schema document.
func (s *Schema) Raw() json.RawMessage { return s.raw }

// ValidateJSON parses data and validates it. Violations wrap ErrSchemaViolation.
func (s *Schema) ValidateJSON(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: malformed JSON: %v", contracts.ErrSchemaViolation, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after JSON value", contracts.ErrSchemaViolation)
	}
	if err := s.compiled.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrSchemaViolation, err)
	}
	return nil
}

// GenerateSchema reflects a strict object schema from the Args struct type.
//
//	type WeatherArgs struct {
//	    City string `json:"city" jsonschema:"description=City name"`
//	    Unit string `json:"unit,omitempty" jsonschema:"enum=celsius,enum=fahrenheit"`
//	}
//
// Fields without omitempty are required; unknown properties are rejected.
func GenerateSchema[Args any]() (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(Args))
	s.Version = ""
	s.ID = ""
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return raw, nil
}
