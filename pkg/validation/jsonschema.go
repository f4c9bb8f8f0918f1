package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a compiled JSON schema that can be reused across documents.
type Schema struct {
	name     string
	compiled *jsonschema.Schema
}

// Compile compiles schemaJSON once. name is used as the resource URL and in
// error messages.
func Compile(name, schemaJSON string) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(name, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource %s: %w", name, err)
	}
	sch, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile JSON schema %s: %w", name, err)
	}
	return &Schema{name: name, compiled: sch}, nil
}

// MustCompile is Compile for schemas embedded in the binary.
func MustCompile(name, schemaJSON string) *Schema {
	s, err := Compile(name, schemaJSON)
	if err != nil {
		panic(err)
	}
	return s
}

// ValidateJSON decodes data and validates it against the schema.
func (s *Schema) ValidateJSON(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("failed to unmarshal JSON data: empty document")
	}
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("failed to unmarshal JSON data: %w", err)
	}
	return s.Validate(doc)
}

// Validate validates an already decoded document.
func (s *Schema) Validate(doc interface{}) error {
	if err := s.compiled.Validate(doc); err != nil {
		var validationErr *jsonschema.ValidationError
		if errors.As(err, &validationErr) {
			return fmt.Errorf("JSON data failed validation against %s: %v", s.name, validationErr)
		}
		return fmt.Errorf("JSON data failed validation (unexpected error type): %w", err)
	}
	return nil
}

// ValidateJSONWithSchema validates a JSON data string against a JSON schema
// string. An empty schema accepts everything.
func ValidateJSONWithSchema(schemaJSON string, dataJSON string) error {
	if schemaJSON == "" {
		return nil
	}
	sch, err := Compile("schema.json", schemaJSON)
	if err != nil {
		return err
	}
	return sch.ValidateJSON([]byte(dataJSON))
}
