package filter

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed descriptor.schema.json
var descriptorSchema string

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func descriptorValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("descriptor.json", strings.NewReader(descriptorSchema)); err != nil {
			schemaErr = fmt.Errorf("failed to add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("descriptor.json")
		if schemaErr != nil {
			schemaErr = fmt.Errorf("failed to compile schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// ValidateDescriptorJSON checks raw JSON against the descriptor schema
func ValidateDescriptorJSON(data []byte) error {
	schema, err := descriptorValidator()
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return &ValidationError{Field: "descriptor", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := schema.Validate(doc); err != nil {
		return &ValidationError{Field: "descriptor", Message: err.Error()}
	}
	return nil
}

// ParseDescriptorJSON validates and decodes a JSON descriptor
func ParseDescriptorJSON(data []byte) (Descriptor, error) {
	var d Descriptor
	if len(bytes.TrimSpace(data)) == 0 {
		return d, nil
	}
	if err := ValidateDescriptorJSON(data); err != nil {
		return d, err
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("failed to decode descriptor: %w", err)
	}
	return d, nil
}

// ParseDescriptorYAML decodes a YAML descriptor
func ParseDescriptorYAML(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := d.Validate(); err != nil {
		return d, err
	}
	return d, nil
}

// LoadDescriptor reads a descriptor file; .json files are schema-validated,
// anything else is parsed as YAML
func LoadDescriptor(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to read descriptor file %s: %w", path, err)
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ParseDescriptorJSON(data)
	}
	return ParseDescriptorYAML(data)
}
