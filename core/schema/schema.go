// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package schema validates JSON documents received from the cloud against JSON schemas

Provisioning responses and firmware attribute sets are validated before the device acts
on them. Capabilities embed their schemas and create a Validator with NewValidatorFromFS.
*/
package schema

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/goccy/go-json"

	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrUnknownSchema is returned when validating against a schema id that was never loaded
	ErrUnknownSchema = errors.New("unknown schema")
	// ErrInvalid is returned when a document does not satisfy its schema
	ErrInvalid = errors.New("document is not valid")
)

// ValidationError lists the violations of a document. It unwraps to ErrInvalid.
type ValidationError struct {
	SchemaID   string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s against %s: %s", ErrInvalid, e.SchemaID, strings.Join(e.Violations, "; "))
}

// Unwrap makes errors.Is(err, ErrInvalid) work
func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

// Validator validates JSON documents against a set of compiled schemas, keyed by $id
type Validator struct {
	compiled map[string]*gojsonschema.Schema
}

// NewValidatorFromFS creates a Validator from the *.json files in dir of fsys. Files in
// dir are top level schemas, files in dir/refs may be referenced by them. The refs
// directory is optional.
func NewValidatorFromFS(fsys fs.FS, dir string) (*Validator, error) {
	schemas, err := readJSONFiles(fsys, dir)
	if err != nil {
		return nil, err
	}
	refs, err := readJSONFiles(fsys, path.Join(dir, "refs"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return NewValidator(schemas, refs)
}

// readJSONFiles returns the content of all *.json files directly in dir
func readJSONFiles(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("cannot read schema dir %s: %w", dir, err)
	}
	var documents []string
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("cannot read schema %s: %w", entry.Name(), err)
		}
		documents = append(documents, string(data))
	}
	return documents, nil
}

// MustValidatorFromFS is like NewValidatorFromFS but panics on error. It is meant for
// embedded schemas which are known to be valid.
func MustValidatorFromFS(fsys fs.FS, dir string) *Validator {
	v, err := NewValidatorFromFS(fsys, dir)
	if err != nil {
		panic(err)
	}
	return v
}

// NewValidator compiles the top level schemas. Each must carry an $id. A top level
// schema may only reference schemas from refs, never another top level schema.
func NewValidator(schemas []string, refs []string) (*Validator, error) {
	v := &Validator{compiled: make(map[string]*gojsonschema.Schema, len(schemas))}
	for _, document := range schemas {
		var header struct {
			ID string `json:"$id"`
		}
		if err := json.Unmarshal([]byte(document), &header); err != nil {
			return nil, fmt.Errorf("cannot parse schema: %w", err)
		}
		if len(header.ID) == 0 {
			return nil, fmt.Errorf("schema without $id: %.60s", document)
		}

		loader := gojsonschema.NewSchemaLoader()
		for _, ref := range refs {
			if err := loader.AddSchemas(gojsonschema.NewStringLoader(ref)); err != nil {
				return nil, fmt.Errorf("cannot add ref to %s: %w", header.ID, err)
			}
		}
		compiled, err := loader.Compile(gojsonschema.NewStringLoader(document))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema %s: %w", header.ID, err)
		}
		v.compiled[header.ID] = compiled
	}
	return v, nil
}

// HasSchema returns true if schemaID is known
func (v *Validator) HasSchema(schemaID string) bool {
	_, ok := v.compiled[schemaID]
	return ok
}

// ValidateBytes validates a raw payload against schemaID
func (v *Validator) ValidateBytes(document []byte, schemaID string) error {
	return v.validate(gojsonschema.NewBytesLoader(document), schemaID)
}

func (v *Validator) validate(document gojsonschema.JSONLoader, schemaID string) error {
	compiled, ok := v.compiled[schemaID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, schemaID)
	}
	result, err := compiled.Validate(document)
	if err != nil {
		// not JSON at all
		return &ValidationError{SchemaID: schemaID, Violations: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		violations = append(violations, e.String())
	}
	return &ValidationError{SchemaID: schemaID, Violations: violations}
}
