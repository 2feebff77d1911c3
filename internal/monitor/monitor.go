// Package monitor validates JSON documents (inbound API bodies and provider
// webhook payloads) against JSON schemas before any field is trusted.
package monitor

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ContractMonitor validates documents against one compiled JSON schema.
type ContractMonitor struct {
	name   string
	schema *gojsonschema.Schema
}

// NewContractMonitorFromJSON compiles an inline schema document. name is only
// used in error messages.
func NewContractMonitorFromJSON(name, schemaJSON string) (*ContractMonitor, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("error loading or compiling schema %s: %w", name, err)
	}
	return &ContractMonitor{name: name, schema: schema}, nil
}

// MustContractMonitor is NewContractMonitorFromJSON for schemas embedded in
// the binary; it panics on an invalid schema.
func MustContractMonitor(name, schemaJSON string) *ContractMonitor {
	cm, err := NewContractMonitorFromJSON(name, schemaJSON)
	if err != nil {
		panic(err)
	}
	return cm
}

// Name returns the schema name given at construction.
func (cm *ContractMonitor) Name() string { return cm.name }

// Validate validates the given document against the loaded JSON schema.
// It returns true if valid, or false and a list of validation errors if invalid.
// The error is non-nil only when the document could not be read at all
// (for example, it is not JSON).
func (cm *ContractMonitor) Validate(document []byte) (bool, []string, error) {
	result, err := cm.schema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return false, nil, fmt.Errorf("error during validation: %w", err)
	}

	if result.Valid() {
		return true, nil, nil
	}

	var errs []string
	for _, desc := range result.Errors() {
		errs = append(errs, desc.String())
	}
	return false, errs, nil
}

// Check is Validate folded into a single error.
func (cm *ContractMonitor) Check(document []byte) error {
	ok, errs, err := cm.Validate(document)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %s", cm.name, FormatErrors(errs))
	}
	return nil
}

// FormatErrors formats a slice of validation error strings into a single string.
func FormatErrors(validationErrors []string) string {
	if len(validationErrors) == 0 {
		return ""
	}
	return "Validation errors: " + strings.Join(validationErrors, "; ")
}
