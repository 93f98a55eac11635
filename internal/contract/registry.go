// Package contract pins the input contract each pipeline stage exposes to its
// executors: a JSON Schema for the payload and a version window the executor
// must fall inside. Executors never run on input the contract rejects.
package contract

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	// ErrUnknownStage is returned for stages without a registered contract.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrInvalidInput is returned when a payload fails its stage schema.
	ErrInvalidInput = errors.New("invalid stage input")

	// ErrVersionIncompatible is returned when an executor version falls
	// outside the stage's accepted window.
	ErrVersionIncompatible = errors.New("incompatible contract version")
)

// registry pins the version window per stage. Schemas load from the matching
// embedded schemas/<stage>.json file.
var registry = []Contract{
	{Stage: "ingestion", Version: "v2", MinVersion: "v1"},
	{Stage: "text_extraction", Version: "v3", MinVersion: "v2"},
	{Stage: "language_detection", Version: "v1", MinVersion: "v1"},
	{Stage: "chunking", Version: "v2", MinVersion: "v1"},
	{Stage: "summarization", Version: "v3", MinVersion: "v2"},
	{Stage: "indexing", Version: "v2", MinVersion: "v1"},
}

// Contract is one stage's input contract.
type Contract struct {
	Stage      string `json:"stage"`
	Version    string `json:"version"`
	MinVersion string `json:"minVersion"`

	schema *jsonschema.Schema
}

// Validation is the outcome of checking a payload against a stage schema.
type Validation struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors,omitempty"`
}

// FieldError names one failing field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Err returns nil for a valid result, or ErrInvalidInput carrying the first
// failing field.
func (v Validation) Err() error {
	if v.Valid {
		return nil
	}
	if len(v.Errors) > 0 {
		e := v.Errors[0]
		return fmt.Errorf("%w: %s: %s", ErrInvalidInput, e.Field, e.Message)
	}
	return ErrInvalidInput
}

// Registry holds the compiled contracts for all pipeline stages.
type Registry struct {
	contracts map[string]*Contract
}

// NewRegistry compiles the embedded stage schemas.
func NewRegistry() (*Registry, error) {
	contracts := make(map[string]*Contract, len(registry))
	for _, def := range registry {
		def := def
		filename := fmt.Sprintf("schemas/%s.json", def.Stage)
		content, err := schemaFS.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema for %s: %w", def.Stage, err)
		}

		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(filename, bytes.NewReader(content)); err != nil {
			return nil, fmt.Errorf("failed to load schema for %s: %w", def.Stage, err)
		}
		schema, err := compiler.Compile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for %s: %w", def.Stage, err)
		}

		def.schema = schema
		contracts[def.Stage] = &def
	}
	return &Registry{contracts: contracts}, nil
}

// MustRegistry is NewRegistry for wiring paths where a broken embedded schema
// is unrecoverable.
func MustRegistry() *Registry {
	r, err := NewRegistry()
	if err != nil {
		panic(err)
	}
	return r
}

// Get returns the contract for a stage.
func (r *Registry) Get(stage string) (*Contract, error) {
	c, ok := r.contracts[stage]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	return c, nil
}

// Stages returns the stage names with registered contracts, sorted.
func (r *Registry) Stages() []string {
	stages := make([]string, 0, len(r.contracts))
	for stage := range r.contracts {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	return stages
}

// List returns all contracts sorted by stage name.
func (r *Registry) List() []Contract {
	out := make([]Contract, 0, len(r.contracts))
	for _, stage := range r.Stages() {
		out = append(out, *r.contracts[stage])
	}
	return out
}

// ValidateInput checks a payload against the stage's schema. The payload may
// be any JSON-marshalable value, including json.RawMessage.
func (r *Registry) ValidateInput(stage string, payload any) (Validation, error) {
	c, err := r.Get(stage)
	if err != nil {
		return Validation{}, err
	}
	return c.ValidateInput(payload), nil
}

// CheckVersion verifies an executor version against the stage's window.
func (r *Registry) CheckVersion(stage, executorVersion string) error {
	c, err := r.Get(stage)
	if err != nil {
		return err
	}
	if !c.Compatible(executorVersion) {
		return fmt.Errorf("%w: stage %s accepts %s through %s, executor reports %q",
			ErrVersionIncompatible, stage, c.MinVersion, c.Version, executorVersion)
	}
	return nil
}

// ValidateInput checks a payload against the contract's schema.
func (c *Contract) ValidateInput(payload any) Validation {
	doc, err := normalize(payload)
	if err != nil {
		return Validation{Errors: []FieldError{{Field: "(root)", Message: err.Error()}}}
	}

	err = c.schema.Validate(doc)
	if err == nil {
		return Validation{Valid: true}
	}

	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		return Validation{Errors: collectFieldErrors(ve)}
	}
	return Validation{Errors: []FieldError{{Field: "(root)", Message: err.Error()}}}
}

// normalize round-trips the payload through encoding/json so the validator
// always sees JSON-decoded types.
func normalize(payload any) (any, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payload is not JSON-marshalable: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return doc, nil
}

// collectFieldErrors flattens a validation error tree into per-field errors.
func collectFieldErrors(ve *jsonschema.ValidationError) []FieldError {
	var out []FieldError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, FieldError{Field: fieldPath(e.InstanceLocation), Message: e.Message})
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return out
}

// fieldPath converts a JSON pointer instance location to dotted field form.
func fieldPath(loc string) string {
	loc = strings.TrimPrefix(loc, "/")
	if loc == "" {
		return "(root)"
	}
	return strings.ReplaceAll(loc, "/", ".")
}
