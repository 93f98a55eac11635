package contract

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func mustRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return r
}

func hasField(v Validation, field string) bool {
	for _, e := range v.Errors {
		if e.Field == field {
			return true
		}
	}
	return false
}

func TestRegistry_Stages(t *testing.T) {
	r := mustRegistry(t)

	stages := r.Stages()
	if len(stages) != 6 {
		t.Fatalf("got %d stages, want 6", len(stages))
	}
	for _, stage := range []string{"ingestion", "text_extraction", "language_detection", "chunking", "summarization", "indexing"} {
		if _, err := r.Get(stage); err != nil {
			t.Errorf("Get(%q) failed: %v", stage, err)
		}
	}
}

func TestValidateInput_Chunking(t *testing.T) {
	r := mustRegistry(t)

	tests := []struct {
		name      string
		payload   string
		wantValid bool
		wantField string
	}{
		{
			name:      "valid",
			payload:   `{"documentId":"doc-1","text":"hello world","chunkSize":500,"strategy":"fixed"}`,
			wantValid: true,
		},
		{
			name:      "chunk size below minimum",
			payload:   `{"documentId":"doc-1","text":"hello world","chunkSize":50,"strategy":"fixed"}`,
			wantField: "chunkSize",
		},
		{
			name:      "chunk size above maximum",
			payload:   `{"documentId":"doc-1","text":"hello world","chunkSize":9000,"strategy":"fixed"}`,
			wantField: "chunkSize",
		},
		{
			name:      "unknown strategy",
			payload:   `{"documentId":"doc-1","text":"hello world","chunkSize":500,"strategy":"random"}`,
			wantField: "strategy",
		},
		{
			name:      "negative overlap",
			payload:   `{"documentId":"doc-1","text":"hello world","chunkSize":500,"chunkOverlap":-1,"strategy":"fixed"}`,
			wantField: "chunkOverlap",
		},
		{
			name:      "wrong text type",
			payload:   `{"documentId":"doc-1","text":42,"chunkSize":500,"strategy":"fixed"}`,
			wantField: "text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := r.ValidateInput("chunking", json.RawMessage(tt.payload))
			if err != nil {
				t.Fatalf("ValidateInput failed: %v", err)
			}
			if v.Valid != tt.wantValid {
				t.Fatalf("got valid=%v, want %v (errors: %+v)", v.Valid, tt.wantValid, v.Errors)
			}
			if tt.wantField != "" && !hasField(v, tt.wantField) {
				t.Errorf("no error names field %q: %+v", tt.wantField, v.Errors)
			}
		})
	}
}

func TestValidateInput_MissingRequired(t *testing.T) {
	r := mustRegistry(t)

	v, err := r.ValidateInput("chunking", json.RawMessage(`{"documentId":"doc-1","chunkSize":500,"strategy":"fixed"}`))
	if err != nil {
		t.Fatalf("ValidateInput failed: %v", err)
	}
	if v.Valid {
		t.Fatal("payload missing text validated")
	}
	found := false
	for _, e := range v.Errors {
		if strings.Contains(e.Message, "text") {
			found = true
		}
	}
	if !found {
		t.Errorf("no error mentions the missing field: %+v", v.Errors)
	}
	if v.Err() == nil {
		t.Error("Err() returned nil for invalid result")
	}
	if !errors.Is(v.Err(), ErrInvalidInput) {
		t.Errorf("Err() = %v, want ErrInvalidInput", v.Err())
	}
}

func TestValidateInput_NestedField(t *testing.T) {
	r := mustRegistry(t)

	v, err := r.ValidateInput("ingestion", json.RawMessage(`{"documentId":"doc-1","source":{"uri":"s3://bucket/key","mimeType":"image/png"}}`))
	if err != nil {
		t.Fatalf("ValidateInput failed: %v", err)
	}
	if v.Valid {
		t.Fatal("payload with unsupported mime type validated")
	}
	if !hasField(v, "source.mimeType") {
		t.Errorf("no error names source.mimeType: %+v", v.Errors)
	}
}

func TestValidateInput_UnknownStage(t *testing.T) {
	r := mustRegistry(t)

	_, err := r.ValidateInput("transmogrify", json.RawMessage(`{}`))
	if !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("got %v, want ErrUnknownStage", err)
	}
}

func TestValidateInput_GoValues(t *testing.T) {
	r := mustRegistry(t)

	// Plain Go maps with int values normalize before validation
	payload := map[string]any{
		"documentId": "doc-1",
		"text":       "hello world",
		"chunkSize":  250,
		"strategy":   "sentence",
	}
	v, err := r.ValidateInput("chunking", payload)
	if err != nil {
		t.Fatalf("ValidateInput failed: %v", err)
	}
	if !v.Valid {
		t.Errorf("valid Go payload rejected: %+v", v.Errors)
	}
}

func TestCheckVersion(t *testing.T) {
	r := mustRegistry(t)

	// chunking contract window is v1..v2
	tests := []struct {
		version string
		wantErr bool
	}{
		{"v1", false},
		{"v2", false},
		{"chunker-v1", false},
		{"v3", true},
		{"v0", true},
		{"", true},
		{"vx", true},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			err := r.CheckVersion("chunking", tt.version)
			if tt.wantErr {
				if !errors.Is(err, ErrVersionIncompatible) {
					t.Fatalf("got %v, want ErrVersionIncompatible", err)
				}
			} else if err != nil {
				t.Fatalf("CheckVersion(%q) failed: %v", tt.version, err)
			}
		})
	}

	if err := r.CheckVersion("transmogrify", "v1"); !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("got %v, want ErrUnknownStage", err)
	}
}

func TestVersionCompatible(t *testing.T) {
	tests := []struct {
		executor string
		min      string
		want     bool
	}{
		{"v3", "v2", true},
		{"v2", "v2", true},
		{"v1", "v2", false},
		{"extractor-v10", "v2", true},
		{"", "v1", false},
		{"v1", "", false},
		{"v-1", "v1", false},
		{"version", "v1", false},
	}

	for _, tt := range tests {
		if got := VersionCompatible(tt.executor, tt.min); got != tt.want {
			t.Errorf("VersionCompatible(%q, %q) = %v, want %v", tt.executor, tt.min, got, tt.want)
		}
	}
}
