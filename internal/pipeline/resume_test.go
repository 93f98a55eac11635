package pipeline

import (
	"errors"
	"reflect"
	"testing"

	"github.com/millrace/millrace/internal/store"
)

func step(stage string, status store.StepStatus) store.StepRecord {
	return store.StepRecord{
		DocumentID: "doc-1",
		Stage:      stage,
		StageIndex: StageIndex(stage),
		Status:     status,
	}
}

func TestStages(t *testing.T) {
	want := []string{"ingestion", "text_extraction", "language_detection", "chunking", "summarization", "indexing"}
	if got := Stages(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	if StageIndex("chunking") != 3 {
		t.Errorf("StageIndex(chunking) = %d, want 3", StageIndex("chunking"))
	}
	if StageIndex("transmogrify") != -1 {
		t.Errorf("StageIndex(transmogrify) = %d, want -1", StageIndex("transmogrify"))
	}
	if !KnownStage("indexing") || KnownStage("") {
		t.Error("KnownStage misclassified a stage name")
	}
}

func TestDetermineResumePoint(t *testing.T) {
	tests := []struct {
		name          string
		steps         []store.StepRecord
		target        string
		wantFrom      string
		wantPreserved []string
	}{
		{
			name:          "fresh document starts at ingestion",
			steps:         nil,
			wantFrom:      "ingestion",
			wantPreserved: []string{},
		},
		{
			name: "resumes at first incomplete stage",
			steps: []store.StepRecord{
				step("ingestion", store.StepCompleted),
				step("text_extraction", store.StepCompleted),
				step("language_detection", store.StepPending),
			},
			wantFrom:      "language_detection",
			wantPreserved: []string{"ingestion", "text_extraction"},
		},
		{
			name: "failed stage is the resume point",
			steps: []store.StepRecord{
				step("ingestion", store.StepCompleted),
				step("text_extraction", store.StepCompleted),
				step("language_detection", store.StepCompleted),
				step("chunking", store.StepFailed),
			},
			wantFrom:      "chunking",
			wantPreserved: []string{"ingestion", "text_extraction", "language_detection"},
		},
		{
			name: "completions after a gap are discarded",
			steps: []store.StepRecord{
				step("ingestion", store.StepCompleted),
				step("text_extraction", store.StepFailed),
				step("chunking", store.StepCompleted),
			},
			wantFrom:      "text_extraction",
			wantPreserved: []string{"ingestion"},
		},
		{
			name: "all completed means nothing to do",
			steps: []store.StepRecord{
				step("ingestion", store.StepCompleted),
				step("text_extraction", store.StepCompleted),
				step("language_detection", store.StepCompleted),
				step("chunking", store.StepCompleted),
				step("summarization", store.StepCompleted),
				step("indexing", store.StepCompleted),
			},
			wantFrom:      "",
			wantPreserved: []string{"ingestion", "text_extraction", "language_detection", "chunking", "summarization", "indexing"},
		},
		{
			name: "explicit target re-runs later completions",
			steps: []store.StepRecord{
				step("ingestion", store.StepCompleted),
				step("text_extraction", store.StepCompleted),
				step("language_detection", store.StepCompleted),
				step("chunking", store.StepCompleted),
				step("summarization", store.StepCompleted),
				step("indexing", store.StepCompleted),
			},
			target:        "chunking",
			wantFrom:      "chunking",
			wantPreserved: []string{"ingestion", "text_extraction", "language_detection"},
		},
		{
			name: "explicit target preserves completed stages across gaps",
			steps: []store.StepRecord{
				step("ingestion", store.StepCompleted),
				step("chunking", store.StepCompleted),
			},
			target:        "summarization",
			wantFrom:      "summarization",
			wantPreserved: []string{"ingestion", "chunking"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := DetermineResumePoint(tt.steps, tt.target)
			if err != nil {
				t.Fatalf("DetermineResumePoint failed: %v", err)
			}
			if plan.ResumeFrom != tt.wantFrom {
				t.Errorf("got resumeFrom %q, want %q", plan.ResumeFrom, tt.wantFrom)
			}
			if !reflect.DeepEqual(plan.PreservedStages, tt.wantPreserved) {
				t.Errorf("got preserved %v, want %v", plan.PreservedStages, tt.wantPreserved)
			}
			if plan.Complete() != (tt.wantFrom == "") {
				t.Errorf("Complete() = %v with resumeFrom %q", plan.Complete(), plan.ResumeFrom)
			}
		})
	}
}

func TestDetermineResumePoint_UnknownTarget(t *testing.T) {
	_, err := DetermineResumePoint(nil, "transmogrify")
	if !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("got %v, want ErrUnknownStage", err)
	}
}

func TestHashArtifact(t *testing.T) {
	a := HashArtifact([]byte("extracted text"))
	b := HashArtifact([]byte("extracted text"))
	c := HashArtifact([]byte("different text"))

	if a != b {
		t.Error("same content hashed differently")
	}
	if a == c {
		t.Error("different content hashed identically")
	}
	if len(a) != 64 {
		t.Errorf("got hash length %d, want 64", len(a))
	}
}

func TestHashConfig(t *testing.T) {
	a, err := HashConfig(map[string]any{"chunkSize": 500, "strategy": "fixed"})
	if err != nil {
		t.Fatalf("HashConfig failed: %v", err)
	}
	b, err := HashConfig(map[string]any{"strategy": "fixed", "chunkSize": 500})
	if err != nil {
		t.Fatalf("HashConfig failed: %v", err)
	}
	if a != b {
		t.Error("key order changed the config hash")
	}

	c, _ := HashConfig(map[string]any{"chunkSize": 600, "strategy": "fixed"})
	if a == c {
		t.Error("different config hashed identically")
	}
}

func TestUpstreamUnchanged(t *testing.T) {
	hash := HashArtifact([]byte("upstream output"))

	tests := []struct {
		name string
		prev store.StepRecord
		cur  string
		want bool
	}{
		{
			name: "completed with matching hash",
			prev: store.StepRecord{Status: store.StepCompleted, OutputHash: hash},
			cur:  hash,
			want: true,
		},
		{
			name: "completed with different hash",
			prev: store.StepRecord{Status: store.StepCompleted, OutputHash: hash},
			cur:  HashArtifact([]byte("changed")),
			want: false,
		},
		{
			name: "failed step never matches",
			prev: store.StepRecord{Status: store.StepFailed, OutputHash: hash},
			cur:  hash,
			want: false,
		},
		{
			name: "missing recorded hash never matches",
			prev: store.StepRecord{Status: store.StepCompleted},
			cur:  "",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UpstreamUnchanged(tt.prev, tt.cur); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
