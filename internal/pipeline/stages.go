// Package pipeline fixes the document processing stage order and plans
// crash-safe resume points over a document's execution ledger.
package pipeline

import "errors"

// Stage names in fixed execution order.
const (
	StageIngestion         = "ingestion"
	StageTextExtraction    = "text_extraction"
	StageLanguageDetection = "language_detection"
	StageChunking          = "chunking"
	StageSummarization     = "summarization"
	StageIndexing          = "indexing"
)

// ErrUnknownStage is returned for names outside the fixed stage order.
var ErrUnknownStage = errors.New("unknown stage")

// stageOrder is the fixed execution order. Resume planning, ledger indexes
// and admission checks all key off this slice.
var stageOrder = []string{
	StageIngestion,
	StageTextExtraction,
	StageLanguageDetection,
	StageChunking,
	StageSummarization,
	StageIndexing,
}

// Stages returns the stage names in execution order.
func Stages() []string {
	out := make([]string, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// StageIndex returns a stage's position in the fixed order, or -1 when the
// name is not a pipeline stage.
func StageIndex(stage string) int {
	for i, s := range stageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

// KnownStage reports whether the name is one of the pipeline stages.
func KnownStage(stage string) bool {
	return StageIndex(stage) >= 0
}
