package pipeline

import (
	"fmt"

	"github.com/millrace/millrace/internal/store"
)

// ResumePlan says where processing picks back up and which completed stages
// keep their outputs. ResumeFrom is empty when nothing is left to run.
type ResumePlan struct {
	ResumeFrom      string   `json:"resumeFrom,omitempty"`
	PreservedStages []string `json:"preservedStages"`
}

// Complete reports whether the document has no remaining work.
func (p ResumePlan) Complete() bool {
	return p.ResumeFrom == ""
}

// DetermineResumePoint scans the ledger in fixed stage order. Without a
// target it resumes at the first stage not recorded as completed, preserving
// the completed prefix. With a target it resumes there unconditionally,
// preserving completed stages strictly earlier in the order; completed stages
// at or after the target are discarded and re-run.
func DetermineResumePoint(steps []store.StepRecord, target string) (ResumePlan, error) {
	completed := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.Status == store.StepCompleted {
			completed[s.Stage] = true
		}
	}

	if target != "" {
		ti := StageIndex(target)
		if ti < 0 {
			return ResumePlan{}, fmt.Errorf("%w: invalid resume target %q", ErrUnknownStage, target)
		}
		plan := ResumePlan{ResumeFrom: target, PreservedStages: []string{}}
		for _, stage := range stageOrder[:ti] {
			if completed[stage] {
				plan.PreservedStages = append(plan.PreservedStages, stage)
			}
		}
		return plan, nil
	}

	plan := ResumePlan{PreservedStages: []string{}}
	for _, stage := range stageOrder {
		if !completed[stage] {
			plan.ResumeFrom = stage
			return plan, nil
		}
		plan.PreservedStages = append(plan.PreservedStages, stage)
	}
	return plan, nil
}
