package guardrail

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
)

// Finding is one structured observation from a guardrail check
type Finding struct {
	Check    string `json:"check"`
	Severity string `json:"severity"` // "error" or "warning"
	Detail   string `json:"detail"`
}

// Report is the blocking result of a guardrail pass. Pass is false when
// any error-severity finding exists; warnings alone do not block.
type Report struct {
	Pass     bool      `json:"pass"`
	Findings []Finding `json:"findings"`
}

// Validator gates stage entry. A failed report halts the run before any
// agent spend for that stage.
type Validator interface {
	Check(ctx context.Context, specID string, stage domain.StageID) (*Report, error)
}

// prerequisites maps each stage to the artifacts that must exist in the
// spec directory before the stage may run.
var prerequisites = map[domain.StageID][]string{
	domain.StagePlan:      {"spec.md"},
	domain.StageTasks:     {"spec.md", "plan.md"},
	domain.StageImplement: {"spec.md", "plan.md", "tasks.md"},
	domain.StageValidate:  {"spec.md", "plan.md", "tasks.md"},
	domain.StageAudit:     {"spec.md", "plan.md", "tasks.md"},
	domain.StageUnlock:    {"spec.md", "plan.md", "tasks.md"},
}

// ArtifactValidator checks that the artifacts a stage builds on exist and
// are non-empty under the spec's directory.
type ArtifactValidator struct {
	specRoot string
}

// NewArtifactValidator creates a validator rooted at specRoot; each spec
// lives in specRoot/<spec_id>/.
func NewArtifactValidator(specRoot string) *ArtifactValidator {
	return &ArtifactValidator{specRoot: specRoot}
}

// Check verifies the stage's prerequisite artifacts
func (v *ArtifactValidator) Check(ctx context.Context, specID string, stage domain.StageID) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report := &Report{Pass: true}
	dir := filepath.Join(v.specRoot, specID)

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		report.Pass = false
		report.Findings = append(report.Findings, Finding{
			Check:    "spec_dir",
			Severity: "error",
			Detail:   fmt.Sprintf("spec directory %s does not exist", dir),
		})
		return report, nil
	}

	for _, name := range prerequisites[stage] {
		path := filepath.Join(dir, name)
		fi, err := os.Stat(path)
		switch {
		case err != nil:
			report.Pass = false
			report.Findings = append(report.Findings, Finding{
				Check:    "artifact_present",
				Severity: "error",
				Detail:   fmt.Sprintf("%s required before stage %s is missing", name, stage),
			})
		case fi.Size() == 0:
			report.Pass = false
			report.Findings = append(report.Findings, Finding{
				Check:    "artifact_nonempty",
				Severity: "error",
				Detail:   fmt.Sprintf("%s is empty", name),
			})
		}
	}
	return report, nil
}

// Chain runs validators in order and merges findings. The first returned
// error aborts; failed reports do not short-circuit, so the caller sees
// every finding at once.
type Chain []Validator

// Check runs every validator in the chain
func (c Chain) Check(ctx context.Context, specID string, stage domain.StageID) (*Report, error) {
	merged := &Report{Pass: true}
	for _, v := range c {
		r, err := v.Check(ctx, specID, stage)
		if err != nil {
			return nil, err
		}
		if !r.Pass {
			merged.Pass = false
		}
		merged.Findings = append(merged.Findings, r.Findings...)
	}
	return merged, nil
}
