package quality

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
)

// Modifier applies an accepted answer to the target artifact
type Modifier interface {
	Apply(specID string, issue *domain.QualityIssue, answer string) error
}

// artifactForGate names the file each gate type is allowed to touch
func artifactForGate(gate domain.GateType) string {
	switch gate {
	case domain.GateAmbiguity, domain.GateRequirement:
		return "spec.md"
	case domain.GateConsistency:
		return "tasks.md"
	}
	return "spec.md"
}

// FileModifier appends accepted clarifications to the artifact under a
// per-file backup. A failed write restores the backup so the artifact is
// never left half-written.
type FileModifier struct {
	specRoot string
}

// NewFileModifier creates a modifier rooted at specRoot
func NewFileModifier(specRoot string) *FileModifier {
	return &FileModifier{specRoot: specRoot}
}

// Apply appends one clarification block to the issue's artifact
func (m *FileModifier) Apply(specID string, issue *domain.QualityIssue, answer string) error {
	name := issue.Artifact
	if name == "" {
		name = artifactForGate(issue.Gate)
	}
	path := filepath.Join(m.specRoot, specID, name)

	original, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading artifact %s: %w", path, err)
	}
	backup := path + ".bak"
	if err := os.WriteFile(backup, original, 0o644); err != nil {
		return fmt.Errorf("writing backup for %s: %w", path, err)
	}

	block := fmt.Sprintf("\n\n<!-- clarification %s -->\n> **%s**\n>\n> %s\n", issue.ID, issue.Question, answer)
	if err := appendAndSync(path, block); err != nil {
		// Restore before reporting; the artifact must never stay torn.
		if restoreErr := os.WriteFile(path, original, 0o644); restoreErr != nil {
			return fmt.Errorf("artifact %s corrupt after failed write (%v), restore also failed: %w", path, err, restoreErr)
		}
		return fmt.Errorf("writing artifact %s (restored from backup): %w", path, err)
	}
	os.Remove(backup)
	return nil
}

func appendAndSync(path, block string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(block); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
