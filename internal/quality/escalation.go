package quality

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
)

// EscalationFile is the on-disk shape of one escalated issue. A human
// answers by filling in the Answer field; the pipeline picks the file up
// and applies the answer.
type EscalationFile struct {
	SpecID     string            `json:"spec_id"`
	Checkpoint domain.Checkpoint `json:"checkpoint"`
	IssueID    string            `json:"issue_id"`
	Question   string            `json:"question"`
	Proposed   map[string]string `json:"proposed_answers"`
	Reason     string            `json:"escalate_reason"`
	Answer     string            `json:"answer"`
}

// EscalationStore keeps escalated issues as JSON files under an answer
// directory, one file per issue, grouped by spec.
type EscalationStore struct {
	dir string
}

// NewEscalationStore creates a store rooted at dir
func NewEscalationStore(dir string) *EscalationStore {
	return &EscalationStore{dir: dir}
}

// Dir returns the directory watched for answers to a spec's escalations
func (s *EscalationStore) Dir(specID string) string {
	return filepath.Join(s.dir, specID)
}

// WritePending persists one escalated issue awaiting a human answer.
// An existing answered file is left untouched so answers survive restarts.
func (s *EscalationStore) WritePending(specID string, issue *domain.QualityIssue) error {
	dir := s.Dir(specID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, fileName(issue.ID))
	if existing, err := s.readFile(path); err == nil && existing.Answer != "" {
		return nil
	}

	data, err := json.MarshalIndent(EscalationFile{
		SpecID:     specID,
		Checkpoint: issue.Checkpoint,
		IssueID:    issue.ID,
		Question:   issue.Question,
		Proposed:   issue.ProposedAnswers,
		Reason:     issue.EscalateReason,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Answers returns the answered escalations for a spec, keyed by issue id
func (s *EscalationStore) Answers(specID string) (map[string]string, error) {
	entries, err := os.ReadDir(s.Dir(specID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	answers := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ef, err := s.readFile(filepath.Join(s.Dir(specID), e.Name()))
		if err != nil {
			continue
		}
		if ef.Answer != "" {
			answers[ef.IssueID] = ef.Answer
		}
	}
	return answers, nil
}

// Answer records a human answer for an escalated issue
func (s *EscalationStore) Answer(specID, issueID, answer string) error {
	path := filepath.Join(s.Dir(specID), fileName(issueID))
	ef, err := s.readFile(path)
	if err != nil {
		return fmt.Errorf("no pending escalation %s for %s: %w", issueID, specID, err)
	}
	ef.Answer = answer
	data, err := json.MarshalIndent(ef, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Clear removes a spec's escalation files after they have been applied
func (s *EscalationStore) Clear(specID string) error {
	err := os.RemoveAll(s.Dir(specID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *EscalationStore) readFile(path string) (*EscalationFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ef EscalationFile
	if err := json.Unmarshal(data, &ef); err != nil {
		return nil, err
	}
	return &ef, nil
}

// fileName flattens an issue id into a safe file name
func fileName(issueID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, issueID)
	return safe + ".json"
}
