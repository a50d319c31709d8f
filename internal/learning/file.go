package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
)

// FileService reads hints from per-stage JSON files under a playbook
// directory and appends feedback reports as JSON lines.
type FileService struct {
	dir    string
	logger *log.Logger

	mu sync.Mutex // serializes feedback appends
}

// NewFileService creates a playbook service over dir
func NewFileService(dir string, logger *log.Logger) *FileService {
	if logger == nil {
		logger = log.Default()
	}
	return &FileService{dir: dir, logger: logger}
}

// FromConfig returns a file-backed service, or Noop when no directory is
// configured.
func FromConfig(dir string, logger *log.Logger) Service {
	if dir == "" {
		return Noop{}
	}
	return NewFileService(dir, logger)
}

// Fetch loads the stage's hint file. A missing file means no hints, not
// an error.
func (s *FileService) Fetch(ctx context.Context, scope Scope) ([]domain.Hint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, fmt.Sprintf("%s.json", scope.Stage)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var hints []domain.Hint
	if err := json.Unmarshal(data, &hints); err != nil {
		return nil, fmt.Errorf("playbook %s.json: %w", scope.Stage, err)
	}
	return hints, nil
}

type feedbackRecord struct {
	SpecID    string   `json:"spec_id"`
	Stage     string   `json:"stage"`
	HintsUsed []string `json:"hints_used"`
	Outcome   string   `json:"outcome"`
	Timestamp string   `json:"timestamp"`
}

// Feedback appends one report line to the playbook feedback log
func (s *FileService) Feedback(ctx context.Context, scope Scope, hintsUsed []string, outcome string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := feedbackRecord{
		SpecID:    scope.SpecID,
		Stage:     string(scope.Stage),
		HintsUsed: hintsUsed,
		Outcome:   outcome,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(s.dir, "feedback.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(string(line) + "\n")
	return err
}

// RenderHints formats hints for prompt injection. Empty input renders to
// an empty string so prompts stay clean without a playbook.
func RenderHints(hints []domain.Hint) string {
	if len(hints) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Lessons from earlier runs:\n")
	for _, h := range hints {
		b.WriteString("- ")
		b.WriteString(h.Text)
		b.WriteString("\n")
	}
	return b.String()
}
