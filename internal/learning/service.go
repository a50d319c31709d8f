package learning

import (
	"context"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
)

// Scope identifies what a hint fetch or feedback report is about
type Scope struct {
	SpecID string
	Stage  domain.StageID
}

// Service is the playbook boundary. Implementations must be safe to call
// when the backing store is unavailable; the pipeline proceeds without
// hints rather than failing.
type Service interface {
	Fetch(ctx context.Context, scope Scope) ([]domain.Hint, error)
	Feedback(ctx context.Context, scope Scope, hintsUsed []string, outcome string) error
}

// Noop is the service used when no playbook is configured
type Noop struct{}

// Fetch returns no hints
func (Noop) Fetch(context.Context, Scope) ([]domain.Hint, error) { return nil, nil }

// Feedback discards the report
func (Noop) Feedback(context.Context, Scope, []string, string) error { return nil }
