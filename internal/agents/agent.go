package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/config"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
)

// ErrMalformed marks agent output that could not be parsed as structured JSON
var ErrMalformed = errors.New("malformed agent output")

// CallRequest carries everything an agent needs for one stage call
type CallRequest struct {
	SpecID string
	Stage  domain.StageID
	Prompt string
	Model  string
}

// CallResult is the structured outcome of a successful agent call
type CallResult struct {
	Payload      json.RawMessage
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Agent is the capability interface every backend implements. One
// implementation exists per backend family, selected by configuration.
type Agent interface {
	ID() string
	Call(ctx context.Context, req CallRequest) (*CallResult, error)
}

// New builds an agent from its configuration
func New(cfg config.AgentConfig) (Agent, error) {
	switch cfg.Backend {
	case "", "command":
		return NewCommandAgent(cfg), nil
	case "scripted":
		return NewScriptedAgent(cfg.ID, nil), nil
	}
	return nil, fmt.Errorf("unknown agent backend %q for %s", cfg.Backend, cfg.ID)
}
