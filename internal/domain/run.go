package domain

import (
	"fmt"
	"time"
)

// Run tracks one execution of the stage sequence for a spec id.
// It is created on pipeline start, mutated only by the coordinator, and
// persisted so a halted run can resume from its current stage.
type Run struct {
	ID                string
	SpecID            string
	Stages            []StageID
	CurrentStageIndex int
	Phase             Phase
	Status            RunStatus
	HaltReason        string
	PayloadHash       string
	StartedAt         time.Time
	FinishedAt        *time.Time
	StageHistory      []StageRecord
}

// StageRecord captures the outcome of one completed stage
type StageRecord struct {
	Stage      StageID       `json:"stage"`
	Attempt    int           `json:"attempt"`
	Degraded   bool          `json:"degraded"`
	Duration   time.Duration `json:"duration"`
	AgentCount int           `json:"agent_count"`
}

// CurrentStage returns the stage the run is on
func (r *Run) CurrentStage() StageID {
	if r.CurrentStageIndex < 0 || r.CurrentStageIndex >= len(r.Stages) {
		return ""
	}
	return r.Stages[r.CurrentStageIndex]
}

// Done reports whether every stage has completed
func (r *Run) Done() bool {
	return r.CurrentStageIndex >= len(r.Stages)
}

// StageIndex returns the position of a stage in the run's sequence
func (r *Run) StageIndex(stage StageID) (int, error) {
	for i, s := range r.Stages {
		if s == stage {
			return i, nil
		}
	}
	return 0, fmt.Errorf("stage %q not in run sequence", stage)
}

// AgentResult is the immutable terminal record of one agent call within a
// stage. Payload is nil unless Status is ResultSuccess.
type AgentResult struct {
	AgentID    string            `json:"agent_id"`
	Status     AgentResultStatus `json:"status"`
	Payload    []byte            `json:"payload,omitempty"`
	Cost       float64           `json:"cost"`
	Duration   time.Duration     `json:"duration"`
	Aggregator bool              `json:"aggregator,omitempty"`
	Err        string            `json:"error,omitempty"`
}

// Usable reports whether the result counts toward quorum
func (r *AgentResult) Usable() bool {
	return r.Status == ResultSuccess
}

// ConsensusVerdict classifies agreement among the collected stage results.
// Invariants: Degraded is true iff MissingAgents is non-empty and Conflicts
// is empty; ConsensusOK is false iff Conflicts is non-empty.
type ConsensusVerdict struct {
	Stage         string   `json:"stage"`
	ConsensusOK   bool     `json:"consensus_ok"`
	Degraded      bool     `json:"degraded"`
	Agreements    []string `json:"agreements"`
	Conflicts     []string `json:"conflicts"`
	MissingAgents []string `json:"missing_agents"`
	Aggregator    string   `json:"aggregator,omitempty"`
	PromptVersion string   `json:"prompt_version,omitempty"`
	RecordedAt    string   `json:"recorded_at,omitempty"`
}

// Status returns the verdict's short status string for telemetry
func (v *ConsensusVerdict) Status() string {
	switch {
	case v.ConsensusOK && !v.Degraded:
		return "ok"
	case len(v.Conflicts) > 0:
		return "conflict"
	case v.Degraded:
		return "degraded"
	}
	return "unknown"
}
