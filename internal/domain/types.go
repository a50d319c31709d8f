package domain

import "fmt"

// StageID identifies one step in the fixed pipeline sequence
type StageID string

const (
	StagePlan      StageID = "plan"
	StageTasks     StageID = "tasks"
	StageImplement StageID = "implement"
	StageValidate  StageID = "validate"
	StageAudit     StageID = "audit"
	StageUnlock    StageID = "unlock"
)

// DefaultStages is the canonical six-stage sequence. Order is invariant;
// stages may be skipped only by an explicit resume-from, never reordered.
var DefaultStages = []StageID{
	StagePlan, StageTasks, StageImplement, StageValidate, StageAudit, StageUnlock,
}

// ParseStageID parses a stage name, accepting the "spec-" command prefix
func ParseStageID(s string) (StageID, error) {
	switch s {
	case "plan", "spec-plan":
		return StagePlan, nil
	case "tasks", "spec-tasks":
		return StageTasks, nil
	case "implement", "spec-implement":
		return StageImplement, nil
	case "validate", "spec-validate":
		return StageValidate, nil
	case "audit", "review", "spec-audit":
		return StageAudit, nil
	case "unlock", "spec-unlock":
		return StageUnlock, nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Phase represents the per-stage sub-state the coordinator is driving
type Phase string

const (
	PhaseGuardrail         Phase = "guardrail"
	PhaseExecutingAgents   Phase = "executing_agents"
	PhaseCheckingConsensus Phase = "checking_consensus"
	PhaseQualityGate       Phase = "quality_gate"
	PhaseAwaitingHuman     Phase = "awaiting_human"
	PhaseAdvance           Phase = "advance"
)

// RunStatus represents the lifecycle state of a pipeline run
type RunStatus string

const (
	RunActive    RunStatus = "active"
	RunCompleted RunStatus = "completed"
	RunHalted    RunStatus = "halted"
)

// AgentResultStatus is the terminal state of one agent call
type AgentResultStatus string

const (
	ResultSuccess   AgentResultStatus = "success"
	ResultError     AgentResultStatus = "error"
	ResultTimeout   AgentResultStatus = "timeout"
	ResultMalformed AgentResultStatus = "malformed"
)

// Confidence classifies reviewer agreement on a quality issue
type Confidence string

const (
	ConfidenceHigh   Confidence = "High"
	ConfidenceMedium Confidence = "Medium"
	ConfidenceLow    Confidence = "Low"
)

// Resolvability classifies how a quality issue can be fixed
type Resolvability string

const (
	ResolvabilityAutoFix    Resolvability = "AutoFix"
	ResolvabilitySuggestFix Resolvability = "SuggestFix"
	ResolvabilityNeedHuman  Resolvability = "NeedHuman"
)

// ResolutionState is the terminal (or pending) state of a quality issue
type ResolutionState string

const (
	ResolutionPending   ResolutionState = "Pending"
	ResolutionApplied   ResolutionState = "Applied"
	ResolutionEscalated ResolutionState = "Escalated"
)

// Checkpoint is one of the three fixed transitions where a quality gate runs.
// Each checkpoint owns exactly one gate type; none is ever duplicated on the
// same transition.
type Checkpoint string

const (
	CheckpointPrePlan   Checkpoint = "pre_plan"   // ambiguity detection
	CheckpointPostPlan  Checkpoint = "post_plan"  // requirement quality
	CheckpointPostTasks Checkpoint = "post_tasks" // cross-artifact consistency
)

// GateType names the single review scope a checkpoint owns
type GateType string

const (
	GateAmbiguity   GateType = "ambiguity"
	GateRequirement GateType = "requirement_quality"
	GateConsistency GateType = "consistency"
)

// GateForCheckpoint returns the one gate type a checkpoint runs
func GateForCheckpoint(cp Checkpoint) GateType {
	switch cp {
	case CheckpointPrePlan:
		return GateAmbiguity
	case CheckpointPostPlan:
		return GateRequirement
	default:
		return GateConsistency
	}
}

// CheckpointForTransition returns the checkpoint that guards entering the
// given stage, or "" when the transition has no gate. Pre-plan fires before
// the plan stage; post-plan before tasks; post-tasks before implement.
func CheckpointForTransition(next StageID) Checkpoint {
	switch next {
	case StagePlan:
		return CheckpointPrePlan
	case StageTasks:
		return CheckpointPostPlan
	case StageImplement:
		return CheckpointPostTasks
	}
	return ""
}
