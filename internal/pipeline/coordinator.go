package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/config"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/consensus"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/costs"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/evidence"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/guardrail"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/learning"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/notify"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/prompts"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/quality"
)

var (
	// ErrRunActive means a different submission is already running for the spec
	ErrRunActive = errors.New("a run is already active for this spec")
	// ErrNoRun means no run exists for the spec
	ErrNoRun = errors.New("no run for this spec")
	// ErrNotHalted means resume was called on a run that is not halted
	ErrNotHalted = errors.New("run is not halted")
)

// AdvanceResult is the outcome of driving one stage
type AdvanceResult string

const (
	AdvanceContinue      AdvanceResult = "continue"
	AdvanceAwaitingHuman AdvanceResult = "awaiting_human"
	AdvanceHalted        AdvanceResult = "halted"
	AdvanceCompleted     AdvanceResult = "completed"
)

// Deps wires the coordinator's collaborators
type Deps struct {
	Config    *config.Config
	Roster    *Roster
	Orch      *orchestrator.Orchestrator
	Consensus *consensus.Engine
	Quality   *quality.Engine
	Guard     guardrail.Validator
	Evidence  evidence.Repository
	Tracker   *costs.Tracker
	Hints     *learning.Cache
	Prompts   *prompts.Loader
	Notifier  notify.Notifier
	Bus       *Bus
	FollowUps *FollowUpScheduler
	Logger    *log.Logger
}

// runState is the coordinator's private bookkeeping for one run
type runState struct {
	mu             sync.Mutex // one sequential control path per run
	run            *domain.Run
	issues         []*domain.QualityIssue
	checkpointDone map[domain.Checkpoint]bool
	promptVersion  string
}

// Coordinator owns every Run's state machine. It is the only mutator of
// run state; agent fan-out, consensus, gates, and persistence are
// delegated to its collaborators.
type Coordinator struct {
	cfg       *config.Config
	roster    *Roster
	orch      *orchestrator.Orchestrator
	consensus *consensus.Engine
	quality   *quality.Engine
	guard     guardrail.Validator
	repo      evidence.Repository
	tracker   *costs.Tracker
	hints     *learning.Cache
	loader    *prompts.Loader
	notifier  notify.Notifier
	bus       *Bus
	followups *FollowUpScheduler
	logger    *log.Logger

	mu   sync.Mutex
	runs map[string]*runState // spec id -> current run
}

// NewCoordinator creates a coordinator from its dependency set
func NewCoordinator(d Deps) *Coordinator {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}
	notifier := d.Notifier
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	bus := d.Bus
	if bus == nil {
		bus = NewBus()
	}
	c := &Coordinator{
		cfg:       d.Config,
		roster:    d.Roster,
		orch:      d.Orch,
		consensus: d.Consensus,
		quality:   d.Quality,
		guard:     d.Guard,
		repo:      d.Evidence,
		tracker:   d.Tracker,
		hints:     d.Hints,
		loader:    d.Prompts,
		notifier:  notifier,
		bus:       bus,
		followups: d.FollowUps,
		logger:    logger,
		runs:      make(map[string]*runState),
	}
	if c.orch != nil {
		c.orch.OnBudgetAlert(func(a costs.BudgetAlert) {
			specID := c.specForRun(a.RunID)
			c.bus.Publish(domain.Event{Type: domain.EventBudgetAlert, SpecID: specID, RunID: a.RunID, Detail: a.Message()})
			c.notifier.Send(notify.BudgetAlert(specID, a.RunID, a.Message()))
		})
	}
	return c
}

// Events exposes the event bus for status surfaces
func (c *Coordinator) Events() *Bus { return c.bus }

// Start creates a run for a spec, beginning at fromStage (empty means the
// first stage). A second start with an identical payload hash while a run
// is active returns the existing run instead of spawning duplicate work.
func (c *Coordinator) Start(specID string, fromStage domain.StageID) (*domain.Run, error) {
	if fromStage == "" {
		fromStage = domain.DefaultStages[0]
	}
	hash := c.payloadHash(specID, fromStage)

	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.runs[specID]; ok && st.run.Status == domain.RunActive {
		if st.run.PayloadHash == hash {
			c.logger.Printf("[pipeline] duplicate start for %s deduplicated onto run %s", specID, st.run.ID)
			return st.run, nil
		}
		return nil, fmt.Errorf("%w: run %s", ErrRunActive, st.run.ID)
	}

	run := &domain.Run{
		ID:          uuid.NewString(),
		SpecID:      specID,
		Stages:      domain.DefaultStages,
		Phase:       domain.PhaseGuardrail,
		Status:      domain.RunActive,
		PayloadHash: hash,
		StartedAt:   time.Now().UTC(),
	}
	if idx, err := run.StageIndex(fromStage); err == nil {
		run.CurrentStageIndex = idx
	}

	c.runs[specID] = &runState{
		run:            run,
		checkpointDone: make(map[domain.Checkpoint]bool),
	}
	if c.tracker != nil {
		c.tracker.Open(run.ID, specID)
	}
	c.bus.Publish(domain.Event{Type: domain.EventRunStarted, SpecID: specID, RunID: run.ID, Stage: fromStage})
	c.logger.Printf("[pipeline] run %s started for %s at stage %s", run.ID, specID, fromStage)
	return run, nil
}

// Resume reactivates a halted run at its halted stage
func (c *Coordinator) Resume(specID string) (*domain.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.runs[specID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRun, specID)
	}
	if st.run.Status != domain.RunHalted {
		return nil, fmt.Errorf("%w: run %s is %s", ErrNotHalted, st.run.ID, st.run.Status)
	}
	st.run.Status = domain.RunActive
	st.run.HaltReason = ""
	st.run.Phase = domain.PhaseGuardrail
	c.bus.Publish(domain.Event{Type: domain.EventRunStarted, SpecID: specID, RunID: st.run.ID, Stage: st.run.CurrentStage(), Detail: "resumed"})
	return st.run, nil
}

// Run returns the current run for a spec
func (c *Coordinator) Run(specID string) (*domain.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.runs[specID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRun, specID)
	}
	return st.run, nil
}

// Halt stops a run at its current stage; a halted run can be resumed
func (c *Coordinator) Halt(specID, reason string) error {
	c.mu.Lock()
	st, ok := c.runs[specID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRun, specID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	c.halt(st, reason)
	return nil
}

// Advance drives the run's current stage through its phase machine and
// returns how the stage ended. Runs for different specs advance
// independently; one run advances from exactly one goroutine at a time.
func (c *Coordinator) Advance(ctx context.Context, specID string) (AdvanceResult, error) {
	c.mu.Lock()
	st, ok := c.runs[specID]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoRun, specID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	run := st.run
	switch {
	case run.Status == domain.RunHalted:
		return AdvanceHalted, nil
	case run.Status == domain.RunCompleted || run.Done():
		return AdvanceCompleted, nil
	}
	if timeout := c.cfg.RunTimeout(); timeout > 0 && time.Since(run.StartedAt) > timeout {
		c.halt(st, fmt.Sprintf("run exceeded the %s backstop timeout", timeout))
		return AdvanceHalted, nil
	}

	stage := run.CurrentStage()
	scope := learning.Scope{SpecID: specID, Stage: stage}

	// A run paused for answers re-enters at the checkpoint, not at the
	// guardrail it already passed.
	if run.Phase != domain.PhaseAwaitingHuman {
		c.setPhase(st, domain.PhaseGuardrail)
		report, err := c.guard.Check(ctx, specID, stage)
		if err != nil {
			return "", fmt.Errorf("guardrail check for %s/%s: %w", specID, stage, err)
		}
		if !report.Pass {
			c.halt(st, fmt.Sprintf("guardrail failed entering %s: %s", stage, findingSummary(report)))
			return AdvanceHalted, nil
		}

		// Hints are fetched here, while the run can still block, and only
		// read from cache once agent execution begins.
		if c.hints != nil {
			c.hints.Prime(ctx, scope)
		}
	}

	if cp := domain.CheckpointForTransition(stage); cp != "" && !st.checkpointDone[cp] {
		result, err := c.runCheckpoint(ctx, st, cp, stage)
		if err != nil {
			return "", err
		}
		if result == AdvanceAwaitingHuman {
			return result, nil
		}
	}

	stageStart := time.Now()
	outcome, verdict, err := c.executeStage(ctx, st, stage, scope)
	if err != nil {
		return "", err
	}
	if verdict == nil {
		return AdvanceHalted, nil // no quorum, already halted
	}

	if !verdict.ConsensusOK {
		c.halt(st, fmt.Sprintf("consensus conflict at stage %s: %v", stage, verdict.Conflicts))
		return AdvanceHalted, nil
	}
	if verdict.Degraded && c.followups != nil {
		missing := verdict.MissingAgents
		c.followups.Schedule(specID, stage, missing, func() {
			c.bus.Publish(domain.Event{
				Type: domain.EventPhaseChanged, SpecID: specID, Stage: stage,
				Detail: fmt.Sprintf("follow-up review for degraded stage (missing: %v)", missing),
			})
		})
	}

	c.setPhase(st, domain.PhaseAdvance)
	run.StageHistory = append(run.StageHistory, domain.StageRecord{
		Stage:      stage,
		Attempt:    outcome.Attempts,
		Degraded:   verdict.Degraded,
		Duration:   time.Since(stageStart),
		AgentCount: len(outcome.Results),
	})
	run.CurrentStageIndex++
	run.Phase = domain.PhaseGuardrail
	c.bus.Publish(domain.Event{Type: domain.EventStageAdvanced, SpecID: specID, RunID: run.ID, Stage: stage})

	if run.Done() {
		now := time.Now().UTC()
		run.Status = domain.RunCompleted
		run.FinishedAt = &now
		if c.tracker != nil {
			if err := c.tracker.WriteSummary(run.ID, c.cfg.General.EvidenceDir); err != nil {
				c.logger.Printf("[pipeline] cost summary for run %s: %v", run.ID, err)
			}
		}
		c.bus.Publish(domain.Event{Type: domain.EventRunCompleted, SpecID: specID, RunID: run.ID})
		c.notifier.Send(notify.RunCompleted(specID, run.ID))
		return AdvanceCompleted, nil
	}
	return AdvanceContinue, nil
}

// Drive advances until the run pauses, halts, or completes
func (c *Coordinator) Drive(ctx context.Context, specID string) (AdvanceResult, error) {
	for {
		result, err := c.Advance(ctx, specID)
		if err != nil || result != AdvanceContinue {
			return result, err
		}
	}
}

// HandleAnswers is called when answer files change; it advances a run
// that is waiting on them.
func (c *Coordinator) HandleAnswers(ctx context.Context, specID string) {
	c.mu.Lock()
	st, ok := c.runs[specID]
	c.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	waiting := st.run.Status == domain.RunActive && st.run.Phase == domain.PhaseAwaitingHuman
	st.mu.Unlock()
	if !waiting {
		return
	}
	// Called from the watcher loop and HTTP handlers; the stage drive
	// must not block the caller.
	go func() {
		if _, err := c.Drive(ctx, specID); err != nil {
			c.logger.Printf("[pipeline] advancing %s after answers: %v", specID, err)
		}
	}()
}

// runCheckpoint executes the quality gate guarding entry into stage, or
// applies human answers when the run is already paused on it.
func (c *Coordinator) runCheckpoint(ctx context.Context, st *runState, cp domain.Checkpoint, stage domain.StageID) (AdvanceResult, error) {
	run := st.run
	specPath := filepath.Join(c.cfg.General.SpecRoot, run.SpecID)

	if st.issues == nil {
		c.setPhase(st, domain.PhaseQualityGate)
		report, err := c.quality.RunCheckpoint(ctx, run.ID, run.SpecID, specPath, cp, stage)
		if err != nil {
			return "", fmt.Errorf("quality checkpoint %s: %w", cp, err)
		}
		st.issues = report.Issues
		c.writeResolutions(st, stage)

		if report.AwaitingHuman() {
			c.setPhase(st, domain.PhaseAwaitingHuman)
			c.bus.Publish(domain.Event{
				Type: domain.EventIssueEscalated, SpecID: run.SpecID, RunID: run.ID,
				Stage: stage, Detail: fmt.Sprintf("%d issue(s) need answers", report.Escalated),
			})
			c.notifier.Send(notify.Escalation(run.SpecID, run.ID, report.Escalated))
			return AdvanceAwaitingHuman, nil
		}
		st.checkpointDone[cp] = true
		st.issues = nil
		return AdvanceContinue, nil
	}

	// Paused on this checkpoint: try to apply answers
	remaining, err := c.quality.ApplyAnswers(run.SpecID, st.issues)
	if err != nil {
		return "", fmt.Errorf("applying answers for %s: %w", cp, err)
	}
	if remaining > 0 {
		return AdvanceAwaitingHuman, nil
	}
	c.writeResolutions(st, stage)
	if err := c.quality.Store().Clear(run.SpecID); err != nil {
		c.logger.Printf("[pipeline] clearing escalations for %s: %v", run.SpecID, err)
	}
	c.bus.Publish(domain.Event{Type: domain.EventIssueResolved, SpecID: run.SpecID, RunID: run.ID, Stage: stage})
	st.checkpointDone[cp] = true
	st.issues = nil
	return AdvanceContinue, nil
}

// executeStage fans the stage out to its agent set and synthesizes the
// verdict. A nil verdict with nil error means the run was halted for
// missing quorum.
func (c *Coordinator) executeStage(ctx context.Context, st *runState, stage domain.StageID, scope learning.Scope) (*orchestrator.StageOutcome, *domain.ConsensusVerdict, error) {
	run := st.run
	set, ok := c.roster.Sets[stage]
	if !ok || len(set.Agents) == 0 {
		return nil, nil, fmt.Errorf("no agents configured for stage %s", stage)
	}

	c.setPhase(st, domain.PhaseExecutingAgents)
	specPath := filepath.Join(c.cfg.General.SpecRoot, run.SpecID)
	hintText := ""
	var hintIDs []string
	if c.hints != nil {
		cached := c.hints.Cached(scope)
		hintText = learning.RenderHints(cached)
		for _, h := range cached {
			hintIDs = append(hintIDs, h.ID)
		}
	}

	data := prompts.StageData{SpecID: run.SpecID, SpecPath: specPath, Hints: hintText}
	prompt, meta, err := c.loader.Stage(stage, data)
	if err != nil {
		return nil, nil, err
	}
	aggPrompt := ""
	if set.AggregatorID != "" {
		data.Aggregator = true
		aggPrompt, _, err = c.loader.Stage(stage, data)
		if err != nil {
			return nil, nil, err
		}
	}
	st.promptVersion = meta.Version

	stageCtx := ctx
	cancel := context.CancelFunc(func() {})
	if t := c.cfg.StageTimeout(); t > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, t)
	}
	defer cancel()

	outcome, err := c.orch.RunStage(stageCtx, run.ID, run.SpecID, stage, prompt, aggPrompt, set.Agents, set.AggregatorID)
	if err != nil {
		return nil, nil, err
	}

	c.setPhase(st, domain.PhaseCheckingConsensus)
	verdict, err := c.consensus.Synthesize(ctx, stage, outcome.Results)
	if err != nil {
		if errors.Is(err, consensus.ErrNoQuorum) {
			c.halt(st, fmt.Sprintf("no usable agent results for stage %s after %d attempt(s)", stage, outcome.Attempts))
			return outcome, nil, nil
		}
		return nil, nil, err
	}
	verdict.PromptVersion = st.promptVersion

	// A run without recorded evidence cannot be considered complete, so
	// a write failure is fatal rather than degrading.
	now := time.Now().UTC()
	if err := c.repo.WriteVerdict(run.SpecID, stage, now, verdict); err != nil {
		c.halt(st, fmt.Sprintf("evidence write failed for stage %s", stage))
		return nil, nil, fmt.Errorf("writing verdict for %s/%s: %w", run.SpecID, stage, err)
	}
	c.writeTelemetry(run.SpecID, stage, verdict, now)

	if c.hints != nil {
		c.hints.Feedback(ctx, scope, hintIDs, verdict.Status())
	}
	c.bus.Publish(domain.Event{
		Type: domain.EventVerdictRecorded, SpecID: run.SpecID, RunID: run.ID,
		Stage: stage, Detail: verdict.Status(),
	})
	return outcome, verdict, nil
}

func (c *Coordinator) writeResolutions(st *runState, stage domain.StageID) {
	now := time.Now().UTC()
	for _, issue := range st.issues {
		if err := c.repo.WriteQualityResolution(st.run.SpecID, stage, now, issue); err != nil {
			c.logger.Printf("[pipeline] recording resolution %s: %v", issue.ID, err)
		}
	}
}

func (c *Coordinator) writeTelemetry(specID string, stage domain.StageID, verdict *domain.ConsensusVerdict, now time.Time) {
	rec := &evidence.TelemetryRecord{
		SchemaVersion: evidence.SchemaVersion,
		SpecID:        specID,
		Stage:         string(stage),
		Timestamp:     now.Format(time.RFC3339),
	}
	specPath := filepath.Join(c.cfg.General.SpecRoot, specID)
	for _, name := range []string{"spec.md", "plan.md", "tasks.md"} {
		status := "absent"
		if _, err := os.Stat(filepath.Join(specPath, name)); err == nil {
			status = "present"
		}
		rec.Artifacts = append(rec.Artifacts, evidence.TelemetryArtifact{Path: name, Status: status})
	}
	if err := c.repo.WriteTelemetry(rec); err != nil {
		c.logger.Printf("[pipeline] telemetry for %s/%s: %v", specID, stage, err)
	}
}

// halt marks the run halted. Caller holds st.mu.
func (c *Coordinator) halt(st *runState, reason string) {
	run := st.run
	if run.Status != domain.RunActive {
		return
	}
	run.Status = domain.RunHalted
	run.HaltReason = reason
	c.logger.Printf("[pipeline] run %s halted: %s", run.ID, reason)
	c.bus.Publish(domain.Event{
		Type: domain.EventRunHalted, SpecID: run.SpecID, RunID: run.ID,
		Stage: run.CurrentStage(), Detail: reason,
	})
	c.notifier.Send(notify.RunHalted(run.SpecID, run.ID, reason))
}

func (c *Coordinator) setPhase(st *runState, p domain.Phase) {
	st.run.Phase = p
	c.bus.Publish(domain.Event{
		Type: domain.EventPhaseChanged, SpecID: st.run.SpecID, RunID: st.run.ID,
		Stage: st.run.CurrentStage(), Phase: p,
	})
}

// RunSnapshot is a read-only copy of one run's state for status surfaces
type RunSnapshot struct {
	RunID        string               `json:"run_id"`
	SpecID       string               `json:"spec_id"`
	Stage        domain.StageID       `json:"stage,omitempty"`
	Phase        domain.Phase         `json:"phase"`
	Status       domain.RunStatus     `json:"status"`
	HaltReason   string               `json:"halt_reason,omitempty"`
	StartedAt    time.Time            `json:"started_at"`
	FinishedAt   *time.Time           `json:"finished_at,omitempty"`
	StageHistory []domain.StageRecord `json:"stage_history,omitempty"`
	PendingCount int                  `json:"pending_issues"`
	SpentUSD     float64              `json:"spent_usd"`
}

// Snapshot copies the state of every known run
func (c *Coordinator) Snapshot() []RunSnapshot {
	c.mu.Lock()
	states := make([]*runState, 0, len(c.runs))
	for _, st := range c.runs {
		states = append(states, st)
	}
	c.mu.Unlock()

	out := make([]RunSnapshot, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		run := st.run
		snap := RunSnapshot{
			RunID:        run.ID,
			SpecID:       run.SpecID,
			Stage:        run.CurrentStage(),
			Phase:        run.Phase,
			Status:       run.Status,
			HaltReason:   run.HaltReason,
			StartedAt:    run.StartedAt,
			FinishedAt:   run.FinishedAt,
			StageHistory: append([]domain.StageRecord(nil), run.StageHistory...),
		}
		for _, issue := range st.issues {
			if issue.Resolution == domain.ResolutionEscalated && issue.AcceptedAnswer == "" {
				snap.PendingCount++
			}
		}
		st.mu.Unlock()
		if c.tracker != nil {
			snap.SpentUSD = c.tracker.Total(run.ID)
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpecID < out[j].SpecID })
	return out
}

// Answer records a human answer for an escalated issue and nudges the
// paused run forward.
func (c *Coordinator) Answer(ctx context.Context, specID, issueID, answer string) error {
	if err := c.quality.Store().Answer(specID, issueID, answer); err != nil {
		return err
	}
	c.HandleAnswers(ctx, specID)
	return nil
}

func (c *Coordinator) specForRun(runID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for specID, st := range c.runs {
		if st.run.ID == runID {
			return specID
		}
	}
	return ""
}

// payloadHash fingerprints a submission: same spec content, same target
// stage, same hash.
func (c *Coordinator) payloadHash(specID string, stage domain.StageID) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|", specID, stage)
	if data, err := os.ReadFile(filepath.Join(c.cfg.General.SpecRoot, specID, "spec.md")); err == nil {
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func findingSummary(r *guardrail.Report) string {
	if len(r.Findings) == 0 {
		return "unspecified failure"
	}
	return r.Findings[0].Detail
}
