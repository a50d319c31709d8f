package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/agents"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/costs"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/prompts"
)

// reviewerPayload is the shape each reviewer returns for a gate round
type reviewerPayload struct {
	Issues []struct {
		ID            string `json:"id"`
		Question      string `json:"question"`
		Answer        string `json:"answer"`
		Resolvability string `json:"resolvability"`
	} `json:"issues"`
}

// validatorPayload is the concurrence decision of the validator agent
type validatorPayload struct {
	Concur bool   `json:"concur"`
	Reason string `json:"reason"`
}

// CheckpointReport summarizes one quality gate round
type CheckpointReport struct {
	Checkpoint domain.Checkpoint
	Gate       domain.GateType
	Issues     []*domain.QualityIssue
	Applied    int
	Escalated  int
}

// AwaitingHuman reports whether the run must pause for answers
func (r *CheckpointReport) AwaitingHuman() bool { return r.Escalated > 0 }

// Engine runs the three designated checkpoints. Each checkpoint owns
// exactly one gate type; the engine never runs two gates on the same
// transition.
type Engine struct {
	reviewers []agents.Agent
	validator agents.Agent // nil disables the concurrence step
	loader    *prompts.Loader
	modifier  Modifier
	store     *EscalationStore
	timeout   time.Duration
	tracker   *costs.Tracker
	logger    *log.Logger
}

// NewEngine creates a quality gate engine
func NewEngine(reviewers []agents.Agent, validator agents.Agent, loader *prompts.Loader, modifier Modifier, store *EscalationStore, timeout time.Duration, tracker *costs.Tracker, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		reviewers: reviewers,
		validator: validator,
		loader:    loader,
		modifier:  modifier,
		store:     store,
		timeout:   timeout,
		tracker:   tracker,
		logger:    logger,
	}
}

// Store exposes the escalation store for answer handling
func (e *Engine) Store() *EscalationStore { return e.store }

// RunCheckpoint fans the checkpoint's single gate out to the reviewer
// panel, merges their issues, and drives each issue through the
// resolution state machine. stage is the stage the run is about to enter,
// used for cost attribution.
func (e *Engine) RunCheckpoint(ctx context.Context, runID, specID, specPath string, cp domain.Checkpoint, stage domain.StageID) (*CheckpointReport, error) {
	gate := domain.GateForCheckpoint(cp)
	report := &CheckpointReport{Checkpoint: cp, Gate: gate}

	prompt, _, err := e.loader.Gate(gate, prompts.GateData{SpecID: specID, SpecPath: specPath})
	if err != nil {
		return nil, err
	}

	reviews, panel := e.collectReviews(ctx, runID, specID, stage, prompt)
	if panel == 0 {
		return nil, fmt.Errorf("no reviewer produced a usable %s review", gate)
	}

	report.Issues = e.mergeIssues(cp, gate, reviews)
	for _, issue := range report.Issues {
		if err := e.resolve(ctx, runID, specID, specPath, stage, issue, panel); err != nil {
			return nil, err
		}
		switch issue.Resolution {
		case domain.ResolutionApplied:
			report.Applied++
		case domain.ResolutionEscalated:
			report.Escalated++
			if err := e.store.WritePending(specID, issue); err != nil {
				return nil, fmt.Errorf("persisting escalation %s: %w", issue.ID, err)
			}
		}
	}
	return report, nil
}

// collectReviews runs the reviewer panel behind a barrier; every reviewer
// finishes or times out before classification starts. Failed reviewers
// shrink the panel instead of aborting the round.
func (e *Engine) collectReviews(ctx context.Context, runID, specID string, stage domain.StageID, prompt string) (map[string]reviewerPayload, int) {
	type review struct {
		agentID string
		payload reviewerPayload
		ok      bool
	}
	results := make([]review, len(e.reviewers))

	var g errgroup.Group
	for i, r := range e.reviewers {
		g.Go(func() error {
			callCtx := ctx
			cancel := context.CancelFunc(func() {})
			if e.timeout > 0 {
				callCtx, cancel = context.WithTimeout(ctx, e.timeout)
			}
			defer cancel()

			results[i].agentID = r.ID()
			res, err := r.Call(callCtx, agents.CallRequest{SpecID: specID, Prompt: prompt, Stage: stage})
			if err != nil {
				e.logger.Printf("[quality] reviewer %s failed: %v", r.ID(), err)
				return nil
			}
			if e.tracker != nil && res.CostUSD > 0 {
				e.tracker.Record(runID, stage, r.ID(), res.CostUSD)
			}
			var p reviewerPayload
			if err := json.Unmarshal(res.Payload, &p); err != nil {
				e.logger.Printf("[quality] reviewer %s returned unusable issues: %v", r.ID(), err)
				return nil
			}
			results[i].payload = p
			results[i].ok = true
			return nil
		})
	}
	g.Wait()

	reviews := make(map[string]reviewerPayload)
	for _, r := range results {
		if r.ok {
			reviews[r.agentID] = r.payload
		}
	}
	return reviews, len(reviews)
}

// mergeIssues folds per-reviewer candidate lists into one issue per id
func (e *Engine) mergeIssues(cp domain.Checkpoint, gate domain.GateType, reviews map[string]reviewerPayload) []*domain.QualityIssue {
	merged := make(map[string]*domain.QualityIssue)
	for reviewerID, payload := range reviews {
		for _, c := range payload.Issues {
			if c.ID == "" || c.Answer == "" {
				continue
			}
			issue, ok := merged[c.ID]
			if !ok {
				issue = &domain.QualityIssue{
					ID:              c.ID,
					Checkpoint:      cp,
					Gate:            gate,
					Question:        c.Question,
					ProposedAnswers: make(map[string]string),
					Resolvability:   domain.Resolvability(c.Resolvability),
					Resolution:      domain.ResolutionPending,
				}
				merged[c.ID] = issue
			}
			issue.ProposedAnswers[reviewerID] = c.Answer
			issue.Resolvability = strictest(issue.Resolvability, domain.Resolvability(c.Resolvability))
		}
	}

	out := make([]*domain.QualityIssue, 0, len(merged))
	for _, issue := range merged {
		out = append(out, issue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// resolve drives one issue through the resolution state machine:
// unanimous applies, a concurring validator applies the majority answer,
// everything else escalates.
func (e *Engine) resolve(ctx context.Context, runID, specID, specPath string, stage domain.StageID, issue *domain.QualityIssue, panel int) error {
	cls := classify(issue, panel)
	issue.Confidence = cls.confidence

	if issue.Resolvability == domain.ResolvabilityNeedHuman {
		return e.escalate(issue, "reviewers marked the issue as needing a human decision")
	}

	switch {
	case cls.unanimous:
		return e.apply(specID, issue, cls.majorityAnswer)
	case cls.hasMajority && cls.confidence != domain.ConfidenceLow:
		concur, reason := e.validate(ctx, runID, specID, specPath, stage, issue, cls.majorityAnswer)
		if concur {
			return e.apply(specID, issue, cls.majorityAnswer)
		}
		return e.escalate(issue, fmt.Sprintf("validator dissented: %s", reason))
	default:
		return e.escalate(issue, "no reviewer majority")
	}
}

// validate asks the higher-capability validator to concur with the
// majority answer. A missing or failing validator never auto-applies;
// the safe answer is dissent.
func (e *Engine) validate(ctx context.Context, runID, specID, specPath string, stage domain.StageID, issue *domain.QualityIssue, answer string) (bool, string) {
	if e.validator == nil {
		return false, "no validator configured"
	}
	body := fmt.Sprintf("Question: %s\nMajority answer: %s", issue.Question, answer)
	prompt, _, err := e.loader.Validator(prompts.GateData{SpecID: specID, SpecPath: specPath, Artifact: body})
	if err != nil {
		return false, err.Error()
	}

	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if e.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
	}
	defer cancel()

	res, err := e.validator.Call(callCtx, agents.CallRequest{SpecID: specID, Prompt: prompt, Stage: stage})
	if err != nil {
		e.logger.Printf("[quality] validator failed on issue %s: %v", issue.ID, err)
		return false, "validator unavailable"
	}
	if e.tracker != nil && res.CostUSD > 0 {
		e.tracker.Record(runID, stage, e.validator.ID(), res.CostUSD)
	}
	var p validatorPayload
	if err := json.Unmarshal(res.Payload, &p); err != nil {
		return false, "validator output unusable"
	}
	return p.Concur, p.Reason
}

func (e *Engine) apply(specID string, issue *domain.QualityIssue, answer string) error {
	if err := e.modifier.Apply(specID, issue, answer); err != nil {
		return err
	}
	issue.Resolution = domain.ResolutionApplied
	issue.AcceptedAnswer = answer
	return nil
}

func (e *Engine) escalate(issue *domain.QualityIssue, reason string) error {
	issue.Resolution = domain.ResolutionEscalated
	issue.EscalateReason = reason
	return nil
}

// ApplyAnswers applies human answers to a checkpoint's escalated issues.
// It returns the number of escalations still unanswered; the run may only
// proceed when that reaches zero.
func (e *Engine) ApplyAnswers(specID string, issues []*domain.QualityIssue) (int, error) {
	answers, err := e.store.Answers(specID)
	if err != nil {
		return 0, err
	}
	remaining := 0
	for _, issue := range issues {
		if issue.Resolution != domain.ResolutionEscalated || issue.AcceptedAnswer != "" {
			continue
		}
		answer, ok := answers[issue.ID]
		if !ok {
			remaining++
			continue
		}
		if err := e.modifier.Apply(specID, issue, answer); err != nil {
			return remaining, err
		}
		issue.AcceptedAnswer = answer
	}
	return remaining, nil
}

// strictest orders resolvability by how much human involvement it needs
func strictest(a, b domain.Resolvability) domain.Resolvability {
	rank := func(r domain.Resolvability) int {
		switch r {
		case domain.ResolvabilityNeedHuman:
			return 2
		case domain.ResolvabilitySuggestFix:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
