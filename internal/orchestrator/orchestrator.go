package orchestrator

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/agents"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/costs"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
)

// RetryPolicy is the single retry point of the pipeline. The whole stage
// is re-invoked when a pass yields fewer usable results than MinQuorum,
// up to MaxAttempts passes total. There is no per-agent retry.
type RetryPolicy struct {
	MaxAttempts int
	MinQuorum   int
}

// StageOutcome is what one run_stage call produced
type StageOutcome struct {
	Stage    domain.StageID
	Results  []domain.AgentResult
	Attempts int
}

// Usable counts results eligible as consensus input
func (o *StageOutcome) Usable() int {
	n := 0
	for _, r := range o.Results {
		if r.Usable() {
			n++
		}
	}
	return n
}

// Missing lists agents whose results were excluded from consensus input
func (o *StageOutcome) Missing() []string {
	var missing []string
	for _, r := range o.Results {
		if !r.Usable() {
			missing = append(missing, r.AgentID)
		}
	}
	return missing
}

// Orchestrator fans a stage prompt out to all configured agents and waits
// for every one of them to reach a terminal state before returning.
type Orchestrator struct {
	policy       RetryPolicy
	agentTimeout time.Duration
	tracker      *costs.Tracker
	logger       *log.Logger
	onAlert      func(costs.BudgetAlert)
}

// OnBudgetAlert registers a callback invoked whenever a cost record
// crosses a new budget threshold.
func (o *Orchestrator) OnBudgetAlert(fn func(costs.BudgetAlert)) { o.onAlert = fn }

// New creates an orchestrator. The tracker may be nil in tests that do
// not assert on spend.
func New(policy RetryPolicy, agentTimeout time.Duration, tracker *costs.Tracker, logger *log.Logger) *Orchestrator {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.MinQuorum < 1 {
		policy.MinQuorum = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		policy:       policy,
		agentTimeout: agentTimeout,
		tracker:      tracker,
		logger:       logger,
	}
}

// RunStage calls every agent in the set concurrently and blocks until all
// of them have finished, timed out, or errored. One result is recorded
// per agent per pass; a retry pass replaces the previous pass entirely.
// The aggregator receives aggPrompt when non-empty; everyone else gets
// prompt.
func (o *Orchestrator) RunStage(ctx context.Context, runID, specID string, stage domain.StageID, prompt, aggPrompt string, set []agents.Agent, aggregatorID string) (*StageOutcome, error) {
	if len(set) == 0 {
		return nil, errors.New("empty agent set")
	}

	outcome := &StageOutcome{Stage: stage}
	for attempt := 1; attempt <= o.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outcome.Attempts = attempt
		outcome.Results = o.runPass(ctx, runID, specID, stage, prompt, aggPrompt, set, aggregatorID)

		usable := outcome.Usable()
		if usable >= o.policy.MinQuorum {
			return outcome, nil
		}
		if attempt < o.policy.MaxAttempts {
			o.logger.Printf("[orchestrator] stage %s attempt %d/%d: quorum %d below %d, re-invoking stage",
				stage, attempt, o.policy.MaxAttempts, usable, o.policy.MinQuorum)
		}
	}
	// Quorum still short after the last pass. The caller decides whether
	// a degraded verdict can be synthesized from what is usable.
	return outcome, nil
}

func (o *Orchestrator) runPass(ctx context.Context, runID, specID string, stage domain.StageID, prompt, aggPrompt string, set []agents.Agent, aggregatorID string) []domain.AgentResult {
	results := make([]domain.AgentResult, len(set))

	// Plain group, no shared cancellation: one agent failing must not
	// cut the others short. The barrier is the Wait below.
	var g errgroup.Group
	for i, agent := range set {
		g.Go(func() error {
			isAggregator := agent.ID() == aggregatorID
			p := prompt
			if isAggregator && aggPrompt != "" {
				p = aggPrompt
			}
			results[i] = o.callOne(ctx, runID, specID, stage, p, agent, isAggregator)
			return nil
		})
	}
	g.Wait()
	return results
}

// callOne invokes a single agent with its own timeout and classifies the
// outcome. Agent failures never propagate as errors; they become result
// statuses so the barrier always completes.
func (o *Orchestrator) callOne(ctx context.Context, runID, specID string, stage domain.StageID, prompt string, agent agents.Agent, isAggregator bool) domain.AgentResult {
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if o.agentTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, o.agentTimeout)
	}
	defer cancel()

	start := time.Now()
	res, err := agent.Call(callCtx, agents.CallRequest{SpecID: specID, Stage: stage, Prompt: prompt})
	elapsed := time.Since(start)

	result := domain.AgentResult{
		AgentID:    agent.ID(),
		Duration:   elapsed,
		Aggregator: isAggregator,
	}

	switch {
	case err == nil:
		result.Status = domain.ResultSuccess
		result.Payload = res.Payload
		result.Cost = o.recordCost(runID, stage, agent.ID(), res)
	case errors.Is(err, context.DeadlineExceeded):
		result.Status = domain.ResultTimeout
		result.Err = err.Error()
		o.logger.Printf("[orchestrator] agent %s timed out after %s on stage %s", agent.ID(), elapsed.Round(time.Millisecond), stage)
	case errors.Is(err, agents.ErrMalformed):
		result.Status = domain.ResultMalformed
		result.Err = err.Error()
		o.logger.Printf("[orchestrator] agent %s returned unparseable output on stage %s: %v", agent.ID(), stage, err)
	default:
		result.Status = domain.ResultError
		result.Err = err.Error()
		o.logger.Printf("[orchestrator] agent %s failed on stage %s: %v", agent.ID(), stage, err)
	}
	return result
}

// recordCost books the call's spend, falling back to token pricing when
// the backend did not report a dollar amount.
func (o *Orchestrator) recordCost(runID string, stage domain.StageID, agentID string, res *agents.CallResult) float64 {
	cost := res.CostUSD
	if cost == 0 && (res.InputTokens > 0 || res.OutputTokens > 0) {
		cost = costs.PricingFor(res.Model).Calculate(res.InputTokens, res.OutputTokens)
	}
	if o.tracker != nil && cost > 0 {
		if alert := o.tracker.Record(runID, stage, agentID, cost); alert != nil {
			o.logger.Printf("[orchestrator] %s", alert.Message())
			if o.onAlert != nil {
				o.onAlert(*alert)
			}
		}
	}
	return cost
}
