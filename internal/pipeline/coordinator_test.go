package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/agents"
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

type recorder struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recorder) Send(n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recorder) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.notes {
		out = append(out, n.Title)
	}
	return out
}

type fixture struct {
	cfg       *config.Config
	coord     *Coordinator
	tracker   *costs.Tracker
	followups *FollowUpScheduler
	notes     *recorder
	repo      evidence.Repository
}

func scriptJSON(payloads ...string) []agents.ScriptedResponse {
	var out []agents.ScriptedResponse
	for _, p := range payloads {
		out = append(out, agents.ScriptedResponse{Payload: json.RawMessage(p)})
	}
	return out
}

// stageRoster assigns the same member/aggregator pair to every stage
func stageRoster(member, agg agents.Agent, reviewers []agents.Agent) *Roster {
	sets := make(AgentSets)
	for _, s := range domain.DefaultStages {
		sets[s] = StageSet{Agents: []agents.Agent{member, agg}, AggregatorID: agg.ID()}
	}
	return &Roster{Sets: sets, Reviewers: reviewers}
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newFixture(t *testing.T, roster *Roster) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.General.SpecRoot = filepath.Join(dir, "specs")
	cfg.General.EvidenceDir = filepath.Join(dir, "evidence")
	cfg.General.AnswerDir = filepath.Join(dir, "answers")
	cfg.Orchestrator.MaxAttempts = 1
	cfg.Orchestrator.MinQuorum = 1
	cfg.Orchestrator.AgentTimeout = "2s"
	cfg.Orchestrator.StageTimeout = "5s"
	cfg.Orchestrator.RunTimeout = "1m"

	logger := quietLogger()
	tracker := costs.NewTracker(cfg.Budget.PerSpecUSD)
	repo, err := evidence.NewStore(filepath.Join(dir, "evidence.db"), cfg.Budget.EvidenceLimitMB, logger)
	if err != nil {
		t.Fatalf("evidence store: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	loader := prompts.NewLoader()
	engine := quality.NewEngine(roster.Reviewers, roster.Validator, loader,
		quality.NewFileModifier(cfg.General.SpecRoot),
		quality.NewEscalationStore(cfg.General.AnswerDir),
		2*time.Second, tracker, logger)

	followups := NewFollowUpScheduler(time.Hour, logger)
	t.Cleanup(followups.Stop)
	notes := &recorder{}

	coord := NewCoordinator(Deps{
		Config:    cfg,
		Roster:    roster,
		Orch:      orchestrator.New(orchestrator.RetryPolicy{MaxAttempts: cfg.Orchestrator.MaxAttempts, MinQuorum: cfg.Orchestrator.MinQuorum}, cfg.AgentTimeout(), tracker, logger),
		Consensus: consensus.New(cfg.Consensus.TiePolicy, logger),
		Quality:   engine,
		Guard:     guardrail.NewArtifactValidator(cfg.General.SpecRoot),
		Evidence:  repo,
		Tracker:   tracker,
		Hints:     learning.NewCache(learning.Noop{}, logger),
		Prompts:   loader,
		Notifier:  notes,
		FollowUps: followups,
		Logger:    logger,
	})
	return &fixture{cfg: cfg, coord: coord, tracker: tracker, followups: followups, notes: notes, repo: repo}
}

// seedSpec creates the spec directory with enough artifacts for every
// stage's prerequisites. Scripted agents do not write files.
func (f *fixture) seedSpec(t *testing.T, specID string, files ...string) {
	t.Helper()
	dir := filepath.Join(f.cfg.General.SpecRoot, specID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("# "+name+"\ncontent\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func allArtifacts() []string { return []string{"spec.md", "plan.md", "tasks.md"} }

func cleanReviewer(id string) agents.Agent {
	return agents.NewScriptedAgent(id, scriptJSON(`{"issues":[]}`))
}

func TestRunCompletesAllStagesOnCleanConsensus(t *testing.T) {
	member := agents.NewScriptedAgent("member", scriptJSON(`{"position":"approach-a"}`))
	agg := agents.NewScriptedAgent("agg", scriptJSON(`{"agreements":["approach-a"],"conflicts":[]}`))
	f := newFixture(t, stageRoster(member, agg, []agents.Agent{cleanReviewer("rev")}))
	f.seedSpec(t, "spec-001", allArtifacts()...)

	run, err := f.coord.Start("spec-001", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	result, err := f.coord.Drive(context.Background(), "spec-001")
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if result != AdvanceCompleted {
		t.Fatalf("result = %s, want %s", result, AdvanceCompleted)
	}
	if run.Status != domain.RunCompleted {
		t.Errorf("status = %s, want completed", run.Status)
	}
	if len(run.StageHistory) != len(domain.DefaultStages) {
		t.Errorf("stage history = %d entries, want %d", len(run.StageHistory), len(domain.DefaultStages))
	}
	for _, rec := range run.StageHistory {
		if rec.Degraded {
			t.Errorf("stage %s recorded degraded on a clean run", rec.Stage)
		}
	}

	// Each stage's verdict must be in the evidence store
	for _, stage := range domain.DefaultStages {
		v, err := f.repo.ReadLatest("spec-001", stage, evidence.KindVerdict)
		if err != nil {
			t.Fatalf("no verdict recorded for stage %s: %v", stage, err)
		}
		var verdict domain.ConsensusVerdict
		if err := json.Unmarshal(v, &verdict); err != nil {
			t.Fatalf("verdict for %s: %v", stage, err)
		}
		if !verdict.ConsensusOK || verdict.Degraded {
			t.Errorf("stage %s verdict = ok:%v degraded:%v, want clean", stage, verdict.ConsensusOK, verdict.Degraded)
		}
	}

	// Cost summary written at completion
	if _, err := os.Stat(filepath.Join(f.cfg.General.EvidenceDir, "costs_"+run.ID+".json")); err != nil {
		t.Errorf("cost summary not written: %v", err)
	}
}

func TestStartDeduplicatesIdenticalPayload(t *testing.T) {
	member := agents.NewScriptedAgent("member", scriptJSON(`{"position":"a"}`))
	agg := agents.NewScriptedAgent("agg", scriptJSON(`{"agreements":["a"],"conflicts":[]}`))
	f := newFixture(t, stageRoster(member, agg, []agents.Agent{cleanReviewer("rev")}))
	f.seedSpec(t, "spec-001", allArtifacts()...)

	first, err := f.coord.Start("spec-001", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	second, err := f.coord.Start("spec-001", "")
	if err != nil {
		t.Fatalf("duplicate Start: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate start spawned run %s, want existing %s", second.ID, first.ID)
	}

	// A different payload for the same spec must be rejected while active
	if _, err := f.coord.Start("spec-001", domain.StageValidate); !errors.Is(err, ErrRunActive) {
		t.Errorf("different-payload start: err = %v, want ErrRunActive", err)
	}
}

func TestGuardrailFailureHaltsWithoutSpend(t *testing.T) {
	member := agents.NewScriptedAgent("member", scriptJSON(`{"position":"a"}`))
	agg := agents.NewScriptedAgent("agg", scriptJSON(`{"agreements":["a"],"conflicts":[]}`))
	f := newFixture(t, stageRoster(member, agg, []agents.Agent{cleanReviewer("rev")}))
	f.seedSpec(t, "spec-001") // directory exists but spec.md is missing

	run, err := f.coord.Start("spec-001", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	result, err := f.coord.Advance(context.Background(), "spec-001")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if result != AdvanceHalted {
		t.Fatalf("result = %s, want %s", result, AdvanceHalted)
	}
	if run.Status != domain.RunHalted {
		t.Errorf("status = %s, want halted", run.Status)
	}
	if member.Calls() != 0 || agg.Calls() != 0 {
		t.Errorf("agents called %d/%d times despite guardrail halt, want 0/0", member.Calls(), agg.Calls())
	}
	if total := f.tracker.Total(run.ID); total != 0 {
		t.Errorf("spend = %f after guardrail halt, want 0", total)
	}
}

func TestConflictHaltsAndResumeReRunsStage(t *testing.T) {
	member := agents.NewScriptedAgent("member", scriptJSON(`{"position":"a"}`))
	agg := agents.NewScriptedAgent("agg", scriptJSON(
		`{"agreements":[],"conflicts":["member wants a, aggregator saw b"]}`,
		`{"agreements":["a"],"conflicts":[]}`,
	))
	f := newFixture(t, stageRoster(member, agg, []agents.Agent{cleanReviewer("rev")}))
	f.seedSpec(t, "spec-001", allArtifacts()...)

	run, err := f.coord.Start("spec-001", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	result, err := f.coord.Drive(context.Background(), "spec-001")
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if result != AdvanceHalted {
		t.Fatalf("result = %s, want halted on conflict", result)
	}
	if !strings.Contains(run.HaltReason, "conflict") {
		t.Errorf("halt reason %q does not mention the conflict", run.HaltReason)
	}
	if run.CurrentStage() != domain.StagePlan {
		t.Errorf("halted at %s, want plan", run.CurrentStage())
	}

	// The conflicting verdict is still evidence
	v, err := f.repo.ReadLatest("spec-001", domain.StagePlan, evidence.KindVerdict)
	if err != nil {
		t.Fatalf("verdict not recorded before halt: %v", err)
	}
	var verdict domain.ConsensusVerdict
	if err := json.Unmarshal(v, &verdict); err != nil {
		t.Fatal(err)
	}
	if verdict.ConsensusOK {
		t.Error("recorded verdict claims consensus despite conflict")
	}

	if _, err := f.coord.Resume("spec-001"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	result, err = f.coord.Drive(context.Background(), "spec-001")
	if err != nil {
		t.Fatalf("Drive after resume: %v", err)
	}
	if result != AdvanceCompleted {
		t.Errorf("result after resume = %s, want completed", result)
	}
}

func TestDegradedStageAdvancesAndSchedulesFollowUp(t *testing.T) {
	member := agents.NewScriptedAgent("member", []agents.ScriptedResponse{
		{Err: errors.New("backend down")},
	})
	agg := agents.NewScriptedAgent("agg", scriptJSON(`{"agreements":["a"],"conflicts":[]}`))
	f := newFixture(t, stageRoster(member, agg, []agents.Agent{cleanReviewer("rev")}))
	f.seedSpec(t, "spec-001", allArtifacts()...)

	run, err := f.coord.Start("spec-001", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	result, err := f.coord.Drive(context.Background(), "spec-001")
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if result != AdvanceCompleted {
		t.Fatalf("result = %s, want completed (degraded is not fatal)", result)
	}
	for _, rec := range run.StageHistory {
		if !rec.Degraded {
			t.Errorf("stage %s not recorded degraded with a failing member", rec.Stage)
		}
	}
	if got := f.followups.Pending(); got != len(domain.DefaultStages) {
		t.Errorf("pending follow-ups = %d, want %d", got, len(domain.DefaultStages))
	}
}

func TestEscalationPausesRunUntilAnswered(t *testing.T) {
	member := agents.NewScriptedAgent("member", scriptJSON(`{"position":"a"}`))
	agg := agents.NewScriptedAgent("agg", scriptJSON(`{"agreements":["a"],"conflicts":[]}`))
	// Three reviewers, three different answers: no majority, escalation
	issue := func(answer string) string {
		return `{"issues":[{"id":"auth-flow","question":"Which auth flow should login use?","answer":"` + answer + `","resolvability":"SuggestFix"}]}`
	}
	reviewers := []agents.Agent{
		agents.NewScriptedAgent("rev-a", scriptJSON(issue("oauth"), `{"issues":[]}`)),
		agents.NewScriptedAgent("rev-b", scriptJSON(issue("saml"), `{"issues":[]}`)),
		agents.NewScriptedAgent("rev-c", scriptJSON(issue("api keys"), `{"issues":[]}`)),
	}
	f := newFixture(t, stageRoster(member, agg, reviewers))
	f.seedSpec(t, "spec-001", allArtifacts()...)

	run, err := f.coord.Start("spec-001", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	result, err := f.coord.Drive(context.Background(), "spec-001")
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if result != AdvanceAwaitingHuman {
		t.Fatalf("result = %s, want %s", result, AdvanceAwaitingHuman)
	}
	if run.Phase != domain.PhaseAwaitingHuman {
		t.Errorf("phase = %s, want %s", run.Phase, domain.PhaseAwaitingHuman)
	}
	if member.Calls() != 0 {
		t.Errorf("stage agents ran %d times while the checkpoint is unanswered", member.Calls())
	}

	// Still blocked without an answer
	result, err = f.coord.Advance(context.Background(), "spec-001")
	if err != nil {
		t.Fatalf("Advance while paused: %v", err)
	}
	if result != AdvanceAwaitingHuman {
		t.Fatalf("result without answer = %s, want still awaiting", result)
	}

	store := quality.NewEscalationStore(f.cfg.General.AnswerDir)
	if err := store.Answer("spec-001", "auth-flow", "Use OAuth with PKCE"); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	result, err = f.coord.Drive(context.Background(), "spec-001")
	if err != nil {
		t.Fatalf("Drive after answer: %v", err)
	}
	if result != AdvanceCompleted {
		t.Fatalf("result after answer = %s, want completed", result)
	}

	// The answer landed in the artifact
	data, err := os.ReadFile(filepath.Join(f.cfg.General.SpecRoot, "spec-001", "spec.md"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Use OAuth with PKCE") {
		t.Error("human answer was not applied to spec.md")
	}

	var sawEscalation bool
	for _, title := range f.notes.titles() {
		if strings.Contains(title, "needs input") {
			sawEscalation = true
		}
	}
	if !sawEscalation {
		t.Error("no escalation notification sent")
	}
}

type failingRepo struct {
	evidence.Repository
}

func (failingRepo) WriteVerdict(string, domain.StageID, time.Time, *domain.ConsensusVerdict) error {
	return errors.New("disk full")
}
func (failingRepo) WriteQualityResolution(string, domain.StageID, time.Time, *domain.QualityIssue) error {
	return nil
}

func TestEvidenceWriteFailureIsFatal(t *testing.T) {
	member := agents.NewScriptedAgent("member", scriptJSON(`{"position":"a"}`))
	agg := agents.NewScriptedAgent("agg", scriptJSON(`{"agreements":["a"],"conflicts":[]}`))
	f := newFixture(t, stageRoster(member, agg, []agents.Agent{cleanReviewer("rev")}))
	f.seedSpec(t, "spec-001", allArtifacts()...)

	c := f.coord
	c.repo = failingRepo{}

	run, err := c.Start("spec-001", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := c.Advance(context.Background(), "spec-001"); err == nil {
		t.Fatal("Advance should fail when the verdict cannot be persisted")
	}
	if run.Status != domain.RunHalted {
		t.Errorf("status = %s, want halted", run.Status)
	}
	if !strings.Contains(run.HaltReason, "evidence") {
		t.Errorf("halt reason %q does not name the evidence failure", run.HaltReason)
	}
}

func TestRunTimeoutBackstopHalts(t *testing.T) {
	member := agents.NewScriptedAgent("member", scriptJSON(`{"position":"a"}`))
	agg := agents.NewScriptedAgent("agg", scriptJSON(`{"agreements":["a"],"conflicts":[]}`))
	f := newFixture(t, stageRoster(member, agg, []agents.Agent{cleanReviewer("rev")}))
	f.seedSpec(t, "spec-001", allArtifacts()...)

	run, err := f.coord.Start("spec-001", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	run.StartedAt = time.Now().Add(-2 * time.Hour)
	f.cfg.Orchestrator.RunTimeout = "1h"

	result, err := f.coord.Advance(context.Background(), "spec-001")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if result != AdvanceHalted {
		t.Fatalf("result = %s, want halted on backstop timeout", result)
	}
	if !strings.Contains(run.HaltReason, "timeout") {
		t.Errorf("halt reason %q does not mention the timeout", run.HaltReason)
	}
}

func TestBudgetOverrunWarnsButNeverHalts(t *testing.T) {
	member := agents.NewScriptedAgent("member", []agents.ScriptedResponse{
		{Payload: json.RawMessage(`{"position":"a"}`), Cost: 3.0},
	})
	agg := agents.NewScriptedAgent("agg", []agents.ScriptedResponse{
		{Payload: json.RawMessage(`{"agreements":["a"],"conflicts":[]}`), Cost: 3.0},
	})
	f := newFixture(t, stageRoster(member, agg, []agents.Agent{cleanReviewer("rev")}))
	f.seedSpec(t, "spec-001", allArtifacts()...)

	run, err := f.coord.Start("spec-001", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	result, err := f.coord.Drive(context.Background(), "spec-001")
	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	// 6 stages at $6 each blows through the default $25 budget; the run
	// still finishes.
	if result != AdvanceCompleted {
		t.Fatalf("result = %s, want completed (budget is advisory)", result)
	}
	if total := f.tracker.Total(run.ID); total <= f.cfg.Budget.PerSpecUSD {
		t.Errorf("total = %f, expected spend past the %f budget", total, f.cfg.Budget.PerSpecUSD)
	}

	var sawAlert bool
	for _, title := range f.notes.titles() {
		if strings.Contains(title, "Budget alert") {
			sawAlert = true
		}
	}
	if !sawAlert {
		t.Error("no budget alert notification sent")
	}
}

func TestEventsPublishedDuringRun(t *testing.T) {
	member := agents.NewScriptedAgent("member", scriptJSON(`{"position":"a"}`))
	agg := agents.NewScriptedAgent("agg", scriptJSON(`{"agreements":["a"],"conflicts":[]}`))
	f := newFixture(t, stageRoster(member, agg, []agents.Agent{cleanReviewer("rev")}))
	f.seedSpec(t, "spec-001", allArtifacts()...)

	events, cancel := f.coord.Events().Subscribe()
	defer cancel()

	if _, err := f.coord.Start("spec-001", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.coord.Drive(context.Background(), "spec-001"); err != nil {
		t.Fatalf("Drive: %v", err)
	}

	seen := make(map[domain.EventType]bool)
	for {
		select {
		case e := <-events:
			seen[e.Type] = true
		default:
			for _, want := range []domain.EventType{
				domain.EventRunStarted, domain.EventPhaseChanged,
				domain.EventVerdictRecorded, domain.EventStageAdvanced,
				domain.EventRunCompleted,
			} {
				if !seen[want] {
					t.Errorf("event %s never published", want)
				}
			}
			return
		}
	}
}

func TestResumeRejectsActiveRun(t *testing.T) {
	member := agents.NewScriptedAgent("member", scriptJSON(`{"position":"a"}`))
	agg := agents.NewScriptedAgent("agg", scriptJSON(`{"agreements":["a"],"conflicts":[]}`))
	f := newFixture(t, stageRoster(member, agg, []agents.Agent{cleanReviewer("rev")}))
	f.seedSpec(t, "spec-001", allArtifacts()...)

	if _, err := f.coord.Start("spec-001", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.coord.Resume("spec-001"); !errors.Is(err, ErrNotHalted) {
		t.Errorf("Resume on active run: err = %v, want ErrNotHalted", err)
	}
	if _, err := f.coord.Resume("spec-unknown"); !errors.Is(err, ErrNoRun) {
		t.Errorf("Resume on unknown spec: err = %v, want ErrNoRun", err)
	}
}
