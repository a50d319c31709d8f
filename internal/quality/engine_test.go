package quality

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/agents"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/prompts"
)

func issuePayload(id, question, answer, resolvability string) string {
	p := map[string]any{
		"issues": []map[string]string{{
			"id":            id,
			"question":      question,
			"answer":        answer,
			"resolvability": resolvability,
		}},
	}
	data, _ := json.Marshal(p)
	return string(data)
}

func reviewer(id, payload string) agents.Agent {
	return agents.NewScriptedAgent(id, []agents.ScriptedResponse{
		{Payload: json.RawMessage(payload)},
	})
}

func newTestEngine(t *testing.T, reviewers []agents.Agent, validator agents.Agent) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "spec-a"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "spec-a", "spec.md"), []byte("# spec\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(reviewers, validator,
		prompts.NewLoader(),
		NewFileModifier(root),
		NewEscalationStore(filepath.Join(root, "answers")),
		time.Second, nil, nil)
	return e, root
}

func runCheckpoint(t *testing.T, e *Engine) *CheckpointReport {
	t.Helper()
	report, err := e.RunCheckpoint(context.Background(), "run-1", "spec-a", "/specs/spec-a",
		domain.CheckpointPrePlan, domain.StagePlan)
	if err != nil {
		t.Fatalf("RunCheckpoint: %v", err)
	}
	return report
}

func TestUnanimousIssueAppliedWithoutHuman(t *testing.T) {
	same := issuePayload("q1", "what does soon mean", "define soon as 24h", "AutoFix")
	e, root := newTestEngine(t, []agents.Agent{
		reviewer("claude", same), reviewer("gemini", same), reviewer("codex", same),
	}, nil)

	report := runCheckpoint(t, e)
	if len(report.Issues) != 1 {
		t.Fatalf("issues = %d, want 1", len(report.Issues))
	}
	issue := report.Issues[0]
	if issue.Resolution != domain.ResolutionApplied {
		t.Errorf("resolution = %s, want Applied (reason: %s)", issue.Resolution, issue.EscalateReason)
	}
	if issue.Confidence != domain.ConfidenceHigh {
		t.Errorf("confidence = %s, want High", issue.Confidence)
	}
	if report.AwaitingHuman() {
		t.Error("unanimous issue must not pause the run")
	}

	content, err := os.ReadFile(filepath.Join(root, "spec-a", "spec.md"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "define soon as 24h") {
		t.Error("accepted answer not written to artifact")
	}
	if !strings.HasPrefix(string(content), "# spec\n") {
		t.Error("original artifact content lost")
	}
	if _, err := os.Stat(filepath.Join(root, "spec-a", "spec.md.bak")); !os.IsNotExist(err) {
		t.Error("backup left behind after successful apply")
	}
}

func TestMajorityWithConcurringValidatorApplies(t *testing.T) {
	majority := issuePayload("q1", "ambiguous retry wording", "state retries happen once", "SuggestFix")
	minority := issuePayload("q1", "ambiguous retry wording", "drop the retry sentence", "SuggestFix")
	validator := reviewer("gpt-pro", `{"concur":true,"reason":"majority answer preserves meaning"}`)

	e, _ := newTestEngine(t, []agents.Agent{
		reviewer("claude", majority), reviewer("gemini", majority), reviewer("codex", minority),
	}, validator)

	report := runCheckpoint(t, e)
	issue := report.Issues[0]
	if issue.Resolution != domain.ResolutionApplied {
		t.Errorf("resolution = %s, want Applied", issue.Resolution)
	}
	if issue.Confidence != domain.ConfidenceMedium {
		t.Errorf("confidence = %s, want Medium", issue.Confidence)
	}
	if issue.AcceptedAnswer != "state retries happen once" {
		t.Errorf("accepted = %q", issue.AcceptedAnswer)
	}
}

func TestValidatorDissentEscalates(t *testing.T) {
	majority := issuePayload("q1", "ambiguous scope", "narrow the scope", "SuggestFix")
	minority := issuePayload("q1", "ambiguous scope", "widen the scope", "SuggestFix")
	validator := reviewer("gpt-pro", `{"concur":false,"reason":"changes requirement meaning"}`)

	e, _ := newTestEngine(t, []agents.Agent{
		reviewer("claude", majority), reviewer("gemini", majority), reviewer("codex", minority),
	}, validator)

	report := runCheckpoint(t, e)
	issue := report.Issues[0]
	if issue.Resolution != domain.ResolutionEscalated {
		t.Errorf("resolution = %s, want Escalated on validator dissent", issue.Resolution)
	}
	if !strings.Contains(issue.EscalateReason, "dissented") {
		t.Errorf("reason = %q", issue.EscalateReason)
	}
	if !report.AwaitingHuman() {
		t.Error("escalation must pause the run")
	}
}

func TestNoMajorityEscalatesImmediately(t *testing.T) {
	e, _ := newTestEngine(t, []agents.Agent{
		reviewer("claude", issuePayload("q1", "q", "answer one", "AutoFix")),
		reviewer("gemini", issuePayload("q1", "q", "answer two", "AutoFix")),
		reviewer("codex", issuePayload("q1", "q", "answer three", "AutoFix")),
	}, reviewer("gpt-pro", `{"concur":true}`))

	report := runCheckpoint(t, e)
	issue := report.Issues[0]
	if issue.Resolution != domain.ResolutionEscalated {
		t.Errorf("resolution = %s, want Escalated", issue.Resolution)
	}
	if issue.Confidence != domain.ConfidenceLow {
		t.Errorf("confidence = %s, want Low", issue.Confidence)
	}
}

func TestNeedHumanEscalatesEvenWhenUnanimous(t *testing.T) {
	same := issuePayload("q1", "which vendor to pick", "vendor A", "NeedHuman")
	e, _ := newTestEngine(t, []agents.Agent{
		reviewer("claude", same), reviewer("gemini", same), reviewer("codex", same),
	}, nil)

	report := runCheckpoint(t, e)
	if report.Issues[0].Resolution != domain.ResolutionEscalated {
		t.Error("NeedHuman issues must always escalate")
	}
}

func TestMissingValidatorNeverAutoApplies(t *testing.T) {
	majority := issuePayload("q1", "q", "a", "AutoFix")
	minority := issuePayload("q1", "q", "b", "AutoFix")
	e, _ := newTestEngine(t, []agents.Agent{
		reviewer("claude", majority), reviewer("gemini", majority), reviewer("codex", minority),
	}, nil)

	report := runCheckpoint(t, e)
	if report.Issues[0].Resolution != domain.ResolutionEscalated {
		t.Error("majority without a validator must escalate, not apply")
	}
}

func TestFailedReviewerShrinksPanel(t *testing.T) {
	same := issuePayload("q1", "q", "the fix", "AutoFix")
	broken := agents.NewScriptedAgent("codex", []agents.ScriptedResponse{
		{Err: errors.New("backend down")},
	})

	e, _ := newTestEngine(t, []agents.Agent{
		reviewer("claude", same), reviewer("gemini", same), broken,
	}, nil)

	report := runCheckpoint(t, e)
	// Both surviving reviewers agree: unanimous on the shrunken panel
	if report.Issues[0].Resolution != domain.ResolutionApplied {
		t.Errorf("resolution = %s, want Applied on 2/2 agreement", report.Issues[0].Resolution)
	}
}

func TestAllReviewersFailedIsError(t *testing.T) {
	dead := func(id string) agents.Agent {
		return agents.NewScriptedAgent(id, []agents.ScriptedResponse{{Err: errors.New("down")}})
	}
	e, _ := newTestEngine(t, []agents.Agent{dead("a"), dead("b")}, nil)
	_, err := e.RunCheckpoint(context.Background(), "run-1", "spec-a", "/s",
		domain.CheckpointPrePlan, domain.StagePlan)
	if err == nil {
		t.Error("empty panel must be an error, not an empty pass")
	}
}

func TestApplyAnswersResolvesEscalations(t *testing.T) {
	same := issuePayload("q1", "which vendor", "vendor A", "NeedHuman")
	e, root := newTestEngine(t, []agents.Agent{
		reviewer("claude", same), reviewer("gemini", same),
	}, nil)

	report := runCheckpoint(t, e)
	issue := report.Issues[0]
	if issue.Resolution != domain.ResolutionEscalated {
		t.Fatalf("resolution = %s", issue.Resolution)
	}

	remaining, err := e.ApplyAnswers("spec-a", report.Issues)
	if err != nil {
		t.Fatalf("ApplyAnswers: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("remaining = %d before the human answers, want 1", remaining)
	}

	if err := e.Store().Answer("spec-a", issue.ID, "vendor B, for support reasons"); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	remaining, err = e.ApplyAnswers("spec-a", report.Issues)
	if err != nil {
		t.Fatalf("ApplyAnswers after answer: %v", err)
	}
	if remaining != 0 {
		t.Errorf("remaining = %d after answer, want 0", remaining)
	}

	content, _ := os.ReadFile(filepath.Join(root, "spec-a", "spec.md"))
	if !strings.Contains(string(content), "vendor B, for support reasons") {
		t.Error("human answer not applied to artifact")
	}
}

func TestClassify(t *testing.T) {
	issue := func(answers map[string]string) *domain.QualityIssue {
		return &domain.QualityIssue{ProposedAnswers: answers}
	}

	c := classify(issue(map[string]string{"a": "x", "b": "x", "c": "x"}), 3)
	if !c.unanimous || c.confidence != domain.ConfidenceHigh {
		t.Errorf("3/3: %+v", c)
	}
	c = classify(issue(map[string]string{"a": "x", "b": "x", "c": "y"}), 3)
	if c.unanimous || !c.hasMajority || c.confidence != domain.ConfidenceMedium || c.majorityAnswer != "x" {
		t.Errorf("2/3: %+v", c)
	}
	c = classify(issue(map[string]string{"a": "x"}), 3)
	if c.hasMajority || c.confidence != domain.ConfidenceLow {
		t.Errorf("1/3: %+v", c)
	}
	// Even 2-of-4 split is not a majority
	c = classify(issue(map[string]string{"a": "x", "b": "x", "c": "y", "d": "y"}), 4)
	if c.hasMajority {
		t.Errorf("2/4: %+v", c)
	}
}

func TestFileModifierMissingArtifact(t *testing.T) {
	m := NewFileModifier(t.TempDir())
	issue := &domain.QualityIssue{ID: "q1", Gate: domain.GateAmbiguity, Question: "q"}
	if err := m.Apply("ghost-spec", issue, "a"); err == nil {
		t.Error("Apply on a missing artifact must fail")
	}
}
