package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
)

func success(agentID, payload string, aggregator bool) domain.AgentResult {
	return domain.AgentResult{
		AgentID:    agentID,
		Status:     domain.ResultSuccess,
		Payload:    []byte(payload),
		Aggregator: aggregator,
	}
}

func failed(agentID string, status domain.AgentResultStatus) domain.AgentResult {
	return domain.AgentResult{AgentID: agentID, Status: status}
}

func checkInvariants(t *testing.T, v *domain.ConsensusVerdict) {
	t.Helper()
	wantDegraded := len(v.MissingAgents) > 0 && len(v.Conflicts) == 0
	if v.Degraded != wantDegraded {
		t.Errorf("degraded = %v with missing=%v conflicts=%v", v.Degraded, v.MissingAgents, v.Conflicts)
	}
	if v.ConsensusOK != (len(v.Conflicts) == 0) {
		t.Errorf("consensus_ok = %v with conflicts=%v", v.ConsensusOK, v.Conflicts)
	}
}

func TestSynthesizeAllAgreeCleanVerdict(t *testing.T) {
	e := New("conflict", nil)
	v, err := e.Synthesize(context.Background(), domain.StagePlan, []domain.AgentResult{
		success("claude", `{"plan":"x"}`, false),
		success("gemini", `{"plan":"x"}`, false),
		success("gpt-pro", `{"agreements":["approach A"],"conflicts":[]}`, true),
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !v.ConsensusOK || v.Degraded {
		t.Errorf("verdict = ok:%v degraded:%v, want ok:true degraded:false", v.ConsensusOK, v.Degraded)
	}
	if v.Aggregator != "gpt-pro" {
		t.Errorf("aggregator = %q", v.Aggregator)
	}
	checkInvariants(t, v)
}

func TestSynthesizeOneTimeoutDegrades(t *testing.T) {
	e := New("conflict", nil)
	v, err := e.Synthesize(context.Background(), domain.StagePlan, []domain.AgentResult{
		success("claude", `{"plan":"x"}`, false),
		failed("gemini", domain.ResultTimeout),
		success("gpt-pro", `{"agreements":["approach A"],"conflicts":[]}`, true),
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !v.ConsensusOK || !v.Degraded {
		t.Errorf("verdict = ok:%v degraded:%v, want ok:true degraded:true", v.ConsensusOK, v.Degraded)
	}
	if len(v.MissingAgents) != 1 || v.MissingAgents[0] != "gemini" {
		t.Errorf("missing = %v, want [gemini]", v.MissingAgents)
	}
	checkInvariants(t, v)
}

func TestSynthesizeAggregatorConflictsWin(t *testing.T) {
	e := New("conflict", nil)
	v, err := e.Synthesize(context.Background(), domain.StageImplement, []domain.AgentResult{
		success("claude", `{"plan":"x"}`, false),
		success("gemini", `{"plan":"x"}`, false),
		success("gpt-pro", `{"agreements":[],"conflicts":["approach A vs B"]}`, true),
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if v.ConsensusOK {
		t.Error("consensus_ok must be false with reported conflicts")
	}
	if v.Degraded {
		t.Error("conflicts and degraded are mutually exclusive")
	}
	checkInvariants(t, v)
}

// Conflicts take precedence over missing agents: a verdict is never both
// conflicted and degraded.
func TestSynthesizeConflictBeatsDegraded(t *testing.T) {
	e := New("conflict", nil)
	v, err := e.Synthesize(context.Background(), domain.StagePlan, []domain.AgentResult{
		failed("claude", domain.ResultError),
		success("gemini", `{"plan":"x"}`, false),
		success("gpt-pro", `{"agreements":[],"conflicts":["scope dispute"]}`, true),
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if v.ConsensusOK || v.Degraded {
		t.Errorf("verdict = ok:%v degraded:%v, want ok:false degraded:false", v.ConsensusOK, v.Degraded)
	}
	checkInvariants(t, v)
}

func TestSynthesizeNoUsableResults(t *testing.T) {
	e := New("conflict", nil)
	_, err := e.Synthesize(context.Background(), domain.StagePlan, []domain.AgentResult{
		failed("claude", domain.ResultTimeout),
		failed("gemini", domain.ResultError),
	})
	if !errors.Is(err, ErrNoQuorum) {
		t.Errorf("err = %v, want ErrNoQuorum", err)
	}
}

func TestVoteFallbackMajority(t *testing.T) {
	e := New("conflict", nil)
	// Aggregator timed out; 2 of 3 surviving positions match
	v, err := e.Synthesize(context.Background(), domain.StageTasks, []domain.AgentResult{
		success("claude", `{"position":"split into 8 tasks"}`, false),
		success("gemini", `{"position":"split into 8 tasks"}`, false),
		failed("gpt-pro", domain.ResultTimeout),
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !v.ConsensusOK {
		t.Errorf("2-of-3 should be consensus, conflicts = %v", v.Conflicts)
	}
	if !v.Degraded {
		t.Error("missing aggregator must degrade the verdict")
	}
	checkInvariants(t, v)
}

func TestVoteFallbackMinorityIsConflict(t *testing.T) {
	e := New("conflict", nil)
	v, err := e.Synthesize(context.Background(), domain.StageTasks, []domain.AgentResult{
		success("claude", `{"position":"a"}`, false),
		failed("gemini", domain.ResultTimeout),
		failed("gpt-pro", domain.ResultTimeout),
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if v.ConsensusOK {
		t.Error("1-of-3 must not reach consensus")
	}
	checkInvariants(t, v)
}

func TestVoteFallbackEvenSplitTiePolicy(t *testing.T) {
	results := func() []domain.AgentResult {
		return []domain.AgentResult{
			success("a", `{"position":"x"}`, false),
			success("b", `{"position":"x"}`, false),
			success("c", `{"position":"y"}`, false),
			success("d", `{"position":"y"}`, false),
		}
	}

	v, err := New("conflict", nil).Synthesize(context.Background(), domain.StagePlan, results())
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if v.ConsensusOK {
		t.Error("tie_policy=conflict: 2-of-4 split must conflict")
	}
	checkInvariants(t, v)

	v, err = New("accept", nil).Synthesize(context.Background(), domain.StagePlan, results())
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !v.ConsensusOK {
		t.Errorf("tie_policy=accept: 2-of-4 split must pass, conflicts = %v", v.Conflicts)
	}
	checkInvariants(t, v)
}

type stubResolver struct {
	resolve []string
	err     error
	calls   int
}

func (s *stubResolver) Resolve(_ context.Context, _ domain.StageID, conflicts []string, _ []domain.AgentResult) ([]string, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.resolve, nil
}

func TestResolverSettlesConflicts(t *testing.T) {
	e := New("conflict", nil)
	r := &stubResolver{resolve: []string{"approach A vs B"}}
	e.SetResolver(r)

	v, err := e.Synthesize(context.Background(), domain.StagePlan, []domain.AgentResult{
		success("claude", `{}`, false),
		success("gpt-pro", `{"agreements":[],"conflicts":["approach A vs B"]}`, true),
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if r.calls != 1 {
		t.Errorf("resolver calls = %d, want 1", r.calls)
	}
	if !v.ConsensusOK {
		t.Errorf("resolved conflict should yield consensus, conflicts = %v", v.Conflicts)
	}
	checkInvariants(t, v)
}

func TestResolverFailureLeavesConflictsStanding(t *testing.T) {
	e := New("conflict", nil)
	e.SetResolver(&stubResolver{err: errors.New("arbiter unavailable")})

	v, err := e.Synthesize(context.Background(), domain.StagePlan, []domain.AgentResult{
		success("gpt-pro", `{"agreements":[],"conflicts":["open dispute"]}`, true),
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if v.ConsensusOK {
		t.Error("unresolved conflict must keep consensus_ok false")
	}
	checkInvariants(t, v)
}

func TestVerdictJSONShape(t *testing.T) {
	e := New("conflict", nil)
	v, err := e.Synthesize(context.Background(), domain.StagePlan, []domain.AgentResult{
		success("gpt-pro", `{"agreements":["a"],"conflicts":[]}`, true),
		failed("claude", domain.ResultMalformed),
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, key := range []string{`"stage"`, `"consensus_ok"`, `"degraded"`, `"agreements"`, `"conflicts"`, `"missing_agents"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("verdict JSON missing %s", key)
		}
	}
}
