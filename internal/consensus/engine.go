package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
)

// ErrNoQuorum means no usable result survived the stage; there is nothing
// to synthesize a verdict from.
var ErrNoQuorum = fmt.Errorf("no usable agent results")

// ConflictResolver is an optional extension point. When set, the engine
// gives it one chance to settle the aggregator's conflicts before the
// verdict is classified. A nil resolver means conflicts halt the run.
type ConflictResolver interface {
	Resolve(ctx context.Context, stage domain.StageID, conflicts []string, results []domain.AgentResult) (resolved []string, err error)
}

// aggregatorPayload is the shape the designated aggregator agent reports
type aggregatorPayload struct {
	Agreements []string `json:"agreements"`
	Conflicts  []string `json:"conflicts"`
}

// memberPayload is the fallback shape read from non-aggregator results
// when no aggregator result is usable.
type memberPayload struct {
	Position string `json:"position"`
	Summary  string `json:"summary"`
}

// Engine classifies agreement among a stage's agent results.
// The designated aggregator result is authoritative when present; the
// vote fallback only runs without one.
type Engine struct {
	tiePolicy string
	resolver  ConflictResolver
	logger    *log.Logger
}

// New creates an engine. tiePolicy decides an even 50% split in the vote
// fallback: "conflict" or "accept".
func New(tiePolicy string, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{tiePolicy: tiePolicy, logger: logger}
}

// SetResolver installs the optional conflict resolver
func (e *Engine) SetResolver(r ConflictResolver) { e.resolver = r }

// Synthesize builds the stage verdict from the full result set, one entry
// per spawned agent. Non-usable results contribute to missing_agents.
// Invariants on the returned verdict:
//
//	degraded == true  iff missing_agents non-empty and conflicts empty
//	consensus_ok == false iff conflicts non-empty
func (e *Engine) Synthesize(ctx context.Context, stage domain.StageID, results []domain.AgentResult) (*domain.ConsensusVerdict, error) {
	var missing []string
	var usable []domain.AgentResult
	var aggregator *domain.AgentResult
	for i, r := range results {
		if !r.Usable() {
			missing = append(missing, r.AgentID)
			continue
		}
		usable = append(usable, r)
		if r.Aggregator {
			aggregator = &results[i]
		}
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("%w for stage %s", ErrNoQuorum, stage)
	}

	verdict := &domain.ConsensusVerdict{
		Stage:         string(stage),
		MissingAgents: missing,
		RecordedAt:    time.Now().UTC().Format(time.RFC3339),
	}

	if aggregator != nil {
		var p aggregatorPayload
		if err := json.Unmarshal(aggregator.Payload, &p); err != nil {
			// The aggregator spoke but not in the expected shape. Treat it
			// like a missing agent and let the survivors vote.
			e.logger.Printf("[consensus] aggregator %s payload unusable on stage %s: %v", aggregator.AgentID, stage, err)
			verdict.MissingAgents = append(verdict.MissingAgents, aggregator.AgentID)
			aggregator = nil
		} else {
			verdict.Aggregator = aggregator.AgentID
			verdict.Agreements = p.Agreements
			verdict.Conflicts = p.Conflicts
		}
	}
	if aggregator == nil {
		e.voteFallback(verdict, usable, len(results))
	}

	if len(verdict.Conflicts) > 0 && e.resolver != nil {
		e.tryResolve(ctx, stage, verdict, results)
	}

	verdict.ConsensusOK = len(verdict.Conflicts) == 0
	verdict.Degraded = len(verdict.MissingAgents) > 0 && len(verdict.Conflicts) == 0
	return verdict, nil
}

// voteFallback classifies by grouping identical positions when the
// aggregator itself was missing or unusable. Majority is measured against
// the full spawned set, not just the survivors.
func (e *Engine) voteFallback(verdict *domain.ConsensusVerdict, usable []domain.AgentResult, expected int) {
	votes := make(map[string][]string) // position -> agent ids
	for _, r := range usable {
		var p memberPayload
		if err := json.Unmarshal(r.Payload, &p); err != nil || p.Position == "" {
			// A result with no comparable position neither agrees nor
			// conflicts; it just cannot vote.
			continue
		}
		votes[p.Position] = append(votes[p.Position], r.AgentID)
	}
	if len(votes) == 0 {
		verdict.Conflicts = []string{"no comparable positions in agent output and no aggregator result"}
		return
	}

	positions := make([]string, 0, len(votes))
	for p := range votes {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool {
		if len(votes[positions[i]]) != len(votes[positions[j]]) {
			return len(votes[positions[i]]) > len(votes[positions[j]])
		}
		return positions[i] < positions[j]
	})

	top := positions[0]
	topVotes := len(votes[top])
	switch {
	case topVotes*2 > expected:
		verdict.Agreements = []string{top}
	case topVotes*2 == expected && e.tiePolicy == "accept":
		e.logger.Printf("[consensus] even %d-of-%d split on %q accepted by tie policy", topVotes, expected, top)
		verdict.Agreements = []string{top}
	case topVotes*2 == expected:
		verdict.Conflicts = []string{fmt.Sprintf("even split: %s", describeSplit(positions, votes))}
	default:
		verdict.Conflicts = []string{fmt.Sprintf("no majority: %s", describeSplit(positions, votes))}
	}
}

// tryResolve gives the optional resolver one shot at the conflict list.
// Resolver failure is not fatal; the conflicts simply stand.
func (e *Engine) tryResolve(ctx context.Context, stage domain.StageID, verdict *domain.ConsensusVerdict, results []domain.AgentResult) {
	resolved, err := e.resolver.Resolve(ctx, stage, verdict.Conflicts, results)
	if err != nil {
		e.logger.Printf("[consensus] conflict resolver failed on stage %s, conflicts stand: %v", stage, err)
		return
	}
	remaining := verdict.Conflicts[:0:0]
	settled := make(map[string]bool, len(resolved))
	for _, c := range resolved {
		settled[c] = true
	}
	for _, c := range verdict.Conflicts {
		if settled[c] {
			verdict.Agreements = append(verdict.Agreements, c)
		} else {
			remaining = append(remaining, c)
		}
	}
	if n := len(verdict.Conflicts) - len(remaining); n > 0 {
		e.logger.Printf("[consensus] resolver settled %d of %d conflicts on stage %s", n, len(verdict.Conflicts), stage)
	}
	verdict.Conflicts = remaining
}

func describeSplit(positions []string, votes map[string][]string) string {
	parts := make([]string, 0, len(positions))
	for _, p := range positions {
		parts = append(parts, fmt.Sprintf("%q (%s)", p, strings.Join(votes[p], ", ")))
	}
	return strings.Join(parts, " vs ")
}
