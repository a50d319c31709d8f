package pipeline

import (
	"fmt"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/agents"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/config"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
)

// StageSet is the agent roster for one stage
type StageSet struct {
	Agents       []agents.Agent
	AggregatorID string
}

// AgentSets maps each stage to its roster
type AgentSets map[domain.StageID]StageSet

// Roster bundles everything built from the agent configuration
type Roster struct {
	Sets      AgentSets
	Reviewers []agents.Agent
	Validator agents.Agent // nil when not configured
}

// BuildRoster constructs all agents once and assigns them to stage sets,
// the quality reviewer panel, and the validator slot. A stage with no
// explicit roster uses every configured agent.
func BuildRoster(cfg *config.Config) (*Roster, error) {
	byID := make(map[string]agents.Agent, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		a, err := agents.New(ac)
		if err != nil {
			return nil, err
		}
		byID[ac.ID] = a
	}

	r := &Roster{Sets: make(AgentSets)}
	for _, stage := range domain.DefaultStages {
		cfgs := cfg.AgentsForStage(string(stage))
		if len(cfgs) == 0 {
			cfgs = cfg.Agents
		}
		set := StageSet{}
		for _, ac := range cfgs {
			set.Agents = append(set.Agents, byID[ac.ID])
			if ac.Aggregator {
				if set.AggregatorID != "" {
					return nil, fmt.Errorf("stage %s: agents %s and %s both marked aggregator", stage, set.AggregatorID, ac.ID)
				}
				set.AggregatorID = ac.ID
			}
		}
		r.Sets[stage] = set
	}

	// Reviewer names that match no configured agent shrink the panel;
	// the gate engine reports when the panel ends up empty.
	for _, id := range cfg.Quality.Reviewers {
		if a, ok := byID[id]; ok {
			r.Reviewers = append(r.Reviewers, a)
		}
	}
	if id := cfg.Quality.ValidatorAgent; id != "" {
		r.Validator = byID[id] // absent id leaves the validator nil
	}
	return r, nil
}
