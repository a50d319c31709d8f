package quality

import (
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
)

// classification is the outcome of the agreement analysis on one issue
type classification struct {
	confidence     domain.Confidence
	majorityAnswer string
	unanimous      bool
	hasMajority    bool
}

// classify measures reviewer agreement on an issue against the size of
// the reviewer panel. Reviewers that did not raise the issue count as
// silent, not as dissenting votes.
func classify(issue *domain.QualityIssue, panelSize int) classification {
	votes := make(map[string]int)
	for _, answer := range issue.ProposedAnswers {
		votes[answer]++
	}

	top, topVotes := "", 0
	for answer, n := range votes {
		if n > topVotes || (n == topVotes && answer < top) {
			top, topVotes = answer, n
		}
	}

	c := classification{majorityAnswer: top}
	switch {
	case topVotes == panelSize && len(votes) == 1:
		c.confidence = domain.ConfidenceHigh
		c.unanimous = true
		c.hasMajority = true
	case topVotes*2 > panelSize:
		c.confidence = domain.ConfidenceMedium
		c.hasMajority = true
	default:
		c.confidence = domain.ConfidenceLow
	}
	return c
}
