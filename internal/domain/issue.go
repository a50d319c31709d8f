package domain

// QualityIssue is one open question raised during a checkpoint review.
// ProposedAnswers maps reviewer agent id to that reviewer's answer; the
// resolution state machine is the only mutator after creation.
type QualityIssue struct {
	ID              string            `json:"id"`
	Checkpoint      Checkpoint        `json:"checkpoint"`
	Gate            GateType          `json:"gate"`
	Question        string            `json:"question"`
	ProposedAnswers map[string]string `json:"proposed_answers"`
	Confidence      Confidence        `json:"confidence"`
	Resolvability   Resolvability     `json:"resolvability"`
	Resolution      ResolutionState   `json:"resolution"`
	AcceptedAnswer  string            `json:"accepted_answer,omitempty"`
	EscalateReason  string            `json:"escalate_reason,omitempty"`
	Artifact        string            `json:"artifact,omitempty"`
}

// CostLedgerEntry is one append-only spend record. The sum of a run's
// entries must equal the tracker's reported run total.
type CostLedgerEntry struct {
	RunID   string  `json:"run_id"`
	Stage   StageID `json:"stage"`
	AgentID string  `json:"agent_id"`
	Amount  float64 `json:"amount"`
}

// Hint is one heuristic bullet supplied by the learning service for
// injection into a stage prompt.
type Hint struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Helpful    bool    `json:"helpful"`
	Confidence float64 `json:"confidence"`
}
