package costs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
)

// AlertLevel grades a budget alert
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"  // 80% of budget
	AlertCritical AlertLevel = "critical" // 90% of budget
	AlertExceeded AlertLevel = "exceeded" // over budget
)

// BudgetAlert reports budget pressure for a run. Alerts are advisory:
// the tracker never stops a run, it only reports.
type BudgetAlert struct {
	Level     AlertLevel
	RunID     string
	BudgetUSD float64
	SpentUSD  float64
}

// Message formats the alert for logs and notifications
func (a BudgetAlert) Message() string {
	switch a.Level {
	case AlertExceeded:
		return fmt.Sprintf("run %s budget EXCEEDED: $%.2f of $%.2f spent ($%.2f over)",
			a.RunID, a.SpentUSD, a.BudgetUSD, a.SpentUSD-a.BudgetUSD)
	case AlertCritical:
		return fmt.Sprintf("run %s budget critical: $%.2f of $%.2f spent (90%%)",
			a.RunID, a.SpentUSD, a.BudgetUSD)
	default:
		return fmt.Sprintf("run %s budget warning: $%.2f of $%.2f spent (80%%)",
			a.RunID, a.SpentUSD, a.BudgetUSD)
	}
}

// Summary aggregates a run's spend for reporting
type Summary struct {
	RunID     string                     `json:"run_id"`
	SpecID    string                     `json:"spec_id"`
	TotalUSD  float64                    `json:"total_usd"`
	BudgetUSD float64                    `json:"budget_usd"`
	Calls     int                        `json:"calls"`
	PerStage  map[domain.StageID]float64 `json:"per_stage"`
	PerAgent  map[string]float64         `json:"per_agent"`
	StartedAt time.Time                  `json:"started_at"`
}

// String renders a single-line human summary
func (s *Summary) String() string {
	return fmt.Sprintf("%s: $%.2f of $%.2f across %s calls",
		s.RunID, s.TotalUSD, s.BudgetUSD, humanize.Comma(int64(s.Calls)))
}

// Tracker records per-agent, per-stage spend and produces run totals.
// The ledger is append-only; Total always equals the sum of the entries.
type Tracker struct {
	budgetUSD float64

	mu      sync.Mutex
	entries map[string][]domain.CostLedgerEntry // run id -> ledger
	specs   map[string]string                   // run id -> spec id
	started map[string]time.Time
	alerted map[string]AlertLevel // highest level already raised per run
}

// NewTracker creates a tracker with the given per-run budget
func NewTracker(budgetUSD float64) *Tracker {
	return &Tracker{
		budgetUSD: budgetUSD,
		entries:   make(map[string][]domain.CostLedgerEntry),
		specs:     make(map[string]string),
		started:   make(map[string]time.Time),
		alerted:   make(map[string]AlertLevel),
	}
}

// Open registers a run before its first record
func (t *Tracker) Open(runID, specID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.started[runID]; !ok {
		t.started[runID] = time.Now()
		t.specs[runID] = specID
	}
}

// Record appends one spend entry and returns a budget alert when the run
// crosses a threshold it has not crossed before.
func (t *Tracker) Record(runID string, stage domain.StageID, agentID string, amount float64) *BudgetAlert {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[runID] = append(t.entries[runID], domain.CostLedgerEntry{
		RunID:   runID,
		Stage:   stage,
		AgentID: agentID,
		Amount:  amount,
	})

	if t.budgetUSD <= 0 {
		return nil
	}
	spent := t.totalLocked(runID)
	level := AlertLevel("")
	switch {
	case spent > t.budgetUSD:
		level = AlertExceeded
	case spent >= 0.9*t.budgetUSD:
		level = AlertCritical
	case spent >= 0.8*t.budgetUSD:
		level = AlertWarning
	}
	if level == "" || t.alerted[runID] == level || rank(t.alerted[runID]) > rank(level) {
		return nil
	}
	t.alerted[runID] = level
	return &BudgetAlert{Level: level, RunID: runID, BudgetUSD: t.budgetUSD, SpentUSD: spent}
}

// Total returns the run's spend; by construction it equals the ledger sum
func (t *Tracker) Total(runID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalLocked(runID)
}

// Ledger returns a copy of the run's append-only entries
func (t *Tracker) Ledger(runID string) []domain.CostLedgerEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.CostLedgerEntry(nil), t.entries[runID]...)
}

// Summarize aggregates the run's ledger
func (t *Tracker) Summarize(runID string) *Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &Summary{
		RunID:     runID,
		SpecID:    t.specs[runID],
		BudgetUSD: t.budgetUSD,
		PerStage:  make(map[domain.StageID]float64),
		PerAgent:  make(map[string]float64),
		StartedAt: t.started[runID],
	}
	for _, e := range t.entries[runID] {
		s.TotalUSD += e.Amount
		s.Calls++
		s.PerStage[e.Stage] += e.Amount
		s.PerAgent[e.AgentID] += e.Amount
	}
	return s
}

// WriteSummary persists the run's cost summary into the evidence directory
func (t *Tracker) WriteSummary(runID, evidenceDir string) error {
	s := t.Summarize(runID)
	if err := os.MkdirAll(evidenceDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(evidenceDir, fmt.Sprintf("costs_%s.json", runID))
	return os.WriteFile(path, data, 0o644)
}

func (t *Tracker) totalLocked(runID string) float64 {
	var total float64
	for _, e := range t.entries[runID] {
		total += e.Amount
	}
	return total
}

func rank(l AlertLevel) int {
	switch l {
	case AlertWarning:
		return 1
	case AlertCritical:
		return 2
	case AlertExceeded:
		return 3
	}
	return 0
}
