package pipeline

import (
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
)

// FollowUpScheduler runs one-shot follow-up reviews for degraded stages.
// A degraded verdict is acceptable to advance on, but somebody should
// look at what the missing agents would have said.
type FollowUpScheduler struct {
	cron   *cron.Cron
	delay  time.Duration
	logger *log.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID // spec/stage -> pending entry
}

// NewFollowUpScheduler creates and starts the scheduler
func NewFollowUpScheduler(delay time.Duration, logger *log.Logger) *FollowUpScheduler {
	if logger == nil {
		logger = log.Default()
	}
	c := cron.New()
	c.Start()
	return &FollowUpScheduler{
		cron:    c,
		delay:   delay,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Schedule queues a follow-up review for a degraded stage. A pending
// follow-up for the same spec and stage is not duplicated. The entry
// removes itself after its first firing.
func (s *FollowUpScheduler) Schedule(specID string, stage domain.StageID, missing []string, fn func()) {
	key := specID + "/" + string(stage)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; exists {
		return
	}

	var id cron.EntryID
	id = s.cron.Schedule(cron.Every(s.delay), cron.FuncJob(func() {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		s.cron.Remove(id)

		s.logger.Printf("[followup] reviewing degraded stage %s of %s (missing: %v)", stage, specID, missing)
		fn()
	}))
	s.entries[key] = id
}

// Pending returns how many follow-ups are queued
func (s *FollowUpScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop shuts the scheduler down and drops queued follow-ups
func (s *FollowUpScheduler) Stop() {
	s.cron.Stop()
}
