package learning

import (
	"context"
	"log"
	"sync"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
)

// Cache front-loads hint fetches. Prime runs during a phase that can
// block; Cached never does. Phases that cannot suspend read only from
// the cache, so a slow or dead playbook can never stall them.
type Cache struct {
	svc    Service
	logger *log.Logger

	mu     sync.RWMutex
	hints  map[Scope][]domain.Hint
	primed map[Scope]bool
}

// NewCache wraps a service with a per-scope cache
func NewCache(svc Service, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.Default()
	}
	return &Cache{
		svc:    svc,
		logger: logger,
		hints:  make(map[Scope][]domain.Hint),
		primed: make(map[Scope]bool),
	}
}

// Prime fetches and caches hints for the scope. Fetch failure is logged
// and cached as empty; the pipeline proceeds without hints.
func (c *Cache) Prime(ctx context.Context, scope Scope) {
	c.mu.RLock()
	done := c.primed[scope]
	c.mu.RUnlock()
	if done {
		return
	}

	hints, err := c.svc.Fetch(ctx, scope)
	if err != nil {
		c.logger.Printf("[learning] hint fetch failed for %s/%s, continuing without: %v", scope.SpecID, scope.Stage, err)
		hints = nil
	}

	c.mu.Lock()
	c.hints[scope] = hints
	c.primed[scope] = true
	c.mu.Unlock()
}

// Cached returns the primed hints for the scope without blocking
func (c *Cache) Cached(scope Scope) []domain.Hint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hints[scope]
}

// Feedback forwards a report to the underlying service
func (c *Cache) Feedback(ctx context.Context, scope Scope, hintsUsed []string, outcome string) {
	if err := c.svc.Feedback(ctx, scope, hintsUsed, outcome); err != nil {
		c.logger.Printf("[learning] feedback failed for %s/%s: %v", scope.SpecID, scope.Stage, err)
	}
}

// Invalidate clears the scope so the next Prime refetches
func (c *Cache) Invalidate(scope Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hints, scope)
	delete(c.primed, scope)
}
