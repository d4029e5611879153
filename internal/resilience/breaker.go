// Package resilience provides the per-entity circuit breaker and the
// retry/backoff discipline used for conflicting warehouse writes.
package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/courtdata/pipeline-cli/internal/model"
)

// BreakerConfig controls the per-entity circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures within
	// FailureWindow before the entity is suppressed. Default: 3.
	FailureThreshold int

	// FailureWindow is the rolling window in which consecutive failures
	// count toward the threshold. A failure older than the window starts
	// a fresh streak. Default: 24h.
	FailureWindow time.Duration

	// Cooldown is how long a suppressed entity is skipped before being
	// retried, in case the underlying condition self-heals. Default: 6h.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    24 * time.Hour,
		Cooldown:         6 * time.Hour,
	}
}

// entityState tracks one (processor, entity) pair.
type entityState struct {
	ConsecutiveFailures int
	LastFailure         time.Time
	SuppressedUntil     time.Time
}

// Suppression is a snapshot of one currently suppressed entity, for the
// ops reporting surface.
type Suppression struct {
	Processor           model.ProcessorID
	EntityID            string
	ConsecutiveFailures int
	LastFailure         time.Time
	SuppressedUntil     time.Time
}

// EntityBreaker suppresses reprocessing of entities that keep failing,
// keyed by (processor, entity). It bounds wasted work on a known-bad
// entity without human intervention while still retrying periodically.
type EntityBreaker struct {
	cfg BreakerConfig

	mu     sync.Mutex
	states map[breakerKey]*entityState

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

type breakerKey struct {
	proc   model.ProcessorID
	entity string
}

// NewEntityBreaker creates a breaker with the given config.
func NewEntityBreaker(cfg BreakerConfig) *EntityBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 24 * time.Hour
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 6 * time.Hour
	}
	return &EntityBreaker{
		cfg:     cfg,
		states:  make(map[breakerKey]*entityState),
		nowFunc: time.Now,
	}
}

// ShouldSkip reports whether the entity is currently suppressed. A
// worker that gets true short-circuits the entity into a
// CIRCUIT_BREAKER_ACTIVE failure without attempting real work.
func (b *EntityBreaker) ShouldSkip(proc model.ProcessorID, entityID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[breakerKey{proc, entityID}]
	if !ok {
		return false
	}
	return b.nowFunc().Before(st.SuppressedUntil)
}

// RecordOutcome updates the failure streak for the entity. Any success
// immediately clears the counter and lifts suppression.
func (b *EntityBreaker) RecordOutcome(proc model.ProcessorID, entityID string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := breakerKey{proc, entityID}
	if success {
		delete(b.states, key)
		return
	}

	now := b.nowFunc()
	st, ok := b.states[key]
	if !ok {
		st = &entityState{}
		b.states[key] = st
	}

	// A failure outside the rolling window starts a fresh streak.
	if !st.LastFailure.IsZero() && now.Sub(st.LastFailure) > b.cfg.FailureWindow {
		st.ConsecutiveFailures = 0
	}

	st.ConsecutiveFailures++
	st.LastFailure = now

	if st.ConsecutiveFailures >= b.cfg.FailureThreshold {
		st.SuppressedUntil = now.Add(b.cfg.Cooldown)
	}
}

// Failures returns the current consecutive failure count for an entity.
func (b *EntityBreaker) Failures(proc model.ProcessorID, entityID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.states[breakerKey{proc, entityID}]; ok {
		return st.ConsecutiveFailures
	}
	return 0
}

// Suppressions returns a snapshot of all currently suppressed entities,
// sorted by processor then entity id.
func (b *EntityBreaker) Suppressions() []Suppression {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	var out []Suppression
	for key, st := range b.states {
		if now.Before(st.SuppressedUntil) {
			out = append(out, Suppression{
				Processor:           key.proc,
				EntityID:            key.entity,
				ConsecutiveFailures: st.ConsecutiveFailures,
				LastFailure:         st.LastFailure,
				SuppressedUntil:     st.SuppressedUntil,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Processor != out[j].Processor {
			return out[i].Processor < out[j].Processor
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}
