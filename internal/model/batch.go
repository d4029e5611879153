package model

import (
	"time"

	"github.com/google/uuid"
)

// SharedContext carries the data a coordinator pre-loads once for an
// entire batch: per-entity slices of the expensive shared queries.
// Workers read only their own entity's slice and never touch the
// warehouse themselves.
type SharedContext struct {
	TargetDate   Date
	Completeness *CompletenessResult
	// PerEntity maps entity id to the pre-loaded rows that entity's
	// computation needs (historical window, schedule slice, etc.).
	PerEntity map[string]EntityContext
}

// EntityContext is the slice of shared context one work item embeds.
type EntityContext struct {
	EntityID string
	// History holds the entity's pre-loaded historical records.
	History []StatRecord
	// Opponent and schedule facts for the target date.
	ScheduleFacts map[string]any
	// Raw holds the entity's unparsed source payload for the target
	// date, used by the normalization phase.
	Raw map[string]any
	// DayRecord is the entity's already-produced upstream record for the
	// target date itself, used by the publish phase.
	DayRecord *StatRecord
	// UpstreamHash is the entity's current upstream fingerprint, used
	// for the skip-if-unchanged check.
	UpstreamHash string
	// LastProcessedHash is the upstream fingerprint recorded the last
	// time this processor produced output for the entity.
	LastProcessedHash string
}

// WorkItem is one entity's unit of work. Immutable once published.
type WorkItem struct {
	BatchID    uuid.UUID
	EntityID   string
	TargetDate Date
	Context    EntityContext
}

// WorkBatch groups a target date with the entities to process and the
// shared context loaded for them.
type WorkBatch struct {
	ID         uuid.UUID
	Processor  ProcessorID
	TargetDate Date
	EntityIDs  []string
	Shared     *SharedContext
	CreatedAt  time.Time
}

// NewWorkBatch builds a batch with a fresh id.
func NewWorkBatch(proc ProcessorID, date Date, entityIDs []string, shared *SharedContext) *WorkBatch {
	return &WorkBatch{
		ID:         uuid.New(),
		Processor:  proc,
		TargetDate: date,
		EntityIDs:  entityIDs,
		Shared:     shared,
		CreatedAt:  time.Now().UTC(),
	}
}

// Items partitions the batch into immutable work items.
func (b *WorkBatch) Items() []WorkItem {
	items := make([]WorkItem, 0, len(b.EntityIDs))
	for _, id := range b.EntityIDs {
		var ec EntityContext
		if b.Shared != nil {
			ec = b.Shared.PerEntity[id]
		}
		ec.EntityID = id
		items = append(items, WorkItem{
			BatchID:    b.ID,
			EntityID:   id,
			TargetDate: b.TargetDate,
			Context:    ec,
		})
	}
	return items
}

// EntityOutcome is a worker's terminal result for one entity.
type EntityOutcome struct {
	EntityID string
	Record   *StatRecord
	Failure  *FailureRecord
	// Skipped is set when the upstream fingerprint was unchanged and no
	// recomputation was needed.
	Skipped bool
}

// Succeeded reports whether the outcome carries a record (including the
// skip path, which is a success with no new write).
func (o EntityOutcome) Succeeded() bool {
	return o.Failure == nil
}

// BatchResult is the coordinator's summary after every entity reached a
// terminal state.
type BatchResult struct {
	BatchID    uuid.UUID
	Processor  ProcessorID
	TargetDate Date
	Succeeded  []EntityOutcome
	Failed     []EntityOutcome
	SkipCount  int
	Elapsed    time.Duration
}

// Total returns the number of entities that reached a terminal state.
func (r *BatchResult) Total() int {
	return len(r.Succeeded) + len(r.Failed)
}
