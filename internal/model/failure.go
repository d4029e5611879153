package model

import (
	"time"
)

// FailureCategory is the error taxonomy for anything that prevents an
// entity or a phase from producing output.
type FailureCategory string

const (
	FailureMissingCriticalDependency FailureCategory = "MISSING_CRITICAL_DEPENDENCY"
	FailureStaleOptionalDependency   FailureCategory = "STALE_OPTIONAL_DEPENDENCY"
	FailureCircuitBreakerActive      FailureCategory = "CIRCUIT_BREAKER_ACTIVE"
	FailureIncompleteData            FailureCategory = "INCOMPLETE_DATA"
	FailureProcessingError           FailureCategory = "PROCESSING_ERROR"
	FailureTimeout                   FailureCategory = "TIMEOUT"
	FailureWriteConflict             FailureCategory = "WRITE_CONFLICT"
)

// Classification labels an incomplete-data failure after cross-checking
// the independent low-level source.
type Classification string

const (
	// ClassDidNotOccur: the entity's expected activity never happened.
	// Expected absence, not an error.
	ClassDidNotOccur Classification = "DID_NOT_OCCUR"
	// ClassRealGap: activity occurred but the upstream data is missing.
	// Correctable, eligible for automatic reprocessing.
	ClassRealGap Classification = "REAL_GAP"
	// ClassFalsePositive: the data exists now; the failure record was
	// stale at check time.
	ClassFalsePositive Classification = "FALSE_POSITIVE"
	// ClassUnclassified: not yet cross-checked.
	ClassUnclassified Classification = "UNCLASSIFIED"
)

// FailureRecord captures one entity that could not be processed. It is
// appended when the failure occurs and updated in place only by the
// failure classifier or an explicit reclassification job.
type FailureRecord struct {
	ID             int64           `json:"id,omitempty"`
	Processor      ProcessorID     `json:"processor"`
	EntityID       string          `json:"entity_id"`
	TargetDate     Date            `json:"target_date"`
	Category       FailureCategory `json:"failure_category"`
	Reason         string          `json:"failure_reason"`
	CanRetry       bool            `json:"can_retry"`
	Classification Classification  `json:"classification"`
	CreatedAt      time.Time       `json:"created_at"`
	ClassifiedAt   *time.Time      `json:"classified_at,omitempty"`
}

// NewFailure builds an unclassified failure record.
func NewFailure(proc ProcessorID, entityID string, date Date, cat FailureCategory, reason string, canRetry bool) FailureRecord {
	return FailureRecord{
		Processor:      proc,
		EntityID:       entityID,
		TargetDate:     date,
		Category:       cat,
		Reason:         reason,
		CanRetry:       canRetry,
		Classification: ClassUnclassified,
		CreatedAt:      time.Now().UTC(),
	}
}
