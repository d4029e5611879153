package model

import (
	"time"
)

// PhaseStartCommand is the consumed wire format that starts a phase.
// DatasetPrefix lets the same code path run against an isolated
// namespace for replay and testing.
type PhaseStartCommand struct {
	PhaseID       PhaseID `json:"phase_id"`
	TargetDate    Date    `json:"target_date"`
	BackfillMode  bool    `json:"backfill_mode"`
	DatasetPrefix string  `json:"dataset_prefix,omitempty"`
}

// PhaseCompletionEvent is the produced wire format emitted when a
// producer finishes its share of a phase.
type PhaseCompletionEvent struct {
	PhaseID     PhaseID     `json:"phase_id"`
	TargetDate  Date        `json:"target_date"`
	ProcessorID ProcessorID `json:"processor_id"`
	Status      RunStatus   `json:"status"`
	OutputTable string      `json:"output_table"`
	RecordCount int64       `json:"record_count"`
	EmittedAt   time.Time   `json:"emitted_at"`
}

// PhaseCompletionState is the orchestration state document for one
// (target date, phase): which producers have reported done and whether
// the downstream phase has already been triggered. All mutations go
// through atomic read-modify-write in the state store.
type PhaseCompletionState struct {
	TargetDate         Date      `json:"target_date"`
	PhaseID            PhaseID   `json:"phase_id"`
	CompletedProducers []string  `json:"completed_producers"`
	Triggered          bool      `json:"triggered"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// HasAllProducers reports whether every required producer has completed.
func (s *PhaseCompletionState) HasAllProducers(required []ProcessorID) bool {
	done := make(map[string]bool, len(s.CompletedProducers))
	for _, p := range s.CompletedProducers {
		done[p] = true
	}
	for _, p := range required {
		if !done[string(p)] {
			return false
		}
	}
	return len(required) > 0
}
