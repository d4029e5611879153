package model

import (
	"time"
)

// StatRecord is one processed row for an entity on a game date: the
// output unit of the normalization, analytics, features, and predict
// phases. Business fields feed the fingerprint; bookkeeping fields
// (quality tier, lineage, timestamps) never do.
type StatRecord struct {
	Processor  ProcessorID `json:"processor"`
	EntityID   string      `json:"entity_id"`
	TargetDate Date        `json:"target_date"`

	// Business output fields. These are the enumerated fingerprint
	// inputs; adding a field here changes hash semantics.
	Minutes   float64            `json:"minutes"`
	Points    float64            `json:"points"`
	Rebounds  float64            `json:"rebounds"`
	Assists   float64            `json:"assists"`
	Usage     float64            `json:"usage"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Projected bool               `json:"projected"`

	// Bookkeeping. Excluded from the fingerprint.
	Fingerprint  string      `json:"fingerprint,omitempty"`
	UpstreamHash string      `json:"upstream_hash,omitempty"`
	Quality      QualityTier `json:"quality"`
	ComputedAt   time.Time   `json:"computed_at"`
}

// FingerprintPair carries the two hashes the skip check compares: the
// upstream processor's current fingerprint for an entity and the one
// this processor consumed on its last successful run.
type FingerprintPair struct {
	UpstreamHash      string
	LastProcessedHash string
}

// RunStatus is the terminal status of a phase invocation.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)
