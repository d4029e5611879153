// Package model defines the core types shared across the pipeline:
// phases, dependency requirements, work batches, failure records, and
// the wire formats for phase-start commands and completion events.
package model

import (
	"time"
)

// PhaseID identifies one stage of the pipeline.
type PhaseID string

const (
	PhaseIngest    PhaseID = "ingest"
	PhaseNormalize PhaseID = "normalize"
	PhaseAnalytics PhaseID = "analytics"
	PhaseFeatures  PhaseID = "features"
	PhasePredict   PhaseID = "predict"
	PhasePublish   PhaseID = "publish"
)

// ProcessorID identifies one producer within a phase (a phase may have
// several independent processors, e.g. player and team analytics).
type ProcessorID string

// CheckKind selects how a dependency requirement is evaluated against
// the warehouse.
type CheckKind string

const (
	// CheckExactDate requires rows for exactly the target date.
	CheckExactDate CheckKind = "exact-date-match"
	// CheckLookback requires rows within a trailing window ending at the
	// target date.
	CheckLookback CheckKind = "lookback-window"
	// CheckMinRows requires at least MinRows rows for the target date.
	CheckMinRows CheckKind = "minimum-row-count"
)

// Criticality determines whether a failing requirement blocks the phase
// or only degrades its quality tier.
type Criticality string

const (
	CriticalityCritical Criticality = "critical"
	CriticalityOptional Criticality = "optional"
)

// DependencyRequirement describes one upstream table a phase needs
// before it may run. Requirements are declared per phase in deps.yaml
// and validated at startup.
type DependencyRequirement struct {
	Name          string      `yaml:"name" json:"name"`
	Table         string      `yaml:"table" json:"table"`
	Check         CheckKind   `yaml:"check" json:"check"`
	Criticality   Criticality `yaml:"criticality" json:"criticality"`
	MinRows       int64       `yaml:"min_rows" json:"min_rows"`
	LookbackDays  int         `yaml:"lookback_days" json:"lookback_days"`
	MaxStaleness  Duration    `yaml:"max_staleness" json:"max_staleness"`
	BootstrapSkip bool        `yaml:"bootstrap_skip" json:"bootstrap_skip"`
}

// PhaseDefinition is the immutable deploy-time description of a phase:
// its upstream phases, its producers, and its dependency requirements.
type PhaseDefinition struct {
	ID           PhaseID                 `yaml:"id" json:"id"`
	Upstream     []PhaseID               `yaml:"upstream" json:"upstream"`
	Producers    []ProcessorID           `yaml:"producers" json:"producers"`
	OutputTable  string                  `yaml:"output_table" json:"output_table"`
	Requirements []DependencyRequirement `yaml:"requirements" json:"requirements"`
}

// HasProducer reports whether proc is one of the phase's producers.
func (p PhaseDefinition) HasProducer(proc ProcessorID) bool {
	for _, candidate := range p.Producers {
		if candidate == proc {
			return true
		}
	}
	return false
}

// CompletenessResult is the outcome of resolving a phase's dependency
// requirements for one target date. It is computed at most once per
// phase invocation and threaded through to every dependent component.
type CompletenessResult struct {
	Phase                PhaseID   `json:"phase"`
	TargetDate           Date      `json:"target_date"`
	AllCriticalPresent   bool      `json:"all_critical_present"`
	HasStaleWarning      bool      `json:"has_stale_warning"`
	MissingDependencies  []string  `json:"missing_dependencies,omitempty"`
	StaleDependencies    []string  `json:"stale_dependencies,omitempty"`
	IsBootstrapException bool      `json:"is_bootstrap_exception"`
	ResolvedAt           time.Time `json:"resolved_at"`
}

// QualityTier reflects how trustworthy a phase's output is given the
// state of its optional dependencies at run time.
type QualityTier string

const (
	QualityFull     QualityTier = "full"
	QualityDegraded QualityTier = "degraded"
)

// Tier returns the quality tier implied by this resolution: degraded
// when any optional dependency was stale or missing.
func (r *CompletenessResult) Tier() QualityTier {
	if r.HasStaleWarning {
		return QualityDegraded
	}
	return QualityFull
}
