package orchestrate

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/courtdata/pipeline-cli/internal/config"
	"github.com/courtdata/pipeline-cli/internal/model"
	"github.com/courtdata/pipeline-cli/internal/phasedef"
)

// OutputChecker verifies that a phase actually produced output for a
// date. Satisfied by the warehouse.
type OutputChecker interface {
	OutputExists(ctx context.Context, outputTable string, date model.Date) (bool, error)
	LastRunSucceeded(ctx context.Context, phase model.PhaseID, date model.Date) (bool, error)
	RetryCount(ctx context.Context, phase model.PhaseID, date model.Date) (int, error)
}

// EscalateFunc reports a phase that stayed broken after the retry
// budget ran out. Satisfied by the notifier.
type EscalateFunc func(ctx context.Context, phase model.PhaseID, date model.Date, reason string)

// SelfHealer re-checks phases a while after they should have produced
// output, and re-triggers the ones that silently failed. The retry
// budget is counted from the run log, so restarts of the healer itself
// do not reset it.
type SelfHealer struct {
	checker  OutputChecker
	registry *phasedef.Registry
	trigger  TriggerFunc
	escalate EscalateFunc
	cfg      config.SelfHealConfig
	log      *zap.Logger
}

// HealReport summarizes one self-heal sweep.
type HealReport struct {
	Checked     int             `json:"checked"`
	Healthy     int             `json:"healthy"`
	Retriggered []model.PhaseID `json:"retriggered,omitempty"`
	Exhausted   []model.PhaseID `json:"exhausted,omitempty"`
}

// NewSelfHealer builds a healer over the given output checker.
func NewSelfHealer(checker OutputChecker, registry *phasedef.Registry, trigger TriggerFunc, escalate EscalateFunc, cfg config.SelfHealConfig) *SelfHealer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &SelfHealer{
		checker:  checker,
		registry: registry,
		trigger:  trigger,
		escalate: escalate,
		cfg:      cfg,
		log:      zap.L().With(zap.String("component", "selfheal")),
	}
}

// Sweep checks every phase's output for the date and re-triggers the
// ones with nothing to show. Phases past their retry budget are
// escalated to an operator instead of retried forever.
func (h *SelfHealer) Sweep(ctx context.Context, date model.Date) (*HealReport, error) {
	report := &HealReport{}
	for _, phase := range h.registry.All() {
		if phase.OutputTable == "" {
			continue
		}
		report.Checked++

		healthy, err := h.checkOne(ctx, phase, date, report)
		if err != nil {
			return report, err
		}
		if healthy {
			report.Healthy++
		}
	}
	h.log.Info("self-heal sweep complete",
		zap.String("date", date.String()),
		zap.Int("checked", report.Checked),
		zap.Int("healthy", report.Healthy),
		zap.Int("retriggered", len(report.Retriggered)),
		zap.Int("exhausted", len(report.Exhausted)),
	)
	return report, nil
}

func (h *SelfHealer) checkOne(ctx context.Context, phase model.PhaseDefinition, date model.Date, report *HealReport) (bool, error) {
	exists, err := h.checker.OutputExists(ctx, phase.OutputTable, date)
	if err != nil {
		return false, eris.Wrapf(err, "selfheal: output check for %s", phase.ID)
	}
	if exists {
		return true, nil
	}

	// An empty output table is fine when the last run finished clean:
	// a date with no scheduled entities has nothing to write.
	clean, err := h.checker.LastRunSucceeded(ctx, phase.ID, date)
	if err != nil {
		return false, eris.Wrapf(err, "selfheal: run status for %s", phase.ID)
	}
	if clean {
		return true, nil
	}

	retries, err := h.checker.RetryCount(ctx, phase.ID, date)
	if err != nil {
		return false, eris.Wrapf(err, "selfheal: retry count for %s", phase.ID)
	}
	if retries >= h.cfg.MaxRetries {
		h.log.Warn("phase has no output and retry budget is spent",
			zap.String("phase", string(phase.ID)),
			zap.String("date", date.String()),
			zap.Int("retries", retries),
		)
		if h.escalate != nil {
			h.escalate(ctx, phase.ID, date,
				"no output after exhausting automatic retries")
		}
		report.Exhausted = append(report.Exhausted, phase.ID)
		return false, nil
	}

	h.log.Info("re-triggering phase with missing output",
		zap.String("phase", string(phase.ID)),
		zap.String("date", date.String()),
		zap.Int("prior_runs", retries),
	)
	cmd := model.PhaseStartCommand{PhaseID: phase.ID, TargetDate: date}
	if err := h.trigger(ctx, cmd); err != nil {
		return false, eris.Wrapf(err, "selfheal: retrigger %s", phase.ID)
	}
	report.Retriggered = append(report.Retriggered, phase.ID)
	return false, nil
}
