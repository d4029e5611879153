// Package gate decides whether a phase may run for a target date: all
// critical dependencies present and fresh (proceed), optional ones
// stale (proceed degraded), or a critical one missing (block, unless
// the bootstrap exception applies).
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/courtdata/pipeline-cli/internal/config"
	"github.com/courtdata/pipeline-cli/internal/model"
	"github.com/courtdata/pipeline-cli/internal/warehouse"
)

// ErrMissingCriticalDependency blocks a phase invocation outside
// backfill or bootstrap mode.
var ErrMissingCriticalDependency = eris.New("missing critical dependency")

// Checker is the warehouse surface the resolver needs.
type Checker interface {
	CheckDependency(ctx context.Context, req model.DependencyRequirement, date model.Date) (warehouse.CheckResult, error)
}

// Resolver evaluates a phase's dependency requirements.
type Resolver struct {
	checker Checker
	cfg     config.GateConfig

	seasonStart model.Date

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewResolver builds a Resolver. A bad season_start in config is a
// deploy-time error.
func NewResolver(checker Checker, cfg config.GateConfig) (*Resolver, error) {
	var seasonStart model.Date
	if cfg.SeasonStart != "" {
		d, err := model.ParseDate(cfg.SeasonStart)
		if err != nil {
			return nil, eris.Wrap(err, "gate: parse season_start")
		}
		seasonStart = d
	}
	return &Resolver{
		checker:     checker,
		cfg:         cfg,
		seasonStart: seasonStart,
		nowFunc:     time.Now,
	}, nil
}

// Resolve evaluates every requirement of the phase for the target date.
// Callers must invoke it at most once per phase invocation and thread
// the result through; a second call would double the external query
// cost and, racing a changing upstream, could return a different answer
// within the same run. Runner.Run is the single call site.
func (r *Resolver) Resolve(ctx context.Context, phase model.PhaseDefinition, date model.Date) (*model.CompletenessResult, error) {
	log := zap.L().With(
		zap.String("component", "gate"),
		zap.String("phase", string(phase.ID)),
		zap.String("date", date.String()),
	)

	bootstrap := r.inBootstrapWindow(date)
	res := &model.CompletenessResult{
		Phase:                phase.ID,
		TargetDate:           date,
		AllCriticalPresent:   true,
		IsBootstrapException: bootstrap,
		ResolvedAt:           r.nowFunc().UTC(),
	}

	for _, req := range phase.Requirements {
		if bootstrap && req.BootstrapSkip {
			log.Info("dependency bypassed by bootstrap window", zap.String("dependency", req.Name))
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, r.checkTimeout())
		check, err := r.checker.CheckDependency(checkCtx, req, date)
		cancel()
		if err != nil {
			return nil, eris.Wrapf(err, "gate: check %s for phase %s", req.Name, phase.ID)
		}

		failure := r.evaluate(req, check)
		if failure == "" {
			continue
		}

		if req.Criticality == model.CriticalityCritical {
			res.AllCriticalPresent = false
			res.MissingDependencies = append(res.MissingDependencies, req.Name)
			log.Warn("critical dependency failing",
				zap.String("dependency", req.Name),
				zap.String("detail", failure),
			)
		} else {
			res.HasStaleWarning = true
			res.StaleDependencies = append(res.StaleDependencies, req.Name)
			log.Warn("optional dependency stale, quality degraded",
				zap.String("dependency", req.Name),
				zap.String("detail", failure),
			)
		}
	}

	return res, nil
}

// evaluate compares one check result against its requirement and
// returns a human-readable failure detail, or "" when passing.
func (r *Resolver) evaluate(req model.DependencyRequirement, check warehouse.CheckResult) string {
	if check.RowCount == 0 {
		return fmt.Sprintf("no rows in %s", req.Table)
	}
	if req.Check == model.CheckMinRows && check.RowCount < req.MinRows {
		return fmt.Sprintf("%d rows in %s, need %d", check.RowCount, req.Table, req.MinRows)
	}
	if req.MaxStaleness > 0 {
		age := r.nowFunc().Sub(check.MaxUpdated)
		if age > req.MaxStaleness.Std() {
			return fmt.Sprintf("%s last updated %s ago, max staleness %s", req.Table, age.Round(time.Minute), req.MaxStaleness)
		}
	}
	return ""
}

// Gate applies the failure semantics: outside backfill and bootstrap, a
// missing critical dependency fails the invocation fast. In backfill
// mode the batch coordinator degrades per-entity instead.
func Gate(res *model.CompletenessResult, backfill bool) error {
	if res.AllCriticalPresent {
		return nil
	}
	if backfill || res.IsBootstrapException {
		zap.L().Warn("proceeding despite missing critical dependencies",
			zap.String("component", "gate"),
			zap.String("phase", string(res.Phase)),
			zap.Strings("missing", res.MissingDependencies),
			zap.Bool("backfill", backfill),
			zap.Bool("bootstrap", res.IsBootstrapException),
		)
		return nil
	}
	return eris.Wrapf(ErrMissingCriticalDependency, "phase %s on %s: %v",
		res.Phase, res.TargetDate, res.MissingDependencies)
}

func (r *Resolver) inBootstrapWindow(date model.Date) bool {
	if r.seasonStart.IsZero() || r.cfg.BootstrapDays <= 0 {
		return false
	}
	days := date.DaysSince(r.seasonStart)
	return days >= 0 && days < r.cfg.BootstrapDays
}

func (r *Resolver) checkTimeout() time.Duration {
	if r.cfg.CheckTimeout > 0 {
		return r.cfg.CheckTimeout
	}
	return 30 * time.Second
}
