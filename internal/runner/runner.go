// Package runner glues one phase invocation together: dependency gate,
// shared preload, worker-pool batch, idempotent write, failure sink,
// run log, and the completion event that moves the orchestrator along.
package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/courtdata/pipeline-cli/internal/batch"
	"github.com/courtdata/pipeline-cli/internal/config"
	"github.com/courtdata/pipeline-cli/internal/gate"
	"github.com/courtdata/pipeline-cli/internal/model"
	"github.com/courtdata/pipeline-cli/internal/notify"
	"github.com/courtdata/pipeline-cli/internal/phasedef"
	"github.com/courtdata/pipeline-cli/internal/predict"
	"github.com/courtdata/pipeline-cli/internal/resilience"
	"github.com/courtdata/pipeline-cli/internal/warehouse"
)

// EmitFunc delivers a producer completion event to the orchestrator.
type EmitFunc func(ctx context.Context, ev model.PhaseCompletionEvent) error

// Runner executes phases. One Runner serves many invocations; each
// invocation resolves completeness exactly once and threads the result
// through gate, context and quality stamping.
type Runner struct {
	wh       *warehouse.Warehouse
	registry *phasedef.Registry
	resolver *gate.Resolver
	breaker  *resilience.EntityBreaker
	notifier *notify.Notifier
	system   predict.System
	cfg      *config.Config
	emit     EmitFunc

	nowFunc func() time.Time
	idFunc  func() string
}

// ProcessorSummary reports one producer's share of an invocation.
type ProcessorSummary struct {
	Processor model.ProcessorID `json:"processor"`
	Status    model.RunStatus   `json:"status"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Skipped   int               `json:"skipped"`
	Written   int64             `json:"written"`
}

// Summary is the machine-readable invocation result the CLI prints.
type Summary struct {
	Phase      model.PhaseID      `json:"phase"`
	TargetDate model.Date         `json:"target_date"`
	Status     model.RunStatus    `json:"status"`
	Quality    model.QualityTier  `json:"quality,omitempty"`
	Error      string             `json:"error,omitempty"`
	Processors []ProcessorSummary `json:"processors,omitempty"`
	Elapsed    time.Duration      `json:"elapsed"`
}

// New builds a Runner. The notifier and emit hook may be nil for local
// one-shot runs.
func New(wh *warehouse.Warehouse, registry *phasedef.Registry, resolver *gate.Resolver, breaker *resilience.EntityBreaker, notifier *notify.Notifier, system predict.System, cfg *config.Config, emit EmitFunc) *Runner {
	return &Runner{
		wh:       wh,
		registry: registry,
		resolver: resolver,
		breaker:  breaker,
		notifier: notifier,
		system:   system,
		cfg:      cfg,
		emit:     emit,
		nowFunc:  time.Now,
		idFunc: func() string {
			return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
		},
	}
}

// Run executes one phase for one date and always terminates in a
// definite status. The returned error is set only for failed or gated
// invocations; partial completions return a nil error with status
// partial, matching the run log.
func (r *Runner) Run(ctx context.Context, cmd model.PhaseStartCommand) (*Summary, error) {
	start := r.nowFunc()
	log := zap.L().With(
		zap.String("component", "runner"),
		zap.String("phase", string(cmd.PhaseID)),
		zap.String("date", cmd.TargetDate.String()),
	)

	phase, err := r.registry.Get(cmd.PhaseID)
	if err != nil {
		return nil, err
	}
	specs := r.specsFor(phase)
	if len(specs) == 0 {
		return nil, eris.Errorf("runner: phase %s has no in-process producers", phase.ID)
	}

	summary := &Summary{Phase: phase.ID, TargetDate: cmd.TargetDate}

	runID, err := r.wh.StartRun(ctx, phase.ID, cmd.TargetDate)
	if err != nil {
		return nil, err
	}

	// Completeness is resolved here, once, and nowhere else during this
	// invocation. Everything downstream receives this result.
	res, err := r.resolver.Resolve(ctx, phase, cmd.TargetDate)
	if err != nil {
		r.finishRun(ctx, runID, model.RunFailed, summary, err.Error())
		summary.Status = model.RunFailed
		summary.Error = err.Error()
		return summary, err
	}
	summary.Quality = res.Tier()

	if err := gate.Gate(res, cmd.BackfillMode); err != nil {
		return r.gateFailed(ctx, log, runID, phase, specs, cmd, res, summary, err)
	}
	if res.HasStaleWarning {
		log.Warn("running with degraded quality",
			zap.Strings("stale", res.StaleDependencies))
	}

	entities, err := r.wh.ActiveEntities(ctx, cmd.TargetDate)
	if err != nil {
		r.finishRun(ctx, runID, model.RunFailed, summary, err.Error())
		summary.Status = model.RunFailed
		summary.Error = err.Error()
		return summary, err
	}
	if len(entities) == 0 {
		log.Info("no scheduled entities for date, nothing to do")
		summary.Status = model.RunSuccess
		// An empty slate still completes the phase: downstream phases
		// have nothing to wait for, and the orchestration state must
		// record that so they are not re-triggered for a quiet date.
		r.emitAll(ctx, log, phase, specs, cmd, model.RunSuccess)
		r.finishRun(ctx, runID, model.RunSuccess, summary, "")
		summary.Elapsed = r.nowFunc().Sub(start)
		return summary, nil
	}

	for _, spec := range specs {
		procSummary, err := r.runProcessor(ctx, phase, spec, cmd, res, entities)
		if err != nil {
			procSummary = &ProcessorSummary{
				Processor: spec.processor,
				Status:    model.RunFailed,
				Failed:    len(entities),
			}
			log.Error("processor run failed",
				zap.String("processor", string(spec.processor)), zap.Error(err))
			summary.Error = err.Error()
		}
		summary.Processors = append(summary.Processors, *procSummary)
	}

	summary.Status = overallStatus(summary.Processors)
	summary.Elapsed = r.nowFunc().Sub(start)

	var succ, fail, skip int64
	for _, p := range summary.Processors {
		succ += int64(p.Succeeded)
		fail += int64(p.Failed)
		skip += int64(p.Skipped)
	}
	r.finishRun(ctx, runID, summary.Status, summary, summary.Error)

	log.Info("phase invocation complete",
		zap.String("status", string(summary.Status)),
		zap.Int64("succeeded", succ),
		zap.Int64("failed", fail),
		zap.Int64("skipped", skip),
		zap.Duration("elapsed", summary.Elapsed),
	)

	if summary.Status == model.RunFailed {
		return summary, eris.Errorf("runner: phase %s failed for %s", phase.ID, cmd.TargetDate)
	}
	return summary, nil
}

// runProcessor runs one producer's batch end to end and emits its
// completion event.
func (r *Runner) runProcessor(ctx context.Context, phase model.PhaseDefinition, spec processorSpec, cmd model.PhaseStartCommand, res *model.CompletenessResult, entities []string) (*ProcessorSummary, error) {
	coordinator := batch.NewCoordinator(spec.processor, r.breaker, r.cfg.Batch)

	result, err := coordinator.Run(ctx, cmd.TargetDate, entities,
		r.preloadFor(spec, res), spec.compute)
	if err != nil {
		return nil, err
	}

	records := make([]*model.StatRecord, 0, len(result.Succeeded))
	for _, o := range result.Succeeded {
		if o.Record == nil {
			continue
		}
		o.Record.Quality = res.Tier()
		records = append(records, o.Record)
	}

	invocationID := r.idFunc()
	written, err := r.wh.WriteResults(ctx, phase.OutputTable, invocationID, records)
	if err != nil {
		return nil, err
	}
	if _, err := r.wh.RecordFingerprints(ctx, invocationID, records); err != nil {
		return nil, err
	}

	if err := r.sinkFailures(ctx, spec.processor, result); err != nil {
		return nil, err
	}

	status := processorStatus(result)
	if r.emit != nil {
		ev := model.PhaseCompletionEvent{
			PhaseID:     phase.ID,
			TargetDate:  cmd.TargetDate,
			ProcessorID: spec.processor,
			Status:      status,
			OutputTable: phase.OutputTable,
			RecordCount: written,
			EmittedAt:   r.nowFunc().UTC(),
		}
		if err := r.emit(ctx, ev); err != nil {
			return nil, eris.Wrapf(err, "runner: emit completion for %s", spec.processor)
		}
	}

	return &ProcessorSummary{
		Processor: spec.processor,
		Status:    status,
		Succeeded: len(result.Succeeded),
		Failed:    len(result.Failed),
		Skipped:   result.SkipCount,
		Written:   written,
	}, nil
}

// preloadFor builds the coordinator's one-shot shared preload for a
// processor spec.
func (r *Runner) preloadFor(spec processorSpec, res *model.CompletenessResult) batch.PreloadFunc {
	return func(ctx context.Context, date model.Date, entityIDs []string) (*model.SharedContext, error) {
		shared := &model.SharedContext{
			TargetDate:   date,
			Completeness: res,
			PerEntity:    make(map[string]model.EntityContext, len(entityIDs)),
		}

		facts, err := r.wh.ScheduleFacts(ctx, date, entityIDs)
		if err != nil {
			return nil, err
		}
		fps, err := r.wh.Fingerprints(ctx, spec.upstream, spec.processor, date, entityIDs)
		if err != nil {
			return nil, err
		}

		var history map[string][]model.StatRecord
		if spec.historyTable != "" {
			history, err = r.wh.History(ctx, spec.historyTable, date, spec.lookbackDays, entityIDs)
			if err != nil {
				return nil, err
			}
		}
		var raw map[string]map[string]any
		if spec.needsRaw {
			raw, err = r.wh.RawBoxscores(ctx, date, entityIDs)
			if err != nil {
				return nil, err
			}
		}
		var dayRecords map[string]model.StatRecord
		if spec.dayTable != "" {
			dayRecords, err = r.wh.DayRecords(ctx, spec.dayTable, spec.dayProcessor, date, entityIDs)
			if err != nil {
				return nil, err
			}
		}

		for _, id := range entityIDs {
			ec := model.EntityContext{
				EntityID:      id,
				ScheduleFacts: facts[id],
				History:       history[id],
				Raw:           raw[id],
			}
			if pair, ok := fps[id]; ok {
				ec.UpstreamHash = pair.UpstreamHash
				ec.LastProcessedHash = pair.LastProcessedHash
			}
			if rec, ok := dayRecords[id]; ok {
				ec.DayRecord = &rec
			}
			shared.PerEntity[id] = ec
		}
		return shared, nil
	}
}

// sinkFailures persists entity failures and reports aggregate counts
// per category to the notifier.
func (r *Runner) sinkFailures(ctx context.Context, proc model.ProcessorID, result *model.BatchResult) error {
	if len(result.Failed) == 0 {
		return nil
	}

	failures := make([]model.FailureRecord, 0, len(result.Failed))
	byCategory := make(map[model.FailureCategory]int)
	for _, o := range result.Failed {
		if o.Failure == nil {
			continue
		}
		failures = append(failures, *o.Failure)
		byCategory[o.Failure.Category]++
	}
	if err := r.wh.AppendFailures(ctx, failures); err != nil {
		return err
	}

	if r.notifier != nil {
		for cat, count := range byCategory {
			r.notifier.Report(ctx,
				fmt.Sprintf("batch:%s:%s", proc, cat),
				"high",
				fmt.Sprintf("%d entities failed with %s in %s batch for %s",
					count, cat, proc, result.TargetDate),
				map[string]any{
					"processor": string(proc),
					"category":  string(cat),
					"count":     count,
				},
			)
		}
	}
	return nil
}

// emitAll sends one completion event per in-process producer of the
// phase with the given status. Used for phase-level outcomes (empty
// slate, gate block) where no batch ran for any producer.
func (r *Runner) emitAll(ctx context.Context, log *zap.Logger, phase model.PhaseDefinition, specs []processorSpec, cmd model.PhaseStartCommand, status model.RunStatus) {
	if r.emit == nil {
		return
	}
	for _, spec := range specs {
		ev := model.PhaseCompletionEvent{
			PhaseID:     phase.ID,
			TargetDate:  cmd.TargetDate,
			ProcessorID: spec.processor,
			Status:      status,
			OutputTable: phase.OutputTable,
			EmittedAt:   r.nowFunc().UTC(),
		}
		if err := r.emit(ctx, ev); err != nil {
			log.Error("failed to emit completion event",
				zap.String("processor", string(spec.processor)), zap.Error(err))
		}
	}
}

// gateFailed records a phase-level failure and terminates the
// invocation as failed.
func (r *Runner) gateFailed(ctx context.Context, log *zap.Logger, runID int64, phase model.PhaseDefinition, specs []processorSpec, cmd model.PhaseStartCommand, res *model.CompletenessResult, summary *Summary, gateErr error) (*Summary, error) {
	log.Warn("phase gated on missing critical dependencies",
		zap.Strings("missing", res.MissingDependencies))

	failure := model.NewFailure("", "", cmd.TargetDate,
		model.FailureMissingCriticalDependency,
		fmt.Sprintf("phase %s gated: missing %s", phase.ID, strings.Join(res.MissingDependencies, ", ")),
		true)
	failure.Processor = model.ProcessorID(phase.ID)
	if err := r.wh.AppendFailures(ctx, []model.FailureRecord{failure}); err != nil {
		log.Error("failed to record gate failure", zap.Error(err))
	}

	if r.notifier != nil {
		r.notifier.Report(ctx,
			fmt.Sprintf("gate:%s", phase.ID),
			"high",
			fmt.Sprintf("Phase %s blocked for %s: %s", phase.ID, cmd.TargetDate, gateErr.Error()),
			map[string]any{"missing": res.MissingDependencies},
		)
	}

	// Phase-level failures surface as failed completion events too, so
	// the orchestrator sees the outcome instead of silence. The
	// dispatcher does not count them toward the producer set.
	r.emitAll(ctx, log, phase, specs, cmd, model.RunFailed)

	summary.Status = model.RunFailed
	summary.Error = gateErr.Error()
	r.finishRun(ctx, runID, model.RunFailed, summary, gateErr.Error())
	return summary, gateErr
}

func (r *Runner) finishRun(ctx context.Context, runID int64, status model.RunStatus, summary *Summary, errMsg string) {
	var succ, fail, skip int64
	for _, p := range summary.Processors {
		succ += int64(p.Succeeded)
		fail += int64(p.Failed)
		skip += int64(p.Skipped)
	}
	if err := r.wh.CompleteRun(ctx, runID, status, succ, fail, skip, errMsg); err != nil {
		zap.L().Error("runner: failed to close run log entry",
			zap.Int64("run_id", runID), zap.Error(err))
	}
}

func processorStatus(result *model.BatchResult) model.RunStatus {
	switch {
	case len(result.Failed) == 0:
		return model.RunSuccess
	case len(result.Succeeded) == 0:
		return model.RunFailed
	default:
		return model.RunPartial
	}
}

func overallStatus(procs []ProcessorSummary) model.RunStatus {
	allFailed, anyTrouble := true, false
	for _, p := range procs {
		if p.Status != model.RunFailed {
			allFailed = false
		}
		if p.Status != model.RunSuccess {
			anyTrouble = true
		}
	}
	switch {
	case allFailed:
		return model.RunFailed
	case anyTrouble:
		return model.RunPartial
	default:
		return model.RunSuccess
	}
}
