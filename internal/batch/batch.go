// Package batch implements the coordinator/worker-pool pattern for
// per-entity work: shared context is pre-loaded exactly once, entities
// fan out to a bounded pool, and every entity reaches a terminal state.
package batch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/courtdata/pipeline-cli/internal/config"
	"github.com/courtdata/pipeline-cli/internal/hash"
	"github.com/courtdata/pipeline-cli/internal/model"
	"github.com/courtdata/pipeline-cli/internal/resilience"
)

// PreloadFunc performs the expensive queries whose cost is shared
// across entities. The coordinator calls it exactly once per batch.
type PreloadFunc func(ctx context.Context, date model.Date, entityIDs []string) (*model.SharedContext, error)

// ComputeFunc performs one entity's pure computation using only the
// data embedded in its work item. Implementations must not query
// shared resources: per-worker shared queries multiply cost linearly
// with entity count.
type ComputeFunc func(item model.WorkItem) (*model.StatRecord, error)

// IncompleteDataError marks a compute failure caused by missing input
// rather than a bug. It produces an INCOMPLETE_DATA failure record that
// the classifier later labels.
type IncompleteDataError struct {
	Reason string
}

func (e *IncompleteDataError) Error() string {
	return e.Reason
}

// Coordinator runs batches for one processor.
type Coordinator struct {
	processor model.ProcessorID
	breaker   *resilience.EntityBreaker
	cfg       config.BatchConfig

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCoordinator creates a Coordinator for a processor.
func NewCoordinator(processor model.ProcessorID, breaker *resilience.EntityBreaker, cfg config.BatchConfig) *Coordinator {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 50
	}
	return &Coordinator{
		processor: processor,
		breaker:   breaker,
		cfg:       cfg,
		nowFunc:   time.Now,
	}
}

// Run pre-loads shared context once, partitions entities into work
// items, and processes them on a bounded worker pool. Every submitted
// entity appears in exactly one of Succeeded or Failed in the result,
// none dropped and none duplicated. The batch closes when all items are
// terminal or the wall-clock budget elapses; remaining entities are
// then marked TIMEOUT (retryable) rather than left open.
func (c *Coordinator) Run(ctx context.Context, date model.Date, entityIDs []string, preload PreloadFunc, compute ComputeFunc) (*model.BatchResult, error) {
	log := zap.L().With(
		zap.String("component", "batch"),
		zap.String("processor", string(c.processor)),
		zap.String("date", date.String()),
	)
	start := c.nowFunc()

	shared, err := c.preload(ctx, date, entityIDs, preload)
	if err != nil {
		return nil, err
	}

	wb := model.NewWorkBatch(c.processor, date, entityIDs, shared)
	items := wb.Items()

	log.Info("batch starting",
		zap.Stringer("batch_id", wb.ID),
		zap.Int("entities", len(items)),
		zap.Int("workers", c.poolWidth(len(items))),
	)

	batchCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.WallClockBudget > 0 {
		batchCtx, cancel = context.WithTimeout(ctx, c.cfg.WallClockBudget)
		defer cancel()
	}

	outcomes := make(chan model.EntityOutcome, len(items))
	var done atomic.Int64

	g := &errgroup.Group{}
	g.SetLimit(c.poolWidth(len(items)))

	for _, item := range items {
		g.Go(func() error {
			outcomes <- c.processOne(batchCtx, item, compute)

			if n := done.Add(1); int(n)%c.cfg.ProgressEvery == 0 {
				c.logProgress(log, int(n), len(items), start)
			}
			return nil
		})
	}

	// Workers never return errors; failures travel as typed outcomes.
	_ = g.Wait()
	close(outcomes)

	result := &model.BatchResult{
		BatchID:    wb.ID,
		Processor:  c.processor,
		TargetDate: date,
	}
	for o := range outcomes {
		if o.Succeeded() {
			result.Succeeded = append(result.Succeeded, o)
			if o.Skipped {
				result.SkipCount++
			}
		} else {
			result.Failed = append(result.Failed, o)
		}
	}
	result.Elapsed = c.nowFunc().Sub(start)

	log.Info("batch complete",
		zap.Stringer("batch_id", wb.ID),
		zap.Int("succeeded", len(result.Succeeded)),
		zap.Int("failed", len(result.Failed)),
		zap.Int("skipped", result.SkipCount),
		zap.Duration("elapsed", result.Elapsed),
	)
	return result, nil
}

// preload runs the shared queries once under their own timeout.
func (c *Coordinator) preload(ctx context.Context, date model.Date, entityIDs []string, preload PreloadFunc) (*model.SharedContext, error) {
	preloadCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.PreloadTimeout > 0 {
		preloadCtx, cancel = context.WithTimeout(ctx, c.cfg.PreloadTimeout)
		defer cancel()
	}

	shared, err := preload(preloadCtx, date, entityIDs)
	if err != nil {
		return nil, eris.Wrapf(err, "batch: shared preload for %s", c.processor)
	}
	return shared, nil
}

// processOne takes one work item to a terminal outcome. It never lets a
// panic or error escape: anything unexpected becomes a typed failure.
func (c *Coordinator) processOne(ctx context.Context, item model.WorkItem, compute ComputeFunc) (out model.EntityOutcome) {
	out.EntityID = item.EntityID

	// Budget exhausted before this entity started.
	if ctx.Err() != nil {
		f := model.NewFailure(c.processor, item.EntityID, item.TargetDate,
			model.FailureTimeout, "batch wall-clock budget exceeded", true)
		out.Failure = &f
		return out
	}

	// Known-bad entity: short-circuit without attempting real work.
	if c.breaker != nil && c.breaker.ShouldSkip(c.processor, item.EntityID) {
		f := model.NewFailure(c.processor, item.EntityID, item.TargetDate,
			model.FailureCircuitBreakerActive, "entity suppressed by circuit breaker", true)
		out.Failure = &f
		return out
	}

	// Upstream unchanged since our last run: pure win, no recompute.
	if hash.Unchanged(item.Context.UpstreamHash, item.Context.LastProcessedHash) {
		out.Skipped = true
		return out
	}

	record, err := c.compute(item, compute)
	if err != nil {
		var f model.FailureRecord
		var incomplete *IncompleteDataError
		if eris.As(err, &incomplete) {
			f = model.NewFailure(c.processor, item.EntityID, item.TargetDate,
				model.FailureIncompleteData, incomplete.Reason, true)
		} else {
			f = model.NewFailure(c.processor, item.EntityID, item.TargetDate,
				model.FailureProcessingError, err.Error(), false)
		}
		out.Failure = &f
		if c.breaker != nil {
			c.breaker.RecordOutcome(c.processor, item.EntityID, false)
		}
		return out
	}

	out.Record = record
	if c.breaker != nil {
		c.breaker.RecordOutcome(c.processor, item.EntityID, true)
	}
	return out
}

// compute invokes the compute function with panic recovery.
func (c *Coordinator) compute(item model.WorkItem, compute ComputeFunc) (record *model.StatRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("worker panic recovered",
				zap.String("component", "batch"),
				zap.String("entity", item.EntityID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			record = nil
			err = eris.Errorf("panic during entity computation: %v", r)
		}
	}()

	record, err = compute(item)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, eris.New("compute returned neither record nor error")
	}

	record.Processor = c.processor
	record.EntityID = item.EntityID
	record.TargetDate = item.TargetDate
	record.UpstreamHash = item.Context.UpstreamHash
	record.Fingerprint = hash.Record(record)
	if record.ComputedAt.IsZero() {
		record.ComputedAt = c.nowFunc().UTC()
	}
	return record, nil
}

func (c *Coordinator) poolWidth(entities int) int {
	width := c.cfg.MaxWorkers
	if entities < width {
		width = entities
	}
	if width < 1 {
		width = 1
	}
	return width
}

func (c *Coordinator) logProgress(log *zap.Logger, done, total int, start time.Time) {
	elapsed := c.nowFunc().Sub(start)
	rate := float64(done) / elapsed.Seconds()
	var eta time.Duration
	if rate > 0 {
		eta = time.Duration(float64(total-done)/rate) * time.Second
	}
	log.Info("batch progress",
		zap.String("progress", fmt.Sprintf("%d/%d", done, total)),
		zap.Float64("rate_per_sec", rate),
		zap.Duration("eta", eta),
	)
}
