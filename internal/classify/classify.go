// Package classify labels incomplete-data failures by cross-checking an
// independent low-level source: did the entity's expected activity
// actually occur, and is the missing data still missing?
package classify

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/courtdata/pipeline-cli/internal/model"
)

// Source is the warehouse surface the classifier needs: the independent
// event log plus a presence check against the failed processor's own
// output table.
type Source interface {
	QualifyingEvents(ctx context.Context, entityID string, date model.Date) (int64, error)
	HasRecord(ctx context.Context, outputTable string, processor model.ProcessorID, entityID string, date model.Date) (bool, error)
	UnclassifiedFailures(ctx context.Context, from, to model.Date, limit int) ([]model.FailureRecord, error)
	Reclassify(ctx context.Context, id int64, class model.Classification, canRetry bool, now time.Time) error
}

// Classifier cross-checks failure records against the event log.
type Classifier struct {
	src Source
	// outputTables maps each processor to the table its output lands in.
	outputTables map[model.ProcessorID]string

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a Classifier.
func New(src Source, outputTables map[model.ProcessorID]string) *Classifier {
	return &Classifier{
		src:          src,
		outputTables: outputTables,
		nowFunc:      time.Now,
	}
}

// Outcome is the result of classifying one failure record.
type Outcome struct {
	Classification model.Classification
	CanRetry       bool
}

// Classify labels one failure record:
//   - no qualifying activity in the event log → DID_NOT_OCCUR, expected
//     absence, can_retry=false
//   - activity occurred and the processor's output now exists → the
//     failure record was stale at check time: FALSE_POSITIVE, resolved
//     without reprocessing
//   - activity occurred but the data is still missing → REAL_GAP,
//     can_retry=true, eligible for automatic reprocessing
func (c *Classifier) Classify(ctx context.Context, rec model.FailureRecord) (Outcome, error) {
	events, err := c.src.QualifyingEvents(ctx, rec.EntityID, rec.TargetDate)
	if err != nil {
		return Outcome{}, eris.Wrapf(err, "classify: event lookup for %s", rec.EntityID)
	}

	if events == 0 {
		return Outcome{Classification: model.ClassDidNotOccur, CanRetry: false}, nil
	}

	table, ok := c.outputTables[rec.Processor]
	if !ok {
		return Outcome{}, eris.Errorf("classify: no output table known for processor %q", rec.Processor)
	}
	present, err := c.src.HasRecord(ctx, table, rec.Processor, rec.EntityID, rec.TargetDate)
	if err != nil {
		return Outcome{}, eris.Wrapf(err, "classify: presence check for %s", rec.EntityID)
	}

	if present {
		return Outcome{Classification: model.ClassFalsePositive, CanRetry: false}, nil
	}
	return Outcome{Classification: model.ClassRealGap, CanRetry: true}, nil
}

// BacklogResult summarizes one reclassification sweep.
type BacklogResult struct {
	Processed     int
	DidNotOccur   int
	RealGaps      int
	FalsePositive int
	Errors        int
}

// RunBacklog classifies unclassified failure records for a date range in
// pages of batchSize, updating each in place. Idempotent: a record
// classified once leaves the unclassified set, so re-running resumes
// where the last sweep stopped. Individual lookup errors skip the
// record and leave it unclassified for the next sweep.
func (c *Classifier) RunBacklog(ctx context.Context, from, to model.Date, batchSize int) (BacklogResult, error) {
	log := zap.L().With(zap.String("component", "classify"))
	if batchSize <= 0 {
		batchSize = 100
	}

	var res BacklogResult
	for {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "classify: backlog interrupted")
		}

		page, err := c.src.UnclassifiedFailures(ctx, from, to, batchSize)
		if err != nil {
			return res, eris.Wrap(err, "classify: list backlog page")
		}
		if len(page) == 0 {
			break
		}

		pageProcessed := 0
		for _, rec := range page {
			out, err := c.Classify(ctx, rec)
			if err != nil {
				res.Errors++
				log.Warn("classification failed, leaving record unclassified",
					zap.Int64("id", rec.ID),
					zap.String("entity", rec.EntityID),
					zap.Error(err),
				)
				continue
			}

			if err := c.src.Reclassify(ctx, rec.ID, out.Classification, out.CanRetry, c.nowFunc().UTC()); err != nil {
				res.Errors++
				log.Warn("reclassify write failed", zap.Int64("id", rec.ID), zap.Error(err))
				continue
			}

			res.Processed++
			pageProcessed++
			switch out.Classification {
			case model.ClassDidNotOccur:
				res.DidNotOccur++
			case model.ClassRealGap:
				res.RealGaps++
			case model.ClassFalsePositive:
				res.FalsePositive++
			}
		}

		// A page with no successful reclassifies would return the same
		// records forever; stop and let the next sweep retry them.
		if pageProcessed == 0 {
			break
		}
		if len(page) < batchSize {
			break
		}
	}

	log.Info("backlog sweep complete",
		zap.Int("processed", res.Processed),
		zap.Int("did_not_occur", res.DidNotOccur),
		zap.Int("real_gaps", res.RealGaps),
		zap.Int("false_positives", res.FalsePositive),
		zap.Int("errors", res.Errors),
	)
	return res, nil
}
