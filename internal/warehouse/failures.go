package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/courtdata/pipeline-cli/internal/model"
)

// AppendFailures writes failure records to the append-only sink. A
// failed entity is never silently dropped; it either succeeds on a later
// run or stays here for classification.
func (w *Warehouse) AppendFailures(ctx context.Context, failures []model.FailureRecord) error {
	if len(failures) == 0 {
		return nil
	}

	query := fmt.Sprintf(
		`INSERT INTO %s
		   (processor, entity_id, game_date, failure_category, failure_reason, can_retry, classification, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.table("failure_records"),
	)

	for _, f := range failures {
		_, err := w.pool.Exec(ctx, query,
			string(f.Processor), f.EntityID, f.TargetDate.String(),
			string(f.Category), f.Reason, f.CanRetry, string(f.Classification), f.CreatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "warehouse: append failure for entity %s", f.EntityID)
		}
	}
	return nil
}

// UnclassifiedFailures returns a page of failure records awaiting
// classification, oldest first, for the backlog job.
func (w *Warehouse) UnclassifiedFailures(ctx context.Context, from, to model.Date, limit int) ([]model.FailureRecord, error) {
	query := fmt.Sprintf(
		`SELECT id, processor, entity_id, game_date, failure_category, failure_reason, can_retry, classification, created_at
		 FROM %s
		 WHERE classification = $1 AND game_date BETWEEN $2 AND $3
		 ORDER BY created_at ASC
		 LIMIT $4`,
		w.table("failure_records"),
	)

	rows, err := w.pool.Query(ctx, query, string(model.ClassUnclassified), from.String(), to.String(), limit)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: list unclassified failures")
	}
	defer rows.Close()

	var out []model.FailureRecord
	for rows.Next() {
		var f model.FailureRecord
		var proc, cat, class, gameDate string
		if err := rows.Scan(&f.ID, &proc, &f.EntityID, &gameDate, &cat, &f.Reason, &f.CanRetry, &class, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan failure row")
		}
		f.Processor = model.ProcessorID(proc)
		f.Category = model.FailureCategory(cat)
		f.Classification = model.Classification(class)
		d, err := model.ParseDate(gameDate)
		if err != nil {
			return nil, err
		}
		f.TargetDate = d
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "warehouse: iterate failure rows")
	}
	return out, nil
}

// Reclassify updates one failure record in place with its new
// classification and retry flag. Only the failure classifier and the
// explicit reclassification job ever mutate failure records.
func (w *Warehouse) Reclassify(ctx context.Context, id int64, class model.Classification, canRetry bool, now time.Time) error {
	query := fmt.Sprintf(
		`UPDATE %s SET classification = $1, can_retry = $2, classified_at = $3 WHERE id = $4`,
		w.table("failure_records"),
	)

	tag, err := w.pool.Exec(ctx, query, string(class), canRetry, now, id)
	if err != nil {
		return eris.Wrapf(err, "warehouse: reclassify failure %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("warehouse: reclassify failure %d: no such record", id)
	}
	return nil
}

// QualifyingEvents counts the entity's activity in the independent
// low-level event log for the date. The failure classifier uses this to
// tell expected absence from a real gap.
func (w *Warehouse) QualifyingEvents(ctx context.Context, entityID string, date model.Date) (int64, error) {
	query := fmt.Sprintf(
		`SELECT count(*) FROM %s WHERE entity_id = $1 AND game_date = $2`,
		w.table("game_events"),
	)

	var n int64
	if err := w.pool.QueryRow(ctx, query, entityID, date.String()).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "warehouse: qualifying events for %s", entityID)
	}
	return n, nil
}

// HasRecord reports whether the processor already has output for the
// entity on the date. This is the "data now actually present" side of
// the false-positive check.
func (w *Warehouse) HasRecord(ctx context.Context, outputTable string, processor model.ProcessorID, entityID string, date model.Date) (bool, error) {
	query := fmt.Sprintf(
		`SELECT count(*) FROM %s WHERE processor = $1 AND entity_id = $2 AND game_date = $3`,
		w.table(outputTable),
	)

	var n int64
	if err := w.pool.QueryRow(ctx, query, string(processor), entityID, date.String()).Scan(&n); err != nil {
		return false, eris.Wrapf(err, "warehouse: record check for %s", entityID)
	}
	return n > 0, nil
}

// BreakerActivity is one (processor, entity) pair's recent breaker
// suppressions from the failure sink.
type BreakerActivity struct {
	Processor model.ProcessorID `json:"processor"`
	EntityID  string            `json:"entity_id"`
	Count     int64             `json:"count"`
	LastSeen  time.Time         `json:"last_seen"`
}

// RecentBreakerActivity aggregates circuit-breaker suppressions written
// since the cutoff, newest first. Breaker state itself is in-memory per
// process; the failure sink is the durable record of what it did.
func (w *Warehouse) RecentBreakerActivity(ctx context.Context, since time.Time) ([]BreakerActivity, error) {
	query := fmt.Sprintf(
		`SELECT processor, entity_id, count(*), max(created_at)
		 FROM %s
		 WHERE failure_category = 'CIRCUIT_BREAKER_ACTIVE' AND created_at >= $1
		 GROUP BY processor, entity_id
		 ORDER BY max(created_at) DESC`,
		w.table("failure_records"),
	)

	rows, err := w.pool.Query(ctx, query, since)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: breaker activity")
	}
	defer rows.Close()

	var out []BreakerActivity
	for rows.Next() {
		var a BreakerActivity
		var proc string
		if err := rows.Scan(&proc, &a.EntityID, &a.Count, &a.LastSeen); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan breaker activity")
		}
		a.Processor = model.ProcessorID(proc)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "warehouse: iterate breaker activity")
	}
	return out, nil
}
