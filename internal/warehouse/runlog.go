package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/courtdata/pipeline-cli/internal/db"
	"github.com/courtdata/pipeline-cli/internal/model"
)

// RunEntry is a row in the phase_runs processing log.
type RunEntry struct {
	ID          int64           `json:"id"`
	Phase       model.PhaseID   `json:"phase"`
	TargetDate  model.Date      `json:"target_date"`
	Status      model.RunStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Succeeded   int64           `json:"succeeded"`
	Failed      int64           `json:"failed"`
	Skipped     int64           `json:"skipped"`
	Error       string          `json:"error,omitempty"`
}

// StartRun records the beginning of a phase invocation and returns its id.
func (w *Warehouse) StartRun(ctx context.Context, phase model.PhaseID, date model.Date) (int64, error) {
	query := fmt.Sprintf(
		`INSERT INTO %s (phase, game_date, status, started_at)
		 VALUES ($1, $2, 'running', now()) RETURNING id`,
		w.table("phase_runs"),
	)

	var id int64
	if err := w.pool.QueryRow(ctx, query, string(phase), date.String()).Scan(&id); err != nil {
		return 0, eris.Wrapf(err, "runlog: start run for %s", phase)
	}
	return id, nil
}

// CompleteRun marks a phase invocation terminal. A phase invocation
// always ends success, partial, or failed, never silent.
func (w *Warehouse) CompleteRun(ctx context.Context, runID int64, status model.RunStatus, succeeded, failed, skipped int64, runErr string) error {
	query := fmt.Sprintf(
		`UPDATE %s
		 SET status = $1, completed_at = now(), succeeded = $2, failed = $3, skipped = $4, error = $5
		 WHERE id = $6`,
		w.table("phase_runs"),
	)

	tag, err := w.pool.Exec(ctx, query, string(status), succeeded, failed, skipped, runErr, runID)
	if err != nil {
		return eris.Wrapf(err, "runlog: complete run %d", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("runlog: complete run %d: no such run", runID)
	}
	return nil
}

// RecentRuns lists the most recent phase invocations for a date.
func (w *Warehouse) RecentRuns(ctx context.Context, date model.Date, limit int) ([]RunEntry, error) {
	query := fmt.Sprintf(
		`SELECT id, phase, game_date, status, started_at, completed_at, succeeded, failed, skipped, coalesce(error, '')
		 FROM %s WHERE game_date = $1 ORDER BY started_at DESC LIMIT $2`,
		w.table("phase_runs"),
	)

	rows, err := w.pool.Query(ctx, query, date.String(), limit)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: recent runs")
	}
	defer rows.Close()

	var out []RunEntry
	for rows.Next() {
		var e RunEntry
		var phase, status, gameDate string
		if err := rows.Scan(&e.ID, &phase, &gameDate, &status, &e.StartedAt, &e.CompletedAt, &e.Succeeded, &e.Failed, &e.Skipped, &e.Error); err != nil {
			return nil, eris.Wrap(err, "runlog: scan run row")
		}
		e.Phase = model.PhaseID(phase)
		e.Status = model.RunStatus(status)
		d, err := model.ParseDate(gameDate)
		if err != nil {
			return nil, err
		}
		e.TargetDate = d
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "runlog: iterate run rows")
	}
	return out, nil
}

// LastRunSucceeded reports whether the most recent completed run of a
// (phase, date) finished success. A date with no scheduled entities
// produces a clean run and an untouched output table, so the run log
// is the authority on whether an empty output means trouble.
func (w *Warehouse) LastRunSucceeded(ctx context.Context, phase model.PhaseID, date model.Date) (bool, error) {
	query := fmt.Sprintf(
		`SELECT status FROM %s
		 WHERE phase = $1 AND game_date = $2 AND completed_at IS NOT NULL
		 ORDER BY started_at DESC LIMIT 1`,
		w.table("phase_runs"),
	)

	var status string
	err := w.pool.QueryRow(ctx, query, string(phase), date.String()).Scan(&status)
	if db.IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "runlog: last run status for %s", phase)
	}
	return model.RunStatus(status) == model.RunSuccess, nil
}

// RetryCount returns how many self-heal retriggers have been recorded
// for a (phase, date).
func (w *Warehouse) RetryCount(ctx context.Context, phase model.PhaseID, date model.Date) (int, error) {
	query := fmt.Sprintf(
		`SELECT count(*) FROM %s WHERE phase = $1 AND game_date = $2`,
		w.table("phase_runs"),
	)

	var n int
	if err := w.pool.QueryRow(ctx, query, string(phase), date.String()).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "runlog: retry count for %s", phase)
	}
	return n, nil
}
