package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/courtdata/pipeline-cli/internal/model"
)

// CheckResult is the raw answer to one dependency query: how many rows
// exist for the requested range and when the newest one was written.
type CheckResult struct {
	RowCount   int64
	MaxUpdated time.Time
}

// CheckDependency issues the read-only query for one requirement against
// its upstream table: row count plus max(updated_at) for the date range
// implied by the check kind.
func (w *Warehouse) CheckDependency(ctx context.Context, req model.DependencyRequirement, date model.Date) (CheckResult, error) {
	var from, to model.Date
	switch req.Check {
	case model.CheckExactDate, model.CheckMinRows:
		from, to = date, date
	case model.CheckLookback:
		from, to = date.AddDays(-req.LookbackDays), date
	default:
		return CheckResult{}, eris.Errorf("warehouse: unknown check kind %q", req.Check)
	}

	query := fmt.Sprintf(
		`SELECT count(*), coalesce(max(updated_at), 'epoch'::timestamptz)
		 FROM %s WHERE game_date BETWEEN $1 AND $2`,
		w.table(req.Table),
	)

	var res CheckResult
	err := w.pool.QueryRow(ctx, query, from.String(), to.String()).Scan(&res.RowCount, &res.MaxUpdated)
	if err != nil {
		return CheckResult{}, eris.Wrapf(err, "warehouse: dependency check %s on %s", req.Name, req.Table)
	}
	return res, nil
}

// OutputExists reports whether a phase's expected output is present for
// the date. Used by the self-healing scheduler's delayed re-check.
func (w *Warehouse) OutputExists(ctx context.Context, outputTable string, date model.Date) (bool, error) {
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE game_date = $1`, w.table(outputTable))

	var n int64
	if err := w.pool.QueryRow(ctx, query, date.String()).Scan(&n); err != nil {
		return false, eris.Wrapf(err, "warehouse: output check on %s", outputTable)
	}
	return n > 0, nil
}
