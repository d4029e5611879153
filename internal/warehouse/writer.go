package warehouse

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/courtdata/pipeline-cli/internal/db"
	"github.com/courtdata/pipeline-cli/internal/model"
	"github.com/courtdata/pipeline-cli/internal/resilience"
)

// statColumns is the column list for every stat output table. The
// conflict key (game_date, entity_id, processor) makes re-running the
// same unit of work replace rather than duplicate.
var statColumns = []string{
	"game_date", "entity_id", "processor",
	"minutes", "points", "rebounds", "assists", "usage_rate",
	"metrics", "projected",
	"fingerprint", "upstream_hash", "quality", "computed_at",
}

var statConflictKeys = []string{"game_date", "entity_id", "processor"}

// WriteResults persists a batch's records into the phase output table.
// Safe to call more than once with the same logical inputs: the staging
// merge replaces any prior row for the same (date, entity, processor)
// key. Write conflicts between overlapping invocations are retried,
// never dropped.
func (w *Warehouse) WriteResults(ctx context.Context, outputTable, invocationID string, records []*model.StatRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(records))
	for _, r := range records {
		metricsJSON, err := json.Marshal(r.Metrics)
		if err != nil {
			return 0, eris.Wrapf(err, "warehouse: marshal metrics for entity %s", r.EntityID)
		}
		rows = append(rows, []any{
			r.TargetDate.String(), r.EntityID, string(r.Processor),
			r.Minutes, r.Points, r.Rebounds, r.Assists, r.Usage,
			metricsJSON, r.Projected,
			r.Fingerprint, r.UpstreamHash, string(r.Quality), r.ComputedAt,
		})
	}

	cfg := resilience.DefaultRetryConfig()
	cfg.ShouldRetry = db.IsWriteConflict
	cfg.OnRetry = resilience.RetryLogger("warehouse", "write_results")

	n, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (int64, error) {
		return db.StagingMerge(ctx, w.pool, db.MergeConfig{
			Table:        w.table(outputTable),
			Columns:      statColumns,
			ConflictKeys: statConflictKeys,
			InvocationID: invocationID,
		}, rows)
	})
	if err != nil {
		return 0, eris.Wrapf(err, "warehouse: write results to %s", outputTable)
	}

	zap.L().Info("results written",
		zap.String("component", "warehouse"),
		zap.String("table", outputTable),
		zap.Int64("rows", n),
	)
	return n, nil
}
