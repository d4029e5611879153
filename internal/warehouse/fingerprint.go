package warehouse

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/courtdata/pipeline-cli/internal/db"
	"github.com/courtdata/pipeline-cli/internal/model"
)

// Fingerprints returns, for each entity, the pair of hashes the skip
// check needs: the upstream processor's current fingerprint and the
// fingerprint this processor consumed the last time it produced output.
// One query for the whole batch; workers never fetch these themselves.
func (w *Warehouse) Fingerprints(ctx context.Context, upstream, processor model.ProcessorID, date model.Date, entityIDs []string) (map[string]model.FingerprintPair, error) {
	if len(entityIDs) == 0 {
		return map[string]model.FingerprintPair{}, nil
	}

	query := fmt.Sprintf(
		`SELECT up.entity_id, up.fingerprint, coalesce(own.upstream_hash, '')
		 FROM %s up
		 LEFT JOIN %s own
		   ON own.entity_id = up.entity_id
		  AND own.game_date = up.game_date
		  AND own.processor = $3
		 WHERE up.game_date = $1 AND up.processor = $2 AND up.entity_id = ANY($4)`,
		w.table("fingerprints"), w.table("fingerprints"),
	)

	rows, err := w.pool.Query(ctx, query, date.String(), string(upstream), string(processor), entityIDs)
	if err != nil {
		return nil, eris.Wrapf(err, "warehouse: fingerprints for %s", processor)
	}
	defer rows.Close()

	out := make(map[string]model.FingerprintPair, len(entityIDs))
	for rows.Next() {
		var entityID, upstreamHash, lastProcessed string
		if err := rows.Scan(&entityID, &upstreamHash, &lastProcessed); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan fingerprint row")
		}
		out[entityID] = model.FingerprintPair{
			UpstreamHash:      upstreamHash,
			LastProcessedHash: lastProcessed,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "warehouse: iterate fingerprint rows")
	}
	return out, nil
}

// RecordFingerprints persists each produced record's own fingerprint and
// the upstream hash it consumed, keyed (date, entity, processor), via
// the idempotent staging merge.
func (w *Warehouse) RecordFingerprints(ctx context.Context, invocationID string, records []*model.StatRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, []any{
			r.TargetDate.String(), r.EntityID, string(r.Processor), r.Fingerprint, r.UpstreamHash,
		})
	}

	n, err := db.StagingMerge(ctx, w.pool, db.MergeConfig{
		Table:        w.table("fingerprints"),
		Columns:      []string{"game_date", "entity_id", "processor", "fingerprint", "upstream_hash"},
		ConflictKeys: []string{"game_date", "entity_id", "processor"},
		InvocationID: invocationID,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "warehouse: record fingerprints")
	}
	return n, nil
}
