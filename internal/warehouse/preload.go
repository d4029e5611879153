package warehouse

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/courtdata/pipeline-cli/internal/model"
)

// ActiveEntities returns the entity ids with a scheduled game on the
// date: the batch population for every per-player phase.
func (w *Warehouse) ActiveEntities(ctx context.Context, date model.Date) ([]string, error) {
	query := fmt.Sprintf(
		`SELECT DISTINCT entity_id FROM %s WHERE game_date = $1 ORDER BY entity_id`,
		w.table("raw_schedule"),
	)

	rows, err := w.pool.Query(ctx, query, date.String())
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: active entities")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan entity id")
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "warehouse: iterate entity ids")
	}
	return out, nil
}

// History loads every entity's trailing window from the given table in
// one query, grouped by entity. This is the expensive shared query the
// coordinator pays exactly once per batch.
func (w *Warehouse) History(ctx context.Context, table string, date model.Date, lookbackDays int, entityIDs []string) (map[string][]model.StatRecord, error) {
	if len(entityIDs) == 0 {
		return map[string][]model.StatRecord{}, nil
	}

	query := fmt.Sprintf(
		`SELECT game_date, entity_id, processor,
		        minutes, points, rebounds, assists, usage_rate,
		        metrics, projected, fingerprint, quality
		 FROM %s
		 WHERE game_date BETWEEN $1 AND $2 AND entity_id = ANY($3)
		 ORDER BY entity_id, game_date`,
		w.table(table),
	)

	from := date.AddDays(-lookbackDays)
	rows, err := w.pool.Query(ctx, query, from.String(), date.AddDays(-1).String(), entityIDs)
	if err != nil {
		return nil, eris.Wrapf(err, "warehouse: history from %s", table)
	}
	defer rows.Close()

	out := make(map[string][]model.StatRecord, len(entityIDs))
	for rows.Next() {
		var r model.StatRecord
		var gameDate, proc, quality string
		var metricsJSON []byte
		if err := rows.Scan(&gameDate, &r.EntityID, &proc,
			&r.Minutes, &r.Points, &r.Rebounds, &r.Assists, &r.Usage,
			&metricsJSON, &r.Projected, &r.Fingerprint, &quality); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan history row")
		}
		d, err := model.ParseDate(gameDate)
		if err != nil {
			return nil, err
		}
		r.TargetDate = d
		r.Processor = model.ProcessorID(proc)
		r.Quality = model.QualityTier(quality)
		if len(metricsJSON) > 0 {
			if err := json.Unmarshal(metricsJSON, &r.Metrics); err != nil {
				return nil, eris.Wrapf(err, "warehouse: unmarshal metrics for %s", r.EntityID)
			}
		}
		out[r.EntityID] = append(out[r.EntityID], r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "warehouse: iterate history rows")
	}
	return out, nil
}

// RawBoxscores loads each entity's raw boxscore payload for the date in
// one query. The normalization phase parses these into stat records.
func (w *Warehouse) RawBoxscores(ctx context.Context, date model.Date, entityIDs []string) (map[string]map[string]any, error) {
	if len(entityIDs) == 0 {
		return map[string]map[string]any{}, nil
	}

	query := fmt.Sprintf(
		`SELECT entity_id, payload FROM %s WHERE game_date = $1 AND entity_id = ANY($2)`,
		w.table("raw_boxscores"),
	)

	rows, err := w.pool.Query(ctx, query, date.String(), entityIDs)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: raw boxscores")
	}
	defer rows.Close()

	out := make(map[string]map[string]any, len(entityIDs))
	for rows.Next() {
		var id string
		var payloadJSON []byte
		if err := rows.Scan(&id, &payloadJSON); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan boxscore row")
		}
		payload := map[string]any{}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &payload); err != nil {
				return nil, eris.Wrapf(err, "warehouse: unmarshal boxscore for %s", id)
			}
		}
		out[id] = payload
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "warehouse: iterate boxscore rows")
	}
	return out, nil
}

// DayRecords loads each entity's record from a stat table for the
// target date itself, unlike History which stops the day before. The
// publish phase uses it to pick up the predictions it republishes.
func (w *Warehouse) DayRecords(ctx context.Context, table string, processor model.ProcessorID, date model.Date, entityIDs []string) (map[string]model.StatRecord, error) {
	if len(entityIDs) == 0 {
		return map[string]model.StatRecord{}, nil
	}

	query := fmt.Sprintf(
		`SELECT game_date, entity_id, processor,
		        minutes, points, rebounds, assists, usage_rate,
		        metrics, projected, fingerprint, quality
		 FROM %s
		 WHERE game_date = $1 AND processor = $2 AND entity_id = ANY($3)`,
		w.table(table),
	)

	rows, err := w.pool.Query(ctx, query, date.String(), string(processor), entityIDs)
	if err != nil {
		return nil, eris.Wrapf(err, "warehouse: day records from %s", table)
	}
	defer rows.Close()

	out := make(map[string]model.StatRecord, len(entityIDs))
	for rows.Next() {
		var r model.StatRecord
		var gameDate, proc, quality string
		var metricsJSON []byte
		if err := rows.Scan(&gameDate, &r.EntityID, &proc,
			&r.Minutes, &r.Points, &r.Rebounds, &r.Assists, &r.Usage,
			&metricsJSON, &r.Projected, &r.Fingerprint, &quality); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan day record")
		}
		d, err := model.ParseDate(gameDate)
		if err != nil {
			return nil, err
		}
		r.TargetDate = d
		r.Processor = model.ProcessorID(proc)
		r.Quality = model.QualityTier(quality)
		if len(metricsJSON) > 0 {
			if err := json.Unmarshal(metricsJSON, &r.Metrics); err != nil {
				return nil, eris.Wrapf(err, "warehouse: unmarshal metrics for %s", r.EntityID)
			}
		}
		out[r.EntityID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "warehouse: iterate day records")
	}
	return out, nil
}

// ScheduleFacts loads per-entity schedule facts (opponent, venue, rest
// days) for the date in one query.
func (w *Warehouse) ScheduleFacts(ctx context.Context, date model.Date, entityIDs []string) (map[string]map[string]any, error) {
	if len(entityIDs) == 0 {
		return map[string]map[string]any{}, nil
	}

	query := fmt.Sprintf(
		`SELECT entity_id, facts FROM %s WHERE game_date = $1 AND entity_id = ANY($2)`,
		w.table("raw_schedule"),
	)

	rows, err := w.pool.Query(ctx, query, date.String(), entityIDs)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: schedule facts")
	}
	defer rows.Close()

	out := make(map[string]map[string]any, len(entityIDs))
	for rows.Next() {
		var id string
		var factsJSON []byte
		if err := rows.Scan(&id, &factsJSON); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan schedule row")
		}
		facts := map[string]any{}
		if len(factsJSON) > 0 {
			if err := json.Unmarshal(factsJSON, &facts); err != nil {
				return nil, eris.Wrapf(err, "warehouse: unmarshal schedule facts for %s", id)
			}
		}
		out[id] = facts
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "warehouse: iterate schedule rows")
	}
	return out, nil
}
