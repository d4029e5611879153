package orchestrate

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/courtdata/pipeline-cli/internal/db"
	"github.com/courtdata/pipeline-cli/internal/model"
)

// PostgresStateStore keeps completion state in a phase_completion table.
// Atomicity comes from single-statement upserts and a conditional
// update, never from client-side locking.
type PostgresStateStore struct {
	pool db.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool db.Pool) *PostgresStateStore {
	return &PostgresStateStore{pool: pool}
}

// OpenPostgres connects and ensures the state table exists.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStateStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "state: connect postgres")
	}
	s := &PostgresStateStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

const postgresStateTable = `
CREATE TABLE IF NOT EXISTS phase_completion (
	target_date         date        NOT NULL,
	phase_id            text        NOT NULL,
	completed_producers jsonb       NOT NULL DEFAULT '[]',
	triggered           boolean     NOT NULL DEFAULT false,
	updated_at          timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (target_date, phase_id)
)`

// Migrate creates the state table if needed.
func (s *PostgresStateStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresStateTable)
	return eris.Wrap(err, "state: create phase_completion")
}

func (s *PostgresStateStore) Get(ctx context.Context, date model.Date, phase model.PhaseID) (*model.PhaseCompletionState, error) {
	state := &model.PhaseCompletionState{TargetDate: date, PhaseID: phase}

	var producers []byte
	err := s.pool.QueryRow(ctx,
		`SELECT completed_producers, triggered, updated_at
		 FROM phase_completion WHERE target_date = $1 AND phase_id = $2`,
		date.String(), string(phase),
	).Scan(&producers, &state.Triggered, &state.UpdatedAt)
	if db.IsNoRows(err) {
		return state, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "state: get %s/%s", date, phase)
	}
	if err := json.Unmarshal(producers, &state.CompletedProducers); err != nil {
		return nil, eris.Wrap(err, "state: decode completed_producers")
	}
	return state, nil
}

func (s *PostgresStateStore) MarkProducerDone(ctx context.Context, date model.Date, phase model.PhaseID, producer model.ProcessorID) (*model.PhaseCompletionState, error) {
	state := &model.PhaseCompletionState{TargetDate: date, PhaseID: phase}

	var producers []byte
	err := s.pool.QueryRow(ctx,
		`INSERT INTO phase_completion (target_date, phase_id, completed_producers, triggered, updated_at)
		 VALUES ($1, $2, jsonb_build_array($3::text), false, now())
		 ON CONFLICT (target_date, phase_id) DO UPDATE SET
		   completed_producers = CASE
		     WHEN phase_completion.completed_producers ? $3::text THEN phase_completion.completed_producers
		     ELSE phase_completion.completed_producers || to_jsonb($3::text)
		   END,
		   updated_at = now()
		 RETURNING completed_producers, triggered, updated_at`,
		date.String(), string(phase), string(producer),
	).Scan(&producers, &state.Triggered, &state.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "state: mark %s done for %s/%s", producer, date, phase)
	}
	if err := json.Unmarshal(producers, &state.CompletedProducers); err != nil {
		return nil, eris.Wrap(err, "state: decode completed_producers")
	}
	return state, nil
}

func (s *PostgresStateStore) TryMarkTriggered(ctx context.Context, date model.Date, phase model.PhaseID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE phase_completion SET triggered = true, updated_at = now()
		 WHERE target_date = $1 AND phase_id = $2 AND triggered = false`,
		date.String(), string(phase),
	)
	if err != nil {
		return false, eris.Wrapf(err, "state: mark triggered %s/%s", date, phase)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStateStore) Close() error {
	s.pool.Close()
	return nil
}
