package orchestrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/courtdata/pipeline-cli/internal/model"
)

// SQLiteStateStore is the single-host state backend: useful for local
// runs and replay against a dataset prefix without touching the shared
// Postgres state. Atomicity comes from BEGIN IMMEDIATE transactions,
// which take the write lock up front.
type SQLiteStateStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the state database at path and
// configures WAL mode.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStateStore, error) {
	if path == "" {
		path = "pipeline-state.db"
	}
	if !strings.Contains(path, "?") {
		path += "?_txlock=immediate"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "state: open sqlite")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "state: exec %s", pragma)
		}
	}
	s := &SQLiteStateStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const sqliteStateMigration = `
CREATE TABLE IF NOT EXISTS phase_completion (
	target_date         TEXT    NOT NULL,
	phase_id            TEXT    NOT NULL,
	completed_producers TEXT    NOT NULL DEFAULT '[]',
	triggered           INTEGER NOT NULL DEFAULT 0,
	updated_at          DATETIME NOT NULL,
	PRIMARY KEY (target_date, phase_id)
);
`

func (s *SQLiteStateStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteStateMigration)
	return eris.Wrap(err, "state: migrate sqlite")
}

func (s *SQLiteStateStore) Get(ctx context.Context, date model.Date, phase model.PhaseID) (*model.PhaseCompletionState, error) {
	state := &model.PhaseCompletionState{TargetDate: date, PhaseID: phase}

	var producersJSON string
	row := s.db.QueryRowContext(ctx,
		`SELECT completed_producers, triggered, updated_at
		 FROM phase_completion WHERE target_date = ? AND phase_id = ?`,
		date.String(), string(phase),
	)
	err := row.Scan(&producersJSON, &state.Triggered, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return state, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "state: get %s/%s", date, phase)
	}
	if err := json.Unmarshal([]byte(producersJSON), &state.CompletedProducers); err != nil {
		return nil, eris.Wrap(err, "state: decode completed_producers")
	}
	return state, nil
}

func (s *SQLiteStateStore) MarkProducerDone(ctx context.Context, date model.Date, phase model.PhaseID, producer model.ProcessorID) (*model.PhaseCompletionState, error) {
	// _txlock=immediate makes this take the write lock up front, so the
	// read-modify-write below cannot interleave with another writer.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "state: begin")
	}
	defer tx.Rollback()

	state := &model.PhaseCompletionState{TargetDate: date, PhaseID: phase}
	var producersJSON string
	var triggered bool
	err = tx.QueryRowContext(ctx,
		`SELECT completed_producers, triggered FROM phase_completion
		 WHERE target_date = ? AND phase_id = ?`,
		date.String(), string(phase),
	).Scan(&producersJSON, &triggered)
	switch {
	case err == sql.ErrNoRows:
		producersJSON = "[]"
	case err != nil:
		return nil, eris.Wrapf(err, "state: read %s/%s", date, phase)
	}

	var producers []string
	if err := json.Unmarshal([]byte(producersJSON), &producers); err != nil {
		return nil, eris.Wrap(err, "state: decode completed_producers")
	}
	if !slices.Contains(producers, string(producer)) {
		producers = append(producers, string(producer))
	}
	updated, err := json.Marshal(producers)
	if err != nil {
		return nil, eris.Wrap(err, "state: encode completed_producers")
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO phase_completion (target_date, phase_id, completed_producers, triggered, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (target_date, phase_id) DO UPDATE SET
		   completed_producers = excluded.completed_producers,
		   updated_at = excluded.updated_at`,
		date.String(), string(phase), string(updated), triggered, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "state: upsert %s/%s", date, phase)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "state: commit")
	}

	state.CompletedProducers = producers
	state.Triggered = triggered
	state.UpdatedAt = now
	return state, nil
}

func (s *SQLiteStateStore) TryMarkTriggered(ctx context.Context, date model.Date, phase model.PhaseID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE phase_completion SET triggered = 1, updated_at = ?
		 WHERE target_date = ? AND phase_id = ? AND triggered = 0`,
		time.Now().UTC(), date.String(), string(phase),
	)
	if err != nil {
		return false, eris.Wrapf(err, "state: mark triggered %s/%s", date, phase)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "state: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStateStore) Close() error {
	return s.db.Close()
}
