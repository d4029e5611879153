// Package orchestrate tracks phase completion across producers and
// fires downstream triggers exactly once per (target date, phase).
package orchestrate

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/courtdata/pipeline-cli/internal/config"
	"github.com/courtdata/pipeline-cli/internal/model"
)

// StateStore persists phase completion state. Implementations must make
// MarkProducerDone and TryMarkTriggered atomic: concurrent callers for
// the same (date, phase) may interleave, and the winner of
// TryMarkTriggered must be unique.
type StateStore interface {
	// Get returns the state for (date, phase), or a zero-value state if
	// none has been recorded yet.
	Get(ctx context.Context, date model.Date, phase model.PhaseID) (*model.PhaseCompletionState, error)

	// MarkProducerDone records one producer's completion idempotently
	// and returns the updated state. Recording the same producer twice
	// is a no-op.
	MarkProducerDone(ctx context.Context, date model.Date, phase model.PhaseID, producer model.ProcessorID) (*model.PhaseCompletionState, error)

	// TryMarkTriggered flips the triggered flag for (date, phase) and
	// reports whether this caller won the flip. At most one caller ever
	// receives true for a given (date, phase).
	TryMarkTriggered(ctx context.Context, date model.Date, phase model.PhaseID) (bool, error)

	Close() error
}

// Open constructs the configured state store backend.
func Open(ctx context.Context, cfg config.StateConfig) (StateStore, error) {
	switch cfg.Driver {
	case "sqlite":
		return OpenSQLite(ctx, cfg.SQLitePath)
	case "postgres", "":
		return OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("state: unknown driver %q", cfg.Driver)
	}
}
