package db

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
)

// Postgres SQLSTATE codes that indicate a retryable write conflict
// between concurrent invocations writing the same key range.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// IsWriteConflict reports whether err is a concurrent-write conflict
// that should be resolved by retrying the idempotent merge, never by
// dropping data.
func IsWriteConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return true
		}
	}
	return false
}

// IsNoRows reports whether err is pgx's no-rows sentinel, surfaced by
// value through mocks as well as the real pool.
func IsNoRows(err error) bool {
	if err == nil {
		return false
	}
	return eris.Is(err, pgx.ErrNoRows) || err.Error() == "no rows in result set"
}
