package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyInto_EmptyRows(t *testing.T) {
	n, err := CopyInto(context.Background(), nil, pgx.Identifier{"pipeline", "fingerprints"}, []string{"a"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyInto_LoadsRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"game_date", "entity_id", "payload"}
	mock.ExpectCopyFrom(pgx.Identifier{"pipeline", "raw_boxscores"}, cols).WillReturnResult(3)

	n, err := CopyInto(context.Background(), mock, pgx.Identifier{"pipeline", "raw_boxscores"}, cols, [][]any{
		{"2026-01-15", "p1", `{}`},
		{"2026-01-15", "p2", `{}`},
		{"2026-01-15", "p3", `{}`},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
