package warehouse

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/courtdata/pipeline-cli/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func testDate() model.Date {
	return model.NewDate(2026, 1, 15)
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestNew_SchemaNamespacing(t *testing.T) {
	assert.Equal(t, "pipeline", New(nil, "").Schema())
	assert.Equal(t, "replay_pipeline", New(nil, "replay").Schema())
}

func TestCheckDependency_ExactDate(t *testing.T) {
	mock := newMock(t)
	w := New(mock, "")

	updated := time.Date(2026, 1, 15, 4, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT count\\(\\*\\), coalesce\\(max\\(updated_at\\)").
		WithArgs("2026-01-15", "2026-01-15").
		WillReturnRows(pgxmock.NewRows([]string{"count", "max"}).AddRow(int64(412), updated))

	res, err := w.CheckDependency(context.Background(), model.DependencyRequirement{
		Name:  "raw_boxscores",
		Table: "raw_boxscores",
		Check: model.CheckExactDate,
	}, testDate())
	require.NoError(t, err)
	assert.Equal(t, int64(412), res.RowCount)
	assert.Equal(t, updated, res.MaxUpdated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckDependency_LookbackWindow(t *testing.T) {
	mock := newMock(t)
	w := New(mock, "")

	mock.ExpectQuery("SELECT count").
		WithArgs("2026-01-01", "2026-01-15").
		WillReturnRows(pgxmock.NewRows([]string{"count", "max"}).AddRow(int64(3000), time.Now()))

	_, err := w.CheckDependency(context.Background(), model.DependencyRequirement{
		Name:         "analytics_history",
		Table:        "player_analytics",
		Check:        model.CheckLookback,
		LookbackDays: 14,
	}, testDate())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutputExists(t *testing.T) {
	mock := newMock(t)
	w := New(mock, "")

	mock.ExpectQuery("SELECT count").
		WithArgs("2026-01-15").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(0)))

	ok, err := w.OutputExists(context.Background(), "predictions", testDate())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReclassify_UpdatesInPlace(t *testing.T) {
	mock := newMock(t)
	w := New(mock, "")

	now := time.Now()
	mock.ExpectExec("UPDATE pipeline.failure_records SET classification").
		WithArgs("DID_NOT_OCCUR", false, now, int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := w.Reclassify(context.Background(), 7, model.ClassDidNotOccur, false, now)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReclassify_MissingRecord(t *testing.T) {
	mock := newMock(t)
	w := New(mock, "")

	mock.ExpectExec("UPDATE pipeline.failure_records").
		WithArgs("REAL_GAP", true, pgxmock.AnyArg(), int64(99)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := w.Reclassify(context.Background(), 99, model.ClassRealGap, true, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such record")
}

func TestQualifyingEvents(t *testing.T) {
	mock := newMock(t)
	w := New(mock, "")

	mock.ExpectQuery("SELECT count\\(\\*\\) FROM pipeline.game_events").
		WithArgs("p1", "2026-01-15").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(54)))

	n, err := w.QualifyingEvents(context.Background(), "p1", testDate())
	require.NoError(t, err)
	assert.Equal(t, int64(54), n)
}

func TestUnclassifiedFailures(t *testing.T) {
	mock := newMock(t)
	w := New(mock, "")

	created := time.Now().Add(-2 * time.Hour)
	mock.ExpectQuery("SELECT id, processor, entity_id").
		WithArgs("UNCLASSIFIED", "2026-01-01", "2026-01-15", 100).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "processor", "entity_id", "game_date", "failure_category",
			"failure_reason", "can_retry", "classification", "created_at",
		}).AddRow(
			int64(1), "player_analytics", "p1", "2026-01-14", "INCOMPLETE_DATA",
			"no boxscore rows", true, "UNCLASSIFIED", created,
		))

	got, err := w.UnclassifiedFailures(context.Background(), model.NewDate(2026, 1, 1), testDate(), 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.ProcessorID("player_analytics"), got[0].Processor)
	assert.Equal(t, model.FailureIncompleteData, got[0].Category)
	assert.Equal(t, "2026-01-14", got[0].TargetDate.String())
}

func TestStartAndCompleteRun(t *testing.T) {
	mock := newMock(t)
	w := New(mock, "")

	mock.ExpectQuery("INSERT INTO pipeline.phase_runs").
		WithArgs("analytics", "2026-01-15").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))

	id, err := w.StartRun(context.Background(), model.PhaseAnalytics, testDate())
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)

	mock.ExpectExec("UPDATE pipeline.phase_runs").
		WithArgs("partial", int64(200), int64(5), int64(40), "", int64(11)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = w.CompleteRun(context.Background(), 11, model.RunPartial, 200, 5, 40, "")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLastRunSucceeded(t *testing.T) {
	mock := newMock(t)
	w := New(mock, "")

	mock.ExpectQuery("SELECT status FROM pipeline.phase_runs").
		WithArgs("publish", "2026-01-15").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("success"))
	ok, err := w.LastRunSucceeded(context.Background(), model.PhasePublish, testDate())
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectQuery("SELECT status FROM pipeline.phase_runs").
		WithArgs("publish", "2026-01-15").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("failed"))
	ok, err = w.LastRunSucceeded(context.Background(), model.PhasePublish, testDate())
	require.NoError(t, err)
	assert.False(t, ok)

	// Never ran at all.
	mock.ExpectQuery("SELECT status FROM pipeline.phase_runs").
		WithArgs("publish", "2026-01-15").
		WillReturnError(pgx.ErrNoRows)
	ok, err = w.LastRunSucceeded(context.Background(), model.PhasePublish, testDate())
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_FreshSchema(t *testing.T) {
	mock := newMock(t)
	w := New(mock, "")

	mock.ExpectExec("SELECT pg_advisory_lock").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT filename FROM pipeline.schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))

	// Three embedded migrations, each applied then recorded.
	for i := 0; i < 3; i++ {
		mock.ExpectExec(".*").WillReturnResult(pgxmock.NewResult("EXEC", 0))
		mock.ExpectExec("INSERT INTO pipeline.schema_migrations").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	mock.ExpectExec("SELECT pg_advisory_unlock").WillReturnResult(pgxmock.NewResult("SELECT", 1))

	err := w.Migrate(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
