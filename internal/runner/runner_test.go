package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/courtdata/pipeline-cli/internal/config"
	"github.com/courtdata/pipeline-cli/internal/gate"
	"github.com/courtdata/pipeline-cli/internal/model"
	"github.com/courtdata/pipeline-cli/internal/phasedef"
	"github.com/courtdata/pipeline-cli/internal/resilience"
	"github.com/courtdata/pipeline-cli/internal/warehouse"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var statColumns = []string{
	"game_date", "entity_id", "processor",
	"minutes", "points", "rebounds", "assists", "usage_rate",
	"metrics", "projected",
	"fingerprint", "upstream_hash", "quality", "computed_at",
}

var fingerprintColumns = []string{
	"game_date", "entity_id", "processor", "fingerprint", "upstream_hash",
}

type emitRecorder struct {
	mu     sync.Mutex
	events []model.PhaseCompletionEvent
}

func (r *emitRecorder) fn(_ context.Context, ev model.PhaseCompletionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func newTestRunner(t *testing.T, mock pgxmock.PgxPoolIface, emit EmitFunc) *Runner {
	t.Helper()

	wh := warehouse.New(mock, "")
	registry, err := phasedef.Load()
	require.NoError(t, err)
	resolver, err := gate.NewResolver(wh, config.GateConfig{
		SeasonStart:   "2025-10-01",
		BootstrapDays: 14,
		CheckTimeout:  time.Second,
	})
	require.NoError(t, err)

	cfg := &config.Config{
		Batch: config.BatchConfig{MaxWorkers: 2, ProgressEvery: 100},
	}
	breaker := resilience.NewEntityBreaker(resilience.BreakerConfig{})

	r := New(wh, registry, resolver, breaker, nil, nil, cfg, emit)
	r.idFunc = func() string { return "run1" }
	return r
}

func TestRun_PublishHappyPath(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	emitted := &emitRecorder{}
	r := newTestRunner(t, mock, emitted.fn)

	now := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO pipeline.phase_runs`).
		WithArgs("publish", "2026-01-15").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	// Completeness resolve: one critical exact-date requirement.
	mock.ExpectQuery(`SELECT count\(\*\), coalesce\(max\(updated_at\)`).
		WithArgs("2026-01-15", "2026-01-15").
		WillReturnRows(pgxmock.NewRows([]string{"count", "max"}).AddRow(int64(40), now))

	mock.ExpectQuery(`SELECT DISTINCT entity_id FROM pipeline.raw_schedule`).
		WithArgs("2026-01-15").
		WillReturnRows(pgxmock.NewRows([]string{"entity_id"}).AddRow("p1"))

	// Shared preload for the publisher batch.
	mock.ExpectQuery(`SELECT entity_id, facts FROM pipeline.raw_schedule`).
		WithArgs("2026-01-15", []string{"p1"}).
		WillReturnRows(pgxmock.NewRows([]string{"entity_id", "facts"}).
			AddRow("p1", []byte(`{}`)))
	mock.ExpectQuery(`FROM pipeline.fingerprints`).
		WithArgs("2026-01-15", "predictions", "publisher", []string{"p1"}).
		WillReturnRows(pgxmock.NewRows([]string{"entity_id", "fingerprint", "upstream_hash"}).
			AddRow("p1", "aaaa111122223333", ""))
	mock.ExpectQuery(`FROM pipeline.predictions`).
		WithArgs("2026-01-15", "predictions", []string{"p1"}).
		WillReturnRows(pgxmock.NewRows([]string{
			"game_date", "entity_id", "processor",
			"minutes", "points", "rebounds", "assists", "usage_rate",
			"metrics", "projected", "fingerprint", "quality",
		}).AddRow("2026-01-15", "p1", "predictions",
			33.42, 24.61, 7.18, 5.07, 0.271,
			[]byte(`{}`), true, "aaaa111122223333", "full"))

	// Idempotent write of the published line.
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_stg_pipeline_published_predictions_run1"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stg_pipeline_published_predictions_run1"}, statColumns).
		WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "pipeline"\."published_predictions"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	// Fingerprint lineage.
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_stg_pipeline_fingerprints_run1"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stg_pipeline_fingerprints_run1"}, fingerprintColumns).
		WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "pipeline"\."fingerprints"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	mock.ExpectExec(`UPDATE pipeline.phase_runs`).
		WithArgs("success", int64(1), int64(0), int64(0), "", int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	summary, err := r.Run(context.Background(), model.PhaseStartCommand{
		PhaseID:    model.PhasePublish,
		TargetDate: mustDate(t, "2026-01-15"),
	})
	require.NoError(t, err)

	assert.Equal(t, model.RunSuccess, summary.Status)
	assert.Equal(t, model.QualityFull, summary.Quality)
	require.Len(t, summary.Processors, 1)
	assert.Equal(t, model.ProcessorID("publisher"), summary.Processors[0].Processor)
	assert.Equal(t, 1, summary.Processors[0].Succeeded)
	assert.EqualValues(t, 1, summary.Processors[0].Written)

	require.Len(t, emitted.events, 1)
	ev := emitted.events[0]
	assert.Equal(t, model.PhasePublish, ev.PhaseID)
	assert.Equal(t, model.ProcessorID("publisher"), ev.ProcessorID)
	assert.Equal(t, model.RunSuccess, ev.Status)
	assert.Equal(t, "published_predictions", ev.OutputTable)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_GatedOnMissingCriticalDependency(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	emitted := &emitRecorder{}
	r := newTestRunner(t, mock, emitted.fn)

	now := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO pipeline.phase_runs`).
		WithArgs("analytics", "2026-01-15").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(9)))

	// player_stats minimum-row-count: 35 rows is under the floor.
	mock.ExpectQuery(`SELECT count\(\*\), coalesce\(max\(updated_at\)`).
		WithArgs("2026-01-15", "2026-01-15").
		WillReturnRows(pgxmock.NewRows([]string{"count", "max"}).AddRow(int64(35), now))
	// team_stats optional: present and fresh.
	mock.ExpectQuery(`SELECT count\(\*\), coalesce\(max\(updated_at\)`).
		WithArgs("2026-01-15", "2026-01-15").
		WillReturnRows(pgxmock.NewRows([]string{"count", "max"}).AddRow(int64(12), now))

	mock.ExpectExec(`INSERT INTO pipeline.failure_records`).
		WithArgs("analytics", "", "2026-01-15",
			"MISSING_CRITICAL_DEPENDENCY", pgxmock.AnyArg(), true, "UNCLASSIFIED", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	mock.ExpectExec(`UPDATE pipeline.phase_runs`).
		WithArgs("failed", int64(0), int64(0), int64(0), pgxmock.AnyArg(), int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	summary, err := r.Run(context.Background(), model.PhaseStartCommand{
		PhaseID:    model.PhaseAnalytics,
		TargetDate: mustDate(t, "2026-01-15"),
	})
	require.Error(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, model.RunFailed, summary.Status)
	assert.NotEmpty(t, summary.Error)

	// The block surfaces as failed completion events, one per producer.
	require.Len(t, emitted.events, 2)
	procs := make([]model.ProcessorID, 0, 2)
	for _, ev := range emitted.events {
		assert.Equal(t, model.PhaseAnalytics, ev.PhaseID)
		assert.Equal(t, model.RunFailed, ev.Status)
		procs = append(procs, ev.ProcessorID)
	}
	assert.ElementsMatch(t, []model.ProcessorID{"player_analytics", "team_analytics"}, procs)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_NoScheduledEntities(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	emitted := &emitRecorder{}
	r := newTestRunner(t, mock, emitted.fn)
	now := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO pipeline.phase_runs`).
		WithArgs("publish", "2026-07-04").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectQuery(`SELECT count\(\*\), coalesce\(max\(updated_at\)`).
		WithArgs("2026-07-04", "2026-07-04").
		WillReturnRows(pgxmock.NewRows([]string{"count", "max"}).AddRow(int64(5), now))
	mock.ExpectQuery(`SELECT DISTINCT entity_id FROM pipeline.raw_schedule`).
		WithArgs("2026-07-04").
		WillReturnRows(pgxmock.NewRows([]string{"entity_id"}))
	mock.ExpectExec(`UPDATE pipeline.phase_runs`).
		WithArgs("success", int64(0), int64(0), int64(0), "", int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	summary, err := r.Run(context.Background(), model.PhaseStartCommand{
		PhaseID:    model.PhasePublish,
		TargetDate: mustDate(t, "2026-07-04"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, summary.Status)
	assert.Empty(t, summary.Processors)

	// A quiet date still completes the phase in the orchestrator, so
	// downstream phases are not stuck waiting or re-triggered.
	require.Len(t, emitted.events, 1)
	assert.Equal(t, model.PhasePublish, emitted.events[0].PhaseID)
	assert.Equal(t, model.ProcessorID("publisher"), emitted.events[0].ProcessorID)
	assert.Equal(t, model.RunSuccess, emitted.events[0].Status)
	assert.Zero(t, emitted.events[0].RecordCount)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_IngestHasNoInProcessProducers(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	r := newTestRunner(t, mock, nil)
	_, err = r.Run(context.Background(), model.PhaseStartCommand{
		PhaseID:    model.PhaseIngest,
		TargetDate: mustDate(t, "2026-01-15"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no in-process producers")
}

func mustDate(t *testing.T, s string) model.Date {
	t.Helper()
	d, err := model.ParseDate(s)
	require.NoError(t, err)
	return d
}
