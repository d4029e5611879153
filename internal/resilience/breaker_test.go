package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtdata/pipeline-cli/internal/model"
)

const testProc = model.ProcessorID("player_analytics")

func newTestBreaker(t *testing.T) (*EntityBreaker, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 15, 3, 0, 0, 0, time.UTC)
	b := NewEntityBreaker(BreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    24 * time.Hour,
		Cooldown:         6 * time.Hour,
	})
	b.nowFunc = func() time.Time { return now }
	return b, &now
}

func TestShouldSkip_UnknownEntity(t *testing.T) {
	b, _ := newTestBreaker(t)
	assert.False(t, b.ShouldSkip(testProc, "p1"))
}

func TestShouldSkip_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)

	b.RecordOutcome(testProc, "p1", false)
	assert.False(t, b.ShouldSkip(testProc, "p1"))
	b.RecordOutcome(testProc, "p1", false)
	assert.False(t, b.ShouldSkip(testProc, "p1"))
	b.RecordOutcome(testProc, "p1", false)
	assert.True(t, b.ShouldSkip(testProc, "p1"), "third consecutive failure suppresses the entity")
}

func TestShouldSkip_CooldownElapses(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		b.RecordOutcome(testProc, "p1", false)
	}
	require.True(t, b.ShouldSkip(testProc, "p1"))

	*now = now.Add(6*time.Hour + time.Minute)
	assert.False(t, b.ShouldSkip(testProc, "p1"), "suppression lifts after cooldown")
}

func TestRecordOutcome_SuccessResetsCounter(t *testing.T) {
	b, _ := newTestBreaker(t)

	b.RecordOutcome(testProc, "p1", false)
	b.RecordOutcome(testProc, "p1", false)
	assert.Equal(t, 2, b.Failures(testProc, "p1"))

	b.RecordOutcome(testProc, "p1", true)
	assert.Equal(t, 0, b.Failures(testProc, "p1"))
	assert.False(t, b.ShouldSkip(testProc, "p1"))
}

func TestRecordOutcome_SuccessLiftsSuppression(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		b.RecordOutcome(testProc, "p1", false)
	}
	require.True(t, b.ShouldSkip(testProc, "p1"))

	b.RecordOutcome(testProc, "p1", true)
	assert.False(t, b.ShouldSkip(testProc, "p1"))
}

func TestRecordOutcome_StaleFailureStartsFreshStreak(t *testing.T) {
	b, now := newTestBreaker(t)

	b.RecordOutcome(testProc, "p1", false)
	b.RecordOutcome(testProc, "p1", false)

	// A failure 25h later is outside the 24h rolling window.
	*now = now.Add(25 * time.Hour)
	b.RecordOutcome(testProc, "p1", false)

	assert.Equal(t, 1, b.Failures(testProc, "p1"))
	assert.False(t, b.ShouldSkip(testProc, "p1"))
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		b.RecordOutcome(testProc, "p1", false)
	}
	assert.True(t, b.ShouldSkip(testProc, "p1"))
	assert.False(t, b.ShouldSkip(testProc, "p2"))
	assert.False(t, b.ShouldSkip(model.ProcessorID("team_analytics"), "p1"))
}

func TestSuppressions_Snapshot(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		b.RecordOutcome(testProc, "p2", false)
		b.RecordOutcome(testProc, "p1", false)
	}
	b.RecordOutcome(testProc, "p3", false) // below threshold

	sup := b.Suppressions()
	require.Len(t, sup, 2)
	assert.Equal(t, "p1", sup[0].EntityID)
	assert.Equal(t, "p2", sup[1].EntityID)
	assert.Equal(t, 3, sup[0].ConsecutiveFailures)
}
