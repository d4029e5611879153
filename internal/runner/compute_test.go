package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtdata/pipeline-cli/internal/batch"
	"github.com/courtdata/pipeline-cli/internal/model"
)

func TestNormalizeBoxscore(t *testing.T) {
	item := model.WorkItem{
		EntityID: "p1",
		Context: model.EntityContext{
			Raw: map[string]any{
				"minutes": 34.5, "points": 27.0, "rebounds": 8.0,
				"assists": 6.0, "usage": 0.29,
			},
		},
	}

	rec, err := normalizeBoxscore(item)
	require.NoError(t, err)
	assert.Equal(t, 34.5, rec.Minutes)
	assert.Equal(t, 27.0, rec.Points)
	assert.Equal(t, 0.29, rec.Usage)
}

func TestNormalizeBoxscore_MissingPayload(t *testing.T) {
	_, err := normalizeBoxscore(model.WorkItem{EntityID: "p1"})
	require.Error(t, err)
	var incomplete *batch.IncompleteDataError
	require.ErrorAs(t, err, &incomplete)
}

func TestNormalizeBoxscore_MissingMinutes(t *testing.T) {
	item := model.WorkItem{
		Context: model.EntityContext{Raw: map[string]any{"points": 10.0}},
	}
	_, err := normalizeBoxscore(item)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "minutes")
}

func TestComputeAnalytics(t *testing.T) {
	item := model.WorkItem{
		Context: model.EntityContext{
			History: []model.StatRecord{
				{Minutes: 30, Points: 18, Rebounds: 6, Assists: 4, Usage: 0.22},
				{Minutes: 36, Points: 30, Rebounds: 10, Assists: 8, Usage: 0.32},
			},
		},
	}

	rec, err := computeAnalytics(item)
	require.NoError(t, err)
	assert.InDelta(t, 33.0, rec.Minutes, 1e-9)
	assert.InDelta(t, 24.0, rec.Points, 1e-9)
	// 24 points in 33 average minutes scales to 36 minutes.
	assert.InDelta(t, 24.0*36.0/33.0, rec.Metrics["points_per36"], 1e-3)
	assert.Equal(t, 2.0, rec.Metrics["games_in_window"])
}

func TestComputeAnalytics_EmptyWindow(t *testing.T) {
	_, err := computeAnalytics(model.WorkItem{})
	var incomplete *batch.IncompleteDataError
	require.ErrorAs(t, err, &incomplete)
}

func TestComputeFeatures_WeightsRecentGames(t *testing.T) {
	item := model.WorkItem{
		Context: model.EntityContext{
			History: []model.StatRecord{
				{Points: 10, Minutes: 30},
				{Points: 30, Minutes: 30},
			},
			ScheduleFacts: map[string]any{"rest_days": 2.0, "back_to_back": false},
		},
	}

	rec, err := computeFeatures(item)
	require.NoError(t, err)
	// Weighted mean must sit above the plain average of 20 because the
	// later, larger game carries more weight.
	assert.Greater(t, rec.Points, 20.0)
	assert.Less(t, rec.Points, 30.0)
	assert.Equal(t, 2.0, rec.Metrics["rest_days"])
	_, hasB2B := rec.Metrics["back_to_back"]
	assert.False(t, hasB2B)
}

func TestPublishPrediction(t *testing.T) {
	item := model.WorkItem{
		Context: model.EntityContext{
			DayRecord: &model.StatRecord{
				Minutes: 33.44, Points: 24.66, Rebounds: 7.12, Assists: 5.08,
				Projected: true,
				Metrics:   map[string]float64{"form_delta_points": 1.5},
			},
		},
	}

	rec, err := publishPrediction(item)
	require.NoError(t, err)
	assert.Equal(t, 33.4, rec.Minutes)
	assert.Equal(t, 24.7, rec.Points)
	assert.Equal(t, 7.1, rec.Rebounds)
	assert.True(t, rec.Projected)
	assert.Equal(t, 1.5, rec.Metrics["form_delta_points"])
}

func TestPublishPrediction_NoSource(t *testing.T) {
	_, err := publishPrediction(model.WorkItem{})
	var incomplete *batch.IncompleteDataError
	require.ErrorAs(t, err, &incomplete)
}

func TestOverallStatus(t *testing.T) {
	cases := []struct {
		name  string
		procs []ProcessorSummary
		want  model.RunStatus
	}{
		{"all success", []ProcessorSummary{{Status: model.RunSuccess}, {Status: model.RunSuccess}}, model.RunSuccess},
		{"one partial", []ProcessorSummary{{Status: model.RunSuccess}, {Status: model.RunPartial}}, model.RunPartial},
		{"one failed", []ProcessorSummary{{Status: model.RunSuccess}, {Status: model.RunFailed}}, model.RunPartial},
		{"all failed", []ProcessorSummary{{Status: model.RunFailed}, {Status: model.RunFailed}}, model.RunFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, overallStatus(tc.procs))
		})
	}
}
