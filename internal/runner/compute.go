package runner

import (
	"math"

	"github.com/courtdata/pipeline-cli/internal/batch"
	"github.com/courtdata/pipeline-cli/internal/model"
)

// processorSpec binds one producer to its upstream fingerprint source,
// the shared queries its preload needs, and its compute function.
type processorSpec struct {
	processor model.ProcessorID
	// upstream is the processor whose fingerprints gate the
	// skip-if-unchanged check.
	upstream     model.ProcessorID
	historyTable string
	lookbackDays int
	// needsRaw pulls raw boxscore payloads into the shared context.
	needsRaw bool
	// dayTable, when set, pulls same-date records written by
	// dayProcessor from that table.
	dayTable     string
	dayProcessor model.ProcessorID
	compute      batch.ComputeFunc
}

// specsFor returns the processor specs for one phase. The ingest phase
// has no specs: its producers live outside this binary and only report
// completion events.
func (r *Runner) specsFor(phase model.PhaseDefinition) []processorSpec {
	switch phase.ID {
	case model.PhaseNormalize:
		return []processorSpec{
			{processor: "player_norm", upstream: "raw_boxscores", needsRaw: true, compute: normalizeBoxscore},
			{processor: "team_norm", upstream: "raw_boxscores", needsRaw: true, compute: normalizeBoxscore},
		}
	case model.PhaseAnalytics:
		return []processorSpec{
			{processor: "player_analytics", upstream: "player_norm", historyTable: "player_stats", lookbackDays: 30, compute: computeAnalytics},
			{processor: "team_analytics", upstream: "team_norm", historyTable: "team_stats", lookbackDays: 30, compute: computeAnalytics},
		}
	case model.PhaseFeatures:
		return []processorSpec{
			{processor: "player_features", upstream: "player_analytics", historyTable: "player_analytics", lookbackDays: 14, compute: computeFeatures},
		}
	case model.PhasePredict:
		return []processorSpec{
			{processor: "predictions", upstream: "player_features", historyTable: "player_features", lookbackDays: 14, compute: r.predictCompute()},
		}
	case model.PhasePublish:
		return []processorSpec{
			{processor: "publisher", upstream: "predictions", dayTable: "predictions", dayProcessor: "predictions", compute: publishPrediction},
		}
	default:
		return nil
	}
}

func (r *Runner) predictCompute() batch.ComputeFunc {
	return func(item model.WorkItem) (*model.StatRecord, error) {
		return r.system.Predict(item)
	}
}

// normalizeBoxscore parses an entity's raw payload into a stat record.
func normalizeBoxscore(item model.WorkItem) (*model.StatRecord, error) {
	raw := item.Context.Raw
	if len(raw) == 0 {
		return nil, &batch.IncompleteDataError{Reason: "no raw boxscore payload"}
	}

	rec := &model.StatRecord{}
	var ok bool
	if rec.Minutes, ok = rawNumber(raw, "minutes"); !ok {
		return nil, &batch.IncompleteDataError{Reason: "boxscore payload missing minutes"}
	}
	rec.Points, _ = rawNumber(raw, "points")
	rec.Rebounds, _ = rawNumber(raw, "rebounds")
	rec.Assists, _ = rawNumber(raw, "assists")
	rec.Usage, _ = rawNumber(raw, "usage")
	return rec, nil
}

// computeAnalytics derives rate stats over the trailing window plus the
// entity's latest normalized line.
func computeAnalytics(item model.WorkItem) (*model.StatRecord, error) {
	history := item.Context.History
	if len(history) == 0 {
		return nil, &batch.IncompleteDataError{Reason: "no normalized history in window"}
	}

	rec := &model.StatRecord{Metrics: map[string]float64{}}
	var minutes float64
	for _, h := range history {
		rec.Points += h.Points
		rec.Rebounds += h.Rebounds
		rec.Assists += h.Assists
		rec.Usage += h.Usage
		minutes += h.Minutes
	}
	n := float64(len(history))
	rec.Minutes = minutes / n
	rec.Points /= n
	rec.Rebounds /= n
	rec.Assists /= n
	rec.Usage /= n

	if minutes > 0 {
		per36 := 36.0 / (minutes / n)
		rec.Metrics["points_per36"] = round4(rec.Points * per36)
		rec.Metrics["rebounds_per36"] = round4(rec.Rebounds * per36)
		rec.Metrics["assists_per36"] = round4(rec.Assists * per36)
	}
	rec.Metrics["games_in_window"] = n
	return rec, nil
}

// computeFeatures turns the analytics window into model inputs: recent
// form weighted toward the latest games, plus schedule context.
func computeFeatures(item model.WorkItem) (*model.StatRecord, error) {
	history := item.Context.History
	if len(history) == 0 {
		return nil, &batch.IncompleteDataError{Reason: "no analytics history in window"}
	}

	rec := &model.StatRecord{Metrics: map[string]float64{}}

	// Exponentially weighted recent form. History arrives oldest first.
	var weight, totalWeight float64 = 1, 0
	for _, h := range history {
		rec.Points += h.Points * weight
		rec.Minutes += h.Minutes * weight
		rec.Rebounds += h.Rebounds * weight
		rec.Assists += h.Assists * weight
		rec.Usage += h.Usage * weight
		totalWeight += weight
		weight *= 1.3
	}
	rec.Points /= totalWeight
	rec.Minutes /= totalWeight
	rec.Rebounds /= totalWeight
	rec.Assists /= totalWeight
	rec.Usage /= totalWeight

	latest := history[len(history)-1]
	rec.Metrics["form_delta_points"] = round4(latest.Points - rec.Points)
	rec.Metrics["games_in_window"] = float64(len(history))

	if rest, ok := rawNumber(item.Context.ScheduleFacts, "rest_days"); ok {
		rec.Metrics["rest_days"] = rest
	}
	if b2b, ok := item.Context.ScheduleFacts["back_to_back"].(bool); ok && b2b {
		rec.Metrics["back_to_back"] = 1
	}
	return rec, nil
}

// publishPrediction republishes the entity's same-date prediction.
func publishPrediction(item model.WorkItem) (*model.StatRecord, error) {
	src := item.Context.DayRecord
	if src == nil {
		return nil, &batch.IncompleteDataError{Reason: "no prediction for entity"}
	}

	out := *src
	out.Metrics = make(map[string]float64, len(src.Metrics))
	for k, v := range src.Metrics {
		out.Metrics[k] = v
	}
	// Published lines are rounded for consumers.
	out.Minutes = round1(out.Minutes)
	out.Points = round1(out.Points)
	out.Rebounds = round1(out.Rebounds)
	out.Assists = round1(out.Assists)
	return &out, nil
}

func rawNumber(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
