package predict

import (
	"github.com/rotisserie/eris"

	"github.com/courtdata/pipeline-cli/internal/model"
)

// Baseline projects an entity's next stat line as the average of its
// recent history. It exists so the pipeline runs end to end without an
// external model service, and as the floor any real system must beat.
type Baseline struct{}

func init() {
	Register(Baseline{})
}

func (Baseline) Name() string { return "baseline" }

func (Baseline) Predict(item model.WorkItem) (*model.StatRecord, error) {
	history := item.Context.History
	if len(history) == 0 {
		return nil, eris.New("baseline: no history for entity")
	}

	out := &model.StatRecord{Projected: true}
	for _, rec := range history {
		out.Minutes += rec.Minutes
		out.Points += rec.Points
		out.Rebounds += rec.Rebounds
		out.Assists += rec.Assists
		out.Usage += rec.Usage
	}
	n := float64(len(history))
	out.Minutes /= n
	out.Points /= n
	out.Rebounds /= n
	out.Assists /= n
	out.Usage /= n
	return out, nil
}
