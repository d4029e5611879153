package orchestrate

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/courtdata/pipeline-cli/internal/model"
	"github.com/courtdata/pipeline-cli/internal/phasedef"
)

// TriggerFunc delivers a start command to a downstream phase. The
// dispatcher calls it at most once per (target date, completed phase),
// no matter how many duplicate completion events arrive.
type TriggerFunc func(ctx context.Context, cmd model.PhaseStartCommand) error

// Dispatcher consumes producer completion events, accumulates them in
// the state store, and fires downstream triggers when a phase's full
// producer set has reported done.
type Dispatcher struct {
	store    StateStore
	registry *phasedef.Registry
	trigger  TriggerFunc
	log      *zap.Logger
}

// NewDispatcher wires a dispatcher to a state store and a trigger sink.
func NewDispatcher(store StateStore, registry *phasedef.Registry, trigger TriggerFunc) *Dispatcher {
	return &Dispatcher{
		store:    store,
		registry: registry,
		trigger:  trigger,
		log:      zap.L().With(zap.String("component", "dispatcher")),
	}
}

// HandleCompletion processes one producer completion event. It returns
// the downstream phases this call triggered (empty when the phase is
// not yet complete, when another caller already won the trigger, or
// when the phase is terminal). Duplicate and out-of-order events are
// safe: producer recording is idempotent and the triggered flag is
// flipped through an atomic compare-and-set.
func (d *Dispatcher) HandleCompletion(ctx context.Context, ev model.PhaseCompletionEvent) ([]model.PhaseID, error) {
	phase, err := d.registry.Get(ev.PhaseID)
	if err != nil {
		return nil, eris.Wrapf(err, "dispatch: completion for unknown phase %s", ev.PhaseID)
	}
	if !phase.HasProducer(ev.ProcessorID) {
		return nil, eris.Errorf("dispatch: %s is not a producer of phase %s", ev.ProcessorID, ev.PhaseID)
	}

	log := d.log.With(
		zap.String("phase", string(ev.PhaseID)),
		zap.String("processor", string(ev.ProcessorID)),
		zap.String("date", ev.TargetDate.String()),
	)

	// Only success and partial count toward the producer set. A failed
	// producer has no output to gate on; recording it would let the
	// downstream fire on garbage and consume the one trigger this
	// (date, phase) gets. The self-heal sweep re-runs the failed
	// producer, and its eventual clean completion arrives here again.
	if ev.Status == model.RunFailed {
		log.Warn("producer reported failure, not counted toward phase completion")
		return nil, nil
	}

	state, err := d.store.MarkProducerDone(ctx, ev.TargetDate, ev.PhaseID, ev.ProcessorID)
	if err != nil {
		return nil, err
	}
	log.Info("producer completion recorded",
		zap.Int("completed", len(state.CompletedProducers)),
		zap.Int("required", len(phase.Producers)),
	)

	if !state.HasAllProducers(phase.Producers) {
		return nil, nil
	}

	downstream := d.registry.Downstream(ev.PhaseID)
	if len(downstream) == 0 {
		log.Info("terminal phase complete, nothing to trigger")
		return nil, nil
	}

	won, err := d.store.TryMarkTriggered(ctx, ev.TargetDate, ev.PhaseID)
	if err != nil {
		return nil, err
	}
	if !won {
		log.Debug("downstream already triggered by another event")
		return nil, nil
	}

	var triggered []model.PhaseID
	for _, next := range downstream {
		cmd := model.PhaseStartCommand{
			PhaseID:    next.ID,
			TargetDate: ev.TargetDate,
		}
		if err := d.trigger(ctx, cmd); err != nil {
			// The flag is already set, so failed deliveries are not
			// retried by replaying the event. The self-heal pass picks
			// up phases whose output never appears.
			log.Error("downstream trigger failed",
				zap.String("downstream", string(next.ID)), zap.Error(err))
			return triggered, eris.Wrapf(err, "dispatch: trigger %s", next.ID)
		}
		log.Info("downstream phase triggered", zap.String("downstream", string(next.ID)))
		triggered = append(triggered, next.ID)
	}
	return triggered, nil
}
