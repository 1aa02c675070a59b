// Package alarm wakes the sequencer at the plan's daily start time. It
// re-arms itself whenever the plan changes, and parks while automatic
// watering is disabled.
package alarm

import (
	"context"
	"github.com/clambin/sprinkler/internal/plan"
	"log/slog"
	"time"
)

// Trigger starts the scheduled watering run.
type Trigger interface {
	TriggerRun()
}

type Planner interface {
	Snapshot() plan.WateringPlan
	Subscribe() chan plan.WateringPlan
	Unsubscribe(ch chan plan.WateringPlan)
}

type Alarm struct {
	store  Planner
	target Trigger
	logger *slog.Logger
	now    func() time.Time
}

func New(store Planner, target Trigger, logger *slog.Logger) *Alarm {
	return &Alarm{
		store:  store,
		target: target,
		logger: logger,
		now:    time.Now,
	}
}

// Run arms a timer for the next daily start time and fires the trigger when
// it expires, until ctx is canceled.
func (a *Alarm) Run(ctx context.Context) error {
	a.logger.Debug("alarm started")
	defer a.logger.Debug("alarm stopped")

	ch := a.store.Subscribe()
	defer a.store.Unsubscribe(ch)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		snapshot := a.store.Snapshot()
		var alarmCh <-chan time.Time
		if snapshot.AutoEnabled {
			now := a.now()
			next := snapshot.Start.Next(now)
			timer.Reset(next.Sub(now))
			alarmCh = timer.C
			a.logger.Debug("alarm armed", slog.Time("next", next))
		} else {
			timer.Stop()
			a.logger.Debug("alarm parked: automatic watering is disabled")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-alarmCh:
			a.logger.Info("daily start time reached")
			a.target.TriggerRun()
		case <-ch:
			// the start time may have moved: fall through and re-arm
		}
	}
}
