// Package valves drives the physical section valves. The Actuator is the only
// component that talks to the hardware driver. It does not decide which valve
// should be open (the sequencer does); it owns the close-all retry budget and
// reports a hardware fault when that budget is exhausted.
package valves

import (
	"errors"
	"fmt"
	"github.com/cenkalti/backoff/v4"
	"github.com/clambin/sprinkler/internal/plan"
	"log/slog"
	"time"
)

// ErrHardwareFault indicates the driver did not acknowledge within the retry
// budget.
var ErrHardwareFault = errors.New("hardware fault")

// A Driver performs one fast, idempotent hardware write per call.
type Driver interface {
	Set(pin int, open bool) error
}

// Actuator opens and closes section valves through a Driver.
type Actuator struct {
	driver      Driver
	logger      *slog.Logger
	pins        []int
	maxAttempts uint64
}

// New returns an Actuator for the provisioned sections. maxAttempts bounds
// the number of close-all sweeps before CloseAll gives up with
// ErrHardwareFault.
func New(driver Driver, sections []plan.Section, maxAttempts uint64, logger *slog.Logger) *Actuator {
	pins := make([]int, len(sections))
	for i, section := range sections {
		pins[i] = section.Pin
	}
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	return &Actuator{
		driver:      driver,
		logger:      logger,
		pins:        pins,
		maxAttempts: maxAttempts,
	}
}

// Open opens the section's valve. A failure is returned to the caller but is
// not retried: sequencing must keep advancing on schedule.
func (a *Actuator) Open(section plan.Section) error {
	a.logger.Debug("opening valve", slog.String("section", section.Name), slog.Int("pin", section.Pin))
	if err := a.driver.Set(section.Pin, true); err != nil {
		return fmt.Errorf("open %s: %w", section.Name, err)
	}
	return nil
}

// Close closes the section's valve.
func (a *Actuator) Close(section plan.Section) error {
	a.logger.Debug("closing valve", slog.String("section", section.Name), slog.Int("pin", section.Pin))
	if err := a.driver.Set(section.Pin, false); err != nil {
		return fmt.Errorf("close %s: %w", section.Name, err)
	}
	return nil
}

// CloseAll closes every provisioned valve, whether or not it was open. The
// sweep is retried with exponential backoff until the driver acknowledges
// every pin or the attempt budget is exhausted, in which case it returns
// ErrHardwareFault.
func (a *Actuator) CloseAll() error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond

	err := backoff.Retry(func() error {
		for _, pin := range a.pins {
			if err := a.driver.Set(pin, false); err != nil {
				a.logger.Warn("failed to close valve", slog.Int("pin", pin), slog.Any("err", err))
				return err
			}
		}
		return nil
	}, backoff.WithMaxRetries(bo, a.maxAttempts-1))

	if err != nil {
		return fmt.Errorf("%w: %w", ErrHardwareFault, err)
	}
	a.logger.Debug("all valves closed")
	return nil
}
