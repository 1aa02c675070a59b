package plan

import (
	"fmt"
	"github.com/clambin/sprinkler/pkg/pubsub"
	"log/slog"
	"sync"
	"time"
)

// Store owns the WateringPlan. All mutation goes through its validated
// setters; invalid writes never change stored state. After every successful
// mutation the Store publishes a fresh snapshot to its subscribers.
type Store struct {
	*pubsub.Publisher[WateringPlan]
	logger *slog.Logger
	plan   WateringPlan
	lock   sync.RWMutex
}

// NewStore returns a Store seeded with the provisioned plan.
func NewStore(p WateringPlan, logger *slog.Logger) *Store {
	return &Store{
		Publisher: pubsub.New[WateringPlan](logger),
		logger:    logger,
		plan:      p.Copy(),
	}
}

// SetSectionDuration overwrites the configured duration of one section. The
// change is visible to the sequencer's next plan read, never to a run already
// in progress. A duration of zero makes the section skipped entirely.
func (s *Store) SetSectionDuration(id SectionID, d time.Duration) error {
	if err := validDuration(d); err != nil {
		return err
	}
	s.lock.Lock()
	if _, err := s.plan.Get(id); err != nil {
		s.lock.Unlock()
		return err
	}
	s.plan.Sections[id].Duration = d
	plan := s.plan.Copy()
	s.lock.Unlock()

	s.logger.Info("section duration set", slog.Int("section", int(id)), slog.Duration("duration", d))
	s.Publish(plan)
	return nil
}

// EnableAutoWatering sets the daily start time and enables the scheduled run.
func (s *Store) EnableAutoWatering(t TimeOfDay) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.lock.Lock()
	s.plan.Start = t
	s.plan.AutoEnabled = true
	plan := s.plan.Copy()
	s.lock.Unlock()

	s.logger.Info("automatic watering enabled", slog.String("start", t.String()))
	s.Publish(plan)
	return nil
}

// DisableAutoWatering suppresses future scheduled runs. Section durations are
// left untouched and a run already in progress is not stopped.
func (s *Store) DisableAutoWatering() {
	s.lock.Lock()
	s.plan.AutoEnabled = false
	plan := s.plan.Copy()
	s.lock.Unlock()

	s.logger.Info("automatic watering disabled")
	s.Publish(plan)
}

// Snapshot returns a read-only copy of the current plan.
func (s *Store) Snapshot() WateringPlan {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.plan.Copy()
}

// Section looks up one section in the current plan.
func (s *Store) Section(id SectionID) (Section, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.plan.Get(id)
}

// SectionByName looks up one section by its provisioned name.
func (s *Store) SectionByName(name string) (Section, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for _, section := range s.plan.Sections {
		if section.Name == name {
			return section, nil
		}
	}
	return Section{}, fmt.Errorf("%w: %q", ErrInvalidSection, name)
}
