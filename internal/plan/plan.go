// Package plan holds the watering plan: the ordered set of sections, their
// configured durations and the daily schedule. The Store is the single writer
// of the plan; everything else works on snapshots.
package plan

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// MaxDuration caps a section's configured watering time.
const MaxDuration = 2 * time.Hour

var (
	ErrInvalidSection  = errors.New("invalid section")
	ErrInvalidDuration = errors.New("invalid duration")
	ErrInvalidTime     = errors.New("invalid time of day")
)

// SectionID identifies a section by its position in the watering order.
type SectionID int

// A Section is one independently controlled valve circuit. Pin is the driver
// line its valve is wired to. A Duration of zero means the section is skipped
// entirely during a run.
type Section struct {
	Name     string
	ID       SectionID
	Pin      int
	Duration time.Duration
}

// A WateringPlan is the ordered sections plus the daily schedule. Section
// order is the activation order during a run; it is fixed at provisioning
// time and never changes at runtime.
type WateringPlan struct {
	Start       TimeOfDay
	Sections    []Section
	AutoEnabled bool
}

// Get returns the section with the given id.
func (p WateringPlan) Get(id SectionID) (Section, error) {
	if int(id) < 0 || int(id) >= len(p.Sections) {
		return Section{}, fmt.Errorf("%w: %d", ErrInvalidSection, id)
	}
	return p.Sections[id], nil
}

// Copy returns a deep copy of the plan.
func (p WateringPlan) Copy() WateringPlan {
	c := p
	c.Sections = slices.Clone(p.Sections)
	return c
}

func validDuration(d time.Duration) error {
	if d < 0 || d > MaxDuration {
		return fmt.Errorf("%w: %s not in [0, %s]", ErrInvalidDuration, d, MaxDuration)
	}
	return nil
}
