package plan

import (
	"errors"
	"fmt"
	"github.com/clambin/go-common/set"
	"gopkg.in/yaml.v3"
	"io"
	"time"
)

type planFile struct {
	Schedule scheduleConfig  `yaml:"schedule"`
	Sections []sectionConfig `yaml:"sections"`
}

type sectionConfig struct {
	Name     string        `yaml:"name"`
	Pin      int           `yaml:"pin"`
	Duration time.Duration `yaml:"duration"`
}

type scheduleConfig struct {
	Start   TimeOfDay `yaml:"start"`
	Enabled bool      `yaml:"enabled"`
}

// Load reads a watering plan from r. Sections must have unique names and
// durations within [0, MaxDuration]; the section order in the file is the
// activation order.
func Load(r io.Reader) (WateringPlan, error) {
	var f planFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return WateringPlan{}, fmt.Errorf("invalid plan file: %w", err)
	}

	if len(f.Sections) == 0 {
		return WateringPlan{}, errors.New("invalid plan file: no sections")
	}

	p := WateringPlan{
		Start:       f.Schedule.Start,
		Sections:    make([]Section, 0, len(f.Sections)),
		AutoEnabled: f.Schedule.Enabled,
	}

	names := set.New[string]()
	for i, s := range f.Sections {
		if s.Name == "" {
			return WateringPlan{}, fmt.Errorf("invalid plan file: section %d has no name", i)
		}
		if names.Contains(s.Name) {
			return WateringPlan{}, fmt.Errorf("invalid plan file: duplicate section %q", s.Name)
		}
		names.Add(s.Name)
		if err := validDuration(s.Duration); err != nil {
			return WateringPlan{}, fmt.Errorf("invalid plan file: section %q: %w", s.Name, err)
		}
		p.Sections = append(p.Sections, Section{
			Name:     s.Name,
			ID:       SectionID(i),
			Pin:      s.Pin,
			Duration: s.Duration,
		})
	}
	return p, nil
}
