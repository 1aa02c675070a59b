package sequencer

import (
	"encoding/json"
	"github.com/clambin/sprinkler/internal/plan"
	"github.com/google/uuid"
	"time"
)

// State is the sequencer's machine state.
type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Kind says what triggered a run.
type Kind string

const (
	Automatic Kind = "auto"
	Manual    Kind = "manual"
)

// A Run describes the active watering run.
type Run struct {
	Started   time.Time
	ID        uuid.UUID
	Kind      Kind
	Section   plan.Section
	Elapsed   time.Duration
	Remaining time.Duration
}

// Status is the sequencer's published state: the machine state, the active
// run (if any), the current plan and the hardware fault condition.
type Status struct {
	Updated time.Time
	Run     *Run
	Fault   string
	Plan    plan.WateringPlan
	State   State
	Faults  int
}

// StateLabel renders the externally visible state: "disabled" is reported
// when the machine is idle with automatic watering switched off.
func (s Status) StateLabel() string {
	if s.State == Idle && !s.Plan.AutoEnabled {
		return "disabled"
	}
	return s.State.String()
}

// MarshalJSON renders the wire format used by the control surface and the
// MQTT bridge. Durations are integer seconds.
func (s Status) MarshalJSON() ([]byte, error) {
	out := statusJSON{
		State:   s.StateLabel(),
		Fault:   s.Fault,
		Faults:  s.Faults,
		Updated: s.Updated,
	}
	out.Plan.Start = s.Plan.Start.String()
	out.Plan.AutoEnabled = s.Plan.AutoEnabled
	out.Plan.Sections = make([]sectionJSON, len(s.Plan.Sections))
	for i, section := range s.Plan.Sections {
		out.Plan.Sections[i] = sectionJSON{
			ID:       int(section.ID),
			Name:     section.Name,
			Duration: int64(section.Duration.Seconds()),
		}
	}
	if s.Run != nil {
		out.Run = &runJSON{
			ID:          s.Run.ID.String(),
			Kind:        string(s.Run.Kind),
			Section:     int(s.Run.Section.ID),
			SectionName: s.Run.Section.Name,
			Elapsed:     int64(s.Run.Elapsed.Seconds()),
			Remaining:   int64(s.Run.Remaining.Seconds()),
			Started:     s.Run.Started,
		}
	}
	return json.Marshal(out)
}

type statusJSON struct {
	State   string    `json:"state"`
	Run     *runJSON  `json:"run,omitempty"`
	Plan    planJSON  `json:"plan"`
	Fault   string    `json:"fault,omitempty"`
	Faults  int       `json:"faults,omitempty"`
	Updated time.Time `json:"updated"`
}

type planJSON struct {
	Sections    []sectionJSON `json:"sections"`
	Start       string        `json:"start"`
	AutoEnabled bool          `json:"auto_enabled"`
}

type sectionJSON struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Duration int64  `json:"duration"`
}

type runJSON struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Section     int       `json:"section"`
	SectionName string    `json:"section_name"`
	Elapsed     int64     `json:"elapsed"`
	Remaining   int64     `json:"remaining"`
	Started     time.Time `json:"started"`
}
