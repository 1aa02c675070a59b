// Package notifier reports watering events to the user: to the log, and to
// Slack when a bot token is configured.
package notifier

import (
	"time"
)

type Notifier interface {
	Notify(event Event)
}

type EventType int

const (
	Started EventType = iota
	Done
	Stopped
	Fault
)

// An Event is a state change worth telling the user about. Reason gives the
// cause in plain words ("daily schedule", "manual request", an error).
type Event struct {
	Section  string
	Reason   string
	Duration time.Duration
	Type     EventType
}

type Notifiers []Notifier

func (n Notifiers) Notify(event Event) {
	for _, l := range n {
		l.Notify(event)
	}
}

func buildMessage(event Event) string {
	switch event.Type {
	case Started:
		return "watering " + event.Section + " for " + event.Duration.Round(time.Second).String()
	case Done:
		return "watering done"
	case Stopped:
		return "watering stopped"
	case Fault:
		return "valve fault"
	}
	return ""
}
