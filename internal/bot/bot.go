// Package bot implements a Slack bot to control the sprinklers from a phone.
// It supports reporting the current status, watering a section on demand,
// stopping a run and enabling or disabling the automatic schedule.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clambin/go-common/slackbot"
	"github.com/clambin/sprinkler/internal/plan"
	"github.com/clambin/sprinkler/internal/sequencer"
	"github.com/slack-go/slack"
)

type Bot struct {
	sequencer Sequencer
	plans     Planner
	statuses  StatusSource
	logger    *slog.Logger
	lock      sync.RWMutex
	status    sequencer.Status
	updated   bool
}

// Sequencer executes watering commands received from Slack.
type Sequencer interface {
	StartSection(id plan.SectionID, duration time.Duration) error
	CloseAll(ctx context.Context) error
}

// Planner looks up sections and edits the automatic schedule.
type Planner interface {
	Section(id plan.SectionID) (plan.Section, error)
	SectionByName(name string) (plan.Section, error)
	EnableAutoWatering(t plan.TimeOfDay) error
	DisableAutoWatering()
	Snapshot() plan.WateringPlan
}

// SlackBot registers the bot's commands and runs the Slack connection.
type SlackBot interface {
	Register(name string, command slackbot.CommandFunc)
	Run(ctx context.Context) error
	Send(channel string, attachments []slack.Attachment) error
}

// StatusSource publishes sequencer status updates.
type StatusSource interface {
	Subscribe() chan sequencer.Status
	Unsubscribe(ch chan sequencer.Status)
}

func New(seq Sequencer, plans Planner, app SlackBot, statuses StatusSource, logger *slog.Logger) *Bot {
	b := Bot{
		sequencer: seq,
		plans:     plans,
		statuses:  statuses,
		logger:    logger,
	}
	app.Register("status", b.ReportStatus)
	app.Register("water", b.StartWatering)
	app.Register("stop", b.StopWatering)
	app.Register("enable", b.EnableSchedule)
	app.Register("disable", b.DisableSchedule)

	return &b
}

// Run caches status updates so the status command can answer immediately.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Debug("started")
	defer b.logger.Debug("stopped")

	ch := b.statuses.Subscribe()
	defer b.statuses.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case status := <-ch:
			b.lock.Lock()
			b.status = status
			b.updated = true
			b.lock.Unlock()
		}
	}
}

func (b *Bot) ReportStatus(_ context.Context, _ ...string) []slack.Attachment {
	b.lock.RLock()
	defer b.lock.RUnlock()

	if !b.updated {
		return []slack.Attachment{{
			Color: "bad",
			Text:  "no status yet. please check back later",
		}}
	}

	var title string
	switch {
	case b.status.Run != nil:
		title = fmt.Sprintf("watering %s (%s left)", b.status.Run.Section.Name, b.status.Run.Remaining.Round(time.Second))
	case !b.status.Plan.AutoEnabled:
		title = "automatic watering disabled"
	default:
		title = "idle. next run at " + b.status.Plan.Start.String()
	}

	text := make([]string, 0, len(b.status.Plan.Sections))
	for _, section := range b.status.Plan.Sections {
		line := section.Name + ": " + section.Duration.String()
		if section.Duration == 0 {
			line = section.Name + ": skipped"
		}
		text = append(text, line)
	}

	return []slack.Attachment{{
		Color: "good",
		Title: title,
		Text:  strings.Join(text, "\n"),
	}}
}

func (b *Bot) StartWatering(_ context.Context, args ...string) []slack.Attachment {
	section, duration, err := b.parseWaterCommand(args...)
	if err != nil {
		err = fmt.Errorf("invalid command: %w", err)
	} else {
		err = b.sequencer.StartSection(section.ID, duration)
	}

	if err != nil {
		return []slack.Attachment{{
			Color: "bad",
			Text:  err.Error(),
		}}
	}

	return []slack.Attachment{{
		Color: "good",
		Text:  fmt.Sprintf("watering %s for %s", section.Name, duration.String()),
	}}
}

func (b *Bot) parseWaterCommand(args ...string) (plan.Section, time.Duration, error) {
	if len(args) != 2 {
		return plan.Section{}, 0, errors.New("missing parameters\nUsage: water <section> <duration>")
	}

	section, err := b.findSection(args[0])
	if err != nil {
		return plan.Section{}, 0, err
	}

	duration, err := time.ParseDuration(args[1])
	if err != nil {
		return plan.Section{}, 0, fmt.Errorf("invalid duration: \"%s\"", args[1])
	}

	return section, duration, nil
}

// findSection accepts a section id or a section name.
func (b *Bot) findSection(arg string) (plan.Section, error) {
	if id, err := strconv.Atoi(arg); err == nil {
		return b.plans.Section(plan.SectionID(id))
	}
	return b.plans.SectionByName(arg)
}

func (b *Bot) StopWatering(ctx context.Context, _ ...string) []slack.Attachment {
	if err := b.sequencer.CloseAll(ctx); err != nil {
		return []slack.Attachment{{
			Color: "bad",
			Text:  err.Error(),
		}}
	}
	return []slack.Attachment{{
		Color: "good",
		Text:  "all valves closed",
	}}
}

func (b *Bot) EnableSchedule(_ context.Context, args ...string) []slack.Attachment {
	start := b.plans.Snapshot().Start
	var err error
	if len(args) > 0 {
		start, err = plan.ParseTimeOfDay(args[0])
		if err != nil {
			err = fmt.Errorf("invalid command: %w", err)
		}
	}
	if err == nil {
		err = b.plans.EnableAutoWatering(start)
	}

	if err != nil {
		return []slack.Attachment{{
			Color: "bad",
			Text:  err.Error(),
		}}
	}

	return []slack.Attachment{{
		Color: "good",
		Text:  "automatic watering enabled. daily start at " + start.String(),
	}}
}

func (b *Bot) DisableSchedule(_ context.Context, _ ...string) []slack.Attachment {
	b.plans.DisableAutoWatering()
	return []slack.Attachment{{
		Color: "good",
		Text:  "automatic watering disabled",
	}}
}
