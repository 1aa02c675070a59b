// Package sequencer runs the watering plan. It owns the only goroutine that
// is allowed to touch the valves and handles one event at a time: the daily
// alarm, the tick that advances an active run, ad-hoc watering requests and
// close-all. At most one valve is open at any moment, and a section's valve
// is closed before the next one opens.
package sequencer

import (
	"context"
	"fmt"
	"github.com/clambin/sprinkler/internal/notifier"
	"github.com/clambin/sprinkler/internal/plan"
	"github.com/clambin/sprinkler/pkg/pubsub"
	"github.com/google/uuid"
	"log/slog"
	"sync"
	"time"
)

// Planner provides the current watering plan and notifies the sequencer when
// it changes.
type Planner interface {
	Snapshot() plan.WateringPlan
	Subscribe() chan plan.WateringPlan
	Unsubscribe(ch chan plan.WateringPlan)
}

// Valves drives the physical valves.
type Valves interface {
	Open(section plan.Section) error
	Close(section plan.Section) error
	CloseAll() error
}

type Config struct {
	// Interval is the tick period that advances an active run. Defaults to
	// one second.
	Interval time.Duration
	// StopOnDisable stops an active automatic run when automatic watering is
	// switched off. Manual runs are not affected.
	StopOnDisable bool
}

type Sequencer struct {
	*pubsub.Publisher[Status]
	store     Planner
	valves    Valves
	notifiers notifier.Notifiers
	cfg       Config
	logger    *slog.Logger
	commands  chan command
	urgent    chan closeAllRequest
	now       func() time.Time

	lock   sync.RWMutex
	run    *run
	fault  string
	faults int
}

type commandType int

const (
	alarmCommand commandType = iota
	startCommand
)

type command struct {
	section plan.Section
	kind    commandType
}

type closeAllRequest struct {
	done   chan error
	reason string
}

// run is an active pass over a list of sections. index points at the section
// currently being watered; sections with a zero duration are skipped.
type run struct {
	started  time.Time
	id       uuid.UUID
	kind     Kind
	sections []plan.Section
	index    int
	elapsed  time.Duration
}

// advance moves the run to its next section with a non-zero duration. ok is
// false when no such section is left and the run is complete.
func (r *run) advance() (next plan.Section, ok bool) {
	for r.index++; r.index < len(r.sections); r.index++ {
		if r.sections[r.index].Duration > 0 {
			r.elapsed = 0
			return r.sections[r.index], true
		}
	}
	return plan.Section{}, false
}

func New(store Planner, valves Valves, notifiers notifier.Notifiers, cfg Config, logger *slog.Logger) *Sequencer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Sequencer{
		Publisher: pubsub.New[Status](logger.With(slog.String("component", "sequencer"))),
		store:     store,
		valves:    valves,
		notifiers: notifiers,
		cfg:       cfg,
		logger:    logger,
		commands:  make(chan command),
		urgent:    make(chan closeAllRequest, 1),
		now:       time.Now,
	}
}

// Run processes events until ctx is canceled. The hardware state is unknown
// at startup, so it forces all valves closed before handling any event.
// Close-all requests jump the queue.
func (s *Sequencer) Run(ctx context.Context) error {
	s.logger.Debug("sequencer started")
	defer s.logger.Debug("sequencer stopped")

	s.closeAllValves(closeAllRequest{reason: "startup"})

	ch := s.store.Subscribe()
	defer s.store.Unsubscribe(ch)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case req := <-s.urgent:
			s.closeAllValves(req)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			// leave the valves closed on the way out
			if err := s.valves.CloseAll(); err != nil {
				s.logger.Error("failed to close valves on shutdown", "err", err)
			}
			return nil
		case req := <-s.urgent:
			s.closeAllValves(req)
		case cmd := <-s.commands:
			s.handleCommand(cmd)
		case <-ticker.C:
			s.tick(s.cfg.Interval)
		case p := <-ch:
			s.planUpdated(p)
		}
	}
}

// TriggerRun starts the scheduled run, as if the daily alarm had fired. The
// request is dropped if automatic watering is disabled or a run is already
// active.
func (s *Sequencer) TriggerRun() {
	s.commands <- command{kind: alarmCommand}
}

// StartSection waters a single section for the given duration, replacing any
// active run.
func (s *Sequencer) StartSection(id plan.SectionID, duration time.Duration) error {
	if duration <= 0 || duration > plan.MaxDuration {
		return fmt.Errorf("%w: %s not in (0, %s]", plan.ErrInvalidDuration, duration, plan.MaxDuration)
	}
	section, err := s.store.Snapshot().Get(id)
	if err != nil {
		return err
	}
	section.Duration = duration
	s.commands <- command{kind: startCommand, section: section}
	return nil
}

// CloseAll stops any active run and closes every valve. It returns once the
// fail-safe state is confirmed.
func (s *Sequencer) CloseAll(ctx context.Context) error {
	req := closeAllRequest{reason: "stop requested", done: make(chan error, 1)}
	select {
	case s.urgent <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports the sequencer's current state and the active plan.
func (s *Sequencer) Status() Status {
	status := Status{
		Updated: s.now(),
		Plan:    s.store.Snapshot(),
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	status.Fault = s.fault
	status.Faults = s.faults
	if s.run != nil {
		current := s.run.sections[s.run.index]
		status.State = Running
		status.Run = &Run{
			Started:   s.run.started,
			ID:        s.run.id,
			Kind:      s.run.kind,
			Section:   current,
			Elapsed:   s.run.elapsed,
			Remaining: max(current.Duration-s.run.elapsed, 0),
		}
	}
	return status
}

func (s *Sequencer) handleCommand(cmd command) {
	switch cmd.kind {
	case alarmCommand:
		s.handleAlarm()
	case startCommand:
		s.handleStart(cmd.section)
	}
}

func (s *Sequencer) handleAlarm() {
	snapshot := s.store.Snapshot()
	if !snapshot.AutoEnabled {
		s.logger.Debug("alarm ignored: automatic watering is disabled")
		return
	}
	if s.running() {
		s.logger.Warn("alarm ignored: a run is already active")
		return
	}
	s.beginRun(Automatic, snapshot.Sections)
}

func (s *Sequencer) handleStart(section plan.Section) {
	if current, ok := s.currentSection(); ok {
		s.logger.Info("replacing active run", "section", section.Name)
		s.closeValve(current)
	}
	s.beginRun(Manual, []plan.Section{section})
}

func (s *Sequencer) beginRun(kind Kind, sections []plan.Section) {
	r := &run{
		started:  s.now(),
		id:       uuid.New(),
		kind:     kind,
		sections: sections,
		index:    -1,
	}
	first, ok := r.advance()
	if !ok {
		s.logger.Info("nothing to water: all section durations are zero")
		return
	}
	s.setRun(r)
	s.logger.Info("watering started", "kind", string(kind), "id", r.id.String())
	s.openValve(first, kind.reason())
	s.Publish(s.Status())
}

// tick advances the active run by delta and publishes the current status as
// a heartbeat. When the current section has had its time, its valve is closed
// before the next section's valve opens.
func (s *Sequencer) tick(delta time.Duration) {
	s.lock.Lock()
	r := s.run
	if r == nil {
		s.lock.Unlock()
		s.Publish(s.Status())
		return
	}
	r.elapsed += delta
	current := r.sections[r.index]
	sectionDone := r.elapsed >= current.Duration
	s.lock.Unlock()

	if !sectionDone {
		s.Publish(s.Status())
		return
	}

	s.closeValve(current)

	s.lock.Lock()
	next, ok := r.advance()
	if !ok {
		s.run = nil
	}
	s.lock.Unlock()

	if ok {
		s.openValve(next, r.kind.reason())
	} else {
		s.logger.Info("watering done", "id", r.id.String())
		s.notifiers.Notify(notifier.Event{Type: notifier.Done, Reason: "all sections watered"})
	}
	s.Publish(s.Status())
}

func (s *Sequencer) planUpdated(p plan.WateringPlan) {
	s.logger.Debug("plan updated")
	if !p.AutoEnabled && s.cfg.StopOnDisable {
		s.lock.RLock()
		autoRun := s.run != nil && s.run.kind == Automatic
		s.lock.RUnlock()
		if autoRun {
			s.closeAllValves(closeAllRequest{reason: "automatic watering disabled"})
			return
		}
	}
	s.Publish(s.Status())
}

func (s *Sequencer) closeAllValves(req closeAllRequest) {
	err := s.valves.CloseAll()

	s.lock.Lock()
	wasRunning := s.run != nil
	s.run = nil
	if err == nil {
		s.fault = ""
	} else {
		s.fault = err.Error()
		s.faults++
	}
	s.lock.Unlock()

	if err != nil {
		s.logger.Error("failed to close all valves", "err", err, "reason", req.reason)
		s.notifiers.Notify(notifier.Event{Type: notifier.Fault, Reason: err.Error()})
	} else if wasRunning {
		s.logger.Info("watering stopped", "reason", req.reason)
		s.notifiers.Notify(notifier.Event{Type: notifier.Stopped, Reason: req.reason})
	}
	if req.done != nil {
		req.done <- err
	}
	s.Publish(s.Status())
}

func (s *Sequencer) openValve(section plan.Section, reason string) {
	if err := s.valves.Open(section); err != nil {
		s.recordFault(err)
		return
	}
	s.logger.Info("section open", "section", section.Name, "duration", section.Duration)
	s.notifiers.Notify(notifier.Event{Type: notifier.Started, Section: section.Name, Duration: section.Duration, Reason: reason})
}

func (s *Sequencer) closeValve(section plan.Section) {
	if err := s.valves.Close(section); err != nil {
		s.recordFault(err)
		return
	}
	s.logger.Info("section closed", "section", section.Name)
}

// recordFault logs and reports a failed valve operation. The run is not
// aborted: the schedule keeps advancing past a stuck valve.
func (s *Sequencer) recordFault(err error) {
	s.logger.Error("valve operation failed", "err", err)
	s.lock.Lock()
	s.fault = err.Error()
	s.faults++
	s.lock.Unlock()
	s.notifiers.Notify(notifier.Event{Type: notifier.Fault, Reason: err.Error()})
}

func (s *Sequencer) running() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.run != nil
}

func (s *Sequencer) currentSection() (plan.Section, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.run == nil {
		return plan.Section{}, false
	}
	return s.run.sections[s.run.index], true
}

func (s *Sequencer) setRun(r *run) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.run = r
}

func (k Kind) reason() string {
	if k == Manual {
		return "manual request"
	}
	return "daily schedule"
}
