// Package server exposes the control surface over HTTP: current status,
// watering commands and schedule changes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/clambin/sprinkler/internal/plan"
	"github.com/clambin/sprinkler/internal/sequencer"
	"github.com/clambin/sprinkler/internal/valves"
	"log/slog"
	"net/http"
	"time"
)

// Sequencer is the part of the watering state machine the control surface
// drives.
type Sequencer interface {
	StartSection(id plan.SectionID, duration time.Duration) error
	CloseAll(ctx context.Context) error
	Status() sequencer.Status
}

// Planner holds the watering plan the control surface edits.
type Planner interface {
	SetSectionDuration(id plan.SectionID, d time.Duration) error
	EnableAutoWatering(t plan.TimeOfDay) error
	DisableAutoWatering()
}

type server struct {
	store     Planner
	sequencer Sequencer
	logger    *slog.Logger
}

// New returns the control surface handler. health is mounted on GET /health.
func New(store Planner, seq Sequencer, health http.Handler, logger *slog.Logger) http.Handler {
	s := server{store: store, sequencer: seq, logger: logger}
	m := http.NewServeMux()
	m.HandleFunc("GET /status", s.status)
	m.HandleFunc("POST /enable_section_for", s.enableSectionFor)
	m.HandleFunc("POST /start_watering_at", s.startWateringAt)
	m.HandleFunc("POST /set_section_duration", s.setSectionDuration)
	m.HandleFunc("POST /disable_watering", s.disableWatering)
	m.HandleFunc("POST /close_all_valves", s.closeAllValves)
	if health != nil {
		m.Handle("GET /health", health)
	}
	return m
}

// durations on the wire are integer seconds
type sectionRequest struct {
	Section  int   `json:"section"`
	Duration int64 `json:"duration"`
}

type timeRequest struct {
	Time string `json:"time"`
}

type resultResponse struct {
	Result string `json:"result"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s server) status(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.sequencer.Status()); err != nil {
		s.logger.Error("failed to encode status", "err", err)
	}
}

func (s server) enableSectionFor(w http.ResponseWriter, r *http.Request) {
	var req sectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, s.sequencer.StartSection(plan.SectionID(req.Section), time.Duration(req.Duration)*time.Second))
}

func (s server) startWateringAt(w http.ResponseWriter, r *http.Request) {
	var req timeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, err)
		return
	}
	t, err := plan.ParseTimeOfDay(req.Time)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, s.store.EnableAutoWatering(t))
}

func (s server) setSectionDuration(w http.ResponseWriter, r *http.Request) {
	var req sectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, s.store.SetSectionDuration(plan.SectionID(req.Section), time.Duration(req.Duration)*time.Second))
}

func (s server) disableWatering(w http.ResponseWriter, _ *http.Request) {
	s.store.DisableAutoWatering()
	s.respond(w, nil)
}

func (s server) closeAllValves(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.sequencer.CloseAll(r.Context()))
}

func (s server) respond(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resultResponse{Result: "ok"})
}

func (s server) writeError(w http.ResponseWriter, err error) {
	code, status := errorCode(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error(), Code: code})
}

func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, plan.ErrInvalidSection):
		return "invalid_section", http.StatusNotFound
	case errors.Is(err, plan.ErrInvalidDuration):
		return "invalid_duration", http.StatusBadRequest
	case errors.Is(err, plan.ErrInvalidTime):
		return "invalid_time", http.StatusBadRequest
	case errors.Is(err, valves.ErrHardwareFault):
		return "hardware_fault", http.StatusInternalServerError
	}
	return "bad_request", http.StatusBadRequest
}
