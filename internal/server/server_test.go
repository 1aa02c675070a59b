package server_test

import (
	"encoding/json"
	"github.com/clambin/sprinkler/internal/plan"
	"github.com/clambin/sprinkler/internal/sequencer"
	"github.com/clambin/sprinkler/internal/server"
	"github.com/clambin/sprinkler/internal/valves"
	"github.com/clambin/sprinkler/internal/valves/valvestest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"
)

func testPlan() plan.WateringPlan {
	return plan.WateringPlan{
		Start: plan.TimeOfDay{Hour: 6, Minute: 30},
		Sections: []plan.Section{
			{Name: "front lawn", ID: 0, Pin: 17, Duration: time.Minute},
			{Name: "back lawn", ID: 1, Pin: 27, Duration: 0},
			{Name: "flower beds", ID: 2, Pin: 22, Duration: 30 * time.Second},
		},
		AutoEnabled: true,
	}
}

type fixture struct {
	handler http.Handler
	store   *plan.Store
	rec     *valvestest.Recorder
}

func startServer(t *testing.T) fixture {
	t.Helper()
	l := slog.New(slog.DiscardHandler)
	store := plan.NewStore(testPlan(), l)
	rec := valvestest.NewRecorder()
	seq := sequencer.New(store, valves.New(rec, testPlan().Sections, 2, l), nil, sequencer.Config{Interval: 10 * time.Millisecond}, l)
	go func() { _ = seq.Run(t.Context()) }()

	// wait for the startup sweep so commands land in a known state
	require.Eventually(t, func() bool { return len(rec.Ops()) == 3 }, time.Second, 10*time.Millisecond)
	rec.Reset()

	return fixture{handler: server.New(store, seq, nil, l), store: store, rec: rec}
}

func (f fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest(method, path, r))
	return w
}

func TestServer_Status(t *testing.T) {
	f := startServer(t)

	w := f.do(http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var status struct {
		State string `json:"state"`
		Plan  struct {
			Sections []struct {
				ID       int    `json:"id"`
				Name     string `json:"name"`
				Duration int64  `json:"duration"`
			} `json:"sections"`
			Start       string `json:"start"`
			AutoEnabled bool   `json:"auto_enabled"`
		} `json:"plan"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "idle", status.State)
	assert.Equal(t, "06:30:00", status.Plan.Start)
	assert.True(t, status.Plan.AutoEnabled)
	require.Len(t, status.Plan.Sections, 3)
	assert.Equal(t, "front lawn", status.Plan.Sections[0].Name)
	assert.Equal(t, int64(60), status.Plan.Sections[0].Duration)
}

func TestServer_EnableSectionFor(t *testing.T) {
	f := startServer(t)

	w := f.do(http.MethodPost, "/enable_section_for", `{"section": 2, "duration": 600}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result": "ok"}`, w.Body.String())

	assert.Eventually(t, func() bool { return slices.Equal(f.rec.OpenPins(), []int{22}) }, time.Second, 10*time.Millisecond)

	w = f.do(http.MethodGet, "/status", "")
	var status struct {
		State string `json:"state"`
		Run   *struct {
			Kind        string `json:"kind"`
			SectionName string `json:"section_name"`
			Remaining   int64  `json:"remaining"`
		} `json:"run"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "running", status.State)
	require.NotNil(t, status.Run)
	assert.Equal(t, "manual", status.Run.Kind)
	assert.Equal(t, "flower beds", status.Run.SectionName)
}

func TestServer_SetSectionDuration(t *testing.T) {
	f := startServer(t)

	w := f.do(http.MethodPost, "/set_section_duration", `{"section": 1, "duration": 600}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result": "ok"}`, w.Body.String())
	section, err := f.store.Section(1)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, section.Duration)

	// zero makes the section skipped
	w = f.do(http.MethodPost, "/set_section_duration", `{"section": 1, "duration": 0}`)
	require.Equal(t, http.StatusOK, w.Code)
	section, err = f.store.Section(1)
	require.NoError(t, err)
	assert.Zero(t, section.Duration)
}

func TestServer_StartWateringAt(t *testing.T) {
	f := startServer(t)

	f.store.DisableAutoWatering()
	w := f.do(http.MethodPost, "/start_watering_at", `{"time": "07:15"}`)
	require.Equal(t, http.StatusOK, w.Code)

	snapshot := f.store.Snapshot()
	assert.Equal(t, plan.TimeOfDay{Hour: 7, Minute: 15}, snapshot.Start)
	assert.True(t, snapshot.AutoEnabled)
}

func TestServer_DisableWatering(t *testing.T) {
	f := startServer(t)

	w := f.do(http.MethodPost, "/disable_watering", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, f.store.Snapshot().AutoEnabled)

	w = f.do(http.MethodGet, "/status", "")
	var status struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "disabled", status.State)
}

func TestServer_CloseAllValves(t *testing.T) {
	f := startServer(t)

	w := f.do(http.MethodPost, "/enable_section_for", `{"section": 0, "duration": 600}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Eventually(t, func() bool { return slices.Equal(f.rec.OpenPins(), []int{17}) }, time.Second, 10*time.Millisecond)

	w = f.do(http.MethodPost, "/close_all_valves", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result": "ok"}`, w.Body.String())
	assert.Empty(t, f.rec.OpenPins())

	// idempotent: closing again still succeeds
	w = f.do(http.MethodPost, "/close_all_valves", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestServer_CloseAllValves_Fault(t *testing.T) {
	f := startServer(t)

	f.rec.Fail(27, io.ErrUnexpectedEOF)
	w := f.do(http.MethodPost, "/close_all_valves", "")
	require.Equal(t, http.StatusInternalServerError, w.Code)

	var response struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "hardware_fault", response.Code)
	assert.NotEmpty(t, response.Error)
}

func TestServer_Errors(t *testing.T) {
	f := startServer(t)

	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantErr  string
	}{
		{
			name:     "unknown section",
			path:     "/enable_section_for",
			body:     `{"section": 9, "duration": 600}`,
			wantCode: http.StatusNotFound,
			wantErr:  "invalid_section",
		},
		{
			name:     "zero duration",
			path:     "/enable_section_for",
			body:     `{"section": 1, "duration": 0}`,
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_duration",
		},
		{
			name:     "duration too long",
			path:     "/set_section_duration",
			body:     `{"section": 1, "duration": 10800}`,
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_duration",
		},
		{
			name:     "unknown section duration",
			path:     "/set_section_duration",
			body:     `{"section": 9, "duration": 600}`,
			wantCode: http.StatusNotFound,
			wantErr:  "invalid_section",
		},
		{
			name:     "duration checked before section",
			path:     "/set_section_duration",
			body:     `{"section": 9, "duration": 10800}`,
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_duration",
		},
		{
			name:     "invalid time",
			path:     "/start_watering_at",
			body:     `{"time": "27:00"}`,
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_time",
		},
		{
			name:     "malformed body",
			path:     "/start_watering_at",
			body:     `{`,
			wantCode: http.StatusBadRequest,
			wantErr:  "bad_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			var response struct {
				Error string `json:"error"`
				Code  string `json:"code"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			assert.Equal(t, tt.wantErr, response.Code)
		})
	}

	// rejected commands leave the plan untouched
	assert.Equal(t, testPlan(), f.store.Snapshot())
}

func TestHealth(t *testing.T) {
	l := slog.New(slog.DiscardHandler)
	store := plan.NewStore(testPlan(), l)
	rec := valvestest.NewRecorder()
	seq := sequencer.New(store, valves.New(rec, testPlan().Sections, 2, l), nil, sequencer.Config{Interval: 10 * time.Millisecond}, l)
	go func() { _ = seq.Run(t.Context()) }()

	h := server.NewHealth(seq, l)
	handler := server.New(store, seq, h, l)

	// no status cached yet
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	go func() { _ = h.Run(t.Context()) }()
	assert.Eventually(t, func() bool {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		return w.Code == http.StatusOK
	}, time.Second, 10*time.Millisecond)
}
