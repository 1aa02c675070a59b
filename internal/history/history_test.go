package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/clambin/sprinkler/internal/plan"
	"github.com/clambin/sprinkler/internal/sequencer"
	"github.com/clambin/sprinkler/pkg/pubsub"
	"github.com/google/uuid"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	frontLawn = plan.Section{Name: "front lawn", ID: 0, Pin: 17, Duration: time.Minute}
	backLawn  = plan.Section{Name: "back lawn", ID: 1, Pin: 27, Duration: 30 * time.Second}
)

func TestRecorder_Record(t *testing.T) {
	updated := time.Date(2026, time.June, 15, 6, 30, 0, 0, time.UTC)
	runID := uuid.New()

	tests := []struct {
		name   string
		before sequencer.Status
		after  sequencer.Status
		want   []string
	}{
		{
			name:   "idle",
			before: idleStatus(updated),
			after:  idleStatus(updated.Add(time.Second)),
			want:   nil,
		},
		{
			name:   "section opens",
			before: idleStatus(updated),
			after:  runningStatus(runID, frontLawn, 0, updated.Add(time.Second)),
			want:   []string{"front lawn open"},
		},
		{
			name:   "tick",
			before: runningStatus(runID, frontLawn, time.Second, updated),
			after:  runningStatus(runID, frontLawn, 2*time.Second, updated.Add(time.Second)),
			want:   nil,
		},
		{
			name:   "run advances to the next section",
			before: runningStatus(runID, frontLawn, time.Minute, updated),
			after:  runningStatus(runID, backLawn, 0, updated.Add(time.Second)),
			want:   []string{"front lawn closed", "back lawn open"},
		},
		{
			name:   "a new run replaces the current one",
			before: runningStatus(runID, frontLawn, 10*time.Second, updated),
			after:  runningStatus(uuid.New(), backLawn, 0, updated.Add(time.Second)),
			want:   []string{"front lawn closed", "back lawn open"},
		},
		{
			name:   "run ends",
			before: runningStatus(runID, backLawn, 30*time.Second, updated),
			after:  idleStatus(updated.Add(time.Second)),
			want:   []string{"back lawn closed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writer := fakeWriter{}
			r := Recorder{writer: &writer, breaker: newBreaker(), logger: slog.New(slog.DiscardHandler)}

			r.record(t.Context(), tt.before)
			writer.reset()
			r.record(t.Context(), tt.after)

			var got []string
			for _, point := range writer.list() {
				label := pointTags(point)["section"] + " closed"
				if pointFields(point)["open"] == true {
					label = pointTags(point)["section"] + " open"
				}
				got = append(got, label)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRecorder_Record_PointContents(t *testing.T) {
	updated := time.Date(2026, time.June, 15, 6, 31, 0, 0, time.UTC)
	runID := uuid.New()

	writer := fakeWriter{}
	r := Recorder{writer: &writer, breaker: newBreaker(), logger: slog.New(slog.DiscardHandler)}
	r.record(t.Context(), runningStatus(runID, frontLawn, 0, updated))
	r.record(t.Context(), idleStatus(updated.Add(time.Minute)))

	points := writer.list()
	require.Len(t, points, 2)

	open := points[0]
	assert.Equal(t, "watering", open.Name())
	assert.Equal(t, map[string]string{"section": "front lawn", "trigger": "auto"}, pointTags(open))
	assert.Equal(t, map[string]any{"open": true, "elapsed_seconds": 0.0, "run_id": runID.String()}, pointFields(open))
	assert.Equal(t, updated, open.Time())

	closed := points[1]
	assert.Equal(t, map[string]string{"section": "front lawn", "trigger": "auto"}, pointTags(closed))
	assert.Equal(t, map[string]any{"open": false, "elapsed_seconds": 0.0, "run_id": runID.String()}, pointFields(closed))
	assert.Equal(t, updated.Add(time.Minute), closed.Time())
}

func TestRecorder_CircuitBreaker(t *testing.T) {
	writer := fakeWriter{err: io.ErrUnexpectedEOF}
	r := Recorder{writer: &writer, breaker: newBreaker(), logger: slog.New(slog.DiscardHandler)}

	updated := time.Date(2026, time.June, 15, 6, 30, 0, 0, time.UTC)
	for range 8 {
		r.record(t.Context(), runningStatus(uuid.New(), frontLawn, 0, updated))
		r.record(t.Context(), idleStatus(updated))
	}

	// the breaker opens after five consecutive failures. subsequent writes
	// fail fast without reaching InfluxDB.
	assert.Equal(t, 5, writer.calls())
}

func TestRecorder_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	l := slog.New(slog.DiscardHandler)

	statuses := pubsub.New[sequencer.Status](l)
	writer := fakeWriter{}
	r := Recorder{statuses: statuses, writer: &writer, breaker: newBreaker(), logger: l}

	errCh := make(chan error)
	go func() { errCh <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return statuses.Subscribers() > 0 }, time.Second, 10*time.Millisecond)

	updated := time.Date(2026, time.June, 15, 6, 30, 0, 0, time.UTC)
	statuses.Publish(runningStatus(uuid.New(), frontLawn, 0, updated))
	require.Eventually(t, func() bool { return writer.calls() == 1 }, time.Second, 10*time.Millisecond)

	statuses.Publish(idleStatus(updated.Add(time.Minute)))
	require.Eventually(t, func() bool { return writer.calls() == 2 }, time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-errCh)
	assert.Zero(t, statuses.Subscribers())
}

func TestNew(t *testing.T) {
	l := slog.New(slog.DiscardHandler)
	statuses := pubsub.New[sequencer.Status](l)
	cfg := Config{URL: "http://localhost:8086", Token: "token", Org: "home", Bucket: "sprinkler"}

	r := New(cfg, statuses, prometheus.NewPedanticRegistry(), l)
	require.NotNil(t, r)
	assert.NotNil(t, r.writer)
	assert.NotNil(t, r.breaker)
}

func idleStatus(updated time.Time) sequencer.Status {
	return sequencer.Status{Updated: updated, State: sequencer.Idle}
}

func runningStatus(id uuid.UUID, section plan.Section, elapsed time.Duration, updated time.Time) sequencer.Status {
	return sequencer.Status{
		Updated: updated,
		State:   sequencer.Running,
		Run: &sequencer.Run{
			Started: updated.Add(-elapsed),
			ID:      id,
			Kind:    sequencer.Automatic,
			Section: section,
			Elapsed: elapsed,
		},
	}
}

func pointTags(point *write.Point) map[string]string {
	tags := make(map[string]string)
	for _, tag := range point.TagList() {
		tags[tag.Key] = tag.Value
	}
	return tags
}

func pointFields(point *write.Point) map[string]any {
	fields := make(map[string]any)
	for _, field := range point.FieldList() {
		fields[field.Key] = field.Value
	}
	return fields
}

type fakeWriter struct {
	lock   sync.Mutex
	err    error
	writes int
	points []*write.Point
}

func (f *fakeWriter) WritePoint(_ context.Context, points ...*write.Point) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.writes++
	if f.err != nil {
		return f.err
	}
	f.points = append(f.points, points...)
	return nil
}

func (f *fakeWriter) calls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.writes
}

func (f *fakeWriter) list() []*write.Point {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.points
}

func (f *fakeWriter) reset() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.writes = 0
	f.points = nil
}
