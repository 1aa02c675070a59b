// Package history records watering activity in InfluxDB. The recorder
// subscribes to sequencer status updates and writes a point whenever a
// section's valve opens or closes, tagged with the section name and the
// trigger (automatic or manual) so that past runs can be charted per section.
package history

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/clambin/go-common/http/metrics"
	"github.com/clambin/go-common/http/roundtripper"
	"github.com/clambin/sprinkler/internal/sequencer"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

const measurement = "watering"

// StatusSource publishes sequencer status updates.
type StatusSource interface {
	Subscribe() chan sequencer.Status
	Unsubscribe(ch chan sequencer.Status)
}

// PointWriter writes measurement points to InfluxDB. It is implemented by
// api.WriteAPIBlocking.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Config contains the InfluxDB connection parameters.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Recorder writes section open & close events to InfluxDB. Writes go through
// a circuit breaker: when InfluxDB is down, the breaker opens after a few
// consecutive failures and the recorder fails fast until the server recovers.
// Watering itself is never affected by a failed write.
type Recorder struct {
	statuses StatusSource
	writer   PointWriter
	client   influxdb2.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
	last     sequencer.Status
}

// New returns a Recorder writing to the InfluxDB server in cfg. The underlying
// HTTP client is instrumented; its request metrics are registered with registry.
func New(cfg Config, statuses StatusSource, registry prometheus.Registerer, logger *slog.Logger) *Recorder {
	m := metrics.NewRequestMetrics(metrics.Options{
		Namespace: "sprinkler",
		Subsystem: "influxdb",
		LabelValues: func(request *http.Request, statusCode int) (string, string, string) {
			return request.Method, request.URL.Path, strconv.Itoa(statusCode)
		},
	})
	registry.MustRegister(m)

	httpClient := &http.Client{
		Transport: roundtripper.New(
			roundtripper.WithRequestMetrics(m),
			roundtripper.WithRoundTripper(http.DefaultTransport),
		),
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, influxdb2.DefaultOptions().SetHTTPClient(httpClient))

	return &Recorder{
		statuses: statuses,
		writer:   client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		client:   client,
		breaker:  newBreaker(),
		logger:   logger,
	}
}

func newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "influxdb",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})
}

// Run records status updates until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) error {
	r.logger.Debug("started")
	defer r.logger.Debug("stopped")

	if r.client != nil {
		defer r.client.Close()
	}

	ch := r.statuses.Subscribe()
	defer r.statuses.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case status := <-ch:
			r.record(ctx, status)
		}
	}
}

// record compares the update with the previously seen status and writes a
// point for each valve that opened or closed in between. Updates that don't
// change which valve is open (ticks, plan edits) write nothing.
func (r *Recorder) record(ctx context.Context, status sequencer.Status) {
	previous := r.last.Run
	current := status.Run
	r.last = status

	switch {
	case previous == nil && current == nil:
	case previous == nil:
		r.write(ctx, newPoint(current, status.Updated, true))
	case current == nil:
		r.write(ctx, newPoint(previous, status.Updated, false))
	case previous.ID != current.ID || previous.Section.ID != current.Section.ID:
		r.write(ctx, newPoint(previous, status.Updated, false))
		r.write(ctx, newPoint(current, status.Updated, true))
	}
}

func (r *Recorder) write(ctx context.Context, point *write.Point) {
	_, err := r.breaker.Execute(func() (any, error) {
		return nil, r.writer.WritePoint(ctx, point)
	})
	if err != nil {
		r.logger.Warn("failed to record watering event", "err", err)
	}
}

func newPoint(run *sequencer.Run, timestamp time.Time, open bool) *write.Point {
	return influxdb2.NewPoint(measurement,
		map[string]string{
			"section": run.Section.Name,
			"trigger": string(run.Kind),
		},
		map[string]any{
			"open":            open,
			"elapsed_seconds": run.Elapsed.Seconds(),
			"run_id":          run.ID.String(),
		},
		timestamp,
	)
}
