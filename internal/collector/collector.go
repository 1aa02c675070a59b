// Package collector exposes the sequencer's state as Prometheus metrics.
package collector

import (
	"context"
	"github.com/clambin/sprinkler/internal/sequencer"
	"github.com/prometheus/client_golang/prometheus"
	"log/slog"
	"sync"
)

var (
	sectionOpen = prometheus.NewDesc(
		prometheus.BuildFQName("sprinkler", "section", "open"),
		"1 if the section's valve is currently open",
		[]string{"section"},
		nil,
	)
	sectionDuration = prometheus.NewDesc(
		prometheus.BuildFQName("sprinkler", "section", "duration_seconds"),
		"Configured watering duration of the section in seconds. 0 means the section is skipped",
		[]string{"section"},
		nil,
	)
	runActive = prometheus.NewDesc(
		prometheus.BuildFQName("sprinkler", "run", "active"),
		"1 if a watering run is active",
		nil,
		nil,
	)
	runRemaining = prometheus.NewDesc(
		prometheus.BuildFQName("sprinkler", "run", "remaining_seconds"),
		"Remaining watering time of the current section in seconds",
		nil,
		nil,
	)
	autoEnabled = prometheus.NewDesc(
		prometheus.BuildFQName("sprinkler", "", "auto_enabled"),
		"1 if automatic watering is enabled",
		nil,
		nil,
	)
	valveFaults = prometheus.NewDesc(
		prometheus.BuildFQName("sprinkler", "valve", "faults_total"),
		"Number of failed valve operations since startup",
		nil,
		nil,
	)
)

// StatusSource publishes sequencer status updates.
type StatusSource interface {
	Subscribe() chan sequencer.Status
	Unsubscribe(ch chan sequencer.Status)
}

type Collector struct {
	Statuses StatusSource
	Logger   *slog.Logger
	lock     sync.RWMutex
	status   sequencer.Status
	updated  bool
}

var _ prometheus.Collector = &Collector{}

func (c *Collector) Run(ctx context.Context) error {
	c.Logger.Debug("started")
	defer c.Logger.Debug("stopped")

	ch := c.Statuses.Subscribe()
	defer c.Statuses.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case status := <-ch:
			c.set(status)
		}
	}
}

func (c *Collector) set(status sequencer.Status) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.status = status
	c.updated = true
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sectionOpen
	ch <- sectionDuration
	ch <- runActive
	ch <- runRemaining
	ch <- autoEnabled
	ch <- valveFaults
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	if !c.updated {
		return
	}

	var open string
	if c.status.Run != nil {
		open = c.status.Run.Section.Name
	}
	for _, section := range c.status.Plan.Sections {
		var value float64
		if section.Name == open {
			value = 1.0
		}
		ch <- prometheus.MustNewConstMetric(sectionOpen, prometheus.GaugeValue, value, section.Name)
		ch <- prometheus.MustNewConstMetric(sectionDuration, prometheus.GaugeValue, section.Duration.Seconds(), section.Name)
	}

	var active, remaining float64
	if c.status.Run != nil {
		active = 1.0
		remaining = c.status.Run.Remaining.Seconds()
	}
	ch <- prometheus.MustNewConstMetric(runActive, prometheus.GaugeValue, active)
	ch <- prometheus.MustNewConstMetric(runRemaining, prometheus.GaugeValue, remaining)

	var enabled float64
	if c.status.Plan.AutoEnabled {
		enabled = 1.0
	}
	ch <- prometheus.MustNewConstMetric(autoEnabled, prometheus.GaugeValue, enabled)
	ch <- prometheus.MustNewConstMetric(valveFaults, prometheus.CounterValue, float64(c.status.Faults))
}
