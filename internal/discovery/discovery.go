// Package discovery announces the controller on the local network over mDNS,
// so phones and home automation hubs can find the control API without manual
// configuration.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/clambin/sprinkler/internal/plan"
	"github.com/enbility/zeroconf/v3"
)

const (
	serviceType = "_sprinkler._tcp"
	domain      = "local."
)

// Planner provides the watering plan being announced.
type Planner interface {
	Snapshot() plan.WateringPlan
}

// Announcer registers the controller as an mDNS service while it is running.
type Announcer struct {
	plans    Planner
	logger   *slog.Logger
	instance string
	version  string
	port     int
	register func(instance string, port int, text []string) (mdnsServer, error)
}

type mdnsServer interface {
	Shutdown()
}

// New returns an Announcer advertising the control API's port under the given
// instance name.
func New(instance string, port int, version string, plans Planner, logger *slog.Logger) *Announcer {
	return &Announcer{
		plans:    plans,
		logger:   logger,
		instance: instance,
		version:  version,
		port:     port,
		register: registerService,
	}
}

func registerService(instance string, port int, text []string) (mdnsServer, error) {
	return zeroconf.Register(instance, serviceType, domain, port, text, nil)
}

// Run announces the service until ctx is cancelled.
func (a *Announcer) Run(ctx context.Context) error {
	server, err := a.register(a.instance, a.port, a.txtRecords())
	if err != nil {
		return fmt.Errorf("mdns: %w", err)
	}
	a.logger.Info("announcing on the local network", "instance", a.instance, "port", a.port)

	<-ctx.Done()
	server.Shutdown()
	a.logger.Debug("stopped")
	return nil
}

func (a *Announcer) txtRecords() []string {
	p := a.plans.Snapshot()
	return []string{
		"version=" + a.version,
		"sections=" + strconv.Itoa(len(p.Sections)),
	}
}
