package run

import (
	"context"
	"errors"
	"fmt"
	"github.com/clambin/go-common/slackbot"
	"github.com/clambin/sprinkler/internal/alarm"
	"github.com/clambin/sprinkler/internal/bot"
	"github.com/clambin/sprinkler/internal/collector"
	"github.com/clambin/sprinkler/internal/discovery"
	"github.com/clambin/sprinkler/internal/history"
	"github.com/clambin/sprinkler/internal/mqtt"
	"github.com/clambin/sprinkler/internal/notifier"
	"github.com/clambin/sprinkler/internal/plan"
	"github.com/clambin/sprinkler/internal/sequencer"
	"github.com/clambin/sprinkler/internal/server"
	"github.com/clambin/sprinkler/internal/valves"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/slack-go/slack"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

var Cmd = cobra.Command{
	Use:   "run",
	Short: "run the irrigation controller",
	RunE:  Main,
}

func Main(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return start(ctx, viper.GetViper(), cmd.Root().Version, slog.Default())
}

func start(ctx context.Context, cfg *viper.Viper, version string, logger *slog.Logger) error {
	logger.Info("sprinkler starting", "version", version)
	defer logger.Info("sprinkler stopped")

	// The watering plan lives next to the config file.
	p, err := loadPlan(filepath.Join(filepath.Dir(cfg.ConfigFileUsed()), "plan.yaml"))
	if err != nil {
		return err
	}

	if addr := cfg.GetString("pprof"); addr != "" {
		go func() { _ = http.ListenAndServe(addr, nil) }()
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, task := range makeTasks(cfg, p, version, prometheus.NewRegistry(), logger) {
		g.Go(func() error { return task.Run(ctx) })
	}
	return g.Wait()
}

func loadPlan(path string) (plan.WateringPlan, error) {
	f, err := os.Open(path)
	if err != nil {
		return plan.WateringPlan{}, fmt.Errorf("no watering plan: %w", err)
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	return plan.Load(f)
}

// A Task is a long-running component of the controller.
type Task interface {
	Run(ctx context.Context) error
}

func makeTasks(cfg *viper.Viper, p plan.WateringPlan, version string, registry *prometheus.Registry, l *slog.Logger) []Task {
	var tasks []Task

	store := plan.NewStore(p, l.With("component", "plan"))

	// Notifiers
	notifiers := notifier.Notifiers{&notifier.SLogNotifier{Logger: l.With("component", "notifier")}}
	if token := cfg.GetString("slack.token"); token != "" {
		notifiers = append(notifiers, &notifier.SlackNotifier{
			SlackSender: slack.New(token),
			Logger:      l.With("component", "notifier"),
		})
	}

	// Sequencer
	actuator := valves.New(
		valves.NewGPIO(cfg.GetString("valves.path")),
		p.Sections,
		cfg.GetUint64("valves.retries"),
		l.With("component", "valves"),
	)
	seq := sequencer.New(store, actuator, notifiers, sequencer.Config{
		Interval:      cfg.GetDuration("tick.interval"),
		StopOnDisable: cfg.GetBool("watering.stopOnDisable"),
	}, l.With("component", "sequencer"))
	tasks = append(tasks, seq)

	// Daily alarm
	tasks = append(tasks, alarm.New(store, seq, l.With("component", "alarm")))

	// Collector
	coll := &collector.Collector{Statuses: seq, Logger: l.With("component", "collector")}
	registry.MustRegister(coll)
	tasks = append(tasks, coll)

	// Prometheus server
	tasks = append(tasks, &httpServer{
		addr:    cfg.GetString("exporter.addr"),
		handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		logger:  l.With("component", "exporter"),
	})

	// Control endpoint, incl. /health
	h := server.NewHealth(seq, l.With("component", "health"))
	tasks = append(tasks, h, &httpServer{
		addr:    cfg.GetString("server.addr"),
		handler: server.New(store, seq, h, l.With("component", "server")),
		logger:  l.With("component", "server"),
	})

	// Watering history
	if url := cfg.GetString("influxdb.url"); url != "" {
		tasks = append(tasks, history.New(history.Config{
			URL:    url,
			Token:  cfg.GetString("influxdb.token"),
			Org:    cfg.GetString("influxdb.org"),
			Bucket: cfg.GetString("influxdb.bucket"),
		}, seq, registry, l.With("component", "history")))
	}

	// MQTT bridge
	if broker := cfg.GetString("mqtt.broker"); broker != "" {
		tasks = append(tasks, mqtt.New(mqtt.Config{
			Broker:   broker,
			Username: cfg.GetString("mqtt.username"),
			Password: cfg.GetString("mqtt.password"),
			ClientID: cfg.GetString("mqtt.clientID"),
		}, seq, store, seq, l.With("component", "mqtt")))
	}

	// mDNS
	if cfg.GetBool("discovery.enabled") {
		if port := controlPort(cfg.GetString("server.addr")); port > 0 {
			tasks = append(tasks, discovery.New(instanceName(), port, version, store, l.With("component", "discovery")))
		} else {
			l.Warn("mDNS disabled: no port in server.addr", "addr", cfg.GetString("server.addr"))
		}
	}

	// Slack bot
	if token := cfg.GetString("slack.token"); token != "" && cfg.GetBool("slack.botEnabled") {
		app := slackbot.New(token,
			slackbot.WithName("sprinklerBot "+version),
			slackbot.WithLogger(l.With(slog.String("component", "slackbot"))),
		)
		tasks = append(tasks,
			app,
			bot.New(seq, store, app, seq, l.With(slog.String("component", "bot"))),
		)
	}

	return tasks
}

func instanceName() string {
	instance := "sprinkler"
	if hostname, err := os.Hostname(); err == nil {
		instance = "sprinkler (" + hostname + ")"
	}
	return instance
}

func controlPort(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

// httpServer serves handler on addr until the context is cancelled.
type httpServer struct {
	handler http.Handler
	logger  *slog.Logger
	addr    string
}

func (h *httpServer) Run(ctx context.Context) error {
	srv := &http.Server{Addr: h.addr, Handler: h.handler, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error)
	go func() {
		h.logger.Debug("listening", "addr", h.addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen %s: %w", h.addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
