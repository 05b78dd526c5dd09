package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"relay.evalgo.org/api"
	"relay.evalgo.org/common"
	"relay.evalgo.org/config"
	"relay.evalgo.org/correlate"
	"relay.evalgo.org/db"
	"relay.evalgo.org/dispatch"
	"relay.evalgo.org/health"
	relayhttp "relay.evalgo.org/http"
	"relay.evalgo.org/metrics"
	"relay.evalgo.org/queue"
	"relay.evalgo.org/registry"
	"relay.evalgo.org/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay API, response consumer and monitors",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "HTTP port")
	serveCmd.Flags().String("durable", "", "durable log backend (memory, postgres, bolt, redis)")
	serveCmd.Flags().String("session-policy", "", "client identity policy (shared, cookie)")

	v.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	v.BindPFlag("durable.kind", serveCmd.Flags().Lookup("durable"))
	v.BindPFlag("session.policy", serveCmd.Flags().Lookup("session-policy"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	app.Start(ctx)
	return relayhttp.Serve(ctx, app.Echo, relayhttp.ServerConfigFrom(cfg.Server), log)
}

// App is a fully wired relay.
type App struct {
	Config    *config.Config
	Echo      *echo.Echo
	Transport queue.WorkerTransport
	Log       db.Log
	Sessions  *session.Registry
	Monitor   *health.Monitor
	Metrics   *metrics.Metrics

	correlator *correlate.Correlator
	logger     *common.ContextLogger
	ready      chan struct{}
}

// NewApp opens the durable log and builds every component. Nothing talks to
// the broker until Start.
func NewApp(ctx context.Context, cfg *config.Config, log *common.ContextLogger) (*App, error) {
	m := metrics.New(cfg.Service.Name, prometheus.NewRegistry())

	durable, err := OpenDurableLog(ctx, cfg.Durable)
	if err != nil {
		return nil, err
	}

	transport, err := queue.New(cfg.Broker, log, m)
	if err != nil {
		durable.Close()
		return nil, err
	}

	identity, err := session.NewIdentityPolicy(cfg.Session)
	if err != nil {
		durable.Close()
		return nil, err
	}

	catalog := registry.NewClient(registry.ClientConfig{
		RegistryURL: cfg.Registry.URL,
		Timeout:     cfg.Registry.Timeout,
		Tag:         cfg.Registry.Tag,
		Logger:      log,
	})

	sessions := session.NewRegistry(durable, session.Options{
		IdleTimeout: cfg.Session.IdleTimeout,
		DeadTimeout: cfg.Session.DeadTimeout,
		Logger:      log,
		Metrics:     m,
	})

	dispatcher := dispatch.New(transport, catalog, durable, sessions, dispatch.Options{
		Logger:  log,
		Metrics: m,
		Schemas: catalog,
	})

	correlator := correlate.New(durable, sessions, correlate.Options{
		Logger:  log,
		Metrics: m,
		Schemas: catalog,
	})

	monitor := health.New(catalog, durable, health.Options{
		CatalogInterval:  cfg.Health.CatalogInterval,
		ProbeInterval:    cfg.Health.ProbeInterval,
		ProbeTimeout:     cfg.Health.ProbeTimeout,
		ProbeConcurrency: cfg.Health.ProbeConcurrency,
		ClearOnStart:     cfg.Health.ClearOnStart,
		Logger:           log,
		Metrics:          m,
	})

	e := relayhttp.NewEchoServer(relayhttp.ServerConfigFrom(cfg.Server), log)
	e.GET("/health", relayhttp.HealthCheckHandler(cfg.Service.Name, serviceVersion(cfg), func() map[string]interface{} {
		return map[string]interface{}{
			"broker":         cfg.Broker.Kind,
			"durable":        cfg.Durable.Kind,
			"response_queue": transport.ResponseQueue().Name,
			"sessions":       sessions.Len(),
		}
	}))
	m.RegisterEndpoint(e, "/metrics")
	(&api.Handlers{
		Dispatcher: dispatcher,
		Sessions:   sessions,
		Health:     monitor,
		Identity:   identity,
		Logger:     log,
	}).Register(e)

	return &App{
		Config:     cfg,
		Echo:       e,
		Transport:  transport,
		Log:        durable,
		Sessions:   sessions,
		Monitor:    monitor,
		Metrics:    m,
		correlator: correlator,
		logger:     common.ComponentLogger(log, "app"),
		ready:      make(chan struct{}),
	}, nil
}

// Start launches the broker setup and the background loops and returns at
// once. The API is usable right away; dispatches fail until the broker is
// connected. Everything stops when ctx is done.
func (a *App) Start(ctx context.Context) {
	go func() {
		if err := a.setupBroker(ctx); err != nil {
			return
		}
		close(a.ready)
	}()

	if a.Config.Session.SweepEnabled {
		go a.Sessions.RunSweeper(ctx, a.Config.Session.SweepInterval)
	}
	if a.Config.Health.Enabled {
		go a.Monitor.Run(ctx)
	}
}

// Ready is closed once responses are being consumed.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// setupBroker connects, ensures the response queue and starts consuming it,
// starting over after a failed step until ctx is done.
func (a *App) setupBroker(ctx context.Context) error {
	delay := a.Config.Broker.ReconnectDelay
	if delay <= 0 {
		delay = time.Second
	}
	for {
		err := a.consumeResponses(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.WithError(err).WithField("retry_in", delay.String()).Error("Broker setup failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (a *App) consumeResponses(ctx context.Context) error {
	if err := a.Transport.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	q, err := a.Transport.EnsureResponseQueue(ctx, a.Config.Broker.ResponseQueue)
	if err != nil {
		return fmt.Errorf("failed to set up response queue: %w", err)
	}
	if err := a.Transport.Consume(ctx, q, a.correlator.Handle); err != nil {
		return fmt.Errorf("failed to consume responses: %w", err)
	}
	a.logger.WithField("queue", q.Name).Info("Consuming responses")
	return nil
}

// Close releases the broker connection and the durable log.
func (a *App) Close() error {
	return errors.Join(a.Transport.Close(), a.Log.Close())
}

// OpenDurableLog opens the backend selected by cfg.Kind.
func OpenDurableLog(ctx context.Context, cfg config.DurableConfig) (db.Log, error) {
	var (
		l   db.Log
		err error
	)
	switch cfg.Kind {
	case config.DurableMemory, "":
		l = db.NewMemoryLog()
	case config.DurablePostgres:
		l, err = db.OpenGormLog(cfg.URL, cfg.MaxConnections)
	case config.DurableBolt:
		l, err = db.OpenBoltLog(cfg.Path)
	case config.DurableRedis:
		l, err = db.OpenRedisLog(ctx, cfg.URL)
	default:
		return nil, fmt.Errorf("unknown durable log kind: %q", cfg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s durable log: %w", cfg.Kind, err)
	}
	return l, nil
}
