package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicflow/clinicflow/internal/api"
	"github.com/clinicflow/clinicflow/internal/appointment"
	"github.com/clinicflow/clinicflow/internal/config"
	"github.com/clinicflow/clinicflow/internal/consul"
	"github.com/clinicflow/clinicflow/internal/db"
	"github.com/clinicflow/clinicflow/internal/healthmonitor"
	"github.com/clinicflow/clinicflow/internal/messaging"
	"github.com/clinicflow/clinicflow/internal/professional"
)

const version = "1.0.0"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health := api.HealthConfig{
		Required: map[string]api.Check{},
		Optional: map[string]api.Check{},
		Env:      cfg.Env,
		Version:  version,
	}

	// Appointment store: Postgres when configured, in-memory otherwise.
	var (
		store    appointment.Store
		patients appointment.PatientDirectory
		pool     *pgxpool.Pool
	)
	if cfg.Postgres.DSN != "" {
		pool, err = db.ConnectPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		if cfg.Postgres.Migrate {
			if err := db.Migrate(ctx, pool); err != nil {
				return err
			}
		}
		pgStore := appointment.NewPgStore(pool)
		store, patients = pgStore, pgStore
		health.Required["postgres"] = api.PingPostgres(pool)
	} else {
		logger.Warn("POSTGRES_DSN not set, appointments are kept in memory")
		store = appointment.NewMemoryStore()
	}

	// Publish log: Redis stream when configured.
	var publishLog messaging.PublishLog = &messaging.MemoryPublishLog{}
	if cfg.Redis.Addr != "" {
		rdb, err := db.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Username, cfg.Redis.Password)
		if err != nil {
			return err
		}
		defer rdb.Close()
		publishLog = messaging.NewRedisPublishLog(rdb, cfg.Redis.PublishLogStream, cfg.Redis.PublishLogMaxLen)
		health.Optional["redis"] = api.PingRedis(rdb)
	}

	var registry *consul.Registry
	if cfg.Consul.Addr != "" {
		registry, err = consul.NewRegistry(cfg.Consul.Addr, logger)
		if err != nil {
			return fmt.Errorf("consul registry: %w", err)
		}
	}

	// Broker and dependency monitor.
	topology := messaging.DefaultTopology()
	topology.DeliveryLimit = cfg.RabbitMQ.DeliveryLimit

	var (
		broker     messaging.Broker
		brokerDeps messaging.DependencyHealth
	)
	if cfg.RabbitMQ.URL != "" {
		amqpBroker, err := messaging.DialBroker(cfg.RabbitMQ.URL, topology, logger)
		if err != nil {
			return fmt.Errorf("rabbitmq: %w", err)
		}
		defer amqpBroker.Close()
		broker = amqpBroker

		deps, closeDeps, err := dependencies(cfg, registry)
		if err != nil {
			return err
		}
		defer closeDeps()
		if !deps[0].Critical {
			logger.Warn("no notification service probe configured, events are never diverted by the pre-check")
		}

		monitor := healthmonitor.NewMonitor(deps, healthmonitor.Config{
			ProbeInterval: cfg.Health.ProbeInterval,
			ProbeTimeout:  cfg.Health.ProbeTimeout,
			StaleAfter:    3 * cfg.Health.ProbeInterval,
		}, logger)
		go monitor.Run(ctx)
		brokerDeps = monitor
		health.Monitor = monitor
	} else {
		logger.Warn("RABBITMQ_URL not set, events are logged instead of published")
		broker = messaging.NopBroker{Logger: logger}
	}

	breaker := healthmonitor.NewCircuitBreaker(healthmonitor.BreakerConfig{
		Name:             "rabbitmq",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		CoolDown:         cfg.Breaker.CoolDown,
	})
	breaker.OnStateChange(func(name string, from, to healthmonitor.BreakerState) {
		logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	})
	health.Breakers = []api.BreakerView{breaker}

	eventPublisher := messaging.NewEventPublisher(broker, breaker, brokerDeps, publishLog, messaging.PublisherConfig{
		Topology: topology,
		Timeout:  cfg.RabbitMQ.PublishTimeout,
	}, logger)
	async := messaging.NewAsyncPublisher(eventPublisher, publishLog, cfg.RabbitMQ.QueueSize, logger)

	professionals, err := professionalGateway(cfg, registry)
	if err != nil {
		return err
	}

	svc := appointment.NewService(store, professionals, patients, async, appointment.Config{
		SlotDuration: cfg.Scheduling.SlotDuration,
		StaleRetries: cfg.Scheduling.StaleRetries,
	}, logger)

	server := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Service:   svc,
			Health:    health,
			RateLimit: cfg.RateLimit,
			CORS:      cfg.CORS,
			Logger:    logger,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("scheduler starting",
			"port", cfg.HTTPPort,
			"slot_duration", cfg.Scheduling.SlotDuration,
			"postgres", pool != nil,
			"consul", registry != nil,
		)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	// Events of requests that completed before shutdown are still delivered.
	if err := async.Close(shutdownCtx); err != nil {
		logger.Warn("event queue not drained", "error", err)
	}
	return nil
}

// dependencies builds the probes behind the publisher's health pre-check.
// The notification service is critical: once it is known to be down, events
// go straight to the dead-letter queue. The broker is reported for readiness.
func dependencies(cfg config.Config, registry *consul.Registry) ([]healthmonitor.Dependency, func(), error) {
	var brokerProbe healthmonitor.Probe
	switch {
	case registry != nil:
		brokerProbe = healthmonitor.ConsulProbe{Source: registry, Service: cfg.Health.BrokerService}
	case cfg.Health.BrokerAddr != "":
		brokerProbe = healthmonitor.TCPProbe{Address: cfg.Health.BrokerAddr}
	default:
		addr, err := amqpHostPort(cfg.RabbitMQ.URL)
		if err != nil {
			return nil, nil, err
		}
		brokerProbe = healthmonitor.TCPProbe{Address: addr}
	}

	var deps []healthmonitor.Dependency
	closeFn := func() {}

	switch {
	case registry != nil:
		deps = append(deps, healthmonitor.Dependency{
			Name:     "notifier",
			Probe:    healthmonitor.ConsulProbe{Source: registry, Service: cfg.Notifier.ServiceName, RequireInstance: true},
			Critical: true,
		})
	case cfg.Health.NotifierGRPCAddr != "":
		probe, err := healthmonitor.NewGRPCProbe(cfg.Health.NotifierGRPCAddr, cfg.Health.NotifierHealthCheck)
		if err != nil {
			return nil, nil, fmt.Errorf("notifier probe: %w", err)
		}
		deps = append(deps, healthmonitor.Dependency{Name: "notifier", Probe: probe, Critical: true})
		closeFn = func() { probe.Close() }
	}

	deps = append(deps, healthmonitor.Dependency{Name: "rabbitmq", Probe: brokerProbe})
	return deps, closeFn, nil
}

func amqpHostPort(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse RABBITMQ_URL: %w", err)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "5672"
	if u.Scheme == "amqps" {
		port = "5671"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

func professionalGateway(cfg config.Config, registry *consul.Registry) (appointment.ProfessionalGateway, error) {
	switch cfg.Professional.Mode {
	case "http":
		return professional.NewClient(cfg.Professional.BaseURL, cfg.Professional.Timeout), nil
	case "consul":
		if registry == nil {
			return nil, errors.New("PROFESSIONAL_MODE=consul needs CONSUL_ADDRESS")
		}
		return professional.NewDiscoveryClient(consul.NewResolver(registry), cfg.Professional.ServiceName, cfg.Professional.Timeout), nil
	default:
		return professional.ParseStub(cfg.Professional.Stub)
	}
}
