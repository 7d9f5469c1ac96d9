package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/clinicflow/clinicflow/internal/config"
	"github.com/clinicflow/clinicflow/internal/consul"
	"github.com/clinicflow/clinicflow/internal/db"
	"github.com/clinicflow/clinicflow/internal/messaging"
	"github.com/clinicflow/clinicflow/internal/notification"
	"github.com/clinicflow/clinicflow/internal/types"
)

// reconnectDelay is the pause between consumer restarts after the broker drops
// a subscription.
const reconnectDelay = 5 * time.Second

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
	if cfg.RabbitMQ.URL == "" {
		return errors.New("RABBITMQ_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway, closeGateway, err := notificationGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeGateway()

	topology := messaging.DefaultTopology()
	topology.DeliveryLimit = cfg.RabbitMQ.DeliveryLimit
	broker, err := messaging.DialBroker(cfg.RabbitMQ.URL, topology, logger)
	if err != nil {
		return fmt.Errorf("rabbitmq: %w", err)
	}
	defer broker.Close()

	consumer := messaging.NewConsumer(broker, notification.NewDispatcher(gateway, logger), messaging.ConsumerConfig{
		Topology:       topology,
		Concurrency:    cfg.Notifier.Concurrency,
		HandlerTimeout: cfg.Notifier.HandlerTimeout,
		Tag:            cfg.Notifier.ServiceName,
	}, logger)

	// gRPC health endpoint probed by the scheduler.
	lis, err := net.Listen("tcp", ":"+cfg.Notifier.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server", "error", err)
		}
	}()
	defer grpcServer.GracefulStop()

	var consuming atomic.Bool
	setServing := func(ok bool) {
		consuming.Store(ok)
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if ok {
			status = healthpb.HealthCheckResponse_SERVING
		}
		healthServer.SetServingStatus(cfg.Health.NotifierHealthCheck, status)
	}

	if cfg.Consul.Addr != "" {
		deregister, err := register(ctx, cfg, lis.Addr(), consuming.Load, logger)
		if err != nil {
			return err
		}
		defer deregister()
	}

	logger.Info("notifier starting",
		"grpc_port", cfg.Notifier.GRPCPort,
		"gateway", cfg.Notifier.Gateway,
		"concurrency", cfg.Notifier.Concurrency,
	)

	for {
		setServing(true)
		err := consumer.Run(ctx)
		setServing(false)
		if ctx.Err() != nil {
			logger.Info("shutting down")
			return nil
		}
		logger.Error("consumer stopped, restarting", "error", err, "delay", reconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func notificationGateway(ctx context.Context, cfg config.Config, logger *slog.Logger) (notification.Gateway, func(), error) {
	switch cfg.Notifier.Gateway {
	case "http":
		return notification.NewHTTPGateway(cfg.Notifier.GatewayURL, cfg.Notifier.GatewayTimeout), func() {}, nil
	case "email":
		if cfg.Postgres.DSN == "" {
			return nil, nil, errors.New("NOTIFICATION_GATEWAY=email needs POSTGRES_DSN for contact addresses")
		}
		pool, err := db.ConnectPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		smtp := cfg.Notifier.SMTP
		gw, err := notification.NewEmailGateway(notification.SMTPConfig{
			Host:      smtp.Host,
			Port:      smtp.Port,
			Username:  smtp.Username,
			Password:  smtp.Password,
			FromName:  smtp.FromName,
			FromEmail: smtp.FromEmail,
		}, notification.NewPgRecipients(pool), logger)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return gw, pool.Close, nil
	default:
		return notification.LogGateway{Logger: logger}, func() {}, nil
	}
}

// register adds the notifier to Consul with a TTL check kept alive while the
// consumer is running.
func register(ctx context.Context, cfg config.Config, addr net.Addr, consuming func() bool, logger *slog.Logger) (func(), error) {
	registry, err := consul.NewRegistry(cfg.Consul.Addr, logger)
	if err != nil {
		return nil, fmt.Errorf("consul registry: %w", err)
	}

	port, _ := strconv.Atoi(cfg.Notifier.GRPCPort)
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = tcp.Port
	}
	host := cfg.Notifier.Address
	if host == "" {
		host, _ = os.Hostname()
	}
	serviceID := cfg.Notifier.ServiceID
	if serviceID == "" {
		serviceID = cfg.Notifier.ServiceName + "-" + uuid.NewString()[:8]
	}

	if err := registry.Register(consul.Registration{
		ServiceName: cfg.Notifier.ServiceName,
		ServiceID:   serviceID,
		Address:     host,
		Port:        port,
		Metadata:    map[string]string{"scheme": "grpc", "health_service": cfg.Health.NotifierHealthCheck},
		TTL:         cfg.Notifier.HeartbeatInterval,
	}); err != nil {
		return nil, fmt.Errorf("consul register: %w", err)
	}

	go registry.Heartbeat(ctx, serviceID, cfg.Notifier.HeartbeatInterval, func() (types.HealthStatus, string) {
		if consuming() {
			return types.HealthHealthy, "consuming"
		}
		return types.HealthUnhealthy, "consumer reconnecting"
	})

	return func() {
		if err := registry.Deregister(serviceID); err != nil {
			logger.Warn("consul deregister", "service_id", serviceID, "error", err)
		}
	}, nil
}
