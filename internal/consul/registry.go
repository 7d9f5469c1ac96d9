// Package consul wraps the HashiCorp Consul API for service self-registration
// with TTL health checks and for health-aware instance lookup.
package consul

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/clinicflow/clinicflow/internal/types"
)

// Instance is a service instance as reported by Consul's health endpoint.
type Instance struct {
	ServiceName string
	ServiceID   string
	Address     string
	Port        int
	Status      types.HealthStatus
	Metadata    map[string]string
}

// HostPort returns the instance address in host:port form.
func (i Instance) HostPort() string {
	return net.JoinHostPort(i.Address, strconv.Itoa(i.Port))
}

// BaseURL returns the instance's HTTP base URL. The scheme comes from the
// "scheme" metadata key and defaults to http.
func (i Instance) BaseURL() string {
	scheme := "http"
	if s := i.Metadata["scheme"]; s != "" {
		scheme = s
	}
	return scheme + "://" + i.HostPort()
}

// Registration contains the information needed to register a service.
type Registration struct {
	ServiceName string
	ServiceID   string
	Address     string
	Port        int
	Metadata    map[string]string
	// TTL is the heartbeat interval; Consul marks the check critical when a
	// heartbeat is more than TTL plus a small buffer late.
	TTL time.Duration
}

// Registry is a Consul-backed service registry.
type Registry struct {
	client *api.Client
	logger *slog.Logger
}

// NewRegistry creates a Registry using the provided Consul address.
func NewRegistry(addr string, logger *slog.Logger) (*Registry, error) {
	cfg := api.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}

	return &Registry{client: client, logger: logger}, nil
}

func checkID(serviceID string) string { return "service:" + serviceID }

// Register registers a service instance with a TTL health check and marks it passing.
func (r *Registry) Register(reg Registration) error {
	ttl := reg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	ttlWithBuffer := ttl + 5*time.Second
	if ttlWithBuffer < 10*time.Second {
		ttlWithBuffer = 10 * time.Second
	}

	consulReg := &api.AgentServiceRegistration{
		ID:      reg.ServiceID,
		Name:    reg.ServiceName,
		Address: reg.Address,
		Port:    reg.Port,
		Meta:    reg.Metadata,
		Check: &api.AgentServiceCheck{
			CheckID:                        checkID(reg.ServiceID),
			Name:                           reg.ServiceName + " TTL Health",
			TTL:                            ttlWithBuffer.String(),
			DeregisterCriticalServiceAfter: time.Minute.String(),
		},
	}

	if err := r.client.Agent().ServiceRegister(consulReg); err != nil {
		return fmt.Errorf("consul register: %w", err)
	}

	if err := r.client.Agent().PassTTL(checkID(reg.ServiceID), "service registered"); err != nil {
		r.logger.Warn("failed to pass initial TTL", "service_id", reg.ServiceID, "error", err)
	}

	r.logger.Info("registered service", "service_id", reg.ServiceID, "service_name", reg.ServiceName, "ttl", ttl)
	return nil
}

// Deregister removes a service instance from Consul.
func (r *Registry) Deregister(serviceID string) error {
	if err := r.client.Agent().ServiceDeregister(serviceID); err != nil {
		return fmt.Errorf("consul deregister: %w", err)
	}
	r.logger.Info("deregistered service", "service_id", serviceID)
	return nil
}

// UpdateHealth reports the instance's own health on its TTL check.
func (r *Registry) UpdateHealth(serviceID string, status types.HealthStatus, output string) error {
	var err error
	switch status {
	case types.HealthUnhealthy:
		err = r.client.Agent().FailTTL(checkID(serviceID), output)
	case types.HealthDegraded:
		err = r.client.Agent().WarnTTL(checkID(serviceID), output)
	default:
		err = r.client.Agent().PassTTL(checkID(serviceID), output)
	}
	if err != nil {
		return fmt.Errorf("consul update ttl: %w", err)
	}
	return nil
}

// Heartbeat refreshes the TTL check every interval with the status reported by
// probe until ctx is cancelled.
func (r *Registry) Heartbeat(ctx context.Context, serviceID string, interval time.Duration, probe func() (types.HealthStatus, string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, output := probe()
			if err := r.UpdateHealth(serviceID, status, output); err != nil {
				r.logger.Warn("heartbeat failed", "service_id", serviceID, "error", err)
			}
		}
	}
}

// Instances returns all instances of a service, including health status.
func (r *Registry) Instances(ctx context.Context, serviceName string) ([]Instance, error) {
	opts := (&api.QueryOptions{}).WithContext(ctx)
	entries, _, err := r.client.Health().Service(serviceName, "", false, opts)
	if err != nil {
		return nil, fmt.Errorf("consul instances of %s: %w", serviceName, err)
	}

	instances := make([]Instance, 0, len(entries))
	for _, entry := range entries {
		address := entry.Service.Address
		if address == "" && entry.Node != nil {
			address = entry.Node.Address
		}
		meta := make(map[string]string, len(entry.Service.Meta))
		for k, v := range entry.Service.Meta {
			meta[k] = v
		}
		instances = append(instances, Instance{
			ServiceName: entry.Service.Service,
			ServiceID:   entry.Service.ID,
			Address:     address,
			Port:        entry.Service.Port,
			Status:      mapHealthStatus(entry.Checks),
			Metadata:    meta,
		})
	}
	return instances, nil
}

func mapHealthStatus(checks api.HealthChecks) types.HealthStatus {
	if len(checks) == 0 {
		return types.HealthUnknown
	}

	for _, c := range checks {
		if c.Status == api.HealthCritical || c.Status == api.HealthMaint {
			return types.HealthUnhealthy
		}
	}
	for _, c := range checks {
		if c.Status == api.HealthWarning {
			return types.HealthDegraded
		}
	}
	for _, c := range checks {
		if c.Status != api.HealthPassing {
			return types.HealthUnknown
		}
	}
	return types.HealthHealthy
}
