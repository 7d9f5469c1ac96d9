package healthmonitor

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/clinicflow/clinicflow/internal/consul"
	"github.com/clinicflow/clinicflow/internal/types"
)

// Probe checks one dependency and describes the outcome.
type Probe interface {
	Kind() string
	Check(ctx context.Context) (types.HealthStatus, string)
}

// HTTPProbe treats any 2xx response from URL as healthy.
type HTTPProbe struct {
	Client  *http.Client
	URL     string
	Headers map[string]string
}

func (p HTTPProbe) Kind() string { return "http" }

func (p HTTPProbe) Check(ctx context.Context) (types.HealthStatus, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return types.HealthUnhealthy, fmt.Sprintf("request error: %v", err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return types.HealthUnhealthy, fmt.Sprintf("probe failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return types.HealthHealthy, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return types.HealthUnhealthy, fmt.Sprintf("HTTP %d", resp.StatusCode)
}

// TCPProbe treats an accepted connection to Address as healthy.
type TCPProbe struct {
	Address string
}

func (p TCPProbe) Kind() string { return "tcp" }

func (p TCPProbe) Check(ctx context.Context) (types.HealthStatus, string) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return types.HealthUnhealthy, fmt.Sprintf("TCP connection failed: %v", err)
	}
	conn.Close()
	return types.HealthHealthy, "TCP connection successful"
}

// ConsulProbe reports the aggregate health Consul holds for Service. With
// RequireInstance set, a service with no registered instance is Unhealthy
// rather than Unknown.
type ConsulProbe struct {
	Source          consul.InstanceSource
	Service         string
	RequireInstance bool
}

func (p ConsulProbe) Kind() string { return "consul" }

func (p ConsulProbe) Check(ctx context.Context) (types.HealthStatus, string) {
	instances, err := p.Source.Instances(ctx, p.Service)
	if err != nil {
		// The registry being down says nothing about the dependency itself.
		return types.HealthUnknown, fmt.Sprintf("registry lookup failed: %v", err)
	}
	if len(instances) == 0 && p.RequireInstance {
		return types.HealthUnhealthy, fmt.Sprintf("no registered instance of %s", p.Service)
	}
	status := consul.AggregateStatus(instances)
	return status, fmt.Sprintf("%d instance(s) of %s, aggregate %s", len(instances), p.Service, status)
}
