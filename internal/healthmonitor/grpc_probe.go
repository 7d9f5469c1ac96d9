package healthmonitor

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/clinicflow/clinicflow/internal/types"
)

// GRPCProbe queries the standard gRPC health service of a peer.
type GRPCProbe struct {
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
	service string
}

// NewGRPCProbe creates a probe for service at target. The connection is
// established lazily on the first check.
func NewGRPCProbe(target, service string) (*GRPCProbe, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", target, err)
	}
	return &GRPCProbe{
		conn:    conn,
		client:  healthpb.NewHealthClient(conn),
		service: service,
	}, nil
}

func (p *GRPCProbe) Kind() string { return "grpc" }

func (p *GRPCProbe) Check(ctx context.Context) (types.HealthStatus, string) {
	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return types.HealthUnhealthy, fmt.Sprintf("health rpc failed: %v", err)
	}
	return mapServingStatus(resp.GetStatus()), resp.GetStatus().String()
}

// Close releases the client connection.
func (p *GRPCProbe) Close() error {
	return p.conn.Close()
}

func mapServingStatus(s healthpb.HealthCheckResponse_ServingStatus) types.HealthStatus {
	switch s {
	case healthpb.HealthCheckResponse_SERVING:
		return types.HealthHealthy
	case healthpb.HealthCheckResponse_NOT_SERVING:
		return types.HealthUnhealthy
	default:
		return types.HealthUnknown
	}
}
