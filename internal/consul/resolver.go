package consul

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/clinicflow/clinicflow/internal/types"
)

// InstanceSource lists the instances of a service.
type InstanceSource interface {
	Instances(ctx context.Context, serviceName string) ([]Instance, error)
}

// Resolver picks an instance of a service round-robin, preferring healthy
// instances and falling back to any instance with a known, usable status.
type Resolver struct {
	source InstanceSource

	mu      sync.Mutex
	counter map[string]*atomic.Uint64
}

// NewResolver creates a Resolver over source.
func NewResolver(source InstanceSource) *Resolver {
	return &Resolver{
		source:  source,
		counter: make(map[string]*atomic.Uint64),
	}
}

// Resolve returns the next instance of serviceName.
func (r *Resolver) Resolve(ctx context.Context, serviceName string) (Instance, error) {
	instances, err := r.source.Instances(ctx, serviceName)
	if err != nil {
		return Instance{}, err
	}

	candidates := filterStatus(instances, types.HealthHealthy)
	if len(candidates) == 0 {
		candidates = filterStatus(instances, types.HealthDegraded, types.HealthUnknown)
	}
	if len(candidates) == 0 {
		return Instance{}, types.DependencyUnavailable("resolve instance", serviceName,
			fmt.Errorf("no usable instance among %d registered", len(instances)))
	}

	idx := r.next(serviceName)
	return candidates[idx%uint64(len(candidates))], nil
}

func (r *Resolver) next(serviceName string) uint64 {
	r.mu.Lock()
	c, ok := r.counter[serviceName]
	if !ok {
		c = new(atomic.Uint64)
		r.counter[serviceName] = c
	}
	r.mu.Unlock()
	return c.Add(1) - 1
}

func filterStatus(instances []Instance, statuses ...types.HealthStatus) []Instance {
	var out []Instance
	for _, inst := range instances {
		for _, s := range statuses {
			if inst.Status == s {
				out = append(out, inst)
				break
			}
		}
	}
	return out
}

// AggregateStatus folds instance statuses into one service status: healthy if
// any instance is healthy, otherwise degraded if any is degraded, unhealthy if
// every instance is unhealthy, and unknown when none are registered.
func AggregateStatus(instances []Instance) types.HealthStatus {
	if len(instances) == 0 {
		return types.HealthUnknown
	}
	best := types.HealthUnhealthy
	for _, inst := range instances {
		switch inst.Status {
		case types.HealthHealthy:
			return types.HealthHealthy
		case types.HealthDegraded:
			best = types.HealthDegraded
		case types.HealthUnknown:
			if best == types.HealthUnhealthy {
				best = types.HealthUnknown
			}
		}
	}
	return best
}
