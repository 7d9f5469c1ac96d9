package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/clinicflow/clinicflow/internal/healthmonitor"
	"github.com/clinicflow/clinicflow/internal/types"
)

// Check pings one dependency.
type Check func(ctx context.Context) error

func PingPostgres(pool *pgxpool.Pool) Check {
	return pool.Ping
}

func PingRedis(client *redis.Client) Check {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// DependencyReporter exposes the background monitor's latest probe results.
type DependencyReporter interface {
	Reports() []healthmonitor.Report
}

// BreakerView is the read side of a circuit breaker.
type BreakerView interface {
	Name() string
	State() healthmonitor.BreakerState
}

// HealthConfig wires the readiness checks. A failing Required check makes the
// service unready; failing Optional checks, unhealthy critical monitored
// dependencies and non-closed breakers only degrade it.
type HealthConfig struct {
	Required map[string]Check
	Optional map[string]Check
	Monitor  DependencyReporter
	Breakers []BreakerView
	Env      string
	Version  string
}

type HealthHandler struct {
	config HealthConfig
}

func NewHealthHandler(config HealthConfig) *HealthHandler {
	return &HealthHandler{config: config}
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status       string                 `json:"status"`
	Version      string                 `json:"version,omitempty"`
	Env          string                 `json:"env,omitempty"`
	Dependencies map[string]string      `json:"dependencies"`
	Monitored    []healthmonitor.Report `json:"monitored,omitempty"`
	Breakers     map[string]string      `json:"breakers,omitempty"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{
		Status:  "ok",
		Version: h.config.Version,
		Env:     h.config.Env,
	})
}

func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := ReadinessResponse{
		Status:       "ok",
		Version:      h.config.Version,
		Env:          h.config.Env,
		Dependencies: make(map[string]string),
	}
	degrade := func() {
		if resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}

	for _, name := range sortedKeys(h.config.Required) {
		if !ping(ctx, h.config.Required[name]) {
			resp.Dependencies[name] = "down"
			resp.Status = "error"
			continue
		}
		resp.Dependencies[name] = "ok"
	}
	for _, name := range sortedKeys(h.config.Optional) {
		if !ping(ctx, h.config.Optional[name]) {
			resp.Dependencies[name] = "down"
			degrade()
			continue
		}
		resp.Dependencies[name] = "ok"
	}

	if h.config.Monitor != nil {
		resp.Monitored = h.config.Monitor.Reports()
		for _, rep := range resp.Monitored {
			if rep.Critical && rep.Status == types.HealthUnhealthy {
				degrade()
			}
		}
	}

	if len(h.config.Breakers) > 0 {
		resp.Breakers = make(map[string]string, len(h.config.Breakers))
		for _, b := range h.config.Breakers {
			state := b.State()
			resp.Breakers[b.Name()] = state.String()
			if state != healthmonitor.BreakerClosed {
				degrade()
			}
		}
	}

	status := http.StatusOK
	if resp.Status == "error" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func ping(ctx context.Context, check Check) bool {
	checkCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return check(checkCtx) == nil
}

func sortedKeys(m map[string]Check) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
