package healthmonitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clinicflow/clinicflow/internal/types"
)

// Dependency is a downstream system watched by a Monitor. Only critical
// dependencies gate Available; the rest are reported for readiness.
type Dependency struct {
	Name     string
	Probe    Probe
	Critical bool
}

// Monitor periodically probes its dependencies and caches the results so that
// hot paths can consult health without blocking on the network.
type Monitor struct {
	deps   []Dependency
	cache  *Cache
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// NewMonitor creates a Monitor. Call Run to start probing.
func NewMonitor(deps []Dependency, config Config, logger *slog.Logger) *Monitor {
	def := DefaultConfig()
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = def.ProbeInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = def.ProbeTimeout
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 3 * config.ProbeInterval
	}
	return &Monitor{
		deps:   deps,
		cache:  NewCache(),
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Run probes immediately and then on every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("dependency monitor starting",
		"probe_interval", m.config.ProbeInterval,
		"dependencies", len(m.deps),
	)

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	m.ProbeAll(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("dependency monitor stopping")
			return
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}

// ProbeAll checks every dependency concurrently and waits for the results.
func (m *Monitor) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, dep := range m.deps {
		wg.Add(1)
		go func(dep Dependency) {
			defer wg.Done()
			m.probe(ctx, dep)
		}(dep)
	}
	wg.Wait()
}

func (m *Monitor) probe(ctx context.Context, dep Dependency) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	status, message := dep.Probe.Check(probeCtx)
	previous := m.cache.Update(dep.Name, dep.Critical, status, dep.Probe.Kind(), message)

	if previous != status {
		m.logger.Info("dependency health changed",
			"dependency", dep.Name,
			"previous_status", previous,
			"current_status", status,
			"probe_type", dep.Probe.Kind(),
			"message", message,
		)
	}
}

// Status returns the cached status of a dependency. Untracked dependencies and
// reports older than StaleAfter are Unknown.
func (m *Monitor) Status(name string) types.HealthStatus {
	r, ok := m.cache.Get(name)
	if !ok || m.now().Sub(r.CheckedAt) > m.config.StaleAfter {
		return types.HealthUnknown
	}
	return r.Status
}

// Available reports whether every critical dependency is usable. It reads the
// cache only and never blocks on a probe.
func (m *Monitor) Available(context.Context) bool {
	for _, dep := range m.deps {
		if dep.Critical && !m.Status(dep.Name).Usable() {
			return false
		}
	}
	return true
}

// Reports returns the latest report for every probed dependency.
func (m *Monitor) Reports() []Report {
	return m.cache.GetAll()
}
