package healthmonitor

import (
	"sort"
	"sync"
	"time"

	"github.com/clinicflow/clinicflow/internal/types"
)

// Report holds the latest probe result for a dependency.
type Report struct {
	Name      string             `json:"name"`
	Status    types.HealthStatus `json:"-"`
	State     string             `json:"status"`
	Critical  bool               `json:"critical"`
	CheckedAt time.Time          `json:"checkedAt"`
	ProbeType string             `json:"probeType"`
	Message   string             `json:"message,omitempty"`
}

// Cache is a thread-safe store of the latest probe results.
type Cache struct {
	mu      sync.RWMutex
	reports map[string]Report
	now     func() time.Time
}

// NewCache creates an empty report cache.
func NewCache() *Cache {
	return &Cache{
		reports: make(map[string]Report),
		now:     time.Now,
	}
}

// Update records a probe result and returns the status it replaced
// (HealthUnknown when the dependency was not tracked).
func (c *Cache) Update(name string, critical bool, status types.HealthStatus, probeType, message string) types.HealthStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	previous := types.HealthUnknown
	if r, ok := c.reports[name]; ok {
		previous = r.Status
	}
	c.reports[name] = Report{
		Name:      name,
		Status:    status,
		State:     status.String(),
		Critical:  critical,
		CheckedAt: c.now().UTC(),
		ProbeType: probeType,
		Message:   message,
	}
	return previous
}

// Get returns the report for a dependency.
func (c *Cache) Get(name string) (Report, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.reports[name]
	return r, ok
}

// GetAll returns a snapshot of all reports ordered by name.
func (c *Cache) GetAll() []Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Report, 0, len(c.reports))
	for _, r := range c.reports {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
