// Package types defines shared domain types used across internal packages.
package types

// HealthStatus represents the health state of a downstream dependency.
type HealthStatus int

const (
	HealthUnknown HealthStatus = iota
	HealthHealthy
	HealthUnhealthy
	HealthDegraded
)

func (s HealthStatus) String() string {
	switch s {
	case HealthHealthy:
		return "Healthy"
	case HealthUnhealthy:
		return "Unhealthy"
	case HealthDegraded:
		return "Degraded"
	default:
		return "Unknown"
	}
}

// Usable reports whether traffic may be sent to a dependency in this state.
// Unknown counts as usable so a missing probe never blocks the primary path.
func (s HealthStatus) Usable() bool {
	return s != HealthUnhealthy
}
