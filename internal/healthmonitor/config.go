package healthmonitor

import "time"

// Config holds dependency monitor configuration.
type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	// StaleAfter is how old a cached report may get before the dependency
	// reverts to Unknown.
	StaleAfter  time.Duration
	HTTPHeaders map[string]string
}

// DefaultConfig probes every 10s with a 3s timeout.
func DefaultConfig() Config {
	return Config{
		ProbeInterval: 10 * time.Second,
		ProbeTimeout:  3 * time.Second,
		StaleAfter:    30 * time.Second,
	}
}
