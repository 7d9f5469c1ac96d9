package consul

import (
	"testing"

	"github.com/hashicorp/consul/api"

	"github.com/clinicflow/clinicflow/internal/types"
)

func TestMapHealthStatus(t *testing.T) {
	tests := []struct {
		name   string
		checks api.HealthChecks
		want   types.HealthStatus
	}{
		{
			name:   "nil checks returns unknown",
			checks: nil,
			want:   types.HealthUnknown,
		},
		{
			name:   "empty checks returns unknown",
			checks: api.HealthChecks{},
			want:   types.HealthUnknown,
		},
		{
			name: "all passing returns healthy",
			checks: api.HealthChecks{
				{Status: "passing"},
				{Status: "passing"},
			},
			want: types.HealthHealthy,
		},
		{
			name: "any critical returns unhealthy",
			checks: api.HealthChecks{
				{Status: "passing"},
				{Status: "critical"},
			},
			want: types.HealthUnhealthy,
		},
		{
			name: "maintenance returns unhealthy",
			checks: api.HealthChecks{
				{Status: "maintenance"},
			},
			want: types.HealthUnhealthy,
		},
		{
			name: "warning without critical returns degraded",
			checks: api.HealthChecks{
				{Status: "passing"},
				{Status: "warning"},
			},
			want: types.HealthDegraded,
		},
		{
			name: "critical takes priority over warning",
			checks: api.HealthChecks{
				{Status: "warning"},
				{Status: "critical"},
			},
			want: types.HealthUnhealthy,
		},
		{
			name: "unknown status returns unknown",
			checks: api.HealthChecks{
				{Status: "something_else"},
			},
			want: types.HealthUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapHealthStatus(tt.checks)
			if got != tt.want {
				t.Errorf("mapHealthStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInstanceBaseURL(t *testing.T) {
	inst := Instance{Address: "10.0.0.7", Port: 8080}
	if got := inst.BaseURL(); got != "http://10.0.0.7:8080" {
		t.Errorf("BaseURL() = %q", got)
	}

	inst.Metadata = map[string]string{"scheme": "https"}
	if got := inst.BaseURL(); got != "https://10.0.0.7:8080" {
		t.Errorf("BaseURL() with scheme = %q", got)
	}
}
