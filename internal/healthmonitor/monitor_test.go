package healthmonitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clinicflow/clinicflow/internal/consul"
	"github.com/clinicflow/clinicflow/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedProbe struct {
	status atomic.Int32
	calls  atomic.Int32
}

func newFixedProbe(s types.HealthStatus) *fixedProbe {
	p := &fixedProbe{}
	p.status.Store(int32(s))
	return p
}

func (p *fixedProbe) Kind() string { return "fixed" }

func (p *fixedProbe) Check(context.Context) (types.HealthStatus, string) {
	p.calls.Add(1)
	return types.HealthStatus(p.status.Load()), ""
}

func TestMonitor_AvailableTracksCriticalDependencies(t *testing.T) {
	notifier := newFixedProbe(types.HealthHealthy)
	broker := newFixedProbe(types.HealthUnhealthy)

	m := NewMonitor([]Dependency{
		{Name: "notifier", Probe: notifier, Critical: true},
		{Name: "rabbitmq", Probe: broker},
	}, DefaultConfig(), discardLogger())

	ctx := context.Background()
	if !m.Available(ctx) {
		t.Fatal("expected available before any probe (unknown is usable)")
	}

	m.ProbeAll(ctx)
	if !m.Available(ctx) {
		t.Fatal("non-critical dependency must not gate availability")
	}

	notifier.status.Store(int32(types.HealthUnhealthy))
	m.ProbeAll(ctx)
	if m.Available(ctx) {
		t.Fatal("expected unavailable when a critical dependency is unhealthy")
	}

	notifier.status.Store(int32(types.HealthDegraded))
	m.ProbeAll(ctx)
	if !m.Available(ctx) {
		t.Fatal("degraded dependency should stay usable")
	}
}

func TestMonitor_StaleReportRevertsToUnknown(t *testing.T) {
	probe := newFixedProbe(types.HealthUnhealthy)
	cfg := DefaultConfig()
	cfg.StaleAfter = time.Minute

	m := NewMonitor([]Dependency{{Name: "rabbitmq", Probe: probe, Critical: true}}, cfg, discardLogger())
	m.ProbeAll(context.Background())

	if got := m.Status("rabbitmq"); got != types.HealthUnhealthy {
		t.Fatalf("expected Unhealthy, got %v", got)
	}

	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if got := m.Status("rabbitmq"); got != types.HealthUnknown {
		t.Fatalf("expected Unknown for stale report, got %v", got)
	}
	if !m.Available(context.Background()) {
		t.Fatal("stale report must not block publishing")
	}
}

func TestMonitor_RunProbesImmediately(t *testing.T) {
	probe := newFixedProbe(types.HealthHealthy)
	cfg := DefaultConfig()
	cfg.ProbeInterval = time.Hour

	m := NewMonitor([]Dependency{{Name: "rabbitmq", Probe: probe}}, cfg, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for probe.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected an immediate probe")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if len(m.Reports()) != 1 {
		t.Fatalf("expected one report, got %d", len(m.Reports()))
	}
}

func TestHTTPProbe(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		want   types.HealthStatus
		substr string
	}{
		{"ok", http.StatusOK, types.HealthHealthy, "200"},
		{"unavailable", http.StatusServiceUnavailable, types.HealthUnhealthy, "503"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("X-Probe") != "1" {
					t.Errorf("missing probe header")
				}
				w.WriteHeader(tt.code)
			}))
			defer ts.Close()

			p := HTTPProbe{Client: ts.Client(), URL: ts.URL + "/health", Headers: map[string]string{"X-Probe": "1"}}
			status, msg := p.Check(context.Background())
			if status != tt.want {
				t.Fatalf("expected %v, got %v (%s)", tt.want, status, msg)
			}
			if !strings.Contains(msg, tt.substr) {
				t.Fatalf("expected message to contain %s, got %q", tt.substr, msg)
			}
		})
	}
}

func TestTCPProbe(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()

	if status, msg := (TCPProbe{Address: addr}).Check(context.Background()); status != types.HealthHealthy {
		t.Fatalf("expected Healthy, got %v (%s)", status, msg)
	}

	lis.Close()
	if status, _ := (TCPProbe{Address: addr}).Check(context.Background()); status != types.HealthUnhealthy {
		t.Fatalf("expected Unhealthy after close, got %v", status)
	}
}

type instanceSource struct {
	instances []consul.Instance
	err       error
}

func (s instanceSource) Instances(context.Context, string) ([]consul.Instance, error) {
	return s.instances, s.err
}

func TestConsulProbe(t *testing.T) {
	p := ConsulProbe{Service: "rabbitmq", Source: instanceSource{instances: []consul.Instance{
		{ServiceID: "a", Status: types.HealthUnhealthy},
		{ServiceID: "b", Status: types.HealthUnhealthy},
	}}}
	if status, _ := p.Check(context.Background()); status != types.HealthUnhealthy {
		t.Fatalf("expected Unhealthy, got %v", status)
	}

	p.Source = instanceSource{err: errors.New("connection refused")}
	if status, _ := p.Check(context.Background()); status != types.HealthUnknown {
		t.Fatalf("expected Unknown when registry fails, got %v", status)
	}
}

func TestConsulProbe_MissingService(t *testing.T) {
	tests := []struct {
		name    string
		require bool
		want    types.HealthStatus
	}{
		{"optional service is unknown", false, types.HealthUnknown},
		{"required service is unhealthy", true, types.HealthUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ConsulProbe{Service: "clinicflow-notifier", Source: instanceSource{}, RequireInstance: tt.require}
			if status, msg := p.Check(context.Background()); status != tt.want {
				t.Fatalf("expected %v, got %v (%s)", tt.want, status, msg)
			}
		})
	}
}
