package observability

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/nvx/dynsecrets/internal/config"
)

// counterValue gathers the registry and returns the value of the named
// counter for the given label pairs.
func counterValue(t *testing.T, m *MetricsCollector, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric, labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchLabels(metric *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(metric.GetLabel()))
	for _, lp := range metric.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestMetricsCollector(t *testing.T) {
	m := NewMetricsCollector()

	m.LeasesIssuedTotal.WithLabelValues("reporting").Inc()
	m.LeasesIssuedTotal.WithLabelValues("reporting").Inc()
	m.LeasesRevokedTotal.WithLabelValues("reporting", "closed").Inc()
	m.RevokeFailuresTotal.WithLabelValues("reporting").Inc()

	if got := counterValue(t, m, "dynsecrets_lease_issued_total", map[string]string{"profile": "reporting"}); got != 2 {
		t.Errorf("issued total = %v, want 2", got)
	}
	if got := counterValue(t, m, "dynsecrets_lease_revoked_total", map[string]string{"profile": "reporting", "reason": "closed"}); got != 1 {
		t.Errorf("revoked total = %v, want 1", got)
	}
	if got := counterValue(t, m, "dynsecrets_lease_revoke_failures_total", map[string]string{"profile": "reporting"}); got != 1 {
		t.Errorf("revoke failures = %v, want 1", got)
	}
}

func TestNewDisabled(t *testing.T) {
	obs, err := New(nil, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New(nil): %v", err)
	}
	if obs != nil {
		t.Errorf("New(nil) = %v, want nil", obs)
	}
	// All accessors are nil-safe on a nil receiver.
	if obs.MetricsOrNil() != nil {
		t.Error("MetricsOrNil on nil Observability")
	}
	obs.Shutdown(context.Background())
}

func TestNewMetricsOnly(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
	}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs.Metrics == nil {
		t.Error("metrics not created")
	}
	if obs.Tracer != nil {
		t.Error("tracer created without tracing config")
	}
	if obs.Health == nil {
		t.Error("health checker not created")
	}
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker(slog.New(slog.DiscardHandler))

	if got := h.CheckReady(context.Background()); got.Status != "ok" {
		t.Errorf("readiness with no checks = %q", got.Status)
	}

	h.AddCheck("store", func(ctx context.Context) error { return nil })
	h.AddCheck("vault", func(ctx context.Context) error { return errors.New("connection refused") })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["store"].Status != "ok" {
		t.Errorf("store check = %+v", status.Checks["store"])
	}
	if status.Checks["vault"].Status != "fail" {
		t.Errorf("vault check = %+v", status.Checks["vault"])
	}
}
