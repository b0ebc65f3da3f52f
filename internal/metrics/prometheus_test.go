package metrics

import "testing"

// NewPrometheusMetrics registers every series against the global
// prometheus registry, which panics on a second registration of the
// same name — so this file builds exactly one instance for the whole
// test binary and exercises it across every case in a single test.

func TestPrometheusMetricsRecordsAndIgnoresUnknownSeries(t *testing.T) {
    pm := NewPrometheusMetrics()

    pm.IncrementCounter("pbxmi_reconnects_total", map[string]string{"outcome": "success"})
    pm.IncrementCounter("sms_blocked_total", map[string]string{"country": "FR", "reason": "window"})
    pm.ObserveHistogram("call_duration_seconds", 42.5, map[string]string{"direction": "inbound"})
    pm.SetGauge("provider_healthy", 1, map[string]string{"provider": "primary"})
    pm.SetGauge("calls_ringing", 3, nil)

    // Unknown names are silent no-ops rather than lookup failures.
    pm.IncrementCounter("does_not_exist_total", map[string]string{})
    pm.ObserveHistogram("also_missing", 1.0, map[string]string{})
    pm.SetGauge("still_missing", 1.0, nil)
}
