// Package metrics exposes the gateway's ambient Prometheus instrumentation:
// PBX-MI reconnects (C3), call throughput (C4), provider health (C6/C7),
// and reflector lag (C8).
package metrics

import (
    "fmt"
    "net/http"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/nourikan/commgateway/pkg/logger"
)

type PrometheusMetrics struct {
    counters   map[string]*prometheus.CounterVec
    histograms map[string]*prometheus.HistogramVec
    gauges     map[string]*prometheus.GaugeVec
}

func NewPrometheusMetrics() *PrometheusMetrics {
    pm := &PrometheusMetrics{
        counters:   make(map[string]*prometheus.CounterVec),
        histograms: make(map[string]*prometheus.HistogramVec),
        gauges:     make(map[string]*prometheus.GaugeVec),
    }

    pm.registerMetrics()

    return pm
}

func (pm *PrometheusMetrics) registerMetrics() {
    // Counters
    pm.counters["pbxmi_reconnects_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "pbxmi_reconnects_total",
            Help: "Total PBX-MI reconnect attempts",
        },
        []string{"outcome"},
    )

    pm.counters["calls_tracked_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "calls_tracked_total",
            Help: "Total calls observed by the call tracker",
        },
        []string{"direction", "status"},
    )

    pm.counters["sms_sent_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "sms_sent_total",
            Help: "Total SMS send attempts routed through the sms router",
        },
        []string{"provider", "outcome"},
    )

    pm.counters["sms_blocked_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "sms_blocked_total",
            Help: "Total outbound SMS rejected by the compliance gate",
        },
        []string{"country", "reason"},
    )

    pm.counters["reflector_sync_errors_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "reflector_sync_errors_total",
            Help: "Total chat reflector poll-cycle failures",
        },
        []string{},
    )

    pm.counters["push_notifications_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "push_notifications_total",
            Help: "Total push notifications delivered via the push bus",
        },
        []string{"channel", "platform", "outcome"},
    )

    // Histograms
    pm.histograms["call_duration_seconds"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "call_duration_seconds",
            Help:    "Tracked call duration in seconds",
            Buckets: []float64{5, 10, 30, 60, 120, 300, 600, 1800, 3600},
        },
        []string{"direction"},
    )

    pm.histograms["provider_send_duration_seconds"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "provider_send_duration_seconds",
            Help:    "Provider send_message latency in seconds",
            Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
        },
        []string{"provider"},
    )

    pm.histograms["reflector_sync_duration_seconds"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "reflector_sync_duration_seconds",
            Help:    "Chat reflector poll-cycle duration in seconds",
            Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
        },
        []string{},
    )

    // Gauges
    pm.gauges["calls_ringing"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "calls_ringing",
            Help: "Current number of ringing (unanswered) calls",
        },
        []string{},
    )

    pm.gauges["provider_healthy"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "provider_healthy",
            Help: "1 if a provider is currently healthy, 0 otherwise",
        },
        []string{"provider"},
    )

    pm.gauges["reflector_lag_seconds"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "reflector_lag_seconds",
            Help: "Seconds since the reflector's last successful sync cycle",
        },
        []string{},
    )

    pm.gauges["extensions_provisioned"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "extensions_provisioned",
            Help: "Current number of provisioned VoIP extensions",
        },
        []string{},
    )

    for _, counter := range pm.counters {
        prometheus.MustRegister(counter)
    }
    for _, histogram := range pm.histograms {
        prometheus.MustRegister(histogram)
    }
    for _, gauge := range pm.gauges {
        prometheus.MustRegister(gauge)
    }
}

func (pm *PrometheusMetrics) IncrementCounter(name string, labels map[string]string) {
    if counter, exists := pm.counters[name]; exists {
        counter.With(prometheus.Labels(labels)).Inc()
    }
}

func (pm *PrometheusMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
    if histogram, exists := pm.histograms[name]; exists {
        histogram.With(prometheus.Labels(labels)).Observe(value)
    }
}

func (pm *PrometheusMetrics) SetGauge(name string, value float64, labels map[string]string) {
    if gauge, exists := pm.gauges[name]; exists {
        if labels == nil {
            labels = make(map[string]string)
        }
        gauge.With(prometheus.Labels(labels)).Set(value)
    }
}

func (pm *PrometheusMetrics) ServeHTTP(port int) error {
    http.Handle("/metrics", promhttp.Handler())
    addr := fmt.Sprintf(":%d", port)
    logger.WithField("addr", addr).Info("metrics server started")
    return http.ListenAndServe(addr, nil)
}
