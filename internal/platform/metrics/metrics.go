package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CheckinDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presence",
			Subsystem: "checkin",
			Name:      "decisions_total",
			Help:      "Check-in pipeline decisions by audit reason code",
		},
		[]string{"reason"},
	)

	CheckinDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "presence",
			Subsystem: "checkin",
			Name:      "duration_seconds",
			Help:      "End-to-end check-in evaluation time",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	IPLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presence",
			Subsystem: "ip_lookup",
			Name:      "total",
			Help:      "IP geolocation lookups by outcome",
		},
		[]string{"outcome"},
	)

	IPLookupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "presence",
			Subsystem: "ip_lookup",
			Name:      "duration_seconds",
			Help:      "IP geolocation lookup latency including retry",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	FraudAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "presence",
			Subsystem: "fraud",
			Name:      "alerts_total",
			Help:      "Fraud alerts written by alert type",
		},
		[]string{"type"},
	)

	FraudScanFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "presence",
			Subsystem: "fraud",
			Name:      "scan_failures_total",
			Help:      "Logs or students whose analysis failed during a scan",
		},
	)
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		registry.MustRegister(CheckinDecisions)
		registry.MustRegister(CheckinDuration)
		registry.MustRegister(IPLookups)
		registry.MustRegister(IPLookupDuration)
		registry.MustRegister(FraudAlerts)
		registry.MustRegister(FraudScanFailures)
	})
}

func Handler() http.Handler {
	InitRegistry()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
