package sentinel

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the sentinel's operational signals to Prometheus. Each
// instance carries its own registry so multiple sentinels (and tests) can
// coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	observations prometheus.Counter
	bucketSize   prometheus.Histogram
	currentRPS   prometheus.Gauge
	baselineRPS  prometheus.Gauge
	threatLevel  prometheus.Gauge
	mode         *prometheus.GaugeVec
	blocked      *prometheus.CounterVec
	blockedSet   prometheus.Gauge
	tickSkips    prometheus.Counter
	storageLag   prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		observations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_observations_total",
			Help: "Observations ingested by the aggregator.",
		}),
		bucketSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_bucket_requests",
			Help:    "Request count per closed bucket.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		currentRPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_current_rps",
			Help: "Request rate of the last closed bucket.",
		}),
		baselineRPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_baseline_rps",
			Help: "Smoothed baseline request rate.",
		}),
		threatLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_threat_level",
			Help: "Current 0-100 threat level.",
		}),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentinel_mode",
			Help: "Operating mode; the active mode's gauge is 1.",
		}, []string{"mode"}),
		blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_blocks_total",
			Help: "Registry block operations by reason.",
		}, []string{"reason"}),
		blockedSet: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_blocked_ips",
			Help: "Currently blocked IP entries.",
		}),
		tickSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_tick_skips_total",
			Help: "Ticks skipped due to configuration errors.",
		}),
		storageLag: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_storage_failures_total",
			Help: "Durable history writes that failed and were deferred.",
		}),
	}
	m.registry.MustRegister(
		m.observations, m.bucketSize, m.currentRPS, m.baselineRPS,
		m.threatLevel, m.mode, m.blocked, m.blockedSet, m.tickSkips,
		m.storageLag,
	)
	return m
}

// ObserveTick records the per-tick derived state.
func (m *Metrics) ObserveTick(sample Sample, threat ThreatState, mode Mode, blockedIPs int) {
	m.bucketSize.Observe(float64(sample.RequestCount))
	m.currentRPS.Set(threat.CurrentRPS)
	m.baselineRPS.Set(threat.BaselineRPS)
	m.threatLevel.Set(threat.Level)
	m.blockedSet.Set(float64(blockedIPs))
	for _, candidate := range []Mode{ModeNormal, ModeAlert, ModeMitigating} {
		v := 0.0
		if candidate == mode {
			v = 1
		}
		m.mode.WithLabelValues(string(candidate)).Set(v)
	}
}

// IncObservation counts one ingested observation.
func (m *Metrics) IncObservation() { m.observations.Inc() }

// IncBlock counts one registry block by reason.
func (m *Metrics) IncBlock(reason BlockReason) {
	m.blocked.WithLabelValues(string(reason)).Inc()
}

// IncTickSkip counts a tick refused by a configuration error.
func (m *Metrics) IncTickSkip() { m.tickSkips.Inc() }

// IncStorageFailure counts a deferred durable write.
func (m *Metrics) IncStorageFailure() { m.storageLag.Inc() }

// Handler serves the registry in Prometheus text format, typically on a
// secondary listener separate from the admin API.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test assertions.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
