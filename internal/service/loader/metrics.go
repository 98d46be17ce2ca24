package loader

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var fetchBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics counts loader activity. A nil *Metrics records nothing.
type Metrics struct {
	fetches       *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec
	cacheHits     *prometheus.CounterVec
	coalescedJoin *prometheus.CounterVec
	invalidations *prometheus.CounterVec
}

// NewMetrics creates the loader collectors and registers them with reg.
// Collectors that are already registered are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heirloom",
			Subsystem: "loader",
			Name:      "fetches_total",
			Help:      "Provider fetches by tree level and outcome",
		}, []string{"level", "outcome"}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "heirloom",
			Subsystem: "loader",
			Name:      "fetch_duration_seconds",
			Help:      "Latency distribution of provider fetches",
			Buckets:   fetchBuckets,
		}, []string{"level"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heirloom",
			Subsystem: "loader",
			Name:      "cache_hits_total",
			Help:      "Expansions served from the store",
		}, []string{"level"}),
		coalescedJoin: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heirloom",
			Subsystem: "loader",
			Name:      "coalesced_total",
			Help:      "Expansions that joined an in-flight fetch",
		}, []string{"level"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heirloom",
			Subsystem: "loader",
			Name:      "invalidations_total",
			Help:      "Invalidated subtrees by root level",
		}, []string{"level"}),
	}
	if reg == nil {
		return m
	}
	m.fetches = registerCounter(reg, m.fetches)
	m.fetchLatency = registerHistogram(reg, m.fetchLatency)
	m.cacheHits = registerCounter(reg, m.cacheHits)
	m.coalescedJoin = registerCounter(reg, m.coalescedJoin)
	m.invalidations = registerCounter(reg, m.invalidations)
	return m
}

func registerCounter(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func registerHistogram(reg prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := reg.Register(h); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return h
}

func (m *Metrics) fetched(level, outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(level, outcome).Inc()
}

func (m *Metrics) observe(level string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchLatency.WithLabelValues(level).Observe(d.Seconds())
}

func (m *Metrics) hit(level string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(level).Inc()
}

func (m *Metrics) coalesced(level string) {
	if m == nil {
		return
	}
	m.coalescedJoin.WithLabelValues(level).Inc()
}

func (m *Metrics) invalidated(level string) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(level).Inc()
}
