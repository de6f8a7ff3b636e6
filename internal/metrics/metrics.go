// Package metrics provides verifier pool telemetry.
// It wraps Prometheus collectors registered on a private registry, so several pools can
// coexist in one process and tests never touch the global registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every series.
const DefaultNamespace = "verifierpool"

// Claim results.
const (
	ClaimAcquired     = "acquired"
	ClaimEmpty        = "empty"
	ClaimError        = "error"
	ClaimInconsistent = "inconsistent"
)

// Collector records lease, execution and reclaim metrics. A nil *Collector is valid
// and records nothing.
type Collector struct {
	registry *prometheus.Registry

	leaseClaims     *prometheus.CounterVec
	leaseReleases   *prometheus.CounterVec
	leaseExhausted  prometheus.Counter
	leasesInFlight  prometheus.Gauge
	executeTotal    *prometheus.CounterVec
	executeDuration prometheus.Histogram
	reclaimSweeps   *prometheus.CounterVec
	reclaimedLeases prometheus.Counter
	chainHeight     prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// NewCollector creates a collector. An empty namespace selects DefaultNamespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.leaseClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "claims_total",
			Help:      "Lease claim attempts by result (acquired, empty, error, inconsistent)",
		},
		[]string{"result"},
	)

	c.leaseReleases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "releases_total",
			Help:      "Lease releases by result",
		},
		[]string{"result"},
	)

	c.leaseExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lease",
		Name:      "exhausted_total",
		Help:      "Executions that gave up without obtaining a lease",
	})

	c.leasesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "leases_in_flight",
		Help:      "Leases currently held by this process",
	})

	c.executeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execute_total",
			Help:      "Executions by result (ok, error, exhausted)",
		},
		[]string{"result"},
	)

	c.executeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "execute_duration_seconds",
		Help:      "Time from first acquire attempt to release",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
	})

	c.reclaimSweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reclaim",
			Name:      "sweeps_total",
			Help:      "Stale lease sweeps by result",
		},
		[]string{"result"},
	)

	c.reclaimedLeases = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reclaimed_leases_total",
		Help:      "Stale leases force-released by sweeps",
	})

	c.chainHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "chain_height",
		Help:      "Latest block height observed",
	})

	c.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status",
		},
		[]string{"method", "path", "status"},
	)

	c.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.registry.MustRegister(
		c.leaseClaims,
		c.leaseReleases,
		c.leaseExhausted,
		c.leasesInFlight,
		c.executeTotal,
		c.executeDuration,
		c.reclaimSweeps,
		c.reclaimedLeases,
		c.chainHeight,
		c.httpRequests,
		c.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) RecordClaim(result string) {
	if c == nil {
		return
	}
	c.leaseClaims.WithLabelValues(result).Inc()
	if result == ClaimAcquired {
		c.leasesInFlight.Inc()
	}
}

func (c *Collector) RecordRelease(err error) {
	if c == nil {
		return
	}
	c.leasesInFlight.Dec()
	c.leaseReleases.WithLabelValues(resultLabel(err)).Inc()
}

func (c *Collector) RecordExhausted() {
	if c == nil {
		return
	}
	c.leaseExhausted.Inc()
}

// RecordExecute records a finished execution. result is ok, error or exhausted.
func (c *Collector) RecordExecute(result string, duration time.Duration) {
	if c == nil {
		return
	}
	c.executeTotal.WithLabelValues(result).Inc()
	c.executeDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordSweep(reclaimed int64, err error) {
	if c == nil {
		return
	}
	c.reclaimSweeps.WithLabelValues(resultLabel(err)).Inc()
	if err == nil && reclaimed > 0 {
		c.reclaimedLeases.Add(float64(reclaimed))
	}
}

func (c *Collector) RecordHeight(height uint64) {
	if c == nil {
		return
	}
	c.chainHeight.Set(float64(height))
}

func (c *Collector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, path, status).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
