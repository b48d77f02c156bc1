// Package metrics collects runtime counters for the map engines and exposes
// them for Prometheus scraping. A nil *Collector is valid and records
// nothing, so engines never need to guard their calls.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Enrichment outcomes.
const (
	EnrichIssued    = "issued"
	EnrichApplied   = "applied"
	EnrichStale     = "stale"
	EnrichCancelled = "cancelled"
	EnrichFailed    = "failed"
)

// Layer events.
const (
	LayerMount    = "mount"
	LayerUnmount  = "unmount"
	LayerSwap     = "swap"
	LayerFallback = "fallback"
)

// Viewport capture results.
const (
	ViewportPublished  = "published"
	ViewportSuppressed = "suppressed"
	ViewportBelowZoom  = "below_zoom"
)

// Collector owns a private registry so several pages (and tests) can
// coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	hoverSessions   prometheus.Counter
	hoverUnchanged  prometheus.Counter
	enrichments     *prometheus.CounterVec
	viewportPublish *prometheus.CounterVec
	layerEvents     *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	configErrors    prometheus.Counter
	cacheLookups    *prometheus.CounterVec
}

// NewCollector creates and registers every collector under namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "viscore"
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.hoverSessions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hover",
		Name:      "sessions_total",
		Help:      "Hover sessions started",
	})
	c.hoverUnchanged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hover",
		Name:      "unchanged_total",
		Help:      "Pointer moves whose candidate set was unchanged",
	})
	c.enrichments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hover",
		Name:      "enrichments_total",
		Help:      "Tooltip enrichment requests by outcome",
	}, []string{"outcome"})
	c.viewportPublish = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "viewport",
		Name:      "publishes_total",
		Help:      "Viewport captures by result (published, suppressed, below_zoom)",
	}, []string{"result"})
	c.layerEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "layers",
		Name:      "events_total",
		Help:      "Layer lifecycle events",
	}, []string{"event"})
	c.fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dataclient",
		Name:      "request_duration_seconds",
		Help:      "Data collaborator request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op", "status"})
	c.configErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "compiler",
		Name:      "configuration_errors_total",
		Help:      "Bootstraps aborted by a configuration error",
	})
	c.cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Response cache lookups by result",
	}, []string{"result"})

	c.registry.MustRegister(
		c.hoverSessions,
		c.hoverUnchanged,
		c.enrichments,
		c.viewportPublish,
		c.layerEvents,
		c.fetchDuration,
		c.configErrors,
		c.cacheLookups,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) HoverSession() {
	if c != nil {
		c.hoverSessions.Inc()
	}
}

func (c *Collector) HoverUnchanged() {
	if c != nil {
		c.hoverUnchanged.Inc()
	}
}

func (c *Collector) Enrichment(outcome string) {
	if c != nil {
		c.enrichments.WithLabelValues(outcome).Inc()
	}
}

func (c *Collector) Viewport(result string) {
	if c != nil {
		c.viewportPublish.WithLabelValues(result).Inc()
	}
}

func (c *Collector) Layer(event string) {
	if c != nil {
		c.layerEvents.WithLabelValues(event).Inc()
	}
}

// Fetch observes one data collaborator request.
func (c *Collector) Fetch(op, status string, seconds float64) {
	if c != nil {
		c.fetchDuration.WithLabelValues(op, status).Observe(seconds)
	}
}

func (c *Collector) ConfigurationError() {
	if c != nil {
		c.configErrors.Inc()
	}
}

// CacheLookup records a hit or miss.
func (c *Collector) CacheLookup(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	c.cacheLookups.WithLabelValues("miss").Inc()
}
