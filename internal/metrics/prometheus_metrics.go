// Package metrics implements the Prometheus metrics collector carried as
// ambient infrastructure (SPEC_FULL.md §2): dispatch outcomes, rule
// matches, plugin invocations, in-flight requests, and a gopsutil-backed
// memory gauge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// Collector holds every FIPS Prometheus metric.
type Collector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	ruleMatchesTotal *prometheus.CounterVec
	noMatchTotal     prometheus.Counter
	pluginCallsTotal *prometheus.CounterVec
	activeRequests   prometheus.Gauge
	reloadsTotal     *prometheus.CounterVec
	systemMemPercent prometheus.Gauge

	logger      *zap.Logger
	httpHandler func(*fasthttp.RequestCtx)
}

// New builds a Collector registered against prometheus.DefaultRegisterer.
func New(namespace string, logger *zap.Logger) *Collector {
	return NewWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewWithRegistry builds a Collector registered against registerer, for
// tests that want an isolated registry.
func NewWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	c := &Collector{logger: logger}

	c.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Total number of requests dispatched, by action kind and status",
		},
		[]string{"action", "status"},
	)

	c.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "request_duration_seconds",
			Help:      "Time taken to run a request through the dispatch pipeline",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	c.ruleMatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "matches_total",
			Help:      "Total number of times a rule matched and fired",
		},
		[]string{"rule"},
	)

	c.noMatchTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "no_match_total",
			Help:      "Total number of requests that matched no active rule",
		},
	)

	c.pluginCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plugin",
			Name:      "invocations_total",
			Help:      "Total number of plugin function invocations, by function and outcome",
		},
		[]string{"function", "outcome"},
	)

	c.activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "active_requests",
			Help:      "Number of requests currently in flight",
		},
	)

	c.reloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "reloads_total",
			Help:      "Total number of rule-set reloads, by whether the fingerprint changed",
		},
		[]string{"changed"},
	)

	c.systemMemPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_used_percent",
			Help:      "Percentage of system memory in use, as of the last SampleSystemMemory call",
		},
	)

	registerer.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.ruleMatchesTotal,
		c.noMatchTotal,
		c.pluginCallsTotal,
		c.activeRequests,
		c.reloadsTotal,
		c.systemMemPercent,
	)

	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	c.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return c
}

// RecordRequest records one completed dispatch by action kind, HTTP status,
// and elapsed duration in seconds.
func (c *Collector) RecordRequest(action, status string, seconds float64) {
	c.requestsTotal.WithLabelValues(action, status).Inc()
	c.requestDuration.WithLabelValues(action).Observe(seconds)
}

// RecordRuleMatch records that ruleName's Then fired.
func (c *Collector) RecordRuleMatch(ruleName string) {
	c.ruleMatchesTotal.WithLabelValues(ruleName).Inc()
}

// RecordNoMatch records a request that matched no active rule.
func (c *Collector) RecordNoMatch() {
	c.noMatchTotal.Inc()
}

// RecordPluginCall records one plugin invocation outcome ("ok" or "error").
func (c *Collector) RecordPluginCall(function, outcome string) {
	c.pluginCallsTotal.WithLabelValues(function, outcome).Inc()
}

// IncActiveRequests/DecActiveRequests track in-flight request count.
func (c *Collector) IncActiveRequests() { c.activeRequests.Inc() }
func (c *Collector) DecActiveRequests() { c.activeRequests.Dec() }

// RecordReload records a rule-set reload; changed is true when the
// fingerprint differs from the previous generation.
func (c *Collector) RecordReload(changed bool) {
	label := "false"
	if changed {
		label = "true"
	}
	c.reloadsTotal.WithLabelValues(label).Inc()
}

// SampleSystemMemory reads current memory usage via gopsutil and updates
// the memory gauge. Errors are logged, never propagated.
func (c *Collector) SampleSystemMemory() {
	vm, err := mem.VirtualMemory()
	if err != nil {
		c.logger.Warn("failed to sample system memory", zap.Error(err))
		return
	}
	c.systemMemPercent.Set(vm.UsedPercent)
}

// ServeHTTP serves the Prometheus exposition format.
func (c *Collector) ServeHTTP(ctx *fasthttp.RequestCtx) {
	c.httpHandler(ctx)
}
