package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DegradedReporter exposes the coordinator backend state.
type DegradedReporter interface {
	Degraded() bool
}

// QueueDepthProvider exposes a background queue's backlog.
type QueueDepthProvider interface {
	Depth() int
}

// Collector gathers state gauges at scrape time. Any provider may be nil.
type Collector struct {
	coordinator DegradedReporter
	cdrQueue    QueueDepthProvider
	startTime   time.Time

	degradedDesc   *prometheus.Desc
	queueDepthDesc *prometheus.Desc
	uptimeDesc     *prometheus.Desc
}

func NewCollector(coordinator DegradedReporter, cdrQueue QueueDepthProvider, startTime time.Time) *Collector {
	return &Collector{
		coordinator: coordinator,
		cdrQueue:    cdrQueue,
		startTime:   startTime,

		degradedDesc: prometheus.NewDesc(
			"pbx_coordinator_degraded",
			"Whether locks and cache are served by the fallback backend (1=degraded)",
			nil, nil,
		),
		queueDepthDesc: prometheus.NewDesc(
			"pbx_cdr_queue_depth",
			"CDRs accepted but not yet persisted",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"pbx_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.degradedDesc
	ch <- c.queueDepthDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.coordinator != nil {
		v := 0.0
		if c.coordinator.Degraded() {
			v = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.degradedDesc, prometheus.GaugeValue, v)
	}
	if c.cdrQueue != nil {
		ch <- prometheus.MustNewConstMetric(c.queueDepthDesc, prometheus.GaugeValue, float64(c.cdrQueue.Depth()))
	}
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	webhookRequests *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	replays         *prometheus.CounterVec
	sentryBlocks    *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	coordinatorFlip *prometheus.CounterVec
	cdrDropped      prometheus.Counter
}

func New(collector *Collector) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		webhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbx_webhook_requests_total",
			Help: "Webhook requests by route and status code",
		}, []string{"route", "code"}),
		webhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pbx_webhook_duration_seconds",
			Help:    "Webhook handling latency",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 8},
		}, []string{"route"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbx_webhook_replays_total",
			Help: "Duplicate deliveries answered from the idempotency cache",
		}, []string{"route"}),
		sentryBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbx_sentry_blocks_total",
			Help: "Calls rejected by admission checks",
		}, []string{"check"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbx_call_transitions_total",
			Help: "Committed call status transitions by target status",
		}, []string{"status"}),
		coordinatorFlip: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbx_coordinator_transitions_total",
			Help: "Coordinator switches between primary and fallback",
		}, []string{"state"}),
		cdrDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbx_cdr_dropped_total",
			Help: "CDRs that failed to persist",
		}),
	}
	m.registry.MustRegister(
		m.webhookRequests, m.webhookDuration, m.replays, m.sentryBlocks,
		m.transitions, m.coordinatorFlip, m.cdrDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if collector != nil {
		m.registry.MustRegister(collector)
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency by matched route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.webhookRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		m.webhookDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Replay(route string)      { m.replays.WithLabelValues(route).Inc() }
func (m *Metrics) SentryBlock(check string) { m.sentryBlocks.WithLabelValues(check).Inc() }
func (m *Metrics) Transition(status string) { m.transitions.WithLabelValues(status).Inc() }
func (m *Metrics) CDRDropped()              { m.cdrDropped.Inc() }

func (m *Metrics) CoordinatorStateChange(degraded bool) {
	state := "recovered"
	if degraded {
		state = "degraded"
	}
	m.coordinatorFlip.WithLabelValues(state).Inc()
}
