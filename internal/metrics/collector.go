// Package metrics exposes engine activity to Prometheus. A nil *Collector is
// valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector owns a private registry so several engines can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	sessionsTotal   *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
	sessionDuration *prometheus.HistogramVec

	stagesTotal *prometheus.CounterVec

	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	failovers    *prometheus.CounterVec

	agentsByStatus *prometheus.GaugeVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers every metric under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	c := &Collector{registry: reg, logger: logger.With(zap.String("component", "metrics"))}

	c.sessionsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Orchestration sessions by terminal state",
	}, []string{"state"})
	c.sessionsActive = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Sessions currently in flight",
	})
	c.sessionDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Help:      "Wall time from submit to terminal state",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"state"})

	c.stagesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stages_total",
		Help:      "Executed stages by mode and outcome",
	}, []string{"mode", "outcome"})

	c.tasksTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_total",
		Help:      "Dispatched tasks by agent and outcome",
	}, []string{"agent", "outcome"})
	c.taskDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Agent execution time per task",
		Buckets:   prometheus.DefBuckets,
	}, []string{"agent"})
	c.failovers = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "failovers_total",
		Help:      "Task re-runs on an alternate agent by outcome",
	}, []string{"outcome"})

	c.agentsByStatus = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "agents",
		Help:      "Registered agents by status",
	}, []string{"status"})

	c.httpRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	c.httpRequestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(c.logger),
	})
}

func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.sessionsActive.Inc()
}

func (c *Collector) SessionFinished(state string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
	c.sessionsTotal.WithLabelValues(state).Inc()
	c.sessionDuration.WithLabelValues(state).Observe(elapsed.Seconds())
}

func (c *Collector) StageFinished(parallel bool, failed bool) {
	if c == nil {
		return
	}
	mode := "sequential"
	if parallel {
		mode = "parallel"
	}
	c.stagesTotal.WithLabelValues(mode, outcome(!failed)).Inc()
}

func (c *Collector) TaskFinished(agentID string, success bool, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.tasksTotal.WithLabelValues(agentID, outcome(success)).Inc()
	c.taskDuration.WithLabelValues(agentID).Observe(elapsed.Seconds())
}

func (c *Collector) Failover(success bool) {
	if c == nil {
		return
	}
	c.failovers.WithLabelValues(outcome(success)).Inc()
}

// SetAgentStatuses replaces the per-status agent gauge.
func (c *Collector) SetAgentStatuses(counts map[string]int) {
	if c == nil {
		return
	}
	c.agentsByStatus.Reset()
	for status, n := range counts {
		c.agentsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

func (c *Collector) RecordHTTPRequest(method, path string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
