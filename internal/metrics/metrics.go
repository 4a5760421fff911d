// Package metrics exposes orchestration counters to Prometheus and to the
// status report.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"maestro/internal/domain"
)

const namespace = "maestro"

// Collector records orchestration metrics on a private registry. A nil
// *Collector is a valid no-op recorder, used when metrics are disabled.
type Collector struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	workflowsLaunched   prometheus.Counter
	workflowsCompleted  prometheus.Counter
	workflowsCancelled  prometheus.Counter
	deploymentsApproved prometheus.Counter
	deploymentsRejected *prometheus.CounterVec
	tasksDispatched     *prometheus.CounterVec
	healthChecks        prometheus.Counter
	healthCheckFailures *prometheus.CounterVec
	activeWorkflows     prometheus.Gauge
	agentHealth         *prometheus.GaugeVec
	healthCheckDuration prometheus.Histogram
}

// NewCollector builds a collector with all series registered.
func NewCollector(logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}
	c.workflowsLaunched = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflows_launched_total",
		Help:      "Full workflows launched.",
	})
	c.workflowsCompleted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflows_completed_total",
		Help:      "Workflows that reached the end of their phase list.",
	})
	c.workflowsCancelled = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflows_cancelled_total",
		Help:      "Workflows stopped before completion.",
	})
	c.deploymentsApproved = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deployments_approved_total",
		Help:      "Deployment proposals approved.",
	})
	c.deploymentsRejected = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deployments_rejected_total",
		Help:      "Deployment proposals rejected, by reason.",
	}, []string{"reason"})
	c.tasksDispatched = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_dispatched_total",
		Help:      "Tasks handed to agents, by phase.",
	}, []string{"phase"})
	c.healthChecks = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "health_checks_total",
		Help:      "Completed health-check sweeps.",
	})
	c.healthCheckFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "health_check_failures_total",
		Help:      "Individual health-check failures, by component.",
	}, []string{"component"})
	c.activeWorkflows = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_workflows",
		Help:      "Workflows currently in the active set.",
	})
	c.agentHealth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "agent_health",
		Help:      "Agent health: 1 healthy, 0.5 degraded, 0 unreachable.",
	}, []string{"agent"})
	c.healthCheckDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "health_check_duration_seconds",
		Help:      "Duration of one full health-check sweep.",
		Buckets:   prometheus.DefBuckets,
	})
	return c
}

func (c *Collector) WorkflowLaunched() {
	if c == nil {
		return
	}
	c.workflowsLaunched.Inc()
}

func (c *Collector) WorkflowCompleted() {
	if c == nil {
		return
	}
	c.workflowsCompleted.Inc()
}

func (c *Collector) WorkflowCancelled() {
	if c == nil {
		return
	}
	c.workflowsCancelled.Inc()
}

func (c *Collector) DeploymentApproved() {
	if c == nil {
		return
	}
	c.deploymentsApproved.Inc()
}

func (c *Collector) DeploymentRejected(reason string) {
	if c == nil {
		return
	}
	c.deploymentsRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) TaskDispatched(phase string) {
	if c == nil {
		return
	}
	c.tasksDispatched.WithLabelValues(phase).Inc()
}

// HealthCheckCompleted records one full sweep and its duration.
func (c *Collector) HealthCheckCompleted(d time.Duration) {
	if c == nil {
		return
	}
	c.healthChecks.Inc()
	c.healthCheckDuration.Observe(d.Seconds())
}

func (c *Collector) HealthCheckFailed(component string) {
	if c == nil {
		return
	}
	c.healthCheckFailures.WithLabelValues(component).Inc()
}

func (c *Collector) SetActiveWorkflows(n int) {
	if c == nil {
		return
	}
	c.activeWorkflows.Set(float64(n))
}

func (c *Collector) RecordAgentHealth(agentID string, health domain.AgentHealth) {
	if c == nil {
		return
	}
	var v float64
	switch health {
	case domain.HealthHealthy:
		v = 1
	case domain.HealthDegraded:
		v = 0.5
	}
	c.agentHealth.WithLabelValues(agentID).Set(v)
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Summary flattens the registry into the map embedded in status reports.
// Label dimensions are summed; histograms report their observation count.
func (c *Collector) Summary() map[string]float64 {
	out := map[string]float64{}
	if c == nil {
		return out
	}
	fams, err := c.registry.Gather()
	if err != nil {
		c.logger.Warn("gather metrics", zap.Error(err))
		return out
	}
	for _, fam := range fams {
		name := strings.TrimPrefix(fam.GetName(), namespace+"_")
		var total float64
		for _, m := range fam.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
		out[name] = total
	}
	return out
}
