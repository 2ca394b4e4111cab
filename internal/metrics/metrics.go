// Package metrics exposes poll cycle metrics and optionally pushes them to a
// Prometheus Pushgateway, since a short-lived poller has nothing to scrape.
package metrics

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"schema-poller/internal/config"
	"schema-poller/internal/models"
)

const metricsNamespace = "schemapoller"

// Collector is a prometheus.Collector for poll cycle outcomes.
type Collector struct {
	cycles        *prometheus.CounterVec
	acknowledged  prometheus.Counter
	duplicateRisk prometheus.Counter
	duration      prometheus.Histogram
	lastSuccess   prometheus.Gauge
	// lastSuccessSet gates lastSuccess so a process that has only seen
	// failures does not report a success at the epoch.
	lastSuccessSet atomic.Bool
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "cycles_total",
				Help:      "The number of poll cycles by outcome.",
			}, []string{"outcome"},
		),
		acknowledged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "changes_acknowledged_total",
				Help:      "The number of schema changes marked processed.",
			},
		),
		duplicateRisk: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "duplicate_risk_total",
				Help:      "The number of pipeline runs started whose changes could not be marked processed.",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "cycle_duration_seconds",
				Help:      "The time taken by a poll cycle.",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		lastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last poll cycle that ended without failure.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.cycles.Describe(ch)
	c.acknowledged.Describe(ch)
	c.duplicateRisk.Describe(ch)
	c.duration.Describe(ch)
	c.lastSuccess.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.cycles.Collect(ch)
	c.acknowledged.Collect(ch)
	c.duplicateRisk.Collect(ch)
	c.duration.Collect(ch)
	if c.lastSuccessSet.Load() {
		c.lastSuccess.Collect(ch)
	}
}

// ObserveCycle records the outcome of one cycle.
func (c *Collector) ObserveCycle(report *models.CycleReport) {
	c.cycles.WithLabelValues(string(report.Outcome)).Inc()
	if report.Outcome == models.OutcomeLocked {
		return
	}

	c.duration.Observe(report.Duration().Seconds())
	switch report.Outcome {
	case models.OutcomeAcknowledged:
		c.acknowledged.Add(float64(report.Marked))
	case models.OutcomeAcknowledgeFailed:
		c.duplicateRisk.Inc()
	}
	if !report.Failed() {
		c.lastSuccess.Set(float64(report.FinishedAt.UnixNano()) / 1e9)
		c.lastSuccessSet.Store(true)
	}
}

// NewRegistry returns a registry holding c.
func NewRegistry(c *Collector) (*prometheus.Registry, error) {
	r := prometheus.NewRegistry()
	if err := r.Register(c); err != nil {
		return nil, fmt.Errorf("failed to register poller metrics: %w", err)
	}
	return r, nil
}

// Pusher sends a registry to a Pushgateway.
type Pusher struct {
	pusher *push.Pusher
}

// NewPusher returns nil when no Pushgateway is configured.
func NewPusher(cfg *config.MetricsConfig, gatherer prometheus.Gatherer) *Pusher {
	if cfg.PushgatewayURL == "" {
		return nil
	}
	return &Pusher{
		pusher: push.New(cfg.PushgatewayURL, cfg.Job).Gatherer(gatherer),
	}
}

// Push replaces the metrics of the job in the Pushgateway that share a name
// with a gathered one. Metrics this process did not gather keep their last
// pushed value, so last_success survives a run that only saw failures. A nil
// Pusher does nothing.
func (p *Pusher) Push(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if err := p.pusher.AddContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
