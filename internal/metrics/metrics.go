// Package metrics turns pipeline events into Prometheus metrics and writes
// them in the node_exporter textfile format.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/signalnine/seceval/internal/events"
)

const namespace = "seceval"

// Collector is an events.Sink backed by its own registry, so several
// runs in one process never share counters.
type Collector struct {
	reg *prometheus.Registry

	stageDuration *prometheus.HistogramVec
	stageOutcomes *prometheus.CounterVec
	functional    *prometheus.CounterVec
	security      *prometheus.CounterVec
	excluded      prometheus.Counter
	logLines      prometheus.Counter
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Collector{
		reg: reg,
		// Labels: stage, status (finished, failed)
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Wall time of each pipeline stage.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"stage", "status"}),
		// Labels: stage, outcome (finished, failed, skipped)
		stageOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "outcomes_total",
			Help:      "Pipeline stage outcomes.",
		}, []string{"stage", "outcome"}),
		// Labels: outcome (passed, failed, timeout)
		functional: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "functional_total",
			Help:      "Classified tasks by functional outcome.",
		}, []string{"outcome"}),
		// Labels: outcome (passed, failed)
		security: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "security_total",
			Help:      "Classified tasks by security outcome.",
		}, []string{"outcome"}),
		excluded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "excluded_total",
			Help:      "Generation results excluded before evaluation.",
		}),
		logLines: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "container",
			Name:      "log_lines_total",
			Help:      "Log lines streamed from containers.",
		}),
	}
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Emit(e events.Event) {
	switch e.Kind {
	case events.KindStageFinished:
		c.stageOutcomes.WithLabelValues(e.Stage, "finished").Inc()
		c.observeDuration(e, "finished")
	case events.KindStageFailed:
		c.stageOutcomes.WithLabelValues(e.Stage, "failed").Inc()
		c.observeDuration(e, "failed")
	case events.KindStageSkipped:
		c.stageOutcomes.WithLabelValues(e.Stage, "skipped").Inc()
	case events.KindTaskExcluded:
		c.excluded.Inc()
	case events.KindLogLine:
		c.logLines.Inc()
	case events.KindTaskResult:
		c.observeTask(e.Fields)
	}
}

func (c *Collector) observeDuration(e events.Event, status string) {
	if secs, ok := e.Fields["duration_seconds"].(float64); ok {
		c.stageDuration.WithLabelValues(e.Stage, status).Observe(secs)
	}
}

func (c *Collector) observeTask(fields map[string]any) {
	switch {
	case fields["timeout"] == true:
		c.functional.WithLabelValues("timeout").Inc()
	case fields["functional_passed"] == true:
		c.functional.WithLabelValues("passed").Inc()
	default:
		c.functional.WithLabelValues("failed").Inc()
	}
	if secure, ok := fields["security_passed"].(bool); ok {
		if secure {
			c.security.WithLabelValues("passed").Inc()
		} else {
			c.security.WithLabelValues("failed").Inc()
		}
	}
}

// WriteTextfile writes every collected metric to path.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.reg); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}
