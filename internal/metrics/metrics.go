// Package metrics exposes Prometheus counters for strategy runs and demo
// checks. Each Metrics owns its registry so that runs and tests never share
// collectors.
package metrics

import (
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"stratum/internal/core"
	"stratum/internal/demo"
	"stratum/internal/stream"
)

const namespace = "stratum"

// Metrics groups every collector of a process.
type Metrics struct {
	registry *prometheus.Registry

	NodesReified   *prometheus.CounterVec
	Solutions      prometheus.Counter
	BudgetSpent    *prometheus.CounterVec
	CacheLookups   *prometheus.CounterVec
	Runs           *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	Diagnostics    *prometheus.CounterVec
	DemosEvaluated *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		NodesReified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_reified_total",
			Help:      "Tree nodes materialized, by effect",
		}, []string{"effect"}),
		Solutions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "solutions_total",
			Help:      "Solutions produced by search streams",
		}),
		BudgetSpent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_spent_total",
			Help:      "Budget spent on oracle requests, by metric",
		}, []string{"metric"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Answer cache lookups, by result",
		}, []string{"result"}), // hit | miss
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Strategy runs, by outcome",
		}, []string{"status"}), // success | failure | interrupted | error
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Strategy run wall time in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		Diagnostics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "demo",
			Name:      "diagnostics_total",
			Help:      "Demonstration diagnostics, by severity",
		}, []string{"severity"}),
		DemosEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "demo",
			Name:      "evaluated_total",
			Help:      "Demonstrations evaluated, by kind",
		}, []string{"kind"}), // strategy | query
	}
	m.registry.MustRegister(
		m.NodesReified, m.Solutions, m.BudgetSpent, m.CacheLookups,
		m.Runs, m.RunDuration, m.Diagnostics, m.DemosEvaluated,
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Hook counts every materialized node.
func (m *Metrics) Hook() core.Hook {
	return func(t *core.Tree) {
		m.NodesReified.WithLabelValues(t.Node.EffectName()).Inc()
	}
}

// Observe records a stream event.
func (m *Metrics) Observe(ev stream.Event) {
	switch ev.Kind {
	case stream.KindSolution:
		m.Solutions.Inc()
	case stream.KindSpent:
		for metric, v := range ev.Budget {
			if v > 0 {
				m.BudgetSpent.WithLabelValues(metric).Add(v)
			}
		}
	}
}

// ObserveCache records an answer cache lookup.
func (m *Metrics) ObserveCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// ObserveRun records the outcome of a strategy run.
func (m *Metrics) ObserveRun(status string, d time.Duration) {
	m.Runs.WithLabelValues(status).Inc()
	m.RunDuration.Observe(d.Seconds())
}

// ObserveFeedback records the diagnostics of one evaluated demonstration.
func (m *Metrics) ObserveFeedback(fb demo.Feedback) {
	kind := "query"
	if fb.Strategy != nil {
		kind = "strategy"
	}
	m.DemosEvaluated.WithLabelValues(kind).Inc()
	for _, d := range fb.Diagnostics() {
		m.Diagnostics.WithLabelValues(string(d.Severity)).Inc()
	}
}

// WritePrometheus writes every metric in the Prometheus text format.
func (m *Metrics) WritePrometheus(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
