// Package metrics exposes ambient Prometheus observability: task
// throughput by terminal state, in-flight concurrency, retries, and
// findings by severity (SPEC_FULL.md §4.8). Purely additive — never a
// decision input for the planner or executor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rcourtman/ipcrawler-sub000/internal/finding"
	"github.com/rcourtman/ipcrawler-sub000/internal/task"
)

// Collector holds the process-wide metric instruments for one run.
type Collector struct {
	TasksTotal       *prometheus.CounterVec
	TasksRunning     prometheus.Gauge
	RetriesTotal     prometheus.Counter
	ChainSkipsTotal  prometheus.Counter
	FindingsTotal    *prometheus.CounterVec
}

// NewCollector registers a fresh set of instruments against reg.
func NewCollector(reg *prometheus.Registry) *Collector {
	c := &Collector{
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipcrawler",
			Name:      "tasks_total",
			Help:      "Tasks reaching a terminal state, by status.",
		}, []string{"status"}),
		TasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ipcrawler",
			Name:      "tasks_running",
			Help:      "Tasks currently in the Running state.",
		}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipcrawler",
			Name:      "retries_total",
			Help:      "Task attempts re-enqueued after a non-zero exit.",
		}),
		ChainSkipsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipcrawler",
			Name:      "chain_skips_total",
			Help:      "Successor tasks skipped because their chain condition was unmet.",
		}),
		FindingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipcrawler",
			Name:      "findings_total",
			Help:      "Findings recorded, by severity.",
		}, []string{"severity"}),
	}

	reg.MustRegister(c.TasksTotal, c.TasksRunning, c.RetriesTotal, c.ChainSkipsTotal, c.FindingsTotal)
	return c
}

// ObserveTerminal implements executor.TerminalObserver.
func (c *Collector) ObserveTerminal(snapshot task.Snapshot) {
	c.TasksTotal.WithLabelValues(string(snapshot.Status)).Inc()
	if snapshot.Status == task.StatusSkipped && snapshot.SkipReason == task.SkipReasonChainConditionUnmet {
		c.ChainSkipsTotal.Inc()
	}
}

// ObserveRetry records one retry attempt.
func (c *Collector) ObserveRetry() {
	c.RetriesTotal.Inc()
}

// ObserveFinding records one finding by severity.
func (c *Collector) ObserveFinding(f finding.Finding) {
	c.FindingsTotal.WithLabelValues(string(f.Severity)).Inc()
}
