// Package metrics is a small, additive Prometheus registry (SPEC_FULL.md
// §3): gauges and counters for the dispatcher/worker/SpecFlow loop that an
// embedder can scrape. Nothing in this system reads its own metrics back,
// and no HTTP server is started here — wiring a /metrics handler is the
// embedder's job.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every collector this package registers. An embedder scrapes
// it via promhttp.HandlerFor(metrics.Registry, ...).
var Registry = prometheus.NewRegistry()

var (
	activeAgents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pai",
		Subsystem: "registry",
		Name:      "active_agents",
		Help:      "Current number of registered, non-deregistered agent sessions.",
	})

	workItemsByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pai",
		Subsystem: "workqueue",
		Name:      "work_items",
		Help:      "Current number of work items by status (available|claimed|completed|failed).",
	}, []string{"status"})

	eventsAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pai",
		Subsystem: "eventlog",
		Name:      "events_appended_total",
		Help:      "Total events appended to the event log, by event type.",
	}, []string{"event_type"})

	featuresByPhase = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pai",
		Subsystem: "specflow",
		Name:      "features",
		Help:      "Current number of SpecFlow features by phase.",
	}, []string{"phase"})

	dispatchTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pai",
		Subsystem: "dispatcher",
		Name:      "ticks_total",
		Help:      "Total dispatcher ticks, by whether anything was dispatched.",
	}, []string{"dispatched"})
)

func init() {
	Registry.MustRegister(
		activeAgents,
		workItemsByStatus,
		eventsAppended,
		featuresByPhase,
		dispatchTicks,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// SetActiveAgents sets the active-agents gauge to the given count.
func SetActiveAgents(n int) {
	activeAgents.Set(float64(n))
}

// SetWorkItemCount sets the work-items-by-status gauge for one status.
func SetWorkItemCount(status string, n int) {
	if status == "" {
		status = "unknown"
	}
	workItemsByStatus.WithLabelValues(status).Set(float64(n))
}

// RecordEventAppended increments the events-appended counter for one event type.
func RecordEventAppended(eventType string) {
	if eventType == "" {
		eventType = "unknown"
	}
	eventsAppended.WithLabelValues(eventType).Inc()
}

// SetFeaturePhaseCount sets the features-by-phase gauge for one phase.
func SetFeaturePhaseCount(phase string, n int) {
	if phase == "" {
		phase = "unknown"
	}
	featuresByPhase.WithLabelValues(phase).Set(float64(n))
}

// RecordDispatchTick increments the dispatcher tick counter, labeled by
// whether the tick actually dispatched any work.
func RecordDispatchTick(dispatched bool) {
	label := "false"
	if dispatched {
		label = "true"
	}
	dispatchTicks.WithLabelValues(label).Inc()
}
