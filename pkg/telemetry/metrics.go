package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/galaxycore/constellation/pkg/eventbus"
)

// Metrics holds the process-local Prometheus collectors exposed on the
// control-plane's /metrics endpoint. No scrape or persistence pipeline
// is built here — §1 lists metric persistence as an external
// collaborator's concern; this is only the in-process counters the
// teacher's pkg/monitoring would have registered.
type Metrics struct {
	TasksDispatched   *prometheus.CounterVec
	TasksTerminal     *prometheus.CounterVec
	SubscriberLagging prometheus.Counter
	DeviceStateChange *prometheus.CounterVec
	BatchCommits      prometheus.Counter
	PlannerCalls      *prometheus.CounterVec
	PlannerLatency    prometheus.Histogram
}

// NewMetrics constructs and registers all collectors against reg. A
// fresh prometheus.NewRegistry() is recommended per orchestrator
// instance so tests never collide on the global default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "constellation",
			Name:      "tasks_dispatched_total",
			Help:      "Tasks a device reported as started (task_accept), by device id.",
		}, []string{"device_id"}),
		TasksTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "constellation",
			Name:      "tasks_terminal_total",
			Help:      "Tasks that reached a terminal status, by status.",
		}, []string{"status"}),
		SubscriberLagging: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "constellation",
			Name:      "eventbus_subscriber_lagging_total",
			Help:      "Times a subscriber's inbox overflowed and was marked lagging.",
		}),
		DeviceStateChange: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "constellation",
			Name:      "device_state_changes_total",
			Help:      "Device status transitions, by resulting status.",
		}, []string{"status"}),
		BatchCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "constellation",
			Name:      "batch_commits_total",
			Help:      "Committed TaskConstellation edit batches.",
		}),
		PlannerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "constellation",
			Name:      "planner_calls_total",
			Help:      "Planner invocations, by mode (create/edit) and outcome.",
		}, []string{"mode", "outcome"}),
		PlannerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "constellation",
			Name:      "planner_call_seconds",
			Help:      "Planner call latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.TasksDispatched, m.TasksTerminal, m.SubscriberLagging,
		m.DeviceStateChange, m.BatchCommits, m.PlannerCalls, m.PlannerLatency,
	)
	return m
}

// Observe subscribes m to every event on bus and keeps the collectors
// above current without any producer (scheduler, device manager,
// TaskConstellation) needing its own reference to m, mirroring how the
// teacher's pkg/monitoring derives counters from the same event stream
// its websocket hub already broadcasts rather than threading a metrics
// handle through every call site.
func (m *Metrics) Observe(bus *eventbus.Bus) (unsubscribe func()) {
	return bus.Subscribe(eventbus.AllEvents, func(e eventbus.Event) {
		switch {
		case e.Task != nil:
			switch e.Task.Status {
			case eventbus.TaskStarted:
				m.TasksDispatched.WithLabelValues(e.SourceID).Inc()
			case eventbus.TaskCompleted, eventbus.TaskFailed:
				m.TasksTerminal.WithLabelValues(string(e.Task.Status)).Inc()
			}
		case e.Constellation != nil:
			if e.Constellation.Status == eventbus.ConstellationUpdated {
				m.BatchCommits.Inc()
			}
		case e.Device != nil:
			if e.Device.Status == eventbus.SubscriberLagging {
				m.SubscriberLagging.Inc()
				return
			}
			m.DeviceStateChange.WithLabelValues(string(e.Device.Status)).Inc()
		}
	})
}

// RecordPlannerCall observes one planner invocation's outcome and
// latency, fed by the orchestrator around its create()/edit() calls
// (§4.5/§4.6), which do not otherwise appear on the event bus.
func (m *Metrics) RecordPlannerCall(mode string, err error, elapsedSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.PlannerCalls.WithLabelValues(mode, outcome).Inc()
	m.PlannerLatency.Observe(elapsedSeconds)
}
