package telemetry_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/galaxycore/constellation/pkg/eventbus"
	"github.com/galaxycore/constellation/pkg/telemetry"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)
	var total float64
	for m := range ch {
		var pb dto.Metric
		require.NoError(t, m.Write(&pb))
		if pb.Counter != nil {
			total += pb.Counter.GetValue()
		}
	}
	return total
}

func TestMetricsObserveCountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.NewMetrics(reg)
	bus := eventbus.New()
	unsub := m.Observe(bus)
	defer unsub()

	bus.Publish(eventbus.NewTaskEvent("d1", "t1", eventbus.TaskStarted, nil, nil))
	bus.Publish(eventbus.NewTaskEvent("d1", "t1", eventbus.TaskCompleted, nil, nil))
	bus.Publish(eventbus.NewConstellationEvent("c1", eventbus.ConstellationUpdated, 2, ""))
	bus.Publish(eventbus.NewDeviceEvent("d1", eventbus.DeviceConnected, 0))

	require.Eventually(t, func() bool {
		return counterValue(t, m.TasksDispatched) == 1 &&
			counterValue(t, m.TasksTerminal) == 1 &&
			counterValue(t, m.BatchCommits) == 1 &&
			counterValue(t, m.DeviceStateChange) == 1
	}, time.Second, time.Millisecond)
}

func TestRecordPlannerCall(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.NewMetrics(reg)

	m.RecordPlannerCall("create", nil, 0.01)
	m.RecordPlannerCall("create", require.AnError, 0.02)

	require.Equal(t, float64(2), counterValue(t, m.PlannerCalls))
}
