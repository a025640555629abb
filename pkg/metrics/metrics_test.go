package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gatherMetric(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := Registry.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestSetActiveAgents(t *testing.T) {
	SetActiveAgents(4)
	f := gatherMetric(t, "pai_registry_active_agents")
	require.NotNil(t, f)
	require.Equal(t, float64(4), f.Metric[0].GetGauge().GetValue())
}

func TestSetWorkItemCountLabelsUnknownStatus(t *testing.T) {
	SetWorkItemCount("", 7)
	f := gatherMetric(t, "pai_workqueue_work_items")
	require.NotNil(t, f)

	found := false
	for _, m := range f.Metric {
		for _, lp := range m.Label {
			if lp.GetName() == "status" && lp.GetValue() == "unknown" {
				found = true
				require.Equal(t, float64(7), m.GetGauge().GetValue())
			}
		}
	}
	require.True(t, found, "expected a work_items series labeled status=unknown")
}

func TestRecordEventAppendedIncrementsCounter(t *testing.T) {
	RecordEventAppended("work_item_completed")
	RecordEventAppended("work_item_completed")

	f := gatherMetric(t, "pai_eventlog_events_appended_total")
	require.NotNil(t, f)

	var total float64
	for _, m := range f.Metric {
		for _, lp := range m.Label {
			if lp.GetName() == "event_type" && lp.GetValue() == "work_item_completed" {
				total = m.GetCounter().GetValue()
			}
		}
	}
	require.GreaterOrEqual(t, total, float64(2))
}

func TestRecordDispatchTickLabelsBoolean(t *testing.T) {
	RecordDispatchTick(true)

	f := gatherMetric(t, "pai_dispatcher_ticks_total")
	require.NotNil(t, f)

	found := false
	for _, m := range f.Metric {
		for _, lp := range m.Label {
			if lp.GetName() == "dispatched" && lp.GetValue() == "true" {
				found = true
			}
		}
	}
	require.True(t, found)
}
