package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.EventAccepted("keyboard")
	m.EventAccepted("keyboard")
	m.EventDropped("mouse")
	m.SetQueueDepth(7)
	m.SyncRows("activity_logs", OutcomeUploaded, 50)
	m.SyncRows("activity_logs", OutcomeFailed, 0)
	m.SyncRun(nil)
	m.SyncRun(errors.New("boom"))
	m.Evicted(3, 300)
	m.SetMediaUsage(10, 1000)
	m.SetPending("screenshots", 4)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{name: "accepted keyboard", got: testutil.ToFloat64(m.eventsAccepted.WithLabelValues("keyboard")), want: 2},
		{name: "dropped mouse", got: testutil.ToFloat64(m.eventsDropped.WithLabelValues("mouse")), want: 1},
		{name: "queue depth", got: testutil.ToFloat64(m.queueDepth), want: 7},
		{name: "uploaded rows", got: testutil.ToFloat64(m.syncRows.WithLabelValues("activity_logs", OutcomeUploaded)), want: 50},
		{name: "failed runs", got: testutil.ToFloat64(m.syncRuns.WithLabelValues("error")), want: 1},
		{name: "evicted bytes", got: testutil.ToFloat64(m.evictedBytes), want: 300},
		{name: "media files", got: testutil.ToFloat64(m.mediaFiles), want: 10},
		{name: "pending screenshots", got: testutil.ToFloat64(m.pendingRows.WithLabelValues("screenshots")), want: 4},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	// Zero-row outcomes are not recorded.
	if n := testutil.CollectAndCount(m.syncRows); n != 1 {
		t.Errorf("syncRows series = %d, want 1", n)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.EventAccepted("keyboard")
	m.EventDropped("keyboard")
	m.SetQueueDepth(1)
	m.SyncRows("t", OutcomeUploaded, 1)
	m.SyncRequest()
	m.SyncRun(nil)
	m.Evicted(1, 1)
	m.SetMediaUsage(1, 1)
	m.SetPending("t", 1)
}
