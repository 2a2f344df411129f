package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	r := NewRegistry()

	r.IncrementCounter("messages_sent", nil, "test counter")
	r.IncrementCounter("messages_sent", nil, "test counter")
	r.AddToCounter("messages_sent", 3, nil, "test counter")

	assert.Equal(t, float64(5), r.GetCounter("messages_sent", nil))
	assert.Equal(t, float64(0), r.GetCounter("unknown", nil))
}

func TestCounterLabels(t *testing.T) {
	r := NewRegistry()

	r.IncrementCounter("calls_ended", map[string]string{"reason": "HANGUP"}, "")
	r.IncrementCounter("calls_ended", map[string]string{"reason": "TIMEOUT"}, "")
	r.IncrementCounter("calls_ended", map[string]string{"reason": "HANGUP"}, "")

	assert.Equal(t, float64(2), r.GetCounter("calls_ended", map[string]string{"reason": "HANGUP"}))
	assert.Equal(t, float64(1), r.GetCounter("calls_ended", map[string]string{"reason": "TIMEOUT"}))
}

func TestGauges(t *testing.T) {
	r := NewRegistry()

	r.SetGauge("connections_active", 7, nil, "")
	assert.Equal(t, float64(7), r.GetGauge("connections_active", nil))

	r.AddToGauge("connections_active", -3, nil, "")
	assert.Equal(t, float64(4), r.GetGauge("connections_active", nil))
}

func TestAddToGaugeFloorsAtZero(t *testing.T) {
	r := NewRegistry()

	r.AddToGauge("calls_ringing", 1, nil, "")
	r.AddToGauge("calls_ringing", -5, nil, "")

	assert.Equal(t, float64(0), r.GetGauge("calls_ringing", nil))
}

func TestSetGaugeMax(t *testing.T) {
	r := NewRegistry()

	r.SetGaugeMax("users_online_peak", 10, nil, "")
	r.SetGaugeMax("users_online_peak", 5, nil, "")
	assert.Equal(t, float64(10), r.GetGauge("users_online_peak", nil))

	r.SetGaugeMax("users_online_peak", 25, nil, "")
	assert.Equal(t, float64(25), r.GetGauge("users_online_peak", nil))
}

func TestTimers(t *testing.T) {
	r := NewRegistry()

	r.RecordTimer("delivery_latency", 10*time.Millisecond, nil)
	r.RecordTimer("delivery_latency", 30*time.Millisecond, nil)

	snap := r.GetSnapshot()
	timer, ok := snap.Timers["delivery_latency"]
	require.True(t, ok)
	assert.Equal(t, int64(2), timer.Count)
	assert.Equal(t, float64(10), timer.Min)
	assert.Equal(t, float64(30), timer.Max)
	assert.Equal(t, float64(20), timer.Average)
}

func TestSnapshotIsACopy(t *testing.T) {
	r := NewRegistry()
	r.IncrementCounter("messages_sent", nil, "")

	snap := r.GetSnapshot()
	snap.Counters["messages_sent"].Value = 999

	assert.Equal(t, float64(1), r.GetCounter("messages_sent", nil))
	assert.False(t, snap.GeneratedAt.IsZero())
	assert.GreaterOrEqual(t, snap.UptimeSeconds, float64(0))
}

func TestReset(t *testing.T) {
	r := NewRegistry()
	r.IncrementCounter("messages_sent", nil, "")
	r.SetGauge("connections_active", 3, nil, "")

	r.Reset()

	assert.Equal(t, float64(0), r.GetCounter("messages_sent", nil))
	assert.Equal(t, float64(0), r.GetGauge("connections_active", nil))
}

func TestGlobalRegistry(t *testing.T) {
	GetRegistry().Reset()
	defer GetRegistry().Reset()

	IncrementCounter("test_global", nil, "")
	AddToCounter("test_global", 4, nil, "")
	SetGauge("test_gauge", 2, nil, "")

	snap := GetSnapshot()
	require.NotNil(t, snap.Counters["test_global"])
	assert.Equal(t, float64(5), snap.Counters["test_global"].Value)
	assert.Equal(t, float64(2), snap.Gauges["test_gauge"].Value)
}
