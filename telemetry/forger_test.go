package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/racetel/televib/collector"
	"github.com/racetel/televib/metrics"
)

func TestForgerWaitsForSequencerReady(t *testing.T) {
	c := collector.New()
	seq := NewSequencer(&fakeClock{})
	q := NewPacketQueue(10)
	f := NewForger(c, seq, q, nil, nil)

	accepted, _ := f.Tick()
	assert.False(t, accepted)
	assert.Equal(t, 0, q.Len())
}

func TestForgerProducesPacketOnceReady(t *testing.T) {
	c := collector.New()
	c.Set("speed", 42)
	c.Set("voltage", 400)
	seq := NewSequencer(&fakeClock{unix: 12345})
	seq.Reset([4]uint32{1, 2, 3, 4})
	q := NewPacketQueue(10)
	f := NewForger(c, seq, q, nil, nil)

	accepted, _ := f.Tick()
	require.True(t, accepted)
	require.Equal(t, 1, q.Len())

	got := q.Drain(1)[0]
	data, ok := got.Data.(FullPacket)
	require.True(t, ok)
	assert.Equal(t, float32(42), data.Speed)
	assert.Equal(t, float32(400), data.Voltage)
	assert.Equal(t, int32(12345), got.Timestamp)
}

func TestForgerDropsWhenQueueFull(t *testing.T) {
	c := collector.New()
	seq := NewSequencer(&fakeClock{})
	seq.Reset([4]uint32{1, 2, 3, 4})
	q := NewPacketQueue(1)
	f := NewForger(c, seq, q, nil, nil)

	accepted1, _ := f.Tick()
	require.True(t, accepted1)

	accepted2, _ := f.Tick()
	assert.False(t, accepted2)
	assert.Equal(t, 1, q.Len())
}

func TestForgerRecordsForgedAndDroppedCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	c := collector.New()
	seq := NewSequencer(&fakeClock{})
	seq.Reset([4]uint32{1, 2, 3, 4})
	q := NewPacketQueue(1)
	f := NewForger(c, seq, q, m, nil)

	_, _ = f.Tick()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PacketsForgedTotal))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.PacketsDroppedTotal))

	_, _ = f.Tick()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PacketsForgedTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PacketsDroppedTotal))
}
