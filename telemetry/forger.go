package telemetry

import (
	"log"
	"time"

	"github.com/racetel/televib/collector"
	"github.com/racetel/televib/metrics"
)

// notReadyRetryDelay is how long the forger waits between readiness checks
// before the sequencer has completed its first Reset.
const notReadyRetryDelay = 10 * time.Millisecond

// Forger is the single periodic producer task: it assembles a FullPacket
// from the data collector, sequences it, and offers it to the bounded
// queue the uploader drains from.
type Forger struct {
	collector *collector.Collector
	sequencer *Sequencer
	queue     *PacketQueue
	metrics   *metrics.Metrics
	logger    *log.Logger
}

// NewForger wires a Forger to its collaborators. m may be nil, in which
// case Tick simply doesn't record counters.
func NewForger(c *collector.Collector, seq *Sequencer, q *PacketQueue, m *metrics.Metrics, logger *log.Logger) *Forger {
	if logger == nil {
		logger = log.Default()
	}
	return &Forger{collector: c, sequencer: seq, queue: q, metrics: m, logger: logger}
}

// Tick runs one production iteration: if the sequencer isn't ready yet it
// reports a short retry delay; otherwise it assembles, sequences, and
// offers one packet, and returns the backpressure-scaled delay to sleep
// before the next call.
func (f *Forger) Tick() (accepted bool, delay time.Duration) {
	if !f.sequencer.Ready() {
		return false, notReadyRetryDelay
	}

	packet := f.sequencer.Sequence(f.assemble())
	accepted = f.queue.Push(packet)
	if accepted {
		if f.metrics != nil {
			f.metrics.PacketsForgedTotal.Inc()
		}
	} else {
		f.logger.Printf("telemetry: packet queue full, dropping sequence %d", packet.SequenceID)
		if f.metrics != nil {
			f.metrics.PacketsDroppedTotal.Inc()
		}
	}

	return accepted, BackpressureDelay(f.queue.FillRatio())
}

// Run drives Tick in a loop until stop is closed, sleeping the delay Tick
// reports between iterations.
func (f *Forger) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		_, delay := f.Tick()
		select {
		case <-stop:
			return
		case <-time.After(delay):
		}
	}
}

// assemble reads the current collector state into a FullPacket. Fields the
// host has no direct analogue for (onboard performance counters) are left
// zeroed, matching the original's own placeholder zero-fill at this call
// site.
func (f *Forger) assemble() FullPacket {
	temps64 := make([]float64, 5)
	collector.GetArray(f.collector, "battery_temp", temps64)
	var temps [5]float32
	for i, v := range temps64 {
		temps[i] = float32(v)
	}

	return FullPacket{
		Speed:           float32(f.collector.Get("speed", 0)),
		BatteryTemps:    temps,
		Voltage:         float32(f.collector.Get("voltage", 0)),
		RemainingWattHr: float32(f.collector.Get("remaining_wh", 0)),
		FreeHeapSpace:   uint32(f.collector.GetInt("heap_free", 0)),
		AmtAllocs:       uint32(f.collector.GetInt("heap_allocations", 0)),
		AmtFrees:        uint32(f.collector.GetInt("heap_deallocations", 0)),
	}
}
