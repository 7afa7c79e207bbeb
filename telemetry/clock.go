package telemetry

import (
	"sync/atomic"
	"time"
)

// Clock is the time-of-day source consulted by the sequencer when it
// stamps a packet. It is set once at boot from the GPS-derived fix
// returned by CIPGSMLOC, then free-runs against the host's wall clock -
// mirroring the original's "global mutable timestamp base",
// modeled there as an atomic integer.
type Clock interface {
	// Unix returns the current estimate of the unix time, in seconds.
	Unix() int32
	// SetUnix rebases the clock to t, as observed at the moment of the call.
	SetUnix(t int32)
}

// SystemClock is the default Clock: an atomically-stored offset between
// the externally supplied unix time and the host's own wall clock at the
// moment it was set.
type SystemClock struct {
	offset atomic.Int64 // seconds to add to time.Now().Unix() to get the estimate
	set    atomic.Bool
}

// NewSystemClock returns a SystemClock that reports the host's own wall
// clock until SetUnix is called.
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (c *SystemClock) Unix() int32 {
	now := time.Now().Unix()
	if !c.set.Load() {
		return int32(now)
	}
	return int32(now + c.offset.Load())
}

func (c *SystemClock) SetUnix(t int32) {
	c.offset.Store(int64(t) - time.Now().Unix())
	c.set.Store(true)
}
