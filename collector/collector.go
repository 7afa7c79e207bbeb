// Package collector provides a process-global, mutex-guarded keyed
// telemetry store. Most keys are plain values written by Set/SetArray and
// read back by Get/GetArray; a handful of keys are computed on read instead
// of stored, the way the original's function-pointer-backed "special" keys
// worked for heap stats and CPU usage.
package collector

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// Sampler supplies the computed-on-read process introspection keys
// ("cpu_usage", "heap_free", "heap_allocations", "heap_deallocations").
// The default implementation backs cpu_usage with gopsutil and the heap
// counters with the Go runtime - the host analogues of the original's
// vPortGetHeapStats call sites. Tests supply a fake Sampler instead of
// depending on real process state.
type Sampler interface {
	CPUPercent() float64
	HeapFree() int64
	HeapAllocations() int64
	HeapDeallocations() int64
}

type defaultSampler struct{}

func (defaultSampler) CPUPercent() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return percents[0]
}

func (defaultSampler) HeapFree() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.HeapIdle - m.HeapReleased)
}

func (defaultSampler) HeapAllocations() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.Mallocs)
}

func (defaultSampler) HeapDeallocations() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.Frees)
}

// Collector is a thread-safe keyed store of floats and integers, with a
// fixed set of computed-on-read keys layered over both maps.
type Collector struct {
	mu     sync.Mutex
	floats map[string]float64
	ints   map[string]int64

	sampler Sampler
	started time.Time
}

// New creates an empty Collector backed by the default process-introspection
// Sampler. The computed-on-read "uptime_ms" key is measured from the
// moment New is called.
func New() *Collector {
	return NewWithSampler(defaultSampler{})
}

// NewWithSampler is New with an injected Sampler, primarily for tests.
func NewWithSampler(s Sampler) *Collector {
	return &Collector{
		floats:  make(map[string]float64),
		ints:    make(map[string]int64),
		sampler: s,
		started: time.Now(),
	}
}

// Set stores a float-valued key.
func (c *Collector) Set(key string, v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.floats[key] = v
}

// SetInt stores an integer-valued key.
func (c *Collector) SetInt(key string, v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ints[key] = v
}

// Get returns a float-valued key, falling back to def if unset. The
// "cpu_usage" key is computed from the Sampler and never touches the
// stored map.
func (c *Collector) Get(key string, def float64) float64 {
	if key == "cpu_usage" {
		return c.sampler.CPUPercent()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.floats[key]; ok {
		return v
	}
	return def
}

// GetInt returns an integer-valued key, falling back to def if unset.
// Computed keys ("uptime_ms", "heap_free", "heap_allocations",
// "heap_deallocations") are served from the Sampler (or the collector's
// own start time) and never touch the stored map.
func (c *Collector) GetInt(key string, def int64) int64 {
	switch key {
	case "uptime_ms":
		return time.Since(c.started).Milliseconds()
	case "heap_free":
		return c.sampler.HeapFree()
	case "heap_allocations":
		return c.sampler.HeapAllocations()
	case "heap_deallocations":
		return c.sampler.HeapDeallocations()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.ints[key]; ok {
		return v
	}
	return def
}

// SetArray stores each element of vs under "<keyBase>_<offset+i>", matching
// the original's array-shaped key encoding by suffix.
func SetArray[T float64 | int64](c *Collector, keyBase string, vs []T, offset int) {
	for i, v := range vs {
		key := fmt.Sprintf("%s_%d", keyBase, offset+i)
		switch any(v).(type) {
		case float64:
			c.Set(key, float64(v))
		case int64:
			c.SetInt(key, int64(v))
		}
	}
}

// GetArray fills out with "<keyBase>_0, <keyBase>_1, …", the read-side
// counterpart of SetArray.
func GetArray[T float64 | int64](c *Collector, keyBase string, out []T) {
	for i := range out {
		key := fmt.Sprintf("%s_%d", keyBase, i)
		var zero T
		switch any(zero).(type) {
		case float64:
			out[i] = T(c.Get(key, 0))
		case int64:
			out[i] = T(c.GetInt(key, 0))
		}
	}
}
