package shell

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/racetel/televib/collector"
	"github.com/racetel/televib/watchdog"
)

type fakeChecker struct {
	name    string
	healthy bool
}

func (f fakeChecker) Name() string  { return f.name }
func (f fakeChecker) Healthy() bool { return f.healthy }

type fakeSampler struct {
	heapFree, heapAllocations, heapDeallocations int64
}

func (fakeSampler) CPUPercent() float64          { return 0 }
func (f fakeSampler) HeapFree() int64          { return f.heapFree }
func (f fakeSampler) HeapAllocations() int64   { return f.heapAllocations }
func (f fakeSampler) HeapDeallocations() int64 { return f.heapDeallocations }

func TestDispatchUnknownCommand(t *testing.T) {
	s := New(Dependencies{}, nil)
	var out bytes.Buffer
	s.dispatch("nonsense", &out)
	assert.Equal(t, "unknown command\n", out.String())
}

func TestDispatchEmptyLineIsNoop(t *testing.T) {
	s := New(Dependencies{}, nil)
	var out bytes.Buffer
	s.dispatch("", &out)
	assert.Empty(t, out.String())
}

func TestDispatchHeap(t *testing.T) {
	c := collector.NewWithSampler(fakeSampler{heapFree: 4096, heapAllocations: 10, heapDeallocations: 3})
	s := New(Dependencies{Collector: c}, nil)
	var out bytes.Buffer
	s.dispatch("heap", &out)
	got := out.String()
	assert.Contains(t, got, "4096 bytes free")
	assert.Contains(t, got, "10 malloc calls")
	assert.Contains(t, got, "3 free calls")
}

func TestDispatchHeapWithoutCollector(t *testing.T) {
	s := New(Dependencies{}, nil)
	var out bytes.Buffer
	s.dispatch("heap", &out)
	assert.Equal(t, "no collector configured\n", out.String())
}

func TestDispatchTasks(t *testing.T) {
	s := New(Dependencies{Checkers: func() []watchdog.HealthChecker {
		return []watchdog.HealthChecker{
			fakeChecker{name: "forger", healthy: true},
			fakeChecker{name: "uploader", healthy: false},
		}
	}}, nil)
	var out bytes.Buffer
	s.dispatch("tasks", &out)
	got := out.String()
	assert.Contains(t, got, "forger: ok")
	assert.Contains(t, got, "uploader: unhealthy")
}

func TestDispatchTasksWithoutCheckers(t *testing.T) {
	s := New(Dependencies{}, nil)
	var out bytes.Buffer
	s.dispatch("tasks", &out)
	assert.Equal(t, "no health checkers configured\n", out.String())
}

func TestDispatchAbuseStack(t *testing.T) {
	s := New(Dependencies{}, nil)
	var out bytes.Buffer
	s.dispatch("abuse_stack 4", &out)
	assert.Equal(t, "result: 15\n", out.String())
}

func TestDispatchAbuseStackBadArgument(t *testing.T) {
	s := New(Dependencies{}, nil)
	var out bytes.Buffer
	s.dispatch("abuse_stack notanumber", &out)
	assert.Equal(t, "bad argument\n", out.String())
}

func TestDispatchGsmTxWithoutCoordinator(t *testing.T) {
	s := New(Dependencies{}, nil)
	var out bytes.Buffer
	s.dispatch("gsm_tx AT+CSQ", &out)
	assert.Equal(t, "no coordinator configured\n", out.String())
}

func TestRunReadsUntilStreamCloses(t *testing.T) {
	s := New(Dependencies{}, nil)
	in := strings.NewReader("heap\nrestart\n")
	var restarted bool
	s.deps.Restart = func() { restarted = true }
	var out bytes.Buffer
	stop := make(chan struct{})

	done := make(chan struct{})
	go func() {
		s.Run(in, &out, stop)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return when input was exhausted")
	}
	require.True(t, restarted, "restart command should have fired")
	assert.Contains(t, out.String(), "no collector configured")
}

func TestStackAbuserMatchesRecurrence(t *testing.T) {
	assert.Equal(t, 1, stackAbuser(0))
	assert.Equal(t, 1, stackAbuser(1))
	assert.Equal(t, 3, stackAbuser(2))
	assert.Equal(t, 7, stackAbuser(3))
}
