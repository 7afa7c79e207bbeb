// Package watchdog provides the retained post-mortem record and periodic
// task-health sweep. The record is persisted to a small file as the host
// analogue of the original's CCM-RAM region that survives a reset; the
// health sweep is the host analogue of the stack-high-water-mark check
// that would otherwise halt and reboot the device.
package watchdog

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"log"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
)

// TaskNameLen bounds the task-name field of a Record, mirroring the
// original's configMAX_TASK_NAME_LEN-sized buffer.
const TaskNameLen = 32

// Status codes recorded in a Record's Status field.
const (
	StatusDidntCatchFire int32 = 0
	StatusStdTerminate   int32 = 1
	StatusStackOverflow  int32 = 2
	StatusUnspecified    int32 = 99
)

// Record is the retained post-mortem record: a status code, the name of
// the task (or goroutine label) responsible, and a CRC32/ISO-HDLC
// self-check computed with the CRC field zeroed.
type Record struct {
	Status   int32
	TaskName [TaskNameLen]byte
	CRC      uint32
}

// TaskNameString returns the NUL-terminated prefix of TaskName as a string.
func (r Record) TaskNameString() string {
	n := bytes.IndexByte(r.TaskName[:], 0)
	if n < 0 {
		n = len(r.TaskName)
	}
	return string(r.TaskName[:n])
}

func (r Record) encode() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, r)
	return buf.Bytes()
}

// selfCheck computes the CRC32/ISO-HDLC checksum of the record with its
// CRC field zeroed, matching the original's self_check.
func (r Record) selfCheck() uint32 {
	zeroed := r
	zeroed.CRC = 0
	return crc32.ChecksumIEEE(zeroed.encode())
}

func decodeRecord(b []byte) (Record, error) {
	var r Record
	if err := binary.Read(bytes.NewReader(b), binary.BigEndian, &r); err != nil {
		return Record{}, errors.WithMessage(err, "watchdog: decode record")
	}
	return r, nil
}

// HealthChecker is a component the periodic sweep polls for liveness -
// the host analogue of a task's stack high-water mark.
type HealthChecker interface {
	Name() string
	Healthy() bool
}

// Heartbeat is a HealthChecker for a single goroutine loop: the loop calls
// Beat() once per iteration, and the checker reports unhealthy once more
// than Timeout has elapsed since the last beat - the host analogue of a
// task failing to make forward progress long enough to starve its stack
// high-water check.
type Heartbeat struct {
	name    string
	timeout time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewHeartbeat returns a Heartbeat already beaten once, so a loop that
// hasn't run its first iteration yet isn't reported unhealthy before it's
// had a chance to.
func NewHeartbeat(name string, timeout time.Duration) *Heartbeat {
	return &Heartbeat{name: name, timeout: timeout, last: time.Now()}
}

// Beat records that the monitored loop just completed an iteration.
func (h *Heartbeat) Beat() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = time.Now()
}

func (h *Heartbeat) Name() string { return h.name }

// Healthy reports whether Beat has been called within the last Timeout.
func (h *Heartbeat) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Since(h.last) <= h.timeout
}

// Watchdog owns the retained record and the periodic health sweep.
type Watchdog struct {
	path   string
	bootID xid.ID
	logger *log.Logger

	mu     sync.Mutex
	record Record
}

// Open loads the retained record from path (if present and intact) and
// returns the Watchdog plus whether the prior record was a genuine
// post-mortem (i.e. NOT freshly re-initialized by this call). When it was,
// Open logs the stored record's status and task name before re-arming it,
// the way the original logs the previous HCF status at boot.
func Open(path string, logger *log.Logger) (w *Watchdog, wasPostMortem bool, err error) {
	if logger == nil {
		logger = log.Default()
	}
	w = &Watchdog{path: path, bootID: xid.New(), logger: logger}

	raw, readErr := os.ReadFile(path)
	var stored Record
	intact := false
	if readErr == nil {
		if rec, decErr := decodeRecord(raw); decErr == nil && rec.selfCheck() == rec.CRC {
			stored = rec
			intact = true
		}
	}

	if !intact {
		w.record = Record{Status: StatusDidntCatchFire}
		w.record.CRC = w.record.selfCheck()
		if err := w.persist(); err != nil {
			return nil, false, err
		}
		return w, false, nil
	}

	w.record = stored
	wasPostMortem = stored.Status != StatusDidntCatchFire
	if wasPostMortem {
		logger.Printf("watchdog: post-mortem record: status=%d task=%q", stored.Status, stored.TaskNameString())
	}

	// Acknowledge the post-mortem the same way the original re-arms its
	// retained record for the next reset cycle once it's been reported.
	w.record = Record{Status: StatusDidntCatchFire}
	w.record.CRC = w.record.selfCheck()
	if err := w.persist(); err != nil {
		return nil, false, err
	}
	return w, wasPostMortem, nil
}

// LastRecord returns the record currently held (after Open's
// re-arming step, this is always StatusDidntCatchFire until the next
// CatchFire).
func (w *Watchdog) LastRecord() Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.record
}

// BootID is a fresh identifier generated each time Open is called,
// standing in for a boot session counter.
func (w *Watchdog) BootID() xid.ID {
	return w.bootID
}

// CatchFire persists a post-mortem record with the given status and task
// name, for inspection on the following boot.
func (w *Watchdog) CatchFire(status int32, taskName string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var rec Record
	rec.Status = status
	copy(rec.TaskName[:], taskName)
	rec.CRC = rec.selfCheck()
	w.record = rec
	return w.persist()
}

func (w *Watchdog) persist() error {
	if err := os.WriteFile(w.path, w.record.encode(), 0o600); err != nil {
		return errors.WithMessage(err, "watchdog: persist record")
	}
	return nil
}

// Sweep polls every checker once and reports the name of the first
// unhealthy one, if any.
func (w *Watchdog) Sweep(checkers []HealthChecker) (failed string, ok bool) {
	for _, c := range checkers {
		if !c.Healthy() {
			return c.Name(), false
		}
	}
	return "", true
}

// Run polls checkers every interval until stop is closed. On the first
// unhealthy checker it records a StatusStackOverflow post-mortem and
// invokes haltAndReboot, then returns - mirroring the original's halt and
// reboot on a failed stack high-water check.
func (w *Watchdog) Run(stop <-chan struct{}, interval time.Duration, checkers []HealthChecker, haltAndReboot func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if name, ok := w.Sweep(checkers); !ok {
				if err := w.CatchFire(StatusStackOverflow, name); err != nil {
					w.logger.Printf("watchdog: failed to persist post-mortem: %v", err)
				}
				if haltAndReboot != nil {
					haltAndReboot()
				}
				return
			}
		}
	}
}
