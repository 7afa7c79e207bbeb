// Package coordinator implements the central AT-protocol engine: it
// serializes outbound commands, frames and parses the inbound byte stream,
// pairs replies to whichever command is active, and broadcasts every parsed
// reply to registered snoopers.
//
// The framer state and the active-command state are owned exclusively by
// the coordinator's run loop; every public method hands its work to that
// loop over a channel rather than touching the fields directly, the same
// way the driver this is descended from serializes access through a single
// command channel.
package coordinator

import (
	"context"
	"log"
	"sync"

	"github.com/pkg/errors"

	"github.com/racetel/televib/command"
	"github.com/racetel/televib/framer"
	"github.com/racetel/televib/reply"
)

// ErrClosed is returned by any operation attempted after the underlying
// transport has closed.
var ErrClosed = errors.New("coordinator: closed")

// Transport is the minimal write side of the duplex port the coordinator
// drives. uart.Port satisfies this.
type Transport interface {
	Transmit(p []byte) error
}

// Module is a passive listener that sees every parsed reply, solicited or
// not - the snooper role described for the periodic ticker and similar
// observers.
type Module interface {
	Notify(r reply.Reply)
}

// pendingCommand is a command enqueued by a caller, together with the
// channel its eventual reply vector is delivered on.
type pendingCommand struct {
	cmd  command.Command
	done chan []reply.Reply
}

// Coordinator is the single-goroutine AT-protocol engine. Create one with
// New and let it run for the lifetime of the link; it never exits on its
// own except when the inbound chunk channel closes.
type Coordinator struct {
	transport Transport
	chunks    <-chan []byte
	frm       *framer.Framer
	logger    *log.Logger

	cmdCh  chan func()
	inject chan []byte

	closed    chan struct{}
	closeOnce sync.Once

	// Fields below are touched only inside run(), never from another
	// goroutine.
	modules []Module
	unsent  []*pendingCommand
	active  *pendingCommand
	buffer  []reply.Reply

	ready, functional, haveSIM, callReady, smsReady, inconsistent bool

	onInconsistent func()
}

// lineBufferCapacity mirrors the fixed-size line buffer of the original
// framer instance feeding the coordinator.
const lineBufferCapacity = 1024

// New creates a Coordinator reading chunks from the given channel (closed
// when the link goes down) and writing commands through transport. The
// returned Coordinator's run loop starts immediately.
func New(transport Transport, chunks <-chan []byte, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	c := &Coordinator{
		transport: transport,
		chunks:    chunks,
		frm:       framer.New(lineBufferCapacity, "\r\n"),
		logger:    logger,
		cmdCh:     make(chan func()),
		inject:    make(chan []byte, 16),
		closed:    make(chan struct{}),
	}
	go c.run()
	return c
}

// Closed returns a channel that is closed once the coordinator's inbound
// stream has ended and it has stopped processing.
func (c *Coordinator) Closed() <-chan struct{} {
	return c.closed
}

// SetInconsistentHook registers fn to be called, from the run loop, every
// time an inconsistent-state drain fires. It exists so callers (metrics, in
// particular) can count drains without polling the coordinator's internal
// state.
func (c *Coordinator) SetInconsistentHook(fn func()) {
	done := make(chan struct{})
	select {
	case <-c.closed:
		return
	case c.cmdCh <- func() {
		c.onInconsistent = fn
		close(done)
	}:
		<-done
	}
}

// RegisterModule adds a passive listener that observes every parsed reply.
func (c *Coordinator) RegisterModule(m Module) {
	done := make(chan struct{})
	select {
	case <-c.closed:
		return
	case c.cmdCh <- func() {
		c.modules = append(c.modules, m)
		close(done)
	}:
		<-done
	}
}

// SendSync enqueues cmd and blocks until its Ok- or Error-terminated reply
// vector arrives, or ctx is done, or the coordinator closes. On success the
// returned slice always ends in Ok or Error, unless it is empty - which
// only happens when an inconsistent-state drain fulfilled it instead.
func (c *Coordinator) SendSync(ctx context.Context, cmd command.Command) ([]reply.Reply, error) {
	pc := &pendingCommand{cmd: cmd, done: make(chan []reply.Reply, 1)}
	select {
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case c.cmdCh <- func() { c.enqueue(pc) }:
	}
	select {
	case v := <-pc.done:
		return v, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ForgeReply injects a synthetic reply into the snooper broadcast only; it
// is never appended to any active command's reply buffer. This is how the
// periodic ticker's PeriodicTick reaches modules without round-tripping
// through the modem.
func (c *Coordinator) ForgeReply(r reply.Reply) {
	done := make(chan struct{})
	select {
	case <-c.closed:
		return
	case c.cmdCh <- func() {
		c.broadcast(r)
		close(done)
	}:
		<-done
	}
}

// IsrRxEvent is a non-blocking injection path for received bytes, mirroring
// the original's interrupt-context handoff. If the internal buffer is
// full the chunk is dropped and logged; callers that already have a
// channel of chunks (such as uart.Port) should prefer feeding New's chunks
// argument directly instead of calling this.
func (c *Coordinator) IsrRxEvent(b []byte) {
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case c.inject <- cp:
	default:
		c.logger.Printf("coordinator: inject buffer full, dropping %d bytes", len(b))
	}
}

func (c *Coordinator) run() {
	defer c.closeOnce.Do(func() { close(c.closed) })
	for {
		select {
		case chunk, ok := <-c.chunks:
			if !ok {
				return
			}
			c.handleChunk(chunk)
		case chunk := <-c.inject:
			c.handleChunk(chunk)
		case fn := <-c.cmdCh:
			fn()
		}
	}
}

func (c *Coordinator) handleChunk(b []byte) {
	for _, line := range c.frm.Write(b) {
		if line.Overflowed {
			c.logger.Printf("coordinator: overflowed line discarded: %q", line.Text)
		}
		r, err := reply.Parse(line.Text)
		if err != nil {
			c.logger.Printf("coordinator: %v", err)
			continue
		}
		c.newReply(r)
	}
}

func (c *Coordinator) enqueue(pc *pendingCommand) {
	c.unsent = append(c.unsent, pc)
	c.promoteNext()
}

func (c *Coordinator) promoteNext() {
	if c.active != nil || len(c.unsent) == 0 {
		return
	}
	c.active = c.unsent[0]
	c.unsent = c.unsent[1:]
	c.buffer = nil
	line := c.active.cmd.Format() + "\r\n"
	if err := c.transport.Transmit([]byte(line)); err != nil {
		c.logger.Printf("coordinator: transmit failed: %v", err)
	}
}

func (c *Coordinator) broadcast(r reply.Reply) {
	for _, m := range c.modules {
		m.Notify(r)
	}
}

// newReply implements the per-reply algorithm: readiness bookkeeping,
// inconsistent-state recovery, snooper broadcast, the HttpData two-phase
// handoff, solicitation filtering, buffering, and terminator handling.
func (c *Coordinator) newReply(r reply.Reply) {
	c.updateReadiness(r)

	if c.inconsistent {
		c.drainInconsistent()
		return
	}

	c.broadcast(r)

	if active := c.active; active != nil {
		if hd, ok := active.cmd.(command.HTTPData); ok {
			if _, ok := r.(reply.HttpReadyForData); ok {
				if err := c.transport.Transmit(hd.Payload); err != nil {
					c.logger.Printf("coordinator: bulk data transmit failed: %v", err)
				}
			}
		}
	}

	if !c.solicited(r) {
		return
	}

	c.buffer = append(c.buffer, r)

	switch r.(type) {
	case reply.Ok, reply.Error:
		c.terminate()
	}
}

func (c *Coordinator) updateReadiness(r reply.Reply) {
	var flag *bool
	switch r.(type) {
	case reply.Ready:
		flag = &c.ready
	case reply.CFun:
		flag = &c.functional
	case reply.CPin:
		flag = &c.haveSIM
	case reply.CallReady:
		flag = &c.callReady
	case reply.SmsReady:
		flag = &c.smsReady
	default:
		return
	}
	if *flag {
		c.inconsistent = true
		return
	}
	*flag = true
}

// drainInconsistent fulfills the active command with whatever is in its
// buffer, then force-completes every queued command with an empty reply
// vector, and clears all coordinator state. Callers interpret an empty
// vector as failure; this is the behavior pinned by the reset-recovery
// open question.
func (c *Coordinator) drainInconsistent() {
	if c.onInconsistent != nil {
		c.onInconsistent()
	}
	if c.active != nil {
		c.active.done <- c.buffer
	}
	for _, pc := range c.unsent {
		pc.done <- nil
	}
	c.unsent = nil
	c.active = nil
	c.buffer = nil
	c.ready, c.functional, c.haveSIM, c.callReady, c.smsReady = false, false, false, false, false
	c.inconsistent = false
}

// solicited reports whether r should be appended to the active command's
// reply buffer, per the Never/Always/Specific solicitation classes.
func (c *Coordinator) solicited(r reply.Reply) bool {
	if c.active == nil {
		return false
	}
	switch r.Solicitation() {
	case reply.Never:
		return false
	case reply.Always:
		return true
	default:
		return r.SolicitedBy(c.active.cmd)
	}
}

func (c *Coordinator) terminate() {
	c.active.done <- c.buffer
	c.active = nil
	c.buffer = nil
	c.promoteNext()
}
