package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/racetel/televib/command"
	"github.com/racetel/televib/reply"
)

type fakeTransport struct {
	mu     sync.Mutex
	writes [][]byte
}

func (f *fakeTransport) Transmit(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeTransport) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return ""
	}
	return string(f.writes[len(f.writes)-1])
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

type captureModule struct {
	mu       sync.Mutex
	notified []reply.Reply
}

func (c *captureModule) Notify(r reply.Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notified = append(c.notified, r)
}

func (c *captureModule) seen() []reply.Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]reply.Reply, len(c.notified))
	copy(out, c.notified)
	return out
}

func newTestCoordinator() (*Coordinator, *fakeTransport, chan []byte) {
	tr := &fakeTransport{}
	chunks := make(chan []byte)
	c := New(tr, chunks, nil)
	return c, tr, chunks
}

func TestSendSyncOkTerminated(t *testing.T) {
	c, tr, chunks := newTestCoordinator()
	ctx := context.Background()

	resultCh := make(chan []reply.Reply, 1)
	go func() {
		v, err := c.SendSync(ctx, command.AT{})
		require.NoError(t, err)
		resultCh <- v
	}()

	require.Eventually(t, func() bool { return tr.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "AT\r\n", tr.last())

	chunks <- []byte("OK\r\n")

	select {
	case v := <-resultCh:
		assert.Equal(t, []reply.Reply{reply.Ok{}}, v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SendSync")
	}
}

func TestSendSyncErrorTerminated(t *testing.T) {
	c, _, chunks := newTestCoordinator()
	ctx := context.Background()

	resultCh := make(chan []reply.Reply, 1)
	go func() {
		v, err := c.SendSync(ctx, command.QueryGPRS{})
		require.NoError(t, err)
		resultCh <- v
	}()

	chunks <- []byte("+CGATT: 1\r\n")
	chunks <- []byte("ERROR\r\n")

	select {
	case v := <-resultCh:
		assert.Equal(t, []reply.Reply{reply.GprsStatus{Attached: true}, reply.Error{}}, v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SendSync")
	}
}

func TestUnsolicitedReachesSnoopersOnly(t *testing.T) {
	c, _, chunks := newTestCoordinator()
	mod := &captureModule{}
	c.RegisterModule(mod)

	chunks <- []byte("RDY\r\n")

	require.Eventually(t, func() bool { return len(mod.seen()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, reply.Ready{}, mod.seen()[0])
}

func TestForgeReplyReachesSnoopersOnly(t *testing.T) {
	c, _, _ := newTestCoordinator()
	mod := &captureModule{}
	c.RegisterModule(mod)

	c.ForgeReply(reply.PeriodicTick{Milliseconds: 100})

	assert.Equal(t, []reply.Reply{reply.PeriodicTick{Milliseconds: 100}}, mod.seen())
}

func TestInconsistentStateDrainsActiveWithEmptyVector(t *testing.T) {
	c, _, chunks := newTestCoordinator()
	ctx := context.Background()

	resultCh := make(chan []reply.Reply, 1)
	go func() {
		v, err := c.SendSync(ctx, command.QueryBearerParameters{Profile: command.BearerProfile0})
		require.NoError(t, err)
		resultCh <- v
	}()

	// first RDY sets the ready flag; second RDY while it's already set
	// flags inconsistent state and forces a drain.
	chunks <- []byte("RDY\r\n")
	chunks <- []byte("RDY\r\n")

	select {
	case v := <-resultCh:
		assert.Empty(t, v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inconsistent-state drain")
	}
}

func TestHTTPDataTwoPhaseHandoff(t *testing.T) {
	c, tr, chunks := newTestCoordinator()
	ctx := context.Background()

	resultCh := make(chan []reply.Reply, 1)
	go func() {
		v, err := c.SendSync(ctx, command.HTTPData{Payload: []byte("hello")})
		require.NoError(t, err)
		resultCh <- v
	}()

	require.Eventually(t, func() bool { return tr.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "AT+HTTPDATA=5,1000\r\n", tr.last())

	chunks <- []byte("DOWNLOAD\r\n")

	require.Eventually(t, func() bool { return tr.count() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "hello", tr.last())

	chunks <- []byte("OK\r\n")

	select {
	case v := <-resultCh:
		assert.Equal(t, []reply.Reply{reply.HttpReadyForData{}, reply.Ok{}}, v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SendSync")
	}
}

func TestCommandsSerializeFIFO(t *testing.T) {
	c, tr, chunks := newTestCoordinator()
	ctx := context.Background()

	done1 := make(chan []reply.Reply, 1)
	done2 := make(chan []reply.Reply, 1)
	go func() {
		v, _ := c.SendSync(ctx, command.AT{})
		done1 <- v
	}()
	require.Eventually(t, func() bool { return tr.count() == 1 }, time.Second, time.Millisecond)

	go func() {
		v, _ := c.SendSync(ctx, command.Echo{On: true})
		done2 <- v
	}()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, tr.count(), "second command must not be transmitted before the first completes")

	chunks <- []byte("OK\r\n")
	<-done1

	require.Eventually(t, func() bool { return tr.count() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "ATE1\r\n", tr.last())

	chunks <- []byte("OK\r\n")
	<-done2
}

func TestInconsistentHookFiresOnDrain(t *testing.T) {
	c, _, chunks := newTestCoordinator()
	ctx := context.Background()

	var fired int32
	c.SetInconsistentHook(func() { atomic.AddInt32(&fired, 1) })

	resultCh := make(chan []reply.Reply, 1)
	go func() {
		v, err := c.SendSync(ctx, command.AT{})
		require.NoError(t, err)
		resultCh <- v
	}()

	chunks <- []byte("RDY\r\n")
	chunks <- []byte("RDY\r\n")

	select {
	case <-resultCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inconsistent-state drain")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestClosesWhenChunksClose(t *testing.T) {
	c, _, chunks := newTestCoordinator()
	close(chunks)

	select {
	case <-c.Closed():
	case <-time.After(time.Second):
		t.Fatal("coordinator did not close")
	}
}
