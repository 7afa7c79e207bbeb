package upload

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/racetel/televib/coordinator"
	"github.com/racetel/televib/signer"
	"github.com/racetel/televib/telemetry"
)

// drivenTransport records every transmitted line on sent (for a responder
// goroutine to react to) and is also the Transmit side of the coordinator's
// Transport interface.
type drivenTransport struct {
	sent chan string
}

func newDrivenTransport() *drivenTransport {
	return &drivenTransport{sent: make(chan string, 64)}
}

func (d *drivenTransport) Transmit(p []byte) error {
	d.sent <- string(p)
	return nil
}

// respondTo waits for the next transmitted line to have the given prefix
// (failing the test otherwise) and then pushes replyLines into chunks.
func respondTo(t *testing.T, tr *drivenTransport, chunks chan []byte, prefix string, replyLines ...string) {
	t.Helper()
	select {
	case line := <-tr.sent:
		require.True(t, strings.HasPrefix(line, prefix), "got %q, want prefix %q", line, prefix)
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for a command with prefix %q", prefix)
	}
	for _, l := range replyLines {
		chunks <- []byte(l)
	}
}

// respondToBulkData waits for the raw (non-AT) bulk-data transmit that
// follows a DOWNLOAD prompt and replies OK.
func respondToBulkData(t *testing.T, tr *drivenTransport, chunks chan []byte) {
	t.Helper()
	select {
	case line := <-tr.sent:
		require.False(t, strings.HasPrefix(line, "AT"), "expected raw bulk data, got %q", line)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bulk data transmit")
	}
	chunks <- []byte("OK\r\n")
}

func newTestUploader(t *testing.T) (*Uploader, *drivenTransport, chan []byte) {
	tr := newDrivenTransport()
	chunks := make(chan []byte)
	coord := coordinator.New(tr, chunks, nil)
	sg, err := signer.Generate()
	require.NoError(t, err)
	clock := telemetry.NewSystemClock()
	seq := telemetry.NewSequencer(clock)
	queue := telemetry.NewPacketQueue(16)
	u := New(coord, seq, queue, clock, sg, nil, DefaultConfig(), nil)
	return u, tr, chunks
}

func TestRequestResetChallengeAndSubmitResponse(t *testing.T) {
	u, tr, chunks := newTestUploader(t)
	ctx := context.Background()

	var challenge [32]byte
	for i := range challenge {
		challenge[i] = byte(i)
	}
	challengeHex := "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

	var wg sync.WaitGroup
	wg.Add(1)
	var got [32]byte
	var err error
	go func() {
		defer wg.Done()
		got, err = u.requestResetChallenge(ctx)
	}()

	respondTo(t, tr, chunks, "AT+HTTPINIT", "OK\r\n")
	respondTo(t, tr, chunks, `AT+HTTPPARA="CID"`, "OK\r\n")
	respondTo(t, tr, chunks, `AT+HTTPPARA="UA"`, "OK\r\n")
	respondTo(t, tr, chunks, `AT+HTTPPARA="URL"`, "OK\r\n")
	respondTo(t, tr, chunks, "AT+HTTPACTION=0", "OK\r\n")
	chunks <- []byte("+HTTPACTION: 0,200,64\r\n")
	respondTo(t, tr, chunks, "AT+HTTPREAD",
		"+HTTPREAD: 64\r\n",
		"+CST_RESET_CHALLENGE "+challengeHex+"\r\n",
		"OK\r\n")
	go respondTo(t, tr, chunks, "AT+HTTPTERM", "OK\r\n")

	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, challenge, got)

	// Now drive submitResetResponse with the challenge just retrieved. The
	// AT+HTTPDATA=128,... prefix check below confirms the signed body is
	// exactly the expected 128 hex characters (two 64-char words).
	ivHex := "deadbeefcafebabedeadc0de8badf00d"
	wg.Add(1)
	var gotIV [4]uint32
	go func() {
		defer wg.Done()
		gotIV, err = u.submitResetResponse(ctx, challenge)
	}()

	respondTo(t, tr, chunks, "AT+HTTPINIT", "OK\r\n")
	respondTo(t, tr, chunks, `AT+HTTPPARA="CID"`, "OK\r\n")
	respondTo(t, tr, chunks, `AT+HTTPPARA="UA"`, "OK\r\n")
	respondTo(t, tr, chunks, `AT+HTTPPARA="URL"`, "OK\r\n")
	respondTo(t, tr, chunks, `AT+HTTPPARA="CONTENT"`, "OK\r\n")
	respondTo(t, tr, chunks, "AT+HTTPDATA=128,", "DOWNLOAD\r\n")
	respondToBulkData(t, tr, chunks)
	respondTo(t, tr, chunks, "AT+HTTPACTION=1", "OK\r\n")
	chunks <- []byte("+HTTPACTION: 1,200,32\r\n")
	respondTo(t, tr, chunks, "AT+HTTPREAD",
		"+HTTPREAD: 32\r\n",
		"+CST_RESET_SUCC "+ivHex+"\r\n",
		"OK\r\n")
	go respondTo(t, tr, chunks, "AT+HTTPTERM", "OK\r\n")

	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, [4]uint32{0xDEADBEEF, 0xCAFEBABE, 0xDEADC0DE, 0x8BADF00D}, gotIV)
}

func TestUploadOnceWithEmptyQueueDoesNotDrain(t *testing.T) {
	u, _, _ := newTestUploader(t)
	drained, err := u.uploadOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, drained)
}

func TestUploadOncePostsQueuedPackets(t *testing.T) {
	u, tr, chunks := newTestUploader(t)
	ctx := context.Background()

	u.sequencer.Reset([4]uint32{1, 2, 3, 4})
	for i := 0; i < 3; i++ {
		p := u.sequencer.Sequence(telemetry.FullPacket{Speed: float32(i)})
		require.True(t, u.queue.Push(p))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var drained bool
	var err error
	go func() {
		defer wg.Done()
		drained, err = u.uploadOnce(ctx)
	}()

	respondTo(t, tr, chunks, "AT+HTTPINIT", "OK\r\n")
	respondTo(t, tr, chunks, `AT+HTTPPARA="CID"`, "OK\r\n")
	respondTo(t, tr, chunks, `AT+HTTPPARA="UA"`, "OK\r\n")
	respondTo(t, tr, chunks, `AT+HTTPPARA="URL"`, "OK\r\n")
	respondTo(t, tr, chunks, `AT+HTTPPARA="CONTENT"`, "OK\r\n")
	respondTo(t, tr, chunks, "AT+HTTPDATA=", "DOWNLOAD\r\n")
	respondToBulkData(t, tr, chunks)
	respondTo(t, tr, chunks, "AT+HTTPACTION=1", "OK\r\n")
	chunks <- []byte("+HTTPACTION: 1,200,2\r\n")
	respondTo(t, tr, chunks, "AT+HTTPREAD", "+HTTPREAD: 2\r\n", "ok\r\n", "OK\r\n")
	go respondTo(t, tr, chunks, "AT+HTTPTERM", "OK\r\n")

	wg.Wait()
	require.NoError(t, err)
	assert.True(t, drained)
	assert.Equal(t, 0, u.queue.Len())
}
