package upload

import (
	"sync"

	"github.com/racetel/televib/reply"
)

// uploadFlags tracks the spontaneous readiness replies the boot sequence
// polls, and a monotonic count of HttpActionDone replies the request
// helper waits on. It is the device-module half of the original's
// incoming_reply visitor, kept separate from Uploader itself so Notify
// stays a one-line dispatch.
//
// actionSeq is a counter rather than a boolean so waiting on it is
// race-free: a caller snapshots the count before issuing a request and
// waits for it to advance, instead of clearing and re-testing a flag that
// could be set between the clear and the first check.
type uploadFlags struct {
	mu        sync.Mutex
	ready     bool
	callReady bool
	smsReady  bool
	actionSeq int
}

func (f *uploadFlags) observe(r reply.Reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.(type) {
	case reply.Ready:
		f.ready = true
	case reply.CallReady:
		f.callReady = true
	case reply.SmsReady:
		f.smsReady = true
	case reply.HttpActionDone:
		f.actionSeq++
	}
}

func (f *uploadFlags) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready, f.callReady, f.smsReady = false, false, false
}

func (f *uploadFlags) isReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *uploadFlags) isCallAndSMSReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callReady && f.smsReady
}

func (f *uploadFlags) actionSeqNow() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.actionSeq
}
