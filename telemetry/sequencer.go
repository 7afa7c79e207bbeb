package telemetry

import (
	"math/bits"
	"sync"
)

// SequencerState is the sequencer's resettable state: the next sequence
// number to hand out, and the xoshiro128++ generator state.
type SequencerState struct {
	NextSeqID uint32
	PRNGState [4]uint32
}

// Sequencer stamps, numbers, and advances the PRNG state of every
// telemetry record. It holds its own mutex as a safety net even though, in
// practice, the forger is its only caller and serializes access itself.
type Sequencer struct {
	mu    sync.Mutex
	state SequencerState
	ready bool
	clock Clock
}

// NewSequencer returns a Sequencer that is not ready until Reset is
// called. clock supplies the Packet.Timestamp field.
func NewSequencer(clock Clock) *Sequencer {
	return &Sequencer{
		clock: clock,
		state: SequencerState{
			PRNGState: [4]uint32{0xDEADBEEF, 0xCAFEBABE, 0xDEADC0DE, 0x8BADF00D},
		},
	}
}

// Ready reports whether Reset has been called at least once since
// creation. Once set, it stays set.
func (s *Sequencer) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Reset rebinds the sequencer to a freshly authenticated session: the
// sequence number restarts at 0 and the PRNG state is overwritten with iv.
func (s *Sequencer) Reset(iv [4]uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SequencerState{NextSeqID: 0, PRNGState: iv}
	s.ready = true
}

// State returns a copy of the sequencer's current state.
func (s *Sequencer) State() SequencerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Sequence stamps data into a Packet: it takes the next sequence number,
// advances the PRNG by one step, and reads the current time from the
// configured Clock. Signing the returned Packet is the caller's
// responsibility, since the signature covers fields this method fills in.
func (s *Sequencer) Sequence(data interface{}) Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.state.NextSeqID
	s.state.NextSeqID++
	rng := xoshiroNext(&s.state.PRNGState)
	return Packet{
		SequenceID: seq,
		Timestamp:  s.clock.Unix(),
		RNGState:   rng,
		Data:       data,
	}
}

// xoshiroNext advances the xoshiro128++ generator state in place and
// returns its output, using rotation constants (7, 9, 11).
func xoshiroNext(s *[4]uint32) uint32 {
	result := bits.RotateLeft32(s[0]+s[3], 7) + s[0]

	t := s[1] << 9

	s[2] ^= s[0]
	s[3] ^= s[1]
	s[1] ^= s[2]
	s[0] ^= s[3]

	s[2] ^= t

	s[3] = bits.RotateLeft32(s[3], 11)

	return result
}
