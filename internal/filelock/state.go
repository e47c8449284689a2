package filelock

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
)

// State is the observable part of a lock's recorded state.
type State interface {
	// CanDetectChanges reports whether HasBeenUpdatedSince is meaningful.
	CanDetectChanges() bool
	// IsInInitialState reports whether no update has ever completed.
	IsInInitialState() bool
	// HasBeenUpdatedSince reports whether an update completed after other
	// was observed. States that cannot detect changes always report true.
	HasBeenUpdatedSince(other State) bool
}

// IsClean reports whether s records no update in progress. States that were
// not read from a lock file report true.
func IsClean(s State) bool {
	ls, ok := s.(lockState)
	return !ok || !ls.isDirty()
}

type lockState interface {
	State
	isDirty() bool
	beforeUpdate() lockState
	completeUpdate() lockState
}

// stateSerializer encodes a lockState into the state region.
type stateSerializer interface {
	version() byte
	size() int
	initialState() lockState
	encode(s lockState) []byte
	decode(payload []byte) (lockState, error)
}

func newStateSerializer(crossVersion bool) stateSerializer {
	if crossVersion {
		return dirtyFlagSerializer{}
	}
	return sequenceSerializer{}
}

// sequenceState tracks a random creation id, the number of completed updates
// and a random sequence number that is zero while an update is in progress.
type sequenceState struct {
	creation   int64
	generation int64
	sequence   int64
}

func (s sequenceState) CanDetectChanges() bool { return true }
func (s sequenceState) IsInInitialState() bool { return s.generation == 0 }
func (s sequenceState) isDirty() bool          { return s.sequence == 0 }

func (s sequenceState) HasBeenUpdatedSince(other State) bool {
	o, ok := other.(sequenceState)
	if !ok {
		return true
	}
	return s.creation != o.creation || s.generation != o.generation || s.sequence != o.sequence
}

func (s sequenceState) beforeUpdate() lockState {
	return sequenceState{creation: s.creation, generation: s.generation}
}

func (s sequenceState) completeUpdate() lockState {
	return sequenceState{
		creation:   s.creation,
		generation: s.generation + 1,
		sequence:   rand.Int64N(math.MaxInt64-1) + 1,
	}
}

func (s sequenceState) String() string {
	return fmt.Sprintf("sequence{creation=%d generation=%d sequence=%d}", s.creation, s.generation, s.sequence)
}

type sequenceSerializer struct{}

func (sequenceSerializer) version() byte { return 3 }
func (sequenceSerializer) size() int     { return 24 }

func (sequenceSerializer) initialState() lockState {
	return sequenceState{creation: rand.Int64()}
}

func (sequenceSerializer) encode(s lockState) []byte {
	st := s.(sequenceState)
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:], uint64(st.creation))
	binary.BigEndian.PutUint64(buf[8:], uint64(st.generation))
	binary.BigEndian.PutUint64(buf[16:], uint64(st.sequence))
	return buf
}

func (sequenceSerializer) decode(payload []byte) (lockState, error) {
	if len(payload) < 24 {
		return nil, fmt.Errorf("state region too short: %d bytes", len(payload))
	}
	return sequenceState{
		creation:   int64(binary.BigEndian.Uint64(payload[0:])),
		generation: int64(binary.BigEndian.Uint64(payload[8:])),
		sequence:   int64(binary.BigEndian.Uint64(payload[16:])),
	}, nil
}

// dirtyFlagState only knows whether the last update finished.
type dirtyFlagState struct {
	dirty bool
}

func (s dirtyFlagState) CanDetectChanges() bool         { return false }
func (s dirtyFlagState) IsInInitialState() bool         { return false }
func (s dirtyFlagState) HasBeenUpdatedSince(State) bool { return true }
func (s dirtyFlagState) isDirty() bool                  { return s.dirty }
func (s dirtyFlagState) beforeUpdate() lockState        { return dirtyFlagState{dirty: true} }
func (s dirtyFlagState) completeUpdate() lockState      { return dirtyFlagState{dirty: false} }
func (s dirtyFlagState) String() string                 { return fmt.Sprintf("dirtyFlag{dirty=%t}", s.dirty) }

type dirtyFlagSerializer struct{}

func (dirtyFlagSerializer) version() byte           { return 1 }
func (dirtyFlagSerializer) size() int               { return 1 }
func (dirtyFlagSerializer) initialState() lockState { return dirtyFlagState{dirty: true} }

func (dirtyFlagSerializer) encode(s lockState) []byte {
	if s.isDirty() {
		return []byte{0}
	}
	return []byte{1}
}

func (dirtyFlagSerializer) decode(payload []byte) (lockState, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("state region too short: %d bytes", len(payload))
	}
	return dirtyFlagState{dirty: payload[0] != 1}, nil
}
