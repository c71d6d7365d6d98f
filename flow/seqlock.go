// Package flow implements the writer and reader protocols over an arena:
// discrete grain publication, continuous sample-batch publication, and the
// blocking waits readers use to catch up to a writer.
package flow

import (
	"runtime"

	"github.com/mxlfabric/mxl/arena"
)

// spinBudget bounds how many times a reader busy-spins on an odd generation
// before giving up with ERR_UNDER_WRITE. A writer holding a slot open across
// this many spins is either dead mid-commit or pathologically slow; neither
// is something a lock-free reader can fix by waiting longer in a tight loop.
const spinBudget = 1000

// beginWrite bumps slot.Generation from even to odd, marking the start of a
// publication.
func beginWrite(slot *arena.Slot) {
	slot.Generation.Add(1)
}

// endWrite bumps slot.Generation from odd back to even, publishing the
// fields written since beginWrite with a release fence (Go's memory model
// guarantees an atomic store synchronizes-with a later atomic load of the
// same variable, which is all the Seqlock protocol needs).
func endWrite(slot *arena.Slot) {
	slot.Generation.Add(1)
}

// snapshot is a stable, torn-read-free copy of a Slot's fields.
type snapshot struct {
	index           uint64
	commitTimestamp int64
	payloadOffset   uint64
	payloadLen      uint64
	totalSlices     uint32
	validSlices     uint32
	status          arena.SlotStatus
}

// seqlockSnapshot reads slot under the Seqlock protocol: spin while the
// generation is odd (writer in progress), copy fields, then confirm the
// generation did not change underneath the copy. Returns the snapshot and
// true on a stable read, or a zero snapshot and false after spinBudget
// retries against a persistently odd generation (caller maps this to
// ERR_UNDER_WRITE).
func seqlockSnapshot(slot *arena.Slot) (snapshot, bool) {
	for attempt := 0; attempt < spinBudget; attempt++ {
		gen1 := slot.Generation.Load()
		if gen1%2 != 0 {
			if attempt < 64 {
				runtime.Gosched()
			}
			continue
		}
		s := snapshot{
			index:           slot.Index,
			commitTimestamp: slot.CommitTimestamp,
			payloadOffset:   slot.PayloadOffset,
			payloadLen:      slot.PayloadLen,
			totalSlices:     slot.TotalSlices,
			validSlices:     slot.ValidSlices,
			status:          slot.Status,
		}
		gen2 := slot.Generation.Load()
		if gen1 == gen2 {
			return s, true
		}
		// generation moved under us; retry
	}
	return snapshot{}, false
}
