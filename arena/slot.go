package arena

import (
	"sync/atomic"
	"unsafe"
)

// Status values recorded in a Slot's Status byte. A commit writes
// StatusCommitted; the zero value (StatusEmpty), which OpenGrain also writes
// while a grain is being rewritten, distinguishes a slot holding no
// committed grain from one whose generation alone would otherwise look
// "even and stable".
type SlotStatus uint8

const (
	StatusEmpty SlotStatus = iota
	StatusCommitted
)

// Slot is the fixed 64-byte record the arena carries one of per history-depth
// cell in the index ring. Fields are read and written directly on the
// memory-mapped file via unsafe.Pointer, so the layout below is load-bearing:
// it must stay exactly SlotSize (64) bytes and must not be reordered.
//
// Generation implements the Seqlock publication protocol (even == stable,
// odd == writer in progress); see the flow package for the read/write
// sequence built on top of it.
type Slot struct {
	Index           uint64
	CommitTimestamp int64
	PayloadOffset   uint64
	PayloadLen      uint64
	TotalSlices     uint32
	ValidSlices     uint32
	Generation      atomic.Uint32
	Status          SlotStatus
	_               [15]byte // pad to SlotSize
}

func init() {
	if unsafe.Sizeof(Slot{}) != SlotSize {
		panic("arena: Slot size does not match SlotSize")
	}
}

// slotAt returns a typed pointer onto the index ring region at slot k,
// overlaying the mapped bytes directly — no copy, no allocation.
func slotAt(ring []byte, k uint64) *Slot {
	off := k * SlotSize
	return (*Slot)(unsafe.Pointer(&ring[off]))
}
