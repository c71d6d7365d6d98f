package flow

import (
	"github.com/mxlfabric/mxl/arena"
	"github.com/mxlfabric/mxl/mxltime"
	"github.com/mxlfabric/mxl/status"
)

// Reader holds a read-only mapping over a flow. A flow permits any number
// of concurrent Readers.
type Reader struct {
	a *arena.Arena
}

// NewReader constructs a Reader over an already-open read-only arena.
func NewReader(a *arena.Arena) *Reader {
	return &Reader{a: a}
}

// RuntimeInfo is a lock-free snapshot of a flow's live state.
type RuntimeInfo struct {
	HeadIndex    uint64
	EditRate     mxltime.Rate
	Variant      arena.Variant
	HistoryDepth uint64
}

// GetRuntimeInfo returns a snapshot of the flow's current headIndex and
// static properties. It never blocks.
func (r *Reader) GetRuntimeInfo() (RuntimeInfo, error) {
	ctrl := r.a.ControlSlot()
	snap, ok := seqlockSnapshot(ctrl)
	head := mxltime.UndefinedIndex
	if ok && snap.status == arena.StatusCommitted {
		head = snap.index
	}
	h := r.a.Header()
	return RuntimeInfo{
		HeadIndex:    head,
		EditRate:     h.EditRate,
		Variant:      h.Variant,
		HistoryDepth: h.HistoryDepth,
	}, nil
}

// GrainInfo describes the result of a successful GetGrain.
type GrainInfo struct {
	Index           uint64
	CommitTimestamp int64
	TotalSlices     uint32
	ValidSlices     uint32
}

// GetGrain fetches the payload for grain index, validating it under the
// Seqlock protocol. It returns ERR_NOT_READY if the writer has not reached
// index yet, ERR_STALE if index has already been overwritten by a later
// wrap of the ring, and ERR_UNDER_WRITE if the slot stayed mid-write past
// the spin budget.
func (r *Reader) GetGrain(index uint64) (GrainInfo, []byte, error) {
	slot := r.a.Slot(index)
	snap, ok := seqlockSnapshot(slot)
	if !ok {
		return GrainInfo{}, nil, status.New(status.ErrUnderWrite)
	}
	if snap.status != arena.StatusCommitted {
		return GrainInfo{}, nil, status.New(status.ErrNotReady)
	}
	switch {
	case snap.index == index:
		payload := r.a.PayloadCell(index)[:snap.payloadLen]
		return GrainInfo{
			Index:           snap.index,
			CommitTimestamp: snap.commitTimestamp,
			TotalSlices:     snap.totalSlices,
			ValidSlices:     snap.validSlices,
		}, payload, nil
	case snap.index < index:
		return GrainInfo{}, nil, status.New(status.ErrNotReady)
	default: // snap.index > index: the ring has wrapped past the requested index
		return GrainInfo{}, nil, status.New(status.ErrStale)
	}
}

// WaitForGrain blocks until headIndex >= index and the slot's validSlices
// is at least minValidSlices, or until deadline (TAI nanoseconds) passes.
// It is implemented as a poll: each pass checks the flow and, if the grain
// is not there yet, sleeps for the rate-derived time until index (1ms once
// that time has passed), clamped to the deadline. There is no busy-spin
// phase before the sleep. It never uses an OS futex on the mapped region,
// which may outlive any process holding it.
func (r *Reader) WaitForGrain(index uint64, minValidSlices uint32, deadline int64) error {
	rate := r.a.Header().EditRate
	for {
		info, err := r.GetRuntimeInfo()
		if err != nil {
			return err
		}
		if info.HeadIndex != mxltime.UndefinedIndex && info.HeadIndex >= index {
			ginfo, _, err := r.GetGrain(index)
			switch status.CodeOf(err) {
			case status.OK:
				if ginfo.ValidSlices >= minValidSlices {
					return nil
				}
			case status.ErrUnderWrite:
				return err
			}
			// ERR_NOT_READY / ERR_STALE here just means keep waiting or
			// the deadline will catch a truly stuck flow.
		}
		if mxltime.NowTAI() >= deadline {
			return status.New(status.ErrTimeout)
		}
		sleepToward(index, rate, deadline)
	}
}

// sleepToward sleeps for roughly nsUntilIndex(index), clamped so it never
// overshoots deadline.
func sleepToward(index uint64, rate mxltime.Rate, deadline int64) {
	ns := mxltime.NsUntilIndex(index, rate)
	if ns <= 0 {
		ns = int64(time1ms)
	}
	remaining := deadline - mxltime.NowTAI()
	if remaining <= 0 {
		return
	}
	if ns > remaining {
		ns = remaining
	}
	mxltime.SleepForNs(ns)
}

const time1ms = 1_000_000
