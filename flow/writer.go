package flow

import (
	"github.com/mxlfabric/mxl/arena"
	"github.com/mxlfabric/mxl/mxltime"
	"github.com/mxlfabric/mxl/status"
)

// Writer is bound to one flow for its lifetime. A flow has at most one
// Writer at a time; the arena's advisory lock enforces this across
// processes (arena.Open(ModeReadWrite) fails ERR_FLOW_BUSY otherwise).
type Writer struct {
	a *arena.Arena

	// lastCommitted tracks, per ring slot, the index last committed into
	// it, so OpenGrain can detect an attempt to rewrite history that has
	// already wrapped past (ERR_STALE). Process-local: a Writer is
	// never shared across processes.
	lastCommitted []uint64
	hasCommitted  []bool
}

// NewWriter constructs a Writer over an already-open read-write arena. The
// caller (typically registry's Instance.CreateFlowWriter) owns the
// arena's lifetime.
func NewWriter(a *arena.Arena) (*Writer, error) {
	if !a.Writable() {
		return nil, status.New(status.ErrBadArg)
	}
	n := a.Header().HistoryDepth
	return &Writer{
		a:             a,
		lastCommitted: make([]uint64, n),
		hasCommitted:  make([]bool, n),
	}, nil
}

// GrainHandle is returned by OpenGrain; the caller writes payload bytes
// into Payload and sets ValidSlices as partial work completes, then calls
// Writer.CommitGrain.
type GrainHandle struct {
	Index       uint64
	Payload     []byte
	TotalSlices uint32
	ValidSlices uint32

	slot *arena.Slot
}

// OpenGrain begins publication of grain index into its ring slot. total is
// the number of slices the caller intends to fill (spec.md's T); the
// returned handle's Payload buffer is the arena's payload cell for index.
func (w *Writer) OpenGrain(index uint64, total uint32) (*GrainHandle, error) {
	if index == mxltime.UndefinedIndex {
		return nil, status.New(status.ErrBadArg)
	}
	n := w.a.Header().HistoryDepth
	k := index & (n - 1)

	if w.hasCommitted[k] && index <= w.lastCommitted[k] {
		return nil, status.New(status.ErrStale)
	}

	slot := w.a.Slot(index)
	beginWrite(slot)
	slot.Index = index
	slot.TotalSlices = total
	slot.ValidSlices = 0
	slot.PayloadOffset = k * w.a.Header().CellSize
	slot.PayloadLen = 0
	slot.Status = arena.StatusEmpty

	return &GrainHandle{
		Index:       index,
		Payload:     w.a.PayloadCell(index),
		TotalSlices: total,
		slot:        slot,
	}, nil
}

// CommitGrain publishes h.ValidSlices and a commit timestamp, then closes
// the Seqlock write. The payload byte writes the caller made into
// h.Payload happen-before this publication, so a reader observing the new
// even generation sees them in full (§5).
func (w *Writer) CommitGrain(h *GrainHandle) error {
	h.slot.ValidSlices = h.ValidSlices
	h.slot.PayloadLen = uint64(len(h.Payload))
	h.slot.CommitTimestamp = mxltime.NowTAI()
	h.slot.Status = arena.StatusCommitted
	endWrite(h.slot)

	n := w.a.Header().HistoryDepth
	k := h.Index & (n - 1)
	w.lastCommitted[k] = h.Index
	w.hasCommitted[k] = true

	w.publishHead(h.Index)
	return nil
}

// publishHead advances the control slot's headIndex to index if index is
// higher than the currently published value, under the same Seqlock
// protocol used for grain slots. This is what lets getRuntimeInfo and
// waitForGrain answer "has the writer reached index X yet" without
// scanning the ring.
func (w *Writer) publishHead(index uint64) {
	ctrl := w.a.ControlSlot()
	if ctrl.Status == arena.StatusCommitted && index <= ctrl.Index {
		return
	}
	beginWrite(ctrl)
	ctrl.Index = index
	ctrl.CommitTimestamp = mxltime.NowTAI()
	ctrl.Status = arena.StatusCommitted
	endWrite(ctrl)
}

// Close releases the writer's hold on the underlying arena (unmaps the
// file and releases the advisory lock).
func (w *Writer) Close() error {
	return w.a.Close()
}
