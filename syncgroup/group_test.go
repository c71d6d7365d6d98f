package syncgroup

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mxlfabric/mxl/arena"
	"github.com/mxlfabric/mxl/flow"
	"github.com/mxlfabric/mxl/mxltime"
	"github.com/mxlfabric/mxl/status"
)

// fakeHandle is a ReaderHandle over an in-process *flow.Reader that resolves
// unless gone is set, standing in for registry.WeakReader in these tests (which
// only exercise the group's own logic, not the registry's liveness
// bookkeeping).
type fakeHandle struct {
	id     uint64
	reader *flow.Reader
	gone   bool
}

func (h *fakeHandle) ID() uint64 { return h.id }

func (h *fakeHandle) Resolve() (*flow.Reader, error) {
	if h.gone {
		return nil, status.New(status.ErrReaderGone)
	}
	return h.reader, nil
}

func newDiscreteFlow(t *testing.T, rate mxltime.Rate, n, cellSize uint64) (*flow.Writer, *flow.Reader) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "flow.header")
	a, err := arena.Create(path, arena.Options{
		FlowID:       uuid.New(),
		Variant:      arena.VariantDiscrete,
		EditRate:     rate,
		HistoryDepth: n,
		CellSize:     cellSize,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ra, err := arena.Open(path, arena.ModeReadOnly)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w, err := flow.NewWriter(a)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	t.Cleanup(func() { w.Close(); ra.Close() })
	return w, flow.NewReader(ra)
}

func commitGrain(t *testing.T, w *flow.Writer, index uint64) {
	t.Helper()
	h, err := w.OpenGrain(index, 1)
	if err != nil {
		t.Fatalf("OpenGrain(%d): %v", index, err)
	}
	h.ValidSlices = 1
	if err := w.CommitGrain(h); err != nil {
		t.Fatalf("CommitGrain(%d): %v", index, err)
	}
}

func TestWaitForDataAtSkipsAlreadyPresent(t *testing.T) {
	rate := mxltime.Rate{Num: 1000, Den: 1} // 1000 grains/sec: 1 grain == 1ms
	w, r := newDiscreteFlow(t, rate, 16, 8)
	commitGrain(t, w, 5)

	g := NewGroup()
	g.AddReader(&fakeHandle{id: 1, reader: r}, DiscretePolicy{MinValidSlices: 1}, rate)

	// originTime = 0 maps to index 0, already <= headIndex(5): no wait needed.
	deadline := mxltime.NowTAI() + int64(50*time.Millisecond)
	if err := g.WaitForDataAt(0, deadline); err != nil {
		t.Fatalf("WaitForDataAt: %v", err)
	}
}

func TestWaitForDataAtTimesOut(t *testing.T) {
	rate := mxltime.Rate{Num: 1000, Den: 1}
	_, r := newDiscreteFlow(t, rate, 16, 8)

	g := NewGroup()
	g.AddReader(&fakeHandle{id: 1, reader: r}, DiscretePolicy{MinValidSlices: 1}, rate)

	originTime := mxltime.IndexToTimestamp(1000, rate) // index past anything committed (nothing is)
	deadline := mxltime.NowTAI() + int64(30*time.Millisecond)
	if err := g.WaitForDataAt(originTime, deadline); status.CodeOf(err) != status.ErrTimeout {
		t.Fatalf("got %v, want ERR_TIMEOUT", err)
	}
}

func TestWaitForDataAtReaderGonePurgesEntry(t *testing.T) {
	rate := mxltime.Rate{Num: 1000, Den: 1}
	_, r := newDiscreteFlow(t, rate, 16, 8)

	g := NewGroup()
	h := &fakeHandle{id: 7, reader: r, gone: true}
	g.AddReader(h, DiscretePolicy{MinValidSlices: 1}, rate)

	if err := g.WaitForDataAt(0, mxltime.NowTAI()+int64(50*time.Millisecond)); status.CodeOf(err) != status.ErrReaderGone {
		t.Fatalf("got %v, want ERR_READER_GONE", err)
	}
	if len(g.list) != 0 {
		t.Fatalf("expected the gone entry to be purged, list = %v", g.list)
	}
}

func TestAddReaderIdempotentUpdatesPolicy(t *testing.T) {
	rate := mxltime.Rate{Num: 1000, Den: 1}
	_, r := newDiscreteFlow(t, rate, 16, 8)

	g := NewGroup()
	h := &fakeHandle{id: 1, reader: r}
	g.AddReader(h, DiscretePolicy{MinValidSlices: 1}, rate)
	g.AddReader(h, DiscretePolicy{MinValidSlices: 4}, rate)

	if len(g.list) != 1 {
		t.Fatalf("expected idempotent re-add to keep one entry, got %d", len(g.list))
	}
	if p, ok := g.list[0].policy.(DiscretePolicy); !ok || p.MinValidSlices != 4 {
		t.Fatalf("expected updated MinValidSlices=4, got %+v", g.list[0].policy)
	}
}

func TestRemoveReaderNoOpIfAbsent(t *testing.T) {
	g := NewGroup()
	g.RemoveReader(&fakeHandle{id: 42})
	if len(g.list) != 0 {
		t.Fatalf("expected empty list, got %d entries", len(g.list))
	}
}

func TestReorderAfterSlowReaderBecomesBlocker(t *testing.T) {
	rate := mxltime.Rate{Num: 1000, Den: 1}
	wa, ra := newDiscreteFlow(t, rate, 64, 8)
	wb, rb := newDiscreteFlow(t, rate, 64, 8)

	g := NewGroup()
	hA := &fakeHandle{id: 1, reader: ra}
	hB := &fakeHandle{id: 2, reader: rb}
	g.AddReader(hA, DiscretePolicy{MinValidSlices: 1}, rate)
	g.AddReader(hB, DiscretePolicy{MinValidSlices: 1}, rate)

	// A is always ready (pre-committed far ahead); B commits with a delay,
	// simulating a slower source.
	commitGrain(t, wa, 50)

	var index uint64 = 1
	go func() {
		time.Sleep(30 * time.Millisecond)
		commitGrain(t, wb, index)
	}()

	originTime := mxltime.IndexToTimestamp(index, rate)
	deadline := mxltime.NowTAI() + int64(500*time.Millisecond)
	if err := g.WaitForDataAt(originTime, deadline); err != nil {
		t.Fatalf("WaitForDataAt: %v", err)
	}

	if g.list[0].id != hB.id {
		t.Fatalf("expected slow reader B at head after becoming the blocker, list = %+v", g.list)
	}
}

// TestConsiderPromotionUsesLiveHead enrolls three entries A, B, C (in that
// list order) and feeds considerPromotion the same sequence of observations
// a single WaitForDataAt call would: B's delay beats A's and promotes B to
// the front, then C's delay beats A's (the call-start head) but not B's (the
// live head). C must stay put — comparing against a frozen order[0]==A
// snapshot would have wrongly promoted C past B.
func TestConsiderPromotionUsesLiveHead(t *testing.T) {
	rate := mxltime.Rate{Num: 1000, Den: 1}
	_, ra := newDiscreteFlow(t, rate, 8, 8)
	_, rb := newDiscreteFlow(t, rate, 8, 8)
	_, rc := newDiscreteFlow(t, rate, 8, 8)

	g := NewGroup()
	hA := &fakeHandle{id: 1, reader: ra}
	hB := &fakeHandle{id: 2, reader: rb}
	hC := &fakeHandle{id: 3, reader: rc}
	g.AddReader(hA, DiscretePolicy{MinValidSlices: 1}, rate)
	g.AddReader(hB, DiscretePolicy{MinValidSlices: 1}, rate)
	g.AddReader(hC, DiscretePolicy{MinValidSlices: 1}, rate)

	eA, eB, eC := g.byID[hA.id], g.byID[hB.id], g.byID[hC.id]

	g.considerPromotion(eA, 0)
	if g.list[0] != eA {
		t.Fatalf("expected A at head after its own observation, list = %+v", g.list)
	}

	g.considerPromotion(eB, 50)
	if g.list[0] != eB {
		t.Fatalf("expected B to take the head after exceeding A's delay, list = %+v", g.list)
	}

	g.considerPromotion(eC, 20)
	if g.list[0] != eB {
		t.Fatalf("C's delay (20) exceeds stale A (0) but not live head B (50); B must stay at head, list = %+v", g.list)
	}
	if eC.maxObservedSourceDelay != 20 {
		t.Fatalf("expected C's own maxObservedSourceDelay to still record 20, got %d", eC.maxObservedSourceDelay)
	}
}
