package flow

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/mxlfabric/mxl/arena"
	"github.com/mxlfabric/mxl/mxltime"
	"github.com/mxlfabric/mxl/status"
)

func newDiscreteFlow(t *testing.T, n, cellSize uint64) (*arena.Arena, *arena.Arena) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "flow.header")
	opts := arena.Options{
		FlowID:       uuid.New(),
		Variant:      arena.VariantDiscrete,
		EditRate:     mxltime.Rate{Num: 25, Den: 1},
		HistoryDepth: n,
		CellSize:     cellSize,
	}
	w, err := arena.Create(path, opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	r, err := arena.Open(path, arena.ModeReadOnly)
	if err != nil {
		w.Close()
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { w.Close(); r.Close() })
	return w, r
}

func TestDiscretePublication(t *testing.T) {
	wa, ra := newDiscreteFlow(t, 8, 16)
	w, err := NewWriter(wa)
	if err != nil {
		t.Fatal(err)
	}
	r := NewReader(ra)

	before, _, err := r.GetGrain(100)
	if status.CodeOf(err) != status.ErrNotReady && status.CodeOf(err) != status.ErrUnderWrite {
		t.Fatalf("pre-commit read: got %v, %+v", err, before)
	}

	h, err := w.OpenGrain(100, 8)
	if err != nil {
		t.Fatal(err)
	}
	for i := range h.Payload {
		h.Payload[i] = 0xAB
	}
	h.ValidSlices = 8
	if err := w.CommitGrain(h); err != nil {
		t.Fatal(err)
	}

	info, payload, err := r.GetGrain(100)
	if err != nil {
		t.Fatalf("GetGrain after commit: %v", err)
	}
	if info.ValidSlices != 8 || info.TotalSlices != 8 {
		t.Fatalf("unexpected info: %+v", info)
	}
	for i, b := range payload {
		if b != 0xAB {
			t.Fatalf("payload[%d] = %#x, want 0xAB", i, b)
		}
	}
}

func TestWrapAroundStaleness(t *testing.T) {
	wa, ra := newDiscreteFlow(t, 4, 8)
	w, err := NewWriter(wa)
	if err != nil {
		t.Fatal(err)
	}
	r := NewReader(ra)

	for i := uint64(0); i < 8; i++ {
		h, err := w.OpenGrain(i, 1)
		if err != nil {
			t.Fatalf("OpenGrain(%d): %v", i, err)
		}
		h.ValidSlices = 1
		if err := w.CommitGrain(h); err != nil {
			t.Fatalf("CommitGrain(%d): %v", i, err)
		}
	}

	if _, _, err := r.GetGrain(3); status.CodeOf(err) != status.ErrStale {
		t.Fatalf("GetGrain(3) after head=7: got %v, want ERR_STALE", err)
	}
	if _, _, err := r.GetGrain(7); err != nil {
		t.Fatalf("GetGrain(7): got %v, want OK", err)
	}
}

func TestOpenGrainRejectsStaleRewrite(t *testing.T) {
	wa, _ := newDiscreteFlow(t, 4, 8)
	w, err := NewWriter(wa)
	if err != nil {
		t.Fatal(err)
	}

	h, err := w.OpenGrain(5, 1)
	if err != nil {
		t.Fatal(err)
	}
	h.ValidSlices = 1
	if err := w.CommitGrain(h); err != nil {
		t.Fatal(err)
	}

	// index 1 maps to the same slot (5 mod 4 == 1 mod 4 == 1) and is older.
	if _, err := w.OpenGrain(1, 1); status.CodeOf(err) != status.ErrStale {
		t.Fatalf("OpenGrain(1) after committing 5: got %v, want ERR_STALE", err)
	}
}

func TestGetRuntimeInfoTracksHead(t *testing.T) {
	wa, ra := newDiscreteFlow(t, 8, 8)
	w, err := NewWriter(wa)
	if err != nil {
		t.Fatal(err)
	}
	r := NewReader(ra)

	info, err := r.GetRuntimeInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info.HeadIndex != mxltime.UndefinedIndex {
		t.Fatalf("expected UndefinedIndex before any commit, got %d", info.HeadIndex)
	}

	h, _ := w.OpenGrain(4, 1)
	h.ValidSlices = 1
	w.CommitGrain(h)

	info, err = r.GetRuntimeInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info.HeadIndex != 4 {
		t.Fatalf("HeadIndex = %d, want 4", info.HeadIndex)
	}
}
