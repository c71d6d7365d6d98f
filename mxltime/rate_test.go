package mxltime

import "testing"

func TestRateValid(t *testing.T) {
	cases := []struct {
		r    Rate
		want bool
	}{
		{Rate{30000, 1001}, true},
		{Rate{25, 1}, true},
		{Rate{0, 1}, false},
		{Rate{1, 0}, false},
	}
	for _, c := range cases {
		if got := c.r.Valid(); got != c.want {
			t.Errorf("Rate%+v.Valid() = %v, want %v", c.r, got, c.want)
		}
	}
}

func TestNTSCRoundTrip(t *testing.T) {
	r := Rate{30000, 1001}
	const t0 = 1_000_000_000
	idx := TimestampToIndex(r, t0)
	if idx != 30 {
		t.Fatalf("TimestampToIndex(%d) = %d, want 30", t0, idx)
	}
	back := IndexToTimestamp(idx, r)
	if back < 999_966_666 || back > 1_000_000_000 {
		t.Fatalf("IndexToTimestamp(%d) = %d, want in [999966666, 1000000000]", idx, back)
	}
}

func TestRoundTripSweep(t *testing.T) {
	rates := []Rate{
		{30000, 1001},
		{25, 1},
		{48000, 1},
		{60, 1},
	}
	for _, r := range rates {
		for i := uint64(0); i <= 1000; i++ {
			ts := IndexToTimestamp(i, r)
			got := TimestampToIndex(r, ts)
			if got != i {
				t.Fatalf("rate %v: TimestampToIndex(IndexToTimestamp(%d)) = %d, want %d", r, i, got, i)
			}
		}
	}
}

func TestUndefinedOnZeroRate(t *testing.T) {
	if idx := TimestampToIndex(Rate{0, 1}, 1000); idx != UndefinedIndex {
		t.Fatalf("expected UndefinedIndex, got %d", idx)
	}
	if ts := IndexToTimestamp(5, Rate{1, 0}); ts != 0 {
		t.Fatalf("expected 0, got %d", ts)
	}
}

func TestTimestampToIndexNegative(t *testing.T) {
	if idx := TimestampToIndex(Rate{25, 1}, -1); idx != UndefinedIndex {
		t.Fatalf("expected UndefinedIndex for negative t, got %d", idx)
	}
}

func TestNsUntilIndexNeverNegative(t *testing.T) {
	r := Rate{25, 1}
	// An index far in the past must report zero nanoseconds to wait.
	if ns := NsUntilIndex(0, r); ns < 0 {
		t.Fatalf("NsUntilIndex returned negative: %d", ns)
	}
}
