package flow

import (
	"unsafe"

	"github.com/mxlfabric/mxl/arena"
	"github.com/mxlfabric/mxl/mxltime"
	"github.com/mxlfabric/mxl/status"
)

// Fragment is a contiguous span of one channel's payload region.
type Fragment struct {
	Ptr unsafe.Pointer
	Len int
}

// Bytes views the fragment as a byte slice. The caller must not retain it
// past the enclosing Writer/Reader operation's validity.
func (f Fragment) Bytes() []byte {
	if f.Len == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(f.Ptr), f.Len)
}

// ChannelSpan is the (up to two) fragments covering one channel's portion
// of a sample batch, split across the ring boundary if the batch wraps.
type ChannelSpan struct {
	First  Fragment
	Second Fragment // zero-valued if the batch did not wrap
}

// MultiBufferSlice describes a [startIndex, startIndex+count) sample batch
// across every channel, each possibly split into two ring-boundary
// fragments.
type MultiBufferSlice struct {
	StartIndex uint64
	Count      uint64
	Channels   []ChannelSpan
}

// span computes, for one channel, the (up to two) fragments covering
// [start, start+count) given the channel's cellSize-bytes-per-cell ring of
// n cells holding stride-byte samples apiece.
func span(a *arena.Arena, channel uint32, start, count uint64, stride int) ChannelSpan {
	n := a.Header().HistoryDepth
	k := start & (n - 1)
	firstCells := n - k
	if firstCells > count {
		firstCells = count
	}
	cell := a.PayloadChannelCell(start, channel)
	first := Fragment{Ptr: unsafe.Pointer(&cell[0]), Len: int(firstCells) * stride}

	remaining := count - firstCells
	if remaining == 0 {
		return ChannelSpan{First: first}
	}
	wrapCell := a.PayloadChannelCell(start+firstCells, channel)
	second := Fragment{Ptr: unsafe.Pointer(&wrapCell[0]), Len: int(remaining) * stride}
	return ChannelSpan{First: first, Second: second}
}

// OpenSamples reserves [startIndex, startIndex+count) across all channels
// for the writer to fill directly via the returned fragments. sampleSize is
// the per-sample, per-channel byte width (e.g. 4 for 32-bit float).
func (w *Writer) OpenSamples(startIndex, count uint64, sampleSize int) (MultiBufferSlice, error) {
	n := w.a.Header().HistoryDepth
	if count == 0 || count > n {
		return MultiBufferSlice{}, status.New(status.ErrBadArg)
	}
	channels := w.a.Channels()
	out := MultiBufferSlice{StartIndex: startIndex, Count: count, Channels: make([]ChannelSpan, channels)}
	for c := uint32(0); c < channels; c++ {
		out.Channels[c] = span(w.a, c, startIndex, count, sampleSize)
	}
	return out, nil
}

// CommitSamples publishes headIndex = startIndex+count-1 for the batch
// previously returned by OpenSamples, under the control slot's Seqlock.
// Sub-grain visibility for continuous flows is expressed purely by this
// monotonic advance: there is no per-sample commit, only a published
// prefix.
func (w *Writer) CommitSamples(startIndex, count uint64) error {
	if count == 0 {
		return status.New(status.ErrBadArg)
	}
	w.publishHead(startIndex + count - 1)
	return nil
}

// GetSamples fetches [startIndex, startIndex+count) across all channels.
// If the writer has not yet committed the full range, it returns
// ERR_NOT_READY with info.AvailableCount set to however many samples from
// startIndex are actually available.
func (r *Reader) GetSamples(startIndex, count uint64, sampleSize int) (SamplesInfo, MultiBufferSlice, error) {
	info, err := r.GetRuntimeInfo()
	if err != nil {
		return SamplesInfo{}, MultiBufferSlice{}, err
	}
	if info.HeadIndex == mxltime.UndefinedIndex || startIndex > info.HeadIndex {
		return SamplesInfo{AvailableCount: 0}, MultiBufferSlice{}, status.New(status.ErrNotReady)
	}

	available := info.HeadIndex - startIndex + 1
	if startIndex+count-1 > info.HeadIndex {
		out := MultiBufferSlice{}
		if available > 0 {
			out = buildSlice(r.a, startIndex, available, sampleSize)
		}
		return SamplesInfo{AvailableCount: available}, out, status.New(status.ErrNotReady)
	}

	return SamplesInfo{AvailableCount: count}, buildSlice(r.a, startIndex, count, sampleSize), nil
}

func buildSlice(a *arena.Arena, startIndex, count uint64, sampleSize int) MultiBufferSlice {
	channels := a.Channels()
	out := MultiBufferSlice{StartIndex: startIndex, Count: count, Channels: make([]ChannelSpan, channels)}
	for c := uint32(0); c < channels; c++ {
		out.Channels[c] = span(a, c, startIndex, count, sampleSize)
	}
	return out
}

// SamplesInfo describes the outcome of GetSamples.
type SamplesInfo struct {
	AvailableCount uint64
}

// WaitForSamples blocks until headIndex >= index, or until deadline passes.
func (r *Reader) WaitForSamples(index uint64, deadline int64) error {
	rate := r.a.Header().EditRate
	for {
		info, err := r.GetRuntimeInfo()
		if err != nil {
			return err
		}
		if info.HeadIndex != mxltime.UndefinedIndex && info.HeadIndex >= index {
			return nil
		}
		if mxltime.NowTAI() >= deadline {
			return status.New(status.ErrTimeout)
		}
		sleepToward(index, rate, deadline)
	}
}
