// Package arena implements the memory-mapped file that backs one flow: a
// fixed header, an index ring of Slot records, and a payload cell arena.
// Every participant (writer, readers) maps the same file; all mutable state
// after creation lives in the index ring and payload arena, never the
// header (§4.2).
package arena

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/mxlfabric/mxl/mxltime"
	"github.com/mxlfabric/mxl/status"
)

var errUnsupportedPlatform = errors.New("arena: shared-memory mapping is not supported on this platform")

// Mode selects how an existing flow file is mapped.
type Mode int

const (
	ModeReadOnly Mode = iota
	ModeReadWrite
)

// Options configure the creation of a new flow's backing file.
type Options struct {
	FlowID       uuid.UUID
	Variant      Variant
	EditRate     mxltime.Rate
	HistoryDepth uint64 // N, must be a power of two
	CellSize     uint64 // bytes per payload cell, per channel
	Channels     uint32 // continuous flows only; ignored (treated as 1) for discrete
	Schema       []byte // opaque schema blob, stored verbatim
}

func (o Options) channels() uint64 {
	if o.Variant == VariantContinuous && o.Channels > 0 {
		return uint64(o.Channels)
	}
	return 1
}

// Arena is a mapped flow file: header, index ring, and payload arena.
type Arena struct {
	file     *os.File
	mem      []byte
	writable bool
	locked   bool

	header Header
	ring   []byte // index ring region of mem
	arena  []byte // payload region of mem
	schema []byte // schema blob region of mem
}

func isPow2(n uint64) bool { return n != 0 && n&(n-1) == 0 }

// Create sizes, writes, and maps a brand-new flow file at path, holding the
// exclusive advisory writer lock on it just as Open(ModeReadWrite) does. The
// caller (typically registry's Instance.CreateFlowWriter) is responsible for
// idempotency; Create always initializes a fresh file and truncates anything
// already there.
func Create(path string, opts Options) (*Arena, error) {
	if !opts.EditRate.Valid() {
		return nil, status.New(status.ErrBadArg)
	}
	if !isPow2(opts.HistoryDepth) {
		return nil, status.New(status.ErrBadArg)
	}

	schemaOffset := uint64(HeaderSize)
	schemaLen := uint64(len(opts.Schema))
	ringOffset := alignUp(schemaOffset+schemaLen, 64)
	ringSize := IndexRingSize(opts.HistoryDepth)
	payloadOffset := alignUp(ringOffset+ringSize, 64)
	payloadSize := opts.HistoryDepth * opts.CellSize * opts.channels()
	total := payloadOffset + payloadSize

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, status.Wrap(status.ErrIO, err)
	}
	ok := false
	defer func() {
		if !ok {
			f.Close()
		}
	}()

	if err := flockExclusive(f); err != nil {
		if isWouldBlock(err) {
			return nil, status.New(status.ErrFlowBusy)
		}
		return nil, status.Wrap(status.ErrIO, err)
	}

	if err := growFile(f, int64(total)); err != nil {
		return nil, status.Wrap(status.ErrIO, err)
	}

	h := Header{
		Variant:         opts.Variant,
		FlowID:          opts.FlowID,
		EditRate:        opts.EditRate,
		HistoryDepth:    opts.HistoryDepth,
		CellSize:        opts.CellSize,
		IndexRingOffset: ringOffset,
		PayloadOffset:   payloadOffset,
		WriterEpoch:     0,
		CreatedAt:       mxltime.NowTAI(),
		SchemaOffset:    schemaOffset,
		SchemaLen:       schemaLen,
		Channels:        opts.Channels,
		SchemaCRC:       computeSchemaCRC(opts.Schema),
	}
	buf := h.encode()
	if _, err := f.WriteAt(buf, 0); err != nil {
		return nil, status.Wrap(status.ErrIO, err)
	}
	if schemaLen > 0 {
		if _, err := f.WriteAt(opts.Schema, int64(schemaOffset)); err != nil {
			return nil, status.Wrap(status.ErrIO, err)
		}
	}

	mem, err := mmapFile(f, int64(total), true)
	if err != nil {
		return nil, status.Wrap(status.ErrIO, err)
	}

	ok = true
	return &Arena{
		file:     f,
		mem:      mem,
		writable: true,
		locked:   true,
		header:   h,
		ring:     mem[ringOffset : ringOffset+ringSize],
		arena:    mem[payloadOffset : payloadOffset+payloadSize],
		schema:   mem[schemaOffset : schemaOffset+schemaLen],
	}, nil
}

// Open maps an existing flow file. For ModeReadWrite it also acquires the
// exclusive advisory writer lock on the header, returning ERR_FLOW_BUSY if
// another writer already holds it.
func Open(path string, mode Mode) (*Arena, error) {
	flags := os.O_RDONLY
	if mode == ModeReadWrite {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.New(status.ErrNoSuchFlow)
		}
		return nil, status.Wrap(status.ErrIO, err)
	}
	ok := false
	locked := false
	defer func() {
		if !ok {
			if locked {
				funlock(f)
			}
			f.Close()
		}
	}()

	if mode == ModeReadWrite {
		if err := flockExclusive(f); err != nil {
			if errors.Is(err, os.ErrPermission) || isWouldBlock(err) {
				return nil, status.New(status.ErrFlowBusy)
			}
			return nil, status.Wrap(status.ErrIO, err)
		}
		locked = true
	}

	hdrBuf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		return nil, status.Wrap(status.ErrIO, err)
	}
	if !checkMagicVersion(hdrBuf) {
		return nil, status.New(status.ErrIncompatible)
	}
	if !checkCRC(hdrBuf) {
		return nil, status.Wrap(status.ErrIO, fmt.Errorf("header CRC mismatch"))
	}
	h := decodeHeader(hdrBuf)

	info, err := f.Stat()
	if err != nil {
		return nil, status.Wrap(status.ErrIO, err)
	}
	total := info.Size()

	mem, err := mmapFile(f, total, mode == ModeReadWrite)
	if err != nil {
		return nil, status.Wrap(status.ErrIO, err)
	}

	ringSize := IndexRingSize(h.HistoryDepth)
	payloadSize := h.HistoryDepth * h.CellSize * headerChannels(h)
	schemaBytes := mem[h.SchemaOffset : h.SchemaOffset+h.SchemaLen]

	if !checkSchemaCRC(h, schemaBytes) {
		munmap(mem)
		return nil, status.Wrap(status.ErrIO, fmt.Errorf("schema CRC mismatch"))
	}

	ok = true
	return &Arena{
		file:     f,
		mem:      mem,
		writable: mode == ModeReadWrite,
		locked:   locked,
		header:   h,
		ring:     mem[h.IndexRingOffset : h.IndexRingOffset+ringSize],
		arena:    mem[h.PayloadOffset : h.PayloadOffset+payloadSize],
		schema:   schemaBytes,
	}, nil
}

// Close unmaps the file and releases the writer lock, if held.
func (a *Arena) Close() error {
	var firstErr error
	if a.mem != nil {
		if err := munmap(a.mem); err != nil {
			firstErr = err
		}
		a.mem = nil
	}
	if a.locked {
		funlock(a.file)
		a.locked = false
	}
	if err := a.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return status.Wrap(status.ErrIO, firstErr)
	}
	return nil
}

// Header returns the decoded, immutable flow header.
func (a *Arena) Header() Header { return a.header }

// Schema returns the opaque schema blob stored at creation, verbatim.
func (a *Arena) Schema() []byte { return a.schema }

// Slot returns the index ring slot for absolute grain index i.
func (a *Arena) Slot(i uint64) *Slot {
	k := i & (a.header.HistoryDepth - 1)
	return slotAt(a.ring, k)
}

// ControlSlot returns the dedicated, (N+1)th slot the arena reserves to
// publish headIndex under the same Seqlock protocol as an ordinary grain
// slot, for both discrete and continuous flows. It never aliases a real
// grain slot (see DESIGN.md for why a data slot could not double as this).
func (a *Arena) ControlSlot() *Slot {
	return slotAt(a.ring, a.header.HistoryDepth)
}

// PayloadCell returns the channel-0 payload bytes for cell k = index mod N.
func (a *Arena) PayloadCell(index uint64) []byte {
	return a.PayloadChannelCell(index, 0)
}

// PayloadChannelCell returns the payload bytes for cell k = index mod N on
// the given channel. Continuous flows lay channels out ring-major: channel
// c's entire N-cell ring occupies bytes [c*N*CellSize, (c+1)*N*CellSize) of
// the payload arena, so indices within a channel stay contiguous and the
// stride from one ring cell to the next within a channel is exactly
// CellSize, matching the "per-channel stride = cellSize" contract.
func (a *Arena) PayloadChannelCell(index uint64, channel uint32) []byte {
	n := a.header.HistoryDepth
	k := index & (n - 1)
	channelBase := uint64(channel) * n * a.header.CellSize
	off := channelBase + k*a.header.CellSize
	return a.arena[off : off+a.header.CellSize]
}

// Channels returns the channel count for a continuous flow (1 for
// discrete).
func (a *Arena) Channels() uint32 {
	if a.header.Variant == VariantContinuous && a.header.Channels > 0 {
		return a.header.Channels
	}
	return 1
}

func headerChannels(h Header) uint64 {
	if h.Variant == VariantContinuous && h.Channels > 0 {
		return uint64(h.Channels)
	}
	return 1
}

// Writable reports whether this mapping was opened read-write.
func (a *Arena) Writable() bool { return a.writable }

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
