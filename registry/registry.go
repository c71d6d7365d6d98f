// Package registry implements the per-process Instance catalog: it creates
// and tears down flows on a domain directory, and hands out FlowWriter and
// FlowReader handles (backed by package flow) over them. It also issues the
// weak reader references the syncgroup package enrolls without extending
// reader lifetime.
package registry

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dchest/siphash"
	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/mxlfabric/mxl/arena"
	"github.com/mxlfabric/mxl/flow"
	"github.com/mxlfabric/mxl/mxltime"
	"github.com/mxlfabric/mxl/status"
)

// Logger receives non-fatal diagnostics about environment anomalies the
// registry encounters (e.g. a flow directory that could not be removed).
// The core never logs business decisions (ERR_NOT_READY, ERR_STALE, ...);
// only this kind of thing.
type Logger interface {
	Printf(format string, args ...interface{})
}

// schemaHash is a 128-bit SipHash-2-4 identity fingerprint of a schema blob, used
// only to detect accidental mismatches on idempotent flow creation — not a
// cryptographic guarantee (Non-goals exclude encryption/authentication).
type schemaHash [2]uint64

func hashSchema(b []byte) schemaHash {
	lo, hi := siphash.Hash128(0, 0, b)
	return schemaHash{lo, hi}
}

// FlowOptions describes a flow to create or attach to.
type FlowOptions struct {
	Variant      arena.Variant
	EditRate     mxltime.Rate
	HistoryDepth uint64
	CellSize     uint64
	Channels     uint32 // continuous only
	Schema       []byte
}

type flowState struct {
	path       string
	hash       schemaHash
	hasWriter  bool
	readerRefs int
}

type readerState struct {
	flowID uuid.UUID
	reader *flow.Reader
	a      *arena.Arena
	alive  bool
}

// Instance is a process-wide catalog of open flows, rooted at one domain
// directory.
type Instance struct {
	Logger Logger

	domain string

	mu      sync.Mutex
	flows   map[uuid.UUID]*flowState
	readers map[uint64]*readerState
	nextID  uint64

	openFlows      atomic.Int64
	writerAttaches atomic.Int64
	readerAttaches atomic.Int64
}

func (inst *Instance) errorf(format string, args ...interface{}) {
	if inst.Logger != nil {
		inst.Logger.Printf(format, args...)
	}
}

// CreateInstance opens a catalog rooted at domainPath, creating the
// directory if it does not exist.
func CreateInstance(domainPath string) (*Instance, error) {
	if err := os.MkdirAll(domainPath, 0o750); err != nil {
		return nil, status.Wrap(status.ErrIO, err)
	}
	return &Instance{
		domain:  domainPath,
		flows:   make(map[uuid.UUID]*flowState),
		readers: make(map[uint64]*readerState),
	}, nil
}

// DestroyInstance releases the catalog. Flows on disk are untouched; only
// an explicit DestroyFlow removes them (§3 lifecycle).
func (inst *Instance) DestroyInstance() error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if len(inst.flows) > 0 {
		return status.New(status.ErrBadArg)
	}
	return nil
}

// OpenFlows, WriterAttaches, and ReaderAttaches are instrumentation
// counters for an external metrics collaborator to poll (§7: the core
// reports, it never decides policy).
func (inst *Instance) OpenFlows() int64      { return inst.openFlows.Load() }
func (inst *Instance) WriterAttaches() int64 { return inst.writerAttaches.Load() }
func (inst *Instance) ReaderAttaches() int64 { return inst.readerAttaches.Load() }

func (inst *Instance) flowDir(id uuid.UUID) string {
	return filepath.Join(inst.domain, id.String())
}

// ListFlows returns the flow identifiers currently known to this catalog,
// sorted by their canonical string form for stable diagnostic output
// (tests rely on deterministic iteration order, which a plain map range
// does not give).
func (inst *Instance) ListFlows() []uuid.UUID {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	ids := maps.Keys(inst.flows)
	slices.SortFunc(ids, func(a, b uuid.UUID) bool { return a.String() < b.String() })
	return ids
}

// CreateFlowWriter creates (or idempotently reuses) the flow identified by
// id and returns a bound Writer. wasCreated is false when an existing flow
// with a matching schema hash was reused; creating over an existing flow
// whose schema hash differs returns ERR_SCHEMA_MISMATCH.
func (inst *Instance) CreateFlowWriter(id uuid.UUID, opts FlowOptions) (w *flow.Writer, wasCreated bool, err error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	dir := inst.flowDir(id)
	headerPath := filepath.Join(dir, "flow.header")
	hash := hashSchema(opts.Schema)

	st, exists := inst.flows[id]
	if exists {
		if st.hash != hash {
			return nil, false, status.New(status.ErrSchemaMismatch)
		}
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, false, status.Wrap(status.ErrIO, err)
		}
		if _, statErr := os.Stat(headerPath); statErr != nil {
			created, cerr := arena.Create(headerPath, arena.Options{
				FlowID:       id,
				Variant:      opts.Variant,
				EditRate:     opts.EditRate,
				HistoryDepth: opts.HistoryDepth,
				CellSize:     opts.CellSize,
				Channels:     opts.Channels,
				Schema:       opts.Schema,
			})
			if cerr != nil {
				return nil, false, cerr
			}
			// Release Create's mapping and writer lock; the writer is
			// attached through arena.Open below.
			created.Close()
			wasCreated = true
		} else {
			// The file predates this Instance — another process, or an
			// earlier run of this one, created it. Verify the caller's
			// schema actually matches what's stored on disk before
			// adopting it; trusting opts.Schema's hash without reading the
			// real flow would let a mismatched attacher through silently.
			existing, operr := arena.Open(headerPath, arena.ModeReadOnly)
			if operr != nil {
				return nil, false, operr
			}
			onDiskHash := hashSchema(existing.Schema())
			existing.Close()
			if onDiskHash != hash {
				return nil, false, status.New(status.ErrSchemaMismatch)
			}
		}
		st = &flowState{path: dir, hash: hash}
		inst.flows[id] = st
		inst.openFlows.Add(1)
	}

	if st.hasWriter {
		return nil, false, status.New(status.ErrFlowBusy)
	}

	a, err := arena.Open(headerPath, arena.ModeReadWrite)
	if err != nil {
		return nil, false, err
	}
	writer, err := flow.NewWriter(a)
	if err != nil {
		a.Close()
		return nil, false, err
	}

	st.hasWriter = true
	inst.writerAttaches.Add(1)
	return writer, wasCreated, nil
}

// WeakReader is a weak handle to a reader attached through this Instance.
// It never extends the reader's lifetime: once DestroyReader invalidates
// the handle, Resolve reports ERR_READER_GONE instead of operating on freed
// state.
type WeakReader struct {
	inst   *Instance
	handle uint64
}

// ID returns a value stable for the lifetime of this handle, suitable as an
// identity key for syncgroup's idempotent AddReader.
func (w WeakReader) ID() uint64 { return w.handle }

// Resolve dereferences the weak handle, returning ERR_READER_GONE if the
// reader it pointed to has since been released.
func (w WeakReader) Resolve() (*flow.Reader, error) {
	if w.inst == nil {
		return nil, status.New(status.ErrReaderGone)
	}
	w.inst.mu.Lock()
	defer w.inst.mu.Unlock()
	rs, ok := w.inst.readers[w.handle]
	if !ok || !rs.alive {
		return nil, status.New(status.ErrReaderGone)
	}
	return rs.reader, nil
}

// CreateFlowReader attaches a new read-only Reader to flow id, returning
// both the Reader for direct use and a WeakReader suitable for enrolling in
// a syncgroup.Group.
func (inst *Instance) CreateFlowReader(id uuid.UUID) (*flow.Reader, WeakReader, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	dir := inst.flowDir(id)
	headerPath := filepath.Join(dir, "flow.header")
	st, exists := inst.flows[id]
	if !exists {
		if _, statErr := os.Stat(headerPath); statErr != nil {
			return nil, WeakReader{}, status.New(status.ErrNoSuchFlow)
		}
		st = &flowState{path: dir}
		inst.flows[id] = st
		inst.openFlows.Add(1)
	}

	a, err := arena.Open(headerPath, arena.ModeReadOnly)
	if err != nil {
		return nil, WeakReader{}, err
	}
	reader := flow.NewReader(a)

	inst.nextID++
	handle := inst.nextID
	inst.readers[handle] = &readerState{flowID: id, reader: reader, a: a, alive: true}
	st.readerRefs++
	inst.readerAttaches.Add(1)

	return reader, WeakReader{inst: inst, handle: handle}, nil
}

// DestroyReader releases a reader previously obtained from
// CreateFlowReader, invalidating any WeakReader pointing at it.
func (inst *Instance) DestroyReader(w WeakReader) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	rs, ok := inst.readers[w.handle]
	if !ok || !rs.alive {
		return nil
	}
	rs.alive = false
	delete(inst.readers, w.handle)
	if st, ok := inst.flows[rs.flowID]; ok && st.readerRefs > 0 {
		st.readerRefs--
	}
	if err := rs.a.Close(); err != nil {
		inst.errorf("registry: closing reader arena for %s: %v", rs.flowID, err)
		return err
	}
	return nil
}

// DestroyFlow removes a flow's backing files. It fails ERR_FLOW_BUSY if a
// writer or reader still holds it open.
func (inst *Instance) DestroyFlow(id uuid.UUID) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	st, ok := inst.flows[id]
	if !ok {
		return status.New(status.ErrNoSuchFlow)
	}
	if st.hasWriter || st.readerRefs > 0 {
		return status.New(status.ErrFlowBusy)
	}

	if err := os.RemoveAll(st.path); err != nil {
		inst.errorf("registry: removing flow directory %s: %v", st.path, err)
		return status.Wrap(status.ErrIO, err)
	}
	delete(inst.flows, id)
	inst.openFlows.Add(-1)
	return nil
}

// ReleaseWriter marks the flow's writer slot free, letting a future
// CreateFlowWriter attach again. Callers must have already closed the
// Writer (which releases the OS advisory lock).
func (inst *Instance) ReleaseWriter(id uuid.UUID) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if st, ok := inst.flows[id]; ok {
		st.hasWriter = false
	}
}
