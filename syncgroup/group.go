// Package syncgroup implements the multi-flow synchronization group: a
// caller enrolls weak reader references and waits for all of them to reach
// a shared timepoint in one call, with a self-optimizing ordering
// heuristic that keeps the slowest source at the head of the list.
package syncgroup

import (
	"github.com/mxlfabric/mxl/flow"
	"github.com/mxlfabric/mxl/mxltime"
	"github.com/mxlfabric/mxl/status"
)

// ReaderHandle is the weak-reference contract the group depends on. It is
// satisfied structurally by registry.WeakReader; the group package never
// imports registry, to keep the dependency direction one-way (registry is
// the thing enrolled, not the other way around).
type ReaderHandle interface {
	ID() uint64
	Resolve() (*flow.Reader, error)
}

// Policy is a tagged union distinguishing how an entry waits: discrete
// readers wait on a grain index with a minimum valid-slice count, while
// continuous readers wait on a sample index. Dispatch happens by type
// switch at the call site, not by virtual method — there is exactly one
// hot path (waitForDataAt) that needs to tell them apart.
type Policy interface {
	isPolicy()
}

// DiscretePolicy waits via Reader.WaitForGrain.
type DiscretePolicy struct {
	MinValidSlices uint32
}

func (DiscretePolicy) isPolicy() {}

// ContinuousPolicy waits via Reader.WaitForSamples.
type ContinuousPolicy struct{}

func (ContinuousPolicy) isPolicy() {}

type entry struct {
	id                     uint64
	reader                 ReaderHandle
	policy                 Policy
	grainRate              mxltime.Rate
	maxObservedSourceDelay int64
}

// Group is a mutable, logically unordered collection of reader entries.
// Internally it keeps a list whose order waitForDataAt adapts over time:
// the entry that most recently bounded the group's wait is moved to the
// front, so the next call blocks on it first and is very likely to find
// the rest already satisfied.
type Group struct {
	list []*entry
	byID map[uint64]*entry
}

// NewGroup constructs an empty synchronization group.
func NewGroup() *Group {
	return &Group{byID: make(map[uint64]*entry)}
}

// AddReader enrolls reader under policy, cached with rate at enrollment.
// Enrollment is idempotent by reader.ID(): re-adding an already-enrolled
// reader replaces its policy (e.g. updates a discrete entry's
// MinValidSlices) without disturbing its position in the list or its
// maxObservedSourceDelay.
func (g *Group) AddReader(reader ReaderHandle, policy Policy, rate mxltime.Rate) {
	id := reader.ID()
	if e, ok := g.byID[id]; ok {
		e.policy = policy
		e.grainRate = rate
		return
	}
	e := &entry{id: id, reader: reader, policy: policy, grainRate: rate}
	g.byID[id] = e
	g.list = append(g.list, e)
}

// RemoveReader de-enrolls reader. A no-op if it was not enrolled.
func (g *Group) RemoveReader(reader ReaderHandle) {
	g.removeByID(reader.ID())
}

func (g *Group) removeByID(id uint64) {
	e, ok := g.byID[id]
	if !ok {
		return
	}
	delete(g.byID, id)
	for i, le := range g.list {
		if le == e {
			g.list = append(g.list[:i], g.list[i+1:]...)
			break
		}
	}
}

// WaitForDataAt blocks until every enrolled reader has data at or past
// originTime's mapped index, or until deadline passes, or until an
// enrolled reader is found gone. It returns the first non-OK result,
// including ERR_READER_GONE for a dereference failure (the entry is
// purged from the group in that case, per the reader-gone safety
// contract).
func (g *Group) WaitForDataAt(originTime, deadline int64) error {
	// Snapshot the order for this call: the reorder heuristic below affects
	// which entry leads on the *next* call, not the one in progress.
	order := append([]*entry(nil), g.list...)

	for _, e := range order {
		expectedIndex := mxltime.TimestampToIndex(e.grainRate, originTime)

		reader, err := e.reader.Resolve()
		if err != nil {
			g.removeByID(e.id)
			return err
		}

		info, err := reader.GetRuntimeInfo()
		if err != nil {
			return err
		}
		if info.HeadIndex != mxltime.UndefinedIndex && expectedIndex <= info.HeadIndex {
			continue
		}

		if err := waitOn(reader, e.policy, expectedIndex, deadline); err != nil {
			return err
		}

		sourceDelay := mxltime.NowTAI() - mxltime.IndexToTimestamp(expectedIndex, e.grainRate)
		g.considerPromotion(e, sourceDelay)
	}
	return nil
}

// considerPromotion records a fresh sourceDelay observation for e and, if it
// is both a new maximum for e and exceeds the live head's maximum, splices e
// to the front. The live head must be re-read from g.list rather than a
// snapshot taken at the start of the call: an earlier entry this same call
// may already have been spliced to the front, and that's the entry e
// actually has to beat, not whoever led the list when the call started.
func (g *Group) considerPromotion(e *entry, sourceDelay int64) {
	if sourceDelay <= e.maxObservedSourceDelay {
		return
	}
	e.maxObservedSourceDelay = sourceDelay
	if len(g.list) > 0 && sourceDelay > g.list[0].maxObservedSourceDelay {
		g.moveToFront(e)
	}
}

// moveToFront splices e to the head of the live list, preserving the
// relative order of everything else.
func (g *Group) moveToFront(e *entry) {
	for i, le := range g.list {
		if le == e {
			if i == 0 {
				return
			}
			copy(g.list[1:i+1], g.list[:i])
			g.list[0] = e
			return
		}
	}
}

func waitOn(r *flow.Reader, policy Policy, expectedIndex uint64, deadline int64) error {
	switch p := policy.(type) {
	case DiscretePolicy:
		return r.WaitForGrain(expectedIndex, p.MinValidSlices, deadline)
	case ContinuousPolicy:
		return r.WaitForSamples(expectedIndex, deadline)
	default:
		return status.New(status.ErrBadArg)
	}
}
