package walog

import "sync"

// Accountant is the segment accountant (SA): the single authority on
// which physical segment slots are free, active, inactive or
// draining, and which pages still hold a live fragment in each. A
// single mutex guards the whole table; contention is bounded by the
// segment count, not the page count, so this has never needed to be
// lock-free the way the page table and fragment stacks do.
type Accountant struct {
	mu      sync.Mutex
	segSize uint64
	segs    []*SegmentRecord
	paused  bool

	// stableOffset reports the highest Lsn known durable on disk. Wired
	// by Log after construction (the Log, not the Accountant, owns the
	// IOBufs ring this reads). nil until wired, and in any accountant
	// built standalone for tests; a nil callback is treated as "assume
	// stable" so those tests keep their prior, pre-stability-check
	// behavior.
	stableOffset func() uint64
}

// NewAccountant creates an accountant for segments of segSize bytes
// each, with no segments allocated yet.
func NewAccountant(segSize uint64) *Accountant {
	return &Accountant{segSize: segSize}
}

// SetStableOffsetFunc wires the callback Accountant uses to decide
// whether a drained segment's writes are actually durable yet before
// freeing it.
func (a *Accountant) SetStableOffsetFunc(fn func() uint64) {
	a.mu.Lock()
	a.stableOffset = fn
	a.mu.Unlock()
}

func (a *Accountant) segIndex(lid uint64) int {
	return int(lid / a.segSize)
}

func (a *Accountant) ensureLocked(idx int, baseLsn uint64) *SegmentRecord {
	for len(a.segs) <= idx {
		a.segs = append(a.segs, newSegmentRecord(0))
	}
	seg := a.segs[idx]
	seg.EnsureInitialized(baseLsn)
	return seg
}

// MarkLink records that pid gained a fragment at lid, part of the
// base Lsn segment that lid falls within.
func (a *Accountant) MarkLink(pid, lsn, lid uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.segIndex(lid)
	seg := a.ensureLocked(idx, lsn-(lsn%a.segSize))
	seg.InsertPID(pid)
}

// MarkReplace records that pid's fragment moved: every segment named
// in oldLids loses one reference to pid (each segment is decremented
// at most once regardless of how many oldLids fall in it), and the
// segment containing newLid gains one.
func (a *Accountant) MarkReplace(pid, lsn uint64, oldLids []uint64, newLid uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[int]bool, len(oldLids))
	for _, lid := range oldLids {
		idx := a.segIndex(lid)
		if seen[idx] {
			continue
		}
		seen[idx] = true
		if idx < len(a.segs) {
			old := a.segs[idx]
			old.RemovePID(pid)
			a.maybeFreeDraining(old)
		}
	}

	newIdx := a.segIndex(newLid)
	seg := a.ensureLocked(newIdx, lsn-(lsn%a.segSize))
	seg.InsertPID(pid)
}

// maybeFreeDraining transitions seg from draining to free once both
// its live set is empty and every Lsn written into it is durable.
// Called with a.mu already held.
func (a *Accountant) maybeFreeDraining(seg *SegmentRecord) {
	if seg.State != SegDraining || !seg.IsEmpty() {
		return
	}
	if a.stableOffset != nil && a.stableOffset() < seg.BaseLsn+a.segSize {
		return
	}
	seg.State = SegFree
}

// ActiveToInactive transitions the segment at lid out of the active
// (write-head) state once a fresh buffer has taken over as head. It
// is a no-op if the segment is not currently active.
func (a *Accountant) ActiveToInactive(lid uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.segIndex(lid)
	if idx < len(a.segs) {
		a.segs[idx].ActiveToInactive()
	}
}

// AllocateSlot returns the index of a segment slot ready to become the
// next write head: the lowest-numbered free slot if one exists, or a
// freshly appended one otherwise. Unbounded growth when no slot is
// free is a deliberate simplification over the original's bounded
// ring — see DESIGN.md.
func (a *Accountant) AllocateSlot() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, seg := range a.segs {
		if seg.State == SegFree {
			return i
		}
	}
	a.segs = append(a.segs, newSegmentRecord(0))
	return len(a.segs) - 1
}

// Clean returns one page id resident in the segment currently being
// drained, for the caller to rewrite elsewhere so that segment can
// eventually free. If no segment is already draining, Clean promotes
// the oldest inactive segment with live pages into draining first.
// exclude, if non-nil, skips a page the caller already knows it
// cannot move right now (e.g. one it is mid-replace on). Returns ok
// false if there is nothing to clean, including while paused.
func (a *Accountant) Clean(exclude *uint64) (pid uint64, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.paused {
		return 0, false
	}

	// A segment already emptied while draining only became free once
	// its writes caught up to stable; re-check every draining segment
	// now in case that happened since it was last touched.
	for _, seg := range a.segs {
		if seg.State == SegDraining {
			a.maybeFreeDraining(seg)
		}
	}

	best := a.oldestInState(SegDraining)
	if best == -1 {
		best = a.promoteOldestInactive()
	}
	if best == -1 {
		return 0, false
	}
	for p := range a.segs[best].Live {
		if exclude != nil && p == *exclude {
			continue
		}
		return p, true
	}
	return 0, false
}

func (a *Accountant) oldestInState(state SegmentState) int {
	best := -1
	for i, seg := range a.segs {
		if seg.State != state {
			continue
		}
		if best == -1 || seg.BaseLsn < a.segs[best].BaseLsn {
			best = i
		}
	}
	return best
}

// promoteOldestInactive finds the oldest inactive segment and, if it
// still has live pages, marks it draining so Clean can offer them up.
// An inactive segment found empty needs no cleaning and frees
// directly.
func (a *Accountant) promoteOldestInactive() int {
	best := -1
	for i, seg := range a.segs {
		if seg.State != SegInactive {
			continue
		}
		if seg.IsEmpty() {
			seg.State = SegFree
			continue
		}
		if best == -1 || seg.BaseLsn < a.segs[best].BaseLsn {
			best = i
		}
	}
	if best != -1 {
		a.segs[best].State = SegDraining
	}
	return best
}

// PauseRewriting stops Clean from selecting new cleaning victims,
// used while a snapshot walk or external reader is iterating the log
// and must not have a segment it is reading get recycled underneath
// it.
func (a *Accountant) PauseRewriting() {
	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()
}

// ResumeRewriting re-enables Clean.
func (a *Accountant) ResumeRewriting() {
	a.mu.Lock()
	a.paused = false
	a.mu.Unlock()
}

// InitializeFromSegments seeds a freshly-constructed accountant from a
// snapshot's persisted segment records, used once at recovery before
// any live writes have happened.
func (a *Accountant) InitializeFromSegments(records []*SegmentRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.segs = make([]*SegmentRecord, len(records))
	for i, r := range records {
		a.segs[i] = r.clone()
	}
}

// Snapshot returns a deep copy of the current per-segment bookkeeping,
// suitable for persisting in a Snapshot.
func (a *Accountant) Snapshot() []*SegmentRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*SegmentRecord, len(a.segs))
	for i, r := range a.segs {
		out[i] = r.clone()
	}
	return out
}
