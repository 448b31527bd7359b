// Package epoch implements epoch-based reclamation (EBR). Readers pin
// the current epoch before dereferencing shared pointers; cleanup for
// state unlinked while a reader might still hold it is deferred until
// no pinned reader could possibly observe it anymore. The page cache
// uses it to delay reuse of a freed PageID; fragment stack nodes and
// radix nodes are left to the garbage collector (see the fragstack
// and radix package docs).
package epoch

import (
	"sync"

	uatomic "go.uber.org/atomic"
)

const epochGenerations = 3

// Collector tracks the global epoch and the set of pinned readers.
// One Collector is shared by everything that participates in the same
// reclamation domain (in this module, one per page cache).
type Collector struct {
	global uatomic.Uint64

	mu    sync.Mutex
	slots []*slot
	bags  [epochGenerations][]func()
}

type slot struct {
	// pinned holds the reader's pinned epoch, or math.MaxUint64 while
	// the slot is not in use by any goroutine.
	pinned uatomic.Uint64
}

const slotFree = ^uint64(0)

// NewCollector creates an empty reclamation domain.
func NewCollector() *Collector {
	return &Collector{}
}

// Guard represents one pinned reader. It must be released with Unpin
// once the caller is done dereferencing shared pointers obtained while
// pinned.
type Guard struct {
	c    *Collector
	slot *slot
	// epoch is the global epoch observed at pin time; garbage retired
	// during this pin must not be freed until the epoch has advanced
	// at least twice past it.
	epoch uint64
}

// Pin registers the calling goroutine as an active reader and returns
// a Guard scoping that registration. Pin is cheap (a slot scan plus
// one CAS) but not free; callers should pin once per logical
// operation, not once per pointer dereference.
func (c *Collector) Pin() *Guard {
	c.mu.Lock()
	var s *slot
	for _, cand := range c.slots {
		if cand.pinned.Load() == slotFree {
			s = cand
			break
		}
	}
	if s == nil {
		s = &slot{}
		s.pinned.Store(slotFree)
		c.slots = append(c.slots, s)
	}
	c.mu.Unlock()

	epoch := c.global.Load()
	s.pinned.Store(epoch)

	g := &Guard{c: c, slot: s, epoch: epoch}
	c.tryAdvance(epoch)
	return g
}

// Defer schedules cleanup to run once every reader pinned at the time
// of the call (or earlier) has unpinned. cleanup must not block and
// must not itself call into the collector it was deferred on.
func (g *Guard) Defer(cleanup func()) {
	g.c.mu.Lock()
	gen := g.epoch % epochGenerations
	g.c.bags[gen] = append(g.c.bags[gen], cleanup)
	g.c.mu.Unlock()
}

// Unpin releases the reader's slot, making the epoch eligible to
// advance past it.
func (g *Guard) Unpin() {
	g.slot.pinned.Store(slotFree)
}

// tryAdvance bumps the global epoch when every active reader has been
// observed at the current epoch, then reclaims the generation that is
// now at least two epochs stale. Called opportunistically from Pin so
// no background sweeper goroutine is required.
func (c *Collector) tryAdvance(observed uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.slots {
		p := s.pinned.Load()
		if p != slotFree && p < observed {
			// someone is still behind; not safe to advance yet.
			return
		}
	}

	if !c.global.CompareAndSwap(observed, observed+1) {
		return
	}

	// The generation two epochs behind the new epoch can no longer be
	// observed by any reader that could pin from this point forward.
	staleGen := (observed + 2) % epochGenerations
	garbage := c.bags[staleGen]
	c.bags[staleGen] = nil

	// run outside the lock region logically, but we already hold it;
	// cleanups are required to be non-blocking and not re-enter us.
	for _, fn := range garbage {
		fn()
	}
}

// Pin is a convenience free function for call sites that keep a
// *Collector behind an interface; it's equivalent to c.Pin().
func Pin(c *Collector) *Guard { return c.Pin() }
