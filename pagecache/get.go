package pagecache

import (
	"fmt"
	"sync"

	"github.com/emberkv/ember/fragstack"
)

// Get reads pid's materialized value: resident fragments merge
// directly, non-resident tail entries are pulled from the log (in
// parallel once there are enough of them to be worth it), and the
// combined oldest-first sequence is handed to the materializer.
// found is false if pid is unallocated or has no history yet.
func (pc *PageCache[F, R]) Get(pid uint64) (frag F, head *fragstack.Node[F], found bool, err error) {
	guard := pc.ep.Pin()
	defer guard.Unpin()

	stack := pc.table.Get(pid)
	if stack == nil {
		return frag, nil, false, nil
	}
	head = stack.Head()
	if head == nil {
		return frag, nil, false, nil
	}

	entries := fragstack.Entries(head)
	if entries[0].Kind == fragstack.MergedResident {
		pc.lru.Hit()
		pc.noteAccess(pid, entries[0].Frag)
		return entries[0].Frag, head, true, nil
	}

	var pullCount int
	for _, e := range entries {
		if e.Kind == fragstack.PartialFlush || e.Kind == fragstack.Flush {
			pullCount++
		}
	}
	pulledAny := pullCount > 0
	if pulledAny {
		pc.lru.Miss()
	} else {
		pc.lru.Hit()
	}

	ordered := make([]F, len(entries))
	if pullCount >= parallelPullThreshold {
		pc.pullParallel(pid, entries, ordered)
	} else {
		pc.pullSerial(pid, entries, ordered)
	}

	// ordered is top-to-bottom (newest first); the materializer wants
	// oldest-first.
	mergeInput := make([]F, len(ordered))
	for i, f := range ordered {
		mergeInput[len(ordered)-1-i] = f
	}
	frag = pc.mat.Merge(mergeInput)

	pc.noteAccess(pid, frag)

	distance := distanceToMergedResident(entries)
	switch {
	case len(entries) > pc.cfg.PageConsolidationThreshold:
		// Already hold the merged frag and the head it was merged from;
		// replacing directly avoids re-entering Get on the same pid,
		// which would hit this same over-threshold branch again and
		// recurse without end.
		_, _ = pc.replace(pid, head, frag, true)
	case pulledAny || distance > pc.cfg.CacheFixupThreshold:
		pc.fixup(pid, head, frag, entries)
	}

	return frag, head, true, nil
}

func (pc *PageCache[F, R]) noteAccess(pid uint64, frag F) {
	victims := pc.lru.Accessed(pid, approxFragSize(frag))
	if len(victims) > 0 {
		pc.PageOut(victims)
	}
}

// distanceToMergedResident counts entries from the top down to (and
// including) the first MergedResident, or the full chain length if
// none is present.
func distanceToMergedResident[F any](entries []fragstack.Entry[F]) int {
	for i, e := range entries {
		if e.Kind == fragstack.MergedResident {
			return i + 1
		}
	}
	return len(entries)
}

// pullSerial resolves every entry in place, in order: cheap for the
// common case of a mostly- or fully-resident chain.
func (pc *PageCache[F, R]) pullSerial(pid uint64, entries []fragstack.Entry[F], out []F) {
	for i, e := range entries {
		switch e.Kind {
		case fragstack.Resident, fragstack.MergedResident:
			out[i] = e.Frag
		case fragstack.PartialFlush, fragstack.Flush:
			out[i] = pc.pullOne(pid, e)
		}
	}
}

// pullParallel does the same as pullSerial but fans the log reads out
// across goroutines, since each pull is an independent disk read with
// no dependency on the others. Order in out is preserved regardless of
// completion order.
func (pc *PageCache[F, R]) pullParallel(pid uint64, entries []fragstack.Entry[F], out []F) {
	var wg sync.WaitGroup
	for i, e := range entries {
		switch e.Kind {
		case fragstack.Resident, fragstack.MergedResident:
			out[i] = e.Frag
		case fragstack.PartialFlush, fragstack.Flush:
			i, e := i, e
			wg.Add(1)
			go func() {
				defer wg.Done()
				out[i] = pc.pullOne(pid, e)
			}()
		}
	}
	wg.Wait()
}

// pullOne fetches and decodes the fragment logged at e.Lid. A failure
// here means the stack claimed a fragment exists at a log location
// that turned out to be unreadable or corrupt, a state the stack's own
// invariants are supposed to make impossible; per the error handling
// design, that is treated as fatal rather than silently degraded.
func (pc *PageCache[F, R]) pullOne(pid uint64, e fragstack.Entry[F]) F {
	_, _, packed, err := pc.log.Read(e.Lid)
	if err != nil {
		panic(fmt.Sprintf("pagecache: corrupt pull for page %d at lid %d: %v", pid, e.Lid, err))
	}
	payload, err := pc.maybeDecompress(packed)
	if err != nil {
		panic(fmt.Sprintf("pagecache: corrupt pull for page %d at lid %d: %v", pid, e.Lid, err))
	}
	lu, err := decodeUpdate[F](payload)
	if err != nil {
		panic(fmt.Sprintf("pagecache: corrupt pull for page %d at lid %d: %v", pid, e.Lid, err))
	}
	return lu.Frag
}

// fixup rewrites the chain into a compact [MergedResident, PartialFlush*, Flush]
// form so a future Get doesn't need to re-pull the same tail. A lost
// CAS here just means a concurrent writer got there first; the old
// view remains perfectly valid to read.
func (pc *PageCache[F, R]) fixup(pid uint64, head *fragstack.Node[F], frag F, entries []fragstack.Entry[F]) {
	bottom := entries[len(entries)-1]
	newEntries := make([]fragstack.Entry[F], 0, len(entries))
	newEntries = append(newEntries, fragstack.Entry[F]{Kind: fragstack.MergedResident, Frag: frag, Lsn: entries[0].Lsn, Lid: entries[0].Lid})
	for i := 1; i < len(entries)-1; i++ {
		e := entries[i]
		newEntries = append(newEntries, fragstack.Entry[F]{Kind: fragstack.PartialFlush, Lsn: e.Lsn, Lid: e.Lid})
	}
	if len(entries) > 1 {
		newEntries = append(newEntries, fragstack.Entry[F]{Kind: fragstack.Flush, Lsn: bottom.Lsn, Lid: bottom.Lid})
	}
	newHead := fragstack.Chain(newEntries)

	stack := pc.table.Get(pid)
	if stack == nil {
		return
	}
	stack.Cas(head, newHead)
}
