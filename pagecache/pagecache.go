// Package pagecache orchestrates the log-structured, lock-free page
// cache: allocate/free/link/replace/get/page_out over a radix page
// table of fragment stacks, backed by a walog.Log and driven by an
// LRU for eviction and an epoch collector for safe PageID reuse.
package pagecache

import (
	"bytes"
	"encoding/gob"
	"sync"

	uatomic "go.uber.org/atomic"

	"github.com/emberkv/ember/epoch"
	"github.com/emberkv/ember/fragstack"
	"github.com/emberkv/ember/logger"
	"github.com/emberkv/ember/lru"
	"github.com/emberkv/ember/radix"
	"github.com/emberkv/ember/walog"
)

const parallelPullThreshold = 4

// PageCache is the public entry point: F is the caller's fragment
// type, R is the value its Materializer's Recover hook produces.
type PageCache[F any, R any] struct {
	cfg Config
	mat Materializer[F, R]
	log *walog.Log

	table *radix.Table[F]
	lru   *lru.LRU
	ep    *epoch.Collector

	maxPid  uatomic.Uint64
	ops     uatomic.Uint64
	freeMu  sync.Mutex
	freeIDs []uint64

	snapMu       sync.Mutex
	lastSnapshot *snapshot[F, R]
}

// Open creates a page cache over store, with no prior state. To reopen
// an existing log/snapshot, call Recover on the result before using it.
func Open[F any, R any](store walog.Store, cfg Config, mat Materializer[F, R]) *PageCache[F, R] {
	return &PageCache[F, R]{
		cfg:   cfg,
		mat:   mat,
		log:   walog.Open(store, cfg.IOBufSize, cfg.NumIOBufs, 0),
		table: radix.New[F](),
		lru:   lru.New(cfg.CacheCapacity, cfg.CacheBits),
		ep:    epoch.NewCollector(),
	}
}

func approxFragSize[F any](frag F) uint64 {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(frag); err != nil {
		return 1
	}
	return uint64(buf.Len())
}

func lidsFromHead[F any](head *fragstack.Node[F]) []uint64 {
	var lids []uint64
	for _, e := range fragstack.Entries(head) {
		lids = append(lids, e.Lid)
	}
	return lids
}

// Allocate installs a fresh, empty page and logs its birth.
func (pc *PageCache[F, R]) Allocate() (uint64, error) {
	pid, ok := pc.popFree()
	if !ok {
		pid = pc.maxPid.Add(1) - 1
	}
	stack := &fragstack.Stack[F]{}
	if err := pc.table.Insert(pid, stack); err != nil {
		return 0, wrapErr("allocate", pid, err)
	}
	var zero F
	payload, err := encodeUpdate(LoggedUpdate[F]{Pid: pid, Kind: OpAlloc, Frag: zero})
	if err != nil {
		return 0, wrapErr("allocate", pid, err)
	}
	if _, _, err := pc.log.Write(pc.maybeCompress(payload)); err != nil {
		return 0, wrapErr("allocate", pid, err)
	}
	return pid, nil
}

// Free removes pid from the page table and logs its death. The id
// itself is not reusable until the current epoch closes, so readers
// racing a concurrent Get cannot observe a reused id mid-flight.
func (pc *PageCache[F, R]) Free(pid uint64) error {
	stack := pc.table.Del(pid)
	if stack == nil {
		return wrapErr("free", pid, ErrNotFound)
	}
	oldLids := lidsFromHead(stack.Head())

	var zero F
	payload, err := encodeUpdate(LoggedUpdate[F]{Pid: pid, Kind: OpFree, Frag: zero})
	if err != nil {
		return wrapErr("free", pid, err)
	}
	packed := pc.maybeCompress(payload)
	r, err := pc.log.Reserve(len(packed))
	if err != nil {
		return wrapErr("free", pid, err)
	}
	pc.log.SA().MarkReplace(pid, r.Lsn(), oldLids, r.Lid())
	if err := r.Complete(packed); err != nil {
		return wrapErr("free", pid, err)
	}

	pc.lru.Remove(pid)
	guard := pc.ep.Pin()
	guard.Defer(func() { pc.pushFree(pid) })
	guard.Unpin()
	return nil
}

func (pc *PageCache[F, R]) popFree() (uint64, bool) {
	pc.freeMu.Lock()
	defer pc.freeMu.Unlock()
	if len(pc.freeIDs) == 0 {
		return 0, false
	}
	n := len(pc.freeIDs) - 1
	pid := pc.freeIDs[n]
	pc.freeIDs = pc.freeIDs[:n]
	return pid, true
}

func (pc *PageCache[F, R]) pushFree(pid uint64) {
	pc.freeMu.Lock()
	pc.freeIDs = append(pc.freeIDs, pid)
	pc.freeMu.Unlock()
}

func (pc *PageCache[F, R]) maybeCompress(raw []byte) []byte {
	if !pc.cfg.UseCompression {
		return raw
	}
	return compressPayload(raw)
}

func (pc *PageCache[F, R]) maybeDecompress(packed []byte) ([]byte, error) {
	if !pc.cfg.UseCompression {
		return packed, nil
	}
	return decompressPayload(packed)
}

// Link appends frag above expectedHead in pid's history. On a lost
// CAS race it returns ErrCASConflict and the actually-observed head so
// the caller can retry.
func (pc *PageCache[F, R]) Link(pid uint64, expectedHead *fragstack.Node[F], frag F) (*fragstack.Node[F], error) {
	stack := pc.table.Get(pid)
	if stack == nil {
		return nil, wrapErr("link", pid, ErrNotFound)
	}

	kind := OpAppend
	if expectedHead == nil {
		kind = OpCompact
	}
	payload, err := encodeUpdate(LoggedUpdate[F]{Pid: pid, Kind: kind, Frag: frag})
	if err != nil {
		return nil, wrapErr("link", pid, err)
	}
	packed := pc.maybeCompress(payload)

	r, err := pc.log.Reserve(len(packed))
	if err != nil {
		return nil, wrapErr("link", pid, err)
	}

	entry := fragstack.Entry[F]{Kind: fragstack.Resident, Frag: frag, Lsn: r.Lsn(), Lid: r.Lid()}
	newHead, ok := stack.CasPush(expectedHead, entry)
	if !ok {
		_ = r.Abort()
		return newHead, wrapErr("link", pid, ErrCASConflict)
	}

	pc.log.SA().MarkLink(pid, r.Lsn(), r.Lid())
	if victim, ok := pc.log.SA().Clean(nil); ok {
		pc.consolidate(victim, true)
	}
	if err := r.Complete(packed); err != nil {
		return nil, wrapErr("link", pid, err)
	}

	if pc.ops.Add(1)%pc.cfg.SnapshotAfterOps == 0 {
		go func() {
			if err := pc.AdvanceSnapshot(); err != nil {
				logger.Warnf("advance snapshot: %v", err)
			}
		}()
	}
	return newHead, nil
}

// Replace discards pid's history and installs frag as a single
// MergedResident entry, resetting the chain to length one.
func (pc *PageCache[F, R]) Replace(pid uint64, expectedHead *fragstack.Node[F], frag F) (*fragstack.Node[F], error) {
	return pc.replace(pid, expectedHead, frag, false)
}

func (pc *PageCache[F, R]) replace(pid uint64, expectedHead *fragstack.Node[F], frag F, recursed bool) (*fragstack.Node[F], error) {
	stack := pc.table.Get(pid)
	if stack == nil {
		return nil, wrapErr("replace", pid, ErrNotFound)
	}

	payload, err := encodeUpdate(LoggedUpdate[F]{Pid: pid, Kind: OpCompact, Frag: frag})
	if err != nil {
		return nil, wrapErr("replace", pid, err)
	}
	packed := pc.maybeCompress(payload)

	r, err := pc.log.Reserve(len(packed))
	if err != nil {
		return nil, wrapErr("replace", pid, err)
	}

	newChain := fragstack.Chain([]fragstack.Entry[F]{{Kind: fragstack.MergedResident, Frag: frag, Lsn: r.Lsn(), Lid: r.Lid()}})
	newHead, ok := stack.Cas(expectedHead, newChain)
	if !ok {
		_ = r.Abort()
		return newHead, wrapErr("replace", pid, ErrCASConflict)
	}

	oldLids := lidsFromHead(expectedHead)
	pc.log.SA().MarkReplace(pid, r.Lsn(), oldLids, r.Lid())
	if !recursed {
		if victim, ok := pc.log.SA().Clean(&pid); ok {
			pc.consolidate(victim, true)
		}
	}
	if err := r.Complete(packed); err != nil {
		return nil, wrapErr("replace", pid, err)
	}

	if !recursed && pc.ops.Add(1)%pc.cfg.SnapshotAfterOps == 0 {
		go func() {
			if err := pc.AdvanceSnapshot(); err != nil {
				logger.Warnf("advance snapshot: %v", err)
			}
		}()
	}
	return newHead, nil
}

// consolidate rewrites victim's chain into a single MergedResident in
// place, at most once (recursed prevents the cleaner's own Clean call
// from chaining into further recursion).
func (pc *PageCache[F, R]) consolidate(victim uint64, recursed bool) {
	frag, head, found, err := pc.Get(victim)
	if err != nil || !found {
		return
	}
	_, _ = pc.replace(victim, head, frag, recursed)
}

// PageOut demotes each victim's chain to PartialFlush/Flush entries
// once its tail is durable, freeing the in-memory fragments while
// keeping their log coordinates for a future Get to pull back.
func (pc *PageCache[F, R]) PageOut(victims []uint64) {
	for _, pid := range victims {
		stack := pc.table.Get(pid)
		if stack == nil {
			continue
		}
		head := stack.Head()
		if head == nil {
			continue
		}
		entries := fragstack.Entries(head)
		bottom := entries[len(entries)-1]
		pc.log.MakeStable(bottom.Lsn)

		newEntries := make([]fragstack.Entry[F], len(entries))
		for i, e := range entries {
			if i == len(entries)-1 {
				newEntries[i] = fragstack.Entry[F]{Kind: fragstack.Flush, Lsn: e.Lsn, Lid: e.Lid}
			} else {
				newEntries[i] = fragstack.Entry[F]{Kind: fragstack.PartialFlush, Lsn: e.Lsn, Lid: e.Lid}
			}
		}
		newHead := fragstack.Chain(newEntries)
		stack.Cas(head, newHead) // best-effort; a concurrent writer winning is fine
	}
}
