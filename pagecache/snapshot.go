package pagecache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"hash/crc64"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/snappy"

	"github.com/emberkv/ember/fragstack"
	"github.com/emberkv/ember/radix"
	"github.com/emberkv/ember/walog"
)

var crc64Table = crc64.MakeTable(crc64.ISO)

// tempSuffix marks a snapshot file mid-write; readSnapshotFile skips any
// name bearing it, the same way a torn log segment is skipped rather
// than trusted.
const tempSuffix = ".in___motion"

// lidEntry is one chain entry's log coordinates as persisted in a
// snapshot, everything Get needs to resume pulling a non-resident
// fragment without re-deriving it from a live Node chain.
type lidEntry struct {
	Kind fragstack.Kind
	Lsn  uint64
	Lid  uint64
}

// snapshot is a page cache's full state as of MaxLsn: enough to
// rebuild the page table, free list and segment accountant without
// replaying the log from its start. R is the embedder's own recovered
// value, folded across every page's most recently logged update.
type snapshot[F any, R any] struct {
	MaxLsn   uint64
	MaxPid   uint64
	Free     []uint64
	PT       map[uint64][]lidEntry
	Segments []*walog.SegmentRecord
	Recovery R
}

// AdvanceSnapshot walks the live page table and persists a fresh
// snapshot file, then installs it as the last snapshot; Recover only
// replays the log written since its MaxLsn. Every advance walks the
// whole table again. It is a no-op, not an error, if another advance
// is already in flight.
func (pc *PageCache[F, R]) AdvanceSnapshot() error {
	pc.log.Flush()
	if !pc.snapMu.TryLock() {
		return nil
	}
	defer pc.snapMu.Unlock()

	pc.log.SA().PauseRewriting()

	maxPid := pc.maxPid.Load()
	pt := make(map[uint64][]lidEntry, maxPid)
	var recovery R
	var haveRecovery bool
	var bestLsn uint64
	for pid := uint64(0); pid < maxPid; pid++ {
		stack := pc.table.Get(pid)
		if stack == nil {
			continue
		}
		head := stack.Head()
		if head == nil {
			continue
		}
		entries := fragstack.Entries(head)
		out := make([]lidEntry, len(entries))
		for i, e := range entries {
			out[i] = lidEntry{Kind: e.Kind, Lsn: e.Lsn, Lid: e.Lid}
			if r, ok := pc.mat.Recover(pc.rawFrag(pid, e)); ok {
				if !haveRecovery || e.Lsn > bestLsn {
					recovery, bestLsn, haveRecovery = r, e.Lsn, true
				}
			}
		}
		pt[pid] = out
	}

	pc.freeMu.Lock()
	free := append([]uint64(nil), pc.freeIDs...)
	pc.freeMu.Unlock()

	segs := pc.log.SA().Snapshot()

	if !haveRecovery && pc.lastSnapshot != nil {
		recovery = pc.lastSnapshot.Recovery
	}

	snap := &snapshot[F, R]{
		MaxLsn:   pc.log.StableOffset(),
		MaxPid:   maxPid,
		Free:     free,
		PT:       pt,
		Segments: segs,
		Recovery: recovery,
	}

	err := pc.writeSnapshotFile(snap)
	pc.log.SA().ResumeRewriting()
	if err != nil {
		return err
	}

	pc.lastSnapshot = snap
	return nil
}

// rawFrag returns the individual logged fragment an entry holds, the
// same per-update value the entry was pushed or replaced with,
// pulling it from the log if it has since been evicted from memory.
// This is deliberately not a page's merged value: the materializer's
// Recover hook is specified against one logged update at a time.
func (pc *PageCache[F, R]) rawFrag(pid uint64, e fragstack.Entry[F]) F {
	switch e.Kind {
	case fragstack.Resident, fragstack.MergedResident:
		return e.Frag
	default:
		return pc.pullOne(pid, e)
	}
}

func (pc *PageCache[F, R]) snapshotPath(maxLsn uint64) string {
	return filepath.Join(pc.cfg.Path, fmt.Sprintf("%s.%d", pc.cfg.SnapshotPrefix, maxLsn))
}

func (pc *PageCache[F, R]) writeSnapshotFile(snap *snapshot[F, R]) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return err
	}
	body := buf.Bytes()
	if pc.cfg.UseCompression {
		body = snappy.Encode(nil, body)
	}
	footer := make([]byte, 8)
	putUint64(footer, crc64.Checksum(body, crc64Table))

	final := pc.snapshotPath(snap.MaxLsn)
	tmp := final + tempSuffix

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(footer); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// readSnapshotFile finds and loads the newest complete snapshot file
// in cfg.Path, or returns a nil snapshot if there is none yet.
func (pc *PageCache[F, R]) readSnapshotFile() (*snapshot[F, R], error) {
	entries, err := os.ReadDir(pc.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	prefix := pc.cfg.SnapshotPrefix + "."
	var best string
	var bestLsn uint64
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasPrefix(name, prefix) || strings.HasSuffix(name, tempSuffix) {
			continue
		}
		lsn, err := strconv.ParseUint(strings.TrimPrefix(name, prefix), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || lsn > bestLsn {
			best, bestLsn = name, lsn
		}
	}
	if best == "" {
		return nil, nil
	}

	raw, err := os.ReadFile(filepath.Join(pc.cfg.Path, best))
	if err != nil {
		return nil, err
	}
	if len(raw) < 8 {
		return nil, wrapErr("read_snapshot", 0, ErrSnapshotCRCMismatch)
	}
	body, footer := raw[:len(raw)-8], raw[len(raw)-8:]
	if crc64.Checksum(body, crc64Table) != getUint64(footer) {
		return nil, wrapErr("read_snapshot", 0, ErrSnapshotCRCMismatch)
	}
	if pc.cfg.UseCompression {
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, err
		}
		body = decoded
	}

	var snap snapshot[F, R]
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Recover rebuilds the page cache from the newest on-disk snapshot
// plus whatever the log has recorded since, and returns the
// embedder's recovered value. When reattaching to an existing store,
// call this on the PageCache returned by Open before any other use.
func (pc *PageCache[F, R]) Recover() (R, error) {
	var zero R
	snap, err := pc.readSnapshotFile()
	if err != nil {
		return zero, err
	}
	// A nil snapshot just means nothing has ever been persisted yet;
	// recovery still proceeds by replaying the entire log from its
	// start against an empty baseline, the same loop that otherwise
	// only catches up the tail since the last snapshot.
	if snap == nil {
		snap = &snapshot[F, R]{Recovery: zero}
	}

	// Every coordinate a snapshot persisted is, by construction,
	// already durable on disk and nothing more: none of it was
	// re-read into memory while writing the snapshot, so it is loaded
	// back as Flush regardless of what kind it held at snapshot time.
	// Get pulls it back in on first access.
	pt := make(map[uint64][]lidEntry, len(snap.PT))
	for pid, e := range snap.PT {
		flattened := make([]lidEntry, len(e))
		for i, entry := range e {
			flattened[i] = lidEntry{Kind: fragstack.Flush, Lsn: entry.Lsn, Lid: entry.Lid}
		}
		pt[pid] = flattened
	}
	free := append([]uint64(nil), snap.Free...)
	maxPid := snap.MaxPid
	recovery := snap.Recovery

	// Segment liveness is rebuilt alongside pt rather than trusted from
	// the snapshot alone: a crash before the first snapshot ever ran
	// leaves snap.Segments empty, and the accountant still needs to
	// know which physical slots the replayed entries actually occupy
	// before it can safely hand any of them out again.
	segSize := uint64(pc.cfg.IOBufSize)
	segs := make(map[int]*walog.SegmentRecord, len(snap.Segments))
	for i, s := range snap.Segments {
		live := make(map[uint64]struct{}, len(s.Live))
		for pid := range s.Live {
			live[pid] = struct{}{}
		}
		segs[i] = &walog.SegmentRecord{BaseLsn: s.BaseLsn, State: s.State, Live: live}
	}
	ensureSeg := func(idx int, baseLsn uint64) *walog.SegmentRecord {
		s, ok := segs[idx]
		if !ok {
			s = &walog.SegmentRecord{BaseLsn: baseLsn, State: walog.SegActive, Live: make(map[uint64]struct{})}
			segs[idx] = s
		}
		return s
	}
	removeFromOldSegments := func(pid uint64, oldEntries []lidEntry) {
		seen := make(map[int]bool, len(oldEntries))
		for _, e := range oldEntries {
			idx := int(e.Lid / segSize)
			if seen[idx] {
				continue
			}
			seen[idx] = true
			if s, ok := segs[idx]; ok {
				delete(s.Live, pid)
			}
		}
	}

	startLid := snap.MaxLsn
	if segSize > 0 {
		startLid -= snap.MaxLsn % segSize
	}
	highestLsn := snap.MaxLsn

	it := pc.log.IterFrom(startLid)
	for {
		_, lsn, payload, lid, ok := it.Next()
		if !ok {
			break
		}
		if lsn < snap.MaxLsn {
			continue
		}
		if lsn > highestLsn {
			highestLsn = lsn
		}
		raw, err := pc.maybeDecompress(payload)
		if err != nil {
			break // torn tail past the last valid write; stop here
		}
		lu, err := decodeUpdate[F](raw)
		if err != nil {
			break
		}

		switch lu.Kind {
		case OpAlloc:
			pt[lu.Pid] = nil
			if lu.Pid >= maxPid {
				maxPid = lu.Pid + 1
			}
		case OpFree:
			removeFromOldSegments(lu.Pid, pt[lu.Pid])
			delete(pt, lu.Pid)
			free = append(free, lu.Pid)
		case OpAppend:
			pt[lu.Pid] = append([]lidEntry{{Kind: fragstack.Flush, Lsn: lsn, Lid: lid}}, pt[lu.Pid]...)
			ensureSeg(int(lid/segSize), lsn-lsn%segSize).Live[lu.Pid] = struct{}{}
			if r, ok := pc.mat.Recover(lu.Frag); ok {
				recovery = r
			}
		case OpCompact:
			removeFromOldSegments(lu.Pid, pt[lu.Pid])
			pt[lu.Pid] = []lidEntry{{Kind: fragstack.Flush, Lsn: lsn, Lid: lid}}
			ensureSeg(int(lid/segSize), lsn-lsn%segSize).Live[lu.Pid] = struct{}{}
			if r, ok := pc.mat.Recover(lu.Frag); ok {
				recovery = r
			}
		}
	}

	maxIdx := -1
	for idx := range segs {
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	segList := make([]*walog.SegmentRecord, maxIdx+1)
	for i := range segList {
		if s, ok := segs[i]; ok {
			segList[i] = s
		} else {
			segList[i] = &walog.SegmentRecord{State: walog.SegFree, Live: make(map[uint64]struct{})}
		}
	}

	pc.loadSnapshot(pt, free, maxPid)
	pc.log.SA().InitializeFromSegments(segList)

	// The new write head must start past every segment boundary
	// recovery just learned about, not at segment 0: InitializeFromSegments
	// just told the accountant those slots are occupied, so the fresh
	// IOBufs ring has to look that up through AllocateSlot rather than
	// an Open-time buffer that claimed slot 0 before any of this ran.
	nextSlotLsn := highestLsn
	if segSize > 0 {
		nextSlotLsn = ((highestLsn / segSize) + 1) * segSize
	}
	pc.log.Reopen(nextSlotLsn, pc.cfg.NumIOBufs)

	pc.lastSnapshot = &snapshot[F, R]{MaxLsn: snap.MaxLsn, MaxPid: maxPid, Free: free, PT: pt, Segments: segList, Recovery: recovery}
	return recovery, nil
}

// loadSnapshot installs pt/free/maxPid into a fresh page table. It is
// only safe to call before any caller can observe pc, matching
// fragstack.Stack.Install's own precondition.
func (pc *PageCache[F, R]) loadSnapshot(pt map[uint64][]lidEntry, free []uint64, maxPid uint64) {
	table := radix.New[F]()
	for pid, entries := range pt {
		chainEntries := make([]fragstack.Entry[F], len(entries))
		for i, e := range entries {
			chainEntries[i] = fragstack.Entry[F]{Kind: e.Kind, Lsn: e.Lsn, Lid: e.Lid}
		}
		stack := &fragstack.Stack[F]{}
		stack.Install(fragstack.Chain(chainEntries))
		_ = table.Insert(pid, stack)
	}
	pc.table = table
	pc.maxPid.Store(maxPid)

	pc.freeMu.Lock()
	pc.freeIDs = free
	pc.freeMu.Unlock()
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> uint(56-8*i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
