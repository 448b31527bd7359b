package walog

import "runtime"

// Log is the facade the page cache talks to: reserve space, write and
// read messages by their physical coordinates, iterate the whole log
// or a tail of it, and track durability. Everything below Log (the
// buffer ring, the segment accountant, the iterator) is reusable on
// its own, but callers outside this package should only ever need
// this type.
type Log struct {
	ib      *IOBufs
	sa      *Accountant
	store   Store
	segSize uint32
}

// Open creates a Log writing fixed-size segments of segSize bytes into
// store through a ring of numBufs rotating buffers, with the next
// write starting at startLsn (0 for a brand new log; the stable offset
// recorded in the last snapshot when resuming one).
func Open(store Store, segSize uint32, numBufs int, startLsn uint64) *Log {
	sa := NewAccountant(uint64(segSize))
	ib := NewIOBufs(store, sa, segSize, numBufs, startLsn)
	sa.SetStableOffsetFunc(ib.StableOffset)
	return &Log{ib: ib, sa: sa, store: store, segSize: segSize}
}

// SA returns the segment accountant backing this log, so the page
// cache's cleaner can call Clean/PauseRewriting/ResumeRewriting on it.
func (l *Log) SA() *Accountant { return l.sa }

// Reopen replaces the write-buffer ring with a fresh one starting at
// startLsn. Recovery calls this after seeding the segment accountant
// from replayed state: the accountant's slot bookkeeping has to be
// accurate before the new write head claims a physical slot through
// it, otherwise a freshly installed buffer (always slot 0 on a plain
// Open) could claim a slot recovery just learned still holds live
// pages.
func (l *Log) Reopen(startLsn uint64, numBufs int) {
	l.ib = NewIOBufs(l.store, l.sa, l.segSize, numBufs, startLsn)
	l.sa.SetStableOffsetFunc(l.ib.StableOffset)
}

// Reserve claims space for a payloadLen-byte message without writing
// it yet. The caller must Complete or Abort the returned reservation.
func (l *Log) Reserve(payloadLen int) (*Reservation, error) {
	return l.ib.Reserve(payloadLen)
}

// Write reserves and immediately completes a message in one call, the
// common case for callers that already have the full payload in hand.
func (l *Log) Write(payload []byte) (lsn, lid uint64, err error) {
	r, err := l.ib.Reserve(len(payload))
	if err != nil {
		return 0, 0, err
	}
	if err := r.Complete(payload); err != nil {
		return 0, 0, err
	}
	return r.Lsn(), r.Lid(), nil
}

// Read fetches and CRC-validates the message at physical offset lid.
func (l *Log) Read(lid uint64) (kind Kind, lsn uint64, payload []byte, err error) {
	hdrBuf := make([]byte, MsgHeaderLen)
	if _, err := l.store.ReadAt(hdrBuf, int64(lid)); err != nil {
		return 0, 0, nil, wrapErr("read", lid, err)
	}
	hdr, ok := DecodeMessageHeader(hdrBuf)
	if !ok {
		return 0, 0, nil, wrapErr("read", lid, ErrCorrupt)
	}
	record := make([]byte, MsgHeaderLen+int(hdr.Length))
	if _, err := l.store.ReadAt(record, int64(lid)); err != nil {
		return 0, 0, nil, wrapErr("read", lid, err)
	}
	if !VerifyMessageCRC(record) {
		return 0, 0, nil, wrapErr("read", lid, ErrCorrupt)
	}
	return hdr.Kind, hdr.Lsn, record[MsgHeaderLen:], nil
}

// IterFrom returns an iterator over every Flush message from lid
// forward, stopping at the first sign of a torn or not-yet-written
// tail.
func (l *Log) IterFrom(lid uint64) *Iter {
	return NewIterator(l.store, uint64(l.segSize), lid)
}

// StableOffset returns the highest Lsn known to be durable on disk.
func (l *Log) StableOffset() uint64 {
	return l.ib.StableOffset()
}

// Flush forces the current buffer to seal and, if already drained,
// write back immediately, rather than waiting for it to fill. Segments
// always seal eventually on their own as writers fill them; Flush
// exists for callers (snapshotting, shutdown) that need the tail
// durable right now.
func (l *Log) Flush() {
	idx := l.ib.current.Load()
	buf := l.ib.bufs[idx]
	for {
		h := buf.header.Load()
		sealed, writers, off := unpackHeader(h)
		if sealed {
			return
		}
		nh := packHeader(true, writers, off)
		if buf.header.CompareAndSwap(h, nh) {
			if writers == 0 {
				l.ib.finalize(buf)
			}
			return
		}
	}
}

// MakeStable blocks until StableOffset has reached at least lsn,
// forcing flushes of the current buffer as needed.
func (l *Log) MakeStable(lsn uint64) {
	for l.ib.StableOffset() < lsn {
		l.Flush()
		runtime.Gosched()
	}
}
