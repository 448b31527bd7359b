package walog

import (
	"fmt"
	"sync"

	uatomic "go.uber.org/atomic"
)

// packed header layout: [sealed:1][writers:31][offset:32], matching
// the single-word reserve/seal/drain scheme the design calls for so a
// writer claiming space and a sealer closing the buffer never need a
// lock to agree on either fact.
const (
	offsetBits  = 32
	offsetMask  = (uint64(1) << offsetBits) - 1
	writersBits = 31
	writersMask = (uint64(1) << writersBits) - 1
	sealedBit   = uint64(1) << 63
)

func packHeader(sealed bool, writers uint32, offset uint32) uint64 {
	h := uint64(offset) & offsetMask
	h |= (uint64(writers) & writersMask) << offsetBits
	if sealed {
		h |= sealedBit
	}
	return h
}

func unpackHeader(h uint64) (sealed bool, writers uint32, offset uint32) {
	sealed = h&sealedBit != 0
	writers = uint32((h >> offsetBits) & writersMask)
	offset = uint32(h & offsetMask)
	return
}

// ioBuf is one rotating buffer backing a single physical segment while
// it is being filled. Its header is the single word that reservation,
// sealing and drain-detection all CAS against.
type ioBuf struct {
	header  uatomic.Uint64
	baseLsn uint64
	baseLid uint64
	buf     []byte
}

func (b *ioBuf) reset(baseLsn, baseLid uint64, size int) {
	b.baseLsn = baseLsn
	b.baseLid = baseLid
	if cap(b.buf) < size {
		b.buf = make([]byte, size)
	} else {
		b.buf = b.buf[:size]
		for i := range b.buf {
			b.buf[i] = 0
		}
	}
	b.header.Store(0)
}

// tryReserve claims n bytes starting at the buffer's current offset.
// It returns ok=false either because the buffer is already sealed, or
// because n doesn't fit before the trailer region, in which case it
// cooperatively seals the buffer on its caller's behalf so only one
// rotation happens per buffer.
func (b *ioBuf) tryReserve(n uint32) (offset uint32, ok bool) {
	for {
		h := b.header.Load()
		sealed, writers, off := unpackHeader(h)
		if sealed {
			return 0, false
		}
		if uint64(off)+uint64(n)+uint64(SegTrailerLen) > uint64(len(b.buf)) {
			nh := packHeader(true, writers, off)
			b.header.CompareAndSwap(h, nh)
			return 0, false
		}
		nh := packHeader(false, writers+1, off+n)
		if b.header.CompareAndSwap(h, nh) {
			return off, true
		}
	}
}

// releaseWriter records that one writer finished copying its payload
// in. It returns drained=true when this was the last outstanding
// writer against an already-sealed buffer, meaning the caller is
// responsible for finalizing and writing the segment back.
func (b *ioBuf) releaseWriter() (drained bool) {
	for {
		h := b.header.Load()
		sealed, writers, off := unpackHeader(h)
		nw := writers - 1
		nh := packHeader(sealed, nw, off)
		if b.header.CompareAndSwap(h, nh) {
			return sealed && nw == 0
		}
	}
}

func (b *ioBuf) usedLen() uint32 {
	_, _, off := unpackHeader(b.header.Load())
	return off
}

// IOBufs is the rotating pool of write buffers the log facade reserves
// space from. Exactly one buffer is ever "current" at a time; once it
// seals, the next Reserve call installs a fresh one in its place.
type IOBufs struct {
	store   Store
	sa      *Accountant
	segSize uint32

	bufs    []*ioBuf
	current uatomic.Uint32

	nextBaseLsn uatomic.Uint64
	stable      uatomic.Uint64

	mu sync.Mutex
}

// NewIOBufs creates a ring of numBufs buffers of segSize bytes each,
// writing into store, with the first segment starting at startLsn.
func NewIOBufs(store Store, sa *Accountant, segSize uint32, numBufs int, startLsn uint64) *IOBufs {
	ib := &IOBufs{store: store, sa: sa, segSize: segSize, bufs: make([]*ioBuf, numBufs)}
	ib.nextBaseLsn.Store(startLsn)
	for i := range ib.bufs {
		ib.bufs[i] = &ioBuf{}
	}
	ib.installFresh(0)
	return ib
}

// installFresh assigns buffer idx a brand new segment: a fresh base
// Lsn, a physical slot from the accountant, and the segment header
// pre-written at its start.
func (ib *IOBufs) installFresh(idx int) {
	slot := ib.sa.AllocateSlot()
	baseLid := uint64(slot) * uint64(ib.segSize)
	baseLsn := ib.nextBaseLsn.Add(uint64(ib.segSize)) - uint64(ib.segSize)

	b := ib.bufs[idx]
	b.reset(baseLsn, baseLid, int(ib.segSize))
	hdr := EncodeSegmentHeader(baseLsn)
	copy(b.buf[:SegHeaderLen], hdr)
	b.header.Store(packHeader(false, 0, uint32(SegHeaderLen)))
}

// Reservation is a claimed, not-yet-written span of one segment. The
// caller must call Complete or Abort exactly once; Go has no
// destructor to fall back on the way the original relied on Drop, so
// an unfinished reservation simply holds its buffer from draining
// until the process notices the leak.
type Reservation struct {
	ib     *IOBufs
	bufIdx int
	dest   []byte
	lsn    uint64
	lid    uint64
}

func (r *Reservation) Lsn() uint64 { return r.lsn }
func (r *Reservation) Lid() uint64 { return r.lid }

// Complete writes payload as a Flush message into the reserved span.
func (r *Reservation) Complete(payload []byte) error {
	if len(payload) != len(r.dest)-MsgHeaderLen {
		return errWrongPayloadLen
	}
	copy(r.dest, EncodeMessage(KindFlush, r.lsn, payload))
	r.ib.release(r.bufIdx)
	return nil
}

// Abort writes a Zeroed marker into the reserved span instead of real
// data, used when the caller decided not to go through with the write
// after already reserving space for it (e.g. a failed CAS upstream).
func (r *Reservation) Abort() error {
	payload := make([]byte, len(r.dest)-MsgHeaderLen)
	copy(r.dest, EncodeMessage(KindZeroed, r.lsn, payload))
	r.ib.release(r.bufIdx)
	return nil
}

var errWrongPayloadLen = wrapErr("complete", 0, ErrMessageTooLarge)

// Reserve claims n bytes of payload (MsgHeaderLen added automatically)
// from the current buffer, rotating to a fresh buffer and segment as
// many times as needed if the current one doesn't have room.
func (ib *IOBufs) Reserve(payloadLen int) (*Reservation, error) {
	n := uint32(MsgHeaderLen + payloadLen)
	if n+uint32(SegTrailerLen)+uint32(SegHeaderLen) > ib.segSize {
		return nil, ErrMessageTooLarge
	}
	for {
		idx := ib.current.Load()
		buf := ib.bufs[idx]
		off, ok := buf.tryReserve(n)
		if ok {
			lsn := buf.baseLsn + uint64(off)
			lid := buf.baseLid + uint64(off)
			return &Reservation{
				ib:     ib,
				bufIdx: int(idx),
				dest:   buf.buf[off : off+n],
				lsn:    lsn,
				lid:    lid,
			}, nil
		}
		ib.rotate(idx)
	}
}

// rotate installs a fresh buffer in the slot after sealedIdx, once,
// even if many writers observe the same sealed buffer concurrently.
func (ib *IOBufs) rotate(sealedIdx uint32) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if ib.current.Load() != sealedIdx {
		return // someone else already rotated
	}
	nextIdx := (sealedIdx + 1) % uint32(len(ib.bufs))
	ib.installFresh(int(nextIdx))
	ib.current.Store(nextIdx)
	ib.sa.ActiveToInactive(ib.bufs[sealedIdx].baseLid)
}

// release accounts for one writer finishing its copy into bufIdx,
// finalizing and flushing the segment to the store once every writer
// that reserved space in it has finished.
func (ib *IOBufs) release(bufIdx int) {
	b := ib.bufs[bufIdx]
	if !b.releaseWriter() {
		return
	}
	ib.finalize(b)
}

// finalize fills the unused tail of a drained, sealed buffer with a
// Zeroed filler record so a reader can skip it as one unit, appends
// the segment trailer, and writes the whole fixed-size segment to the
// store. A write or sync failure here is fatal: the stable watermark
// must never advance past a segment that isn't actually durable, and
// there is no caller in a position to retry a partially-written
// segment, so this panics rather than pretending the segment landed.
func (ib *IOBufs) finalize(b *ioBuf) {
	used := b.usedLen()
	capEnd := uint32(len(b.buf)) - SegTrailerLen
	if capEnd > used {
		gap := capEnd - used
		if gap >= MsgHeaderLen {
			filler := EncodeMessage(KindZeroed, 0, make([]byte, gap-MsgHeaderLen))
			copy(b.buf[used:capEnd], filler)
		}
	}
	trailer := EncodeSegmentTrailer(b.baseLsn, true)
	copy(b.buf[capEnd:], trailer)

	if _, err := ib.store.WriteAt(b.buf, int64(b.baseLid)); err != nil {
		panic(fmt.Sprintf("walog: fatal write failure for segment at lid %d: %v", b.baseLid, err))
	}
	if err := ib.store.Sync(); err != nil {
		panic(fmt.Sprintf("walog: fatal sync failure for segment at lid %d: %v", b.baseLid, err))
	}

	stableThrough := b.baseLsn + uint64(len(b.buf))
	for {
		cur := ib.stable.Load()
		if cur >= stableThrough {
			break
		}
		if ib.stable.CompareAndSwap(cur, stableThrough) {
			break
		}
	}
}

// StableOffset returns the highest Lsn known to be durable: every
// segment up to and including it has been fully written and synced.
func (ib *IOBufs) StableOffset() uint64 {
	return ib.stable.Load()
}
