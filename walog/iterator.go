package walog

// Iter walks a sequence of segments starting from a given physical
// offset, yielding one message at a time. It stops the moment it hits
// anything inconsistent with a clean write: a missing/invalid segment
// header, a message whose checksum fails, or a sealed segment lacking
// a valid trailer. Per the segment lifecycle, only the very last
// segment written before a crash can ever be torn this way; everything
// before it was already sealed and trailer-stamped.
type Iter struct {
	store   Store
	segSize uint64

	segBase uint64
	segEnd  uint64 // offset of the trailer's first byte
	lid     uint64
	stopped bool
}

// NewIterator creates an iterator starting at startLid, which must
// fall within a well-formed segment (normally 0 for a full scan, or a
// snapshot's recorded tail position for incremental recovery).
func NewIterator(store Store, segSize uint64, startLid uint64) *Iter {
	base := (startLid / segSize) * segSize
	return &Iter{
		store:   store,
		segSize: segSize,
		segBase: base,
		segEnd:  base + segSize - SegTrailerLen,
		lid:     startLid,
	}
}

// Next returns the next Flush message in log order, skipping Zeroed
// filler/aborted records transparently. ok is false once the log tail
// (possibly torn) has been reached; there is nothing more to read.
func (it *Iter) Next() (kind Kind, lsn uint64, payload []byte, lid uint64, ok bool) {
	if it.stopped {
		return 0, 0, nil, 0, false
	}

	for {
		if it.lid == it.segBase {
			hdrBuf := make([]byte, SegHeaderLen)
			if _, err := it.store.ReadAt(hdrBuf, int64(it.segBase)); err != nil {
				it.stopped = true
				return 0, 0, nil, 0, false
			}
			if _, segOK := DecodeSegmentHeader(hdrBuf); !segOK {
				it.stopped = true
				return 0, 0, nil, 0, false
			}
			it.lid = it.segBase + SegHeaderLen
		}

		if it.lid+uint64(MsgHeaderLen) > it.segEnd {
			trailerBuf := make([]byte, SegTrailerLen)
			if _, err := it.store.ReadAt(trailerBuf, int64(it.segEnd)); err != nil {
				it.stopped = true
				return 0, 0, nil, 0, false
			}
			_, sealedOK, valid := DecodeSegmentTrailer(trailerBuf)
			if !valid || !sealedOK {
				it.stopped = true
				return 0, 0, nil, 0, false
			}
			it.segBase += it.segSize
			it.segEnd = it.segBase + it.segSize - SegTrailerLen
			it.lid = it.segBase
			continue
		}

		hdrBuf := make([]byte, MsgHeaderLen)
		if _, err := it.store.ReadAt(hdrBuf, int64(it.lid)); err != nil {
			it.stopped = true
			return 0, 0, nil, 0, false
		}
		hdr, hdrOK := DecodeMessageHeader(hdrBuf)
		if !hdrOK || it.lid+uint64(MsgHeaderLen)+uint64(hdr.Length) > it.segEnd {
			it.stopped = true
			return 0, 0, nil, 0, false
		}

		record := make([]byte, MsgHeaderLen+int(hdr.Length))
		if _, err := it.store.ReadAt(record, int64(it.lid)); err != nil {
			it.stopped = true
			return 0, 0, nil, 0, false
		}
		if !VerifyMessageCRC(record) {
			it.stopped = true
			return 0, 0, nil, 0, false
		}

		entryLid := it.lid
		it.lid += uint64(MsgHeaderLen) + uint64(hdr.Length)
		if hdr.Kind == KindZeroed {
			continue
		}
		return hdr.Kind, hdr.Lsn, record[MsgHeaderLen:], entryLid, true
	}
}
