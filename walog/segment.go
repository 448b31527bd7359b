package walog

import (
	"encoding/binary"
	"hash/crc32"
)

// SegmentState is the four-state lifecycle a physical segment slot
// moves through, from the segment accountant's point of view.
type SegmentState uint8

const (
	SegFree SegmentState = iota
	SegActive
	SegInactive
	SegDraining
)

func (s SegmentState) String() string {
	switch s {
	case SegFree:
		return "free"
	case SegActive:
		return "active"
	case SegInactive:
		return "inactive"
	case SegDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// segMagic marks the start of every segment's header so recovery can
// tell a real segment boundary from a stretch of zero bytes left by a
// truncated file.
const segMagic = 0x454d4252 // "EMBR"

// SegHeaderLen is magic(4) + base lsn(8) + crc32(4).
const SegHeaderLen = 16

// SegTrailerLen is ok-flag(1) + base lsn(8) + crc32(4).
const SegTrailerLen = 13

// EncodeSegmentHeader builds the fixed header written at offset zero
// of every segment, identifying its base Lsn.
func EncodeSegmentHeader(baseLsn uint64) []byte {
	out := make([]byte, SegHeaderLen)
	binary.BigEndian.PutUint32(out[0:4], segMagic)
	binary.BigEndian.PutUint64(out[4:12], baseLsn)
	crc := crc32.Checksum(out[0:12], crcTable)
	binary.BigEndian.PutUint32(out[12:16], crc)
	return out
}

// DecodeSegmentHeader validates and parses a segment header.
func DecodeSegmentHeader(buf []byte) (baseLsn uint64, ok bool) {
	if len(buf) < SegHeaderLen {
		return 0, false
	}
	if binary.BigEndian.Uint32(buf[0:4]) != segMagic {
		return 0, false
	}
	crc := binary.BigEndian.Uint32(buf[12:16])
	if crc32.Checksum(buf[0:12], crcTable) != crc {
		return 0, false
	}
	return binary.BigEndian.Uint64(buf[4:12]), true
}

// EncodeSegmentTrailer builds the fixed trailer written at the end of
// a segment once every reservation into it has been drained. ok is
// false for a segment abandoned mid-write (e.g. process killed before
// the trailer could be written); recovery treats a missing or invalid
// trailer the same way, as a torn segment whose tail is discarded.
func EncodeSegmentTrailer(baseLsn uint64, ok bool) []byte {
	out := make([]byte, SegTrailerLen)
	if ok {
		out[0] = 1
	}
	binary.BigEndian.PutUint64(out[1:9], baseLsn)
	crc := crc32.Checksum(out[0:9], crcTable)
	binary.BigEndian.PutUint32(out[9:13], crc)
	return out
}

// DecodeSegmentTrailer validates and parses a segment trailer.
func DecodeSegmentTrailer(buf []byte) (baseLsn uint64, sealedOK bool, valid bool) {
	if len(buf) < SegTrailerLen {
		return 0, false, false
	}
	crc := binary.BigEndian.Uint32(buf[9:13])
	if crc32.Checksum(buf[0:9], crcTable) != crc {
		return 0, false, false
	}
	return binary.BigEndian.Uint64(buf[1:9]), buf[0] == 1, true
}

// SegmentRecord is the persisted, serializable view of one segment's
// bookkeeping: enough to seed a fresh Accountant after recovery, or to
// describe a segment's state as of the last snapshot. It is built up
// independently by two call sites that both derive it from the same
// facts: the live Accountant (updated as writes land, and copied out
// by Accountant.Snapshot when a snapshot advances) and the page
// cache's Recover (replaying the log tail into its own records).
type SegmentRecord struct {
	BaseLsn uint64
	State   SegmentState
	Live    map[uint64]struct{}
}

func newSegmentRecord(baseLsn uint64) *SegmentRecord {
	return &SegmentRecord{BaseLsn: baseLsn, State: SegFree, Live: make(map[uint64]struct{})}
}

// EnsureInitialized lazily assigns this slot its base Lsn and flips it
// free->active on the first write it ever sees.
func (r *SegmentRecord) EnsureInitialized(baseLsn uint64) {
	if r.State == SegFree {
		r.BaseLsn = baseLsn
		r.State = SegActive
	}
}

// InsertPID records that pid has a live fragment in this segment.
func (r *SegmentRecord) InsertPID(pid uint64) {
	r.Live[pid] = struct{}{}
}

// RemovePID drops pid's fragment from this segment's live set. It does
// not decide reclaimability on its own: a segment emptied while
// draining is only actually free once every Lsn written into it is
// also durable, a fact only the Accountant (via its stable-offset
// callback) can check. See Accountant.maybeFreeDraining.
func (r *SegmentRecord) RemovePID(pid uint64) {
	delete(r.Live, pid)
}

// IsEmpty reports whether no page still has a fragment in this
// segment.
func (r *SegmentRecord) IsEmpty() bool {
	return len(r.Live) == 0
}

// ActiveToInactive marks this segment sealed and no longer the write
// head. A segment with no live pages at all needs no cleaning and goes
// straight to free.
func (r *SegmentRecord) ActiveToInactive() {
	if r.State != SegActive {
		return
	}
	if r.IsEmpty() {
		r.State = SegFree
	} else {
		r.State = SegInactive
	}
}

// clone deep-copies a record, so that records handed in by
// InitializeFromSegments or out by Snapshot share no state with the
// live accountant.
func (r *SegmentRecord) clone() *SegmentRecord {
	c := &SegmentRecord{BaseLsn: r.BaseLsn, State: r.State, Live: make(map[uint64]struct{}, len(r.Live))}
	for pid := range r.Live {
		c.Live[pid] = struct{}{}
	}
	return c
}
