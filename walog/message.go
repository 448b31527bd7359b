package walog

import (
	"encoding/binary"
	"hash/crc32"
)

// Kind discriminates the three on-disk message shapes the log writes.
// Zeroed covers both an explicitly aborted reservation and the filler
// record a sealed buffer writes over its own unused tail, so a reader
// can skip either case the same way: by length, not by content.
type Kind uint8

const (
	KindZeroed Kind = iota
	KindFlush
	KindFailed
)

// MsgHeaderLen is crc32(4) + kind(1) + length(4) + lsn(8).
const MsgHeaderLen = 17

// crcTable is the Castagnoli polynomial, the same one the corpus's WAL
// segment reader uses for its own per-record checksums.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// EncodeMessage lays out a complete on-disk record: header followed by
// payload, with the header's crc32 covering kind+length+lsn+payload
// (everything after the crc field itself).
func EncodeMessage(kind Kind, lsn uint64, payload []byte) []byte {
	out := make([]byte, MsgHeaderLen+len(payload))
	out[4] = byte(kind)
	binary.BigEndian.PutUint32(out[5:9], uint32(len(payload)))
	binary.BigEndian.PutUint64(out[9:17], lsn)
	copy(out[MsgHeaderLen:], payload)
	crc := crc32.Checksum(out[4:], crcTable)
	binary.BigEndian.PutUint32(out[0:4], crc)
	return out
}

// MessageHeader is the parsed fixed-size prefix of a record.
type MessageHeader struct {
	Crc32  uint32
	Kind   Kind
	Length uint32
	Lsn    uint64
}

// DecodeMessageHeader parses the fixed header without validating the
// crc, since the crc also covers the payload which the caller may not
// have read yet.
func DecodeMessageHeader(buf []byte) (MessageHeader, bool) {
	if len(buf) < MsgHeaderLen {
		return MessageHeader{}, false
	}
	return MessageHeader{
		Crc32:  binary.BigEndian.Uint32(buf[0:4]),
		Kind:   Kind(buf[4]),
		Length: binary.BigEndian.Uint32(buf[5:9]),
		Lsn:    binary.BigEndian.Uint64(buf[9:17]),
	}, true
}

// VerifyMessageCRC checks a full record (header + payload) against its
// stored checksum.
func VerifyMessageCRC(record []byte) bool {
	if len(record) < MsgHeaderLen {
		return false
	}
	want := binary.BigEndian.Uint32(record[0:4])
	got := crc32.Checksum(record[4:], crcTable)
	return want == got
}
