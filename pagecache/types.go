package pagecache

import (
	"bytes"
	"encoding/gob"
	"io"

	"github.com/pierrec/lz4/v4"
)

// Materializer is the caller-supplied fragment algebra. F is the
// fragment type a caller logs; R is whatever value Recover produces
// during snapshot rebuilding, opaque to this package.
type Materializer[F any, R any] interface {
	// Merge folds an oldest-first list of fragments into the page's
	// current materialized value. Must be total and deterministic.
	Merge(frags []F) F
	// Recover is invoked once per Append/Compact entry while rebuilding
	// a snapshot. Among the calls that return ok, the one for the most
	// recent (lsn, lid)-ordered entry wins.
	Recover(frag F) (R, bool)
}

// OpKind discriminates the four logged update shapes a page's history
// can contain.
type OpKind uint8

const (
	OpAlloc OpKind = iota
	OpFree
	OpAppend
	OpCompact
)

// LoggedUpdate is the payload written to the log for every page
// operation. F must be gob-encodable (exported fields only); this is
// the one serialization format this package assumes, matching the
// snapshot file's own use of encoding/gob.
type LoggedUpdate[F any] struct {
	Pid  uint64
	Kind OpKind
	Frag F
}

func encodeUpdate[F any](u LoggedUpdate[F]) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(u); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeUpdate[F any](b []byte) (LoggedUpdate[F], error) {
	var u LoggedUpdate[F]
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&u)
	return u, err
}

// compressPayload and decompressPayload wrap per-message log payloads
// in lz4 when the embedder asked for it. Snapshot bodies use a
// different codec (snappy, see snapshot.go) since they are compressed
// and checksummed as one large block rather than many small messages.
func compressPayload(raw []byte) []byte {
	out := make([]byte, lz4.CompressBlockBound(len(raw)))
	var c lz4.Compressor
	n, err := c.CompressBlock(raw, out)
	if err != nil || n == 0 {
		// incompressible or too small to benefit; store raw with a
		// zero-length prefix sentinel handled by decompressPayload.
		return append([]byte{0, 0, 0, 0}, raw...)
	}
	header := make([]byte, 4)
	putUint32(header, uint32(len(raw)))
	return append(header, out[:n]...)
}

func decompressPayload(packed []byte) ([]byte, error) {
	if len(packed) < 4 {
		return nil, io.ErrUnexpectedEOF
	}
	rawLen := getUint32(packed[:4])
	if rawLen == 0 {
		return packed[4:], nil
	}
	out := make([]byte, rawLen)
	n, err := lz4.UncompressBlock(packed[4:], out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
