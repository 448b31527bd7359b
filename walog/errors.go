package walog

import "github.com/pkg/errors"

// Sentinel errors, in the style of the buffer pool's errors.go: plain
// vars for callers to compare against with errors.Is, plus a wrapper
// type for attaching context.
var (
	ErrBufferSealed    = errors.New("walog: buffer sealed, retry on next buffer")
	ErrMessageTooLarge = errors.New("walog: message larger than one segment")
	ErrCorrupt         = errors.New("walog: corrupt record")
	ErrTornSegment      = errors.New("walog: segment trailer missing or invalid")
	ErrReservationDone = errors.New("walog: reservation already completed or aborted")
	ErrOutOfSegments    = errors.New("walog: no free segment slot available")
)

// LogError wraps a sentinel with the log coordinates it happened at,
// mirroring the buffer pool's <Name>Error wrapper convention.
type LogError struct {
	Op  string
	Lid uint64
	Err error
}

func (e *LogError) Error() string {
	return errors.Wrapf(e.Err, "walog: %s at lid %d", e.Op, e.Lid).Error()
}

func (e *LogError) Unwrap() error { return e.Err }

func wrapErr(op string, lid uint64, err error) error {
	if err == nil {
		return nil
	}
	return &LogError{Op: op, Lid: lid, Err: err}
}
