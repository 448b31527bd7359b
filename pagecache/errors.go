package pagecache

import "github.com/pkg/errors"

var (
	ErrNotFound            = errors.New("pagecache: page not found")
	ErrCASConflict         = errors.New("pagecache: cas conflict, retry with the observed head")
	ErrSnapshotCRCMismatch = errors.New("pagecache: snapshot footer crc mismatch")
)

// CacheError wraps a sentinel with the page id an operation was acting
// on, in the style of the buffer pool's BufferPoolError.
type CacheError struct {
	Op  string
	Pid uint64
	Err error
}

func (e *CacheError) Error() string {
	return errors.Wrapf(e.Err, "pagecache: %s on page %d", e.Op, e.Pid).Error()
}

func (e *CacheError) Unwrap() error { return e.Err }

func wrapErr(op string, pid uint64, err error) error {
	if err == nil {
		return nil
	}
	return &CacheError{Op: op, Pid: pid, Err: err}
}
