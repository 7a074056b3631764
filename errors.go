package bkv

import "errors"

// Caller errors, surfaced immediately with no side effects.
var (
	ErrValueTooLarge      = errors.New("bkv: value exceeds largest size class")
	ErrKeyTooLarge        = errors.New("bkv: key exceeds max_key_len")
	ErrCollisionSaturated = errors.New("bkv: bucket rehash exceeded max_rehash_attempts")
	ErrClosed             = errors.New("bkv: engine is closed")
)

// CorruptionError reports a structural problem found at open or replay time
// (bad CRC, impossible vid, vlen wider than its size class). It is never
// panicked; lookups of the affected key return it wrapped.
type CorruptionError struct {
	Detail string
	Err    error
}

func (e *CorruptionError) Error() string {
	if e.Err != nil {
		return "bkv: corruption: " + e.Detail + ": " + e.Err.Error()
	}
	return "bkv: corruption: " + e.Detail
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// IoError wraps an underlying I/O failure with the operation that triggered it.
type IoError struct {
	Op     string
	Detail string
	Err    error
}

func (e *IoError) Error() string {
	return "bkv: io error during " + e.Op + ": " + e.Detail
}

func (e *IoError) Unwrap() error { return e.Err }

func newIoError(op, detail string, err error) error {
	return &IoError{Op: op, Detail: detail, Err: err}
}

func newCorruptionError(detail string, err error) error {
	return &CorruptionError{Detail: detail, Err: err}
}
