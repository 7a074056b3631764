package wal

import (
	"io"
	"iter"
	"os"
)

// Reader sequentially decodes records from a sealed segment file, adapted
// from the teacher's WALReader.Iter - an iter.Seq2 that yields a decoded
// record or a terminal error and stops.
type Reader struct {
	f      *os.File
	offset int64
}

// NewReader wraps an already-open segment file.
func NewReader(f *os.File) *Reader {
	return &Reader{f: f}
}

// All replays every well-formed record in order. On a corrupt trailing
// record (the crash-mid-write case spec.md §4.7 describes) it stops
// silently instead of yielding an error, since a torn last record is
// expected, not exceptional; Offset() after iteration reports exactly
// how many bytes were good, for the caller to truncate the segment to.
func (r *Reader) All() iter.Seq[*Record] {
	return func(yield func(*Record) bool) {
		for {
			rec, n, err := Decode(r.f)
			if err == io.EOF {
				return
			}
			if err != nil {
				// Corrupt tail: stop here, leave Offset() at the last
				// good record boundary.
				return
			}
			r.offset += int64(n)
			if !yield(rec) {
				return
			}
		}
	}
}

// Offset returns the byte offset immediately after the last record
// successfully decoded by All.
func (r *Reader) Offset() int64 { return r.offset }

// Close closes the underlying file.
func (r *Reader) Close() error { return r.f.Close() }
