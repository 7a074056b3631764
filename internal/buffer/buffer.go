// Package buffer implements the KV buffer of spec.md §4.5: a newest-first
// ordered list of per-WAL-segment maps. Point lookups only - no ordered
// iteration - per spec.md's Non-goals, so this drops the teacher's
// memtable.Memtable[K,V] skip-list shape entirely but keeps its
// Put/Delete surface (with Lookup in place of Get), specialized to []byte
// keys and a fixed Entry value instead of a type parameter.
package buffer

import (
	"iter"
	"sync"
)

// Entry is what the buffer remembers about a key within one segment: its
// raw value (not yet written to the value store - that only happens at
// flush time, spec.md §4.6) or that it was deleted.
type Entry struct {
	Deleted bool
	Value   []byte
}

type segment struct {
	seq uint64
	m   map[string]Entry
}

// List is the ordered, newest-first list of buffer maps. segments[0] is
// always the active (currently being written) segment.
type List struct {
	mu       sync.RWMutex
	segments []*segment
}

// NewList returns an empty buffer with no active segment; NewSegment must
// be called once before Put/Delete.
func NewList() *List {
	return &List{}
}

// NewSegment makes seq the new active segment, shadowing everything
// already in the list. Called whenever the WAL rotates.
func (l *List) NewSegment(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.segments = append([]*segment{{seq: seq, m: make(map[string]Entry)}}, l.segments...)
}

func (l *List) activeLocked() *segment {
	if len(l.segments) == 0 {
		l.segments = append(l.segments, &segment{seq: 0, m: make(map[string]Entry)})
	}
	return l.segments[0]
}

// Put records key's new value in the active segment's map.
func (l *List) Put(key, value []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activeLocked().m[string(key)] = Entry{Value: append([]byte(nil), value...)}
}

// Delete records a tombstone for key in the active segment's map.
func (l *List) Delete(key []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activeLocked().m[string(key)] = Entry{Deleted: true}
}

// Lookup scans newest-first and returns the first match. found is false
// when the key appears in no buffer map at all, meaning the caller must
// consult the key store next.
func (l *List) Lookup(key []byte) (e Entry, found bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	k := string(key)
	for _, seg := range l.segments {
		if e, ok := seg.m[k]; ok {
			return e, true
		}
	}
	return Entry{}, false
}

// DropSegment removes seq's map once the flusher has durably applied every
// record it holds (spec.md §4.6's final step).
func (l *List) DropSegment(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, seg := range l.segments {
		if seg.seq == seq {
			l.segments = append(l.segments[:i], l.segments[i+1:]...)
			return
		}
	}
}

// SegmentEntries iterates a sealed segment's map. Safe to call without
// holding any lock across iteration: once a segment is no longer
// segments[0] it never receives further writes.
func (l *List) SegmentEntries(seq uint64) iter.Seq2[string, Entry] {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, seg := range l.segments {
		if seg.seq == seq {
			m := seg.m
			return func(yield func(string, Entry) bool) {
				for k, v := range m {
					if !yield(k, v) {
						return
					}
				}
			}
		}
	}
	return func(yield func(string, Entry) bool) {}
}

// Len reports how many segment maps are currently buffered, used by
// Engine.Stats().
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.segments)
}
