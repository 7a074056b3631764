// Package walseg manages the WAL's rotating segment files. Adapted from the
// teacher's segmentmanager/disk.go: same functional-options construction,
// same mutex-guarded active file + size-triggered rotation, same
// regexp-based directory rescan on reopen - renamed to the wal.<seq>
// layout and segment lifecycle from spec.md §3/§4.6 (active -> sealed ->
// flushing -> retired) instead of the teacher's flat segment-%04d.log
// rotation.
package walseg

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
)

// DefaultMaxSegmentBytes is wal_segment_bytes' default (spec.md §6).
const DefaultMaxSegmentBytes = 4 << 20

var segmentFilePattern = regexp.MustCompile(`^wal\.(\d+)$`)

// Manager owns the active WAL segment and knows how to rotate it. It does
// not know about flushing or retirement; the flusher removes a sealed
// segment via Remove once its contents are durable in the stores.
type Manager struct {
	mu              sync.Mutex
	dir             string
	active          *os.File
	activeSeq       uint64
	maxSegmentBytes int64
}

// Option configures a Manager, mirroring the teacher's
// DiskSegmentManagerOption shape.
type Option func(*Manager)

// WithMaxSegmentBytes overrides wal_segment_bytes.
func WithMaxSegmentBytes(n int64) Option {
	return func(m *Manager) { m.maxSegmentBytes = n }
}

func segmentName(seq uint64) string { return fmt.Sprintf("wal.%d", seq) }

func (m *Manager) path(seq uint64) string {
	return filepath.Join(m.dir, segmentName(seq))
}

// Open opens dir's WAL directory, resuming the highest-numbered segment as
// active, or creates segment 1 if the directory is empty.
func Open(dir string, opts ...Option) (*Manager, error) {
	m := &Manager{dir: dir, maxSegmentBytes: DefaultMaxSegmentBytes}
	for _, opt := range opts {
		opt(m)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("walseg: mkdir %s: %w", dir, err)
	}

	seqs, err := m.listSeqs()
	if err != nil {
		return nil, err
	}

	if len(seqs) == 0 {
		if err := m.rotateLocked(); err != nil {
			return nil, err
		}
		return m, nil
	}

	m.activeSeq = seqs[len(seqs)-1]
	f, err := os.OpenFile(m.path(m.activeSeq), os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("walseg: open active segment %d: %w", m.activeSeq, err)
	}
	m.active = f
	return m, nil
}

func (m *Manager) listSeqs() ([]uint64, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("walseg: readdir %s: %w", m.dir, err)
	}

	var seqs []uint64
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		match := segmentFilePattern.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		seq, err := strconv.ParseUint(match[1], 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// rotateLocked closes the active segment (if any) and opens the next one.
// Caller must hold m.mu.
func (m *Manager) rotateLocked() error {
	if m.active != nil {
		if err := m.active.Close(); err != nil {
			return fmt.Errorf("walseg: close segment %d: %w", m.activeSeq, err)
		}
	}

	m.activeSeq++
	f, err := os.Create(m.path(m.activeSeq))
	if err != nil {
		return fmt.Errorf("walseg: create segment %d: %w", m.activeSeq, err)
	}
	m.active = f
	return nil
}

// ActiveSeq returns the currently active segment's sequence number.
func (m *Manager) ActiveSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeSeq
}

// WriteActive writes n bytes worth of records via fn into the active
// segment, rotating first if the write would exceed max_segment_bytes, then
// fdatasyncs. n is advisory (used only for the rotation decision) so
// callers can batch several records into a single fn for group commit.
func (m *Manager) WriteActive(n int, fn func(seq uint64) error) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return 0, fmt.Errorf("walseg: active segment not initialized")
	}

	stat, err := m.active.Stat()
	if err != nil {
		return 0, fmt.Errorf("walseg: stat active segment: %w", err)
	}
	if stat.Size()+int64(n) > m.maxSegmentBytes {
		if err := m.rotateLocked(); err != nil {
			return 0, err
		}
	}

	seq := m.activeSeq
	if err := fn(seq); err != nil {
		return seq, err
	}
	if err := m.active.Sync(); err != nil {
		return seq, fmt.Errorf("walseg: fdatasync active segment: %w", err)
	}
	return seq, nil
}

// ActiveWriter exposes the active file as an io.Writer for fn to use
// (wal.Record.Encode writes directly into it). Must only be called from
// within the fn passed to WriteActive.
func (m *Manager) ActiveWriter() *os.File { return m.active }

// Rotate forces a rotation, used at startup recovery to guarantee a fresh
// active segment after replaying sealed ones.
func (m *Manager) Rotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateLocked()
}

// SealedSegments lists every segment on disk older than the active one, in
// ascending sequence order - the set the flusher must still drain.
func (m *Manager) SealedSegments() ([]uint64, error) {
	m.mu.Lock()
	active := m.activeSeq
	m.mu.Unlock()

	seqs, err := m.listSeqs()
	if err != nil {
		return nil, err
	}
	sealed := seqs[:0]
	for _, s := range seqs {
		if s < active {
			sealed = append(sealed, s)
		}
	}
	return sealed, nil
}

// OpenSegment opens a segment for reading (replay).
func (m *Manager) OpenSegment(seq uint64) (*os.File, error) {
	return os.Open(m.path(seq))
}

// Remove retires a sealed segment after the flusher has durably applied
// every record in it.
func (m *Manager) Remove(seq uint64) error {
	if err := os.Remove(m.path(seq)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("walseg: remove segment %d: %w", seq, err)
	}
	return nil
}

// Truncate truncates a segment to n bytes, used during recovery to drop a
// partially-written tail record that failed its CRC check.
func (m *Manager) Truncate(seq uint64, n int64) error {
	return os.Truncate(m.path(seq), n)
}

// Close closes the active segment.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	return m.active.Close()
}
