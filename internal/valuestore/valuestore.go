// Package valuestore implements the value store: size-classed, fixed-page
// files addressed by a value-id (vid). Each size class owns one page file
// and one bitmap.Allocator; a value of length L routes to the smallest class
// whose page width is >= L. Reads never consult the allocator - the key
// store is the sole source of liveness (spec.md §4.2).
package valuestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/flashdb/bkv/internal/bitmap"
)

// ErrValueTooLarge is returned by Put when no configured size class is wide
// enough to hold the value.
var ErrValueTooLarge = fmt.Errorf("valuestore: value exceeds largest size class")

// DefaultSizeClasses are the page widths used when a database is created
// without an explicit override (spec.md §6).
var DefaultSizeClasses = []uint32{32, 64, 128, 256, 512, 1024, 2048, 4096}

// GrowPages is the number of additional slots a size class's page file and
// bitmap gain each time its allocator reports out-of-space.
const GrowPages = 1024

// classBits is the number of high bits of a vid reserved for the size-class
// ordinal; the remaining low bits address the slot. Fixed at format version
// per spec.md §3.
const classBits = 8

// VID identifies a stored value as (class, slot) packed into one integer.
type VID uint64

// Encode packs a class ordinal and slot index into a VID.
func Encode(class int, slot uint64) VID {
	return VID(uint64(class)<<(64-classBits) | slot)
}

// Decode unpacks a VID into its class ordinal and slot index.
func (v VID) Decode() (class int, slot uint64) {
	class = int(uint64(v) >> (64 - classBits))
	slot = uint64(v) &^ (uint64(0xFF) << (64 - classBits))
	return
}

type class struct {
	width     uint32
	pageFile  *os.File
	allocator *bitmap.Allocator
}

// Store owns one page file + allocator pair per size class.
type Store struct {
	dir     string
	classes []class
	widths  []uint32
}

// Open opens or creates the value store's page and bitmap files for each
// size class under dir (conventionally <db>/values). sizeClasses must
// already be validated strictly increasing by the caller (spec.md §6).
func Open(dir string, sizeClasses []uint32) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("valuestore: mkdir %s: %w", dir, err)
	}

	s := &Store{dir: dir}
	for _, w := range sizeClasses {
		pagePath := filepath.Join(dir, fmt.Sprintf("page.%d", w))
		bitmapPath := filepath.Join(dir, fmt.Sprintf("bitmap.%d", w))

		pf, err := os.OpenFile(pagePath, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("valuestore: open %s: %w", pagePath, err)
		}

		info, err := pf.Stat()
		if err != nil {
			pf.Close()
			return nil, fmt.Errorf("valuestore: stat %s: %w", pagePath, err)
		}
		initialSlots := uint64(info.Size()) / uint64(w)
		if initialSlots == 0 {
			initialSlots = GrowPages
			if err := pf.Truncate(int64(initialSlots) * int64(w)); err != nil {
				pf.Close()
				return nil, fmt.Errorf("valuestore: truncate %s: %w", pagePath, err)
			}
		}

		alloc, err := bitmap.Open(bitmapPath, initialSlots)
		if err != nil {
			pf.Close()
			return nil, fmt.Errorf("valuestore: bitmap %s: %w", bitmapPath, err)
		}

		s.classes = append(s.classes, class{width: w, pageFile: pf, allocator: alloc})
		s.widths = append(s.widths, w)
	}
	return s, nil
}

// classFor returns the index of the smallest size class whose width is >= n,
// or -1 if none fits.
func (s *Store) classFor(n int) int {
	idx := sort.Search(len(s.widths), func(i int) bool { return s.widths[i] >= uint32(n) })
	if idx == len(s.widths) {
		return -1
	}
	return idx
}

// Put writes value into the smallest fitting size class and returns its vid.
// No fsync is issued here; durability is provided upstream by the WAL
// (spec.md §4.2, step 3).
func (s *Store) Put(value []byte) (VID, error) {
	ci := s.classFor(len(value))
	if ci < 0 {
		return 0, ErrValueTooLarge
	}
	c := &s.classes[ci]

	slot, err := c.allocator.Allocate()
	if err == bitmap.ErrOutOfSpace {
		if slot, err = s.growAndAllocate(ci); err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, fmt.Errorf("valuestore: allocate: %w", err)
	}

	off := int64(slot) * int64(c.width)
	if _, err := c.pageFile.WriteAt(value, off); err != nil {
		c.allocator.Free(slot)
		return 0, fmt.Errorf("valuestore: write slot %d: %w", slot, err)
	}

	return Encode(ci, slot), nil
}

func (s *Store) growAndAllocate(ci int) (uint64, error) {
	c := &s.classes[ci]
	newCap := c.allocator.Capacity() + GrowPages
	if err := c.pageFile.Truncate(int64(newCap) * int64(c.width)); err != nil {
		return 0, fmt.Errorf("valuestore: grow page file: %w", err)
	}
	if err := c.allocator.Grow(newCap); err != nil {
		return 0, fmt.Errorf("valuestore: grow bitmap: %w", err)
	}
	slot, err := c.allocator.Allocate()
	if err != nil {
		return 0, fmt.Errorf("valuestore: allocate after grow: %w", err)
	}
	return slot, nil
}

// Get reads vlen bytes for vid. Corruption (vlen wider than the class's
// width, or an out-of-range class/slot) is reported rather than panicked.
func (s *Store) Get(vid VID, vlen uint32) ([]byte, error) {
	ci, slot := vid.Decode()
	if ci < 0 || ci >= len(s.classes) {
		return nil, fmt.Errorf("valuestore: vid %d: invalid class %d", vid, ci)
	}
	c := &s.classes[ci]
	if vlen > c.width {
		return nil, fmt.Errorf("valuestore: vid %d: vlen %d exceeds class width %d", vid, vlen, c.width)
	}

	buf := make([]byte, vlen)
	off := int64(slot) * int64(c.width)
	if _, err := c.pageFile.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("valuestore: read slot %d: %w", slot, err)
	}
	return buf, nil
}

// Free releases vid's slot for reuse. Callers must only do this after the
// key record that referenced vid has been overwritten or tombstoned
// durably (spec.md §9).
func (s *Store) Free(vid VID) error {
	ci, slot := vid.Decode()
	if ci < 0 || ci >= len(s.classes) {
		return fmt.Errorf("valuestore: vid %d: invalid class %d", vid, ci)
	}
	s.classes[ci].allocator.Free(slot)
	return nil
}

// SyncClass fsyncs the bitmap and page file for one class. Called by the
// flusher once per flush batch for each class it touched, never per put
// (spec.md §4.2/§4.6).
func (s *Store) SyncClass(ci int) error {
	if ci < 0 || ci >= len(s.classes) {
		return fmt.Errorf("valuestore: invalid class %d", ci)
	}
	c := &s.classes[ci]
	if err := c.pageFile.Sync(); err != nil {
		return fmt.Errorf("valuestore: sync page file: %w", err)
	}
	return c.allocator.Sync()
}

// ClassIndex returns the size class ordinal that would hold a value of
// length n, or -1 if none fits. Exposed so Engine.Put can reject a value
// that no class fits before logging it, without re-deriving size routing.
func (s *Store) ClassIndex(n int) int { return s.classFor(n) }

// ClassCount returns the number of configured size classes.
func (s *Store) ClassCount() int { return len(s.classes) }

// ClassWidth returns size class ci's page width, used by Engine.Stats().
func (s *Store) ClassWidth(ci int) uint32 {
	if ci < 0 || ci >= len(s.classes) {
		return 0
	}
	return s.classes[ci].width
}

// Reconcile runs the background leaked-slot scan of spec.md §4.7 for class
// ci, cross-checking its bitmap against liveSlots - every slot the key
// store still references for that class, gathered by the caller via
// ForEachLive. It never mutates the allocator, only reports slots marked
// allocated that liveSlots did not include.
func (s *Store) Reconcile(ci int, liveSlots []uint64) []uint64 {
	if ci < 0 || ci >= len(s.classes) {
		return nil
	}
	seq := func(yield func(uint64) bool) {
		for _, slot := range liveSlots {
			if !yield(slot) {
				return
			}
		}
	}
	return s.classes[ci].allocator.Reconcile(seq)
}

// FreeSlotCount reports the number of currently-unallocated slots for a
// class, used by Engine.Stats() to spot a size class approaching
// exhaustion.
func (s *Store) FreeSlotCount(ci int) uint64 {
	if ci < 0 || ci >= len(s.classes) {
		return 0
	}
	return s.classes[ci].allocator.FreeCount()
}

// LiveSlots enumerates the slots class ci's allocator marks allocated. The
// reconciliation scan (Reconcile) does not use it; it takes its live slots
// from the key store.
func (s *Store) LiveSlots(ci int) func(yield func(uint64) bool) {
	return func(yield func(uint64) bool) {
		if ci < 0 || ci >= len(s.classes) {
			return
		}
		a := s.classes[ci].allocator
		for slot := uint64(0); slot < a.Capacity(); slot++ {
			if a.IsAllocated(slot) {
				if !yield(slot) {
					return
				}
			}
		}
	}
}

// Close closes every size class's page file and bitmap.
func (s *Store) Close() error {
	var first error
	for i := range s.classes {
		if err := s.classes[i].pageFile.Close(); err != nil && first == nil {
			first = err
		}
		if err := s.classes[i].allocator.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
