// Package bitmap implements the multi-level bitmap allocator described for
// the value store's size classes: a tree of packed bitmaps where level 0
// holds one bit per slot and each level above aggregates 8 children into one
// "is this byte full" bit, letting allocate/free run in O(log8 S) byte
// touches instead of a linear scan.
//
// The bitmap file backing an Allocator is memory-mapped, following the style
// of calvinalkan-agent-task's pkg/slotcache (stdlib syscall.Mmap, not
// golang.org/x/sys). Only level 0 is trusted after a crash; upper levels are
// always reconstructed from it on Open, matching the durability note in
// spec.md §4.1.
package bitmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"math/bits"
	"os"
	"syscall"

	"github.com/bits-and-blooms/bitset"
)

// ErrOutOfSpace is returned by Allocate when every slot up to the current
// capacity is taken; the caller is expected to Grow and retry.
var ErrOutOfSpace = errors.New("bitmap: out of space")

const headerSize = 8 // capacity (slots), little-endian uint64

// Allocator manages the slot ids of a single size class via a tree of
// bitmaps. It is not safe for concurrent use; per spec.md §5 the allocator
// is only ever touched by the single flusher goroutine.
type Allocator struct {
	path     string
	file     *os.File
	mmap     []byte // raw mapping: header + level0 + level1 + ...
	capacity uint64 // S, in slots
	levels   [][]byte
	offsets  []int // byte offset of each level within mmap
}

// levelByteLens returns the byte length of level 0, 1, 2, ... given a slot
// capacity, stopping once a level fits in a single byte.
func levelByteLens(capacity uint64) []int {
	n := int((capacity + 7) / 8)
	if n == 0 {
		n = 1
	}
	lens := []int{n}
	for n > 1 {
		n = (n + 7) / 8
		lens = append(lens, n)
	}
	return lens
}

// Open opens or creates the bitmap file at path for a class with the given
// slot capacity. An existing file is resized to that capacity, keeping its
// level-0 bits up to the new capacity; growth after Open goes through Grow.
func Open(path string, capacity uint64) (*Allocator, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("bitmap: open %s: %w", path, err)
	}

	a := &Allocator{path: path, file: f}
	if err := a.mapForCapacity(capacity, true); err != nil {
		f.Close()
		return nil, err
	}
	return a, nil
}

func totalFileSize(capacity uint64) int {
	total := headerSize
	for _, l := range levelByteLens(capacity) {
		total += l
	}
	return total
}

// mapForCapacity (re)truncates the backing file to fit capacity, mmaps it,
// and - if reconcileExisting is true and the file already held data for a
// smaller or equal capacity - copies the existing level-0 bits forward
// before reconstructing upper levels from level 0.
func (a *Allocator) mapForCapacity(capacity uint64, reconcileExisting bool) error {
	var oldLevel0 []byte
	if reconcileExisting {
		if info, err := a.file.Stat(); err == nil && info.Size() >= headerSize {
			existingCap := readCapacityHeader(a)
			if existingCap > 0 {
				oldLens := levelByteLens(existingCap)
				buf := make([]byte, oldLens[0])
				if _, err := a.file.ReadAt(buf, headerSize); err == nil {
					oldLevel0 = buf
				}
			}
		}
	}

	if a.mmap != nil {
		_ = syscall.Munmap(a.mmap)
		a.mmap = nil
	}

	size := totalFileSize(capacity)
	if err := a.file.Truncate(int64(size)); err != nil {
		return fmt.Errorf("bitmap: truncate: %w", err)
	}

	m, err := syscall.Mmap(int(a.file.Fd()), 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("bitmap: mmap: %w", err)
	}

	binary.LittleEndian.PutUint64(m[0:8], capacity)

	a.mmap = m
	a.capacity = capacity
	a.levels = nil
	a.offsets = nil

	off := headerSize
	for _, l := range levelByteLens(capacity) {
		a.offsets = append(a.offsets, off)
		a.levels = append(a.levels, m[off:off+l])
		off += l
	}

	if oldLevel0 != nil {
		n := len(oldLevel0)
		if n > len(a.levels[0]) {
			n = len(a.levels[0])
		}
		copy(a.levels[0][:n], oldLevel0[:n])
	}

	a.reconstructUpperLevels()
	return nil
}

func readCapacityHeader(a *Allocator) uint64 {
	buf := make([]byte, headerSize)
	if _, err := a.file.ReadAt(buf, 0); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(buf)
}

// reconstructUpperLevels rebuilds every level above level 0 from level 0's
// content, per the crash-recovery rule in spec.md §4.1: upper levels are
// never trusted after an unclean shutdown.
func (a *Allocator) reconstructUpperLevels() {
	for lvl := 1; lvl < len(a.levels); lvl++ {
		child := a.levels[lvl-1]
		parent := a.levels[lvl]
		for i := range parent {
			parent[i] = 0
		}
		for byteIdx, b := range child {
			if b == 0xFF {
				parent[byteIdx/8] |= 1 << uint(byteIdx%8)
			}
		}
	}
}

// Capacity returns S, the number of slots currently managed.
func (a *Allocator) Capacity() uint64 { return a.capacity }

func firstNonFullByte(level []byte) (int, bool) {
	for i, b := range level {
		if b != 0xFF {
			return i, true
		}
	}
	return 0, false
}

func firstZeroBit(b byte) int {
	for i := 0; i < 8; i++ {
		if b&(1<<uint(i)) == 0 {
			return i
		}
	}
	return -1
}

// Allocate reserves the lowest-numbered free slot and returns it.
func (a *Allocator) Allocate() (uint64, error) {
	top := len(a.levels) - 1

	byteIdxAt := make([]int, len(a.levels))
	bitAt := make([]int, len(a.levels))

	idx := -1
	for lvl := top; lvl >= 0; lvl-- {
		var byteIdx int
		if lvl == top {
			bi, ok := firstNonFullByte(a.levels[lvl])
			if !ok {
				return 0, ErrOutOfSpace
			}
			byteIdx = bi
		} else {
			byteIdx = idx
		}
		if byteIdx >= len(a.levels[lvl]) {
			return 0, ErrOutOfSpace
		}
		b := a.levels[lvl][byteIdx]
		bit := firstZeroBit(b)
		if bit < 0 {
			return 0, ErrOutOfSpace
		}
		byteIdxAt[lvl] = byteIdx
		bitAt[lvl] = bit
		idx = byteIdx*8 + bit
	}

	slot := uint64(idx)
	if slot >= a.capacity {
		return 0, ErrOutOfSpace
	}

	for lvl := 0; lvl <= top; lvl++ {
		byteIdx, bit := byteIdxAt[lvl], bitAt[lvl]
		a.levels[lvl][byteIdx] |= 1 << uint(bit)
		if a.levels[lvl][byteIdx] != 0xFF {
			break
		}
	}

	return slot, nil
}

// Free releases slot, making it eligible for a future Allocate.
func (a *Allocator) Free(slot uint64) {
	byteIdx := int(slot / 8)
	bit := int(slot % 8)

	for lvl := 0; lvl < len(a.levels); lvl++ {
		before := a.levels[lvl][byteIdx]
		wasFull := before == 0xFF
		a.levels[lvl][byteIdx] = before &^ (1 << uint(bit))
		if !wasFull {
			return
		}
		bit = byteIdx % 8
		byteIdx = byteIdx / 8
	}
}

// FreeCount returns the number of currently unallocated slots (Capacity
// minus however many bits are set in level 0). It is derived on demand by
// popcounting rather than tracked as separate running state, since level 0
// is the only level trusted after a crash (see the package doc comment) and
// padding bits past Capacity are never set by Allocate.
func (a *Allocator) FreeCount() uint64 {
	var used uint64
	for _, b := range a.levels[0] {
		used += uint64(bits.OnesCount8(b))
	}
	if used > a.capacity {
		used = a.capacity
	}
	return a.capacity - used
}

// IsAllocated reports whether slot is currently reserved.
func (a *Allocator) IsAllocated(slot uint64) bool {
	byteIdx := slot / 8
	bit := slot % 8
	if int(byteIdx) >= len(a.levels[0]) {
		return false
	}
	return a.levels[0][byteIdx]&(1<<bit) != 0
}

// Grow extends level 0 to newCapacity bits and reconstructs upper levels.
// Safe only under the allocator's exclusive-writer role (spec.md §4.1).
func (a *Allocator) Grow(newCapacity uint64) error {
	if newCapacity <= a.capacity {
		return nil
	}
	return a.mapForCapacity(newCapacity, true)
}

// Sync flushes the mapped bitmap pages to disk via fdatasync on the backing
// file descriptor (MAP_SHARED pages are written through to the same file).
// Called once at the end of a flush batch, never per allocation (spec.md
// §4.1).
func (a *Allocator) Sync() error {
	if len(a.mmap) == 0 {
		return nil
	}
	return a.file.Sync()
}

// Close unmaps and closes the backing file.
func (a *Allocator) Close() error {
	if a.mmap != nil {
		_ = syscall.Munmap(a.mmap)
		a.mmap = nil
	}
	return a.file.Close()
}

// Reconcile builds a shadow bitmap from liveSlots (as enumerated by the key
// store) and XORs it against the persisted level-0 bitmap to find slots
// marked allocated but referenced by no live key - the benign leak the spec
// allows (§4.7). It never mutates the allocator; the returned slots are
// advisory for an out-of-band compaction, not auto-freed.
func (a *Allocator) Reconcile(liveSlots iter.Seq[uint64]) []uint64 {
	shadow := bitset.New(uint(a.capacity))
	for slot := range liveSlots {
		shadow.Set(uint(slot))
	}

	actual := bitset.New(uint(a.capacity))
	for slot := uint64(0); slot < a.capacity; slot++ {
		if a.IsAllocated(slot) {
			actual.Set(uint(slot))
		}
	}

	diff := actual.SymmetricDifference(shadow)
	var leaked []uint64
	for slot, ok := diff.NextSet(0); ok; slot, ok = diff.NextSet(slot + 1) {
		if a.IsAllocated(uint64(slot)) {
			leaked = append(leaked, uint64(slot))
		}
	}
	return leaked
}
