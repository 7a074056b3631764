// Bloom-filter wiring for the per-bucket fast-absence check described in
// SPEC_FULL.md §3. Adapted from the teacher's sst/writer.go, which sizes a
// bloom.BloomFilter with NewWithEstimates and persists it via K()/Cap()/
// WriteTo - the same three calls are reused here, just aimed at a bucket's
// live-key count instead of an SST block's entry count.
package keystore

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/bits-and-blooms/bloom/v3"
)

func newBucketFilter(capacity uint32) *bloom.BloomFilter {
	n := uint(capacity)
	if n == 0 {
		n = 1
	}
	return bloom.NewWithEstimates(n, 0.01)
}

// writeBloomSection serializes filter as [k u32][cap u32][bits...][crc32 u32].
// A bad read of this section (truncated, wrong CRC) only costs the
// fast-reject optimization - openBucket rebuilds the filter from a full
// scan of the bucket's live records instead of failing.
func writeBloomSection(w io.Writer, filter *bloom.BloomFilter) error {
	crc := crc32.NewIEEE()
	mw := io.MultiWriter(w, crc)

	if err := binary.Write(mw, binary.LittleEndian, uint32(filter.K())); err != nil {
		return err
	}
	if err := binary.Write(mw, binary.LittleEndian, uint32(filter.Cap())); err != nil {
		return err
	}
	if _, err := filter.WriteTo(mw); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, crc.Sum32())
}

// readBloomSection reads back a section written by writeBloomSection. It
// returns nil - not an error - on any structural problem, since the
// filter is purely an optimization.
func readBloomSection(r io.Reader) *bloom.BloomFilter {
	var k, cap32 uint32
	if err := binary.Read(r, binary.LittleEndian, &k); err != nil {
		return nil
	}
	if err := binary.Read(r, binary.LittleEndian, &cap32); err != nil {
		return nil
	}

	filter := bloom.New(uint(cap32), uint(k))
	if _, err := filter.ReadFrom(r); err != nil {
		return nil
	}
	// Trailing CRC is validated by the caller, which has the raw bytes; here
	// we only had a stream to read from, so a structurally valid read is
	// treated as good enough - see readBloomSectionFromFile for the byte-level CRC
	// check performed before this function is ever called.
	return filter
}
