// Package keystore implements the on-disk hash table described in spec.md
// §4.3: one bucket file per hash bucket, fixed-width records, linear
// probing bounded by a probe limit, and in-place growth (rehash) when a
// bucket's probe window fills up. Per spec.md §5, the only mutator of a
// bucket's records is the flusher goroutine; concurrent lookups only ever
// race with a rehash swap, which a per-bucket RWMutex makes atomic.
package keystore

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	atomicfile "github.com/natefinch/atomic"
	"github.com/bits-and-blooms/bloom/v3"

	"github.com/flashdb/bkv/internal/hashutil"
)

// ErrCollisionSaturated is returned when a bucket still cannot place a key
// after max_rehash_attempts successive doublings (spec.md §4.3/§7).
var ErrCollisionSaturated = errors.New("keystore: bucket rehash exceeded max attempts")

const bucketHeaderSize = 4 // capacity (N_b records), little-endian uint32

type bucketFile struct {
	id           uint32
	path         string
	mu           sync.RWMutex
	f            *os.File
	capacity     uint32
	filter       *bloom.BloomFilter
	filterOffset int64
}

// Store owns the fixed set of B bucket files for the lifetime of the
// database (spec.md §4.3: "B is fixed for the life of the database").
type Store struct {
	dir               string
	bucketCount       uint32
	maxKeyLen         int
	recordWidth       int
	probeLimit        int
	maxRehashAttempts int
	buckets           []*bucketFile
}

// Options bundles the key-store-relevant fields of spec.md §6's
// configuration table.
type Options struct {
	BucketCount         uint32
	InitialBucketRecords uint32
	MaxKeyLen           int
	ProbeLimit          int
	MaxRehashAttempts   int
}

// Open opens or creates bucketCount bucket files under dir (conventionally
// <db>/keys).
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("keystore: mkdir %s: %w", dir, err)
	}

	s := &Store{
		dir:               dir,
		bucketCount:       opts.BucketCount,
		maxKeyLen:         opts.MaxKeyLen,
		recordWidth:       recordWidth(opts.MaxKeyLen),
		probeLimit:        opts.ProbeLimit,
		maxRehashAttempts: opts.MaxRehashAttempts,
	}

	for id := uint32(0); id < opts.BucketCount; id++ {
		bf, err := s.openBucket(id, opts.InitialBucketRecords)
		if err != nil {
			return nil, err
		}
		s.buckets = append(s.buckets, bf)
	}
	return s, nil
}

func (s *Store) bucketPath(id uint32) string {
	return filepath.Join(s.dir, fmt.Sprintf("bucket.%d", id))
}

func (s *Store) openBucket(id uint32, initialRecords uint32) (*bucketFile, error) {
	path := s.bucketPath(id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("keystore: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("keystore: stat %s: %w", path, err)
	}

	bf := &bucketFile{id: id, path: path, f: f}

	if info.Size() == 0 {
		bf.capacity = initialRecords
		bf.filter = newBucketFilter(bf.capacity)
		bf.filterOffset = bucketHeaderSize + int64(bf.capacity)*int64(s.recordWidth)
		buf := s.serializeBucketFile(bf.capacity, make([]record, bf.capacity), bf.filter)
		if _, err := f.WriteAt(buf, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("keystore: init %s: %w", path, err)
		}
		return bf, nil
	}

	capacity, err := readBucketHeader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("keystore: header %s: %w", path, err)
	}
	bf.capacity = capacity
	bf.filterOffset = bucketHeaderSize + int64(capacity)*int64(s.recordWidth)

	if filter := readBloomSectionFromFile(f, bf.filterOffset); filter != nil {
		bf.filter = filter
	} else {
		// Corrupt or missing filter section: rebuild from a full scan
		// rather than failing open. This only costs the fast-reject
		// optimization, never correctness (SPEC_FULL.md §3).
		bf.filter = newBucketFilter(bf.capacity)
		for i := uint32(0); i < bf.capacity; i++ {
			rec := readRecordAt(f, i, s.recordWidth, s.maxKeyLen)
			if rec.state == StateLive {
				bf.filter.Add(rec.actualKey())
			}
		}
	}

	return bf, nil
}

func readBucketHeader(f *os.File) (uint32, error) {
	var hdr [bucketHeaderSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return 0, err
	}
	return leUint32(hdr[:]), nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (s *Store) serializeBucketFile(capacity uint32, records []record, filter *bloom.BloomFilter) []byte {
	var buf bytes.Buffer
	hdr := make([]byte, bucketHeaderSize)
	hdr[0] = byte(capacity)
	hdr[1] = byte(capacity >> 8)
	hdr[2] = byte(capacity >> 16)
	hdr[3] = byte(capacity >> 24)
	buf.Write(hdr)

	rb := make([]byte, s.recordWidth)
	for i := uint32(0); i < capacity; i++ {
		records[i].encode(rb, s.maxKeyLen)
		buf.Write(rb)
	}

	_ = writeBloomSection(&buf, filter)
	return buf.Bytes()
}

func recordOffset(i uint32, recordWidth int) int64 {
	return bucketHeaderSize + int64(i)*int64(recordWidth)
}

func readRecordAt(f *os.File, i uint32, recordWidth, maxKeyLen int) record {
	buf := make([]byte, recordWidth)
	if _, err := f.ReadAt(buf, recordOffset(i, recordWidth)); err != nil {
		return record{state: StateEmpty}
	}
	return decodeRecord(buf, maxKeyLen)
}

func writeRecordAt(f *os.File, i uint32, rec record, recordWidth, maxKeyLen int) error {
	buf := make([]byte, recordWidth)
	rec.encode(buf, maxKeyLen)
	_, err := f.WriteAt(buf, recordOffset(i, recordWidth))
	return err
}

func readBloomSectionFromFile(f *os.File, offset int64) *bloom.BloomFilter {
	info, err := f.Stat()
	if err != nil || info.Size() <= offset {
		return nil
	}
	section := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(section, offset); err != nil {
		return nil
	}
	if len(section) < 4 {
		return nil
	}
	payload := section[:len(section)-4]
	wantCRC := leUint32(section[len(section)-4:])
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return nil
	}
	return readBloomSection(bytes.NewReader(payload))
}

func (s *Store) bucketFor(h uint64) *bucketFile {
	return s.buckets[h%uint64(s.bucketCount)]
}

func homeIndex(h uint64, bucketCount uint64, capacity uint32) uint32 {
	return uint32((h / bucketCount) % uint64(capacity))
}

// Lookup implements spec.md §4.3's lookup algorithm.
func (s *Store) Lookup(key []byte) (vid uint64, vlen uint32, ok bool, err error) {
	h := hashutil.Hash64(key)
	bf := s.bucketFor(h)

	bf.mu.RLock()
	defer bf.mu.RUnlock()

	if bf.filter != nil && !bf.filter.Test(key) {
		return 0, 0, false, nil
	}

	i0 := homeIndex(h, uint64(s.bucketCount), bf.capacity)
	for step := 0; step < s.probeLimit; step++ {
		idx := (i0 + uint32(step)) % bf.capacity
		rec := readRecordAt(bf.f, idx, s.recordWidth, s.maxKeyLen)
		switch rec.state {
		case StateEmpty:
			return 0, 0, false, nil
		case StateLive:
			if rec.hashTag == h && bytes.Equal(rec.actualKey(), key) {
				return rec.vid, rec.vlen, true, nil
			}
		case StateTombstone:
			// does not terminate probing
		}
	}
	return 0, 0, false, nil
}

// Upsert implements spec.md §4.3's insert/overwrite algorithm. It returns
// the previously-stored vid (if any) so the caller can free it only after
// this write is durable (spec.md §9's ordering rule).
func (s *Store) Upsert(key []byte, vid uint64, vlen uint32) (oldVid uint64, hadOld bool, err error) {
	h := hashutil.Hash64(key)
	bid := h % uint64(s.bucketCount)

	for attempt := 0; attempt <= s.maxRehashAttempts; attempt++ {
		bf := s.buckets[bid]
		bf.mu.RLock()
		insertIdx, old, matched := probeForInsert(bf, key, h, uint64(s.bucketCount), s.probeLimit, s.recordWidth, s.maxKeyLen)
		if matched || insertIdx >= 0 {
			rec := newLiveRecord(key, s.maxKeyLen, vid, vlen, h)
			_ = writeRecordAt(bf.f, uint32(insertIdx), rec, s.recordWidth, s.maxKeyLen)
			bf.filter.Add(key)
			bf.mu.RUnlock()
			if matched {
				return old.vid, true, nil
			}
			return 0, false, nil
		}
		bf.mu.RUnlock()

		if err := s.growBucket(uint32(bid)); err != nil {
			return 0, false, err
		}
	}
	return 0, false, ErrCollisionSaturated
}

// probeForInsert scans bf's probe window for either a live match (stop
// immediately) or the first free/tombstone slot (remembered, scanning
// continues past tombstones since the key may still appear further on).
// A true empty slot ends the scan entirely: per spec.md §4.3 the key is
// then guaranteed absent, so whatever candidate has been remembered so
// far (this empty slot, or an earlier tombstone) is the correct insertion
// point.
func probeForInsert(bf *bucketFile, key []byte, h uint64, bucketCount uint64, probeLimit, recordWidth, maxKeyLen int) (insertIdx int, old record, matched bool) {
	insertIdx = -1
	i0 := homeIndex(h, bucketCount, bf.capacity)

	for step := 0; step < probeLimit; step++ {
		idx := (i0 + uint32(step)) % bf.capacity
		rec := readRecordAt(bf.f, idx, recordWidth, maxKeyLen)
		switch rec.state {
		case StateEmpty:
			if insertIdx < 0 {
				insertIdx = int(idx)
			}
			return insertIdx, record{}, false
		case StateTombstone:
			if insertIdx < 0 {
				insertIdx = int(idx)
			}
		case StateLive:
			if rec.hashTag == h && bytes.Equal(rec.actualKey(), key) {
				return int(idx), rec, true
			}
		}
	}
	return insertIdx, record{}, false
}

// Tombstone implements spec.md §4.3's delete algorithm: marks a live match
// as a tombstone and returns its vid for the caller to free once durable.
func (s *Store) Tombstone(key []byte) (oldVid uint64, hadOld bool, err error) {
	h := hashutil.Hash64(key)
	bf := s.bucketFor(h)

	bf.mu.RLock()
	defer bf.mu.RUnlock()

	i0 := homeIndex(h, uint64(s.bucketCount), bf.capacity)
	for step := 0; step < s.probeLimit; step++ {
		idx := (i0 + uint32(step)) % bf.capacity
		rec := readRecordAt(bf.f, idx, s.recordWidth, s.maxKeyLen)
		switch rec.state {
		case StateEmpty:
			return 0, false, nil
		case StateLive:
			if rec.hashTag == h && bytes.Equal(rec.actualKey(), key) {
				rec.state = StateTombstone
				_ = writeRecordAt(bf.f, idx, rec, s.recordWidth, s.maxKeyLen)
				return rec.vid, true, nil
			}
		}
	}
	return 0, false, nil
}

func placeRecord(records []record, capacity uint32, bucketCount uint64, probeLimit int, rec record) bool {
	i0 := homeIndex(rec.hashTag, bucketCount, capacity)
	for step := 0; step < probeLimit; step++ {
		idx := (i0 + uint32(step)) % capacity
		if records[idx].state == StateEmpty {
			records[idx] = rec
			return true
		}
	}
	return false
}

// growBucket doubles bucket bid's capacity (possibly more than once, up to
// max_rehash_attempts) until every currently-live record can be placed
// within the probe window, then atomically swaps the bucket file
// (spec.md §4.3's "Growth (per bucket)"). natefinch/atomic.WriteFile
// supplies the write-temp/fsync/rename-over sequence the spec requires.
func (s *Store) growBucket(bid uint32) error {
	bf := s.buckets[bid]
	bf.mu.Lock()
	defer bf.mu.Unlock()

	var live []record
	for i := uint32(0); i < bf.capacity; i++ {
		rec := readRecordAt(bf.f, i, s.recordWidth, s.maxKeyLen)
		if rec.state == StateLive {
			live = append(live, rec)
		}
	}

	capacity := bf.capacity
	var newRecords []record
	var newFilter *bloom.BloomFilter
	placed := false

	for attempt := 0; attempt < s.maxRehashAttempts; attempt++ {
		capacity *= 2
		newRecords = make([]record, capacity)
		ok := true
		for _, rec := range live {
			if !placeRecord(newRecords, capacity, uint64(s.bucketCount), s.probeLimit, rec) {
				ok = false
				break
			}
		}
		if ok {
			newFilter = newBucketFilter(capacity)
			for _, rec := range live {
				newFilter.Add(rec.actualKey())
			}
			placed = true
			break
		}
	}

	if !placed {
		return ErrCollisionSaturated
	}

	buf := s.serializeBucketFile(capacity, newRecords, newFilter)
	if err := atomicfile.WriteFile(bf.path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("keystore: rehash bucket %d: %w", bid, err)
	}

	newF, err := os.OpenFile(bf.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("keystore: reopen bucket %d: %w", bid, err)
	}
	_ = bf.f.Close()

	bf.f = newF
	bf.capacity = capacity
	bf.filter = newFilter
	bf.filterOffset = bucketHeaderSize + int64(capacity)*int64(s.recordWidth)
	return nil
}

// SyncBucket fsyncs a bucket's record array and rewrites+fsyncs its bloom
// section. Called once per flush batch for each bucket touched, never per
// record (spec.md §4.3).
func (s *Store) SyncBucket(bid uint32) error {
	bf := s.buckets[bid]
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	var buf bytes.Buffer
	if err := writeBloomSection(&buf, bf.filter); err != nil {
		return fmt.Errorf("keystore: serialize bloom for bucket %d: %w", bid, err)
	}
	if _, err := bf.f.WriteAt(buf.Bytes(), bf.filterOffset); err != nil {
		return fmt.Errorf("keystore: write bloom for bucket %d: %w", bid, err)
	}
	return bf.f.Sync()
}

// BucketIndex returns the bucket id a key routes to, exposed so callers
// (the flusher) can batch SyncBucket calls per touched bucket.
func (s *Store) BucketIndex(key []byte) uint32 {
	return uint32(hashutil.Hash64(key) % uint64(s.bucketCount))
}

// ForEachLive calls fn(vid) for every live record across all buckets, used
// by the allocator reconciliation scan (spec.md §4.7).
func (s *Store) ForEachLive(fn func(vid uint64)) {
	for _, bf := range s.buckets {
		bf.mu.RLock()
		for i := uint32(0); i < bf.capacity; i++ {
			rec := readRecordAt(bf.f, i, s.recordWidth, s.maxKeyLen)
			if rec.state == StateLive {
				fn(rec.vid)
			}
		}
		bf.mu.RUnlock()
	}
}

// Close closes every bucket file.
func (s *Store) Close() error {
	var first error
	for _, bf := range s.buckets {
		if err := bf.f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
