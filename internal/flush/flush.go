// Package flush implements the flusher of spec.md §4.6: it drains sealed
// WAL segments in sequence order, applying each segment's buffered writes
// to the value store and key store in the exact step order the spec
// prescribes, then retires the segment.
package flush

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flashdb/bkv/internal/buffer"
	"github.com/flashdb/bkv/internal/keystore"
	"github.com/flashdb/bkv/internal/valuestore"
	"github.com/flashdb/bkv/internal/walseg"
)

// Flusher owns the single flusher goroutine's state. Per spec.md §5 it is
// the sole mutator of the key store and the sole caller of value-store
// Put/Free; readers' key-store lookups, value reads and Stats' allocator
// reads run alongside it.
type Flusher struct {
	wal    *walseg.Manager
	buf    *buffer.List
	values *valuestore.Store
	keys   *keystore.Store
	logger *slog.Logger

	mu      sync.Mutex
	lastErr error
}

// New builds a Flusher over the given components.
func New(wal *walseg.Manager, buf *buffer.List, values *valuestore.Store, keys *keystore.Store, logger *slog.Logger) *Flusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{wal: wal, buf: buf, values: values, keys: keys, logger: logger}
}

// Run processes every currently sealed segment in order. On the first
// failure it stops and records the error (spec.md §7: flush IoErrors are
// retried, a segment is never retired until it succeeds) - the caller is
// expected to call Run again later, e.g. on the next write or on a timer.
// ErrCollisionSaturated is the one error flushSegment never lets block a
// segment: it is reversed per-key via a tombstone (spec.md §7), so a
// saturated bucket degrades that key's durability rather than wedging
// every later segment behind it. The check below is a second line of
// defense in case that sentinel ever does escape flushSegment.
func (f *Flusher) Run() error {
	seqs, err := f.wal.SealedSegments()
	if err != nil {
		return fmt.Errorf("flush: list sealed segments: %w", err)
	}

	var skipped error
	for _, seq := range seqs {
		if err := f.flushSegment(seq); err != nil {
			f.mu.Lock()
			f.lastErr = err
			f.mu.Unlock()
			if errors.Is(err, keystore.ErrCollisionSaturated) {
				f.logger.Warn("segment hit bucket saturation, skipping rather than blocking the queue", "segment", seq, "err", err)
				skipped = err
				continue
			}
			f.logger.Warn("flush failed, segment retained for retry", "segment", seq, "err", err)
			return err
		}
		f.logger.Debug("flushed segment", "segment", seq)
	}

	f.mu.Lock()
	f.lastErr = skipped
	f.mu.Unlock()
	return nil
}

// LastErr reports the most recent flush failure, surfaced via
// Engine.Stats() as the health-degraded signal of spec.md §7.
func (f *Flusher) LastErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

func (f *Flusher) flushSegment(seq uint64) error {
	touchedBuckets := map[uint32]struct{}{}
	touchedClasses := map[int]struct{}{}
	var freeVids []valuestore.VID

	for k, e := range f.buf.SegmentEntries(seq) {
		key := []byte(k)

		if e.Deleted {
			oldVid, had, err := f.keys.Tombstone(key)
			if err != nil {
				return fmt.Errorf("flush: tombstone %q: %w", k, err)
			}
			touchedBuckets[f.keys.BucketIndex(key)] = struct{}{}
			if had {
				freeVids = append(freeVids, valuestore.VID(oldVid))
			}
			continue
		}

		vid, err := f.values.Put(e.Value)
		if err != nil {
			return fmt.Errorf("flush: put_value %q: %w", k, err)
		}
		ci, _ := vid.Decode()
		touchedClasses[ci] = struct{}{}

		oldVid, had, err := f.keys.Upsert(key, uint64(vid), uint32(len(e.Value)))
		if err != nil {
			if errors.Is(err, keystore.ErrCollisionSaturated) {
				// spec.md §7: a growth failure reverses the put by
				// tombstoning the key instead of wedging the whole flush -
				// the WAL record is already durable, so a tombstone here
				// makes replay converge on the same (absent) outcome. The
				// vid just written is now orphaned and must be freed; any
				// stale live record the key already had is tombstoned and
				// its vid freed too.
				freeVids = append(freeVids, vid)
				staleVid, hadStale, terr := f.keys.Tombstone(key)
				if terr != nil {
					return fmt.Errorf("flush: tombstone after saturated upsert %q: %w", k, terr)
				}
				if hadStale {
					touchedBuckets[f.keys.BucketIndex(key)] = struct{}{}
					freeVids = append(freeVids, valuestore.VID(staleVid))
				}
				f.logger.Warn("bucket saturated, put reversed via tombstone", "key", k, "segment", seq)
				continue
			}
			return fmt.Errorf("flush: upsert %q: %w", k, err)
		}
		touchedBuckets[f.keys.BucketIndex(key)] = struct{}{}
		if had {
			freeVids = append(freeVids, valuestore.VID(oldVid))
		}
	}

	// fsync bitmap files (and their page files, synced together by
	// SyncClass) before the bucket files that now reference the newly
	// written vids, so a crash can never observe a live key record
	// pointing at an unsynced allocation.
	for ci := range touchedClasses {
		if err := f.values.SyncClass(ci); err != nil {
			return fmt.Errorf("flush: sync value class %d: %w", ci, err)
		}
	}
	for bid := range touchedBuckets {
		if err := f.keys.SyncBucket(bid); err != nil {
			return fmt.Errorf("flush: sync bucket %d: %w", bid, err)
		}
	}

	freedClasses := map[int]struct{}{}
	for _, vid := range freeVids {
		if err := f.values.Free(vid); err != nil {
			return fmt.Errorf("flush: free old vid: %w", err)
		}
		ci, _ := vid.Decode()
		freedClasses[ci] = struct{}{}
	}
	for ci := range freedClasses {
		if err := f.values.SyncClass(ci); err != nil {
			return fmt.Errorf("flush: sync value class %d after free: %w", ci, err)
		}
	}

	if err := f.wal.Remove(seq); err != nil {
		return fmt.Errorf("flush: retire segment %d: %w", seq, err)
	}
	f.buf.DropSegment(seq)
	return nil
}
