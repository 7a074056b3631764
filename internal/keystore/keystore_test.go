package keystore

import (
	"fmt"
	"testing"

	"github.com/flashdb/bkv/internal/hashutil"
)

func hashOf(key []byte) uint64 { return hashutil.Hash64(key) }

func newTestStore(t *testing.T, bucketCount, initialRecords uint32) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Options{
		BucketCount:          bucketCount,
		InitialBucketRecords: initialRecords,
		MaxKeyLen:            64,
		ProbeLimit:           32,
		MaxRehashAttempts:    8,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertLookupRoundTrip(t *testing.T) {
	s := newTestStore(t, 8, 16)

	if _, had, _ := s.Upsert([]byte("alpha"), 100, 5); had {
		t.Fatalf("unexpected old vid on first insert")
	}
	vid, vlen, ok, err := s.Lookup([]byte("alpha"))
	if err != nil || !ok {
		t.Fatalf("Lookup after insert: ok=%v err=%v", ok, err)
	}
	if vid != 100 || vlen != 5 {
		t.Fatalf("got vid=%d vlen=%d, want 100,5", vid, vlen)
	}
}

// TestUpsertOverwriteReturnsOldVid exercises the in-place overwrite path
// and confirms the caller gets back the vid it must free.
func TestUpsertOverwriteReturnsOldVid(t *testing.T) {
	s := newTestStore(t, 8, 16)

	s.Upsert([]byte("k"), 1, 1)
	oldVid, had, err := s.Upsert([]byte("k"), 2, 2)
	if err != nil || !had || oldVid != 1 {
		t.Fatalf("got oldVid=%d had=%v err=%v, want 1,true,nil", oldVid, had, err)
	}
	vid, vlen, ok, _ := s.Lookup([]byte("k"))
	if !ok || vid != 2 || vlen != 2 {
		t.Fatalf("got vid=%d vlen=%d ok=%v, want 2,2,true", vid, vlen, ok)
	}
}

func TestTombstoneThenLookupMiss(t *testing.T) {
	s := newTestStore(t, 8, 16)

	s.Upsert([]byte("gone"), 7, 3)
	oldVid, had, err := s.Tombstone([]byte("gone"))
	if err != nil || !had || oldVid != 7 {
		t.Fatalf("Tombstone: oldVid=%d had=%v err=%v", oldVid, had, err)
	}
	if _, _, ok, _ := s.Lookup([]byte("gone")); ok {
		t.Fatalf("key still found after tombstone")
	}
}

// TestTombstoneDoesNotBlockLaterKeys is invariant 5 in miniature: a
// tombstone between a key's home slot and its actual slot must not hide it.
func TestTombstoneDoesNotBlockLaterKeys(t *testing.T) {
	s := newTestStore(t, 1, 4)

	s.Upsert([]byte("a"), 1, 1)
	s.Upsert([]byte("b"), 2, 1)
	s.Tombstone([]byte("a"))

	if _, _, ok, _ := s.Lookup([]byte("b")); !ok {
		t.Fatalf("key after a tombstone should still be reachable")
	}
}

// TestLiveSetEqualsWhatWasInserted is invariant 5: the set of live records
// equals exactly the keys inserted and not subsequently deleted.
func TestLiveSetEqualsWhatWasInserted(t *testing.T) {
	s := newTestStore(t, 4, 8)

	want := map[string]bool{}
	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("key-%d", i)
		s.Upsert([]byte(k), uint64(i), 1)
		want[k] = true
	}
	for i := 0; i < 20; i += 3 {
		k := fmt.Sprintf("key-%d", i)
		s.Tombstone([]byte(k))
		delete(want, k)
	}

	got := map[string]bool{}
	s.ForEachLive(func(vid uint64) { got[fmt.Sprintf("key-%d", vid)] = true })

	if len(got) != len(want) {
		t.Fatalf("live set size mismatch: got %d want %d", len(got), len(want))
	}
	for k := range want {
		if !got[k] {
			t.Fatalf("expected live key %q missing from ForEachLive", k)
		}
	}
}

// TestBloomFastRejectsAbsentKey confirms the bucket filter reports
// "definitely absent" for a key that was never inserted, without needing to
// probe.
func TestBloomFastRejectsAbsentKey(t *testing.T) {
	s := newTestStore(t, 4, 8)
	s.Upsert([]byte("present"), 1, 1)

	absent := []byte("definitely-not-inserted")
	bf := s.bucketFor(hashOf(absent))
	if bf.filter.Test(absent) {
		t.Skip("bloom filter false positive for this key, try a different one")
	}

	vid, _, ok, err := s.Lookup(absent)
	if err != nil || ok {
		t.Fatalf("Lookup(absent) = vid=%d ok=%v err=%v, want not found", vid, ok, err)
	}
}

// TestForcedRehashOnDenseBucket is scenario S4: inserting enough keys that
// route to the same bucket eventually exceeds the probe limit and forces a
// rehash, after which every key is still reachable and probing succeeds
// again within the bound.
func TestForcedRehashOnDenseBucket(t *testing.T) {
	s := newTestStore(t, 1, 8)

	const n = 40
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("collide-%d", i)
		if _, _, err := s.Upsert([]byte(k), uint64(i), 1); err != nil {
			t.Fatalf("Upsert #%d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		k := fmt.Sprintf("collide-%d", i)
		vid, _, ok, err := s.Lookup([]byte(k))
		if err != nil || !ok {
			t.Fatalf("Lookup(%q) after rehash: ok=%v err=%v", k, ok, err)
		}
		if vid != uint64(i) {
			t.Fatalf("Lookup(%q) = %d, want %d", k, vid, i)
		}
	}

	if s.buckets[0].capacity <= 8 {
		t.Fatalf("expected bucket to have grown, capacity is still %d", s.buckets[0].capacity)
	}
}

func TestProbeBoundRespected(t *testing.T) {
	s := newTestStore(t, 1, 256)
	for i := 0; i < 50; i++ {
		s.Upsert([]byte(fmt.Sprintf("key-%d", i)), uint64(i), 1)
	}
	if s.probeLimit != 32 {
		t.Fatalf("probeLimit = %d, want 32", s.probeLimit)
	}
	// Lookup probes at most probeLimit slots from a key's home index, so
	// finding every key shows each one sits within the bound.
	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("key-%d", i)
		if _, _, ok, err := s.Lookup([]byte(k)); err != nil || !ok {
			t.Fatalf("Lookup(%q) within probe bound: ok=%v err=%v", k, ok, err)
		}
	}
}
