package flush

import (
	"path/filepath"
	"testing"

	"github.com/flashdb/bkv/internal/buffer"
	"github.com/flashdb/bkv/internal/keystore"
	"github.com/flashdb/bkv/internal/valuestore"
	"github.com/flashdb/bkv/internal/walseg"
)

type harness struct {
	wal    *walseg.Manager
	buf    *buffer.List
	values *valuestore.Store
	keys   *keystore.Store
	fl     *Flusher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	wal, err := walseg.Open(filepath.Join(dir, "wal"))
	if err != nil {
		t.Fatalf("walseg.Open: %v", err)
	}
	values, err := valuestore.Open(filepath.Join(dir, "values"), []uint32{32, 128})
	if err != nil {
		t.Fatalf("valuestore.Open: %v", err)
	}
	keys, err := keystore.Open(filepath.Join(dir, "keys"), keystore.Options{
		BucketCount:          4,
		InitialBucketRecords: 16,
		MaxKeyLen:            64,
		ProbeLimit:           32,
		MaxRehashAttempts:    8,
	})
	if err != nil {
		t.Fatalf("keystore.Open: %v", err)
	}

	h := &harness{
		wal:    wal,
		buf:    buffer.NewList(),
		values: values,
		keys:   keys,
	}
	h.fl = New(wal, h.buf, values, keys, nil)
	t.Cleanup(func() {
		wal.Close()
		values.Close()
		keys.Close()
	})
	return h
}

func TestFlushAppliesPutsAndRetiresSegment(t *testing.T) {
	h := newHarness(t)

	h.buf.NewSegment(h.wal.ActiveSeq())
	h.buf.Put([]byte("hello"), []byte("world"))
	h.buf.Put([]byte("foo"), []byte("bar"))

	sealedSeq := h.wal.ActiveSeq()
	if err := h.wal.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	h.buf.NewSegment(h.wal.ActiveSeq())

	if err := h.fl.flushSegment(sealedSeq); err != nil {
		t.Fatalf("flushSegment: %v", err)
	}

	vid, vlen, ok, err := h.keys.Lookup([]byte("hello"))
	if err != nil || !ok {
		t.Fatalf("Lookup(hello) ok=%v err=%v", ok, err)
	}
	got, err := h.values.Get(valuestore.VID(vid), vlen)
	if err != nil || string(got) != "world" {
		t.Fatalf("Get(hello) = %q err=%v, want world", got, err)
	}

	sealed, err := h.wal.SealedSegments()
	if err != nil {
		t.Fatal(err)
	}
	if len(sealed) != 0 {
		t.Fatalf("expected flushed segment retired, still sealed: %v", sealed)
	}
	if h.buf.Len() != 1 {
		t.Fatalf("expected only the active buffer segment to remain, got %d", h.buf.Len())
	}
}

func TestFlushAppliesDeleteAndFreesOldVid(t *testing.T) {
	h := newHarness(t)

	h.buf.NewSegment(h.wal.ActiveSeq())
	h.buf.Put([]byte("k"), []byte("v"))
	seq1 := h.wal.ActiveSeq()
	h.wal.Rotate()
	h.buf.NewSegment(h.wal.ActiveSeq())
	if err := h.fl.flushSegment(seq1); err != nil {
		t.Fatalf("first flush: %v", err)
	}
	ci := h.values.ClassIndex(len("v"))
	freeWithValue := h.values.FreeSlotCount(ci)

	h.buf.Delete([]byte("k"))
	seq2 := h.wal.ActiveSeq()
	h.wal.Rotate()
	h.buf.NewSegment(h.wal.ActiveSeq())
	if err := h.fl.flushSegment(seq2); err != nil {
		t.Fatalf("second flush: %v", err)
	}

	if _, _, ok, _ := h.keys.Lookup([]byte("k")); ok {
		t.Fatalf("key should be gone after delete flush")
	}
	if got := h.values.FreeSlotCount(ci); got != freeWithValue+1 {
		t.Fatalf("free slot count after delete flush = %d, want %d (old vid freed)", got, freeWithValue+1)
	}
}

// TestFlushSegmentIsIdempotent covers spec.md invariant 8: applying the
// same WAL segment twice (simulating a flush that was interrupted after
// updating the stores but before retiring the segment) must produce the
// same final state as applying it once.
func TestFlushSegmentIsIdempotent(t *testing.T) {
	h := newHarness(t)

	h.buf.NewSegment(h.wal.ActiveSeq())
	h.buf.Put([]byte("hello"), []byte("world"))
	seq := h.wal.ActiveSeq()
	if err := h.wal.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	h.buf.NewSegment(h.wal.ActiveSeq())

	if err := h.fl.flushSegment(seq); err != nil {
		t.Fatalf("first flush: %v", err)
	}

	vid1, vlen1, ok, err := h.keys.Lookup([]byte("hello"))
	if err != nil || !ok {
		t.Fatalf("Lookup after first flush: ok=%v err=%v", ok, err)
	}
	got1, err := h.values.Get(valuestore.VID(vid1), vlen1)
	if err != nil || string(got1) != "world" {
		t.Fatalf("Get after first flush = %q err=%v", got1, err)
	}

	// Re-buffer the same record under a new segment and flush it again -
	// this models re-applying a segment's writes a second time, which a
	// retried flush must tolerate without corrupting state (upsert is
	// naturally idempotent: same key, same value, just a fresh vid with
	// the old one freed).
	h.buf.NewSegment(seq + 100)
	h.buf.Put([]byte("hello"), []byte("world"))
	if err := h.fl.flushSegment(seq + 100); err != nil {
		t.Fatalf("second flush: %v", err)
	}

	vid2, vlen2, ok, err := h.keys.Lookup([]byte("hello"))
	if err != nil || !ok {
		t.Fatalf("Lookup after second flush: ok=%v err=%v", ok, err)
	}
	got2, err := h.values.Get(valuestore.VID(vid2), vlen2)
	if err != nil || string(got2) != "world" {
		t.Fatalf("Get after second flush = %q err=%v, want \"world\"", got2, err)
	}
}

// TestFlushSegmentReversesSaturatedUpsertViaTombstone covers spec.md §7: a
// growth failure (ErrCollisionSaturated) reverses the offending put by
// tombstoning the key, and must not wedge the rest of the segment behind
// it. MaxRehashAttempts: 0 and a one-record bucket force the second key
// that collides into it to saturate deterministically.
func TestFlushSegmentReversesSaturatedUpsertViaTombstone(t *testing.T) {
	dir := t.TempDir()

	wal, err := walseg.Open(filepath.Join(dir, "wal"))
	if err != nil {
		t.Fatalf("walseg.Open: %v", err)
	}
	defer wal.Close()
	values, err := valuestore.Open(filepath.Join(dir, "values"), []uint32{32, 128})
	if err != nil {
		t.Fatalf("valuestore.Open: %v", err)
	}
	defer values.Close()
	keys, err := keystore.Open(filepath.Join(dir, "keys"), keystore.Options{
		BucketCount:          1,
		InitialBucketRecords: 1,
		MaxKeyLen:            64,
		ProbeLimit:           1,
		MaxRehashAttempts:    0,
	})
	if err != nil {
		t.Fatalf("keystore.Open: %v", err)
	}
	defer keys.Close()

	buf := buffer.NewList()
	fl := New(wal, buf, values, keys, nil)

	buf.NewSegment(wal.ActiveSeq())
	buf.Put([]byte("first"), []byte("a"))
	buf.Put([]byte("second"), []byte("b"))
	seq := wal.ActiveSeq()

	if err := fl.flushSegment(seq); err != nil {
		t.Fatalf("flushSegment should absorb the saturation, not fail the whole segment: %v", err)
	}

	present := 0
	for _, k := range []string{"first", "second"} {
		if _, _, ok, err := keys.Lookup([]byte(k)); err != nil {
			t.Fatalf("Lookup(%s): %v", k, err)
		} else if ok {
			present++
		}
	}
	if present != 1 {
		t.Fatalf("expected exactly one of the two colliding keys to land, got %d", present)
	}

	sealed, err := wal.SealedSegments()
	if err != nil {
		t.Fatal(err)
	}
	if len(sealed) != 0 {
		t.Fatalf("expected the segment to still be retired despite the saturated key: %v", sealed)
	}
}
