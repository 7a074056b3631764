package valuestore

import (
	"bytes"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), []uint32{32, 64, 128})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestRoundTrip is invariant 7: get_value(put_value(v), len(v)) == v.
func TestRoundTrip(t *testing.T) {
	s := newTestStore(t)

	values := [][]byte{
		[]byte(""),
		[]byte("a"),
		bytes.Repeat([]byte("x"), 31),
		bytes.Repeat([]byte("y"), 100),
		bytes.Repeat([]byte("z"), 128),
	}

	for _, v := range values {
		vid, err := s.Put(v)
		if err != nil {
			t.Fatalf("Put(%d bytes): %v", len(v), err)
		}
		got, err := s.Get(vid, uint32(len(v)))
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !bytes.Equal(got, v) {
			t.Fatalf("round trip mismatch: got %q want %q", got, v)
		}
	}
}

func TestValueTooLarge(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Put(bytes.Repeat([]byte("a"), 129))
	if err != ErrValueTooLarge {
		t.Fatalf("expected ErrValueTooLarge, got %v", err)
	}
}

func TestFreeAllowsSlotReuse(t *testing.T) {
	s := newTestStore(t)

	vid, err := s.Put([]byte("hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Free(vid); err != nil {
		t.Fatalf("Free: %v", err)
	}

	_, slot := vid.Decode()
	ci := s.ClassIndex(5)
	found := false
	for s := range s.LiveSlots(ci) {
		if s == slot {
			found = true
		}
	}
	if found {
		t.Fatalf("slot %d still reported live after Free", slot)
	}
}

func TestGrowsBeyondInitialCapacity(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < GrowPages+10; i++ {
		if _, err := s.Put([]byte("x")); err != nil {
			t.Fatalf("Put #%d: %v", i, err)
		}
	}
}

func TestVIDEncodeDecode(t *testing.T) {
	vid := Encode(3, 12345)
	class, slot := vid.Decode()
	if class != 3 || slot != 12345 {
		t.Fatalf("got class=%d slot=%d, want 3,12345", class, slot)
	}
}
