package buffer

import (
	"bytes"
	"testing"
)

func TestNewestSegmentShadowsOlder(t *testing.T) {
	l := NewList()
	l.NewSegment(1)
	l.Put([]byte("k"), []byte("old"))

	l.NewSegment(2)
	l.Put([]byte("k"), []byte("new"))

	e, found := l.Lookup([]byte("k"))
	if !found || !bytes.Equal(e.Value, []byte("new")) {
		t.Fatalf("Lookup = %+v found=%v, want value=new", e, found)
	}
}

func TestDeleteRecordsTombstone(t *testing.T) {
	l := NewList()
	l.NewSegment(1)
	l.Put([]byte("k"), []byte("v"))
	l.Delete([]byte("k"))

	e, found := l.Lookup([]byte("k"))
	if !found || !e.Deleted {
		t.Fatalf("Lookup = %+v found=%v, want a tombstone", e, found)
	}
}

func TestDropSegmentRemovesItsEntries(t *testing.T) {
	l := NewList()
	l.NewSegment(1)
	l.Put([]byte("only-in-seg1"), []byte("v1"))
	l.NewSegment(2)
	l.Put([]byte("in-seg2"), []byte("v2"))

	l.DropSegment(1)

	if _, found := l.Lookup([]byte("only-in-seg1")); found {
		t.Fatalf("key from dropped segment still visible")
	}
	if _, found := l.Lookup([]byte("in-seg2")); !found {
		t.Fatalf("key from surviving segment should still be visible")
	}
}

func TestSegmentEntriesIteratesOneSegment(t *testing.T) {
	l := NewList()
	l.NewSegment(1)
	l.Put([]byte("a"), []byte("1"))
	l.Put([]byte("b"), []byte("2"))
	l.NewSegment(2)
	l.Put([]byte("c"), []byte("3"))

	got := map[string]Entry{}
	for k, v := range l.SegmentEntries(1) {
		got[k] = v
	}
	if len(got) != 2 {
		t.Fatalf("SegmentEntries(1) returned %d entries, want 2", len(got))
	}
}

func TestPutValueIsCopiedNotAliased(t *testing.T) {
	l := NewList()
	l.NewSegment(1)
	v := []byte("mutable")
	l.Put([]byte("k"), v)
	v[0] = 'X'

	e, _ := l.Lookup([]byte("k"))
	if e.Value[0] == 'X' {
		t.Fatalf("buffer aliased caller's value slice")
	}
}
