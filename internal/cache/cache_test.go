package cache

import (
	"fmt"
	"sync"
	"testing"
)

func TestGetPutRoundTrip(t *testing.T) {
	c := NewLRU(2)
	c.Put("a", []byte("1"))
	if v, ok := c.Get("a"); !ok || string(v) != "1" {
		t.Fatalf("Get(a) = %q ok=%v", v, ok)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU(2)
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	c.Get("a") // a is now most-recently-used
	c.Put("c", []byte("3"))

	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected b to be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected a to survive eviction")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatalf("expected c to be present")
	}
}

func TestInvalidateRemovesEntry(t *testing.T) {
	c := NewLRU(4)
	c.Put("a", []byte("1"))
	c.Invalidate("a")
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected a to be invalidated")
	}
}

// TestConcurrentAccessDoesNotCorruptList covers the case Engine.Get
// exercises in production: multiple readers hitting the cache at once
// while holding only a shared RLock (spec.md §5's multi-reader model).
// Run with -race to catch a regression to an unlocked LRU.
func TestConcurrentAccessDoesNotCorruptList(t *testing.T) {
	c := NewLRU(8)
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("k%d", i%8)
				c.Put(key, []byte("v"))
				c.Get(key)
				if i%10 == 0 {
					c.Invalidate(key)
				}
			}
		}(g)
	}
	wg.Wait()
}
