// Package hashutil is the single choice point for the non-cryptographic hash
// used to route keys to buckets and to compute each key record's hash tag.
package hashutil

import "github.com/spaolacci/murmur3"

// Hash64 returns a well-mixed 64-bit hash of key. Callers must not assume
// anything about the algorithm beyond "well mixed, not cryptographic" - it
// may change between format versions.
func Hash64(key []byte) uint64 {
	return murmur3.Sum64(key)
}
