// Package fstest provides crash-point simulation for the durability tests
// in the root engine package. It is a
// deliberately small fraction of the fault-injection model in
// calvinalkan-agent-task's pkg/fs (Chaos, CrashWriteback): rather than
// wrapping every filesystem call behind an FS interface, it operates
// directly on files already written by a real test run and mutates them
// to look like the result of a crash at a specific point, which is the
// only shape spec.md §8's scenarios (S5/S6) and the torn-tail invariant
// actually require.
package fstest

import (
	"fmt"
	"math/rand"
	"os"
)

// TruncateTail simulates a crash that lost the last n bytes of path - e.g.
// a WAL segment fsync'd up to some offset but the final record's write
// never completed. It is the "crash before fsync" half of spec.md §4.7's
// recovery contract: the bytes must vanish, not reappear corrupted.
func TruncateTail(path string, n int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("fstest: stat %s: %w", path, err)
	}
	newSize := info.Size() - n
	if newSize < 0 {
		newSize = 0
	}
	if err := os.Truncate(path, newSize); err != nil {
		return fmt.Errorf("fstest: truncate %s: %w", path, err)
	}
	return nil
}

// TruncateToOffset simulates a crash mid-append by cutting path to exactly
// offset bytes, discarding everything after. Used to emulate "the WAL
// writer's Sync never returned" at a known good record boundary plus a
// torn partial record appended on top.
func TruncateToOffset(path string, offset int64) error {
	if err := os.Truncate(path, offset); err != nil {
		return fmt.Errorf("fstest: truncate %s to %d: %w", path, offset, err)
	}
	return nil
}

// AppendTornBytes appends n random bytes to path without any length prefix
// or valid CRC, simulating a write that reached disk but was cut off
// before the record's trailer was written - the exact shape wal.Decode
// must reject as a corrupt (not merely short) trailing record.
func AppendTornBytes(path string, n int, seed int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("fstest: open %s: %w", path, err)
	}
	defer f.Close()

	garbage := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(garbage)
	if _, err := f.Write(garbage); err != nil {
		return fmt.Errorf("fstest: append torn bytes to %s: %w", path, err)
	}
	return nil
}

// CopyFile snapshots src's current contents to dst, so a test can mutate
// src to look crashed and later diff against the pre-crash original.
func CopyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("fstest: read %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("fstest: write %s: %w", dst, err)
	}
	return nil
}
