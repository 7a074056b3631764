// Package manifest reads and writes the database's MANIFEST file, per
// spec.md §6: a magic, a format version, and the handful of layout
// parameters that must not silently change across opens (bucket count,
// size classes, max key length). Written atomically the same way
// internal/keystore writes a rehashed bucket file.
package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	atomicfile "github.com/natefinch/atomic"
)

// Magic identifies a bkv MANIFEST file.
const Magic = "BKV1"

// Version is the current on-disk format version.
const Version = 1

// Manifest is the fixed layout-defining configuration captured at database
// creation time.
type Manifest struct {
	BucketCount uint32
	SizeClasses []uint32
	MaxKeyLen   uint32
	CreatedUnix int64
}

// ErrBadMagic is returned by Read when the file does not start with Magic.
var ErrBadMagic = fmt.Errorf("manifest: bad magic")

// Write atomically (over)writes path with m's encoding.
func Write(path string, m Manifest) error {
	var buf bytes.Buffer
	buf.WriteString(Magic)
	binary.Write(&buf, binary.LittleEndian, uint32(Version))
	binary.Write(&buf, binary.LittleEndian, m.BucketCount)
	binary.Write(&buf, binary.LittleEndian, uint32(len(m.SizeClasses)))
	for _, c := range m.SizeClasses {
		binary.Write(&buf, binary.LittleEndian, c)
	}
	binary.Write(&buf, binary.LittleEndian, m.MaxKeyLen)
	binary.Write(&buf, binary.LittleEndian, m.CreatedUnix)

	return atomicfile.WriteFile(path, bytes.NewReader(buf.Bytes()))
}

// Read parses the MANIFEST at path.
func Read(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	if len(data) < len(Magic)+4 || string(data[:len(Magic)]) != Magic {
		return Manifest{}, ErrBadMagic
	}

	r := bytes.NewReader(data[len(Magic):])
	var m Manifest
	var version, classCount uint32

	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return Manifest{}, fmt.Errorf("manifest: read version: %w", err)
	}
	if version != Version {
		return Manifest{}, fmt.Errorf("manifest: unsupported version %d", version)
	}
	if err := binary.Read(r, binary.LittleEndian, &m.BucketCount); err != nil {
		return Manifest{}, fmt.Errorf("manifest: read bucket_count: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &classCount); err != nil {
		return Manifest{}, fmt.Errorf("manifest: read size class count: %w", err)
	}
	m.SizeClasses = make([]uint32, classCount)
	for i := range m.SizeClasses {
		if err := binary.Read(r, binary.LittleEndian, &m.SizeClasses[i]); err != nil {
			return Manifest{}, fmt.Errorf("manifest: read size class %d: %w", i, err)
		}
	}
	if err := binary.Read(r, binary.LittleEndian, &m.MaxKeyLen); err != nil {
		return Manifest{}, fmt.Errorf("manifest: read max_key_len: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &m.CreatedUnix); err != nil {
		return Manifest{}, fmt.Errorf("manifest: read creation timestamp: %w", err)
	}
	return m, nil
}

// Exists reports whether a MANIFEST is already present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
