package bkv

import (
	"log/slog"

	"github.com/flashdb/bkv/internal/cache"
	"github.com/flashdb/bkv/internal/valuestore"
	"github.com/flashdb/bkv/internal/walseg"
)

// Config holds every spec.md §6 configuration knob plus the ambient
// logger/cache hooks. Built via functional Options, mirroring the
// teacher's DiskSegmentManagerOption pattern.
type Config struct {
	BucketCount          uint32
	InitialBucketRecords uint32
	ProbeLimit           int
	SizeClasses          []uint32
	WalSegmentBytes      int64
	MaxKeyLen            int
	MaxRehashAttempts    int

	Cache  cache.Cache
	Logger *slog.Logger
}

// Option configures a Config, applied in order by Open.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		BucketCount:          8192,
		InitialBucketRecords: 256,
		ProbeLimit:           32,
		SizeClasses:          append([]uint32(nil), valuestore.DefaultSizeClasses...),
		WalSegmentBytes:      walseg.DefaultMaxSegmentBytes,
		MaxKeyLen:            64,
		MaxRehashAttempts:    8,
	}
}

// WithBucketCount overrides bucket_count. Only meaningful at creation; a
// reopen ignores it in favor of the value recorded in MANIFEST.
func WithBucketCount(n uint32) Option { return func(c *Config) { c.BucketCount = n } }

// WithInitialBucketRecords overrides initial_bucket_records.
func WithInitialBucketRecords(n uint32) Option {
	return func(c *Config) { c.InitialBucketRecords = n }
}

// WithProbeLimit overrides probe_limit.
func WithProbeLimit(n int) Option { return func(c *Config) { c.ProbeLimit = n } }

// WithSizeClasses overrides size_classes. Only meaningful at creation; a
// reopen ignores it in favor of the value recorded in MANIFEST. Must be
// strictly increasing (spec.md §6); Open validates this.
func WithSizeClasses(classes []uint32) Option {
	return func(c *Config) { c.SizeClasses = append([]uint32(nil), classes...) }
}

// WithWalSegmentBytes overrides wal_segment_bytes.
func WithWalSegmentBytes(n int64) Option { return func(c *Config) { c.WalSegmentBytes = n } }

// WithMaxKeyLen overrides max_key_len. Only meaningful at creation; a
// reopen ignores it in favor of the value recorded in MANIFEST.
func WithMaxKeyLen(n int) Option { return func(c *Config) { c.MaxKeyLen = n } }

// WithMaxRehashAttempts overrides max_rehash_attempts.
func WithMaxRehashAttempts(n int) Option { return func(c *Config) { c.MaxRehashAttempts = n } }

// WithCache wires an opt-in read-through cache (spec.md §6). Nil (the
// default) disables the cache entirely.
func WithCache(c cache.Cache) Option { return func(cfg *Config) { cfg.Cache = c } }

// WithLogger overrides the ambient slog.Logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(c *Config) { c.Logger = l } }
