// Package bkv implements an embedded, single-writer/multi-reader key-value
// storage engine with disk durability: a size-classed fixed-page value
// store, a hash-bucketed key store, and a WAL -> buffer -> async-flush
// write pipeline. See SPEC_FULL.md for the full component breakdown.
package bkv

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/flashdb/bkv/internal/buffer"
	"github.com/flashdb/bkv/internal/cache"
	"github.com/flashdb/bkv/internal/flush"
	"github.com/flashdb/bkv/internal/keystore"
	"github.com/flashdb/bkv/internal/manifest"
	"github.com/flashdb/bkv/internal/valuestore"
	"github.com/flashdb/bkv/internal/wal"
	"github.com/flashdb/bkv/internal/walseg"
)

// writerChannelDepth sizes the WAL writer's pending-request channel.
const writerChannelDepth = 256

// Stats reports the engine's health-degraded state (spec.md §7's optional
// "stats() hook").
type Stats struct {
	SegmentsPending  int
	LastFlushErr     error
	AllocatorClasses []ClassStats
}

// ClassStats reports one size class's allocator capacity, used to spot a
// size class approaching exhaustion.
type ClassStats struct {
	Width     uint32
	FreeSlots uint64
}

// Engine is the embedded database handle returned by Open.
type Engine struct {
	dir    string
	cfg    Config
	logger *slog.Logger

	rw sync.RWMutex // engine_rwlock, spec.md §5

	sm     *walseg.Manager
	walw   *wal.Writer
	buf    *buffer.List
	values *valuestore.Store
	keys   *keystore.Store
	cache  cache.Cache
	fl     *flush.Flusher

	activeSeq uint64

	closed       bool
	flushSignal  chan struct{}
	flushDone    chan struct{}
	flushStopped chan struct{}
}

// Open opens or creates a database rooted at dir.
func Open(dir string, opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("db", dir)

	for _, sub := range []string{"wal", "keys", "values"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, newIoError("open", "mkdir "+sub, err)
		}
	}

	manifestPath := filepath.Join(dir, "MANIFEST")
	var m manifest.Manifest
	if manifest.Exists(manifestPath) {
		var err error
		m, err = manifest.Read(manifestPath)
		if err != nil {
			return nil, newCorruptionError("reading MANIFEST", err)
		}
		logger.Info("opened existing database", "bucket_count", m.BucketCount, "size_classes", m.SizeClasses)
		cfg.MaxKeyLen = int(m.MaxKeyLen)
	} else {
		if err := validateSizeClasses(cfg.SizeClasses); err != nil {
			return nil, err
		}
		m = manifest.Manifest{
			BucketCount: cfg.BucketCount,
			SizeClasses: append([]uint32(nil), cfg.SizeClasses...),
			MaxKeyLen:   uint32(cfg.MaxKeyLen),
			CreatedUnix: time.Now().Unix(),
		}
		if err := manifest.Write(manifestPath, m); err != nil {
			return nil, newIoError("open", "write MANIFEST", err)
		}
		logger.Info("created new database", "bucket_count", m.BucketCount, "size_classes", m.SizeClasses)
	}

	values, err := valuestore.Open(filepath.Join(dir, "values"), m.SizeClasses)
	if err != nil {
		return nil, newIoError("open", "value store", err)
	}
	keys, err := keystore.Open(filepath.Join(dir, "keys"), keystore.Options{
		BucketCount:          m.BucketCount,
		InitialBucketRecords: cfg.InitialBucketRecords,
		MaxKeyLen:            int(m.MaxKeyLen),
		ProbeLimit:           cfg.ProbeLimit,
		MaxRehashAttempts:    cfg.MaxRehashAttempts,
	})
	if err != nil {
		values.Close()
		return nil, newIoError("open", "key store", err)
	}

	sm, err := walseg.Open(filepath.Join(dir, "wal"), walseg.WithMaxSegmentBytes(cfg.WalSegmentBytes))
	if err != nil {
		values.Close()
		keys.Close()
		return nil, newIoError("open", "wal segments", err)
	}

	buf := buffer.NewList()
	fl := flush.New(sm, buf, values, keys, logger)

	activeSeq, err := recoverSegments(sm, buf, fl, logger)
	if err != nil {
		sm.Close()
		values.Close()
		keys.Close()
		return nil, err
	}

	e := &Engine{
		dir:          dir,
		cfg:          cfg,
		logger:       logger,
		sm:           sm,
		walw:         wal.NewWriter(sm, writerChannelDepth),
		buf:          buf,
		values:       values,
		keys:         keys,
		cache:        cfg.Cache,
		fl:           fl,
		activeSeq:    activeSeq,
		flushSignal:  make(chan struct{}, 1),
		flushDone:    make(chan struct{}),
		flushStopped: make(chan struct{}),
	}
	go e.flushLoop()
	return e, nil
}

func validateSizeClasses(classes []uint32) error {
	for i := 1; i < len(classes); i++ {
		if classes[i] <= classes[i-1] {
			return fmt.Errorf("bkv: size_classes must be strictly increasing, got %v", classes)
		}
	}
	return nil
}

// recoverSegments replays every WAL segment written before this Open call -
// sealed segments plus whatever was active at the moment of the last
// crash or clean shutdown - into buf, heals a torn trailing record by
// truncating it away, then flushes everything so no sealed segment is
// left pending before new writes are accepted (spec.md §4.7). It returns
// the sequence number of the freshly rotated active segment new writes
// should land in.
func recoverSegments(sm *walseg.Manager, buf *buffer.List, fl *flush.Flusher, logger *slog.Logger) (uint64, error) {
	preActive := sm.ActiveSeq()
	sealed, err := sm.SealedSegments()
	if err != nil {
		return 0, newIoError("open", "list sealed segments", err)
	}

	toReplay := append(append([]uint64(nil), sealed...), preActive)
	sort.Slice(toReplay, func(i, j int) bool { return toReplay[i] < toReplay[j] })

	for _, seq := range toReplay {
		if err := replaySegment(sm, buf, seq); err != nil {
			return 0, err
		}
	}

	if err := sm.Rotate(); err != nil {
		return 0, newIoError("open", "rotate past recovered segments", err)
	}
	newActive := sm.ActiveSeq()
	buf.NewSegment(newActive)

	if len(toReplay) > 0 {
		logger.Info("replayed wal segments, flushing before accepting writes", "segments", toReplay)
		if err := fl.Run(); err != nil {
			return 0, newIoError("open", "flush recovered segments", err)
		}
	}
	return newActive, nil
}

func replaySegment(sm *walseg.Manager, buf *buffer.List, seq uint64) error {
	f, err := sm.OpenSegment(seq)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return newIoError("open", fmt.Sprintf("open segment %d", seq), err)
	}

	info, statErr := f.Stat()

	r := wal.NewReader(f)
	buf.NewSegment(seq)
	for rec := range r.All() {
		if rec.Op == wal.OpDelete {
			buf.Delete(rec.Key)
		} else {
			buf.Put(rec.Key, rec.Value)
		}
	}
	offset := r.Offset()
	if err := r.Close(); err != nil {
		return newIoError("open", fmt.Sprintf("close segment %d", seq), err)
	}

	if statErr == nil && info.Size() != offset {
		if err := sm.Truncate(seq, offset); err != nil {
			return newIoError("open", fmt.Sprintf("truncate torn tail of segment %d", seq), err)
		}
	}
	return nil
}

func (e *Engine) flushLoop() {
	defer close(e.flushStopped)
	for {
		select {
		case <-e.flushSignal:
			if err := e.fl.Run(); err != nil {
				e.logger.Warn("background flush failed, will retry", "err", err)
			}
		case <-e.flushDone:
			return
		}
	}
}

func (e *Engine) signalFlush() {
	select {
	case e.flushSignal <- struct{}{}:
	default:
	}
}

// Put writes key=value durably. Durable on return: the WAL record has been
// fdatasync'd before Put returns (spec.md §6).
func (e *Engine) Put(key, value []byte) error {
	if len(key) > e.cfg.MaxKeyLen {
		return ErrKeyTooLarge
	}
	if e.values.ClassIndex(len(value)) < 0 {
		return ErrValueTooLarge
	}

	e.rw.Lock()
	defer e.rw.Unlock()
	if e.closed {
		return ErrClosed
	}

	rec := &wal.Record{Op: wal.OpPut, Key: key, Value: value}
	seq, err := e.walw.Append(rec)
	if err != nil {
		return newIoError("put", "wal append", err)
	}
	e.adoptSegment(seq)
	e.buf.Put(key, value)
	if e.cache != nil {
		e.cache.Invalidate(string(key))
	}
	e.logger.Debug("put", "key", string(key), "value_len", len(value))

	e.maybeTriggerFlush()
	return nil
}

// Get reads key's current value, consulting the buffer, then the optional
// cache, then the key store and value store (spec.md §6).
func (e *Engine) Get(key []byte) ([]byte, error) {
	e.rw.RLock()
	defer e.rw.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}

	if ent, found := e.buf.Lookup(key); found {
		if ent.Deleted {
			return nil, nil
		}
		return append([]byte(nil), ent.Value...), nil
	}

	ks := string(key)
	if e.cache != nil {
		if v, ok := e.cache.Get(ks); ok {
			e.logger.Debug("get cache hit", "key", ks)
			return append([]byte(nil), v...), nil
		}
	}

	vid, vlen, ok, err := e.keys.Lookup(key)
	if err != nil {
		return nil, newIoError("get", "key store lookup", err)
	}
	if !ok {
		return nil, nil
	}

	value, err := e.values.Get(valuestore.VID(vid), vlen)
	if err != nil {
		return nil, newCorruptionError(fmt.Sprintf("reading value for key %q", key), err)
	}
	if e.cache != nil {
		e.cache.Put(ks, append([]byte(nil), value...))
	}
	return value, nil
}

// Delete removes key. Durable on return, like Put.
func (e *Engine) Delete(key []byte) error {
	e.rw.Lock()
	defer e.rw.Unlock()
	if e.closed {
		return ErrClosed
	}

	rec := &wal.Record{Op: wal.OpDelete, Key: key}
	seq, err := e.walw.Append(rec)
	if err != nil {
		return newIoError("delete", "wal append", err)
	}
	e.adoptSegment(seq)
	e.buf.Delete(key)
	if e.cache != nil {
		e.cache.Invalidate(string(key))
	}
	e.logger.Debug("delete", "key", string(key))

	e.maybeTriggerFlush()
	return nil
}

// adoptSegment keeps the buffer's active segment in sync with whichever
// WAL segment the writer goroutine actually landed the record in - the
// writer may have rotated mid-call if the active segment filled up.
// Called only while e.rw is held exclusively, so this is race-free with
// itself even though the rotation decision was made on the writer's own
// goroutine.
func (e *Engine) adoptSegment(seq uint64) {
	if seq != e.activeSeq {
		e.buf.NewSegment(seq)
		e.activeSeq = seq
	}
}

func (e *Engine) maybeTriggerFlush() {
	if e.buf.Len() > 1 {
		e.signalFlush()
	}
}

// Close idempotently shuts the engine down: stops the background flusher,
// closes the WAL writer (which closes the segment manager), then the key
// and value stores.
func (e *Engine) Close() error {
	e.rw.Lock()
	if e.closed {
		e.rw.Unlock()
		return nil
	}
	e.closed = true
	e.rw.Unlock()

	close(e.flushDone)
	<-e.flushStopped

	var first error
	if err := e.walw.Close(); err != nil && first == nil {
		first = newIoError("close", "wal writer", err)
	}
	if err := e.keys.Close(); err != nil && first == nil {
		first = newIoError("close", "key store", err)
	}
	if err := e.values.Close(); err != nil && first == nil {
		first = newIoError("close", "value store", err)
	}
	e.logger.Info("closed")
	return first
}

// Stats reports the engine's current health-degraded state.
func (e *Engine) Stats() Stats {
	e.rw.RLock()
	defer e.rw.RUnlock()

	s := Stats{
		SegmentsPending: e.buf.Len() - 1,
		LastFlushErr:    e.fl.LastErr(),
	}
	for ci := 0; ci < e.values.ClassCount(); ci++ {
		s.AllocatorClasses = append(s.AllocatorClasses, ClassStats{
			Width:     e.values.ClassWidth(ci),
			FreeSlots: e.values.FreeSlotCount(ci),
		})
	}
	return s
}

// ReconcileAllocator runs the background leaked-slot scan of spec.md §4.7
// for one size class, cross-checking the allocator's bitmap against every
// vid the key store still references. It is a maintenance hook, never
// invoked implicitly by Put/Get/Delete.
func (e *Engine) ReconcileAllocator(class int) []uint64 {
	e.rw.RLock()
	defer e.rw.RUnlock()

	var live []uint64
	e.keys.ForEachLive(func(vid uint64) {
		ci, slot := valuestore.VID(vid).Decode()
		if ci == class {
			live = append(live, slot)
		}
	})
	return e.values.Reconcile(class, live)
}

