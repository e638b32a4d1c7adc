// Package chunkstore implements a content-addressed, append-only chunk
// store: 256 sharded directories, each holding a sequence of packs (a
// `.dat` payload file and an adjacent `.idx` sorted index), with BLAKE3
// content hashing, optional LZ4 compression, and CRC32-verified sealing.
//
// The shard/lock architecture is the transformed descendant of the
// teacher's Cache[K,V] (Voskan/arena-cache pkg/cache.go): one exclusive
// lock per shard, no cross-shard critical sections, functional options
// for configuration, a pluggable metrics sink, and a zap logger that
// records each pack seal at Info level and each newly written chunk at
// Debug level.
//
// © 2025 chunkstore authors. MIT License.
package chunkstore

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/chronoverse/chunkstore/internal/chunkindex"
	"github.com/chronoverse/chunkstore/internal/codec"
	"github.com/chronoverse/chunkstore/internal/layout"
	"github.com/chronoverse/chunkstore/internal/packfile"
	"github.com/chronoverse/chunkstore/internal/sealer"
	"github.com/chronoverse/chunkstore/internal/shardstate"
)

// Store is a chunk store rooted at a single directory. All methods are
// safe for concurrent use; concurrency is scoped per-shard (spec §5).
type Store struct {
	cfg    *config
	layout *layout.Layout
	locks  *layout.Locks
	states [layout.ShardCount]*shardstate.State
	dedup  *dedupGroup

	metrics metricsSink
	logger  *zap.Logger

	sealedMu    sync.Mutex
	sealedCache map[layout.PackID]*chunkindex.Index

	closed atomic.Bool
}

// Open constructs a Store rooted at root, creating the directory if it
// does not exist. It does not eagerly scan every shard; each shard's
// on-disk state is discovered the first time an operation touches it.
func Open(root string, opts ...Option) (*Store, error) {
	cfg := defaultConfig()
	if err := applyOptions(cfg, opts); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}

	l := layout.New(root)
	s := &Store{
		cfg:         cfg,
		layout:      l,
		locks:       layout.NewLocks(),
		dedup:       newDedupGroup(),
		metrics:     newMetricsSink(cfg.registry),
		logger:      cfg.logger,
		sealedCache: make(map[layout.PackID]*chunkindex.Index),
	}
	for i := range s.states {
		s.states[i] = shardstate.New(l, byte(i), cfg.rotationThreshold, cfg.fsyncEveryWrite)
	}
	return s, nil
}

// WriteChunk stores raw as a new chunk if its hash is not already
// present anywhere in its shard, and returns the resulting Record either
// way (spec §4.8 "Write path", steps 1-7). Concurrent writes of the same
// bytes are collapsed into a single on-disk append via dedupGroup.
func (s *Store) WriteChunk(raw []byte) (Record, error) {
	if s.closed.Load() {
		return Record{}, ErrClosed
	}
	if len(raw) > s.cfg.maxChunkSize {
		return Record{}, &PolicyError{Reason: fmt.Sprintf("chunk of %d bytes exceeds max chunk size %d", len(raw), s.cfg.maxChunkSize)}
	}

	hash := codec.HashBytes(raw)
	rec, err, _ := s.dedup.do(hash, func() (Record, error) {
		return s.writeChunk(hash, raw)
	})
	return rec, err
}

func (s *Store) writeChunk(hash Hash, raw []byte) (Record, error) {
	shard := shardOf(hash)
	st := s.states[shard]

	var rec Record
	err := s.locks.WithExclusive(shard, func() error {
		if err := st.RefreshKnownPacks(); err != nil {
			return err
		}

		if e, ok := st.FindInActive(hash); ok {
			number, _ := st.ActivePackID()
			rec = Record{Hash: hash, Shard: shard, PackNumber: number, Sealed: false, Length: int(e.Length)}
			s.metrics.incDuplicate(shard)
			return nil
		}
		if e, number, ok, err := s.locateSealedLocked(shard, st, hash); err != nil {
			return err
		} else if ok {
			rec = Record{Hash: hash, Shard: shard, PackNumber: number, Sealed: true, Length: int(e.Length)}
			s.metrics.incDuplicate(shard)
			return nil
		}

		payload, flags, err := codec.Encode(raw, s.cfg.compression)
		if err != nil {
			return err
		}

		entry, err := st.WriteChunk(hash, payload, flags)
		if err != nil {
			if dm, ok := err.(*chunkindex.DuplicateMismatchError); ok {
				return &CorruptionError{Op: "WriteChunk", Err: dm}
			}
			return err
		}

		number, _ := st.ActivePackID()
		rec = Record{Hash: hash, Shard: shard, PackNumber: number, Sealed: false, Length: len(payload)}

		s.metrics.incWritten(shard)
		s.metrics.addBytesWritten(shard, int64(len(payload)))
		s.logger.Debug("chunk written",
			zap.Uint8("shard", shard),
			zap.Uint32("pack", number),
			zap.Int("bytes", len(payload)),
		)
		return nil
	})
	return rec, err
}

// LocateChunk reports where hash lives without reading or decompressing
// its payload, searching the active pack first and then every sealed
// pack in the shard (spec §4.6 "Read path", steps 1-4).
func (s *Store) LocateChunk(hash Hash) (Record, bool, error) {
	if s.closed.Load() {
		return Record{}, false, ErrClosed
	}
	shard := shardOf(hash)
	st := s.states[shard]

	var rec Record
	var found bool
	err := s.locks.WithExclusive(shard, func() error {
		if err := st.RefreshKnownPacks(); err != nil {
			return err
		}
		if e, ok := st.FindInActive(hash); ok {
			number, _ := st.ActivePackID()
			rec = Record{Hash: hash, Shard: shard, PackNumber: number, Sealed: false, Length: int(e.Length)}
			found = true
			return nil
		}
		e, number, ok, err := s.locateSealedLocked(shard, st, hash)
		if err != nil {
			return err
		}
		if ok {
			rec = Record{Hash: hash, Shard: shard, PackNumber: number, Sealed: true, Length: int(e.Length)}
			found = true
		}
		return nil
	})
	if err != nil {
		return Record{}, false, err
	}
	if found {
		s.metrics.incLocated(shard)
	}
	return rec, found, nil
}

// locateSealedLocked scans every sealed pack known to the shard for
// hash. The caller must already hold the shard's exclusive lock (it
// reads st's pack-id list, which RefreshKnownPacks mutates).
func (s *Store) locateSealedLocked(shard byte, st *shardstate.State, hash Hash) (chunkindex.Entry, uint32, bool, error) {
	activeNumber, hasActive := st.ActivePackID()
	for _, n := range st.AllPackIDs() {
		if hasActive && n == activeNumber {
			continue
		}
		pid := layout.PackID{Shard: shard, Number: n}
		ix, err := s.loadSealedIndex(pid)
		if err != nil {
			return chunkindex.Entry{}, 0, false, err
		}
		if e, ok := ix.Find(hash); ok {
			return e, n, true, nil
		}
	}
	return chunkindex.Entry{}, 0, false, nil
}

// loadSealedIndex returns the parsed index for a sealed pack, cached
// across calls since a sealed index never changes again.
func (s *Store) loadSealedIndex(pid layout.PackID) (*chunkindex.Index, error) {
	s.sealedMu.Lock()
	if ix, ok := s.sealedCache[pid]; ok {
		s.sealedMu.Unlock()
		return ix, nil
	}
	s.sealedMu.Unlock()

	_, idxPath := s.layout.PackPaths(pid)
	ix, err := chunkindex.Load(idxPath)
	if err != nil {
		return nil, &CorruptionError{Op: "LocateChunk", Err: err}
	}
	if !ix.Sealed() {
		// Still the active pack as far as the filesystem is concerned;
		// don't cache something that can still change underneath us.
		return ix, nil
	}

	s.sealedMu.Lock()
	s.sealedCache[pid] = ix
	s.sealedMu.Unlock()
	return ix, nil
}

// ReadChunk locates hash, reads its payload from the owning pack,
// decompresses it, and verifies the result hashes back to hash before
// returning it (spec §4.6 steps 5-7).
func (s *Store) ReadChunk(hash Hash) ([]byte, error) {
	rec, found, err := s.LocateChunk(hash)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrChunkNotFound
	}

	datPath, idxPath := s.layout.PackPaths(layout.PackID{Shard: rec.Shard, Number: rec.PackNumber})
	ix, err := s.indexFor(layout.PackID{Shard: rec.Shard, Number: rec.PackNumber}, idxPath, rec.Sealed)
	if err != nil {
		return nil, err
	}
	entry, ok := ix.Find(hash)
	if !ok {
		// Pack sealed or rotated between LocateChunk and here; the hash
		// is still addressable, just re-locate.
		return s.ReadChunk(hash)
	}

	info, err := os.Stat(datPath)
	if err != nil {
		return nil, err
	}
	raw, err := packfile.ReadEntryAt(datPath, entry.Offset, info.Size())
	if err != nil {
		return nil, err
	}

	out, err := codec.Decode(raw.Data, raw.Flags, hash, s.cfg.maxChunkSize)
	if err != nil {
		return nil, &CorruptionError{Op: "ReadChunk", Err: err}
	}
	return out, nil
}

func (s *Store) indexFor(pid layout.PackID, idxPath string, sealed bool) (*chunkindex.Index, error) {
	if sealed {
		return s.loadSealedIndex(pid)
	}
	return chunkindex.Load(idxPath)
}

// SealActive seals the active pack in shard, making it immutable, and
// returns whether a pack was actually sealed (a shard with no active
// pack yet is a no-op, not an error).
func (s *Store) SealActive(shard byte) (sealer.Result, bool, error) {
	if s.closed.Load() {
		return sealer.Result{}, false, ErrClosed
	}
	st := s.states[shard]

	var res sealer.Result
	var sealedNumber uint32
	var ok bool
	err := s.locks.WithExclusive(shard, func() error {
		var err error
		res, sealedNumber, ok, err = st.SealActive()
		return err
	})
	if err != nil {
		return sealer.Result{}, false, err
	}
	if ok {
		s.metrics.incPackSealed(shard)
		s.logger.Info("pack sealed",
			zap.Uint8("shard", shard),
			zap.Uint32("pack", sealedNumber),
			zap.Uint32("dat_crc", res.DatCRC),
			zap.Uint32("idx_crc", res.IdxCRC),
		)
	}
	return res, ok, nil
}

// NeedsSeal reports whether shard's active pack has crossed the
// configured rotation threshold (spec §4.7 "Rotation policy").
func (s *Store) NeedsSeal(shard byte) bool {
	var needs bool
	_ = s.locks.WithExclusive(shard, func() error {
		needs = s.states[shard].NeedsRotation()
		return nil
	})
	return needs
}

// Sync fsyncs shard's active pack `.dat` file. Callers that opened the
// store with WithFsyncEveryWrite(false) must call this before treating
// any of that shard's prior writes as durable; with the default
// fsync-every-write behavior the extra fsync is redundant, since every
// write is already durable by the time WriteChunk returns.
func (s *Store) Sync(shard byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.locks.WithExclusive(shard, func() error {
		return s.states[shard].Sync()
	})
}

// Close releases every shard's open file handle without sealing
// anything. Subsequent calls to Store methods return ErrClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var firstErr error
	for _, st := range s.states {
		if err := st.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
