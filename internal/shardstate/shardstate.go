// Package shardstate holds the mutable, in-memory state of a single shard:
// which pack numbers exist on disk, and the active (unsealed) pack's
// writer and index, if one is open. Every exported method assumes the
// caller already holds the shard's exclusive lock (internal/layout) —
// shardstate performs no locking of its own, matching the teacher's
// shard.go convention of leaving lock discipline to the caller.
//
// © 2025 chunkstore authors. MIT License.
package shardstate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/chronoverse/chunkstore/internal/chunkindex"
	"github.com/chronoverse/chunkstore/internal/codec"
	"github.com/chronoverse/chunkstore/internal/layout"
	"github.com/chronoverse/chunkstore/internal/packfile"
	"github.com/chronoverse/chunkstore/internal/packring"
	"github.com/chronoverse/chunkstore/internal/sealer"
)

// State is a shard's live bookkeeping: the pack numbers discovered on
// disk and, if present, the single active unsealed pack's writer and
// index (spec §3 invariant "at most one active pack per shard").
type State struct {
	layout *layout.Layout
	shard  byte

	rotation        *packring.Tracker
	fsyncEveryWrite bool

	knownPacks []uint32 // sorted ascending, includes the active pack's number

	activeNumber uint32
	activeWriter *packfile.Writer
	activeIndex  *chunkindex.Index
}

// New constructs shard state for shard under l. rotationThreshold bounds
// the active pack's size in bytes before NeedsRotation reports true; 0
// disables size-based rotation. fsyncEveryWrite controls whether
// WriteChunk fsyncs the active pack's `.dat` after every append; when
// false, the caller is responsible for calling Sync before treating a
// write as durable.
func New(l *layout.Layout, shard byte, rotationThreshold int64, fsyncEveryWrite bool) *State {
	return &State{
		layout:          l,
		shard:           shard,
		rotation:        packring.NewTracker(rotationThreshold),
		fsyncEveryWrite: fsyncEveryWrite,
	}
}

// RefreshKnownPacks rescans the shard's directory for pack files and
// rebuilds the known-pack-id set. A pack number is known if either its
// `.dat` or its `.idx` exists — a `.dat` with no adjacent `.idx` can only
// happen when a prior process crashed between packfile.Create and
// chunkindex.Create inside ensureActive, and such a pack must still count
// toward allocate_new_pack_number or a restarted process recomputes the
// same stale number and wedges on the next write (the `.dat` already
// exists, so packfile.Create's O_EXCL fails). If an active pack is
// already open, it is left untouched and no other pack is inspected;
// otherwise any discovered unsealed or dat-only pack is opened as
// active. At most one such pack may exist per shard — a second one is
// reported as an error rather than silently picked.
func (s *State) RefreshKnownPacks() error {
	entries, err := os.ReadDir(s.layout.ShardDir(s.shard))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.knownPacks = nil
			return nil
		}
		return err
	}

	hasIdx := make(map[uint32]bool)
	seen := make(map[uint32]bool)
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() {
			continue
		}
		var n uint32
		switch {
		case strings.HasSuffix(name, ".idx"):
			if _, err := fmt.Sscanf(name, "pack-%d.idx", &n); err != nil {
				continue
			}
			hasIdx[n] = true
			seen[n] = true
		case strings.HasSuffix(name, ".dat"):
			if _, err := fmt.Sscanf(name, "pack-%d.dat", &n); err != nil {
				continue
			}
			seen[n] = true
		}
	}

	nums := make([]uint32, 0, len(seen))
	for n := range seen {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	s.knownPacks = nums

	if s.activeWriter != nil {
		return nil
	}

	var unsealed []uint32
	var datOnly []uint32
	for _, n := range nums {
		if !hasIdx[n] {
			datOnly = append(datOnly, n)
			continue
		}
		_, idxPath := s.layout.PackPaths(layout.PackID{Shard: s.shard, Number: n})
		ix, err := chunkindex.Load(idxPath)
		if err != nil {
			return err
		}
		if !ix.Sealed() {
			unsealed = append(unsealed, n)
		}
	}

	switch len(unsealed) + len(datOnly) {
	case 0:
		return nil
	case 1:
		if len(datOnly) == 1 {
			return s.recoverDatOnlyPack(datOnly[0])
		}
		return s.openActive(unsealed[0])
	default:
		all := append(append([]uint32{}, unsealed...), datOnly...)
		return fmt.Errorf("shardstate: shard %02x has %d unsealed packs, expected at most 1: %v", s.shard, len(all), all)
	}
}

// recoverDatOnlyPack finishes an ensureActive call that crashed after
// packfile.Create succeeded but before chunkindex.Create ran: the pack's
// `.dat` holds only its header, since WriteChunk never appends an entry
// until ensureActive has returned without error. It is therefore safe to
// lay down a fresh empty index and resume treating the pack as active.
func (s *State) recoverDatOnlyPack(number uint32) error {
	_, idxPath := s.layout.PackPaths(layout.PackID{Shard: s.shard, Number: number})
	if err := chunkindex.Create(idxPath); err != nil {
		return err
	}
	return s.openActive(number)
}

func (s *State) openActive(number uint32) error {
	datPath, idxPath := s.layout.PackPaths(layout.PackID{Shard: s.shard, Number: number})
	w, err := packfile.OpenForAppend(datPath)
	if err != nil {
		return err
	}
	ix, err := chunkindex.Load(idxPath)
	if err != nil {
		w.Close()
		return err
	}
	s.activeNumber = number
	s.activeWriter = w
	s.activeIndex = ix
	s.rotation.Reset()
	s.rotation.AddBytes(w.Size())
	return nil
}

// ensureActive opens the existing active pack or creates a brand-new one
// if the shard has none yet (spec §4.2 allocate_new_pack_number).
func (s *State) ensureActive() error {
	if s.activeWriter != nil {
		return nil
	}
	if err := s.layout.EnsureShardDir(s.shard); err != nil {
		return err
	}
	number := packring.NextPackNumber(s.knownPacks)
	datPath, idxPath := s.layout.PackPaths(layout.PackID{Shard: s.shard, Number: number})
	w, err := packfile.Create(datPath)
	if err != nil {
		return err
	}
	if err := chunkindex.Create(idxPath); err != nil {
		w.Close()
		return err
	}
	ix, err := chunkindex.Load(idxPath)
	if err != nil {
		w.Close()
		return err
	}
	s.activeNumber = number
	s.activeWriter = w
	s.activeIndex = ix
	s.knownPacks = append(s.knownPacks, number)
	s.rotation.Reset()
	return nil
}

// FindInActive looks up hash in the active pack's index only. The sealed
// packs are searched separately by the caller (on-disk `.idx` scan,
// outside the shard lock).
func (s *State) FindInActive(hash codec.Hash) (chunkindex.Entry, bool) {
	if s.activeIndex == nil {
		return chunkindex.Entry{}, false
	}
	return s.activeIndex.Find(hash)
}

// AllPackIDs returns every pack number known for the shard, sealed and
// active alike, ascending.
func (s *State) AllPackIDs() []uint32 {
	out := make([]uint32, len(s.knownPacks))
	copy(out, s.knownPacks)
	return out
}

// ActivePackID reports the active pack's number and whether one is open.
func (s *State) ActivePackID() (uint32, bool) {
	return s.activeNumber, s.activeWriter != nil
}

// NeedsRotation reports whether the active pack has crossed the
// configured rotation threshold.
func (s *State) NeedsRotation() bool {
	return s.rotation.RotationNeeded()
}

// WriteChunk appends payload as a new ChunkEntry to the active pack
// (creating one if none is open), fsyncs the `.dat` file unless the
// caller disabled per-write fsyncing via WithFsyncEveryWrite, and only
// then inserts the corresponding IndexEntry — the ordering spec §4.8
// requires for crash safety. The caller is responsible for having
// already confirmed hash is not a duplicate across the whole shard.
func (s *State) WriteChunk(hash codec.Hash, payload []byte, flags uint16) (chunkindex.Entry, error) {
	if err := s.ensureActive(); err != nil {
		return chunkindex.Entry{}, err
	}

	offset, err := s.activeWriter.Append(hash, payload, flags)
	if err != nil {
		return chunkindex.Entry{}, err
	}
	if s.fsyncEveryWrite {
		if err := s.activeWriter.Sync(); err != nil {
			return chunkindex.Entry{}, err
		}
	}

	entry := chunkindex.Entry{
		Hash:   hash,
		Offset: offset,
		Length: uint32(len(payload)),
		Flags:  flags,
	}
	if err := s.activeIndex.Insert(entry); err != nil {
		return chunkindex.Entry{}, err
	}
	s.rotation.AddBytes(int64(packfile.EntryPrefixSize) + int64(len(payload)))
	return entry, nil
}

// SealActive seals the shard's active pack and clears it, so the next
// WriteChunk opens a fresh one. It is a no-op returning ok=false if no
// pack is currently active.
func (s *State) SealActive() (result sealer.Result, sealedNumber uint32, ok bool, err error) {
	if s.activeWriter == nil {
		return sealer.Result{}, 0, false, nil
	}
	datPath, _ := s.layout.PackPaths(layout.PackID{Shard: s.shard, Number: s.activeNumber})

	if err := s.activeWriter.Close(); err != nil {
		return sealer.Result{}, 0, false, err
	}
	res, err := sealer.SealPack(datPath, s.activeIndex)
	if err != nil {
		return sealer.Result{}, 0, false, err
	}

	sealedNumber = s.activeNumber
	s.activeWriter = nil
	s.activeIndex = nil
	s.activeNumber = 0
	s.rotation.Reset()
	return res, sealedNumber, true, nil
}

// Sync fsyncs the active pack's `.dat` file, if one is open. It is a
// no-op returning nil if no pack is currently active. Callers that
// disabled WithFsyncEveryWrite use this to make prior writes durable on
// their own schedule.
func (s *State) Sync() error {
	if s.activeWriter == nil {
		return nil
	}
	return s.activeWriter.Sync()
}

// Close releases the active pack's file handle, if any, without sealing
// it.
func (s *State) Close() error {
	if s.activeWriter == nil {
		return nil
	}
	return s.activeWriter.Close()
}
