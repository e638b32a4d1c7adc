package shardstate

import (
	"testing"

	"github.com/chronoverse/chunkstore/internal/codec"
	"github.com/chronoverse/chunkstore/internal/layout"
	"github.com/chronoverse/chunkstore/internal/packfile"
)

func newState(t *testing.T, shard byte) *State {
	t.Helper()
	l := layout.New(t.TempDir())
	return New(l, shard, 0, true)
}

func TestWriteChunkThenFindInActive(t *testing.T) {
	st := newState(t, 0x42)
	if err := st.RefreshKnownPacks(); err != nil {
		t.Fatal(err)
	}

	raw := []byte("a chunk's worth of bytes")
	hash := codec.HashBytes(raw)
	entry, err := st.WriteChunk(hash, raw, 0)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Hash != hash {
		t.Fatalf("entry hash mismatch: %x != %x", entry.Hash, hash)
	}

	got, ok := st.FindInActive(hash)
	if !ok {
		t.Fatal("expected to find the just-written chunk in the active pack")
	}
	if got != entry {
		t.Fatalf("FindInActive returned %+v, want %+v", got, entry)
	}
}

func TestAllocateNewPackNumberStartsAtOne(t *testing.T) {
	st := newState(t, 0x01)
	if err := st.RefreshKnownPacks(); err != nil {
		t.Fatal(err)
	}
	raw := []byte("first chunk")
	if _, err := st.WriteChunk(codec.HashBytes(raw), raw, 0); err != nil {
		t.Fatal(err)
	}
	number, ok := st.ActivePackID()
	if !ok {
		t.Fatal("expected an active pack after the first write")
	}
	if number != 1 {
		t.Fatalf("expected the first pack to be numbered 1, got %d", number)
	}
}

func TestSealActiveThenNextWriteAllocatesNewPack(t *testing.T) {
	st := newState(t, 0x02)
	if err := st.RefreshKnownPacks(); err != nil {
		t.Fatal(err)
	}
	raw := []byte("chunk in pack one")
	if _, err := st.WriteChunk(codec.HashBytes(raw), raw, 0); err != nil {
		t.Fatal(err)
	}

	_, sealedNumber, ok, err := st.SealActive()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || sealedNumber != 1 {
		t.Fatalf("expected pack 1 to be sealed, got ok=%v number=%d", ok, sealedNumber)
	}

	if _, ok := st.ActivePackID(); ok {
		t.Fatal("expected no active pack immediately after sealing")
	}

	raw2 := []byte("chunk in pack two")
	if _, err := st.WriteChunk(codec.HashBytes(raw2), raw2, 0); err != nil {
		t.Fatal(err)
	}
	number, ok := st.ActivePackID()
	if !ok || number != 2 {
		t.Fatalf("expected the next pack to be numbered 2, got ok=%v number=%d", ok, number)
	}
}

func TestRefreshKnownPacksRecoversActivePackAcrossInstances(t *testing.T) {
	l := layout.New(t.TempDir())
	st1 := New(l, 0x03, 0, true)
	if err := st1.RefreshKnownPacks(); err != nil {
		t.Fatal(err)
	}
	raw := []byte("durable chunk")
	hash := codec.HashBytes(raw)
	if _, err := st1.WriteChunk(hash, raw, 0); err != nil {
		t.Fatal(err)
	}
	if err := st1.Close(); err != nil {
		t.Fatal(err)
	}

	st2 := New(l, 0x03, 0, true)
	if err := st2.RefreshKnownPacks(); err != nil {
		t.Fatal(err)
	}
	if _, ok := st2.FindInActive(hash); !ok {
		t.Fatal("expected a fresh State to recover the active pack left by a prior instance")
	}
}

func TestRefreshKnownPacksRecoversDatOnlyPack(t *testing.T) {
	l := layout.New(t.TempDir())
	st := New(l, 0x07, 0, true)

	// Simulate a crash between packfile.Create and chunkindex.Create
	// inside ensureActive: the `.dat` exists with only its header, the
	// adjacent `.idx` never got written.
	if err := l.EnsureShardDir(0x07); err != nil {
		t.Fatal(err)
	}
	datPath, _ := l.PackPaths(layout.PackID{Shard: 0x07, Number: 1})
	w, err := packfile.Create(datPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if err := st.RefreshKnownPacks(); err != nil {
		t.Fatalf("expected a dat-only pack to be recovered, not rejected: %v", err)
	}
	if number, ok := st.ActivePackID(); !ok || number != 1 {
		t.Fatalf("expected pack 1 to be recovered as active, got ok=%v number=%d", ok, number)
	}

	raw := []byte("chunk after recovery")
	if _, err := st.WriteChunk(codec.HashBytes(raw), raw, 0); err != nil {
		t.Fatal(err)
	}
	if _, _, ok, err := st.SealActive(); err != nil || !ok {
		t.Fatalf("expected to seal the recovered pack, ok=%v err=%v", ok, err)
	}

	raw2 := []byte("chunk in next pack")
	if _, err := st.WriteChunk(codec.HashBytes(raw2), raw2, 0); err != nil {
		t.Fatal(err)
	}
	if number, ok := st.ActivePackID(); !ok || number != 2 {
		t.Fatalf("expected the next pack after recovery to be numbered 2 (not colliding with the recovered pack 1), got ok=%v number=%d", ok, number)
	}
}

func TestRefreshKnownPacksOnMissingDirectoryIsNotAnError(t *testing.T) {
	st := newState(t, 0x04)
	if err := st.RefreshKnownPacks(); err != nil {
		t.Fatalf("a shard with no directory yet should not error, got %v", err)
	}
	if len(st.AllPackIDs()) != 0 {
		t.Fatal("expected no known packs for an untouched shard")
	}
}
