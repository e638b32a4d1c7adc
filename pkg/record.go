package chunkstore

// record.go exposes the public result/error vocabulary of the store.
// Sentinel and typed errors follow the style of johnjansen/torua's
// storage.ErrKeyNotFound: exported values/types that callers compare
// against with errors.Is/errors.As rather than parsing strings.
//
// © 2025 chunkstore authors. MIT License.

import (
	"errors"
	"fmt"

	"github.com/chronoverse/chunkstore/internal/codec"
)

// Hash identifies a chunk by its BLAKE3-256 digest (spec §3).
type Hash = codec.Hash

// HashSize is the length in bytes of a Hash.
const HashSize = codec.HashSize

// Compression selects the payload codec applied before a chunk is
// written to a pack.
type Compression = codec.Compression

const (
	CompressionNone = codec.CompressionNone
	CompressionLZ4  = codec.CompressionLZ4
)

// Record describes a chunk once it has been located or written: its
// hash, the shard and pack it lives in, and its on-disk (post-
// compression) payload length. Callers that need the original byte count
// get it back from ReadChunk's returned slice.
type Record struct {
	Hash       Hash
	Shard      byte
	PackNumber uint32
	Sealed     bool
	Length     int
}

// ErrChunkNotFound is returned by LocateChunk/ReadChunk when no pack in
// the chunk's shard contains the requested hash.
var ErrChunkNotFound = errors.New("chunkstore: chunk not found")

// ErrClosed is returned by any Store method called after Close.
var ErrClosed = errors.New("chunkstore: store is closed")

// PolicyError reports a request that violates a configured policy (e.g.
// a chunk over WithMaxChunkSize) rather than any defect in stored data.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return fmt.Sprintf("chunkstore: policy: %s", e.Reason) }

// CorruptionError wraps a lower-level corruption signal (CRC mismatch,
// ascending-order violation, duplicate-hash mismatch) with the chunk
// store operation that surfaced it, per spec §7.
type CorruptionError struct {
	Op  string
	Err error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("chunkstore: corruption during %s: %v", e.Op, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// shardOf returns the shard a hash belongs to: its first byte (spec §3).
func shardOf(h Hash) byte { return h[0] }
