// Package codec implements the ChunkCodec component of the chunk store:
// BLAKE3 content hashing, optional LZ4 block compression, and CRC32
// computation over arbitrary byte ranges.
//
// Hashing is always performed against the uncompressed bytes (spec
// invariant 4); compression is a tagged variant rather than a dynamic
// dispatch hierarchy (spec §9 "Dynamic dispatch over codecs") — adding a
// new algorithm means adding a Compression value and a flag bit, not a new
// interface implementation.
//
// © 2025 chunkstore authors. MIT License.
package codec

import (
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
	"lukechampine.com/blake3"
)

// HashSize is the length in bytes of a ChunkHash (BLAKE3-256 digest).
const HashSize = 32

// Hash is a content-addressing digest: BLAKE3-256 of a chunk's
// uncompressed bytes.
type Hash [HashSize]byte

// Compression identifies the per-chunk compression scheme. It is encoded
// in bit 0 of the entry/index flags field; bits 1-15 are reserved.
type Compression uint8

const (
	// CompressionNone stores the chunk payload verbatim.
	CompressionNone Compression = iota
	// CompressionLZ4 stores the chunk payload as a raw LZ4 block. The
	// block form (not the framed form) is used deliberately: spec §9
	// leaves LZ4 framing as an open question, and a bare block avoids a
	// second, redundant magic number inside every compressed entry since
	// the outer ChunkEntry.len field already delimits the payload.
	CompressionLZ4
)

const compressionFlagMask uint16 = 0x1

// FlagsFor returns the on-disk flags value for the given compression
// choice. Bits 1-15 are always written zero (spec §3, §6).
func FlagsFor(c Compression) uint16 {
	if c == CompressionLZ4 {
		return compressionFlagMask
	}
	return 0
}

// CompressionFromFlags extracts the compression scheme from an on-disk
// flags value, ignoring all reserved bits.
func CompressionFromFlags(flags uint16) Compression {
	if flags&compressionFlagMask != 0 {
		return CompressionLZ4
	}
	return CompressionNone
}

var hasherPool = sync.Pool{
	New: func() any { return blake3.New(HashSize, nil) },
}

// HashBytes computes the BLAKE3-256 digest of raw (uncompressed) bytes.
func HashBytes(raw []byte) Hash {
	h := hasherPool.Get().(*blake3.Hasher)
	defer func() {
		h.Reset()
		hasherPool.Put(h)
	}()

	h.Write(raw)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Encode compresses raw according to c and returns the on-disk payload and
// flags value. For CompressionNone, payload aliases raw. The LZ4 block
// form is used verbatim, with no additional length prefix of our own: the
// outer ChunkEntry.len field already delimits the on-disk payload, and
// Decode recovers the uncompressed size from the caller-supplied bound
// rather than a bespoke in-payload header.
func Encode(raw []byte, c Compression) (payload []byte, flags uint16, err error) {
	switch c {
	case CompressionNone:
		return raw, 0, nil
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		var compressor lz4.Compressor
		written, err := compressor.CompressBlock(raw, buf)
		if err != nil {
			return nil, 0, fmt.Errorf("codec: lz4 compress: %w", err)
		}
		if written == 0 || written >= len(raw) {
			// Incompressible input: lz4 either reports n==0 or produces a
			// block no smaller than raw. Fall back to storing the chunk
			// uncompressed.
			return raw, 0, nil
		}
		return buf[:written], compressionFlagMask, nil
	default:
		return nil, 0, fmt.Errorf("codec: unknown compression %d", c)
	}
}

// Decode decompresses payload according to flags, verifies the result
// hashes to expected, and returns the raw bytes. maxRawSize bounds the
// decompression buffer and must be at least as large as the original
// uncompressed chunk (the store passes its configured max chunk size);
// lz4.UncompressBlock reports the actual decompressed length itself, so
// the buffer only needs to be large enough, not exact. It returns an
// IntegrityError if the hash does not match.
func Decode(payload []byte, flags uint16, expected Hash, maxRawSize int) ([]byte, error) {
	var raw []byte
	switch CompressionFromFlags(flags) {
	case CompressionNone:
		raw = payload
	case CompressionLZ4:
		buf := make([]byte, maxRawSize)
		written, err := lz4.UncompressBlock(payload, buf)
		if err != nil {
			return nil, fmt.Errorf("codec: lz4 decompress: %w", err)
		}
		raw = buf[:written]
	}

	got := HashBytes(raw)
	if got != expected {
		return nil, &IntegrityError{Expected: expected, Got: got}
	}
	return raw, nil
}

// IntegrityError reports that decoded bytes do not hash to the expected
// ChunkHash (spec §7 Corruption: "chunk bytes whose BLAKE3 does not match
// their index hash").
type IntegrityError struct {
	Expected Hash
	Got      Hash
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("codec: hash mismatch: expected %x, got %x", e.Expected, e.Got)
}

// CRC32 computes the IEEE CRC32 of the full contents of r.
func CRC32(r io.Reader) (uint32, error) {
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, r); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}

// CRC32Bytes computes the IEEE CRC32 of b in memory.
func CRC32Bytes(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
