// Package sealer drives the pack -> sealed state transition described in
// spec §4.4 Seal / §4.7: validating every IndexEntry against its `.dat`
// bytes, appending CRC32 trailers to both files, and marking them
// read-only. The transition is irreversible.
//
// © 2025 chunkstore authors. MIT License.
package sealer

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/chronoverse/chunkstore/internal/chunkindex"
	"github.com/chronoverse/chunkstore/internal/codec"
	"github.com/chronoverse/chunkstore/internal/packfile"
)

// ValidationError reports that an index entry does not describe a valid
// ChunkEntry in the corresponding `.dat` file (spec §4.4 Seal
// preconditions 2-4; surfaced as a Corruption error per spec §7).
type ValidationError struct {
	DatPath string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("sealer: %s: %s", e.DatPath, e.Reason)
}

// Result reports the CRC32 trailers written to each sealed file.
type Result struct {
	DatCRC uint32
	IdxCRC uint32
}

// SealPack validates ix against the `.dat` file at datPath, seals the
// index (appending its CRC32 trailer), then appends the `.dat` file's own
// CRC32 trailer, and finally marks both files read-only. ix must already
// be loaded from disk and unsealed.
func SealPack(datPath string, ix *chunkindex.Index) (Result, error) {
	if ix.Sealed() {
		return Result{}, fmt.Errorf("sealer: %s: index is already sealed", ix.Path())
	}

	f, err := os.Open(datPath)
	if err != nil {
		return Result{}, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return Result{}, err
	}
	datSize := info.Size()
	f.Close()

	if err := validateEntries(datPath, datSize, ix.Entries()); err != nil {
		return Result{}, err
	}

	idxCRC, err := ix.Seal()
	if err != nil {
		return Result{}, err
	}

	datCRC, err := sealDat(datPath, datSize)
	if err != nil {
		return Result{}, err
	}

	if err := os.Chmod(ix.Path(), 0o444); err != nil {
		return Result{}, err
	}
	if err := os.Chmod(datPath, 0o444); err != nil {
		return Result{}, err
	}

	return Result{DatCRC: datCRC, IdxCRC: idxCRC}, nil
}

func validateEntries(datPath string, datSize int64, entries []chunkindex.Entry) error {
	for _, e := range entries {
		if e.Offset < packfile.HeaderSize {
			return &ValidationError{DatPath: datPath, Reason: fmt.Sprintf("entry %x offset %d precedes pack header", e.Hash, e.Offset)}
		}
		end := int64(e.Offset) + packfile.EntryPrefixSize + int64(e.Length)
		if end > datSize {
			return &ValidationError{DatPath: datPath, Reason: fmt.Sprintf("entry %x extends past pack size %d", e.Hash, datSize)}
		}
		got, err := packfile.ReadEntryAt(datPath, e.Offset, datSize)
		if err != nil {
			return err
		}
		if got.Len != e.Length || got.Flags != e.Flags || got.Hash != e.Hash {
			return &ValidationError{DatPath: datPath, Reason: fmt.Sprintf("entry %x at offset %d does not match its ChunkEntry (len=%d/%d flags=%d/%d)", e.Hash, e.Offset, got.Len, e.Length, got.Flags, e.Flags)}
		}
	}
	return nil
}

func sealDat(datPath string, datSize int64) (uint32, error) {
	f, err := os.OpenFile(datPath, os.O_RDWR, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	crc, err := codec.CRC32(io.NewSectionReader(f, 0, datSize))
	if err != nil {
		return 0, err
	}

	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], crc)
	if _, err := f.WriteAt(trailer[:], datSize); err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}
	return crc, nil
}
