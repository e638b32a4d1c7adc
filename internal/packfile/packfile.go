// Package packfile implements the PackWriter/PackReader components: the
// append-only `.dat` half of a pack. It owns the append cursor, the
// 10-byte pack header, and the fixed ChunkEntry wire format.
//
// No fsync is performed by Append itself (spec §4.3): callers that need
// the crash-safety ordering guarantee of §4.8 must call Sync() before
// making the corresponding IndexEntry durable.
//
// © 2025 chunkstore authors. MIT License.
package packfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/chronoverse/chunkstore/internal/codec"
)

const (
	// HeaderSize is the fixed size in bytes of a pack header.
	HeaderSize = 10

	// EntryPrefixSize is the fixed portion of a ChunkEntry preceding its
	// variable-length data: len(4) + flags(2) + hash(32).
	EntryPrefixSize = 4 + 2 + codec.HashSize

	datMagic   uint32 = 0x43525642 // "CRVB"
	datVersion uint16 = 0x0001
)

// Header is the 10-byte little-endian pack header.
type Header struct {
	Magic    uint32
	Version  uint16
	Reserved uint32
}

// FormatError reports a magic/version mismatch or a short read, per spec §7.
type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("packfile: %s: %s", e.Path, e.Reason)
}

func defaultHeader() Header {
	return Header{Magic: datMagic, Version: datVersion}
}

func (h Header) encode() [HeaderSize]byte {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint32(buf[6:10], h.Reserved)
	return buf
}

func decodeHeader(buf [HeaderSize]byte) Header {
	return Header{
		Magic:    binary.LittleEndian.Uint32(buf[0:4]),
		Version:  binary.LittleEndian.Uint16(buf[4:6]),
		Reserved: binary.LittleEndian.Uint32(buf[6:10]),
	}
}

// ReadHeader reads and validates the pack header at the start of f.
func ReadHeader(path string, f *os.File) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := f.ReadAt(buf[:], 0); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Header{}, &FormatError{Path: path, Reason: "short read in pack header"}
		}
		return Header{}, err
	}
	h := decodeHeader(buf)
	if h.Magic != datMagic {
		return Header{}, &FormatError{Path: path, Reason: fmt.Sprintf("bad magic %#x", h.Magic)}
	}
	if h.Version != datVersion {
		return Header{}, &FormatError{Path: path, Reason: fmt.Sprintf("unsupported version %#x", h.Version)}
	}
	return h, nil
}

// Entry is an in-memory view of a decoded ChunkEntry.
type Entry struct {
	Len   uint32
	Flags uint16
	Hash  codec.Hash
	Data  []byte
}

// Writer owns the append cursor of an unsealed `.dat` file.
type Writer struct {
	path   string
	f      *os.File
	offset int64 // equals current file length
}

// Create creates a brand-new `.dat` file at path with a fresh header.
// The caller must ensure path does not already exist.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	hdr := defaultHeader().encode()
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{path: path, f: f, offset: HeaderSize}, nil
}

// OpenForAppend reopens an existing unsealed `.dat` file for continued
// writes, positioning the cursor at the current end of file.
func OpenForAppend(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := ReadHeader(path, f); err != nil {
		f.Close()
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{path: path, f: f, offset: info.Size()}, nil
}

// Append writes a ChunkEntry {len, flags, hash, data} at the current end
// of file and returns the byte offset of the entry's first byte (the
// position of its len field), as required by IndexEntry.offset (spec §3).
func (w *Writer) Append(hash codec.Hash, payload []byte, flags uint16) (offset uint64, err error) {
	var prefix [EntryPrefixSize]byte
	binary.LittleEndian.PutUint32(prefix[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint16(prefix[4:6], flags)
	copy(prefix[6:6+codec.HashSize], hash[:])

	recordOffset := w.offset
	if _, err := w.f.Write(prefix[:]); err != nil {
		return 0, err
	}
	if len(payload) > 0 {
		if _, err := w.f.Write(payload); err != nil {
			return 0, err
		}
	}
	w.offset += int64(EntryPrefixSize) + int64(len(payload))
	return uint64(recordOffset), nil
}

// Sync flushes the `.dat` file to stable storage. Spec §4.8 requires this
// (or an equivalent ordering guarantee) to run before the matching
// IndexEntry is made durable via atomic rename.
func (w *Writer) Sync() error { return w.f.Sync() }

// Size returns the current logical length of the pack file.
func (w *Writer) Size() int64 { return w.offset }

// Path returns the filesystem path of the underlying `.dat` file.
func (w *Writer) Path() string { return w.path }

// Close releases the underlying file handle without truncating or
// otherwise mutating file content.
func (w *Writer) Close() error { return w.f.Close() }

// ReadEntryAt decodes the ChunkEntry whose len field starts at offset
// within the `.dat` file identified by path. It bounds-checks offset and
// the entry's data length against the file's actual size.
func ReadEntryAt(path string, offset uint64, fileSize int64) (Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()
	return readEntryAt(path, f, offset, fileSize)
}

func readEntryAt(path string, f *os.File, offset uint64, fileSize int64) (Entry, error) {
	if offset < HeaderSize {
		return Entry{}, &FormatError{Path: path, Reason: "offset precedes pack header"}
	}
	if int64(offset)+EntryPrefixSize > fileSize {
		return Entry{}, &FormatError{Path: path, Reason: "entry prefix out of bounds"}
	}

	var prefix [EntryPrefixSize]byte
	if _, err := f.ReadAt(prefix[:], int64(offset)); err != nil {
		return Entry{}, err
	}
	length := binary.LittleEndian.Uint32(prefix[0:4])
	flags := binary.LittleEndian.Uint16(prefix[4:6])
	var hash codec.Hash
	copy(hash[:], prefix[6:6+codec.HashSize])

	dataStart := int64(offset) + EntryPrefixSize
	dataEnd := dataStart + int64(length)
	if dataEnd > fileSize {
		return Entry{}, &FormatError{Path: path, Reason: "entry data out of bounds"}
	}

	data := make([]byte, length)
	if length > 0 {
		if _, err := f.ReadAt(data, dataStart); err != nil {
			return Entry{}, err
		}
	}
	return Entry{Len: length, Flags: flags, Hash: hash, Data: data}, nil
}
