package codec

import (
	"bytes"
	"testing"
)

func TestHashBytesDeterministic(t *testing.T) {
	a := HashBytes([]byte("hello world"))
	b := HashBytes([]byte("hello world"))
	if a != b {
		t.Fatalf("hash not deterministic: %x != %x", a, b)
	}
	if a == (Hash{}) {
		t.Fatal("hash must not be the zero value for non-empty input")
	}
}

func TestHashBytesDistinctForDifferentInput(t *testing.T) {
	a := HashBytes([]byte("hello world"))
	b := HashBytes([]byte("hello world!"))
	if a == b {
		t.Fatal("expected distinct hashes for distinct inputs")
	}
}

func TestEncodeDecodeRoundTripNone(t *testing.T) {
	raw := []byte("the quick brown fox jumps over the lazy dog")
	payload, flags, err := Encode(raw, CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	if flags != 0 {
		t.Fatalf("expected flags 0 for CompressionNone, got %d", flags)
	}
	out, err := Decode(payload, flags, HashBytes(raw), len(raw))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, raw) {
		t.Fatalf("round trip mismatch: got %q, want %q", out, raw)
	}
}

func TestEncodeDecodeRoundTripLZ4(t *testing.T) {
	raw := bytes.Repeat([]byte("compress me please "), 500)
	payload, flags, err := Encode(raw, CompressionLZ4)
	if err != nil {
		t.Fatal(err)
	}
	if len(payload) >= len(raw) {
		t.Fatalf("expected compression to shrink a repetitive payload: %d >= %d", len(payload), len(raw))
	}
	out, err := Decode(payload, flags, HashBytes(raw), len(raw))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, raw) {
		t.Fatal("round trip mismatch for LZ4 payload")
	}
}

func TestEncodeLZ4IncompressibleFallsBackToNone(t *testing.T) {
	// A single byte has nothing to compress; lz4 cannot make it smaller,
	// so Encode should fall back to storing it verbatim rather than failing.
	raw := []byte{0x42}
	payload, flags, err := Encode(raw, CompressionLZ4)
	if err != nil {
		t.Fatal(err)
	}
	if flags != 0 {
		t.Fatalf("expected fallback to CompressionNone flags, got %d", flags)
	}
	if !bytes.Equal(payload, raw) {
		t.Fatalf("expected verbatim payload, got %v", payload)
	}
}

func TestDecodeDetectsHashMismatch(t *testing.T) {
	raw := []byte("original bytes")
	payload, flags, err := Encode(raw, CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	wrongHash := HashBytes([]byte("different bytes"))
	_, err = Decode(payload, flags, wrongHash, len(raw))
	var integrityErr *IntegrityError
	if err == nil {
		t.Fatal("expected IntegrityError, got nil")
	}
	if !as(err, &integrityErr) {
		t.Fatalf("expected *IntegrityError, got %T: %v", err, err)
	}
}

func TestCRC32BytesMatchesCRC32Reader(t *testing.T) {
	data := []byte("crc32 over these bytes")
	want := CRC32Bytes(data)
	got, err := CRC32(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("CRC32 reader/bytes mismatch: %d != %d", got, want)
	}
}

func TestFlagsRoundTrip(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4} {
		flags := FlagsFor(c)
		if got := CompressionFromFlags(flags); got != c {
			t.Fatalf("flags round trip: %v -> %d -> %v", c, flags, got)
		}
	}
}

func as(err error, target **IntegrityError) bool {
	ie, ok := err.(*IntegrityError)
	if !ok {
		return false
	}
	*target = ie
	return true
}
