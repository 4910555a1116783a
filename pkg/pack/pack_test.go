package pack

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/cofferhq/coffer/pkg/backend"
	"github.com/cofferhq/coffer/pkg/crypto"
	"github.com/cofferhq/coffer/pkg/errdefs"
)

func testKey(t *testing.T) *crypto.Key {
	t.Helper()
	key, err := crypto.NewRandomKey()
	if err != nil {
		t.Fatal(err)
	}
	return key
}

// buildPack writes the given plaintexts into a sealed pack stored in a
// fresh mem backend.
func buildPack(t *testing.T, key *crypto.Key, compress bool, plaintexts ...[]byte) (*backend.Mem, *Sealed) {
	t.Helper()
	w := NewWriter(key, compress)
	for _, p := range plaintexts {
		if err := w.Add(crypto.Hash(p), p); err != nil {
			t.Fatal(err)
		}
	}
	sealed, err := w.Finalize()
	if err != nil {
		t.Fatal(err)
	}

	be := backend.NewMem()
	h := backend.Handle{Type: backend.PackFile, Name: sealed.ID}
	if err := be.PutIfAbsent(context.Background(), h, sealed.Blob); err != nil {
		t.Fatal(err)
	}
	return be, sealed
}

func TestWriterReaderRoundTrip(t *testing.T) {
	key := testKey(t)
	chunks := [][]byte{
		[]byte("first chunk"),
		bytes.Repeat([]byte{0xaa}, 100_000),
		[]byte("z"),
	}
	be, sealed := buildPack(t, key, false, chunks...)

	if len(sealed.Entries) != len(chunks) {
		t.Fatalf("entries = %d, want %d", len(sealed.Entries), len(chunks))
	}

	for i, e := range sealed.Entries {
		got, err := ReadChunk(context.Background(), be, key, e.Location(sealed.ID))
		if err != nil {
			t.Fatalf("ReadChunk %d failed: %v", i, err)
		}
		if !bytes.Equal(got, chunks[i]) {
			t.Errorf("chunk %d mismatch", i)
		}
		if crypto.Hash(got) != e.ID {
			t.Errorf("chunk %d id mismatch", i)
		}
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	key := testKey(t)
	compressible := bytes.Repeat([]byte("abcdefgh"), 50_000)
	incompressible := make([]byte, 100_000)
	rand.New(rand.NewSource(3)).Read(incompressible)

	be, sealed := buildPack(t, key, true, compressible, incompressible)

	// The compressible chunk's ciphertext must be far smaller than its
	// plaintext; the incompressible one stays at full size.
	if sealed.Entries[0].Length >= uint32(len(compressible)) {
		t.Errorf("compressible chunk not compressed: ct=%d pt=%d",
			sealed.Entries[0].Length, len(compressible))
	}
	if sealed.Entries[1].Length < uint32(len(incompressible)) {
		t.Errorf("incompressible chunk shrank: ct=%d pt=%d",
			sealed.Entries[1].Length, len(incompressible))
	}

	for i, want := range [][]byte{compressible, incompressible} {
		got, err := ReadChunk(context.Background(), be, key, sealed.Entries[i].Location(sealed.ID))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("chunk %d mismatch after compression round trip", i)
		}
		if sealed.Entries[i].PlaintextLength != uint32(len(want)) {
			t.Errorf("chunk %d plaintext length = %d, want %d",
				i, sealed.Entries[i].PlaintextLength, len(want))
		}
	}
}

func TestVerify(t *testing.T) {
	key := testKey(t)
	be, sealed := buildPack(t, key, false, []byte("alpha"), []byte("beta"))

	entries, err := Verify(context.Background(), be, key, sealed.ID)
	if err != nil {
		t.Fatalf("Verify failed on a good pack: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Verify returned %d entries, want 2", len(entries))
	}
}

// Flipping a bit anywhere in the pack must be detected.
func TestVerifyDetectsBitFlips(t *testing.T) {
	key := testKey(t)
	be, sealed := buildPack(t, key, false, []byte("some chunk data for the corruption sweep"))

	h := backend.Handle{Type: backend.PackFile, Name: sealed.ID}
	blob, err := be.Get(context.Background(), h)
	if err != nil {
		t.Fatal(err)
	}

	// Sweep a sample of offsets including both ends; a full sweep of
	// every bit would be slow without adding coverage.
	offsets := []int{0, 1, len(blob) / 2, len(blob) - 40, len(blob) - 1}
	for _, off := range offsets {
		mutated := bytes.Clone(blob)
		mutated[off] ^= 0x01
		if err := be.Put(context.Background(), h, mutated); err != nil {
			t.Fatal(err)
		}
		if _, err := Verify(context.Background(), be, key, sealed.ID); !errdefs.IsCorrupt(err) {
			t.Errorf("bit flip at offset %d: Verify = %v, want corrupt", off, err)
		}
	}
}

func TestVerifyTruncated(t *testing.T) {
	key := testKey(t)
	be, sealed := buildPack(t, key, false, []byte("data"))
	h := backend.Handle{Type: backend.PackFile, Name: sealed.ID}

	if err := be.Put(context.Background(), h, sealed.Blob[:10]); err != nil {
		t.Fatal(err)
	}
	if _, err := Verify(context.Background(), be, key, sealed.ID); !errdefs.IsCorrupt(err) {
		t.Errorf("truncated pack: Verify = %v, want corrupt", err)
	}
}

func TestFinalizeEmptyPackRefused(t *testing.T) {
	w := NewWriter(testKey(t), false)
	if _, err := w.Finalize(); err == nil {
		t.Error("Finalize on empty pack succeeded")
	}
}

func TestWriterAccounting(t *testing.T) {
	key := testKey(t)
	w := NewWriter(key, false)

	if w.Full(1) {
		t.Error("empty writer reports full")
	}
	p := bytes.Repeat([]byte{1}, 1000)
	if err := w.Add(crypto.Hash(p), p); err != nil {
		t.Fatal(err)
	}
	if w.Count() != 1 {
		t.Errorf("Count = %d, want 1", w.Count())
	}
	if w.Size() <= 1000 {
		t.Errorf("Size = %d, want > plaintext (envelope overhead)", w.Size())
	}
	if !w.Full(100) {
		t.Error("writer past target does not report full")
	}
}
