package crypto

import (
	"bytes"
	"testing"

	"github.com/cofferhq/coffer/pkg/errdefs"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := NewRandomKey()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"small", []byte("hello\n")},
		{"binary", bytes.Repeat([]byte{0x00, 0xff, 0x42}, 1000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := key.Seal(tt.data)
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}
			if len(sealed) != len(tt.data)+Overhead {
				t.Errorf("sealed length = %d, want %d", len(sealed), len(tt.data)+Overhead)
			}

			opened, err := key.Open(sealed)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if !bytes.Equal(opened, tt.data) {
				t.Errorf("round trip mismatch: got %d bytes, want %d", len(opened), len(tt.data))
			}
		})
	}
}

func TestSealUsesFreshNonces(t *testing.T) {
	key, err := NewRandomKey()
	if err != nil {
		t.Fatal(err)
	}
	a, _ := key.Seal([]byte("same plaintext"))
	b, _ := key.Seal([]byte("same plaintext"))
	if bytes.Equal(a, b) {
		t.Error("two Seal calls produced identical envelopes; nonce reuse")
	}
}

func TestOpenDetectsTampering(t *testing.T) {
	key, err := NewRandomKey()
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := key.Seal([]byte("payload under test"))
	if err != nil {
		t.Fatal(err)
	}

	// Flip one bit at every position; every mutation must fail closed.
	for i := range sealed {
		mutated := bytes.Clone(sealed)
		mutated[i] ^= 0x01
		if _, err := key.Open(mutated); err == nil {
			t.Fatalf("bit flip at offset %d went undetected", i)
		} else if !errdefs.IsCorrupt(err) {
			t.Fatalf("bit flip at offset %d: got %v, want corrupt", i, err)
		}
	}
}

func TestOpenRejectsShortInput(t *testing.T) {
	key, err := NewRandomKey()
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []int{0, 1, Overhead - 1} {
		if _, err := key.Open(make([]byte, n)); !errdefs.IsCorrupt(err) {
			t.Errorf("Open(%d bytes) = %v, want corrupt", n, err)
		}
	}
}

func TestOpenWrongKey(t *testing.T) {
	k1, _ := NewRandomKey()
	k2, _ := NewRandomKey()
	sealed, err := k1.Seal([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := k2.Open(sealed); !errdefs.IsCorrupt(err) {
		t.Errorf("Open with wrong key = %v, want corrupt", err)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	params, err := NewKDFParams()
	if err != nil {
		t.Fatal(err)
	}
	// Shrink work factors so the test stays fast.
	params.Time = 1
	params.MemoryKiB = 8 * 1024

	k1, err := DeriveKey("pw", params)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := DeriveKey("pw", params)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k1.Bytes(), k2.Bytes()) {
		t.Error("same password and params derived different keys")
	}

	k3, err := DeriveKey("other", params)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(k1.Bytes(), k3.Bytes()) {
		t.Error("different passwords derived the same key")
	}
}

func TestDeriveKeyValidation(t *testing.T) {
	params, _ := NewKDFParams()
	params.Algorithm = "md5"
	if _, err := DeriveKey("pw", params); err == nil {
		t.Error("unsupported algorithm accepted")
	}

	params, _ = NewKDFParams()
	params.Salt = "not hex"
	if _, err := DeriveKey("pw", params); err == nil {
		t.Error("invalid salt accepted")
	}
}

func TestHashIsStableAndStreaming(t *testing.T) {
	data := []byte("the quick brown fox")
	h1 := Hash(data)
	h2 := Hash(data)
	if h1 != h2 {
		t.Error("Hash is not deterministic")
	}

	hasher := NewHasher()
	hasher.Write(data[:5])
	hasher.Write(data[5:])
	if !bytes.Equal(hasher.Sum(nil), h1[:]) {
		t.Error("streaming hasher disagrees with one-shot Hash")
	}
}
