package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// KDFAlgorithm names a supported key derivation function.
const KDFAlgorithmArgon2id = "argon2id"

// Default argon2id parameters. Sized so derivation takes on the order
// of a hundred milliseconds on commodity hardware.
const (
	defaultKDFTime        = 4
	defaultKDFMemoryKiB   = 64 * 1024
	defaultKDFParallelism = 2
	saltSize              = 16
)

// KDFParams describes how a password becomes a master key. The
// repository config carries the parameters chosen at init; every key
// file carries its own copy, which governs that key.
type KDFParams struct {
	Algorithm   string `json:"algorithm"`
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory_kib"`
	Parallelism uint8  `json:"parallelism"`
	Salt        string `json:"salt"` // lowercase hex
}

// NewKDFParams returns default parameters with a fresh random salt
func NewKDFParams() (KDFParams, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return KDFParams{}, fmt.Errorf("failed to generate salt: %w", err)
	}
	return KDFParams{
		Algorithm:   KDFAlgorithmArgon2id,
		Time:        defaultKDFTime,
		MemoryKiB:   defaultKDFMemoryKiB,
		Parallelism: defaultKDFParallelism,
		Salt:        hex.EncodeToString(salt),
	}, nil
}

// DeriveKey stretches a password into a master key using the stored
// parameters.
func DeriveKey(password string, params KDFParams) (*Key, error) {
	if params.Algorithm != KDFAlgorithmArgon2id {
		return nil, fmt.Errorf("unsupported kdf algorithm %q", params.Algorithm)
	}
	salt, err := hex.DecodeString(params.Salt)
	if err != nil {
		return nil, fmt.Errorf("invalid kdf salt: %w", err)
	}
	if params.Time == 0 || params.MemoryKiB == 0 || params.Parallelism == 0 {
		return nil, fmt.Errorf("invalid kdf parameters: time=%d memory=%d parallelism=%d",
			params.Time, params.MemoryKiB, params.Parallelism)
	}

	raw := argon2.IDKey([]byte(password), salt, params.Time, params.MemoryKiB, params.Parallelism, KeySize)
	return NewKey(raw)
}
