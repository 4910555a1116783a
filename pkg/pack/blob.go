package pack

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/cofferhq/coffer/pkg/crypto"
	"github.com/cofferhq/coffer/pkg/errdefs"
)

// Compression algorithm byte, the first plaintext byte inside every
// chunk envelope. The recorded plaintext length never includes it and
// always refers to the uncompressed chunk.
const (
	compressionNone byte = 0
	compressionZstd byte = 1
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	// EncodeAll/DecodeAll on shared instances are safe for concurrent
	// use.
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
}

// EncodeChunk seals a chunk's plaintext into its stored ciphertext.
// With compress set, zstd is applied first and kept only when it
// actually shrinks the payload.
func EncodeChunk(key *crypto.Key, plaintext []byte, compress bool) ([]byte, error) {
	payload := make([]byte, 1, 1+len(plaintext))
	payload[0] = compressionNone

	if compress {
		compressed := zstdEncoder.EncodeAll(plaintext, nil)
		if len(compressed) < len(plaintext) {
			payload[0] = compressionZstd
			payload = append(payload, compressed...)
		}
	}
	if payload[0] == compressionNone {
		payload = append(payload, plaintext...)
	}

	return key.Seal(payload)
}

// DecodeChunk reverses EncodeChunk and checks the plaintext length
// against the recorded one.
func DecodeChunk(key *crypto.Key, ciphertext []byte, plaintextLength uint32) ([]byte, error) {
	payload, err := key.Open(ciphertext)
	if err != nil {
		return nil, err
	}
	if len(payload) < 1 {
		return nil, errdefs.Newf(errdefs.KindCorrupt, "", "chunk payload empty")
	}

	alg, body := payload[0], payload[1:]
	var plaintext []byte
	switch alg {
	case compressionNone:
		plaintext = body
	case compressionZstd:
		plaintext, err = zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, errdefs.New(errdefs.KindCorrupt, "", fmt.Errorf("zstd: %w", err))
		}
	default:
		return nil, errdefs.Newf(errdefs.KindCorrupt, "", "unknown compression algorithm %d", alg)
	}

	if uint32(len(plaintext)) != plaintextLength {
		return nil, errdefs.Newf(errdefs.KindCorrupt, "",
			"chunk plaintext length %d, recorded %d", len(plaintext), plaintextLength)
	}
	return plaintext, nil
}
