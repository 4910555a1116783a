package pack

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cofferhq/coffer/pkg/backend"
	"github.com/cofferhq/coffer/pkg/crypto"
	"github.com/cofferhq/coffer/pkg/errdefs"
	"github.com/cofferhq/coffer/pkg/metrics"
	"github.com/cofferhq/coffer/pkg/types"
)

// ReadChunk fetches one chunk by its index location with a ranged read
// and returns the plaintext. The caller is responsible for comparing
// the result's content hash against the chunk id it asked for.
func ReadChunk(ctx context.Context, be backend.Backend, key *crypto.Key, loc types.Location) ([]byte, error) {
	h := backend.Handle{Type: backend.PackFile, Name: loc.Pack}
	ciphertext, err := be.GetRange(ctx, h, int64(loc.Offset), int(loc.Length))
	if err != nil {
		return nil, err
	}
	metrics.BytesDownloadedTotal.Add(float64(len(ciphertext)))

	plaintext, err := DecodeChunk(key, ciphertext, loc.PlaintextLength)
	if err != nil {
		return nil, errdefs.New(errdefs.KindCorrupt, h.Key(), err)
	}
	return plaintext, nil
}

// Verify downloads a whole pack, checks the trailing hash and returns
// the decrypted header entries. This is the mandatory integrity gate
// before any entry from a never-verified pack may be served, and the
// workhorse of the check operation.
func Verify(ctx context.Context, be backend.Backend, key *crypto.Key, packID string) ([]HeaderEntry, error) {
	h := backend.Handle{Type: backend.PackFile, Name: packID}
	blob, err := be.Get(ctx, h)
	if err != nil {
		return nil, err
	}
	metrics.BytesDownloadedTotal.Add(float64(len(blob)))
	return decode(key, packID, blob)
}

// decode validates a full pack image and extracts its header.
func decode(key *crypto.Key, packID string, blob []byte) ([]HeaderEntry, error) {
	object := "data/" + packID
	if len(blob) < tailSize {
		return nil, errdefs.Newf(errdefs.KindCorrupt, object, "pack truncated: %d bytes", len(blob))
	}

	body, storedHash := blob[:len(blob)-types.IDSize], blob[len(blob)-types.IDSize:]
	digest := crypto.Hash(body)
	if !digest.Equal(mustID(storedHash)) {
		return nil, errdefs.Newf(errdefs.KindCorrupt, object, "trailing hash mismatch")
	}

	headerLen := getLen(body[len(body)-lenFieldSize:])
	if int(headerLen) > len(body)-lenFieldSize {
		return nil, errdefs.Newf(errdefs.KindCorrupt, object, "header length %d exceeds pack", headerLen)
	}
	sealedHeader := body[len(body)-lenFieldSize-int(headerLen) : len(body)-lenFieldSize]

	headerJSON, err := key.Open(sealedHeader)
	if err != nil {
		return nil, errdefs.New(errdefs.KindCorrupt, object, fmt.Errorf("header: %w", err))
	}

	var entries []HeaderEntry
	if err := json.Unmarshal(headerJSON, &entries); err != nil {
		return nil, errdefs.New(errdefs.KindCorrupt, object, fmt.Errorf("header: %w", err))
	}

	// Entries must lie inside the chunk area.
	chunkArea := len(body) - lenFieldSize - int(headerLen)
	for _, e := range entries {
		if int(e.Offset)+int(e.Length) > chunkArea {
			return nil, errdefs.Newf(errdefs.KindCorrupt, object,
				"entry %s outside chunk area", e.ID.Short())
		}
	}
	return entries, nil
}

func mustID(b []byte) types.ID {
	id, err := types.IDFromBytes(b)
	if err != nil {
		panic(err)
	}
	return id
}
