package repo

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/cofferhq/coffer/pkg/backend"
	"github.com/cofferhq/coffer/pkg/crypto"
	"github.com/cofferhq/coffer/pkg/errdefs"
	"github.com/cofferhq/coffer/pkg/types"
)

// keyFile is the stored form of one repository key: KDF parameters and
// the data encryption key sealed under the password-derived master key.
// Several key files may coexist; any one that the password opens grants
// access to the shared DEK.
type keyFile struct {
	KDFParams    crypto.KDFParams `json:"kdf_params"`
	EncryptedKey string           `json:"encrypted_key"` // hex AEAD envelope over the DEK
}

// createKey seals dek under a fresh master key derived from password
// and stores it as a new key file. Returns the key id.
func createKey(ctx context.Context, be backend.Backend, password string, params crypto.KDFParams, dek *crypto.Key) (string, error) {
	fresh, err := crypto.NewKDFParams()
	if err != nil {
		return "", err
	}
	// Work factors follow the repository config; the salt is always
	// per-key.
	params.Salt = fresh.Salt

	master, err := crypto.DeriveKey(password, params)
	if err != nil {
		return "", err
	}
	sealed, err := master.Seal(dek.Bytes())
	if err != nil {
		return "", err
	}

	kf := keyFile{KDFParams: params, EncryptedKey: hex.EncodeToString(sealed)}
	data, err := json.MarshalIndent(&kf, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize key file: %w", err)
	}

	id := types.NewStorageID()
	h := backend.Handle{Type: backend.KeyFile, Name: id}
	if err := be.PutIfAbsent(ctx, h, data); err != nil {
		return "", err
	}
	return id, nil
}

// openKey tries the password against every key file and returns the
// DEK from the first one that opens. All failures together mean the
// password is wrong; no data object is touched on that path.
func openKey(ctx context.Context, be backend.Backend, password string) (*crypto.Key, error) {
	var names []string
	err := be.List(ctx, backend.KeyFile, func(name string, _ int64) error {
		names = append(names, name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, errdefs.Newf(errdefs.KindConfig, "keys", "repository has no key files")
	}

	for _, name := range names {
		h := backend.Handle{Type: backend.KeyFile, Name: name}
		data, err := be.Get(ctx, h)
		if err != nil {
			return nil, err
		}

		var kf keyFile
		if err := json.Unmarshal(data, &kf); err != nil {
			// A malformed key file does not block the others.
			continue
		}
		sealed, err := hex.DecodeString(kf.EncryptedKey)
		if err != nil {
			continue
		}
		master, err := crypto.DeriveKey(password, kf.KDFParams)
		if err != nil {
			continue
		}
		raw, err := master.Open(sealed)
		if err != nil {
			// Wrong password for this key file; try the next.
			continue
		}
		return crypto.NewKey(raw)
	}

	return nil, errdefs.Newf(errdefs.KindAuth, "keys", "no key file decrypts with the given password")
}

// AddKey grants an additional password access to the repository.
func (r *Repository) AddKey(ctx context.Context, newPassword string) (string, error) {
	return createKey(ctx, r.be, newPassword, r.cfg.KDFParams, r.key)
}

// RemoveKey deletes a key file. The last key is never removed; losing
// it would strand the DEK.
func (r *Repository) RemoveKey(ctx context.Context, keyID string) error {
	count := 0
	err := r.be.List(ctx, backend.KeyFile, func(string, int64) error {
		count++
		return nil
	})
	if err != nil {
		return err
	}
	if count <= 1 {
		return errdefs.Newf(errdefs.KindUsage, "keys/"+keyID, "refusing to remove the last key")
	}
	return r.be.Delete(ctx, backend.Handle{Type: backend.KeyFile, Name: keyID})
}

// ListKeys returns the ids of all key files.
func (r *Repository) ListKeys(ctx context.Context) ([]string, error) {
	var names []string
	err := r.be.List(ctx, backend.KeyFile, func(name string, _ int64) error {
		names = append(names, name)
		return nil
	})
	return names, err
}
