package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cofferhq/coffer/pkg/backend"
	"github.com/cofferhq/coffer/pkg/chunker"
	"github.com/cofferhq/coffer/pkg/crypto"
	"github.com/cofferhq/coffer/pkg/errdefs"
	"github.com/cofferhq/coffer/pkg/types"
)

// RepoVersion is the only repository format version this engine
// understands. Opening a repository with any other version fails.
const RepoVersion = 1

// Config is the plaintext repository configuration, written once at
// init and read-only afterwards.
type Config struct {
	Version           int              `json:"version"`
	ID                string           `json:"id"`
	ChunkerPolynomial string           `json:"chunker_polynomial"`
	KDFParams         crypto.KDFParams `json:"kdf_params"`
	IDEncoding        string           `json:"id_encoding"`
}

var configHandle = backend.Handle{Type: backend.ConfigFile}

// newConfig draws the random parts of a fresh repository config.
func newConfig() (Config, error) {
	pol, err := chunker.RandomPolynomial()
	if err != nil {
		return Config{}, fmt.Errorf("failed to generate chunker polynomial: %w", err)
	}
	kdf, err := crypto.NewKDFParams()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Version:           RepoVersion,
		ID:                types.NewStorageID(),
		ChunkerPolynomial: chunker.FormatPolynomial(pol),
		KDFParams:         kdf,
		IDEncoding:        "hex",
	}, nil
}

func storeConfig(ctx context.Context, be backend.Backend, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errdefs.New(errdefs.KindConfig, "config", err)
	}
	if err := be.PutIfAbsent(ctx, configHandle, data); err != nil {
		if errdefs.IsAlreadyExists(err) {
			return errdefs.Newf(errdefs.KindUsage, "config", "repository already initialized")
		}
		return err
	}
	return nil
}

func loadConfig(ctx context.Context, be backend.Backend) (Config, error) {
	data, err := be.Get(ctx, configHandle)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Config{}, errdefs.Newf(errdefs.KindConfig, "config", "no repository at this location")
		}
		return Config{}, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errdefs.New(errdefs.KindConfig, "config", err)
	}
	if cfg.Version != RepoVersion {
		return Config{}, errdefs.Newf(errdefs.KindConfig, "config",
			"unsupported repository version %d", cfg.Version)
	}
	if cfg.IDEncoding != "hex" {
		return Config{}, errdefs.Newf(errdefs.KindConfig, "config",
			"unsupported id encoding %q", cfg.IDEncoding)
	}
	if _, err := chunker.ParsePolynomial(cfg.ChunkerPolynomial); err != nil {
		return Config{}, errdefs.New(errdefs.KindConfig, "config", err)
	}
	return cfg, nil
}
