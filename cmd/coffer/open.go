package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cofferhq/coffer/pkg/backend"
	"github.com/cofferhq/coffer/pkg/backend/azure"
	"github.com/cofferhq/coffer/pkg/backend/local"
	"github.com/cofferhq/coffer/pkg/backend/s3"
	"github.com/cofferhq/coffer/pkg/cache"
	"github.com/cofferhq/coffer/pkg/errdefs"
	"github.com/cofferhq/coffer/pkg/log"
	"github.com/cofferhq/coffer/pkg/repo"
)

// repoLocation resolves the repository location from the flag or the
// environment.
func repoLocation(cmd *cobra.Command) (backend.Location, error) {
	raw, _ := cmd.Flags().GetString("repo")
	if raw == "" {
		raw = os.Getenv("COFFER_REPOSITORY")
	}
	if raw == "" {
		return backend.Location{}, errdefs.Newf(errdefs.KindUsage, "",
			"no repository: set COFFER_REPOSITORY or --repo")
	}
	return backend.ParseLocation(raw)
}

// dialBackend connects to the configured backend and wraps it with the
// retry decorator. With create set, the local transport prepares its
// directory layout for a fresh repository.
func dialBackend(cmd *cobra.Command, create bool) (backend.Backend, error) {
	loc, err := repoLocation(cmd)
	if err != nil {
		return nil, err
	}

	var be backend.Backend
	switch loc.Scheme {
	case backend.SchemeLocal:
		l := local.New(loc.Path)
		if create {
			if err := l.Create(); err != nil {
				return nil, err
			}
		}
		be = l
	case backend.SchemeS3:
		endpoint, bucket, prefix := loc.S3Parts()
		be, err = s3.New(s3.Config{
			Endpoint:  endpoint,
			Bucket:    bucket,
			Prefix:    prefix,
			AccessKey: os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			Region:    os.Getenv("AWS_DEFAULT_REGION"),
			UseTLS:    os.Getenv("COFFER_S3_INSECURE") == "",
		})
		if err != nil {
			return nil, err
		}
	case backend.SchemeAzure:
		container, prefix := loc.AzureParts()
		be, err = azure.New(azure.Config{
			Account:   os.Getenv("AZURE_ACCOUNT_NAME"),
			Key:       os.Getenv("AZURE_ACCOUNT_KEY"),
			Container: container,
			Prefix:    prefix,
		})
		if err != nil {
			return nil, err
		}
	case backend.SchemeMem:
		be = backend.NewMem()
	}

	return backend.NewRetry(be, backend.DefaultRetryConfig()), nil
}

// openRepo opens the repository with password and cache wired in.
func openRepo(ctx context.Context, cmd *cobra.Command, opts repo.Options) (*repo.Repository, error) {
	be, err := dialBackend(cmd, false)
	if err != nil {
		return nil, err
	}
	password, err := readPassword(cmd)
	if err != nil {
		be.Close()
		return nil, err
	}

	if noCache, _ := cmd.Flags().GetBool("no-cache"); !noCache && opts.CacheRoot == "" {
		if root, err := cache.DefaultRoot(); err == nil {
			opts.CacheRoot = root
		} else {
			log.Logger.Warn().Msg("metadata cache disabled: no user cache directory")
		}
	}

	r, err := repo.Open(ctx, be, password, opts)
	if err != nil {
		be.Close()
		return nil, err
	}
	return r, nil
}

// profile is a yaml manifest naming what to back up.
type profile struct {
	Paths    []string `yaml:"paths"`
	Tags     []string `yaml:"tags"`
	Excludes []string `yaml:"excludes"`
}

// loadProfile reads a backup profile manifest.
func loadProfile(path string) (*profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.New(errdefs.KindUsage, path, err)
	}
	var p profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, errdefs.New(errdefs.KindUsage, path, err)
	}
	if len(p.Paths) == 0 {
		log.Logger.Warn().Str("profile", path).Msg("profile lists no paths")
	}
	return &p, nil
}
