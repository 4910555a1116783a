package backend

import (
	"strings"

	"github.com/cofferhq/coffer/pkg/errdefs"
)

// Scheme names a backend transport.
type Scheme string

const (
	SchemeLocal Scheme = "local"
	SchemeS3    Scheme = "s3"
	SchemeAzure Scheme = "azure"
	SchemeMem   Scheme = "mem"
)

// Location is a parsed repository location string:
//
//	local:/var/backups/repo  (or a bare path)
//	s3:s3.example.com/bucket/prefix
//	azure:container/prefix
//	mem:
type Location struct {
	Scheme Scheme
	Path   string
}

// ParseLocation splits a repository location into scheme and path. A
// string with no scheme is a local path.
func ParseLocation(s string) (Location, error) {
	if s == "" {
		return Location{}, errdefs.Newf(errdefs.KindUsage, "", "empty repository location")
	}

	scheme, rest, found := strings.Cut(s, ":")
	if !found {
		return Location{Scheme: SchemeLocal, Path: s}, nil
	}

	switch Scheme(scheme) {
	case SchemeLocal:
		if rest == "" {
			return Location{}, errdefs.Newf(errdefs.KindUsage, s, "missing path in local location")
		}
		return Location{Scheme: SchemeLocal, Path: rest}, nil
	case SchemeS3:
		if !strings.Contains(rest, "/") {
			return Location{}, errdefs.Newf(errdefs.KindUsage, s, "s3 location must be endpoint/bucket[/prefix]")
		}
		return Location{Scheme: SchemeS3, Path: rest}, nil
	case SchemeAzure:
		if rest == "" {
			return Location{}, errdefs.Newf(errdefs.KindUsage, s, "azure location must be container[/prefix]")
		}
		return Location{Scheme: SchemeAzure, Path: rest}, nil
	case SchemeMem:
		return Location{Scheme: SchemeMem, Path: ""}, nil
	default:
		// Windows drive letters parse as a one-letter scheme; treat
		// anything unrecognized as a local path.
		return Location{Scheme: SchemeLocal, Path: s}, nil
	}
}

// S3Parts splits an s3 location path into endpoint, bucket and prefix.
func (l Location) S3Parts() (endpoint, bucket, prefix string) {
	parts := strings.SplitN(l.Path, "/", 3)
	endpoint = parts[0]
	if len(parts) > 1 {
		bucket = parts[1]
	}
	if len(parts) > 2 {
		prefix = parts[2]
	}
	return endpoint, bucket, prefix
}

// AzureParts splits an azure location path into container and prefix.
func (l Location) AzureParts() (container, prefix string) {
	parts := strings.SplitN(l.Path, "/", 2)
	container = parts[0]
	if len(parts) > 1 {
		prefix = parts[1]
	}
	return container, prefix
}
