// Package s3 implements the backend over any S3-compatible object
// store using the minio client.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cofferhq/coffer/pkg/backend"
	"github.com/cofferhq/coffer/pkg/errdefs"
)

// Config holds the connection parameters for one bucket.
type Config struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Region    string
	UseTLS    bool
}

// S3 is a backend storing each repository object as one S3 object.
type S3 struct {
	client *minio.Client
	cfg    Config
}

// New connects to the endpoint. The bucket must already exist; the
// engine never creates buckets on its own.
func New(cfg Config) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errdefs.New(errdefs.KindBackendPermanent, cfg.Endpoint, err)
	}
	return &S3{client: client, cfg: cfg}, nil
}

func (s *S3) key(h backend.Handle) string {
	return path.Join(s.cfg.Prefix, h.Key())
}

func (s *S3) Put(ctx context.Context, h backend.Handle, data []byte) error {
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, s.key(h),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return classify(h, err)
	}
	return nil
}

// PutIfAbsent checks for the key before writing. S3 has no native
// compare-and-create on all implementations, so two racing writers can
// both pass the check; both then write byte-identical content because
// keys under data/ and snapshots/ are content-derived or random, which
// keeps the race harmless.
func (s *S3) PutIfAbsent(ctx context.Context, h backend.Handle, data []byte) error {
	_, err := s.client.StatObject(ctx, s.cfg.Bucket, s.key(h), minio.StatObjectOptions{})
	if err == nil {
		return errdefs.New(errdefs.KindAlreadyExists, h.Key(), nil)
	}
	if !isNoSuchKey(err) {
		return classify(h, err)
	}
	return s.Put(ctx, h, data)
}

func (s *S3) Get(ctx context.Context, h backend.Handle) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, s.key(h), minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(h, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classify(h, err)
	}
	return data, nil
}

func (s *S3) GetRange(ctx context.Context, h backend.Handle, offset int64, length int) ([]byte, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(offset, offset+int64(length)-1); err != nil {
		return nil, errdefs.New(errdefs.KindUsage, h.Key(), err)
	}
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, s.key(h), opts)
	if err != nil {
		return nil, classify(h, err)
	}
	defer obj.Close()

	buf := make([]byte, length)
	if _, err := io.ReadFull(obj, buf); err != nil {
		return nil, classify(h, err)
	}
	return buf, nil
}

func (s *S3) List(ctx context.Context, t backend.FileType, fn func(name string, size int64) error) error {
	prefix := path.Join(s.cfg.Prefix, string(t)) + "/"
	for info := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return classify(backend.Handle{Type: t, Name: "."}, info.Err)
		}
		name := strings.TrimPrefix(info.Key, prefix)
		if name == "" {
			continue
		}
		if err := fn(name, info.Size); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3) Delete(ctx context.Context, h backend.Handle) error {
	err := s.client.RemoveObject(ctx, s.cfg.Bucket, s.key(h), minio.RemoveObjectOptions{})
	if err != nil {
		return classify(h, err)
	}
	return nil
}

func (s *S3) Exists(ctx context.Context, h backend.Handle) (bool, error) {
	_, err := s.client.StatObject(ctx, s.cfg.Bucket, s.key(h), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, classify(h, err)
}

func (s *S3) Close() error { return nil }

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

// classify splits S3 failures into retryable and terminal. Throttling
// and server errors retry; auth and missing objects do not.
func classify(h backend.Handle, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errdefs.New(errdefs.KindCancelled, h.Key(), err)
	}

	resp := minio.ToErrorResponse(err)
	switch {
	case isNoSuchKey(err):
		return errdefs.New(errdefs.KindNotFound, h.Key(), err)
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return errdefs.New(errdefs.KindBackendPermanent, h.Key(), fmt.Errorf("access denied: %w", err))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errdefs.New(errdefs.KindBackendTransient, h.Key(), err)
	case resp.StatusCode != 0:
		return errdefs.New(errdefs.KindBackendPermanent, h.Key(), err)
	default:
		// No HTTP status means the request never completed: network
		// trouble, worth retrying.
		return errdefs.New(errdefs.KindBackendTransient, h.Key(), err)
	}
}
