// Package azure implements the backend over Azure Blob Storage.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/cofferhq/coffer/pkg/backend"
	"github.com/cofferhq/coffer/pkg/errdefs"
)

// Config holds the connection parameters for one container.
type Config struct {
	Account   string
	Key       string
	Container string
	Prefix    string

	// EndpointSuffix overrides the default public-cloud suffix, for
	// sovereign clouds and emulators.
	EndpointSuffix string
}

// Azure is a backend storing each repository object as one block blob.
type Azure struct {
	client *azblob.Client
	cfg    Config
}

// New connects to the storage account. The container must already exist.
func New(cfg Config) (*Azure, error) {
	suffix := cfg.EndpointSuffix
	if suffix == "" {
		suffix = "blob.core.windows.net"
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.Key)
	if err != nil {
		return nil, errdefs.New(errdefs.KindBackendPermanent, cfg.Account, err)
	}
	serviceURL := fmt.Sprintf("https://%s.%s/", cfg.Account, suffix)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, errdefs.New(errdefs.KindBackendPermanent, cfg.Account, err)
	}
	return &Azure{client: client, cfg: cfg}, nil
}

func (a *Azure) name(h backend.Handle) string {
	return path.Join(a.cfg.Prefix, h.Key())
}

func (a *Azure) Put(ctx context.Context, h backend.Handle, data []byte) error {
	_, err := a.client.UploadBuffer(ctx, a.cfg.Container, a.name(h), data, nil)
	if err != nil {
		return classify(h, err)
	}
	return nil
}

// PutIfAbsent uploads with an If-None-Match:* condition, which Azure
// enforces server-side.
func (a *Azure) PutIfAbsent(ctx context.Context, h backend.Handle, data []byte) error {
	opts := &azblob.UploadBufferOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfNoneMatch: to.Ptr(azcore.ETag("*")),
			},
		},
	}
	_, err := a.client.UploadBuffer(ctx, a.cfg.Container, a.name(h), data, opts)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet) {
			return errdefs.New(errdefs.KindAlreadyExists, h.Key(), nil)
		}
		return classify(h, err)
	}
	return nil
}

func (a *Azure) Get(ctx context.Context, h backend.Handle) ([]byte, error) {
	resp, err := a.client.DownloadStream(ctx, a.cfg.Container, a.name(h), nil)
	if err != nil {
		return nil, classify(h, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(h, err)
	}
	return data, nil
}

func (a *Azure) GetRange(ctx context.Context, h backend.Handle, offset int64, length int) ([]byte, error) {
	opts := &azblob.DownloadStreamOptions{
		Range: azblob.HTTPRange{Offset: offset, Count: int64(length)},
	}
	resp, err := a.client.DownloadStream(ctx, a.cfg.Container, a.name(h), opts)
	if err != nil {
		return nil, classify(h, err)
	}
	defer resp.Body.Close()

	buf := make([]byte, length)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		return nil, classify(h, err)
	}
	return buf, nil
}

func (a *Azure) List(ctx context.Context, t backend.FileType, fn func(name string, size int64) error) error {
	prefix := path.Join(a.cfg.Prefix, string(t)) + "/"
	pager := a.client.NewListBlobsFlatPager(a.cfg.Container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return classify(backend.Handle{Type: t, Name: "."}, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			name := strings.TrimPrefix(*item.Name, prefix)
			var size int64
			if item.Properties != nil && item.Properties.ContentLength != nil {
				size = *item.Properties.ContentLength
			}
			if err := fn(name, size); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Azure) Delete(ctx context.Context, h backend.Handle) error {
	_, err := a.client.DeleteBlob(ctx, a.cfg.Container, a.name(h), nil)
	if err != nil {
		return classify(h, err)
	}
	return nil
}

func (a *Azure) Exists(ctx context.Context, h backend.Handle) (bool, error) {
	blobClient := a.client.ServiceClient().NewContainerClient(a.cfg.Container).NewBlobClient(a.name(h))
	_, err := blobClient.GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return false, nil
	}
	return false, classify(h, err)
}

func (a *Azure) Close() error { return nil }

// classify splits Azure failures into retryable and terminal.
func classify(h backend.Handle, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errdefs.New(errdefs.KindCancelled, h.Key(), err)
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return errdefs.New(errdefs.KindNotFound, h.Key(), err)
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusForbidden || respErr.StatusCode == http.StatusUnauthorized:
			return errdefs.New(errdefs.KindBackendPermanent, h.Key(), fmt.Errorf("access denied: %w", err))
		case respErr.StatusCode == http.StatusTooManyRequests || respErr.StatusCode >= 500:
			return errdefs.New(errdefs.KindBackendTransient, h.Key(), err)
		default:
			return errdefs.New(errdefs.KindBackendPermanent, h.Key(), err)
		}
	}
	return errdefs.New(errdefs.KindBackendTransient, h.Key(), err)
}
