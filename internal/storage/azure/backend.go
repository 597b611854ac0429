// Package azure provides an Azure Blob Storage backend.
package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"go.uber.org/zap"

	"github.com/epam/ai-dial-core-sub000/internal/logging"
	"github.com/epam/ai-dial-core-sub000/internal/storage"
)

// BackendConfig is a JSON-serializable config for Azure backends. Either a
// connection string or an account URL with a shared key is required.
type BackendConfig struct {
	ConnectionString string `json:"connection_string"`
	AccountURL       string `json:"account_url"`
	AccountName      string `json:"account_name"`
	AccountKey       string `json:"account_key"`
	Container        string `json:"container"`
}

// Backend implements storage.Backend on an Azure Blob container. Attributes
// are stored as blob metadata.
type Backend struct {
	container *container.Client
}

// NewBackend creates an Azure Blob backend.
func NewBackend(cfg BackendConfig) (*Backend, error) {
	if cfg.Container == "" {
		return nil, fmt.Errorf("container is required")
	}
	var (
		client *container.Client
		err    error
	)
	switch {
	case cfg.ConnectionString != "":
		client, err = container.NewClientFromConnectionString(cfg.ConnectionString, cfg.Container, nil)
	case cfg.AccountURL != "" && cfg.AccountName != "":
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err == nil {
			url := fmt.Sprintf("%s/%s", cfg.AccountURL, cfg.Container)
			client, err = container.NewClientWithSharedKeyCredential(url, cred, nil)
		}
	default:
		return nil, fmt.Errorf("connection_string or account_url/account_name is required")
	}
	if err != nil {
		return nil, fmt.Errorf("create container client: %w", err)
	}
	return &Backend{container: client}, nil
}

// NewBackendFromJSON creates a Backend from raw JSON config.
func NewBackendFromJSON(raw json.RawMessage) (*Backend, error) {
	var cfg BackendConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse azure config: %w", err)
	}
	return NewBackend(cfg)
}

func notFoundError(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func toMetadata(attrs map[string]string) map[string]*string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]*string, len(attrs))
	for k, v := range attrs {
		out[k] = to.Ptr(v)
	}
	return out
}

func fromMetadata(meta map[string]*string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if v != nil {
			out[k] = *v
		}
	}
	return out
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// Exists checks if a blob exists.
func (b *Backend) Exists(ctx context.Context, key string) (ok bool, err error) {
	defer func(start time.Time) { storage.Observe(b.Type(), "get_properties", start, err) }(time.Now())

	_, err = b.container.NewBlobClient(key).GetProperties(ctx, nil)
	if err != nil {
		if notFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("get properties %s: %w", key, err)
	}
	return true, nil
}

// Get downloads a blob.
func (b *Backend) Get(ctx context.Context, key string) (obj *storage.Object, err error) {
	defer func(start time.Time) { storage.Observe(b.Type(), "download", start, err) }(time.Now())

	resp, err := b.container.NewBlobClient(key).DownloadStream(ctx, nil)
	if err != nil {
		if notFoundError(err) {
			return nil, fmt.Errorf("%s: %w", key, storage.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return &storage.Object{
		Data:            data,
		ContentType:     deref(resp.ContentType),
		ContentEncoding: deref(resp.ContentEncoding),
		Attributes:      fromMetadata(resp.Metadata),
		LastModified:    deref(resp.LastModified),
	}, nil
}

// Put uploads a block blob.
func (b *Backend) Put(ctx context.Context, key string, obj *storage.Object) (err error) {
	defer func(start time.Time) { storage.Observe(b.Type(), "upload", start, err) }(time.Now())

	headers := &blob.HTTPHeaders{}
	if obj.ContentType != "" {
		headers.BlobContentType = to.Ptr(obj.ContentType)
	}
	if obj.ContentEncoding != "" {
		headers.BlobContentEncoding = to.Ptr(obj.ContentEncoding)
	}
	_, err = b.container.NewBlockBlobClient(key).UploadBuffer(ctx, obj.Data, &blockblob.UploadBufferOptions{
		Metadata:    toMetadata(obj.Attributes),
		HTTPHeaders: headers,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	logging.Debug("Azure upload blob", zap.String("key", key), zap.Int("size", len(obj.Data)))
	return nil
}

// Delete removes a blob.
func (b *Backend) Delete(ctx context.Context, key string) (err error) {
	defer func(start time.Time) { storage.Observe(b.Type(), "delete", start, err) }(time.Now())

	_, err = b.container.NewBlobClient(key).Delete(ctx, nil)
	if err != nil && !notFoundError(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns one page of blobs under prefix.
func (b *Backend) List(ctx context.Context, prefix string, opts storage.ListOptions) (page *storage.Page, err error) {
	defer func(start time.Time) { storage.Observe(b.Type(), "list", start, err) }(time.Now())

	marker := optional(opts.Token)
	var maxResults *int32
	if opts.Limit > 0 {
		maxResults = to.Ptr(int32(opts.Limit))
	}
	include := container.ListBlobsInclude{Metadata: true}

	var (
		items    []*container.BlobItem
		prefixes []*container.BlobPrefix
		next     *string
	)
	if opts.Recursive {
		pager := b.container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
			Prefix: to.Ptr(prefix), Marker: marker, MaxResults: maxResults, Include: include,
		})
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		items, next = resp.Segment.BlobItems, resp.NextMarker
	} else {
		pager := b.container.NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{
			Prefix: to.Ptr(prefix), Marker: marker, MaxResults: maxResults, Include: include,
		})
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		items, prefixes, next = resp.Segment.BlobItems, resp.Segment.BlobPrefixes, resp.NextMarker
	}

	page = &storage.Page{NextToken: deref(next)}
	for _, p := range prefixes {
		page.Entries = append(page.Entries, storage.Entry{Key: deref(p.Name), Prefix: true})
	}
	for _, item := range items {
		e := storage.Entry{Key: deref(item.Name), Attributes: fromMetadata(item.Metadata)}
		if props := item.Properties; props != nil {
			e.Size = deref(props.ContentLength)
			e.ContentType = deref(props.ContentType)
			e.LastModified = deref(props.LastModified)
		}
		page.Entries = append(page.Entries, e)
	}
	storage.SortEntries(page.Entries)
	return page, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return to.Ptr(s)
}

// Copy starts a server-side copy, which completes synchronously within one
// storage account.
func (b *Backend) Copy(ctx context.Context, srcKey, dstKey string) (ok bool, err error) {
	defer func(start time.Time) { storage.Observe(b.Type(), "copy", start, err) }(time.Now())

	src := b.container.NewBlobClient(srcKey)
	if _, err = src.GetProperties(ctx, nil); err != nil {
		if notFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("get properties %s: %w", srcKey, err)
	}
	if _, err = b.container.NewBlobClient(dstKey).StartCopyFromURL(ctx, src.URL(), nil); err != nil {
		return false, fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	return true, nil
}

// Type returns "azure".
func (b *Backend) Type() string { return "azure" }

// Close is a no-op for Azure backends.
func (b *Backend) Close() error { return nil }
