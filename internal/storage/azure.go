package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"delta-append/internal/config"
	"delta-append/internal/domain"
)

// AzureStore stores objects in an Azure Blob Storage container under a prefix.
// Requests are signed with the account's shared key.
type AzureStore struct {
	client    *azblob.Client
	container string
	prefix    string
	location  string
}

// NewAzureStore creates a store for an az://, abfss:// or blob https:// location.
func NewAzureStore(cfg *config.Config, location string) (*AzureStore, error) {
	account, container, prefix, err := parseAzureLocation(location)
	if err != nil {
		return nil, domain.ErrValidation("%v", err)
	}
	if account == "" {
		account = cfg.AzureAccountName
	}
	if account == "" {
		return nil, domain.ErrValidation("Azure storage account unknown for %q (use an abfss:// or https:// location, or set AZURE_ACCOUNT_NAME)", location)
	}
	if !cfg.HasAzureConfig() {
		return nil, domain.ErrValidation("Azure credentials are not configured (set AZURE_ACCOUNT_KEY)")
	}

	sharedKeyCred, err := azblob.NewSharedKeyCredential(account, cfg.AzureAccountKey)
	if err != nil {
		return nil, fmt.Errorf("create shared key credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", account)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, sharedKeyCred, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}

	return &AzureStore{client: client, container: container, prefix: prefix, location: location}, nil
}

// Location returns the URI of the table root.
func (s *AzureStore) Location() string { return s.location }

// Get downloads the blob at key.
func (s *AzureStore) Get(ctx context.Context, key string) ([]byte, error) {
	name := joinKey(s.prefix, key)
	resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, notExist(key)
		}
		return nil, fmt.Errorf("get %s/%s: %w", s.container, name, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", s.container, name, err)
	}
	return data, nil
}

// Put uploads data to key, overwriting any existing blob.
func (s *AzureStore) Put(ctx context.Context, key string, data []byte) error {
	name := joinKey(s.prefix, key)
	if _, err := s.client.UploadBuffer(ctx, s.container, name, data, nil); err != nil {
		return fmt.Errorf("put %s/%s: %w", s.container, name, err)
	}
	return nil
}

// PutIfAbsent uploads data with If-None-Match: *.
func (s *AzureStore) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	name := joinKey(s.prefix, key)
	opts := &azblob.UploadBufferOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfNoneMatch: to.Ptr(azcore.ETagAny),
			},
		},
	}
	if _, err := s.client.UploadBuffer(ctx, s.container, name, data, opts); err != nil {
		if bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet) {
			return alreadyExists(key)
		}
		return fmt.Errorf("conditional put %s/%s: %w", s.container, name, err)
	}
	return nil
}

// List returns blobs under prefix, in name order.
func (s *AzureStore) List(ctx context.Context, prefix string) ([]domain.ObjectInfo, error) {
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: to.Ptr(joinKey(s.prefix, prefix)),
	})

	var out []domain.ObjectInfo
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", s.container, joinKey(s.prefix, prefix), err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			info := domain.ObjectInfo{Key: trimKey(s.prefix, *item.Name)}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					info.Size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					info.ModTime = *item.Properties.LastModified
				}
			}
			out = append(out, info)
		}
	}
	return out, nil
}
