package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"delta-append/internal/config"
	"delta-append/internal/domain"
)

// GCSStore stores objects in a Google Cloud Storage bucket under a prefix.
type GCSStore struct {
	client   *gcs.Client
	bucket   string
	prefix   string
	location string
}

// NewGCSStore creates a store for a "gs://bucket/prefix" location. When
// cfg.GCSKeyFilePath is empty, application default credentials are used.
func NewGCSStore(ctx context.Context, cfg *config.Config, location string) (*GCSStore, error) {
	bucket, prefix, err := parseBucketURI(location)
	if err != nil {
		return nil, domain.ErrValidation("%v", err)
	}

	var opts []option.ClientOption
	if cfg.GCSKeyFilePath != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, cfg.GCSKeyFilePath))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}

	return &GCSStore{client: client, bucket: bucket, prefix: prefix, location: location}, nil
}

// Location returns the gs:// URI of the table root.
func (s *GCSStore) Location() string { return s.location }

func (s *GCSStore) object(key string) *gcs.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(joinKey(s.prefix, key))
}

// Get downloads the object at key.
func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, notExist(key)
		}
		return nil, fmt.Errorf("get gs://%s/%s: %w", s.bucket, joinKey(s.prefix, key), err)
	}
	defer r.Close() //nolint:errcheck

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", s.bucket, joinKey(s.prefix, key), err)
	}
	return data, nil
}

// Put uploads data to key, overwriting any existing object.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte) error {
	if err := s.write(ctx, s.object(key), data); err != nil {
		return fmt.Errorf("put gs://%s/%s: %w", s.bucket, joinKey(s.prefix, key), err)
	}
	return nil
}

// PutIfAbsent uploads data with a DoesNotExist precondition.
func (s *GCSStore) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	obj := s.object(key).If(gcs.Conditions{DoesNotExist: true})
	if err := s.write(ctx, obj, data); err != nil {
		var gErr *googleapi.Error
		if errors.As(err, &gErr) && gErr.Code == http.StatusPreconditionFailed {
			return alreadyExists(key)
		}
		return fmt.Errorf("conditional put gs://%s/%s: %w", s.bucket, joinKey(s.prefix, key), err)
	}
	return nil
}

func (s *GCSStore) write(ctx context.Context, obj *gcs.ObjectHandle, data []byte) error {
	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	// The object becomes visible, and preconditions are evaluated, on Close.
	return w.Close()
}

// List returns objects under prefix, in key order.
func (s *GCSStore) List(ctx context.Context, prefix string) ([]domain.ObjectInfo, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &gcs.Query{Prefix: joinKey(s.prefix, prefix)})

	var out []domain.ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", s.bucket, joinKey(s.prefix, prefix), err)
		}
		out = append(out, domain.ObjectInfo{
			Key:     trimKey(s.prefix, attrs.Name),
			Size:    attrs.Size,
			ModTime: attrs.Updated,
		})
	}
	return out, nil
}
