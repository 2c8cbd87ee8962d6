// Package storage implements domain.ObjectStore over local disk, memory,
// Amazon S3 (and S3-compatible endpoints), Google Cloud Storage, and Azure
// Blob Storage. Every backend implements PutIfAbsent with the store's own
// atomic create-if-absent primitive; no in-process lock stands in for it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"delta-append/internal/config"
	"delta-append/internal/domain"
)

var (
	// ErrNotExist is returned (wrapped) by Get for absent keys.
	ErrNotExist = errors.New("object does not exist")
	// ErrAlreadyExists is returned (wrapped) by PutIfAbsent when the key is taken.
	ErrAlreadyExists = errors.New("object already exists")
)

// Compile-time checks: every backend implements the port.
var (
	_ domain.ObjectStore = (*LocalStore)(nil)
	_ domain.ObjectStore = (*MemoryStore)(nil)
	_ domain.ObjectStore = (*S3Store)(nil)
	_ domain.ObjectStore = (*GCSStore)(nil)
	_ domain.ObjectStore = (*AzureStore)(nil)
)

// Open returns the ObjectStore for cfg.TableURI, dispatching on its scheme.
//
// Supported forms:
//
//	/path/to/table, file:///path/to/table
//	memory://name
//	s3://bucket/prefix, s3a://bucket/prefix
//	gs://bucket/prefix
//	az://container/prefix
//	abfss://container@account.dfs.core.windows.net/prefix
//	https://account.blob.core.windows.net/container/prefix
func Open(ctx context.Context, cfg *config.Config) (domain.ObjectStore, error) {
	location := strings.TrimSpace(cfg.TableURI)
	if location == "" {
		return nil, domain.ErrValidation("table location is empty (set TABLE_URI)")
	}

	scheme := uriScheme(location)
	switch scheme {
	case "", "file":
		p := location
		if scheme == "file" {
			u, err := url.Parse(location)
			if err != nil {
				return nil, domain.ErrValidation("invalid table location %q: %v", location, err)
			}
			p = u.Path
		}
		return NewLocalStore(p)
	case "memory":
		return SharedMemoryStore(location), nil
	case "s3", "s3a":
		return NewS3Store(cfg, location)
	case "gs", "gcs":
		return NewGCSStore(ctx, cfg, location)
	case "az", "abfs", "abfss", "https":
		return NewAzureStore(cfg, location)
	default:
		return nil, domain.ErrValidation("unsupported table location scheme %q in %q", scheme, location)
	}
}

// uriScheme returns the lower-cased scheme of location, or "" for plain
// filesystem paths (including Windows drive letters).
func uriScheme(location string) string {
	i := strings.Index(location, "://")
	if i <= 1 {
		return ""
	}
	return strings.ToLower(location[:i])
}

// parseBucketURI extracts bucket and key prefix from "scheme://bucket/prefix".
// An empty prefix addresses the bucket root.
func parseBucketURI(location string) (bucket, prefix string, err error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", fmt.Errorf("parse location %q: %w", location, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("empty bucket in location %q", location)
	}
	return u.Host, cleanPrefix(u.Path), nil
}

// parseAzureLocation extracts account, container and prefix from an Azure URI.
// Account is empty for az:// URIs, which carry no account component.
//
// Supported formats:
//
//	abfss://container@account.dfs.core.windows.net/prefix
//	az://container/prefix
//	https://account.blob.core.windows.net/container/prefix
func parseAzureLocation(location string) (account, container, prefix string, err error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", "", fmt.Errorf("parse Azure location %q: %w", location, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "abfs", "abfss":
		// Go's url.Parse treats "container" as userinfo (before @).
		if u.User == nil {
			return "", "", "", fmt.Errorf("abfss location %q missing container@account component", location)
		}
		container = u.User.Username()
		account, _, _ = strings.Cut(u.Host, ".")
		prefix = cleanPrefix(u.Path)

	case "az":
		container = u.Host
		prefix = cleanPrefix(u.Path)

	case "https":
		if !strings.Contains(u.Host, ".blob.core.windows.net") {
			return "", "", "", fmt.Errorf("unrecognized Azure HTTPS host %q in %q", u.Host, location)
		}
		account, _, _ = strings.Cut(u.Host, ".")
		container, prefix, _ = strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
		prefix = cleanPrefix(prefix)

	default:
		return "", "", "", fmt.Errorf("unrecognized Azure location scheme %q in %q", u.Scheme, location)
	}

	if container == "" {
		return "", "", "", fmt.Errorf("empty container in Azure location %q", location)
	}
	return account, container, prefix, nil
}

func cleanPrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return path.Clean(p)
}

// joinKey prefixes key with the store's root prefix.
func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// trimKey strips the store's root prefix from an object name.
func trimKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return strings.TrimPrefix(name, prefix+"/")
}

func notExist(key string) error {
	return fmt.Errorf("%w: %s", ErrNotExist, key)
}

func alreadyExists(key string) error {
	return fmt.Errorf("%w: %s", ErrAlreadyExists, key)
}
