package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"delta-append/internal/config"
	"delta-append/internal/domain"
)

// S3Store stores objects in an S3 bucket under a key prefix. It works with
// AWS and S3-compatible endpoints (Hetzner, MinIO, R2) that honour
// conditional writes.
type S3Store struct {
	client   *s3.Client
	bucket   string
	prefix   string
	location string
}

// NewS3Store creates a store for an "s3://bucket/prefix" location using the
// static credentials in cfg.
func NewS3Store(cfg *config.Config, location string) (*S3Store, error) {
	if !cfg.HasS3Config() {
		return nil, domain.ErrValidation("S3 credentials are not configured (set KEY_ID and SECRET)")
	}
	bucket, prefix, err := parseBucketURI(location)
	if err != nil {
		return nil, domain.ErrValidation("%v", err)
	}

	region := "us-east-1"
	if cfg.S3Region != nil {
		region = *cfg.S3Region
	}
	opts := s3.Options{
		Region: region,
		Credentials: credentials.NewStaticCredentialsProvider(
			*cfg.S3KeyID, *cfg.S3Secret, "",
		),
		UsePathStyle: cfg.S3URLStyle != "vhost",
	}
	if cfg.S3Endpoint != nil {
		endpoint := *cfg.S3Endpoint
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
	}

	return NewS3StoreFromClient(s3.New(opts), bucket, prefix, location), nil
}

// NewS3StoreFromClient wraps an existing client.
func NewS3StoreFromClient(client *s3.Client, bucket, prefix, location string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix, location: location}
}

// Location returns the s3:// URI of the table root.
func (s *S3Store) Location() string { return s.location }

// Get downloads the object at key.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinKey(s.prefix, key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, notExist(key)
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, joinKey(s.prefix, key), err)
	}
	defer out.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", s.bucket, joinKey(s.prefix, key), err)
	}
	return data, nil
}

// Put uploads data to key, overwriting any existing object.
func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.putInput(key, data))
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, joinKey(s.prefix, key), err)
	}
	return nil
}

// PutIfAbsent uploads data with If-None-Match: *, so S3 rejects the write
// when the key already exists.
func (s *S3Store) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	in := s.putInput(key, data)
	in.IfNoneMatch = aws.String("*")

	_, err := s.client.PutObject(ctx, in)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "PreconditionFailed", "ConditionalRequestConflict":
				return alreadyExists(key)
			}
		}
		return fmt.Errorf("conditional put s3://%s/%s: %w", s.bucket, joinKey(s.prefix, key), err)
	}
	return nil
}

// List returns objects under prefix, in key order.
func (s *S3Store) List(ctx context.Context, prefix string) ([]domain.ObjectInfo, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(joinKey(s.prefix, prefix)),
	})

	var out []domain.ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, joinKey(s.prefix, prefix), err)
		}
		for _, obj := range page.Contents {
			out = append(out, domain.ObjectInfo{
				Key:     trimKey(s.prefix, aws.ToString(obj.Key)),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return out, nil
}

func (s *S3Store) putInput(key string, data []byte) *s3.PutObjectInput {
	return &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(joinKey(s.prefix, key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType(key)),
	}
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
