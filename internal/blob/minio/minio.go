// Package minio stores blobs in MinIO or any S3-compatible bucket.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/roach88/replica/internal/blob"
)

// Config holds the connection settings of a bucket.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
}

// Store implements blob.Store on a bucket. Object names are the digest
// without its algorithm prefix, below Prefix.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// New connects to the endpoint and makes sure the bucket exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket %s: %w", cfg.Bucket, err)
		}
	}
	return NewStore(client, cfg.Bucket, cfg.Prefix), nil
}

// NewStore wraps an existing client.
func NewStore(client *minio.Client, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *Store) key(digest string) string {
	return path.Join(s.prefix, strings.TrimPrefix(digest, "sha256:"))
}

// Put uploads data unless an object with the same digest already exists.
func (s *Store) Put(ctx context.Context, data []byte, contentType string) (blob.Ref, error) {
	ref := blob.NewRef(data, contentType)
	key := s.key(ref.Digest)

	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err == nil {
		return ref, nil
	} else if !isNotFound(err) {
		return blob.Ref{}, fmt.Errorf("stat %s: %w", key, err)
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), ref.Size, minio.PutObjectOptions{
		ContentType: ref.ContentType,
	})
	if err != nil {
		return blob.Ref{}, fmt.Errorf("put %s: %w", key, err)
	}
	return ref, nil
}

// Fetch downloads a blob by digest.
func (s *Store) Fetch(ctx context.Context, digest string) ([]byte, blob.Ref, error) {
	key := s.key(digest)
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, blob.Ref{}, fmt.Errorf("%s: %w", digest, blob.ErrNotFound)
		}
		return nil, blob.Ref{}, fmt.Errorf("stat %s: %w", key, err)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, blob.Ref{}, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, blob.Ref{}, fmt.Errorf("read %s: %w", key, err)
	}
	return data, blob.Ref{Digest: digest, ContentType: info.ContentType, Size: info.Size}, nil
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
