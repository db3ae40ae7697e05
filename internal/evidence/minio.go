package evidence

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"bidline/internal/config"
)

type MinIO struct {
	Client *minio.Client
	Bucket string
}

func NewMinIO(ctx context.Context, cfg config.EvidenceConfig) (*MinIO, error) {
	if strings.Contains(cfg.Endpoint, "://") {
		return nil, fmt.Errorf("evidence endpoint must not include scheme: %q", cfg.Endpoint)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	if err := ensureBucket(ctx, client, cfg.Bucket, region); err != nil {
		return nil, err
	}
	return &MinIO{Client: client, Bucket: cfg.Bucket}, nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("bucket exists %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", bucket, err)
	}
	return nil
}

func (m *MinIO) Put(ctx context.Context, kind Kind, filename, contentType string, r io.Reader, size int64) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown evidence kind %q", kind)
	}
	if size <= 0 {
		size = -1
	}
	key := objectKey(kind, filename)
	if _, err := m.Client.PutObject(ctx, m.Bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

func (m *MinIO) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	if _, err := m.Client.StatObject(ctx, m.Bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m.Client.GetObject(ctx, m.Bucket, key, minio.GetObjectOptions{})
}
