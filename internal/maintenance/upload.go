package maintenance

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/wenbnb/wenbnb/internal/config"
)

// Uploader hands a finished archive to remote storage and returns where
// it landed.
type Uploader interface {
	Upload(ctx context.Context, path string) (string, error)
}

// S3Uploader uploads archives to an S3-compatible bucket.
type S3Uploader struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Uploader builds an uploader from config. It returns nil, nil when
// the object store is disabled.
func NewS3Uploader(cfg config.ObjectStoreConfig) (*S3Uploader, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("object store: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	return &S3Uploader{client: client, bucket: cfg.Bucket, prefix: "backups/"}, nil
}

// Upload implements Uploader.
func (u *S3Uploader) Upload(ctx context.Context, path string) (string, error) {
	key := u.prefix + filepath.Base(path)
	info, err := u.client.FPutObject(ctx, u.bucket, key, path, minio.PutObjectOptions{
		ContentType: "application/zip",
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", info.Bucket, info.Key), nil
}
