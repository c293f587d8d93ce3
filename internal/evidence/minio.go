package evidence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"habitquest/api/internal/util"
)

// Minio stores evidence in an S3-compatible bucket. Used when
// MINIO_ENDPOINT is configured, so evidence survives instance restarts in
// multi-instance deployments.
type Minio struct {
	client *minio.Client
	bucket string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func NewMinio(ctx context.Context, cfg MinioConfig) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(checkCtx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check evidence bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(checkCtx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create evidence bucket: %w", err)
		}
	}

	return &Minio{client: client, bucket: cfg.Bucket}, nil
}

func (m *Minio) Save(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error) {
	ref := util.NewID("ev") + sanitizedExt(name)
	_, err := m.client.PutObject(ctx, m.bucket, ref, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put evidence object: %w", err)
	}
	return ref, nil
}

func (m *Minio) Read(ctx context.Context, ref string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get evidence object: %w", err)
	}
	defer obj.Close()

	// GetObject is lazy; a missing key surfaces on the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read evidence object: %w", err)
	}
	return data, nil
}

func (m *Minio) Delete(ctx context.Context, ref string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, ref, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove evidence object: %w", err)
	}
	return nil
}
