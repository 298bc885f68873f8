package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"k8s.io/klog/v2"
)

// MinIOOptions configure the S3-compatible backend.
type MinIOOptions struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
}

// MinIO lists objects from an S3-compatible object store.
type MinIO struct {
	client *minio.Client
}

// NewMinIO connects to the endpoint in opts.
func NewMinIO(opts MinIOOptions) (*MinIO, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinIO{client: client}, nil
}

func (m *MinIO) list(ctx context.Context, bucket, prefix string) ([]Object, error) {
	// Cancelling stops the lister goroutine when we return early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var out []Object
	for info := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, info.Err)
		}
		if strings.HasSuffix(info.Key, "/") {
			continue
		}
		out = append(out, Object{Key: info.Key, Size: info.Size})
	}
	klog.V(4).Infof("Listed %d objects under %s/%s", len(out), bucket, prefix)
	return out, nil
}

// GetSize sums the sizes of every object under bucket/prefix.
func (m *MinIO) GetSize(ctx context.Context, bucket, prefix string) (int64, error) {
	objs, err := m.list(ctx, bucket, prefix)
	if err != nil {
		return 0, err
	}
	return TotalSize(objs), nil
}

// Partition balances the objects under bucket/prefix across workers.
func (m *MinIO) Partition(ctx context.Context, bucket, prefix string, workers int) ([][]string, error) {
	objs, err := m.list(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	return Balance(objs, workers), nil
}
