package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds connection settings for the object-store sink.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// MinioSink stores artifacts in an S3-compatible bucket under
// artifacts/<request_id>/<name>. Used in deployments where gateway replicas
// must share one artifact view.
type MinioSink struct {
	client *minio.Client
	bucket string
}

// NewMinioSink connects to the object store and ensures the bucket exists.
func NewMinioSink(ctx context.Context, cfg MinioConfig) (*MinioSink, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("artifacts: connect minio: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(checkCtx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("artifacts: check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(checkCtx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("artifacts: create bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &MinioSink{client: client, bucket: cfg.Bucket}, nil
}

func objectKey(requestID, name string) string {
	return fmt.Sprintf("artifacts/%s/%s", requestID, name)
}

// Put uploads one artifact.
func (s *MinioSink) Put(ctx context.Context, requestID, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(requestID, name),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("artifacts: put %s/%s: %w", requestID, name, err)
	}
	return nil
}

// Get downloads one artifact.
func (s *MinioSink) Get(ctx context.Context, requestID, name string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(requestID, name), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("artifacts: get %s/%s: %w", requestID, name, err)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("artifacts: read %s/%s: %w", requestID, name, err)
	}
	return data, nil
}

// Close is a no-op; the minio client has no shutdown.
func (s *MinioSink) Close() error { return nil }
