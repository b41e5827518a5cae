package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioResults archives named analysis results as JSON objects in a bucket.
type MinioResults struct {
	client *minio.Client
	bucket string
}

type MinioConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// NewMinioResults connects and makes sure the bucket exists.
func NewMinioResults(ctx context.Context, cfg MinioConfig) (*MinioResults, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
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
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioResults{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinioResults) objectKey(name string) string {
	return resultDir + "/" + nameKey(name) + ".json"
}

func (s *MinioResults) WriteNamed(ctx context.Context, name string, payload json.RawMessage) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := validPayload(payload); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.bucket, s.objectKey(name), bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put result %s: %w", name, err)
	}
	return nil
}

func (s *MinioResults) ReadNamed(ctx context.Context, name string) (json.RawMessage, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectKey(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapErr(name, err)
	}
	defer obj.Close()

	raw, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.mapErr(name, err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: result %s", ErrCorrupt, name)
	}
	return raw, nil
}

func (s *MinioResults) Ping(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("minio ping: %w", err)
	}
	return nil
}

func (s *MinioResults) mapErr(name string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ErrNotFound
	}
	return fmt.Errorf("get result %s: %w", name, err)
}
