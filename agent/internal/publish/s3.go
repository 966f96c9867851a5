package publish

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dayofmonth/dayofmonth/pkg/types"
)

// objectStore is the subset of *minio.Client used by the sink.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// S3Options configures S3Sink.
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// S3Sink archives every state as one JSON object.
type S3Sink struct {
	bucket string
	prefix string
	client objectStore
}

// NewS3Sink returns an S3Sink for opts.
func NewS3Sink(opts S3Options) (*S3Sink, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &S3Sink{bucket: opts.Bucket, prefix: opts.Prefix, client: client}, nil
}

// Name implements Sink.
func (s *S3Sink) Name() string { return "s3" }

// Connect implements Sink. It creates the bucket when missing.
func (s *S3Sink) Connect(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("s3: bucket exists %q: %w", s.bucket, err)
	}
	if ok {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("s3: make bucket %q: %w", s.bucket, err)
	}
	return nil
}

// Send implements Sink.
func (s *S3Sink) Send(ctx context.Context, st types.SensorState) error {
	body, err := Encode(st)
	if err != nil {
		return err
	}
	key := ObjectKey(s.prefix, st)
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("s3: put object %s: %w", key, err)
	}
	return nil
}

// Close implements Sink.
func (s *S3Sink) Close() error { return nil }
