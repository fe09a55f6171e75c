package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

// S3Config holds the connection settings for an S3-compatible bucket.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// S3Store is an ObjectStore backed by an S3-compatible bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	retry  RetryConfig
	logger zerolog.Logger
}

// NewS3Store creates a store for the configured bucket.
func NewS3Store(cfg S3Config, logger zerolog.Logger) *S3Store {
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.PathStyle,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}
	return &S3Store{
		client: s3.New(opts),
		bucket: cfg.Bucket,
		retry:  DefaultRetryConfig(),
		logger: logger.With().Str("component", "s3-store").Str("bucket", cfg.Bucket).Logger(),
	}
}

func (s *S3Store) notify(op, key string) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		s.logger.Warn().Err(err).Str("op", op).Str("key", key).Dur("retry_in", wait).Msg("s3 operation failed, retrying")
	}
}

// List returns every object under prefix. Directory markers are skipped.
func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := Retry(ctx, s.retry, func() error {
			var err error
			page, err = paginator.NextPage(ctx)
			return err
		}, s.notify("list", prefix))
		if err != nil {
			return nil, fmt.Errorf("list objects %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			objects = append(objects, ObjectInfo{
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

// Get opens the object for reading.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var out *s3.GetObjectOutput
	err := Retry(ctx, s.retry, func() error {
		var err error
		out, err = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return mapS3Error(err)
	}, s.notify("get", key))
	if err != nil {
		return nil, fmt.Errorf("get object %q: %w", key, err)
	}
	return out.Body, nil
}

// Put uploads the object. The upload is only retried when r can be rewound.
func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	input := func() *s3.PutObjectInput {
		in := &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   r,
		}
		if size >= 0 {
			in.ContentLength = aws.Int64(size)
		}
		return in
	}

	seeker, ok := r.(io.Seeker)
	if !ok {
		if _, err := s.client.PutObject(ctx, input()); err != nil {
			return fmt.Errorf("put object %q: %w", key, err)
		}
		return nil
	}

	err := Retry(ctx, s.retry, func() error {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return err
		}
		_, err := s.client.PutObject(ctx, input())
		return err
	}, s.notify("put", key))
	if err != nil {
		return fmt.Errorf("put object %q: %w", key, err)
	}
	return nil
}

// Delete removes the object. S3 treats deleting a missing key as success.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	err := Retry(ctx, s.retry, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	}, s.notify("delete", key))
	if err != nil {
		return fmt.Errorf("delete object %q: %w", key, err)
	}
	return nil
}

// Stat returns the object's size and modification time.
func (s *S3Store) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	var out *s3.HeadObjectOutput
	err := Retry(ctx, s.retry, func() error {
		var err error
		out, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return mapS3Error(err)
	}, s.notify("stat", key))
	if err != nil {
		return nil, fmt.Errorf("stat object %q: %w", key, err)
	}
	return &ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// mapS3Error turns the SDK's missing-object errors into ErrNotFound.
// HeadObject has no body, so a 404 arrives as a generic "NotFound" code.
func mapS3Error(err error) error {
	if err == nil {
		return nil
	}
	var noKey *s3types.NoSuchKey
	if errors.As(err, &noKey) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
