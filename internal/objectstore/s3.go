package objectstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/geoharmony/orchestrator/internal/logger"
)

// s3Store holds a client handle and a bucket name, with a context timeout
// wrapped around every call.
type s3Store struct {
	log    *logger.Logger
	client *s3.Client
	bucket string
	signer *linkSigner
}

func NewS3Store(log *logger.Logger, client *s3.Client, bucket string, signer *linkSigner) Store {
	return &s3Store{log: log.With("store", "s3"), client: client, bucket: bucket, signer: signer}
}

func (s *s3Store) PutObject(ctx context.Context, key string, body io.Reader, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()
	if contentType == "" {
		contentType = contentTypeForKey(key)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object %q in bucket %q: %w", key, s.bucket, err)
	}
	return nil
}

func (s *s3Store) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, getTimeout)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("get object %q from bucket %q: %w", key, s.bucket, err)
	}
	return &readCloserWithCancel{ReadCloser: out.Body, cancel: cancel}, nil
}

func (s *s3Store) HeadObject(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, headTimeout)
	defer cancel()
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("head object %q in bucket %q: %w", key, s.bucket, err)
	}
	if out.ContentLength == nil {
		return 0, nil
	}
	return *out.ContentLength, nil
}

func (s *s3Store) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list prefix %q in bucket %q: %w", prefix, s.bucket, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	return keys, nil
}

func (s *s3Store) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := s.ListPrefix(ctx, prefix)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()
	for _, k := range keys {
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(k),
		}); err != nil {
			s.log.Warn("failed to delete object under reaped prefix", "key", k, "error", err)
		}
	}
	return nil
}

func (s *s3Store) Sign(key string, expiry time.Duration) (string, error) {
	return s.signer.sign(s.bucket, key, expiry)
}

type readCloserWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *readCloserWithCancel) Close() error {
	err := r.ReadCloser.Close()
	if r.cancel != nil {
		r.cancel()
	}
	return err
}
