package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type s3Store struct {
	client S3Client
	bucket string
	prefix string
	limit  int64
}

func newS3Store(cfg Config, limit int64) (*s3Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	return &s3Store{client: cfg.S3Client, bucket: bucket, prefix: cfg.Prefix, limit: limit}, nil
}

func (s *s3Store) Put(ctx context.Context, key string, data []byte, contentType string) (Image, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return Image{}, err
	}
	if int64(len(data)) > s.limit {
		return Image{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(data), s.limit)
	}

	digest := Digest(data)
	in := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(withPrefix(s.prefix, key)),
		Body:     bytes.NewReader(data),
		Metadata: map[string]string{digestMetadataKey: digest},
	}
	if ct := strings.TrimSpace(contentType); ct != "" {
		in.ContentType = aws.String(ct)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return Image{}, fmt.Errorf("objectstore/s3: put %q: %w", key, err)
	}
	return Image{Key: key, Data: append([]byte(nil), data...), ContentType: strings.TrimSpace(contentType), SHA256: digest}, nil
}

func (s *s3Store) Get(ctx context.Context, key string) (Image, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return Image{}, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(withPrefix(s.prefix, key)),
	})
	if err != nil {
		if isNotFound(err) {
			return Image{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Image{}, fmt.Errorf("objectstore/s3: get %q: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.limit+1))
	if err != nil {
		return Image{}, fmt.Errorf("objectstore/s3: read %q: %w", key, err)
	}
	if int64(len(data)) > s.limit {
		return Image{}, fmt.Errorf("%w: key %q exceeds %d bytes", ErrTooLarge, key, s.limit)
	}
	return Image{
		Key:         key,
		Data:        data,
		ContentType: aws.ToString(out.ContentType),
		SHA256:      strings.ToLower(strings.TrimSpace(out.Metadata[digestMetadataKey])),
	}, nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(withPrefix(s.prefix, key)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("objectstore/s3: delete %q: %w", key, err)
	}
	return nil
}

func (s *s3Store) Exists(ctx context.Context, key string) (bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(withPrefix(s.prefix, key)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("objectstore/s3: head %q: %w", key, err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
