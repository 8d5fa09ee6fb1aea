// Package objectstore keeps uploaded source images. Objects carry the SHA-256
// of their bytes so readers can detect corruption or substitution.
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	defaultMaxImageSize int64 = 32 << 20

	digestMetadataKey = "sha256"
)

var (
	ErrInvalidConfig = errors.New("objectstore: invalid config")
	ErrInvalidKey    = errors.New("objectstore: invalid key")
	ErrNotFound      = errors.New("objectstore: not found")
	ErrTooLarge      = errors.New("objectstore: object too large")
)

type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (Image, error)
	Get(ctx context.Context, key string) (Image, error)
	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

type Image struct {
	Key         string
	Data        []byte
	ContentType string
	// SHA256 is the lowercase hex digest recorded at upload. Empty when the
	// backend holds an object written without one.
	SHA256 string
}

type Config struct {
	Driver string
	Prefix string

	// MaxImageSize bounds Put and Get. Defaults to 32 MiB.
	MaxImageSize int64

	Bucket   string
	S3Client S3Client
}

func New(cfg Config) (Store, error) {
	limit := cfg.MaxImageSize
	if limit <= 0 {
		limit = defaultMaxImageSize
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case DriverMemory:
		return newMemoryStore(cfg.Prefix, limit), nil
	case DriverS3, "":
		return newS3Store(cfg, limit)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// Open is New with the S3 client built from the default AWS credential
// chain when cfg selects s3 and carries no client.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if (driver == DriverS3 || driver == "") && cfg.S3Client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("objectstore: load aws config: %w", err)
		}
		cfg.S3Client = s3.NewFromConfig(awsCfg)
	}
	return New(cfg)
}

// ImageKey is the canonical key for an uploaded image.
func ImageKey(sha256Hex string) string {
	return "images/" + strings.ToLower(sha256Hex)
}

// Digest returns the lowercase hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func normalizeKey(key string) (string, error) {
	if key != strings.TrimSpace(key) {
		return "", fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: key contains control characters", ErrInvalidKey)
		}
	}
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: key contains '..'", ErrInvalidKey)
	}
	return key, nil
}

func withPrefix(prefix, key string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
