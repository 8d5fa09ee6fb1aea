// Package secrets loads key material for the deployer and proof service.
// Values are returned as byte slices so callers can zero them after use.
package secrets

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

const (
	ProviderAWS  = "aws"
	ProviderEnv  = "env"
	ProviderFile = "file"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
	ErrMalformed     = errors.New("secrets: malformed value")
)

type Provider interface {
	Get(ctx context.Context, name string) ([]byte, error)
}

// New builds the named provider. dir is only used by the file provider.
func New(ctx context.Context, kind, dir string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case ProviderAWS:
		return NewAWS(ctx)
	case ProviderEnv, "":
		return NewEnv(), nil
	case ProviderFile:
		return NewFile(dir)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, kind)
	}
}

// LoadKey fetches a hex-encoded key and decodes it. The intermediate text
// buffer is zeroed before returning.
func LoadKey(ctx context.Context, p Provider, name string) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil provider", ErrInvalidConfig)
	}
	raw, err := p.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	defer clear(raw)

	text := strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x")
	key, err := hex.DecodeString(text)
	if err != nil || len(key) == 0 {
		return nil, fmt.Errorf("%w: %s is not hex key material", ErrMalformed, name)
	}
	return key, nil
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, name string) ([]byte, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty secret name", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &name})
	if err != nil {
		return nil, fmt.Errorf("secrets: get secret %q: %w", name, err)
	}
	if out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "" {
		return []byte(strings.TrimSpace(*out.SecretString)), nil
	}
	if len(out.SecretBinary) > 0 {
		return append([]byte(nil), out.SecretBinary...), nil
	}
	return nil, fmt.Errorf("%w: secret %q has no value", ErrNotFound, name)
}

type EnvProvider struct{}

func NewEnv() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Get(_ context.Context, name string) ([]byte, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty env name", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil, fmt.Errorf("%w: env %s is empty", ErrNotFound, name)
	}
	return []byte(v), nil
}

// FileProvider reads one secret per file from a directory, the layout used
// by mounted container secrets.
type FileProvider struct {
	dir string
}

func NewFile(dir string) (*FileProvider, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: empty secrets dir", ErrInvalidConfig)
	}
	return &FileProvider{dir: dir}, nil
}

func (p *FileProvider) Get(_ context.Context, name string) ([]byte, error) {
	name = strings.TrimSpace(name)
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return nil, fmt.Errorf("%w: invalid secret name %q", ErrInvalidConfig, name)
	}
	b, err := os.ReadFile(filepath.Join(p.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: read %s: %w", name, err)
	}
	trimmed := []byte(strings.TrimSpace(string(b)))
	clear(b)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrNotFound, name)
	}
	return trimmed, nil
}
