// Package zkexec drives the external proof service binary. Each call writes
// one versioned JSON request to the binary's stdin and reads one response
// from its stdout.
package zkexec

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const (
	requestVersion  = "zkexec.request.v1"
	responseVersion = "zkexec.response.v1"

	opGenerate = "generate"
	opPublish  = "publish"
	opDeploy   = "deploy"
)

var (
	ErrInvalidConfig = errors.New("zkexec: invalid config")
	ErrInvalidInput  = errors.New("zkexec: invalid input")
	// ErrRejected marks a definitive refusal by the proof service or the
	// network. Retrying the same input will not help.
	ErrRejected = errors.New("zkexec: rejected")
)

type execCommandFn func(ctx context.Context, bin string, stdin []byte) ([]byte, []byte, error)

type Client struct {
	bin string

	maxResponseBytes int
	feePayerKey      []byte
	execCommand      execCommandFn
}

type Option func(*Client)

// WithFeePayerKey sets the key the service pays publication fees with. The
// client keeps its own copy.
func WithFeePayerKey(key []byte) Option {
	return func(c *Client) { c.feePayerKey = append([]byte(nil), key...) }
}

func New(bin string, maxResponseBytes int, opts ...Option) (*Client, error) {
	if strings.TrimSpace(bin) == "" {
		return nil, fmt.Errorf("%w: missing proof service binary", ErrInvalidConfig)
	}
	if maxResponseBytes <= 0 {
		return nil, fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
	}
	c := &Client{bin: bin, maxResponseBytes: maxResponseBytes, execCommand: runExecCommand}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close zeroes the fee payer key held by the client.
func (c *Client) Close() {
	if c == nil {
		return
	}
	clear(c.feePayerKey)
	c.feePayerKey = nil
}

type request struct {
	Version string `json:"version"`
	Op      string `json:"op"`

	Commitment string `json:"commitment,omitempty"`
	PublicKey  string `json:"publicKey,omitempty"`
	Signature  string `json:"signature,omitempty"`

	Artifact    string `json:"artifact,omitempty"`
	Destination string `json:"destination,omitempty"`

	ChallengeID        int64  `json:"challengeId,omitempty"`
	ContractPrivateKey string `json:"contractPrivateKey,omitempty"`
	ContractPublicKey  string `json:"contractPublicKey,omitempty"`
	FeePayerKey        string `json:"feePayerKey,omitempty"`
}

type response struct {
	Version         string `json:"version"`
	Artifact        string `json:"artifact"`
	TxHash          string `json:"txHash"`
	ContractAddress string `json:"contractAddress"`
	Height          int64  `json:"height"`
	Error           string `json:"error"`
	Rejected        bool   `json:"rejected"`
}

// Generate produces a proof artifact for a signed image commitment.
func (c *Client) Generate(ctx context.Context, commitment []byte, publicKey, signature string) ([]byte, error) {
	if len(commitment) == 0 || strings.TrimSpace(publicKey) == "" || strings.TrimSpace(signature) == "" {
		return nil, fmt.Errorf("%w: commitment, public key and signature are required", ErrInvalidInput)
	}
	resp, err := c.call(ctx, request{
		Op:         opGenerate,
		Commitment: "0x" + hex.EncodeToString(commitment),
		PublicKey:  strings.TrimSpace(publicKey),
		Signature:  strings.TrimSpace(signature),
	})
	if err != nil {
		return nil, err
	}
	artifact, err := decodeHexBytes(resp.Artifact)
	if err != nil {
		return nil, fmt.Errorf("zkexec: decode artifact: %w", err)
	}
	return artifact, nil
}

// Publish submits an artifact to the destination contract and returns the
// transaction hash.
func (c *Client) Publish(ctx context.Context, artifact []byte, destination string) (string, error) {
	if len(artifact) == 0 || strings.TrimSpace(destination) == "" {
		return "", fmt.Errorf("%w: artifact and destination are required", ErrInvalidInput)
	}
	req := request{
		Op:          opPublish,
		Artifact:    "0x" + hex.EncodeToString(artifact),
		Destination: strings.TrimSpace(destination),
	}
	if len(c.feePayerKey) > 0 {
		req.FeePayerKey = hex.EncodeToString(c.feePayerKey)
	}
	resp, err := c.call(ctx, req)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.TxHash) == "" {
		return "", fmt.Errorf("zkexec: empty transaction hash")
	}
	return strings.TrimSpace(resp.TxHash), nil
}

type DeployRequest struct {
	ChallengeID        int64
	ContractPrivateKey []byte
	ContractPublicKey  []byte
	FeePayerKey        []byte
}

type DeployResult struct {
	ContractAddress string
	TxHash          string
	Height          int64
}

// Deploy provisions a challenge contract. Keys travel only over the child's
// stdin.
func (c *Client) Deploy(ctx context.Context, req DeployRequest) (DeployResult, error) {
	if req.ChallengeID <= 0 || len(req.ContractPrivateKey) == 0 || len(req.FeePayerKey) == 0 {
		return DeployResult{}, fmt.Errorf("%w: challenge id, contract key and fee payer key are required", ErrInvalidInput)
	}
	resp, err := c.call(ctx, request{
		Op:                 opDeploy,
		ChallengeID:        req.ChallengeID,
		ContractPrivateKey: hex.EncodeToString(req.ContractPrivateKey),
		ContractPublicKey:  hex.EncodeToString(req.ContractPublicKey),
		FeePayerKey:        hex.EncodeToString(req.FeePayerKey),
	})
	if err != nil {
		return DeployResult{}, err
	}
	out := DeployResult{
		ContractAddress: strings.TrimSpace(resp.ContractAddress),
		TxHash:          strings.TrimSpace(resp.TxHash),
		Height:          resp.Height,
	}
	if out.ContractAddress == "" || out.TxHash == "" {
		return DeployResult{}, fmt.Errorf("zkexec: deploy response missing contract address or tx hash")
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, req request) (response, error) {
	if c == nil || c.execCommand == nil {
		return response{}, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	req.Version = requestVersion
	body, err := json.Marshal(req)
	if err != nil {
		return response{}, fmt.Errorf("zkexec: marshal request: %w", err)
	}
	defer clear(body)

	stdout, stderr, err := c.execCommand(ctx, c.bin, body)
	if err != nil {
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = strings.TrimSpace(string(stdout))
		}
		if msg == "" {
			return response{}, fmt.Errorf("zkexec: %s: %w", req.Op, err)
		}
		return response{}, fmt.Errorf("zkexec: %s: %w: %s", req.Op, err, msg)
	}
	if len(stdout) > c.maxResponseBytes {
		return response{}, fmt.Errorf("zkexec: %s: response too large", req.Op)
	}

	var resp response
	if err := json.Unmarshal(stdout, &resp); err != nil {
		return response{}, fmt.Errorf("zkexec: %s: decode response: %w", req.Op, err)
	}
	if resp.Version != responseVersion {
		return response{}, fmt.Errorf("zkexec: %s: unexpected response version %q", req.Op, resp.Version)
	}
	if msg := strings.TrimSpace(resp.Error); msg != "" || resp.Rejected {
		if msg == "" {
			msg = "no reason given"
		}
		if resp.Rejected {
			return response{}, fmt.Errorf("%w: %s: %s", ErrRejected, req.Op, msg)
		}
		return response{}, fmt.Errorf("zkexec: %s: %s", req.Op, msg)
	}
	return resp, nil
}

func runExecCommand(ctx context.Context, bin string, stdin []byte) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, bin)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func decodeHexBytes(s string) ([]byte, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if s == "" {
		return nil, fmt.Errorf("empty hex")
	}
	return hex.DecodeString(s)
}
