// Package jobkey names the pipeline queues and encodes their payloads.
package jobkey

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/provenance-labs/proofpipe/internal/jobqueue"
	"github.com/provenance-labs/proofpipe/internal/submission"
	"golang.org/x/crypto/sha3"
)

const (
	QueueProofGeneration = "proof-generation"
	QueueProofPublishing = "proof-publishing"
	QueueContractDeploy  = "contract-deploy"
)

const (
	versionProofGen     = "proofgen.v1"
	versionProofPublish = "proofpublish.v1"
	versionDeploy       = "deploy.v1"
)

var ErrInvalidPayload = errors.New("jobkey: invalid payload")

// Queues lists every queue the pipeline owns.
func Queues() []string {
	return []string{QueueProofGeneration, QueueProofPublishing, QueueContractDeploy}
}

type ProofGeneration struct {
	SHA256        string
	Signature     string
	PublicKey     string
	StorageKey    string
	WalletAddress string
}

type proofGenJSON struct {
	Version       string `json:"version"`
	SHA256        string `json:"sha256Hash"`
	Signature     string `json:"signature"`
	PublicKey     string `json:"publicKey"`
	StorageKey    string `json:"storageKey"`
	WalletAddress string `json:"walletAddress"`
}

func EncodeProofGeneration(p ProofGeneration) ([]byte, error) {
	sha, err := submission.NormalizeSHA256(p.SHA256)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(p.Signature) == "" || strings.TrimSpace(p.PublicKey) == "" {
		return nil, fmt.Errorf("%w: signature and public key are required", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.StorageKey) == "" {
		return nil, fmt.Errorf("%w: storage key is required", ErrInvalidPayload)
	}
	return json.Marshal(proofGenJSON{
		Version:       versionProofGen,
		SHA256:        sha,
		Signature:     strings.TrimSpace(p.Signature),
		PublicKey:     strings.TrimSpace(p.PublicKey),
		StorageKey:    strings.TrimSpace(p.StorageKey),
		WalletAddress: strings.TrimSpace(p.WalletAddress),
	})
}

func DecodeProofGeneration(payload []byte) (ProofGeneration, error) {
	var raw proofGenJSON
	if err := decodeVersioned(payload, versionProofGen, &raw, func() string { return raw.Version }); err != nil {
		return ProofGeneration{}, err
	}
	p := ProofGeneration{
		SHA256:        raw.SHA256,
		Signature:     raw.Signature,
		PublicKey:     raw.PublicKey,
		StorageKey:    raw.StorageKey,
		WalletAddress: raw.WalletAddress,
	}
	// Round-trip through the encoder for validation.
	if _, err := EncodeProofGeneration(p); err != nil {
		return ProofGeneration{}, err
	}
	p.SHA256, _ = submission.NormalizeSHA256(p.SHA256)
	return p, nil
}

type ProofPublishing struct {
	SHA256             string
	DestinationAddress string
}

type proofPublishJSON struct {
	Version            string `json:"version"`
	SHA256             string `json:"sha256Hash"`
	DestinationAddress string `json:"destinationAddress"`
}

func EncodeProofPublishing(p ProofPublishing) ([]byte, error) {
	sha, err := submission.NormalizeSHA256(p.SHA256)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	dest := strings.TrimSpace(p.DestinationAddress)
	if dest == "" {
		return nil, fmt.Errorf("%w: destination address is required", ErrInvalidPayload)
	}
	return json.Marshal(proofPublishJSON{Version: versionProofPublish, SHA256: sha, DestinationAddress: dest})
}

func DecodeProofPublishing(payload []byte) (ProofPublishing, error) {
	var raw proofPublishJSON
	if err := decodeVersioned(payload, versionProofPublish, &raw, func() string { return raw.Version }); err != nil {
		return ProofPublishing{}, err
	}
	sha, err := submission.NormalizeSHA256(raw.SHA256)
	if err != nil {
		return ProofPublishing{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	dest := strings.TrimSpace(raw.DestinationAddress)
	if dest == "" {
		return ProofPublishing{}, fmt.Errorf("%w: destination address is required", ErrInvalidPayload)
	}
	return ProofPublishing{SHA256: sha, DestinationAddress: dest}, nil
}

type Deploy struct {
	ChallengeID int64
}

type deployJSON struct {
	Version     string `json:"version"`
	ChallengeID int64  `json:"challengeId"`
}

func EncodeDeploy(d Deploy) ([]byte, error) {
	if d.ChallengeID <= 0 {
		return nil, fmt.Errorf("%w: challenge id must be > 0", ErrInvalidPayload)
	}
	return json.Marshal(deployJSON{Version: versionDeploy, ChallengeID: d.ChallengeID})
}

func DecodeDeploy(payload []byte) (Deploy, error) {
	var raw deployJSON
	if err := decodeVersioned(payload, versionDeploy, &raw, func() string { return raw.Version }); err != nil {
		return Deploy{}, err
	}
	if raw.ChallengeID <= 0 {
		return Deploy{}, fmt.Errorf("%w: challenge id must be > 0", ErrInvalidPayload)
	}
	return Deploy{ChallengeID: raw.ChallengeID}, nil
}

func decodeVersioned(payload []byte, want string, out any, version func() string) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrInvalidPayload, err)
	}
	if got := version(); got != want {
		return fmt.Errorf("%w: version %q, want %q", ErrInvalidPayload, got, want)
	}
	return nil
}

// ProofGenerationKey is one live generation job per image.
func ProofGenerationKey(sha256Hex string) string { return "gen:" + sha256Hex }

// ProofPublishingKey is the image digest itself.
func ProofPublishingKey(sha256Hex string) string { return sha256Hex }

// DeployKey is the challenge id.
func DeployKey(challengeID int64) string { return strconv.FormatInt(challengeID, 10) }

// PayloadKeyV1 derives a key for ad-hoc enqueues that carry no natural key:
// keccak256("PROOFPIPE_JOB_V1" || queue || 0x00 || payload).
func PayloadKeyV1(queue string, payload []byte) string {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte("PROOFPIPE_JOB_V1"))
	_, _ = h.Write([]byte(queue))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(payload)
	return common.BytesToHash(h.Sum(nil)).Hex()
}

// Policy holds the per-queue enqueue defaults.
type Policy struct {
	RetryLimit   int
	RetryDelay   time.Duration
	RetryBackoff bool
	ExpireAfter  time.Duration
	DedupWindow  time.Duration
}

func DefaultPolicy(queue string) Policy {
	switch queue {
	case QueueProofGeneration:
		return Policy{RetryLimit: 3, RetryDelay: 30 * time.Second, RetryBackoff: true, ExpireAfter: 2 * time.Hour}
	case QueueProofPublishing:
		return Policy{RetryLimit: 5, RetryDelay: 15 * time.Second, RetryBackoff: true, ExpireAfter: time.Hour, DedupWindow: 10 * time.Minute}
	case QueueContractDeploy:
		return Policy{RetryLimit: 3, RetryDelay: time.Minute, RetryBackoff: true, ExpireAfter: 6 * time.Hour}
	default:
		return Policy{}
	}
}

func (p Policy) Options(key string) jobqueue.EnqueueOptions {
	return jobqueue.EnqueueOptions{
		IdempotencyKey: key,
		DedupWindow:    p.DedupWindow,
		RetryLimit:     p.RetryLimit,
		RetryDelay:     p.RetryDelay,
		RetryBackoff:   p.RetryBackoff,
		ExpireAfter:    p.ExpireAfter,
	}
}
