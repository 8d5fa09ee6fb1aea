// Package submission holds the submission record and the state machine the
// proof workers drive it through.
package submission

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/provenance-labs/proofpipe/internal/chain"
	"github.com/provenance-labs/proofpipe/internal/reason"
)

var (
	ErrInvalidInput      = errors.New("submission: invalid input")
	ErrNotFound          = errors.New("submission: not found")
	ErrDuplicate         = errors.New("submission: duplicate sha256")
	ErrInvalidTransition = errors.New("submission: invalid transition")
)

type Submission struct {
	ID            int64
	SHA256        string
	WalletAddress string
	ChallengeID   int64
	ChainID       int64
	ChainPosition int64
	StorageKey    string
	// PublicKey and Signature attest the image commitment; proof generation
	// needs both.
	PublicKey string
	Signature string

	Status        Status
	ProofArtifact []byte
	FailureReason string
	// RetryCount mirrors the job counter at the last stage change. Audit only.
	RetryCount int

	TransactionHash string
	ContractAddress string
	SubmittedHeight int64
	ChainStatus     chain.TxStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

type NewSubmission struct {
	SHA256        string
	WalletAddress string
	ChainID       int64
	StorageKey    string
	PublicKey     string
	Signature     string
}

func (n NewSubmission) Normalize() (NewSubmission, error) {
	sha, err := NormalizeSHA256(n.SHA256)
	if err != nil {
		return NewSubmission{}, err
	}
	n.SHA256 = sha
	n.WalletAddress = strings.TrimSpace(n.WalletAddress)
	n.StorageKey = strings.TrimSpace(n.StorageKey)
	n.PublicKey = strings.TrimSpace(n.PublicKey)
	n.Signature = strings.TrimSpace(n.Signature)
	if n.WalletAddress == "" {
		return NewSubmission{}, fmt.Errorf("%w: missing wallet address", ErrInvalidInput)
	}
	if n.StorageKey == "" {
		return NewSubmission{}, fmt.Errorf("%w: missing storage key", ErrInvalidInput)
	}
	if n.ChainID <= 0 {
		return NewSubmission{}, fmt.Errorf("%w: missing chain id", ErrInvalidInput)
	}
	return n, nil
}

// NormalizeSHA256 accepts a 32-byte hex digest with optional 0x prefix and
// returns it lowercase without prefix.
func NormalizeSHA256(raw string) (string, error) {
	s := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if len(s) != 64 {
		return "", fmt.Errorf("%w: sha256 must be 32-byte hex", ErrInvalidInput)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: sha256 must be 32-byte hex", ErrInvalidInput)
	}
	return s, nil
}

// Publication is the on-chain outcome of the publishing step.
type Publication struct {
	TxHash          string
	ContractAddress string
	Height          int64
}

// Transition moves the submission to a new in-flight status.
func (s *Submission) Transition(to Status, retryCount int) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, s.SHA256, s.Status, to)
	}
	if to == StatusComplete || to == StatusRejected || to == StatusFailed {
		return fmt.Errorf("%w: %s is reached through Complete or Fail", ErrInvalidTransition, to)
	}
	s.Status = to
	s.RetryCount = retryCount
	return nil
}

// AttachArtifact stores the generated proof and hands the submission to the
// publishing stage.
func (s *Submission) AttachArtifact(artifact []byte) error {
	if len(artifact) == 0 {
		return fmt.Errorf("%w: empty proof artifact", ErrInvalidInput)
	}
	if s.Status != StatusProofGeneration {
		return fmt.Errorf("%w: %s is %s, not proof_generation", ErrInvalidTransition, s.SHA256, s.Status)
	}
	s.Status = StatusProofPublishing
	s.ProofArtifact = append([]byte(nil), artifact...)
	return nil
}

// Complete records the publication and drops the artifact.
func (s *Submission) Complete(p Publication) error {
	p.TxHash = strings.TrimSpace(p.TxHash)
	if p.TxHash == "" {
		return fmt.Errorf("%w: missing transaction hash", ErrInvalidInput)
	}
	if s.Status == StatusComplete && s.TransactionHash == p.TxHash {
		return nil
	}
	if !CanTransition(s.Status, StatusComplete) {
		return fmt.Errorf("%w: %s %s -> complete", ErrInvalidTransition, s.SHA256, s.Status)
	}
	s.Status = StatusComplete
	s.TransactionHash = p.TxHash
	s.ContractAddress = strings.TrimSpace(p.ContractAddress)
	s.SubmittedHeight = p.Height
	s.ChainStatus = chain.TxPending
	s.ProofArtifact = nil
	s.FailureReason = ""
	return nil
}

// Fail ends the submission as rejected or failed and drops any artifact.
// Repeating the same terminal failure is a no-op.
func (s *Submission) Fail(to Status, reason string) error {
	if to != StatusRejected && to != StatusFailed {
		return fmt.Errorf("%w: %s is not a failure status", ErrInvalidInput, to)
	}
	reason = truncateReason(reason)
	if reason == "" {
		return fmt.Errorf("%w: missing failure reason", ErrInvalidInput)
	}
	if s.Status == to {
		s.ProofArtifact = nil
		return nil
	}
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, s.SHA256, s.Status, to)
	}
	s.Status = to
	s.FailureReason = reason
	s.ProofArtifact = nil
	return nil
}

// ApplyChainStatus records monitor feedback. Final is sticky; it reports
// whether anything changed.
func (s *Submission) ApplyChainStatus(status chain.TxStatus) bool {
	if s.ChainStatus == status || s.ChainStatus == chain.TxFinal {
		return false
	}
	s.ChainStatus = status
	return true
}

// Record converts a published submission to the monitor's view.
func Record(s Submission) chain.TxRecord {
	return chain.TxRecord{
		Kind:            chain.KindSubmission,
		Ref:             s.SHA256,
		Hash:            s.TransactionHash,
		Address:         s.ContractAddress,
		SubmittedHeight: s.SubmittedHeight,
	}
}

type Store interface {
	// Create inserts the submission in uploading and assigns its chain
	// position in the same transaction that bumps the chain length and the
	// challenge participant count.
	Create(ctx context.Context, in NewSubmission) (Submission, error)
	Get(ctx context.Context, sha256 string) (Submission, error)
	ListByChain(ctx context.Context, chainID int64) ([]Submission, error)

	Transition(ctx context.Context, sha256 string, to Status, retryCount int) (Submission, error)
	StoreArtifact(ctx context.Context, sha256 string, artifact []byte) (Submission, error)
	Complete(ctx context.Context, sha256 string, p Publication) (Submission, error)
	Fail(ctx context.Context, sha256 string, to Status, reason string) (Submission, error)

	// ListTracked returns published transactions at or above minHeight.
	ListTracked(ctx context.Context, minHeight int64) ([]chain.TxRecord, error)
	// RecordChainStatus stores monitor feedback for a transaction without
	// touching the pipeline status. Safe to repeat.
	RecordChainStatus(ctx context.Context, txHash string, status chain.TxStatus) (bool, error)
}

const maxReasonLen = 1024

func truncateReason(s string) string {
	return reason.Clean(strings.TrimSpace(s), maxReasonLen)
}
