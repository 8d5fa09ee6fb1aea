// Package challenge holds challenges, their submission chains and the
// one-way contract deployment state machine.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/provenance-labs/proofpipe/internal/chain"
	"github.com/provenance-labs/proofpipe/internal/reason"
)

var (
	ErrInvalidInput      = errors.New("challenge: invalid input")
	ErrNotFound          = errors.New("challenge: not found")
	ErrInvalidTransition = errors.New("challenge: invalid transition")
)

type DeploymentStatus string

const (
	StatusPendingDeployment DeploymentStatus = "pending_deployment"
	StatusDeploying         DeploymentStatus = "deploying"
	StatusActive            DeploymentStatus = "active"
	StatusDeploymentFailed  DeploymentStatus = "deployment_failed"
)

var deploymentTransitions = map[DeploymentStatus][]DeploymentStatus{
	StatusPendingDeployment: {StatusDeploying},
	// A retry attempt re-enters deploying.
	StatusDeploying: {StatusDeploying, StatusActive, StatusDeploymentFailed},
}

func (s DeploymentStatus) Valid() bool {
	switch s {
	case StatusPendingDeployment, StatusDeploying, StatusActive, StatusDeploymentFailed:
		return true
	default:
		return false
	}
}

func (s DeploymentStatus) Terminal() bool {
	return s == StatusActive || s == StatusDeploymentFailed
}

// CanTransition reports whether from -> to is listed in the deployment table.
func CanTransition(from, to DeploymentStatus) bool {
	for _, next := range deploymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(id int64, from, to DeploymentStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: challenge %d %s -> %s", ErrInvalidTransition, id, from, to)
	}
	return nil
}

type Challenge struct {
	ID               int64
	Title            string
	StartTime        time.Time
	EndTime          time.Time
	ParticipantCount int64

	DeploymentStatus        DeploymentStatus
	ContractAddress         string
	DeploymentTxHash        string
	DeploymentHeight        int64
	DeploymentFailureReason string
	DeploymentRetryCount    int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Chain is an ordered collection of submissions within one challenge.
type Chain struct {
	ID          int64
	ChallengeID int64
	Name        string
	Length      int64
	CreatedAt   time.Time
}

type NewChallenge struct {
	Title     string
	StartTime time.Time
	EndTime   time.Time
}

func (n NewChallenge) Validate() error {
	if strings.TrimSpace(n.Title) == "" {
		return fmt.Errorf("%w: missing title", ErrInvalidInput)
	}
	if n.StartTime.IsZero() || n.EndTime.IsZero() {
		return fmt.Errorf("%w: missing window", ErrInvalidInput)
	}
	if !n.EndTime.After(n.StartTime) {
		return fmt.Errorf("%w: end_time must be after start_time", ErrInvalidInput)
	}
	return nil
}

// Deployment is the outcome of a successful contract deployment.
type Deployment struct {
	ContractAddress string
	TxHash          string
	Height          int64
}

func (d Deployment) Validate() error {
	if strings.TrimSpace(d.ContractAddress) == "" || strings.TrimSpace(d.TxHash) == "" {
		return fmt.Errorf("%w: deployment needs contract address and tx hash", ErrInvalidInput)
	}
	if d.Height < 0 {
		return fmt.Errorf("%w: negative deployment height", ErrInvalidInput)
	}
	return nil
}

// StartDeploying applies a job pickup.
func (c *Challenge) StartDeploying(retryCount int) error {
	if err := checkTransition(c.ID, c.DeploymentStatus, StatusDeploying); err != nil {
		return err
	}
	c.DeploymentStatus = StatusDeploying
	c.DeploymentRetryCount = retryCount
	return nil
}

// NoteFailure records a non-final failed attempt and stays in deploying.
func (c *Challenge) NoteFailure(reason string) error {
	if c.DeploymentStatus != StatusDeploying {
		return fmt.Errorf("%w: challenge %d is %s, not deploying", ErrInvalidTransition, c.ID, c.DeploymentStatus)
	}
	c.DeploymentFailureReason = TruncateReason(reason)
	return nil
}

func (c *Challenge) Activate(d Deployment) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if err := checkTransition(c.ID, c.DeploymentStatus, StatusActive); err != nil {
		return err
	}
	c.DeploymentStatus = StatusActive
	c.ContractAddress = strings.TrimSpace(d.ContractAddress)
	c.DeploymentTxHash = strings.TrimSpace(d.TxHash)
	c.DeploymentHeight = d.Height
	c.DeploymentFailureReason = ""
	return nil
}

func (c *Challenge) FailDeployment(reason string) error {
	if err := checkTransition(c.ID, c.DeploymentStatus, StatusDeploymentFailed); err != nil {
		return err
	}
	c.DeploymentStatus = StatusDeploymentFailed
	c.DeploymentFailureReason = TruncateReason(reason)
	return nil
}

// Reset returns a deployment_failed challenge to pending_deployment. It sits
// outside the transition table: only an operator calls it.
func (c *Challenge) Reset() error {
	if c.DeploymentStatus != StatusDeploymentFailed {
		return fmt.Errorf("%w: challenge %d is %s, not deployment_failed", ErrInvalidTransition, c.ID, c.DeploymentStatus)
	}
	c.DeploymentStatus = StatusPendingDeployment
	c.DeploymentRetryCount = 0
	return nil
}

type Store interface {
	CreateChallenge(ctx context.Context, in NewChallenge) (Challenge, error)
	CreateChain(ctx context.Context, challengeID int64, name string) (Chain, error)
	GetChallenge(ctx context.Context, id int64) (Challenge, error)
	GetChain(ctx context.Context, id int64) (Chain, error)

	// MarkDeploying moves the challenge into deploying on job pickup and
	// records the attempt counter for audit.
	MarkDeploying(ctx context.Context, id int64, retryCount int) (Challenge, error)
	// RecordDeploymentFailure keeps the challenge deploying and stores the
	// reason of a non-final failed attempt.
	RecordDeploymentFailure(ctx context.Context, id int64, reason string) (Challenge, error)
	MarkActive(ctx context.Context, id int64, d Deployment) (Challenge, error)
	MarkDeploymentFailed(ctx context.Context, id int64, reason string) (Challenge, error)
	// ResetDeployment is the operator's manual intervention for a
	// deployment_failed challenge; it returns it to pending_deployment.
	ResetDeployment(ctx context.Context, id int64) (Challenge, error)

	// ListDeployed returns deployment transactions submitted at or above
	// minHeight.
	ListDeployed(ctx context.Context, minHeight int64) ([]chain.TxRecord, error)
}

// DeploymentRecord converts an active challenge to the monitor's view.
func DeploymentRecord(c Challenge) chain.TxRecord {
	return chain.TxRecord{
		Kind:            chain.KindDeployment,
		Ref:             strconv.FormatInt(c.ID, 10),
		Hash:            c.DeploymentTxHash,
		Address:         c.ContractAddress,
		SubmittedHeight: c.DeploymentHeight,
	}
}

const maxReasonLen = 1024

// TruncateReason bounds persisted failure reasons and makes them safe to store
// as text.
func TruncateReason(s string) string {
	return reason.Clean(strings.TrimSpace(s), maxReasonLen)
}
