// Package deployworker provisions one contract per challenge. The queue it
// consumes must be leased exclusively: the deployer signs with a single fee
// payer identity and cannot run two deployments at once.
package deployworker

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/provenance-labs/proofpipe/internal/challenge"
	"github.com/provenance-labs/proofpipe/internal/events"
	"github.com/provenance-labs/proofpipe/internal/jobkey"
	"github.com/provenance-labs/proofpipe/internal/jobqueue"
	"github.com/provenance-labs/proofpipe/internal/secrets"
	"github.com/provenance-labs/proofpipe/internal/zkexec"
)

var ErrInvalidConfig = errors.New("deployworker: invalid config")

type Deployer interface {
	Deploy(ctx context.Context, req zkexec.DeployRequest) (zkexec.DeployResult, error)
}

type Notifier interface {
	Notify(ctx context.Context, e events.Event)
}

type Config struct {
	// FeePayerSecret names the hex-encoded fee payer key in the secrets provider.
	FeePayerSecret string
}

type Handler struct {
	cfg Config

	challenges challenge.Store
	deployer   Deployer
	secrets    secrets.Provider
	notifier   Notifier
	log        *slog.Logger

	generateKey func() (*ecdsa.PrivateKey, error)

	deployed atomic.Uint64
	failed   atomic.Uint64
}

func New(cfg Config, challenges challenge.Store, deployer Deployer, provider secrets.Provider, notifier Notifier, log *slog.Logger) (*Handler, error) {
	if challenges == nil || deployer == nil || provider == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	cfg.FeePayerSecret = strings.TrimSpace(cfg.FeePayerSecret)
	if cfg.FeePayerSecret == "" {
		return nil, fmt.Errorf("%w: fee payer secret name is required", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{
		cfg:         cfg,
		challenges:  challenges,
		deployer:    deployer,
		secrets:     provider,
		notifier:    notifier,
		log:         log,
		generateKey: crypto.GenerateKey,
	}, nil
}

func (h *Handler) Handle(ctx context.Context, job jobqueue.Job) (err error) {
	d, err := jobkey.DecodeDeploy(job.Payload)
	if err != nil {
		return jobqueue.Permanent(err)
	}
	log := h.log.With("job_id", job.ID.String(), "challenge_id", d.ChallengeID, "attempt", job.Attempt())

	defer func() {
		if err != nil {
			h.onFailure(ctx, log, job, d.ChallengeID, err)
		}
	}()

	c, err := h.challenges.GetChallenge(ctx, d.ChallengeID)
	if err != nil {
		if errors.Is(err, challenge.ErrNotFound) {
			return jobqueue.Permanent(err)
		}
		return fmt.Errorf("deployworker: load challenge: %w", err)
	}
	switch c.DeploymentStatus {
	case challenge.StatusActive:
		log.Info("contract already deployed", "contract_address", c.ContractAddress)
		return nil
	case challenge.StatusDeploymentFailed:
		log.Warn("deployment failed earlier and needs an operator reset")
		return nil
	}

	if _, err := h.challenges.MarkDeploying(ctx, c.ID, job.RetryCount); err != nil {
		return fmt.Errorf("deployworker: mark deploying: %w", err)
	}

	res, err := h.deploy(ctx, c.ID)
	if err != nil {
		return err
	}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	active, err := h.challenges.MarkActive(settleCtx, c.ID, challenge.Deployment{
		ContractAddress: res.ContractAddress,
		TxHash:          res.TxHash,
		Height:          res.Height,
	})
	if err != nil {
		log.Error("contract deployed but not recorded", "contract_address", res.ContractAddress, "tx_hash", res.TxHash, "err", err)
		return fmt.Errorf("deployworker: record deployment: %w", err)
	}
	h.deployed.Add(1)
	log.Info("contract deployed", "contract_address", active.ContractAddress, "tx_hash", active.DeploymentTxHash, "height", active.DeploymentHeight)
	h.emitMetrics()

	if h.notifier != nil {
		h.notifier.Notify(ctx, events.Event{
			Kind:            events.KindChallengeActive,
			ChallengeID:     active.ID,
			Status:          string(active.DeploymentStatus),
			TransactionHash: active.DeploymentTxHash,
			ContractAddress: active.ContractAddress,
		})
	}
	return nil
}

// deploy runs one deployment with a fresh contract key. Key material lives
// only for the duration of the call.
func (h *Handler) deploy(ctx context.Context, challengeID int64) (zkexec.DeployResult, error) {
	feePayer, err := secrets.LoadKey(ctx, h.secrets, h.cfg.FeePayerSecret)
	if err != nil {
		if errors.Is(err, secrets.ErrMalformed) {
			return zkexec.DeployResult{}, jobqueue.Permanent(err)
		}
		return zkexec.DeployResult{}, fmt.Errorf("deployworker: load fee payer key: %w", err)
	}
	defer clear(feePayer)

	key, err := h.generateKey()
	if err != nil {
		return zkexec.DeployResult{}, fmt.Errorf("deployworker: generate contract key: %w", err)
	}
	priv := crypto.FromECDSA(key)
	defer clear(priv)
	defer key.D.SetInt64(0)

	res, err := h.deployer.Deploy(ctx, zkexec.DeployRequest{
		ChallengeID:        challengeID,
		ContractPrivateKey: priv,
		ContractPublicKey:  crypto.CompressPubkey(&key.PublicKey),
		FeePayerKey:        feePayer,
	})
	if err != nil {
		if errors.Is(err, zkexec.ErrRejected) || errors.Is(err, zkexec.ErrInvalidInput) {
			return zkexec.DeployResult{}, jobqueue.Permanent(err)
		}
		return zkexec.DeployResult{}, fmt.Errorf("deployworker: deploy: %w", err)
	}
	return res, nil
}

func (h *Handler) onFailure(ctx context.Context, log *slog.Logger, job jobqueue.Job, id int64, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if !jobqueue.IsPermanent(cause) && !job.FinalAttempt() {
		if _, err := h.challenges.RecordDeploymentFailure(ctx, id, cause.Error()); err != nil {
			log.Error("record deployment failure", "err", err)
		}
		log.Warn("deployment attempt failed, will retry", "err", cause)
		return
	}

	// The attempt may have failed before the challenge left pending.
	c, changed, err := challenge.Abandon(ctx, h.challenges, id, job.RetryCount, cause.Error())
	if err != nil {
		log.Error("mark deployment_failed", "err", err)
		return
	}
	if !changed {
		log.Warn("deployment already settled", "status", c.DeploymentStatus, "err", cause)
		return
	}
	h.failed.Add(1)
	log.Error("deployment failed", "reason", c.DeploymentFailureReason)
	h.emitMetrics()

	if h.notifier != nil {
		h.notifier.Notify(ctx, events.Event{
			Kind:        events.KindChallengeFailed,
			ChallengeID: c.ID,
			Status:      string(c.DeploymentStatus),
			Reason:      c.DeploymentFailureReason,
		})
	}
}

func (h *Handler) emitMetrics() {
	h.log.Info("contract-deployer metrics",
		"deployed_count", h.deployed.Load(),
		"failed_count", h.failed.Load(),
	)
}
