// Package proofgen turns an approved submission into a proof artifact and
// hands it to the publishing queue.
package proofgen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/provenance-labs/proofpipe/internal/attest"
	"github.com/provenance-labs/proofpipe/internal/challenge"
	"github.com/provenance-labs/proofpipe/internal/events"
	"github.com/provenance-labs/proofpipe/internal/jobkey"
	"github.com/provenance-labs/proofpipe/internal/jobqueue"
	"github.com/provenance-labs/proofpipe/internal/objectstore"
	"github.com/provenance-labs/proofpipe/internal/submission"
	"github.com/provenance-labs/proofpipe/internal/zkexec"
)

var ErrInvalidConfig = errors.New("proofgen: invalid config")

type Prover interface {
	Generate(ctx context.Context, commitment []byte, publicKey, signature string) ([]byte, error)
}

type Images interface {
	Get(ctx context.Context, key string) (objectstore.Image, error)
	Delete(ctx context.Context, key string) error
}

type Challenges interface {
	GetChallenge(ctx context.Context, id int64) (challenge.Challenge, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload []byte, opts jobqueue.EnqueueOptions) (jobqueue.Job, bool, error)
}

type Notifier interface {
	Notify(ctx context.Context, e events.Event)
}

type Config struct {
	// PublishPolicy configures the follow-up publishing job.
	PublishPolicy jobkey.Policy
	// DeploymentPoll is how long a job waits before checking again on a
	// contract that is still deploying. The wait spends no retries.
	DeploymentPoll time.Duration
}

const defaultDeploymentPoll = time.Minute

type Handler struct {
	cfg Config

	subs       submission.Store
	challenges Challenges
	images     Images
	prover     Prover
	queue      Enqueuer
	notifier   Notifier
	log        *slog.Logger

	generated atomic.Uint64
	reused    atomic.Uint64
	reverted  atomic.Uint64
	failed    atomic.Uint64
}

func New(cfg Config, subs submission.Store, challenges Challenges, images Images, prover Prover, queue Enqueuer, notifier Notifier, log *slog.Logger) (*Handler, error) {
	if subs == nil || challenges == nil || images == nil || prover == nil || queue == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.PublishPolicy == (jobkey.Policy{}) {
		cfg.PublishPolicy = jobkey.DefaultPolicy(jobkey.QueueProofPublishing)
	}
	if cfg.DeploymentPoll <= 0 {
		cfg.DeploymentPoll = defaultDeploymentPoll
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{
		cfg:        cfg,
		subs:       subs,
		challenges: challenges,
		images:     images,
		prover:     prover,
		queue:      queue,
		notifier:   notifier,
		log:        log,
	}, nil
}

// Handle processes one proof-generation job. Errors are returned to the
// queue, which owns the retry policy.
func (h *Handler) Handle(ctx context.Context, job jobqueue.Job) (err error) {
	p, err := jobkey.DecodeProofGeneration(job.Payload)
	if err != nil {
		return jobqueue.Permanent(err)
	}
	log := h.log.With("job_id", job.ID.String(), "sha256", p.SHA256, "attempt", job.Attempt())

	defer func() {
		if err != nil {
			h.onFailure(ctx, log, job, p, err)
		}
	}()

	sub, err := h.subs.Get(ctx, p.SHA256)
	if err != nil {
		if errors.Is(err, submission.ErrNotFound) {
			return jobqueue.Permanent(err)
		}
		return fmt.Errorf("proofgen: load submission: %w", err)
	}
	if sub.Status.Terminal() {
		log.Info("submission already settled, skipping", "status", sub.Status)
		return nil
	}

	dest, err := h.destination(ctx, sub.ChallengeID)
	if err != nil {
		return err
	}

	if sub.Status == submission.StatusProofPublishing {
		if len(sub.ProofArtifact) == 0 {
			return jobqueue.Permanent(fmt.Errorf("proofgen: %s is proof_publishing without an artifact", sub.SHA256))
		}
		// A previous attempt stored the artifact but did not hand it off.
		h.reused.Add(1)
		return h.enqueuePublish(ctx, log, p.SHA256, dest)
	}

	if _, err := h.subs.Transition(ctx, p.SHA256, submission.StatusProofGeneration, job.RetryCount); err != nil {
		if errors.Is(err, submission.ErrInvalidTransition) {
			return jobqueue.Permanent(err)
		}
		return err
	}

	commitment, err := h.verifySource(ctx, p)
	if err != nil {
		return err
	}

	start := time.Now()
	artifact, err := h.prover.Generate(ctx, commitment[:], p.PublicKey, p.Signature)
	if err != nil {
		if errors.Is(err, zkexec.ErrRejected) || errors.Is(err, zkexec.ErrInvalidInput) {
			return jobqueue.Permanent(err)
		}
		return fmt.Errorf("proofgen: generate: %w", err)
	}
	log.Info("proof generated", "bytes", len(artifact), "elapsed_ms", time.Since(start).Milliseconds())

	if _, err := h.subs.StoreArtifact(ctx, p.SHA256, artifact); err != nil {
		return fmt.Errorf("proofgen: store artifact: %w", err)
	}
	h.generated.Add(1)
	return h.enqueuePublish(ctx, log, p.SHA256, dest)
}

// destination resolves the contract the proof will be published to.
func (h *Handler) destination(ctx context.Context, challengeID int64) (string, error) {
	c, err := h.challenges.GetChallenge(ctx, challengeID)
	if err != nil {
		if errors.Is(err, challenge.ErrNotFound) {
			return "", jobqueue.Permanent(err)
		}
		return "", err
	}
	switch c.DeploymentStatus {
	case challenge.StatusActive:
		return c.ContractAddress, nil
	case challenge.StatusDeploymentFailed:
		return "", jobqueue.Permanent(fmt.Errorf("proofgen: challenge %d contract deployment failed", c.ID))
	default:
		return "", jobqueue.Defer(fmt.Errorf("proofgen: challenge %d contract not active yet (%s)", c.ID, c.DeploymentStatus), h.cfg.DeploymentPoll)
	}
}

// verifySource re-checks the stored image and the wallet signature.
func (h *Handler) verifySource(ctx context.Context, p jobkey.ProofGeneration) ([32]byte, error) {
	img, err := h.images.Get(ctx, p.StorageKey)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) || errors.Is(err, objectstore.ErrInvalidKey) {
			return [32]byte{}, jobqueue.Permanent(fmt.Errorf("proofgen: source image: %w", err))
		}
		return [32]byte{}, fmt.Errorf("proofgen: fetch source image: %w", err)
	}
	if got := objectstore.Digest(img.Data); got != p.SHA256 {
		return [32]byte{}, jobqueue.Permanent(fmt.Errorf("proofgen: source image digest %s does not match %s", got, p.SHA256))
	}
	commitment, err := attest.CommitmentHex(p.SHA256)
	if err != nil {
		return [32]byte{}, jobqueue.Permanent(err)
	}
	if err := attest.Verify(commitment, p.PublicKey, p.Signature); err != nil {
		return [32]byte{}, jobqueue.Permanent(err)
	}
	return commitment, nil
}

func (h *Handler) enqueuePublish(ctx context.Context, log *slog.Logger, sha, dest string) error {
	payload, err := jobkey.EncodeProofPublishing(jobkey.ProofPublishing{SHA256: sha, DestinationAddress: dest})
	if err != nil {
		return jobqueue.Permanent(err)
	}
	j, created, err := h.queue.Enqueue(ctx, jobkey.QueueProofPublishing, payload, h.cfg.PublishPolicy.Options(jobkey.ProofPublishingKey(sha)))
	if err != nil {
		return fmt.Errorf("proofgen: enqueue publish: %w", err)
	}
	log.Info("publish job enqueued", "publish_job_id", j.ID.String(), "created", created, "destination", dest)
	h.emitMetrics()
	return nil
}

func (h *Handler) onFailure(ctx context.Context, log *slog.Logger, job jobqueue.Job, p jobkey.ProofGeneration, cause error) {
	// Bookkeeping must not be cut short by the job's own deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	permanent := jobqueue.IsPermanent(cause)
	deferred := jobqueue.IsDeferred(cause)
	if deferred || (!permanent && !job.FinalAttempt()) {
		sub, err := h.subs.Get(ctx, p.SHA256)
		if err != nil {
			log.Error("load submission after failure", "err", err)
			return
		}
		if sub.Status == submission.StatusProofGeneration {
			if _, err := h.subs.Transition(ctx, p.SHA256, submission.StatusAwaitingReview, job.RetryCount); err != nil {
				log.Error("revert submission", "err", err)
				return
			}
		}
		if deferred {
			log.Info("waiting for contract deployment", "reason", cause)
			return
		}
		h.reverted.Add(1)
		log.Warn("proof generation attempt failed, will retry", "err", cause)
		h.emitMetrics()
		return
	}

	to := submission.StatusFailed
	if permanent {
		to = submission.StatusRejected
	}
	sub, err := h.subs.Fail(ctx, p.SHA256, to, cause.Error())
	if err != nil {
		log.Error("mark submission "+string(to), "err", err)
		return
	}
	if err := h.images.Delete(ctx, p.StorageKey); err != nil {
		log.Warn("release source image", "storage_key", p.StorageKey, "err", err)
	}
	h.failed.Add(1)
	log.Error("proof generation failed", "status", sub.Status, "err", cause)
	h.emitMetrics()

	kind := events.KindSubmissionFailed
	if sub.Status == submission.StatusRejected {
		kind = events.KindSubmissionRejected
	}
	if h.notifier != nil {
		h.notifier.Notify(ctx, events.Event{
			Kind:        kind,
			SHA256:      sub.SHA256,
			ChallengeID: sub.ChallengeID,
			Status:      string(sub.Status),
			Reason:      sub.FailureReason,
		})
	}
}

func (h *Handler) emitMetrics() {
	h.log.Info("proof-generator metrics",
		"generated_count", h.generated.Load(),
		"reused_artifact_count", h.reused.Load(),
		"reverted_count", h.reverted.Load(),
		"failed_count", h.failed.Load(),
	)
}
