// Package intake is the write side in front of the workers: it accepts
// signed images, applies reviewer decisions and opens challenges. Every
// path that needs background work ends in a job enqueue.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/provenance-labs/proofpipe/internal/attest"
	"github.com/provenance-labs/proofpipe/internal/challenge"
	"github.com/provenance-labs/proofpipe/internal/events"
	"github.com/provenance-labs/proofpipe/internal/jobkey"
	"github.com/provenance-labs/proofpipe/internal/jobqueue"
	"github.com/provenance-labs/proofpipe/internal/objectstore"
	"github.com/provenance-labs/proofpipe/internal/submission"
)

const defaultChainName = "main"

var (
	ErrInvalidConfig  = errors.New("intake: invalid config")
	ErrInvalidRequest = errors.New("intake: invalid request")
	// ErrChallengeClosed is returned for submissions outside the challenge
	// window or to a challenge whose contract could not be deployed.
	ErrChallengeClosed = errors.New("intake: challenge closed")
	ErrNotReviewable   = errors.New("intake: submission is not awaiting review")
)

type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload []byte, opts jobqueue.EnqueueOptions) (jobqueue.Job, bool, error)
}

type Notifier interface {
	Notify(ctx context.Context, e events.Event)
}

type Config struct {
	// AutoApprove skips manual review and queues proof generation as soon as
	// the signature checks out.
	AutoApprove bool
	// ChainName names the chain created with every challenge.
	ChainName string

	GenerationPolicy jobkey.Policy
	DeployPolicy     jobkey.Policy
}

type Service struct {
	cfg Config

	subs       submission.Store
	challenges challenge.Store
	images     objectstore.Store
	queue      Enqueuer
	notifier   Notifier
	log        *slog.Logger

	now func() time.Time
}

func New(cfg Config, subs submission.Store, challenges challenge.Store, images objectstore.Store, queue Enqueuer, notifier Notifier, log *slog.Logger) (*Service, error) {
	if subs == nil || challenges == nil || images == nil || queue == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.ChainName) == "" {
		cfg.ChainName = defaultChainName
	}
	if cfg.GenerationPolicy == (jobkey.Policy{}) {
		cfg.GenerationPolicy = jobkey.DefaultPolicy(jobkey.QueueProofGeneration)
	}
	if cfg.DeployPolicy == (jobkey.Policy{}) {
		cfg.DeployPolicy = jobkey.DefaultPolicy(jobkey.QueueContractDeploy)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		cfg:        cfg,
		subs:       subs,
		challenges: challenges,
		images:     images,
		queue:      queue,
		notifier:   notifier,
		log:        log,
		now:        time.Now,
	}, nil
}

type SubmitRequest struct {
	Image       []byte
	ContentType string
	// SHA256 is the digest the client claims; when set it must match Image.
	SHA256 string
	// WalletAddress defaults to the address derived from PublicKey.
	WalletAddress string
	PublicKey     string
	Signature     string
	ChainID       int64
}

func (r SubmitRequest) validate() error {
	if len(r.Image) == 0 {
		return fmt.Errorf("%w: empty image", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.PublicKey) == "" || strings.TrimSpace(r.Signature) == "" {
		return fmt.Errorf("%w: public key and signature are required", ErrInvalidRequest)
	}
	if r.ChainID <= 0 {
		return fmt.Errorf("%w: missing chain id", ErrInvalidRequest)
	}
	return nil
}

// Submit stores the image, creates the submission and verifies its
// signature. A bad signature ends the submission as rejected and is
// returned as an error alongside the rejected record.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (submission.Submission, error) {
	if err := req.validate(); err != nil {
		return submission.Submission{}, err
	}
	digest := objectstore.Digest(req.Image)
	if req.SHA256 != "" {
		claimed, err := submission.NormalizeSHA256(req.SHA256)
		if err != nil {
			return submission.Submission{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if claimed != digest {
			return submission.Submission{}, fmt.Errorf("%w: image digest %s does not match claimed %s", ErrInvalidRequest, digest, claimed)
		}
	}
	wallet := strings.TrimSpace(req.WalletAddress)
	if wallet == "" {
		derived, err := attest.WalletAddress(req.PublicKey)
		if err != nil {
			return submission.Submission{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		wallet = derived
	}
	log := s.log.With("sha256", digest, "chain_id", req.ChainID)

	if err := s.checkOpen(ctx, req.ChainID); err != nil {
		return submission.Submission{}, err
	}
	if _, err := s.subs.Get(ctx, digest); err == nil {
		return submission.Submission{}, fmt.Errorf("%w: %s", submission.ErrDuplicate, digest)
	} else if !errors.Is(err, submission.ErrNotFound) {
		return submission.Submission{}, err
	}

	key := objectstore.ImageKey(digest)
	if _, err := s.images.Put(ctx, key, req.Image, req.ContentType); err != nil {
		return submission.Submission{}, fmt.Errorf("intake: store image: %w", err)
	}

	sub, err := s.subs.Create(ctx, submission.NewSubmission{
		SHA256:        digest,
		WalletAddress: wallet,
		ChainID:       req.ChainID,
		StorageKey:    key,
		PublicKey:     req.PublicKey,
		Signature:     req.Signature,
	})
	if err != nil {
		// A concurrent duplicate owns the object now.
		if !errors.Is(err, submission.ErrDuplicate) {
			s.deleteImage(ctx, log, key)
		}
		return submission.Submission{}, err
	}
	log.Info("submission created", "chain_position", sub.ChainPosition, "wallet_address", wallet)

	if sub, err = s.subs.Transition(ctx, digest, submission.StatusVerifying, 0); err != nil {
		return submission.Submission{}, err
	}
	commitment, err := attest.CommitmentHex(digest)
	if err != nil {
		return submission.Submission{}, err
	}
	if verr := attest.Verify(commitment, sub.PublicKey, sub.Signature); verr != nil {
		rejected, err := s.reject(ctx, log, sub, "signature verification failed: "+verr.Error())
		if err != nil {
			return submission.Submission{}, err
		}
		return rejected, fmt.Errorf("intake: %w", verr)
	}
	if sub, err = s.subs.Transition(ctx, digest, submission.StatusAwaitingReview, 0); err != nil {
		return submission.Submission{}, err
	}

	if s.cfg.AutoApprove {
		if err := s.enqueueGeneration(ctx, log, sub); err != nil {
			return sub, err
		}
	}
	return sub, nil
}

func (s *Service) checkOpen(ctx context.Context, chainID int64) error {
	ch, err := s.challenges.GetChain(ctx, chainID)
	if err != nil {
		return err
	}
	c, err := s.challenges.GetChallenge(ctx, ch.ChallengeID)
	if err != nil {
		return err
	}
	now := s.now()
	if now.Before(c.StartTime) || !now.Before(c.EndTime) {
		return fmt.Errorf("%w: challenge %d runs %s to %s", ErrChallengeClosed, c.ID, c.StartTime.Format(time.RFC3339), c.EndTime.Format(time.RFC3339))
	}
	if c.DeploymentStatus == challenge.StatusDeploymentFailed {
		return fmt.Errorf("%w: challenge %d contract deployment failed", ErrChallengeClosed, c.ID)
	}
	return nil
}

type Decision struct {
	Approve bool
	Reason  string
}

// Review applies a reviewer decision. Approving a submission that already
// moved past review is a no-op.
func (s *Service) Review(ctx context.Context, sha256 string, d Decision) (submission.Submission, error) {
	sub, err := s.subs.Get(ctx, sha256)
	if err != nil {
		return submission.Submission{}, err
	}
	log := s.log.With("sha256", sub.SHA256)

	if d.Approve {
		switch sub.Status {
		case submission.StatusAwaitingReview:
			return sub, s.enqueueGeneration(ctx, log, sub)
		case submission.StatusProofGeneration, submission.StatusProofPublishing, submission.StatusComplete:
			return sub, nil
		}
		return sub, fmt.Errorf("%w: %s is %s", ErrNotReviewable, sub.SHA256, sub.Status)
	}

	if sub.Status != submission.StatusAwaitingReview {
		return sub, fmt.Errorf("%w: %s is %s", ErrNotReviewable, sub.SHA256, sub.Status)
	}
	reason := strings.TrimSpace(d.Reason)
	if reason == "" {
		reason = "rejected by reviewer"
	}
	return s.reject(ctx, log, sub, reason)
}

func (s *Service) enqueueGeneration(ctx context.Context, log *slog.Logger, sub submission.Submission) error {
	payload, err := jobkey.EncodeProofGeneration(jobkey.ProofGeneration{
		SHA256:        sub.SHA256,
		Signature:     sub.Signature,
		PublicKey:     sub.PublicKey,
		StorageKey:    sub.StorageKey,
		WalletAddress: sub.WalletAddress,
	})
	if err != nil {
		return err
	}
	job, created, err := s.queue.Enqueue(ctx, jobkey.QueueProofGeneration, payload, s.cfg.GenerationPolicy.Options(jobkey.ProofGenerationKey(sub.SHA256)))
	if err != nil {
		return fmt.Errorf("intake: enqueue proof generation: %w", err)
	}
	log.Info("proof generation queued", "job_id", job.ID.String(), "created", created)
	return nil
}

func (s *Service) reject(ctx context.Context, log *slog.Logger, sub submission.Submission, reason string) (submission.Submission, error) {
	rejected, err := s.subs.Fail(ctx, sub.SHA256, submission.StatusRejected, reason)
	if err != nil {
		return submission.Submission{}, err
	}
	s.deleteImage(ctx, log, sub.StorageKey)
	log.Warn("submission rejected", "reason", rejected.FailureReason)
	if s.notifier != nil {
		s.notifier.Notify(ctx, events.Event{
			Kind:        events.KindSubmissionRejected,
			SHA256:      rejected.SHA256,
			ChallengeID: rejected.ChallengeID,
			Status:      rejected.Status.Public(),
			Reason:      rejected.FailureReason,
		})
	}
	return rejected, nil
}

func (s *Service) deleteImage(ctx context.Context, log *slog.Logger, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.images.Delete(ctx, key); err != nil {
		log.Warn("delete image", "storage_key", key, "err", err)
	}
}

// CreateChallenge opens a challenge with its default chain and queues the
// contract deployment.
func (s *Service) CreateChallenge(ctx context.Context, in challenge.NewChallenge) (challenge.Challenge, challenge.Chain, error) {
	c, err := s.challenges.CreateChallenge(ctx, in)
	if err != nil {
		return challenge.Challenge{}, challenge.Chain{}, err
	}
	ch, err := s.challenges.CreateChain(ctx, c.ID, s.cfg.ChainName)
	if err != nil {
		return c, challenge.Chain{}, err
	}
	s.log.Info("challenge created", "challenge_id", c.ID, "chain_id", ch.ID, "title", c.Title)
	if _, err := s.RequestDeployment(ctx, c.ID); err != nil {
		return c, ch, err
	}
	return c, ch, nil
}

// RequestDeployment queues the deployment job for a pending challenge. The
// challenge id is the idempotency key, so repeated requests collapse into
// the in-flight job.
func (s *Service) RequestDeployment(ctx context.Context, challengeID int64) (jobqueue.Job, error) {
	c, err := s.challenges.GetChallenge(ctx, challengeID)
	if err != nil {
		return jobqueue.Job{}, err
	}
	if c.DeploymentStatus != challenge.StatusPendingDeployment && c.DeploymentStatus != challenge.StatusDeploying {
		return jobqueue.Job{}, fmt.Errorf("%w: challenge %d is %s", challenge.ErrInvalidTransition, c.ID, c.DeploymentStatus)
	}
	payload, err := jobkey.EncodeDeploy(jobkey.Deploy{ChallengeID: c.ID})
	if err != nil {
		return jobqueue.Job{}, err
	}
	job, created, err := s.queue.Enqueue(ctx, jobkey.QueueContractDeploy, payload, s.cfg.DeployPolicy.Options(jobkey.DeployKey(c.ID)))
	if err != nil {
		return jobqueue.Job{}, fmt.Errorf("intake: enqueue deployment: %w", err)
	}
	s.log.Info("contract deployment queued", "challenge_id", c.ID, "job_id", job.ID.String(), "created", created)
	return job, nil
}
