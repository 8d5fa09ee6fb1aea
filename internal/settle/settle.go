// Package settle finishes the records behind jobs that ended without their
// handler seeing the outcome: jobs that expired in the queue, and jobs whose
// lapsed lease spent the last retry. Without it the submission or challenge
// would sit in an in-flight status forever.
package settle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/provenance-labs/proofpipe/internal/challenge"
	"github.com/provenance-labs/proofpipe/internal/events"
	"github.com/provenance-labs/proofpipe/internal/jobkey"
	"github.com/provenance-labs/proofpipe/internal/jobqueue"
	"github.com/provenance-labs/proofpipe/internal/submission"
)

var (
	ErrInvalidConfig = errors.New("settle: invalid config")
	ErrNotAbandoned  = errors.New("settle: job is not abandoned")
	ErrUnknownQueue  = errors.New("settle: unknown queue")
)

// ReasonExpired is recorded for jobs that ran out of time in the queue.
const ReasonExpired = "job expired"

type Images interface {
	Delete(ctx context.Context, key string) error
}

type Notifier interface {
	Notify(ctx context.Context, e events.Event)
}

type Settler struct {
	subs       submission.Store
	challenges challenge.Store
	images     Images
	notifier   Notifier
	log        *slog.Logger

	settled atomic.Uint64
	skipped atomic.Uint64
}

// New builds a settler. images may be nil where source images are not
// reachable; generation jobs then leave the image for the operator.
func New(subs submission.Store, challenges challenge.Store, images Images, notifier Notifier, log *slog.Logger) (*Settler, error) {
	if subs == nil || challenges == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Settler{
		subs:       subs,
		challenges: challenges,
		images:     images,
		notifier:   notifier,
		log:        log,
	}, nil
}

// Abandoned fits jobqueue.WorkerConfig.OnAbandoned.
func (s *Settler) Abandoned(ctx context.Context, job jobqueue.Job) {
	if err := s.Settle(ctx, job); err != nil {
		s.log.Error("settle abandoned job", "queue", job.Queue, "job_id", job.ID.String(), "err", err)
	}
}

// Settle fails the submission or challenge behind an expired or failed job.
// Records that already reached a terminal status are left untouched, so
// settling twice is safe.
func (s *Settler) Settle(ctx context.Context, job jobqueue.Job) error {
	if job.State != jobqueue.StateExpired && job.State != jobqueue.StateFailed {
		return fmt.Errorf("%w: job %s is %s", ErrNotAbandoned, job.ID, job.State)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	log := s.log.With("queue", job.Queue, "job_id", job.ID.String(), "job_state", job.State.String())
	reason := Reason(job)

	switch job.Queue {
	case jobkey.QueueProofGeneration:
		p, err := jobkey.DecodeProofGeneration(job.Payload)
		if err != nil {
			return err
		}
		return s.failSubmission(ctx, log.With("sha256", p.SHA256), p.SHA256, p.StorageKey, reason)
	case jobkey.QueueProofPublishing:
		p, err := jobkey.DecodeProofPublishing(job.Payload)
		if err != nil {
			return err
		}
		return s.failSubmission(ctx, log.With("sha256", p.SHA256), p.SHA256, "", reason)
	case jobkey.QueueContractDeploy:
		d, err := jobkey.DecodeDeploy(job.Payload)
		if err != nil {
			return err
		}
		return s.failDeployment(ctx, log.With("challenge_id", d.ChallengeID), d.ChallengeID, job.RetryCount, reason)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownQueue, job.Queue)
	}
}

// Reason is the failure reason recorded for an abandoned job.
func Reason(job jobqueue.Job) string {
	if job.State == jobqueue.StateExpired || job.LastError == "" {
		return ReasonExpired
	}
	return job.LastError
}

// failSubmission marks the submission failed, which drops its artifact.
// A non-empty storageKey also releases the source image.
func (s *Settler) failSubmission(ctx context.Context, log *slog.Logger, sha, storageKey, reason string) error {
	sub, err := s.subs.Get(ctx, sha)
	if errors.Is(err, submission.ErrNotFound) {
		s.skipped.Add(1)
		log.Warn("abandoned job has no submission")
		return nil
	}
	if err != nil {
		return fmt.Errorf("settle: load submission: %w", err)
	}
	if sub.Status.Terminal() {
		s.skipped.Add(1)
		log.Info("submission already settled", "status", sub.Status)
		return nil
	}

	sub, err = s.subs.Fail(ctx, sha, submission.StatusFailed, reason)
	if err != nil {
		return fmt.Errorf("settle: fail submission: %w", err)
	}
	if storageKey != "" && s.images != nil {
		if err := s.images.Delete(ctx, storageKey); err != nil {
			log.Warn("release source image", "storage_key", storageKey, "err", err)
		}
	}
	s.settled.Add(1)
	log.Error("abandoned submission failed", "reason", sub.FailureReason)
	s.emitMetrics()

	if s.notifier != nil {
		s.notifier.Notify(ctx, events.Event{
			Kind:        events.KindSubmissionFailed,
			SHA256:      sub.SHA256,
			ChallengeID: sub.ChallengeID,
			Status:      string(sub.Status),
			Reason:      sub.FailureReason,
		})
	}
	return nil
}

func (s *Settler) failDeployment(ctx context.Context, log *slog.Logger, id int64, retryCount int, reason string) error {
	c, changed, err := challenge.Abandon(ctx, s.challenges, id, retryCount, reason)
	if errors.Is(err, challenge.ErrNotFound) {
		s.skipped.Add(1)
		log.Warn("abandoned job has no challenge")
		return nil
	}
	if err != nil {
		return fmt.Errorf("settle: fail deployment: %w", err)
	}
	if !changed {
		s.skipped.Add(1)
		log.Info("challenge already settled", "status", c.DeploymentStatus)
		return nil
	}
	s.settled.Add(1)
	log.Error("abandoned deployment failed", "reason", c.DeploymentFailureReason)
	s.emitMetrics()

	if s.notifier != nil {
		s.notifier.Notify(ctx, events.Event{
			Kind:        events.KindChallengeFailed,
			ChallengeID: c.ID,
			Status:      string(c.DeploymentStatus),
			Reason:      c.DeploymentFailureReason,
		})
	}
	return nil
}

func (s *Settler) emitMetrics() {
	s.log.Info("settle metrics",
		"settled_count", s.settled.Load(),
		"skipped_count", s.skipped.Load(),
	)
}
