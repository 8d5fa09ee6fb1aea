// Package admin backs the operator CLI. It validates operator input against
// the job payload formats before anything reaches a queue.
package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/provenance-labs/proofpipe/internal/challenge"
	"github.com/provenance-labs/proofpipe/internal/jobkey"
	"github.com/provenance-labs/proofpipe/internal/jobqueue"
	"github.com/provenance-labs/proofpipe/internal/txmonitor"
)

var (
	ErrInvalidConfig = errors.New("admin: invalid config")
	ErrUnknownQueue  = errors.New("admin: unknown queue")
)

type MonitorRunner interface {
	Run(ctx context.Context) (txmonitor.Report, error)
}

type DeploymentRequester interface {
	RequestDeployment(ctx context.Context, challengeID int64) (jobqueue.Job, error)
}

// Settler fails the record behind an expired or exhausted job.
type Settler interface {
	Settle(ctx context.Context, job jobqueue.Job) error
}

type Service struct {
	queue      jobqueue.Queue
	challenges challenge.Store
	deploys    DeploymentRequester
	monitor    MonitorRunner
	settler    Settler
	log        *slog.Logger
}

func New(queue jobqueue.Queue, challenges challenge.Store, deploys DeploymentRequester, log *slog.Logger) (*Service, error) {
	if queue == nil {
		return nil, fmt.Errorf("%w: nil queue", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{queue: queue, challenges: challenges, deploys: deploys, log: log}, nil
}

// WithMonitor enables RunMonitor.
func (s *Service) WithMonitor(m MonitorRunner) *Service {
	if s != nil {
		s.monitor = m
	}
	return s
}

// WithSettler makes Maintain settle the jobs it abandons and enables SettleJob.
func (s *Service) WithSettler(st Settler) *Service {
	if s != nil {
		s.settler = st
	}
	return s
}

// Enqueue validates payload for queue and enqueues it with the queue's
// default policy. An empty key falls back to the payload-derived key used
// for that queue, so resubmitting the same payload coalesces.
func (s *Service) Enqueue(ctx context.Context, queue string, payload []byte, key string) (jobqueue.Job, bool, error) {
	derived, err := payloadKey(queue, payload)
	if err != nil {
		return jobqueue.Job{}, false, err
	}
	if key = strings.TrimSpace(key); key == "" {
		key = derived
	}
	job, created, err := s.queue.Enqueue(ctx, queue, payload, jobkey.DefaultPolicy(queue).Options(key))
	if err != nil {
		return jobqueue.Job{}, false, err
	}
	s.log.Info("job enqueued by operator", "queue", queue, "job_id", job.ID.String(), "created", created, "idempotency_key", key)
	return job, created, nil
}

func payloadKey(queue string, payload []byte) (string, error) {
	switch queue {
	case jobkey.QueueProofGeneration:
		p, err := jobkey.DecodeProofGeneration(payload)
		if err != nil {
			return "", err
		}
		return jobkey.ProofGenerationKey(p.SHA256), nil
	case jobkey.QueueProofPublishing:
		p, err := jobkey.DecodeProofPublishing(payload)
		if err != nil {
			return "", err
		}
		return jobkey.ProofPublishingKey(p.SHA256), nil
	case jobkey.QueueContractDeploy:
		d, err := jobkey.DecodeDeploy(payload)
		if err != nil {
			return "", err
		}
		return jobkey.DeployKey(d.ChallengeID), nil
	default:
		if err := jobqueue.ValidateQueueName(queue); err != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
}

func (s *Service) Job(ctx context.Context, queue string, id uuid.UUID) (jobqueue.Job, error) {
	return s.queue.Get(ctx, queue, id)
}

func (s *Service) Retry(ctx context.Context, id uuid.UUID) (jobqueue.Job, error) {
	job, err := s.queue.Retry(ctx, id)
	if err != nil {
		return jobqueue.Job{}, err
	}
	s.log.Info("job retried by operator", "queue", job.Queue, "job_id", id.String())
	return job, nil
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (jobqueue.Job, error) {
	job, err := s.queue.Cancel(ctx, id)
	if err != nil {
		return jobqueue.Job{}, err
	}
	s.log.Info("job cancelled by operator", "queue", job.Queue, "job_id", id.String())
	return job, nil
}

// Stats returns per-queue counts. With no queues named it reports every
// pipeline queue.
func (s *Service) Stats(ctx context.Context, queues ...string) ([]jobqueue.Stats, error) {
	if len(queues) == 0 {
		queues = jobkey.Queues()
	}
	out := make([]jobqueue.Stats, 0, len(queues))
	for _, q := range queues {
		st, err := s.queue.Stats(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("admin: stats %s: %w", q, err)
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Service) Failed(ctx context.Context, queue string, limit, offset int) ([]jobqueue.Job, error) {
	return s.queue.ListFailed(ctx, queue, limit, offset)
}

// Maintain runs one maintenance sweep. With a settler configured, the
// records behind abandoned jobs are failed too; settle errors are joined
// and returned alongside the sweep result.
func (s *Service) Maintain(ctx context.Context, policy jobqueue.MaintenancePolicy) (jobqueue.MaintenanceResult, error) {
	if policy.Queue != "" && !slices.Contains(jobkey.Queues(), policy.Queue) {
		return jobqueue.MaintenanceResult{}, fmt.Errorf("%w: %q", ErrUnknownQueue, policy.Queue)
	}
	res, err := s.queue.Maintain(ctx, policy)
	if err != nil || s.settler == nil {
		return res, err
	}
	var errs []error
	for _, job := range res.Abandoned {
		if err := s.settler.Settle(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("admin: settle %s job %s: %w", job.Queue, job.ID, err))
		}
	}
	if len(res.Abandoned) > 0 {
		s.log.Info("abandoned jobs settled by operator", "count", len(res.Abandoned)-len(errs), "errors", len(errs))
	}
	return res, errors.Join(errs...)
}

// SettleJob fails the record behind one expired or failed job. It covers a
// sweep that expired the job but stopped before settling it.
func (s *Service) SettleJob(ctx context.Context, queue string, id uuid.UUID) (jobqueue.Job, error) {
	if s.settler == nil {
		return jobqueue.Job{}, fmt.Errorf("%w: settler not configured", ErrInvalidConfig)
	}
	job, err := s.queue.Get(ctx, queue, id)
	if err != nil {
		return jobqueue.Job{}, err
	}
	if err := s.settler.Settle(ctx, job); err != nil {
		return jobqueue.Job{}, err
	}
	s.log.Info("job settled by operator", "queue", queue, "job_id", id.String(), "state", job.State.String())
	return job, nil
}

// RunMonitor triggers one blockchain monitor pass on demand.
func (s *Service) RunMonitor(ctx context.Context) (txmonitor.Report, error) {
	if s.monitor == nil {
		return txmonitor.Report{}, fmt.Errorf("%w: monitor not configured", ErrInvalidConfig)
	}
	return s.monitor.Run(ctx)
}

// ResetChallenge returns a deployment_failed challenge to
// pending_deployment and queues a fresh deployment.
func (s *Service) ResetChallenge(ctx context.Context, id int64) (challenge.Challenge, jobqueue.Job, error) {
	if s.challenges == nil || s.deploys == nil {
		return challenge.Challenge{}, jobqueue.Job{}, fmt.Errorf("%w: challenge store not configured", ErrInvalidConfig)
	}
	c, err := s.challenges.ResetDeployment(ctx, id)
	if err != nil {
		return challenge.Challenge{}, jobqueue.Job{}, err
	}
	s.log.Warn("challenge deployment reset by operator", "challenge_id", id)
	job, err := s.deploys.RequestDeployment(ctx, id)
	if err != nil {
		return c, jobqueue.Job{}, err
	}
	return c, job, nil
}
