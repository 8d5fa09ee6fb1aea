// Package proofpublish submits stored proof artifacts to the network and
// settles the submission.
package proofpublish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/provenance-labs/proofpipe/internal/chain"
	"github.com/provenance-labs/proofpipe/internal/events"
	"github.com/provenance-labs/proofpipe/internal/jobkey"
	"github.com/provenance-labs/proofpipe/internal/jobqueue"
	"github.com/provenance-labs/proofpipe/internal/lifetime"
	"github.com/provenance-labs/proofpipe/internal/submission"
	"github.com/provenance-labs/proofpipe/internal/zkexec"
)

var (
	ErrInvalidConfig   = errors.New("proofpublish: invalid config")
	ErrMissingArtifact = errors.New("proofpublish: no proof artifact stored")
)

type Publisher interface {
	Publish(ctx context.Context, artifact []byte, destination string) (string, error)
}

type Notifier interface {
	Notify(ctx context.Context, e events.Event)
}

type Handler struct {
	subs      submission.Store
	publisher Publisher
	heights   chain.HeightReader
	budget    *lifetime.Budget
	notifier  Notifier
	log       *slog.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// New builds the handler. budget may be nil for an unbounded worker.
func New(subs submission.Store, publisher Publisher, heights chain.HeightReader, budget *lifetime.Budget, notifier Notifier, log *slog.Logger) (*Handler, error) {
	if subs == nil || publisher == nil || heights == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{
		subs:      subs,
		publisher: publisher,
		heights:   heights,
		budget:    budget,
		notifier:  notifier,
		log:       log,
	}, nil
}

// Handle publishes one artifact. The lifetime budget counts every job,
// whichever way it ends.
func (h *Handler) Handle(ctx context.Context, job jobqueue.Job) (err error) {
	defer func() {
		if h.budget.Record() {
			h.log.Info("job budget reached, requesting shutdown", "processed", h.budget.Count())
		}
	}()

	p, err := jobkey.DecodeProofPublishing(job.Payload)
	if err != nil {
		return jobqueue.Permanent(err)
	}
	log := h.log.With("job_id", job.ID.String(), "sha256", p.SHA256, "attempt", job.Attempt())
	defer func() {
		if err != nil {
			h.onFailure(ctx, log, job, p.SHA256, err)
		}
	}()

	sub, err := h.subs.Get(ctx, p.SHA256)
	if err != nil {
		if errors.Is(err, submission.ErrNotFound) {
			return jobqueue.Permanent(err)
		}
		return fmt.Errorf("proofpublish: load submission: %w", err)
	}
	if sub.Status.Terminal() {
		log.Info("submission already settled, skipping", "status", sub.Status)
		return nil
	}

	if len(sub.ProofArtifact) == 0 {
		return jobqueue.Permanent(fmt.Errorf("%w: %s (%s)", ErrMissingArtifact, sub.SHA256, sub.Status))
	}

	// Read the height first: once the transaction is out, a failure here
	// would make the retry publish twice.
	height, err := h.heights.CurrentHeight(ctx)
	if err != nil {
		return fmt.Errorf("proofpublish: current height: %w", err)
	}

	txHash, err := h.publisher.Publish(ctx, sub.ProofArtifact, p.DestinationAddress)
	if err != nil {
		if errors.Is(err, zkexec.ErrRejected) || errors.Is(err, zkexec.ErrInvalidInput) {
			return jobqueue.Permanent(err)
		}
		return fmt.Errorf("proofpublish: publish: %w", err)
	}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	done, err := h.subs.Complete(settleCtx, p.SHA256, submission.Publication{
		TxHash:          txHash,
		ContractAddress: p.DestinationAddress,
		Height:          height,
	})
	if err != nil {
		log.Error("transaction submitted but not recorded", "tx_hash", txHash, "err", err)
		return fmt.Errorf("proofpublish: record publication %s: %w", txHash, err)
	}
	h.published.Add(1)
	log.Info("proof published", "tx_hash", txHash, "height", height)
	h.emitMetrics()

	if h.notifier != nil {
		h.notifier.Notify(ctx, events.Event{
			Kind:            events.KindSubmissionComplete,
			SHA256:          done.SHA256,
			ChallengeID:     done.ChallengeID,
			Status:          string(done.Status),
			TransactionHash: done.TransactionHash,
			ContractAddress: done.ContractAddress,
		})
	}
	return nil
}

// onFailure settles the submission once no attempt is left. Earlier
// attempts leave the artifact in place for the retry.
func (h *Handler) onFailure(ctx context.Context, log *slog.Logger, job jobqueue.Job, sha string, cause error) {
	if !jobqueue.IsPermanent(cause) && !job.FinalAttempt() {
		log.Warn("publish attempt failed, will retry", "err", cause)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	to := submission.StatusFailed
	if errors.Is(cause, zkexec.ErrRejected) {
		to = submission.StatusRejected
	}
	sub, err := h.subs.Fail(ctx, sha, to, cause.Error())
	if err != nil {
		log.Error("mark submission "+string(to), "err", err)
		return
	}
	h.failed.Add(1)
	log.Error("proof publishing failed", "status", sub.Status, "err", cause)
	h.emitMetrics()

	if h.notifier != nil {
		kind := events.KindSubmissionFailed
		if sub.Status == submission.StatusRejected {
			kind = events.KindSubmissionRejected
		}
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
	h.log.Info("proof-publisher metrics",
		"published_count", h.published.Load(),
		"failed_count", h.failed.Load(),
		"budget_used", h.budget.Count(),
	)
}
