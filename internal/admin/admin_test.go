package admin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/provenance-labs/proofpipe/internal/challenge"
	"github.com/provenance-labs/proofpipe/internal/jobkey"
	"github.com/provenance-labs/proofpipe/internal/jobqueue"
	"github.com/provenance-labs/proofpipe/internal/txmonitor"
)

const sha = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

type deployRequests struct {
	q   jobqueue.Queue
	ids []int64
}

func (d *deployRequests) RequestDeployment(ctx context.Context, id int64) (jobqueue.Job, error) {
	d.ids = append(d.ids, id)
	payload, err := jobkey.EncodeDeploy(jobkey.Deploy{ChallengeID: id})
	if err != nil {
		return jobqueue.Job{}, err
	}
	job, _, err := d.q.Enqueue(ctx, jobkey.QueueContractDeploy, payload, jobkey.DefaultPolicy(jobkey.QueueContractDeploy).Options(jobkey.DeployKey(id)))
	return job, err
}

type staticMonitor struct{ rep txmonitor.Report }

func (m staticMonitor) Run(context.Context) (txmonitor.Report, error) { return m.rep, nil }

func newService(t *testing.T) (*Service, *jobqueue.MemoryQueue, *challenge.MemoryStore, *deployRequests) {
	t.Helper()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	q := jobqueue.NewMemoryQueue(clock)
	cs := challenge.NewMemoryStore(clock)
	deploys := &deployRequests{q: q}
	svc, err := New(q, cs, deploys, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, q, cs, deploys
}

func TestEnqueue_ValidatesAndCoalesces(t *testing.T) {
	t.Parallel()

	svc, _, _, _ := newService(t)
	ctx := context.Background()
	payload, err := jobkey.EncodeProofPublishing(jobkey.ProofPublishing{SHA256: sha, DestinationAddress: "B62qdest"})
	if err != nil {
		t.Fatalf("EncodeProofPublishing: %v", err)
	}

	first, created, err := svc.Enqueue(ctx, jobkey.QueueProofPublishing, payload, "")
	if err != nil || !created {
		t.Fatalf("Enqueue: created=%v err=%v", created, err)
	}
	if first.IdempotencyKey != jobkey.ProofPublishingKey(sha) {
		t.Fatalf("key: got %q", first.IdempotencyKey)
	}
	if first.RetryLimit != jobkey.DefaultPolicy(jobkey.QueueProofPublishing).RetryLimit {
		t.Fatalf("retry limit: got %d", first.RetryLimit)
	}
	second, created, err := svc.Enqueue(ctx, jobkey.QueueProofPublishing, payload, "")
	if err != nil || created || second.ID != first.ID {
		t.Fatalf("second enqueue: created=%v id=%s err=%v", created, second.ID, err)
	}
}

func TestEnqueue_RejectsBadInput(t *testing.T) {
	t.Parallel()

	svc, _, _, _ := newService(t)
	ctx := context.Background()

	if _, _, err := svc.Enqueue(ctx, jobkey.QueueProofGeneration, []byte(`{"version":"proofgen.v1"}`), ""); !errors.Is(err, jobkey.ErrInvalidPayload) {
		t.Fatalf("bad payload: %v", err)
	}
	if _, _, err := svc.Enqueue(ctx, "misc", []byte(`{}`), ""); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("unknown queue: %v", err)
	}
}

func TestJobOperations(t *testing.T) {
	t.Parallel()

	svc, q, _, _ := newService(t)
	ctx := context.Background()
	payload, _ := jobkey.EncodeDeploy(jobkey.Deploy{ChallengeID: 4})
	job, _, err := svc.Enqueue(ctx, jobkey.QueueContractDeploy, payload, "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := svc.Job(ctx, jobkey.QueueContractDeploy, job.ID)
	if err != nil || got.State != jobqueue.StateCreated {
		t.Fatalf("Job: %+v err=%v", got, err)
	}
	if _, err := svc.Retry(ctx, job.ID); !errors.Is(err, jobqueue.ErrInvalidTransition) {
		t.Fatalf("retrying a live job: %v", err)
	}
	cancelled, err := svc.Cancel(ctx, job.ID)
	if err != nil || cancelled.State != jobqueue.StateCancelled {
		t.Fatalf("Cancel: %+v err=%v", cancelled, err)
	}
	retried, err := svc.Retry(ctx, job.ID)
	if err != nil || retried.State != jobqueue.StateCreated {
		t.Fatalf("Retry: %+v err=%v", retried, err)
	}

	// Drive the job to failed to exercise the failed listing.
	for i := 0; i <= retried.RetryLimit; i++ {
		jobs, err := q.Lease(ctx, jobkey.QueueContractDeploy, jobqueue.LeaseRequest{Owner: "op", Limit: 1, TTL: time.Minute})
		if err != nil {
			t.Fatalf("Lease: %v", err)
		}
		if len(jobs) == 0 {
			break
		}
		if _, err := q.Fail(ctx, jobs[0].ID, "op", jobqueue.Permanent(errors.New("boom"))); err != nil {
			t.Fatalf("Fail: %v", err)
		}
	}
	failed, err := svc.Failed(ctx, jobkey.QueueContractDeploy, 10, 0)
	if err != nil || len(failed) != 1 || failed[0].ID != job.ID {
		t.Fatalf("Failed: %+v err=%v", failed, err)
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) != len(jobkey.Queues()) {
		t.Fatalf("stats for %d queues, want %d", len(stats), len(jobkey.Queues()))
	}
	for _, st := range stats {
		if st.Queue == jobkey.QueueContractDeploy && st.Failed != 1 {
			t.Fatalf("deploy stats: %+v", st)
		}
	}
}

func TestResetChallenge_RequeuesDeployment(t *testing.T) {
	t.Parallel()

	svc, q, cs, deploys := newService(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c, err := cs.CreateChallenge(ctx, challenge.NewChallenge{Title: "t", StartTime: now, EndTime: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}

	if _, _, err := svc.ResetChallenge(ctx, c.ID); !errors.Is(err, challenge.ErrInvalidTransition) {
		t.Fatalf("reset of a pending challenge: %v", err)
	}

	if _, err := cs.MarkDeploying(ctx, c.ID, 0); err != nil {
		t.Fatalf("MarkDeploying: %v", err)
	}
	if _, err := cs.MarkDeploymentFailed(ctx, c.ID, "fee payer empty"); err != nil {
		t.Fatalf("MarkDeploymentFailed: %v", err)
	}
	reset, job, err := svc.ResetChallenge(ctx, c.ID)
	if err != nil {
		t.Fatalf("ResetChallenge: %v", err)
	}
	if reset.DeploymentStatus != challenge.StatusPendingDeployment {
		t.Fatalf("status: got %s", reset.DeploymentStatus)
	}
	if len(deploys.ids) != 1 || deploys.ids[0] != c.ID {
		t.Fatalf("deployment requests: %v", deploys.ids)
	}
	if got, err := q.Get(ctx, jobkey.QueueContractDeploy, job.ID); err != nil || got.IdempotencyKey != jobkey.DeployKey(c.ID) {
		t.Fatalf("deploy job: %+v err=%v", got, err)
	}
}

func TestRunMonitor(t *testing.T) {
	t.Parallel()

	svc, _, _, _ := newService(t)
	if _, err := svc.RunMonitor(context.Background()); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("unconfigured monitor: %v", err)
	}
	svc.WithMonitor(staticMonitor{rep: txmonitor.Report{Height: 42}})
	rep, err := svc.RunMonitor(context.Background())
	if err != nil || rep.Height != 42 {
		t.Fatalf("RunMonitor: %+v err=%v", rep, err)
	}
}

type recordingSettler struct {
	jobs []jobqueue.Job
	err  error
}

func (r *recordingSettler) Settle(_ context.Context, job jobqueue.Job) error {
	r.jobs = append(r.jobs, job)
	return r.err
}

func TestMaintain_SettlesAbandonedJobs(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	q := jobqueue.NewMemoryQueue(func() time.Time { return now })
	settler := &recordingSettler{}
	svc, err := New(q, challenge.NewMemoryStore(nil), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.WithSettler(settler)
	ctx := context.Background()

	payload, _ := jobkey.EncodeProofPublishing(jobkey.ProofPublishing{SHA256: sha, DestinationAddress: "B62qcontract"})
	job, _, err := svc.Enqueue(ctx, jobkey.QueueProofPublishing, payload, "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	now = job.ExpireAt.Add(time.Second)

	if _, err := svc.Maintain(ctx, jobqueue.MaintenancePolicy{Queue: "nope"}); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("expected ErrUnknownQueue, got %v", err)
	}
	res, err := svc.Maintain(ctx, jobqueue.MaintenancePolicy{Queue: jobkey.QueueProofPublishing})
	if err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if res.Expired != 1 || len(settler.jobs) != 1 || settler.jobs[0].ID != job.ID {
		t.Fatalf("unexpected settle: res=%+v settled=%d", res, len(settler.jobs))
	}

	// A sweep that stopped before settling is recovered by id.
	settler.err = errors.New("store down")
	if _, err := svc.SettleJob(ctx, jobkey.QueueProofPublishing, job.ID); err == nil {
		t.Fatalf("expected settle error to surface")
	}
	settler.err = nil
	got, err := svc.SettleJob(ctx, jobkey.QueueProofPublishing, job.ID)
	if err != nil || got.State != jobqueue.StateExpired {
		t.Fatalf("SettleJob: %+v err=%v", got, err)
	}
}

func TestSettleJob_RequiresSettler(t *testing.T) {
	t.Parallel()

	svc, _, _, _ := newService(t)
	if _, err := svc.SettleJob(context.Background(), jobkey.QueueProofPublishing, [16]byte{1}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
