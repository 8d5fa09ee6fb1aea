package jobqueue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestMemoryQueue_EnqueueCoalescesNonTerminalKey(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(func() time.Time { return now })
	ctx := context.Background()

	first, created, err := q.Enqueue(ctx, "proof-publish", []byte(`{"sha256Hash":"aa"}`), EnqueueOptions{IdempotencyKey: "aa"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !created {
		t.Fatalf("expected first enqueue to create")
	}

	second, created, err := q.Enqueue(ctx, "proof-publish", []byte(`{"sha256Hash":"aa"}`), EnqueueOptions{IdempotencyKey: "aa"})
	if err != nil {
		t.Fatalf("Enqueue #2: %v", err)
	}
	if created {
		t.Fatalf("expected duplicate enqueue to coalesce")
	}
	if second.ID != first.ID {
		t.Fatalf("id mismatch: got %s want %s", second.ID, first.ID)
	}

	// Same key on another queue is independent.
	other, created, err := q.Enqueue(ctx, "proof-generation", nil, EnqueueOptions{IdempotencyKey: "aa"})
	if err != nil {
		t.Fatalf("Enqueue other queue: %v", err)
	}
	if !created || other.ID == first.ID {
		t.Fatalf("expected a new job on a different queue")
	}

	st, err := q.Stats(ctx, "proof-publish")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Created != 1 || st.Total() != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestMemoryQueue_DedupWindowCoversRecentlyCompleted(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(func() time.Time { return now })
	ctx := context.Background()

	opts := EnqueueOptions{IdempotencyKey: "k", DedupWindow: time.Minute}
	j, _, err := q.Enqueue(ctx, "q", nil, opts)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	leased, err := q.Lease(ctx, "q", LeaseRequest{Owner: "w", Limit: 1, TTL: time.Minute})
	if err != nil || len(leased) != 1 {
		t.Fatalf("Lease: %v (n=%d)", err, len(leased))
	}
	if _, err := q.Complete(ctx, j.ID, "w"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	now = now.Add(30 * time.Second)
	again, created, err := q.Enqueue(ctx, "q", nil, opts)
	if err != nil {
		t.Fatalf("Enqueue within window: %v", err)
	}
	if created || again.ID != j.ID {
		t.Fatalf("expected coalesce within dedup window")
	}

	now = now.Add(time.Minute)
	fresh, created, err := q.Enqueue(ctx, "q", nil, opts)
	if err != nil {
		t.Fatalf("Enqueue after window: %v", err)
	}
	if !created || fresh.ID == j.ID {
		t.Fatalf("expected a new job once the window elapsed")
	}
}

func TestMemoryQueue_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(time.Now)
	ctx := context.Background()

	if _, _, err := q.Enqueue(ctx, "", nil, EnqueueOptions{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for empty queue, got %v", err)
	}
	if _, _, err := q.Enqueue(ctx, "q", []byte("{not json"), EnqueueOptions{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for bad payload, got %v", err)
	}
	if _, err := q.Lease(ctx, "q", LeaseRequest{Owner: "", Limit: 1, TTL: time.Second}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for empty owner, got %v", err)
	}
}

func TestMemoryQueue_LeaseOrderAndOwnership(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(func() time.Time { return now })
	ctx := context.Background()

	low, _, _ := q.Enqueue(ctx, "q", nil, EnqueueOptions{Priority: 0})
	now = now.Add(time.Second)
	high, _, _ := q.Enqueue(ctx, "q", nil, EnqueueOptions{Priority: 5})
	now = now.Add(time.Second)
	delayed, _, _ := q.Enqueue(ctx, "q", nil, EnqueueOptions{StartAfter: time.Hour})

	got, err := q.Lease(ctx, "q", LeaseRequest{Owner: "a", Limit: 10, TTL: time.Minute})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("leased %d jobs, want 2", len(got))
	}
	if got[0].ID != high.ID || got[1].ID != low.ID {
		t.Fatalf("unexpected order: %s, %s", got[0].ID, got[1].ID)
	}
	for _, j := range got {
		if j.State != StateActive || j.LeaseOwner != "a" {
			t.Fatalf("unexpected leased job: %+v", j)
		}
	}

	// A second worker sees nothing eligible.
	none, err := q.Lease(ctx, "q", LeaseRequest{Owner: "b", Limit: 10, TTL: time.Minute})
	if err != nil {
		t.Fatalf("Lease #2: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no jobs for second worker, got %d", len(none))
	}

	if _, err := q.Complete(ctx, high.ID, "b"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := q.Complete(ctx, delayed.ID, "a"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for unleased job, got %v", err)
	}
}

func TestMemoryQueue_ExclusiveLeaseHoldsQueue(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := q.Enqueue(ctx, "deploy", nil, EnqueueOptions{}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	req := LeaseRequest{Owner: "a", Limit: 5, TTL: time.Minute, Exclusive: true}
	first, err := q.Lease(ctx, "deploy", req)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("exclusive lease returned %d jobs, want 1", len(first))
	}

	req.Owner = "b"
	blocked, err := q.Lease(ctx, "deploy", req)
	if err != nil {
		t.Fatalf("Lease #2: %v", err)
	}
	if len(blocked) != 0 {
		t.Fatalf("expected exclusive queue to be held, got %d jobs", len(blocked))
	}

	if _, err := q.Complete(ctx, first[0].ID, "a"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	next, err := q.Lease(ctx, "deploy", req)
	if err != nil {
		t.Fatalf("Lease #3: %v", err)
	}
	if len(next) != 1 {
		t.Fatalf("expected next job after completion, got %d", len(next))
	}

	// A lapsed lease no longer blocks the queue.
	now = now.Add(2 * time.Minute)
	req.Owner = "c"
	after, err := q.Lease(ctx, "deploy", req)
	if err != nil {
		t.Fatalf("Lease #4: %v", err)
	}
	if len(after) != 1 {
		t.Fatalf("expected lease after lapse, got %d", len(after))
	}
}

func TestMemoryQueue_RetryExhaustion(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(func() time.Time { return now })
	ctx := context.Background()

	j, _, err := q.Enqueue(ctx, "q", nil, EnqueueOptions{RetryLimit: 3, RetryDelay: time.Second, RetryBackoff: true})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	attempts := 0
	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for {
		leased, err := q.Lease(ctx, "q", LeaseRequest{Owner: "w", Limit: 1, TTL: time.Minute})
		if err != nil {
			t.Fatalf("Lease: %v", err)
		}
		if len(leased) == 0 {
			break
		}
		attempts++
		if got := leased[0].Attempt(); got != attempts {
			t.Fatalf("attempt: got %d want %d", got, attempts)
		}
		if leased[0].FinalAttempt() != (attempts == 4) {
			t.Fatalf("FinalAttempt on attempt %d: got %v", attempts, leased[0].FinalAttempt())
		}
		updated, err := q.Fail(ctx, j.ID, "w", errors.New("boom"))
		if err != nil {
			t.Fatalf("Fail: %v", err)
		}
		if attempts <= 3 {
			if updated.State != StateRetry {
				t.Fatalf("state after attempt %d: got %s want retry", attempts, updated.State)
			}
			if got := updated.StartAfter.Sub(now); got != wantDelays[attempts-1] {
				t.Fatalf("delay after attempt %d: got %v want %v", attempts, got, wantDelays[attempts-1])
			}
		}
		now = now.Add(time.Hour)
		if attempts > 10 {
			t.Fatalf("runaway retries")
		}
	}

	if attempts != 4 {
		t.Fatalf("attempts: got %d want 4", attempts)
	}
	got, err := q.Get(ctx, "q", j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != StateFailed || got.LastError != "boom" {
		t.Fatalf("unexpected final job: state=%s err=%q", got.State, got.LastError)
	}
	st, err := q.Stats(ctx, "q")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Failed != 1 {
		t.Fatalf("stats failed: got %d want 1", st.Failed)
	}
}

func TestMemoryQueue_PermanentFailureSkipsRetries(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(time.Now)
	ctx := context.Background()

	j, _, _ := q.Enqueue(ctx, "q", nil, EnqueueOptions{RetryLimit: 5})
	if _, err := q.Lease(ctx, "q", LeaseRequest{Owner: "w", Limit: 1, TTL: time.Minute}); err != nil {
		t.Fatalf("Lease: %v", err)
	}
	updated, err := q.Fail(ctx, j.ID, "w", Permanent(errors.New("missing artifact")))
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if updated.State != StateFailed {
		t.Fatalf("state: got %s want failed", updated.State)
	}
}

func TestMemoryQueue_ReleaseKeepsRetryBudget(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(time.Now)
	ctx := context.Background()

	j, _, _ := q.Enqueue(ctx, "q", nil, EnqueueOptions{RetryLimit: 1})
	if _, err := q.Lease(ctx, "q", LeaseRequest{Owner: "w", Limit: 1, TTL: time.Minute}); err != nil {
		t.Fatalf("Lease: %v", err)
	}
	released, err := q.Release(ctx, j.ID, "w")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released.State != StateCreated || released.RetryCount != 0 {
		t.Fatalf("unexpected released job: %+v", released)
	}
}

func TestMemoryQueue_ExpiresUnclaimedJobs(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(func() time.Time { return now })
	ctx := context.Background()

	j, _, _ := q.Enqueue(ctx, "q", nil, EnqueueOptions{ExpireAfter: time.Minute})
	other, _, _ := q.Enqueue(ctx, "other", nil, EnqueueOptions{ExpireAfter: time.Minute})
	now = now.Add(2 * time.Minute)

	leased, err := q.Lease(ctx, "q", LeaseRequest{Owner: "w", Limit: 1, TTL: time.Minute})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if len(leased) != 0 {
		t.Fatalf("expected expired job to be skipped")
	}
	got, _ := q.Get(ctx, "q", j.ID)
	if got.State != StateCreated {
		t.Fatalf("lease must leave expiry to maintenance, got %s", got.State)
	}

	res, err := q.Maintain(ctx, MaintenancePolicy{Queue: "q"})
	if err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if res.Expired != 1 || len(res.Abandoned) != 1 || res.Abandoned[0].ID != j.ID {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Abandoned[0].State != StateExpired {
		t.Fatalf("abandoned state: got %s", res.Abandoned[0].State)
	}
	untouched, _ := q.Get(ctx, "other", other.ID)
	if untouched.State != StateCreated {
		t.Fatalf("sweep of q touched another queue: %s", untouched.State)
	}
	if _, err := q.Cancel(ctx, j.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition cancelling expired job, got %v", err)
	}

	res, err = q.Maintain(ctx, MaintenancePolicy{})
	if err != nil {
		t.Fatalf("Maintain all: %v", err)
	}
	if res.Expired != 1 || len(res.Abandoned) != 1 || res.Abandoned[0].ID != other.ID {
		t.Fatalf("unexpected result for unscoped sweep: %+v", res)
	}
}

func TestMemoryQueue_MaintainReportsExhaustedLapsedLease(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(func() time.Time { return now })
	ctx := context.Background()

	j, _, _ := q.Enqueue(ctx, "q", nil, EnqueueOptions{RetryLimit: 0, ExpireAfter: time.Hour})
	if _, err := q.Lease(ctx, "q", LeaseRequest{Owner: "crashed", Limit: 1, TTL: time.Minute}); err != nil {
		t.Fatalf("Lease: %v", err)
	}
	now = now.Add(2 * time.Minute)

	res, err := q.Maintain(ctx, MaintenancePolicy{})
	if err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if res.Reclaimed != 1 || len(res.Abandoned) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	got := res.Abandoned[0]
	if got.ID != j.ID || got.State != StateFailed || got.LastError != ErrLeaseExpired.Error() {
		t.Fatalf("unexpected abandoned job: %+v", got)
	}
}

func TestMemoryQueue_DeferDoesNotSpendRetries(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(func() time.Time { return now })
	ctx := context.Background()

	j, _, _ := q.Enqueue(ctx, "q", nil, EnqueueOptions{RetryLimit: 0})
	for i := 0; i < 3; i++ {
		if _, err := q.Lease(ctx, "q", LeaseRequest{Owner: "w", Limit: 1, TTL: time.Minute}); err != nil {
			t.Fatalf("Lease: %v", err)
		}
		got, err := q.Fail(ctx, j.ID, "w", Defer(errors.New("waiting"), 30*time.Second))
		if err != nil {
			t.Fatalf("Fail: %v", err)
		}
		if got.State != StateRetry || got.RetryCount != 0 {
			t.Fatalf("deferral %d: state=%s retries=%d", i, got.State, got.RetryCount)
		}
		if !got.StartAfter.Equal(now.Add(30 * time.Second)) {
			t.Fatalf("start after: got %s", got.StartAfter)
		}
		now = now.Add(time.Minute)
	}

	if _, err := q.Lease(ctx, "q", LeaseRequest{Owner: "w", Limit: 1, TTL: time.Minute}); err != nil {
		t.Fatalf("Lease: %v", err)
	}
	got, err := q.Fail(ctx, j.ID, "w", Permanent(Defer(errors.New("gone"), time.Second)))
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if got.State != StateFailed {
		t.Fatalf("permanent wins over deferral, got %s", got.State)
	}
}

func TestErrorText_StorableAsText(t *testing.T) {
	t.Parallel()

	msg := strings.Repeat("a", maxErrorText-1) + "é\x00\xfe"
	got := ErrorText(errors.New(msg))
	if len(got) > maxErrorText || !utf8.ValidString(got) || strings.ContainsRune(got, 0) {
		t.Fatalf("len=%d valid=%v", len(got), utf8.ValidString(got))
	}
	if ErrorText(nil) != "" {
		t.Fatalf("nil error should render empty")
	}
}

func TestMemoryQueue_CancelAndRetry(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(time.Now)
	ctx := context.Background()

	j, _, _ := q.Enqueue(ctx, "q", nil, EnqueueOptions{IdempotencyKey: "k"})
	if _, err := q.Retry(ctx, j.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition retrying live job, got %v", err)
	}

	cancelled, err := q.Cancel(ctx, j.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.State != StateCancelled {
		t.Fatalf("state: got %s", cancelled.State)
	}
	if _, err := q.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("Cancel is idempotent, got %v", err)
	}

	// A fresh job now owns the key, so re-enqueueing the cancelled one is refused.
	fresh, created, _ := q.Enqueue(ctx, "q", nil, EnqueueOptions{IdempotencyKey: "k"})
	if !created {
		t.Fatalf("expected new job after cancel")
	}
	if _, err := q.Retry(ctx, j.ID); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	if _, err := q.Cancel(ctx, fresh.ID); err != nil {
		t.Fatalf("Cancel fresh: %v", err)
	}
	retried, err := q.Retry(ctx, j.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.State != StateCreated || retried.RetryCount != 0 {
		t.Fatalf("unexpected retried job: %+v", retried)
	}
}

func TestMemoryQueue_ListFailedPaginates(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		j, _, _ := q.Enqueue(ctx, "q", nil, EnqueueOptions{})
		if _, err := q.Lease(ctx, "q", LeaseRequest{Owner: "w", Limit: 1, TTL: time.Minute}); err != nil {
			t.Fatalf("Lease: %v", err)
		}
		if _, err := q.Fail(ctx, j.ID, "w", errors.New("x")); err != nil {
			t.Fatalf("Fail: %v", err)
		}
		now = now.Add(time.Second)
	}

	page1, err := q.ListFailed(ctx, "q", 2, 0)
	if err != nil {
		t.Fatalf("ListFailed: %v", err)
	}
	page3, err := q.ListFailed(ctx, "q", 2, 4)
	if err != nil {
		t.Fatalf("ListFailed page 3: %v", err)
	}
	if len(page1) != 2 || len(page3) != 1 {
		t.Fatalf("page sizes: %d, %d", len(page1), len(page3))
	}
	if !page1[0].CompletedAt.After(page1[1].CompletedAt) {
		t.Fatalf("expected newest failures first")
	}
	empty, err := q.ListFailed(ctx, "q", 2, 10)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty page past the end: %v %d", err, len(empty))
	}
	if _, err := q.ListFailed(ctx, "q", 0, 0); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestMemoryQueue_MaintainReclaimsArchivesAndDeletes(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(func() time.Time { return now })
	ctx := context.Background()

	done, _, _ := q.Enqueue(ctx, "q", nil, EnqueueOptions{})
	if _, err := q.Lease(ctx, "q", LeaseRequest{Owner: "w", Limit: 1, TTL: time.Minute}); err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if _, err := q.Complete(ctx, done.ID, "w"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	stuck, _, _ := q.Enqueue(ctx, "q", nil, EnqueueOptions{RetryLimit: 1})
	if _, err := q.Lease(ctx, "q", LeaseRequest{Owner: "crashed", Limit: 1, TTL: time.Minute}); err != nil {
		t.Fatalf("Lease: %v", err)
	}

	policy := MaintenancePolicy{ArchiveAfter: time.Hour, DeleteAfter: 24 * time.Hour}

	now = now.Add(2 * time.Minute)
	res, err := q.Maintain(ctx, policy)
	if err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if res.Reclaimed != 1 || res.Archived != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	reclaimed, _ := q.Get(ctx, "q", stuck.ID)
	if reclaimed.State != StateRetry || reclaimed.RetryCount != 1 {
		t.Fatalf("unexpected reclaimed job: state=%s retries=%d", reclaimed.State, reclaimed.RetryCount)
	}

	now = now.Add(2 * time.Hour)
	res, err = q.Maintain(ctx, policy)
	if err != nil {
		t.Fatalf("Maintain #2: %v", err)
	}
	if res.Archived != 1 {
		t.Fatalf("expected one archived job, got %+v", res)
	}
	archived, err := q.Get(ctx, "q", done.ID)
	if err != nil || archived.State != StateCompleted {
		t.Fatalf("archived job should remain readable: %v %s", err, archived.State)
	}
	st, _ := q.Stats(ctx, "q")
	if st.Completed != 0 {
		t.Fatalf("archived jobs leave live stats, got %+v", st)
	}

	now = now.Add(25 * time.Hour)
	res, err = q.Maintain(ctx, policy)
	if err != nil {
		t.Fatalf("Maintain #3: %v", err)
	}
	if res.Deleted != 1 {
		t.Fatalf("expected archived job deletion, got %+v", res)
	}
	if _, err := q.Get(ctx, "q", done.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after deletion, got %v", err)
	}
}

func TestRetryDelayFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base    time.Duration
		backoff bool
		retry   int
		want    time.Duration
	}{
		{time.Second, false, 1, time.Second},
		{time.Second, false, 5, time.Second},
		{time.Second, true, 1, time.Second},
		{time.Second, true, 2, 2 * time.Second},
		{time.Second, true, 4, 8 * time.Second},
		{time.Minute, true, 20, MaxRetryDelay},
		{0, false, 1, DefaultRetryDelay},
	}
	for _, tc := range tests {
		if got := RetryDelayFor(tc.base, tc.backoff, tc.retry); got != tc.want {
			t.Fatalf("RetryDelayFor(%v,%v,%d): got %v want %v", tc.base, tc.backoff, tc.retry, got, tc.want)
		}
	}
}
