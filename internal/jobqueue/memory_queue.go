package jobqueue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-memory Queue intended for unit tests and single-process usage.
// It is safe for concurrent use.
type MemoryQueue struct {
	mu      sync.Mutex
	now     func() time.Time
	newID   func() uuid.UUID
	jobs    map[uuid.UUID]*Job
	archive map[uuid.UUID]archivedJob
}

type archivedJob struct {
	job        Job
	archivedAt time.Time
}

func NewMemoryQueue(now func() time.Time) *MemoryQueue {
	if now == nil {
		now = time.Now
	}
	return &MemoryQueue{
		now:     now,
		newID:   uuid.New,
		jobs:    make(map[uuid.UUID]*Job),
		archive: make(map[uuid.UUID]archivedJob),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, queue string, payload []byte, opts EnqueueOptions) (Job, bool, error) {
	if err := ValidateQueueName(queue); err != nil {
		return Job{}, false, err
	}
	body, err := NormalizePayload(payload)
	if err != nil {
		return Job{}, false, err
	}
	opts = opts.Normalize()

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if opts.IdempotencyKey != "" {
		if existing, ok := q.findByKeyLocked(queue, opts.IdempotencyKey, opts.DedupWindow, now); ok {
			return cloneJob(*existing), false, nil
		}
	}

	j := &Job{
		ID:             q.newID(),
		Queue:          queue,
		Payload:        body,
		State:          StateCreated,
		IdempotencyKey: opts.IdempotencyKey,
		Priority:       opts.Priority,
		RetryLimit:     opts.RetryLimit,
		RetryDelay:     opts.RetryDelay,
		RetryBackoff:   opts.RetryBackoff,
		ExpireAfter:    opts.ExpireAfter,
		StartAfter:     now.Add(opts.StartAfter),
		ExpireAt:       now.Add(opts.ExpireAfter),
		CreatedAt:      now,
	}
	q.jobs[j.ID] = j
	return cloneJob(*j), true, nil
}

func (q *MemoryQueue) findByKeyLocked(queue, key string, window time.Duration, now time.Time) (*Job, bool) {
	var recent *Job
	for _, j := range q.jobs {
		if j.Queue != queue || j.IdempotencyKey != key {
			continue
		}
		if !j.State.Terminal() {
			return j, true
		}
		if window > 0 && j.State == StateCompleted && now.Sub(j.CompletedAt) < window {
			if recent == nil || j.CompletedAt.After(recent.CompletedAt) {
				recent = j
			}
		}
	}
	return recent, recent != nil
}

func (q *MemoryQueue) Lease(_ context.Context, queue string, req LeaseRequest) ([]Job, error) {
	if err := ValidateQueueName(queue); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	limit := req.Limit
	var eligible []*Job
	for _, j := range q.jobs {
		if j.Queue != queue {
			continue
		}
		switch j.State {
		case StateCreated, StateRetry:
			// Maintain expires these so the owner hears about it.
			if !now.Before(j.ExpireAt) {
				continue
			}
			if j.StartAfter.After(now) {
				continue
			}
			eligible = append(eligible, j)
		case StateActive:
			if req.Exclusive && j.LeaseExpiresAt.After(now) {
				return nil, nil
			}
		}
	}
	if req.Exclusive {
		limit = 1
	}

	sort.Slice(eligible, func(a, b int) bool {
		if eligible[a].Priority != eligible[b].Priority {
			return eligible[a].Priority > eligible[b].Priority
		}
		if !eligible[a].CreatedAt.Equal(eligible[b].CreatedAt) {
			return eligible[a].CreatedAt.Before(eligible[b].CreatedAt)
		}
		return eligible[a].ID.String() < eligible[b].ID.String()
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	out := make([]Job, 0, len(eligible))
	for _, j := range eligible {
		j.State = StateActive
		j.LeaseOwner = req.Owner
		j.LeaseExpiresAt = now.Add(req.TTL)
		j.StartedAt = now
		out = append(out, cloneJob(*j))
	}
	return out, nil
}

func (q *MemoryQueue) Complete(_ context.Context, id uuid.UUID, owner string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.ownedLocked(id, owner)
	if err != nil {
		return Job{}, err
	}
	j.State = StateCompleted
	j.CompletedAt = q.now()
	j.LeaseOwner = ""
	j.LeaseExpiresAt = time.Time{}
	return cloneJob(*j), nil
}

func (q *MemoryQueue) Fail(_ context.Context, id uuid.UUID, owner string, cause error) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.ownedLocked(id, owner)
	if err != nil {
		return Job{}, err
	}
	q.failLocked(j, cause, q.now())
	return cloneJob(*j), nil
}

func (q *MemoryQueue) failLocked(j *Job, cause error, now time.Time) {
	j.RetryCount = NextRetryCount(*j, cause)
	j.LastError = ErrorText(cause)
	j.LeaseOwner = ""
	j.LeaseExpiresAt = time.Time{}
	state, startAfter := FailureOutcome(*j, j.RetryCount, cause, now)
	j.State = state
	if state == StateRetry {
		j.StartAfter = startAfter
		return
	}
	j.CompletedAt = now
}

func (q *MemoryQueue) Release(_ context.Context, id uuid.UUID, owner string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.ownedLocked(id, owner)
	if err != nil {
		return Job{}, err
	}
	if j.RetryCount > 0 {
		j.State = StateRetry
	} else {
		j.State = StateCreated
	}
	j.LeaseOwner = ""
	j.LeaseExpiresAt = time.Time{}
	j.StartedAt = time.Time{}
	return cloneJob(*j), nil
}

func (q *MemoryQueue) ownedLocked(id uuid.UUID, owner string) (*Job, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidConfig)
	}
	j, ok := q.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.State != StateActive {
		return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, j.State)
	}
	if j.LeaseOwner != owner {
		return nil, ErrNotOwner
	}
	return j, nil
}

func (q *MemoryQueue) Get(_ context.Context, queue string, id uuid.UUID) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if j, ok := q.jobs[id]; ok && j.Queue == queue {
		return cloneJob(*j), nil
	}
	if a, ok := q.archive[id]; ok && a.job.Queue == queue {
		return cloneJob(a.job), nil
	}
	return Job{}, ErrNotFound
}

func (q *MemoryQueue) Cancel(_ context.Context, id uuid.UUID) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if j.State == StateCancelled {
		return cloneJob(*j), nil
	}
	if j.State.Terminal() {
		return Job{}, fmt.Errorf("%w: cannot cancel %s job", ErrInvalidTransition, j.State)
	}
	j.State = StateCancelled
	j.CompletedAt = q.now()
	j.LeaseOwner = ""
	j.LeaseExpiresAt = time.Time{}
	return cloneJob(*j), nil
}

func (q *MemoryQueue) Retry(_ context.Context, id uuid.UUID) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if !j.State.Terminal() {
		return Job{}, fmt.Errorf("%w: job %s is still %s", ErrInvalidTransition, id, j.State)
	}
	if j.IdempotencyKey != "" {
		for _, other := range q.jobs {
			if other.ID != j.ID && other.Queue == j.Queue && other.IdempotencyKey == j.IdempotencyKey && !other.State.Terminal() {
				return Job{}, fmt.Errorf("%w: job %s holds key %q", ErrDuplicate, other.ID, j.IdempotencyKey)
			}
		}
	}
	now := q.now()
	j.State = StateCreated
	j.RetryCount = 0
	j.LastError = ""
	j.StartAfter = now
	j.ExpireAt = now.Add(j.ExpireAfter)
	j.StartedAt = time.Time{}
	j.CompletedAt = time.Time{}
	return cloneJob(*j), nil
}

func (q *MemoryQueue) Stats(_ context.Context, queue string) (Stats, error) {
	if err := ValidateQueueName(queue); err != nil {
		return Stats{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	out := Stats{Queue: queue}
	for _, j := range q.jobs {
		if j.Queue == queue {
			out.Add(j.State, 1)
		}
	}
	return out, nil
}

func (q *MemoryQueue) ListFailed(_ context.Context, queue string, limit, offset int) ([]Job, error) {
	if err := ValidateQueueName(queue); err != nil {
		return nil, err
	}
	if limit <= 0 || offset < 0 {
		return nil, fmt.Errorf("%w: limit must be > 0 and offset >= 0", ErrInvalidConfig)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var failed []Job
	for _, j := range q.jobs {
		if j.Queue == queue && j.State == StateFailed {
			failed = append(failed, cloneJob(*j))
		}
	}
	sort.Slice(failed, func(a, b int) bool {
		if !failed[a].CompletedAt.Equal(failed[b].CompletedAt) {
			return failed[a].CompletedAt.After(failed[b].CompletedAt)
		}
		return failed[a].ID.String() < failed[b].ID.String()
	})
	if offset >= len(failed) {
		return nil, nil
	}
	failed = failed[offset:]
	if len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

func (q *MemoryQueue) Maintain(_ context.Context, policy MaintenancePolicy) (MaintenanceResult, error) {
	policy = policy.Normalize()

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var res MaintenanceResult
	for id, j := range q.jobs {
		inScope := policy.Queue == "" || j.Queue == policy.Queue
		switch j.State {
		case StateCreated, StateRetry:
			if inScope && !now.Before(j.ExpireAt) {
				q.expireLocked(j, now)
				res.Expired++
				res.Abandoned = append(res.Abandoned, cloneJob(*j))
			}
		case StateActive:
			if !inScope || j.LeaseExpiresAt.After(now) {
				continue
			}
			if !now.Before(j.ExpireAt) {
				q.expireLocked(j, now)
				res.Expired++
				res.Abandoned = append(res.Abandoned, cloneJob(*j))
				continue
			}
			q.failLocked(j, ErrLeaseExpired, now)
			res.Reclaimed++
			if j.State == StateFailed {
				res.Abandoned = append(res.Abandoned, cloneJob(*j))
			}
		default:
			if now.Sub(j.CompletedAt) >= policy.ArchiveAfter {
				q.archive[id] = archivedJob{job: cloneJob(*j), archivedAt: now}
				delete(q.jobs, id)
				res.Archived++
			}
		}
	}
	for id, a := range q.archive {
		if now.Sub(a.archivedAt) >= policy.DeleteAfter {
			delete(q.archive, id)
			res.Deleted++
		}
	}
	sort.Slice(res.Abandoned, func(a, b int) bool {
		return res.Abandoned[a].CreatedAt.Before(res.Abandoned[b].CreatedAt)
	})
	return res, nil
}

func (q *MemoryQueue) expireLocked(j *Job, now time.Time) {
	j.State = StateExpired
	j.CompletedAt = now
	j.LeaseOwner = ""
	j.LeaseExpiresAt = time.Time{}
}

func cloneJob(j Job) Job {
	if j.Payload != nil {
		p := make([]byte, len(j.Payload))
		copy(p, j.Payload)
		j.Payload = p
	}
	return j
}
