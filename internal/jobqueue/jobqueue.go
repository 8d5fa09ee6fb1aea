package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidConfig     = errors.New("jobqueue: invalid config")
	ErrNotFound          = errors.New("jobqueue: not found")
	ErrNotOwner          = errors.New("jobqueue: not lease owner")
	ErrInvalidTransition = errors.New("jobqueue: invalid transition")
	ErrDuplicate         = errors.New("jobqueue: duplicate idempotency key")
	ErrLeaseExpired      = errors.New("jobqueue: lease expired before completion")
)

const (
	DefaultRetryLimit   = 2
	DefaultRetryDelay   = 5 * time.Second
	DefaultExpireAfter  = 24 * time.Hour
	DefaultArchiveAfter = 12 * time.Hour
	DefaultDeleteAfter  = 7 * 24 * time.Hour

	// MaxRetryDelay caps exponential backoff.
	MaxRetryDelay = time.Hour
)

type State uint8

const (
	StateUnknown State = iota
	StateCreated
	StateRetry
	StateActive
	StateCompleted
	StateExpired
	StateCancelled
	StateFailed
)

var stateNames = map[State]string{
	StateCreated:   "created",
	StateRetry:     "retry",
	StateActive:    "active",
	StateCompleted: "completed",
	StateExpired:   "expired",
	StateCancelled: "cancelled",
	StateFailed:    "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Terminal reports whether no further transition happens without operator action.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateExpired, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

func ParseState(v string) (State, error) {
	v = strings.TrimSpace(strings.ToLower(v))
	for s, n := range stateNames {
		if n == v {
			return s, nil
		}
	}
	return StateUnknown, fmt.Errorf("%w: unknown state %q", ErrInvalidConfig, v)
}

// Job is a queued unit of work. RetryCount is the authoritative count of failed attempts.
type Job struct {
	ID             uuid.UUID
	Queue          string
	Payload        json.RawMessage
	State          State
	IdempotencyKey string
	Priority       int

	RetryCount   int
	RetryLimit   int
	RetryDelay   time.Duration
	RetryBackoff bool
	ExpireAfter  time.Duration

	StartAfter     time.Time
	ExpireAt       time.Time
	LeaseOwner     string
	LeaseExpiresAt time.Time
	LastError      string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// Attempt is the 1-based number of the current (or next) execution.
func (j Job) Attempt() int {
	return j.RetryCount + 1
}

// FinalAttempt reports whether a failure of the current execution exhausts the retry budget.
func (j Job) FinalAttempt() bool {
	return j.RetryCount >= j.RetryLimit
}

type EnqueueOptions struct {
	IdempotencyKey string
	// DedupWindow additionally coalesces against a job with the same key that
	// completed less than DedupWindow ago.
	DedupWindow  time.Duration
	RetryLimit   int
	RetryDelay   time.Duration
	RetryBackoff bool
	ExpireAfter  time.Duration
	Priority     int
	StartAfter   time.Duration
}

// Normalize fills defaults. A negative RetryLimit means zero retries.
func (o EnqueueOptions) Normalize() EnqueueOptions {
	o.IdempotencyKey = strings.TrimSpace(o.IdempotencyKey)
	if o.RetryLimit < 0 {
		o.RetryLimit = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.ExpireAfter <= 0 {
		o.ExpireAfter = DefaultExpireAfter
	}
	if o.DedupWindow < 0 {
		o.DedupWindow = 0
	}
	if o.StartAfter < 0 {
		o.StartAfter = 0
	}
	return o
}

type LeaseRequest struct {
	Owner string
	Limit int
	TTL   time.Duration
	// Exclusive caps the queue at one leased job system-wide.
	Exclusive bool
}

func (r LeaseRequest) Validate() error {
	if strings.TrimSpace(r.Owner) == "" {
		return fmt.Errorf("%w: lease owner is required", ErrInvalidConfig)
	}
	if r.Limit <= 0 {
		return fmt.Errorf("%w: lease limit must be > 0", ErrInvalidConfig)
	}
	if r.TTL <= 0 {
		return fmt.Errorf("%w: lease ttl must be > 0", ErrInvalidConfig)
	}
	return nil
}

type Stats struct {
	Queue     string
	Created   int
	Retry     int
	Active    int
	Completed int
	Expired   int
	Cancelled int
	Failed    int
}

func (s Stats) Total() int {
	return s.Created + s.Retry + s.Active + s.Completed + s.Expired + s.Cancelled + s.Failed
}

// Add accumulates n jobs in state.
func (s *Stats) Add(state State, n int) {
	switch state {
	case StateCreated:
		s.Created += n
	case StateRetry:
		s.Retry += n
	case StateActive:
		s.Active += n
	case StateCompleted:
		s.Completed += n
	case StateExpired:
		s.Expired += n
	case StateCancelled:
		s.Cancelled += n
	case StateFailed:
		s.Failed += n
	}
}

type MaintenancePolicy struct {
	// Queue limits expiry and lease reclaim to one queue. Empty sweeps every queue.
	// Archiving and deletion always cover every queue.
	Queue string

	ArchiveAfter time.Duration
	DeleteAfter  time.Duration
}

func (p MaintenancePolicy) Normalize() MaintenancePolicy {
	if p.ArchiveAfter <= 0 {
		p.ArchiveAfter = DefaultArchiveAfter
	}
	if p.DeleteAfter <= 0 {
		p.DeleteAfter = DefaultDeleteAfter
	}
	return p
}

type MaintenanceResult struct {
	Expired   int
	Reclaimed int
	Archived  int
	Deleted   int

	// Abandoned holds the jobs this sweep moved to a terminal state: expired
	// jobs, and reclaimed jobs whose lapsed lease spent the last retry.
	// Their owners never ran a failure path for them.
	Abandoned []Job
}

// Empty reports whether the sweep changed nothing.
func (r MaintenanceResult) Empty() bool {
	return r.Expired == 0 && r.Reclaimed == 0 && r.Archived == 0 && r.Deleted == 0
}

// Queue is a durable job queue. Implementations resolve concurrent claims atomically.
type Queue interface {
	// Enqueue returns the existing job and created=false when the idempotency key coalesces.
	Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) (Job, bool, error)
	Lease(ctx context.Context, queue string, req LeaseRequest) ([]Job, error)
	Complete(ctx context.Context, id uuid.UUID, owner string) (Job, error)
	Fail(ctx context.Context, id uuid.UUID, owner string, cause error) (Job, error)
	Release(ctx context.Context, id uuid.UUID, owner string) (Job, error)

	Get(ctx context.Context, queue string, id uuid.UUID) (Job, error)
	Cancel(ctx context.Context, id uuid.UUID) (Job, error)
	Retry(ctx context.Context, id uuid.UUID) (Job, error)
	Stats(ctx context.Context, queue string) (Stats, error)
	ListFailed(ctx context.Context, queue string, limit, offset int) ([]Job, error)
	Maintain(ctx context.Context, policy MaintenancePolicy) (MaintenanceResult, error)
}

// NormalizePayload validates payload as JSON, defaulting empty payloads to {}.
func NormalizePayload(payload []byte) (json.RawMessage, error) {
	if len(strings.TrimSpace(string(payload))) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid json", ErrInvalidConfig)
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

func ValidateQueueName(queue string) error {
	if strings.TrimSpace(queue) == "" || queue != strings.TrimSpace(queue) {
		return fmt.Errorf("%w: invalid queue name %q", ErrInvalidConfig, queue)
	}
	return nil
}
