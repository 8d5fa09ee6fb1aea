package jobqueue

import (
	"errors"
	"time"

	"github.com/provenance-labs/proofpipe/internal/reason"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as a data defect. The queue fails the job without
// scheduling further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type deferredError struct {
	err   error
	after time.Duration
}

func (e *deferredError) Error() string { return e.err.Error() }

func (e *deferredError) Unwrap() error { return e.err }

// Defer reschedules the job after d without spending a retry. Handlers return
// it while the job waits on work owned by another queue. The job's expiry
// still bounds how long it can wait.
func Defer(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after <= 0 {
		after = DefaultRetryDelay
	}
	return &deferredError{err: err, after: minDuration(after, MaxRetryDelay)}
}

// IsDeferred reports whether err asks for a free reschedule. A permanent
// error is never deferred.
func IsDeferred(err error) bool {
	_, ok := deferDelay(err)
	return ok
}

func deferDelay(err error) (time.Duration, bool) {
	if IsPermanent(err) {
		return 0, false
	}
	var d *deferredError
	if !errors.As(err, &d) {
		return 0, false
	}
	return d.after, true
}

// NextRetryCount is the job's retry count after cause ends the current attempt.
func NextRetryCount(j Job, cause error) int {
	if IsDeferred(cause) {
		return j.RetryCount
	}
	return j.RetryCount + 1
}

// RetryDelayFor returns the delay before retry number retryCount (1-based).
// With backoff enabled the delay doubles per retry and is capped at MaxRetryDelay.
func RetryDelayFor(base time.Duration, backoff bool, retryCount int) time.Duration {
	if base <= 0 {
		base = DefaultRetryDelay
	}
	if !backoff || retryCount <= 1 {
		return minDuration(base, MaxRetryDelay)
	}
	d := base
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= MaxRetryDelay || d <= 0 {
			return MaxRetryDelay
		}
	}
	return d
}

// FailureOutcome decides the state after a failed attempt and, for StateRetry,
// when the job becomes eligible again. retryCount already includes the failure.
func FailureOutcome(j Job, retryCount int, cause error, now time.Time) (State, time.Time) {
	if after, ok := deferDelay(cause); ok {
		return StateRetry, now.Add(after)
	}
	if IsPermanent(cause) || retryCount > j.RetryLimit {
		return StateFailed, time.Time{}
	}
	return StateRetry, now.Add(RetryDelayFor(j.RetryDelay, j.RetryBackoff, retryCount))
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

const maxErrorText = 2048

// ErrorText renders err for persistence as valid UTF-8 without NUL bytes,
// truncated on a rune boundary.
func ErrorText(err error) string {
	if err == nil {
		return ""
	}
	return reason.Clean(err.Error(), maxErrorText)
}
