package submission

import "fmt"

// Status is the pipeline stage of a submission.
type Status string

const (
	StatusUploading       Status = "uploading"
	StatusVerifying       Status = "verifying"
	StatusAwaitingReview  Status = "awaiting_review"
	StatusProofGeneration Status = "proof_generation"
	StatusProofPublishing Status = "proof_publishing"
	StatusComplete        Status = "complete"
	StatusRejected        Status = "rejected"
	StatusFailed          Status = "failed"
)

var transitions = map[Status][]Status{
	StatusUploading:      {StatusVerifying, StatusFailed},
	StatusVerifying:      {StatusAwaitingReview, StatusRejected, StatusFailed},
	StatusAwaitingReview: {StatusProofGeneration, StatusRejected, StatusFailed},
	// proof_generation -> awaiting_review is the revert before a queue retry.
	StatusProofGeneration: {StatusProofPublishing, StatusAwaitingReview, StatusRejected, StatusFailed},
	StatusProofPublishing: {StatusComplete, StatusRejected, StatusFailed},
}

func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("submission: unknown status %q", raw)
	}
	return s, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusUploading, StatusVerifying, StatusAwaitingReview, StatusProofGeneration,
		StatusProofPublishing, StatusComplete, StatusRejected, StatusFailed:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusRejected || s == StatusFailed
}

// CanTransition reports whether from -> to is allowed. Re-entering the same
// in-flight status is an allowed no-op so redelivered jobs stay idempotent.
func CanTransition(from, to Status) bool {
	if from == to {
		return from.Valid() && !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Public maps a status to the coarse view shown to submitters.
func (s Status) Public() string {
	switch s {
	case StatusUploading, StatusVerifying, StatusAwaitingReview:
		return "pending"
	default:
		return string(s)
	}
}
