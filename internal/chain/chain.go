// Package chain defines the read-side view of the proof-verifying network
// that the pipeline and the monitor depend on.
package chain

import (
	"context"
	"errors"
	"fmt"
)

var ErrInvalidRange = errors.New("chain: invalid height range")

// TxStatus is the monitor's classification of a submitted transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxIncluded  TxStatus = "included"
	TxFinal     TxStatus = "final"
	TxAbandoned TxStatus = "abandoned"
)

func (s TxStatus) Valid() bool {
	switch s {
	case TxPending, TxIncluded, TxFinal, TxAbandoned:
		return true
	default:
		return false
	}
}

func ParseTxStatus(raw string) (TxStatus, error) {
	s := TxStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("chain: unknown tx status %q", raw)
	}
	return s, nil
}

// TxKind says which entity a tracked transaction belongs to.
type TxKind string

const (
	KindSubmission TxKind = "submission"
	KindDeployment TxKind = "deployment"
)

// TxRecord is a locally known transaction the monitor reconciles against the
// archive. Ref is the submission sha256 or the challenge id.
type TxRecord struct {
	Kind            TxKind
	Ref             string
	Hash            string
	Address         string
	SubmittedHeight int64
}

// Action is one archived account action.
type Action struct {
	Height                int64
	DistanceFromMaxHeight int64
	TransactionHash       string
}

// AddressActions carries the archive answer for one address. Err is set when
// that address could not be queried; other addresses are unaffected.
type AddressActions struct {
	Address string
	Actions []Action
	Err     error
}

type HeightReader interface {
	CurrentHeight(ctx context.Context) (int64, error)
}

type ActionReader interface {
	ActionsInRange(ctx context.Context, addresses []string, fromHeight, toHeight int64) ([]AddressActions, error)
}

// Reader is everything the monitor needs from the network.
type Reader interface {
	HeightReader
	ActionReader
}

func ValidateRange(from, to int64) error {
	if from < 0 || to < from {
		return fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, from, to)
	}
	return nil
}
