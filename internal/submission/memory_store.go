package submission

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/provenance-labs/proofpipe/internal/chain"
	"github.com/provenance-labs/proofpipe/internal/challenge"
)

// Enroller hands out chain positions. challenge.MemoryStore implements it.
type Enroller interface {
	Enroll(ctx context.Context, chainID int64) (challenge.Chain, int64, error)
}

// MemoryStore is an in-process Store. Create holds the store lock across
// enrollment so a duplicate sha256 never consumes a chain position.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	enroller Enroller

	nextID int64
	bySHA  map[string]*Submission
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(enroller Enroller, now func() time.Time) (*MemoryStore, error) {
	if enroller == nil {
		return nil, fmt.Errorf("%w: nil enroller", ErrInvalidInput)
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, enroller: enroller, bySHA: make(map[string]*Submission)}, nil
}

func (s *MemoryStore) Create(ctx context.Context, in NewSubmission) (Submission, error) {
	in, err := in.Normalize()
	if err != nil {
		return Submission{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bySHA[in.SHA256]; ok {
		return Submission{}, fmt.Errorf("%w: %s", ErrDuplicate, in.SHA256)
	}
	ch, pos, err := s.enroller.Enroll(ctx, in.ChainID)
	if err != nil {
		return Submission{}, fmt.Errorf("submission: enroll chain %d: %w", in.ChainID, err)
	}

	s.nextID++
	now := s.now().UTC()
	sub := &Submission{
		ID:            s.nextID,
		SHA256:        in.SHA256,
		WalletAddress: in.WalletAddress,
		ChallengeID:   ch.ChallengeID,
		ChainID:       ch.ID,
		ChainPosition: pos,
		StorageKey:    in.StorageKey,
		PublicKey:     in.PublicKey,
		Signature:     in.Signature,
		Status:        StatusUploading,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.bySHA[sub.SHA256] = sub
	return clone(sub), nil
}

func (s *MemoryStore) Get(_ context.Context, sha256 string) (Submission, error) {
	key, err := NormalizeSHA256(sha256)
	if err != nil {
		return Submission{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.bySHA[key]
	if !ok {
		return Submission{}, ErrNotFound
	}
	return clone(sub), nil
}

func (s *MemoryStore) ListByChain(_ context.Context, chainID int64) ([]Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Submission
	for _, sub := range s.bySHA {
		if sub.ChainID == chainID {
			out = append(out, clone(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainPosition < out[j].ChainPosition })
	return out, nil
}

func (s *MemoryStore) Transition(_ context.Context, sha256 string, to Status, retryCount int) (Submission, error) {
	return s.update(sha256, func(sub *Submission) error { return sub.Transition(to, retryCount) })
}

func (s *MemoryStore) StoreArtifact(_ context.Context, sha256 string, artifact []byte) (Submission, error) {
	return s.update(sha256, func(sub *Submission) error { return sub.AttachArtifact(artifact) })
}

func (s *MemoryStore) Complete(_ context.Context, sha256 string, p Publication) (Submission, error) {
	return s.update(sha256, func(sub *Submission) error { return sub.Complete(p) })
}

func (s *MemoryStore) Fail(_ context.Context, sha256 string, to Status, reason string) (Submission, error) {
	return s.update(sha256, func(sub *Submission) error { return sub.Fail(to, reason) })
}

func (s *MemoryStore) ListTracked(_ context.Context, minHeight int64) ([]chain.TxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []chain.TxRecord
	for _, sub := range s.bySHA {
		if sub.TransactionHash == "" || sub.SubmittedHeight < minHeight {
			continue
		}
		out = append(out, Record(*sub))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out, nil
}

func (s *MemoryStore) RecordChainStatus(_ context.Context, txHash string, status chain.TxStatus) (bool, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" || !status.Valid() {
		return false, fmt.Errorf("%w: tx hash and valid status required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.bySHA {
		if sub.TransactionHash != txHash {
			continue
		}
		if !sub.ApplyChainStatus(status) {
			return false, nil
		}
		sub.UpdatedAt = s.now().UTC()
		return true, nil
	}
	return false, ErrNotFound
}

func (s *MemoryStore) update(sha256 string, fn func(*Submission) error) (Submission, error) {
	key, err := NormalizeSHA256(sha256)
	if err != nil {
		return Submission{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.bySHA[key]
	if !ok {
		return Submission{}, ErrNotFound
	}
	next := clone(cur)
	if err := fn(&next); err != nil {
		return Submission{}, err
	}
	next.UpdatedAt = s.now().UTC()
	s.bySHA[key] = &next
	return clone(&next), nil
}

func clone(s *Submission) Submission {
	out := *s
	if s.ProofArtifact != nil {
		out.ProofArtifact = append([]byte(nil), s.ProofArtifact...)
	}
	return out
}
