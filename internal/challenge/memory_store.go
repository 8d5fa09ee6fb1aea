package challenge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/provenance-labs/proofpipe/internal/chain"
)

// MemoryStore is an in-process Store. It also implements the chain
// enrollment used by the in-memory submission store.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	nextChallenge int64
	nextChain     int64
	challenges    map[int64]Challenge
	chains        map[int64]Chain
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:        now,
		challenges: make(map[int64]Challenge),
		chains:     make(map[int64]Chain),
	}
}

func (s *MemoryStore) CreateChallenge(_ context.Context, in NewChallenge) (Challenge, error) {
	if err := in.Validate(); err != nil {
		return Challenge{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextChallenge++
	now := s.now().UTC()
	c := Challenge{
		ID:               s.nextChallenge,
		Title:            strings.TrimSpace(in.Title),
		StartTime:        in.StartTime.UTC(),
		EndTime:          in.EndTime.UTC(),
		DeploymentStatus: StatusPendingDeployment,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.challenges[c.ID] = c
	return c, nil
}

func (s *MemoryStore) CreateChain(_ context.Context, challengeID int64, name string) (Chain, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Chain{}, fmt.Errorf("%w: missing chain name", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.challenges[challengeID]; !ok {
		return Chain{}, ErrNotFound
	}
	s.nextChain++
	c := Chain{ID: s.nextChain, ChallengeID: challengeID, Name: name, CreatedAt: s.now().UTC()}
	s.chains[c.ID] = c
	return c, nil
}

func (s *MemoryStore) GetChallenge(_ context.Context, id int64) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok {
		return Challenge{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) GetChain(_ context.Context, id int64) (Chain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chains[id]
	if !ok {
		return Chain{}, ErrNotFound
	}
	return c, nil
}

// Enroll assigns the next position on a chain and counts the participant
// against its challenge, both under one lock.
func (s *MemoryStore) Enroll(_ context.Context, chainID int64) (Chain, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.chains[chainID]
	if !ok {
		return Chain{}, 0, ErrNotFound
	}
	c, ok := s.challenges[ch.ChallengeID]
	if !ok {
		return Chain{}, 0, ErrNotFound
	}
	ch.Length++
	c.ParticipantCount++
	c.UpdatedAt = s.now().UTC()
	s.chains[chainID] = ch
	s.challenges[c.ID] = c
	return ch, ch.Length, nil
}

func (s *MemoryStore) MarkDeploying(_ context.Context, id int64, retryCount int) (Challenge, error) {
	return s.update(id, func(c *Challenge) error { return c.StartDeploying(retryCount) })
}

func (s *MemoryStore) RecordDeploymentFailure(_ context.Context, id int64, reason string) (Challenge, error) {
	return s.update(id, func(c *Challenge) error { return c.NoteFailure(reason) })
}

func (s *MemoryStore) MarkActive(_ context.Context, id int64, d Deployment) (Challenge, error) {
	return s.update(id, func(c *Challenge) error { return c.Activate(d) })
}

func (s *MemoryStore) MarkDeploymentFailed(_ context.Context, id int64, reason string) (Challenge, error) {
	return s.update(id, func(c *Challenge) error { return c.FailDeployment(reason) })
}

func (s *MemoryStore) ResetDeployment(_ context.Context, id int64) (Challenge, error) {
	return s.update(id, func(c *Challenge) error { return c.Reset() })
}

func (s *MemoryStore) ListDeployed(_ context.Context, minHeight int64) ([]chain.TxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []chain.TxRecord
	for _, c := range s.challenges {
		if c.DeploymentStatus != StatusActive || c.DeploymentTxHash == "" || c.DeploymentHeight < minHeight {
			continue
		}
		out = append(out, DeploymentRecord(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out, nil
}

func (s *MemoryStore) update(id int64, fn func(*Challenge) error) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok {
		return Challenge{}, ErrNotFound
	}
	if err := fn(&c); err != nil {
		return Challenge{}, err
	}
	c.UpdatedAt = s.now().UTC()
	s.challenges[id] = c
	return c, nil
}
