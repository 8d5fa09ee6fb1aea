package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/provenance-labs/proofpipe/internal/challenge"
	"github.com/provenance-labs/proofpipe/internal/submission"
)

func TestOpen_Memory(t *testing.T) {
	t.Parallel()

	b, err := Open(context.Background(), Config{Driver: "Memory"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	now := time.Now()
	c, err := b.Challenges.CreateChallenge(ctx, challenge.NewChallenge{Title: "t", StartTime: now, EndTime: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	ch, err := b.Challenges.CreateChain(ctx, c.ID, "main")
	if err != nil {
		t.Fatalf("CreateChain: %v", err)
	}
	// The submission store enrolls through the same challenge store.
	sub, err := b.Submissions.Create(ctx, submission.NewSubmission{
		SHA256:        "aa00000000000000000000000000000000000000000000000000000000000000",
		WalletAddress: "w",
		ChainID:       ch.ID,
		StorageKey:    "images/aa",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sub.ChallengeID != c.ID || sub.ChainPosition != 1 {
		t.Fatalf("submission: %+v", sub)
	}
	if b.Queue == nil || b.Leases == nil {
		t.Fatalf("memory backend missing stores")
	}
}

func TestOpen_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), Config{Driver: "sqlite"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("unknown driver: %v", err)
	}
	if _, err := Open(context.Background(), Config{Driver: DriverPostgres}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing dsn: %v", err)
	}
	if _, err := Open(context.Background(), Config{Driver: DriverPostgres, PostgresDSN: "postgres://%zz"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("bad dsn: %v", err)
	}
	if _, err := Open(context.Background(), Config{Driver: DriverMemory, Shared: true}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("shared memory store: %v", err)
	}
}
