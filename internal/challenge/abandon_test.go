package challenge

import (
	"context"
	"testing"
)

func TestAbandon(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(nil)

	pending := newTestChallenge(t, s)
	got, changed, err := Abandon(ctx, s, pending.ID, 3, "job expired")
	if err != nil {
		t.Fatalf("Abandon pending: %v", err)
	}
	if !changed || got.DeploymentStatus != StatusDeploymentFailed || got.DeploymentFailureReason != "job expired" {
		t.Fatalf("unexpected pending result: changed=%v %+v", changed, got)
	}

	deploying := newTestChallenge(t, s)
	if _, err := s.MarkDeploying(ctx, deploying.ID, 1); err != nil {
		t.Fatalf("MarkDeploying: %v", err)
	}
	got, changed, err = Abandon(ctx, s, deploying.ID, 1, "lease lapsed")
	if err != nil || !changed || got.DeploymentStatus != StatusDeploymentFailed {
		t.Fatalf("unexpected deploying result: %v changed=%v %+v", err, changed, got)
	}

	active := newTestChallenge(t, s)
	_, _ = s.MarkDeploying(ctx, active.ID, 0)
	if _, err := s.MarkActive(ctx, active.ID, Deployment{ContractAddress: "B62qcontract", TxHash: "5Jtx", Height: 1}); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	got, changed, err = Abandon(ctx, s, active.ID, 0, "job expired")
	if err != nil || changed || got.DeploymentStatus != StatusActive {
		t.Fatalf("active challenge must stay active: %v changed=%v %+v", err, changed, got)
	}

	// Settled failures are left alone.
	got, changed, err = Abandon(ctx, s, pending.ID, 0, "again")
	if err != nil || changed || got.DeploymentFailureReason != "job expired" {
		t.Fatalf("repeat Abandon: %v changed=%v %+v", err, changed, got)
	}
}
