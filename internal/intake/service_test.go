package intake

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/provenance-labs/proofpipe/internal/attest"
	"github.com/provenance-labs/proofpipe/internal/challenge"
	"github.com/provenance-labs/proofpipe/internal/deployworker"
	"github.com/provenance-labs/proofpipe/internal/events"
	"github.com/provenance-labs/proofpipe/internal/jobkey"
	"github.com/provenance-labs/proofpipe/internal/jobqueue"
	"github.com/provenance-labs/proofpipe/internal/objectstore"
	"github.com/provenance-labs/proofpipe/internal/proofgen"
	"github.com/provenance-labs/proofpipe/internal/proofpublish"
	"github.com/provenance-labs/proofpipe/internal/submission"
	"github.com/provenance-labs/proofpipe/internal/zkexec"
)

type fakeNotifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (n *fakeNotifier) Notify(_ context.Context, e events.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *fakeNotifier) kinds() []events.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []events.Kind
	for _, e := range n.events {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	now      time.Time
	chal     *challenge.MemoryStore
	subs     *submission.MemoryStore
	images   objectstore.Store
	queue    *jobqueue.MemoryQueue
	notifier *fakeNotifier
	svc      *Service

	challengeID int64
	chainID     int64
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		now:      time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		notifier: &fakeNotifier{},
	}
	clock := func() time.Time { return f.now }
	f.chal = challenge.NewMemoryStore(clock)
	f.queue = jobqueue.NewMemoryQueue(clock)
	var err error
	f.subs, err = submission.NewMemoryStore(f.chal, clock)
	if err != nil {
		t.Fatalf("submission.NewMemoryStore: %v", err)
	}
	f.images, err = objectstore.New(objectstore.Config{Driver: objectstore.DriverMemory})
	if err != nil {
		t.Fatalf("objectstore.New: %v", err)
	}
	f.svc, err = New(cfg, f.subs, f.chal, f.images, f.queue, f.notifier, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.svc.now = clock

	c, ch, err := f.svc.CreateChallenge(context.Background(), challenge.NewChallenge{
		Title:     "Harbor lights",
		StartTime: f.now.Add(-time.Hour),
		EndTime:   f.now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	f.challengeID, f.chainID = c.ID, ch.ID
	return f
}

type signedImage struct {
	data []byte
	sha  string
	pub  string
	sig  string
	key  *ecdsa.PrivateKey
}

func signImage(t *testing.T, data string) signedImage {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sum := sha256.Sum256([]byte(data))
	sig, err := attest.Sign(key, attest.Commitment(sum))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return signedImage{
		data: []byte(data),
		sha:  hex.EncodeToString(sum[:]),
		pub:  hex.EncodeToString(crypto.CompressPubkey(&key.PublicKey)),
		sig:  hex.EncodeToString(sig),
		key:  key,
	}
}

func (f *fixture) request(img signedImage) SubmitRequest {
	return SubmitRequest{Image: img.data, ContentType: "image/jpeg", SHA256: img.sha, PublicKey: img.pub, Signature: img.sig, ChainID: f.chainID}
}

func (f *fixture) stats(t *testing.T, queue string) jobqueue.Stats {
	t.Helper()
	st, err := f.queue.Stats(context.Background(), queue)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	return st
}

func TestCreateChallenge_QueuesDeploymentOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()

	c, err := f.chal.GetChallenge(ctx, f.challengeID)
	if err != nil {
		t.Fatalf("GetChallenge: %v", err)
	}
	if c.DeploymentStatus != challenge.StatusPendingDeployment {
		t.Fatalf("status: got %s", c.DeploymentStatus)
	}
	ch, err := f.chal.GetChain(ctx, f.chainID)
	if err != nil || ch.Name != defaultChainName || ch.ChallengeID != f.challengeID {
		t.Fatalf("chain: %+v err=%v", ch, err)
	}

	if _, err := f.svc.RequestDeployment(ctx, f.challengeID); err != nil {
		t.Fatalf("RequestDeployment: %v", err)
	}
	if got := f.stats(t, jobkey.QueueContractDeploy).Total(); got != 1 {
		t.Fatalf("deploy jobs: got %d want 1", got)
	}
}

func TestCreateChallenge_RejectsBadWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	_, _, err := f.svc.CreateChallenge(context.Background(), challenge.NewChallenge{Title: "x", StartTime: f.now, EndTime: f.now})
	if !errors.Is(err, challenge.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSubmit_AwaitsReview(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	img := signImage(t, "dawn over the harbor")

	sub, err := f.svc.Submit(context.Background(), f.request(img))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Status != submission.StatusAwaitingReview || sub.ChainPosition != 1 {
		t.Fatalf("submission: %+v", sub)
	}
	if want := crypto.PubkeyToAddress(img.key.PublicKey).Hex(); !strings.EqualFold(sub.WalletAddress, want) {
		t.Fatalf("wallet: got %s want %s", sub.WalletAddress, want)
	}
	stored, err := f.images.Get(context.Background(), sub.StorageKey)
	if err != nil || string(stored.Data) != string(img.data) {
		t.Fatalf("image: %v", err)
	}
	if got := f.stats(t, jobkey.QueueProofGeneration).Total(); got != 0 {
		t.Fatalf("generation queued before review: %d", got)
	}

	if _, err := f.svc.Review(context.Background(), sub.SHA256, Decision{Approve: true}); err != nil {
		t.Fatalf("Review: %v", err)
	}
	if _, err := f.svc.Review(context.Background(), sub.SHA256, Decision{Approve: true}); err != nil {
		t.Fatalf("Review again: %v", err)
	}
	if got := f.stats(t, jobkey.QueueProofGeneration).Total(); got != 1 {
		t.Fatalf("generation jobs: got %d want 1", got)
	}
}

func TestSubmit_BadSignatureRejects(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{AutoApprove: true})
	img := signImage(t, "a forged lighthouse")
	other := signImage(t, "something else")
	req := f.request(img)
	req.Signature = other.sig

	sub, err := f.svc.Submit(context.Background(), req)
	if !errors.Is(err, attest.ErrSignerMismatch) && !errors.Is(err, attest.ErrInvalidSignature) {
		t.Fatalf("expected verification error, got %v", err)
	}
	if sub.Status != submission.StatusRejected || sub.FailureReason == "" {
		t.Fatalf("submission: %+v", sub)
	}
	if ok, _ := f.images.Exists(context.Background(), objectstore.ImageKey(img.sha)); ok {
		t.Fatalf("rejected image still stored")
	}
	if got := f.notifier.kinds(); len(got) != 1 || got[0] != events.KindSubmissionRejected {
		t.Fatalf("notifications: %v", got)
	}
	if got := f.stats(t, jobkey.QueueProofGeneration).Total(); got != 0 {
		t.Fatalf("rejected submission queued: %d", got)
	}
}

func TestSubmit_RejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	img := signImage(t, "harbor at noon")

	cases := []struct {
		name   string
		mutate func(*SubmitRequest)
		want   error
	}{
		{name: "empty image", mutate: func(r *SubmitRequest) { r.Image = nil }, want: ErrInvalidRequest},
		{name: "digest mismatch", mutate: func(r *SubmitRequest) { r.SHA256 = strings.Repeat("ab", 32) }, want: ErrInvalidRequest},
		{name: "missing signature", mutate: func(r *SubmitRequest) { r.Signature = "" }, want: ErrInvalidRequest},
		{name: "missing chain", mutate: func(r *SubmitRequest) { r.ChainID = 0 }, want: ErrInvalidRequest},
		{name: "unknown chain", mutate: func(r *SubmitRequest) { r.ChainID = 999 }, want: challenge.ErrNotFound},
		{name: "bad public key", mutate: func(r *SubmitRequest) { r.PublicKey = "zz" }, want: ErrInvalidRequest},
	}
	for _, tc := range cases {
		req := f.request(img)
		tc.mutate(&req)
		if _, err := f.svc.Submit(context.Background(), req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, err, tc.want)
		}
	}
	if ok, _ := f.images.Exists(context.Background(), objectstore.ImageKey(img.sha)); ok {
		t.Fatalf("invalid requests must not store the image")
	}
}

func TestSubmit_DuplicateKeepsOriginal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	img := signImage(t, "the same picture twice")
	first, err := f.svc.Submit(context.Background(), f.request(img))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.svc.Submit(context.Background(), f.request(img)); !errors.Is(err, submission.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if ok, _ := f.images.Exists(context.Background(), first.StorageKey); !ok {
		t.Fatalf("duplicate submit removed the original image")
	}
	ch, _ := f.chal.GetChain(context.Background(), f.chainID)
	if ch.Length != 1 {
		t.Fatalf("chain length: got %d want 1", ch.Length)
	}
}

func TestSubmit_ClosedChallenge(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.now = f.now.Add(2 * time.Hour)
	if _, err := f.svc.Submit(context.Background(), f.request(signImage(t, "too late"))); !errors.Is(err, ErrChallengeClosed) {
		t.Fatalf("expected ErrChallengeClosed, got %v", err)
	}
}

func TestReview_Reject(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	sub, err := f.svc.Submit(context.Background(), f.request(signImage(t, "blurry boat")))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got, err := f.svc.Review(context.Background(), sub.SHA256, Decision{Reason: "off topic"})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if got.Status != submission.StatusRejected || got.FailureReason != "off topic" {
		t.Fatalf("submission: %+v", got)
	}
	if _, err := f.svc.Review(context.Background(), sub.SHA256, Decision{Approve: true}); !errors.Is(err, ErrNotReviewable) {
		t.Fatalf("approving a rejected submission: %v", err)
	}
}

type fakeDeployer struct{}

func (fakeDeployer) Deploy(_ context.Context, req zkexec.DeployRequest) (zkexec.DeployResult, error) {
	return zkexec.DeployResult{ContractAddress: "B62qharbor", TxHash: "5Jdeploy", Height: 900}, nil
}

type fakeSecrets struct{}

func (fakeSecrets) Get(context.Context, string) ([]byte, error) {
	return []byte(strings.Repeat("11", 32)), nil
}

type fakeProver struct{}

func (fakeProver) Generate(_ context.Context, commitment []byte, _, _ string) ([]byte, error) {
	return append([]byte("proof:"), commitment...), nil
}

type fakeChain struct {
	mu        sync.Mutex
	published map[string]string
}

func (c *fakeChain) Publish(_ context.Context, artifact []byte, destination string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.published == nil {
		c.published = make(map[string]string)
	}
	c.published[destination] = string(artifact)
	return "5Jpublish", nil
}

func (c *fakeChain) CurrentHeight(context.Context) (int64, error) { return 1200, nil }

// runOne leases the next job on queue and settles it the way the worker does.
func (f *fixture) runOne(t *testing.T, queue string, h jobqueue.Handler) {
	t.Helper()
	ctx := context.Background()
	jobs, err := f.queue.Lease(ctx, queue, jobqueue.LeaseRequest{Owner: "test", Limit: 1, TTL: time.Minute})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("Lease %s: jobs=%d err=%v", queue, len(jobs), err)
	}
	if err := h(ctx, jobs[0]); err != nil {
		t.Fatalf("handle %s: %v", queue, err)
	}
	if _, err := f.queue.Complete(ctx, jobs[0].ID, "test"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestPipeline_SubmissionReachesComplete(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{AutoApprove: true})
	ctx := context.Background()
	net := &fakeChain{}

	deployer, err := deployworker.New(deployworker.Config{FeePayerSecret: "FEE"}, f.chal, fakeDeployer{}, fakeSecrets{}, f.notifier, nil)
	if err != nil {
		t.Fatalf("deployworker.New: %v", err)
	}
	generator, err := proofgen.New(proofgen.Config{}, f.subs, f.chal, f.images, fakeProver{}, f.queue, f.notifier, nil)
	if err != nil {
		t.Fatalf("proofgen.New: %v", err)
	}
	publisher, err := proofpublish.New(f.subs, net, net, nil, f.notifier, nil)
	if err != nil {
		t.Fatalf("proofpublish.New: %v", err)
	}

	f.runOne(t, jobkey.QueueContractDeploy, deployer.Handle)

	sub, err := f.svc.Submit(ctx, f.request(signImage(t, "lighthouse at dusk")))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.runOne(t, jobkey.QueueProofGeneration, generator.Handle)
	f.runOne(t, jobkey.QueueProofPublishing, publisher.Handle)

	got, err := f.subs.Get(ctx, sub.SHA256)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != submission.StatusComplete || got.TransactionHash != "5Jpublish" || got.ContractAddress != "B62qharbor" {
		t.Fatalf("submission: %+v", got)
	}
	if got.ProofArtifact != nil {
		t.Fatalf("artifact kept after completion")
	}
	if _, ok := net.published["B62qharbor"]; !ok {
		t.Fatalf("proof not published to the challenge contract: %v", net.published)
	}
	kinds := f.notifier.kinds()
	if len(kinds) != 2 || kinds[0] != events.KindChallengeActive || kinds[1] != events.KindSubmissionComplete {
		t.Fatalf("notifications: %v", kinds)
	}
}
