package jobkey

import (
	"errors"
	"strings"
	"testing"
)

var testSHA = strings.Repeat("ab", 32)

func TestProofGeneration_RoundTrip(t *testing.T) {
	t.Parallel()

	in := ProofGeneration{
		SHA256:        "0x" + strings.ToUpper(testSHA),
		Signature:     "sig",
		PublicKey:     "pub",
		StorageKey:    "images/" + testSHA,
		WalletAddress: "0xabc",
	}
	b, err := EncodeProofGeneration(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeProofGeneration(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.SHA256 != testSHA || got.StorageKey != in.StorageKey || got.WalletAddress != "0xabc" {
		t.Fatalf("unexpected decode: %+v", got)
	}
}

func TestDecode_RejectsInvalidPayloads(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		decode func([]byte) error
		in     string
	}{
		{"gen not json", func(b []byte) error { _, err := DecodeProofGeneration(b); return err }, `nope`},
		{"gen wrong version", func(b []byte) error { _, err := DecodeProofGeneration(b); return err }, `{"version":"proofgen.v0"}`},
		{"gen missing signature", func(b []byte) error { _, err := DecodeProofGeneration(b); return err },
			`{"version":"proofgen.v1","sha256Hash":"` + testSHA + `","publicKey":"p","storageKey":"k"}`},
		{"publish bad sha", func(b []byte) error { _, err := DecodeProofPublishing(b); return err },
			`{"version":"proofpublish.v1","sha256Hash":"xyz","destinationAddress":"B62"}`},
		{"publish missing destination", func(b []byte) error { _, err := DecodeProofPublishing(b); return err },
			`{"version":"proofpublish.v1","sha256Hash":"` + testSHA + `"}`},
		{"deploy zero id", func(b []byte) error { _, err := DecodeDeploy(b); return err }, `{"version":"deploy.v1","challengeId":0}`},
		{"deploy wrong version", func(b []byte) error { _, err := DecodeDeploy(b); return err }, `{"version":"proofgen.v1","challengeId":3}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := tc.decode([]byte(tc.in)); !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("expected ErrInvalidPayload, got %v", err)
			}
		})
	}
}

func TestPublishingAndDeploy_RoundTrip(t *testing.T) {
	t.Parallel()

	b, err := EncodeProofPublishing(ProofPublishing{SHA256: testSHA, DestinationAddress: " B62qdest "})
	if err != nil {
		t.Fatalf("EncodeProofPublishing: %v", err)
	}
	p, err := DecodeProofPublishing(b)
	if err != nil || p.DestinationAddress != "B62qdest" || p.SHA256 != testSHA {
		t.Fatalf("DecodeProofPublishing: %+v %v", p, err)
	}

	b, err = EncodeDeploy(Deploy{ChallengeID: 42})
	if err != nil {
		t.Fatalf("EncodeDeploy: %v", err)
	}
	d, err := DecodeDeploy(b)
	if err != nil || d.ChallengeID != 42 {
		t.Fatalf("DecodeDeploy: %+v %v", d, err)
	}
	if DeployKey(42) != "42" || ProofPublishingKey(testSHA) != testSHA {
		t.Fatalf("unexpected keys")
	}
}

func TestPayloadKeyV1_DomainSeparated(t *testing.T) {
	t.Parallel()

	a := PayloadKeyV1(QueueProofGeneration, []byte(`{"a":1}`))
	if a != PayloadKeyV1(QueueProofGeneration, []byte(`{"a":1}`)) {
		t.Fatalf("key must be deterministic")
	}
	if a == PayloadKeyV1(QueueProofPublishing, []byte(`{"a":1}`)) {
		t.Fatalf("queue must affect key")
	}
	if a == PayloadKeyV1(QueueProofGeneration, []byte(`{"a":2}`)) {
		t.Fatalf("payload must affect key")
	}
	// The separator keeps queue/payload boundaries unambiguous.
	if PayloadKeyV1("ab", []byte("c")) == PayloadKeyV1("a", []byte("bc")) {
		t.Fatalf("boundary ambiguity")
	}
}

func TestDefaultPolicy(t *testing.T) {
	t.Parallel()

	for _, q := range Queues() {
		p := DefaultPolicy(q)
		if p.RetryLimit <= 0 || p.RetryDelay <= 0 || p.ExpireAfter <= 0 {
			t.Fatalf("%s: incomplete policy %+v", q, p)
		}
		opts := p.Options("k")
		if opts.IdempotencyKey != "k" || opts.RetryLimit != p.RetryLimit {
			t.Fatalf("%s: options mismatch %+v", q, opts)
		}
	}
	if DefaultPolicy("unknown") != (Policy{}) {
		t.Fatalf("expected zero policy for unknown queue")
	}
}
