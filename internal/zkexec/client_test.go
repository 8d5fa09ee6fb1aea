package zkexec

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestClient_Generate(t *testing.T) {
	t.Parallel()

	c, err := New("fake-zk", 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.execCommand = func(_ context.Context, bin string, stdin []byte) ([]byte, []byte, error) {
		if bin != "fake-zk" {
			t.Errorf("bin: got %q", bin)
		}
		var req map[string]any
		if err := json.Unmarshal(stdin, &req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["version"] != "zkexec.request.v1" || req["op"] != "generate" {
			t.Errorf("unexpected envelope: %v", req)
		}
		if req["commitment"] != "0xabcd" || req["publicKey"] != "0x04aa" {
			t.Errorf("unexpected request: %v", req)
		}
		return []byte(`{"version":"zkexec.response.v1","artifact":"0x0102"}`), nil, nil
	}

	artifact, err := c.Generate(context.Background(), []byte{0xab, 0xcd}, "0x04aa", "0xsig")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(artifact) != 2 || artifact[0] != 0x01 || artifact[1] != 0x02 {
		t.Fatalf("unexpected artifact: %x", artifact)
	}
}

func TestClient_PublishSendsFeePayerKey(t *testing.T) {
	t.Parallel()

	c, err := New("fake-zk", 1<<20, WithFeePayerKey([]byte{0x01, 0x02}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.execCommand = func(_ context.Context, _ string, stdin []byte) ([]byte, []byte, error) {
		var req map[string]any
		_ = json.Unmarshal(stdin, &req)
		if req["feePayerKey"] != "0102" || req["destination"] != "B62qdest" {
			t.Errorf("unexpected request: %v", req)
		}
		return []byte(`{"version":"zkexec.response.v1","txHash":"5Jtx"}`), nil, nil
	}

	tx, err := c.Publish(context.Background(), []byte("proof"), "B62qdest")
	if err != nil || tx != "5Jtx" {
		t.Fatalf("Publish: tx=%q err=%v", tx, err)
	}

	c.Close()
	if c.feePayerKey != nil {
		t.Fatalf("expected key to be dropped on Close")
	}
}

func TestClient_Deploy(t *testing.T) {
	t.Parallel()

	c, err := New("fake-zk", 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.execCommand = func(_ context.Context, _ string, stdin []byte) ([]byte, []byte, error) {
		var req map[string]any
		_ = json.Unmarshal(stdin, &req)
		if req["op"] != "deploy" || req["challengeId"] != float64(7) || req["contractPrivateKey"] != "aa" {
			t.Errorf("unexpected request: %v", req)
		}
		return []byte(`{"version":"zkexec.response.v1","contractAddress":"B62qc","txHash":"5Jd","height":88}`), nil, nil
	}

	if _, err := c.Deploy(context.Background(), DeployRequest{ChallengeID: 7}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	res, err := c.Deploy(context.Background(), DeployRequest{ChallengeID: 7, ContractPrivateKey: []byte{0xaa}, FeePayerKey: []byte{0xbb}})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if res.ContractAddress != "B62qc" || res.TxHash != "5Jd" || res.Height != 88 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestClient_ErrorHandling(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		stdout   string
		stderr   string
		execErr  error
		wantText string
		rejected bool
		maxBytes int
	}{
		{name: "command error includes stderr", stderr: "boom", execErr: errors.New("exit 1"), wantText: "boom"},
		{name: "error envelope", stdout: `{"version":"zkexec.response.v1","error":"service busy"}`, wantText: "service busy"},
		{name: "rejected envelope", stdout: `{"version":"zkexec.response.v1","error":"bad proof","rejected":true}`, wantText: "bad proof", rejected: true},
		{name: "wrong version", stdout: `{"version":"v0","txHash":"x"}`, wantText: "unexpected response version"},
		{name: "oversized", stdout: `{"version":"zkexec.response.v1","txHash":"5J"}`, wantText: "too large", maxBytes: 4},
		{name: "missing tx hash", stdout: `{"version":"zkexec.response.v1"}`, wantText: "empty transaction hash"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			limit := tc.maxBytes
			if limit == 0 {
				limit = 1 << 20
			}
			c, err := New("fake-zk", limit)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			c.execCommand = func(context.Context, string, []byte) ([]byte, []byte, error) {
				return []byte(tc.stdout), []byte(tc.stderr), tc.execErr
			}
			_, err = c.Publish(context.Background(), []byte("proof"), "B62qdest")
			if err == nil || !strings.Contains(err.Error(), tc.wantText) {
				t.Fatalf("expected error containing %q, got %v", tc.wantText, err)
			}
			if got := errors.Is(err, ErrRejected); got != tc.rejected {
				t.Fatalf("ErrRejected: got %v want %v", got, tc.rejected)
			}
		})
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := New("", 1); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New("bin", 0); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
