package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/provenance-labs/proofpipe/internal/intake"
	"github.com/provenance-labs/proofpipe/internal/submission"
)

type submissionView struct {
	SHA256          string `json:"sha256"`
	Status          string `json:"status"`
	PublicStatus    string `json:"public_status"`
	WalletAddress   string `json:"wallet_address"`
	ChallengeID     int64  `json:"challenge_id"`
	ChainID         int64  `json:"chain_id"`
	ChainPosition   int64  `json:"chain_position"`
	FailureReason   string `json:"failure_reason,omitempty"`
	RetryCount      int    `json:"retry_count"`
	ArtifactBytes   int    `json:"artifact_bytes,omitempty"`
	TransactionHash string `json:"transaction_hash,omitempty"`
	ContractAddress string `json:"contract_address,omitempty"`
	SubmittedHeight int64  `json:"submitted_height,omitempty"`
	ChainStatus     string `json:"chain_status,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func newSubmissionView(s submission.Submission) submissionView {
	return submissionView{
		SHA256:          s.SHA256,
		Status:          string(s.Status),
		PublicStatus:    s.Status.Public(),
		WalletAddress:   s.WalletAddress,
		ChallengeID:     s.ChallengeID,
		ChainID:         s.ChainID,
		ChainPosition:   s.ChainPosition,
		FailureReason:   s.FailureReason,
		RetryCount:      s.RetryCount,
		ArtifactBytes:   len(s.ProofArtifact),
		TransactionHash: s.TransactionHash,
		ContractAddress: s.ContractAddress,
		SubmittedHeight: s.SubmittedHeight,
		ChainStatus:     string(s.ChainStatus),
		CreatedAt:       formatTime(s.CreatedAt),
		UpdatedAt:       formatTime(s.UpdatedAt),
	}
}

func newSubmissionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "submission", Short: "Submit, review and inspect image submissions"}
	cmd.AddCommand(newSubmissionSubmitCmd(a), newSubmissionReviewCmd(a), newSubmissionGetCmd(a))
	return cmd
}

func newSubmissionSubmitCmd(a *app) *cobra.Command {
	var (
		req       intake.SubmitRequest
		imagePath string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Upload a signed image into a challenge chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(imagePath)
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			req.Image = data
			svc, err := a.intake(cmd.Context())
			if err != nil {
				return err
			}
			sub, err := svc.Submit(cmd.Context(), req)
			if err != nil {
				if sub.SHA256 != "" {
					_ = printJSON(cmd.OutOrStdout(), newSubmissionView(sub))
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), newSubmissionView(sub))
		},
	}
	f := cmd.Flags()
	f.StringVar(&imagePath, "image", "", "path to the image file")
	f.StringVar(&req.ContentType, "content-type", "application/octet-stream", "image content type")
	f.StringVar(&req.SHA256, "sha256", "", "expected image digest (hex)")
	f.StringVar(&req.PublicKey, "public-key", "", "signer public key (hex)")
	f.StringVar(&req.Signature, "signature", "", "signature over the image commitment (hex)")
	f.StringVar(&req.WalletAddress, "wallet", "", "wallet address (defaults to the key's address)")
	f.Int64Var(&req.ChainID, "chain", 0, "target chain id")
	_ = cmd.MarkFlagRequired("image")
	_ = cmd.MarkFlagRequired("public-key")
	_ = cmd.MarkFlagRequired("signature")
	_ = cmd.MarkFlagRequired("chain")
	return cmd
}

func newSubmissionReviewCmd(a *app) *cobra.Command {
	var (
		approve, reject bool
		reason          string
	)
	cmd := &cobra.Command{
		Use:   "review <sha256>",
		Short: "Approve or reject a submission awaiting review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.intake(cmd.Context())
			if err != nil {
				return err
			}
			sub, err := svc.Review(cmd.Context(), args[0], intake.Decision{Approve: approve && !reject, Reason: reason})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), newSubmissionView(sub))
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve and queue proof generation")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the submission")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	cmd.MarkFlagsMutuallyExclusive("approve", "reject")
	cmd.MarkFlagsOneRequired("approve", "reject")
	return cmd
}

func newSubmissionGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <sha256>",
		Short: "Show a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			be, err := a.backend(cmd.Context())
			if err != nil {
				return err
			}
			sub, err := be.Submissions.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), newSubmissionView(sub))
		},
	}
}
