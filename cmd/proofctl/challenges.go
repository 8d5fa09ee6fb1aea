package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/provenance-labs/proofpipe/internal/challenge"
)

type challengeView struct {
	ID               int64  `json:"id"`
	Title            string `json:"title"`
	StartTime        string `json:"start_time"`
	EndTime          string `json:"end_time"`
	ParticipantCount int64  `json:"participant_count"`
	DeploymentStatus string `json:"deployment_status"`
	ContractAddress  string `json:"contract_address,omitempty"`
	DeploymentTxHash string `json:"deployment_tx_hash,omitempty"`
	DeploymentHeight int64  `json:"deployment_height,omitempty"`
	FailureReason    string `json:"failure_reason,omitempty"`
	RetryCount       int    `json:"retry_count"`
	ChainID          int64  `json:"chain_id,omitempty"`
}

func newChallengeView(c challenge.Challenge) challengeView {
	return challengeView{
		ID:               c.ID,
		Title:            c.Title,
		StartTime:        formatTime(c.StartTime),
		EndTime:          formatTime(c.EndTime),
		ParticipantCount: c.ParticipantCount,
		DeploymentStatus: string(c.DeploymentStatus),
		ContractAddress:  c.ContractAddress,
		DeploymentTxHash: c.DeploymentTxHash,
		DeploymentHeight: c.DeploymentHeight,
		FailureReason:    c.DeploymentFailureReason,
		RetryCount:       c.DeploymentRetryCount,
	}
}

func parseChallengeID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid challenge id %q", raw)
	}
	return id, nil
}

func newChallengeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "challenge", Short: "Manage challenges and their contract deployments"}
	cmd.AddCommand(newChallengeCreateCmd(a), newChallengeGetCmd(a), newChallengeDeployCmd(a), newChallengeResetCmd(a))
	return cmd
}

func newChallengeCreateCmd(a *app) *cobra.Command {
	var title, start, end string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a challenge and queue its contract deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := challenge.NewChallenge{Title: title}
			var err error
			if in.StartTime, err = time.Parse(time.RFC3339, strings.TrimSpace(start)); err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			if in.EndTime, err = time.Parse(time.RFC3339, strings.TrimSpace(end)); err != nil {
				return fmt.Errorf("invalid --end: %w", err)
			}
			svc, err := a.intake(cmd.Context())
			if err != nil {
				return err
			}
			c, ch, err := svc.CreateChallenge(cmd.Context(), in)
			if err != nil {
				return err
			}
			view := newChallengeView(c)
			view.ChainID = ch.ID
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "challenge title")
	cmd.Flags().StringVar(&start, "start", "", "submission window start (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "submission window end (RFC3339)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func newChallengeGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <challenge-id>",
		Short: "Show a challenge and its deployment state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseChallengeID(args[0])
			if err != nil {
				return err
			}
			be, err := a.backend(cmd.Context())
			if err != nil {
				return err
			}
			c, err := be.Challenges.GetChallenge(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), newChallengeView(c))
		},
	}
}

func newChallengeDeployCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy <challenge-id>",
		Short: "Queue the contract deployment of a pending challenge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseChallengeID(args[0])
			if err != nil {
				return err
			}
			svc, err := a.intake(cmd.Context())
			if err != nil {
				return err
			}
			job, err := svc.RequestDeployment(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), newJobView(job))
		},
	}
}

func newChallengeResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <challenge-id>",
		Short: "Return a deployment_failed challenge to pending_deployment and redeploy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseChallengeID(args[0])
			if err != nil {
				return err
			}
			svc, err := a.admin(cmd.Context(), needDeploys)
			if err != nil {
				return err
			}
			c, job, err := svc.ResetChallenge(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				Challenge challengeView `json:"challenge"`
				Job       jobView       `json:"job"`
			}{newChallengeView(c), newJobView(job)})
		},
	}
}
