package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/provenance-labs/proofpipe/internal/jobkey"
	"github.com/provenance-labs/proofpipe/internal/jobqueue"
)

type jobView struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	State          string          `json:"state"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Attempt        int             `json:"attempt"`
	RetryLimit     int             `json:"retry_limit"`
	LastError      string          `json:"last_error,omitempty"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StartAfter     string          `json:"start_after,omitempty"`
	ExpireAt       string          `json:"expire_at,omitempty"`
	CreatedAt      string          `json:"created_at,omitempty"`
	CompletedAt    string          `json:"completed_at,omitempty"`
	Created        *bool           `json:"created,omitempty"`
}

func newJobView(j jobqueue.Job) jobView {
	return jobView{
		ID:             j.ID.String(),
		Queue:          j.Queue,
		State:          j.State.String(),
		IdempotencyKey: j.IdempotencyKey,
		Attempt:        j.Attempt(),
		RetryLimit:     j.RetryLimit,
		LastError:      j.LastError,
		LeaseOwner:     j.LeaseOwner,
		Payload:        j.Payload,
		StartAfter:     formatTime(j.StartAfter),
		ExpireAt:       formatTime(j.ExpireAt),
		CreatedAt:      formatTime(j.CreatedAt),
		CompletedAt:    formatTime(j.CompletedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func newJobCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Inspect and repair individual jobs"}
	cmd.AddCommand(newJobEnqueueCmd(a), newJobGetCmd(a), newJobRetryCmd(a), newJobCancelCmd(a), newJobSettleCmd(a))
	return cmd
}

func newJobEnqueueCmd(a *app) *cobra.Command {
	var (
		payloadFile string
		key         string
		payloadKey  bool
	)
	cmd := &cobra.Command{
		Use:   "enqueue <queue> [payload-json]",
		Short: "Validate and enqueue a job payload",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := args[0]
			payload, err := readPayload(args[1:], payloadFile)
			if err != nil {
				return err
			}
			if payloadKey {
				if key != "" {
					return fmt.Errorf("--key and --payload-key are mutually exclusive")
				}
				key = jobkey.PayloadKeyV1(queue, payload)
			}
			svc, err := a.admin(cmd.Context(), 0)
			if err != nil {
				return err
			}
			job, created, err := svc.Enqueue(cmd.Context(), queue, payload, key)
			if err != nil {
				return err
			}
			view := newJobView(job)
			view.Created = &created
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "read the payload from this file")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (defaults to the queue's natural key)")
	cmd.Flags().BoolVar(&payloadKey, "payload-key", false, "derive the idempotency key from the payload bytes")
	return cmd
}

func readPayload(args []string, file string) ([]byte, error) {
	switch {
	case len(args) > 0 && file != "":
		return nil, fmt.Errorf("pass the payload inline or with --payload-file, not both")
	case len(args) > 0:
		return []byte(strings.TrimSpace(args[0])), nil
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		return []byte(strings.TrimSpace(string(b))), nil
	default:
		return nil, fmt.Errorf("missing payload")
	}
}

func parseJobID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("invalid job id %q: %w", raw, err)
	}
	return id, nil
}

func newJobGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <queue> <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[1])
			if err != nil {
				return err
			}
			svc, err := a.admin(cmd.Context(), 0)
			if err != nil {
				return err
			}
			job, err := svc.Job(cmd.Context(), args[0], id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), newJobView(job))
		},
	}
}

func newJobRetryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Requeue a job that reached a final state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			svc, err := a.admin(cmd.Context(), 0)
			if err != nil {
				return err
			}
			job, err := svc.Retry(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), newJobView(job))
		},
	}
}

func newJobSettleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "settle <queue> <job-id>",
		Short: "Fail the submission or challenge behind an expired or failed job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[1])
			if err != nil {
				return err
			}
			svc, err := a.admin(cmd.Context(), needSettler)
			if err != nil {
				return err
			}
			job, err := svc.SettleJob(cmd.Context(), args[0], id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), newJobView(job))
		},
	}
}

func newJobCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			svc, err := a.admin(cmd.Context(), 0)
			if err != nil {
				return err
			}
			job, err := svc.Cancel(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), newJobView(job))
		},
	}
}

type statsView struct {
	Queue     string `json:"queue"`
	Created   int    `json:"created"`
	Retry     int    `json:"retry"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Expired   int    `json:"expired"`
	Cancelled int    `json:"cancelled"`
	Failed    int    `json:"failed"`
	Total     int    `json:"total"`
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [queue...]",
		Short: "Count jobs per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.admin(cmd.Context(), 0)
			if err != nil {
				return err
			}
			stats, err := svc.Stats(cmd.Context(), args...)
			if err != nil {
				return err
			}
			out := make([]statsView, 0, len(stats))
			for _, s := range stats {
				out = append(out, statsView{
					Queue:     s.Queue,
					Created:   s.Created,
					Retry:     s.Retry,
					Active:    s.Active,
					Completed: s.Completed,
					Expired:   s.Expired,
					Cancelled: s.Cancelled,
					Failed:    s.Failed,
					Total:     s.Total(),
				})
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newFailedCmd(a *app) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "failed <queue>",
		Short: "List failed jobs, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.admin(cmd.Context(), 0)
			if err != nil {
				return err
			}
			jobs, err := svc.Failed(cmd.Context(), args[0], limit, offset)
			if err != nil {
				return err
			}
			out := make([]jobView, 0, len(jobs))
			for _, j := range jobs {
				out = append(out, newJobView(j))
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max jobs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "jobs to skip")
	return cmd
}

func newMaintainCmd(a *app) *cobra.Command {
	var policy jobqueue.MaintenancePolicy
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Expire overdue jobs, reclaim stale leases, settle what they abandon and archive old jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.admin(cmd.Context(), needSettler)
			if err != nil {
				return err
			}
			res, err := svc.Maintain(cmd.Context(), policy)
			if err != nil && res.Empty() {
				return err
			}
			if perr := printJSON(cmd.OutOrStdout(), map[string]int{
				"expired":   res.Expired,
				"reclaimed": res.Reclaimed,
				"abandoned": len(res.Abandoned),
				"archived":  res.Archived,
				"deleted":   res.Deleted,
			}); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&policy.Queue, "queue", "", "limit expiry and reclaim to one queue (default every queue)")
	cmd.Flags().DurationVar(&policy.ArchiveAfter, "archive-after", jobqueue.DefaultArchiveAfter, "archive finished jobs older than this")
	cmd.Flags().DurationVar(&policy.DeleteAfter, "delete-after", jobqueue.DefaultDeleteAfter, "delete archived jobs older than this")
	return cmd
}
