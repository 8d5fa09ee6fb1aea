package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/provenance-labs/proofpipe/internal/chain/graphql"
	"github.com/provenance-labs/proofpipe/internal/txmonitor"
)

func newMonitorCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "monitor", Short: "Reconcile tracked transactions against the chain"}
	cmd.AddCommand(newMonitorRunCmd(a))
	return cmd
}

func newMonitorRunCmd(a *app) *cobra.Command {
	var (
		cfg                   txmonitor.Config
		daemonURL, archiveURL string
		feedback              bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one monitor pass and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(daemonURL) == "" || strings.TrimSpace(archiveURL) == "" {
				return fmt.Errorf("--daemon-graphql-url and --archive-graphql-url are required")
			}
			reader, err := graphql.New(daemonURL, archiveURL)
			if err != nil {
				return err
			}
			be, err := a.backend(cmd.Context())
			if err != nil {
				return err
			}
			var opts []txmonitor.Option
			if feedback {
				opts = append(opts, txmonitor.WithFeedback(be.Submissions))
			}
			monitor, err := txmonitor.New(cfg, reader, be.Submissions, be.Challenges, a.log, opts...)
			if err != nil {
				return err
			}
			svc, err := a.admin(cmd.Context(), 0)
			if err != nil {
				return err
			}
			rep, err := svc.WithMonitor(monitor).RunMonitor(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
	f := cmd.Flags()
	f.StringVar(&daemonURL, "daemon-graphql-url", "", "chain daemon GraphQL endpoint")
	f.StringVar(&archiveURL, "archive-graphql-url", "", "archive GraphQL endpoint")
	f.Int64Var(&cfg.WaitBlocks, "wait-blocks", txmonitor.DefaultWaitBlocks, "confirmations before a transaction is final")
	f.Int64Var(&cfg.AbandonmentBlocks, "abandonment-blocks", txmonitor.DefaultAbandonmentBlocks, "blocks without inclusion before a transaction is abandoned")
	f.Int64Var(&cfg.LookbackBlocks, "lookback-blocks", txmonitor.DefaultLookbackBlocks, "blocks of history to reconcile")
	f.IntVar(&cfg.SampleSize, "sample-size", txmonitor.DefaultSampleSize, "hashes listed per class")
	f.BoolVar(&feedback, "feedback", false, "record final and abandoned classifications on submissions")
	return cmd
}
