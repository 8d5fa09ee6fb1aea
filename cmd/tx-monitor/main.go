package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/provenance-labs/proofpipe/internal/backend"
	"github.com/provenance-labs/proofpipe/internal/chain/graphql"
	"github.com/provenance-labs/proofpipe/internal/events"
	"github.com/provenance-labs/proofpipe/internal/leases"
	"github.com/provenance-labs/proofpipe/internal/txmonitor"
)

func main() {
	var (
		storeDriver = flag.String("store-driver", backend.DriverPostgres, "store driver: postgres (memory is process-local and rejected here; use proofctl for single-process runs)")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")
		owner       = flag.String("owner", "", "unique monitor instance id (required)")

		interval  = flag.Duration("interval", time.Minute, "time between monitor runs")
		leaseName = flag.String("lease-name", "tx-monitor", "singleton lease name")
		leaseTTL  = flag.Duration("lease-ttl", 3*time.Minute, "singleton lease ttl")
		once      = flag.Bool("once", false, "run a single pass, print the report and exit")

		waitBlocks     = flag.Int64("wait-blocks", txmonitor.DefaultWaitBlocks, "confirmations before a transaction is final")
		abandonBlocks  = flag.Int64("abandonment-blocks", txmonitor.DefaultAbandonmentBlocks, "blocks without inclusion before a transaction is abandoned")
		lookbackBlocks = flag.Int64("lookback-blocks", txmonitor.DefaultLookbackBlocks, "blocks of history to reconcile")
		sampleSize     = flag.Int("sample-size", txmonitor.DefaultSampleSize, "hashes listed per class in the report")
		pendingAlert   = flag.Int("pending-alert-threshold", txmonitor.DefaultPendingAlertThreshold, "alert when more transactions than this are pending")
		feedback       = flag.Bool("feedback", false, "record final and abandoned classifications on submissions")

		daemonURL  = flag.String("daemon-graphql-url", "", "chain daemon GraphQL endpoint (required)")
		archiveURL = flag.String("archive-graphql-url", "", "archive GraphQL endpoint (required)")
		archiveRPS = flag.Float64("archive-rps", 5, "archive requests per second (<= 0 disables the limit)")

		eventsDriver  = flag.String("events-driver", events.DriverKafka, "alert driver: kafka|stdio|discard")
		eventsBrokers = flag.String("events-brokers", "", "comma-separated kafka brokers")
		alertTopic    = flag.String("alert-topic", events.DefaultAlertTopic, "alert topic")

		metricsAddr = flag.String("metrics-addr", "", "serve prometheus metrics on this address")
		logJSON     = flag.Bool("log-json", false, "log as JSON")
	)
	flag.Parse()

	log := newLogger(*logJSON)
	if strings.TrimSpace(*owner) == "" {
		fmt.Fprintln(os.Stderr, "error: --owner is required")
		os.Exit(2)
	}
	if strings.TrimSpace(*daemonURL) == "" || strings.TrimSpace(*archiveURL) == "" {
		fmt.Fprintln(os.Stderr, "error: --daemon-graphql-url and --archive-graphql-url are required")
		os.Exit(2)
	}
	if *interval <= 0 || *leaseTTL <= *interval {
		fmt.Fprintln(os.Stderr, "error: --interval must be > 0 and --lease-ttl must exceed it")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := backend.Open(ctx, backend.Config{Driver: *storeDriver, PostgresDSN: *postgresDSN, Shared: true})
	if err != nil {
		log.Error("open stores", "err", err)
		os.Exit(2)
	}
	defer be.Close()

	chainClient, err := graphql.New(*daemonURL, *archiveURL, graphql.WithRateLimit(*archiveRPS, 5))
	if err != nil {
		log.Error("init chain client", "err", err)
		os.Exit(2)
	}

	pub, err := events.NewPublisher(events.PublisherConfig{Driver: *eventsDriver, Brokers: events.SplitCommaList(*eventsBrokers), Writer: os.Stdout})
	if err != nil {
		log.Error("init alert publisher", "err", err)
		os.Exit(2)
	}
	defer func() { _ = pub.Close() }()
	alerts := events.NewNotifier(events.NotifierConfig{AlertTopic: *alertTopic, Source: "tx-monitor"}, pub, log)

	opts := []txmonitor.Option{txmonitor.WithAlerter(alerts)}
	if *feedback {
		opts = append(opts, txmonitor.WithFeedback(be.Submissions))
	}
	monitor, err := txmonitor.New(txmonitor.Config{
		WaitBlocks:            *waitBlocks,
		AbandonmentBlocks:     *abandonBlocks,
		LookbackBlocks:        *lookbackBlocks,
		SampleSize:            *sampleSize,
		PendingAlertThreshold: *pendingAlert,
	}, chainClient, be.Submissions, be.Challenges, log, opts...)
	if err != nil {
		log.Error("init monitor", "err", err)
		os.Exit(2)
	}

	if *once {
		if _, err := monitor.Run(ctx); err != nil {
			log.Error("monitor run", "err", err)
			os.Exit(1)
		}
		return
	}

	singleton, err := leases.NewSingleton(be.Leases, *leaseName, *owner, *leaseTTL, log)
	if err != nil {
		log.Error("init singleton lease", "err", err)
		os.Exit(2)
	}

	backend.ServeMetrics(ctx, *metricsAddr, log)
	log.Info("tx-monitor started", "owner", *owner, "interval", interval.String())
	if err := monitor.Loop(ctx, *interval, singleton); err != nil {
		log.Error("tx-monitor stopped", "err", err)
		os.Exit(1)
	}
}

func newLogger(json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
