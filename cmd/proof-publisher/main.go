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
	"github.com/provenance-labs/proofpipe/internal/jobkey"
	"github.com/provenance-labs/proofpipe/internal/jobqueue"
	"github.com/provenance-labs/proofpipe/internal/lifetime"
	"github.com/provenance-labs/proofpipe/internal/proofpublish"
	"github.com/provenance-labs/proofpipe/internal/secrets"
	"github.com/provenance-labs/proofpipe/internal/settle"
	"github.com/provenance-labs/proofpipe/internal/zkexec"
)

func main() {
	var (
		storeDriver = flag.String("store-driver", backend.DriverPostgres, "store driver: postgres (memory is process-local and rejected here; use proofctl for single-process runs)")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")
		owner       = flag.String("owner", "", "unique worker instance id (required)")

		pollInterval = flag.Duration("poll-interval", 2*time.Second, "queue poll interval")
		jobTimeout   = flag.Duration("job-timeout", 5*time.Minute, "per job timeout")
		maxJobs      = flag.Int64("max-jobs-before-restart", 0, "exit gracefully after this many jobs so the supervisor restarts the process (0 disables)")

		maintainInterval = flag.Duration("maintain-interval", time.Minute, "expire and settle abandoned jobs at this interval (0 disables)")

		proofBin       = flag.String("proof-bin", "", "proof service binary (required)")
		proofMaxBytes  = flag.Int("proof-max-response-bytes", 1<<20, "max response bytes from the proof service")
		secretsDriver  = flag.String("secrets-driver", secrets.ProviderAWS, "secrets driver: aws|env|file")
		secretsDir     = flag.String("secrets-dir", "", "directory for --secrets-driver=file")
		feePayerSecret = flag.String("fee-payer-secret", "", "secret holding the hex fee payer key (optional)")

		daemonURL  = flag.String("daemon-graphql-url", "", "chain daemon GraphQL endpoint (required)")
		archiveURL = flag.String("archive-graphql-url", "", "archive GraphQL endpoint (required)")

		eventsDriver  = flag.String("events-driver", events.DriverKafka, "notification driver: kafka|stdio|discard")
		eventsBrokers = flag.String("events-brokers", "", "comma-separated kafka brokers")
		eventsTopic   = flag.String("events-topic", events.DefaultTopic, "notification topic")

		metricsAddr = flag.String("metrics-addr", "", "serve prometheus metrics on this address")
		logJSON     = flag.Bool("log-json", false, "log as JSON")
	)
	flag.Parse()

	log := newLogger(*logJSON)
	if strings.TrimSpace(*owner) == "" || strings.TrimSpace(*proofBin) == "" {
		fmt.Fprintln(os.Stderr, "error: --owner and --proof-bin are required")
		os.Exit(2)
	}
	if strings.TrimSpace(*daemonURL) == "" || strings.TrimSpace(*archiveURL) == "" {
		fmt.Fprintln(os.Stderr, "error: --daemon-graphql-url and --archive-graphql-url are required")
		os.Exit(2)
	}
	if *pollInterval <= 0 || *jobTimeout <= 0 || *proofMaxBytes <= 0 || *maxJobs < 0 || *maintainInterval < 0 {
		fmt.Fprintln(os.Stderr, "error: --poll-interval, --job-timeout and --proof-max-response-bytes must be > 0; --max-jobs-before-restart and --maintain-interval must be >= 0")
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

	var opts []zkexec.Option
	if strings.TrimSpace(*feePayerSecret) != "" {
		provider, err := secrets.New(ctx, *secretsDriver, *secretsDir)
		if err != nil {
			log.Error("init secrets provider", "err", err)
			os.Exit(2)
		}
		key, err := secrets.LoadKey(ctx, provider, *feePayerSecret)
		if err != nil {
			log.Error("load fee payer key", "err", err)
			os.Exit(2)
		}
		opts = append(opts, zkexec.WithFeePayerKey(key))
		clear(key)
	}
	prover, err := zkexec.New(*proofBin, *proofMaxBytes, opts...)
	if err != nil {
		log.Error("init proof service client", "err", err)
		os.Exit(2)
	}
	defer prover.Close()

	chainClient, err := graphql.New(*daemonURL, *archiveURL)
	if err != nil {
		log.Error("init chain client", "err", err)
		os.Exit(2)
	}

	pub, err := events.NewPublisher(events.PublisherConfig{Driver: *eventsDriver, Brokers: events.SplitCommaList(*eventsBrokers), Writer: os.Stdout})
	if err != nil {
		log.Error("init notification publisher", "err", err)
		os.Exit(2)
	}
	defer func() { _ = pub.Close() }()
	notifier := events.NewNotifier(events.NotifierConfig{Topic: *eventsTopic, Source: "proof-publisher"}, pub, log)

	// Publishing failures keep the source image, so the settler needs no image store.
	settler, err := settle.New(be.Submissions, be.Challenges, nil, notifier, log)
	if err != nil {
		log.Error("init settler", "err", err)
		os.Exit(2)
	}
	worker, err := jobqueue.NewWorker(jobqueue.WorkerConfig{
		Queue:            jobkey.QueueProofPublishing,
		Owner:            *owner,
		PollInterval:     *pollInterval,
		JobTimeout:       *jobTimeout,
		MaintainInterval: *maintainInterval,
		OnAbandoned:      settler.Abandoned,
	}, be.Queue, log)
	if err != nil {
		log.Error("init worker", "err", err)
		os.Exit(2)
	}
	budget := lifetime.NewBudget(*maxJobs, func() {
		log.Info("job budget reached, shutting down for restart", "max_jobs", *maxJobs)
		worker.Stop()
	})

	handler, err := proofpublish.New(be.Submissions, prover, chainClient, budget, notifier, log)
	if err != nil {
		log.Error("init proof publishing handler", "err", err)
		os.Exit(2)
	}

	backend.ServeMetrics(ctx, *metricsAddr, log)
	log.Info("proof-publisher started", "owner", *owner, "max_jobs_before_restart", *maxJobs)
	if err := worker.Run(ctx, handler.Handle); err != nil {
		log.Error("proof-publisher stopped", "err", err)
		os.Exit(1)
	}
	log.Info("proof-publisher exited", "jobs_processed", budget.Count())
}

func newLogger(json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
