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
	"github.com/provenance-labs/proofpipe/internal/deployworker"
	"github.com/provenance-labs/proofpipe/internal/events"
	"github.com/provenance-labs/proofpipe/internal/jobkey"
	"github.com/provenance-labs/proofpipe/internal/jobqueue"
	"github.com/provenance-labs/proofpipe/internal/secrets"
	"github.com/provenance-labs/proofpipe/internal/settle"
	"github.com/provenance-labs/proofpipe/internal/zkexec"
)

func main() {
	var (
		storeDriver = flag.String("store-driver", backend.DriverPostgres, "store driver: postgres (memory is process-local and rejected here; use proofctl for single-process runs)")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")
		owner       = flag.String("owner", "", "unique worker instance id (required)")

		pollInterval = flag.Duration("poll-interval", 5*time.Second, "queue poll interval")
		jobTimeout   = flag.Duration("job-timeout", 15*time.Minute, "per deployment timeout")

		maintainInterval = flag.Duration("maintain-interval", time.Minute, "expire and settle abandoned jobs at this interval (0 disables)")

		deployerBin    = flag.String("deployer-bin", "", "deployer binary (required)")
		deployMaxBytes = flag.Int("deployer-max-response-bytes", 1<<20, "max response bytes from the deployer")
		secretsDriver  = flag.String("secrets-driver", secrets.ProviderAWS, "secrets driver: aws|env|file")
		secretsDir     = flag.String("secrets-dir", "", "directory for --secrets-driver=file")
		feePayerSecret = flag.String("fee-payer-secret", "", "secret holding the hex fee payer key (required)")

		eventsDriver  = flag.String("events-driver", events.DriverKafka, "notification driver: kafka|stdio|discard")
		eventsBrokers = flag.String("events-brokers", "", "comma-separated kafka brokers")
		eventsTopic   = flag.String("events-topic", events.DefaultTopic, "notification topic")

		metricsAddr = flag.String("metrics-addr", "", "serve prometheus metrics on this address")
		logJSON     = flag.Bool("log-json", false, "log as JSON")
	)
	flag.Parse()

	log := newLogger(*logJSON)
	if strings.TrimSpace(*owner) == "" || strings.TrimSpace(*deployerBin) == "" || strings.TrimSpace(*feePayerSecret) == "" {
		fmt.Fprintln(os.Stderr, "error: --owner, --deployer-bin and --fee-payer-secret are required")
		os.Exit(2)
	}
	if *pollInterval <= 0 || *jobTimeout <= 0 || *deployMaxBytes <= 0 || *maintainInterval < 0 {
		fmt.Fprintln(os.Stderr, "error: --poll-interval, --job-timeout and --deployer-max-response-bytes must be > 0 and --maintain-interval >= 0")
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

	provider, err := secrets.New(ctx, *secretsDriver, *secretsDir)
	if err != nil {
		log.Error("init secrets provider", "err", err)
		os.Exit(2)
	}
	deployer, err := zkexec.New(*deployerBin, *deployMaxBytes)
	if err != nil {
		log.Error("init deployer client", "err", err)
		os.Exit(2)
	}
	defer deployer.Close()

	pub, err := events.NewPublisher(events.PublisherConfig{Driver: *eventsDriver, Brokers: events.SplitCommaList(*eventsBrokers), Writer: os.Stdout})
	if err != nil {
		log.Error("init notification publisher", "err", err)
		os.Exit(2)
	}
	defer func() { _ = pub.Close() }()
	notifier := events.NewNotifier(events.NotifierConfig{Topic: *eventsTopic, Source: "contract-deployer"}, pub, log)

	handler, err := deployworker.New(deployworker.Config{FeePayerSecret: *feePayerSecret}, be.Challenges, deployer, provider, notifier, log)
	if err != nil {
		log.Error("init deployment handler", "err", err)
		os.Exit(2)
	}
	settler, err := settle.New(be.Submissions, be.Challenges, nil, notifier, log)
	if err != nil {
		log.Error("init settler", "err", err)
		os.Exit(2)
	}
	// Deployments share one fee payer: the queue runs one job at a time
	// across every replica.
	worker, err := jobqueue.NewWorker(jobqueue.WorkerConfig{
		Queue:            jobkey.QueueContractDeploy,
		Owner:            *owner,
		Exclusive:        true,
		PollInterval:     *pollInterval,
		JobTimeout:       *jobTimeout,
		MaintainInterval: *maintainInterval,
		OnAbandoned:      settler.Abandoned,
	}, be.Queue, log)
	if err != nil {
		log.Error("init worker", "err", err)
		os.Exit(2)
	}

	backend.ServeMetrics(ctx, *metricsAddr, log)
	log.Info("contract-deployer started", "owner", *owner)
	if err := worker.Run(ctx, handler.Handle); err != nil {
		log.Error("contract-deployer stopped", "err", err)
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
