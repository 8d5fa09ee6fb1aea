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
	"github.com/provenance-labs/proofpipe/internal/events"
	"github.com/provenance-labs/proofpipe/internal/jobkey"
	"github.com/provenance-labs/proofpipe/internal/jobqueue"
	"github.com/provenance-labs/proofpipe/internal/objectstore"
	"github.com/provenance-labs/proofpipe/internal/proofgen"
	"github.com/provenance-labs/proofpipe/internal/settle"
	"github.com/provenance-labs/proofpipe/internal/zkexec"
)

func main() {
	var (
		storeDriver = flag.String("store-driver", backend.DriverPostgres, "store driver: postgres (memory is process-local and rejected here; use proofctl for single-process runs)")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")
		owner       = flag.String("owner", "", "unique worker instance id (required)")

		concurrency      = flag.Int("concurrency", 4, "proof generation jobs run in parallel")
		pollInterval     = flag.Duration("poll-interval", 2*time.Second, "queue poll interval")
		jobTimeout       = flag.Duration("job-timeout", 10*time.Minute, "per job timeout")
		maintainInterval = flag.Duration("maintain-interval", time.Minute, "expire and settle abandoned jobs at this interval (0 disables)")

		proofBin      = flag.String("proof-bin", "", "proof service binary (required)")
		proofMaxBytes = flag.Int("proof-max-response-bytes", 8<<20, "max response bytes from the proof service")

		imageDriver   = flag.String("image-driver", objectstore.DriverS3, "image store driver: s3|memory")
		imageBucket   = flag.String("image-bucket", "", "S3 bucket holding uploaded images")
		imagePrefix   = flag.String("image-prefix", "", "S3 key prefix")
		maxImageBytes = flag.Int64("max-image-bytes", 32<<20, "largest image accepted")

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
	if *concurrency <= 0 || *pollInterval <= 0 || *jobTimeout <= 0 || *proofMaxBytes <= 0 || *maxImageBytes <= 0 || *maintainInterval < 0 {
		fmt.Fprintln(os.Stderr, "error: --concurrency, --poll-interval, --job-timeout, --proof-max-response-bytes and --max-image-bytes must be > 0")
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

	images, err := objectstore.Open(ctx, objectstore.Config{
		Driver:       *imageDriver,
		Bucket:       *imageBucket,
		Prefix:       *imagePrefix,
		MaxImageSize: *maxImageBytes,
	})
	if err != nil {
		log.Error("init image store", "err", err)
		os.Exit(2)
	}

	prover, err := zkexec.New(*proofBin, *proofMaxBytes)
	if err != nil {
		log.Error("init proof service client", "err", err)
		os.Exit(2)
	}
	defer prover.Close()

	pub, err := events.NewPublisher(events.PublisherConfig{Driver: *eventsDriver, Brokers: events.SplitCommaList(*eventsBrokers), Writer: os.Stdout})
	if err != nil {
		log.Error("init notification publisher", "err", err)
		os.Exit(2)
	}
	defer func() { _ = pub.Close() }()
	notifier := events.NewNotifier(events.NotifierConfig{Topic: *eventsTopic, Source: "proof-generator"}, pub, log)

	handler, err := proofgen.New(proofgen.Config{}, be.Submissions, be.Challenges, images, prover, be.Queue, notifier, log)
	if err != nil {
		log.Error("init proof generation handler", "err", err)
		os.Exit(2)
	}
	settler, err := settle.New(be.Submissions, be.Challenges, images, notifier, log)
	if err != nil {
		log.Error("init settler", "err", err)
		os.Exit(2)
	}
	worker, err := jobqueue.NewWorker(jobqueue.WorkerConfig{
		Queue:            jobkey.QueueProofGeneration,
		Owner:            *owner,
		BatchSize:        *concurrency,
		Concurrency:      *concurrency,
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
	log.Info("proof-generator started", "owner", *owner, "concurrency", *concurrency)
	if err := worker.Run(ctx, handler.Handle); err != nil {
		log.Error("proof-generator stopped", "err", err)
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
