package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/provenance-labs/proofpipe/internal/admin"
	"github.com/provenance-labs/proofpipe/internal/backend"
	"github.com/provenance-labs/proofpipe/internal/events"
	"github.com/provenance-labs/proofpipe/internal/intake"
	"github.com/provenance-labs/proofpipe/internal/objectstore"
	"github.com/provenance-labs/proofpipe/internal/settle"
)

const envPrefix = "PROOFPIPE"

// app holds what subcommands share. Stores are opened on first use so
// commands that never touch them do not need a database.
type app struct {
	v      *viper.Viper
	log    *slog.Logger
	errOut io.Writer

	be        *backend.Backend
	images    objectstore.Store
	publisher events.Publisher
}

func (a *app) close() {
	if a.publisher != nil {
		_ = a.publisher.Close()
		a.publisher = nil
	}
	if a.be != nil {
		a.be.Close()
		a.be = nil
	}
}

func newRootCmd(a *app) *cobra.Command {
	v := viper.New()
	a.v = v

	root := &cobra.Command{
		Use:           "proofctl",
		Short:         "Operate the image proof pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadConfig(v); err != nil {
				return err
			}
			a.errOut = cmd.ErrOrStderr()
			opts := &slog.HandlerOptions{Level: slog.LevelInfo}
			if v.GetBool("log-json") {
				a.log = slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), opts))
			} else {
				a.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), opts))
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (default ./proofctl.yaml when present)")
	pf.String("store-driver", backend.DriverPostgres, "store driver: postgres|memory")
	pf.String("postgres-dsn", "", "Postgres DSN")
	pf.String("image-driver", objectstore.DriverS3, "image store driver: s3|memory")
	pf.String("image-bucket", "", "S3 bucket holding uploaded images")
	pf.String("image-prefix", "", "key prefix inside the image bucket")
	pf.String("events-driver", events.DriverDiscard, "notification driver: kafka|stdio|discard")
	pf.String("events-brokers", "", "comma-separated kafka brokers")
	pf.String("events-topic", events.DefaultTopic, "notification topic")
	pf.Bool("log-json", false, "log as JSON")
	_ = v.BindPFlags(pf)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root.AddCommand(
		newJobCmd(a),
		newStatsCmd(a),
		newFailedCmd(a),
		newMaintainCmd(a),
		newChallengeCmd(a),
		newSubmissionCmd(a),
		newMonitorCmd(a),
	)
	return root
}

func loadConfig(v *viper.Viper) error {
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
	v.SetConfigName("proofctl")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func (a *app) backend(ctx context.Context) (*backend.Backend, error) {
	if a.be != nil {
		return a.be, nil
	}
	be, err := backend.Open(ctx, backend.Config{
		Driver:      a.v.GetString("store-driver"),
		PostgresDSN: a.v.GetString("postgres-dsn"),
	})
	if err != nil {
		return nil, err
	}
	a.be = be
	return be, nil
}

// adminNeeds selects the optional collaborators of the operator service.
// Each one opens the image store or the notification publisher.
type adminNeeds uint8

const (
	needDeploys adminNeeds = 1 << iota
	needSettler
)

// admin builds the operator service with only what the command uses.
func (a *app) admin(ctx context.Context, needs adminNeeds) (*admin.Service, error) {
	be, err := a.backend(ctx)
	if err != nil {
		return nil, err
	}
	var deploys admin.DeploymentRequester
	if needs&needDeploys != 0 {
		in, err := a.intake(ctx)
		if err != nil {
			return nil, err
		}
		deploys = in
	}
	svc, err := admin.New(be.Queue, be.Challenges, deploys, a.log)
	if err != nil {
		return nil, err
	}
	if needs&needSettler != 0 {
		images, err := a.imageStore(ctx)
		if err != nil {
			return nil, err
		}
		notifier, err := a.notifier()
		if err != nil {
			return nil, err
		}
		settler, err := settle.New(be.Submissions, be.Challenges, images, notifier, a.log)
		if err != nil {
			return nil, err
		}
		svc.WithSettler(settler)
	}
	return svc, nil
}

func (a *app) intake(ctx context.Context) (*intake.Service, error) {
	be, err := a.backend(ctx)
	if err != nil {
		return nil, err
	}
	images, err := a.imageStore(ctx)
	if err != nil {
		return nil, err
	}
	notifier, err := a.notifier()
	if err != nil {
		return nil, err
	}
	return intake.New(intake.Config{}, be.Submissions, be.Challenges, images, be.Queue, notifier, a.log)
}

func (a *app) imageStore(ctx context.Context) (objectstore.Store, error) {
	if a.images != nil {
		return a.images, nil
	}
	images, err := objectstore.Open(ctx, objectstore.Config{
		Driver: a.v.GetString("image-driver"),
		Bucket: a.v.GetString("image-bucket"),
		Prefix: a.v.GetString("image-prefix"),
	})
	if err != nil {
		return nil, err
	}
	a.images = images
	return images, nil
}

func (a *app) notifier() (*events.Notifier, error) {
	if a.publisher == nil {
		pub, err := events.NewPublisher(events.PublisherConfig{
			Driver:  a.v.GetString("events-driver"),
			Brokers: events.SplitCommaList(a.v.GetString("events-brokers")),
			Writer:  a.errOut,
		})
		if err != nil {
			return nil, err
		}
		a.publisher = pub
	}
	return events.NewNotifier(events.NotifierConfig{Topic: a.v.GetString("events-topic"), Source: "proofctl"}, a.publisher, a.log), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
