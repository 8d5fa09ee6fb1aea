package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DriverKafka   = "kafka"
	DriverStdio   = "stdio"
	DriverDiscard = "discard"
)

const (
	envKafkaTLS = "PROOFPIPE_EVENTS_KAFKA_TLS"

	eventVersion = "proofpipe.event.v1"
	alertVersion = "ops.alert.v1"

	DefaultTopic      = "proofpipe.events"
	DefaultAlertTopic = "proofpipe.alerts"
)

var ErrInvalidConfig = errors.New("events: invalid config")

type Kind string

const (
	KindSubmissionComplete Kind = "submission.complete"
	KindSubmissionRejected Kind = "submission.rejected"
	KindSubmissionFailed   Kind = "submission.failed"
	KindChallengeActive    Kind = "challenge.active"
	KindChallengeFailed    Kind = "challenge.deployment_failed"
)

// Event is a pipeline notification. Fields that do not apply to the kind are omitted.
type Event struct {
	Kind            Kind
	SHA256          string
	ChallengeID     int64
	Status          string
	Reason          string
	TransactionHash string
	ContractAddress string
	At              time.Time
}

type eventJSON struct {
	Version         string `json:"version"`
	Kind            Kind   `json:"kind"`
	SHA256          string `json:"sha256Hash,omitempty"`
	ChallengeID     int64  `json:"challengeId,omitempty"`
	Status          string `json:"status,omitempty"`
	Reason          string `json:"reason,omitempty"`
	TransactionHash string `json:"transactionHash,omitempty"`
	ContractAddress string `json:"contractAddress,omitempty"`
	At              string `json:"at"`
}

func EncodeEvent(e Event) ([]byte, error) {
	if strings.TrimSpace(string(e.Kind)) == "" {
		return nil, errors.New("events: kind is required")
	}
	return json.Marshal(eventJSON{
		Version:         eventVersion,
		Kind:            e.Kind,
		SHA256:          e.SHA256,
		ChallengeID:     e.ChallengeID,
		Status:          e.Status,
		Reason:          e.Reason,
		TransactionHash: e.TransactionHash,
		ContractAddress: e.ContractAddress,
		At:              e.At.UTC().Format(time.RFC3339Nano),
	})
}

// Alert is an operator-facing signal raised by the monitor.
type Alert struct {
	Source  string
	Name    string
	Message string
	Fields  map[string]any
	At      time.Time
}

func EncodeAlert(a Alert) ([]byte, error) {
	if strings.TrimSpace(a.Name) == "" {
		return nil, errors.New("events: alert name is required")
	}
	return json.Marshal(struct {
		Version string         `json:"version"`
		Source  string         `json:"source"`
		Name    string         `json:"name"`
		Message string         `json:"message"`
		Fields  map[string]any `json:"fields,omitempty"`
		At      string         `json:"at"`
	}{
		Version: alertVersion,
		Source:  a.Source,
		Name:    a.Name,
		Message: a.Message,
		Fields:  a.Fields,
		At:      a.At.UTC().Format(time.RFC3339Nano),
	})
}

// Publisher writes raw payloads to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

type PublisherConfig struct {
	Driver string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration

	// Stdio fields.
	Writer io.Writer
}

func NewPublisher(cfg PublisherConfig) (Publisher, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaPublisher(cfg)
	case DriverStdio:
		return newStdioPublisher(cfg), nil
	case DriverDiscard:
		return discardPublisher{}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverDiscard
	}
	return v
}

func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeList(strings.Split(s, ","))
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func kafkaTLSEnabled() bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

type kafkaPublisher struct {
	writer *kafka.Writer
}

func newKafkaPublisher(cfg PublisherConfig) (Publisher, error) {
	brokers := normalizeList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka publisher requires at least one broker", ErrInvalidConfig)
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if kafkaTLSEnabled() {
		writer.Transport = &kafka.Transport{
			TLS: &tls.Config{MinVersion: tls.VersionTLS12},
		}
	}
	return &kafkaPublisher{writer: writer}, nil
}

func (p *kafkaPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("events: topic is required")
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Value: payload})
}

func (p *kafkaPublisher) Close() error {
	return p.writer.Close()
}

type stdioPublisher struct {
	w io.Writer
	m sync.Mutex
}

func newStdioPublisher(cfg PublisherConfig) Publisher {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioPublisher{w: w}
}

func (p *stdioPublisher) Publish(_ context.Context, _ string, payload []byte) error {
	p.m.Lock()
	defer p.m.Unlock()

	if _, err := p.w.Write(payload); err != nil {
		return err
	}
	_, err := p.w.Write([]byte("\n"))
	return err
}

func (p *stdioPublisher) Close() error { return nil }

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, string, []byte) error { return nil }
func (discardPublisher) Close() error                                  { return nil }
