package events

import (
	"context"
	"io"
	"log/slog"
	"time"
)

const defaultPublishTimeout = 5 * time.Second

type NotifierConfig struct {
	Topic      string
	AlertTopic string
	Source     string
	// PublishTimeout bounds each publish. The caller's context is not used
	// for cancellation so a finishing job still gets its notification out.
	PublishTimeout time.Duration
}

// Notifier is a best-effort side channel: failures are logged and dropped.
type Notifier struct {
	cfg NotifierConfig
	pub Publisher
	log *slog.Logger
	now func() time.Time
}

func NewNotifier(cfg NotifierConfig, pub Publisher, log *slog.Logger) *Notifier {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.AlertTopic == "" {
		cfg.AlertTopic = DefaultAlertTopic
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if pub == nil {
		pub = discardPublisher{}
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Notifier{cfg: cfg, pub: pub, log: log, now: time.Now}
}

// Notify publishes e. It never returns an error.
func (n *Notifier) Notify(ctx context.Context, e Event) {
	if n == nil {
		return
	}
	if e.At.IsZero() {
		e.At = n.now()
	}
	payload, err := EncodeEvent(e)
	if err != nil {
		n.log.Warn("notify: encode", "kind", e.Kind, "err", err)
		return
	}
	n.publish(ctx, n.cfg.Topic, payload, "kind", string(e.Kind))
}

// Alert publishes an ops alert. Like Notify it never returns an error.
func (n *Notifier) Alert(ctx context.Context, a Alert) {
	if n == nil {
		return
	}
	if a.At.IsZero() {
		a.At = n.now()
	}
	if a.Source == "" {
		a.Source = n.cfg.Source
	}
	payload, err := EncodeAlert(a)
	if err != nil {
		n.log.Warn("alert: encode", "name", a.Name, "err", err)
		return
	}
	n.log.Warn("alert", "name", a.Name, "message", a.Message)
	n.publish(ctx, n.cfg.AlertTopic, payload, "alert", a.Name)
}

func (n *Notifier) publish(ctx context.Context, topic string, payload []byte, attrs ...any) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.cfg.PublishTimeout)
	defer cancel()

	if err := n.pub.Publish(pctx, topic, payload); err != nil {
		n.log.Warn("notification dropped", append(attrs, "topic", topic, "err", err)...)
	}
}
