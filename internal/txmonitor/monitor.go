// Package txmonitor reconciles locally recorded transactions against the
// archive and reports how far each one has progressed toward finality.
// It is an observability pass: it never changes pipeline state, apart from
// the optional chain status feedback on submissions.
package txmonitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/provenance-labs/proofpipe/internal/chain"
	"github.com/provenance-labs/proofpipe/internal/events"
	"github.com/provenance-labs/proofpipe/internal/leases"
	"github.com/provenance-labs/proofpipe/internal/submission"
)

const (
	DefaultWaitBlocks            int64 = 15
	DefaultAbandonmentBlocks     int64 = 15
	DefaultLookbackBlocks        int64 = 100
	DefaultSampleSize                  = 5
	DefaultPendingAlertThreshold       = 10
)

var ErrInvalidConfig = errors.New("txmonitor: invalid config")

type SubmissionSource interface {
	ListTracked(ctx context.Context, minHeight int64) ([]chain.TxRecord, error)
}

type DeploymentSource interface {
	ListDeployed(ctx context.Context, minHeight int64) ([]chain.TxRecord, error)
}

// Feedback stores a classification on the submission that owns the hash.
// Implementations must tolerate repeated calls with the same status.
type Feedback interface {
	RecordChainStatus(ctx context.Context, txHash string, status chain.TxStatus) (bool, error)
}

type Alerter interface {
	Alert(ctx context.Context, a events.Alert)
}

// Config holds the finality rules. WaitBlocks and AbandonmentBlocks are taken
// as given, so zero is a valid window: a matched transaction is final at once
// and an unmatched one is abandoned after a single block. Start from
// DefaultConfig for the usual windows. The remaining fields fall back to
// their defaults when zero.
type Config struct {
	WaitBlocks        int64
	AbandonmentBlocks int64
	LookbackBlocks    int64

	// SampleSize bounds the hashes listed per class in a report.
	SampleSize int
	// PendingAlertThreshold raises an alert when more transactions than this
	// are still pending.
	PendingAlertThreshold int
}

func DefaultConfig() Config {
	return Config{
		WaitBlocks:            DefaultWaitBlocks,
		AbandonmentBlocks:     DefaultAbandonmentBlocks,
		LookbackBlocks:        DefaultLookbackBlocks,
		SampleSize:            DefaultSampleSize,
		PendingAlertThreshold: DefaultPendingAlertThreshold,
	}
}

func (c Config) withDefaults() Config {
	if c.LookbackBlocks == 0 {
		c.LookbackBlocks = DefaultLookbackBlocks
	}
	if c.SampleSize == 0 {
		c.SampleSize = DefaultSampleSize
	}
	if c.PendingAlertThreshold == 0 {
		c.PendingAlertThreshold = DefaultPendingAlertThreshold
	}
	return c
}

// Classify applies the finality rules to one tracked transaction. action is
// nil when the archive holds no matching record.
func Classify(cfg Config, height int64, rec chain.TxRecord, action *chain.Action) chain.TxStatus {
	if action != nil {
		if abs(action.DistanceFromMaxHeight) >= cfg.WaitBlocks {
			return chain.TxFinal
		}
		return chain.TxIncluded
	}
	if height-rec.SubmittedHeight > cfg.AbandonmentBlocks {
		return chain.TxAbandoned
	}
	return chain.TxPending
}

// Classification is the outcome for one tracked transaction.
type Classification struct {
	Record chain.TxRecord `json:"-"`
	Kind   chain.TxKind   `json:"kind"`
	Ref    string         `json:"ref"`
	Hash   string         `json:"hash"`
	Status chain.TxStatus `json:"status"`
	// Confirmations is zero unless the archive returned a matching action.
	Confirmations int64 `json:"confirmations,omitempty"`
}

type Report struct {
	Height     int64 `json:"height"`
	FromHeight int64 `json:"fromHeight"`

	Tracked      int                         `json:"tracked"`
	Counts       map[chain.TxStatus]int      `json:"counts"`
	Samples      map[chain.TxStatus][]string `json:"samples"`
	Unclassified int                         `json:"unclassified"`

	Addresses       int      `json:"addresses"`
	FailedAddresses []string `json:"failedAddresses,omitempty"`

	QueryLatency time.Duration `json:"queryLatency"`
	TotalLatency time.Duration `json:"totalLatency"`

	Results []Classification `json:"-"`
}

type Monitor struct {
	cfg Config

	reader      chain.Reader
	submissions SubmissionSource
	deployments DeploymentSource
	feedback    Feedback
	alerter     Alerter
	log         *slog.Logger

	now func() time.Time
}

type Option func(*Monitor)

// WithFeedback writes final and abandoned classifications back to
// submissions.
func WithFeedback(f Feedback) Option {
	return func(m *Monitor) { m.feedback = f }
}

func WithAlerter(a Alerter) Option {
	return func(m *Monitor) { m.alerter = a }
}

func New(cfg Config, reader chain.Reader, submissions SubmissionSource, deployments DeploymentSource, log *slog.Logger, opts ...Option) (*Monitor, error) {
	if reader == nil || submissions == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	cfg = cfg.withDefaults()
	if cfg.WaitBlocks < 0 || cfg.AbandonmentBlocks < 0 || cfg.LookbackBlocks < 0 {
		return nil, fmt.Errorf("%w: block windows must be >= 0", ErrInvalidConfig)
	}
	if cfg.SampleSize < 0 || cfg.PendingAlertThreshold < 0 {
		return nil, fmt.Errorf("%w: sample size and pending threshold must be >= 0", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Monitor{
		cfg:         cfg,
		reader:      reader,
		submissions: submissions,
		deployments: deployments,
		log:         log,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Run performs one reconciliation pass. A failing address leaves its
// transactions unclassified; only a failure to read the height or the local
// records aborts the pass.
func (m *Monitor) Run(ctx context.Context) (Report, error) {
	start := m.now()

	height, err := m.reader.CurrentHeight(ctx)
	if err != nil {
		runFailures.Inc()
		return Report{}, fmt.Errorf("txmonitor: current height: %w", err)
	}
	from := height - m.cfg.LookbackBlocks
	if from < 0 {
		from = 0
	}

	records, err := m.trackedRecords(ctx, from)
	if err != nil {
		runFailures.Inc()
		return Report{}, err
	}

	rep := Report{
		Height:     height,
		FromHeight: from,
		Tracked:    len(records),
		Counts:     make(map[chain.TxStatus]int, 4),
		Samples:    make(map[chain.TxStatus][]string, 4),
	}

	addresses := distinctAddresses(records)
	rep.Addresses = len(addresses)

	queryStart := m.now()
	matched, failed, err := m.queryActions(ctx, addresses, from, height)
	rep.QueryLatency = m.now().Sub(queryStart)
	if err != nil {
		runFailures.Inc()
		return rep, fmt.Errorf("txmonitor: query actions: %w", err)
	}
	for addr := range failed {
		rep.FailedAddresses = append(rep.FailedAddresses, addr)
	}
	sort.Strings(rep.FailedAddresses)

	for _, rec := range records {
		if rec.Address == "" || failed[rec.Address] {
			rep.Unclassified++
			continue
		}
		var action *chain.Action
		if a, ok := matched[rec.Hash]; ok {
			action = &a
		}
		status := Classify(m.cfg, height, rec, action)
		c := Classification{Record: rec, Kind: rec.Kind, Ref: rec.Ref, Hash: rec.Hash, Status: status}
		if action != nil {
			c.Confirmations = abs(action.DistanceFromMaxHeight)
		}
		rep.Results = append(rep.Results, c)
		rep.Counts[status]++
		if len(rep.Samples[status]) < m.cfg.SampleSize {
			rep.Samples[status] = append(rep.Samples[status], rec.Hash)
		}
	}

	m.applyFeedback(ctx, rep.Results)

	rep.TotalLatency = m.now().Sub(start)
	observeReport(rep)
	m.logReport(rep)
	m.raiseAlerts(ctx, rep)
	return rep, nil
}

func (m *Monitor) trackedRecords(ctx context.Context, from int64) ([]chain.TxRecord, error) {
	records, err := m.submissions.ListTracked(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("txmonitor: list submissions: %w", err)
	}
	if m.deployments != nil {
		deployed, err := m.deployments.ListDeployed(ctx, from)
		if err != nil {
			return nil, fmt.Errorf("txmonitor: list deployments: %w", err)
		}
		records = append(records, deployed...)
	}
	return records, nil
}

// queryActions asks the archive about every address and indexes the answers
// by transaction hash. Addresses the archive did not answer for are returned
// in failed.
func (m *Monitor) queryActions(ctx context.Context, addresses []string, from, to int64) (map[string]chain.Action, map[string]bool, error) {
	matched := make(map[string]chain.Action)
	failed := make(map[string]bool)
	if len(addresses) == 0 {
		return matched, failed, nil
	}

	results, err := m.reader.ActionsInRange(ctx, addresses, from, to)
	if err != nil && ctx.Err() != nil {
		return nil, nil, err
	}
	if err != nil {
		// The reader failed as a whole; treat every address as unanswered.
		m.log.Warn("archive query failed", "err", err)
		for _, addr := range addresses {
			failed[addr] = true
		}
		addressFailures.Add(float64(len(addresses)))
		return matched, failed, nil
	}

	answered := make(map[string]bool, len(results))
	for _, r := range results {
		answered[r.Address] = true
		if r.Err != nil {
			failed[r.Address] = true
			addressFailures.Inc()
			m.log.Warn("address query failed, skipping", "address", r.Address, "err", r.Err)
			continue
		}
		for _, a := range r.Actions {
			hash := strings.TrimSpace(a.TransactionHash)
			if hash == "" {
				continue
			}
			if prev, ok := matched[hash]; !ok || abs(a.DistanceFromMaxHeight) > abs(prev.DistanceFromMaxHeight) {
				matched[hash] = a
			}
		}
	}
	for _, addr := range addresses {
		if !answered[addr] {
			failed[addr] = true
			addressFailures.Inc()
			m.log.Warn("archive returned no answer for address", "address", addr)
		}
	}
	return matched, failed, nil
}

func (m *Monitor) applyFeedback(ctx context.Context, results []Classification) {
	if m.feedback == nil {
		return
	}
	for _, c := range results {
		if c.Kind != chain.KindSubmission {
			continue
		}
		if c.Status != chain.TxFinal && c.Status != chain.TxAbandoned {
			continue
		}
		changed, err := m.feedback.RecordChainStatus(ctx, c.Hash, c.Status)
		if err != nil {
			if !errors.Is(err, submission.ErrNotFound) {
				m.log.Warn("record chain status", "tx_hash", c.Hash, "status", c.Status, "err", err)
			}
			continue
		}
		if changed {
			m.log.Info("chain status recorded", "sha256", c.Ref, "tx_hash", c.Hash, "status", c.Status)
		}
	}
}

func (m *Monitor) logReport(rep Report) {
	m.log.Info("tx-monitor report",
		"height", rep.Height,
		"from_height", rep.FromHeight,
		"tracked", rep.Tracked,
		"addresses", rep.Addresses,
		"failed_addresses", len(rep.FailedAddresses),
		"pending", rep.Counts[chain.TxPending],
		"included", rep.Counts[chain.TxIncluded],
		"final", rep.Counts[chain.TxFinal],
		"abandoned", rep.Counts[chain.TxAbandoned],
		"unclassified", rep.Unclassified,
		"query_latency_ms", rep.QueryLatency.Milliseconds(),
		"total_latency_ms", rep.TotalLatency.Milliseconds(),
	)
}

func (m *Monitor) raiseAlerts(ctx context.Context, rep Report) {
	if n := rep.Counts[chain.TxAbandoned]; n > 0 {
		m.log.Error("abandoned transactions", "count", n, "sample", rep.Samples[chain.TxAbandoned])
		m.alert(ctx, events.Alert{
			Name:    "transactions_abandoned",
			Message: fmt.Sprintf("%d transactions not seen on chain within %d blocks", n, m.cfg.AbandonmentBlocks),
			Fields: map[string]any{
				"count":  n,
				"height": rep.Height,
				"sample": rep.Samples[chain.TxAbandoned],
			},
		})
	}
	if n := rep.Counts[chain.TxPending]; n > m.cfg.PendingAlertThreshold {
		m.log.Warn("pending transaction backlog", "count", n, "threshold", m.cfg.PendingAlertThreshold)
		m.alert(ctx, events.Alert{
			Name:    "transactions_pending_backlog",
			Message: fmt.Sprintf("%d transactions pending, threshold %d", n, m.cfg.PendingAlertThreshold),
			Fields: map[string]any{
				"count":     n,
				"threshold": m.cfg.PendingAlertThreshold,
				"height":    rep.Height,
			},
		})
	}
}

func (m *Monitor) alert(ctx context.Context, a events.Alert) {
	if m.alerter != nil {
		m.alerter.Alert(ctx, a)
	}
}

// Loop runs a pass every interval while this replica holds the singleton
// lease. A nil singleton runs unconditionally.
func (m *Monitor) Loop(ctx context.Context, interval time.Duration, singleton *leases.Singleton) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval must be > 0", ErrInvalidConfig)
	}
	if singleton != nil {
		defer func() {
			resignCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := singleton.Resign(resignCtx); err != nil {
				m.log.Warn("resign monitor lease", "err", err)
			}
		}()
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		m.tick(ctx, singleton)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (m *Monitor) tick(ctx context.Context, singleton *leases.Singleton) {
	if singleton != nil {
		leader, err := singleton.Tick(ctx)
		if err != nil {
			m.log.Error("monitor lease tick", "err", err)
			return
		}
		if !leader {
			return
		}
	}
	if _, err := m.Run(ctx); err != nil && ctx.Err() == nil {
		m.log.Error("monitor run", "err", err)
	}
}

func distinctAddresses(records []chain.TxRecord) []string {
	seen := make(map[string]bool)
	var out []string
	for _, rec := range records {
		if rec.Address == "" || seen[rec.Address] {
			continue
		}
		seen[rec.Address] = true
		out = append(out, rec.Address)
	}
	sort.Strings(out)
	return out
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
