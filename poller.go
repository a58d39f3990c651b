package s3ui

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/Songmu/flextime"
	"github.com/jhurlocker/s3ui/pkg/bucketevent"
	"golang.org/x/sync/errgroup"
)

// PollOption contains configuration for the polling loop.
type PollOption struct {
	Interval           time.Duration `help:"interval between poll cycles" default:"10s" env:"S3UI_POLL_INTERVAL"`
	FetchTimeout       time.Duration `help:"bound on one full bucket listing" default:"60s" env:"S3UI_FETCH_TIMEOUT"`
	ConfigRetryBackoff time.Duration `help:"backoff after a policy read failure" default:"15s" env:"S3UI_CONFIG_RETRY_BACKOFF"`
	ErrorBackoff       time.Duration `help:"backoff after an unexpected cycle failure" default:"60s" env:"S3UI_ERROR_BACKOFF"`
	HeartbeatEvery     int           `help:"emit a heartbeat log line every N cycles" default:"30" env:"S3UI_HEARTBEAT_EVERY"`
}

// FetcherSource yields the current snapshot fetcher. Implementations return
// ErrNotConnected while the storage backend is not reachable or configured.
type FetcherSource interface {
	Fetcher(ctx context.Context) (SnapshotFetcher, error)
}

// monitorState is the poller-owned state for one monitored bucket.
// A bucket absent from the map is unseen; present but not baselined means the
// initial snapshot has not been established yet; baselined means diffs run
// against snapshot each cycle.
type monitorState struct {
	webhookURL string
	snapshot   BucketSnapshot
	baselined  bool
	failures   int
}

// consecutiveFailureWarn is the threshold after which repeated fetch failures
// for one bucket are escalated to a louder log line. Behavior is unchanged:
// the bucket keeps its snapshot and is retried every cycle.
const consecutiveFailureWarn = 3

// Poller is the change-detection loop. It re-reads the policy store every
// cycle, maintains a per-bucket snapshot, diffs fresh listings against it and
// dispatches one notification per detected change.
//
// The states map is created and pruned only on the single loop goroutine;
// during a cycle each bucket's state is touched by exactly one worker.
type Poller struct {
	policies PolicyStore
	source   FetcherSource
	notifier Notifier
	rules    *RulesConfig
	celEnv   *CELEnv
	opt      PollOption

	states map[string]*monitorState
	cycles int
}

// NewPoller creates a poller. Rules are optional; see WithRules.
func NewPoller(policies PolicyStore, source FetcherSource, notifier Notifier, opt PollOption) *Poller {
	if opt.Interval <= 0 {
		opt.Interval = 10 * time.Second
	}
	if opt.FetchTimeout <= 0 {
		opt.FetchTimeout = 60 * time.Second
	}
	if opt.ConfigRetryBackoff <= 0 {
		opt.ConfigRetryBackoff = 15 * time.Second
	}
	if opt.ErrorBackoff <= 0 {
		opt.ErrorBackoff = 60 * time.Second
	}
	return &Poller{
		policies: policies,
		source:   source,
		notifier: notifier,
		opt:      opt,
		states:   make(map[string]*monitorState),
	}
}

// WithRules attaches a delivery-rule configuration.
func (p *Poller) WithRules(rules *RulesConfig, env *CELEnv) *Poller {
	p.rules = rules
	p.celEnv = env
	return p
}

// Run executes poll cycles until the context is cancelled. The loop never
// terminates on its own: every failure mode is logged and followed by a
// backoff appropriate to its class.
func (p *Poller) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "polling loop started", "interval", p.opt.Interval)
	for {
		delay := p.runCycleSafe(ctx)
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "polling loop stopped")
			return nil
		case <-time.After(delay):
		}
	}
}

// runCycleSafe runs one cycle and maps its outcome to the delay before the
// next one. Panics are contained here so a bug in one cycle cannot kill the
// loop.
func (p *Poller) runCycleSafe(ctx context.Context) (delay time.Duration) {
	delay = p.opt.Interval
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "poll cycle panicked", "panic", r, "stack", string(debug.Stack()))
			delay = p.opt.ErrorBackoff
		}
	}()
	err := p.RunCycle(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
	case errors.Is(err, ErrConfigUnavailable):
		slog.WarnContext(ctx, "polling config unavailable, retrying", "error", err)
		delay = p.opt.ConfigRetryBackoff
	case errors.Is(err, ErrNotConnected):
		slog.InfoContext(ctx, "waiting for storage connection to be configured")
	default:
		slog.ErrorContext(ctx, "poll cycle failed", "error", err)
		delay = p.opt.ErrorBackoff
	}
	return delay
}

// RunCycle performs one pass: reconcile the monitored set against the policy
// store, then poll every enabled bucket. Per-bucket problems (fetch or
// delivery failures) are handled inside the bucket step and never fail the
// cycle; only cross-cutting failures (policy store, connection) surface here.
func (p *Poller) RunCycle(ctx context.Context) error {
	policies, err := p.policies.Load(ctx)
	if err != nil {
		return err
	}

	for bucket := range p.states {
		policy, ok := policies[bucket]
		if !ok || !policy.Enabled {
			delete(p.states, bucket)
			slog.InfoContext(ctx, "stopped monitoring bucket", "bucket", bucket)
		}
	}
	enabled := make([]string, 0, len(policies))
	for bucket, policy := range policies {
		if !policy.Enabled {
			continue
		}
		state, ok := p.states[bucket]
		if !ok {
			state = &monitorState{}
			p.states[bucket] = state
		}
		state.webhookURL = policy.WebhookURL
		enabled = append(enabled, bucket)
	}

	p.cycles++
	if p.opt.HeartbeatEvery > 0 && p.cycles%p.opt.HeartbeatEvery == 0 {
		slog.InfoContext(ctx, "polling heartbeat", "active_buckets", len(enabled), "cycles", p.cycles)
	}

	if len(enabled) == 0 {
		return nil
	}

	fetcher, err := p.source.Fetcher(ctx)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, bucket := range enabled {
		state := p.states[bucket]
		eg.Go(func() error {
			p.pollBucket(egCtx, fetcher, bucket, state)
			return nil
		})
	}
	return eg.Wait()
}

// fetchSnapshot bounds one full bucket listing so a stalled backend cannot
// hold a cycle open past the fetch timeout.
func (p *Poller) fetchSnapshot(ctx context.Context, fetcher SnapshotFetcher, bucket string) (BucketSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opt.FetchTimeout)
	defer cancel()
	return fetcher.FetchSnapshot(ctx, bucket)
}

// pollBucket runs the per-bucket state machine step for one cycle.
func (p *Poller) pollBucket(ctx context.Context, fetcher SnapshotFetcher, bucket string, state *monitorState) {
	if !state.baselined {
		snapshot, err := p.fetchSnapshot(ctx, fetcher, bucket)
		if err != nil {
			state.failures++
			p.logFetchFailure(ctx, bucket, state.failures, err)
			return
		}
		state.snapshot = snapshot
		state.baselined = true
		state.failures = 0
		slog.InfoContext(ctx, "now monitoring bucket", "bucket", bucket, "objects", len(snapshot))
		return
	}

	current, err := p.fetchSnapshot(ctx, fetcher, bucket)
	if err != nil {
		// State unknown for this cycle: keep the stored snapshot untouched
		// rather than manufacturing false deletions from a partial listing.
		state.failures++
		p.logFetchFailure(ctx, bucket, state.failures, err)
		return
	}
	events := Diff(bucket, state.snapshot, current, flextime.Now())
	for _, event := range events {
		p.dispatch(ctx, event, state.webhookURL)
	}
	// The fresh snapshot is authoritative regardless of delivery outcomes;
	// missed notifications are not re-delivered.
	state.snapshot = current
	state.failures = 0
}

// dispatch delivers one event, applying delivery rules. Failures are logged
// and never block the remaining events or the cycle.
func (p *Poller) dispatch(ctx context.Context, event *bucketevent.Event, defaultURL string) {
	url, deliver, err := p.rules.Resolve(p.celEnv, event, defaultURL)
	if err != nil {
		slog.WarnContext(ctx, "delivery rule evaluation failed", "event", event.String(), "error", err)
		return
	}
	if !deliver {
		return
	}
	if err := p.notifier.Notify(ctx, url, event); err != nil {
		slog.ErrorContext(ctx, "notification delivery failed",
			"event_type", event.EventType,
			"bucket", event.Bucket,
			"object_key", event.ObjectKey,
			"webhook_url", url,
			"error", err,
		)
	}
}

func (p *Poller) logFetchFailure(ctx context.Context, bucket string, failures int, err error) {
	if failures >= consecutiveFailureWarn {
		slog.WarnContext(ctx, "bucket listing keeps failing, changes may go undetected",
			"bucket", bucket, "consecutive_failures", failures, "error", err)
		return
	}
	slog.WarnContext(ctx, "bucket listing failed, will retry next cycle", "bucket", bucket, "error", err)
}
