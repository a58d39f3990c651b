package s3ui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/jhurlocker/s3ui/pkg/bucketevent"
	"github.com/stretchr/testify/require"
)

type stubPolicyStore struct {
	policies PolicySet
	err      error
}

func (s *stubPolicyStore) Load(_ context.Context) (PolicySet, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.policies, nil
}

func (s *stubPolicyStore) Put(_ context.Context, bucket string, policy *BucketPolicy) error {
	s.policies[bucket] = policy
	return nil
}

func (s *stubPolicyStore) Delete(_ context.Context, bucket string) error {
	delete(s.policies, bucket)
	return nil
}

// stubFetcher serves snapshots from a mutable map and can fail per bucket.
type stubFetcher struct {
	mu        sync.Mutex
	snapshots map[string]BucketSnapshot
	failing   map[string]error
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		snapshots: make(map[string]BucketSnapshot),
		failing:   make(map[string]error),
	}
}

func (f *stubFetcher) Fetcher(_ context.Context) (SnapshotFetcher, error) {
	return f, nil
}

func (f *stubFetcher) FetchSnapshot(_ context.Context, bucket string) (BucketSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing[bucket]; err != nil {
		return nil, err
	}
	return f.snapshots[bucket].Clone(), nil
}

func (f *stubFetcher) set(bucket string, snapshot BucketSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[bucket] = snapshot
}

func (f *stubFetcher) fail(bucket string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[bucket] = err
}

type stubNotifier struct {
	mu         sync.Mutex
	sent       []string
	failed     map[string]error
	failedKeys map[string]error
}

func newStubNotifier() *stubNotifier {
	return &stubNotifier{
		failed:     make(map[string]error),
		failedKeys: make(map[string]error),
	}
}

func (n *stubNotifier) Notify(_ context.Context, webhookURL string, event *bucketevent.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.failed[event.Bucket]; err != nil {
		return err
	}
	if err := n.failedKeys[event.ObjectKey]; err != nil {
		return err
	}
	n.sent = append(n.sent, event.String()+" -> "+webhookURL)
	return nil
}

func (n *stubNotifier) deliveries() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

func newTestPoller(store PolicyStore, fetcher *stubFetcher, notifier *stubNotifier) *Poller {
	return NewPoller(store, fetcher, notifier, PollOption{})
}

func TestPollerBaselineDoesNotNotify(t *testing.T) {
	ctx := context.Background()
	store := &stubPolicyStore{policies: PolicySet{
		"docs": {Enabled: true, WebhookURL: "http://consumer.example.com/hook"},
	}}
	fetcher := newStubFetcher()
	fetcher.set("docs", BucketSnapshot{"a.txt": `"etag-1"`, "b.txt": `"etag-2"`})
	notifier := newStubNotifier()
	p := newTestPoller(store, fetcher, notifier)

	require.NoError(t, p.RunCycle(ctx))
	require.Empty(t, notifier.deliveries(), "pre-existing objects must not produce events")
	require.True(t, p.states["docs"].baselined)
	require.Len(t, p.states["docs"].snapshot, 2)
}

func TestPollerDetectsChanges(t *testing.T) {
	ctx := context.Background()
	store := &stubPolicyStore{policies: PolicySet{
		"docs": {Enabled: true, WebhookURL: "http://consumer.example.com/hook"},
	}}
	fetcher := newStubFetcher()
	fetcher.set("docs", BucketSnapshot{"a.txt": `"etag-1"`, "b.txt": `"etag-2"`})
	notifier := newStubNotifier()
	p := newTestPoller(store, fetcher, notifier)

	require.NoError(t, p.RunCycle(ctx))

	fetcher.set("docs", BucketSnapshot{"a.txt": `"etag-9"`, "c.txt": `"etag-3"`})
	require.NoError(t, p.RunCycle(ctx))

	require.Equal(t, []string{
		"OBJECT_CREATED s3://docs/a.txt -> http://consumer.example.com/hook",
		"OBJECT_CREATED s3://docs/c.txt -> http://consumer.example.com/hook",
		"OBJECT_DELETED s3://docs/b.txt -> http://consumer.example.com/hook",
	}, notifier.deliveries())

	// steady state is quiet
	require.NoError(t, p.RunCycle(ctx))
	require.Len(t, notifier.deliveries(), 3)
}

func TestPollerDisableDropsStateAndReenableRebaselines(t *testing.T) {
	ctx := context.Background()
	store := &stubPolicyStore{policies: PolicySet{
		"docs": {Enabled: true, WebhookURL: "http://consumer.example.com/hook"},
	}}
	fetcher := newStubFetcher()
	fetcher.set("docs", BucketSnapshot{"a.txt": `"etag-1"`})
	notifier := newStubNotifier()
	p := newTestPoller(store, fetcher, notifier)

	require.NoError(t, p.RunCycle(ctx))
	require.Contains(t, p.states, "docs")

	store.policies["docs"].Enabled = false
	require.NoError(t, p.RunCycle(ctx))
	require.NotContains(t, p.states, "docs", "disabling drops the tracked state")

	// changes while disabled are not reported after re-enable
	fetcher.set("docs", BucketSnapshot{"b.txt": `"etag-2"`})
	store.policies["docs"].Enabled = true
	require.NoError(t, p.RunCycle(ctx))
	require.Empty(t, notifier.deliveries(), "re-enable baselines from scratch")
	require.Equal(t, BucketSnapshot{"b.txt": `"etag-2"`}, p.states["docs"].snapshot)
}

func TestPollerFetchFailureKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	store := &stubPolicyStore{policies: PolicySet{
		"docs": {Enabled: true, WebhookURL: "http://consumer.example.com/hook"},
	}}
	fetcher := newStubFetcher()
	fetcher.set("docs", BucketSnapshot{"a.txt": `"etag-1"`})
	notifier := newStubNotifier()
	p := newTestPoller(store, fetcher, notifier)

	require.NoError(t, p.RunCycle(ctx))

	fetcher.fail("docs", errors.New("connection reset by peer"))
	require.NoError(t, p.RunCycle(ctx), "a failing bucket must not fail the cycle")
	require.Empty(t, notifier.deliveries(), "no false deletions from a failed listing")
	require.Equal(t, BucketSnapshot{"a.txt": `"etag-1"`}, p.states["docs"].snapshot)
	require.Equal(t, 1, p.states["docs"].failures)

	// recovery diffs against the retained snapshot
	fetcher.fail("docs", nil)
	fetcher.set("docs", BucketSnapshot{"a.txt": `"etag-1"`, "b.txt": `"etag-2"`})
	require.NoError(t, p.RunCycle(ctx))
	require.Equal(t, []string{
		"OBJECT_CREATED s3://docs/b.txt -> http://consumer.example.com/hook",
	}, notifier.deliveries())
	require.Equal(t, 0, p.states["docs"].failures)
}

func TestPollerBucketsFailIndependently(t *testing.T) {
	ctx := context.Background()
	store := &stubPolicyStore{policies: PolicySet{
		"healthy": {Enabled: true, WebhookURL: "http://consumer.example.com/hook"},
		"broken":  {Enabled: true, WebhookURL: "http://consumer.example.com/hook"},
	}}
	fetcher := newStubFetcher()
	fetcher.set("healthy", BucketSnapshot{})
	fetcher.fail("broken", errors.New("access denied"))
	notifier := newStubNotifier()
	p := newTestPoller(store, fetcher, notifier)

	require.NoError(t, p.RunCycle(ctx))
	require.True(t, p.states["healthy"].baselined)
	require.False(t, p.states["broken"].baselined)

	fetcher.set("healthy", BucketSnapshot{"new.txt": `"etag-1"`})
	require.NoError(t, p.RunCycle(ctx))
	require.Equal(t, []string{
		"OBJECT_CREATED s3://healthy/new.txt -> http://consumer.example.com/hook",
	}, notifier.deliveries())
}

func TestPollerDeliveryFailureAdvancesSnapshot(t *testing.T) {
	ctx := context.Background()
	store := &stubPolicyStore{policies: PolicySet{
		"docs": {Enabled: true, WebhookURL: "http://consumer.example.com/hook"},
	}}
	fetcher := newStubFetcher()
	fetcher.set("docs", BucketSnapshot{})
	notifier := newStubNotifier()
	notifier.failed["docs"] = &DeliveryFailure{URL: "http://consumer.example.com/hook", StatusCode: 500}
	p := newTestPoller(store, fetcher, notifier)

	require.NoError(t, p.RunCycle(ctx))

	fetcher.set("docs", BucketSnapshot{"a.txt": `"etag-1"`})
	require.NoError(t, p.RunCycle(ctx))
	require.Equal(t, BucketSnapshot{"a.txt": `"etag-1"`}, p.states["docs"].snapshot)

	// the missed event is not re-delivered once the webhook recovers
	delete(notifier.failed, "docs")
	require.NoError(t, p.RunCycle(ctx))
	require.Empty(t, notifier.deliveries())
}

func TestPollerDeliveriesAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := &stubPolicyStore{policies: PolicySet{
		"docs": {Enabled: true, WebhookURL: "http://consumer.example.com/hook"},
	}}
	fetcher := newStubFetcher()
	fetcher.set("docs", BucketSnapshot{})
	notifier := newStubNotifier()
	notifier.failedKeys["b.txt"] = &DeliveryFailure{URL: "http://consumer.example.com/hook", StatusCode: 500}
	p := newTestPoller(store, fetcher, notifier)

	require.NoError(t, p.RunCycle(ctx))

	fetcher.set("docs", BucketSnapshot{"a.txt": `"etag-1"`, "b.txt": `"etag-2"`, "c.txt": `"etag-3"`})
	require.NoError(t, p.RunCycle(ctx), "one failed delivery must not fail the cycle")
	require.Equal(t, []string{
		"OBJECT_CREATED s3://docs/a.txt -> http://consumer.example.com/hook",
		"OBJECT_CREATED s3://docs/c.txt -> http://consumer.example.com/hook",
	}, notifier.deliveries(), "the failing event must not block the others")
	require.Equal(t, BucketSnapshot{"a.txt": `"etag-1"`, "b.txt": `"etag-2"`, "c.txt": `"etag-3"`},
		p.states["docs"].snapshot)
}

// deadlineFetcher records whether the fetch context carried a deadline.
type deadlineFetcher struct {
	hadDeadline bool
}

func (f *deadlineFetcher) Fetcher(_ context.Context) (SnapshotFetcher, error) {
	return f, nil
}

func (f *deadlineFetcher) FetchSnapshot(ctx context.Context, _ string) (BucketSnapshot, error) {
	_, f.hadDeadline = ctx.Deadline()
	return BucketSnapshot{}, nil
}

func TestPollerBoundsSnapshotFetch(t *testing.T) {
	ctx := context.Background()
	store := &stubPolicyStore{policies: PolicySet{
		"docs": {Enabled: true, WebhookURL: "http://consumer.example.com/hook"},
	}}
	fetcher := &deadlineFetcher{}
	p := NewPoller(store, fetcher, newStubNotifier(), PollOption{})

	require.NoError(t, p.RunCycle(ctx))
	require.True(t, fetcher.hadDeadline, "bucket listings must run under a deadline")
}

func TestPollerConfigUnavailableSurfaces(t *testing.T) {
	ctx := context.Background()
	store := &stubPolicyStore{err: ErrConfigUnavailable}
	p := newTestPoller(store, newStubFetcher(), newStubNotifier())

	err := p.RunCycle(ctx)
	require.ErrorIs(t, err, ErrConfigUnavailable)
}

func TestPollerDeliveryRules(t *testing.T) {
	ctx := context.Background()
	env, err := NewCELEnv()
	require.NoError(t, err)
	rules, err := ParseRulesConfig(strings.NewReader(`
rules:
  - when: objectKey.endsWith(".tmp")
    skip: true
  - when: eventType == "OBJECT_DELETED"
    webhook_url: http://audit.example.com/hook
`), env)
	require.NoError(t, err)

	store := &stubPolicyStore{policies: PolicySet{
		"docs": {Enabled: true, WebhookURL: "http://consumer.example.com/hook"},
	}}
	fetcher := newStubFetcher()
	fetcher.set("docs", BucketSnapshot{"keep.txt": `"etag-1"`})
	notifier := newStubNotifier()
	p := newTestPoller(store, fetcher, notifier).WithRules(rules, env)

	require.NoError(t, p.RunCycle(ctx))

	fetcher.set("docs", BucketSnapshot{"scratch.tmp": `"etag-2"`, "added.txt": `"etag-3"`})
	require.NoError(t, p.RunCycle(ctx))

	require.Equal(t, []string{
		"OBJECT_CREATED s3://docs/added.txt -> http://consumer.example.com/hook",
		"OBJECT_DELETED s3://docs/keep.txt -> http://audit.example.com/hook",
	}, notifier.deliveries())
}
