package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polltrigger/internal/types"
)

// --- Fakes ---

type stubResolver struct {
	tenants []types.Tenant
	err     error
}

func (s *stubResolver) Resolve(firing types.Firing) ([]types.Tenant, error) {
	return s.tenants, s.err
}

// fakeGuard is an in-memory guard with real first-wins semantics, so
// concurrency tests exercise the same contract as the SQL store.
type fakeGuard struct {
	mu         sync.Mutex
	held       map[string]bool
	acquireErr error
	releaseErr error
	released   []string
}

func (g *fakeGuard) TryAcquire(ctx context.Context, tenantID string, tickKey string, horizon time.Duration) (bool, error) {
	if g.acquireErr != nil {
		return false, g.acquireErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held == nil {
		g.held = make(map[string]bool)
	}
	key := tenantID + "|" + tickKey
	if g.held[key] {
		return false, nil
	}
	g.held[key] = true
	return true, nil
}

func (g *fakeGuard) Release(ctx context.Context, tenantID string, tickKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, tenantID+"|"+tickKey)
	g.released = append(g.released, tickKey)
	return g.releaseErr
}

type enqueueCall struct {
	queueURL string
	msg      types.PollMessage
	ttl      time.Duration
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []enqueueCall

	// respond overrides the default success response. attempt counts
	// calls for the same tenant, starting at 1.
	respond func(tenantID string, attempt int) error
}

func (e *fakeEnqueuer) Enqueue(ctx context.Context, queueURL string, msg types.PollMessage, ttl time.Duration) (string, string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, enqueueCall{queueURL: queueURL, msg: msg, ttl: ttl})
	attempt := 0
	for _, c := range e.calls {
		if c.msg.TenantID == msg.TenantID {
			attempt++
		}
	}
	e.mu.Unlock()

	if e.respond != nil {
		if err := e.respond(msg.TenantID, attempt); err != nil {
			return "", "", err
		}
	}
	return "msg-" + msg.TenantID, "req-" + msg.TenantID, nil
}

func (e *fakeEnqueuer) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type fakeDeadLetter struct {
	mu        sync.Mutex
	envelopes []types.DeadLetterEnvelope
	err       error
}

func (d *fakeDeadLetter) Record(ctx context.Context, env types.DeadLetterEnvelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.envelopes = append(d.envelopes, env)
	return nil
}

type fakeMetrics struct {
	mu            sync.Mutex
	outcomes      []types.DispatchOutcome
	guardDegraded []string
	dlwFailures   []string
}

func (m *fakeMetrics) RecordOutcome(ctx context.Context, outcome types.DispatchOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *fakeMetrics) RecordGuardDegraded(ctx context.Context, tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guardDegraded = append(m.guardDegraded, tenantID)
}

func (m *fakeMetrics) RecordDeadLetterWriteFailure(ctx context.Context, tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlwFailures = append(m.dlwFailures, tenantID)
}

// --- Helpers ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		MaxAttempts:    3,
		RetryBaseDelay: 10 * time.Millisecond,
		RetryMaxDelay:  40 * time.Millisecond,
		CallTimeout:    time.Second,
		MaxConcurrent:  4,
	}
}

func testTenant(id string) types.Tenant {
	return types.Tenant{
		ID:           id,
		ScheduleName: "dph-timer",
		CronExpr:     "30 9 * * 1",
		QueueURL:     "https://sqs.us-west-2.amazonaws.com/123456789/poll-" + id,
		TTL:          types.TTLInfinite,
		Resolution:   types.ResolutionMinute,
		DedupHorizon: time.Hour,
	}
}

func transportErr(msg string) error {
	return types.NewAppError(types.ErrCodeTransportUnavailable, msg, nil)
}

// mondayFiring pins the reference time to Monday January 5 2026 09:30 UTC.
func mondayFiring(offset time.Duration, tenants ...string) types.Firing {
	at := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC).Add(offset)
	return types.Firing{
		ScheduleName:  "dph-timer",
		Tenants:       tenants,
		ReferenceTime: &at,
	}
}

// --- Tests ---

func TestDispatcher_HandleFiring_EnqueuesSingleTenant(t *testing.T) {
	guard := &fakeGuard{}
	producer := &fakeEnqueuer{}
	dlq := &fakeDeadLetter{}
	metrics := &fakeMetrics{}
	d := New(&stubResolver{tenants: []types.Tenant{testTenant("cadph")}},
		guard, producer, dlq, nil, metrics, testConfig(), testLogger())

	outcomes, err := d.HandleFiring(context.Background(), mondayFiring(0))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	o := outcomes[0]
	assert.Equal(t, types.StatusEnqueued, o.Status)
	assert.Equal(t, "cadph", o.TenantID)
	assert.Equal(t, "cadph:2026-01-05T09:30:00Z", o.TickKey)
	assert.Equal(t, "msg-cadph", o.MessageID)
	assert.Equal(t, "req-cadph", o.RequestID)
	assert.Equal(t, 1, o.Attempts)
	assert.NoError(t, o.Err)

	require.Equal(t, 1, producer.callCount())
	call := producer.calls[0]
	assert.Equal(t, "https://sqs.us-west-2.amazonaws.com/123456789/poll-cadph", call.queueURL)
	assert.Equal(t, "cadph", call.msg.TenantID)
	assert.Equal(t, "cadph:2026-01-05T09:30:00Z", call.msg.TickKey)
	assert.NotEmpty(t, call.msg.TraceID)
	assert.Equal(t, types.TTLInfinite, call.ttl)

	require.Len(t, metrics.outcomes, 1)
	assert.Equal(t, types.StatusEnqueued, metrics.outcomes[0].Status)
	assert.Empty(t, dlq.envelopes)
}

func TestDispatcher_HandleFiring_ResolveErrorIsFatalForTick(t *testing.T) {
	resolveErr := types.NewAppError(types.ErrCodeConfigUnknownTenant, `no tenants bound to schedule "ghost"`, nil)
	d := New(&stubResolver{err: resolveErr},
		&fakeGuard{}, &fakeEnqueuer{}, &fakeDeadLetter{}, nil, &fakeMetrics{}, testConfig(), testLogger())

	outcomes, err := d.HandleFiring(context.Background(), types.Firing{ScheduleName: "ghost"})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeConfigUnknownTenant, types.CodeOf(err))
	assert.Nil(t, outcomes)
}

func TestDispatcher_DuplicateInvocation_SecondIsSkipped(t *testing.T) {
	// The platform fires twice for the same logical tick, 2 seconds
	// apart. With minute resolution both invocations truncate to the
	// same tick key; exactly one wins the guard.
	guard := &fakeGuard{}
	producer := &fakeEnqueuer{}
	d := New(&stubResolver{tenants: []types.Tenant{testTenant("cadph")}},
		guard, producer, &fakeDeadLetter{}, nil, &fakeMetrics{}, testConfig(), testLogger())

	first, err := d.HandleFiring(context.Background(), mondayFiring(0))
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, types.StatusEnqueued, first[0].Status)

	second, err := d.HandleFiring(context.Background(), mondayFiring(2*time.Second))
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, types.StatusSkipped, second[0].Status)
	assert.Equal(t, types.SkipDuplicateTick, second[0].SkipReason)
	assert.Equal(t, first[0].TickKey, second[0].TickKey)

	assert.Equal(t, 1, producer.callCount(), "only the guard winner may enqueue")
}

func TestDispatcher_ConcurrentDuplicates_ExactlyOneEnqueued(t *testing.T) {
	const n = 8

	guard := &fakeGuard{}
	producer := &fakeEnqueuer{}
	d := New(&stubResolver{tenants: []types.Tenant{testTenant("cadph")}},
		guard, producer, &fakeDeadLetter{}, nil, &fakeMetrics{}, testConfig(), testLogger())

	results := make([]types.DispatchOutcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes, err := d.HandleFiring(context.Background(), mondayFiring(0))
			require.NoError(t, err)
			require.Len(t, outcomes, 1)
			results[i] = outcomes[0]
		}()
	}
	wg.Wait()

	var enqueued, skipped int
	for _, o := range results {
		switch o.Status {
		case types.StatusEnqueued:
			enqueued++
		case types.StatusSkipped:
			skipped++
			assert.Equal(t, types.SkipDuplicateTick, o.SkipReason)
		default:
			t.Fatalf("unexpected status %q", o.Status)
		}
	}

	assert.Equal(t, 1, enqueued, "exactly one invocation may win the tick")
	assert.Equal(t, n-1, skipped)
	assert.Equal(t, 1, producer.callCount())
}

func TestDispatcher_TransportRetry_SucceedsAfterFailures(t *testing.T) {
	guard := &fakeGuard{}
	producer := &fakeEnqueuer{
		respond: func(tenantID string, attempt int) error {
			if attempt < 3 {
				return transportErr("throttled")
			}
			return nil
		},
	}
	d := New(&stubResolver{tenants: []types.Tenant{testTenant("cadph")}},
		guard, producer, &fakeDeadLetter{}, nil, &fakeMetrics{}, testConfig(), testLogger())

	var sleeps []time.Duration
	d.sleepFn = func(ctx context.Context, dur time.Duration) error {
		sleeps = append(sleeps, dur)
		return nil
	}

	outcomes, err := d.HandleFiring(context.Background(), mondayFiring(0))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, types.StatusEnqueued, outcomes[0].Status)
	assert.Equal(t, 3, outcomes[0].Attempts)

	// Backoff is strictly increasing until the cap.
	require.Len(t, sleeps, 2)
	assert.Equal(t, 10*time.Millisecond, sleeps[0])
	assert.Equal(t, 20*time.Millisecond, sleeps[1])
}

func TestDispatcher_TransportRetry_ExhaustionDeadLetters(t *testing.T) {
	guard := &fakeGuard{}
	producer := &fakeEnqueuer{
		respond: func(tenantID string, attempt int) error {
			return transportErr("endpoint down")
		},
	}
	dlq := &fakeDeadLetter{}
	d := New(&stubResolver{tenants: []types.Tenant{testTenant("cadph")}},
		guard, producer, dlq, nil, &fakeMetrics{}, testConfig(), testLogger())

	var sleeps []time.Duration
	d.sleepFn = func(ctx context.Context, dur time.Duration) error {
		sleeps = append(sleeps, dur)
		return nil
	}

	outcomes, err := d.HandleFiring(context.Background(), mondayFiring(0))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	o := outcomes[0]
	assert.Equal(t, types.StatusDeadLettered, o.Status)
	assert.Equal(t, 3, o.Attempts)
	assert.Equal(t, types.ErrCodeTransportUnavailable, types.CodeOf(o.Err))

	// Exactly MaxAttempts attempts, MaxAttempts-1 waits.
	assert.Equal(t, 3, producer.callCount())
	assert.Len(t, sleeps, 2)

	require.Len(t, dlq.envelopes, 1)
	env := dlq.envelopes[0]
	assert.Equal(t, "cadph", env.OriginalTenant)
	assert.Equal(t, "cadph:2026-01-05T09:30:00Z", env.OriginalTick)
	assert.Equal(t, string(types.ErrCodeTransportUnavailable), env.FailureReason)
	assert.Equal(t, 3, env.AttemptCount)
	assert.Equal(t, "cadph", env.Message.TenantID)
}

func TestDispatcher_BackoffCappedAtMaxDelay(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 5
	cfg.RetryMaxDelay = 25 * time.Millisecond

	producer := &fakeEnqueuer{
		respond: func(tenantID string, attempt int) error {
			return transportErr("endpoint down")
		},
	}
	d := New(&stubResolver{tenants: []types.Tenant{testTenant("cadph")}},
		&fakeGuard{}, producer, &fakeDeadLetter{}, nil, &fakeMetrics{}, cfg, testLogger())

	var sleeps []time.Duration
	d.sleepFn = func(ctx context.Context, dur time.Duration) error {
		sleeps = append(sleeps, dur)
		return nil
	}

	_, err := d.HandleFiring(context.Background(), mondayFiring(0))
	require.NoError(t, err)

	// 10ms, 20ms, then capped.
	require.Len(t, sleeps, 4)
	assert.Equal(t, 10*time.Millisecond, sleeps[0])
	assert.Equal(t, 20*time.Millisecond, sleeps[1])
	assert.Equal(t, 25*time.Millisecond, sleeps[2])
	assert.Equal(t, 25*time.Millisecond, sleeps[3])
}

func TestDispatcher_MalformedMessage_DeadLettersWithoutRetry(t *testing.T) {
	producer := &fakeEnqueuer{
		respond: func(tenantID string, attempt int) error {
			return types.NewAppError(types.ErrCodeMessageMalformed, "payload too large", nil)
		},
	}
	dlq := &fakeDeadLetter{}
	d := New(&stubResolver{tenants: []types.Tenant{testTenant("cadph")}},
		&fakeGuard{}, producer, dlq, nil, &fakeMetrics{}, testConfig(), testLogger())

	sleepCalls := 0
	d.sleepFn = func(ctx context.Context, dur time.Duration) error {
		sleepCalls++
		return nil
	}

	outcomes, err := d.HandleFiring(context.Background(), mondayFiring(0))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	o := outcomes[0]
	assert.Equal(t, types.StatusDeadLettered, o.Status)
	assert.Equal(t, 1, o.Attempts, "malformed payloads get zero retries")
	assert.Equal(t, 0, sleepCalls)
	assert.Equal(t, 1, producer.callCount())

	require.Len(t, dlq.envelopes, 1)
	assert.Equal(t, string(types.ErrCodeMessageMalformed), dlq.envelopes[0].FailureReason)
}

func TestDispatcher_DeadLetterWriteFailure_EscalatesAndKeepsOriginalError(t *testing.T) {
	cause := transportErr("endpoint down")
	producer := &fakeEnqueuer{
		respond: func(tenantID string, attempt int) error { return cause },
	}
	dlq := &fakeDeadLetter{
		err: types.NewAppError(types.ErrCodeDeadLetterWrite, "dead-letter queue unreachable", nil),
	}
	metrics := &fakeMetrics{}
	d := New(&stubResolver{tenants: []types.Tenant{testTenant("cadph")}},
		&fakeGuard{}, producer, dlq, nil, metrics, testConfig(), testLogger())
	d.sleepFn = func(ctx context.Context, dur time.Duration) error { return nil }

	outcomes, err := d.HandleFiring(context.Background(), mondayFiring(0))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	o := outcomes[0]
	assert.Equal(t, types.StatusFailed, o.Status)
	require.Error(t, o.Err)
	// The original failure survives; the dead-letter failure is escalated
	// separately, never swallowing the cause.
	assert.Equal(t, types.ErrCodeTransportUnavailable, types.CodeOf(o.Err))
	assert.Equal(t, []string{"cadph"}, metrics.dlwFailures)
}

func TestDispatcher_GuardDegraded_BlocksEnqueue(t *testing.T) {
	guard := &fakeGuard{
		acquireErr: types.NewAppError(types.ErrCodeGuardUnavailable, "guard store down", nil),
	}
	producer := &fakeEnqueuer{}
	metrics := &fakeMetrics{}
	d := New(&stubResolver{tenants: []types.Tenant{testTenant("cadph")}},
		guard, producer, &fakeDeadLetter{}, nil, metrics, testConfig(), testLogger())

	outcomes, err := d.HandleFiring(context.Background(), mondayFiring(0))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	o := outcomes[0]
	assert.Equal(t, types.StatusSkipped, o.Status)
	assert.Equal(t, types.SkipGuardDegraded, o.SkipReason)
	require.Error(t, o.Err)

	assert.Equal(t, 0, producer.callCount(), "unknown guard state must block the enqueue")
	assert.Equal(t, []string{"cadph"}, metrics.guardDegraded)
}

func TestDispatcher_DeadlineMidRetry_ReleasesGuard(t *testing.T) {
	guard := &fakeGuard{}
	producer := &fakeEnqueuer{
		respond: func(tenantID string, attempt int) error {
			return transportErr("endpoint down")
		},
	}
	d := New(&stubResolver{tenants: []types.Tenant{testTenant("cadph")}},
		guard, producer, &fakeDeadLetter{}, nil, &fakeMetrics{}, testConfig(), testLogger())
	d.sleepFn = func(ctx context.Context, dur time.Duration) error {
		return context.DeadlineExceeded
	}

	outcomes, err := d.HandleFiring(context.Background(), mondayFiring(0))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	o := outcomes[0]
	assert.Equal(t, types.StatusFailed, o.Status)
	assert.Equal(t, 1, o.Attempts)
	assert.ErrorIs(t, o.Err, context.DeadlineExceeded)

	// The tick reads as Pending again, so a same-tick duplicate
	// invocation can win it.
	assert.Equal(t, []string{"cadph:2026-01-05T09:30:00Z"}, guard.released)

	acquired, acquireErr := guard.TryAcquire(context.Background(), "cadph", "cadph:2026-01-05T09:30:00Z", time.Hour)
	require.NoError(t, acquireErr)
	assert.True(t, acquired)
}

func TestDispatcher_DeadlineBeforeGuard_LeavesTickUntouched(t *testing.T) {
	guard := &fakeGuard{}
	producer := &fakeEnqueuer{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := New(&stubResolver{tenants: []types.Tenant{testTenant("cadph")}},
		guard, producer, &fakeDeadLetter{}, nil, &fakeMetrics{}, testConfig(), testLogger())

	outcomes, err := d.HandleFiring(ctx, mondayFiring(0))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	assert.Equal(t, types.StatusFailed, outcomes[0].Status)
	assert.Equal(t, 0, producer.callCount())
	assert.Empty(t, guard.held, "guard must not be touched once the deadline is gone")
}

func TestDispatcher_TenantsDispatchIndependently(t *testing.T) {
	// Two tenants share the firing. One payload is rejected as
	// malformed; the other tenant's dispatch is unaffected.
	producer := &fakeEnqueuer{
		respond: func(tenantID string, attempt int) error {
			if tenantID == "ladph" {
				return types.NewAppError(types.ErrCodeMessageMalformed, "payload too large", nil)
			}
			return nil
		},
	}
	dlq := &fakeDeadLetter{}
	metrics := &fakeMetrics{}
	d := New(&stubResolver{tenants: []types.Tenant{testTenant("cadph"), testTenant("ladph")}},
		&fakeGuard{}, producer, dlq, nil, metrics, testConfig(), testLogger())

	outcomes, err := d.HandleFiring(context.Background(), mondayFiring(0))
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	byTenant := make(map[string]types.DispatchOutcome, 2)
	for _, o := range outcomes {
		byTenant[o.TenantID] = o
	}

	assert.Equal(t, types.StatusEnqueued, byTenant["cadph"].Status)
	assert.Equal(t, types.StatusDeadLettered, byTenant["ladph"].Status)

	require.Len(t, dlq.envelopes, 1)
	assert.Equal(t, "ladph", dlq.envelopes[0].OriginalTenant)

	// Every terminal outcome reaches the observability sink.
	assert.Len(t, metrics.outcomes, 2)
}

// fakeHistorian records Start/Finish calls.
type fakeHistorian struct {
	mu       sync.Mutex
	startErr error
	nextID   int64
	finished map[int64]types.DispatchStatus
}

func (h *fakeHistorian) Start(ctx context.Context, tenantID string, tickKey string) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.startErr != nil {
		return 0, h.startErr
	}
	h.nextID++
	return h.nextID, nil
}

func (h *fakeHistorian) Finish(ctx context.Context, id int64, status types.DispatchStatus, attempts int, err error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished == nil {
		h.finished = make(map[int64]types.DispatchStatus)
	}
	h.finished[id] = status
	return nil
}

func TestDispatcher_HistoryRecordedAroundDispatch(t *testing.T) {
	history := &fakeHistorian{}
	d := New(&stubResolver{tenants: []types.Tenant{testTenant("cadph")}},
		&fakeGuard{}, &fakeEnqueuer{}, &fakeDeadLetter{}, history, &fakeMetrics{}, testConfig(), testLogger())

	outcomes, err := d.HandleFiring(context.Background(), mondayFiring(0))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	assert.Equal(t, types.StatusEnqueued, history.finished[1])
}

func TestDispatcher_HistoryFailureIsBestEffort(t *testing.T) {
	history := &fakeHistorian{
		startErr: types.NewAppError(types.ErrCodeInternalDB, "history table gone", nil),
	}
	d := New(&stubResolver{tenants: []types.Tenant{testTenant("cadph")}},
		&fakeGuard{}, &fakeEnqueuer{}, &fakeDeadLetter{}, history, &fakeMetrics{}, testConfig(), testLogger())

	outcomes, err := d.HandleFiring(context.Background(), mondayFiring(0))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, types.StatusEnqueued, outcomes[0].Status, "history failure never fails the dispatch")
}
