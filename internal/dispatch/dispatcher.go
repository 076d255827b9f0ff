// Package dispatch implements the scheduled dispatch engine: for each
// firing it resolves the bound tenants, wins (or loses) the per-tick
// guard, enqueues the tenant's poll trigger message, and routes
// persistent failures to the dead-letter queue.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"polltrigger/internal/types"
)

// Resolver maps a firing to the tenants bound to it.
type Resolver interface {
	Resolve(firing types.Firing) ([]types.Tenant, error)
}

// Guard is the per-(tenant, tick) idempotency gate. TryAcquire returns
// true exactly once per pair within the horizon; Release gives a tick
// back when a dispatch is abandoned mid-flight.
type Guard interface {
	TryAcquire(ctx context.Context, tenantID string, tickKey string, horizon time.Duration) (bool, error)
	Release(ctx context.Context, tenantID string, tickKey string) error
}

// Enqueuer is the queue producer. One call, one network round trip;
// the dispatcher owns the retry policy.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueURL string, msg types.PollMessage, ttl time.Duration) (messageID string, requestID string, err error)
}

// DeadLetterer records permanently failed dispatches.
type DeadLetterer interface {
	Record(ctx context.Context, env types.DeadLetterEnvelope) error
}

// Historian records dispatch history rows. Best effort; failures are
// logged, never propagated.
type Historian interface {
	Start(ctx context.Context, tenantID string, tickKey string) (int64, error)
	Finish(ctx context.Context, id int64, status types.DispatchStatus, attempts int, err error) error
}

// Metrics is the observability sink for dispatch outcomes.
type Metrics interface {
	RecordOutcome(ctx context.Context, outcome types.DispatchOutcome)
	RecordGuardDegraded(ctx context.Context, tenantID string)
	RecordDeadLetterWriteFailure(ctx context.Context, tenantID string)
}

// Config tunes retry, timeout, and fan-out behavior.
type Config struct {
	// MaxAttempts is the enqueue attempt ceiling per tick.
	MaxAttempts int

	// RetryBaseDelay seeds the exponential backoff between transport
	// retries; RetryMaxDelay caps it.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// CallTimeout bounds each guard, enqueue, and dead-letter call.
	CallTimeout time.Duration

	// MaxConcurrent bounds the tenant fan-out per firing.
	MaxConcurrent int
}

// Dispatcher orchestrates the per-(tenant, tick) state machine:
//
//	Pending -> Guarded(skip) | Enqueuing -> Enqueued
//	Enqueuing -> RetryWait -> Enqueuing (bounded) -> DeadLettered
//
// Tenants dispatch independently; one tenant's failure never blocks
// another's in the same firing.
type Dispatcher struct {
	resolver   Resolver
	guard      Guard
	producer   Enqueuer
	deadLetter DeadLetterer
	history    Historian
	metrics    Metrics
	cfg        Config
	logger     *slog.Logger

	// sleepFn is overridable in tests to avoid real backoff delays.
	// It must return early with the context error when the deadline
	// arrives mid-wait.
	sleepFn func(ctx context.Context, d time.Duration) error
}

// New creates a Dispatcher. history may be nil when no history store is
// wired (e.g. local tooling).
func New(
	resolver Resolver,
	guard Guard,
	producer Enqueuer,
	deadLetter DeadLetterer,
	history Historian,
	metrics Metrics,
	cfg Config,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		resolver:   resolver,
		guard:      guard,
		producer:   producer,
		deadLetter: deadLetter,
		history:    history,
		metrics:    metrics,
		cfg:        cfg,
		logger:     logger,
		sleepFn:    sleepContext,
	}
}

// sleepContext waits for d or until the context is done, whichever
// comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// HandleFiring processes one scheduled firing end to end and returns
// the outcome for every resolved tenant. Resolution failure is fatal
// for this tick only; the caller decides whether to surface it to the
// firing runtime.
func (d *Dispatcher) HandleFiring(ctx context.Context, firing types.Firing) ([]types.DispatchOutcome, error) {
	firedAt := firing.EffectiveTime(time.Now())

	tenants, err := d.resolver.Resolve(firing)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to resolve tenants for firing",
			"schedule", firing.ScheduleName,
			"error", err,
		)
		return nil, err
	}

	d.logger.InfoContext(ctx, "firing received",
		"schedule", firing.ScheduleName,
		"fired_at", firedAt.Format(time.RFC3339),
		"tenant_count", len(tenants),
	)

	outcomes := make([]types.DispatchOutcome, len(tenants))

	var g errgroup.Group
	g.SetLimit(d.cfg.MaxConcurrent)
	for i, tenant := range tenants {
		i, tenant := i, tenant
		g.Go(func() error {
			outcomes[i] = d.dispatchOne(ctx, tenant, firedAt)
			return nil
		})
	}
	// Workers never return errors; per-tenant failures live in outcomes.
	_ = g.Wait()

	for _, outcome := range outcomes {
		d.metrics.RecordOutcome(ctx, outcome)
	}

	return outcomes, nil
}

// dispatchOne runs the state machine for a single (tenant, tick).
func (d *Dispatcher) dispatchOne(ctx context.Context, tenant types.Tenant, firedAt time.Time) types.DispatchOutcome {
	tick := tenant.TickFor(firedAt)
	tickKey := tick.Key()

	// Deadline already gone: abandon before touching the guard so the
	// tick stays Pending and a same-tick duplicate invocation can still
	// win it.
	if ctx.Err() != nil {
		return types.DispatchOutcome{
			TenantID: tenant.ID,
			TickKey:  tickKey,
			Status:   types.StatusFailed,
			Err:      ctx.Err(),
		}
	}

	acquired, err := d.tryAcquire(ctx, tenant, tickKey)
	if err != nil {
		// Unknown guard state: block the enqueue rather than risk a
		// double fire, and surface the degradation.
		d.logger.WarnContext(ctx, "dispatch guard degraded, blocking enqueue",
			"tenant_id", tenant.ID,
			"tick_key", tickKey,
			"error", err,
		)
		d.metrics.RecordGuardDegraded(ctx, tenant.ID)
		return types.DispatchOutcome{
			TenantID:   tenant.ID,
			TickKey:    tickKey,
			Status:     types.StatusSkipped,
			SkipReason: types.SkipGuardDegraded,
			Err:        err,
		}
	}
	if !acquired {
		d.logger.InfoContext(ctx, "duplicate tick, dispatch skipped",
			"tenant_id", tenant.ID,
			"tick_key", tickKey,
		)
		return types.DispatchOutcome{
			TenantID:   tenant.ID,
			TickKey:    tickKey,
			Status:     types.StatusSkipped,
			SkipReason: types.SkipDuplicateTick,
		}
	}

	historyID := d.startHistory(ctx, tenant.ID, tickKey)

	msg := types.PollMessage{
		TenantID:   tenant.ID,
		ConfigKey:  tenant.ID,
		TickKey:    tickKey,
		TraceID:    uuid.New().String(),
		EnqueuedAt: time.Now().UTC(),
	}

	outcome := d.enqueueWithRetry(ctx, tenant, tickKey, msg)
	d.finishHistory(ctx, historyID, outcome)
	return outcome
}

// tryAcquire claims the tick under the per-call timeout.
func (d *Dispatcher) tryAcquire(ctx context.Context, tenant types.Tenant, tickKey string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()
	return d.guard.TryAcquire(callCtx, tenant.ID, tickKey, tenant.DedupHorizon)
}

// enqueueWithRetry drives the Enqueuing -> RetryWait loop after the
// guard has been won.
func (d *Dispatcher) enqueueWithRetry(ctx context.Context, tenant types.Tenant, tickKey string, msg types.PollMessage) types.DispatchOutcome {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		attempts = attempt + 1

		callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
		messageID, requestID, err := d.producer.Enqueue(callCtx, tenant.QueueURL, msg, tenant.TTL)
		cancel()

		if err == nil {
			return types.DispatchOutcome{
				TenantID:  tenant.ID,
				TickKey:   tickKey,
				Status:    types.StatusEnqueued,
				MessageID: messageID,
				RequestID: requestID,
				Attempts:  attempts,
			}
		}

		lastErr = err
		if !types.IsRetryable(err) {
			// Malformed payloads go straight to the dead-letter queue
			// with zero retries.
			break
		}

		d.logger.WarnContext(ctx, "enqueue attempt failed",
			"tenant_id", tenant.ID,
			"tick_key", tickKey,
			"attempt", attempts,
			"error", err,
		)

		if attempt < d.cfg.MaxAttempts-1 {
			if sleepErr := d.sleepFn(ctx, d.backoff(attempt)); sleepErr != nil {
				return d.abandon(tenant, tickKey, attempts, sleepErr)
			}
		}
	}

	return d.routeToDeadLetter(ctx, tenant, tickKey, msg, lastErr, attempts)
}

// abandon handles the invocation deadline arriving mid-retry. The
// in-flight attempt is dropped and the guard entry is released so the
// tick reads as Pending to a legitimate same-tick duplicate.
func (d *Dispatcher) abandon(tenant types.Tenant, tickKey string, attempts int, cause error) types.DispatchOutcome {
	releaseCtx, cancel := context.WithTimeout(context.Background(), d.cfg.CallTimeout)
	defer cancel()

	if err := d.guard.Release(releaseCtx, tenant.ID, tickKey); err != nil {
		d.logger.ErrorContext(releaseCtx, "failed to release guard after abandoned dispatch",
			"tenant_id", tenant.ID,
			"tick_key", tickKey,
			"error", err,
		)
	}

	d.logger.WarnContext(releaseCtx, "dispatch abandoned at deadline",
		"tenant_id", tenant.ID,
		"tick_key", tickKey,
		"attempts", attempts,
	)

	return types.DispatchOutcome{
		TenantID: tenant.ID,
		TickKey:  tickKey,
		Status:   types.StatusFailed,
		Attempts: attempts,
		Err:      cause,
	}
}

// routeToDeadLetter records the exhausted or malformed dispatch. If the
// dead-letter write itself fails, that failure is escalated as a
// critical alert and the original failure is still reported in the
// outcome; nothing is dropped silently.
func (d *Dispatcher) routeToDeadLetter(ctx context.Context, tenant types.Tenant, tickKey string, msg types.PollMessage, cause error, attempts int) types.DispatchOutcome {
	env := types.DeadLetterEnvelope{
		OriginalTenant: tenant.ID,
		OriginalTick:   tickKey,
		FailureReason:  string(types.CodeOf(cause)),
		AttemptCount:   attempts,
		Message:        msg,
		FailedAt:       time.Now().UTC(),
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	recordErr := d.deadLetter.Record(callCtx, env)
	cancel()

	if recordErr != nil {
		d.logger.ErrorContext(ctx, "CRITICAL: dead-letter write failed, manual intervention required",
			"tenant_id", tenant.ID,
			"tick_key", tickKey,
			"original_error", cause,
			"deadletter_error", recordErr,
		)
		d.metrics.RecordDeadLetterWriteFailure(ctx, tenant.ID)
		return types.DispatchOutcome{
			TenantID: tenant.ID,
			TickKey:  tickKey,
			Status:   types.StatusFailed,
			Attempts: attempts,
			Err:      cause,
		}
	}

	return types.DispatchOutcome{
		TenantID: tenant.ID,
		TickKey:  tickKey,
		Status:   types.StatusDeadLettered,
		Attempts: attempts,
		Err:      cause,
	}
}

// backoff computes the wait before retry attempt+1: base doubled per
// attempt, capped at RetryMaxDelay. Strictly increasing until the cap.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	wait := d.cfg.RetryBaseDelay << uint(attempt)
	if wait > d.cfg.RetryMaxDelay || wait <= 0 {
		wait = d.cfg.RetryMaxDelay
	}
	return wait
}

// startHistory opens the dispatch history row. Best effort.
func (d *Dispatcher) startHistory(ctx context.Context, tenantID string, tickKey string) int64 {
	if d.history == nil {
		return 0
	}
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	id, err := d.history.Start(callCtx, tenantID, tickKey)
	if err != nil {
		d.logger.WarnContext(ctx, "failed to start dispatch history entry",
			"tenant_id", tenantID,
			"tick_key", tickKey,
			"error", err,
		)
		return 0
	}
	return id
}

// finishHistory closes the dispatch history row. Best effort.
func (d *Dispatcher) finishHistory(ctx context.Context, id int64, outcome types.DispatchOutcome) {
	if d.history == nil || id == 0 {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	if err := d.history.Finish(callCtx, id, outcome.Status, outcome.Attempts, outcome.Err); err != nil {
		d.logger.WarnContext(ctx, "failed to finish dispatch history entry",
			"tenant_id", outcome.TenantID,
			"tick_key", outcome.TickKey,
			"error", err,
		)
	}
}
