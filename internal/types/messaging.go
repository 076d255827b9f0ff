package types

import "time"

// PollMessage is the queue payload that tells the downstream poller to
// retrieve one tenant's data now. JSON tags use snake_case to match the
// consumer side.
//
// Visibility timeout coupling: the producer does not set a consumer-side
// visibility timeout; that is configured where the message is read. The
// read-side visibility timeout MUST exceed the worst-case consumer
// processing time for this tenant, or the message becomes re-visible and
// is processed twice before the first pass completes. EnqueuedAt is
// carried so consumers can audit their window against real queue lag.
type PollMessage struct {
	// TenantID is the tenant whose data should be polled.
	TenantID string `json:"tenant_id"`

	// ConfigKey is reserved to carry a richer client-configuration key
	// in the future. Currently mirrors TenantID.
	ConfigKey string `json:"config_key,omitempty"`

	// TickKey identifies the logical scheduled firing this message was
	// produced for.
	TickKey string `json:"tick_key"`

	// TraceID correlates the dispatch with downstream processing.
	TraceID string `json:"trace_id"`

	// EnqueuedAt is the producer-side send time.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// TTLSeconds is the message time-to-live carried for the consumer.
	// nil means the message never expires. Bounded values pass through
	// unchanged from tenant configuration.
	TTLSeconds *int64 `json:"ttl_seconds,omitempty"`
}

// DeadLetterEnvelope wraps a failed dispatch attempt for the dead-letter
// queue. It is tagged with everything an operator needs to inspect and
// manually replay the dispatch.
type DeadLetterEnvelope struct {
	OriginalTenant string      `json:"original_tenant"`
	OriginalTick   string      `json:"original_tick"`
	FailureReason  string      `json:"failure_reason"`
	AttemptCount   int         `json:"attempt_count"`
	Message        PollMessage `json:"message"`
	FailedAt       time.Time   `json:"failed_at"`
}

// DispatchStatus is the terminal state of one (tenant, tick) dispatch.
type DispatchStatus string

const (
	StatusEnqueued     DispatchStatus = "enqueued"
	StatusSkipped      DispatchStatus = "skipped"
	StatusDeadLettered DispatchStatus = "dead_lettered"
	StatusFailed       DispatchStatus = "failed"
)

// Skip reasons for StatusSkipped outcomes.
const (
	SkipDuplicateTick = "duplicate_tick"
	SkipGuardDegraded = "guard_degraded"
)

// DispatchOutcome is the observable result of one (tenant, tick)
// dispatch. Every terminal outcome is emitted to the observability sink;
// none is ever swallowed.
type DispatchOutcome struct {
	TenantID string
	TickKey  string
	Status   DispatchStatus

	// MessageID and RequestID are set for StatusEnqueued.
	MessageID string
	RequestID string

	// SkipReason is set for StatusSkipped: SkipDuplicateTick or
	// SkipGuardDegraded.
	SkipReason string

	// Attempts counts enqueue attempts made, including the final one.
	Attempts int

	// Err carries the terminal error for StatusDeadLettered and
	// StatusFailed.
	Err error
}
