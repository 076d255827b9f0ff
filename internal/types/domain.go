// Package types defines the shared domain model for the polltrigger
// dispatch engine: tenants, ticks, queue message envelopes, dispatch
// outcomes, and the error taxonomy shared by every component.
package types

import (
	"fmt"
	"time"
)

// TTLInfinite is the sentinel TTL meaning "never expires". A trigger
// message represents "poll this tenant now" and must not silently vanish
// while the downstream consumer is briefly down, so infinite is the
// default for tenants without an explicit override.
const TTLInfinite time.Duration = -1

// TickResolution is the granularity at which firing times are truncated
// into tick keys. A tenant whose cron expression carries a seconds field
// gets second resolution; everything else is minute resolution.
type TickResolution time.Duration

const (
	ResolutionMinute TickResolution = TickResolution(time.Minute)
	ResolutionSecond TickResolution = TickResolution(time.Second)
)

// Tenant is one registered downstream partner whose data must be polled
// on a schedule. Tenants are loaded from configuration at process start
// and are immutable for the life of the process.
type Tenant struct {
	// ID is the unique tenant key, e.g. "cadph" or "ladph".
	ID string `json:"id"`

	// ScheduleName binds the tenant to a named firing. Several tenants
	// may share one physical schedule; the firing payload carries the
	// schedule name (and optionally explicit tenant tags).
	ScheduleName string `json:"schedule_name"`

	// CronExpr is a standard 5-field cron expression, with an optional
	// leading seconds field.
	CronExpr string `json:"schedule"`

	// Timezone is the IANA zone the schedule is evaluated in. Empty
	// means UTC. Tick keys are always rendered in UTC regardless.
	Timezone string `json:"timezone,omitempty"`

	// QueueURL is the destination queue for this tenant's trigger
	// messages. Queues may be shared across tenants.
	QueueURL string `json:"queue_url"`

	// TTL overrides the message time-to-live. TTLInfinite (the zero
	// configuration case) means the message never expires.
	TTL time.Duration `json:"-"`

	// Resolution is derived from the cron expression when the registry
	// loads the tenant.
	Resolution TickResolution `json:"-"`

	// DedupHorizon is how long a (tenant, tick) guard entry stays live.
	// Derived from the schedule interval when the registry loads the
	// tenant; always covers several multiples of the schedule period.
	DedupHorizon time.Duration `json:"-"`
}

// TickFor truncates a firing time to this tenant's schedule resolution
// and returns the logical tick. Truncation happens in UTC so that two
// scheduler instances firing for the same logical instant always agree
// on the key.
func (t Tenant) TickFor(firedAt time.Time) DispatchTick {
	truncated := firedAt.UTC().Truncate(time.Duration(t.Resolution))
	return DispatchTick{TenantID: t.ID, FiredAt: truncated}
}

// DispatchTick is the logical unit of "this tenant was due to fire at
// this time": a (tenant, truncated firing timestamp) pair. At most one
// successful enqueue may ever be attributed to a tick.
type DispatchTick struct {
	TenantID string
	FiredAt  time.Time
}

// Key renders the tick as the guard-store key, e.g.
// "cadph:2026-01-05T09:30:00Z".
func (k DispatchTick) Key() string {
	return fmt.Sprintf("%s:%s", k.TenantID, k.FiredAt.UTC().Format(time.RFC3339))
}

// Firing is the invocation payload handed to the dispatcher by the
// firing runtime. EventBridge rules send the schedule name and firing
// time; manual invocations may pin a reference time and name explicit
// tenant tags.
type Firing struct {
	// ScheduleName identifies which named schedule fired.
	ScheduleName string `json:"schedule"`

	// Time is the wall-clock firing time supplied by the runtime.
	// Zero means "now".
	Time time.Time `json:"time,omitempty"`

	// Tenants optionally lists explicit tenant IDs bound to this
	// firing. When empty, the registry resolves tenants by
	// ScheduleName.
	Tenants []string `json:"tenants,omitempty"`

	// ReferenceTime lets manual invocations pin the tick for
	// deterministic replays. Takes precedence over Time.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// EffectiveTime resolves the firing instant: ReferenceTime wins, then
// Time, then now.
func (f Firing) EffectiveTime(now time.Time) time.Time {
	if f.ReferenceTime != nil {
		return f.ReferenceTime.UTC()
	}
	if !f.Time.IsZero() {
		return f.Time.UTC()
	}
	return now.UTC()
}
