package db

import (
	"context"
	"time"

	"polltrigger/internal/types"
)

// GuardRepository is the dispatch guard's backing store: a time-bounded
// set of (tenant, tick) keys in the dispatch_guard table. The firing
// runtime may invoke the dispatcher more than once for the same logical
// tick (platform retries, overlapping scheduler instances); the guard
// makes sure only one of those invocations wins the enqueue.
//
// Schema:
//
//	CREATE TABLE dispatch_guard (
//	    tenant_id   TEXT        NOT NULL,
//	    tick_key    TEXT        NOT NULL,
//	    acquired_at TIMESTAMPTZ NOT NULL,
//	    expires_at  TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (tenant_id, tick_key)
//	);
type GuardRepository struct {
	db DBTX
}

// NewGuardRepository creates a GuardRepository backed by the given
// connection (pool or transaction).
func NewGuardRepository(db DBTX) *GuardRepository {
	return &GuardRepository{db: db}
}

// TryAcquire atomically claims the (tenantID, tickKey) pair. Returns
// true exactly once per pair until the entry ages out of the dedup
// horizon; concurrent callers race on a single INSERT ... ON CONFLICT
// statement, so two of them can never both see true.
//
// SQL pattern:
//
//	INSERT INTO dispatch_guard (tenant_id, tick_key, acquired_at, expires_at)
//	VALUES ($1, $2, $3, $4)
//	ON CONFLICT (tenant_id, tick_key) DO UPDATE
//	  SET acquired_at = EXCLUDED.acquired_at,
//	      expires_at  = EXCLUDED.expires_at
//	  WHERE dispatch_guard.expires_at < $3
//
// The expiry is computed as a concrete timestamp in Go rather than with
// interval arithmetic in SQL, since Go duration strings are not valid
// PostgreSQL intervals. RowsAffected is 1 when the INSERT created a new
// row or an expired row was reclaimed, and 0 when a live entry already
// holds the tick.
func (r *GuardRepository) TryAcquire(ctx context.Context, tenantID string, tickKey string, horizon time.Duration) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(horizon)

	tag, err := r.db.Exec(ctx,
		`INSERT INTO dispatch_guard (tenant_id, tick_key, acquired_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, tick_key) DO UPDATE
		   SET acquired_at = EXCLUDED.acquired_at,
		       expires_at  = EXCLUDED.expires_at
		   WHERE dispatch_guard.expires_at < $3`,
		tenantID,
		tickKey,
		now,
		expiresAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeGuardUnavailable, "failed to acquire dispatch guard", err)
	}

	return tag.RowsAffected() > 0, nil
}

// Release deletes the (tenantID, tickKey) entry. Called only when a
// dispatch is abandoned mid-flight on deadline, so a legitimate
// same-tick duplicate invocation can still claim the tick. Releasing an
// entry that was never acquired is a no-op.
func (r *GuardRepository) Release(ctx context.Context, tenantID string, tickKey string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM dispatch_guard WHERE tenant_id = $1 AND tick_key = $2`,
		tenantID,
		tickKey,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeGuardUnavailable, "failed to release dispatch guard", err)
	}
	return nil
}

// PurgeExpired removes guard entries past their horizon. Run
// opportunistically; correctness does not depend on it because
// TryAcquire reclaims expired rows in place.
func (r *GuardRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM dispatch_guard WHERE expires_at < $1`,
		now.UTC(),
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge expired guard entries", err)
	}
	return tag.RowsAffected(), nil
}
