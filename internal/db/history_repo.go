package db

import (
	"context"

	"polltrigger/internal/types"
)

// HistoryRepository records every terminal dispatch outcome in the
// dispatch_history table. History is the operator-facing trail next to
// the dead-letter queue: which tenant fired when, how many attempts it
// took, and how it ended. Best effort; a history write failure never
// fails the dispatch itself.
//
// Schema:
//
//	CREATE TABLE dispatch_history (
//	    id          BIGSERIAL PRIMARY KEY,
//	    tenant_id   TEXT        NOT NULL,
//	    tick_key    TEXT        NOT NULL,
//	    started_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    finished_at TIMESTAMPTZ,
//	    status      TEXT        NOT NULL,
//	    attempts    INT         NOT NULL DEFAULT 0,
//	    error       TEXT
//	);
type HistoryRepository struct {
	db DBTX
}

// NewHistoryRepository creates a HistoryRepository backed by the given
// connection (pool or transaction).
func NewHistoryRepository(db DBTX) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Start inserts a 'running' row for the (tenant, tick) dispatch and
// returns its ID for the later Finish call.
func (r *HistoryRepository) Start(ctx context.Context, tenantID string, tickKey string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO dispatch_history (tenant_id, tick_key, started_at, status)
		 VALUES ($1, $2, NOW(), 'running')
		 RETURNING id`,
		tenantID,
		tickKey,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to start dispatch history entry", err)
	}
	return id, nil
}

// Finish closes the history row with the terminal status, attempt
// count, and optional error message.
func (r *HistoryRepository) Finish(ctx context.Context, id int64, status types.DispatchStatus, attempts int, dispatchErr error) error {
	var errMsg *string
	if dispatchErr != nil {
		s := dispatchErr.Error()
		errMsg = &s
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE dispatch_history
		 SET finished_at = NOW(), status = $2, attempts = $3, error = $4
		 WHERE id = $1`,
		id,
		string(status),
		attempts,
		errMsg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish dispatch history entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "dispatch history entry not found", nil)
	}
	return nil
}
