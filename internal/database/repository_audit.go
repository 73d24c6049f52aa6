package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ============================================================================
// SIGNAL LOG (dedup authority)
// ============================================================================

// InsertSignalLog claims a fingerprint. The primary key makes the first
// insert win; a second insert returns ErrDuplicateSignal.
func (r *Repository) InsertSignalLog(ctx context.Context, e *SignalLogEntry) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO signal_log (fingerprint, instrument, kind, layer, signal_time, price)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.Fingerprint, e.Instrument, e.Kind, nullStr(e.Layer), e.SignalTime, e.Price)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateSignal
		}
		return err
	}
	return nil
}

// RecentSignalExists reports whether a signal identical in substance (same
// instrument, kind, layer, and price to the paisa) was accepted within the
// coalescing window. This is the cross-instance counterpart of the
// in-memory coalescer: fingerprints differ on redelivery timestamps, the
// substance key does not.
func (r *Repository) RecentSignalExists(ctx context.Context, instrument, kind, layer string, price float64, window time.Duration) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM signal_log
			WHERE instrument = $1 AND kind = $2 AND COALESCE(layer, '') = $3
			  AND ABS(price - $4) < 0.01
			  AND received_at > NOW() - $5::interval
		)
	`, instrument, kind, layer, price, fmt.Sprintf("%d milliseconds", window.Milliseconds())).Scan(&exists)
	return exists, err
}

// ============================================================================
// SIGNAL AUDIT
// ============================================================================

// InsertSignalAudit appends the full decision record for a processed signal
func (r *Repository) InsertSignalAudit(ctx context.Context, a *SignalAudit) error {
	return r.db.Pool.QueryRow(ctx, `
		INSERT INTO signal_audit
			(fingerprint, instrument, kind, layer, outcome, reason,
			 payload, validation, sizing, risk, execution, processing_ms, instance_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at
	`, a.Fingerprint, a.Instrument, a.Kind, nullStr(a.Layer), a.Outcome, nullStr(a.Reason),
		a.Payload, a.Validation, a.Sizing, a.Risk, a.Execution, a.ProcessingMs, nullStr(a.InstanceID),
	).Scan(&a.ID, &a.CreatedAt)
}

// ListSignalAudits returns recent audits, optionally filtered by instrument
// and/or outcome. Newest first.
func (r *Repository) ListSignalAudits(ctx context.Context, instrument, outcome string, limit int) ([]*SignalAudit, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, fingerprint, instrument, kind, COALESCE(layer, ''), outcome,
		       COALESCE(reason, ''), payload, validation, sizing, risk, execution,
		       COALESCE(processing_ms, 0), COALESCE(instance_id, ''), created_at
		FROM signal_audit
		WHERE ($1 = '' OR instrument = $1)
		  AND ($2 = '' OR outcome = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := r.db.Pool.Query(ctx, query, instrument, outcome, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var audits []*SignalAudit
	for rows.Next() {
		a := &SignalAudit{}
		if err := rows.Scan(
			&a.ID, &a.Fingerprint, &a.Instrument, &a.Kind, &a.Layer, &a.Outcome,
			&a.Reason, &a.Payload, &a.Validation, &a.Sizing, &a.Risk, &a.Execution,
			&a.ProcessingMs, &a.InstanceID, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		audits = append(audits, a)
	}
	return audits, rows.Err()
}

// AuditOutcomeCounts aggregates outcomes since a cutoff, for /webhook/stats
func (r *Repository) AuditOutcomeCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT outcome, COUNT(*) FROM signal_audit
		WHERE created_at >= $1
		GROUP BY outcome
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// ============================================================================
// ORDER EXECUTION LOG
// ============================================================================

// InsertOrderExecution appends one leg-level order result
func (r *Repository) InsertOrderExecution(ctx context.Context, o *OrderExecutionRecord) error {
	return r.db.Pool.QueryRow(ctx, `
		INSERT INTO order_execution_log
			(order_id, parent_order_id, position_id, symbol, exchange, action,
			 quantity, filled_quantity, limit_price, fill_price, slippage_pct,
			 status, attempts, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at
	`, o.OrderID, nullStr(o.ParentOrderID), nullStr(o.PositionID), o.Symbol, o.Exchange, o.Action,
		o.Quantity, o.FilledQuantity, o.LimitPrice, o.FillPrice, o.SlippagePct,
		o.Status, o.Attempts, o.DurationMs,
	).Scan(&o.ID, &o.CreatedAt)
}

// ListOrderExecutions returns order attempts for a position, oldest first
func (r *Repository) ListOrderExecutions(ctx context.Context, positionID string) ([]*OrderExecutionRecord, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, order_id, COALESCE(parent_order_id, ''), COALESCE(position_id, ''),
		       symbol, exchange, action, quantity, filled_quantity,
		       limit_price, fill_price, slippage_pct, status, attempts,
		       COALESCE(duration_ms, 0), created_at
		FROM order_execution_log
		WHERE position_id = $1
		ORDER BY created_at
	`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*OrderExecutionRecord
	for rows.Next() {
		o := &OrderExecutionRecord{}
		if err := rows.Scan(
			&o.ID, &o.OrderID, &o.ParentOrderID, &o.PositionID,
			&o.Symbol, &o.Exchange, &o.Action, &o.Quantity, &o.FilledQuantity,
			&o.LimitPrice, &o.FillPrice, &o.SlippagePct, &o.Status, &o.Attempts,
			&o.DurationMs, &o.CreatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, o)
	}
	return records, rows.Err()
}

// ============================================================================
// INSTANCE METADATA / LEADERSHIP (DB-backed HA)
// ============================================================================

// RegisterInstance records this process in instance_metadata
func (r *Repository) RegisterInstance(ctx context.Context, instanceID string) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO instance_metadata (instance_id, started_at, last_heartbeat, status)
		VALUES ($1, NOW(), NOW(), 'standby')
		ON CONFLICT (instance_id) DO UPDATE
		SET started_at = NOW(), last_heartbeat = NOW(), status = 'standby',
		    is_leader = FALSE, leader_acquired_at = NULL
	`, instanceID)
	return err
}

// Heartbeat refreshes this instance's liveness timestamp
func (r *Repository) Heartbeat(ctx context.Context, instanceID string, lastSignal *time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE instance_metadata
		SET last_heartbeat = NOW(),
		    last_signal_processed = COALESCE($2, last_signal_processed)
		WHERE instance_id = $1
	`, instanceID, lastSignal)
	return err
}

// TryAcquireDBLeadership claims DB leadership if no live leader exists.
// A leader whose heartbeat is older than staleAfter is considered crashed.
// Returns true if this instance is (now) the leader.
func (r *Repository) TryAcquireDBLeadership(ctx context.Context, instanceID string, staleAfter time.Duration) (bool, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	cutoff := time.Now().Add(-staleAfter)

	// Demote stale leaders first
	if _, err := tx.Exec(ctx, `
		UPDATE instance_metadata
		SET is_leader = FALSE, leader_acquired_at = NULL, status = 'crashed'
		WHERE is_leader = TRUE AND last_heartbeat < $1
	`, cutoff); err != nil {
		return false, err
	}

	var leaderID string
	err = tx.QueryRow(ctx, `
		SELECT instance_id FROM instance_metadata WHERE is_leader = TRUE FOR UPDATE
	`).Scan(&leaderID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}

	if leaderID == instanceID {
		return true, tx.Commit(ctx)
	}
	if leaderID != "" {
		return false, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE instance_metadata
		SET is_leader = TRUE, leader_acquired_at = NOW(), status = 'active'
		WHERE instance_id = $1
	`, instanceID); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// ReleaseDBLeadership relinquishes DB leadership
func (r *Repository) ReleaseDBLeadership(ctx context.Context, instanceID string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE instance_metadata
		SET is_leader = FALSE, leader_acquired_at = NULL, status = 'standby'
		WHERE instance_id = $1
	`, instanceID)
	return err
}

// GetDBLeader returns the current DB-recorded leader, if any
func (r *Repository) GetDBLeader(ctx context.Context) (*InstanceMetadata, error) {
	m := &InstanceMetadata{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT instance_id, started_at, last_heartbeat, last_signal_processed,
		       is_leader, leader_acquired_at, status
		FROM instance_metadata WHERE is_leader = TRUE
	`).Scan(&m.InstanceID, &m.StartedAt, &m.LastHeartbeat, &m.LastSignalProcessed,
		&m.IsLeader, &m.LeaderAcquiredAt, &m.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// ListInstances returns all known instances, leaders first
func (r *Repository) ListInstances(ctx context.Context) ([]*InstanceMetadata, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT instance_id, started_at, last_heartbeat, last_signal_processed,
		       is_leader, leader_acquired_at, status
		FROM instance_metadata
		ORDER BY is_leader DESC, last_heartbeat DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*InstanceMetadata
	for rows.Next() {
		m := &InstanceMetadata{}
		if err := rows.Scan(&m.InstanceID, &m.StartedAt, &m.LastHeartbeat,
			&m.LastSignalProcessed, &m.IsLeader, &m.LeaderAcquiredAt, &m.Status); err != nil {
			return nil, err
		}
		instances = append(instances, m)
	}
	return instances, rows.Err()
}

// RecordLeadershipEvent appends a leadership_history row
func (r *Repository) RecordLeadershipEvent(ctx context.Context, instanceID, event, detail string) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO leadership_history (instance_id, event, detail)
		VALUES ($1, $2, $3)
	`, instanceID, event, nullStr(detail))
	return err
}

// ============================================================================
// RETENTION
// ============================================================================

// CleanupRetention removes audit rows older than the retention window.
// Positions, capital transactions and leadership history are kept forever.
func (r *Repository) CleanupRetention(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := CloseTime(retentionDays)
	var total int64

	for _, query := range []string{
		`DELETE FROM signal_audit WHERE created_at < $1`,
		`DELETE FROM signal_log WHERE received_at < $1`,
		`DELETE FROM order_execution_log WHERE created_at < $1`,
	} {
		tag, err := r.db.Pool.Exec(ctx, query, cutoff)
		if err != nil {
			return total, err
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
