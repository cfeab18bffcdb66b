package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const signalColumns = `id, whale_id, source, symbol, side, trade_type, price, size_usd,
	is_close, priority, status, dedup_token, detected_at, processing_started_at,
	processed_at, trades_executed, error_message, version`

func scanSignal(row interface{ Scan(...interface{}) error }) (*Signal, error) {
	var s Signal
	err := row.Scan(
		&s.ID, &s.WhaleID, &s.Source, &s.Symbol, &s.Side, &s.TradeType, &s.Price, &s.SizeUSD,
		&s.IsClose, &s.Priority, &s.Status, &s.DedupToken, &s.DetectedAt, &s.ProcessingStartedAt,
		&s.ProcessedAt, &s.TradesExecuted, &s.ErrorMessage, &s.Version,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSignal inserts a PENDING signal. A duplicate dedup token is a
// silent no-op: the signal keeps ID 0 and the caller drops it.
func (r *Repository) CreateSignal(ctx context.Context, s *Signal) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO signals (whale_id, source, symbol, side, trade_type, price, size_usd,
			is_close, priority, status, dedup_token, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (dedup_token) DO NOTHING
		RETURNING id`,
		s.WhaleID, s.Source, s.Symbol, s.Side, s.TradeType, s.Price, s.SizeUSD,
		s.IsClose, s.Priority, SignalPending, s.DedupToken, s.DetectedAt,
	).Scan(&s.ID)
	if err == pgx.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create signal: %w", err)
	}
	s.Status = SignalPending
	return nil
}

// GetSignal retrieves a signal by id
func (r *Repository) GetSignal(ctx context.Context, id int64) (*Signal, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+signalColumns+` FROM signals WHERE id = $1`, id)
	s, err := scanSignal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get signal %d: %w", id, err)
	}
	return s, nil
}

// PickNextSignal atomically claims the highest-priority, oldest PENDING
// signal not past expiry, transitioning it to PROCESSING. The version
// predicate makes the claim optimistic: a concurrent worker that claimed
// the same row first leaves this update matching zero rows, and we retry
// with the next candidate.
func (r *Repository) PickNextSignal(ctx context.Context, expiry time.Duration) (*Signal, error) {
	cutoff := time.Now().Add(-expiry)

	for attempt := 0; attempt < 3; attempt++ {
		row := r.pool.QueryRow(ctx, `
			SELECT `+signalColumns+`
			FROM signals
			WHERE status = $1 AND detected_at >= $2
			ORDER BY CASE priority WHEN 'HIGH' THEN 0 WHEN 'MEDIUM' THEN 1 ELSE 2 END, detected_at
			LIMIT 1`,
			SignalPending, cutoff)
		candidate, err := scanSignal(row)
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query next signal: %w", err)
		}

		tag, err := r.pool.Exec(ctx, `
			UPDATE signals
			SET status = $1, processing_started_at = NOW(), version = version + 1
			WHERE id = $2 AND status = $3 AND version = $4`,
			SignalProcessing, candidate.ID, SignalPending, candidate.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to claim signal %d: %w", candidate.ID, err)
		}
		if tag.RowsAffected() == 1 {
			now := time.Now()
			candidate.Status = SignalProcessing
			candidate.ProcessingStartedAt = &now
			candidate.Version++
			return candidate, nil
		}
		// Lost the race; try the next candidate
	}
	return nil, nil
}

// MarkSignalProcessed transitions a PROCESSING signal to PROCESSED
func (r *Repository) MarkSignalProcessed(ctx context.Context, id int64, tradesExecuted int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE signals
		SET status = $1, processed_at = NOW(), trades_executed = $2, version = version + 1
		WHERE id = $3 AND status = $4`,
		SignalProcessed, tradesExecuted, id, SignalProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark signal %d processed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("signal %d not in PROCESSING", id)
	}
	return nil
}

// MarkSignalFailed transitions a signal to FAILED from either PENDING
// (validation failure) or PROCESSING.
func (r *Repository) MarkSignalFailed(ctx context.Context, id int64, msg string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE signals
		SET status = $1, processed_at = NOW(), error_message = $2, version = version + 1
		WHERE id = $3 AND status IN ($4, $5)`,
		SignalFailed, msg, id, SignalPending, SignalProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark signal %d failed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("signal %d not in a failable state", id)
	}
	return nil
}

// CleanupExpiredSignals batch-expires over-age PENDING signals
func (r *Repository) CleanupExpiredSignals(ctx context.Context, expiry time.Duration) (int64, error) {
	cutoff := time.Now().Add(-expiry)
	tag, err := r.pool.Exec(ctx, `
		UPDATE signals
		SET status = $1, processed_at = NOW(), version = version + 1
		WHERE status = $2 AND detected_at < $3`,
		SignalExpired, SignalPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire signals: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountSignalsByStatus returns queue depth per status for the ops API
func (r *Repository) CountSignalsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM signals GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count signals: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
