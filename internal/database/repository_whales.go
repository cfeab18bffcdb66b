package database

import (
	"context"
	"fmt"
	"time"
)

const whaleColumns = `id, exchange, exchange_uid, chain, address, display_name,
	priority_score, data_status, last_position_found, last_checked_at,
	follower_count, win_rate, avg_win_loss, roi_percent, is_active,
	created_at, updated_at`

func scanWhale(row interface{ Scan(...interface{}) error }) (*Whale, error) {
	var w Whale
	err := row.Scan(
		&w.ID, &w.Exchange, &w.ExchangeUID, &w.Chain, &w.Address, &w.DisplayName,
		&w.PriorityScore, &w.DataStatus, &w.LastPositionFound, &w.LastCheckedAt,
		&w.FollowerCount, &w.WinRate, &w.AvgWinLossRatio, &w.ROIPercent, &w.IsActive,
		&w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWhale retrieves a whale by id
func (r *Repository) GetWhale(ctx context.Context, id int64) (*Whale, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+whaleColumns+` FROM whales WHERE id = $1`, id)
	w, err := scanWhale(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get whale %d: %w", id, err)
	}
	return w, nil
}

// CreateWhale inserts a whale discovered by the operator or an external
// discovery job. Duplicate (exchange, exchange_uid) pairs are rejected.
func (r *Repository) CreateWhale(ctx context.Context, w *Whale) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO whales (exchange, exchange_uid, chain, address, display_name, priority_score, data_status, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
		RETURNING id, created_at, updated_at`,
		w.Exchange, w.ExchangeUID, w.Chain, w.Address, w.DisplayName, w.PriorityScore, w.DataStatus,
	).Scan(&w.ID, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create whale: %w", err)
	}
	return nil
}

// ListActiveWhales returns every active whale with its follower count,
// ordered by priority. The scheduler partitions these into tiers.
func (r *Repository) ListActiveWhales(ctx context.Context) ([]*Whale, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+whaleColumns+`
		FROM whales
		WHERE is_active
		ORDER BY priority_score DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active whales: %w", err)
	}
	defer rows.Close()

	var whales []*Whale
	for rows.Next() {
		w, err := scanWhale(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan whale: %w", err)
		}
		whales = append(whales, w)
	}
	return whales, rows.Err()
}

// ListFollowedWhaleIDs returns the ids of whales with at least one
// auto-copy follower. These qualify for the fastest polling tier.
func (r *Repository) ListFollowedWhaleIDs(ctx context.Context) (map[int64]bool, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT whale_id FROM whale_follows WHERE auto_copy_enabled`)
	if err != nil {
		return nil, fmt.Errorf("failed to list followed whales: %w", err)
	}
	defer rows.Close()

	followed := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		followed[id] = true
	}
	return followed, rows.Err()
}

// UpdateWhalePriority persists a recomputed priority score
func (r *Repository) UpdateWhalePriority(ctx context.Context, whaleID int64, score int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE whales SET priority_score = $2, updated_at = NOW() WHERE id = $1`,
		whaleID, score)
	if err != nil {
		return fmt.Errorf("failed to update whale priority: %w", err)
	}
	return nil
}

// RecordWhaleChecked updates the bookkeeping after a fetch attempt.
// positionsFound also bumps last_position_found and restores ACTIVE status.
func (r *Repository) RecordWhaleChecked(ctx context.Context, whaleID int64, positionsFound bool) error {
	var err error
	if positionsFound {
		_, err = r.pool.Exec(ctx, `
			UPDATE whales
			SET last_checked_at = NOW(), last_position_found = NOW(), data_status = $2, updated_at = NOW()
			WHERE id = $1`, whaleID, WhaleDataActive)
	} else {
		_, err = r.pool.Exec(ctx, `
			UPDATE whales SET last_checked_at = NOW(), updated_at = NOW() WHERE id = $1`, whaleID)
	}
	if err != nil {
		return fmt.Errorf("failed to record whale check: %w", err)
	}
	return nil
}

// MarkStaleWhales downgrades whales whose data has not refreshed within
// threshold to STALE, and STALE whales past 4x the threshold to DEAD.
func (r *Repository) MarkStaleWhales(ctx context.Context, threshold time.Duration) (int64, error) {
	staleCutoff := time.Now().Add(-threshold)
	deadCutoff := time.Now().Add(-4 * threshold)

	tag, err := r.pool.Exec(ctx, `
		UPDATE whales SET data_status = $1, updated_at = NOW()
		WHERE data_status = $2 AND last_position_found < $3`,
		WhaleDataStale, WhaleDataActive, staleCutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale whales: %w", err)
	}
	changed := tag.RowsAffected()

	tag, err = r.pool.Exec(ctx, `
		UPDATE whales SET data_status = $1, updated_at = NOW()
		WHERE data_status = $2 AND last_position_found < $3`,
		WhaleDataDead, WhaleDataStale, deadCutoff)
	if err != nil {
		return changed, fmt.Errorf("failed to mark dead whales: %w", err)
	}
	return changed + tag.RowsAffected(), nil
}

// RefreshFollowerCounts recomputes the denormalized follower_count column
func (r *Repository) RefreshFollowerCounts(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE whales w SET follower_count = (
			SELECT COUNT(*) FROM whale_follows f WHERE f.whale_id = w.id
		)`)
	if err != nil {
		return fmt.Errorf("failed to refresh follower counts: %w", err)
	}
	return nil
}
