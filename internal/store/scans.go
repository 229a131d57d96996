package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/catalyst/internal/database"
	"github.com/aristath/catalyst/internal/domain"
)

const scanColumns = `scan_id, cycle_id, security_id, time_id, momentum_score, volume_score,
catalyst_score, technical_score, composite_score, price, volume, change_pct, selected, rank`

// InsertScanResults bulk-inserts the scan results of one tick in a single
// transaction. A tick that wrote nothing is a valid outcome, so an empty
// slice is a no-op.
func (g *Gateway) InsertScanResults(ctx context.Context, results []domain.ScanResult) error {
	if len(results) == 0 {
		return nil
	}

	err := database.WithTransaction(g.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO scan_results
				(cycle_id, security_id, time_id, momentum_score, volume_score, catalyst_score,
				 technical_score, composite_score, price, volume, change_pct, selected, rank)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range results {
			var rank interface{}
			if r.Rank != nil {
				rank = *r.Rank
			}
			if _, err := stmt.ExecContext(ctx,
				r.CycleID, r.SecurityID, r.TimeID, r.MomentumScore, r.VolumeScore,
				r.CatalystScore, r.TechnicalScore, r.CompositeScore, r.Price, r.Volume,
				r.ChangePct, boolToInt(r.Selected), rank); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storeErr(fmt.Errorf("failed to insert %d scan results: %w", len(results), err))
	}
	return nil
}

// MarkSelected flags the selected scan results of a tick and assigns ranks
// 1..N in the order given. Runs in one transaction so ranks are unique per
// (cycle, scan-time).
func (g *Gateway) MarkSelected(ctx context.Context, cycleID string, timeID int64, securityIDs []int64) error {
	if len(securityIDs) == 0 {
		return nil
	}

	err := database.WithTransaction(g.db.Conn(), func(tx *sql.Tx) error {
		for i, secID := range securityIDs {
			res, err := tx.ExecContext(ctx, `
				UPDATE scan_results SET selected = 1, rank = ?
				WHERE cycle_id = ? AND time_id = ? AND security_id = ?`,
				i+1, cycleID, timeID, secID)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return domain.Classifiedf(domain.ErrDataIntegrity,
					"no scan result for cycle=%s time=%d security=%d", cycleID, timeID, secID)
			}
		}
		return nil
	})
	if err != nil {
		if domain.ClassOf(err) == domain.ErrDataIntegrity {
			return err
		}
		return storeErr(fmt.Errorf("failed to mark selected scan results: %w", err))
	}
	return nil
}

// LatestScanTime returns the time_id of the most recent tick that wrote
// scan results for the cycle, or 0 when the cycle has none yet.
func (g *Gateway) LatestScanTime(ctx context.Context, cycleID string) (int64, error) {
	var timeID sql.NullInt64
	err := g.db.QueryRowContext(ctx,
		`SELECT MAX(time_id) FROM scan_results WHERE cycle_id = ?`, cycleID).Scan(&timeID)
	if err != nil {
		return 0, storeErr(fmt.Errorf("failed to query latest scan time: %w", err))
	}
	if !timeID.Valid {
		return 0, nil
	}
	return timeID.Int64, nil
}

// TopScanResults returns the top-N scan results of a tick by composite
// score, highest first.
func (g *Gateway) TopScanResults(ctx context.Context, cycleID string, timeID int64, limit int) ([]domain.ScanResult, error) {
	rows, err := g.db.QueryContext(ctx,
		"SELECT "+scanColumns+` FROM scan_results
		 WHERE cycle_id = ? AND time_id = ?
		 ORDER BY composite_score DESC, scan_id ASC LIMIT ?`,
		cycleID, timeID, limit)
	if err != nil {
		return nil, storeErr(fmt.Errorf("failed to query top scan results: %w", err))
	}
	defer rows.Close()

	return scanScanResults(rows)
}

// SelectedScanResults returns the flagged results of a tick ordered by rank.
func (g *Gateway) SelectedScanResults(ctx context.Context, cycleID string, timeID int64) ([]domain.ScanResult, error) {
	rows, err := g.db.QueryContext(ctx,
		"SELECT "+scanColumns+` FROM scan_results
		 WHERE cycle_id = ? AND time_id = ? AND selected = 1
		 ORDER BY rank ASC`,
		cycleID, timeID)
	if err != nil {
		return nil, storeErr(fmt.Errorf("failed to query selected scan results: %w", err))
	}
	defer rows.Close()

	return scanScanResults(rows)
}

func scanScanResults(rows *sql.Rows) ([]domain.ScanResult, error) {
	var results []domain.ScanResult
	for rows.Next() {
		var (
			r        domain.ScanResult
			selected int
			rank     sql.NullInt64
		)
		err := rows.Scan(&r.ScanID, &r.CycleID, &r.SecurityID, &r.TimeID,
			&r.MomentumScore, &r.VolumeScore, &r.CatalystScore, &r.TechnicalScore,
			&r.CompositeScore, &r.Price, &r.Volume, &r.ChangePct, &selected, &rank)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scan result: %w", err)
		}
		r.Selected = selected != 0
		if rank.Valid {
			v := int(rank.Int64)
			r.Rank = &v
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return results, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
