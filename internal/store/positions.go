package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/catalyst/internal/database"
	"github.com/aristath/catalyst/internal/domain"
)

const positionColumns = `position_id, cycle_id, security_id, side, quantity, entry_price,
exit_price, stop_loss, take_profit, status, opened_at, closed_at, realized_pnl,
unrealized_pnl, max_favorable, max_adverse, entry_order_id, exit_order_id, close_reason`

// OpenPosition creates an open position and links its entry order in one
// transaction. The entry order must already be filled; an open position
// without a filled entry order is an invariant violation.
func (g *Gateway) OpenPosition(ctx context.Context, pos *domain.Position, entryOrderID string) error {
	if pos.Quantity <= 0 {
		return domain.Classifiedf(domain.ErrValidation, "position quantity must be positive, got %f", pos.Quantity)
	}

	err := database.WithTransaction(g.db.Conn(), func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			"SELECT status FROM orders WHERE order_id = ?", entryOrderID).Scan(&status)
		if err == sql.ErrNoRows {
			return domain.Classifiedf(domain.ErrValidation, "unknown entry order %s", entryOrderID)
		}
		if err != nil {
			return err
		}
		if domain.OrderStatus(status) != domain.OrderFilled {
			return domain.Classifiedf(domain.ErrDataIntegrity,
				"entry order %s is %s, must be filled to open a position", entryOrderID, status)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO positions
				(position_id, cycle_id, security_id, side, quantity, entry_price, stop_loss,
				 take_profit, status, opened_at, entry_order_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pos.PositionID, pos.CycleID, pos.SecurityID, string(pos.Side), pos.Quantity,
			pos.EntryPrice, nullableFloat(pos.StopLoss), nullableFloat(pos.TakeProfit),
			string(domain.PositionOpen), formatTime(pos.OpenedAt), entryOrderID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE orders SET position_id = ? WHERE order_id = ?", pos.PositionID, entryOrderID)
		return err
	})
	if err != nil {
		if c := domain.ClassOf(err); c == domain.ErrValidation || c == domain.ErrDataIntegrity {
			return err
		}
		return storeErr(fmt.Errorf("failed to open position %s: %w", pos.PositionID, err))
	}

	pos.Status = domain.PositionOpen
	entryID := entryOrderID
	pos.EntryOrderID = &entryID
	g.log.Info().Str("position_id", pos.PositionID).Str("cycle_id", pos.CycleID).Msg("Position opened")
	return nil
}

// ClosePosition transitions a position to closed, linking its exit order
// and recording the realized P&L. Runs in one transaction; the exit order
// must be filled and the close time must not precede the open time.
func (g *Gateway) ClosePosition(ctx context.Context, positionID, exitOrderID string, exitPrice, realizedPnL float64, closedAt time.Time, reason string) error {
	err := database.WithTransaction(g.db.Conn(), func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			"SELECT status FROM orders WHERE order_id = ?", exitOrderID).Scan(&status)
		if err == sql.ErrNoRows {
			return domain.Classifiedf(domain.ErrValidation, "unknown exit order %s", exitOrderID)
		}
		if err != nil {
			return err
		}
		if domain.OrderStatus(status) != domain.OrderFilled {
			return domain.Classifiedf(domain.ErrDataIntegrity,
				"exit order %s is %s, must be filled to close a position", exitOrderID, status)
		}

		var openedAt string
		err = tx.QueryRowContext(ctx,
			"SELECT opened_at FROM positions WHERE position_id = ?", positionID).Scan(&openedAt)
		if err == sql.ErrNoRows {
			return domain.Classifiedf(domain.ErrValidation, "unknown position %s", positionID)
		}
		if err != nil {
			return err
		}
		opened, err := parseTime(openedAt)
		if err != nil {
			return err
		}
		if closedAt.Before(opened) {
			return domain.Classifiedf(domain.ErrDataIntegrity,
				"position %s close time precedes open time", positionID)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE positions SET
				status = ?, exit_price = ?, realized_pnl = ?, unrealized_pnl = 0,
				closed_at = ?, exit_order_id = ?, close_reason = ?
			WHERE position_id = ?`,
			string(domain.PositionClosed), exitPrice, realizedPnL,
			formatTime(closedAt), exitOrderID, reason, positionID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE orders SET position_id = ? WHERE order_id = ?", positionID, exitOrderID)
		return err
	})
	if err != nil {
		if c := domain.ClassOf(err); c == domain.ErrValidation || c == domain.ErrDataIntegrity {
			return err
		}
		return storeErr(fmt.Errorf("failed to close position %s: %w", positionID, err))
	}

	g.log.Info().Str("position_id", positionID).Str("reason", reason).Msg("Position closed")
	return nil
}

// MarkUpdate carries one position's mark-to-market refresh.
type MarkUpdate struct {
	PositionID    string
	UnrealizedPnL float64
	MaxFavorable  float64
	MaxAdverse    float64
}

// BulkUpdateMarks persists the mark-to-market loop's output for all open
// positions of a cycle in a single transaction.
func (g *Gateway) BulkUpdateMarks(ctx context.Context, updates []MarkUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	err := database.WithTransaction(g.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE positions SET
				unrealized_pnl = ?,
				max_favorable = MAX(max_favorable, ?),
				max_adverse = MIN(max_adverse, ?)
			WHERE position_id = ? AND status = 'open'`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, u := range updates {
			if _, err := stmt.ExecContext(ctx,
				u.UnrealizedPnL, u.MaxFavorable, u.MaxAdverse, u.PositionID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storeErr(fmt.Errorf("failed to bulk-update %d position marks: %w", len(updates), err))
	}
	return nil
}

// OpenPositions returns open positions, optionally filtered to one cycle
// (empty cycleID means all cycles).
func (g *Gateway) OpenPositions(ctx context.Context, cycleID string) ([]domain.Position, error) {
	query := "SELECT " + positionColumns + " FROM positions WHERE status = 'open'"
	args := []interface{}{}
	if cycleID != "" {
		query += " AND cycle_id = ?"
		args = append(args, cycleID)
	}
	query += " ORDER BY opened_at ASC"

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(fmt.Errorf("failed to query open positions: %w", err))
	}
	defer rows.Close()

	return scanPositions(rows)
}

// CountOpenPositions returns the number of open positions in a cycle.
func (g *Gateway) CountOpenPositions(ctx context.Context, cycleID string) (int, error) {
	var n int
	err := g.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM positions WHERE cycle_id = ? AND status = 'open'", cycleID).Scan(&n)
	if err != nil {
		return 0, storeErr(fmt.Errorf("failed to count open positions for %s: %w", cycleID, err))
	}
	return n, nil
}

// GetPosition returns a position by id, or nil when it does not exist.
func (g *Gateway) GetPosition(ctx context.Context, positionID string) (*domain.Position, error) {
	rows, err := g.db.QueryContext(ctx,
		"SELECT "+positionColumns+" FROM positions WHERE position_id = ?", positionID)
	if err != nil {
		return nil, storeErr(fmt.Errorf("failed to query position %s: %w", positionID, err))
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	positions, err := scanPositionRow(rows)
	if err != nil {
		return nil, err
	}
	return positions, nil
}

// PositionsClosedOn returns positions of a cycle closed on a trade date
// (YYYY-MM-DD), used by the daily metric rollup.
func (g *Gateway) PositionsClosedOn(ctx context.Context, cycleID, tradeDate string) ([]domain.Position, error) {
	rows, err := g.db.QueryContext(ctx,
		"SELECT "+positionColumns+` FROM positions
		 WHERE cycle_id = ? AND status = 'closed' AND substr(closed_at, 1, 10) = ?
		 ORDER BY closed_at ASC`,
		cycleID, tradeDate)
	if err != nil {
		return nil, storeErr(fmt.Errorf("failed to query closed positions: %w", err))
	}
	defer rows.Close()

	return scanPositions(rows)
}

func scanPositions(rows *sql.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		pos, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *pos)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return positions, nil
}

func scanPositionRow(rows *sql.Rows) (*domain.Position, error) {
	var (
		p            domain.Position
		side         string
		exitPrice    sql.NullFloat64
		stopLoss     sql.NullFloat64
		takeProfit   sql.NullFloat64
		status       string
		openedAt     string
		closedAt     sql.NullString
		entryOrderID sql.NullString
		exitOrderID  sql.NullString
		closeReason  sql.NullString
	)

	err := rows.Scan(&p.PositionID, &p.CycleID, &p.SecurityID, &side, &p.Quantity,
		&p.EntryPrice, &exitPrice, &stopLoss, &takeProfit, &status, &openedAt, &closedAt,
		&p.RealizedPnL, &p.UnrealizedPnL, &p.MaxFavorable, &p.MaxAdverse,
		&entryOrderID, &exitOrderID, &closeReason)
	if err != nil {
		return nil, fmt.Errorf("failed to scan position: %w", err)
	}

	p.Side = domain.PositionSide(side)
	p.Status = domain.PositionStatus(status)
	if exitPrice.Valid {
		v := exitPrice.Float64
		p.ExitPrice = &v
	}
	if stopLoss.Valid {
		v := stopLoss.Float64
		p.StopLoss = &v
	}
	if takeProfit.Valid {
		v := takeProfit.Float64
		p.TakeProfit = &v
	}
	if p.OpenedAt, err = parseTime(openedAt); err != nil {
		return nil, err
	}
	if p.ClosedAt, err = scanNullTime(closedAt); err != nil {
		return nil, err
	}
	if entryOrderID.Valid {
		v := entryOrderID.String
		p.EntryOrderID = &v
	}
	if exitOrderID.Valid {
		v := exitOrderID.String
		p.ExitOrderID = &v
	}
	p.CloseReason = closeReason.String

	return &p, nil
}
