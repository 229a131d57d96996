package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/catalyst/internal/database"
	"github.com/aristath/catalyst/internal/domain"
)

const cycleColumns = `cycle_id, mode, status, scan_interval_seconds, max_positions, risk_level,
started_at, ends_at, stopped_at, stop_reason, config_json, positions_opened, positions_closed, risk_event_count`

// CreateCycle inserts a new cycle in active state. The at-most-one-running
// invariant is enforced inside the same transaction as the insert: if any
// cycle is already in {active, paused, stopping} the create fails.
func (g *Gateway) CreateCycle(ctx context.Context, cycle *domain.TradingCycle) error {
	if cycle.MaxPositions < 1 || cycle.MaxPositions > 10 {
		return domain.Classifiedf(domain.ErrValidation, "max_positions must be 1-10, got %d", cycle.MaxPositions)
	}
	if cycle.RiskLevel < 0 || cycle.RiskLevel > 1 {
		return domain.Classifiedf(domain.ErrValidation, "risk_level must be 0.0-1.0, got %f", cycle.RiskLevel)
	}
	// Zero means session-driven cadence; only negative intervals are rejected.
	if cycle.ScanInterval < 0 {
		return domain.Classifiedf(domain.ErrValidation, "scan interval must not be negative")
	}
	if cycle.EndsAt != nil && !cycle.EndsAt.After(cycle.StartedAt) {
		return domain.Classifiedf(domain.ErrValidation, "scheduled end must be after the start")
	}
	if _, err := domain.CycleModeFromString(string(cycle.Mode)); err != nil {
		return domain.Classified(domain.ErrValidation, err)
	}

	err := database.WithTransaction(g.db.Conn(), func(tx *sql.Tx) error {
		var running int
		err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM trading_cycles WHERE status IN ('active', 'paused', 'stopping')").Scan(&running)
		if err != nil {
			return err
		}
		if running > 0 {
			return domain.Classifiedf(domain.ErrValidation, "another cycle is already running")
		}

		configJSON := cycle.ConfigJSON
		if configJSON == "" {
			configJSON = "{}"
		}

		var endsAt interface{}
		if cycle.EndsAt != nil {
			endsAt = formatTime(*cycle.EndsAt)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO trading_cycles
				(cycle_id, mode, status, scan_interval_seconds, max_positions, risk_level, started_at, ends_at, config_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cycle.CycleID, string(cycle.Mode), string(domain.CycleActive),
			int(cycle.ScanInterval.Seconds()), cycle.MaxPositions, cycle.RiskLevel,
			formatTime(cycle.StartedAt), endsAt, configJSON)
		return err
	})
	if err != nil {
		if domain.ClassOf(err) == domain.ErrValidation {
			return err
		}
		return storeErr(fmt.Errorf("failed to create cycle: %w", err))
	}

	cycle.Status = domain.CycleActive
	g.log.Info().Str("cycle_id", cycle.CycleID).Str("mode", string(cycle.Mode)).Msg("Cycle created")
	return nil
}

// TransitionCycle moves a cycle between statuses, rejecting illegal
// transitions. The check and the update run in one transaction.
func (g *Gateway) TransitionCycle(ctx context.Context, cycleID string, to domain.CycleStatus, reason string) error {
	err := database.WithTransaction(g.db.Conn(), func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			"SELECT status FROM trading_cycles WHERE cycle_id = ?", cycleID).Scan(&current)
		if err == sql.ErrNoRows {
			return domain.Classifiedf(domain.ErrValidation, "unknown cycle %s", cycleID)
		}
		if err != nil {
			return err
		}

		if !domain.CanTransition(domain.CycleStatus(current), to) {
			return domain.Classifiedf(domain.ErrValidation,
				"illegal cycle transition %s -> %s", current, to)
		}

		if to == domain.CycleStopped || to == domain.CycleEmergencyStopped || to == domain.CycleCompleted {
			_, err = tx.ExecContext(ctx,
				"UPDATE trading_cycles SET status = ?, stopped_at = ?, stop_reason = ? WHERE cycle_id = ?",
				string(to), formatTime(time.Now()), reason, cycleID)
		} else {
			_, err = tx.ExecContext(ctx,
				"UPDATE trading_cycles SET status = ?, stop_reason = ? WHERE cycle_id = ?",
				string(to), reason, cycleID)
		}
		return err
	})
	if err != nil {
		if domain.ClassOf(err) == domain.ErrValidation {
			return err
		}
		return storeErr(fmt.Errorf("failed to transition cycle %s: %w", cycleID, err))
	}

	g.log.Info().Str("cycle_id", cycleID).Str("to", string(to)).Str("reason", reason).Msg("Cycle transitioned")
	return nil
}

// LoadActiveCycle returns the single running cycle, or nil when none is
// running. Finding more than one running cycle is a data-integrity failure.
func (g *Gateway) LoadActiveCycle(ctx context.Context) (*domain.TradingCycle, error) {
	rows, err := g.db.QueryContext(ctx,
		"SELECT "+cycleColumns+" FROM trading_cycles WHERE status IN ('active', 'paused', 'stopping')")
	if err != nil {
		return nil, storeErr(fmt.Errorf("failed to query active cycle: %w", err))
	}
	defer rows.Close()

	var cycles []*domain.TradingCycle
	for rows.Next() {
		cycle, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		cycles = append(cycles, cycle)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}

	switch len(cycles) {
	case 0:
		return nil, nil
	case 1:
		return cycles[0], nil
	default:
		return nil, domain.Classifiedf(domain.ErrDataIntegrity,
			"store contains %d running cycles, expected at most 1", len(cycles))
	}
}

// GetCycle returns a cycle by id, or nil when it does not exist.
func (g *Gateway) GetCycle(ctx context.Context, cycleID string) (*domain.TradingCycle, error) {
	rows, err := g.db.QueryContext(ctx,
		"SELECT "+cycleColumns+" FROM trading_cycles WHERE cycle_id = ?", cycleID)
	if err != nil {
		return nil, storeErr(fmt.Errorf("failed to query cycle %s: %w", cycleID, err))
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	cycle, err := scanCycle(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan cycle: %w", err)
	}
	return cycle, nil
}

// CycleMetricDelta accumulates onto a cycle's counters.
type CycleMetricDelta struct {
	PositionsOpened int
	PositionsClosed int
	RiskEvents      int
}

// AppendCycleMetrics increments the cycle's accumulated counters.
func (g *Gateway) AppendCycleMetrics(ctx context.Context, cycleID string, delta CycleMetricDelta) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE trading_cycles SET
			positions_opened = positions_opened + ?,
			positions_closed = positions_closed + ?,
			risk_event_count = risk_event_count + ?
		WHERE cycle_id = ?`,
		delta.PositionsOpened, delta.PositionsClosed, delta.RiskEvents, cycleID)
	if err != nil {
		return storeErr(fmt.Errorf("failed to append cycle metrics for %s: %w", cycleID, err))
	}
	return nil
}

// scanCycle scans one trading_cycles row.
func scanCycle(rows *sql.Rows) (*domain.TradingCycle, error) {
	var (
		cycle        domain.TradingCycle
		mode, status string
		intervalSecs int
		startedAt    string
		endsAt       sql.NullString
		stoppedAt    sql.NullString
		stopReason   sql.NullString
	)

	err := rows.Scan(&cycle.CycleID, &mode, &status, &intervalSecs, &cycle.MaxPositions,
		&cycle.RiskLevel, &startedAt, &endsAt, &stoppedAt, &stopReason, &cycle.ConfigJSON,
		&cycle.PositionsOpened, &cycle.PositionsClosed, &cycle.RiskEventCount)
	if err != nil {
		return nil, err
	}

	cycle.Mode = domain.CycleMode(mode)
	cycle.Status = domain.CycleStatus(status)
	cycle.ScanInterval = time.Duration(intervalSecs) * time.Second
	if cycle.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if cycle.EndsAt, err = scanNullTime(endsAt); err != nil {
		return nil, err
	}
	if cycle.StoppedAt, err = scanNullTime(stoppedAt); err != nil {
		return nil, err
	}
	cycle.StopReason = stopReason.String

	return &cycle, nil
}
