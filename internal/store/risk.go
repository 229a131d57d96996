package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/catalyst/internal/domain"
)

// EffectiveRiskParameters returns the named scalar set effective at time t.
// When multiple rows for a name are effective, the most recently effective
// one wins.
func (g *Gateway) EffectiveRiskParameters(ctx context.Context, t time.Time) (map[string]float64, error) {
	ts := formatTime(t)
	rows, err := g.db.QueryContext(ctx, `
		SELECT name, value FROM risk_parameters
		WHERE effective_from <= ? AND (effective_until IS NULL OR effective_until > ?)
		ORDER BY effective_from ASC`, ts, ts)
	if err != nil {
		return nil, storeErr(fmt.Errorf("failed to query effective risk parameters: %w", err))
	}
	defer rows.Close()

	params := make(map[string]float64)
	for rows.Next() {
		var name string
		var value float64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan risk parameter: %w", err)
		}
		// Later effective_from overwrites earlier.
		params[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return params, nil
}

// UpsertRiskParameter ends the current effective window for the name (if
// any) and inserts a new row effective from now.
func (g *Gateway) UpsertRiskParameter(ctx context.Context, name string, value float64, kind, origin string) error {
	now := formatTime(time.Now())

	_, err := g.db.ExecContext(ctx, `
		UPDATE risk_parameters SET effective_until = ?
		WHERE name = ? AND effective_until IS NULL`, now, name)
	if err != nil {
		return storeErr(fmt.Errorf("failed to end risk parameter window for %s: %w", name, err))
	}

	_, err = g.db.ExecContext(ctx, `
		INSERT INTO risk_parameters (name, value, kind, effective_from, origin)
		VALUES (?, ?, ?, ?, ?)`, name, value, kind, now, origin)
	if err != nil {
		return storeErr(fmt.Errorf("failed to insert risk parameter %s: %w", name, err))
	}
	return nil
}

// AppendRiskEvent writes an audit row and bumps the owning cycle's risk
// event counter when the event references a cycle.
func (g *Gateway) AppendRiskEvent(ctx context.Context, event *domain.RiskEvent) error {
	dataJSON := event.DataJSON
	if dataJSON == "" {
		dataJSON = "{}"
	}

	res, err := g.db.ExecContext(ctx, `
		INSERT INTO risk_events (event_type, severity, cycle_id, security_id, message, data_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.EventType, string(event.Severity), nullableString(event.CycleID),
		nullableInt(event.SecurityID), event.Message, dataJSON, formatTime(time.Now()))
	if err != nil {
		return storeErr(fmt.Errorf("failed to append risk event: %w", err))
	}

	if id, err := res.LastInsertId(); err == nil {
		event.EventID = id
	}

	if event.CycleID != nil {
		if err := g.AppendCycleMetrics(ctx, *event.CycleID, CycleMetricDelta{RiskEvents: 1}); err != nil {
			g.log.Warn().Err(err).Str("cycle_id", *event.CycleID).Msg("Failed to bump cycle risk event counter")
		}
	}

	if g.notify != nil {
		g.notify(event)
	}

	return nil
}

// RiskEvents returns recent risk events, newest first, optionally filtered
// by minimum severity.
func (g *Gateway) RiskEvents(ctx context.Context, severities []domain.Severity, limit int) ([]domain.RiskEvent, error) {
	query := `SELECT event_id, event_type, severity, cycle_id, security_id, message, data_json,
		acknowledged, acknowledged_by, acknowledged_at, created_at FROM risk_events`
	args := []interface{}{}

	if len(severities) > 0 {
		query += " WHERE severity IN (?" + repeatPlaceholder(len(severities)-1) + ")"
		for _, s := range severities {
			args = append(args, string(s))
		}
	}
	query += " ORDER BY created_at DESC, event_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(fmt.Errorf("failed to query risk events: %w", err))
	}
	defer rows.Close()

	var events []domain.RiskEvent
	for rows.Next() {
		var (
			e              domain.RiskEvent
			severity       string
			cycleID        sql.NullString
			securityID     sql.NullInt64
			acknowledged   int
			acknowledgedBy sql.NullString
			acknowledgedAt sql.NullString
			createdAt      string
		)
		err := rows.Scan(&e.EventID, &e.EventType, &severity, &cycleID, &securityID,
			&e.Message, &e.DataJSON, &acknowledged, &acknowledgedBy, &acknowledgedAt, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan risk event: %w", err)
		}
		e.Severity = domain.Severity(severity)
		if cycleID.Valid {
			v := cycleID.String
			e.CycleID = &v
		}
		if securityID.Valid {
			v := securityID.Int64
			e.SecurityID = &v
		}
		e.Acknowledged = acknowledged != 0
		e.AcknowledgedBy = acknowledgedBy.String
		if e.AcknowledgedAt, err = scanNullTime(acknowledgedAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return events, nil
}

// AcknowledgeRiskEvent marks an event as handled.
func (g *Gateway) AcknowledgeRiskEvent(ctx context.Context, eventID int64, by string) error {
	res, err := g.db.ExecContext(ctx, `
		UPDATE risk_events SET acknowledged = 1, acknowledged_by = ?, acknowledged_at = ?
		WHERE event_id = ?`, by, formatTime(time.Now()), eventID)
	if err != nil {
		return storeErr(fmt.Errorf("failed to acknowledge risk event %d: %w", eventID, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err)
	}
	if n == 0 {
		return domain.Classifiedf(domain.ErrValidation, "unknown risk event %d", eventID)
	}
	return nil
}

// UpsertDailyRiskMetric writes or replaces the rollup row for (date, cycle).
func (g *Gateway) UpsertDailyRiskMetric(ctx context.Context, m *domain.DailyRiskMetric) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO daily_risk_metrics
			(metric_date, cycle_id, daily_pnl, trades_total, trades_won, win_rate,
			 exposure_peak, max_drawdown, sharpe, loss_limit_hit, emergency_stop_triggered)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (metric_date, cycle_id) DO UPDATE SET
			daily_pnl = excluded.daily_pnl,
			trades_total = excluded.trades_total,
			trades_won = excluded.trades_won,
			win_rate = excluded.win_rate,
			exposure_peak = MAX(exposure_peak, excluded.exposure_peak),
			max_drawdown = excluded.max_drawdown,
			sharpe = excluded.sharpe,
			loss_limit_hit = MAX(loss_limit_hit, excluded.loss_limit_hit),
			emergency_stop_triggered = MAX(emergency_stop_triggered, excluded.emergency_stop_triggered)`,
		m.MetricDate, m.CycleID, m.DailyPnL, m.TradesTotal, m.TradesWon, m.WinRate,
		m.ExposurePeak, m.MaxDrawdown, m.Sharpe, boolToInt(m.LossLimitHit),
		boolToInt(m.EmergencyStopTriggered))
	if err != nil {
		return storeErr(fmt.Errorf("failed to upsert daily risk metric: %w", err))
	}
	return nil
}

func nullableInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func repeatPlaceholder(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}
