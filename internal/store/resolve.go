package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/catalyst/internal/domain"
)

// ResolveSecurity returns the surrogate key for a ticker, creating the row
// if it does not exist. This is one of only two places a raw ticker enters
// the store.
func (g *Gateway) ResolveSecurity(ctx context.Context, symbol string) (int64, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return 0, domain.Classifiedf(domain.ErrValidation, "symbol cannot be empty")
	}

	var id int64
	err := g.db.QueryRowContext(ctx,
		"SELECT security_id FROM securities WHERE symbol = ?", symbol).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, storeErr(fmt.Errorf("failed to query security %s: %w", symbol, err))
	}

	// Insert-or-ignore then re-select handles the concurrent-create race:
	// two resolvers for the same symbol both end up with the same row.
	if _, err := g.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO securities (symbol) VALUES (?)", symbol); err != nil {
		return 0, storeErr(fmt.Errorf("failed to create security %s: %w", symbol, err))
	}

	err = g.db.QueryRowContext(ctx,
		"SELECT security_id FROM securities WHERE symbol = ?", symbol).Scan(&id)
	if err != nil {
		return 0, storeErr(fmt.Errorf("failed to re-query security %s: %w", symbol, err))
	}

	return id, nil
}

// ResolveTime returns the surrogate key for an instant (UTC, second
// precision), creating the row if it does not exist. This is the only place
// a raw timestamp enters the store.
func (g *Gateway) ResolveTime(ctx context.Context, t time.Time) (int64, error) {
	ts := formatTime(t)
	tradeDate := t.UTC().Format("2006-01-02")

	var id int64
	err := g.db.QueryRowContext(ctx,
		"SELECT time_id FROM time_points WHERE ts = ?", ts).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, storeErr(fmt.Errorf("failed to query time point %s: %w", ts, err))
	}

	if _, err := g.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO time_points (ts, trade_date) VALUES (?, ?)", ts, tradeDate); err != nil {
		return 0, storeErr(fmt.Errorf("failed to create time point %s: %w", ts, err))
	}

	err = g.db.QueryRowContext(ctx,
		"SELECT time_id FROM time_points WHERE ts = ?", ts).Scan(&id)
	if err != nil {
		return 0, storeErr(fmt.Errorf("failed to re-query time point %s: %w", ts, err))
	}

	return id, nil
}

// SecuritySymbol returns the ticker for a surrogate key.
func (g *Gateway) SecuritySymbol(ctx context.Context, securityID int64) (string, error) {
	var symbol string
	err := g.db.QueryRowContext(ctx,
		"SELECT symbol FROM securities WHERE security_id = ?", securityID).Scan(&symbol)
	if err == sql.ErrNoRows {
		return "", domain.Classifiedf(domain.ErrValidation, "unknown security id %d", securityID)
	}
	if err != nil {
		return "", storeErr(fmt.Errorf("failed to query symbol for security %d: %w", securityID, err))
	}
	return symbol, nil
}

// TrackedSecurities returns securities the news ingest loop should follow:
// anything scanned since the given instant plus anything with an open
// position, capped at limit.
func (g *Gateway) TrackedSecurities(ctx context.Context, since time.Time, limit int) ([]domain.Security, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT s.security_id, s.symbol FROM securities s
		WHERE s.security_id IN (
			SELECT sr.security_id FROM scan_results sr
			JOIN time_points tp ON tp.time_id = sr.time_id
			WHERE tp.ts >= ?
			UNION
			SELECT p.security_id FROM positions p WHERE p.status = 'open'
		)
		ORDER BY s.symbol ASC LIMIT ?`, formatTime(since), limit)
	if err != nil {
		return nil, storeErr(fmt.Errorf("failed to query tracked securities: %w", err))
	}
	defer rows.Close()

	var securities []domain.Security
	for rows.Next() {
		var s domain.Security
		if err := rows.Scan(&s.SecurityID, &s.Symbol); err != nil {
			return nil, fmt.Errorf("failed to scan security: %w", err)
		}
		securities = append(securities, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return securities, nil
}

// SecuritySector returns the sector tag for a security. Empty when the
// security has no sector classification yet.
func (g *Gateway) SecuritySector(ctx context.Context, securityID int64) (string, error) {
	var sector sql.NullString
	err := g.db.QueryRowContext(ctx,
		"SELECT sector FROM securities WHERE security_id = ?", securityID).Scan(&sector)
	if err == sql.ErrNoRows {
		return "", domain.Classifiedf(domain.ErrValidation, "unknown security id %d", securityID)
	}
	if err != nil {
		return "", storeErr(fmt.Errorf("failed to query sector for security %d: %w", securityID, err))
	}
	return sector.String, nil
}

// UpdateSecuritySector sets the sector classification for a security.
func (g *Gateway) UpdateSecuritySector(ctx context.Context, securityID int64, sector string) error {
	_, err := g.db.ExecContext(ctx,
		"UPDATE securities SET sector = ? WHERE security_id = ?", sector, securityID)
	if err != nil {
		return storeErr(fmt.Errorf("failed to update sector for security %d: %w", securityID, err))
	}
	return nil
}
