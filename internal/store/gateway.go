// Package store is the only way the rest of the system touches persistence.
// It exposes a bounded set of typed operations over the relational store:
// identifier resolution, cycle, scan, news, order/position and risk ops.
// Every multi-row write runs inside a transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/catalyst/internal/database"
	"github.com/aristath/catalyst/internal/domain"
	"github.com/aristath/catalyst/pkg/logger"
)

// timeLayout is the canonical storage format for timestamps (UTC, second
// precision).
const timeLayout = time.RFC3339

// Gateway provides typed access to the relational store.
type Gateway struct {
	db     *database.DB
	log    zerolog.Logger
	notify func(*domain.RiskEvent)
}

// New creates a store gateway.
func New(db *database.DB, log zerolog.Logger) *Gateway {
	return &Gateway{
		db:  db,
		log: logger.Component(log, "store"),
	}
}

// SetEventNotifier installs a hook invoked after every persisted risk
// event. Used to fan emergency events out to the alerting sink without the
// writers knowing about it. Call before any writers run; not synchronized.
func (g *Gateway) SetEventNotifier(fn func(*domain.RiskEvent)) {
	g.notify = fn
}

// DB exposes the underlying wrapper for health checks.
func (g *Gateway) DB() *database.DB {
	return g.db
}

// Ping verifies the store is reachable.
func (g *Gateway) Ping(ctx context.Context) error {
	if err := g.db.QuickCheck(ctx); err != nil {
		return domain.Classified(domain.ErrStoreUnavailable, err)
	}
	return nil
}

// storeErr classifies a database error. Connection-level failures become
// store-unavailable so callers can apply the escalation policy; everything
// else is surfaced as-is.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return domain.Classified(domain.ErrStoreUnavailable, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "unable to open database") ||
		strings.Contains(msg, "disk I/O error") {
		return domain.Classified(domain.ErrStoreUnavailable, err)
	}
	return err
}

// formatTime renders a timestamp in the canonical storage format.
func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(timeLayout)
}

// parseTime parses a stored timestamp.
func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// nullableTime renders an optional timestamp.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// scanNullTime converts a nullable column into a *time.Time.
func scanNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
