package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/aristath/catalyst/internal/domain"
)

const newsColumns = `news_id, security_id, time_id, headline, source, url, dedup_hash,
sentiment_label, sentiment_score, relevance, catalyst_type, price_impact_pct,
impact_attempts, source_reliability, published_at`

// NewsDedupHash computes the dedup key for a news item: sha256 of the URL
// when present, otherwise of the headline. Always paired with the source in
// the uniqueness constraint.
func NewsDedupHash(url, headline string) string {
	subject := url
	if subject == "" {
		subject = headline
	}
	sum := sha256.Sum256([]byte(subject))
	return hex.EncodeToString(sum[:])
}

// InsertNewsEvent inserts a news event, deduplicating on (source, hash).
// Returns true when a new row was written; re-ingesting the same article is
// a no-op.
func (g *Gateway) InsertNewsEvent(ctx context.Context, event *domain.NewsEvent) (bool, error) {
	if event.DedupHash == "" {
		event.DedupHash = NewsDedupHash(event.URL, event.Headline)
	}

	res, err := g.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO news_events
			(security_id, time_id, headline, source, url, dedup_hash, sentiment_label,
			 sentiment_score, relevance, catalyst_type, source_reliability, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.SecurityID, event.TimeID, event.Headline, event.Source, event.URL,
		event.DedupHash, string(event.SentimentLabel), event.SentimentScore,
		event.Relevance, string(event.CatalystType), event.SourceReliability,
		formatTime(event.PublishedAt))
	if err != nil {
		return false, storeErr(fmt.Errorf("failed to insert news event: %w", err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr(err)
	}
	return n > 0, nil
}

// PendingImpactEvents returns up to limit news events published before the
// cutoff that still have no observed price impact and have not exhausted
// their lookup attempts.
func (g *Gateway) PendingImpactEvents(ctx context.Context, cutoff time.Time, maxAttempts, limit int) ([]domain.NewsEvent, error) {
	rows, err := g.db.QueryContext(ctx,
		"SELECT "+newsColumns+` FROM news_events
		 WHERE price_impact_pct IS NULL AND published_at <= ? AND impact_attempts < ?
		 ORDER BY published_at ASC LIMIT ?`,
		formatTime(cutoff), maxAttempts, limit)
	if err != nil {
		return nil, storeErr(fmt.Errorf("failed to query pending impact events: %w", err))
	}
	defer rows.Close()

	return scanNewsEvents(rows)
}

// UpdateNewsImpact records the observed price impact for a news event.
func (g *Gateway) UpdateNewsImpact(ctx context.Context, newsID int64, impactPct float64) error {
	_, err := g.db.ExecContext(ctx,
		"UPDATE news_events SET price_impact_pct = ? WHERE news_id = ?", impactPct, newsID)
	if err != nil {
		return storeErr(fmt.Errorf("failed to update news impact for %d: %w", newsID, err))
	}
	return nil
}

// IncrementImpactAttempts bumps the retry counter for a failed impact
// lookup and returns the new count.
func (g *Gateway) IncrementImpactAttempts(ctx context.Context, newsID int64) (int, error) {
	_, err := g.db.ExecContext(ctx,
		"UPDATE news_events SET impact_attempts = impact_attempts + 1 WHERE news_id = ?", newsID)
	if err != nil {
		return 0, storeErr(fmt.Errorf("failed to increment impact attempts for %d: %w", newsID, err))
	}

	var attempts int
	err = g.db.QueryRowContext(ctx,
		"SELECT impact_attempts FROM news_events WHERE news_id = ?", newsID).Scan(&attempts)
	if err != nil {
		return 0, storeErr(err)
	}
	return attempts, nil
}

// NewsEventsForSecurity returns events for a security published within the
// window [since, now], newest first.
func (g *Gateway) NewsEventsForSecurity(ctx context.Context, securityID int64, since time.Time) ([]domain.NewsEvent, error) {
	rows, err := g.db.QueryContext(ctx,
		"SELECT "+newsColumns+` FROM news_events
		 WHERE security_id = ? AND published_at >= ?
		 ORDER BY published_at DESC`,
		securityID, formatTime(since))
	if err != nil {
		return nil, storeErr(fmt.Errorf("failed to query news for security %d: %w", securityID, err))
	}
	defer rows.Close()

	return scanNewsEvents(rows)
}

func scanNewsEvents(rows *sql.Rows) ([]domain.NewsEvent, error) {
	var events []domain.NewsEvent
	for rows.Next() {
		var (
			e           domain.NewsEvent
			url         sql.NullString
			sentiment   string
			catalyst    string
			impact      sql.NullFloat64
			publishedAt string
		)
		err := rows.Scan(&e.NewsID, &e.SecurityID, &e.TimeID, &e.Headline, &e.Source,
			&url, &e.DedupHash, &sentiment, &e.SentimentScore, &e.Relevance,
			&catalyst, &impact, &e.ImpactAttempts, &e.SourceReliability, &publishedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan news event: %w", err)
		}
		e.URL = url.String
		e.SentimentLabel = domain.SentimentLabel(sentiment)
		e.CatalystType = domain.CatalystType(catalyst)
		if impact.Valid {
			v := impact.Float64
			e.PriceImpactPct = &v
		}
		if e.PublishedAt, err = parseTime(publishedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return events, nil
}
