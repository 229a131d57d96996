package news

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/catalyst/internal/clients"
	"github.com/aristath/catalyst/internal/domain"
	"github.com/aristath/catalyst/internal/store"
	"github.com/aristath/catalyst/pkg/logger"
)

const (
	// ingestLookbackHours bounds how far back each poll asks the news
	// service for items.
	ingestLookbackHours = 24

	// trackedLimit caps the symbols polled per pass so one pass stays
	// bounded regardless of universe size.
	trackedLimit = 200
)

// Intake is the ingest loop: it polls recent items for every tracked
// security, normalizes them, and writes deduplicated events.
type Intake struct {
	gateway *store.Gateway
	client  *clients.Client
	log     zerolog.Logger
}

// NewIntake creates the ingest job.
func NewIntake(gateway *store.Gateway, client *clients.Client, log zerolog.Logger) *Intake {
	return &Intake{
		gateway: gateway,
		client:  client,
		log:     logger.Component(log, "news_intake"),
	}
}

// Name implements scheduler.Job.
func (in *Intake) Name() string { return "news_ingest" }

// Run executes one ingest pass. A failed symbol does not abort the pass;
// only context cancellation does.
func (in *Intake) Run(ctx context.Context) error {
	since := time.Now().Add(-ingestLookbackHours * time.Hour)
	securities, err := in.gateway.TrackedSecurities(ctx, since, trackedLimit)
	if err != nil {
		return err
	}
	if len(securities) == 0 {
		return nil
	}

	inserted, duplicates, failures := 0, 0, 0
	for _, sec := range securities {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, err := in.client.RecentNews(ctx, sec.Symbol, ingestLookbackHours)
		if err != nil {
			failures++
			in.log.Warn().Err(err).Str("symbol", sec.Symbol).Msg("News fetch failed")
			continue
		}

		for _, item := range resp.Events {
			fresh, err := in.IngestItem(ctx, sec.SecurityID, item)
			if err != nil {
				failures++
				in.log.Warn().Err(err).Str("symbol", sec.Symbol).
					Str("headline", item.Headline).Msg("News item rejected")
				continue
			}
			if fresh {
				inserted++
			} else {
				duplicates++
			}
		}
	}

	in.log.Info().
		Int("symbols", len(securities)).
		Int("inserted", inserted).
		Int("duplicates", duplicates).
		Int("failures", failures).
		Msg("News ingest pass completed")
	return nil
}

// IngestItem normalizes and persists one raw item. Returns false when the
// item was already ingested (dedup no-op).
func (in *Intake) IngestItem(ctx context.Context, securityID int64, item clients.NewsItem) (bool, error) {
	publishedAt, err := time.Parse(time.RFC3339, item.PublishedAt)
	if err != nil {
		return false, domain.Classifiedf(domain.ErrProtocol,
			"news item for security %d has bad published_at %q: %v", securityID, item.PublishedAt, err)
	}

	timeID, err := in.gateway.ResolveTime(ctx, publishedAt)
	if err != nil {
		return false, err
	}

	label, score := ScoreSentiment(item.Headline)
	event := &domain.NewsEvent{
		SecurityID:        securityID,
		TimeID:            timeID,
		Headline:          item.Headline,
		Source:            item.Source,
		URL:               item.URL,
		SentimentLabel:    label,
		SentimentScore:    score,
		Relevance:         clamp01(item.Relevance),
		CatalystType:      ClassifyCatalyst(item.Headline),
		SourceReliability: ReliabilityOf(item.Source),
		PublishedAt:       publishedAt,
	}

	return in.gateway.InsertNewsEvent(ctx, event)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
