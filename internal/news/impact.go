package news

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/catalyst/internal/clients"
	"github.com/aristath/catalyst/internal/domain"
	"github.com/aristath/catalyst/internal/store"
	"github.com/aristath/catalyst/pkg/logger"
)

const (
	// impactDelay is how long after publication the observed price impact
	// is measured.
	impactDelay = 5 * time.Minute

	// impactMaxAttempts caps lookup retries per event; after that the
	// event is abandoned with a risk event.
	impactMaxAttempts = 5

	// impactBatchSize bounds one pass so the loop never starves.
	impactBatchSize = 50
)

// Impact is the delayed job that fills observed price impact on news
// events: percentage change from publication time to publication + delay.
type Impact struct {
	gateway *store.Gateway
	client  *clients.Client
	log     zerolog.Logger
}

// NewImpact creates the impact job.
func NewImpact(gateway *store.Gateway, client *clients.Client, log zerolog.Logger) *Impact {
	return &Impact{
		gateway: gateway,
		client:  client,
		log:     logger.Component(log, "news_impact"),
	}
}

// Name implements scheduler.Job.
func (im *Impact) Name() string { return "news_impact" }

// Run processes one bounded batch of events whose impact window has
// elapsed. Events that fail lookup get their attempt counter bumped and
// are retried on later passes.
func (im *Impact) Run(ctx context.Context) error {
	cutoff := time.Now().Add(-impactDelay)
	events, err := im.gateway.PendingImpactEvents(ctx, cutoff, impactMaxAttempts, impactBatchSize)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	updated, failed := 0, 0
	for _, event := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := im.processEvent(ctx, event); err != nil {
			failed++
			im.recordFailure(ctx, event, err)
			continue
		}
		updated++
	}

	im.log.Info().Int("updated", updated).Int("failed", failed).Msg("News impact pass completed")
	return nil
}

func (im *Impact) processEvent(ctx context.Context, event domain.NewsEvent) error {
	symbol, err := im.gateway.SecuritySymbol(ctx, event.SecurityID)
	if err != nil {
		return err
	}

	at := event.PublishedAt.UTC()
	before, err := im.client.HistoricalPrice(ctx, symbol, at.Format(time.RFC3339))
	if err != nil {
		return err
	}
	after, err := im.client.HistoricalPrice(ctx, symbol, at.Add(impactDelay).Format(time.RFC3339))
	if err != nil {
		return err
	}
	if before <= 0 {
		return domain.Classifiedf(domain.ErrProtocol,
			"no usable price for %s at %s", symbol, at.Format(time.RFC3339))
	}

	impactPct := (after - before) / before * 100
	if err := im.gateway.UpdateNewsImpact(ctx, event.NewsID, impactPct); err != nil {
		return err
	}

	im.log.Debug().
		Str("symbol", symbol).
		Int64("news_id", event.NewsID).
		Float64("impact_pct", impactPct).
		Msg("News impact recorded")
	return nil
}

// recordFailure bumps the retry counter and, once the cap is reached,
// abandons the event with a warning risk event.
func (im *Impact) recordFailure(ctx context.Context, event domain.NewsEvent, cause error) {
	attempts, err := im.gateway.IncrementImpactAttempts(ctx, event.NewsID)
	if err != nil {
		im.log.Error().Err(err).Int64("news_id", event.NewsID).
			Msg("Failed to record impact lookup failure")
		return
	}

	im.log.Warn().Err(cause).
		Int64("news_id", event.NewsID).
		Int("attempts", attempts).
		Msg("News impact lookup failed")

	if attempts >= impactMaxAttempts {
		secID := event.SecurityID
		riskEvent := &domain.RiskEvent{
			EventType:  "news_impact_abandoned",
			Severity:   domain.SeverityWarning,
			SecurityID: &secID,
			Message: fmt.Sprintf("price impact lookup for news event %d abandoned after %d attempts: %v",
				event.NewsID, attempts, cause),
		}
		if err := im.gateway.AppendRiskEvent(ctx, riskEvent); err != nil {
			im.log.Error().Err(err).Int64("news_id", event.NewsID).
				Msg("Failed to write abandonment risk event")
		}
	}
}
