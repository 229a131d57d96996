package news

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/catalyst/internal/clients"
	"github.com/aristath/catalyst/internal/config"
	"github.com/aristath/catalyst/internal/database"
	"github.com/aristath/catalyst/internal/domain"
	"github.com/aristath/catalyst/internal/store"
)

func newTestGateway(t *testing.T) *store.Gateway {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "catalyst.db"),
		Name: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	return store.New(db, zerolog.Nop())
}

func TestIngestItemDeduplicates(t *testing.T) {
	gateway := newTestGateway(t)
	ctx := context.Background()

	secID, err := gateway.ResolveSecurity(ctx, "ACME")
	require.NoError(t, err)

	client := clients.New(config.ServiceURLs{}, zerolog.Nop())
	intake := NewIntake(gateway, client, zerolog.Nop())

	item := clients.NewsItem{
		Symbol:      "ACME",
		Headline:    "ACME beats earnings estimates, raises guidance",
		Source:      "NEWSWIRE",
		URL:         "https://example.com/acme-earnings",
		PublishedAt: time.Now().UTC().Format(time.RFC3339),
		Relevance:   0.8,
	}

	fresh, err := intake.IngestItem(ctx, secID, item)
	require.NoError(t, err)
	assert.True(t, fresh)

	// Same article again is a no-op.
	fresh, err = intake.IngestItem(ctx, secID, item)
	require.NoError(t, err)
	assert.False(t, fresh)

	events, err := gateway.NewsEventsForSecurity(ctx, secID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)

	got := events[0]
	assert.Equal(t, domain.CatalystEarnings, got.CatalystType)
	assert.Equal(t, domain.SentimentPositive, got.SentimentLabel)
	assert.Equal(t, 0.90, got.SourceReliability)
	assert.Nil(t, got.PriceImpactPct)
}

func TestIngestItemRejectsBadTimestamp(t *testing.T) {
	gateway := newTestGateway(t)
	ctx := context.Background()

	secID, err := gateway.ResolveSecurity(ctx, "ACME")
	require.NoError(t, err)

	client := clients.New(config.ServiceURLs{}, zerolog.Nop())
	intake := NewIntake(gateway, client, zerolog.Nop())

	_, err = intake.IngestItem(ctx, secID, clients.NewsItem{
		Headline:    "ACME something",
		Source:      "NEWSWIRE",
		PublishedAt: "yesterday",
	})
	assert.True(t, domain.IsClass(err, domain.ErrProtocol))
}

// priceServer serves /api/v1/prices/at with a different price before and
// after the impact window.
func priceServer(t *testing.T, pivot time.Time, before, after float64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts, err := time.Parse(time.RFC3339, r.URL.Query().Get("ts"))
		require.NoError(t, err)
		price := before
		if ts.After(pivot) {
			price = after
		}
		_ = json.NewEncoder(w).Encode(map[string]float64{"price": price})
	}))
}

func TestImpactJobFillsPriceImpactOnce(t *testing.T) {
	gateway := newTestGateway(t)
	ctx := context.Background()

	secID, err := gateway.ResolveSecurity(ctx, "ACME")
	require.NoError(t, err)

	publishedAt := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Second)
	timeID, err := gateway.ResolveTime(ctx, publishedAt)
	require.NoError(t, err)

	_, err = gateway.InsertNewsEvent(ctx, &domain.NewsEvent{
		SecurityID:        secID,
		TimeID:            timeID,
		Headline:          "FDA grants approval for ACME drug",
		Source:            "NEWSWIRE",
		SentimentLabel:    domain.SentimentPositive,
		SentimentScore:    0.9,
		Relevance:         0.9,
		CatalystType:      domain.CatalystFDAApproval,
		SourceReliability: 0.9,
		PublishedAt:       publishedAt,
	})
	require.NoError(t, err)

	srv := priceServer(t, publishedAt, 100.0, 104.0)
	defer srv.Close()

	client := clients.New(config.ServiceURLs{Reporting: srv.URL}, zerolog.Nop())
	impact := NewImpact(gateway, client, zerolog.Nop())

	require.NoError(t, impact.Run(ctx))

	events, err := gateway.NewsEventsForSecurity(ctx, secID, publishedAt.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].PriceImpactPct)
	assert.InDelta(t, 4.0, *events[0].PriceImpactPct, 0.001)

	// A later pass finds nothing pending.
	pending, err := gateway.PendingImpactEvents(ctx, time.Now(), impactMaxAttempts, impactBatchSize)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestImpactJobCountsFailedAttempts(t *testing.T) {
	gateway := newTestGateway(t)
	ctx := context.Background()

	secID, err := gateway.ResolveSecurity(ctx, "ACME")
	require.NoError(t, err)

	publishedAt := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Second)
	timeID, err := gateway.ResolveTime(ctx, publishedAt)
	require.NoError(t, err)

	_, err = gateway.InsertNewsEvent(ctx, &domain.NewsEvent{
		SecurityID:        secID,
		TimeID:            timeID,
		Headline:          "ACME something happened",
		Source:            "NEWSWIRE",
		SentimentLabel:    domain.SentimentNeutral,
		CatalystType:      domain.CatalystGeneral,
		SourceReliability: 0.9,
		PublishedAt:       publishedAt,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := clients.New(config.ServiceURLs{Reporting: srv.URL}, zerolog.Nop())
	impact := NewImpact(gateway, client, zerolog.Nop())

	require.NoError(t, impact.Run(ctx))

	pending, err := gateway.PendingImpactEvents(ctx, time.Now(), impactMaxAttempts, impactBatchSize)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].ImpactAttempts)
}
