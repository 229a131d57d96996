package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/catalyst/internal/database"
	"github.com/aristath/catalyst/internal/domain"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "catalyst.db"),
		Name: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	return New(db, zerolog.Nop())
}

func newTestCycle(t *testing.T, g *Gateway) *domain.TradingCycle {
	t.Helper()
	cycle := &domain.TradingCycle{
		CycleID:      "cyc-test",
		Mode:         domain.ModeNormal,
		ScanInterval: 900 * time.Second,
		MaxPositions: 5,
		RiskLevel:    0.5,
		StartedAt:    time.Now(),
	}
	require.NoError(t, g.CreateCycle(context.Background(), cycle))
	return cycle
}

func insertFilledOrder(t *testing.T, g *Gateway, orderID, cycleID string, secID int64, side domain.OrderSide) {
	t.Helper()
	require.NoError(t, g.InsertOrder(context.Background(), &domain.Order{
		OrderID: orderID, CycleID: cycleID, SecurityID: secID,
		Side: side, Type: domain.OrderMarket, Quantity: 10,
		TimeInForce: domain.TIFDay, Status: domain.OrderFilled, CreatedAt: time.Now(),
	}))
}

func TestResolveSecurityIdempotent(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	first, err := g.ResolveSecurity(ctx, "AAPL")
	require.NoError(t, err)

	// Case and whitespace normalize to the same row.
	second, err := g.ResolveSecurity(ctx, "  aapl ")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := g.ResolveSecurity(ctx, "MSFT")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	_, err = g.ResolveSecurity(ctx, "   ")
	assert.True(t, domain.IsClass(err, domain.ErrValidation))
}

func TestResolveTimeIdempotent(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	instant := time.Date(2025, 6, 11, 14, 30, 0, 0, time.UTC)
	first, err := g.ResolveTime(ctx, instant)
	require.NoError(t, err)

	// Sub-second precision truncates to the same point.
	second, err := g.ResolveTime(ctx, instant.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	later, err := g.ResolveTime(ctx, instant.Add(time.Second))
	require.NoError(t, err)
	assert.NotEqual(t, first, later)
}

func TestCreateCycleEnforcesSingleRunning(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	newTestCycle(t, g)

	err := g.CreateCycle(ctx, &domain.TradingCycle{
		CycleID: "cyc-second", Mode: domain.ModeNormal,
		ScanInterval: 900 * time.Second, MaxPositions: 5, RiskLevel: 0.5,
		StartedAt: time.Now(),
	})
	assert.True(t, domain.IsClass(err, domain.ErrValidation))

	// A paused cycle still blocks a new one.
	require.NoError(t, g.TransitionCycle(ctx, "cyc-test", domain.CyclePaused, ""))
	err = g.CreateCycle(ctx, &domain.TradingCycle{
		CycleID: "cyc-third", Mode: domain.ModeNormal,
		ScanInterval: 900 * time.Second, MaxPositions: 5, RiskLevel: 0.5,
		StartedAt: time.Now(),
	})
	assert.True(t, domain.IsClass(err, domain.ErrValidation))
}

func TestCreateCycleValidation(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	base := func() *domain.TradingCycle {
		return &domain.TradingCycle{
			CycleID: "cyc-v", Mode: domain.ModeNormal,
			ScanInterval: 900 * time.Second, MaxPositions: 5, RiskLevel: 0.5,
			StartedAt: time.Now(),
		}
	}

	c := base()
	c.MaxPositions = 11
	assert.True(t, domain.IsClass(g.CreateCycle(ctx, c), domain.ErrValidation))

	c = base()
	c.RiskLevel = 1.2
	assert.True(t, domain.IsClass(g.CreateCycle(ctx, c), domain.ErrValidation))

	c = base()
	c.Mode = "yolo"
	assert.True(t, domain.IsClass(g.CreateCycle(ctx, c), domain.ErrValidation))

	c = base()
	c.ScanInterval = -time.Second
	assert.True(t, domain.IsClass(g.CreateCycle(ctx, c), domain.ErrValidation))

	c = base()
	ended := c.StartedAt.Add(-time.Hour)
	c.EndsAt = &ended
	assert.True(t, domain.IsClass(g.CreateCycle(ctx, c), domain.ErrValidation))

	// Zero interval is valid: the cadence follows the market session. The
	// scheduled end round-trips through the row.
	c = base()
	c.ScanInterval = 0
	ends := c.StartedAt.Add(6 * time.Hour)
	c.EndsAt = &ends
	require.NoError(t, g.CreateCycle(ctx, c))
	got, err := g.GetCycle(ctx, c.CycleID)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), got.ScanInterval)
	require.NotNil(t, got.EndsAt)
	assert.WithinDuration(t, ends, *got.EndsAt, time.Second)
}

func TestCycleTransitionLegality(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	cycle := newTestCycle(t, g)

	require.NoError(t, g.TransitionCycle(ctx, cycle.CycleID, domain.CyclePaused, ""))
	require.NoError(t, g.TransitionCycle(ctx, cycle.CycleID, domain.CycleActive, ""))
	require.NoError(t, g.TransitionCycle(ctx, cycle.CycleID, domain.CycleStopping, ""))
	require.NoError(t, g.TransitionCycle(ctx, cycle.CycleID, domain.CycleStopped, "done"))

	// Terminal states reject everything.
	err := g.TransitionCycle(ctx, cycle.CycleID, domain.CycleActive, "")
	assert.True(t, domain.IsClass(err, domain.ErrValidation))

	stopped, err := g.GetCycle(ctx, cycle.CycleID)
	require.NoError(t, err)
	assert.NotNil(t, stopped.StoppedAt)
	assert.Equal(t, "done", stopped.StopReason)
}

func TestNewsDedup(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	secID, err := g.ResolveSecurity(ctx, "AAPL")
	require.NoError(t, err)
	timeID, err := g.ResolveTime(ctx, time.Now())
	require.NoError(t, err)

	event := func(source string) *domain.NewsEvent {
		return &domain.NewsEvent{
			SecurityID: secID, TimeID: timeID,
			Headline: "FDA approves new drug", Source: source,
			URL:            "https://example.com/article-1",
			SentimentLabel: domain.SentimentPositive, CatalystType: domain.CatalystFDAApproval,
			PublishedAt: time.Now(),
		}
	}

	fresh, err := g.InsertNewsEvent(ctx, event("NEWSWIRE"))
	require.NoError(t, err)
	assert.True(t, fresh)

	// Same article from the same source is a duplicate.
	dup, err := g.InsertNewsEvent(ctx, event("NEWSWIRE"))
	require.NoError(t, err)
	assert.False(t, dup)

	// The same URL from a different source is a distinct event.
	cross, err := g.InsertNewsEvent(ctx, event("BENZINGA"))
	require.NoError(t, err)
	assert.True(t, cross)

	events, err := g.NewsEventsForSecurity(ctx, secID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestOpenPositionRequiresFilledEntryOrder(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	cycle := newTestCycle(t, g)

	secID, err := g.ResolveSecurity(ctx, "AAPL")
	require.NoError(t, err)

	pos := func() *domain.Position {
		return &domain.Position{
			PositionID: "pos-1", CycleID: cycle.CycleID, SecurityID: secID,
			Side: domain.PositionLong, Quantity: 10, EntryPrice: 100,
			OpenedAt: time.Now(),
		}
	}

	err = g.OpenPosition(ctx, pos(), "no-such-order")
	assert.True(t, domain.IsClass(err, domain.ErrValidation))

	require.NoError(t, g.InsertOrder(ctx, &domain.Order{
		OrderID: "ord-pending", CycleID: cycle.CycleID, SecurityID: secID,
		Side: domain.SideBuy, Type: domain.OrderMarket, Quantity: 10,
		TimeInForce: domain.TIFDay, Status: domain.OrderPending, CreatedAt: time.Now(),
	}))
	err = g.OpenPosition(ctx, pos(), "ord-pending")
	assert.True(t, domain.IsClass(err, domain.ErrDataIntegrity))

	insertFilledOrder(t, g, "ord-filled", cycle.CycleID, secID, domain.SideBuy)
	require.NoError(t, g.OpenPosition(ctx, pos(), "ord-filled"))

	// The entry order now points back at the position.
	order, err := g.GetOrder(ctx, "ord-filled")
	require.NoError(t, err)
	require.NotNil(t, order.PositionID)
	assert.Equal(t, "pos-1", *order.PositionID)
}

func TestClosePositionLinksExitOrder(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	cycle := newTestCycle(t, g)

	secID, err := g.ResolveSecurity(ctx, "AAPL")
	require.NoError(t, err)
	insertFilledOrder(t, g, "ord-entry", cycle.CycleID, secID, domain.SideBuy)

	openedAt := time.Now().Add(-time.Hour)
	require.NoError(t, g.OpenPosition(ctx, &domain.Position{
		PositionID: "pos-1", CycleID: cycle.CycleID, SecurityID: secID,
		Side: domain.PositionLong, Quantity: 10, EntryPrice: 100,
		OpenedAt: openedAt,
	}, "ord-entry"))

	insertFilledOrder(t, g, "ord-exit", cycle.CycleID, secID, domain.SideSell)

	// A close time before the open time is rejected.
	err = g.ClosePosition(ctx, "pos-1", "ord-exit", 110, 100, openedAt.Add(-time.Minute), "take_profit")
	assert.True(t, domain.IsClass(err, domain.ErrDataIntegrity))

	require.NoError(t, g.ClosePosition(ctx, "pos-1", "ord-exit", 110, 100, time.Now(), "take_profit"))

	closed, err := g.GetPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, closed.Status)
	assert.InDelta(t, 100.0, closed.RealizedPnL, 1e-9)
	assert.Zero(t, closed.UnrealizedPnL)
	require.NotNil(t, closed.ExitOrderID)
	assert.Equal(t, "ord-exit", *closed.ExitOrderID)
	assert.Equal(t, "take_profit", closed.CloseReason)

	open, err := g.OpenPositions(ctx, cycle.CycleID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestBulkUpdateMarksKeepsExcursionExtremes(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	cycle := newTestCycle(t, g)

	secID, err := g.ResolveSecurity(ctx, "AAPL")
	require.NoError(t, err)
	insertFilledOrder(t, g, "ord-entry", cycle.CycleID, secID, domain.SideBuy)
	require.NoError(t, g.OpenPosition(ctx, &domain.Position{
		PositionID: "pos-1", CycleID: cycle.CycleID, SecurityID: secID,
		Side: domain.PositionLong, Quantity: 10, EntryPrice: 100,
		OpenedAt: time.Now(),
	}, "ord-entry"))

	require.NoError(t, g.BulkUpdateMarks(ctx, []MarkUpdate{
		{PositionID: "pos-1", UnrealizedPnL: 50, MaxFavorable: 50, MaxAdverse: 50},
	}))
	require.NoError(t, g.BulkUpdateMarks(ctx, []MarkUpdate{
		{PositionID: "pos-1", UnrealizedPnL: -30, MaxFavorable: -30, MaxAdverse: -30},
	}))

	pos, err := g.GetPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.InDelta(t, -30.0, pos.UnrealizedPnL, 1e-9)
	// The favorable peak survives the drawdown, the adverse trough deepens.
	assert.InDelta(t, 50.0, pos.MaxFavorable, 1e-9)
	assert.InDelta(t, -30.0, pos.MaxAdverse, 1e-9)
}

func TestRiskParameterWindows(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.UpsertRiskParameter(ctx, "daily_loss_limit", 5000, "currency", "operator"))
	require.NoError(t, g.UpsertRiskParameter(ctx, "daily_loss_limit", 7500, "currency", "operator"))

	params, err := g.EffectiveRiskParameters(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.InDelta(t, 7500.0, params["daily_loss_limit"], 1e-9)
}

func TestTrackedSecurities(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	cycle := newTestCycle(t, g)

	scanned, err := g.ResolveSecurity(ctx, "AAPL")
	require.NoError(t, err)
	held, err := g.ResolveSecurity(ctx, "MSFT")
	require.NoError(t, err)
	_, err = g.ResolveSecurity(ctx, "ZZZZ") // neither scanned nor held
	require.NoError(t, err)

	timeID, err := g.ResolveTime(ctx, time.Now())
	require.NoError(t, err)
	require.NoError(t, g.InsertScanResults(ctx, []domain.ScanResult{{
		CycleID: cycle.CycleID, SecurityID: scanned, TimeID: timeID,
		Price: 100, Volume: 1000,
	}}))

	insertFilledOrder(t, g, "ord-entry", cycle.CycleID, held, domain.SideBuy)
	require.NoError(t, g.OpenPosition(ctx, &domain.Position{
		PositionID: "pos-1", CycleID: cycle.CycleID, SecurityID: held,
		Side: domain.PositionLong, Quantity: 10, EntryPrice: 100,
		OpenedAt: time.Now(),
	}, "ord-entry"))

	tracked, err := g.TrackedSecurities(ctx, time.Now().Add(-time.Hour), 50)
	require.NoError(t, err)
	symbols := make([]string, 0, len(tracked))
	for _, s := range tracked {
		symbols = append(symbols, s.Symbol)
	}
	assert.Equal(t, []string{"AAPL", "MSFT"}, symbols)
}

func TestLatestScanTime(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	cycle := newTestCycle(t, g)

	timeID, err := g.LatestScanTime(ctx, cycle.CycleID)
	require.NoError(t, err)
	assert.Zero(t, timeID)

	secID, err := g.ResolveSecurity(ctx, "AAPL")
	require.NoError(t, err)
	first, err := g.ResolveTime(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	second, err := g.ResolveTime(ctx, time.Now())
	require.NoError(t, err)

	for _, tid := range []int64{first, second} {
		require.NoError(t, g.InsertScanResults(ctx, []domain.ScanResult{{
			CycleID: cycle.CycleID, SecurityID: secID, TimeID: tid,
			Price: 100, Volume: 1000,
		}}))
	}

	timeID, err = g.LatestScanTime(ctx, cycle.CycleID)
	require.NoError(t, err)
	assert.Equal(t, second, timeID)
}

func TestEventNotifierReceivesPersistedEvents(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	var notified []*domain.RiskEvent
	g.SetEventNotifier(func(e *domain.RiskEvent) { notified = append(notified, e) })

	require.NoError(t, g.AppendRiskEvent(ctx, &domain.RiskEvent{
		EventType: "emergency_stop", Severity: domain.SeverityEmergency,
		Message: "store unreachable",
	}))

	require.Len(t, notified, 1)
	assert.Equal(t, "emergency_stop", notified[0].EventType)
	assert.NotZero(t, notified[0].EventID)
}
