package cycle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/catalyst/internal/clients"
	"github.com/aristath/catalyst/internal/config"
	"github.com/aristath/catalyst/internal/database"
	"github.com/aristath/catalyst/internal/domain"
	"github.com/aristath/catalyst/internal/health"
	"github.com/aristath/catalyst/internal/positions"
	"github.com/aristath/catalyst/internal/reducer"
	"github.com/aristath/catalyst/internal/riskparams"
	"github.com/aristath/catalyst/internal/store"
)

type engineFixture struct {
	gateway     *store.Gateway
	engine      *Engine
	coordinator *positions.Coordinator
}

// newEngineFixture wires an engine against a real store and stub services.
// The scanner returns an empty universe so background ticks are no-ops.
func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	return newEngineFixtureWith(t, emptyScanHandler(), true)
}

func emptyScanHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(clients.ScanResponse{})
	}
}

// newEngineFixtureWith lets a test substitute the scanner stub and leave
// the downstream services unhealthy.
func newEngineFixtureWith(t *testing.T, scanHandler http.HandlerFunc, healthy bool) *engineFixture {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "catalyst.db"),
		Name: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	scanner := httptest.NewServer(scanHandler)
	t.Cleanup(scanner.Close)

	broker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var spec clients.OrderSpec
		_ = json.NewDecoder(r.Body).Decode(&spec)
		_ = json.NewEncoder(w).Encode(clients.BrokerOrder{
			OrderID: "brk-1", Status: string(domain.OrderFilled),
			FillPrice: 100, FillQuantity: spec.Quantity,
		})
	}))
	t.Cleanup(broker.Close)

	gateway := store.New(db, zerolog.Nop())
	client := clients.New(config.ServiceURLs{Scanner: scanner.URL, Trading: broker.URL}, zerolog.Nop())

	monitor := health.New(client, zerolog.Nop())
	if healthy {
		for _, svc := range clients.AllServices {
			monitor.Record(svc, true, time.Millisecond, nil)
		}
	}

	params := riskparams.New(gateway, zerolog.Nop())
	red := reducer.New(gateway, client, monitor, params, zerolog.Nop())
	coordinator := positions.New(gateway, client, params, zerolog.Nop())
	engine := New(gateway, red, coordinator, zerolog.Nop())

	return &engineFixture{gateway: gateway, engine: engine, coordinator: coordinator}
}

func startRequest() StartRequest {
	return StartRequest{
		Mode:         domain.ModeNormal,
		MaxPositions: 5,
		RiskLevel:    0.5,
		ScanInterval: 900 * time.Second,
	}
}

// seedCycle inserts an active cycle row without launching a tick loop.
func seedCycle(t *testing.T, g *store.Gateway, interval time.Duration) *domain.TradingCycle {
	t.Helper()
	cycle := &domain.TradingCycle{
		CycleID:      uuid.NewString(),
		Mode:         domain.ModeNormal,
		ScanInterval: interval,
		MaxPositions: 5,
		RiskLevel:    0.5,
		StartedAt:    time.Now(),
	}
	require.NoError(t, g.CreateCycle(context.Background(), cycle))
	return cycle
}

func TestStartEnforcesSingleRunningCycle(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	cycle, err := f.engine.Start(ctx, startRequest())
	require.NoError(t, err)
	defer f.engine.Shutdown()

	_, err = f.engine.Start(ctx, startRequest())
	assert.True(t, domain.IsClass(err, domain.ErrValidation))

	active, err := f.engine.Active(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, cycle.CycleID, active.CycleID)
}

func TestStopEndsCycleAndFreesSlot(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	cycle, err := f.engine.Start(ctx, startRequest())
	require.NoError(t, err)

	require.NoError(t, f.engine.Stop(ctx, cycle.CycleID, "operator stop"))

	stopped, err := f.gateway.GetCycle(ctx, cycle.CycleID)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStopped, stopped.Status)
	assert.NotNil(t, stopped.StoppedAt)
	assert.Equal(t, "operator stop", stopped.StopReason)

	// A new cycle can start now.
	second, err := f.engine.Start(ctx, startRequest())
	require.NoError(t, err)
	require.NoError(t, f.engine.Stop(ctx, second.CycleID, "cleanup"))
}

func TestPauseAndResume(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	cycle, err := f.engine.Start(ctx, startRequest())
	require.NoError(t, err)
	defer func() { _ = f.engine.Stop(ctx, cycle.CycleID, "cleanup") }()

	require.NoError(t, f.engine.Pause(ctx, cycle.CycleID))
	paused, err := f.gateway.GetCycle(ctx, cycle.CycleID)
	require.NoError(t, err)
	assert.Equal(t, domain.CyclePaused, paused.Status)

	// Paused still counts against the single-cycle invariant.
	_, err = f.engine.Start(ctx, startRequest())
	assert.True(t, domain.IsClass(err, domain.ErrValidation))

	require.NoError(t, f.engine.Resume(ctx, cycle.CycleID))
	resumed, err := f.gateway.GetCycle(ctx, cycle.CycleID)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleActive, resumed.Status)
}

func TestIllegalTransitionRejected(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	cycle, err := f.engine.Start(ctx, startRequest())
	require.NoError(t, err)

	require.NoError(t, f.engine.Stop(ctx, cycle.CycleID, "stop"))
	// Stopped cycles cannot be resumed.
	err = f.engine.Resume(ctx, cycle.CycleID)
	assert.True(t, domain.IsClass(err, domain.ErrValidation))
}

func TestEmergencyStopLiquidatesOpenPositions(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	cycle, err := f.engine.Start(ctx, startRequest())
	require.NoError(t, err)

	// Open four positions directly through the coordinator.
	var candidates []domain.Candidate
	for _, symbol := range []string{"AAA", "BBB", "CCC", "DDD"} {
		secID, err := f.gateway.ResolveSecurity(ctx, symbol)
		require.NoError(t, err)
		candidates = append(candidates, domain.Candidate{SecurityID: secID, Symbol: symbol, Price: 100})
	}
	opened, err := f.coordinator.OpenFromCandidates(ctx, cycle, candidates)
	require.NoError(t, err)
	require.Equal(t, 4, opened)

	require.NoError(t, f.engine.EmergencyStop(ctx, cycle.CycleID, "operator emergency"))

	open, err := f.gateway.OpenPositions(ctx, cycle.CycleID)
	require.NoError(t, err)
	assert.Empty(t, open)

	stopped, err := f.gateway.GetCycle(ctx, cycle.CycleID)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleEmergencyStopped, stopped.Status)

	infos, err := f.gateway.RiskEvents(ctx, []domain.Severity{domain.SeverityInfo}, 20)
	require.NoError(t, err)
	exits := 0
	for _, e := range infos {
		if e.EventType == "position_exit" {
			exits++
		}
	}
	assert.Equal(t, 4, exits)

	emergencies, err := f.gateway.RiskEvents(ctx, []domain.Severity{domain.SeverityEmergency}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, emergencies)
	assert.Equal(t, "emergency_stop", emergencies[0].EventType)
}

func TestHealthGatedTickRecordsRiskEvent(t *testing.T) {
	f := newEngineFixtureWith(t, emptyScanHandler(), false)
	ctx := context.Background()
	cycle := seedCycle(t, f.gateway, 900*time.Second)

	f.engine.tick(ctx, cycle, 900*time.Second)

	// A tick gated on downstream health leaves an audit event, not just a
	// log line.
	events, err := f.gateway.RiskEvents(ctx, []domain.Severity{domain.SeverityWarning}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "tick_skipped", events[0].EventType)
	assert.Contains(t, events[0].Message, "not admissible")

	// Downstream outages never stop the cycle itself.
	current, err := f.gateway.GetCycle(ctx, cycle.CycleID)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleActive, current.Status)
}

func TestStopLetsInFlightTickFinish(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	var finished atomic.Bool
	slowScan := func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		time.Sleep(300 * time.Millisecond)
		finished.Store(true)
		_ = json.NewEncoder(w).Encode(clients.ScanResponse{})
	}
	f := newEngineFixtureWith(t, slowScan, true)
	ctx := context.Background()

	cycle, err := f.engine.Start(ctx, startRequest())
	require.NoError(t, err)

	<-started
	begin := time.Now()
	require.NoError(t, f.engine.Stop(ctx, cycle.CycleID, "operator stop"))

	// Graceful stop blocks until the in-flight tick completes instead of
	// cancelling it.
	assert.True(t, finished.Load())
	assert.GreaterOrEqual(t, time.Since(begin), 200*time.Millisecond)

	stopped, err := f.gateway.GetCycle(ctx, cycle.CycleID)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStopped, stopped.Status)
}

func TestScheduledEndCompletesCycle(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	req := startRequest()
	endsAt := time.Now().Add(200 * time.Millisecond)
	req.EndsAt = &endsAt

	cycle, err := f.engine.Start(ctx, req)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		current, err := f.gateway.GetCycle(ctx, cycle.CycleID)
		return err == nil && current.Status == domain.CycleCompleted
	}, 3*time.Second, 25*time.Millisecond)

	done, err := f.gateway.GetCycle(ctx, cycle.CycleID)
	require.NoError(t, err)
	assert.Equal(t, "scheduled end reached", done.StopReason)
	assert.NotNil(t, done.StoppedAt)

	// Completion frees the single-cycle slot.
	second, err := f.engine.Start(ctx, startRequest())
	require.NoError(t, err)
	require.NoError(t, f.engine.Stop(ctx, second.CycleID, "cleanup"))
}

func TestSessionDrivenCadence(t *testing.T) {
	f := newEngineFixture(t)

	sessionDriven := &domain.TradingCycle{ScanInterval: 0}
	fixed := &domain.TradingCycle{ScanInterval: 120 * time.Second}

	// 2026-01-05 is a Monday; Eastern Time is UTC-5 in January.
	cases := []struct {
		at   time.Time
		want time.Duration
	}{
		{time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC), 300 * time.Second},   // 09:00 ET, pre-market
		{time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC), 900 * time.Second},   // 10:00 ET, regular
		{time.Date(2026, 1, 5, 21, 30, 0, 0, time.UTC), 1800 * time.Second}, // 16:30 ET, after-hours
		{time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC), 3600 * time.Second},   // Sunday evening ET, closed
	}
	for _, tc := range cases {
		f.engine.now = func() time.Time { return tc.at }
		// Without an override the cadence tracks the session.
		assert.Equal(t, tc.want, f.engine.tickInterval(sessionDriven), tc.at.String())
		// An operator override pins the cadence regardless of session.
		assert.Equal(t, 120*time.Second, f.engine.tickInterval(fixed), tc.at.String())
	}
}

func TestNextWaitSkipsMissedTicks(t *testing.T) {
	wait, missed := nextWait(900*time.Second, 10*time.Second)
	assert.Equal(t, 890*time.Second, wait)
	assert.Equal(t, 0, missed)

	// An overrunning tick consumes the slots it ran through; the next tick
	// lands back on the cadence grid.
	wait, missed = nextWait(time.Second, 1500*time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, wait)
	assert.Equal(t, 1, missed)

	wait, missed = nextWait(time.Second, 2500*time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, wait)
	assert.Equal(t, 2, missed)

	wait, missed = nextWait(time.Second, time.Second)
	assert.Equal(t, time.Second, wait)
	assert.Equal(t, 1, missed)
}

func TestStoreOutageEscalatesToEmergencyStop(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	cycle := seedCycle(t, f.gateway, 900*time.Second)

	var candidates []domain.Candidate
	for _, symbol := range []string{"AAA", "BBB"} {
		secID, err := f.gateway.ResolveSecurity(ctx, symbol)
		require.NoError(t, err)
		candidates = append(candidates, domain.Candidate{SecurityID: secID, Symbol: symbol, Price: 100})
	}
	opened, err := f.coordinator.OpenFromCandidates(ctx, cycle, candidates)
	require.NoError(t, err)
	require.Equal(t, 2, opened)

	f.engine.handleTickError(ctx, cycle,
		domain.Classifiedf(domain.ErrStoreUnavailable, "database is locked"))

	stopped, err := f.gateway.GetCycle(ctx, cycle.CycleID)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleEmergencyStopped, stopped.Status)
	assert.Contains(t, stopped.StopReason, "escalated")

	open, err := f.gateway.OpenPositions(ctx, cycle.CycleID)
	require.NoError(t, err)
	assert.Empty(t, open)

	emergencies, err := f.gateway.RiskEvents(ctx, []domain.Severity{domain.SeverityEmergency}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, emergencies)
	assert.Equal(t, "emergency_stop", emergencies[0].EventType)
	assert.Contains(t, emergencies[0].Message, "escalated")
}

func TestShutdownLeavesCycleRunningForReattach(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	cycle, err := f.engine.Start(ctx, startRequest())
	require.NoError(t, err)

	f.engine.Shutdown()

	// The cycle survives a process restart.
	active, err := f.gateway.LoadActiveCycle(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, cycle.CycleID, active.CycleID)

	f.engine.Attach(active)
	require.NoError(t, f.engine.Stop(ctx, cycle.CycleID, "cleanup"))
}
