package reducer

import (
	"context"
	"encoding/json"
	"fmt"
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
	"github.com/aristath/catalyst/internal/health"
	"github.com/aristath/catalyst/internal/riskparams"
	"github.com/aristath/catalyst/internal/store"
)

// harness wires a reducer against a real store and fake downstream services.
type harness struct {
	gateway *store.Gateway
	monitor *health.Monitor
	reducer *Reducer

	// failPatterns lists symbols whose pattern lookup returns 500.
	failPatterns map[string]bool
	// rejectRisk lists symbols the risk manager declines.
	rejectRisk map[string]bool
	// scanSymbols is what the scanner returns, in order.
	scanSymbols []clients.ScanCandidate
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "catalyst.db"),
		Name: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	h := &harness{
		gateway:      store.New(db, zerolog.Nop()),
		failPatterns: map[string]bool{},
		rejectRisk:   map[string]bool{},
	}

	scanner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(clients.ScanResponse{Candidates: h.scanSymbols})
	}))
	t.Cleanup(scanner.Close)

	pattern := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if h.failPatterns[req["symbol"]] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(clients.PatternResponse{Score: 70})
	}))
	t.Cleanup(pattern.Close)

	technical := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(clients.IndicatorResponse{RSI: 55, Score: 60})
	}))
	t.Cleanup(technical.Close)

	riskManager := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&req)
		symbol, _ := req["symbol"].(string)
		verdict := clients.TradeValidation{Approved: !h.rejectRisk[symbol], CurrentPrice: 100}
		if !verdict.Approved {
			verdict.Reason = "max_sector_exposure"
		}
		_ = json.NewEncoder(w).Encode(verdict)
	}))
	t.Cleanup(riskManager.Close)

	client := clients.New(config.ServiceURLs{
		Scanner:     scanner.URL,
		Pattern:     pattern.URL,
		Technical:   technical.URL,
		RiskManager: riskManager.URL,
	}, zerolog.Nop())

	h.monitor = health.New(client, zerolog.Nop())
	for _, svc := range []clients.ServiceName{
		clients.ServiceScanner, clients.ServicePattern,
		clients.ServiceTechnical, clients.ServiceRiskManager,
	} {
		h.monitor.Record(svc, true, time.Millisecond, nil)
	}

	params := riskparams.New(h.gateway, zerolog.Nop())
	h.reducer = New(h.gateway, client, h.monitor, params, zerolog.Nop())
	return h
}

func (h *harness) startCycle(t *testing.T, maxPositions int) *domain.TradingCycle {
	t.Helper()
	cycle := &domain.TradingCycle{
		CycleID:      "cyc-test",
		Mode:         domain.ModeNormal,
		ScanInterval: 900 * time.Second,
		MaxPositions: maxPositions,
		RiskLevel:    0.5,
		StartedAt:    time.Now(),
	}
	require.NoError(t, h.gateway.CreateCycle(context.Background(), cycle))
	return cycle
}

// seedCatalyst inserts a qualifying earnings event for a symbol.
func (h *harness) seedCatalyst(t *testing.T, symbol string, publishedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	secID, err := h.gateway.ResolveSecurity(ctx, symbol)
	require.NoError(t, err)
	timeID, err := h.gateway.ResolveTime(ctx, publishedAt)
	require.NoError(t, err)
	_, err = h.gateway.InsertNewsEvent(ctx, &domain.NewsEvent{
		SecurityID:        secID,
		TimeID:            timeID,
		Headline:          fmt.Sprintf("%s beats earnings estimates", symbol),
		Source:            "NEWSWIRE",
		URL:               fmt.Sprintf("https://example.com/%s-%d", symbol, publishedAt.Unix()),
		SentimentLabel:    domain.SentimentPositive,
		SentimentScore:    0.8,
		Relevance:         0.9,
		CatalystType:      domain.CatalystEarnings,
		SourceReliability: 0.9,
		PublishedAt:       publishedAt,
	})
	require.NoError(t, err)
}

func symbols(n int) []clients.ScanCandidate {
	out := make([]clients.ScanCandidate, n)
	for i := range out {
		out[i] = clients.ScanCandidate{
			Symbol:    fmt.Sprintf("SYM%02d", i),
			Price:     50 + float64(i),
			Volume:    1_000_000 + int64(i)*10_000,
			ChangePct: float64(i%10) - 3,
		}
	}
	return out
}

func TestRunSelectsRankedTopCandidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cycle := h.startCycle(t, 5)
	scanTime := time.Now().UTC().Truncate(time.Second)

	h.scanSymbols = symbols(12)
	for i := 0; i < 8; i++ {
		h.seedCatalyst(t, fmt.Sprintf("SYM%02d", i), scanTime.Add(-time.Hour))
	}

	outcome, err := h.reducer.Run(ctx, cycle, scanTime)
	require.NoError(t, err)

	assert.Equal(t, 12, outcome.StageCounts[0])
	assert.Equal(t, 5, len(outcome.Selected))

	// Monotonic reduction.
	for i := 1; i < len(outcome.StageCounts); i++ {
		assert.LessOrEqual(t, outcome.StageCounts[i], outcome.StageCounts[i-1])
	}

	// Selected results are flagged with ranks 1..5.
	selected, err := h.gateway.SelectedScanResults(ctx, cycle.CycleID, outcome.TimeID)
	require.NoError(t, err)
	require.Len(t, selected, 5)
	for i, s := range selected {
		require.NotNil(t, s.Rank)
		assert.Equal(t, i+1, *s.Rank)
		assert.True(t, s.Selected)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cycle := h.startCycle(t, 5)
	h.scanSymbols = symbols(20)

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 10; i++ {
		h.seedCatalyst(t, fmt.Sprintf("SYM%02d", i), base.Add(-time.Duration(i+1)*time.Hour))
	}

	first, err := h.reducer.Run(ctx, cycle, base)
	require.NoError(t, err)
	second, err := h.reducer.Run(ctx, cycle, base.Add(time.Second))
	require.NoError(t, err)

	require.Equal(t, len(first.Selected), len(second.Selected))
	for i := range first.Selected {
		assert.Equal(t, first.Selected[i].Symbol, second.Selected[i].Symbol)
	}
}

func TestTechnicalFailuresDropCandidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cycle := h.startCycle(t, 5)
	scanTime := time.Now().UTC().Truncate(time.Second)

	h.scanSymbols = symbols(10)
	for i := 0; i < 10; i++ {
		h.seedCatalyst(t, fmt.Sprintf("SYM%02d", i), scanTime.Add(-time.Hour))
	}
	h.failPatterns["SYM03"] = true
	h.failPatterns["SYM07"] = true

	outcome, err := h.reducer.Run(ctx, cycle, scanTime)
	require.NoError(t, err)

	assert.Equal(t, 8, outcome.StageCounts[2])
	for _, c := range outcome.Selected {
		assert.NotEqual(t, "SYM03", c.Symbol)
		assert.NotEqual(t, "SYM07", c.Symbol)
	}

	// One warning risk event per dropped candidate.
	events, err := h.gateway.RiskEvents(ctx, []domain.Severity{domain.SeverityWarning}, 50)
	require.NoError(t, err)
	drops := 0
	for _, e := range events {
		if e.EventType == "candidate_dropped" {
			drops++
		}
	}
	assert.Equal(t, 2, drops)
}

func TestRiskRejectionsAreFiltered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cycle := h.startCycle(t, 5)
	scanTime := time.Now().UTC().Truncate(time.Second)

	h.scanSymbols = symbols(8)
	for i := 0; i < 8; i++ {
		h.seedCatalyst(t, fmt.Sprintf("SYM%02d", i), scanTime.Add(-time.Hour))
	}
	h.rejectRisk["SYM05"] = true

	outcome, err := h.reducer.Run(ctx, cycle, scanTime)
	require.NoError(t, err)
	for _, c := range outcome.Selected {
		assert.NotEqual(t, "SYM05", c.Symbol)
	}
}

func TestSelectionBoundedByFreeSlots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cycle := h.startCycle(t, 2)
	scanTime := time.Now().UTC().Truncate(time.Second)

	h.scanSymbols = symbols(10)
	for i := 0; i < 10; i++ {
		h.seedCatalyst(t, fmt.Sprintf("SYM%02d", i), scanTime.Add(-time.Hour))
	}

	outcome, err := h.reducer.Run(ctx, cycle, scanTime)
	require.NoError(t, err)
	assert.Len(t, outcome.Selected, 2)
}

func TestStageGateBlocksWhenServiceOffline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cycle := h.startCycle(t, 5)
	h.scanSymbols = symbols(5)

	// Push the pattern service to offline in the monitor.
	for i := 0; i < 5; i++ {
		h.monitor.Record(clients.ServicePattern, false, 0, fmt.Errorf("connection refused"))
	}

	_, err := h.reducer.Run(ctx, cycle, time.Now())
	assert.True(t, domain.IsClass(err, domain.ErrServiceUnavailable))
}
