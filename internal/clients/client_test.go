package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/catalyst/internal/config"
	"github.com/aristath/catalyst/internal/domain"
)

func newTestClient(urls config.ServiceURLs) *Client {
	return New(urls, zerolog.Nop())
}

func TestCallDecodesSuccessResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[{"symbol":"AAPL","price":150,"volume":1000,"change_pct":2.5}]}`))
	}))
	defer srv.Close()

	c := newTestClient(config.ServiceURLs{Scanner: srv.URL})
	resp, err := c.Scan(context.Background(), 24)
	require.NoError(t, err)
	require.Len(t, resp.Candidates, 1)
	assert.Equal(t, "AAPL", resp.Candidates[0].Symbol)
	assert.InDelta(t, 150.0, resp.Candidates[0].Price, 1e-9)
}

func TestCallClassifiesClientErrorWithoutRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad symbol", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := newTestClient(config.ServiceURLs{Scanner: srv.URL})
	_, err := c.Scan(context.Background(), 24)
	assert.True(t, domain.IsClass(err, domain.ErrValidation))
	// 4xx is terminal, never retried.
	assert.Equal(t, int32(1), hits.Load())
}

func TestCallRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(config.ServiceURLs{Scanner: srv.URL})
	_, err := c.Scan(context.Background(), 24)
	assert.True(t, domain.IsClass(err, domain.ErrServiceUnavailable))
	// One attempt plus two retries.
	assert.Equal(t, int32(3), hits.Load())
}

func TestCallClassifiesMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates": [truncated`))
	}))
	defer srv.Close()

	c := newTestClient(config.ServiceURLs{Scanner: srv.URL})
	_, err := c.Scan(context.Background(), 24)
	assert.True(t, domain.IsClass(err, domain.ErrProtocol))
}

func TestCallClassifiesTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	c := newTestClient(config.ServiceURLs{Scanner: srv.URL})
	err := c.CallWithTimeout(context.Background(), ServiceScanner,
		http.MethodGet, "/health", nil, nil, 50*time.Millisecond)
	assert.True(t, domain.IsClass(err, domain.ErrTimeout))
}

func TestCallRejectsUnconfiguredService(t *testing.T) {
	c := newTestClient(config.ServiceURLs{})
	err := c.Call(context.Background(), ServiceScanner, http.MethodGet, "/health", nil, nil)
	assert.True(t, domain.IsClass(err, domain.ErrValidation))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	// Nothing listens here, so every attempt fails fast.
	c := newTestClient(config.ServiceURLs{Scanner: "http://127.0.0.1:1"})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := c.Call(ctx, ServiceScanner, http.MethodGet, "/health", nil, nil)
		assert.True(t, domain.IsClass(err, domain.ErrServiceUnavailable))
	}
	assert.Equal(t, "open", c.BreakerState(ServiceScanner))

	// The open breaker short-circuits before any network attempt.
	err := c.Call(ctx, ServiceScanner, http.MethodGet, "/health", nil, nil)
	assert.True(t, domain.IsClass(err, domain.ErrServiceUnavailable))
	assert.Contains(t, err.Error(), "circuit open")
}

func TestQueryParametersArriveEscaped(t *testing.T) {
	var gotSymbol, gotHours string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSymbol = r.URL.Query().Get("symbol")
		gotHours = r.URL.Query().Get("hours")
		_, _ = w.Write([]byte(`{"events":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(config.ServiceURLs{News: srv.URL})
	// Share classes carry dots and ampersands show up in index symbols;
	// both must round-trip intact.
	_, err := c.RecentNews(context.Background(), "BRK.B&X", 24)
	require.NoError(t, err)
	assert.Equal(t, "BRK.B&X", gotSymbol)
	assert.Equal(t, "24", gotHours)
}

func TestBrokerCredentialsForwardedToTradingOnly(t *testing.T) {
	var tradingKey, scannerKey string
	trading := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tradingKey = r.Header.Get("X-API-Key")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer trading.Close()
	scanner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scannerKey = r.Header.Get("X-API-Key")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer scanner.Close()

	c := newTestClient(config.ServiceURLs{Trading: trading.URL, Scanner: scanner.URL})
	c.SetBrokerCredentials("key-123", "secret-456")

	_, err := c.Quotes(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	_, err = c.Scan(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, "key-123", tradingKey)
	assert.Empty(t, scannerKey)
}
