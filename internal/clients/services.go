package clients

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// healthTimeout keeps liveness probes snappy; a slow /health is as bad as a
// down one.
const healthTimeout = 5 * time.Second

// The request/response shapes below are the wire contract with the
// downstream services; field names are part of the contract.

// ScanCandidate is one actively traded symbol from the scanner.
type ScanCandidate struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    int64   `json:"volume"`
	ChangePct float64 `json:"change_pct"`
}

// ScanResponse is the scanner's market snapshot.
type ScanResponse struct {
	Candidates []ScanCandidate `json:"candidates"`
}

// Scan asks the scanner service for actively traded symbols.
func (c *Client) Scan(ctx context.Context, hoursBack int) (*ScanResponse, error) {
	var resp ScanResponse
	err := c.Call(ctx, ServiceScanner, http.MethodPost, "/api/v1/scan",
		map[string]int{"hours_back": hoursBack}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// NewsItem is one raw item from the news service.
type NewsItem struct {
	Symbol      string  `json:"symbol"`
	Headline    string  `json:"headline"`
	Source      string  `json:"source"`
	URL         string  `json:"url,omitempty"`
	PublishedAt string  `json:"published_at"`
	Relevance   float64 `json:"relevance"`
}

// NewsResponse is the news service's recent-items payload.
type NewsResponse struct {
	Events []NewsItem `json:"events"`
}

// RecentNews fetches recent news items for a symbol.
func (c *Client) RecentNews(ctx context.Context, symbol string, hours int) (*NewsResponse, error) {
	var resp NewsResponse
	q := url.Values{
		"symbol": {symbol},
		"hours":  {strconv.Itoa(hours)},
	}
	path := "/api/v1/news/recent?" + q.Encode()
	if err := c.Call(ctx, ServiceNews, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DetectedPattern is one chart pattern with its confidence.
type DetectedPattern struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// PatternResponse is the pattern service's detection result.
type PatternResponse struct {
	Patterns []DetectedPattern `json:"patterns"`
	Score    float64           `json:"score"`
}

// DetectPatterns asks the pattern service to score a symbol's chart.
func (c *Client) DetectPatterns(ctx context.Context, symbol, timeframe string) (*PatternResponse, error) {
	var resp PatternResponse
	err := c.Call(ctx, ServicePattern, http.MethodPost, "/api/v1/patterns/detect",
		map[string]string{"symbol": symbol, "timeframe": timeframe}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// IndicatorResponse is the technical service's indicator set.
type IndicatorResponse struct {
	RSI            float64            `json:"rsi"`
	MACD           map[string]float64 `json:"macd"`
	BollingerBands map[string]float64 `json:"bollinger_bands"`
	Score          float64            `json:"score"`
}

// CalculateIndicators asks the technical service for indicator scores.
func (c *Client) CalculateIndicators(ctx context.Context, symbol, timeframe string) (*IndicatorResponse, error) {
	var resp IndicatorResponse
	err := c.Call(ctx, ServiceTechnical, http.MethodPost, "/api/v1/indicators/calculate",
		map[string]string{"symbol": symbol, "timeframe": timeframe}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// TradeValidation is the risk manager's verdict on a candidate trade.
type TradeValidation struct {
	Approved     bool    `json:"approved"`
	Reason       string  `json:"reason,omitempty"`
	CurrentPrice float64 `json:"current_price"`
}

// ValidateTrade asks the risk manager whether a candidate trade passes the
// effective risk limits.
func (c *Client) ValidateTrade(ctx context.Context, symbol, side string, quantity float64) (*TradeValidation, error) {
	var resp TradeValidation
	err := c.Call(ctx, ServiceRiskManager, http.MethodPost, "/api/v1/validate-trade",
		map[string]interface{}{"symbol": symbol, "side": side, "quantity": quantity}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// OrderSpec is the order submission payload for the broker adapter.
type OrderSpec struct {
	ClientOrderID string   `json:"client_order_id"`
	Symbol        string   `json:"symbol"`
	Side          string   `json:"side"`
	Type          string   `json:"type"`
	Quantity      float64  `json:"quantity"`
	LimitPrice    *float64 `json:"limit_price,omitempty"`
	StopPrice     *float64 `json:"stop_price,omitempty"`
	TimeInForce   string   `json:"time_in_force"`
}

// BrokerOrder is the broker adapter's order record.
type BrokerOrder struct {
	OrderID      string  `json:"order_id"`
	Status       string  `json:"status"`
	FillPrice    float64 `json:"fill_price"`
	FillQuantity float64 `json:"fill_quantity"`
	Fees         float64 `json:"fees"`
	RejectReason string  `json:"reject_reason,omitempty"`
}

// SubmitOrder submits an order through the broker adapter.
func (c *Client) SubmitOrder(ctx context.Context, spec OrderSpec) (*BrokerOrder, error) {
	var resp BrokerOrder
	err := c.Call(ctx, ServiceTrading, http.MethodPost, "/api/v1/orders", spec, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// QuoteResponse is a batched live-price snapshot from the trading service.
type QuoteResponse struct {
	Prices map[string]float64 `json:"prices"`
}

// Quotes fetches live prices for a set of symbols in one batched call.
func (c *Client) Quotes(ctx context.Context, symbols []string) (*QuoteResponse, error) {
	var resp QuoteResponse
	err := c.Call(ctx, ServiceTrading, http.MethodPost, "/api/v1/quotes",
		map[string][]string{"symbols": symbols}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// HistoricalPrice fetches the price of a symbol at (or nearest before) a
// given instant, used by the news impact job.
func (c *Client) HistoricalPrice(ctx context.Context, symbol, at string) (float64, error) {
	var resp struct {
		Price float64 `json:"price"`
	}
	q := url.Values{
		"symbol": {symbol},
		"ts":     {at},
	}
	path := "/api/v1/prices/at?" + q.Encode()
	if err := c.Call(ctx, ServiceReporting, http.MethodGet, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Price, nil
}

// HealthStatus is any service's health payload.
type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Health probes a service's /health endpoint with a short timeout.
func (c *Client) Health(ctx context.Context, service ServiceName) (*HealthStatus, error) {
	var resp HealthStatus
	err := c.CallWithTimeout(ctx, service, http.MethodGet, "/health", nil, &resp, healthTimeout)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
