// Package domain holds the persistent entities and closed enums shared by
// every component. It has no infrastructure dependencies.
package domain

import "time"

// Security is a tradable instrument. Relational rows never carry the raw
// ticker; they reference SecurityID.
type Security struct {
	SecurityID int64
	Symbol     string
	Name       string
	Sector     string
	Active     bool
}

// TimePoint is a stable surrogate for a wall-clock instant (UTC, second
// precision).
type TimePoint struct {
	TimeID    int64
	Timestamp time.Time
	TradeDate string // YYYY-MM-DD
}

// TradingCycle is one operator-initiated run of the pipeline.
type TradingCycle struct {
	CycleID         string
	Mode            CycleMode
	Status          CycleStatus
	ScanInterval    time.Duration // 0 means session-driven cadence
	MaxPositions    int
	RiskLevel       float64
	StartedAt       time.Time
	EndsAt          *time.Time // scheduled end; nil runs until stopped
	StoppedAt       *time.Time
	StopReason      string
	ConfigJSON      string
	PositionsOpened int
	PositionsClosed int
	RiskEventCount  int
}

// ScanResult is one symbol's scoring snapshot within a cycle tick.
type ScanResult struct {
	ScanID         int64
	CycleID        string
	SecurityID     int64
	TimeID         int64
	MomentumScore  float64
	VolumeScore    float64
	CatalystScore  float64
	TechnicalScore float64
	CompositeScore float64
	Price          float64
	Volume         int64
	ChangePct      float64
	Selected       bool
	Rank           *int
}

// NewsEvent is a normalized news item for a security. PriceImpactPct stays
// nil until the delayed impact job fills it.
type NewsEvent struct {
	NewsID            int64
	SecurityID        int64
	TimeID            int64
	Headline          string
	Source            string
	URL               string
	DedupHash         string
	SentimentLabel    SentimentLabel
	SentimentScore    float64 // [-1, 1]
	Relevance         float64 // [0, 1]
	CatalystType      CatalystType
	PriceImpactPct    *float64
	ImpactAttempts    int
	SourceReliability float64
	PublishedAt       time.Time
}

// Order is a broker order owned by a cycle. PositionID is nil until the
// order is linked to the position it opened or closed.
type Order struct {
	OrderID       string
	BrokerOrderID string
	CycleID       string
	SecurityID    int64
	PositionID    *string
	Side          OrderSide
	Type          OrderType
	Quantity      float64
	LimitPrice    *float64
	StopPrice     *float64
	TimeInForce   TimeInForce
	Status        OrderStatus
	SubmittedAt   *time.Time
	FilledAt      *time.Time
	FillPrice     *float64
	FillQuantity  float64
	Fees          float64
	RejectReason  string
	CreatedAt     time.Time
}

// Position is an open or closed holding. An open position always references
// exactly one filled entry order; a closed one additionally references its
// exit order.
type Position struct {
	PositionID    string
	CycleID       string
	SecurityID    int64
	Side          PositionSide
	Quantity      float64
	EntryPrice    float64
	ExitPrice     *float64
	StopLoss      *float64
	TakeProfit    *float64
	Status        PositionStatus
	OpenedAt      time.Time
	ClosedAt      *time.Time
	RealizedPnL   float64
	UnrealizedPnL float64
	MaxFavorable  float64
	MaxAdverse    float64
	EntryOrderID  *string
	ExitOrderID   *string
	CloseReason   string
}

// RiskParameter is a named scalar effective over a time window.
type RiskParameter struct {
	ParamID        int64
	Name           string
	Value          float64
	Kind           string // currency | percentage | count | multiplier | ratio
	EffectiveFrom  time.Time
	EffectiveUntil *time.Time
	Origin         string
}

// DailyRiskMetric is one rollup row per (date, cycle).
type DailyRiskMetric struct {
	MetricDate             string // YYYY-MM-DD
	CycleID                string
	DailyPnL               float64
	TradesTotal            int
	TradesWon              int
	WinRate                float64
	ExposurePeak           float64
	MaxDrawdown            float64
	Sharpe                 float64
	LossLimitHit           bool
	EmergencyStopTriggered bool
}

// RiskEvent is an auditable record of a noteworthy condition.
type RiskEvent struct {
	EventID        int64
	EventType      string
	Severity       Severity
	CycleID        *string
	SecurityID     *int64
	Message        string
	DataJSON       string
	Acknowledged   bool
	AcknowledgedBy string
	AcknowledgedAt *time.Time
	CreatedAt      time.Time
}

// Candidate is a symbol under consideration at some stage of the reducer.
// It is in-memory only; selected candidates persist as ScanResults.
type Candidate struct {
	SecurityID     int64
	Symbol         string
	Price          float64
	Volume         int64
	ChangePct      float64
	MomentumScore  float64
	VolumeScore    float64
	CatalystScore  float64
	TechnicalScore float64
	CompositeScore float64
	LastCatalystAt time.Time
}
