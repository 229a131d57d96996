package domain

import "fmt"

// CycleMode controls how aggressively a trading cycle sizes positions.
type CycleMode string

const (
	ModeAggressive   CycleMode = "aggressive"
	ModeNormal       CycleMode = "normal"
	ModeConservative CycleMode = "conservative"
)

// CycleModeFromString parses a cycle mode
func CycleModeFromString(s string) (CycleMode, error) {
	switch CycleMode(s) {
	case ModeAggressive, ModeNormal, ModeConservative:
		return CycleMode(s), nil
	}
	return "", fmt.Errorf("invalid cycle mode: %q", s)
}

// SizeMultiplier returns the position-sizing multiplier for the mode.
func (m CycleMode) SizeMultiplier() float64 {
	switch m {
	case ModeAggressive:
		return 1.5
	case ModeConservative:
		return 0.5
	default:
		return 1.0
	}
}

// CycleStatus is the lifecycle state of a trading cycle.
type CycleStatus string

const (
	CycleActive           CycleStatus = "active"
	CyclePaused           CycleStatus = "paused"
	CycleStopping         CycleStatus = "stopping"
	CycleStopped          CycleStatus = "stopped"
	CycleEmergencyStopped CycleStatus = "emergency_stopped"
	CycleCompleted        CycleStatus = "completed"
)

// cycleTransitions is the closed set of legal status transitions.
// The store gateway rejects anything not listed here.
var cycleTransitions = map[CycleStatus][]CycleStatus{
	CycleActive:   {CyclePaused, CycleStopping, CycleEmergencyStopped, CycleCompleted},
	CyclePaused:   {CycleActive, CycleStopping, CycleEmergencyStopped, CycleCompleted},
	CycleStopping: {CycleStopped, CycleEmergencyStopped},
	CycleStopped:  {CycleCompleted},
}

// CanTransition reports whether from -> to is a legal cycle transition.
func CanTransition(from, to CycleStatus) bool {
	for _, allowed := range cycleTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsRunning reports whether the status counts against the
// at-most-one-active-cycle invariant.
func (s CycleStatus) IsRunning() bool {
	return s == CycleActive || s == CyclePaused || s == CycleStopping
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderSideFromString parses an order side
func OrderSideFromString(s string) (OrderSide, error) {
	switch OrderSide(s) {
	case SideBuy, SideSell:
		return OrderSide(s), nil
	}
	return "", fmt.Errorf("invalid order side: %q", s)
}

// OrderType is the execution type of an order.
type OrderType string

const (
	OrderMarket    OrderType = "market"
	OrderLimit     OrderType = "limit"
	OrderStop      OrderType = "stop"
	OrderStopLimit OrderType = "stop_limit"
)

// TimeInForce controls how long an order remains working.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderSubmitted OrderStatus = "submitted"
	OrderFilled    OrderStatus = "filled"
	OrderPartial   OrderStatus = "partial"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// PositionSide is long or short.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen        PositionStatus = "open"
	PositionPartial     PositionStatus = "partial"
	PositionClosed      PositionStatus = "closed"
	PositionRiskReduced PositionStatus = "risk_reduced"
)

// Severity grades risk events.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// CatalystType classifies the kind of news catalyst. The set is closed;
// anything that matches no keyword set classifies as general.
type CatalystType string

const (
	CatalystEarnings         CatalystType = "earnings"
	CatalystFDAApproval      CatalystType = "fda_approval"
	CatalystMergerAcq        CatalystType = "merger_acquisition"
	CatalystProductLaunch    CatalystType = "product_launch"
	CatalystPartnership      CatalystType = "partnership"
	CatalystRegulatory       CatalystType = "regulatory"
	CatalystLawsuit          CatalystType = "lawsuit"
	CatalystManagementChange CatalystType = "management_change"
	CatalystAnalystUpgrade   CatalystType = "analyst_upgrade"
	CatalystAnalystDowngrade CatalystType = "analyst_downgrade"
	CatalystInsiderTrading   CatalystType = "insider_trading"
	CatalystGeneral          CatalystType = "general"
)

// SentimentLabel is the discrete sentiment of a news event.
type SentimentLabel string

const (
	SentimentPositive SentimentLabel = "positive"
	SentimentNegative SentimentLabel = "negative"
	SentimentNeutral  SentimentLabel = "neutral"
)

// MarketSession is the trading-day session in the exchange timezone.
type MarketSession string

const (
	SessionPreMarket  MarketSession = "pre_market"
	SessionRegular    MarketSession = "regular"
	SessionAfterHours MarketSession = "after_hours"
	SessionClosed     MarketSession = "closed"
)
