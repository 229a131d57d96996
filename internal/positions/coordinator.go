// Package positions owns the order and position lifecycle: entry
// submission for selected candidates, exit on stop/target crosses, the
// mark-to-market loop, and emergency liquidation.
package positions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/catalyst/internal/clients"
	"github.com/aristath/catalyst/internal/domain"
	"github.com/aristath/catalyst/internal/riskparams"
	"github.com/aristath/catalyst/internal/store"
	"github.com/aristath/catalyst/pkg/logger"
)

const (
	// emergencyMaxRetries caps exit submissions per position during an
	// emergency stop.
	emergencyMaxRetries = 5

	// emergencyDeadline bounds the whole liquidation pass. The emergency
	// path runs on its own deadline, detached from the cancelled tick.
	emergencyDeadline = 2 * time.Minute
)

var emergencyRetryWait = 2 * time.Second

// Coordinator submits orders and maintains position state. Submissions are
// serialized; the broker sees at most one in-flight order from this process.
type Coordinator struct {
	gateway *store.Gateway
	client  *clients.Client
	params  *riskparams.Cache
	log     zerolog.Logger

	mu sync.Mutex
}

// New creates a coordinator.
func New(gateway *store.Gateway, client *clients.Client, params *riskparams.Cache, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		gateway: gateway,
		client:  client,
		params:  params,
		log:     logger.Component(log, "positions"),
	}
}

// OpenFromCandidates submits one entry order per selected candidate and
// opens positions for the fills. A failed candidate is skipped with a risk
// event; only cancellation aborts the pass. Returns how many positions
// opened.
func (c *Coordinator) OpenFromCandidates(ctx context.Context, cycle *domain.TradingCycle, candidates []domain.Candidate) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	params, err := c.params.Effective(ctx)
	if err != nil {
		return 0, err
	}

	size := positionSize(params, cycle.Mode, cycle.RiskLevel)
	opened := 0
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return opened, ctx.Err()
		}

		quantity := shareQuantity(size, candidate.Price)
		if quantity < 1 {
			c.log.Info().Str("symbol", candidate.Symbol).Float64("size", size).
				Msg("Position size too small, skipping candidate")
			continue
		}

		if err := c.submitEntry(ctx, cycle, candidate, quantity, params); err != nil {
			if ctx.Err() != nil {
				return opened, ctx.Err()
			}
			c.entryFailed(ctx, cycle, candidate, err)
			continue
		}
		opened++
	}
	return opened, nil
}

// submitEntry runs one candidate through order insert, broker submission
// and position creation. The order row exists before the broker sees the
// order, so a crash can never produce an untracked fill.
func (c *Coordinator) submitEntry(ctx context.Context, cycle *domain.TradingCycle, candidate domain.Candidate, quantity float64, params riskparams.Parameters) error {
	now := time.Now()
	order := &domain.Order{
		OrderID:     uuid.NewString(),
		CycleID:     cycle.CycleID,
		SecurityID:  candidate.SecurityID,
		Side:        domain.SideBuy,
		Type:        domain.OrderMarket,
		Quantity:    quantity,
		TimeInForce: domain.TIFDay,
		Status:      domain.OrderPending,
		CreatedAt:   now,
	}
	if err := c.gateway.InsertOrder(ctx, order); err != nil {
		return err
	}

	broker, err := c.client.SubmitOrder(ctx, clients.OrderSpec{
		ClientOrderID: order.OrderID,
		Symbol:        candidate.Symbol,
		Side:          string(order.Side),
		Type:          string(order.Type),
		Quantity:      order.Quantity,
		TimeInForce:   string(order.TimeInForce),
	})
	if err != nil {
		c.markOrderFailed(ctx, order.OrderID, err)
		return domain.Classified(domain.ErrBrokerFailure, err)
	}

	switch domain.OrderStatus(broker.Status) {
	case domain.OrderFilled, domain.OrderPartial:
		return c.recordFill(ctx, cycle, candidate, order.OrderID, broker, params)
	case domain.OrderRejected:
		_ = c.gateway.UpdateOrderStatus(ctx, order.OrderID, store.OrderStatusUpdate{
			Status:        domain.OrderRejected,
			BrokerOrderID: broker.OrderID,
			RejectReason:  broker.RejectReason,
		})
		return domain.Classifiedf(domain.ErrBrokerFailure,
			"broker rejected entry for %s: %s", candidate.Symbol, broker.RejectReason)
	default:
		// Working but unfilled; a market-hours entry should fill
		// immediately, so treat anything else as still submitted.
		submittedAt := time.Now()
		return c.gateway.UpdateOrderStatus(ctx, order.OrderID, store.OrderStatusUpdate{
			Status:        domain.OrderSubmitted,
			BrokerOrderID: broker.OrderID,
			SubmittedAt:   &submittedAt,
		})
	}
}

// recordFill marks the entry order filled and opens the position with its
// exit levels derived from the fill price.
func (c *Coordinator) recordFill(ctx context.Context, cycle *domain.TradingCycle, candidate domain.Candidate, orderID string, broker *clients.BrokerOrder, params riskparams.Parameters) error {
	filledAt := time.Now()
	err := c.gateway.UpdateOrderStatus(ctx, orderID, store.OrderStatusUpdate{
		Status:        domain.OrderFilled,
		BrokerOrderID: broker.OrderID,
		SubmittedAt:   &filledAt,
		FilledAt:      &filledAt,
		FillPrice:     &broker.FillPrice,
		FillQuantity:  broker.FillQuantity,
		Fees:          broker.Fees,
	})
	if err != nil {
		return err
	}

	stopLoss, takeProfit := exitLevels(broker.FillPrice, params)
	position := &domain.Position{
		PositionID: uuid.NewString(),
		CycleID:    cycle.CycleID,
		SecurityID: candidate.SecurityID,
		Side:       domain.PositionLong,
		Quantity:   broker.FillQuantity,
		EntryPrice: broker.FillPrice,
		StopLoss:   &stopLoss,
		TakeProfit: &takeProfit,
		OpenedAt:   filledAt,
	}
	if err := c.gateway.OpenPosition(ctx, position, orderID); err != nil {
		return err
	}

	if err := c.gateway.AppendCycleMetrics(ctx, cycle.CycleID, store.CycleMetricDelta{PositionsOpened: 1}); err != nil {
		c.log.Warn().Err(err).Str("cycle_id", cycle.CycleID).Msg("Failed to bump opened counter")
	}

	c.log.Info().
		Str("symbol", candidate.Symbol).
		Str("position_id", position.PositionID).
		Float64("entry", broker.FillPrice).
		Float64("stop_loss", stopLoss).
		Float64("take_profit", takeProfit).
		Msg("Position opened")
	return nil
}

// ExitPosition submits a market exit for an open position and closes it on
// fill. Every exit writes an info risk event.
func (c *Coordinator) ExitPosition(ctx context.Context, cycle *domain.TradingCycle, pos domain.Position, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitExit(ctx, cycle, pos, reason)
}

func (c *Coordinator) submitExit(ctx context.Context, cycle *domain.TradingCycle, pos domain.Position, reason string) error {
	symbol, err := c.gateway.SecuritySymbol(ctx, pos.SecurityID)
	if err != nil {
		return err
	}

	side := domain.SideSell
	if pos.Side == domain.PositionShort {
		side = domain.SideBuy
	}

	now := time.Now()
	order := &domain.Order{
		OrderID:     uuid.NewString(),
		CycleID:     cycle.CycleID,
		SecurityID:  pos.SecurityID,
		Side:        side,
		Type:        domain.OrderMarket,
		Quantity:    pos.Quantity,
		TimeInForce: domain.TIFDay,
		Status:      domain.OrderPending,
		CreatedAt:   now,
	}
	if err := c.gateway.InsertOrder(ctx, order); err != nil {
		return err
	}

	broker, err := c.client.SubmitOrder(ctx, clients.OrderSpec{
		ClientOrderID: order.OrderID,
		Symbol:        symbol,
		Side:          string(side),
		Type:          string(domain.OrderMarket),
		Quantity:      pos.Quantity,
		TimeInForce:   string(domain.TIFDay),
	})
	if err != nil {
		c.markOrderFailed(ctx, order.OrderID, err)
		return domain.Classified(domain.ErrBrokerFailure, err)
	}
	if domain.OrderStatus(broker.Status) != domain.OrderFilled {
		c.markOrderFailed(ctx, order.OrderID,
			fmt.Errorf("exit order not filled, broker status %q", broker.Status))
		return domain.Classifiedf(domain.ErrBrokerFailure,
			"exit for %s not filled, broker status %q", symbol, broker.Status)
	}

	filledAt := time.Now()
	err = c.gateway.UpdateOrderStatus(ctx, order.OrderID, store.OrderStatusUpdate{
		Status:        domain.OrderFilled,
		BrokerOrderID: broker.OrderID,
		SubmittedAt:   &filledAt,
		FilledAt:      &filledAt,
		FillPrice:     &broker.FillPrice,
		FillQuantity:  broker.FillQuantity,
		Fees:          broker.Fees,
	})
	if err != nil {
		return err
	}

	realized := (broker.FillPrice - pos.EntryPrice) * pos.Quantity
	if pos.Side == domain.PositionShort {
		realized = -realized
	}
	realized -= broker.Fees

	if err := c.gateway.ClosePosition(ctx, pos.PositionID, order.OrderID,
		broker.FillPrice, realized, filledAt, reason); err != nil {
		return err
	}

	if err := c.gateway.AppendCycleMetrics(ctx, cycle.CycleID, store.CycleMetricDelta{PositionsClosed: 1}); err != nil {
		c.log.Warn().Err(err).Str("cycle_id", cycle.CycleID).Msg("Failed to bump closed counter")
	}

	cycleID := cycle.CycleID
	secID := pos.SecurityID
	event := &domain.RiskEvent{
		EventType:  "position_exit",
		Severity:   domain.SeverityInfo,
		CycleID:    &cycleID,
		SecurityID: &secID,
		Message: fmt.Sprintf("%s position %s closed (%s) at %.2f, realized %.2f",
			symbol, pos.PositionID, reason, broker.FillPrice, realized),
	}
	if err := c.gateway.AppendRiskEvent(ctx, event); err != nil {
		c.log.Warn().Err(err).Str("position_id", pos.PositionID).Msg("Failed to write exit risk event")
	}
	return nil
}

// EmergencyLiquidate closes every open position of a cycle with market
// orders. It runs on its own deadline so an emergency stop still exits
// positions after the tick context is cancelled. Submission failures retry
// up to the cap; a position that cannot be exited raises an emergency risk
// event for manual intervention.
func (c *Coordinator) EmergencyLiquidate(ctx context.Context, cycle *domain.TradingCycle) error {
	exitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emergencyDeadline)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	open, err := c.gateway.OpenPositions(exitCtx, cycle.CycleID)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}

	c.log.Warn().Str("cycle_id", cycle.CycleID).Int("positions", len(open)).
		Msg("Emergency liquidation started")

	var failed int
	for _, pos := range open {
		var lastErr error
		for attempt := 1; attempt <= emergencyMaxRetries; attempt++ {
			lastErr = c.submitExit(exitCtx, cycle, pos, "emergency_stop")
			if lastErr == nil {
				break
			}
			if exitCtx.Err() != nil {
				break
			}
			c.log.Warn().Err(lastErr).
				Str("position_id", pos.PositionID).
				Int("attempt", attempt).
				Msg("Emergency exit failed, retrying")
			select {
			case <-exitCtx.Done():
			case <-time.After(emergencyRetryWait):
			}
		}

		if lastErr != nil {
			failed++
			cycleID := cycle.CycleID
			secID := pos.SecurityID
			event := &domain.RiskEvent{
				EventType:  "emergency_exit_failed",
				Severity:   domain.SeverityEmergency,
				CycleID:    &cycleID,
				SecurityID: &secID,
				Message: fmt.Sprintf("position %s could not be liquidated after %d attempts: %v",
					pos.PositionID, emergencyMaxRetries, lastErr),
			}
			if err := c.gateway.AppendRiskEvent(exitCtx, event); err != nil {
				c.log.Error().Err(err).Str("position_id", pos.PositionID).
					Msg("Failed to write emergency risk event")
			}
		}
	}

	if failed > 0 {
		return domain.Classifiedf(domain.ErrBrokerFailure,
			"%d of %d positions could not be liquidated", failed, len(open))
	}
	return nil
}

// entryFailed logs and records an entry that could not be submitted.
func (c *Coordinator) entryFailed(ctx context.Context, cycle *domain.TradingCycle, candidate domain.Candidate, cause error) {
	c.log.Warn().Err(cause).
		Str("cycle_id", cycle.CycleID).
		Str("symbol", candidate.Symbol).
		Msg("Entry order failed, candidate dropped")

	cycleID := cycle.CycleID
	secID := candidate.SecurityID
	event := &domain.RiskEvent{
		EventType:  "entry_failed",
		Severity:   domain.SeverityWarning,
		CycleID:    &cycleID,
		SecurityID: &secID,
		Message:    fmt.Sprintf("entry for %s failed: %v", candidate.Symbol, cause),
	}
	if err := c.gateway.AppendRiskEvent(ctx, event); err != nil {
		c.log.Error().Err(err).Str("symbol", candidate.Symbol).Msg("Failed to write entry risk event")
	}
}

// markOrderFailed best-effort cancels an order row after a broker failure.
func (c *Coordinator) markOrderFailed(ctx context.Context, orderID string, cause error) {
	err := c.gateway.UpdateOrderStatus(ctx, orderID, store.OrderStatusUpdate{
		Status:       domain.OrderCancelled,
		RejectReason: cause.Error(),
	})
	if err != nil {
		c.log.Warn().Err(err).Str("order_id", orderID).Msg("Failed to mark order cancelled")
	}
}
