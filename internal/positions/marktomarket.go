package positions

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aristath/catalyst/internal/clients"
	"github.com/aristath/catalyst/internal/store"
	"github.com/aristath/catalyst/pkg/logger"
)

// MarkToMarket is the loop that revalues open positions against live
// prices, persists the marks in one bulk write, and triggers stop-loss /
// take-profit exits on crossed levels.
type MarkToMarket struct {
	gateway     *store.Gateway
	client      *clients.Client
	coordinator *Coordinator
	log         zerolog.Logger
}

// NewMarkToMarket creates the mark-to-market job.
func NewMarkToMarket(gateway *store.Gateway, client *clients.Client, coordinator *Coordinator, log zerolog.Logger) *MarkToMarket {
	return &MarkToMarket{
		gateway:     gateway,
		client:      client,
		coordinator: coordinator,
		log:         logger.Component(log, "mark_to_market"),
	}
}

// Name implements scheduler.Job.
func (m *MarkToMarket) Name() string { return "mark_to_market" }

// Run executes one revaluation pass over the running cycle's open
// positions. No running cycle or no open positions is a no-op.
func (m *MarkToMarket) Run(ctx context.Context) error {
	cycle, err := m.gateway.LoadActiveCycle(ctx)
	if err != nil {
		return err
	}
	if cycle == nil || !cycle.Status.IsRunning() {
		return nil
	}

	open, err := m.gateway.OpenPositions(ctx, cycle.CycleID)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}

	// One batched quote call covers every open symbol.
	symbolByID := make(map[int64]string, len(open))
	symbols := make([]string, 0, len(open))
	for _, pos := range open {
		if _, seen := symbolByID[pos.SecurityID]; seen {
			continue
		}
		symbol, err := m.gateway.SecuritySymbol(ctx, pos.SecurityID)
		if err != nil {
			return err
		}
		symbolByID[pos.SecurityID] = symbol
		symbols = append(symbols, symbol)
	}

	quotes, err := m.client.Quotes(ctx, symbols)
	if err != nil {
		return err
	}

	updates := make([]store.MarkUpdate, 0, len(open))
	for _, pos := range open {
		price, ok := quotes.Prices[symbolByID[pos.SecurityID]]
		if !ok || price <= 0 {
			m.log.Warn().Str("symbol", symbolByID[pos.SecurityID]).
				Msg("No quote for open position, mark skipped")
			continue
		}
		pnl := unrealizedPnL(pos, price)
		updates = append(updates, store.MarkUpdate{
			PositionID:    pos.PositionID,
			UnrealizedPnL: pnl,
			MaxFavorable:  pnl,
			MaxAdverse:    pnl,
		})
	}
	if err := m.gateway.BulkUpdateMarks(ctx, updates); err != nil {
		return err
	}

	// Exit checks run after the marks are durable.
	for _, pos := range open {
		price, ok := quotes.Prices[symbolByID[pos.SecurityID]]
		if !ok || price <= 0 {
			continue
		}
		if exit, reason := shouldExit(pos, price); exit {
			if err := m.coordinator.ExitPosition(ctx, cycle, pos, reason); err != nil {
				m.log.Error().Err(err).
					Str("position_id", pos.PositionID).
					Str("reason", reason).
					Msg("Exit submission failed")
			}
		}
	}

	m.log.Debug().Int("positions", len(open)).Int("marked", len(updates)).
		Msg("Mark-to-market pass completed")
	return nil
}
