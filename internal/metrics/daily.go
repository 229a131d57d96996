// Package metrics computes the end-of-day risk rollup for the running
// cycle: P&L, win rate, drawdown and sharpe over the day's closed trades.
package metrics

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/catalyst/internal/domain"
	"github.com/aristath/catalyst/internal/store"
	"github.com/aristath/catalyst/pkg/logger"
)

// DailyRollup aggregates one (date, cycle) row from the day's closed
// positions. Registered on the scheduler after the close.
type DailyRollup struct {
	gateway *store.Gateway
	log     zerolog.Logger
}

// NewDailyRollup creates the rollup job.
func NewDailyRollup(gateway *store.Gateway, log zerolog.Logger) *DailyRollup {
	return &DailyRollup{
		gateway: gateway,
		log:     logger.Component(log, "daily_rollup"),
	}
}

// Name implements scheduler.Job.
func (d *DailyRollup) Name() string { return "daily_rollup" }

// Run rolls up today's closed trades for the running cycle. No running
// cycle or no closed trades is a no-op.
func (d *DailyRollup) Run(ctx context.Context) error {
	cycle, err := d.gateway.LoadActiveCycle(ctx)
	if err != nil {
		return err
	}
	if cycle == nil {
		return nil
	}
	return d.RollupFor(ctx, cycle.CycleID, time.Now().UTC().Format("2006-01-02"))
}

// RollupFor computes and upserts the metric row for one (cycle, date).
func (d *DailyRollup) RollupFor(ctx context.Context, cycleID, tradeDate string) error {
	closed, err := d.gateway.PositionsClosedOn(ctx, cycleID, tradeDate)
	if err != nil {
		return err
	}
	if len(closed) == 0 {
		return nil
	}

	metric := Compute(cycleID, tradeDate, closed)
	if err := d.gateway.UpsertDailyRiskMetric(ctx, &metric); err != nil {
		return err
	}

	d.log.Info().
		Str("cycle_id", cycleID).
		Str("date", tradeDate).
		Float64("daily_pnl", metric.DailyPnL).
		Float64("win_rate", metric.WinRate).
		Msg("Daily metrics rolled up")
	return nil
}

// Compute derives the rollup from the day's closed positions. Pure so it is
// directly testable.
func Compute(cycleID, tradeDate string, closed []domain.Position) domain.DailyRiskMetric {
	returns := make([]float64, 0, len(closed))
	var (
		dailyPnL     float64
		won          int
		exposurePeak float64
	)

	for _, pos := range closed {
		dailyPnL += pos.RealizedPnL
		if pos.RealizedPnL > 0 {
			won++
		}

		exposure := pos.EntryPrice * pos.Quantity
		if exposure > exposurePeak {
			exposurePeak = exposure
		}
		if exposure > 0 {
			returns = append(returns, pos.RealizedPnL/exposure)
		}
	}

	return domain.DailyRiskMetric{
		MetricDate:   tradeDate,
		CycleID:      cycleID,
		DailyPnL:     dailyPnL,
		TradesTotal:  len(closed),
		TradesWon:    won,
		WinRate:      float64(won) / float64(len(closed)),
		ExposurePeak: exposurePeak,
		MaxDrawdown:  maxDrawdown(closed),
		Sharpe:       sharpe(returns),
	}
}

// sharpe is the per-trade sharpe ratio of the day's returns: mean over
// standard deviation. Fewer than two trades, or zero variance, yields 0.
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return mean / std
}

// maxDrawdown is the deepest drop of the cumulative realized P&L curve,
// walking trades in close order.
func maxDrawdown(closed []domain.Position) float64 {
	var cumulative, peak, drawdown float64
	for _, pos := range closed {
		cumulative += pos.RealizedPnL
		if cumulative > peak {
			peak = cumulative
		}
		if dd := peak - cumulative; dd > drawdown {
			drawdown = dd
		}
	}
	return drawdown
}
