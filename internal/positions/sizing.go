package positions

import (
	"math"

	"github.com/aristath/catalyst/internal/domain"
	"github.com/aristath/catalyst/internal/riskparams"
)

// defaultATRFraction approximates the average true range as a fraction of
// price when no volatility measure is available.
const defaultATRFraction = 0.02

// positionSize returns the account-currency size for one new position:
// the configured base size scaled by the cycle mode and its risk level,
// capped at the configured maximum. A zero risk level sizes to zero, which
// callers treat as "do not trade".
func positionSize(params riskparams.Parameters, mode domain.CycleMode, riskLevel float64) float64 {
	size := params.Get("base_position_size") * mode.SizeMultiplier() * riskLevel
	if max := params.Get("max_position_size"); size > max {
		size = max
	}
	return size
}

// shareQuantity converts a currency size into whole shares.
func shareQuantity(size, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return math.Floor(size / price)
}

// atrEstimate is the volatility proxy used for exit levels.
func atrEstimate(price float64) float64 {
	return price * defaultATRFraction
}

// exitLevels computes the stop-loss and take-profit for a long entry:
// stop at entry − ATR×multiplier, target at entry + stop-distance×ratio so
// the reward:risk ratio is honored exactly.
func exitLevels(entry float64, params riskparams.Parameters) (stopLoss, takeProfit float64) {
	risk := atrEstimate(entry) * params.Get("stop_loss_atr_multiplier")
	stopLoss = entry - risk
	if stopLoss < 0 {
		stopLoss = 0
	}
	takeProfit = entry + risk*params.Get("min_risk_reward_ratio")
	return stopLoss, takeProfit
}

// unrealizedPnL values an open position at the given mark price.
func unrealizedPnL(pos domain.Position, price float64) float64 {
	if pos.Side == domain.PositionShort {
		return (pos.EntryPrice - price) * pos.Quantity
	}
	return (price - pos.EntryPrice) * pos.Quantity
}

// shouldExit reports whether the mark price crosses the position's stop or
// target, and the close reason when it does.
func shouldExit(pos domain.Position, price float64) (bool, string) {
	if pos.Side == domain.PositionShort {
		if pos.StopLoss != nil && price >= *pos.StopLoss {
			return true, "stop_loss"
		}
		if pos.TakeProfit != nil && price <= *pos.TakeProfit {
			return true, "take_profit"
		}
		return false, ""
	}

	if pos.StopLoss != nil && price <= *pos.StopLoss {
		return true, "stop_loss"
	}
	if pos.TakeProfit != nil && price >= *pos.TakeProfit {
		return true, "take_profit"
	}
	return false, ""
}
