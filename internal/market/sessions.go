// Package market provides the exchange-session clock shared by the cycle
// engine and the health monitor.
package market

import (
	"time"

	"github.com/aristath/catalyst/internal/domain"
)

// exchangeTZ is the local-exchange timezone the session boundaries are
// defined in.
var exchangeTZ = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		// tzdata missing; fall back to a fixed offset so the engine still
		// runs, with sessions shifted during DST.
		return time.FixedZone("EST", -5*3600)
	}
	return loc
}

// SessionAt returns the market session for an instant.
// Pre-market 04:00-09:30, regular 09:30-16:00, after-hours 16:00-20:00,
// closed otherwise; weekends fully closed.
func SessionAt(t time.Time) domain.MarketSession {
	local := t.In(exchangeTZ)

	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return domain.SessionClosed
	}

	minutes := local.Hour()*60 + local.Minute()
	switch {
	case minutes >= 4*60 && minutes < 9*60+30:
		return domain.SessionPreMarket
	case minutes >= 9*60+30 && minutes < 16*60:
		return domain.SessionRegular
	case minutes >= 16*60 && minutes < 20*60:
		return domain.SessionAfterHours
	default:
		return domain.SessionClosed
	}
}

// TickInterval returns the scan cadence for a session. The closed session
// runs monitoring-only at the slowest cadence.
func TickInterval(session domain.MarketSession) time.Duration {
	switch session {
	case domain.SessionPreMarket:
		return 300 * time.Second
	case domain.SessionRegular:
		return 900 * time.Second
	case domain.SessionAfterHours:
		return 1800 * time.Second
	default:
		return 3600 * time.Second
	}
}

// InSession reports whether the market is in any trading session (probes
// run faster in session).
func InSession(t time.Time) bool {
	return SessionAt(t) != domain.SessionClosed
}
