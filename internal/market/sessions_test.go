package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aristath/catalyst/internal/domain"
)

// et builds an exchange-local instant for a June weekday (EDT, UTC-4).
func et(day, hour, min int) time.Time {
	return time.Date(2025, 6, day, hour, min, 0, 0, exchangeTZ)
}

func TestSessionBoundaries(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want domain.MarketSession
	}{
		{"before pre-market", et(11, 3, 59), domain.SessionClosed},
		{"pre-market open", et(11, 4, 0), domain.SessionPreMarket},
		{"pre-market end", et(11, 9, 29), domain.SessionPreMarket},
		{"regular open", et(11, 9, 30), domain.SessionRegular},
		{"midday", et(11, 12, 0), domain.SessionRegular},
		{"regular close", et(11, 15, 59), domain.SessionRegular},
		{"after-hours open", et(11, 16, 0), domain.SessionAfterHours},
		{"after-hours end", et(11, 19, 59), domain.SessionAfterHours},
		{"evening", et(11, 20, 0), domain.SessionClosed},
		{"saturday midday", et(14, 12, 0), domain.SessionClosed},
		{"sunday midday", et(15, 12, 0), domain.SessionClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SessionAt(tt.at))
		})
	}
}

func TestTickIntervalPerSession(t *testing.T) {
	assert.Equal(t, 300*time.Second, TickInterval(domain.SessionPreMarket))
	assert.Equal(t, 900*time.Second, TickInterval(domain.SessionRegular))
	assert.Equal(t, 1800*time.Second, TickInterval(domain.SessionAfterHours))
	assert.Equal(t, 3600*time.Second, TickInterval(domain.SessionClosed))
}

func TestInSession(t *testing.T) {
	assert.True(t, InSession(et(11, 10, 0)))
	assert.False(t, InSession(et(11, 22, 0)))
	assert.False(t, InSession(et(14, 10, 0)))
}
