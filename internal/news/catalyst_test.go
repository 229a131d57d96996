package news

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aristath/catalyst/internal/domain"
)

func TestClassifyCatalyst(t *testing.T) {
	tests := []struct {
		headline string
		want     domain.CatalystType
	}{
		{"ACME beats earnings estimates, raises full-year guidance", domain.CatalystEarnings},
		{"FDA grants approval for ACME's phase 3 drug", domain.CatalystFDAApproval},
		{"ACME agrees to $4B acquisition by MegaCorp", domain.CatalystMergerAcq},
		{"ACME unveils next-generation widget at launch event", domain.CatalystProductLaunch},
		{"ACME signs collaboration agreement with BigCo", domain.CatalystPartnership},
		{"SEC opens investigation into ACME accounting", domain.CatalystRegulatory},
		{"ACME faces class-action lawsuit over data breach", domain.CatalystLawsuit},
		{"ACME CEO to resign at end of quarter", domain.CatalystManagementChange},
		{"Analyst upgrades ACME to outperform", domain.CatalystAnalystUpgrade},
		{"Broker cuts ACME to underperform on weak demand", domain.CatalystAnalystDowngrade},
		{"Insider filing shows director buying shares", domain.CatalystInsiderTrading},
		{"ACME opens new office in Dublin", domain.CatalystGeneral},
	}

	for _, tt := range tests {
		t.Run(tt.headline, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyCatalyst(tt.headline))
		})
	}
}

func TestClassifyCatalystTieBreaksByPriority(t *testing.T) {
	// "deal" (M&A) and "agreement" (partnership) hit one keyword each; the
	// more price-moving type wins.
	got := ClassifyCatalyst("ACME deal includes supply agreement")
	assert.Equal(t, domain.CatalystMergerAcq, got)
}

func TestScoreSentiment(t *testing.T) {
	label, score := ScoreSentiment("ACME shares surge on record profit")
	assert.Equal(t, domain.SentimentPositive, label)
	assert.Greater(t, score, 0.0)

	label, score = ScoreSentiment("ACME plunges after earnings miss and guidance warning")
	assert.Equal(t, domain.SentimentNegative, label)
	assert.Less(t, score, 0.0)

	label, score = ScoreSentiment("ACME schedules annual shareholder meeting")
	assert.Equal(t, domain.SentimentNeutral, label)
	assert.Zero(t, score)

	// Mixed headline with balanced polarity stays neutral.
	label, _ = ScoreSentiment("ACME gains offset by losses abroad")
	assert.Equal(t, domain.SentimentNeutral, label)
}

func TestStrengthOrdering(t *testing.T) {
	// The filter threshold relies on strong catalyst types outranking
	// general noise.
	assert.Greater(t, Strength(domain.CatalystFDAApproval), Strength(domain.CatalystEarnings))
	assert.Greater(t, Strength(domain.CatalystEarnings), Strength(domain.CatalystGeneral))

	for ct, s := range catalystStrength {
		assert.GreaterOrEqual(t, s, 0.0, "strength for %s", ct)
		assert.LessOrEqual(t, s, 1.0, "strength for %s", ct)
	}
}

func TestReliabilityOf(t *testing.T) {
	assert.Equal(t, 0.90, ReliabilityOf("NEWSWIRE"))
	assert.Equal(t, 0.90, ReliabilityOf("newswire"))
	assert.Equal(t, 0.50, ReliabilityOf("random-blog"))
}
