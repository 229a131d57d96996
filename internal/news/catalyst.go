// Package news runs the two news loops: the ingest loop that normalizes,
// classifies, and deduplicates raw items, and the delayed impact loop that
// fills in observed price impact after publication.
package news

import (
	"strings"

	"github.com/aristath/catalyst/internal/domain"
)

// catalystKeywords is the closed per-type keyword set used for headline
// classification. Matching is case-insensitive on word boundaries.
var catalystKeywords = map[domain.CatalystType][]string{
	domain.CatalystEarnings:         {"earnings", "revenue", "profit", "eps", "guidance", "forecast"},
	domain.CatalystFDAApproval:      {"fda", "approval", "clinical", "trial", "drug", "phase"},
	domain.CatalystMergerAcq:        {"merger", "acquisition", "buyout", "takeover", "deal"},
	domain.CatalystProductLaunch:    {"launch", "release", "unveil", "announce", "introduce"},
	domain.CatalystPartnership:      {"partnership", "collaboration", "agreement", "contract", "joint"},
	domain.CatalystRegulatory:       {"sec", "investigation", "probe", "compliance", "regulation"},
	domain.CatalystLawsuit:          {"lawsuit", "litigation", "court", "legal", "settlement"},
	domain.CatalystManagementChange: {"ceo", "cfo", "resign", "appoint", "hire", "fire"},
	domain.CatalystAnalystUpgrade:   {"upgrade", "buy", "outperform", "overweight", "raise"},
	domain.CatalystAnalystDowngrade: {"downgrade", "sell", "underperform", "underweight", "cut"},
	domain.CatalystInsiderTrading:   {"insider", "buying", "selling", "transaction", "filing"},
}

// catalystPriority orders the types for tie-breaking: when a headline
// matches several types equally, the more price-moving one wins.
var catalystPriority = []domain.CatalystType{
	domain.CatalystFDAApproval,
	domain.CatalystMergerAcq,
	domain.CatalystEarnings,
	domain.CatalystAnalystUpgrade,
	domain.CatalystAnalystDowngrade,
	domain.CatalystRegulatory,
	domain.CatalystLawsuit,
	domain.CatalystManagementChange,
	domain.CatalystProductLaunch,
	domain.CatalystPartnership,
	domain.CatalystInsiderTrading,
}

// catalystStrength is the base magnitude per catalyst type, used by the
// reducer's minimum-strength filter.
var catalystStrength = map[domain.CatalystType]float64{
	domain.CatalystFDAApproval:      0.95,
	domain.CatalystMergerAcq:        0.90,
	domain.CatalystEarnings:         0.85,
	domain.CatalystAnalystUpgrade:   0.70,
	domain.CatalystAnalystDowngrade: 0.70,
	domain.CatalystRegulatory:       0.65,
	domain.CatalystLawsuit:          0.60,
	domain.CatalystManagementChange: 0.55,
	domain.CatalystProductLaunch:    0.50,
	domain.CatalystPartnership:      0.45,
	domain.CatalystInsiderTrading:   0.40,
	domain.CatalystGeneral:          0.20,
}

var positiveWords = []string{
	"beat", "beats", "surge", "surges", "soar", "soars", "jump", "jumps",
	"rally", "record", "strong", "growth", "profit", "upgrade", "approval",
	"wins", "raises", "outperform", "exceed", "exceeds", "gain", "gains",
}

var negativeWords = []string{
	"miss", "misses", "plunge", "plunges", "fall", "falls", "drop", "drops",
	"sink", "sinks", "weak", "loss", "losses", "downgrade", "lawsuit",
	"investigation", "recall", "cuts", "warning", "bankruptcy", "decline",
}

// tokenize lowercases a headline and splits it into words, stripping
// punctuation so "earnings," matches "earnings".
func tokenize(headline string) []string {
	return strings.FieldsFunc(strings.ToLower(headline), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}

// ClassifyCatalyst maps a headline to the catalyst type with the most
// keyword hits; ties resolve by priority order and no hit at all is general.
func ClassifyCatalyst(headline string) domain.CatalystType {
	words := make(map[string]int)
	for _, w := range tokenize(headline) {
		words[w]++
	}

	best := domain.CatalystGeneral
	bestHits := 0
	for _, ct := range catalystPriority {
		hits := 0
		for _, kw := range catalystKeywords[ct] {
			hits += words[kw]
		}
		if hits > bestHits {
			best = ct
			bestHits = hits
		}
	}
	return best
}

// Strength returns the base magnitude of a catalyst type in [0,1].
func Strength(ct domain.CatalystType) float64 {
	if s, ok := catalystStrength[ct]; ok {
		return s
	}
	return catalystStrength[domain.CatalystGeneral]
}

// ScoreSentiment derives a discrete label and a score in [-1,1] from a
// headline by counting polar words. A headline with no polar words is
// neutral with score 0.
func ScoreSentiment(headline string) (domain.SentimentLabel, float64) {
	words := make(map[string]int)
	for _, w := range tokenize(headline) {
		words[w]++
	}

	pos, neg := 0, 0
	for _, w := range positiveWords {
		pos += words[w]
	}
	for _, w := range negativeWords {
		neg += words[w]
	}

	if pos == 0 && neg == 0 {
		return domain.SentimentNeutral, 0
	}

	score := float64(pos-neg) / float64(pos+neg)
	switch {
	case score > 0.2:
		return domain.SentimentPositive, score
	case score < -0.2:
		return domain.SentimentNegative, score
	default:
		return domain.SentimentNeutral, score
	}
}

// sourceReliability maps a feed name to its reliability snapshot. Unknown
// sources get a conservative default.
var sourceReliability = map[string]float64{
	"NEWSWIRE": 0.90,
	"BENZINGA": 0.80,
	"FINNHUB":  0.75,
}

// ReliabilityOf returns the reliability snapshot for a source name.
func ReliabilityOf(source string) float64 {
	if r, ok := sourceReliability[strings.ToUpper(source)]; ok {
		return r
	}
	return 0.50
}
