package reducer

import (
	"math"
	"sort"
	"time"

	"github.com/aristath/catalyst/internal/domain"
	"github.com/aristath/catalyst/internal/news"
	"github.com/aristath/catalyst/internal/riskparams"
)

// All scoring here is deterministic: the same inputs and the same effective
// parameters always produce the same scores and the same ordering.

// momentumScore maps intraday percentage change to [0,100]; ±10% saturates
// the scale.
func momentumScore(changePct float64) float64 {
	return clampScore(50 + changePct*5)
}

// volumeScore maps share volume to [0,100] on a log scale; 100M shares
// saturates it.
func volumeScore(volume int64) float64 {
	if volume <= 0 {
		return 0
	}
	return clampScore(math.Log10(float64(volume)) * 12.5)
}

// catalystScore folds a symbol's qualifying news events into one score in
// [0,100] plus the most recent qualifying event time (the stage tiebreak).
//
// Per event: weight = 0.5*strength + 0.3*reliability + 0.2*recency, scaled
// by relevance. The best event sets the base; each additional qualifying
// event adds 2 points up to 10.
func catalystScore(events []domain.NewsEvent, now time.Time, lookback time.Duration, minStrength float64) (float64, time.Time) {
	var (
		best    float64
		count   int
		latest  time.Time
		horizon = now.Add(-lookback)
	)

	for _, e := range events {
		if e.PublishedAt.Before(horizon) {
			continue
		}
		strength := news.Strength(e.CatalystType)
		if strength < minStrength {
			continue
		}

		age := now.Sub(e.PublishedAt)
		recency := 1 - float64(age)/float64(lookback)
		if recency < 0 {
			recency = 0
		}

		weight := (0.5*strength + 0.3*e.SourceReliability + 0.2*recency) * e.Relevance
		if weight > best {
			best = weight
		}
		count++
		if e.PublishedAt.After(latest) {
			latest = e.PublishedAt
		}
	}

	if count == 0 {
		return 0, time.Time{}
	}

	bonus := float64(count-1) * 2
	if bonus > 10 {
		bonus = 10
	}
	return clampScore(best*100 + bonus), latest
}

// compositeScore combines the four component scores with the effective
// weights. Weights are normalized, so the result stays in [0,100].
func compositeScore(c domain.Candidate, params riskparams.Parameters) float64 {
	wm, wv, wc, wt := params.Weights()
	return clampScore(wm*c.MomentumScore + wv*c.VolumeScore + wc*c.CatalystScore + wt*c.TechnicalScore)
}

// sortByCatalyst orders candidates by catalyst score descending, ties broken
// by most recent qualifying event, then by symbol for stability.
func sortByCatalyst(candidates []domain.Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].CatalystScore != candidates[j].CatalystScore {
			return candidates[i].CatalystScore > candidates[j].CatalystScore
		}
		if !candidates[i].LastCatalystAt.Equal(candidates[j].LastCatalystAt) {
			return candidates[i].LastCatalystAt.After(candidates[j].LastCatalystAt)
		}
		return candidates[i].Symbol < candidates[j].Symbol
	})
}

// sortByComposite orders candidates by composite score descending, ties
// broken by symbol for stability.
func sortByComposite(candidates []domain.Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].CompositeScore != candidates[j].CompositeScore {
			return candidates[i].CompositeScore > candidates[j].CompositeScore
		}
		return candidates[i].Symbol < candidates[j].Symbol
	})
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func truncateCandidates(candidates []domain.Candidate, limit int) []domain.Candidate {
	if len(candidates) > limit {
		return candidates[:limit]
	}
	return candidates
}
