package reducer

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/catalyst/internal/clients"
	"github.com/aristath/catalyst/internal/domain"
	"github.com/aristath/catalyst/internal/riskparams"
)

const (
	// technicalFanout bounds concurrent per-symbol lookups within the stage.
	technicalFanout = 10

	// defaultTimeframe is the chart resolution requested from the pattern
	// and technical services.
	defaultTimeframe = "15min"
)

// technicalStage scores candidates through the pattern and technical
// services. Both services are called concurrently per symbol; a candidate
// for which either call fails is dropped from the stage (not carried with a
// zero score) and the drop recorded.
func (r *Reducer) technicalStage(ctx context.Context, cycle *domain.TradingCycle, candidates []domain.Candidate, params riskparams.Parameters) ([]domain.Candidate, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}
	if !r.monitor.StageAdmissible(clients.ServicePattern, clients.ServiceTechnical) {
		return nil, domain.Classifiedf(domain.ErrServiceUnavailable,
			"technical stage not admissible: pattern or technical service unhealthy")
	}

	var (
		mu        sync.Mutex
		survivors []domain.Candidate
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(technicalFanout)

	for _, candidate := range candidates {
		candidate := candidate
		group.Go(func() error {
			score, err := r.scoreSymbol(groupCtx, candidate.Symbol)
			if err != nil {
				// Cancellation aborts the whole stage; anything else
				// drops only this candidate.
				if groupCtx.Err() != nil {
					return groupCtx.Err()
				}
				r.dropCandidate(groupCtx, cycle, candidate, "technical", err)
				return nil
			}

			candidate.TechnicalScore = clampScore(score)
			candidate.CompositeScore = compositeScore(candidate, params)

			mu.Lock()
			survivors = append(survivors, candidate)
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	// Fan-out finishes in arbitrary order; re-sort for determinism.
	sortByComposite(survivors)
	return truncateCandidates(survivors, technicalLimit), nil
}

// scoreSymbol calls the pattern and technical services concurrently and
// combines their scores evenly.
func (r *Reducer) scoreSymbol(ctx context.Context, symbol string) (float64, error) {
	type indicatorResult struct {
		resp *clients.IndicatorResponse
		err  error
	}
	indicatorCh := make(chan indicatorResult, 1)
	go func() {
		resp, err := r.client.CalculateIndicators(ctx, symbol, defaultTimeframe)
		indicatorCh <- indicatorResult{resp: resp, err: err}
	}()

	patterns, patternErr := r.client.DetectPatterns(ctx, symbol, defaultTimeframe)
	indicators := <-indicatorCh

	if patternErr != nil {
		return 0, patternErr
	}
	if indicators.err != nil {
		return 0, indicators.err
	}

	return 0.5*patterns.Score + 0.5*indicators.resp.Score, nil
}
