// Package reducer is the multi-stage scoring and filter engine. Each tick
// it narrows the scanner's universe through catalyst, technical and risk
// stages to a final ranked selection, persisting the scored survivors as
// scan results.
package reducer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/catalyst/internal/clients"
	"github.com/aristath/catalyst/internal/domain"
	"github.com/aristath/catalyst/internal/health"
	"github.com/aristath/catalyst/internal/riskparams"
	"github.com/aristath/catalyst/internal/store"
	"github.com/aristath/catalyst/pkg/logger"
)

const (
	// Stage retention caps. The pipeline is monotonic: every stage output
	// is no larger than its input.
	universeLimit  = 100
	catalystLimit  = 35
	technicalLimit = 20
	riskLimit      = 10
	selectionLimit = 5

	// scanHoursBack is the scanner's activity window.
	scanHoursBack = 24

	// catalystLookback bounds which news events feed the catalyst stage.
	catalystLookback = 24 * time.Hour
)

// Outcome summarizes one pipeline run.
type Outcome struct {
	TimeID      int64
	StageCounts [5]int
	Selected    []domain.Candidate
}

// Reducer runs the candidate pipeline for the cycle engine.
type Reducer struct {
	gateway *store.Gateway
	client  *clients.Client
	monitor *health.Monitor
	params  *riskparams.Cache
	log     zerolog.Logger
}

// New creates a reducer.
func New(gateway *store.Gateway, client *clients.Client, monitor *health.Monitor, params *riskparams.Cache, log zerolog.Logger) *Reducer {
	return &Reducer{
		gateway: gateway,
		client:  client,
		monitor: monitor,
		params:  params,
		log:     logger.Component(log, "reducer"),
	}
}

// Run executes the five stages for one tick. A run that selects nothing is
// a valid outcome; an error means the tick as a whole could not proceed.
func (r *Reducer) Run(ctx context.Context, cycle *domain.TradingCycle, scanTime time.Time) (*Outcome, error) {
	if !r.monitor.StageAdmissible(clients.ServiceScanner) {
		return nil, domain.Classifiedf(domain.ErrServiceUnavailable,
			"universe stage not admissible: scanner unhealthy")
	}

	params, err := r.params.Effective(ctx)
	if err != nil {
		return nil, err
	}

	timeID, err := r.gateway.ResolveTime(ctx, scanTime)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{TimeID: timeID}

	candidates, err := r.universeStage(ctx)
	if err != nil {
		return nil, err
	}
	outcome.StageCounts[0] = len(candidates)

	candidates, err = r.catalystStage(ctx, candidates, scanTime, params)
	if err != nil {
		return nil, err
	}
	outcome.StageCounts[1] = len(candidates)

	candidates, err = r.technicalStage(ctx, cycle, candidates, params)
	if err != nil {
		return nil, err
	}
	outcome.StageCounts[2] = len(candidates)

	// Survivors of the technical stage are fully scored; persist them
	// before risk validation so the tick's scoring is auditable even when
	// nothing gets selected.
	if err := r.persistScored(ctx, cycle.CycleID, timeID, candidates); err != nil {
		return nil, err
	}

	candidates, err = r.riskStage(ctx, cycle, candidates)
	if err != nil {
		return nil, err
	}
	outcome.StageCounts[3] = len(candidates)

	selected, err := r.selectionStage(ctx, cycle, timeID, candidates)
	if err != nil {
		return nil, err
	}
	outcome.StageCounts[4] = len(selected)
	outcome.Selected = selected

	r.log.Info().
		Str("cycle_id", cycle.CycleID).
		Ints("stages", outcome.StageCounts[:]).
		Msg("Reduction pipeline completed")
	return outcome, nil
}

// universeStage pulls the scanner's active symbols and resolves them into
// candidates with momentum and volume scores.
func (r *Reducer) universeStage(ctx context.Context) ([]domain.Candidate, error) {
	resp, err := r.client.Scan(ctx, scanHoursBack)
	if err != nil {
		return nil, err
	}

	candidates := make([]domain.Candidate, 0, universeLimit)
	for _, raw := range resp.Candidates {
		if len(candidates) >= universeLimit {
			break
		}
		if raw.Symbol == "" || raw.Price <= 0 {
			continue
		}

		secID, err := r.gateway.ResolveSecurity(ctx, raw.Symbol)
		if err != nil {
			return nil, err
		}

		candidates = append(candidates, domain.Candidate{
			SecurityID:    secID,
			Symbol:        raw.Symbol,
			Price:         raw.Price,
			Volume:        raw.Volume,
			ChangePct:     raw.ChangePct,
			MomentumScore: momentumScore(raw.ChangePct),
			VolumeScore:   volumeScore(raw.Volume),
		})
	}
	return candidates, nil
}

// catalystStage scores candidates by their qualifying news events and keeps
// the top ones. The stage reads only the store; no service call.
func (r *Reducer) catalystStage(ctx context.Context, candidates []domain.Candidate, scanTime time.Time, params riskparams.Parameters) ([]domain.Candidate, error) {
	minStrength := params.Get("min_catalyst_strength")
	since := scanTime.Add(-catalystLookback)

	for i := range candidates {
		events, err := r.gateway.NewsEventsForSecurity(ctx, candidates[i].SecurityID, since)
		if err != nil {
			return nil, err
		}
		candidates[i].CatalystScore, candidates[i].LastCatalystAt =
			catalystScore(events, scanTime, catalystLookback, minStrength)
	}

	sortByCatalyst(candidates)
	return truncateCandidates(candidates, catalystLimit), nil
}

// riskStage validates candidates against the risk manager, keeping the
// first approved ones up to the stage cap. Rejections are logged with the
// triggering rule; unavailability drops the candidate with a warning event.
func (r *Reducer) riskStage(ctx context.Context, cycle *domain.TradingCycle, candidates []domain.Candidate) ([]domain.Candidate, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}
	if !r.monitor.StageAdmissible(clients.ServiceRiskManager) {
		return nil, domain.Classifiedf(domain.ErrServiceUnavailable,
			"risk stage not admissible: risk manager unhealthy")
	}

	params, err := r.params.Effective(ctx)
	if err != nil {
		return nil, err
	}
	baseSize := params.Get("base_position_size")

	approved := make([]domain.Candidate, 0, riskLimit)
	for _, c := range candidates {
		if len(approved) >= riskLimit {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		quantity := math.Floor(baseSize / c.Price)
		if quantity < 1 {
			quantity = 1
		}

		verdict, err := r.client.ValidateTrade(ctx, c.Symbol, string(domain.SideBuy), quantity)
		if err != nil {
			if class := domain.ClassOf(err); class.Retryable() {
				r.dropCandidate(ctx, cycle, c, "risk", err)
				continue
			}
			return nil, err
		}
		if !verdict.Approved {
			r.log.Warn().
				Str("cycle_id", cycle.CycleID).
				Str("symbol", c.Symbol).
				Str("rule", verdict.Reason).
				Msg("Candidate rejected by risk manager")
			continue
		}
		approved = append(approved, c)
	}
	return approved, nil
}

// selectionStage picks the final ranked set, bounded by the cycle's free
// position slots, and flags the matching scan results.
func (r *Reducer) selectionStage(ctx context.Context, cycle *domain.TradingCycle, timeID int64, candidates []domain.Candidate) ([]domain.Candidate, error) {
	open, err := r.gateway.CountOpenPositions(ctx, cycle.CycleID)
	if err != nil {
		return nil, err
	}

	limit := selectionLimit
	if free := cycle.MaxPositions - open; free < limit {
		limit = free
	}
	if limit <= 0 {
		r.log.Info().Str("cycle_id", cycle.CycleID).Int("open", open).
			Msg("No free position slots, selecting nothing")
		return nil, nil
	}

	sortByComposite(candidates)
	selected := truncateCandidates(candidates, limit)
	if len(selected) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(selected))
	for i, c := range selected {
		ids[i] = c.SecurityID
	}
	if err := r.gateway.MarkSelected(ctx, cycle.CycleID, timeID, ids); err != nil {
		return nil, err
	}
	return selected, nil
}

// persistScored writes the fully scored candidates of this tick.
func (r *Reducer) persistScored(ctx context.Context, cycleID string, timeID int64, candidates []domain.Candidate) error {
	results := make([]domain.ScanResult, len(candidates))
	for i, c := range candidates {
		results[i] = domain.ScanResult{
			CycleID:        cycleID,
			SecurityID:     c.SecurityID,
			TimeID:         timeID,
			MomentumScore:  c.MomentumScore,
			VolumeScore:    c.VolumeScore,
			CatalystScore:  c.CatalystScore,
			TechnicalScore: c.TechnicalScore,
			CompositeScore: c.CompositeScore,
			Price:          c.Price,
			Volume:         c.Volume,
			ChangePct:      c.ChangePct,
		}
	}
	return r.gateway.InsertScanResults(ctx, results)
}

// dropCandidate logs a stage drop and writes the warning risk event.
func (r *Reducer) dropCandidate(ctx context.Context, cycle *domain.TradingCycle, c domain.Candidate, stage string, cause error) {
	r.log.Warn().Err(cause).
		Str("cycle_id", cycle.CycleID).
		Str("symbol", c.Symbol).
		Str("stage", stage).
		Msg("Candidate dropped")

	secID := c.SecurityID
	cycleID := cycle.CycleID
	event := &domain.RiskEvent{
		EventType:  "candidate_dropped",
		Severity:   domain.SeverityWarning,
		CycleID:    &cycleID,
		SecurityID: &secID,
		Message:    fmt.Sprintf("%s dropped at %s stage: %v", c.Symbol, stage, cause),
	}
	if err := r.gateway.AppendRiskEvent(ctx, event); err != nil {
		r.log.Error().Err(err).Str("symbol", c.Symbol).Msg("Failed to write drop risk event")
	}
}
