// Package cycle owns the trading-cycle state machine and the tick loop
// that drives the reduction pipeline at the session cadence.
package cycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/catalyst/internal/domain"
	"github.com/aristath/catalyst/internal/market"
	"github.com/aristath/catalyst/internal/positions"
	"github.com/aristath/catalyst/internal/reducer"
	"github.com/aristath/catalyst/internal/store"
	"github.com/aristath/catalyst/pkg/logger"
)

const (
	// tickSafetyMargin is subtracted from the cadence to form each tick's
	// deadline so a tick always finishes before the next is due.
	tickSafetyMargin = 30 * time.Second

	// storeRetries bounds the store-unavailable retry loop before the
	// cycle escalates to emergency stop.
	storeRetries   = 3
	storeRetryWait = 2 * time.Second
)

// StartRequest carries the operator's cycle configuration.
type StartRequest struct {
	Mode         domain.CycleMode
	MaxPositions int
	RiskLevel    float64
	// ScanInterval overrides the session cadence when positive; zero keeps
	// the cadence following the market session.
	ScanInterval time.Duration
	// EndsAt schedules the cycle's end; nil runs until stopped.
	EndsAt     *time.Time
	ConfigJSON string
}

// Engine runs at most one cycle at a time: a state machine over the store's
// cycle row plus one goroutine driving ticks.
type Engine struct {
	gateway     *store.Gateway
	reducer     *reducer.Reducer
	coordinator *positions.Coordinator
	log         zerolog.Logger

	mu  sync.Mutex
	run *run

	// now is swapped in tests to pin the session clock.
	now func() time.Time
}

// run is the live state of the cycle loop goroutine. quit asks the loop to
// exit after any in-flight tick; cancel aborts the tick itself.
type run struct {
	cycleID string
	quit    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an engine.
func New(gateway *store.Gateway, red *reducer.Reducer, coordinator *positions.Coordinator, log zerolog.Logger) *Engine {
	return &Engine{
		gateway:     gateway,
		reducer:     red,
		coordinator: coordinator,
		log:         logger.Component(log, "cycle_engine"),
		now:         time.Now,
	}
}

// Start creates a new active cycle and launches its tick loop. The store
// enforces the at-most-one-running invariant; a second start fails with a
// validation error.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*domain.TradingCycle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cycle := &domain.TradingCycle{
		CycleID:      uuid.NewString(),
		Mode:         req.Mode,
		ScanInterval: req.ScanInterval,
		MaxPositions: req.MaxPositions,
		RiskLevel:    req.RiskLevel,
		StartedAt:    e.now(),
		EndsAt:       req.EndsAt,
		ConfigJSON:   req.ConfigJSON,
	}
	if err := e.gateway.CreateCycle(ctx, cycle); err != nil {
		return nil, err
	}

	e.launch(cycle.CycleID)
	e.log.Info().
		Str("cycle_id", cycle.CycleID).
		Str("mode", string(cycle.Mode)).
		Dur("scan_interval", e.tickInterval(cycle)).
		Msg("Cycle started")
	return cycle, nil
}

// Attach re-attaches the loop to a cycle that was running when the process
// stopped. Called once at startup when the store holds a running cycle.
func (e *Engine) Attach(cycle *domain.TradingCycle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run != nil {
		return
	}
	e.launch(cycle.CycleID)
	e.log.Info().Str("cycle_id", cycle.CycleID).Msg("Cycle loop re-attached")
}

func (e *Engine) launch(cycleID string) {
	loopCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		cycleID: cycleID,
		quit:    make(chan struct{}),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	e.run = r
	go e.loop(loopCtx, r)
}

// Pause suspends ticking without stopping the loop; open positions keep
// being marked by the mark-to-market job.
func (e *Engine) Pause(ctx context.Context, cycleID string) error {
	return e.gateway.TransitionCycle(ctx, cycleID, domain.CyclePaused, "operator pause")
}

// Resume moves a paused cycle back to active.
func (e *Engine) Resume(ctx context.Context, cycleID string) error {
	return e.gateway.TransitionCycle(ctx, cycleID, domain.CycleActive, "operator resume")
}

// Stop gracefully ends a cycle: an in-flight tick runs to completion, no
// new ticks start, open positions stay in place, status stopping -> stopped.
func (e *Engine) Stop(ctx context.Context, cycleID, reason string) error {
	if err := e.gateway.TransitionCycle(ctx, cycleID, domain.CycleStopping, reason); err != nil {
		return err
	}
	e.haltGraceful(cycleID)
	return e.gateway.TransitionCycle(ctx, cycleID, domain.CycleStopped, reason)
}

// Complete ends a cycle that finished its run normally.
func (e *Engine) Complete(ctx context.Context, cycleID, reason string) error {
	if err := e.gateway.TransitionCycle(ctx, cycleID, domain.CycleCompleted, reason); err != nil {
		return err
	}
	e.haltGraceful(cycleID)
	return nil
}

// EmergencyStop aborts the tick loop, liquidates every open position on
// the emergency path's own deadline, and transitions the cycle.
func (e *Engine) EmergencyStop(ctx context.Context, cycleID, reason string) error {
	cycle, err := e.gateway.GetCycle(ctx, cycleID)
	if err != nil {
		return err
	}
	if cycle == nil {
		return domain.Classifiedf(domain.ErrValidation, "unknown cycle %s", cycleID)
	}

	e.halt(cycleID)

	liqErr := e.coordinator.EmergencyLiquidate(ctx, cycle)
	if liqErr != nil {
		e.log.Error().Err(liqErr).Str("cycle_id", cycleID).
			Msg("Emergency liquidation incomplete")
	}

	if err := e.gateway.TransitionCycle(ctx, cycleID, domain.CycleEmergencyStopped, reason); err != nil {
		return err
	}

	event := &domain.RiskEvent{
		EventType: "emergency_stop",
		Severity:  domain.SeverityEmergency,
		CycleID:   &cycleID,
		Message:   fmt.Sprintf("cycle emergency stopped: %s", reason),
	}
	if err := e.gateway.AppendRiskEvent(ctx, event); err != nil {
		e.log.Error().Err(err).Str("cycle_id", cycleID).Msg("Failed to write emergency stop event")
	}
	return liqErr
}

// detach removes the loop's run record if it belongs to cycleID, claiming
// exclusive ownership of its shutdown.
func (e *Engine) detach(cycleID string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run != nil && e.run.cycleID == cycleID {
		r := e.run
		e.run = nil
		return r
	}
	return nil
}

// haltGraceful asks the loop to exit after any in-flight tick and waits for
// it. The context is cancelled only once the goroutine is gone.
func (e *Engine) haltGraceful(cycleID string) {
	r := e.detach(cycleID)
	if r == nil {
		return
	}
	close(r.quit)
	<-r.done
	r.cancel()
}

// halt aborts the loop immediately, cancelling any in-flight tick.
func (e *Engine) halt(cycleID string) {
	r := e.detach(cycleID)
	if r == nil {
		return
	}
	r.cancel()
	<-r.done
}

// Shutdown stops the loop goroutine without touching cycle state, for
// process shutdown. The cycle stays running in the store and is re-attached
// on the next start.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	r := e.run
	e.run = nil
	e.mu.Unlock()

	if r != nil {
		r.cancel()
		<-r.done
	}
}

// loop drives ticks serially at the cycle's cadence until asked to stop.
// Each iteration re-reads the cycle row and, for session-driven cycles, the
// current market session, so pause, stop and session changes take effect at
// the next boundary.
func (e *Engine) loop(ctx context.Context, r *run) {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.quit:
			return
		default:
		}

		cycle, err := e.loadCycle(ctx, r.cycleID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.escalate(r.cycleID, err)
			return
		}
		if cycle == nil || !cycle.Status.IsRunning() {
			return
		}

		if cycle.EndsAt != nil && !e.now().Before(*cycle.EndsAt) {
			e.complete(r, cycle)
			return
		}

		interval := e.tickInterval(cycle)

		tickStart := time.Now()
		if cycle.Status == domain.CycleActive {
			e.tick(ctx, cycle, interval)
			if ctx.Err() != nil {
				return
			}
		}

		// Ticks run serially; a tick that overruns the cadence consumes the
		// slots it ran through, and the due ticks are skipped, not queued.
		wait, missed := nextWait(interval, time.Since(tickStart))
		if missed > 0 {
			e.log.Warn().Str("cycle_id", cycle.CycleID).Int("missed", missed).
				Dur("interval", interval).Msg("Tick overran its cadence")
			e.recordTickEvent(ctx, cycle.CycleID, domain.SeverityInfo,
				fmt.Sprintf("%d scan ticks skipped: previous tick overran the cadence", missed))
		}

		if cycle.EndsAt != nil {
			if until := cycle.EndsAt.Sub(e.now()); until < wait {
				wait = until
				if wait < 0 {
					wait = 0
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-r.quit:
			return
		case <-time.After(wait):
		}
	}
}

// tickInterval resolves the cycle's cadence: the operator's override when
// set, otherwise the current market session's interval.
func (e *Engine) tickInterval(cycle *domain.TradingCycle) time.Duration {
	if cycle.ScanInterval > 0 {
		return cycle.ScanInterval
	}
	return market.TickInterval(market.SessionAt(e.now()))
}

// nextWait aligns the next tick to the cadence grid after a tick that took
// elapsed, reporting how many due ticks the overrun consumed.
func nextWait(interval, elapsed time.Duration) (wait time.Duration, missed int) {
	if elapsed < interval {
		return interval - elapsed, 0
	}
	missed = int(elapsed / interval)
	wait = interval - elapsed%interval
	return wait, missed
}

// complete transitions the cycle to completed when its scheduled end has
// passed. Runs on a fresh context; called only from the loop goroutine.
func (e *Engine) complete(r *run, cycle *domain.TradingCycle) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	e.mu.Lock()
	if e.run == r {
		e.run = nil
	}
	e.mu.Unlock()

	if err := e.gateway.TransitionCycle(ctx, cycle.CycleID, domain.CycleCompleted,
		"scheduled end reached"); err != nil {
		e.log.Error().Err(err).Str("cycle_id", cycle.CycleID).Msg("Completion transition failed")
		return
	}
	e.log.Info().Str("cycle_id", cycle.CycleID).
		Time("ends_at", *cycle.EndsAt).Msg("Cycle completed at scheduled end")
}

// tick runs one reduction pass plus entries under the tick deadline (cadence
// minus the safety margin).
func (e *Engine) tick(ctx context.Context, cycle *domain.TradingCycle, interval time.Duration) {
	budget := interval - tickSafetyMargin
	if budget < tickSafetyMargin {
		budget = interval
	}
	tickCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	scanTime := e.now()
	outcome, err := e.reducer.Run(tickCtx, cycle, scanTime)
	if err != nil {
		e.handleTickError(ctx, cycle, err)
		return
	}

	if len(outcome.Selected) > 0 {
		if _, err := e.coordinator.OpenFromCandidates(tickCtx, cycle, outcome.Selected); err != nil {
			e.handleTickError(ctx, cycle, err)
			return
		}
	}
}

// loadCycle reads the cycle row, retrying store-unavailable failures with a
// bounded backoff.
func (e *Engine) loadCycle(ctx context.Context, cycleID string) (*domain.TradingCycle, error) {
	var lastErr error
	for attempt := 0; attempt <= storeRetries; attempt++ {
		cycle, err := e.gateway.GetCycle(ctx, cycleID)
		if err == nil {
			return cycle, nil
		}
		lastErr = err
		if !domain.IsClass(err, domain.ErrStoreUnavailable) || ctx.Err() != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(storeRetryWait):
		}
	}
	return nil, lastErr
}

// handleTickError applies the per-classification policy: unavailability of
// a service skips the tick and leaves an audit event; store unavailability
// and integrity violations escalate to emergency stop; everything else is
// logged and the loop continues.
func (e *Engine) handleTickError(ctx context.Context, cycle *domain.TradingCycle, err error) {
	if ctx.Err() != nil {
		// Cancelled mid-tick: already-written rows stay, nothing to do.
		return
	}

	switch domain.ClassOf(err) {
	case domain.ErrStoreUnavailable, domain.ErrDataIntegrity:
		e.escalate(cycle.CycleID, err)
	case domain.ErrServiceUnavailable, domain.ErrTimeout:
		e.log.Warn().Err(err).Str("cycle_id", cycle.CycleID).
			Msg("Tick skipped, downstream unavailable")
		e.recordTickEvent(ctx, cycle.CycleID, domain.SeverityWarning,
			fmt.Sprintf("scan tick skipped: %v", err))
	default:
		e.log.Error().Err(err).Str("cycle_id", cycle.CycleID).Msg("Tick failed")
	}
}

// escalate emergency-stops the cycle from inside the loop. It runs on a
// fresh context because the loop's own context may already be cancelled.
func (e *Engine) escalate(cycleID string, cause error) {
	e.log.Error().Err(cause).Str("cycle_id", cycleID).
		Msg("Escalating to emergency stop")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// Detach the run first so EmergencyStop does not deadlock waiting for
	// this goroutine.
	e.detach(cycleID)

	cycle, err := e.gateway.GetCycle(ctx, cycleID)
	if err != nil || cycle == nil {
		e.log.Error().Err(err).Str("cycle_id", cycleID).
			Msg("Cannot load cycle for escalation")
		return
	}

	if liqErr := e.coordinator.EmergencyLiquidate(ctx, cycle); liqErr != nil {
		e.log.Error().Err(liqErr).Str("cycle_id", cycleID).Msg("Escalation liquidation incomplete")
	}
	if trErr := e.gateway.TransitionCycle(ctx, cycleID, domain.CycleEmergencyStopped,
		fmt.Sprintf("escalated: %v", cause)); trErr != nil {
		e.log.Error().Err(trErr).Str("cycle_id", cycleID).Msg("Escalation transition failed")
	}

	event := &domain.RiskEvent{
		EventType: "emergency_stop",
		Severity:  domain.SeverityEmergency,
		CycleID:   &cycleID,
		Message:   fmt.Sprintf("cycle escalated to emergency stop: %v", cause),
	}
	if err := e.gateway.AppendRiskEvent(ctx, event); err != nil {
		e.log.Error().Err(err).Str("cycle_id", cycleID).Msg("Failed to write escalation event")
	}
}

// recordTickEvent audits a skipped or degraded tick on the risk log.
func (e *Engine) recordTickEvent(ctx context.Context, cycleID string, severity domain.Severity, message string) {
	event := &domain.RiskEvent{
		EventType: "tick_skipped",
		Severity:  severity,
		CycleID:   &cycleID,
		Message:   message,
	}
	if err := e.gateway.AppendRiskEvent(ctx, event); err != nil {
		e.log.Warn().Err(err).Str("cycle_id", cycleID).Msg("Failed to record tick event")
	}
}

// Active returns the running cycle from the store, nil when none.
func (e *Engine) Active(ctx context.Context) (*domain.TradingCycle, error) {
	return e.gateway.LoadActiveCycle(ctx)
}
