// Package health runs the background liveness monitor for the downstream
// services. Every service is probed on a fixed cadence and the last few
// probe results are folded into a coarse state the cycle engine consults
// before admitting a pipeline stage.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/catalyst/internal/clients"
	"github.com/aristath/catalyst/internal/market"
	"github.com/aristath/catalyst/pkg/logger"
)

// State is the aggregated liveness of one service.
type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
	StateOffline   State = "offline"
)

const (
	// probeWindow is how many recent probes feed the aggregation.
	probeWindow = 5

	inSessionInterval  = 2 * time.Minute
	offSessionInterval = 5 * time.Minute
)

// ServiceStatus is one service's snapshot entry.
type ServiceStatus struct {
	Service     clients.ServiceName `json:"service"`
	State       State               `json:"state"`
	LastProbeAt time.Time           `json:"last_probe_at"`
	LastError   string              `json:"last_error,omitempty"`
	LatencyMS   int64               `json:"latency_ms"`
}

// record is the ring of recent probe outcomes for one service.
type record struct {
	results [probeWindow]bool
	count   int // probes recorded so far, capped at probeWindow
	next    int
	status  ServiceStatus
}

// Monitor probes every downstream service in the background.
type Monitor struct {
	client *clients.Client
	log    zerolog.Logger

	mu      sync.RWMutex
	records map[clients.ServiceName]*record

	stop    chan struct{}
	stopped chan struct{}

	// now is swapped in tests to pin the session clock.
	now func() time.Time
}

// New creates a monitor; every service starts offline until its first
// probe succeeds.
func New(client *clients.Client, log zerolog.Logger) *Monitor {
	records := make(map[clients.ServiceName]*record, len(clients.AllServices))
	for _, name := range clients.AllServices {
		records[name] = &record{status: ServiceStatus{Service: name, State: StateOffline}}
	}
	return &Monitor{
		client:  client,
		log:     logger.Component(log, "health_monitor"),
		records: records,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		now:     time.Now,
	}
}

// Start launches the probe loop. It probes once immediately so the engine
// has a real snapshot before the first tick.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop signals the loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.stopped
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.stopped)

	m.probeAll(ctx)

	timer := time.NewTimer(m.interval())
	defer timer.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			m.probeAll(ctx)
			timer.Reset(m.interval())
		}
	}
}

// interval is the probe cadence: faster while the market is in session.
func (m *Monitor) interval() time.Duration {
	if market.InSession(m.now()) {
		return inSessionInterval
	}
	return offSessionInterval
}

// probeAll probes every service concurrently; each probe has its own short
// timeout inside the client.
func (m *Monitor) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range clients.AllServices {
		wg.Add(1)
		go func(name clients.ServiceName) {
			defer wg.Done()
			m.probe(ctx, name)
		}(name)
	}
	wg.Wait()
}

func (m *Monitor) probe(ctx context.Context, name clients.ServiceName) {
	start := m.now()
	_, err := m.client.Health(ctx, name)
	elapsed := time.Since(start)

	m.Record(name, err == nil, elapsed, err)
}

// Record folds one probe outcome into the service's ring. Exposed so tests
// and ad-hoc probes can feed the aggregation directly.
func (m *Monitor) Record(name clients.ServiceName, ok bool, latency time.Duration, probeErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[name]
	if !exists {
		return
	}

	rec.results[rec.next] = ok
	rec.next = (rec.next + 1) % probeWindow
	if rec.count < probeWindow {
		rec.count++
	}

	prev := rec.status.State
	rec.status.State = aggregate(rec)
	rec.status.LastProbeAt = m.now()
	rec.status.LatencyMS = latency.Milliseconds()
	if probeErr != nil {
		rec.status.LastError = probeErr.Error()
	} else {
		rec.status.LastError = ""
	}

	if rec.status.State != prev {
		evt := m.log.Info()
		if rec.status.State == StateUnhealthy || rec.status.State == StateOffline {
			evt = m.log.Warn()
		}
		evt.Str("service", string(name)).
			Str("from", string(prev)).
			Str("to", string(rec.status.State)).
			Msg("Service health state changed")
	}
}

// aggregate maps the recent success count to a state. A service with no
// recorded probes, or none succeeding, is offline.
func aggregate(rec *record) State {
	if rec.count == 0 {
		return StateOffline
	}
	successes := 0
	for i := 0; i < rec.count; i++ {
		if rec.results[i] {
			successes++
		}
	}

	ratio := float64(successes) / float64(rec.count)
	switch {
	case ratio >= 0.8:
		return StateHealthy
	case ratio >= 0.4:
		return StateDegraded
	case successes > 0:
		return StateUnhealthy
	default:
		return StateOffline
	}
}

// StateOf returns the aggregated state for one service.
func (m *Monitor) StateOf(name clients.ServiceName) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.records[name]; ok {
		return rec.status.State
	}
	return StateOffline
}

// Snapshot returns a copy of every service's status, ordered as in
// clients.AllServices.
func (m *Monitor) Snapshot() []ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServiceStatus, 0, len(clients.AllServices))
	for _, name := range clients.AllServices {
		out = append(out, m.records[name].status)
	}
	return out
}

// StageAdmissible reports whether every listed service is healthy enough
// (healthy or degraded) for a pipeline stage to run against it.
func (m *Monitor) StageAdmissible(services ...clients.ServiceName) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, name := range services {
		rec, ok := m.records[name]
		if !ok {
			return false
		}
		if rec.status.State != StateHealthy && rec.status.State != StateDegraded {
			return false
		}
	}
	return true
}
