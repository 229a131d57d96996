package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/catalyst/internal/clients"
	"github.com/aristath/catalyst/internal/cycle"
	"github.com/aristath/catalyst/internal/domain"
	"github.com/aristath/catalyst/internal/market"
)

// respond writes a JSON body with the given status.
func respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Class   string `json:"class"`
}

// writeError maps an error's classification to an HTTP status: contract
// violations are 400, anything retryable is 503 with a Retry-After hint,
// the rest is 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	class := domain.ClassOf(err)

	status := http.StatusInternalServerError
	switch {
	case class == domain.ErrValidation:
		status = http.StatusBadRequest
	case class.Retryable():
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "30")
	}

	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Request failed")
	}
	respond(w, status, errorBody{Success: false, Error: err.Error(), Class: string(class)})
}

// cycleView is the JSON shape of a trading cycle.
type cycleView struct {
	CycleID             string     `json:"cycle_id"`
	Mode                string     `json:"mode"`
	Status              string     `json:"status"`
	ScanIntervalSeconds int        `json:"scan_interval_seconds"`
	MaxPositions        int        `json:"max_positions"`
	RiskLevel           float64    `json:"risk_level"`
	StartedAt           time.Time  `json:"started_at"`
	EndsAt              *time.Time `json:"ends_at,omitempty"`
	StoppedAt           *time.Time `json:"stopped_at,omitempty"`
	StopReason          string     `json:"stop_reason,omitempty"`
	PositionsOpened     int        `json:"positions_opened"`
	PositionsClosed     int        `json:"positions_closed"`
	RiskEventCount      int        `json:"risk_event_count"`
}

func toCycleView(c *domain.TradingCycle) cycleView {
	return cycleView{
		CycleID:             c.CycleID,
		Mode:                string(c.Mode),
		Status:              string(c.Status),
		ScanIntervalSeconds: int(c.ScanInterval / time.Second),
		MaxPositions:        c.MaxPositions,
		RiskLevel:           c.RiskLevel,
		StartedAt:           c.StartedAt,
		EndsAt:              c.EndsAt,
		StoppedAt:           c.StoppedAt,
		StopReason:          c.StopReason,
		PositionsOpened:     c.PositionsOpened,
		PositionsClosed:     c.PositionsClosed,
		RiskEventCount:      c.RiskEventCount,
	}
}

type startCycleRequest struct {
	Mode                string          `json:"mode"`
	MaxPositions        int             `json:"max_positions"`
	RiskLevel           float64         `json:"risk_level"`
	ScanIntervalSeconds int             `json:"scan_interval_seconds"`
	EndsAt              string          `json:"ends_at"`
	Config              json.RawMessage `json:"config"`
}

func (s *Server) handleStartCycle(w http.ResponseWriter, r *http.Request) {
	var req startCycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, domain.Classifiedf(domain.ErrValidation, "invalid request body: %v", err))
		return
	}

	if req.Mode == "" {
		req.Mode = string(domain.ModeNormal)
	}
	mode, err := domain.CycleModeFromString(req.Mode)
	if err != nil {
		s.writeError(w, domain.Classified(domain.ErrValidation, err))
		return
	}
	if req.MaxPositions < 1 {
		s.writeError(w, domain.Classifiedf(domain.ErrValidation, "max_positions must be at least 1, got %d", req.MaxPositions))
		return
	}
	if req.RiskLevel < 0 || req.RiskLevel > 1 {
		s.writeError(w, domain.Classifiedf(domain.ErrValidation, "risk_level must be in [0,1], got %v", req.RiskLevel))
		return
	}

	if req.ScanIntervalSeconds < 0 {
		s.writeError(w, domain.Classifiedf(domain.ErrValidation, "scan_interval_seconds must not be negative"))
		return
	}

	var endsAt *time.Time
	if req.EndsAt != "" {
		t, err := time.Parse(time.RFC3339, req.EndsAt)
		if err != nil {
			s.writeError(w, domain.Classifiedf(domain.ErrValidation, "ends_at must be RFC 3339: %v", err))
			return
		}
		if !t.After(time.Now()) {
			s.writeError(w, domain.Classifiedf(domain.ErrValidation, "ends_at must be in the future"))
			return
		}
		endsAt = &t
	}

	configJSON := "{}"
	if len(req.Config) > 0 {
		configJSON = string(req.Config)
	}

	created, err := s.engine.Start(r.Context(), cycle.StartRequest{
		Mode:         mode,
		MaxPositions: req.MaxPositions,
		RiskLevel:    req.RiskLevel,
		ScanInterval: time.Duration(req.ScanIntervalSeconds) * time.Second,
		EndsAt:       endsAt,
		ConfigJSON:   configJSON,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusCreated, toCycleView(created))
}

func (s *Server) handleActiveCycle(w http.ResponseWriter, r *http.Request) {
	active, err := s.engine.Active(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if active == nil {
		respond(w, http.StatusNotFound, errorBody{Success: false, Error: "no running cycle", Class: string(domain.ErrValidation)})
		return
	}
	respond(w, http.StatusOK, toCycleView(active))
}

func (s *Server) handleGetCycle(w http.ResponseWriter, r *http.Request) {
	cycleID := chi.URLParam(r, "cycleID")
	c, err := s.gateway.GetCycle(r.Context(), cycleID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if c == nil {
		respond(w, http.StatusNotFound, errorBody{Success: false, Error: "cycle not found", Class: string(domain.ErrValidation)})
		return
	}
	respond(w, http.StatusOK, toCycleView(c))
}

type stopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePauseCycle(w http.ResponseWriter, r *http.Request) {
	s.lifecycleOp(w, r, func(cycleID, _ string) error {
		return s.engine.Pause(r.Context(), cycleID)
	}, "")
}

func (s *Server) handleResumeCycle(w http.ResponseWriter, r *http.Request) {
	s.lifecycleOp(w, r, func(cycleID, _ string) error {
		return s.engine.Resume(r.Context(), cycleID)
	}, "")
}

func (s *Server) handleStopCycle(w http.ResponseWriter, r *http.Request) {
	s.lifecycleOp(w, r, func(cycleID, reason string) error {
		return s.engine.Stop(r.Context(), cycleID, reason)
	}, "operator stop")
}

func (s *Server) handleCompleteCycle(w http.ResponseWriter, r *http.Request) {
	s.lifecycleOp(w, r, func(cycleID, reason string) error {
		return s.engine.Complete(r.Context(), cycleID, reason)
	}, "operator complete")
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	s.lifecycleOp(w, r, func(cycleID, reason string) error {
		return s.engine.EmergencyStop(r.Context(), cycleID, reason)
	}, "operator emergency stop")
}

// lifecycleOp runs one cycle transition and returns the cycle's new state.
// The request body is an optional {"reason": ...}.
func (s *Server) lifecycleOp(w http.ResponseWriter, r *http.Request, op func(cycleID, reason string) error, defaultReason string) {
	cycleID := chi.URLParam(r, "cycleID")

	reason := defaultReason
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Reason != "" {
		reason = req.Reason
	}

	if err := op(cycleID, reason); err != nil {
		s.writeError(w, err)
		return
	}

	c, err := s.gateway.GetCycle(r.Context(), cycleID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, toCycleView(c))
}

// positionView is the JSON shape of a position.
type positionView struct {
	PositionID    string     `json:"position_id"`
	CycleID       string     `json:"cycle_id"`
	SecurityID    int64      `json:"security_id"`
	Symbol        string     `json:"symbol"`
	Side          string     `json:"side"`
	Quantity      float64    `json:"quantity"`
	EntryPrice    float64    `json:"entry_price"`
	ExitPrice     *float64   `json:"exit_price,omitempty"`
	StopLoss      *float64   `json:"stop_loss,omitempty"`
	TakeProfit    *float64   `json:"take_profit,omitempty"`
	Status        string     `json:"status"`
	OpenedAt      time.Time  `json:"opened_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	RealizedPnL   float64    `json:"realized_pnl"`
	UnrealizedPnL float64    `json:"unrealized_pnl"`
	MaxFavorable  float64    `json:"max_favorable"`
	MaxAdverse    float64    `json:"max_adverse"`
	CloseReason   string     `json:"close_reason,omitempty"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	cycleID := chi.URLParam(r, "cycleID")
	open, err := s.gateway.OpenPositions(r.Context(), cycleID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]positionView, 0, len(open))
	for _, p := range open {
		symbol, err := s.gateway.SecuritySymbol(r.Context(), p.SecurityID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		views = append(views, positionView{
			PositionID:    p.PositionID,
			CycleID:       p.CycleID,
			SecurityID:    p.SecurityID,
			Symbol:        symbol,
			Side:          string(p.Side),
			Quantity:      p.Quantity,
			EntryPrice:    p.EntryPrice,
			ExitPrice:     p.ExitPrice,
			StopLoss:      p.StopLoss,
			TakeProfit:    p.TakeProfit,
			Status:        string(p.Status),
			OpenedAt:      p.OpenedAt,
			ClosedAt:      p.ClosedAt,
			RealizedPnL:   p.RealizedPnL,
			UnrealizedPnL: p.UnrealizedPnL,
			MaxFavorable:  p.MaxFavorable,
			MaxAdverse:    p.MaxAdverse,
			CloseReason:   p.CloseReason,
		})
	}
	respond(w, http.StatusOK, map[string]interface{}{"positions": views})
}

// orderView is the JSON shape of an order.
type orderView struct {
	OrderID       string     `json:"order_id"`
	BrokerOrderID string     `json:"broker_order_id,omitempty"`
	SecurityID    int64      `json:"security_id"`
	Side          string     `json:"side"`
	Type          string     `json:"type"`
	Quantity      float64    `json:"quantity"`
	Status        string     `json:"status"`
	FillPrice     *float64   `json:"fill_price,omitempty"`
	FillQuantity  float64    `json:"fill_quantity"`
	Fees          float64    `json:"fees"`
	RejectReason  string     `json:"reject_reason,omitempty"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	FilledAt      *time.Time `json:"filled_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	cycleID := chi.URLParam(r, "cycleID")
	orders, err := s.gateway.OrdersForCycle(r.Context(), cycleID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, orderView{
			OrderID:       o.OrderID,
			BrokerOrderID: o.BrokerOrderID,
			SecurityID:    o.SecurityID,
			Side:          string(o.Side),
			Type:          string(o.Type),
			Quantity:      o.Quantity,
			Status:        string(o.Status),
			FillPrice:     o.FillPrice,
			FillQuantity:  o.FillQuantity,
			Fees:          o.Fees,
			RejectReason:  o.RejectReason,
			SubmittedAt:   o.SubmittedAt,
			FilledAt:      o.FilledAt,
			CreatedAt:     o.CreatedAt,
		})
	}
	respond(w, http.StatusOK, map[string]interface{}{"orders": views})
}

// scanView is the JSON shape of one scored symbol.
type scanView struct {
	SecurityID     int64   `json:"security_id"`
	Symbol         string  `json:"symbol"`
	MomentumScore  float64 `json:"momentum_score"`
	VolumeScore    float64 `json:"volume_score"`
	CatalystScore  float64 `json:"catalyst_score"`
	TechnicalScore float64 `json:"technical_score"`
	CompositeScore float64 `json:"composite_score"`
	Price          float64 `json:"price"`
	Volume         int64   `json:"volume"`
	ChangePct      float64 `json:"change_pct"`
	Selected       bool    `json:"selected"`
	Rank           *int    `json:"rank,omitempty"`
}

// handleScans returns the latest tick's scan results, best composite first.
func (s *Server) handleScans(w http.ResponseWriter, r *http.Request) {
	cycleID := chi.URLParam(r, "cycleID")

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			s.writeError(w, domain.Classifiedf(domain.ErrValidation, "invalid limit %q", raw))
			return
		}
		limit = n
	}

	timeID, err := s.gateway.LatestScanTime(r.Context(), cycleID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if timeID == 0 {
		respond(w, http.StatusOK, map[string]interface{}{"scans": []scanView{}})
		return
	}

	results, err := s.gateway.TopScanResults(r.Context(), cycleID, timeID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]scanView, 0, len(results))
	for _, res := range results {
		symbol, err := s.gateway.SecuritySymbol(r.Context(), res.SecurityID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		views = append(views, scanView{
			SecurityID:     res.SecurityID,
			Symbol:         symbol,
			MomentumScore:  res.MomentumScore,
			VolumeScore:    res.VolumeScore,
			CatalystScore:  res.CatalystScore,
			TechnicalScore: res.TechnicalScore,
			CompositeScore: res.CompositeScore,
			Price:          res.Price,
			Volume:         res.Volume,
			ChangePct:      res.ChangePct,
			Selected:       res.Selected,
			Rank:           res.Rank,
		})
	}
	respond(w, http.StatusOK, map[string]interface{}{"scans": views})
}

// eventView is the JSON shape of a risk event.
type eventView struct {
	EventID        int64      `json:"event_id"`
	EventType      string     `json:"event_type"`
	Severity       string     `json:"severity"`
	CycleID        *string    `json:"cycle_id,omitempty"`
	SecurityID     *int64     `json:"security_id,omitempty"`
	Message        string     `json:"message"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

var validSeverities = map[string]domain.Severity{
	"info":      domain.SeverityInfo,
	"warning":   domain.SeverityWarning,
	"critical":  domain.SeverityCritical,
	"emergency": domain.SeverityEmergency,
}

func (s *Server) handleRiskEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, domain.Classifiedf(domain.ErrValidation, "invalid limit %q", raw))
			return
		}
		limit = n
	}

	var severities []domain.Severity
	if raw := r.URL.Query().Get("severity"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			sev, ok := validSeverities[strings.TrimSpace(part)]
			if !ok {
				s.writeError(w, domain.Classifiedf(domain.ErrValidation, "invalid severity %q", part))
				return
			}
			severities = append(severities, sev)
		}
	}

	events, err := s.gateway.RiskEvents(r.Context(), severities, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, eventView{
			EventID:        e.EventID,
			EventType:      e.EventType,
			Severity:       string(e.Severity),
			CycleID:        e.CycleID,
			SecurityID:     e.SecurityID,
			Message:        e.Message,
			Acknowledged:   e.Acknowledged,
			AcknowledgedBy: e.AcknowledgedBy,
			AcknowledgedAt: e.AcknowledgedAt,
			CreatedAt:      e.CreatedAt,
		})
	}
	respond(w, http.StatusOK, map[string]interface{}{"events": views})
}

type ackRequest struct {
	By string `json:"by"`
}

func (s *Server) handleAcknowledgeEvent(w http.ResponseWriter, r *http.Request) {
	eventID, err := strconv.ParseInt(chi.URLParam(r, "eventID"), 10, 64)
	if err != nil {
		s.writeError(w, domain.Classifiedf(domain.ErrValidation, "invalid event id: %v", err))
		return
	}

	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.By == "" {
		s.writeError(w, domain.Classifiedf(domain.ErrValidation, "acknowledging operator is required"))
		return
	}

	if err := s.gateway.AcknowledgeRiskEvent(r.Context(), eventID, req.By); err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleRiskParameters(w http.ResponseWriter, r *http.Request) {
	params, err := s.params.Effective(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"parameters": params.Map()})
}

type upsertParameterRequest struct {
	Value float64 `json:"value"`
	Kind  string  `json:"kind"`
}

var validParameterKinds = map[string]bool{
	"currency":   true,
	"percentage": true,
	"count":      true,
	"multiplier": true,
	"ratio":      true,
}

func (s *Server) handleUpsertParameter(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req upsertParameterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, domain.Classifiedf(domain.ErrValidation, "invalid request body: %v", err))
		return
	}
	if !validParameterKinds[req.Kind] {
		s.writeError(w, domain.Classifiedf(domain.ErrValidation, "invalid parameter kind %q", req.Kind))
		return
	}

	if err := s.gateway.UpsertRiskParameter(r.Context(), name, req.Value, req.Kind, "operator"); err != nil {
		s.writeError(w, err)
		return
	}
	s.params.Invalidate()

	s.log.Info().Str("name", name).Float64("value", req.Value).Msg("Risk parameter updated")
	respond(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleHealth reports the full system view: downstream service states,
// circuit breakers, store integrity and the current market session.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now()

	storeStatus := "ok"
	if err := s.gateway.Ping(r.Context()); err != nil {
		storeStatus = err.Error()
	}

	services := s.monitor.Snapshot()
	breakers := make(map[string]string, len(clients.AllServices))
	for _, svc := range clients.AllServices {
		breakers[string(svc)] = s.client.BreakerState(svc)
	}

	status := http.StatusOK
	overall := "ok"
	if storeStatus != "ok" {
		overall = "store_unavailable"
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "30")
	}

	respond(w, status, map[string]interface{}{
		"status":     overall,
		"store":      storeStatus,
		"services":   services,
		"breakers":   breakers,
		"session":    string(market.SessionAt(now)),
		"in_session": market.InSession(now),
	})
}
