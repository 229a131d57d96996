// Package alerting delivers emergency risk events to the optional SMTP
// sink. Delivery is best-effort: a failed send is logged, never propagated,
// so alerting can never take down the escalation path it reports on.
package alerting

import (
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/catalyst/internal/config"
	"github.com/aristath/catalyst/internal/domain"
	"github.com/aristath/catalyst/pkg/logger"
)

// Sink sends risk-event notifications over SMTP.
type Sink struct {
	cfg config.AlertingConfig
	log zerolog.Logger

	// send is swapped in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// New creates a sink. A disabled configuration yields a sink whose Notify
// is a no-op.
func New(cfg config.AlertingConfig, log zerolog.Logger) *Sink {
	return &Sink{
		cfg:  cfg,
		log:  logger.Component(log, "alerting"),
		send: smtp.SendMail,
	}
}

// Enabled reports whether the sink is configured.
func (s *Sink) Enabled() bool {
	return s.cfg.Enabled
}

// Notify sends one event, best-effort. Only critical and emergency events
// are forwarded; anything else is dropped silently.
func (s *Sink) Notify(event *domain.RiskEvent) {
	if !s.cfg.Enabled {
		return
	}
	if event.Severity != domain.SeverityCritical && event.Severity != domain.SeverityEmergency {
		return
	}

	recipients := splitRecipients(s.cfg.To)
	if len(recipients) == 0 {
		return
	}

	subject := fmt.Sprintf("[catalyst] %s: %s", strings.ToUpper(string(event.Severity)), event.EventType)
	body := event.Message
	if event.CycleID != nil {
		body = fmt.Sprintf("cycle: %s\n\n%s", *event.CycleID, body)
	}

	msg := strings.Join([]string{
		"From: " + s.cfg.From,
		"To: " + strings.Join(recipients, ", "),
		"Subject: " + subject,
		"Date: " + time.Now().UTC().Format(time.RFC1123Z),
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	if err := s.send(addr, auth, s.cfg.From, recipients, []byte(msg)); err != nil {
		s.log.Error().Err(err).Str("event_type", event.EventType).Msg("Alert delivery failed")
		return
	}
	s.log.Info().Str("event_type", event.EventType).Msg("Alert delivered")
}

// splitRecipients parses the comma-separated recipient list.
func splitRecipients(to string) []string {
	var out []string
	for _, part := range strings.Split(to, ",") {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
