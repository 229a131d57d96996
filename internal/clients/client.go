// Package clients provides the uniform outbound caller for every downstream
// computation service. All calls share one HTTP client with connection
// reuse, a per-call timeout, bounded retries with exponential backoff, a
// per-service circuit breaker, and structured error classification.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/aristath/catalyst/internal/config"
	"github.com/aristath/catalyst/internal/domain"
	"github.com/aristath/catalyst/pkg/logger"
)

// ServiceName identifies a downstream service. The set is closed.
type ServiceName string

const (
	ServiceScanner     ServiceName = "scanner"
	ServicePattern     ServiceName = "pattern"
	ServiceTechnical   ServiceName = "technical"
	ServiceRiskManager ServiceName = "risk-manager"
	ServiceTrading     ServiceName = "trading"
	ServiceNews        ServiceName = "news"
	ServiceReporting   ServiceName = "reporting"
)

// AllServices lists every downstream service, used by the health monitor.
var AllServices = []ServiceName{
	ServiceScanner, ServicePattern, ServiceTechnical, ServiceRiskManager,
	ServiceTrading, ServiceNews, ServiceReporting,
}

const (
	// DefaultTimeout bounds a single logical call (all retries included
	// run under the same context deadline).
	DefaultTimeout = 30 * time.Second
	maxRetries     = 2 // retries after the first attempt, 3 attempts total
	retryWait      = 500 * time.Millisecond
	retryMaxWait   = 5 * time.Second

	breakerThreshold = 5                // consecutive unavailables before opening
	breakerCooldown  = 30 * time.Second // open-state duration
)

// Client is the uniform outbound caller.
type Client struct {
	http      *resty.Client
	urls      map[ServiceName]string
	breakers  map[ServiceName]*gobreaker.CircuitBreaker
	apiKey    string
	apiSecret string
	log       zerolog.Logger
}

// New creates a service client from the configured base-URL mapping.
func New(urls config.ServiceURLs, log zerolog.Logger) *Client {
	httpClient := resty.New().
		SetRetryCount(maxRetries).
		SetRetryWaitTime(retryWait).
		SetRetryMaxWaitTime(retryMaxWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Transient: network error or 5xx. 4xx is terminal.
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	c := &Client{
		http: httpClient,
		urls: map[ServiceName]string{
			ServiceScanner:     urls.Scanner,
			ServicePattern:     urls.Pattern,
			ServiceTechnical:   urls.Technical,
			ServiceRiskManager: urls.RiskManager,
			ServiceTrading:     urls.Trading,
			ServiceNews:        urls.News,
			ServiceReporting:   urls.Reporting,
		},
		breakers: make(map[ServiceName]*gobreaker.CircuitBreaker),
		log:      logger.Component(log, "service_client"),
	}

	for _, name := range AllServices {
		c.breakers[name] = newBreaker(name, c.log)
	}

	return c
}

func newBreaker(name ServiceName, log zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    string(name),
		Timeout: breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerThreshold
		},
		OnStateChange: func(n string, from, to gobreaker.State) {
			log.Warn().Str("service", n).
				Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
}

// SetBrokerCredentials sets the API credentials forwarded to the trading
// service.
func (c *Client) SetBrokerCredentials(apiKey, apiSecret string) {
	c.apiKey = apiKey
	c.apiSecret = apiSecret
}

// Call performs one logical request against a downstream service and
// decodes the JSON response into out (which may be nil). Errors carry one
// of the domain classifications; nothing is swallowed.
func (c *Client) Call(ctx context.Context, service ServiceName, method, path string, body interface{}, out interface{}) error {
	return c.CallWithTimeout(ctx, service, method, path, body, out, DefaultTimeout)
}

// CallWithTimeout is Call with a caller-chosen per-call timeout. The
// enclosing context's deadline still applies if it is sooner.
func (c *Client) CallWithTimeout(ctx context.Context, service ServiceName, method, path string, body interface{}, out interface{}, timeout time.Duration) error {
	baseURL, ok := c.urls[service]
	if !ok || baseURL == "" {
		return domain.Classifiedf(domain.ErrValidation, "unknown service %q", service)
	}

	breaker := c.breakers[service]

	var callErr error
	_, execErr := breaker.Execute(func() (interface{}, error) {
		callErr = c.do(ctx, service, baseURL, method, path, body, out, timeout)
		// Only unavailability feeds the breaker; validation and protocol
		// errors say nothing about the service being up.
		class := domain.ClassOf(callErr)
		if callErr != nil && (class == domain.ErrServiceUnavailable || class == domain.ErrTimeout) {
			return nil, callErr
		}
		return nil, nil
	})
	if execErr != nil {
		if errors.Is(execErr, gobreaker.ErrOpenState) || errors.Is(execErr, gobreaker.ErrTooManyRequests) {
			return domain.Classifiedf(domain.ErrServiceUnavailable,
				"circuit open for %s, short-circuiting call to %s", service, path)
		}
		return execErr
	}
	return callErr
}

// do performs the HTTP exchange and classifies the outcome.
func (c *Client) do(ctx context.Context, service ServiceName, baseURL, method, path string, body interface{}, out interface{}, timeout time.Duration) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := c.http.R().SetContext(callCtx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if service == ServiceTrading && c.apiKey != "" {
		req.SetHeader("X-API-Key", c.apiKey)
		req.SetHeader("X-API-Secret", c.apiSecret)
	}

	// The query string rides separately; url.JoinPath would escape the "?".
	pathOnly, query, _ := strings.Cut(path, "?")
	if query != "" {
		req.SetQueryString(query)
	}

	fullURL, err := url.JoinPath(baseURL, pathOnly)
	if err != nil {
		return domain.Classifiedf(domain.ErrValidation, "bad path %q for %s: %v", path, service, err)
	}

	start := time.Now()
	resp, err := req.Execute(method, fullURL)
	elapsed := time.Since(start)

	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return domain.Classifiedf(domain.ErrTimeout,
				"%s %s %s timed out after %s", service, method, path, elapsed.Round(time.Millisecond))
		}
		if ctx.Err() == context.Canceled {
			// Cancellation from the enclosing tick; propagate as-is.
			return ctx.Err()
		}
		return domain.Classifiedf(domain.ErrServiceUnavailable,
			"%s %s %s failed after retries: %v", service, method, path, err)
	}

	c.log.Debug().
		Str("service", string(service)).
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode()).
		Dur("elapsed", elapsed).
		Msg("Service call completed")

	switch {
	case resp.StatusCode() >= 500:
		return domain.Classifiedf(domain.ErrServiceUnavailable,
			"%s %s %s returned %d after retries", service, method, path, resp.StatusCode())
	case resp.StatusCode() >= 400:
		return domain.Classifiedf(domain.ErrValidation,
			"%s %s %s rejected the request: %d %s", service, method, path, resp.StatusCode(), truncate(resp.String(), 200))
	}

	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return domain.Classifiedf(domain.ErrProtocol,
				"%s %s %s returned malformed JSON: %v", service, method, path, err)
		}
	}

	return nil
}

// BreakerState reports the current breaker state for a service, for
// observability endpoints.
func (c *Client) BreakerState(service ServiceName) string {
	if b, ok := c.breakers[service]; ok {
		return b.State().String()
	}
	return "unknown"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
