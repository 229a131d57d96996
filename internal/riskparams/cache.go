// Package riskparams serves the effective risk-parameter set with a small
// TTL cache so scoring and sizing do not hit the store on every candidate.
package riskparams

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/aristath/catalyst/internal/store"
	"github.com/aristath/catalyst/pkg/logger"
)

const (
	cacheKey      = "effective"
	cacheTTL      = 60 * time.Second
	cleanupPeriod = 5 * time.Minute
)

// Defaults applied for any parameter the store has no effective row for.
// Weights feed the composite score; the multiplier and ratio drive exit
// levels; sizes are in account currency.
var defaults = map[string]float64{
	"weight_momentum":          0.25,
	"weight_volume":            0.20,
	"weight_catalyst":          0.30,
	"weight_technical":         0.25,
	"min_catalyst_strength":    0.40,
	"stop_loss_atr_multiplier": 2.0,
	"min_risk_reward_ratio":    2.0,
	"base_position_size":       10000,
	"max_position_size":        25000,
	"max_sector_exposure_pct":  30,
	"daily_loss_limit":         5000,
}

// Parameters is one consistent snapshot of the effective set.
type Parameters struct {
	values map[string]float64
}

// Get returns a parameter value, falling back to the built-in default.
func (p Parameters) Get(name string) float64 {
	if v, ok := p.values[name]; ok {
		return v
	}
	return defaults[name]
}

// Map returns every known parameter with its effective value: the defaults
// overlaid with the stored overrides.
func (p Parameters) Map() map[string]float64 {
	out := make(map[string]float64, len(defaults)+len(p.values))
	for name, v := range defaults {
		out[name] = v
	}
	for name, v := range p.values {
		out[name] = v
	}
	return out
}

// Weights returns the four composite-score weights, normalized to sum to 1
// so a partially-overridden set still produces scores in [0,100].
func (p Parameters) Weights() (momentum, volume, catalyst, technical float64) {
	momentum = p.Get("weight_momentum")
	volume = p.Get("weight_volume")
	catalyst = p.Get("weight_catalyst")
	technical = p.Get("weight_technical")

	sum := momentum + volume + catalyst + technical
	if sum <= 0 {
		return 0.25, 0.25, 0.25, 0.25
	}
	return momentum / sum, volume / sum, catalyst / sum, technical / sum
}

// Cache is the TTL-refreshed view over the store's risk_parameters table.
type Cache struct {
	gateway *store.Gateway
	cache   *gocache.Cache
	log     zerolog.Logger
}

// New creates the cache.
func New(gateway *store.Gateway, log zerolog.Logger) *Cache {
	return &Cache{
		gateway: gateway,
		cache:   gocache.New(cacheTTL, cleanupPeriod),
		log:     logger.Component(log, "risk_params"),
	}
}

// Effective returns the parameter set effective now, from cache when fresh.
func (c *Cache) Effective(ctx context.Context) (Parameters, error) {
	if cached, ok := c.cache.Get(cacheKey); ok {
		return cached.(Parameters), nil
	}

	values, err := c.gateway.EffectiveRiskParameters(ctx, time.Now())
	if err != nil {
		return Parameters{}, err
	}

	params := Parameters{values: values}
	c.cache.SetDefault(cacheKey, params)
	c.log.Debug().Int("overrides", len(values)).Msg("Risk parameters refreshed")
	return params, nil
}

// Invalidate drops the cached snapshot; the next Effective call re-reads
// the store. Called after a parameter upsert.
func (c *Cache) Invalidate() {
	c.cache.Delete(cacheKey)
}
