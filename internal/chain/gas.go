package chain

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Gas Oracle — percentile bands from a rolling sample window
// slow=p25, standard=p50, fast=p90, ceiling 500 gwei
// ---------------------------------------------------------------------------

const (
	// MaxGasPriceGwei is the hard ceiling for any recommendation.
	MaxGasPriceGwei = 500

	// DefaultGasPriceGwei is the fallback before the first sample lands.
	DefaultGasPriceGwei = 3

	// GasRefreshInterval is how often the oracle polls the node.
	GasRefreshInterval = 15 * time.Second

	// gasSampleCap bounds the rolling window.
	gasSampleCap = 120
)

// Urgency selects a fee recommendation tier.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
	UrgencyUrgent Urgency = "urgent"
)

// multiplier returns the fee scale for an urgency tier.
func (u Urgency) multiplier() decimal.Decimal {
	switch u {
	case UrgencyMedium:
		return decimal.NewFromFloat(1.5)
	case UrgencyHigh:
		return decimal.NewFromInt(2)
	case UrgencyUrgent:
		return decimal.NewFromInt(3)
	default:
		return decimal.NewFromInt(1)
	}
}

// OracleConfig configures the gas oracle.
type OracleConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Boost           float64       `yaml:"boost"`        // base multiplier applied to every recommendation
	MaxGasGwei      float64       `yaml:"max_gas_gwei"` // recommendation ceiling
}

// DefaultOracleConfig returns production defaults.
func DefaultOracleConfig() OracleConfig {
	return OracleConfig{
		RefreshInterval: GasRefreshInterval,
		Boost:           1.0,
		MaxGasGwei:      MaxGasPriceGwei,
	}
}

// Oracle keeps a rolling window of node gas quotes and serves band and
// urgency-tier recommendations from it.
type Oracle struct {
	client Client
	config OracleConfig

	mu        sync.RWMutex
	samples   []decimal.Decimal // rolling, newest last
	slow      decimal.Decimal
	standard  decimal.Decimal
	fast      decimal.Decimal
	baseline  decimal.Decimal // median over the whole window
	lastFetch time.Time

	stopCh chan struct{}
}

// NewOracle creates an oracle polling the given client.
func NewOracle(client Client, config OracleConfig) *Oracle {
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = GasRefreshInterval
	}
	if config.Boost <= 0 {
		config.Boost = 1.0
	}
	if config.MaxGasGwei <= 0 {
		config.MaxGasGwei = MaxGasPriceGwei
	}
	return &Oracle{
		client: client,
		config: config,
		stopCh: make(chan struct{}),
	}
}

// Start begins periodic sampling. Blocks until ctx is cancelled or Stop.
func (o *Oracle) Start(ctx context.Context) {
	o.refresh(ctx)

	ticker := time.NewTicker(o.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.refresh(ctx)
		}
	}
}

// Stop terminates the sampling loop.
func (o *Oracle) Stop() {
	select {
	case <-o.stopCh:
	default:
		close(o.stopCh)
	}
}

// Observe feeds one gas price sample directly (tests, block feeds).
func (o *Oracle) Observe(gwei decimal.Decimal) {
	if !gwei.IsPositive() {
		return
	}
	o.mu.Lock()
	o.samples = append(o.samples, gwei)
	if len(o.samples) > gasSampleCap {
		o.samples = o.samples[len(o.samples)-gasSampleCap:]
	}
	o.recompute()
	o.lastFetch = time.Now()
	o.mu.Unlock()
}

// Info returns the current three-band quote. Falls back to the default
// price before the first sample.
func (o *Oracle) Info() GasPriceInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if len(o.samples) == 0 {
		def := decimal.NewFromInt(DefaultGasPriceGwei)
		return GasPriceInfo{Slow: def, Standard: def, Fast: def}
	}
	return GasPriceInfo{Slow: o.slow, Standard: o.standard, Fast: o.fast}
}

// Recommend returns the gas price for an urgency tier: standard band ×
// urgency multiplier × configured boost, capped at the configured ceiling.
func (o *Oracle) Recommend(urgency Urgency) decimal.Decimal {
	price := o.Info().Standard.
		Mul(urgency.multiplier()).
		Mul(decimal.NewFromFloat(o.config.Boost))

	ceiling := decimal.NewFromFloat(o.config.MaxGasGwei)
	if price.GreaterThan(ceiling) {
		return ceiling
	}
	return price
}

// Baseline returns the window median, used by gas-spike detection.
func (o *Oracle) Baseline() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if len(o.samples) == 0 {
		return decimal.NewFromInt(DefaultGasPriceGwei)
	}
	return o.baseline
}

// OracleStats reports sampling state.
type OracleStats struct {
	SlowGwei     decimal.Decimal `json:"slow_gwei"`
	StandardGwei decimal.Decimal `json:"standard_gwei"`
	FastGwei     decimal.Decimal `json:"fast_gwei"`
	BaselineGwei decimal.Decimal `json:"baseline_gwei"`
	Samples      int             `json:"samples"`
	LastFetch    time.Time       `json:"last_fetch"`
}

// Stats returns current estimation stats.
func (o *Oracle) Stats() OracleStats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return OracleStats{
		SlowGwei:     o.slow,
		StandardGwei: o.standard,
		FastGwei:     o.fast,
		BaselineGwei: o.baseline,
		Samples:      len(o.samples),
		LastFetch:    o.lastFetch,
	}
}

func (o *Oracle) refresh(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	price, err := o.client.SuggestGasPrice(fetchCtx)
	if err != nil {
		log.Debug().Err(err).Msg("gas: failed to fetch quote")
		return
	}
	o.Observe(price)

	o.mu.RLock()
	log.Debug().
		Str("slow", o.slow.String()).
		Str("standard", o.standard.String()).
		Str("fast", o.fast.String()).
		Int("samples", len(o.samples)).
		Msg("gas: updated estimates")
	o.mu.RUnlock()
}

// recompute rebuilds the percentile bands. Caller holds o.mu.
func (o *Oracle) recompute() {
	sorted := make([]decimal.Decimal, len(o.samples))
	copy(sorted, o.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	o.slow = percentileOf(sorted, 25)
	o.standard = percentileOf(sorted, 50)
	o.fast = percentileOf(sorted, 90)
	o.baseline = percentileOf(sorted, 50)
}

// percentileOf returns the p-th percentile of sorted values.
func percentileOf(sorted []decimal.Decimal, p int) decimal.Decimal {
	if len(sorted) == 0 {
		return decimal.Zero
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
