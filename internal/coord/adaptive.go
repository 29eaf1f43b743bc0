package coord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/warchest-ops/warchest/internal/chain"
)

// ---------------------------------------------------------------------------
// Adaptive control — stateless trigger evaluation between phases
//
// After every completed phase the executor takes a fresh metrics snapshot
// and asks the engine which features fire. Triggers hold no state across
// checks; the same observation fires the same trigger every time.
// ---------------------------------------------------------------------------

// TriggerType names an observable chain or operation condition.
type TriggerType string

const (
	TriggerGasSpike    TriggerType = "gas_spike"    // current gas / baseline ratio
	TriggerCongestion  TriggerType = "congestion"   // block utilization 0..1
	TriggerMEVDetected TriggerType = "mev_detected" // frontrun risk score 0..1
	TriggerFailureRate TriggerType = "failure_rate" // failed / dispatched 0..1
)

// ActionType names a reaction the executor can apply mid-operation.
type ActionType string

const (
	ActionPause          ActionType = "pause"           // sleep before the next phase
	ActionDelayIncrease  ActionType = "delay_increase"  // scale future stagger and inter-batch delays
	ActionGasAdjustment  ActionType = "gas_adjustment"  // scale gas price for subsequent dispatches
	ActionSequenceChange ActionType = "sequence_change" // force random ordering of remaining groups
	ActionAbort          ActionType = "abort"           // stop the operation, mark it failed
)

// Trigger fires when its observed value reaches Threshold. Duration is a
// sliding-window hint for rate-style observations; instantaneous readings
// ignore it.
type Trigger struct {
	Type      TriggerType   `json:"type"`
	Threshold float64       `json:"threshold"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// Action is one reaction with its typed parameters. Zero values fall back
// to executor defaults.
type Action struct {
	Type       ActionType    `json:"type"`
	Multiplier float64       `json:"multiplier,omitempty"` // delay_increase, gas_adjustment
	Hold       time.Duration `json:"hold,omitempty"`       // pause
	Reason     string        `json:"reason,omitempty"`     // abort
}

// Feature bundles triggers with the actions applied when any trigger fires.
type Feature struct {
	Name     string    `json:"name"`
	Enabled  bool      `json:"enabled"`
	Triggers []Trigger `json:"triggers"`
	Actions  []Action  `json:"actions"`
}

// FeatureTuning adjusts the thresholds and responses baked into the
// default feature set. Zero fields keep the built-in values; Disabled
// drops every feature so plans run without adaptive control.
type FeatureTuning struct {
	Disabled             bool
	GasSpikeThreshold    float64       // multiple of baseline
	CongestionThreshold  float64       // utilization 0..1
	FailureRateThreshold float64       // fraction 0..1
	RiskCeiling          float64       // frontrun risk 0..1
	Pause                time.Duration // gas-spike hold
	DelayMultiplier      float64
	GasMultiplier        float64
}

func (t FeatureTuning) withDefaults() FeatureTuning {
	if t.GasSpikeThreshold <= 0 {
		t.GasSpikeThreshold = 2.0
	}
	if t.CongestionThreshold <= 0 {
		t.CongestionThreshold = 0.85
	}
	if t.FailureRateThreshold <= 0 {
		t.FailureRateThreshold = 0.5
	}
	if t.RiskCeiling <= 0 {
		t.RiskCeiling = SafeRiskCeiling
	}
	if t.Pause <= 0 {
		t.Pause = 30 * time.Second
	}
	if t.DelayMultiplier <= 0 {
		t.DelayMultiplier = 1.5
	}
	if t.GasMultiplier <= 0 {
		t.GasMultiplier = 1.25
	}
	return t
}

// DefaultFeatures returns the adaptive set attached to every plan. The MEV
// features join only when the stealth settings arm MEV protection.
func DefaultFeatures(st StealthSettings) []Feature {
	return TunedFeatures(st, FeatureTuning{})
}

// TunedFeatures is DefaultFeatures with operator-supplied thresholds.
// Disabled tuning returns an empty, non-nil set.
func TunedFeatures(st StealthSettings, tuning FeatureTuning) []Feature {
	if tuning.Disabled {
		return []Feature{}
	}
	t := tuning.withDefaults()

	features := []Feature{
		{
			Name:     "failure_circuit_breaker",
			Enabled:  true,
			Triggers: []Trigger{{Type: TriggerFailureRate, Threshold: t.FailureRateThreshold, Duration: time.Minute}},
			Actions:  []Action{{Type: ActionAbort, Reason: fmt.Sprintf("failure rate above %.0f%%", t.FailureRateThreshold*100)}},
		},
		{
			Name:     "congestion_backoff",
			Enabled:  true,
			Triggers: []Trigger{{Type: TriggerCongestion, Threshold: t.CongestionThreshold}},
			Actions:  []Action{{Type: ActionDelayIncrease, Multiplier: t.DelayMultiplier}},
		},
	}
	if st.MEVProtection {
		features = append(features,
			Feature{
				Name:     "gas_spike_response",
				Enabled:  true,
				Triggers: []Trigger{{Type: TriggerGasSpike, Threshold: t.GasSpikeThreshold}},
				Actions: []Action{
					{Type: ActionPause, Hold: t.Pause},
					{Type: ActionGasAdjustment, Multiplier: t.GasMultiplier},
				},
			},
			Feature{
				Name:     "mev_evasion",
				Enabled:  true,
				Triggers: []Trigger{{Type: TriggerMEVDetected, Threshold: t.RiskCeiling}},
				Actions: []Action{
					{Type: ActionSequenceChange},
					{Type: ActionGasAdjustment, Multiplier: 1.1},
				},
			},
		)
	}
	return features
}

// ---------------------------------------------------------------------------
// Metrics sources
// ---------------------------------------------------------------------------

// MetricsSnapshot is one point-in-time reading of everything the triggers
// observe.
type MetricsSnapshot struct {
	GasPriceGwei    decimal.Decimal `json:"gas_price_gwei"`
	GasBaselineGwei decimal.Decimal `json:"gas_baseline_gwei"`
	Utilization     float64         `json:"utilization"`
	FailureRate     float64         `json:"failure_rate"`
	AvgTransferTime time.Duration   `json:"avg_transfer_time"`
	Taken           time.Time       `json:"taken"`
}

// MetricsSource produces fresh snapshots. Implementations must not cache
// across calls; the whole point of the between-phase check is a current
// reading.
type MetricsSource interface {
	Snapshot(ctx context.Context, op *Operation) MetricsSnapshot
}

// LiveMetrics reads gas from the oracle, congestion from the monitor, and
// failure statistics from the operation itself. Nil members contribute
// zero readings, so a partially wired source still works.
type LiveMetrics struct {
	Oracle  *chain.Oracle
	Monitor *chain.Monitor
}

func (m *LiveMetrics) Snapshot(_ context.Context, op *Operation) MetricsSnapshot {
	snap := MetricsSnapshot{Taken: time.Now()}
	if m.Oracle != nil {
		snap.GasPriceGwei = m.Oracle.Info().Standard
		snap.GasBaselineGwei = m.Oracle.Baseline()
	}
	if m.Monitor != nil {
		snap.Utilization = m.Monitor.Utilization()
	}
	if op != nil {
		snap.FailureRate = op.FailureRate()
		snap.AvgTransferTime = op.AvgTransferTime()
	}
	return snap
}

// StubMetrics returns whatever snapshot was last set. Test helper.
type StubMetrics struct {
	mu   sync.Mutex
	snap MetricsSnapshot
}

func (s *StubMetrics) Set(snap MetricsSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
}

func (s *StubMetrics) Snapshot(context.Context, *Operation) MetricsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap
	if snap.Taken.IsZero() {
		snap.Taken = time.Now()
	}
	return snap
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// Decision is one fired feature with the trigger and observation that
// fired it. The executor applies the feature's actions in declared order.
type Decision struct {
	Feature  Feature `json:"feature"`
	Trigger  Trigger `json:"trigger"`
	Observed float64 `json:"observed"`
}

// Engine evaluates adaptive features against fresh metrics.
type Engine struct {
	source MetricsSource
}

// NewEngine wires an engine to a metrics source. A nil source falls back
// to an unwired LiveMetrics, which reads only operation-local statistics.
func NewEngine(source MetricsSource) *Engine {
	if source == nil {
		source = &LiveMetrics{}
	}
	return &Engine{source: source}
}

// Evaluate takes one fresh snapshot and returns a decision for every
// enabled feature with at least one firing trigger. At most one decision
// per feature; the first firing trigger wins.
func (e *Engine) Evaluate(ctx context.Context, op *Operation, features []Feature) []Decision {
	snap := e.source.Snapshot(ctx, op)

	var total decimal.Decimal
	if op != nil && op.Plan != nil {
		total = op.Plan.TotalAmount
	}

	var decisions []Decision
	for _, f := range features {
		if !f.Enabled {
			continue
		}
		for _, tr := range f.Triggers {
			if tr.Threshold <= 0 {
				continue
			}
			observed := observedValue(tr.Type, snap, total)
			if observed < tr.Threshold {
				continue
			}
			log.Info().
				Str("feature", f.Name).
				Str("trigger", string(tr.Type)).
				Float64("threshold", tr.Threshold).
				Float64("observed", observed).
				Msg("adaptive trigger fired")
			decisions = append(decisions, Decision{Feature: f, Trigger: tr, Observed: observed})
			break
		}
	}
	return decisions
}

// observedValue maps a trigger type onto its reading from the snapshot.
func observedValue(t TriggerType, snap MetricsSnapshot, totalAmount decimal.Decimal) float64 {
	switch t {
	case TriggerGasSpike:
		if !snap.GasBaselineGwei.IsPositive() {
			return 0
		}
		ratio, _ := snap.GasPriceGwei.Div(snap.GasBaselineGwei).Float64()
		return ratio
	case TriggerCongestion:
		return snap.Utilization
	case TriggerMEVDetected:
		return FrontrunRisk(totalAmount, snap.Utilization, snap.FailureRate)
	case TriggerFailureRate:
		return snap.FailureRate
	}
	return 0
}

// SafeRiskCeiling is the frontrun-risk score above which evasive actions
// fire.
const SafeRiskCeiling = 0.7

// frontrunAmountFloor is the plan total (BNB) above which an operation is
// considered an attractive sandwich target.
var frontrunAmountFloor = decimal.NewFromInt(10)

// FrontrunRisk scores how attractive the operation currently is to a
// frontrunner, 0..1. Large totals in a congested network with visible
// failures score highest.
func FrontrunRisk(totalAmount decimal.Decimal, congestion, failureRate float64) float64 {
	risk := congestion*0.4 + failureRate*0.2
	if totalAmount.GreaterThan(frontrunAmountFloor) {
		risk += 0.3
	}
	if risk < 0 {
		return 0
	}
	if risk > 1 {
		return 1
	}
	return risk
}
