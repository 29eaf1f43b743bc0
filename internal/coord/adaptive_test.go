package coord

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// TestEvaluate_TriggerTable
// One probe feature per case; the trigger either fires on the snapshot or
// stays silent.
// ---------------------------------------------------------------------------
func TestEvaluate_TriggerTable(t *testing.T) {
	cases := []struct {
		name     string
		snap     MetricsSnapshot
		trigger  Trigger
		total    decimal.Decimal // plan total, drives frontrun scoring
		fired    bool
		observed float64
	}{
		{
			name:     "gas spike at ratio",
			snap:     MetricsSnapshot{GasPriceGwei: decimal.NewFromInt(6), GasBaselineGwei: decimal.NewFromInt(3)},
			trigger:  Trigger{Type: TriggerGasSpike, Threshold: 2.0},
			fired:    true,
			observed: 2.0,
		},
		{
			name:    "gas spike below ratio",
			snap:    MetricsSnapshot{GasPriceGwei: decimal.NewFromFloat(5.9), GasBaselineGwei: decimal.NewFromInt(3)},
			trigger: Trigger{Type: TriggerGasSpike, Threshold: 2.0},
			fired:   false,
		},
		{
			name:    "gas spike without baseline reads zero",
			snap:    MetricsSnapshot{GasPriceGwei: decimal.NewFromInt(100)},
			trigger: Trigger{Type: TriggerGasSpike, Threshold: 2.0},
			fired:   false,
		},
		{
			name:     "congestion at threshold",
			snap:     MetricsSnapshot{Utilization: 0.85},
			trigger:  Trigger{Type: TriggerCongestion, Threshold: 0.85},
			fired:    true,
			observed: 0.85,
		},
		{
			name:    "congestion below threshold",
			snap:    MetricsSnapshot{Utilization: 0.84},
			trigger: Trigger{Type: TriggerCongestion, Threshold: 0.85},
			fired:   false,
		},
		{
			name:     "failure rate at threshold",
			snap:     MetricsSnapshot{FailureRate: 0.5},
			trigger:  Trigger{Type: TriggerFailureRate, Threshold: 0.5, Duration: time.Minute},
			fired:    true,
			observed: 0.5,
		},
		{
			name:     "frontrun risk with attractive total",
			snap:     MetricsSnapshot{Utilization: 0.8, FailureRate: 0.5},
			trigger:  Trigger{Type: TriggerMEVDetected, Threshold: SafeRiskCeiling},
			total:    decimal.NewFromInt(20),
			fired:    true,
			observed: 0.72,
		},
		{
			name:    "frontrun risk with small total",
			snap:    MetricsSnapshot{Utilization: 0.8, FailureRate: 0.5},
			trigger: Trigger{Type: TriggerMEVDetected, Threshold: SafeRiskCeiling},
			total:   decimal.NewFromInt(1),
			fired:   false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			source := &StubMetrics{}
			source.Set(tc.snap)
			engine := NewEngine(source)

			var op *Operation
			if tc.total.IsPositive() {
				op = newOperation(&Plan{TotalAmount: tc.total})
			}

			features := []Feature{{
				Name:     "probe",
				Enabled:  true,
				Triggers: []Trigger{tc.trigger},
				Actions:  []Action{{Type: ActionDelayIncrease}},
			}}

			decisions := engine.Evaluate(context.Background(), op, features)
			if !tc.fired {
				assert.Empty(t, decisions)
				return
			}
			require.Len(t, decisions, 1)
			assert.Equal(t, "probe", decisions[0].Feature.Name)
			assert.Equal(t, tc.trigger.Type, decisions[0].Trigger.Type)
			assert.InDelta(t, tc.observed, decisions[0].Observed, 1e-9)
		})
	}
}

// ---------------------------------------------------------------------------
// TestEvaluate_SkipsDisabledAndUnarmedTriggers
// ---------------------------------------------------------------------------
func TestEvaluate_SkipsDisabledAndUnarmedTriggers(t *testing.T) {
	source := &StubMetrics{}
	source.Set(MetricsSnapshot{Utilization: 1.0})
	engine := NewEngine(source)

	features := []Feature{
		{
			Name:     "disabled",
			Enabled:  false,
			Triggers: []Trigger{{Type: TriggerCongestion, Threshold: 0.5}},
		},
		{
			Name:     "zero_threshold",
			Enabled:  true,
			Triggers: []Trigger{{Type: TriggerCongestion, Threshold: 0}},
		},
		{
			Name:     "negative_threshold",
			Enabled:  true,
			Triggers: []Trigger{{Type: TriggerCongestion, Threshold: -1}},
		},
	}

	assert.Empty(t, engine.Evaluate(context.Background(), nil, features))
}

// ---------------------------------------------------------------------------
// TestEvaluate_FirstFiringTriggerWins
// At most one decision per feature even when several triggers fire; every
// firing feature decides independently.
// ---------------------------------------------------------------------------
func TestEvaluate_FirstFiringTriggerWins(t *testing.T) {
	source := &StubMetrics{}
	source.Set(MetricsSnapshot{Utilization: 0.95, FailureRate: 0.9})
	engine := NewEngine(source)

	features := []Feature{
		{
			Name:    "multi_trigger",
			Enabled: true,
			Triggers: []Trigger{
				{Type: TriggerCongestion, Threshold: 0.9},
				{Type: TriggerFailureRate, Threshold: 0.5},
			},
		},
		{
			Name:     "second_feature",
			Enabled:  true,
			Triggers: []Trigger{{Type: TriggerFailureRate, Threshold: 0.5}},
		},
	}

	decisions := engine.Evaluate(context.Background(), nil, features)
	require.Len(t, decisions, 2)
	assert.Equal(t, "multi_trigger", decisions[0].Feature.Name)
	assert.Equal(t, TriggerCongestion, decisions[0].Trigger.Type, "declared order decides, not severity")
	assert.Equal(t, "second_feature", decisions[1].Feature.Name)
}

// ---------------------------------------------------------------------------
// TestDefaultFeatures_MEVGating
// ---------------------------------------------------------------------------
func TestDefaultFeatures_MEVGating(t *testing.T) {
	names := func(features []Feature) []string {
		out := make([]string, 0, len(features))
		for _, f := range features {
			assert.True(t, f.Enabled)
			out = append(out, f.Name)
		}
		return out
	}

	plain := DefaultFeatures(StealthSettings{})
	assert.Equal(t, []string{"failure_circuit_breaker", "congestion_backoff"}, names(plain))

	armed := DefaultFeatures(StealthSettings{MEVProtection: true})
	assert.Equal(t, []string{
		"failure_circuit_breaker",
		"congestion_backoff",
		"gas_spike_response",
		"mev_evasion",
	}, names(armed))

	// The evasion feature watches the shared risk ceiling.
	assert.InDelta(t, SafeRiskCeiling, armed[3].Triggers[0].Threshold, 1e-9)
}

// ---------------------------------------------------------------------------
// TestTunedFeatures
// Operator thresholds land in the feature set; disabled tuning empties
// the set without going nil.
// ---------------------------------------------------------------------------
func TestTunedFeatures(t *testing.T) {
	tuned := TunedFeatures(StealthSettings{MEVProtection: true}, FeatureTuning{
		GasSpikeThreshold:    3.0,
		CongestionThreshold:  0.6,
		FailureRateThreshold: 0.25,
		RiskCeiling:          0.5,
		Pause:                5 * time.Second,
		DelayMultiplier:      2.0,
		GasMultiplier:        1.4,
	})
	require.Len(t, tuned, 4)

	breaker, backoff, spike, evasion := tuned[0], tuned[1], tuned[2], tuned[3]
	assert.InDelta(t, 0.25, breaker.Triggers[0].Threshold, 1e-9)
	assert.Equal(t, "failure rate above 25%", breaker.Actions[0].Reason)
	assert.InDelta(t, 0.6, backoff.Triggers[0].Threshold, 1e-9)
	assert.InDelta(t, 2.0, backoff.Actions[0].Multiplier, 1e-9)
	assert.InDelta(t, 3.0, spike.Triggers[0].Threshold, 1e-9)
	assert.Equal(t, 5*time.Second, spike.Actions[0].Hold)
	assert.InDelta(t, 1.4, spike.Actions[1].Multiplier, 1e-9)
	assert.InDelta(t, 0.5, evasion.Triggers[0].Threshold, 1e-9)

	disabled := TunedFeatures(StealthSettings{MEVProtection: true}, FeatureTuning{Disabled: true})
	require.NotNil(t, disabled)
	assert.Empty(t, disabled)
}

// ---------------------------------------------------------------------------
// TestFrontrunRisk
// ---------------------------------------------------------------------------
func TestFrontrunRisk(t *testing.T) {
	big := decimal.NewFromInt(20)
	small := decimal.NewFromInt(1)

	assert.InDelta(t, 0.9, FrontrunRisk(big, 1, 1), 1e-9)
	assert.InDelta(t, 0.6, FrontrunRisk(small, 1, 1), 1e-9)
	assert.InDelta(t, 0.3, FrontrunRisk(big, 0, 0), 1e-9)
	assert.Zero(t, FrontrunRisk(small, 0, 0))

	// Out-of-range observations clamp instead of escaping the score band.
	assert.Equal(t, 1.0, FrontrunRisk(big, 3, 0))
	assert.Equal(t, 0.0, FrontrunRisk(small, -2, 0))
}

// ---------------------------------------------------------------------------
// TestLiveMetrics_ReadsOperationStats
// An unwired LiveMetrics still reports the operation's own failure and
// latency statistics.
// ---------------------------------------------------------------------------
func TestLiveMetrics_ReadsOperationStats(t *testing.T) {
	op := newOperation(&Plan{})
	op.dispatched.Add(4)
	op.failed.Add(2)
	op.observeLatency(100 * time.Millisecond)

	snap := (&LiveMetrics{}).Snapshot(context.Background(), op)
	assert.InDelta(t, 0.5, snap.FailureRate, 1e-9)
	assert.Equal(t, 25*time.Millisecond, snap.AvgTransferTime)
	assert.True(t, snap.GasPriceGwei.IsZero())
	assert.Zero(t, snap.Utilization)
	assert.False(t, snap.Taken.IsZero())
}
