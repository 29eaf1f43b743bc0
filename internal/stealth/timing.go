package stealth

import (
	"time"
)

// OpKind selects the anti-MEV base delay for an operation.
type OpKind string

const (
	OpDistribute OpKind = "distribute"
	OpWithdraw   OpKind = "withdraw"
)

// TimingProfile names a delay distribution.
type TimingProfile string

const (
	ProfileHumanLike    TimingProfile = "human_like"
	ProfileFastTrading  TimingProfile = "fast_trading"
	ProfileConservative TimingProfile = "conservative"
)

// Delay sets per profile, in milliseconds.
var profileDelays = map[TimingProfile][]int{
	ProfileHumanLike:    {100, 150, 200, 250, 300, 350, 400, 500},
	ProfileFastTrading:  {50, 75, 100, 125, 150},
	ProfileConservative: {500, 750, 1000, 1250, 1500, 2000},
}

// Anti-MEV base delay per operation kind, in milliseconds.
var mevBaseDelay = map[OpKind]int{
	OpDistribute: 100,
	OpWithdraw:   150,
}

// Jitter returns base shifted by a uniform offset inside the symmetric band
// base ± base*variationPercent/100. Result never goes below zero.
func (g *Generator) Jitter(base time.Duration, variationPercent float64) time.Duration {
	if base <= 0 || variationPercent <= 0 {
		return maxDuration(base, 0)
	}
	band := float64(base) * variationPercent / 100.0
	offset := (g.float64()*2 - 1) * band
	d := time.Duration(float64(base) + offset)
	return maxDuration(d, 0)
}

// Offset returns a uniform delay in [0, stagger).
func (g *Generator) Offset(stagger time.Duration) time.Duration {
	if stagger <= 0 {
		return 0
	}
	return time.Duration(g.float64() * float64(stagger))
}

// Stagger scales base by a uniform factor in [0.5, 1.5).
func (g *Generator) Stagger(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return time.Duration(float64(base) * (0.5 + g.float64()))
}

// Micro returns a burst-mode micro delay in [0, 25ms).
func (g *Generator) Micro() time.Duration {
	return time.Duration(g.float64() * float64(25*time.Millisecond))
}

// TimingDelay draws a delay from a named profile, scaled by a uniform
// factor in [0.7, 1.3). Unknown profiles draw uniformly from 100-500ms.
func (g *Generator) TimingDelay(profile TimingProfile) time.Duration {
	delays, ok := profileDelays[profile]
	if !ok {
		return time.Duration(100+g.float64()*400) * time.Millisecond
	}
	base := float64(delays[g.intn(len(delays))]) * float64(time.Millisecond)
	factor := 0.7 + g.float64()*0.6
	return time.Duration(base * factor)
}

// AntiMEVDelay computes the pre-dispatch hold for an operation kind:
// base delay scaled up with network congestion (utilization in [0,1]) and
// blurred by a uniform factor in [0.8, 1.2). Returns zero when protection
// is disabled.
func (g *Generator) AntiMEVDelay(kind OpKind, congestion float64, enabled bool) time.Duration {
	if !enabled {
		return 0
	}
	base, ok := mevBaseDelay[kind]
	if !ok {
		base = 100
	}
	if congestion < 0 {
		congestion = 0
	} else if congestion > 1 {
		congestion = 1
	}
	adjusted := float64(base) * (1.0 + congestion*0.5)
	factor := 0.8 + g.float64()*0.4
	return time.Duration(adjusted*factor) * time.Millisecond
}

// ScoreInput captures the stealth-relevant knobs of a plan.
type ScoreInput struct {
	Enabled          bool
	Pattern          Pattern
	TimingRandomized bool
	VariationPercent float64
	MEVProtection    bool
	StaggerDelay     time.Duration
}

// Score rates a configuration 0-100. Higher means harder to fingerprint.
func Score(in ScoreInput) float64 {
	score := 0.0
	if in.Enabled {
		score += 20
	}
	if in.TimingRandomized {
		score += 15
	}
	if in.Pattern == PatternRandom || in.Pattern == PatternOrganic {
		score += 15
	}
	if in.MEVProtection {
		score += 15
	}
	if in.VariationPercent >= 10 {
		score += 10
	}
	if in.StaggerDelay > 0 {
		score += 10
	}
	if in.Pattern == PatternOrganic {
		score += 15
	}
	if score > 100 {
		score = 100
	}
	return score
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
