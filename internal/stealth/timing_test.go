package stealth

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJitter_StaysInsideBand(t *testing.T) {
	g := NewGenerator(rand.NewSource(11))
	base := 1000 * time.Millisecond

	for i := 0; i < 200; i++ {
		d := g.Jitter(base, 20)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestJitter_ZeroVariationReturnsBase(t *testing.T) {
	g := NewGenerator(rand.NewSource(11))
	assert.Equal(t, time.Second, g.Jitter(time.Second, 0))
	assert.Equal(t, time.Duration(0), g.Jitter(0, 50))
}

func TestJitter_NeverNegative(t *testing.T) {
	g := NewGenerator(rand.NewSource(11))
	for i := 0; i < 200; i++ {
		assert.GreaterOrEqual(t, g.Jitter(10*time.Millisecond, 100), time.Duration(0))
	}
}

func TestOffset_Range(t *testing.T) {
	g := NewGenerator(rand.NewSource(11))
	stagger := 500 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := g.Offset(stagger)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, stagger)
	}
	assert.Equal(t, time.Duration(0), g.Offset(0))
}

func TestStagger_Range(t *testing.T) {
	g := NewGenerator(rand.NewSource(11))
	base := 200 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := g.Stagger(base)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 300*time.Millisecond)
	}
}

func TestMicro_Range(t *testing.T) {
	g := NewGenerator(rand.NewSource(11))
	for i := 0; i < 200; i++ {
		d := g.Micro()
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 25*time.Millisecond)
	}
}

func TestTimingDelay_ProfileBounds(t *testing.T) {
	g := NewGenerator(rand.NewSource(11))

	cases := []struct {
		profile  TimingProfile
		min, max time.Duration
	}{
		{ProfileHumanLike, 70 * time.Millisecond, 650 * time.Millisecond},
		{ProfileFastTrading, 35 * time.Millisecond, 195 * time.Millisecond},
		{ProfileConservative, 350 * time.Millisecond, 2600 * time.Millisecond},
	}
	for _, tc := range cases {
		for i := 0; i < 100; i++ {
			d := g.TimingDelay(tc.profile)
			assert.GreaterOrEqual(t, d, tc.min, string(tc.profile))
			assert.LessOrEqual(t, d, tc.max, string(tc.profile))
		}
	}
}

func TestTimingDelay_UnknownProfile(t *testing.T) {
	g := NewGenerator(rand.NewSource(11))
	for i := 0; i < 100; i++ {
		d := g.TimingDelay("erratic")
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 500*time.Millisecond)
	}
}

func TestAntiMEVDelay(t *testing.T) {
	g := NewGenerator(rand.NewSource(11))

	// Disabled protection adds no hold.
	assert.Equal(t, time.Duration(0), g.AntiMEVDelay(OpDistribute, 0.9, false))

	// distribute base 100ms, congestion 0.5 -> 125ms, factor [0.8, 1.2).
	for i := 0; i < 100; i++ {
		d := g.AntiMEVDelay(OpDistribute, 0.5, true)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 150*time.Millisecond)
	}

	// Withdrawals hold longer than distributions at equal congestion.
	slowTotal, fastTotal := time.Duration(0), time.Duration(0)
	for i := 0; i < 100; i++ {
		fastTotal += g.AntiMEVDelay(OpDistribute, 0, true)
		slowTotal += g.AntiMEVDelay(OpWithdraw, 0, true)
	}
	assert.Greater(t, slowTotal, fastTotal)

	// Congestion is clamped to [0, 1].
	d := g.AntiMEVDelay(OpDistribute, 4.0, true)
	assert.LessOrEqual(t, d, time.Duration(1.5*1.2*100)*time.Millisecond)
}

func TestScore(t *testing.T) {
	full := Score(ScoreInput{
		Enabled:          true,
		Pattern:          PatternOrganic,
		TimingRandomized: true,
		VariationPercent: 20,
		MEVProtection:    true,
		StaggerDelay:     200 * time.Millisecond,
	})
	assert.Equal(t, 100.0, full)

	bare := Score(ScoreInput{Enabled: true, Pattern: PatternSequential})
	assert.Equal(t, 20.0, bare)

	assert.Equal(t, 0.0, Score(ScoreInput{}))
}
