// Package stealth synthesizes the ordering and timing noise that makes
// coordinated multi-wallet activity resemble organic usage. All randomness
// flows through an injectable source so tests can pin the exact ordering
// and delays.
package stealth

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Pattern names an ordering strategy for a wallet group.
type Pattern string

const (
	// PatternSequential keeps the input order.
	PatternSequential Pattern = "sequential"
	// PatternRandom fully shuffles the group.
	PatternRandom Pattern = "random"
	// PatternOrganic shuffles, then re-chunks into bursty clusters of 2-4.
	PatternOrganic Pattern = "organic"
	// PatternBurst keeps the order; the executor fires with micro-delays.
	PatternBurst Pattern = "burst"
)

// ParsePattern validates a pattern name.
func ParsePattern(s string) (Pattern, error) {
	switch Pattern(s) {
	case PatternSequential, PatternRandom, PatternOrganic, PatternBurst:
		return Pattern(s), nil
	}
	return "", fmt.Errorf("stealth: unknown pattern %q", s)
}

// Intensity scales how much delay the stealth layer injects.
type Intensity string

const (
	IntensityLow    Intensity = "low"
	IntensityMedium Intensity = "medium"
	IntensityHigh   Intensity = "high"
)

// Multiplier converts an intensity into a delay scale factor.
func (i Intensity) Multiplier() float64 {
	switch i {
	case IntensityLow:
		return 0.5
	case IntensityHigh:
		return 1.5
	default:
		return 1.0
	}
}

// Generator produces stealth orderings and delays from a single random
// source. Safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator creates a generator around src. A nil src falls back to a
// time-seeded source (production path); tests inject rand.NewSource(seed).
func NewGenerator(src rand.Source) *Generator {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Generator{rng: rand.New(src)}
}

// Apply reorders ids according to the pattern. The input slice is never
// mutated.
func (g *Generator) Apply(pattern Pattern, ids []string) ([]string, error) {
	clusters, err := g.Clusters(pattern, ids)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, c := range clusters {
		out = append(out, c...)
	}
	return out, nil
}

// Clusters returns the reordered ids grouped into pacing clusters. Only the
// organic pattern produces more than one cluster; the executor pauses
// between clusters to mimic human batching.
func (g *Generator) Clusters(pattern Pattern, ids []string) ([][]string, error) {
	switch pattern {
	case PatternSequential, PatternBurst:
		return [][]string{copyIDs(ids)}, nil

	case PatternRandom:
		return [][]string{g.shuffled(ids)}, nil

	case PatternOrganic:
		shuffled := g.shuffled(ids)
		var clusters [][]string
		for i := 0; i < len(shuffled); {
			size := g.intn(3) + 2 // 2..4
			if i+size > len(shuffled) {
				size = len(shuffled) - i
			}
			clusters = append(clusters, shuffled[i:i+size])
			i += size
		}
		return clusters, nil

	default:
		return nil, fmt.Errorf("stealth: unknown pattern %q", pattern)
	}
}

func (g *Generator) shuffled(ids []string) []string {
	out := copyIDs(ids)
	g.mu.Lock()
	g.rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	g.mu.Unlock()
	return out
}

func (g *Generator) intn(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Intn(n)
}

func (g *Generator) float64() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Float64()
}

func copyIDs(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}
