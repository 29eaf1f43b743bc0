package stealth

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("w%02d", i)
	}
	return out
}

func TestApply_SequentialKeepsOrder(t *testing.T) {
	g := NewGenerator(rand.NewSource(1))
	in := ids(8)
	out, err := g.Apply(PatternSequential, in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestApply_BurstKeepsOrder(t *testing.T) {
	g := NewGenerator(rand.NewSource(1))
	in := ids(8)
	out, err := g.Apply(PatternBurst, in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestApply_RandomIsPermutation(t *testing.T) {
	g := NewGenerator(rand.NewSource(42))
	in := ids(20)
	out, err := g.Apply(PatternRandom, in)
	require.NoError(t, err)
	require.Len(t, out, len(in))

	sortedIn := append([]string(nil), in...)
	sortedOut := append([]string(nil), out...)
	sort.Strings(sortedIn)
	sort.Strings(sortedOut)
	assert.Equal(t, sortedIn, sortedOut)

	// The input slice itself is untouched.
	assert.Equal(t, ids(20), in)
}

func TestApply_RandomReproducibleWithSameSeed(t *testing.T) {
	a, err := NewGenerator(rand.NewSource(7)).Apply(PatternRandom, ids(20))
	require.NoError(t, err)
	b, err := NewGenerator(rand.NewSource(7)).Apply(PatternRandom, ids(20))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestClusters_OrganicSizes(t *testing.T) {
	g := NewGenerator(rand.NewSource(99))
	in := ids(23)
	clusters, err := g.Clusters(PatternOrganic, in)
	require.NoError(t, err)
	require.NotEmpty(t, clusters)

	total := 0
	for i, c := range clusters {
		total += len(c)
		if i < len(clusters)-1 {
			assert.GreaterOrEqual(t, len(c), 2)
			assert.LessOrEqual(t, len(c), 4)
		} else {
			// Tail cluster absorbs the remainder.
			assert.GreaterOrEqual(t, len(c), 1)
			assert.LessOrEqual(t, len(c), 4)
		}
	}
	assert.Equal(t, len(in), total)
}

func TestClusters_OrganicFlattensToApply(t *testing.T) {
	in := ids(15)
	clusters, err := NewGenerator(rand.NewSource(3)).Clusters(PatternOrganic, in)
	require.NoError(t, err)
	applied, err := NewGenerator(rand.NewSource(3)).Apply(PatternOrganic, in)
	require.NoError(t, err)

	var flat []string
	for _, c := range clusters {
		flat = append(flat, c...)
	}
	assert.Equal(t, applied, flat)
}

func TestClusters_SingleClusterForNonOrganic(t *testing.T) {
	g := NewGenerator(rand.NewSource(5))
	for _, p := range []Pattern{PatternSequential, PatternRandom, PatternBurst} {
		clusters, err := g.Clusters(p, ids(6))
		require.NoError(t, err)
		assert.Len(t, clusters, 1, string(p))
		assert.Len(t, clusters[0], 6, string(p))
	}
}

func TestApply_UnknownPattern(t *testing.T) {
	_, err := NewGenerator(rand.NewSource(1)).Apply("zigzag", ids(3))
	assert.Error(t, err)
}

func TestApply_EmptyInput(t *testing.T) {
	out, err := NewGenerator(rand.NewSource(1)).Apply(PatternOrganic, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestParsePattern(t *testing.T) {
	p, err := ParsePattern("organic")
	require.NoError(t, err)
	assert.Equal(t, PatternOrganic, p)

	_, err = ParsePattern("steady")
	assert.Error(t, err)
}

func TestIntensityMultiplier(t *testing.T) {
	assert.Equal(t, 0.5, IntensityLow.Multiplier())
	assert.Equal(t, 1.0, IntensityMedium.Multiplier())
	assert.Equal(t, 1.5, IntensityHigh.Multiplier())
	assert.Equal(t, 1.0, Intensity("").Multiplier())
}
