package tuning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoldenSectionFindsInteriorMinimum(t *testing.T) {
	const target = 0.0042
	evals := 0
	eval := func(ctx context.Context, c float64) (*float64, error) {
		evals++
		v := (c - target) * (c - target)
		return &v, nil
	}

	res, err := GoldenSectionSearch(context.Background(), GoldenOptions{Min: 0, Max: 0.02, Step: 0.0001}, eval)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.InDelta(t, target, res.BestCoef, 0.0002)
	assert.Less(t, evals, 60, "golden section should need far fewer probes than the full grid")
}

func TestGoldenSectionBoundaryMinimum(t *testing.T) {
	eval := func(ctx context.Context, c float64) (*float64, error) {
		v := c // minimized at the lower bound
		return &v, nil
	}
	res, err := GoldenSectionSearch(context.Background(), GoldenOptions{Min: 0, Max: 0.02, Step: 0.0001}, eval)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.InDelta(t, 0.0, res.BestCoef, 1e-9)
}

func TestGoldenSectionNoData(t *testing.T) {
	eval := func(ctx context.Context, c float64) (*float64, error) {
		return nil, nil
	}
	res, err := GoldenSectionSearch(context.Background(), GoldenOptions{Min: 0, Max: 0.02, Step: 0.0001}, eval)
	require.NoError(t, err)
	assert.False(t, res.OK)
}

func TestGoldenSectionEvaluatesEachPointOnce(t *testing.T) {
	seen := map[float64]int{}
	eval := func(ctx context.Context, c float64) (*float64, error) {
		seen[c]++
		v := (c - 0.01) * (c - 0.01)
		return &v, nil
	}
	_, err := GoldenSectionSearch(context.Background(), GoldenOptions{Min: 0, Max: 0.02, Step: 0.0001}, eval)
	require.NoError(t, err)
	for c, n := range seen {
		assert.Equalf(t, 1, n, "coefficient %.4f evaluated %d times", c, n)
	}
}
