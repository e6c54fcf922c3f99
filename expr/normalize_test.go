package expr

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/grailbio/scrna/scerr"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestNormalizeReconstructsCounts(t *testing.T) {
	raw := newTestMatrix(t,
		[]string{"c0", "c1", "c2"},
		[]string{"g0", "g1", "g2", "g3"},
		[][]float64{
			{5, 0, 3, 0},
			{0, 2, 0, 2},
			{1, 1, 1, 7},
		})
	opts := DefaultOpts
	norm, err := Normalize(context.Background(), raw, opts)
	assert.NoError(t, err)

	totals := raw.CellTotals()
	for r := 0; r < raw.NumCells(); r++ {
		rawGenes, rawVals := raw.Row(r)
		normGenes, normVals := norm.Row(r)
		assert.EQ(t, normGenes, rawGenes)
		for i, v := range normVals {
			back := math.Expm1(v) * totals[r] / opts.ScaleFactor
			if math.Abs(back-rawVals[i]) > 1e-9*rawVals[i] {
				t.Errorf("cell %d gene %d: reconstructed %v, want %v", r, rawGenes[i], back, rawVals[i])
			}
		}
	}
	// The input is untouched.
	_, vals := raw.Row(0)
	expect.EQ(t, vals, []float64{5, 3})
}

func TestNormalizeZeroCountCell(t *testing.T) {
	raw := newTestMatrix(t,
		[]string{"c0", "EMPTY-1", "c2"},
		[]string{"g0", "g1"},
		[][]float64{
			{1, 0},
			{0, 0},
			{0, 2},
		})
	_, err := Normalize(context.Background(), raw, DefaultOpts)
	assert.NotNil(t, err)
	assert.True(t, scerr.IsKind(err, scerr.InvalidInput))
	assert.HasSubstr(t, err.Error(), "EMPTY-1")
}

func TestNormalizeBadScaleFactor(t *testing.T) {
	raw := newTestMatrix(t, []string{"c0"}, []string{"g0"}, [][]float64{{1}})
	opts := DefaultOpts
	opts.ScaleFactor = 0
	_, err := Normalize(context.Background(), raw, opts)
	assert.True(t, scerr.IsKind(err, scerr.InvalidInput))
}

func TestNormalizeCancel(t *testing.T) {
	raw := newTestMatrix(t, []string{"c0"}, []string{"g0"}, [][]float64{{1}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Normalize(ctx, raw, DefaultOpts)
	assert.True(t, errors.Is(err, context.Canceled))
}
