package expr

import (
	"context"
	"testing"

	"github.com/grailbio/scrna/scerr"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

// ladderMatrix builds 60 cells over 21 genes: 20 "quiet" genes whose means
// form a ladder with small deterministic jitter, plus one bimodal gene with
// variance far above the trend at its mean.
func ladderMatrix(t testing.TB) *Matrix {
	const nCells = 60
	cells := namedSeq("c", nCells)
	genes := append(namedSeq("quiet", 20), "hot")
	dense := make([][]float64, nCells)
	for r := 0; r < nCells; r++ {
		row := make([]float64, 21)
		for j := 0; j < 20; j++ {
			row[j] = 0.2 + 0.2*float64(j) + 0.01*float64(r%5)
		}
		if r%2 == 1 {
			row[20] = 20
		}
		dense[r] = row
	}
	return newTestMatrix(t, cells, genes, dense)
}

func TestSelectFeaturesFindsVariableGene(t *testing.T) {
	ctx := context.Background()
	norm, err := Normalize(ctx, ladderMatrix(t), DefaultOpts)
	assert.NoError(t, err)

	opts := DefaultOpts
	opts.TargetFeatures = 5
	sel, err := SelectFeatures(ctx, norm, opts)
	assert.NoError(t, err)
	assert.EQ(t, len(sel.Genes), 5)
	expect.False(t, sel.UnderTarget)
	expect.EQ(t, sel.Genes[0], "hot")
	expect.True(t, sel.Score[0] > 1)
	for i, g := range sel.Genes {
		idx, ok := norm.GeneIndex(g)
		assert.True(t, ok, "gene %s not in matrix", g)
		assert.EQ(t, sel.Index[i], idx)
		if i > 0 {
			expect.True(t, sel.Score[i] <= sel.Score[i-1])
		}
	}

	// Same input, same result.
	again, err := SelectFeatures(ctx, norm, opts)
	assert.NoError(t, err)
	assert.EQ(t, again, sel)
}

func TestSelectFeaturesUnderTarget(t *testing.T) {
	ctx := context.Background()
	norm, err := Normalize(ctx, ladderMatrix(t), DefaultOpts)
	assert.NoError(t, err)

	opts := DefaultOpts
	opts.TargetFeatures = 100
	sel, err := SelectFeatures(ctx, norm, opts)
	assert.NoError(t, err)
	expect.True(t, sel.UnderTarget)
	expect.EQ(t, len(sel.Genes), norm.NumGenes())
}

func TestSelectFeaturesBadOpts(t *testing.T) {
	norm := newTestMatrix(t, []string{"c0"}, []string{"g0"}, [][]float64{{1}})
	opts := DefaultOpts
	opts.TargetFeatures = 0
	_, err := SelectFeatures(context.Background(), norm, opts)
	assert.True(t, scerr.IsKind(err, scerr.InvalidInput))

	opts = DefaultOpts
	opts.LoessSpan = 1.5
	_, err = SelectFeatures(context.Background(), norm, opts)
	assert.True(t, scerr.IsKind(err, scerr.InvalidInput))
}
