package snn

import (
	"context"
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

// twoClumpPoints places two tight groups of six cells far apart. With k=3
// every neighbor set stays inside its own group.
func twoClumpPoints() [][]float64 {
	base := [][]float64{
		{0, 0}, {0.1, 0}, {0, 0.1}, {0.1, 0.1}, {0.05, 0}, {0, 0.05},
	}
	pts := make([][]float64, 0, 12)
	for _, p := range base {
		pts = append(pts, []float64{p[0], p[1]})
	}
	for _, p := range base {
		pts = append(pts, []float64{p[0] + 100, p[1] + 100})
	}
	return pts
}

func TestBuildTwoClumps(t *testing.T) {
	emb := embFromPoints(twoClumpPoints())
	opts := DefaultOpts
	opts.K = 3
	opts.Method = Brute
	g, err := Build(context.Background(), emb, opts)
	assert.NoError(t, err)
	assert.EQ(t, g.NumVertices(), 12)
	expect.True(t, g.NumEdges() > 0)

	for v := 0; v < 12; v++ {
		neighbors, weights := g.Neighbors(v)
		expect.True(t, len(neighbors) > 0, "vertex %d is isolated", v)
		for i, u := range neighbors {
			// No edge crosses between the clumps.
			expect.EQ(t, int(u)/6, v/6, "edge %d-%d crosses clumps", v, u)
			expect.True(t, weights[i] > 0 && weights[i] <= 1,
				"edge %d-%d weight %v out of range", v, u, weights[i])
		}
	}

	// Same input, same graph.
	again, err := Build(context.Background(), emb, opts)
	assert.NoError(t, err)
	assert.EQ(t, again.NumEdges(), g.NumEdges())
	expect.EQ(t, again.TotalWeight(), g.TotalWeight())
	for v := 0; v < 12; v++ {
		gotIdx, gotW := again.Neighbors(v)
		wantIdx, wantW := g.Neighbors(v)
		expect.EQ(t, gotIdx, wantIdx, "vertex %d", v)
		expect.EQ(t, gotW, wantW, "vertex %d", v)
	}
}

func TestBuildJaccardWeights(t *testing.T) {
	// Four coincident points: with k=2 the sets are {0,1,2} for cells 0-2
	// and {0,1,3} for cell 3. Cells 0-2 pairwise share everything (weight
	// 1); pairs with cell 3 share 2 of 4 (weight 0.5).
	emb := embFromPoints([][]float64{{0, 0}, {0, 0}, {0, 0}, {0, 0}})
	opts := DefaultOpts
	opts.K = 2
	opts.Method = Brute
	opts.Prune = 0.6
	g, err := Build(context.Background(), emb, opts)
	assert.NoError(t, err)
	assert.EQ(t, g.NumEdges(), 3)
	expect.EQ(t, g.TotalWeight(), 3.0)
	expect.EQ(t, g.Degree(3), 0.0)

	// Lower prune keeps the 0.5 overlaps with cell 3 as well.
	opts.Prune = 0.5
	g, err = Build(context.Background(), emb, opts)
	assert.NoError(t, err)
	assert.EQ(t, g.NumEdges(), 6)
	neighbors, weights := g.Neighbors(3)
	expect.EQ(t, neighbors, []int32{0, 1, 2})
	expect.EQ(t, weights, []float64{0.5, 0.5, 0.5})
}

func TestBuildFullPruneYieldsEmptyGraph(t *testing.T) {
	emb := embFromPoints(gaussPoints(10, 3, 4))
	opts := DefaultOpts
	opts.K = 3
	opts.Method = Brute
	opts.Prune = 2 // nothing can reach this
	g, err := Build(context.Background(), emb, opts)
	assert.NoError(t, err)
	expect.EQ(t, g.NumEdges(), 0)
	expect.EQ(t, g.TotalWeight(), 0.0)
}

func TestNewGraphAccessors(t *testing.T) {
	g := NewGraph([]string{"a", "b", "c"}, []Edge{
		{U: 1, V: 2, W: 0.25},
		{U: 0, V: 1, W: 0.5},
	})
	assert.EQ(t, g.NumVertices(), 3)
	assert.EQ(t, g.NumEdges(), 2)
	expect.EQ(t, g.TotalWeight(), 0.75)
	neighbors, weights := g.Neighbors(1)
	expect.EQ(t, neighbors, []int32{0, 2})
	expect.EQ(t, weights, []float64{0.5, 0.25})
	expect.EQ(t, g.Degree(1), 0.75)
	expect.EQ(t, g.Cells()[2], "c")
}
