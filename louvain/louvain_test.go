package louvain

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/grailbio/scrna/scerr"
	"github.com/grailbio/scrna/snn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func namedCells(n int) []string {
	cells := make([]string, n)
	for i := range cells {
		cells[i] = fmt.Sprintf("c%03d", i)
	}
	return cells
}

// clique appends all within-group edges of weight w for vertices
// [start, start+size).
func clique(edges []snn.Edge, start, size int, w float64) []snn.Edge {
	for i := 0; i < size; i++ {
		for j := i + 1; j < size; j++ {
			edges = append(edges, snn.Edge{U: int32(start + i), V: int32(start + j), W: w})
		}
	}
	return edges
}

// twoCliqueGraph is two 5-cliques joined by one weak edge.
func twoCliqueGraph() *snn.Graph {
	var edges []snn.Edge
	edges = clique(edges, 0, 5, 1)
	edges = clique(edges, 5, 5, 1)
	edges = append(edges, snn.Edge{U: 4, V: 5, W: 0.1})
	return snn.NewGraph(namedCells(10), edges)
}

func TestClusterTwoCliques(t *testing.T) {
	g := twoCliqueGraph()
	for _, seed := range []int64{0, 1, 7} {
		opts := DefaultOpts
		opts.Seed = seed
		res, err := Cluster(context.Background(), g, opts)
		require.NoError(t, err)
		assert.Equal(t, 2, res.NumClusters, "seed %d", seed)
		for i := 0; i < 5; i++ {
			assert.Equal(t, int32(0), res.Labels[i], "seed %d cell %d", seed, i)
		}
		for i := 5; i < 10; i++ {
			assert.Equal(t, int32(1), res.Labels[i], "seed %d cell %d", seed, i)
		}
		assert.Greater(t, res.Modularity, 0.0)
	}
}

func TestClusterResolution(t *testing.T) {
	g := twoCliqueGraph()

	// High resolution forbids any merge: all singletons.
	opts := DefaultOpts
	opts.Resolution = 20
	res, err := Cluster(context.Background(), g, opts)
	require.NoError(t, err)
	assert.Equal(t, 10, res.NumClusters)

	// Very low resolution merges everything across the weak bridge.
	opts.Resolution = 0.001
	res, err = Cluster(context.Background(), g, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.NumClusters)
}

func TestClusterLabelsOrderedBySize(t *testing.T) {
	// A 3-clique holding cell 0 and a larger 7-clique: the big cluster
	// takes label 0 despite not containing the first cell.
	var edges []snn.Edge
	edges = clique(edges, 0, 3, 1)
	edges = clique(edges, 3, 7, 1)
	res, err := Cluster(context.Background(), snn.NewGraph(namedCells(10), edges), DefaultOpts)
	require.NoError(t, err)
	require.Equal(t, 2, res.NumClusters)
	assert.Equal(t, []int{7, 3}, res.Sizes())
	for i := 0; i < 3; i++ {
		assert.Equal(t, int32(1), res.Labels[i])
	}
	for i := 3; i < 10; i++ {
		assert.Equal(t, int32(0), res.Labels[i])
	}
}

func TestClusterSeedDeterminism(t *testing.T) {
	// A noisy random graph where the optimum is not forced: identical
	// seeds must still give identical partitions.
	rng := rand.New(rand.NewSource(99))
	var edges []snn.Edge
	edges = clique(edges, 0, 20, 1)
	edges = clique(edges, 20, 20, 1)
	edges = clique(edges, 40, 20, 1)
	for i := 0; i < 40; i++ {
		u := int32(rng.Intn(60))
		v := int32(rng.Intn(60))
		if u == v {
			continue
		}
		if u > v {
			u, v = v, u
		}
		edges = append(edges, snn.Edge{U: u, V: v, W: 0.05 + 0.1*rng.Float64()})
	}
	// NewGraph requires unique edges; drop duplicates.
	seen := map[[2]int32]bool{}
	uniq := edges[:0]
	for _, e := range edges {
		key := [2]int32{e.U, e.V}
		if seen[key] {
			continue
		}
		seen[key] = true
		uniq = append(uniq, e)
	}
	g := snn.NewGraph(namedCells(60), uniq)

	opts := DefaultOpts
	opts.Seed = 5
	a, err := Cluster(context.Background(), g, opts)
	require.NoError(t, err)
	b, err := Cluster(context.Background(), g, opts)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// Any valid result is dense with non-increasing sizes.
	sizes := a.Sizes()
	total := 0
	for i, s := range sizes {
		total += s
		require.Greater(t, s, 0)
		if i > 0 {
			assert.GreaterOrEqual(t, sizes[i-1], s)
		}
	}
	assert.Equal(t, 60, total)
}

func TestClusterErrors(t *testing.T) {
	g := snn.NewGraph(namedCells(3), nil)
	_, err := Cluster(context.Background(), g, DefaultOpts)
	require.Error(t, err)
	assert.True(t, scerr.IsKind(err, scerr.InvalidInput))

	opts := DefaultOpts
	opts.Resolution = 0
	_, err = Cluster(context.Background(), twoCliqueGraph(), opts)
	assert.True(t, scerr.IsKind(err, scerr.InvalidInput))
}

func TestClusterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Cluster(ctx, twoCliqueGraph(), DefaultOpts)
	assert.ErrorIs(t, err, context.Canceled)
}
