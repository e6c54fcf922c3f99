package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"testing"

	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/louvain"
	"github.com/grailbio/scrna/pca"
	"github.com/grailbio/scrna/scerr"
	"github.com/grailbio/scrna/snn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blobMatrix builds a raw count matrix of len(sizes) well-separated cell
// populations. Each population expresses its own block of sigSpan signature
// genes at high counts; the remaining genes carry sparse background noise,
// and the last gene keeps every cell's total positive.
func blobMatrix(t *testing.T, sizes []int, nGenes, sigSpan int) *expr.Matrix {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	var (
		cells  []string
		rowPtr = []int64{0}
		colIdx []int32
		val    []float64
	)
	for b, n := range sizes {
		lo, hi := b*sigSpan, (b+1)*sigSpan
		for i := 0; i < n; i++ {
			cells = append(cells, fmt.Sprintf("blob%d-%d", b, i))
			for g := 0; g < nGenes; g++ {
				var count float64
				switch {
				case g >= lo && g < hi:
					count = float64(5 + rng.Intn(4))
				case g == nGenes-1:
					count = float64(1 + rng.Intn(2))
				case rng.Float64() < 0.05:
					count = 1
				}
				if count > 0 {
					colIdx = append(colIdx, int32(g))
					val = append(val, count)
				}
			}
			rowPtr = append(rowPtr, int64(len(val)))
		}
	}
	genes := make([]string, nGenes)
	for g := range genes {
		genes[g] = fmt.Sprintf("g%03d", g)
	}
	m, err := expr.New(cells, genes, rowPtr, colIdx, val)
	require.NoError(t, err)
	return m
}

func TestRunThreeBlobs(t *testing.T) {
	// Three well-separated populations over 200 cells and 500 genes must
	// come back as exactly three clusters whose top markers are their own
	// signature genes at small adjusted p-values.
	sizes := []int{70, 65, 65}
	m := blobMatrix(t, sizes, 500, 150)
	opts := DefaultOpts
	opts.TargetFeatures = 450
	opts.Seed = 42

	res, err := Run(context.Background(), m, opts)
	require.NoError(t, err)
	require.Equal(t, 3, res.Clusters.NumClusters)
	assert.Equal(t, []int{70, 65, 65}, res.Clusters.Sizes())

	// Size-ordered relabeling puts blob 0 first; the equal-sized blobs tie
	// and resolve by their first cell's row.
	row := 0
	for blob, n := range sizes {
		for i := 0; i < n; i++ {
			assert.Equal(t, int32(blob), res.Clusters.Labels[row], "cell %d", row)
			row++
		}
	}

	require.Len(t, res.Markers, 3)
	for _, tb := range res.Markers {
		require.NotEmpty(t, tb.Markers, "cluster %d", tb.Cluster)
		top := tb.Markers[0]
		assert.Less(t, top.PAdj, 0.01, "cluster %d", tb.Cluster)
		assert.Greater(t, top.Log2FC, 0.0)
		assert.Greater(t, top.PctIn, 0.9)
		assert.Less(t, top.PctOut, 0.3)
		g, err := strconv.Atoi(strings.TrimPrefix(top.Gene, "g"))
		require.NoError(t, err)
		lo := int(tb.Cluster) * 150
		assert.True(t, g >= lo && g < lo+150, "cluster %d top marker %s", tb.Cluster, top.Gene)
	}

	// The whole chain is deterministic for a fixed seed.
	again, err := Run(context.Background(), m, opts)
	require.NoError(t, err)
	assert.Equal(t, res.Clusters.Labels, again.Clusters.Labels)
	assert.Equal(t, res.Markers, again.Markers)
	assert.Equal(t, res.Warnings, again.Warnings)
}

func TestRunCacheReuse(t *testing.T) {
	m := blobMatrix(t, []int{25, 20, 15}, 120, 30)
	opts := DefaultOpts
	opts.TargetFeatures = 90
	opts.Rank = 20
	opts.NeighborK = 10

	p := New(opts)
	first, err := p.Run(context.Background(), m)
	require.NoError(t, err)
	s := p.Stats()
	for _, stage := range []string{"normalize", "select", "scale", "pca", "snn", "cluster", "markers"} {
		assert.Equal(t, 1, s.Runs[stage], stage)
		assert.Equal(t, 0, s.Hits[stage], stage)
	}

	// An identical Run is served entirely from cache, down to pointer
	// identity of the artifacts.
	second, err := p.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Same(t, first.Normalized, second.Normalized)
	assert.Same(t, first.Embedding, second.Embedding)
	assert.Same(t, first.Graph, second.Graph)
	assert.Same(t, first.Clusters, second.Clusters)
	s = p.Stats()
	for _, stage := range []string{"normalize", "select", "scale", "pca", "snn", "cluster", "markers"} {
		assert.Equal(t, 1, s.Runs[stage], stage)
		assert.Equal(t, 1, s.Hits[stage], stage)
	}

	// Changing only the resolution recomputes clustering and markers while
	// reusing everything upstream.
	opts.Resolution = 1.2
	p.SetOpts(opts)
	third, err := p.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Same(t, first.Graph, third.Graph)
	s = p.Stats()
	assert.Equal(t, 1, s.Runs["snn"])
	assert.Equal(t, 2, s.Hits["snn"])
	assert.Equal(t, 2, s.Runs["cluster"])
	assert.Equal(t, 2, s.Runs["markers"])
}

func TestRunSingletonFallback(t *testing.T) {
	m := blobMatrix(t, []int{6, 6}, 40, 15)
	opts := DefaultOpts
	opts.TargetFeatures = 30
	opts.Rank = 5
	opts.NeighborK = 3
	opts.PruneThreshold = 2 // nothing survives pruning

	res, err := Run(context.Background(), m, opts)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Graph.NumEdges())
	assert.Equal(t, 12, res.Clusters.NumClusters)
	for i, l := range res.Clusters.Labels {
		assert.Equal(t, int32(i), l)
	}
	assert.Nil(t, res.Markers)
	assert.Contains(t, strings.Join(res.Warnings, "\n"), "no edges")
}

func TestRunPropagatesStageErrors(t *testing.T) {
	// A cell with no counts at all fails normalization.
	cells := []string{"ok-1", "empty-1"}
	genes := []string{"g0", "g1"}
	m, err := expr.New(cells, genes, []int64{0, 2, 2}, []int32{0, 1}, []float64{3, 4})
	require.NoError(t, err)

	res, err := Run(context.Background(), m, DefaultOpts)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, scerr.IsKind(err, scerr.InvalidInput))
	assert.Contains(t, err.Error(), "empty-1")
}

func TestRunCancel(t *testing.T) {
	m := blobMatrix(t, []int{8, 8}, 40, 15)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := DefaultOpts
	opts.TargetFeatures = 30
	opts.Rank = 5
	opts.NeighborK = 3
	_, err := Run(ctx, m, opts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClusterCells(t *testing.T) {
	// Two clumps of coordinates far apart; ClusterCells should find the
	// two communities without the rest of the chain.
	var (
		cells  []string
		scores []float64
	)
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 12; i++ {
		cells = append(cells, fmt.Sprintf("c%d", i))
		base := 0.0
		if i >= 6 {
			base = 50
		}
		scores = append(scores, base+rng.Float64(), base+rng.Float64())
	}
	emb := &pca.Embedding{Cells: cells, Components: 2, Scores: scores}

	sopts := snn.DefaultOpts
	sopts.K = 4
	sopts.Components = 2
	g, cl, err := ClusterCells(context.Background(), emb, sopts, louvain.DefaultOpts)
	require.NoError(t, err)
	assert.Greater(t, g.NumEdges(), 0)
	require.Equal(t, 2, cl.NumClusters)
	for i := 0; i < 6; i++ {
		assert.Equal(t, cl.Labels[0], cl.Labels[i])
		assert.NotEqual(t, cl.Labels[0], cl.Labels[6+i])
	}

	// With an impossible prune threshold the graph is edgeless and every
	// cell becomes its own cluster.
	sopts.Prune = 2
	g, cl, err = ClusterCells(context.Background(), emb, sopts, louvain.DefaultOpts)
	require.NoError(t, err)
	assert.Equal(t, 0, g.NumEdges())
	assert.Equal(t, 12, cl.NumClusters)
}
