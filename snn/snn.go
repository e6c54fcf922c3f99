// Package snn turns a principal-component embedding into a weighted
// shared-nearest-neighbor graph over cells. Each cell's k nearest neighbors
// are found in the leading embedding components (exactly, or approximately
// via a small-world index), and two cells are joined by an edge weighted
// with the Jaccard overlap of their neighbor sets. The overlap weighting
// makes the downstream community structure robust to the exact k.
package snn

import (
	"context"
	"runtime"
	"sort"

	"github.com/grailbio/base/traverse"
	"github.com/grailbio/scrna/pca"
	"github.com/grailbio/scrna/scerr"
)

const snnStage = "neighbors"

// Method selects the nearest-neighbor search backend.
type Method int

const (
	// Auto uses exhaustive search for small inputs and the small-world
	// index above bruteCutoff cells.
	Auto Method = iota
	// Brute is exact exhaustive search.
	Brute
	// KDTree is exact spatial-index search.
	KDTree
	// HNSW is approximate small-world search.
	HNSW
)

func (m Method) String() string {
	switch m {
	case Auto:
		return "auto"
	case Brute:
		return "brute"
	case KDTree:
		return "kdtree"
	case HNSW:
		return "hnsw"
	}
	return "unknown"
}

const bruteCutoff = 2048

// Opts controls neighbor search and graph construction.
type Opts struct {
	// K is the number of nearest neighbors per cell, the cell itself
	// excluded.
	K int
	// Components restricts the search to the leading embedding
	// components; 0 or anything above the embedding width means all.
	Components int
	// Method selects the search backend.
	Method Method
	// Prune drops shared-neighbor edges with weight below this value.
	Prune float64
	// M, EFConstruction and EFSearch tune the small-world index.
	M              int
	EFConstruction int
	EFSearch       int
	// Seed drives small-world level generation.
	Seed int64
	// Parallelism caps concurrent workers; 0 means all CPUs.
	Parallelism int
}

// DefaultOpts is the default value of Opts.
var DefaultOpts = Opts{
	K:              20,
	Components:     10,
	Method:         Auto,
	Prune:          1.0 / 15,
	M:              16,
	EFConstruction: 200,
	EFSearch:       64,
}

func (o Opts) parallelism() int {
	if o.Parallelism <= 0 {
		return runtime.NumCPU()
	}
	return o.Parallelism
}

// KNN returns each cell's k nearest neighbors in the restricted embedding,
// sorted by ascending (distance, index). Exposed separately from Build so
// approximate backends can be validated against the exact ones.
func KNN(ctx context.Context, emb *pca.Embedding, opts Opts) ([][]int32, error) {
	n := len(emb.Cells)
	if opts.K <= 0 {
		return nil, scerr.E(scerr.InvalidInput, snnStage, "neighbor count must be positive, got %d", opts.K)
	}
	if opts.K >= n {
		return nil, scerr.E(scerr.InvalidInput, snnStage,
			"neighbor count k=%d must be below cell count %d", opts.K, n)
	}
	d := emb.Components
	if opts.Components > 0 && opts.Components < d {
		d = opts.Components
	}
	pts := emb.Scores
	if d != emb.Components {
		pts = make([]float64, n*d)
		for r := 0; r < n; r++ {
			copy(pts[r*d:(r+1)*d], emb.Score(r)[:d])
		}
	}
	method := opts.Method
	if method == Auto {
		if n <= bruteCutoff {
			method = Brute
		} else {
			method = HNSW
		}
	}
	parallelism := opts.parallelism()
	switch method {
	case Brute:
		return bruteKNN(ctx, pts, n, d, opts.K, parallelism)
	case KDTree:
		return kdtreeKNN(ctx, pts, n, d, opts.K, parallelism)
	case HNSW:
		return hnswKNN(ctx, pts, n, d, opts.K, opts, parallelism)
	}
	return nil, scerr.E(scerr.InvalidInput, snnStage, "unknown search method %d", opts.Method)
}

// Build runs KNN and refines the directed neighbor relation into the
// undirected shared-neighbor graph: cells i and j are joined when the
// Jaccard overlap of their (neighbors ∪ self) sets reaches opts.Prune. The
// overlap is counted for every pair sharing at least one set member, not
// just pairs adjacent in the k-NN relation.
func Build(ctx context.Context, emb *pca.Embedding, opts Opts) (*Graph, error) {
	knn, err := KNN(ctx, emb, opts)
	if err != nil {
		return nil, err
	}
	return buildSNN(ctx, emb.Cells, knn, opts)
}

func buildSNN(ctx context.Context, cells []string, knn [][]int32, opts Opts) (*Graph, error) {
	n := len(cells)
	sets := make([][]int32, n)
	inv := make([][]int32, n)
	for i, row := range knn {
		set := make([]int32, 0, len(row)+1)
		set = append(set, row...)
		set = append(set, int32(i))
		sort.Slice(set, func(a, b int) bool { return set[a] < set[b] })
		sets[i] = set
	}
	for i, set := range sets {
		for _, c := range set {
			inv[c] = append(inv[c], int32(i))
		}
	}
	prune := opts.Prune
	if prune < 0 {
		prune = 0
	}

	parallelism := opts.parallelism()
	perJob := make([][]Edge, parallelism)
	err := traverse.Each(parallelism, func(job int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		startCell := (job * n) / parallelism
		limitCell := ((job + 1) * n) / parallelism
		counts := make([]int32, n)
		touched := make([]int32, 0, 256)
		var edges []Edge
		for i := startCell; i < limitCell; i++ {
			touched = touched[:0]
			for _, c := range sets[i] {
				for _, j := range inv[c] {
					if int(j) <= i {
						continue
					}
					if counts[j] == 0 {
						touched = append(touched, j)
					}
					counts[j]++
				}
			}
			sort.Slice(touched, func(a, b int) bool { return touched[a] < touched[b] })
			for _, j := range touched {
				shared := counts[j]
				counts[j] = 0
				union := len(sets[i]) + len(sets[j]) - int(shared)
				w := float64(shared) / float64(union)
				if w >= prune {
					edges = append(edges, Edge{U: int32(i), V: j, W: w})
				}
			}
		}
		perJob[job] = edges
		return nil
	})
	if err != nil {
		return nil, err
	}
	var all []Edge
	for _, edges := range perJob {
		all = append(all, edges...)
	}
	return NewGraph(cells, all), nil
}
