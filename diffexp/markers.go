// Package diffexp finds marker genes that distinguish one cluster of cells
// from the rest of a dataset. Genes are compared with the Wilcoxon rank-sum
// test on normalized expression, filtered by detection rate, annotated with
// log2 fold-changes of the un-logged means, and Bonferroni-corrected over the
// genes actually tested for the same cluster.
//
// Ranking pools all cells once per gene, and a two-group comparison only
// re-weights that pooled ranking, so testing every cluster of a partition
// costs little more than testing one.
package diffexp

import (
	"context"
	"math"
	"runtime"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/scerr"
)

const markersStage = "markers"

// Opts controls marker detection.
type Opts struct {
	// MinPct drops genes detected in fewer than this fraction of cells in
	// both the cluster and the rest. Dropped genes are not counted in the
	// multiple-testing correction.
	MinPct float64
	// Pseudocount is added to both un-logged group means before taking the
	// fold-change ratio. It must be positive so that genes absent from one
	// group keep a finite fold-change.
	Pseudocount float64
	// ExactLimit switches the p-value to the exact U distribution when the
	// pooled sample has fewer than ExactLimit observations and no ties.
	// Zero or negative disables the exact path.
	ExactLimit int
	// OnlyPositive drops genes whose fold-change does not favor the cluster.
	OnlyPositive bool
	// Parallelism bounds concurrent workers. <=0 means GOMAXPROCS.
	Parallelism int
}

// DefaultOpts is the baseline marker configuration.
var DefaultOpts = Opts{
	MinPct:      0.1,
	Pseudocount: 1,
	ExactLimit:  50,
}

func (o *Opts) parallelism() int {
	if o.Parallelism > 0 {
		return o.Parallelism
	}
	return runtime.NumCPU()
}

// Marker is one gene's test result for one cluster.
type Marker struct {
	Gene   string
	Log2FC float64 // log2 fold-change of un-logged means, cluster over rest
	PctIn  float64 // fraction of cluster cells detecting the gene
	PctOut float64 // fraction of remaining cells detecting the gene
	P      float64 // two-sided Wilcoxon rank-sum p-value
	PAdj   float64 // Bonferroni-adjusted p-value, capped at 1
}

// Table holds the ranked markers of a single cluster, most significant first.
// Ties in adjusted p-value are broken by descending fold-change, then by gene
// identifier.
type Table struct {
	Cluster int32
	Tested  int // genes that passed the detection filter
	Markers []Marker
}

// Top returns the first n markers, or all of them if fewer exist.
func (t *Table) Top(n int) []Marker {
	if n > len(t.Markers) {
		n = len(t.Markers)
	}
	return t.Markers[:n]
}

// FindMarkers tests every sufficiently detected gene for differential
// expression between the given cluster and all remaining cells. labels
// assigns each cell of norm to a cluster; the cluster must be non-empty and
// must not contain every cell.
func FindMarkers(ctx context.Context, norm *expr.Matrix, labels []int32, cluster int32, opts Opts) (*Table, error) {
	members, err := membership(norm, labels)
	if err != nil {
		return nil, err
	}
	if cluster < 0 || int(cluster) >= len(members) || members[cluster].IsEmpty() {
		return nil, scerr.E(scerr.InvalidInput, markersStage, "cluster %d has no cells", cluster)
	}
	if members[cluster].GetCardinality() == uint64(norm.NumCells()) {
		return nil, scerr.E(scerr.InvalidInput, markersStage, "cluster %d contains every cell", cluster)
	}
	tables, err := findMarkers(ctx, norm, labels, members, []int32{cluster}, opts)
	if err != nil {
		return nil, err
	}
	return tables[0], nil
}

// FindAllMarkers runs FindMarkers for every cluster present in labels and
// returns the tables ordered by cluster id. The pooled per-gene ranking is
// shared across clusters. At least two clusters must be present.
func FindAllMarkers(ctx context.Context, norm *expr.Matrix, labels []int32, opts Opts) ([]*Table, error) {
	members, err := membership(norm, labels)
	if err != nil {
		return nil, err
	}
	targets := make([]int32, 0, len(members))
	for c, set := range members {
		if !set.IsEmpty() {
			targets = append(targets, int32(c))
		}
	}
	if len(targets) < 2 {
		return nil, scerr.E(scerr.InvalidInput, markersStage, "marker detection needs at least two clusters, got %d", len(targets))
	}
	return findMarkers(ctx, norm, labels, members, targets, opts)
}

// membership builds one posting bitmap of cell rows per cluster id and
// validates labels against the matrix.
func membership(norm *expr.Matrix, labels []int32) ([]*roaring.Bitmap, error) {
	if len(labels) != norm.NumCells() {
		return nil, scerr.E(scerr.DimensionError, markersStage,
			"label vector covers %d cells, matrix has %d", len(labels), norm.NumCells())
	}
	var nc int32
	for r, c := range labels {
		if c < 0 {
			return nil, scerr.E(scerr.InvalidInput, markersStage, "cell %s has negative cluster label %d", norm.Cells()[r], c)
		}
		if c+1 > nc {
			nc = c + 1
		}
	}
	members := make([]*roaring.Bitmap, nc)
	for c := range members {
		members[c] = roaring.New()
	}
	for r, c := range labels {
		members[c].Add(uint32(r))
	}
	return members, nil
}

// findMarkers tests the target clusters against the rest of the dataset.
// Genes are processed once each: the pooled tie-mean ranking, detection
// counts, and un-logged expression sums are computed per gene and then
// resliced per target cluster.
func findMarkers(ctx context.Context, norm *expr.Matrix, labels []int32, members []*roaring.Bitmap, targets []int32, opts Opts) ([]*Table, error) {
	if math.IsNaN(opts.MinPct) || opts.MinPct < 0 || opts.MinPct > 1 {
		return nil, scerr.E(scerr.InvalidInput, markersStage, "minimum detection fraction must be in [0,1], got %v", opts.MinPct)
	}
	if math.IsNaN(opts.Pseudocount) || opts.Pseudocount <= 0 {
		return nil, scerr.E(scerr.InvalidInput, markersStage, "fold-change pseudocount must be positive, got %v", opts.Pseudocount)
	}
	nCells := norm.NumCells()
	nGenes := norm.NumGenes()
	nClusters := len(members)
	sizes := make([]int, nClusters)
	for c, set := range members {
		sizes[c] = int(set.GetCardinality())
	}
	genes := norm.Genes()

	parallelism := opts.parallelism()
	buckets := make([][][]Marker, parallelism)
	tested := make([][]int, parallelism)
	err := traverse.Each(parallelism, func(job int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		buckets[job] = make([][]Marker, len(targets))
		tested[job] = make([]int, len(targets))
		var (
			tr    tieRanker
			ranks = make([]float64, nCells)
			nz    = make([]int, nClusters)
			esum  = make([]float64, nClusters)
			rsum  = make([]float64, nClusters)
		)
		startGene := (job * nGenes) / parallelism
		limitGene := ((job + 1) * nGenes) / parallelism
		for g := startGene; g < limitGene; g++ {
			rows, vals := norm.Col(g)
			nnz := len(vals)
			zeroCount := nCells - nnz
			tieSum := tr.rank(vals, zeroCount, ranks[:nnz])
			for c := range nz {
				nz[c], esum[c], rsum[c] = 0, 0, 0
			}
			var totalE float64
			for e, r := range rows {
				c := labels[r]
				ev := math.Expm1(vals[e])
				nz[c]++
				esum[c] += ev
				totalE += ev
				rsum[c] += ranks[e]
			}
			zr := zeroRank(zeroCount)
			for ti, c := range targets {
				n1 := sizes[c]
				n2 := nCells - n1
				pctIn := float64(nz[c]) / float64(n1)
				pctOut := float64(nnz-nz[c]) / float64(n2)
				if pctIn < opts.MinPct && pctOut < opts.MinPct {
					continue
				}
				tested[job][ti]++
				meanIn := esum[c] / float64(n1)
				meanOut := (totalE - esum[c]) / float64(n2)
				log2fc := math.Log2((meanIn + opts.Pseudocount) / (meanOut + opts.Pseudocount))
				if opts.OnlyPositive && log2fc <= 0 {
					continue
				}
				rankSum := rsum[c] + float64(n1-nz[c])*zr
				u := uStatistic(rankSum, n1)
				var p float64
				if n1+n2 < opts.ExactLimit && tieSum == 0 {
					p = exactP(u, n1, n2)
				} else {
					p = normalApproxP(u, n1, n2, tieSum)
				}
				buckets[job][ti] = append(buckets[job][ti], Marker{
					Gene:   genes[g],
					Log2FC: log2fc,
					PctIn:  pctIn,
					PctOut: pctOut,
					P:      p,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	tables := make([]*Table, len(targets))
	for ti, c := range targets {
		var (
			ms []Marker
			nt int
		)
		for job := 0; job < parallelism; job++ {
			ms = append(ms, buckets[job][ti]...)
			nt += tested[job][ti]
		}
		for i := range ms {
			adj := ms[i].P * float64(nt)
			if adj > 1 {
				adj = 1
			}
			ms[i].PAdj = adj
		}
		sort.Slice(ms, func(i, j int) bool {
			a, b := ms[i], ms[j]
			if a.PAdj != b.PAdj {
				return a.PAdj < b.PAdj
			}
			if a.Log2FC != b.Log2FC {
				return a.Log2FC > b.Log2FC
			}
			return a.Gene < b.Gene
		})
		tables[ti] = &Table{Cluster: c, Tested: nt, Markers: ms}
	}
	return tables, nil
}
