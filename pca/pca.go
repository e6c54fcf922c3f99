// Package pca computes truncated principal-component embeddings of the
// scaled expression matrix. The decomposition uses randomized subspace
// iteration: a seeded Gaussian sketch of the column space is refined by
// power iterations, the projected matrix is factored exactly by a Jacobi
// eigensolver, and the result is mapped back to gene loadings and per-cell
// scores. Given a seed, the embedding is fully deterministic.
package pca

import (
	"context"
	"math"
	"math/rand"
	"runtime"
	"sort"

	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/scerr"
)

const pcaStage = "pca"

// maxJacobiSweeps bounds the eigensolver; exceeding it reports
// NumericInstability.
const maxJacobiSweeps = 50

// Opts controls the decomposition.
type Opts struct {
	// Rank is the number of components requested. The result may carry
	// fewer if the input is rank deficient.
	Rank int
	// Oversample widens the random sketch beyond Rank for accuracy.
	Oversample int
	// PowerIters is the number of subspace refinement iterations.
	PowerIters int
	// Seed drives the Gaussian sketch.
	Seed int64
	// Parallelism caps concurrent workers; 0 means all CPUs.
	Parallelism int
}

// DefaultOpts is the default value of Opts.
var DefaultOpts = Opts{
	Rank:       50,
	Oversample: 10,
	PowerIters: 2,
	Seed:       0,
}

func (o Opts) parallelism() int {
	if o.Parallelism <= 0 {
		return runtime.NumCPU()
	}
	return o.Parallelism
}

// Embedding is the truncated decomposition. Scores is row-major with one
// row per cell and Components columns; Loadings is row-major with one row
// per gene. Components are ordered by decreasing explained variance, and
// each is oriented so that its largest-magnitude loading is positive.
type Embedding struct {
	Cells        []string
	Genes        []string
	Components   int
	Scores       []float64
	Loadings     []float64
	ExplainedVar []float64
	// EffectiveRank is the number of components actually supported by the
	// data; it equals Components, and is below Opts.Rank only when the
	// input was rank deficient.
	EffectiveRank int
}

// Score returns cell r's embedding coordinates.
func (e *Embedding) Score(r int) []float64 {
	return e.Scores[r*e.Components : (r+1)*e.Components]
}

// Loading returns gene g's loading vector.
func (e *Embedding) Loading(g int) []float64 {
	return e.Loadings[g*e.Components : (g+1)*e.Components]
}

// Fit decomposes the scaled matrix. It fails with DimensionError when
// opts.Rank exceeds min(cells, features)-1, and with NumericInstability
// when the eigensolver does not converge.
func Fit(ctx context.Context, s *expr.Scaled, opts Opts) (*Embedding, error) {
	n, f := s.NumCells(), s.NumFeatures()
	if opts.Rank <= 0 {
		return nil, scerr.E(scerr.InvalidInput, pcaStage, "rank must be positive, got %d", opts.Rank)
	}
	if maxRank := minInt(n, f) - 1; opts.Rank > maxRank {
		return nil, scerr.E(scerr.DimensionError, pcaStage,
			"rank %d exceeds min(cells=%d, features=%d)-1=%d", opts.Rank, n, f, maxRank)
	}
	oversample := opts.Oversample
	if oversample <= 0 {
		oversample = DefaultOpts.Oversample
	}
	l := opts.Rank + oversample
	if lim := minInt(n, f); l > lim {
		l = lim
	}
	parallelism := opts.parallelism()
	x := s.Data

	// Sketch the column space with a seeded Gaussian test matrix.
	rng := rand.New(rand.NewSource(opts.Seed))
	sketch := make([]float64, l*f)
	for i := range sketch {
		sketch[i] = rng.NormFloat64()
	}
	y, err := mulRows(ctx, x, n, f, sketch, l, parallelism)
	if err != nil {
		return nil, err
	}
	qt := transpose(y, n, l)
	mgsRows(qt, l, n)

	powerIters := opts.PowerIters
	if powerIters < 0 {
		powerIters = 0
	}
	for iter := 0; iter < powerIters; iter++ {
		z, err := mulCols(ctx, x, n, f, qt, l, parallelism)
		if err != nil {
			return nil, err
		}
		zt := transpose(z, f, l)
		mgsRows(zt, l, f)
		y, err = mulRows(ctx, x, n, f, zt, l, parallelism)
		if err != nil {
			return nil, err
		}
		qt = transpose(y, n, l)
		mgsRows(qt, l, n)
	}

	// Project: bt = Xᵀ·Q is f×l; its Gram matrix is l×l and small.
	bt, err := mulCols(ctx, x, n, f, qt, l, parallelism)
	if err != nil {
		return nil, err
	}
	gram := make([]float64, l*l)
	for g := 0; g < f; g++ {
		row := bt[g*l : (g+1)*l]
		for a := 0; a < l; a++ {
			va := row[a]
			for b := a; b < l; b++ {
				gram[a*l+b] += va * row[b]
			}
		}
	}
	for a := 1; a < l; a++ {
		for b := 0; b < a; b++ {
			gram[a*l+b] = gram[b*l+a]
		}
	}
	vals, w, ok := jacobiEig(gram, l, maxJacobiSweeps)
	if !ok {
		return nil, scerr.E(scerr.NumericInstability, pcaStage,
			"eigensolver did not converge within %d sweeps", maxJacobiSweeps)
	}

	order := make([]int, l)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		if vals[order[a]] != vals[order[b]] {
			return vals[order[a]] > vals[order[b]]
		}
		return order[a] < order[b]
	})
	sigma := make([]float64, l)
	for i, oi := range order {
		if v := vals[oi]; v > 0 {
			sigma[i] = math.Sqrt(v)
		}
	}
	if sigma[0] == 0 {
		return nil, scerr.E(scerr.InvalidInput, pcaStage, "scaled matrix has no variance")
	}
	effRank := 0
	for _, sv := range sigma {
		if sv > sigma[0]*1e-10 {
			effRank++
		}
	}
	k := opts.Rank
	if k > effRank {
		k = effRank
	}

	// Loadings: V[:,j] = bt · w[:,order[j]] / σ_j, oriented so the
	// largest-magnitude loading of each component is positive.
	loadings := make([]float64, f*k)
	for g := 0; g < f; g++ {
		src := bt[g*l : (g+1)*l]
		dst := loadings[g*k : (g+1)*k]
		for j := 0; j < k; j++ {
			col := order[j]
			var sum float64
			for a := 0; a < l; a++ {
				sum += src[a] * w[a*l+col]
			}
			dst[j] = sum / sigma[j]
		}
	}
	for j := 0; j < k; j++ {
		extreme, magnitude := 0.0, 0.0
		for g := 0; g < f; g++ {
			v := loadings[g*k+j]
			if a := math.Abs(v); a > magnitude {
				magnitude = a
				extreme = v
			}
		}
		if extreme < 0 {
			for g := 0; g < f; g++ {
				loadings[g*k+j] = -loadings[g*k+j]
			}
		}
	}

	vt := transpose(loadings, f, k)
	scores, err := mulRows(ctx, x, n, f, vt, k, parallelism)
	if err != nil {
		return nil, err
	}

	explained := make([]float64, k)
	for j := 0; j < k; j++ {
		explained[j] = sigma[j] * sigma[j] / float64(n-1)
	}
	return &Embedding{
		Cells:         s.Cells,
		Genes:         s.Genes,
		Components:    k,
		Scores:        scores,
		Loadings:      loadings,
		ExplainedVar:  explained,
		EffectiveRank: k,
	}, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
