package expr

import (
	"context"
	"math"
	"sort"

	"github.com/grailbio/base/traverse"
	"github.com/grailbio/scrna/scerr"
)

const selectStage = "select"

// Selection is the result of variable-feature selection: the genes most
// variable relative to the fitted mean-variance trend.
type Selection struct {
	// Genes are the selected identifiers, highest standardized variance
	// first.
	Genes []string
	// Index maps each selected gene to its column in the source matrix.
	Index []int32
	// Score is each selected gene's standardized variance (observed
	// variance over trend-expected variance).
	Score []float64
	// UnderTarget reports that the matrix held fewer genes than the
	// requested target, in which case every gene is selected.
	UnderTarget bool
}

// geneStats holds per-gene moments over all cells, implicit zeros included.
type geneStats struct {
	mean []float64
	vari []float64 // population variance
}

func computeGeneStats(ctx context.Context, m *Matrix, parallelism int) (geneStats, error) {
	nGenes := m.NumGenes()
	n := float64(m.NumCells())
	stats := geneStats{
		mean: make([]float64, nGenes),
		vari: make([]float64, nGenes),
	}
	err := traverse.Each(parallelism, func(job int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		startGene := (job * nGenes) / parallelism
		limitGene := ((job + 1) * nGenes) / parallelism
		for g := startGene; g < limitGene; g++ {
			_, vals := m.Col(g)
			var sum, sumSq float64
			for _, v := range vals {
				sum += v
				sumSq += v * v
			}
			mean := sum / n
			vari := sumSq/n - mean*mean
			if vari < 0 { // rounding
				vari = 0
			}
			stats.mean[g] = mean
			stats.vari[g] = vari
		}
		return nil
	})
	return stats, err
}

// SelectFeatures fits a smooth trend of log10 variance against log10 mean
// across genes and selects the opts.TargetFeatures genes whose observed
// variance most exceeds the trend's expectation. Ties are broken by higher
// raw mean, then by gene identifier, so the result is deterministic.
func SelectFeatures(ctx context.Context, norm *Matrix, opts Opts) (*Selection, error) {
	target := opts.TargetFeatures
	if target <= 0 {
		return nil, scerr.E(scerr.InvalidInput, selectStage, "target feature count must be positive, got %d", target)
	}
	span := opts.LoessSpan
	if math.IsNaN(span) || span <= 0 || span > 1 {
		return nil, scerr.E(scerr.InvalidInput, selectStage, "trend span must be in (0, 1], got %v", span)
	}
	stats, err := computeGeneStats(ctx, norm, opts.parallelism())
	if err != nil {
		return nil, err
	}
	score, err := standardizedVariance(ctx, stats, span, opts.parallelism())
	if err != nil {
		return nil, err
	}

	nGenes := norm.NumGenes()
	order := make([]int32, nGenes)
	for g := range order {
		order[g] = int32(g)
	}
	sort.Slice(order, func(a, b int) bool {
		ga, gb := order[a], order[b]
		if score[ga] != score[gb] {
			return score[ga] > score[gb]
		}
		if stats.mean[ga] != stats.mean[gb] {
			return stats.mean[ga] > stats.mean[gb]
		}
		return norm.genes[ga] < norm.genes[gb]
	})
	sel := &Selection{UnderTarget: nGenes < target}
	keep := target
	if keep > nGenes {
		keep = nGenes
	}
	sel.Genes = make([]string, keep)
	sel.Index = make([]int32, keep)
	sel.Score = make([]float64, keep)
	for i := 0; i < keep; i++ {
		g := order[i]
		sel.Genes[i] = norm.genes[g]
		sel.Index[i] = g
		sel.Score[i] = score[g]
	}
	return sel, nil
}

// standardizedVariance returns observed/expected variance per gene, where
// the expectation comes from a tricube-weighted local linear fit of
// log10(variance) on log10(mean). Genes with zero mean or zero variance are
// excluded from the fit and score zero.
func standardizedVariance(ctx context.Context, stats geneStats, span float64, parallelism int) ([]float64, error) {
	nGenes := len(stats.mean)
	score := make([]float64, nGenes)

	fitGene := make([]int32, 0, nGenes)
	for g := 0; g < nGenes; g++ {
		if stats.mean[g] > 0 && stats.vari[g] > 0 {
			fitGene = append(fitGene, int32(g))
		}
	}
	nFit := len(fitGene)
	if nFit == 0 {
		return score, nil
	}
	sort.Slice(fitGene, func(a, b int) bool {
		ma, mb := stats.mean[fitGene[a]], stats.mean[fitGene[b]]
		if ma != mb {
			return ma < mb
		}
		return fitGene[a] < fitGene[b]
	})
	xs := make([]float64, nFit)
	ys := make([]float64, nFit)
	for i, g := range fitGene {
		xs[i] = math.Log10(stats.mean[g])
		ys[i] = math.Log10(stats.vari[g])
	}

	window := int(math.Ceil(span * float64(nFit)))
	if window > nFit {
		window = nFit
	}
	if window < 2 {
		// Not enough points for a trend; every fitted gene scores 1.
		for _, g := range fitGene {
			score[g] = 1
		}
		return score, nil
	}

	err := traverse.Each(parallelism, func(job int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := (job * nFit) / parallelism
		limit := ((job + 1) * nFit) / parallelism
		lo := 0
		for i := start; i < limit; i++ {
			// Slide the window so it holds the `window` x-nearest points.
			for lo+window < nFit && xs[lo+window]-xs[i] < xs[i]-xs[lo] {
				lo++
			}
			fitted := localFit(xs[lo:lo+window], ys[lo:lo+window], xs[i])
			g := fitGene[i]
			score[g] = stats.vari[g] / math.Pow(10, fitted)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return score, nil
}

// localFit evaluates a tricube-weighted linear regression of ys on xs at x.
// Falls back to the weighted mean when the window is x-degenerate.
func localFit(xs, ys []float64, x float64) float64 {
	dmax := 0.0
	for _, xj := range xs {
		if d := math.Abs(xj - x); d > dmax {
			dmax = d
		}
	}
	var sw, swx, swy, swxx, swxy float64
	for j, xj := range xs {
		w := 1.0
		if dmax > 0 {
			u := math.Abs(xj-x) / dmax
			c := 1 - u*u*u
			w = c * c * c
		}
		if w <= 0 {
			continue
		}
		sw += w
		swx += w * xj
		swy += w * ys[j]
		swxx += w * xj * xj
		swxy += w * xj * ys[j]
	}
	if sw == 0 {
		return 0
	}
	denom := sw*swxx - swx*swx
	if math.Abs(denom) < 1e-12*sw*sw {
		return swy / sw
	}
	slope := (sw*swxy - swx*swy) / denom
	intercept := (swy - slope*swx) / sw
	return intercept + slope*x
}
