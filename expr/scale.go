package expr

import (
	"context"
	"math"

	"github.com/grailbio/base/traverse"
	"github.com/grailbio/scrna/scerr"
)

const scaleStage = "scale"

// Scaled is the dense, feature-restricted standardized matrix. Data is
// row-major: cell r occupies Data[r*len(Genes) : (r+1)*len(Genes)]. Entries
// may be negative; magnitudes are bounded by the configured clip.
type Scaled struct {
	Cells []string
	Genes []string
	Data  []float64
	// Mean and Std record the per-gene moments used for standardization.
	// Std is the population standard deviation.
	Mean []float64
	Std  []float64
	// ZeroVar lists constant genes, whose columns were forced to zero
	// instead of dividing by a zero deviation.
	ZeroVar []string
}

// NumCells returns the number of rows.
func (s *Scaled) NumCells() int { return len(s.Cells) }

// NumFeatures returns the number of columns.
func (s *Scaled) NumFeatures() int { return len(s.Genes) }

// Row returns cell r's standardized feature vector.
func (s *Scaled) Row(r int) []float64 {
	k := len(s.Genes)
	return s.Data[r*k : (r+1)*k]
}

// Scale standardizes each selected gene to zero mean and unit population
// variance across cells, densifying implicit zeros, and clips the result to
// [-ClipMax, ClipMax]. Constant genes yield all-zero columns.
func Scale(ctx context.Context, norm *Matrix, sel *Selection, opts Opts) (*Scaled, error) {
	if sel == nil || len(sel.Index) == 0 {
		return nil, scerr.E(scerr.InvalidInput, scaleStage, "selected feature set is empty")
	}
	nCells, nGenes := norm.NumCells(), norm.NumGenes()
	k := len(sel.Index)
	for _, g := range sel.Index {
		if g < 0 || int(g) >= nGenes {
			return nil, scerr.E(scerr.InvalidInput, scaleStage,
				"selection references gene index %d outside [0, %d)", g, nGenes)
		}
	}

	out := &Scaled{
		Cells: norm.cells,
		Genes: append([]string(nil), sel.Genes...),
		Data:  make([]float64, nCells*k),
		Mean:  make([]float64, k),
		Std:   make([]float64, k),
	}
	n := float64(nCells)
	// base holds each column's standardized zero; selPos maps a gene column
	// in norm to its position in the selection, or -1.
	base := make([]float64, k)
	selPos := make([]int32, nGenes)
	for g := range selPos {
		selPos[g] = -1
	}
	for j, g := range sel.Index {
		selPos[g] = int32(j)
		_, vals := norm.Col(int(g))
		var sum, sumSq float64
		for _, v := range vals {
			sum += v
			sumSq += v * v
		}
		mean := sum / n
		vari := sumSq/n - mean*mean
		if vari < 0 {
			vari = 0
		}
		out.Mean[j] = mean
		out.Std[j] = math.Sqrt(vari)
		if out.Std[j] == 0 {
			out.ZeroVar = append(out.ZeroVar, sel.Genes[j])
			base[j] = 0
			continue
		}
		base[j] = clip(-mean/out.Std[j], opts.ClipMax)
	}

	parallelism := opts.parallelism()
	err := traverse.Each(parallelism, func(job int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		startCell := (job * nCells) / parallelism
		limitCell := ((job + 1) * nCells) / parallelism
		for r := startCell; r < limitCell; r++ {
			row := out.Data[r*k : (r+1)*k]
			copy(row, base)
			genes, vals := norm.Row(r)
			for i, g := range genes {
				j := selPos[g]
				if j < 0 || out.Std[j] == 0 {
					continue
				}
				row[j] = clip((vals[i]-out.Mean[j])/out.Std[j], opts.ClipMax)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func clip(v, max float64) float64 {
	if max <= 0 {
		return v
	}
	if v > max {
		return max
	}
	if v < -max {
		return -max
	}
	return v
}
