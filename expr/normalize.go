package expr

import (
	"context"
	"math"

	"github.com/grailbio/base/traverse"
	"github.com/grailbio/scrna/scerr"
)

const normalizeStage = "normalize"

// Normalize library-size-corrects and log-transforms raw counts. Each entry
// c of a cell with total count T becomes ln(1 + ScaleFactor*c/T). The result
// shares m's sparsity structure and identifiers; m itself is untouched.
//
// Every cell must have a positive total count. Cells with no detected counts
// cannot be normalized and must be filtered upstream (see FilterCells).
func Normalize(ctx context.Context, m *Matrix, opts Opts) (*Matrix, error) {
	sf := opts.ScaleFactor
	if math.IsNaN(sf) || sf <= 0 {
		return nil, scerr.E(scerr.InvalidInput, normalizeStage, "scale factor must be positive, got %v", sf)
	}
	totals := m.CellTotals()
	for r, t := range totals {
		if t == 0 {
			return nil, scerr.E(scerr.InvalidInput, normalizeStage, "cell %s has zero total count", m.cells[r])
		}
	}
	out := make([]float64, m.NNZ())
	nCells := m.NumCells()
	parallelism := opts.parallelism()
	err := traverse.Each(parallelism, func(job int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		startCell := (job * nCells) / parallelism
		limitCell := ((job + 1) * nCells) / parallelism
		for r := startCell; r < limitCell; r++ {
			scale := sf / totals[r]
			for i := m.rowPtr[r]; i < m.rowPtr[r+1]; i++ {
				out[i] = math.Log1p(m.val[i] * scale)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m.derived(out), nil
}
