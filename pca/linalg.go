package pca

import (
	"context"
	"math"

	"github.com/grailbio/base/traverse"
)

// Dense matrices here are flat row-major slices. Tall matrices (one row per
// cell or gene) are paired with small "transposed" factors whose rows are
// components, keeping every inner product over contiguous memory.

// mulRows computes out = x · wtᵀ, where x is n×f, wt is l×f, and out is
// n×l, parallelizing over rows of x.
func mulRows(ctx context.Context, x []float64, n, f int, wt []float64, l int, parallelism int) ([]float64, error) {
	out := make([]float64, n*l)
	err := traverse.Each(parallelism, func(job int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		startRow := (job * n) / parallelism
		limitRow := ((job + 1) * n) / parallelism
		for r := startRow; r < limitRow; r++ {
			row := x[r*f : (r+1)*f]
			dst := out[r*l : (r+1)*l]
			for j := 0; j < l; j++ {
				dst[j] = dot(row, wt[j*f:(j+1)*f])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// mulCols computes out = xᵀ · qtᵀ, where x is n×f, qt is l×n, and out is
// f×l, parallelizing over columns of x. Each worker gathers a column into
// contiguous scratch before taking inner products.
func mulCols(ctx context.Context, x []float64, n, f int, qt []float64, l int, parallelism int) ([]float64, error) {
	out := make([]float64, f*l)
	err := traverse.Each(parallelism, func(job int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		startCol := (job * f) / parallelism
		limitCol := ((job + 1) * f) / parallelism
		col := make([]float64, n)
		for g := startCol; g < limitCol; g++ {
			for r := 0; r < n; r++ {
				col[r] = x[r*f+g]
			}
			dst := out[g*l : (g+1)*l]
			for j := 0; j < l; j++ {
				dst[j] = dot(col, qt[j*n:(j+1)*n])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func dot(a, b []float64) float64 {
	var s float64
	for i, v := range a {
		s += v * b[i]
	}
	return s
}

// transpose returns the cols×rows transpose of the rows×cols matrix src.
func transpose(src []float64, rows, cols int) []float64 {
	dst := make([]float64, len(src))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			dst[c*rows+r] = src[r*cols+c]
		}
	}
	return dst
}

// mgsRows orthonormalizes the l rows of qt (each of length n) in place by
// modified Gram-Schmidt with a second projection pass. Rows that become
// numerically zero are left zero rather than normalized.
func mgsRows(qt []float64, l, n int) {
	for j := 0; j < l; j++ {
		row := qt[j*n : (j+1)*n]
		norm0 := math.Sqrt(dot(row, row))
		for pass := 0; pass < 2; pass++ {
			for i := 0; i < j; i++ {
				prev := qt[i*n : (i+1)*n]
				r := dot(prev, row)
				for k := range row {
					row[k] -= r * prev[k]
				}
			}
		}
		norm := math.Sqrt(dot(row, row))
		// A row that collapses under projection is linearly dependent on
		// its predecessors; keep it zero instead of amplifying noise.
		if norm <= 1e-10*norm0 || norm == 0 {
			for k := range row {
				row[k] = 0
			}
			continue
		}
		inv := 1 / norm
		for k := range row {
			row[k] *= inv
		}
	}
}
