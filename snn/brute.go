package snn

import (
	"context"

	"github.com/grailbio/base/traverse"
)

// bruteKNN finds each point's k nearest neighbors by exhaustive scan. It is
// exact and serves as the correctness baseline for the approximate methods.
// pts is row-major n×d; the result rows are sorted by (distance, index) and
// never contain the query point itself.
func bruteKNN(ctx context.Context, pts []float64, n, d, k, parallelism int) ([][]int32, error) {
	out := make([][]int32, n)
	err := traverse.Each(parallelism, func(job int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		startCell := (job * n) / parallelism
		limitCell := ((job + 1) * n) / parallelism
		h := make(nearHeap, 0, k)
		for i := startCell; i < limitCell; i++ {
			h = h[:0]
			q := pts[i*d : (i+1)*d]
			for j := 0; j < n; j++ {
				if j == i {
					continue
				}
				dist := sqDist(q, pts[j*d:(j+1)*d])
				h.offer(neighbor{int32(j), dist}, k)
			}
			nn := h.sorted()
			row := make([]int32, len(nn))
			for p, c := range nn {
				row[p] = c.idx
			}
			out[i] = row
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func sqDist(a, b []float64) float64 {
	var s float64
	for i, v := range a {
		diff := v - b[i]
		s += diff * diff
	}
	return s
}
