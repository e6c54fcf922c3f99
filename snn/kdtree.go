package snn

import (
	"context"
	"sort"

	"github.com/biogo/store/kdtree"
	"github.com/grailbio/base/traverse"
)

// cellPoint adapts an embedding row to the kd-tree element interface while
// remembering which cell it is.
type cellPoint struct {
	coords []float64
	idx    int32
}

func (p cellPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(cellPoint)
	return p.coords[d] - q.coords[d]
}

func (p cellPoint) Dims() int { return len(p.coords) }

func (p cellPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(cellPoint)
	return sqDist(p.coords, q.coords)
}

type cellPoints []cellPoint

func (p cellPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p cellPoints) Len() int                      { return len(p) }
func (p cellPoints) Pivot(d kdtree.Dim) int {
	return cellPlane{cellPoints: p, Dim: d}.Pivot()
}
func (p cellPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// cellPlane is a cellPoints ordering over a single dimension.
type cellPlane struct {
	cellPoints
	kdtree.Dim
}

func (p cellPlane) Less(i, j int) bool {
	return p.cellPoints[i].coords[p.Dim] < p.cellPoints[j].coords[p.Dim]
}
func (p cellPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p cellPlane) Slice(start, end int) kdtree.SortSlicer {
	p.cellPoints = p.cellPoints[start:end]
	return p
}
func (p cellPlane) Swap(i, j int) {
	p.cellPoints[i], p.cellPoints[j] = p.cellPoints[j], p.cellPoints[i]
}

// kdtreeKNN answers every point's k nearest neighbors from a kd-tree. Exact,
// like bruteKNN, but with sublinear queries at low dimension.
func kdtreeKNN(ctx context.Context, pts []float64, n, d, k, parallelism int) ([][]int32, error) {
	elems := make(cellPoints, n)
	for i := 0; i < n; i++ {
		elems[i] = cellPoint{coords: pts[i*d : (i+1)*d], idx: int32(i)}
	}
	tree := kdtree.New(elems, true)
	out := make([][]int32, n)
	err := traverse.Each(parallelism, func(job int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		startCell := (job * n) / parallelism
		limitCell := ((job + 1) * n) / parallelism
		for i := startCell; i < limitCell; i++ {
			// Ask for one extra: the query point itself is in the tree.
			keeper := kdtree.NewNKeeper(k + 1)
			tree.NearestSet(keeper, cellPoint{coords: pts[i*d : (i+1)*d], idx: int32(i)})
			nn := make([]neighbor, 0, k)
			for _, cd := range keeper.Heap {
				if cd.Comparable == nil {
					continue
				}
				p := cd.Comparable.(cellPoint)
				if p.idx == int32(i) {
					continue
				}
				nn = append(nn, neighbor{p.idx, cd.Dist})
			}
			sort.Slice(nn, func(a, b int) bool { return farther(nn[b], nn[a]) })
			if len(nn) > k {
				nn = nn[:k]
			}
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
