package diffexp

import "sort"

// tieRanker assigns pooled sample ranks to expression vectors. It sorts an
// index permutation rather than the data, so the stored values of a matrix
// column can be ranked in place without copying them.
type tieRanker struct {
	f []float64 // data to be ranked
	r []int     // indexes into f, in rank order after sorting
}

func (t tieRanker) Len() int           { return len(t.f) }
func (t tieRanker) Less(i, j int) bool { return t.f[t.r[i]] < t.f[t.r[j]] }
func (t tieRanker) Swap(i, j int)      { t.r[i], t.r[j] = t.r[j], t.r[i] }

// rank fills out[i] with the 1-based rank of vals[i] in the pooled sample
// consisting of vals plus zeroCount implicit zeros. The zeros occupy the
// lowest ranks, so vals must not contain zeros itself; stored entries of a
// sparse expression column satisfy this. Tied values all receive the mean of
// the ranks they span. The return value is the tie-correction sum over all
// tie groups, sum(t^3-t), counting the zero block as a single group.
func (tr *tieRanker) rank(vals []float64, zeroCount int, out []float64) float64 {
	n := len(vals)
	tr.f = vals
	if cap(tr.r) < n {
		tr.r = make([]int, n)
	} else {
		tr.r = tr.r[:n]
	}
	for i := range tr.r {
		tr.r[i] = i
	}
	sort.Sort(tr)

	z := float64(zeroCount)
	var tieSum float64
	if zeroCount > 1 {
		tieSum += z*z*z - z
	}
	for i := 0; i < n; {
		j := i + 1
		for j < n && vals[tr.r[j]] == vals[tr.r[i]] {
			j++
		}
		// The run [i, j) occupies pooled ranks z+i+1 through z+j.
		mid := z + (float64(i+1)+float64(j))/2
		for k := i; k < j; k++ {
			out[tr.r[k]] = mid
		}
		if t := float64(j - i); t > 1 {
			tieSum += t*t*t - t
		}
		i = j
	}
	return tieSum
}

// zeroRank returns the shared mid-rank of the implicit zero block at the
// bottom of a pooled ranking over zeroCount zeros.
func zeroRank(zeroCount int) float64 {
	return (float64(zeroCount) + 1) / 2
}
