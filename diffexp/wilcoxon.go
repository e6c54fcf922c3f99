package diffexp

import "math"

// uStatistic converts the in-group rank sum of a pooled ranking into the
// Mann-Whitney U statistic for an in-group of n1 observations.
func uStatistic(rankSum float64, n1 int) float64 {
	f := float64(n1)
	return rankSum - f*(f+1)/2
}

// normalApproxP returns the two-sided p-value for U under the tie-corrected
// normal approximation with a 0.5 continuity correction. tieSum is sum(t^3-t)
// over the tie groups of the pooled sample. A fully tied pooled sample has
// zero variance and cannot separate the groups, so it reports p = 1.
func normalApproxP(u float64, n1, n2 int, tieSum float64) float64 {
	f1, f2 := float64(n1), float64(n2)
	n := f1 + f2
	mu := f1 * f2 / 2
	sigma2 := f1 * f2 / 12 * (n + 1 - tieSum/(n*(n-1)))
	if sigma2 <= 0 {
		return 1
	}
	dev := math.Abs(u-mu) - 0.5
	if dev < 0 {
		dev = 0
	}
	return math.Erfc(dev / math.Sqrt(2*sigma2))
}

// exactP returns the two-sided p-value for U from the exact null distribution
// of the Mann-Whitney statistic. It is valid only for tie-free pooled samples,
// where U takes integer values and its distribution is symmetric about
// n1*n2/2; the two-sided value doubles the smaller tail and caps at 1.
func exactP(u float64, n1, n2 int) float64 {
	prod := float64(n1 * n2)
	lo := u
	if prod-u < lo {
		lo = prod - u
	}
	p := 2 * uTail(int(math.Round(lo)), n1, n2)
	if p > 1 {
		p = 1
	}
	return p
}

// uTail computes P(U <= u) for group sizes n1 and n2 by dynamic programming
// over the arrangement counts N(i,j,t) of i in-group and j out-group
// observations with statistic t, using
//
//	N(i,j,t) = N(i-1,j,t-j) + N(i,j-1,t)
//
// The counts total binomial(n1+n2, n1), which stays exactly representable in
// float64 for the pooled sizes the exact path accepts.
func uTail(u, n1, n2 int) float64 {
	if u < 0 {
		return 0
	}
	if u >= n1*n2 {
		return 1
	}
	rows := make([][]float64, n2+1)
	for j := range rows {
		rows[j] = []float64{1}
	}
	for i := 1; i <= n1; i++ {
		next := make([][]float64, n2+1)
		next[0] = []float64{1}
		for j := 1; j <= n2; j++ {
			vec := make([]float64, i*j+1)
			for t := range vec {
				var c float64
				if t-j >= 0 && t-j <= (i-1)*j {
					c += rows[j][t-j]
				}
				if t <= i*(j-1) {
					c += next[j-1][t]
				}
				vec[t] = c
			}
			next[j] = vec
		}
		rows = next
	}
	var tail, total float64
	for t, c := range rows[n2] {
		total += c
		if t <= u {
			tail += c
		}
	}
	return tail / total
}
