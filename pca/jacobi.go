package pca

import "math"

// jacobiEig diagonalizes the symmetric n×n matrix a (row-major; destroyed)
// by cyclic Jacobi rotations. It returns the eigenvalues and a row-major
// matrix whose columns are the matching eigenvectors, unsorted. ok is false
// if the off-diagonal mass has not vanished within maxSweeps sweeps.
func jacobiEig(a []float64, n, maxSweeps int) (vals, vecs []float64, ok bool) {
	v := make([]float64, n*n)
	for i := 0; i < n; i++ {
		v[i*n+i] = 1
	}
	for sweep := 0; sweep < maxSweeps; sweep++ {
		var off, frob float64
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				x := a[i*n+j]
				frob += x * x
				if i != j {
					off += x * x
				}
			}
		}
		if off <= 1e-28*frob || off == 0 {
			vals = make([]float64, n)
			for i := 0; i < n; i++ {
				vals[i] = a[i*n+i]
			}
			return vals, v, true
		}
		for p := 0; p < n-1; p++ {
			for q := p + 1; q < n; q++ {
				rotate(a, v, n, p, q)
			}
		}
	}
	return nil, nil, false
}

// rotate annihilates a[p][q] with a Givens rotation, updating the
// accumulated eigenvector matrix v on the right.
func rotate(a, v []float64, n, p, q int) {
	apq := a[p*n+q]
	if apq == 0 {
		return
	}
	theta := (a[q*n+q] - a[p*n+p]) / (2 * apq)
	t := 1 / (math.Abs(theta) + math.Sqrt(theta*theta+1))
	if theta < 0 {
		t = -t
	}
	c := 1 / math.Sqrt(t*t+1)
	s := t * c
	tau := s / (1 + c)

	h := t * apq
	a[p*n+p] -= h
	a[q*n+q] += h
	a[p*n+q] = 0
	a[q*n+p] = 0
	for i := 0; i < n; i++ {
		if i == p || i == q {
			continue
		}
		aip := a[i*n+p]
		aiq := a[i*n+q]
		a[i*n+p] = aip - s*(aiq+tau*aip)
		a[p*n+i] = a[i*n+p]
		a[i*n+q] = aiq + s*(aip-tau*aiq)
		a[q*n+i] = a[i*n+q]
	}
	for i := 0; i < n; i++ {
		vip := v[i*n+p]
		viq := v[i*n+q]
		v[i*n+p] = vip - s*(viq+tau*vip)
		v[i*n+q] = viq + s*(vip-tau*viq)
	}
}
