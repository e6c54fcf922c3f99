package expr

import "runtime"

// Opts controls the matrix-space transforms. The zero value of Parallelism
// means "use all CPUs".
type Opts struct {
	// ScaleFactor is the per-cell library-size target. Each count c in a
	// cell with total T becomes ln(1 + ScaleFactor*c/T).
	ScaleFactor float64
	// TargetFeatures is the number of variable genes to select.
	TargetFeatures int
	// LoessSpan is the fraction of genes in each local regression window
	// when fitting the mean-variance trend.
	LoessSpan float64
	// ClipMax bounds scaled values to [-ClipMax, ClipMax]. Zero or
	// negative disables clipping.
	ClipMax float64
	// Parallelism caps the number of concurrent workers.
	Parallelism int
}

// DefaultOpts is the default value of Opts.
var DefaultOpts = Opts{
	ScaleFactor:    1e4,
	TargetFeatures: 2000,
	LoessSpan:      0.3,
	ClipMax:        10,
	Parallelism:    0,
}

func (o Opts) parallelism() int {
	if o.Parallelism <= 0 {
		return runtime.NumCPU()
	}
	return o.Parallelism
}
