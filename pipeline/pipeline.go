// Package pipeline composes the end-to-end clustering chain: log-normalization,
// variable-feature selection, scaling, PCA, shared-nearest-neighbor graph
// construction, Louvain community detection, and per-cluster marker detection.
//
// A Pipeline memoizes stage artifacts by content: stage keys chain the input
// matrix fingerprint through each stage's parameter tuple, so re-running with
// a changed downstream parameter (a resolution sweep, say) recomputes only
// the stages it affects.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/diffexp"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/louvain"
	"github.com/grailbio/scrna/pca"
	"github.com/grailbio/scrna/scerr"
	"github.com/grailbio/scrna/snn"
)

// Opts collects the tunable parameters of every stage.
type Opts struct {
	// ScaleFactor is the library-size normalization target.
	ScaleFactor float64
	// TargetFeatures is the number of variable genes to select.
	TargetFeatures int
	// LoessSpan is the span of the mean-variance trend fit.
	LoessSpan float64
	// ClipMax truncates scaled values to [-ClipMax, ClipMax].
	ClipMax float64
	// Rank is the number of principal components to fit.
	Rank int
	// Oversample and PowerIters tune the randomized PCA sketch.
	Oversample int
	PowerIters int
	// GraphComponents is the number of leading components used for
	// neighbor search.
	GraphComponents int
	// NeighborK is the kNN neighborhood size.
	NeighborK int
	// Method selects the kNN backend.
	Method snn.Method
	// PruneThreshold drops shared-neighbor edges with smaller Jaccard
	// weight.
	PruneThreshold float64
	// Resolution scales the clustering size penalty; higher values give
	// more, smaller clusters.
	Resolution float64
	// MinPct is the marker detection-fraction filter.
	MinPct float64
	// OnlyPositive restricts marker tables to genes favoring the cluster.
	OnlyPositive bool
	// Seed drives every randomized stage.
	Seed int64
	// Parallelism bounds concurrent workers in each stage. <=0 means
	// GOMAXPROCS.
	Parallelism int
}

// DefaultOpts mirrors the per-stage defaults.
var DefaultOpts = Opts{
	ScaleFactor:     expr.DefaultOpts.ScaleFactor,
	TargetFeatures:  expr.DefaultOpts.TargetFeatures,
	LoessSpan:       expr.DefaultOpts.LoessSpan,
	ClipMax:         expr.DefaultOpts.ClipMax,
	Rank:            pca.DefaultOpts.Rank,
	Oversample:      pca.DefaultOpts.Oversample,
	PowerIters:      pca.DefaultOpts.PowerIters,
	GraphComponents: snn.DefaultOpts.Components,
	NeighborK:       snn.DefaultOpts.K,
	PruneThreshold:  snn.DefaultOpts.Prune,
	Resolution:      louvain.DefaultOpts.Resolution,
	MinPct:          diffexp.DefaultOpts.MinPct,
}

// Result carries every artifact of a Run. Markers is nil when marker
// detection was skipped; Warnings records why, along with any other
// non-fatal conditions encountered.
type Result struct {
	Normalized *expr.Matrix
	Selection  *expr.Selection
	Scaled     *expr.Scaled
	Embedding  *pca.Embedding
	Graph      *snn.Graph
	Clusters   *louvain.Result
	Markers    []*diffexp.Table
	Warnings   []string
}

// Pipeline runs the clustering chain with stage memoization. The zero value
// is not usable; construct with New. Safe for concurrent Runs.
type Pipeline struct {
	opts  Opts
	cache *stageCache

	mu   sync.Mutex
	runs map[string]int
	hits map[string]int
}

// New returns a Pipeline with the given parameters and an empty cache.
func New(opts Opts) *Pipeline {
	return &Pipeline{
		opts:  opts,
		cache: newStageCache(),
		runs:  make(map[string]int),
		hits:  make(map[string]int),
	}
}

// Run executes the full chain once without cross-run caching.
func Run(ctx context.Context, m *expr.Matrix, opts Opts) (*Result, error) {
	return New(opts).Run(ctx, m)
}

// SetOpts replaces the pipeline parameters for subsequent Runs. Cached
// artifacts of stages whose parameters are unchanged remain valid and are
// reused.
func (p *Pipeline) SetOpts(opts Opts) {
	p.mu.Lock()
	p.opts = opts
	p.mu.Unlock()
}

// Stats reports per-stage compute and cache-hit counts across Runs.
type Stats struct {
	Runs map[string]int
	Hits map[string]int
}

// Stats returns a snapshot of the pipeline's stage counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Runs: make(map[string]int, len(p.runs)), Hits: make(map[string]int, len(p.hits))}
	for k, v := range p.runs {
		s.Runs[k] = v
	}
	for k, v := range p.hits {
		s.Hits[k] = v
	}
	return s
}

// Run executes the clustering chain on m and returns every artifact. On any
// stage failure the error is returned as-is and no partial Result is
// produced.
func (p *Pipeline) Run(ctx context.Context, m *expr.Matrix) (*Result, error) {
	p.mu.Lock()
	o := p.opts
	p.mu.Unlock()
	exprOpts := expr.Opts{
		ScaleFactor:    o.ScaleFactor,
		TargetFeatures: o.TargetFeatures,
		LoessSpan:      o.LoessSpan,
		ClipMax:        o.ClipMax,
		Parallelism:    o.Parallelism,
	}
	res := &Result{}
	warn := func(format string, args ...interface{}) {
		res.Warnings = append(res.Warnings, fmt.Sprintf(format, args...))
	}
	log.Printf("clustering %d cells x %d genes (%d stored entries)", m.NumCells(), m.NumGenes(), m.NNZ())
	fp := fingerprint(m)

	normKey := stageKey(fp, "normalize", o.ScaleFactor)
	v, err := p.stage("normalize", normKey, func() (interface{}, error) {
		return expr.Normalize(ctx, m, exprOpts)
	})
	if err != nil {
		return nil, err
	}
	res.Normalized = v.(*expr.Matrix)

	selKey := stageKey(normKey, "select", float64(o.TargetFeatures), o.LoessSpan)
	v, err = p.stage("select", selKey, func() (interface{}, error) {
		return expr.SelectFeatures(ctx, res.Normalized, exprOpts)
	})
	if err != nil {
		return nil, err
	}
	res.Selection = v.(*expr.Selection)
	if res.Selection.UnderTarget {
		warn("variable-feature selection kept %d genes, fewer than the %d requested",
			len(res.Selection.Genes), o.TargetFeatures)
	}

	scaleKey := stageKey(selKey, "scale", o.ClipMax)
	v, err = p.stage("scale", scaleKey, func() (interface{}, error) {
		return expr.Scale(ctx, res.Normalized, res.Selection, exprOpts)
	})
	if err != nil {
		return nil, err
	}
	res.Scaled = v.(*expr.Scaled)
	if n := len(res.Scaled.ZeroVar); n > 0 {
		warn("%d selected genes have zero variance and were zeroed in scaling", n)
	}

	pcaKey := stageKey(scaleKey, "pca",
		float64(o.Rank), float64(o.Oversample), float64(o.PowerIters), float64(o.Seed))
	v, err = p.stage("pca", pcaKey, func() (interface{}, error) {
		return pca.Fit(ctx, res.Scaled, pca.Opts{
			Rank:        o.Rank,
			Oversample:  o.Oversample,
			PowerIters:  o.PowerIters,
			Seed:        o.Seed,
			Parallelism: o.Parallelism,
		})
	})
	if err != nil {
		return nil, err
	}
	res.Embedding = v.(*pca.Embedding)
	if res.Embedding.Components < o.Rank {
		warn("embedding truncated to effective rank %d, below the %d requested components",
			res.Embedding.EffectiveRank, o.Rank)
	}

	graphKey := stageKey(pcaKey, "snn",
		float64(o.NeighborK), float64(o.GraphComponents), float64(o.Method),
		o.PruneThreshold, float64(o.Seed))
	v, err = p.stage("snn", graphKey, func() (interface{}, error) {
		return snn.Build(ctx, res.Embedding, snn.Opts{
			K:              o.NeighborK,
			Components:     o.GraphComponents,
			Method:         o.Method,
			Prune:          o.PruneThreshold,
			M:              snn.DefaultOpts.M,
			EFConstruction: snn.DefaultOpts.EFConstruction,
			EFSearch:       snn.DefaultOpts.EFSearch,
			Seed:           o.Seed,
			Parallelism:    o.Parallelism,
		})
	})
	if err != nil {
		return nil, err
	}
	res.Graph = v.(*snn.Graph)

	clusterKey := stageKey(graphKey, "cluster", o.Resolution, float64(o.Seed))
	v, err = p.stage("cluster", clusterKey, func() (interface{}, error) {
		cl, err := louvain.Cluster(ctx, res.Graph, louvain.Opts{Resolution: o.Resolution, Seed: o.Seed})
		if err != nil {
			if res.Graph.NumEdges() == 0 && scerr.IsKind(err, scerr.InvalidInput) {
				return singletonPartition(res.Graph), nil
			}
			return nil, err
		}
		return cl, nil
	})
	if err != nil {
		return nil, err
	}
	res.Clusters = v.(*louvain.Result)
	log.Printf("found %d clusters (modularity %.4f)", res.Clusters.NumClusters, res.Clusters.Modularity)

	switch {
	case res.Graph.NumEdges() == 0:
		warn("neighbor graph has no edges at prune threshold %v; each cell forms its own cluster and marker detection was skipped",
			o.PruneThreshold)
	case res.Clusters.NumClusters < 2:
		warn("marker detection skipped: all cells fell into one cluster")
	default:
		markerKey := stageKey(clusterKey, "markers", o.MinPct, boolParam(o.OnlyPositive))
		v, err = p.stage("markers", markerKey, func() (interface{}, error) {
			dOpts := diffexp.DefaultOpts
			dOpts.MinPct = o.MinPct
			dOpts.OnlyPositive = o.OnlyPositive
			dOpts.Parallelism = o.Parallelism
			return diffexp.FindAllMarkers(ctx, res.Normalized, res.Clusters.Labels, dOpts)
		})
		if err != nil {
			return nil, err
		}
		res.Markers = v.([]*diffexp.Table)
	}
	return res, nil
}

// stage returns the cached artifact for key or computes, counts, and caches
// it. Errors are never cached.
func (p *Pipeline) stage(name string, key uint64, compute func() (interface{}, error)) (interface{}, error) {
	if v, ok := p.cache.get(key); ok {
		p.mu.Lock()
		p.hits[name]++
		p.mu.Unlock()
		log.Debug.Printf("%s: cache hit", name)
		return v, nil
	}
	v, err := compute()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.runs[name]++
	p.mu.Unlock()
	p.cache.put(key, v)
	return v, nil
}

// ClusterCells builds the neighbor graph for an embedding and partitions it,
// applying the singleton fallback for edgeless graphs. It is the uncached
// graph-and-cluster step of Run, for callers managing their own artifacts.
func ClusterCells(ctx context.Context, emb *pca.Embedding, sopts snn.Opts, lopts louvain.Opts) (*snn.Graph, *louvain.Result, error) {
	g, err := snn.Build(ctx, emb, sopts)
	if err != nil {
		return nil, nil, err
	}
	cl, err := louvain.Cluster(ctx, g, lopts)
	if err != nil {
		if g.NumEdges() == 0 && scerr.IsKind(err, scerr.InvalidInput) {
			return g, singletonPartition(g), nil
		}
		return nil, nil, err
	}
	return g, cl, nil
}

// singletonPartition assigns every cell its own cluster, the defined outcome
// for a neighbor graph with no edges.
func singletonPartition(g *snn.Graph) *louvain.Result {
	labels := make([]int32, g.NumVertices())
	for i := range labels {
		labels[i] = int32(i)
	}
	return &louvain.Result{Cells: g.Cells(), Labels: labels, NumClusters: len(labels)}
}
