// Package louvain partitions the shared-nearest-neighbor graph into
// communities by multilevel modularity optimization: vertices are moved
// greedily between communities in seeded shuffled order, the graph is then
// coarsened by merging each community into a super-vertex, and the two
// phases repeat until neither improves the objective. The resolution
// parameter scales the null-model term, so higher values yield more and
// smaller communities.
package louvain

import (
	"context"
	"math/rand"
	"sort"

	"github.com/grailbio/scrna/scerr"
	"github.com/grailbio/scrna/snn"
)

const clusterStage = "cluster"

// Opts controls the optimization.
type Opts struct {
	// Resolution scales the degree null model; higher values penalize
	// large communities harder.
	Resolution float64
	// Seed drives the per-level vertex visitation shuffle, the one source
	// of run-to-run variation.
	Seed int64
}

// DefaultOpts is the default value of Opts.
var DefaultOpts = Opts{
	Resolution: 0.5,
	Seed:       0,
}

// Result is a dense partition of the graph's cells. Labels are 0..NumClusters-1
// ordered by decreasing cluster size, ties broken by the smallest contained
// cell index. Partitions are stable for a fixed seed but may differ between
// seeds; that is a property of the method, not an error.
type Result struct {
	Cells       []string
	Labels      []int32
	NumClusters int
	// Modularity is the final value of the resolution-scaled objective.
	Modularity float64
}

// Sizes returns the number of cells in each cluster.
func (r *Result) Sizes() []int {
	sizes := make([]int, r.NumClusters)
	for _, c := range r.Labels {
		sizes[c]++
	}
	return sizes
}

// levelGraph is one coarsening level. Cross edges are stored in both
// directions; self weight (internal weight of the merged community) is kept
// separately. degree includes twice the self weight.
type levelGraph struct {
	n      int
	adjPtr []int64
	adjIdx []int32
	adjW   []float64
	self   []float64
	degree []float64
}

func levelFromGraph(g *snn.Graph) *levelGraph {
	n := g.NumVertices()
	lg := &levelGraph{
		n:      n,
		adjPtr: make([]int64, n+1),
		self:   make([]float64, n),
		degree: make([]float64, n),
	}
	for v := 0; v < n; v++ {
		neighbors, weights := g.Neighbors(v)
		lg.adjPtr[v+1] = lg.adjPtr[v] + int64(len(neighbors))
		lg.adjIdx = append(lg.adjIdx, neighbors...)
		lg.adjW = append(lg.adjW, weights...)
		var deg float64
		for _, w := range weights {
			deg += w
		}
		lg.degree[v] = deg
	}
	return lg
}

// totalWeight is the objective's m: every cross edge once plus all self
// weights. Invariant across coarsening levels.
func (lg *levelGraph) totalWeight() float64 {
	var m float64
	for v := 0; v < lg.n; v++ {
		m += lg.self[v]
		for i := lg.adjPtr[v]; i < lg.adjPtr[v+1]; i++ {
			if lg.adjIdx[i] > int32(v) {
				m += lg.adjW[i]
			}
		}
	}
	return m
}

// Cluster partitions g. It fails with InvalidInput when the graph has no
// edges; the caller owns the policy of treating that case as all-singleton.
func Cluster(ctx context.Context, g *snn.Graph, opts Opts) (*Result, error) {
	if opts.Resolution <= 0 {
		return nil, scerr.E(scerr.InvalidInput, clusterStage,
			"resolution must be positive, got %v", opts.Resolution)
	}
	if g.NumEdges() == 0 {
		return nil, scerr.E(scerr.InvalidInput, clusterStage,
			"graph over %d cells has no edges", g.NumVertices())
	}
	nCells := g.NumVertices()
	rng := rand.New(rand.NewSource(opts.Seed))
	lg := levelFromGraph(g)
	m := lg.totalWeight()

	// cellToNode tracks which super-vertex each original cell belongs to.
	cellToNode := make([]int32, nCells)
	for i := range cellToNode {
		cellToNode[i] = int32(i)
	}
	for {
		comm, moved, err := localMove(ctx, lg, m, opts.Resolution, rng)
		if err != nil {
			return nil, err
		}
		dense, nc := renumber(comm)
		for i := range cellToNode {
			cellToNode[i] = dense[cellToNode[i]]
		}
		if !moved || nc == lg.n {
			break
		}
		lg = aggregate(lg, dense, nc)
	}

	labels, nc := relabelBySize(cellToNode, nCells)
	return &Result{
		Cells:       g.Cells(),
		Labels:      labels,
		NumClusters: nc,
		Modularity:  modularity(g, labels, nc, opts.Resolution),
	}, nil
}

// localMove runs repeated greedy passes until no vertex moves. A vertex
// leaves its community only for a strict gain over staying, which bounds
// the pass count; among equally good destinations the lowest community id
// wins. Visitation order is one seeded shuffle per level.
func localMove(ctx context.Context, lg *levelGraph, m, resolution float64, rng *rand.Rand) ([]int32, bool, error) {
	comm := make([]int32, lg.n)
	commTot := make([]float64, lg.n)
	for v := 0; v < lg.n; v++ {
		comm[v] = int32(v)
		commTot[v] = lg.degree[v]
	}
	order := rng.Perm(lg.n)

	neighW := make([]float64, lg.n)
	touched := make([]int32, 0, 64)
	anyMoved := false
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		moves := 0
		for _, v := range order {
			c := comm[v]
			commTot[c] -= lg.degree[v]

			touched = append(touched[:0], c)
			for i := lg.adjPtr[v]; i < lg.adjPtr[v+1]; i++ {
				d := comm[lg.adjIdx[i]]
				if neighW[d] == 0 && !contains(touched, d) {
					touched = append(touched, d)
				}
				neighW[d] += lg.adjW[i]
			}

			kv := lg.degree[v]
			stay := neighW[c] - resolution*commTot[c]*kv/(2*m)
			best, bestGain := c, stay
			for _, d := range touched {
				if d == c {
					continue
				}
				gain := neighW[d] - resolution*commTot[d]*kv/(2*m)
				if gain <= stay {
					continue
				}
				if gain > bestGain || (gain == bestGain && d < best) {
					best = d
					bestGain = gain
				}
			}
			for _, d := range touched {
				neighW[d] = 0
			}

			if best != c {
				moves++
				anyMoved = true
			}
			comm[v] = best
			commTot[best] += kv
		}
		if moves == 0 {
			return comm, anyMoved, nil
		}
	}
}

func contains(list []int32, x int32) bool {
	for _, v := range list {
		if v == x {
			return true
		}
	}
	return false
}

// renumber maps community ids to dense 0..nc-1, ordered by first appearance.
func renumber(comm []int32) ([]int32, int) {
	next := int32(0)
	remap := make([]int32, len(comm))
	for i := range remap {
		remap[i] = -1
	}
	dense := make([]int32, len(comm))
	for v, c := range comm {
		if remap[c] < 0 {
			remap[c] = next
			next++
		}
		dense[v] = remap[c]
	}
	return dense, int(next)
}

// aggregate merges each community into a super-vertex. Internal weight
// (including prior self weights) becomes the super-vertex's self weight.
func aggregate(lg *levelGraph, dense []int32, nc int) *levelGraph {
	out := &levelGraph{
		n:      nc,
		adjPtr: make([]int64, nc+1),
		self:   make([]float64, nc),
		degree: make([]float64, nc),
	}
	type cross struct {
		u, v int32
		w    float64
	}
	var edges []cross
	for v := 0; v < lg.n; v++ {
		cv := dense[v]
		out.self[cv] += lg.self[v]
		for i := lg.adjPtr[v]; i < lg.adjPtr[v+1]; i++ {
			u := lg.adjIdx[i]
			if u < int32(v) {
				continue // count each cross edge once
			}
			cu := dense[u]
			if cu == cv {
				out.self[cv] += lg.adjW[i]
			} else if cv < cu {
				edges = append(edges, cross{cv, cu, lg.adjW[i]})
			} else {
				edges = append(edges, cross{cu, cv, lg.adjW[i]})
			}
		}
	}
	sort.Slice(edges, func(a, b int) bool {
		if edges[a].u != edges[b].u {
			return edges[a].u < edges[b].u
		}
		return edges[a].v < edges[b].v
	})
	// Merge parallel edges, then lay out symmetric adjacency.
	merged := edges[:0]
	for _, e := range edges {
		if n := len(merged); n > 0 && merged[n-1].u == e.u && merged[n-1].v == e.v {
			merged[n-1].w += e.w
			continue
		}
		merged = append(merged, e)
	}
	for _, e := range merged {
		out.adjPtr[e.u+1]++
		out.adjPtr[e.v+1]++
	}
	for v := 1; v <= nc; v++ {
		out.adjPtr[v] += out.adjPtr[v-1]
	}
	out.adjIdx = make([]int32, out.adjPtr[nc])
	out.adjW = make([]float64, out.adjPtr[nc])
	next := append([]int64(nil), out.adjPtr[:nc]...)
	for _, e := range merged {
		out.adjIdx[next[e.u]] = e.v
		out.adjW[next[e.u]] = e.w
		next[e.u]++
		out.adjIdx[next[e.v]] = e.u
		out.adjW[next[e.v]] = e.w
		next[e.v]++
	}
	for v := 0; v < nc; v++ {
		deg := 2 * out.self[v]
		for i := out.adjPtr[v]; i < out.adjPtr[v+1]; i++ {
			deg += out.adjW[i]
		}
		out.degree[v] = deg
	}
	return out
}

// relabelBySize renumbers labels by decreasing cluster size; equal sizes
// order by their smallest member cell.
func relabelBySize(labels []int32, nCells int) ([]int32, int) {
	nc := 0
	for _, c := range labels {
		if int(c) >= nc {
			nc = int(c) + 1
		}
	}
	size := make([]int, nc)
	firstMember := make([]int, nc)
	for i := range firstMember {
		firstMember[i] = nCells
	}
	for i, c := range labels {
		size[c]++
		if i < firstMember[c] {
			firstMember[c] = i
		}
	}
	order := make([]int32, nc)
	for i := range order {
		order[i] = int32(i)
	}
	sort.Slice(order, func(a, b int) bool {
		ca, cb := order[a], order[b]
		if size[ca] != size[cb] {
			return size[ca] > size[cb]
		}
		return firstMember[ca] < firstMember[cb]
	})
	remap := make([]int32, nc)
	for newID, oldID := range order {
		remap[oldID] = int32(newID)
	}
	out := make([]int32, len(labels))
	for i, c := range labels {
		out[i] = remap[c]
	}
	return out, nc
}

// modularity evaluates the resolution-scaled objective of a partition of
// the original graph.
func modularity(g *snn.Graph, labels []int32, nc int, resolution float64) float64 {
	m := g.TotalWeight()
	if m == 0 {
		return 0
	}
	in := make([]float64, nc)
	tot := make([]float64, nc)
	for v := 0; v < g.NumVertices(); v++ {
		neighbors, weights := g.Neighbors(v)
		for i, u := range neighbors {
			tot[labels[v]] += weights[i]
			if labels[u] == labels[v] && u > int32(v) {
				in[labels[v]] += weights[i]
			}
		}
	}
	var q float64
	for c := 0; c < nc; c++ {
		q += in[c]/m - resolution*(tot[c]/(2*m))*(tot[c]/(2*m))
	}
	return q
}
