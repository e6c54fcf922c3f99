package snn

import "sort"

// Edge is one undirected edge with u < v.
type Edge struct {
	U, V int32
	W    float64
}

// Graph is the weighted undirected shared-nearest-neighbor graph over
// cells. Adjacency is compressed with both directions stored; each vertex's
// neighbor list is sorted by vertex id.
type Graph struct {
	cells  []string
	adjPtr []int64
	adjIdx []int32
	adjW   []float64
	edges  int
	weight float64
}

// NewGraph assembles a graph over the given cells from an undirected edge
// list. Edge endpoints must be in range with U < V; duplicate edges must not
// appear.
func NewGraph(cells []string, edges []Edge) *Graph {
	sort.Slice(edges, func(a, b int) bool {
		if edges[a].U != edges[b].U {
			return edges[a].U < edges[b].U
		}
		return edges[a].V < edges[b].V
	})
	n := len(cells)
	g := &Graph{
		cells:  cells,
		adjPtr: make([]int64, n+1),
		adjIdx: make([]int32, 2*len(edges)),
		adjW:   make([]float64, 2*len(edges)),
		edges:  len(edges),
	}
	for _, e := range edges {
		g.adjPtr[e.U+1]++
		g.adjPtr[e.V+1]++
		g.weight += e.W
	}
	for v := 1; v <= n; v++ {
		g.adjPtr[v] += g.adjPtr[v-1]
	}
	next := append([]int64(nil), g.adjPtr[:n]...)
	for _, e := range edges {
		g.adjIdx[next[e.U]] = e.V
		g.adjW[next[e.U]] = e.W
		next[e.U]++
		g.adjIdx[next[e.V]] = e.U
		g.adjW[next[e.V]] = e.W
		next[e.V]++
	}
	return g
}

// NumVertices returns the number of cells.
func (g *Graph) NumVertices() int { return len(g.cells) }

// Cells returns the ordered cell identifiers.
func (g *Graph) Cells() []string { return g.cells }

// NumEdges returns the number of undirected edges.
func (g *Graph) NumEdges() int { return g.edges }

// TotalWeight returns the sum of undirected edge weights.
func (g *Graph) TotalWeight() float64 { return g.weight }

// Neighbors returns vertex v's neighbors and the matching edge weights.
func (g *Graph) Neighbors(v int) ([]int32, []float64) {
	start, end := g.adjPtr[v], g.adjPtr[v+1]
	return g.adjIdx[start:end], g.adjW[start:end]
}

// Degree returns vertex v's weighted degree.
func (g *Graph) Degree(v int) float64 {
	var sum float64
	_, ws := g.Neighbors(v)
	for _, w := range ws {
		sum += w
	}
	return sum
}
