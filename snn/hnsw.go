package snn

import (
	"container/heap"
	"context"
	"math"
	"math/rand"
	"sort"

	"github.com/bits-and-blooms/bitset"
	"github.com/grailbio/base/traverse"
)

// hnswIndex is a hierarchical navigable small world graph over the embedding
// rows (Malkov & Yashunin). Level draws come from a private, seeded
// generator and every heap comparison is a total order over (distance,
// index), so construction and search are reproducible.
type hnswIndex struct {
	pts  []float64
	n, d int

	m     int     // connections added per element and level
	mmax  int     // retained connections per level
	mmax0 int     // retained connections at the base level
	efC   int     // construction beam width
	ml    float64 // level-generation normalization

	links    [][][]int32 // links[v][level] = neighbor ids
	entry    int32
	maxLevel int
	rng      *rand.Rand
}

const maxHNSWLevel = 32

func newHNSW(pts []float64, n, d, m, efConstruction int, seed int64) *hnswIndex {
	if m < 2 {
		m = 2
	}
	if efConstruction < m {
		efConstruction = m
	}
	h := &hnswIndex{
		pts:   pts,
		n:     n,
		d:     d,
		m:     m,
		mmax:  m,
		mmax0: 2 * m,
		efC:   efConstruction,
		ml:    1 / math.Log(float64(m)),
		links: make([][][]int32, n),
		entry: -1,
		rng:   rand.New(rand.NewSource(seed)),
	}
	for i := 0; i < n; i++ {
		h.insert(int32(i))
	}
	return h
}

func (h *hnswIndex) vec(i int32) []float64 {
	return h.pts[int(i)*h.d : (int(i)+1)*h.d]
}

func (h *hnswIndex) linksAt(i int32, level int) []int32 {
	if ls := h.links[i]; level < len(ls) {
		return ls[level]
	}
	return nil
}

func (h *hnswIndex) randLevel() int {
	u := h.rng.Float64()
	for u == 0 {
		u = h.rng.Float64()
	}
	level := int(math.Floor(-math.Log(u) * h.ml))
	if level > maxHNSWLevel {
		level = maxHNSWLevel
	}
	return level
}

func (h *hnswIndex) insert(v int32) {
	level := h.randLevel()
	h.links[v] = make([][]int32, level+1)
	if h.entry < 0 {
		h.entry = v
		h.maxLevel = level
		return
	}
	q := h.vec(v)
	ep := neighbor{h.entry, sqDist(q, h.vec(h.entry))}
	for lc := h.maxLevel; lc > level; lc-- {
		ep = h.greedyDescend(q, ep, lc)
	}
	limit := level
	if limit > h.maxLevel {
		limit = h.maxLevel
	}
	for lc := limit; lc >= 0; lc-- {
		found := h.searchLayer(q, ep, h.efC, lc)
		sel := found
		if len(sel) > h.m {
			sel = sel[:h.m]
		}
		ids := make([]int32, len(sel))
		for i, nb := range sel {
			ids[i] = nb.idx
		}
		h.links[v][lc] = ids
		for _, nb := range sel {
			h.link(nb.idx, v, lc)
		}
		ep = found[0]
	}
	if level > h.maxLevel {
		h.maxLevel = level
		h.entry = v
	}
}

// greedyDescend walks to the local minimum of distance to q on one level.
func (h *hnswIndex) greedyDescend(q []float64, ep neighbor, level int) neighbor {
	for {
		improved := false
		for _, u := range h.linksAt(ep.idx, level) {
			if d := sqDist(q, h.vec(u)); d < ep.dist {
				ep = neighbor{u, d}
				improved = true
			}
		}
		if !improved {
			return ep
		}
	}
}

// link connects u back to v, trimming u's neighbor list to the closest
// entries when it overflows the per-level bound.
func (h *hnswIndex) link(u, v int32, level int) {
	bound := h.mmax
	if level == 0 {
		bound = h.mmax0
	}
	ls := append(h.links[u][level], v)
	if len(ls) > bound {
		base := h.vec(u)
		cand := make([]neighbor, len(ls))
		for i, id := range ls {
			cand[i] = neighbor{id, sqDist(base, h.vec(id))}
		}
		sort.Slice(cand, func(a, b int) bool { return farther(cand[b], cand[a]) })
		ls = ls[:0]
		for _, nb := range cand[:bound] {
			ls = append(ls, nb.idx)
		}
	}
	h.links[u][level] = ls
}

// searchLayer beam-searches one level, returning up to ef nodes closest to
// q in ascending (distance, index) order.
func (h *hnswIndex) searchLayer(q []float64, ep neighbor, ef, level int) []neighbor {
	var visited bitset.BitSet
	visited.Set(uint(ep.idx))
	cands := candHeap{ep}
	results := nearHeap{ep}
	for len(cands) > 0 {
		c := heap.Pop(&cands).(neighbor)
		if len(results) >= ef && farther(c, results[0]) {
			break
		}
		for _, u := range h.linksAt(c.idx, level) {
			if visited.Test(uint(u)) {
				continue
			}
			visited.Set(uint(u))
			nb := neighbor{u, sqDist(q, h.vec(u))}
			if len(results) < ef {
				heap.Push(&results, nb)
				heap.Push(&cands, nb)
			} else if farther(results[0], nb) {
				results[0] = nb
				heap.Fix(&results, 0)
				heap.Push(&cands, nb)
			}
		}
	}
	return results.sorted()
}

// hnswKNN builds the index over all points, then answers each point's k
// nearest neighbors from it. Approximate: neighbor sets may deviate from the
// exact ones, but repeated runs with one seed are identical.
func hnswKNN(ctx context.Context, pts []float64, n, d, k int, opts Opts, parallelism int) ([][]int32, error) {
	h := newHNSW(pts, n, d, opts.M, opts.EFConstruction, opts.Seed)
	ef := opts.EFSearch
	if ef < k+1 {
		ef = k + 1
	}
	out := make([][]int32, n)
	err := traverse.Each(parallelism, func(job int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		startCell := (job * n) / parallelism
		limitCell := ((job + 1) * n) / parallelism
		for i := startCell; i < limitCell; i++ {
			q := h.vec(int32(i))
			ep := neighbor{h.entry, sqDist(q, h.vec(h.entry))}
			for lc := h.maxLevel; lc >= 1; lc-- {
				ep = h.greedyDescend(q, ep, lc)
			}
			found := h.searchLayer(q, ep, ef, 0)
			row := make([]int32, 0, k)
			for _, nb := range found {
				if nb.idx == int32(i) {
					continue
				}
				row = append(row, nb.idx)
				if len(row) == k {
					break
				}
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
