// Package expr implements the expression-matrix model and the matrix-space
// transforms of the single-cell clustering pipeline: library-size
// log-normalization, mean-variance-trend feature selection, and per-gene
// standardization. All artifacts are immutable once constructed; every
// transform allocates a new matrix and leaves its input untouched.
package expr

import (
	"math"
	"sort"
	"sync"

	"github.com/grailbio/scrna/scerr"
)

// Matrix is a sparse, cell-major (CSR) expression matrix. Rows are cells,
// columns are genes; both carry unique, ordered string identifiers. Entries
// are finite, strictly positive reals; structural zeros are implicit and
// explicitly-stored zeros are dropped at construction so that stored-entry
// counts equal detection counts.
//
// A Matrix is immutable after construction. Accessors return views into
// internal storage; callers must not modify them.
type Matrix struct {
	cells []string
	genes []string

	// CSR storage: row r occupies colIdx[rowPtr[r]:rowPtr[r+1]] (strictly
	// increasing gene indices) and the parallel val range.
	rowPtr []int64
	colIdx []int32
	val    []float64

	cellIndex map[string]int32
	geneIndex map[string]int32

	// Column-compressed view, built on first per-gene access.
	cscOnce sync.Once
	colPtr  []int64
	rowIdx  []int32
	colVal  []float64
}

const matrixStage = "matrix"

// New constructs a Matrix from CSR components. The slices are copied.
// Entries must be finite and non-negative; zero entries are dropped.
func New(cells, genes []string, rowPtr []int64, colIdx []int32, val []float64) (*Matrix, error) {
	if len(cells) == 0 {
		return nil, scerr.E(scerr.InvalidInput, matrixStage, "matrix has no cells")
	}
	if len(genes) == 0 {
		return nil, scerr.E(scerr.InvalidInput, matrixStage, "matrix has no genes")
	}
	if len(rowPtr) != len(cells)+1 {
		return nil, scerr.E(scerr.InvalidInput, matrixStage,
			"row pointer length %d does not match %d cells", len(rowPtr), len(cells))
	}
	if len(colIdx) != len(val) {
		return nil, scerr.E(scerr.InvalidInput, matrixStage,
			"index count %d does not match value count %d", len(colIdx), len(val))
	}
	if rowPtr[0] != 0 || rowPtr[len(cells)] != int64(len(val)) {
		return nil, scerr.E(scerr.InvalidInput, matrixStage,
			"row pointers must span [0, %d], got [%d, %d]", len(val), rowPtr[0], rowPtr[len(cells)])
	}
	m := &Matrix{
		cells:  append([]string(nil), cells...),
		genes:  append([]string(nil), genes...),
		rowPtr: make([]int64, 1, len(rowPtr)),
		colIdx: make([]int32, 0, len(colIdx)),
		val:    make([]float64, 0, len(val)),
	}
	if err := m.buildIndexes(); err != nil {
		return nil, err
	}
	nGenes := int32(len(genes))
	for r := 0; r < len(cells); r++ {
		start, end := rowPtr[r], rowPtr[r+1]
		if end < start {
			return nil, scerr.E(scerr.InvalidInput, matrixStage,
				"row pointers decrease at cell %s", cells[r])
		}
		prev := int32(-1)
		for i := start; i < end; i++ {
			g, v := colIdx[i], val[i]
			if g < 0 || g >= nGenes {
				return nil, scerr.E(scerr.InvalidInput, matrixStage,
					"cell %s references gene index %d outside [0, %d)", cells[r], g, nGenes)
			}
			if g <= prev {
				return nil, scerr.E(scerr.InvalidInput, matrixStage,
					"cell %s has unsorted or duplicate gene index %d", cells[r], g)
			}
			prev = g
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return nil, scerr.E(scerr.InvalidInput, matrixStage,
					"cell %s gene %s has invalid value %v", cells[r], genes[g], v)
			}
			if v == 0 {
				continue
			}
			m.colIdx = append(m.colIdx, g)
			m.val = append(m.val, v)
		}
		m.rowPtr = append(m.rowPtr, int64(len(m.val)))
	}
	return m, nil
}

// NewFromCOO constructs a Matrix from coordinate-format triples. Duplicate
// (cell, gene) coordinates are summed. The inputs are not retained.
func NewFromCOO(cells, genes []string, cellIdx, geneIdx []int32, vals []float64) (*Matrix, error) {
	if len(cellIdx) != len(geneIdx) || len(cellIdx) != len(vals) {
		return nil, scerr.E(scerr.InvalidInput, matrixStage,
			"coordinate slices disagree: %d cells, %d genes, %d values",
			len(cellIdx), len(geneIdx), len(vals))
	}
	if len(cells) == 0 {
		return nil, scerr.E(scerr.InvalidInput, matrixStage, "matrix has no cells")
	}
	if len(genes) == 0 {
		return nil, scerr.E(scerr.InvalidInput, matrixStage, "matrix has no genes")
	}
	nCells, nGenes := int32(len(cells)), int32(len(genes))

	// Counting sort by cell, then an in-row sort by gene.
	counts := make([]int64, len(cells)+1)
	for k, c := range cellIdx {
		if c < 0 || c >= nCells {
			return nil, scerr.E(scerr.InvalidInput, matrixStage,
				"entry %d references cell index %d outside [0, %d)", k, c, nCells)
		}
		g := geneIdx[k]
		if g < 0 || g >= nGenes {
			return nil, scerr.E(scerr.InvalidInput, matrixStage,
				"entry %d references gene index %d outside [0, %d)", k, g, nGenes)
		}
		v := vals[k]
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return nil, scerr.E(scerr.InvalidInput, matrixStage,
				"cell %s gene %s has invalid value %v", cells[c], genes[g], v)
		}
		counts[c+1]++
	}
	for i := 1; i < len(counts); i++ {
		counts[i] += counts[i-1]
	}
	gIdx := make([]int32, len(vals))
	gVal := make([]float64, len(vals))
	next := append([]int64(nil), counts...)
	for k, c := range cellIdx {
		p := next[c]
		gIdx[p] = geneIdx[k]
		gVal[p] = vals[k]
		next[c]++
	}

	rowPtr := make([]int64, 1, len(cells)+1)
	outIdx := make([]int32, 0, len(vals))
	outVal := make([]float64, 0, len(vals))
	for c := 0; c < len(cells); c++ {
		start, end := counts[c], counts[c+1]
		row := gIdx[start:end]
		rv := gVal[start:end]
		sort.Sort(&cooRow{row, rv})
		for i := range row {
			if i+1 < len(row) && row[i+1] == row[i] {
				rv[i+1] += rv[i] // fold duplicate coordinate into its successor
				continue
			}
			if rv[i] == 0 {
				continue
			}
			outIdx = append(outIdx, row[i])
			outVal = append(outVal, rv[i])
		}
		rowPtr = append(rowPtr, int64(len(outVal)))
	}

	m := &Matrix{
		cells:  append([]string(nil), cells...),
		genes:  append([]string(nil), genes...),
		rowPtr: rowPtr,
		colIdx: outIdx,
		val:    outVal,
	}
	if err := m.buildIndexes(); err != nil {
		return nil, err
	}
	return m, nil
}

type cooRow struct {
	idx []int32
	val []float64
}

func (r *cooRow) Len() int           { return len(r.idx) }
func (r *cooRow) Less(i, j int) bool { return r.idx[i] < r.idx[j] }
func (r *cooRow) Swap(i, j int) {
	r.idx[i], r.idx[j] = r.idx[j], r.idx[i]
	r.val[i], r.val[j] = r.val[j], r.val[i]
}

func (m *Matrix) buildIndexes() error {
	m.cellIndex = make(map[string]int32, len(m.cells))
	for i, id := range m.cells {
		if id == "" {
			return scerr.E(scerr.InvalidInput, matrixStage, "cell %d has an empty identifier", i)
		}
		if _, ok := m.cellIndex[id]; ok {
			return scerr.E(scerr.InvalidInput, matrixStage, "duplicate cell identifier %s", id)
		}
		m.cellIndex[id] = int32(i)
	}
	m.geneIndex = make(map[string]int32, len(m.genes))
	for i, id := range m.genes {
		if id == "" {
			return scerr.E(scerr.InvalidInput, matrixStage, "gene %d has an empty identifier", i)
		}
		if _, ok := m.geneIndex[id]; ok {
			return scerr.E(scerr.InvalidInput, matrixStage, "duplicate gene identifier %s", id)
		}
		m.geneIndex[id] = int32(i)
	}
	return nil
}

// derived returns a matrix sharing m's structure and identifiers but holding
// new values. Used by transforms that preserve sparsity structure.
func (m *Matrix) derived(val []float64) *Matrix {
	return &Matrix{
		cells:     m.cells,
		genes:     m.genes,
		rowPtr:    m.rowPtr,
		colIdx:    m.colIdx,
		val:       val,
		cellIndex: m.cellIndex,
		geneIndex: m.geneIndex,
	}
}

// NumCells returns the number of cells (rows).
func (m *Matrix) NumCells() int { return len(m.cells) }

// NumGenes returns the number of genes (columns).
func (m *Matrix) NumGenes() int { return len(m.genes) }

// NNZ returns the number of stored (nonzero) entries.
func (m *Matrix) NNZ() int { return len(m.val) }

// Cells returns the ordered cell identifiers.
func (m *Matrix) Cells() []string { return m.cells }

// Genes returns the ordered gene identifiers.
func (m *Matrix) Genes() []string { return m.genes }

// CellIndex returns the row index of the given cell identifier.
func (m *Matrix) CellIndex(id string) (int32, bool) {
	i, ok := m.cellIndex[id]
	return i, ok
}

// GeneIndex returns the column index of the given gene identifier.
func (m *Matrix) GeneIndex(id string) (int32, bool) {
	i, ok := m.geneIndex[id]
	return i, ok
}

// Row returns the stored gene indices and values of cell r.
func (m *Matrix) Row(r int) (genes []int32, vals []float64) {
	start, end := m.rowPtr[r], m.rowPtr[r+1]
	return m.colIdx[start:end], m.val[start:end]
}

// Col returns the stored cell indices and values of gene g. The
// column-compressed view is built once, on first use.
func (m *Matrix) Col(g int) (cells []int32, vals []float64) {
	m.cscOnce.Do(m.buildCSC)
	start, end := m.colPtr[g], m.colPtr[g+1]
	return m.rowIdx[start:end], m.colVal[start:end]
}

func (m *Matrix) buildCSC() {
	nGenes := len(m.genes)
	counts := make([]int64, nGenes+1)
	for _, g := range m.colIdx {
		counts[g+1]++
	}
	for i := 1; i <= nGenes; i++ {
		counts[i] += counts[i-1]
	}
	m.colPtr = counts
	m.rowIdx = make([]int32, len(m.colIdx))
	m.colVal = make([]float64, len(m.val))
	next := append([]int64(nil), counts...)
	for r := 0; r < len(m.cells); r++ {
		for i := m.rowPtr[r]; i < m.rowPtr[r+1]; i++ {
			g := m.colIdx[i]
			p := next[g]
			m.rowIdx[p] = int32(r)
			m.colVal[p] = m.val[i]
			next[g]++
		}
	}
}

// CellTotals returns the per-cell sum of stored values.
func (m *Matrix) CellTotals() []float64 {
	totals := make([]float64, len(m.cells))
	for r := range m.cells {
		var t float64
		for i := m.rowPtr[r]; i < m.rowPtr[r+1]; i++ {
			t += m.val[i]
		}
		totals[r] = t
	}
	return totals
}
