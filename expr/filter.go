package expr

import "github.com/grailbio/scrna/scerr"

const filterStage = "filter"

// FilterCells returns a matrix restricted to cells with total count of at
// least minCounts and at least minGenes detected genes. It is the upstream
// guard for Normalize, which rejects zero-count cells.
func FilterCells(m *Matrix, minCounts float64, minGenes int) (*Matrix, error) {
	keep := make([]bool, m.NumCells())
	kept := 0
	for r := range keep {
		genes, vals := m.Row(r)
		var total float64
		for _, v := range vals {
			total += v
		}
		if total >= minCounts && len(genes) >= minGenes {
			keep[r] = true
			kept++
		}
	}
	if kept == 0 {
		return nil, scerr.E(scerr.InvalidInput, filterStage,
			"no cell meets minCounts=%v minGenes=%d", minCounts, minGenes)
	}
	allGenes := make([]bool, m.NumGenes())
	for g := range allGenes {
		allGenes[g] = true
	}
	return m.subset(keep, allGenes), nil
}

// FilterGenes returns a matrix restricted to genes detected in at least
// minCells cells.
func FilterGenes(m *Matrix, minCells int) (*Matrix, error) {
	keep := make([]bool, m.NumGenes())
	kept := 0
	for g := range keep {
		cells, _ := m.Col(g)
		if len(cells) >= minCells {
			keep[g] = true
			kept++
		}
	}
	if kept == 0 {
		return nil, scerr.E(scerr.InvalidInput, filterStage,
			"no gene is detected in at least %d cells", minCells)
	}
	allCells := make([]bool, m.NumCells())
	for r := range allCells {
		allCells[r] = true
	}
	return m.subset(allCells, keep), nil
}

// subset rebuilds the matrix keeping only flagged cells and genes. At least
// one of each must be flagged.
func (m *Matrix) subset(keepCell, keepGene []bool) *Matrix {
	cellMap := make([]int32, len(m.cells))
	cells := make([]string, 0, len(m.cells))
	for r, ok := range keepCell {
		if !ok {
			cellMap[r] = -1
			continue
		}
		cellMap[r] = int32(len(cells))
		cells = append(cells, m.cells[r])
	}
	geneMap := make([]int32, len(m.genes))
	genes := make([]string, 0, len(m.genes))
	for g, ok := range keepGene {
		if !ok {
			geneMap[g] = -1
			continue
		}
		geneMap[g] = int32(len(genes))
		genes = append(genes, m.genes[g])
	}

	out := &Matrix{
		cells:  cells,
		genes:  genes,
		rowPtr: make([]int64, 1, len(cells)+1),
	}
	for r := range m.cells {
		if cellMap[r] < 0 {
			continue
		}
		rowGenes, rowVals := m.Row(r)
		for i, g := range rowGenes {
			if geneMap[g] < 0 {
				continue
			}
			out.colIdx = append(out.colIdx, geneMap[g])
			out.val = append(out.val, rowVals[i])
		}
		out.rowPtr = append(out.rowPtr, int64(len(out.val)))
	}
	// Identifiers were unique in m and subsetting preserves that, so index
	// construction cannot fail.
	if err := out.buildIndexes(); err != nil {
		panic(err)
	}
	return out
}
