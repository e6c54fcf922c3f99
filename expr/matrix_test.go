package expr

import (
	"fmt"
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

// newTestMatrix builds a Matrix from a dense row-major table. Zero entries
// become implicit.
func newTestMatrix(t testing.TB, cells, genes []string, dense [][]float64) *Matrix {
	rowPtr := make([]int64, 1, len(cells)+1)
	var colIdx []int32
	var val []float64
	for _, row := range dense {
		for g, v := range row {
			if v != 0 {
				colIdx = append(colIdx, int32(g))
				val = append(val, v)
			}
		}
		rowPtr = append(rowPtr, int64(len(val)))
	}
	m, err := New(cells, genes, rowPtr, colIdx, val)
	assert.NoError(t, err)
	return m
}

func namedSeq(prefix string, n int) []string {
	s := make([]string, n)
	for i := range s {
		s[i] = fmt.Sprintf("%s%03d", prefix, i)
	}
	return s
}

func TestMatrixBasic(t *testing.T) {
	m := newTestMatrix(t,
		[]string{"c0", "c1", "c2"},
		[]string{"g0", "g1", "g2", "g3"},
		[][]float64{
			{1, 0, 2, 0},
			{0, 0, 0, 3},
			{4, 5, 0, 6},
		})
	expect.EQ(t, m.NumCells(), 3)
	expect.EQ(t, m.NumGenes(), 4)
	expect.EQ(t, m.NNZ(), 6)
	expect.EQ(t, m.CellTotals(), []float64{3, 3, 15})

	genes, vals := m.Row(2)
	expect.EQ(t, genes, []int32{0, 1, 3})
	expect.EQ(t, vals, []float64{4, 5, 6})

	cells, vals := m.Col(3)
	expect.EQ(t, cells, []int32{1, 2})
	expect.EQ(t, vals, []float64{3, 6})
	cells, _ = m.Col(2)
	expect.EQ(t, cells, []int32{0})

	i, ok := m.CellIndex("c1")
	expect.True(t, ok)
	expect.EQ(t, i, int32(1))
	_, ok = m.GeneIndex("nope")
	expect.False(t, ok)
}

func TestMatrixValidation(t *testing.T) {
	cells := []string{"c0", "c1"}
	genes := []string{"g0", "g1"}
	for _, test := range []struct {
		name   string
		cells  []string
		genes  []string
		rowPtr []int64
		colIdx []int32
		val    []float64
		errStr string
	}{
		{"noCells", nil, genes, []int64{0}, nil, nil, "no cells"},
		{"noGenes", cells, nil, []int64{0, 0, 0}, nil, nil, "no genes"},
		{"dupCell", []string{"c0", "c0"}, genes, []int64{0, 0, 0}, nil, nil, "duplicate cell identifier c0"},
		{"dupGene", cells, []string{"g0", "g0"}, []int64{0, 0, 0}, nil, nil, "duplicate gene identifier g0"},
		{"badPtr", cells, genes, []int64{0, 2, 1}, []int32{0, 1}, []float64{1, 1}, "decrease"},
		{"geneRange", cells, genes, []int64{0, 1, 1}, []int32{7}, []float64{1}, "outside"},
		{"unsorted", cells, genes, []int64{0, 2, 2}, []int32{1, 0}, []float64{1, 1}, "unsorted"},
		{"negative", cells, genes, []int64{0, 1, 1}, []int32{0}, []float64{-1}, "invalid value"},
	} {
		_, err := New(test.cells, test.genes, test.rowPtr, test.colIdx, test.val)
		if err == nil {
			t.Errorf("%s: missing error", test.name)
			continue
		}
		assert.HasSubstr(t, err.Error(), test.errStr)
	}
}

func TestMatrixDropsExplicitZeros(t *testing.T) {
	m, err := New([]string{"c0"}, []string{"g0", "g1"},
		[]int64{0, 2}, []int32{0, 1}, []float64{0, 5})
	assert.NoError(t, err)
	expect.EQ(t, m.NNZ(), 1)
	genes, vals := m.Row(0)
	expect.EQ(t, genes, []int32{1})
	expect.EQ(t, vals, []float64{5})
}

func TestMatrixFromCOO(t *testing.T) {
	// Unordered triples with one duplicated coordinate.
	m, err := NewFromCOO(
		[]string{"c0", "c1"},
		[]string{"g0", "g1", "g2"},
		[]int32{1, 0, 1, 0, 1},
		[]int32{2, 1, 0, 1, 2},
		[]float64{3, 1, 2, 4, 7})
	assert.NoError(t, err)
	expect.EQ(t, m.NNZ(), 3)
	genes, vals := m.Row(0)
	expect.EQ(t, genes, []int32{1})
	expect.EQ(t, vals, []float64{5}) // 1 + 4 summed
	genes, vals = m.Row(1)
	expect.EQ(t, genes, []int32{0, 2})
	expect.EQ(t, vals, []float64{2, 10}) // 3 + 7 summed

	_, err = NewFromCOO([]string{"c0"}, []string{"g0"},
		[]int32{0}, []int32{1}, []float64{1})
	assert.NotNil(t, err)
	assert.HasSubstr(t, err.Error(), "gene index 1")
}
