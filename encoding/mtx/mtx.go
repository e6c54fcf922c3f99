// Package mtx reads 10x Genomics-style sparse expression directories: a
// MatrixMarket coordinate file of counts plus feature and barcode identifier
// lists, any of which may be gzip-compressed. MatrixMarket rows correspond to
// features and columns to cell barcodes; entries come out transposed into the
// cell-major expr.Matrix layout.
package mtx

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	gunsafe "github.com/grailbio/base/unsafe"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/scerr"
	"github.com/klauspost/compress/gzip"
)

const mtxStage = "mtx"

// Read loads a count matrix from a directory laid out the way cellranger
// writes filtered feature-barcode matrices: matrix.mtx, features.tsv (or the
// older genes.tsv), and barcodes.tsv, each optionally suffixed .gz.
func Read(ctx context.Context, dir string) (*expr.Matrix, error) {
	matrixPath, err := resolve(ctx, dir, "matrix.mtx", "matrix.mtx.gz")
	if err != nil {
		return nil, err
	}
	featuresPath, err := resolve(ctx, dir, "features.tsv", "features.tsv.gz", "genes.tsv", "genes.tsv.gz")
	if err != nil {
		return nil, err
	}
	barcodesPath, err := resolve(ctx, dir, "barcodes.tsv", "barcodes.tsv.gz")
	if err != nil {
		return nil, err
	}
	return ReadFiles(ctx, matrixPath, featuresPath, barcodesPath)
}

// ReadFiles loads a count matrix from explicitly named matrix, feature, and
// barcode files. Duplicate coordinates in the matrix file are summed and
// explicit zero entries are dropped.
func ReadFiles(ctx context.Context, matrixPath, featuresPath, barcodesPath string) (*expr.Matrix, error) {
	genes, err := readIDs(ctx, featuresPath)
	if err != nil {
		return nil, err
	}
	cells, err := readIDs(ctx, barcodesPath)
	if err != nil {
		return nil, err
	}
	nGenes, nCells, geneIdx, cellIdx, vals, err := readCounts(ctx, matrixPath)
	if err != nil {
		return nil, err
	}
	if nGenes != len(genes) {
		return nil, scerr.E(scerr.DimensionError, mtxStage,
			"%s declares %d features, %s lists %d", matrixPath, nGenes, featuresPath, len(genes))
	}
	if nCells != len(cells) {
		return nil, scerr.E(scerr.DimensionError, mtxStage,
			"%s declares %d barcodes, %s lists %d", matrixPath, nCells, barcodesPath, len(cells))
	}
	return expr.NewFromCOO(cells, genes, cellIdx, geneIdx, vals)
}

// resolve returns the first candidate file that exists under dir.
func resolve(ctx context.Context, dir string, names ...string) (string, error) {
	for _, name := range names {
		path := file.Join(dir, name)
		if _, err := file.Stat(ctx, path); err == nil {
			return path, nil
		}
	}
	return "", scerr.E(scerr.InvalidInput, mtxStage, "%s: found none of %s", dir, strings.Join(names, ", "))
}

// readIDs reads the first tab-separated column of a feature or barcode list.
func readIDs(ctx context.Context, path string) (ids []string, err error) {
	var in file.File
	if in, err = file.Open(ctx, path); err != nil {
		return
	}
	defer func() {
		if cerr := in.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	reader := io.Reader(in.Reader(ctx))
	if fileio.DetermineType(path) == fileio.Gzip {
		var gz *gzip.Reader
		if gz, err = gzip.NewReader(reader); err != nil {
			return
		}
		defer func() {
			if cerr := gz.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		reader = gz
	}
	scanner := bufio.NewScanner(reader)
	lineIdx := 0
	for scanner.Scan() {
		lineIdx++
		curLine := scanner.Bytes()
		end := bytes.IndexByte(curLine, '\t')
		if end < 0 {
			end = len(curLine)
		}
		for end > 0 && curLine[end-1] == '\r' {
			end--
		}
		if end == 0 {
			if len(bytes.TrimSpace(curLine)) == 0 {
				continue
			}
			err = scerr.E(scerr.InvalidInput, mtxStage, "%s: line %d has an empty identifier", path, lineIdx)
			return
		}
		ids = append(ids, string(curLine[:end]))
	}
	if err = scanner.Err(); err != nil {
		return
	}
	if len(ids) == 0 {
		err = scerr.E(scerr.InvalidInput, mtxStage, "%s: no identifiers", path)
	}
	return
}

// readCounts parses a MatrixMarket coordinate file, returning the declared
// dimensions and the entries as parallel coordinate slices.
func readCounts(ctx context.Context, path string) (nGenes, nCells int, geneIdx, cellIdx []int32, vals []float64, err error) {
	var in file.File
	if in, err = file.Open(ctx, path); err != nil {
		return
	}
	defer func() {
		if cerr := in.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	reader := io.Reader(in.Reader(ctx))
	if fileio.DetermineType(path) == fileio.Gzip {
		var gz *gzip.Reader
		if gz, err = gzip.NewReader(reader); err != nil {
			return
		}
		defer func() {
			if cerr := gz.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		reader = gz
	}
	return scanCounts(bufio.NewScanner(reader), path)
}

func scanCounts(scanner *bufio.Scanner, path string) (nGenes, nCells int, geneIdx, cellIdx []int32, vals []float64, err error) {
	if !scanner.Scan() {
		if err = scanner.Err(); err == nil {
			err = scerr.E(scerr.InvalidInput, mtxStage, "%s: empty file", path)
		}
		return
	}
	lineIdx := 1
	banner := strings.Fields(strings.ToLower(scanner.Text()))
	if len(banner) < 4 || banner[0] != "%%matrixmarket" || banner[1] != "matrix" {
		err = scerr.E(scerr.InvalidInput, mtxStage, "%s: missing MatrixMarket banner", path)
		return
	}
	if banner[2] != "coordinate" {
		err = scerr.E(scerr.InvalidInput, mtxStage, "%s: unsupported format %q, want coordinate", path, banner[2])
		return
	}
	if banner[3] != "integer" && banner[3] != "real" {
		err = scerr.E(scerr.InvalidInput, mtxStage, "%s: unsupported field type %q, want integer or real", path, banner[3])
		return
	}
	if len(banner) > 4 && banner[4] != "general" {
		err = scerr.E(scerr.InvalidInput, mtxStage, "%s: unsupported symmetry %q, want general", path, banner[4])
		return
	}

	var tokens [4][]byte
	declared := -1
	seen := 0
	for scanner.Scan() {
		lineIdx++
		curLine := scanner.Bytes()
		if len(curLine) > 0 && curLine[0] == '%' {
			continue
		}
		nToken := fields(tokens[:], curLine)
		if nToken == 0 {
			continue
		}
		if declared < 0 {
			// Size line: feature count, barcode count, entry count.
			if nToken != 3 {
				err = scerr.E(scerr.InvalidInput, mtxStage, "%s: line %d: malformed size line", path, lineIdx)
				return
			}
			var dims [3]int
			for i := range dims {
				if dims[i], err = strconv.Atoi(gunsafe.BytesToString(tokens[i])); err != nil || dims[i] < 0 {
					err = scerr.E(scerr.InvalidInput, mtxStage, "%s: line %d: bad size entry %q", path, lineIdx, tokens[i])
					return
				}
			}
			if dims[0] > math.MaxInt32 || dims[1] > math.MaxInt32 {
				err = scerr.E(scerr.InvalidInput, mtxStage, "%s: line %d: dimensions %dx%d too large", path, lineIdx, dims[0], dims[1])
				return
			}
			nGenes, nCells, declared = dims[0], dims[1], dims[2]
			geneIdx = make([]int32, 0, declared)
			cellIdx = make([]int32, 0, declared)
			vals = make([]float64, 0, declared)
			continue
		}
		if seen == declared {
			err = scerr.E(scerr.InvalidInput, mtxStage, "%s: line %d: more than the declared %d entries", path, lineIdx, declared)
			return
		}
		if nToken != 3 {
			err = scerr.E(scerr.InvalidInput, mtxStage, "%s: line %d: expected 3 fields", path, lineIdx)
			return
		}
		var row, col int
		if row, err = strconv.Atoi(gunsafe.BytesToString(tokens[0])); err != nil {
			err = scerr.E(scerr.InvalidInput, mtxStage, "%s: line %d: bad row index %q", path, lineIdx, tokens[0])
			return
		}
		if col, err = strconv.Atoi(gunsafe.BytesToString(tokens[1])); err != nil {
			err = scerr.E(scerr.InvalidInput, mtxStage, "%s: line %d: bad column index %q", path, lineIdx, tokens[1])
			return
		}
		var v float64
		if v, err = strconv.ParseFloat(gunsafe.BytesToString(tokens[2]), 64); err != nil {
			err = scerr.E(scerr.InvalidInput, mtxStage, "%s: line %d: bad count %q", path, lineIdx, tokens[2])
			return
		}
		if row < 1 || row > nGenes || col < 1 || col > nCells {
			err = scerr.E(scerr.InvalidInput, mtxStage, "%s: line %d: entry (%d,%d) outside %dx%d matrix", path, lineIdx, row, col, nGenes, nCells)
			return
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			err = scerr.E(scerr.InvalidInput, mtxStage, "%s: line %d: count %v is not a nonnegative finite number", path, lineIdx, v)
			return
		}
		seen++
		if v == 0 {
			// Explicit zeros count toward the declared entries but are not
			// stored; the matrix stays strictly sparse.
			continue
		}
		geneIdx = append(geneIdx, int32(row-1))
		cellIdx = append(cellIdx, int32(col-1))
		vals = append(vals, v)
	}
	if err = scanner.Err(); err != nil {
		return
	}
	if declared < 0 {
		err = scerr.E(scerr.InvalidInput, mtxStage, "%s: missing size line", path)
		return
	}
	if seen != declared {
		err = scerr.E(scerr.InvalidInput, mtxStage, "%s: declares %d entries, found %d", path, declared, seen)
	}
	return
}

// fields splits curLine on runs of whitespace into at most len(tokens)
// tokens, returning how many it found. Byte-level splitting sidesteps the
// per-line allocations of strings.Fields, which add up over a hundred
// million entry lines.
func fields(tokens [][]byte, curLine []byte) int {
	n := 0
	pos := 0
	for n < len(tokens) {
		for pos < len(curLine) && curLine[pos] <= ' ' {
			pos++
		}
		if pos == len(curLine) {
			break
		}
		start := pos
		for pos < len(curLine) && curLine[pos] > ' ' {
			pos++
		}
		tokens[n] = curLine[start:pos]
		n++
	}
	return n
}
