package main

import (
	"context"
	"fmt"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/scrna/diffexp"
	"github.com/grailbio/scrna/expr"
	"github.com/grailbio/scrna/louvain"
	"github.com/grailbio/scrna/pca"
	"github.com/pkg/errors"
)

func writeClusters(ctx context.Context, path string, cl *louvain.Result) (err error) {
	var dst file.File
	if dst, err = file.Create(ctx, path); err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer file.CloseAndReport(ctx, dst, &err)
	tsvw := tsv.NewWriter(dst.Writer(ctx))
	tsvw.WriteString("#BARCODE\tCLUSTER")
	if err = tsvw.EndLine(); err != nil {
		return
	}
	for i, barcode := range cl.Cells {
		tsvw.WriteString(barcode)
		tsvw.WriteInt64(int64(cl.Labels[i]))
		if err = tsvw.EndLine(); err != nil {
			return
		}
	}
	return tsvw.Flush()
}

func writeEmbedding(ctx context.Context, path string, emb *pca.Embedding) (err error) {
	var dst file.File
	if dst, err = file.Create(ctx, path); err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer file.CloseAndReport(ctx, dst, &err)
	tsvw := tsv.NewWriter(dst.Writer(ctx))
	tsvw.WriteString("#BARCODE")
	for c := 0; c < emb.Components; c++ {
		tsvw.WriteString(fmt.Sprintf("PC%d", c+1))
	}
	if err = tsvw.EndLine(); err != nil {
		return
	}
	for r, barcode := range emb.Cells {
		tsvw.WriteString(barcode)
		for _, v := range emb.Score(r) {
			tsvw.WriteFloat64(v, 'g', -1)
		}
		if err = tsvw.EndLine(); err != nil {
			return
		}
	}
	return tsvw.Flush()
}

func writeVariance(ctx context.Context, path string, emb *pca.Embedding) (err error) {
	var dst file.File
	if dst, err = file.Create(ctx, path); err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer file.CloseAndReport(ctx, dst, &err)
	tsvw := tsv.NewWriter(dst.Writer(ctx))
	tsvw.WriteString("#PC\tVARIANCE")
	if err = tsvw.EndLine(); err != nil {
		return
	}
	for c, v := range emb.ExplainedVar {
		tsvw.WriteInt64(int64(c + 1))
		tsvw.WriteFloat64(v, 'g', -1)
		if err = tsvw.EndLine(); err != nil {
			return
		}
	}
	return tsvw.Flush()
}

func writeFeatures(ctx context.Context, path string, sel *expr.Selection) (err error) {
	var dst file.File
	if dst, err = file.Create(ctx, path); err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer file.CloseAndReport(ctx, dst, &err)
	tsvw := tsv.NewWriter(dst.Writer(ctx))
	tsvw.WriteString("#GENE\tRANK\tSCORE")
	if err = tsvw.EndLine(); err != nil {
		return
	}
	for i, gene := range sel.Genes {
		tsvw.WriteString(gene)
		tsvw.WriteInt64(int64(i + 1))
		tsvw.WriteFloat64(sel.Score[i], 'g', -1)
		if err = tsvw.EndLine(); err != nil {
			return
		}
	}
	return tsvw.Flush()
}

func writeMarkers(ctx context.Context, path string, tables []*diffexp.Table, top int) (err error) {
	var dst file.File
	if dst, err = file.Create(ctx, path); err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer file.CloseAndReport(ctx, dst, &err)
	tsvw := tsv.NewWriter(dst.Writer(ctx))
	tsvw.WriteString("#CLUSTER\tGENE\tLOG2FC\tPCT_IN\tPCT_OUT\tP\tP_ADJ")
	if err = tsvw.EndLine(); err != nil {
		return
	}
	for _, tb := range tables {
		rows := tb.Markers
		if top > 0 {
			rows = tb.Top(top)
		}
		for _, m := range rows {
			tsvw.WriteInt64(int64(tb.Cluster))
			tsvw.WriteString(m.Gene)
			tsvw.WriteFloat64(m.Log2FC, 'g', -1)
			tsvw.WriteFloat64(m.PctIn, 'g', -1)
			tsvw.WriteFloat64(m.PctOut, 'g', -1)
			tsvw.WriteFloat64(m.P, 'g', -1)
			tsvw.WriteFloat64(m.PAdj, 'g', -1)
			if err = tsvw.EndLine(); err != nil {
				return
			}
		}
	}
	return tsvw.Flush()
}
