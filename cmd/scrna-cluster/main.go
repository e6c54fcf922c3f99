package main

/*
scrna-cluster runs the single-cell clustering chain over a matrix-market
directory and writes the resulting cluster assignments, embedding, variable
genes and marker tables as TSV files.
*/

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/scrna/encoding/mtx"
	"github.com/grailbio/scrna/pipeline"
	"github.com/grailbio/scrna/snn"
	"golang.org/x/sync/errgroup"
)

var (
	scaleFactor    = flag.Float64("scale-factor", pipeline.DefaultOpts.ScaleFactor, "Library-size normalization target")
	targetFeatures = flag.Int("target-features", pipeline.DefaultOpts.TargetFeatures, "Number of variable genes to select")
	loessSpan      = flag.Float64("loess-span", pipeline.DefaultOpts.LoessSpan, "Span of the mean-variance trend fit")
	clipMax        = flag.Float64("clip-max", pipeline.DefaultOpts.ClipMax, "Clip scaled values to +/- this bound")
	pcs            = flag.Int("pcs", pipeline.DefaultOpts.Rank, "Number of principal components to compute")
	oversample     = flag.Int("oversample", pipeline.DefaultOpts.Oversample, "Extra random-sketch columns beyond -pcs")
	powerIters     = flag.Int("power-iters", pipeline.DefaultOpts.PowerIters, "Subspace refinement iterations for the sketch")
	graphPCs       = flag.Int("graph-pcs", pipeline.DefaultOpts.GraphComponents, "Leading components used for neighbor search; 0 = all")
	neighborK      = flag.Int("k", pipeline.DefaultOpts.NeighborK, "Nearest neighbors per cell")
	neighborMethod = flag.String("neighbor-method", pipeline.DefaultOpts.Method.String(), "Neighbor search backend; 'auto', 'brute', 'kdtree', or 'hnsw'")
	prune          = flag.Float64("prune", pipeline.DefaultOpts.PruneThreshold, "Drop shared-neighbor edges with Jaccard weight below this value")
	resolution     = flag.Float64("resolution", pipeline.DefaultOpts.Resolution, "Louvain resolution; higher values yield more, smaller clusters")
	minPct         = flag.Float64("min-pct", pipeline.DefaultOpts.MinPct, "Test only genes detected in at least this fraction of either group")
	onlyPositive   = flag.Bool("only-positive", pipeline.DefaultOpts.OnlyPositive, "Report only overexpressed markers")
	topMarkers     = flag.Int("top-markers", 0, "Markers reported per cluster; 0 = all")
	seed           = flag.Int64("seed", pipeline.DefaultOpts.Seed, "Seed for the embedding sketch, neighbor index and cluster visitation order")
	parallelism    = flag.Int("parallelism", 0, "Maximum number of concurrent workers per stage; 0 = runtime.NumCPU()")
	outPrefix      = flag.String("out", "scrna", "Output path prefix")
)

func scrnaClusterUsage() {
	fmt.Printf("Usage: %s [OPTIONS] matrixdir\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func parseNeighborMethod(s string) snn.Method {
	switch strings.ToLower(s) {
	case "auto":
		return snn.Auto
	case "brute":
		return snn.Brute
	case "kdtree":
		return snn.KDTree
	case "hnsw":
		return snn.HNSW
	}
	log.Fatalf("Unknown -neighbor-method %q; want 'auto', 'brute', 'kdtree', or 'hnsw'", s)
	return snn.Auto
}

func main() {
	flag.Usage = scrnaClusterUsage
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() != 1 {
		log.Fatalf("Exactly one positional argument (matrixdir) expected; please check flag syntax: '%s'", strings.Join(flag.Args(), " "))
	}
	ctx := vcontext.Background()
	opts := pipeline.Opts{
		ScaleFactor:     *scaleFactor,
		TargetFeatures:  *targetFeatures,
		LoessSpan:       *loessSpan,
		ClipMax:         *clipMax,
		Rank:            *pcs,
		Oversample:      *oversample,
		PowerIters:      *powerIters,
		GraphComponents: *graphPCs,
		NeighborK:       *neighborK,
		Method:          parseNeighborMethod(*neighborMethod),
		PruneThreshold:  *prune,
		Resolution:      *resolution,
		MinPct:          *minPct,
		OnlyPositive:    *onlyPositive,
		Seed:            *seed,
		Parallelism:     *parallelism,
	}

	m, err := mtx.Read(ctx, flag.Arg(0))
	if err != nil {
		log.Panicf("%v", err)
	}
	res, err := pipeline.Run(ctx, m, opts)
	if err != nil {
		log.Panicf("%v", err)
	}
	for _, w := range res.Warnings {
		log.Error.Printf("warning: %s", w)
	}
	log.Printf("%d cells in %d clusters (modularity %.4f), sizes %v",
		m.NumCells(), res.Clusters.NumClusters, res.Clusters.Modularity, res.Clusters.Sizes())

	eg := errgroup.Group{}
	eg.Go(func() error { return writeClusters(ctx, *outPrefix+".clusters.tsv", res.Clusters) })
	eg.Go(func() error { return writeEmbedding(ctx, *outPrefix+".embedding.tsv", res.Embedding) })
	eg.Go(func() error { return writeVariance(ctx, *outPrefix+".variance.tsv", res.Embedding) })
	eg.Go(func() error { return writeFeatures(ctx, *outPrefix+".features.tsv", res.Selection) })
	if res.Markers != nil {
		eg.Go(func() error { return writeMarkers(ctx, *outPrefix+".markers.tsv", res.Markers, *topMarkers) })
	} else {
		log.Printf("no marker table produced; see warnings above")
	}
	if err := eg.Wait(); err != nil {
		log.Panicf("%v", err)
	}
	log.Debug.Printf("exiting")
}
