/*
Given a matrix-market directory as produced by 10x Genomics Cell Ranger
(matrix.mtx, features.tsv, barcodes.tsv, possibly gzipped), scrna-cluster
groups cells with similar expression profiles into clusters and reports the
genes that distinguish each cluster.

The chain is log-normalization, variable-gene selection, per-gene scaling,
principal-component embedding, shared-nearest-neighbor graph construction,
Louvain community detection and finally Wilcoxon rank-sum marker scoring.
Five TSV files are written under the -out prefix: per-cell cluster
assignments, the cell embedding, per-component explained variance, the
selected variable genes and the per-cluster marker table.

Sample usage:
scrna-cluster \
    --resolution 0.8 \
    --out sample1 \
    filtered_feature_bc_matrix/
*/
package main
