package cluster

import (
	"math"
	"sort"

	"github.com/oceanbase/powermem-substrate/pkg/vector"
)

// Agglomerate groups vectors by average-linkage agglomerative clustering.
//
// Every vector starts as its own group. The two groups with the smallest
// average pairwise cosine distance (1 - cosine similarity) are merged
// repeatedly until at most maxClusters groups remain or the closest pair is
// farther apart than maxDistance. A maxClusters below 1 is treated as 1. Group distances are maintained with the Lance-Williams
// update for average linkage:
//
//	d(k, i+j) = (n_i * d(k, i) + n_j * d(k, j)) / (n_i + n_j)
//
// Ties are broken by the lowest pair of indices, so the result is
// deterministic. Groups are returned as indices into vectors, each sorted
// ascending, ordered by their first index.
func Agglomerate(vectors [][]float64, maxDistance float64, maxClusters int) [][]int {
	n := len(vectors)
	if n == 0 {
		return nil
	}

	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := 1 - vector.CosineSimilarity(vectors[i], vectors[j])
			dist[i][j] = d
			dist[j][i] = d
		}
	}

	// groups[i] is nil once group i has been merged into another.
	groups := make([][]int, n)
	for i := range groups {
		groups[i] = []int{i}
	}
	active := n
	if maxClusters < 1 {
		maxClusters = 1
	}

	for active > maxClusters {
		bi, bj := -1, -1
		best := math.Inf(1)
		for i := 0; i < n; i++ {
			if groups[i] == nil {
				continue
			}
			for j := i + 1; j < n; j++ {
				if groups[j] == nil {
					continue
				}
				if dist[i][j] < best {
					best, bi, bj = dist[i][j], i, j
				}
			}
		}
		if bi < 0 || best > maxDistance {
			break
		}

		ni, nj := float64(len(groups[bi])), float64(len(groups[bj]))
		for k := 0; k < n; k++ {
			if groups[k] == nil || k == bi || k == bj {
				continue
			}
			d := (ni*dist[k][bi] + nj*dist[k][bj]) / (ni + nj)
			dist[k][bi] = d
			dist[bi][k] = d
		}

		merged := make([]int, 0, len(groups[bi])+len(groups[bj]))
		merged = append(merged, groups[bi]...)
		merged = append(merged, groups[bj]...)
		sort.Ints(merged)
		groups[bi] = merged
		groups[bj] = nil
		active--
	}

	out := make([][]int, 0, active)
	for _, g := range groups {
		if g != nil {
			out = append(out, g)
		}
	}
	return out
}
