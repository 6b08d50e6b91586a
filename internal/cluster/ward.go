package cluster

import "math"

// merge records a single merge step in the dendrogram.
type merge struct {
	a, b     int     // representative point of each merged cluster
	distance float64 // Ward distance, not squared
	size     int     // size of the new cluster
}

// xy is a point in a local planar projection, in meters.
type xy struct {
	x, y float64
}

// pairwiseDistances computes the full squared Euclidean distance matrix.
func pairwiseDistances(pts []xy) [][]float64 {
	n := len(pts)
	d := make([][]float64, n)
	for i := range d {
		d[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			dx := pts[i].x - pts[j].x
			dy := pts[i].y - pts[j].y
			d[i][j] = dx*dx + dy*dy
			d[j][i] = d[i][j]
		}
	}
	return d
}

// wardLinkage performs Ward's agglomerative clustering with the
// nearest-neighbour chain and the Lance-Williams recurrence. d is
// overwritten. Returns n-1 merges, not sorted by distance.
func wardLinkage(d [][]float64) []merge {
	n := len(d)
	if n < 2 {
		return nil
	}
	active := make([]bool, n)
	size := make([]int, n)
	rep := make([]int, n)
	for i := range active {
		active[i] = true
		size[i] = 1
		rep[i] = i
	}

	merges := make([]merge, 0, n-1)
	chain := make([]int, 0, n)
	for len(merges) < n-1 {
		if len(chain) == 0 {
			for i := range active {
				if active[i] {
					chain = append(chain, i)
					break
				}
			}
		}

		for {
			a := chain[len(chain)-1]
			prev := -1
			best := math.Inf(1)
			if len(chain) >= 2 {
				prev = chain[len(chain)-2]
				best = d[a][prev]
			}
			// Ties keep prev so the chain terminates.
			b := prev
			for k := range active {
				if active[k] && k != a && d[a][k] < best {
					b, best = k, d[a][k]
				}
			}
			if b == prev {
				chain = chain[:len(chain)-2]
				merges = append(merges, mergeSlots(d, active, size, rep, a, b))
				break
			}
			chain = append(chain, b)
		}
	}
	return merges
}

// mergeSlots joins clusters a and b into the lower slot and updates its
// distances: d(ab, k) = ((nk+na)d(a,k) + (nk+nb)d(b,k) - nk d(a,b)) / (nk+na+nb).
func mergeSlots(d [][]float64, active []bool, size, rep []int, a, b int) merge {
	if b < a {
		a, b = b, a
	}
	dab := d[a][b]
	na, nb := float64(size[a]), float64(size[b])
	for k := range active {
		if !active[k] || k == a || k == b {
			continue
		}
		nk := float64(size[k])
		v := ((nk+na)*d[a][k] + (nk+nb)*d[b][k] - nk*dab) / (nk + na + nb)
		d[a][k], d[k][a] = v, v
	}

	m := merge{a: rep[a], b: rep[b], distance: math.Sqrt(dab), size: size[a] + size[b]}
	active[b] = false
	size[a] += size[b]
	return m
}

// cutDendrogram assigns cluster labels by joining every merge at or below
// threshold. Ward's linkage is monotone, so a merge under the threshold
// implies all of its sub-merges are too. Labels are numbered in order of
// each cluster's lowest point.
func cutDendrogram(merges []merge, n int, threshold float64) []int {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	for _, m := range merges {
		if m.distance <= threshold {
			union(parent, m.a, m.b)
		}
	}

	labels := make([]int, n)
	ids := make(map[int]int)
	for i := 0; i < n; i++ {
		root := find(parent, i)
		id, ok := ids[root]
		if !ok {
			id = len(ids)
			ids[root] = id
		}
		labels[i] = id
	}
	return labels
}

// find resolves the root of i with path halving.
func find(parent []int, i int) int {
	for parent[i] != i {
		parent[i] = parent[parent[i]]
		i = parent[i]
	}
	return i
}

// union joins the sets of a and b under the lower root.
func union(parent []int, a, b int) {
	ra, rb := find(parent, a), find(parent, b)
	switch {
	case ra < rb:
		parent[rb] = ra
	case rb < ra:
		parent[ra] = rb
	}
}
