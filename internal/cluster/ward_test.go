package cluster

import (
	"math"
	"testing"
)

func TestPairwiseDistances(t *testing.T) {
	pts := []xy{{0, 0}, {3, 4}, {0, 4}}
	d := pairwiseDistances(pts)

	// squared: d(0,1) = 25, d(0,2) = 16, d(1,2) = 9
	cases := []struct {
		i, j int
		want float64
	}{{0, 1, 25}, {0, 2, 16}, {1, 2, 9}}
	for _, c := range cases {
		if d[c.i][c.j] != c.want || d[c.j][c.i] != c.want {
			t.Errorf("d(%d,%d) = %f, expected %f", c.i, c.j, d[c.i][c.j], c.want)
		}
	}
}

func TestWardLinkageSingletonDistanceIsEuclidean(t *testing.T) {
	merges := wardLinkage(pairwiseDistances([]xy{{0, 0}, {30, 40}}))
	if len(merges) != 1 {
		t.Fatalf("expected 1 merge, got %d", len(merges))
	}
	if math.Abs(merges[0].distance-50) > 1e-9 {
		t.Errorf("expected distance 50, got %f", merges[0].distance)
	}
}

func TestWardLinkageLanceWilliams(t *testing.T) {
	merges := wardLinkage(pairwiseDistances([]xy{{0, 0}, {2, 0}, {10, 0}}))
	if len(merges) != 2 {
		t.Fatalf("expected 2 merges, got %d", len(merges))
	}

	var first, second merge
	for _, m := range merges {
		if m.size == 2 {
			first = m
		} else {
			second = m
		}
	}
	if first.distance != 2 {
		t.Errorf("expected first merge at 2, got %f", first.distance)
	}
	// sqrt(2*2*1/3) * 9
	if want := math.Sqrt(108); math.Abs(second.distance-want) > 1e-9 {
		t.Errorf("expected second merge at %f, got %f", want, second.distance)
	}
}

func TestWardLinkageOutlierMergesLast(t *testing.T) {
	merges := wardLinkage(pairwiseDistances([]xy{{0, 0}, {10, 0}, {5, 5}, {1000, 1000}}))
	if len(merges) != 3 {
		t.Fatalf("expected 3 merges, got %d", len(merges))
	}
	var last merge
	for _, m := range merges {
		if m.distance > last.distance {
			last = m
		}
	}
	if last.size != 4 {
		t.Errorf("expected the largest merge to absorb the outlier, got size %d", last.size)
	}
}

func TestCutDendrogramThreshold(t *testing.T) {
	pts := []xy{{0, 0}, {10, 0}, {5, 5}, {1000, 1000}}
	labels := cutDendrogram(wardLinkage(pairwiseDistances(pts)), len(pts), 100)

	if labels[0] != labels[1] || labels[1] != labels[2] {
		t.Errorf("expected points 0,1,2 in same cluster, got labels %v", labels)
	}
	if labels[3] == labels[0] {
		t.Errorf("expected point 3 in different cluster, got labels %v", labels)
	}
	if labels[0] != 0 || labels[3] != 1 {
		t.Errorf("expected labels numbered by lowest point, got %v", labels)
	}
}

func TestCutDendrogramAllSeparate(t *testing.T) {
	pts := []xy{{100, 0}, {0, 100}, {-100, 0}}
	labels := cutDendrogram(wardLinkage(pairwiseDistances(pts)), len(pts), 0.001)

	if labels[0] == labels[1] || labels[1] == labels[2] || labels[0] == labels[2] {
		t.Errorf("expected all separate clusters with tiny threshold, got labels %v", labels)
	}
}

func TestCutDendrogramAllMerged(t *testing.T) {
	pts := []xy{{100, 0}, {0, 100}, {-100, 0}}
	labels := cutDendrogram(wardLinkage(pairwiseDistances(pts)), len(pts), 10_000)

	if labels[0] != labels[1] || labels[1] != labels[2] {
		t.Errorf("expected all in same cluster with large threshold, got labels %v", labels)
	}
}
