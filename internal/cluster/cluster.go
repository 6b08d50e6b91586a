// Package cluster groups nearby incidents into black spots using Ward's
// linkage over locally projected coordinates.
package cluster

import (
	"math"
	"sort"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/database"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/geo"
)

// metersPerDegree is one degree of arc on the mean Earth sphere.
const metersPerDegree = 6371008.8 * math.Pi / 180

// Scorer turns severity counts into a raw score and a category.
type Scorer interface {
	Raw(c database.SeverityCounts) float64
	Category(raw float64) string
}

// Blackspot is a cluster of incidents close enough to be treated as one
// problem location.
type Blackspot struct {
	Centroid    geo.Point               `json:"centroid"`
	RadiusM     float64                 `json:"radius_m"`
	Counts      database.SeverityCounts `json:"counts"`
	Incidents   int                     `json:"incidents"`
	ScoreRaw    float64                 `json:"score_raw"`
	Category    string                  `json:"risk_category"`
	IncidentIDs []string                `json:"incident_ids"`
}

// Labels clusters points so that no cluster absorbs another at a Ward
// distance above thresholdM meters. Points are first split into groups
// chained by gaps of at most thresholdM, and linkage runs within each
// group, which keeps the distance matrices small.
func Labels(points []geo.Point, thresholdM float64) []int {
	n := len(points)
	labels := make([]int, n)
	if n == 0 {
		return labels
	}
	pts := project(points)

	next := 0
	for _, group := range components(pts, thresholdM) {
		sub := make([]xy, len(group))
		for i, idx := range group {
			sub[i] = pts[idx]
		}
		local := cutDendrogram(wardLinkage(pairwiseDistances(sub)), len(sub), thresholdM)
		maxLocal := -1
		for i, idx := range group {
			labels[idx] = next + local[i]
			if local[i] > maxLocal {
				maxLocal = local[i]
			}
		}
		next += maxLocal + 1
	}
	return labels
}

// project maps points onto a plane tangent at their mean latitude.
func project(points []geo.Point) []xy {
	var lat0 float64
	for _, p := range points {
		lat0 += p.Lat
	}
	lat0 /= float64(len(points))
	kx := math.Cos(lat0*math.Pi/180) * metersPerDegree

	out := make([]xy, len(points))
	for i, p := range points {
		out[i] = xy{x: p.Lon * kx, y: p.Lat * metersPerDegree}
	}
	return out
}

// components groups point indices connected by gaps of at most r. Groups
// are ordered by their lowest index and list indices in ascending order.
func components(pts []xy, r float64) [][]int {
	parent := make([]int, len(pts))
	for i := range parent {
		parent[i] = i
	}
	if r > 0 {
		type cell struct{ x, y int64 }
		grid := make(map[cell][]int)
		keyOf := func(p xy) cell {
			return cell{int64(math.Floor(p.x / r)), int64(math.Floor(p.y / r))}
		}
		for i, p := range pts {
			c := keyOf(p)
			for dx := int64(-1); dx <= 1; dx++ {
				for dy := int64(-1); dy <= 1; dy++ {
					for _, j := range grid[cell{c.x + dx, c.y + dy}] {
						ddx, ddy := p.x-pts[j].x, p.y-pts[j].y
						if ddx*ddx+ddy*ddy <= r*r {
							union(parent, i, j)
						}
					}
				}
			}
			grid[c] = append(grid[c], i)
		}
	}

	byRoot := make(map[int]int)
	var groups [][]int
	for i := range pts {
		root := find(parent, i)
		g, ok := byRoot[root]
		if !ok {
			g = len(groups)
			byRoot[root] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}

// Find clusters the located incidents and returns every cluster with at
// least minCount members, highest raw score first, then by size, then by
// lowest incident id.
func Find(incidents []database.Incident, thresholdM float64, minCount int, s Scorer) []Blackspot {
	var located []database.Incident
	for _, inc := range incidents {
		if inc.Lat != nil && inc.Lon != nil {
			located = append(located, inc)
		}
	}
	sort.Slice(located, func(i, j int) bool { return located[i].ID < located[j].ID })

	points := make([]geo.Point, len(located))
	for i, inc := range located {
		points[i] = geo.Point{Lat: *inc.Lat, Lon: *inc.Lon}
	}
	labels := Labels(points, thresholdM)

	members := make(map[int][]int)
	for i, l := range labels {
		members[l] = append(members[l], i)
	}

	out := []Blackspot{}
	for _, idx := range members {
		if len(idx) < minCount {
			continue
		}
		var b Blackspot
		for _, i := range idx {
			b.Centroid.Lat += points[i].Lat
			b.Centroid.Lon += points[i].Lon
			b.Counts.Add(located[i].Severity)
			b.IncidentIDs = append(b.IncidentIDs, located[i].ID)
		}
		b.Centroid.Lat /= float64(len(idx))
		b.Centroid.Lon /= float64(len(idx))
		for _, i := range idx {
			b.RadiusM = math.Max(b.RadiusM, geo.Distance(b.Centroid, points[i]))
		}
		b.Incidents = len(idx)
		b.ScoreRaw = s.Raw(b.Counts)
		b.Category = s.Category(b.ScoreRaw)
		out = append(out, b)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ScoreRaw != out[j].ScoreRaw {
			return out[i].ScoreRaw > out[j].ScoreRaw
		}
		if out[i].Incidents != out[j].Incidents {
			return out[i].Incidents > out[j].Incidents
		}
		return out[i].IncidentIDs[0] < out[j].IncidentIDs[0]
	})
	return out
}
