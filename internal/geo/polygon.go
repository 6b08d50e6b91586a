package geo

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Ring is a closed or implicitly closed loop of points.
type Ring []Point

// Polygon follows the GeoJSON convention: the first ring is the outer
// boundary, the rest are holes.
type Polygon struct {
	Rings []Ring
	BBox  BBox
}

// MultiPolygon is the geometry of one areal unit.
type MultiPolygon []Polygon

// Location classifies a point against a polygon.
type Location int

const (
	Outside Location = iota
	Inside
	OnBoundary
)

// edgeEpsilon is the tolerance, in degrees, for treating a point as lying on
// an edge. Roughly a centimetre at UK latitudes.
const edgeEpsilon = 1e-9

// NewPolygon computes the bounding box of the outer ring.
func NewPolygon(rings ...Ring) Polygon {
	p := Polygon{Rings: rings, BBox: EmptyBBox()}
	if len(rings) > 0 {
		for _, pt := range rings[0] {
			p.BBox = p.BBox.Extend(pt)
		}
	}
	return p
}

// Bounds returns the union of the member polygons' boxes.
func (m MultiPolygon) Bounds() BBox {
	b := EmptyBBox()
	for _, p := range m {
		b = b.Union(p.BBox)
	}
	return b
}

// Locate reports whether pt is inside, outside or on the boundary of m.
// A point on any ring edge (outer or hole) is OnBoundary.
func (m MultiPolygon) Locate(pt Point) Location {
	result := Outside
	for _, p := range m {
		switch p.Locate(pt) {
		case OnBoundary:
			return OnBoundary
		case Inside:
			result = Inside
		}
	}
	return result
}

// Locate classifies pt against a single polygon with holes.
func (p Polygon) Locate(pt Point) Location {
	if len(p.Rings) == 0 || !p.BBox.pad(edgeEpsilon).Contains(pt) {
		return Outside
	}
	for _, r := range p.Rings {
		if r.onEdge(pt) {
			return OnBoundary
		}
	}
	if !p.Rings[0].contains(pt) {
		return Outside
	}
	for _, hole := range p.Rings[1:] {
		if hole.contains(pt) {
			return Outside
		}
	}
	return Inside
}

func (b BBox) pad(d float64) BBox {
	return BBox{MinLon: b.MinLon - d, MinLat: b.MinLat - d, MaxLon: b.MaxLon + d, MaxLat: b.MaxLat + d}
}

// contains is the even-odd ray cast.
func (r Ring) contains(pt Point) bool {
	n := len(r)
	if n < 3 {
		return false
	}
	inside := false
	x, y := pt.Lon, pt.Lat
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := r[i].Lon, r[i].Lat
		xj, yj := r[j].Lon, r[j].Lat
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

func (r Ring) onEdge(pt Point) bool {
	n := len(r)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		if onSegment(pt, r[j], r[i]) {
			return true
		}
	}
	return false
}

func onSegment(pt, a, b Point) bool {
	if pt.Lon < math.Min(a.Lon, b.Lon)-edgeEpsilon || pt.Lon > math.Max(a.Lon, b.Lon)+edgeEpsilon ||
		pt.Lat < math.Min(a.Lat, b.Lat)-edgeEpsilon || pt.Lat > math.Max(a.Lat, b.Lat)+edgeEpsilon {
		return false
	}
	dx, dy := b.Lon-a.Lon, b.Lat-a.Lat
	length := math.Hypot(dx, dy)
	if length == 0 {
		return math.Hypot(pt.Lon-a.Lon, pt.Lat-a.Lat) <= edgeEpsilon
	}
	cross := (pt.Lon-a.Lon)*dy - (pt.Lat-a.Lat)*dx
	return math.Abs(cross)/length <= edgeEpsilon
}

type geoJSONGeometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// ParseGeoJSON decodes a GeoJSON Polygon or MultiPolygon geometry.
func ParseGeoJSON(data []byte) (MultiPolygon, error) {
	var g geoJSONGeometry
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decoding geometry: %w", err)
	}
	switch strings.ToLower(g.Type) {
	case "polygon":
		var coords [][][]float64
		if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
			return nil, fmt.Errorf("decoding polygon coordinates: %w", err)
		}
		p, err := polygonFromCoords(coords)
		if err != nil {
			return nil, err
		}
		return MultiPolygon{p}, nil
	case "multipolygon":
		var coords [][][][]float64
		if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
			return nil, fmt.Errorf("decoding multipolygon coordinates: %w", err)
		}
		m := make(MultiPolygon, 0, len(coords))
		for _, pc := range coords {
			p, err := polygonFromCoords(pc)
			if err != nil {
				return nil, err
			}
			m = append(m, p)
		}
		return m, nil
	}
	return nil, fmt.Errorf("unsupported geometry type %q", g.Type)
}

func polygonFromCoords(coords [][][]float64) (Polygon, error) {
	if len(coords) == 0 {
		return Polygon{}, fmt.Errorf("polygon without rings")
	}
	rings := make([]Ring, 0, len(coords))
	for _, rc := range coords {
		ring := make(Ring, 0, len(rc))
		for _, c := range rc {
			if len(c) < 2 {
				return Polygon{}, fmt.Errorf("position with %d values", len(c))
			}
			ring = append(ring, Point{Lon: c[0], Lat: c[1]})
		}
		if len(ring) < 3 {
			return Polygon{}, fmt.Errorf("ring with %d points", len(ring))
		}
		rings = append(rings, ring)
	}
	return NewPolygon(rings...), nil
}

// MarshalGeoJSON encodes m as a GeoJSON MultiPolygon geometry.
func (m MultiPolygon) MarshalGeoJSON() ([]byte, error) {
	coords := make([][][][]float64, 0, len(m))
	for _, p := range m {
		pc := make([][][]float64, 0, len(p.Rings))
		for _, r := range p.Rings {
			rc := make([][]float64, 0, len(r))
			for _, pt := range r {
				rc = append(rc, []float64{pt.Lon, pt.Lat})
			}
			pc = append(pc, rc)
		}
		coords = append(coords, pc)
	}
	return json.Marshal(struct {
		Type        string          `json:"type"`
		Coordinates [][][][]float64 `json:"coordinates"`
	}{"MultiPolygon", coords})
}
