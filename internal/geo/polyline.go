package geo

import (
	"errors"
	"math"
)

// Path is an ordered polyline, e.g. a route supplied by a caller.
type Path []Point

// ErrEmptyPath is returned for paths without points.
var ErrEmptyPath = errors.New("geo: empty path")

// Length returns the geodesic length of the path in meters.
func (p Path) Length() float64 {
	var total float64
	for i := 1; i < len(p); i++ {
		total += Distance(p[i-1], p[i])
	}
	return total
}

// Bounds returns the bounding box of the path.
func (p Path) Bounds() BBox {
	b := EmptyBBox()
	for _, pt := range p {
		b = b.Extend(pt)
	}
	return b
}

// DistanceTo returns the geodesic distance in meters from pt to the nearest
// point on the path. The nearest point on each segment is located in a local
// equirectangular frame centred on pt and then measured geodesically, which
// is accurate for the segment lengths of road routes.
func (p Path) DistanceTo(pt Point) (float64, error) {
	switch len(p) {
	case 0:
		return 0, ErrEmptyPath
	case 1:
		return Distance(pt, p[0]), nil
	}
	best := math.Inf(1)
	for i := 1; i < len(p); i++ {
		d := Distance(pt, closestOnSegment(pt, p[i-1], p[i]))
		if d < best {
			best = d
		}
	}
	return best, nil
}

func closestOnSegment(pt, a, b Point) Point {
	k := math.Cos(rad(pt.Lat))
	ax, ay := (a.Lon-pt.Lon)*k, a.Lat-pt.Lat
	bx, by := (b.Lon-pt.Lon)*k, b.Lat-pt.Lat
	dx, dy := bx-ax, by-ay
	den := dx*dx + dy*dy
	if den == 0 {
		return a
	}
	t := -(ax*dx + ay*dy) / den
	t = math.Max(0, math.Min(1, t))
	return Point{Lat: a.Lat + t*(b.Lat-a.Lat), Lon: a.Lon + t*(b.Lon-a.Lon)}
}
