// Package geo holds the geometry used by ingestion and spatial joins:
// WGS84 points, polygons, geodesic distance and national grid conversion.
package geo

import (
	"fmt"
	"math"
)

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (p Point) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lon)
}

// Valid reports whether the point lies on the globe and is not the 0,0
// placeholder some upstream files use for "unknown".
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return false
	}
	return !(p.Lat == 0 && p.Lon == 0)
}

// BBox is an axis-aligned box in degrees.
type BBox struct {
	MinLon, MinLat, MaxLon, MaxLat float64
}

// EmptyBBox returns a box that any Extend call will replace.
func EmptyBBox() BBox {
	return BBox{MinLon: 180, MinLat: 90, MaxLon: -180, MaxLat: -90}
}

func (b BBox) Contains(p Point) bool {
	return p.Lon >= b.MinLon && p.Lon <= b.MaxLon && p.Lat >= b.MinLat && p.Lat <= b.MaxLat
}

func (b BBox) Extend(p Point) BBox {
	b.MinLon = math.Min(b.MinLon, p.Lon)
	b.MinLat = math.Min(b.MinLat, p.Lat)
	b.MaxLon = math.Max(b.MaxLon, p.Lon)
	b.MaxLat = math.Max(b.MaxLat, p.Lat)
	return b
}

func (b BBox) Union(o BBox) BBox {
	b.MinLon = math.Min(b.MinLon, o.MinLon)
	b.MinLat = math.Min(b.MinLat, o.MinLat)
	b.MaxLon = math.Max(b.MaxLon, o.MaxLon)
	b.MaxLat = math.Max(b.MaxLat, o.MaxLat)
	return b
}

func (b BBox) Intersects(o BBox) bool {
	return b.MinLon <= o.MaxLon && o.MinLon <= b.MaxLon && b.MinLat <= o.MaxLat && o.MinLat <= b.MaxLat
}

// Buffer grows the box by at least meters in every direction. The degree
// conversion uses deliberately small meters-per-degree figures so the result
// is never tighter than the true geodesic buffer; callers filter exactly
// with Distance afterwards.
func (b BBox) Buffer(meters float64) BBox {
	const metersPerDegLat = 110_000.0
	dLat := meters / metersPerDegLat
	maxAbsLat := math.Min(89, math.Max(math.Abs(b.MinLat), math.Abs(b.MaxLat))+dLat)
	dLon := meters / (metersPerDegLat * math.Cos(maxAbsLat*math.Pi/180))
	return BBox{
		MinLon: b.MinLon - dLon,
		MinLat: b.MinLat - dLat,
		MaxLon: b.MaxLon + dLon,
		MaxLat: b.MaxLat + dLat,
	}
}

// Around returns a box that contains every point within meters of p.
func Around(p Point, meters float64) BBox {
	return BBox{MinLon: p.Lon, MinLat: p.Lat, MaxLon: p.Lon, MaxLat: p.Lat}.Buffer(meters)
}
