package spatial

import (
	"fmt"
	"math"
	"sort"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/database"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/geo"
)

// Unassigned is the area code of a point that falls in no unit.
const Unassigned = ""

// defaultCellDeg is the grid cell size. LSOAs are a few hundred meters to a
// few kilometers across, so most units touch only a handful of cells.
const defaultCellDeg = 0.05

type cellKey struct{ x, y int32 }

type indexedUnit struct {
	code  string
	shape geo.MultiPolygon
}

// Index is an in-memory uniform grid over the areal units of one edition.
// It is immutable once built and safe for concurrent use.
type Index struct {
	edition string
	cellDeg float64
	units   []indexedUnit
	cells   map[cellKey][]int
}

// BuildIndex parses the units' geometry and buckets each unit into every
// grid cell its bounding box overlaps. Units are sorted by code so that
// candidate lists, and therefore tie-breaks, are deterministic.
func BuildIndex(edition string, units []database.ArealUnit) (*Index, error) {
	ix := &Index{edition: edition, cellDeg: defaultCellDeg, cells: map[cellKey][]int{}}

	sorted := make([]database.ArealUnit, len(units))
	copy(sorted, units)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Code < sorted[j].Code })

	for _, u := range sorted {
		shape, err := geo.ParseGeoJSON([]byte(u.Geometry))
		if err != nil {
			return nil, fmt.Errorf("areal unit %s: %w", u.Code, err)
		}
		i := len(ix.units)
		b := shape.Bounds()
		ix.units = append(ix.units, indexedUnit{code: u.Code, shape: shape})

		x0, y0 := ix.cell(b.MinLon, b.MinLat)
		x1, y1 := ix.cell(b.MaxLon, b.MaxLat)
		for x := x0; x <= x1; x++ {
			for y := y0; y <= y1; y++ {
				k := cellKey{x, y}
				ix.cells[k] = append(ix.cells[k], i)
			}
		}
	}
	return ix, nil
}

func (ix *Index) cell(lon, lat float64) (int32, int32) {
	return int32(math.Floor(lon / ix.cellDeg)), int32(math.Floor(lat / ix.cellDeg))
}

// Edition returns the boundary edition the index was built from.
func (ix *Index) Edition() string { return ix.edition }

// Len returns the number of indexed units.
func (ix *Index) Len() int { return len(ix.units) }

// Assign returns the code of the unit containing p. A point on a shared
// edge belongs to every touching unit; the lowest code wins.
func (ix *Index) Assign(p geo.Point) string {
	if ix == nil || !p.Valid() {
		return Unassigned
	}
	// A point on a cell line may belong to a unit bucketed only in the
	// neighbouring cell.
	best := Unassigned
	for _, k := range ix.touchingCells(p) {
		for _, i := range ix.cells[k] {
			u := &ix.units[i]
			if best != Unassigned && u.code >= best {
				continue
			}
			if u.shape.Locate(p) != geo.Outside {
				best = u.code
			}
		}
	}
	return best
}

// touchingCells returns the cells within a boundary tolerance of p.
func (ix *Index) touchingCells(p geo.Point) []cellKey {
	const eps = 1e-9
	x0, y0 := ix.cell(p.Lon-eps, p.Lat-eps)
	x1, y1 := ix.cell(p.Lon+eps, p.Lat+eps)
	keys := make([]cellKey, 0, 4)
	for x := x0; x <= x1; x++ {
		for y := y0; y <= y1; y++ {
			keys = append(keys, cellKey{x, y})
		}
	}
	return keys
}
