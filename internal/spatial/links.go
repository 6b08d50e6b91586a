package spatial

import (
	"context"
	"fmt"
	"math"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/database"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/geo"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/logger"
)

// LinkClasses are the facility classes incidents are linked to.
var LinkClasses = []string{ClassSchool, ClassCamera}

// linkDetail names the facility attribute stored alongside a link.
var linkDetail = map[string]string{
	ClassSchool: "phase",
	ClassCamera: "type",
}

var world = geo.BBox{MinLon: -180, MinLat: -90, MaxLon: 180, MaxLat: 90}

// Nearest returns the closest feature of class within maxM meters of p,
// or nil when there is none. Ties go to the lowest id.
func (e *Engine) Nearest(ctx context.Context, p geo.Point, class string, maxM float64, f Filters) (*Hit, error) {
	hits, err := e.Nearby(ctx, p, maxM, class, f)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}
	return &hits[0], nil
}

// LinkYear rebuilds, for every located incident of year, the link to the
// nearest facility of each class that was open on the incident's date and
// lies within maxM meters. Each class is replaced in one transaction.
// It returns the number of links written.
func (e *Engine) LinkYear(ctx context.Context, year int, classes []string, maxM float64) (int, error) {
	if maxM <= 0 {
		return 0, ErrBadRadius
	}
	incs, err := e.db.IncidentsForYear(ctx, year)
	if err != nil {
		return 0, fmt.Errorf("loading incidents of %d: %w", year, err)
	}

	total := 0
	for _, class := range classes {
		if _, ok := linkDetail[class]; !ok {
			return total, fmt.Errorf("%w: %q", ErrUnknownClass, class)
		}
		facs, err := e.db.FacilitiesInBBox(ctx, class, world)
		if err != nil {
			return total, fmt.Errorf("loading %s facilities: %w", class, err)
		}
		g := newPointGrid(facs, maxM)

		var links []database.IncidentLink
		for i := range incs {
			p, ok := incs[i].Location()
			if !ok {
				continue
			}
			j, d := g.nearest(p, maxM, occurredOn(incs[i].OccurredAt))
			if j < 0 {
				continue
			}
			f := &facs[j]
			links = append(links, database.IncidentLink{
				IncidentID:  incs[i].ID,
				FeatureID:   f.ID,
				FeatureName: f.Name,
				Detail:      f.Attributes[linkDetail[class]],
				DistanceM:   d,
			})
		}

		n, err := e.db.ReplaceIncidentLinks(ctx, year, class, links)
		if err != nil {
			return total, fmt.Errorf("storing %s links of %d: %w", class, year, err)
		}
		total += n
	}
	logger.L().Debug("Incident links rebuilt", "year", year, "links", total)
	return total, nil
}

func occurredOn(at string) string {
	if len(at) >= 10 {
		return at[:10]
	}
	return at
}

// pointGrid buckets facilities into square degree cells about maxM wide.
type pointGrid struct {
	cellDeg float64
	facs    []database.Facility
	cells   map[cellKey][]int
}

func newPointGrid(facs []database.Facility, maxM float64) *pointGrid {
	g := &pointGrid{
		cellDeg: math.Max(maxM/110_000, 0.001),
		facs:    facs,
		cells:   map[cellKey][]int{},
	}
	for i := range facs {
		k := g.key(facs[i].Lon, facs[i].Lat)
		g.cells[k] = append(g.cells[k], i)
	}
	return g
}

func (g *pointGrid) key(lon, lat float64) cellKey {
	return cellKey{int32(math.Floor(lon / g.cellDeg)), int32(math.Floor(lat / g.cellDeg))}
}

// nearest returns the index and distance of the closest facility open on
// date within maxM of p, or -1.
func (g *pointGrid) nearest(p geo.Point, maxM float64, date string) (int, float64) {
	box := geo.Around(p, maxM)
	lo, hi := g.key(box.MinLon, box.MinLat), g.key(box.MaxLon, box.MaxLat)

	best, bestD := -1, 0.0
	for x := lo.x; x <= hi.x; x++ {
		for y := lo.y; y <= hi.y; y++ {
			for _, i := range g.cells[cellKey{x, y}] {
				f := &g.facs[i]
				if date != "" && !f.ActiveOn(date) {
					continue
				}
				d := geo.Distance(p, geo.Point{Lat: f.Lat, Lon: f.Lon})
				if d > maxM {
					continue
				}
				if best < 0 || d < bestD || (d == bestD && f.ID < g.facs[best].ID) {
					best, bestD = i, d
				}
			}
		}
	}
	return best, bestD
}
