// Package spatial assigns points to areal units and answers proximity
// searches over the canonical store.
package spatial

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/database"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/geo"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/logger"
)

// Feature classes accepted by Nearby.
const (
	ClassIncident   = "incident"
	ClassSchool     = database.ClassSchool
	ClassCamera     = database.ClassCamera
	ClassCountPoint = "count_point"
	ClassWeather    = "weather"
)

var (
	ErrUnknownClass = errors.New("unknown feature class")
	ErrEmptyRoute   = errors.New("route has no points")
	ErrBadRadius    = errors.New("radius must be positive")
	ErrInvalidPoint = errors.New("invalid point")
)

// Filters narrows a Nearby search. Year and severity filters apply to
// incidents; ActiveOn (YYYY-MM-DD) keeps only facilities open on that date.
type Filters struct {
	YearFrom   int
	YearTo     int
	Severities []database.Severity
	ActiveOn   string
}

// Hit is one feature found by a proximity search.
type Hit struct {
	Class     string  `json:"class"`
	ID        string  `json:"id"`
	DistanceM float64 `json:"distance_m"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Record    any     `json:"record"`
}

// Engine holds the boundary index of the current edition. The index is
// swapped atomically by Load; readers never see a half-built one.
type Engine struct {
	db *database.DB

	mu    sync.RWMutex
	index *Index
}

func New(db *database.DB) *Engine {
	return &Engine{db: db}
}

// Load rebuilds the index from the areal units in the store.
func (e *Engine) Load(ctx context.Context) error {
	units, err := e.db.ListArealUnits(ctx)
	if err != nil {
		return fmt.Errorf("listing areal units: %w", err)
	}
	edition, err := e.db.CurrentEdition(ctx)
	if err != nil {
		return fmt.Errorf("reading boundary edition: %w", err)
	}
	ix, err := BuildIndex(edition, units)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.index = ix
	e.mu.Unlock()

	logger.L().Info("Boundary index loaded", "edition", edition, "units", ix.Len())
	return nil
}

func (e *Engine) current() *Index {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.index
}

// Edition returns the edition of the loaded index, or "" before Load.
func (e *Engine) Edition() string {
	if ix := e.current(); ix != nil {
		return ix.Edition()
	}
	return ""
}

// AssignArea returns the code of the unit containing p, or Unassigned.
func (e *Engine) AssignArea(p geo.Point) string {
	return e.current().Assign(p)
}

// Enrich derives an incident's area from its own location. Whatever area
// code the upstream row carried is kept only as SourceAreaCode. Other
// entities pass through unchanged.
func (e *Engine) Enrich(_ context.Context, ent database.Entity) error {
	inc, ok := ent.(*database.Incident)
	if !ok {
		return nil
	}
	p, ok := inc.Location()
	if !ok {
		inc.AreaCode = Unassigned
		if inc.GeoFlag == "" {
			inc.GeoFlag = database.GeoFlagMissing
		}
		return nil
	}
	if !p.Valid() {
		inc.Lat, inc.Lon = nil, nil
		inc.AreaCode = Unassigned
		inc.GeoFlag = database.GeoFlagInvalid
		return nil
	}
	inc.AreaCode = e.AssignArea(p)
	return nil
}

// Nearby returns every feature of class within radiusM geodesic meters of
// p, nearest first; equal distances are ordered by id.
func (e *Engine) Nearby(ctx context.Context, p geo.Point, radiusM float64, class string, f Filters) ([]Hit, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w %s", ErrInvalidPoint, p)
	}
	if radiusM <= 0 {
		return nil, ErrBadRadius
	}
	box := geo.Around(p, radiusM)

	candidates, err := e.candidates(ctx, box, class, f)
	if err != nil {
		return nil, err
	}

	hits := candidates[:0]
	for _, h := range candidates {
		d := geo.Distance(p, geo.Point{Lat: h.Lat, Lon: h.Lon})
		if d <= radiusM {
			h.DistanceM = d
			hits = append(hits, h)
		}
	}
	sortHits(hits)
	return hits, nil
}

// candidates runs the degree box prefilter in the store.
func (e *Engine) candidates(ctx context.Context, box geo.BBox, class string, f Filters) ([]Hit, error) {
	var out []Hit
	switch class {
	case ClassIncident:
		incs, err := e.db.IncidentsInBBox(ctx, box, database.IncidentFilter{
			YearFrom: f.YearFrom, YearTo: f.YearTo, Severities: f.Severities,
		})
		if err != nil {
			return nil, err
		}
		for i := range incs {
			p, ok := incs[i].Location()
			if !ok {
				continue
			}
			out = append(out, Hit{Class: class, ID: incs[i].ID, Lat: p.Lat, Lon: p.Lon, Record: &incs[i]})
		}

	case ClassSchool, ClassCamera:
		facs, err := e.db.FacilitiesInBBox(ctx, class, box)
		if err != nil {
			return nil, err
		}
		for i := range facs {
			if f.ActiveOn != "" && !facs[i].ActiveOn(f.ActiveOn) {
				continue
			}
			out = append(out, Hit{Class: class, ID: facs[i].ID, Lat: facs[i].Lat, Lon: facs[i].Lon, Record: &facs[i]})
		}

	case ClassCountPoint:
		pts, err := e.db.CountPointsInBBox(ctx, box)
		if err != nil {
			return nil, err
		}
		for i := range pts {
			out = append(out, Hit{Class: class, ID: pts[i].ID, Lat: pts[i].Lat, Lon: pts[i].Lon, Record: &pts[i]})
		}

	case ClassWeather:
		obs, err := e.db.LatestWeatherInBBox(ctx, box)
		if err != nil {
			return nil, err
		}
		for i := range obs {
			out = append(out, Hit{Class: class, ID: obs[i].StationID, Lat: obs[i].Lat, Lon: obs[i].Lon, Record: &obs[i]})
		}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
	return out, nil
}

// RouteBuffer returns the incidents within bufferM meters of any segment
// of path during the trailing yearWindow years ending in now's year.
// DistanceM on each hit is the distance to the nearest segment.
func (e *Engine) RouteBuffer(ctx context.Context, path geo.Path, bufferM float64, yearWindow int, now time.Time) ([]Hit, error) {
	if len(path) == 0 {
		return nil, ErrEmptyRoute
	}
	for _, p := range path {
		if !p.Valid() {
			return nil, fmt.Errorf("route: %w %s", ErrInvalidPoint, p)
		}
	}
	if bufferM <= 0 {
		return nil, ErrBadRadius
	}
	if yearWindow < 1 {
		yearWindow = 1
	}
	to := now.Year()
	incs, err := e.db.IncidentsInBBox(ctx, path.Bounds().Buffer(bufferM), database.IncidentFilter{
		YearFrom: to - yearWindow + 1, YearTo: to,
	})
	if err != nil {
		return nil, err
	}

	var hits []Hit
	for i := range incs {
		p, ok := incs[i].Location()
		if !ok {
			continue
		}
		d, err := path.DistanceTo(p)
		if err != nil {
			return nil, err
		}
		if d <= bufferM {
			hits = append(hits, Hit{Class: ClassIncident, ID: incs[i].ID, DistanceM: d, Lat: p.Lat, Lon: p.Lon, Record: &incs[i]})
		}
	}
	sortHits(hits)
	return hits, nil
}

func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].DistanceM != hits[j].DistanceM {
			return hits[i].DistanceM < hits[j].DistanceM
		}
		return hits[i].ID < hits[j].ID
	})
}
