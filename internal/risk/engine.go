package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/cluster"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/config"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/database"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/geo"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/logger"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/metrics"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/spatial"
)

// ConcurrentRecomputeError is returned when a recompute of the same period
// is already running. Callers should retry later.
type ConcurrentRecomputeError struct {
	Period string
}

func (e *ConcurrentRecomputeError) Error() string {
	return fmt.Sprintf("risk recompute for period %s already in progress", e.Period)
}

var (
	// ErrZeroLengthRoute is returned for a route whose points all coincide.
	ErrZeroLengthRoute = errors.New("route has zero length")

	// ErrTooManyIncidents is returned when a black spot search box holds
	// more incidents than one clustering pass accepts.
	ErrTooManyIncidents = errors.New("too many incidents in box")

	// ErrBadBox is returned for a black spot box whose minimum corner is
	// not below and left of its maximum corner.
	ErrBadBox = errors.New("invalid bounding box")
)

const (
	defaultHotspotLimit = 20
	maxClusterIncidents = 5000
)

// Engine computes and reads derived risk. It writes only area_risk_scores
// and risk_periods.
type Engine struct {
	db      *database.DB
	spatial *spatial.Engine
	scorer  *Scorer
	cfg     config.Risk
	now     func() time.Time

	mu      sync.Mutex
	running map[string]bool
}

func New(db *database.DB, sp *spatial.Engine, cfg config.Risk) *Engine {
	if cfg.HotspotMinCount <= 0 {
		cfg.HotspotMinCount = 10
	}
	if cfg.RouteWindowYears <= 0 {
		cfg.RouteWindowYears = 3
	}
	if cfg.FacilityRadiusM <= 0 {
		cfg.FacilityRadiusM = 500
	}
	if cfg.FacilityWindowYears <= 0 {
		cfg.FacilityWindowYears = 3
	}
	if cfg.BlackspotDistanceM <= 0 {
		cfg.BlackspotDistanceM = 100
	}
	if cfg.BlackspotMinCount <= 0 {
		cfg.BlackspotMinCount = 3
	}
	return &Engine{
		db:      db,
		spatial: sp,
		scorer:  NewScorer(cfg),
		cfg:     cfg,
		now:     time.Now,
		running: map[string]bool{},
	}
}

// Scorer returns the engine's weights and category bands.
func (e *Engine) Scorer() *Scorer { return e.scorer }

// HotspotMinCount returns the configured minimum sample for hotspots.
func (e *Engine) HotspotMinCount() int { return e.cfg.HotspotMinCount }

// RouteWindowYears returns the default trailing window of route scores.
func (e *Engine) RouteWindowYears() int { return e.cfg.RouteWindowYears }

func (e *Engine) acquire(period string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[period] {
		return false
	}
	e.running[period] = true
	return true
}

func (e *Engine) release(period string) {
	e.mu.Lock()
	delete(e.running, period)
	e.mu.Unlock()
}

// RecomputeResult summarises one period rebuild.
type RecomputeResult struct {
	Period        string
	Edition       string
	Units         int
	WithIncidents int
	Duration      time.Duration
}

// Recompute replaces every score of a period with one row per current
// areal unit, built from the committed incidents. Units without incidents
// get zero rows so that a rerun over unchanged data writes identical rows.
func (e *Engine) Recompute(ctx context.Context, period string) (*RecomputeResult, error) {
	if _, _, err := database.ParsePeriod(period); err != nil {
		return nil, err
	}
	if !e.acquire(period) {
		return nil, &ConcurrentRecomputeError{Period: period}
	}
	defer e.release(period)

	start := time.Now()
	log := logger.L().With("period", period)

	res := &RecomputeResult{Period: period}
	in, err := e.db.RecomputePeriod(ctx, period, e.now(), func(in database.PeriodInputs) []database.AreaRiskScore {
		res.WithIncidents = 0
		scores := make([]database.AreaRiskScore, 0, len(in.Units))
		for _, u := range in.Units {
			c := in.Counts[u.Code]
			if c.Total() > 0 {
				res.WithIncidents++
			}
			scores = append(scores, e.scorer.Area(u, period, c))
		}
		return scores
	})
	if err != nil {
		return nil, fmt.Errorf("recomputing %s: %w", period, err)
	}
	res.Edition, res.Units = in.Edition, len(in.Units)

	res.Duration = time.Since(start)
	metrics.RecomputeDurationSeconds.Observe(res.Duration.Seconds())
	log.Info("Risk scores recomputed", "units", res.Units, "with_incidents", res.WithIncidents,
		"edition", res.Edition, "duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

// PurgeOrphans removes scores of units that left the current edition and
// returns the periods that lost rows.
func (e *Engine) PurgeOrphans(ctx context.Context) ([]string, error) {
	periods, err := e.db.PurgeOrphanScores(ctx)
	if err != nil {
		return nil, err
	}
	if len(periods) > 0 {
		logger.L().Info("Purged scores of retired areal units", "periods", periods)
	}
	return periods, nil
}

// Hotspots ranks units of a period with at least minCount incidents by
// risk score. A minCount or limit of zero uses the defaults.
func (e *Engine) Hotspots(ctx context.Context, period string, minCount, limit int) ([]database.AreaRiskScore, error) {
	if _, _, err := database.ParsePeriod(period); err != nil {
		return nil, err
	}
	if minCount <= 0 {
		minCount = e.cfg.HotspotMinCount
	}
	if limit <= 0 {
		limit = defaultHotspotLimit
	}
	return e.db.Hotspots(ctx, period, minCount, limit)
}

// RouteRisk is the score of a route over a trailing window.
type RouteRisk struct {
	LengthKm    float64                 `json:"length_km"`
	BufferM     float64                 `json:"buffer_m"`
	Period      string                  `json:"period"`
	Counts      database.SeverityCounts `json:"counts"`
	Incidents   int                     `json:"incidents"`
	ScoreRaw    float64                 `json:"score_raw"`
	ScorePerKm  float64                 `json:"score_per_km"`
	Category    string                  `json:"risk_category"`
	IncidentIDs []string                `json:"incident_ids"`
}

// RouteRisk sums the weighted score of incidents within bufferM of the
// route over the trailing windowYears years and divides it by the route
// length in kilometers. A windowYears of zero uses the default.
func (e *Engine) RouteRisk(ctx context.Context, path geo.Path, bufferM float64, windowYears int) (*RouteRisk, error) {
	if len(path) == 0 {
		return nil, spatial.ErrEmptyRoute
	}
	if windowYears <= 0 {
		windowYears = e.cfg.RouteWindowYears
	}
	lengthKm := path.Length() / 1000
	if lengthKm <= 0 {
		return nil, ErrZeroLengthRoute
	}

	now := e.now()
	hits, err := e.spatial.RouteBuffer(ctx, path, bufferM, windowYears, now)
	if err != nil {
		return nil, err
	}

	r := &RouteRisk{
		LengthKm:    lengthKm,
		BufferM:     bufferM,
		Period:      database.TrailingPeriod(now, windowYears),
		Incidents:   len(hits),
		IncidentIDs: make([]string, 0, len(hits)),
	}
	for _, h := range hits {
		if inc, ok := h.Record.(*database.Incident); ok {
			r.Counts.Add(inc.Severity)
		}
		r.IncidentIDs = append(r.IncidentIDs, h.ID)
	}
	r.ScoreRaw = e.scorer.Raw(r.Counts)
	r.ScorePerKm = r.ScoreRaw / lengthKm
	r.Category = e.scorer.Category(r.ScoreRaw)
	return r, nil
}

// FacilityRisk is the incident exposure around one school or camera.
type FacilityRisk struct {
	Class     string                  `json:"class"`
	ID        string                  `json:"id"`
	Name      string                  `json:"name,omitempty"`
	RadiusM   float64                 `json:"radius_m"`
	Period    string                  `json:"period"`
	Counts    database.SeverityCounts `json:"counts"`
	Incidents int                     `json:"incidents"`
	ScoreRaw  float64                 `json:"score_raw"`
	Category  string                  `json:"risk_category"`
}

// FacilityRisk scores the incidents within the configured radius of a
// facility over the configured trailing window. It returns nil when the
// facility does not exist.
func (e *Engine) FacilityRisk(ctx context.Context, class, id string) (*FacilityRisk, error) {
	f, err := e.db.GetFacility(ctx, class, id)
	if err != nil || f == nil {
		return nil, err
	}

	now := e.now()
	to := now.Year()
	from := to - e.cfg.FacilityWindowYears + 1
	hits, err := e.spatial.Nearby(ctx, geo.Point{Lat: f.Lat, Lon: f.Lon}, e.cfg.FacilityRadiusM,
		spatial.ClassIncident, spatial.Filters{YearFrom: from, YearTo: to})
	if err != nil {
		return nil, err
	}

	r := &FacilityRisk{
		Class:     f.Class,
		ID:        f.ID,
		Name:      f.Name,
		RadiusM:   e.cfg.FacilityRadiusM,
		Period:    database.MakePeriodID(from, to),
		Incidents: len(hits),
	}
	for _, h := range hits {
		if inc, ok := h.Record.(*database.Incident); ok {
			r.Counts.Add(inc.Severity)
		}
	}
	r.ScoreRaw = e.scorer.Raw(r.Counts)
	r.Category = e.scorer.Category(r.ScoreRaw)
	return r, nil
}

// Blackspots clusters the incidents of a period inside box and returns the
// clusters of at least minCount incidents. Zero distanceM or minCount use
// the configured defaults.
func (e *Engine) Blackspots(ctx context.Context, box geo.BBox, period string, distanceM float64, minCount int) ([]cluster.Blackspot, error) {
	from, to, err := database.ParsePeriod(period)
	if err != nil {
		return nil, err
	}
	if box.MinLat >= box.MaxLat || box.MinLon >= box.MaxLon {
		return nil, ErrBadBox
	}
	if distanceM <= 0 {
		distanceM = e.cfg.BlackspotDistanceM
	}
	if minCount <= 0 {
		minCount = e.cfg.BlackspotMinCount
	}

	incs, err := e.db.IncidentsInBBox(ctx, box, database.IncidentFilter{YearFrom: from, YearTo: to})
	if err != nil {
		return nil, err
	}
	if len(incs) > maxClusterIncidents {
		return nil, fmt.Errorf("%w: %d, limit %d", ErrTooManyIncidents, len(incs), maxClusterIncidents)
	}
	return cluster.Find(incs, distanceM, minCount, e.scorer), nil
}
