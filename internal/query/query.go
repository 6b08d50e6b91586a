// Package query is the read side used by the HTTP API and the CLI. Every
// method is a pure read of the canonical store and derived tables.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/cache"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/cluster"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/database"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/geo"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/metrics"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/risk"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/spatial"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// Service answers read queries. Nearby, area, hotspot and summary results
// are cached until Invalidate or the cache TTL.
type Service struct {
	db      *database.DB
	spatial *spatial.Engine
	risk    *risk.Engine
	cache   cache.Cache
}

func New(db *database.DB, sp *spatial.Engine, re *risk.Engine, c cache.Cache) *Service {
	if c == nil {
		c = cache.Nop{}
	}
	return &Service{db: db, spatial: sp, risk: re, cache: c}
}

// Invalidate drops cached results after new data is committed.
func (s *Service) Invalidate(ctx context.Context) error {
	return s.cache.Flush(ctx)
}

func observe(route string, start time.Time) {
	metrics.QueryDurationMs.WithLabelValues(route).Observe(float64(time.Since(start).Milliseconds()))
}

// IncidentDetail is an incident with its vehicles, casualties, nearest
// facility links and the name of its areal unit.
type IncidentDetail struct {
	database.Incident
	AreaName   string                  `json:"area_name,omitempty"`
	Vehicles   []database.Vehicle      `json:"vehicles"`
	Casualties []database.Casualty     `json:"casualties"`
	Links      []database.IncidentLink `json:"links"`
}

func (s *Service) GetIncident(ctx context.Context, id string) (*IncidentDetail, error) {
	defer observe("incident", time.Now())

	inc, err := s.db.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	d := &IncidentDetail{Incident: *inc}
	if d.Vehicles, err = s.db.GetVehicles(ctx, id); err != nil {
		return nil, err
	}
	if d.Casualties, err = s.db.GetCasualties(ctx, id); err != nil {
		return nil, err
	}
	if d.Links, err = s.db.GetIncidentLinks(ctx, id); err != nil {
		return nil, err
	}
	if inc.AreaCode != "" {
		u, err := s.db.GetArealUnit(ctx, inc.AreaCode)
		if err != nil {
			return nil, err
		}
		if u != nil {
			d.AreaName = u.Name
		}
	}
	return d, nil
}

// Nearest returns the closest feature of class within maxM of p.
func (s *Service) Nearest(ctx context.Context, p geo.Point, class string, maxM float64, f spatial.Filters) (*spatial.Hit, error) {
	defer observe("nearest", time.Now())

	hit, err := s.spatial.Nearest(ctx, p, class, maxM, f)
	if err != nil {
		return nil, err
	}
	if hit == nil {
		return nil, fmt.Errorf("no %s within %.0f m: %w", class, maxM, ErrNotFound)
	}
	return hit, nil
}

// SearchNearby returns the features of class within radiusM of p, nearest
// first. Cached hits carry their record as decoded JSON.
func (s *Service) SearchNearby(ctx context.Context, p geo.Point, radiusM float64, class string, f spatial.Filters) ([]spatial.Hit, error) {
	defer observe("nearby", time.Now())

	key := cache.Key("nearby", fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lon), radiusM, class,
		f.YearFrom, f.YearTo, fmt.Sprint(f.Severities), f.ActiveOn)
	return cache.GetOrLoad(ctx, s.cache, key, func() ([]spatial.Hit, error) {
		hits, err := s.spatial.Nearby(ctx, p, radiusM, class, f)
		if hits == nil && err == nil {
			hits = []spatial.Hit{}
		}
		return hits, err
	})
}

// AreaStats is one unit with its score for a period. Score is nil when
// the period has not been computed.
type AreaStats struct {
	Code         string                  `json:"code"`
	Name         string                  `json:"name,omitempty"`
	RegionCode   string                  `json:"region_code,omitempty"`
	Population   *int64                  `json:"population,omitempty"`
	AreaHectares *float64                `json:"area_hectares,omitempty"`
	Edition      string                  `json:"edition"`
	BBox         geo.BBox                `json:"bbox"`
	Period       string                  `json:"period"`
	Score        *database.AreaRiskScore `json:"score"`
}

func (s *Service) AreaStats(ctx context.Context, code, period string) (*AreaStats, error) {
	defer observe("area_stats", time.Now())

	if _, _, err := database.ParsePeriod(period); err != nil {
		return nil, err
	}
	return cache.GetOrLoad(ctx, s.cache, cache.Key("area", code, period), func() (*AreaStats, error) {
		u, err := s.db.GetArealUnit(ctx, code)
		if err != nil {
			return nil, err
		}
		if u == nil {
			return nil, fmt.Errorf("areal unit %s: %w", code, ErrNotFound)
		}
		score, err := s.db.GetAreaRiskScore(ctx, code, period)
		if err != nil {
			return nil, err
		}
		return &AreaStats{
			Code:         u.Code,
			Name:         u.Name,
			RegionCode:   u.RegionCode,
			Population:   u.Population,
			AreaHectares: u.AreaHectares,
			Edition:      u.Edition,
			BBox:         u.BBox,
			Period:       period,
			Score:        score,
		}, nil
	})
}

func (s *Service) Hotspots(ctx context.Context, period string, minCount, limit int) ([]database.AreaRiskScore, error) {
	defer observe("hotspots", time.Now())

	return cache.GetOrLoad(ctx, s.cache, cache.Key("hotspots", period, minCount, limit), func() ([]database.AreaRiskScore, error) {
		hot, err := s.risk.Hotspots(ctx, period, minCount, limit)
		if hot == nil && err == nil {
			hot = []database.AreaRiskScore{}
		}
		return hot, err
	})
}

func (s *Service) Blackspots(ctx context.Context, box geo.BBox, period string, distanceM float64, minCount int) ([]cluster.Blackspot, error) {
	defer observe("blackspots", time.Now())

	key := cache.Key("blackspots", fmt.Sprintf("%.5f,%.5f,%.5f,%.5f", box.MinLon, box.MinLat, box.MaxLon, box.MaxLat),
		period, distanceM, minCount)
	return cache.GetOrLoad(ctx, s.cache, key, func() ([]cluster.Blackspot, error) {
		return s.risk.Blackspots(ctx, box, period, distanceM, minCount)
	})
}

// RouteRisk is computed per call; route parameters are too varied to
// cache usefully.
func (s *Service) RouteRisk(ctx context.Context, path geo.Path, bufferM float64, windowYears int) (*risk.RouteRisk, error) {
	defer observe("route_risk", time.Now())
	return s.risk.RouteRisk(ctx, path, bufferM, windowYears)
}

func (s *Service) FacilityRisk(ctx context.Context, class, id string) (*risk.FacilityRisk, error) {
	defer observe("facility_risk", time.Now())

	r, err := s.risk.FacilityRisk(ctx, class, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%s %s: %w", class, id, ErrNotFound)
	}
	return r, nil
}

func (s *Service) YearSummary(ctx context.Context, year int) (*database.YearSummary, error) {
	defer observe("summary", time.Now())

	return cache.GetOrLoad(ctx, s.cache, cache.Key("summary", year), func() (*database.YearSummary, error) {
		return s.db.YearSummary(ctx, year)
	})
}

func (s *Service) Jobs(ctx context.Context, sourceID string, limit int) ([]database.IngestionJob, error) {
	defer observe("jobs", time.Now())
	jobs, err := s.db.ListJobs(ctx, sourceID, limit)
	if jobs == nil && err == nil {
		jobs = []database.IngestionJob{}
	}
	return jobs, err
}

func (s *Service) SourceStates(ctx context.Context) ([]database.SourceState, error) {
	defer observe("sources", time.Now())
	states, err := s.db.ListSourceStates(ctx)
	if states == nil && err == nil {
		states = []database.SourceState{}
	}
	return states, err
}

func (s *Service) RiskPeriods(ctx context.Context) ([]database.RiskPeriod, error) {
	return s.db.ListRiskPeriods(ctx)
}

func (s *Service) Stats(ctx context.Context) (*database.Stats, error) {
	return s.db.GetStats(ctx)
}
