// Package risk turns incident counts into weighted, normalized scores for
// areal units, routes and facilities, and ranks hotspots.
package risk

import (
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/config"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/database"
)

// Normalization methods recorded on each area score.
const (
	NormPopulation = "population"
	NormArea       = "area"
	NormNone       = "none"
)

// perResidents is the population base of population-normalized scores.
const perResidents = 10_000

// Scorer applies the configured weights and category bands.
type Scorer struct {
	weights    config.Weights
	thresholds []config.Threshold
	fallback   string
}

func NewScorer(cfg config.Risk) *Scorer {
	s := &Scorer{weights: cfg.Weights, thresholds: cfg.Thresholds, fallback: cfg.FallbackCategory}
	if len(s.thresholds) == 0 {
		s.thresholds = config.DefaultThresholds()
	}
	if s.fallback == "" {
		s.fallback = "Very Low"
	}
	if s.weights == (config.Weights{}) {
		s.weights = config.Weights{Fatal: 10, Serious: 3, Slight: 1}
	}
	return s
}

// Raw returns the severity-weighted sum of counts.
func (s *Scorer) Raw(c database.SeverityCounts) float64 {
	return float64(c.Fatal)*s.weights.Fatal +
		float64(c.Serious)*s.weights.Serious +
		float64(c.Slight)*s.weights.Slight
}

// Category maps a raw score to the first band whose minimum it reaches.
func (s *Scorer) Category(raw float64) string {
	for _, t := range s.thresholds {
		if raw >= t.Min {
			return t.Category
		}
	}
	return s.fallback
}

// Area scores one unit. Population takes precedence over land area; a unit
// with neither keeps its raw score.
func (s *Scorer) Area(u database.ArealUnit, period string, c database.SeverityCounts) database.AreaRiskScore {
	raw := s.Raw(c)
	score := database.AreaRiskScore{
		AreaCode:      u.Code,
		Period:        period,
		Fatal:         c.Fatal,
		Serious:       c.Serious,
		Slight:        c.Slight,
		Total:         c.Total(),
		ScoreRaw:      raw,
		RiskScore:     raw,
		Normalization: NormNone,
		RiskCategory:  s.Category(raw),
	}
	switch {
	case u.Population != nil && *u.Population > 0:
		score.Normalization = NormPopulation
		score.Denominator = float64(*u.Population)
		score.RiskScore = raw / score.Denominator * perResidents
	case u.AreaHectares != nil && *u.AreaHectares > 0:
		score.Normalization = NormArea
		score.Denominator = *u.AreaHectares / 100
		score.RiskScore = raw / score.Denominator
	}
	return score
}
