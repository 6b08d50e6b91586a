package risk

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/config"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/database"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/geo"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/spatial"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var seedSeq int

func seed(t *testing.T, db *database.DB, records ...database.Entity) {
	t.Helper()
	ctx := context.Background()
	seedSeq++
	jobID := fmt.Sprintf("seed-%d", seedSeq)
	if err := db.Stage(ctx, jobID, 0, records); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := db.CommitStage(ctx, jobID, database.ModeIncremental); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func unit(code string) *database.ArealUnit {
	return &database.ArealUnit{
		Code:     code,
		Edition:  "2021",
		Geometry: `{"type":"Polygon","coordinates":[[[0,51],[1,51],[1,52],[0,52],[0,51]]]}`,
		BBox:     geo.BBox{MinLon: 0, MinLat: 51, MaxLon: 1, MaxLat: 52},
	}
}

// incidents returns n incidents of one severity assigned to area.
func incidents(prefix, area string, year int, sev database.Severity, n int) []database.Entity {
	out := make([]database.Entity, n)
	for i := range out {
		out[i] = &database.Incident{
			ID:         fmt.Sprintf("%s%03d", prefix, i),
			Year:       year,
			OccurredAt: fmt.Sprintf("%d-05-01", year),
			Lat:        f64(51.5),
			Lon:        f64(0.5),
			Severity:   sev,
			AreaCode:   area,
			SourceID:   "test",
		}
	}
	return out
}

func newTestEngine(t *testing.T, db *database.DB) *Engine {
	t.Helper()
	cfg := config.Risk{Weights: config.Weights{Fatal: 10, Serious: 3, Slight: 1}}
	e := New(db, spatial.New(db), cfg)
	e.now = func() time.Time { return testNow }
	return e
}

func TestScorerScenario(t *testing.T) {
	s := NewScorer(config.Risk{})
	counts := database.SeverityCounts{Fatal: 2, Serious: 5, Slight: 20}
	u := database.ArealUnit{Code: "E01", AreaHectares: f64(10)}

	score := s.Area(u, "2024", counts)
	if score.ScoreRaw != 55 {
		t.Errorf("expected raw 55, got %v", score.ScoreRaw)
	}
	if score.RiskCategory != "Very High" {
		t.Errorf("expected Very High, got %q", score.RiskCategory)
	}
	if score.Normalization != NormArea || score.Denominator != 0.1 {
		t.Errorf("expected area normalization over 0.1 km2, got %s %v", score.Normalization, score.Denominator)
	}
	if score.RiskScore != 550 {
		t.Errorf("expected 550 per km2, got %v", score.RiskScore)
	}
}

func TestScorerPopulationTakesPrecedence(t *testing.T) {
	s := NewScorer(config.Risk{})
	u := database.ArealUnit{Code: "E01", Population: i64(2000), AreaHectares: f64(10)}
	score := s.Area(u, "2024", database.SeverityCounts{Serious: 2})
	if score.Normalization != NormPopulation || score.RiskScore != 30 {
		t.Errorf("expected population score 30, got %s %v", score.Normalization, score.RiskScore)
	}

	bare := s.Area(database.ArealUnit{Code: "E02"}, "2024", database.SeverityCounts{Slight: 7})
	if bare.Normalization != NormNone || bare.RiskScore != 7 || bare.Denominator != 0 {
		t.Errorf("expected raw score without denominator, got %+v", bare)
	}
}

func TestCategoryBands(t *testing.T) {
	s := NewScorer(config.Risk{})
	tests := []struct {
		raw  float64
		want string
	}{
		{50, "Very High"},
		{49.9, "High"},
		{25, "High"},
		{10, "Medium"},
		{5, "Low"},
		{4, "Very Low"},
		{0, "Very Low"},
	}
	for _, tt := range tests {
		if got := s.Category(tt.raw); got != tt.want {
			t.Errorf("Category(%v): expected %q, got %q", tt.raw, tt.want, got)
		}
	}
}

func TestRecomputeCoversEveryUnitAndIsRepeatable(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	a := unit("E01000001")
	a.AreaHectares = f64(10)
	seed(t, db, a, unit("E01000002"))
	var recs []database.Entity
	recs = append(recs, incidents("F", "E01000001", 2024, database.SeverityFatal, 2)...)
	recs = append(recs, incidents("S", "E01000001", 2024, database.SeveritySerious, 5)...)
	recs = append(recs, incidents("L", "E01000001", 2024, database.SeveritySlight, 20)...)
	recs = append(recs, incidents("X", "E01000001", 2020, database.SeverityFatal, 1)...)
	seed(t, db, recs...)

	e := newTestEngine(t, db)
	res, err := e.Recompute(ctx, "2024")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if res.Units != 2 || res.WithIncidents != 1 {
		t.Errorf("expected 2 units with 1 scored, got %+v", res)
	}

	first, _ := db.ListAreaRiskScores(ctx, "2024")
	if len(first) != 2 {
		t.Fatalf("expected a row per unit, got %d", len(first))
	}
	if first[0].ScoreRaw != 55 || first[0].RiskCategory != "Very High" {
		t.Errorf("expected raw 55 Very High, got %+v", first[0])
	}
	if first[1].Total != 0 || first[1].RiskCategory != "Very Low" {
		t.Errorf("expected empty unit scored zero, got %+v", first[1])
	}

	if _, err := e.Recompute(ctx, "2024"); err != nil {
		t.Fatalf("second recompute: %v", err)
	}
	second, _ := db.ListAreaRiskScores(ctx, "2024")
	if !reflect.DeepEqual(first, second) {
		t.Errorf("expected identical rows on rerun:\n%+v\n%+v", first, second)
	}

	p, _ := db.GetRiskPeriod(ctx, "2024")
	if p == nil || p.Edition != "2021" || p.UnitCount != 2 {
		t.Errorf("unexpected period record %+v", p)
	}
}

func TestRecomputeRejectsConcurrentRunOfSamePeriod(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, unit("E01"))
	e := newTestEngine(t, db)

	if !e.acquire("2024") {
		t.Fatal("expected to acquire an idle period")
	}
	_, err := e.Recompute(context.Background(), "2024")
	var ce *ConcurrentRecomputeError
	if !errors.As(err, &ce) || ce.Period != "2024" {
		t.Errorf("expected ConcurrentRecomputeError, got %v", err)
	}

	if _, err := e.Recompute(context.Background(), "2022..2024"); err != nil {
		t.Errorf("expected a different period to run, got %v", err)
	}

	e.release("2024")
	if _, err := e.Recompute(context.Background(), "2024"); err != nil {
		t.Errorf("expected recompute after release, got %v", err)
	}
}

func TestRecomputeRejectsBadPeriod(t *testing.T) {
	e := newTestEngine(t, openTestDB(t))
	if _, err := e.Recompute(context.Background(), "24"); err == nil {
		t.Error("expected error for malformed period")
	}
}

func TestHotspotsExcludeSmallSamples(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seed(t, db, unit("E01000001"), unit("E01000002"), unit("E01000003"))
	var recs []database.Entity
	recs = append(recs, incidents("A", "E01000001", 2024, database.SeverityFatal, 9)...)
	recs = append(recs, incidents("B", "E01000002", 2024, database.SeveritySlight, 10)...)
	recs = append(recs, incidents("C", "E01000003", 2024, database.SeveritySerious, 12)...)
	seed(t, db, recs...)

	e := newTestEngine(t, db)
	if _, err := e.Recompute(ctx, "2024"); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	hot, err := e.Hotspots(ctx, "2024", 10, 0)
	if err != nil {
		t.Fatalf("hotspots: %v", err)
	}
	if len(hot) != 2 {
		t.Fatalf("expected 2 hotspots, got %+v", hot)
	}
	if hot[0].AreaCode != "E01000003" || hot[1].AreaCode != "E01000002" {
		t.Errorf("expected E01000003 then E01000002, got %s, %s", hot[0].AreaCode, hot[1].AreaCode)
	}
	for _, h := range hot {
		if h.AreaCode == "E01000001" {
			t.Error("expected 9-incident unit excluded despite its score")
		}
	}
}

func TestPurgeOrphans(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seed(t, db, unit("E01000001"), unit("E01000002"))
	e := newTestEngine(t, db)
	e.Recompute(ctx, "2024")

	next := unit("E01000001")
	next.Edition = "2031"
	seed(t, db, next)

	periods, err := e.PurgeOrphans(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if len(periods) != 1 || periods[0] != "2024" {
		t.Errorf("expected period 2024 affected, got %v", periods)
	}
	scores, _ := db.ListAreaRiskScores(ctx, "2024")
	if len(scores) != 1 || scores[0].AreaCode != "E01000001" {
		t.Errorf("expected only the surviving unit, got %+v", scores)
	}
}

func located(id string, year int, sev database.Severity, lat, lon float64) *database.Incident {
	return &database.Incident{
		ID: id, Year: year, OccurredAt: fmt.Sprintf("%d-05-01", year),
		Lat: f64(lat), Lon: f64(lon), Severity: sev, SourceID: "test",
	}
}

func TestRouteRisk(t *testing.T) {
	db := openTestDB(t)
	seed(t, db,
		located("R1", 2024, database.SeverityFatal, 51.5, -0.15),
		located("R2", 2023, database.SeveritySlight, 51.5003, -0.12),
		located("R3", 2021, database.SeverityFatal, 51.5, -0.13),
		located("R4", 2024, database.SeverityFatal, 51.52, -0.13),
	)
	e := newTestEngine(t, db)

	path := geo.Path{{Lat: 51.5, Lon: -0.2}, {Lat: 51.5, Lon: -0.1}}
	r, err := e.RouteRisk(context.Background(), path, 100, 0)
	if err != nil {
		t.Fatalf("route risk: %v", err)
	}
	if r.Incidents != 2 || r.ScoreRaw != 11 {
		t.Errorf("expected 2 incidents scoring 11, got %d scoring %v", r.Incidents, r.ScoreRaw)
	}
	if r.Period != "2023..2025" {
		t.Errorf("expected trailing period 2023..2025, got %s", r.Period)
	}
	if r.LengthKm < 6.9 || r.LengthKm > 7.0 {
		t.Errorf("expected about 6.94 km, got %.3f", r.LengthKm)
	}
	if want := r.ScoreRaw / r.LengthKm; r.ScorePerKm != want {
		t.Errorf("expected %v per km, got %v", want, r.ScorePerKm)
	}

	if _, err := e.RouteRisk(context.Background(), geo.Path{{Lat: 51.5, Lon: 0}}, 100, 3); !errors.Is(err, ErrZeroLengthRoute) {
		t.Errorf("expected ErrZeroLengthRoute, got %v", err)
	}
	if _, err := e.RouteRisk(context.Background(), nil, 100, 3); !errors.Is(err, spatial.ErrEmptyRoute) {
		t.Errorf("expected ErrEmptyRoute, got %v", err)
	}
}

func TestFacilityRisk(t *testing.T) {
	db := openTestDB(t)
	seed(t, db,
		&database.Facility{Class: database.ClassSchool, ID: "100001", Name: "Hill Primary", Lat: 52, Lon: -1.5},
		located("N1", 2024, database.SeveritySerious, 52.001, -1.5),
		located("N2", 2025, database.SeveritySlight, 52.002, -1.5),
		located("OLD", 2020, database.SeverityFatal, 52.001, -1.5),
		located("FAR", 2024, database.SeverityFatal, 52.01, -1.5),
	)
	e := newTestEngine(t, db)

	r, err := e.FacilityRisk(context.Background(), database.ClassSchool, "100001")
	if err != nil {
		t.Fatalf("facility risk: %v", err)
	}
	if r.Incidents != 2 || r.ScoreRaw != 4 || r.Category != "Very Low" {
		t.Errorf("expected 2 incidents scoring 4 Very Low, got %+v", r)
	}
	if r.RadiusM != 500 || r.Period != "2023..2025" {
		t.Errorf("expected 500 m over 2023..2025, got %v %s", r.RadiusM, r.Period)
	}

	missing, err := e.FacilityRisk(context.Background(), database.ClassSchool, "nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil for unknown facility, got %+v %v", missing, err)
	}
}

func TestBlackspots(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	e := newTestEngine(t, db)
	seed(t, db, incidents("F", "", 2024, database.SeverityFatal, 3)...)
	seed(t, db, incidents("O", "", 2020, database.SeveritySlight, 5)...)
	seed(t, db, located("FAR", 2024, database.SeveritySlight, 51.6, 0.5))

	box := geo.BBox{MinLon: 0, MinLat: 51, MaxLon: 1, MaxLat: 52}
	spots, err := e.Blackspots(ctx, box, "2024", 0, 0)
	if err != nil {
		t.Fatalf("blackspots: %v", err)
	}
	if len(spots) != 1 {
		t.Fatalf("expected 1 blackspot, got %+v", spots)
	}
	if spots[0].Incidents != 3 || spots[0].ScoreRaw != 30 || spots[0].Category != "High" {
		t.Errorf("unexpected blackspot %+v", spots[0])
	}

	if spots, _ := e.Blackspots(ctx, box, "2020..2024", 0, 6); len(spots) != 1 || spots[0].Incidents != 8 {
		t.Errorf("expected one cluster of 8 over 2020..2024, got %+v", spots)
	}
	if _, err := e.Blackspots(ctx, geo.BBox{MinLon: 1, MaxLon: 0, MinLat: 51, MaxLat: 52}, "2024", 0, 0); !errors.Is(err, ErrBadBox) {
		t.Errorf("expected ErrBadBox, got %v", err)
	}
}
